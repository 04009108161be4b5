package uart

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	serial "github.com/daedaluz/goserial"
)

const (
	// readPollInterval bounds each blocking read so the reader goroutine
	// notices a close in reasonable time.
	readPollInterval = 200 * time.Millisecond

	// listenerBacklog is the chunk channel capacity. The bootloader never
	// sends more than a handful of bytes per exchange, so this is ample.
	listenerBacklog = 64
)

// Port is a Conn backed by a Linux serial device. The AN3155 bootloader
// talks 8 data bits, even parity, 1 stop bit; only the baud rate varies.
type Port struct {
	dev     *serial.Port
	closing atomic.Bool

	mu       sync.Mutex
	listener chan []byte
	done     chan struct{}
}

// Open opens the serial device at path and configures it for the
// bootloader's 8E1 framing at the given baud rate. A reader goroutine is
// started that forwards inbound chunks to the subscribed listener.
func Open(path string, baud int) (*Port, error) {
	dev, err := serial.Open(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	attrs, err := dev.GetAttr2()
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("read port attributes: %w", err)
	}
	applyLineSettings(attrs, baud)
	if err := dev.SetAttr2(serial.TCSANOW, attrs); err != nil {
		dev.Close()
		return nil, fmt.Errorf("configure 8E1 at %d baud: %w", baud, err)
	}

	// Discard anything queued before the session started.
	if err := dev.Flush(serial.TCIOFLUSH); err != nil {
		dev.Close()
		return nil, fmt.Errorf("flush port: %w", err)
	}

	p := &Port{
		dev:  dev,
		done: make(chan struct{}),
	}
	go p.readLoop()
	return p, nil
}

// applyLineSettings puts attrs into raw mode with 8 data bits, even parity,
// 1 stop bit and the given baud rate.
func applyLineSettings(attrs *serial.Termios2, baud int) {
	attrs.MakeRaw()
	attrs.Cflag |= serial.CREAD | serial.CLOCAL | serial.PARENB
	attrs.Cflag &^= serial.PARODD | serial.CSTOPB
	// Bytes received with a parity or framing error are discarded by the
	// kernel; the exchange waiting for them runs into its deadline.
	attrs.Iflag |= serial.IGNPAR
	attrs.Cc[serial.VMIN] = 0
	attrs.Cc[serial.VTIME] = 0
	attrs.SetCustomSpeed(uint32(baud))
}

func (p *Port) readLoop() {
	defer close(p.done)
	buf := make([]byte, 512)
	for {
		n, err := p.dev.ReadTimeout(buf, readPollInterval)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.deliver(chunk)
		}
		if p.closing.Load() || errors.Is(err, serial.ErrClosed) {
			return
		}
	}
}

func (p *Port) deliver(chunk []byte) {
	p.mu.Lock()
	ch := p.listener
	p.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- chunk:
	default:
		// Listener stopped draining; dropping beats wedging the reader.
	}
}

// Write sends data out the port.
func (p *Port) Write(data []byte) error {
	n, err := p.dev.Write(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("short write: %d of %d bytes", n, len(data))
	}
	return nil
}

// Subscribe attaches a fresh listener, replacing any previous one.
func (p *Port) Subscribe() <-chan []byte {
	ch := make(chan []byte, listenerBacklog)
	p.mu.Lock()
	p.listener = ch
	p.mu.Unlock()
	return ch
}

// Unsubscribe detaches the current listener.
func (p *Port) Unsubscribe() {
	p.mu.Lock()
	p.listener = nil
	p.mu.Unlock()
}

// Close stops the reader goroutine and closes the device. A port that is
// already closed reports success.
func (p *Port) Close() error {
	p.closing.Store(true)
	err := p.dev.Close()
	<-p.done
	if err == nil || IsNotOpen(err) {
		return nil
	}
	return err
}
