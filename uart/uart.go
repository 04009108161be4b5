// Package uart provides the byte-oriented transport between the host and
// the target's USART bootloader.
package uart

import (
	"errors"
	"strings"

	serial "github.com/daedaluz/goserial"
)

// IsNotOpen reports whether err just means the port was not open. goserial
// says "port already closed"; node-serialport style backends say "Port is
// not open". Either way the port is in the state a close wants.
func IsNotOpen(err error) bool {
	return errors.Is(err, serial.ErrClosed) || strings.Contains(err.Error(), "Port is not open")
}

// Conn is a duplex byte channel. Inbound data is delivered as chunks of one
// or more bytes, in arrival order; chunk boundaries carry no meaning, so
// consumers must treat the sequence of chunks as a stream.
//
// At most one subscriber is attached at a time. Chunks arriving while no
// subscriber is attached are discarded.
type Conn interface {
	// Write sends the given bytes out the port.
	Write(p []byte) error

	// Subscribe attaches a listener and returns its chunk channel,
	// replacing any previous listener.
	Subscribe() <-chan []byte

	// Unsubscribe detaches the current listener, if any.
	Unsubscribe()

	// Close shuts the port down. Closing an already-closed port is not an
	// error.
	Close() error
}
