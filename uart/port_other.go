//go:build !linux

package uart

import (
	"errors"
	"runtime"
)

// Open is only implemented for Linux hosts; the driver targets
// single-board computers running it.
func Open(path string, baud int) (*Port, error) {
	return nil, errors.New("uart: serial ports not supported on " + runtime.GOOS)
}

// Port is a placeholder so the package type-checks off Linux.
type Port struct{}

func (p *Port) Write(data []byte) error  { return errors.New("uart: port not open") }
func (p *Port) Subscribe() <-chan []byte { return nil }
func (p *Port) Unsubscribe()             {}
func (p *Port) Close() error             { return nil }
