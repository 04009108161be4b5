package bootloader

import (
	"errors"
	"fmt"
)

// Sentinel errors for the command layer. Callers match with errors.Is.
var (
	ErrTimeout     = errors.New("bootloader: exchange timed out")
	ErrSerialWrite = errors.New("bootloader: serial write failed")
	ErrCancelled   = errors.New("bootloader: cancelled")
)

// UnexpectedByteError reports a protocol byte that did not match what the
// bootloader should have sent at a decision point. NACK (0x1F) is not
// distinguished from garbage.
type UnexpectedByteError struct {
	Phase    string
	Expected byte
	Got      byte
}

func (e *UnexpectedByteError) Error() string {
	return fmt.Sprintf("bootloader: unexpected byte in %s: expected 0x%02x, got 0x%02x", e.Phase, e.Expected, e.Got)
}

// UnexpectedLengthError reports a length that did not fit: an autobaud
// reply that was not exactly one byte long, or a Write Memory payload that
// was empty or longer than MaxWritePacket.
type UnexpectedLengthError struct {
	Expected int
	Got      int
}

func (e *UnexpectedLengthError) Error() string {
	return fmt.Sprintf("bootloader: unexpected reply length: expected %d byte(s), got %d", e.Expected, e.Got)
}

// UnsupportedCommandError reports a command the target did not advertise in
// its Get response.
type UnsupportedCommandError struct {
	Opcode byte
}

func (e *UnsupportedCommandError) Error() string {
	return fmt.Sprintf("bootloader: command 0x%02x not supported by target", e.Opcode)
}

func wrapWrite(err error) error {
	return fmt.Errorf("%w: %v", ErrSerialWrite, err)
}

func hex16(v uint16) string {
	return fmt.Sprintf("0x%04x", v)
}

func hex32(v uint32) string {
	return fmt.Sprintf("0x%08x", v)
}
