// Package bootloader implements the command subset of the STM32 factory
// USART bootloader protocol (ST AN3155) used for flashing: autobaud entry,
// Get, Get ID, mass erase and Write Memory.
//
// Every outbound command is the two bytes [op, ^op]; auxiliary payloads
// carry a trailing XOR checksum. The target answers ACK (0x79) or NACK
// (0x1F); any byte other than ACK at a decision point is a protocol error.
package bootloader

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"time"

	"openenterprise/stm32flash/uart"
)

// Protocol bytes.
const (
	ACK  = 0x79
	NACK = 0x1F

	// Autobaud is the first byte sent after reset so the target can
	// measure the line rate. It is the only frame without a complement.
	Autobaud = 0x7F
)

// Command opcodes.
const (
	CmdGet           = 0x00
	CmdGetID         = 0x02
	CmdWriteMemory   = 0x31
	CmdEraseMemory   = 0x43
	CmdExtendedErase = 0x44
)

// MaxWritePacket is the largest payload a single Write Memory accepts.
const MaxWritePacket = 256

// Exchange deadlines. Erase and flash programming are slow on the target,
// hence the generous write/erase budget.
const (
	autobaudTimeout = 1 * time.Second
	eraseTimeout    = 30 * time.Second
	writeTimeout    = 30 * time.Second
	getTimeout      = 1 * time.Second
)

// massEraseSelector asks for a global erase instead of a page list.
var massEraseSelector = []byte{0xFF, 0x00}

// Session is the negotiated state of one bootloader conversation. It is
// created after the target has been reset into system memory and lives
// until the session controller tears the target down.
type Session struct {
	conn   uart.Conn
	logger *slog.Logger

	// Populated by Get / GetID.
	Version   byte
	Commands  []byte
	ProductID uint16
}

// NewSession wraps an open transport. The logger may be nil.
func NewSession(conn uart.Conn, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Session{conn: conn, logger: logger}
}

// Supports reports whether the target advertised the given opcode in its
// Get response.
func (s *Session) Supports(op byte) bool {
	for _, c := range s.Commands {
		if c == op {
			return true
		}
	}
	return false
}

// commandFrame builds the two-byte frame [op, ^op].
func commandFrame(op byte) []byte {
	return []byte{op, ^op}
}

// xorChecksum folds the payload into a single XOR byte.
func xorChecksum(p []byte) byte {
	var sum byte
	for _, b := range p {
		sum ^= b
	}
	return sum
}

// addressFrame encodes addr big-endian followed by its XOR checksum.
func addressFrame(addr uint32) []byte {
	frame := make([]byte, 5)
	binary.BigEndian.PutUint32(frame, addr)
	frame[4] = xorChecksum(frame[:4])
	return frame
}

// dataFrame encodes a Write Memory payload: [N, d0..dN, N ^ XOR(d0..dN)]
// with N = len(data)-1.
func dataFrame(data []byte) []byte {
	n := byte(len(data) - 1)
	frame := make([]byte, 0, len(data)+2)
	frame = append(frame, n)
	frame = append(frame, data...)
	frame = append(frame, n^xorChecksum(data))
	return frame
}

// EnterBootloader sends the autobaud byte and waits for the target's ACK.
// The reply must be exactly one byte.
func (s *Session) EnterBootloader(ctx context.Context) error {
	s.logger.Debug("bootloader:autobaud")
	_, err := exchange(ctx, s.conn, autobaudTimeout,
		func() error { return s.conn.Write([]byte{Autobaud}) },
		func(chunk []byte, done doneFunc) {
			if len(chunk) != 1 {
				done(nil, &UnexpectedLengthError{Expected: 1, Got: len(chunk)})
				return
			}
			if chunk[0] != ACK {
				done(nil, &UnexpectedByteError{Phase: "autobaud", Expected: ACK, Got: chunk[0]})
				return
			}
			done(nil, nil)
		})
	return err
}

// ackFramedParser accumulates an ACK-delimited response:
//
//	ACK, N, payload..., ACK
//
// where the total frame length is N+4. The complete frame is handed to
// done once the trailing ACK has been verified.
func ackFramedParser() dataFunc {
	var buf []byte
	return func(chunk []byte, done doneFunc) {
		buf = append(buf, chunk...)
		if buf[0] != ACK {
			done(nil, &UnexpectedByteError{Phase: "start-ack", Expected: ACK, Got: buf[0]})
			return
		}
		if len(buf) < 2 {
			return
		}
		total := int(buf[1]) + 4
		if len(buf) < total {
			return
		}
		frame := buf[:total]
		if frame[total-1] != ACK {
			done(nil, &UnexpectedByteError{Phase: "end-ack", Expected: ACK, Got: frame[total-1]})
			return
		}
		done(frame, nil)
	}
}

// Get queries the bootloader version and the advertised command set and
// records both on the session.
func (s *Session) Get(ctx context.Context) error {
	frame, err := exchange(ctx, s.conn, getTimeout,
		func() error { return s.conn.Write(commandFrame(CmdGet)) },
		ackFramedParser())
	if err != nil {
		return err
	}

	n := int(frame[1])
	s.Version = frame[2]
	s.Commands = append([]byte(nil), frame[3:3+n]...)
	s.logger.Info("bootloader:get",
		slog.Int("version", int(s.Version)),
		slog.Int("commands", len(s.Commands)),
	)
	return nil
}

// GetID queries the 16-bit product ID. The value is recorded but never
// validated; boards are identified by the operator, not the driver.
func (s *Session) GetID(ctx context.Context) error {
	if !s.Supports(CmdGetID) {
		return &UnsupportedCommandError{Opcode: CmdGetID}
	}
	frame, err := exchange(ctx, s.conn, getTimeout,
		func() error { return s.conn.Write(commandFrame(CmdGetID)) },
		ackFramedParser())
	if err != nil {
		return err
	}

	s.ProductID = binary.BigEndian.Uint16(frame[2:4])
	s.logger.Info("bootloader:get-id", slog.String("pid", hex16(s.ProductID)))
	return nil
}

// EraseAll performs a mass erase of application flash. Only the 0x43 erase
// is implemented; targets that advertise extended erase (0x44) alone fail
// the gate. The target ACKs twice: once for the opcode frame and once
// after the mass-erase selector.
func (s *Session) EraseAll(ctx context.Context) error {
	if !s.Supports(CmdEraseMemory) {
		return &UnsupportedCommandError{Opcode: CmdEraseMemory}
	}

	s.logger.Info("bootloader:erase-all")
	acks := 0
	_, err := exchange(ctx, s.conn, eraseTimeout,
		func() error { return s.conn.Write(commandFrame(CmdEraseMemory)) },
		func(chunk []byte, done doneFunc) {
			for _, b := range chunk {
				if b != ACK {
					phase := "end-ack"
					if acks == 0 {
						phase = "start-ack"
					}
					done(nil, &UnexpectedByteError{Phase: phase, Expected: ACK, Got: b})
					return
				}
				acks++
				switch acks {
				case 1:
					if err := s.conn.Write(massEraseSelector); err != nil {
						done(nil, wrapWrite(err))
						return
					}
				case 2:
					done(nil, nil)
					return
				}
			}
		})
	return err
}

// Write Memory runs a three-phase micro state machine: the opcode frame,
// the address frame, then the data frame, each gated on an ACK.
type writeState int

const (
	stateSendAddress writeState = iota // awaiting ACK for the opcode frame
	stateSendData                      // awaiting ACK for the address frame
	stateWaitDataAck                   // awaiting ACK for the data frame
)

// ackPhase names the ACK each state is waiting on, for error reporting.
func (st writeState) ackPhase() string {
	switch st {
	case stateSendAddress:
		return "start-ack"
	case stateSendData:
		return "address-ack"
	default:
		return "data-ack"
	}
}

// WriteMemory programs up to 256 bytes at addr. The address is expected to
// be word-aligned; the driver does not check and relies on the target to
// NACK invalid regions.
func (s *Session) WriteMemory(ctx context.Context, addr uint32, data []byte) error {
	if !s.Supports(CmdWriteMemory) {
		return &UnsupportedCommandError{Opcode: CmdWriteMemory}
	}
	if len(data) == 0 || len(data) > MaxWritePacket {
		return &UnexpectedLengthError{Expected: MaxWritePacket, Got: len(data)}
	}

	state := stateSendAddress
	_, err := exchange(ctx, s.conn, writeTimeout,
		func() error { return s.conn.Write(commandFrame(CmdWriteMemory)) },
		func(chunk []byte, done doneFunc) {
			for _, b := range chunk {
				if b != ACK {
					done(nil, &UnexpectedByteError{Phase: state.ackPhase(), Expected: ACK, Got: b})
					return
				}
				switch state {
				case stateSendAddress:
					if err := s.conn.Write(addressFrame(addr)); err != nil {
						done(nil, wrapWrite(err))
						return
					}
					state = stateSendData
				case stateSendData:
					if err := s.conn.Write(dataFrame(data)); err != nil {
						done(nil, wrapWrite(err))
						return
					}
					state = stateWaitDataAck
				case stateWaitDataAck:
					done(nil, nil)
					return
				}
			}
		})
	if err != nil {
		return err
	}
	s.logger.Debug("bootloader:write-memory",
		slog.String("addr", hex32(addr)),
		slog.Int("len", len(data)),
	)
	return nil
}
