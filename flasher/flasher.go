// Package flasher drives a complete firmware-flash session against an
// STM32 target: it sequences the RESET/BOOT0 lines to enter the factory
// bootloader, negotiates the command set, erases and programs flash, and
// always restores the target to main-flash boot on the way out.
package flasher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"openenterprise/stm32flash/bootloader"
	"openenterprise/stm32flash/config"
	"openenterprise/stm32flash/pins"
	"openenterprise/stm32flash/uart"
)

// Sentinel errors for session control. Protocol-level errors come from
// package bootloader and are passed through unchanged.
var (
	ErrInit        = errors.New("flasher: init failed")
	ErrSerialOpen  = errors.New("flasher: serial open failed")
	ErrSerialClose = errors.New("flasher: serial close failed")
	ErrTeardown    = errors.New("flasher: teardown failed")
	ErrBusy        = errors.New("flasher: operation already in progress")
)

// Timing of the reset choreography. Both delays are part of the STM32
// bootloader-readiness contract and must not be shortened.
const (
	resetSettleDelay     = 10 * time.Millisecond
	bootloaderReadyDelay = 500 * time.Millisecond
)

// ProgressFunc observes each successfully written packet: the packet's
// flash address, its offset into the (padded) image, and the total number
// of bytes that will go over the wire.
type ProgressFunc func(addr uint32, offset, total int)

// Options configures a Flasher. Zero fields fall back to package config
// defaults.
type Options struct {
	SerialPort string
	BaudRate   int
	ResetPin   string
	Boot0Pin   string

	Logger     *slog.Logger
	OnProgress ProgressFunc
}

// Info is what a target reports about itself during session negotiation.
type Info struct {
	BootloaderVersion byte
	ProductID         uint16
	Commands          []byte
}

// Flasher is a long-lived driver instance for one target. Init runs once;
// each Flash or Info call owns the UART and the GPIO lines for the
// duration of its session. Calls must be serialized; re-entry is refused
// with ErrBusy.
type Flasher struct {
	opts   Options
	logger *slog.Logger

	// Overridable for tests.
	openPins func() (pins.Control, error)
	openPort func() (uart.Conn, error)

	pins     pins.Control
	initDone bool
	busy     atomic.Bool
}

// New builds a Flasher. No hardware is touched until Init (or the first
// session) runs.
func New(opts Options) *Flasher {
	if opts.SerialPort == "" {
		opts.SerialPort = config.SerialPort()
	}
	if opts.BaudRate <= 0 {
		opts.BaudRate = config.BaudRate()
	}
	if opts.ResetPin == "" {
		opts.ResetPin = config.ResetPin()
	}
	if opts.Boot0Pin == "" {
		opts.Boot0Pin = config.Boot0Pin()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	f := &Flasher{opts: opts, logger: logger}
	f.openPins = func() (pins.Control, error) {
		return pins.Open(opts.ResetPin, opts.Boot0Pin)
	}
	f.openPort = func() (uart.Conn, error) {
		return uart.Open(opts.SerialPort, opts.BaudRate)
	}
	return f
}

// Init configures the GPIO lines and parks the target in main-flash boot
// with RESET released. It runs the hardware setup exactly once; later
// calls are no-ops.
func (f *Flasher) Init() error {
	if !f.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer f.busy.Store(false)
	return f.initOnce()
}

func (f *Flasher) initOnce() error {
	if f.initDone {
		return nil
	}
	ctrl, err := f.openPins()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInit, err)
	}
	if err := ctrl.SelectMainFlash(); err != nil {
		return fmt.Errorf("%w: %v", ErrInit, err)
	}
	if err := ctrl.DeassertReset(); err != nil {
		return fmt.Errorf("%w: %v", ErrInit, err)
	}
	f.pins = ctrl
	f.initDone = true
	f.logger.Info("flasher:init",
		slog.String("reset", f.opts.ResetPin),
		slog.String("boot0", f.opts.Boot0Pin),
	)
	return nil
}

// Flash erases the target's application flash and programs data at the
// given base address. The address is expected to be word-aligned and on a
// page boundary; the target's bootloader NACKs invalid regions.
func (f *Flasher) Flash(ctx context.Context, address uint32, data []byte) error {
	if !f.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer f.busy.Store(false)

	if err := f.initOnce(); err != nil {
		return err
	}
	f.logger.Info("flash:start",
		slog.String("addr", hex32(address)),
		slog.Int("bytes", len(data)),
	)
	err := f.runSession(ctx, func(ctx context.Context, s *bootloader.Session) error {
		if err := s.EraseAll(ctx); err != nil {
			return err
		}
		return f.writeAll(ctx, s, address, data)
	})
	if err != nil {
		f.logger.Error("flash:failed", slog.String("err", err.Error()))
		return err
	}
	f.logger.Info("flash:done")
	return nil
}

// Info enters the bootloader, reports what the target advertises, and
// restores it without touching flash.
func (f *Flasher) Info(ctx context.Context) (*Info, error) {
	if !f.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer f.busy.Store(false)

	if err := f.initOnce(); err != nil {
		return nil, err
	}
	var info Info
	err := f.runSession(ctx, func(ctx context.Context, s *bootloader.Session) error {
		info = Info{
			BootloaderVersion: s.Version,
			ProductID:         s.ProductID,
			Commands:          append([]byte(nil), s.Commands...),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// runSession executes the full enter/exit choreography around action.
// Teardown runs no matter where the entry or the action fails; the inner
// error wins, and a teardown error surfaces only when the inner phase
// succeeded.
func (f *Flasher) runSession(ctx context.Context, action func(context.Context, *bootloader.Session) error) error {
	conn, err := f.openPort()

	var inner error
	if err != nil {
		conn = nil
		inner = fmt.Errorf("%w: %v", ErrSerialOpen, err)
	} else {
		inner = f.enterAndRun(ctx, conn, action)
	}

	tderr := f.teardown(conn)
	if inner != nil {
		return inner
	}
	if tderr != nil {
		return fmt.Errorf("%w: %v", ErrTeardown, tderr)
	}
	return nil
}

// enterAndRun resets the target into system memory, negotiates the
// bootloader and runs action.
func (f *Flasher) enterAndRun(ctx context.Context, conn uart.Conn, action func(context.Context, *bootloader.Session) error) error {
	if err := f.pins.AssertReset(); err != nil {
		return err
	}
	if err := f.pins.SelectSystemMemory(); err != nil {
		return err
	}
	if err := sleep(ctx, resetSettleDelay); err != nil {
		return err
	}
	if err := f.pins.DeassertReset(); err != nil {
		return err
	}
	// The target boots into system memory and needs time before it will
	// answer autobaud.
	if err := sleep(ctx, bootloaderReadyDelay); err != nil {
		return err
	}

	s := bootloader.NewSession(conn, f.logger)
	if err := s.EnterBootloader(ctx); err != nil {
		return err
	}
	if err := s.Get(ctx); err != nil {
		return err
	}
	if err := s.GetID(ctx); err != nil {
		return err
	}
	return action(ctx, s)
}

// teardown restores the target to main-flash boot: assert RESET, BOOT0
// back to main flash, close the UART, release RESET. Every step runs even
// if an earlier one fails; the first failure is reported. A close of a
// port that was never opened (or is already closed) is fine.
func (f *Flasher) teardown(conn uart.Conn) error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	keep(f.pins.AssertReset())
	keep(f.pins.SelectMainFlash())
	if conn != nil {
		if err := conn.Close(); err != nil && !uart.IsNotOpen(err) {
			keep(fmt.Errorf("%w: %v", ErrSerialClose, err))
		}
	}
	keep(f.pins.DeassertReset())

	if first != nil {
		f.logger.Error("flash:teardown-failed", slog.String("err", first.Error()))
	}
	return first
}

// sleep waits for d unless ctx is cancelled first.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func hex32(v uint32) string {
	return fmt.Sprintf("0x%08x", v)
}
