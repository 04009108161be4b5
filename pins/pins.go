// Package pins controls the two GPIO lines that steer the target's boot
// mode: RESET (active low) and BOOT0 (0 = main flash, 1 = system memory).
package pins

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Control is what the session controller needs from the boot-mode pins.
type Control interface {
	// SelectMainFlash drives BOOT0 low so the target boots user firmware.
	SelectMainFlash() error

	// SelectSystemMemory drives BOOT0 high so the target boots the
	// factory bootloader.
	SelectSystemMemory() error

	// AssertReset holds the target in reset.
	AssertReset() error

	// DeassertReset releases the target to run.
	DeassertReset() error
}

// GPIO is a Control backed by periph.io host pins.
//
// The reset net is often shared with a debugger, so the drive is
// asymmetric: asserting pulls the line low and then leaves the pin
// high-impedance for the external circuit to hold, while deasserting
// drives the line high as an output. Do not make this symmetric without
// board guidance.
type GPIO struct {
	reset gpio.PinIO
	boot0 gpio.PinIO
}

// Open resolves the named pins (e.g. "GPIO17") and returns a Control for
// them. host.Init is safe to call more than once.
func Open(resetPin, boot0Pin string) (*GPIO, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init gpio host: %w", err)
	}
	reset := gpioreg.ByName(resetPin)
	if reset == nil {
		return nil, fmt.Errorf("no such pin %q", resetPin)
	}
	boot0 := gpioreg.ByName(boot0Pin)
	if boot0 == nil {
		return nil, fmt.Errorf("no such pin %q", boot0Pin)
	}
	return &GPIO{reset: reset, boot0: boot0}, nil
}

func (g *GPIO) SelectMainFlash() error {
	if err := g.boot0.Out(gpio.Low); err != nil {
		return fmt.Errorf("boot0 low: %w", err)
	}
	return nil
}

func (g *GPIO) SelectSystemMemory() error {
	if err := g.boot0.Out(gpio.High); err != nil {
		return fmt.Errorf("boot0 high: %w", err)
	}
	return nil
}

func (g *GPIO) AssertReset() error {
	if err := g.reset.Out(gpio.Low); err != nil {
		return fmt.Errorf("reset low: %w", err)
	}
	// Release the pin so a debugger or the board's pull network can own
	// the shared reset net while the target is held.
	if err := g.reset.In(gpio.Float, gpio.NoEdge); err != nil {
		return fmt.Errorf("reset high-z: %w", err)
	}
	return nil
}

func (g *GPIO) DeassertReset() error {
	if err := g.reset.Out(gpio.High); err != nil {
		return fmt.Errorf("reset high: %w", err)
	}
	return nil
}
