//go:build linux

package relay

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealDriver drives relay pins through the Linux GPIO character device.
type RealDriver struct {
	chip  *gpiocdev.Chip
	lines map[int]*gpiocdev.Line
}

// NewRealDriver requests every pin in the map as an output, initially
// de-energized. Requesting up front surfaces pin conflicts at startup
// instead of mid-dispense.
func NewRealDriver(chipName string, pins map[int]PinPair) (*RealDriver, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", chipName, err)
	}

	d := &RealDriver{chip: chip, lines: make(map[int]*gpiocdev.Line)}
	for slot, pair := range pins {
		for _, pin := range []int{pair.Forward, pair.Backward} {
			line, err := chip.RequestLine(pin, gpiocdev.AsOutput(0))
			if err != nil {
				d.Close()
				return nil, fmt.Errorf("request pin %d (slot %d): %w", pin, slot, err)
			}
			d.lines[pin] = line
		}
	}
	return d, nil
}

// SetPin energizes or de-energizes one relay pin.
func (d *RealDriver) SetPin(pin int, energized bool) error {
	line, ok := d.lines[pin]
	if !ok {
		return fmt.Errorf("pin %d not requested", pin)
	}
	value := 0
	if energized {
		value = 1
	}
	if err := line.SetValue(value); err != nil {
		return fmt.Errorf("set pin %d: %w", pin, err)
	}
	return nil
}

// Close drives every line low, then releases lines and chip.
func (d *RealDriver) Close() error {
	var firstErr error
	for pin, line := range d.lines {
		if err := line.SetValue(0); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("rest pin %d: %w", pin, err)
		}
		if err := line.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close pin %d: %w", pin, err)
		}
	}
	if d.chip != nil {
		if err := d.chip.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close chip: %w", err)
		}
	}
	return firstErr
}
