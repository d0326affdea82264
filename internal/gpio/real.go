//go:build linux

package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealReader reads the buttons from actual hardware using the Linux GPIO
// character device.
type RealReader struct {
	chip *gpiocdev.Chip
	btn1 *gpiocdev.Line
	btn2 *gpiocdev.Line
}

// NewRealReader requests both button lines as inputs with pull-ups.
func NewRealReader(chipName string, pin1, pin2 int) (*RealReader, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", chipName, err)
	}

	// Buttons short the line to ground, so the idle level must be pulled high.
	l1, err := chip.RequestLine(pin1, gpiocdev.AsInput, gpiocdev.WithPullUp)
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request BTN1 pin %d: %w", pin1, err)
	}

	l2, err := chip.RequestLine(pin2, gpiocdev.AsInput, gpiocdev.WithPullUp)
	if err != nil {
		l1.Close()
		chip.Close()
		return nil, fmt.Errorf("request BTN2 pin %d: %w", pin2, err)
	}

	return &RealReader{chip: chip, btn1: l1, btn2: l2}, nil
}

// Read returns the logical button states.
// Inverts raw GPIO: raw 0 = pressed, raw 1 = released.
func (r *RealReader) Read() (bool, bool, error) {
	v1, err := r.btn1.Value()
	if err != nil {
		return false, false, fmt.Errorf("read BTN1 pin: %w", err)
	}

	v2, err := r.btn2.Value()
	if err != nil {
		return false, false, fmt.Errorf("read BTN2 pin: %w", err)
	}

	return v1 == 0, v2 == 0, nil
}

// Close releases the lines, returning them to inputs with pull-down to match
// the Pi boot defaults.
func (r *RealReader) Close() error {
	var errs []error

	for name, l := range map[string]*gpiocdev.Line{"BTN1": r.btn1, "BTN2": r.btn2} {
		if l == nil {
			continue
		}
		if err := l.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure %s pin: %w", name, err))
		}
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s pin: %w", name, err))
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
