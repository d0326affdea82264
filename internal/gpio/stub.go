//go:build !linux

package gpio

import "errors"

var errNoChardev = errors.New("gpio: button lines need the Linux GPIO character device")

// RealReader is a placeholder off Linux so the daemon still builds for
// development machines.
type RealReader struct{}

// NewRealReader always fails off Linux.
func NewRealReader(chipName string, pin1, pin2 int) (*RealReader, error) {
	return nil, errNoChardev
}

func (r *RealReader) Read() (bool, bool, error) {
	return false, false, errNoChardev
}

func (r *RealReader) Close() error {
	return nil
}
