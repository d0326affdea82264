package led

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// PeriphPin drives a GPIO line through periph.
type PeriphPin struct {
	pin gpio.PinIO
}

// OpenPin looks up a pin by name, e.g. "GPIO5".
func OpenPin(name string) (*PeriphPin, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("led pin %s not found", name)
	}
	return &PeriphPin{pin: p}, nil
}

// Out implements Pin.
func (p *PeriphPin) Out(high bool) error {
	return p.pin.Out(gpio.Level(high))
}

// FakePin records levels written to it.
type FakePin struct {
	mu     sync.Mutex
	levels []bool
}

// Out implements Pin.
func (f *FakePin) Out(high bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.levels = append(f.levels, high)
	return nil
}

// Last returns the most recent level, false if none was written.
func (f *FakePin) Last() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.levels) == 0 {
		return false
	}
	return f.levels[len(f.levels)-1]
}

// Writes returns how many levels were written.
func (f *FakePin) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.levels)
}
