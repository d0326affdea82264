// Package led drives the status LED from the shared state bits.
package led

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	logger "github.com/sirupsen/logrus"

	"github.com/sweeney/smartscale/internal/appstate"
)

// Pattern is a blink pattern.
type Pattern uint8

const (
	Off Pattern = iota
	Solid
	SlowBlink // 200ms on, 800ms off
	FastBlink // 200ms on, 200ms off
	Pulse1s   // 50ms on once per second
)

func (p Pattern) String() string {
	switch p {
	case Off:
		return "OFF"
	case Solid:
		return "SOLID"
	case SlowBlink:
		return "SLOW_BLINK"
	case FastBlink:
		return "FAST_BLINK"
	case Pulse1s:
		return "PULSE_1S"
	}
	return fmt.Sprintf("Pattern(%d)", uint8(p))
}

// Select maps the state bits to the pattern that should be shown.
func Select(bits appstate.Bits) Pattern {
	switch {
	case bits&appstate.OTAActive != 0:
		return FastBlink
	case bits&appstate.APMode != 0:
		return FastBlink
	case bits&appstate.CalibActive != 0:
		return FastBlink
	case bits&appstate.NetUp != 0:
		return Pulse1s
	}
	return SlowBlink
}

// Pin is an output line.
type Pin interface {
	Out(high bool) error
}

// Driver schedules on/off transitions for one LED.
type Driver struct {
	pin       Pin
	activeLow bool

	mu      sync.Mutex
	pattern Pattern
	next    time.Time
	on      bool
	phase   int
}

// NewDriver creates a Driver showing Off.
func NewDriver(pin Pin, activeLow bool) *Driver {
	d := &Driver{pin: pin, activeLow: activeLow}
	d.write(false)
	return d
}

// SetPattern switches pattern and restarts its timing on the next Tick.
func (d *Driver) SetPattern(p Pattern) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pattern = p
	d.next = time.Time{}
	d.on = false
	d.phase = 0
	d.write(false)
}

// Pattern returns the current pattern.
func (d *Driver) Pattern() Pattern {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pattern
}

// On reports whether the LED is lit.
func (d *Driver) On() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.on
}

// Tick advances the pattern to now and drives the pin when a transition is due.
func (d *Driver) Tick(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if now.Before(d.next) {
		return
	}

	switch d.pattern {
	case Off:
		d.on = false
		d.next = now.Add(500 * time.Millisecond)
	case Solid:
		d.on = true
		d.next = now.Add(500 * time.Millisecond)
	case SlowBlink:
		d.on = !d.on
		if d.on {
			d.next = now.Add(200 * time.Millisecond)
		} else {
			d.next = now.Add(800 * time.Millisecond)
		}
	case FastBlink:
		d.on = !d.on
		d.next = now.Add(200 * time.Millisecond)
	case Pulse1s:
		if d.phase == 0 {
			d.on = true
			d.next = now.Add(50 * time.Millisecond)
			d.phase = 1
		} else {
			d.on = false
			d.next = now.Add(950 * time.Millisecond)
			d.phase = 0
		}
	}
	d.write(d.on)
}

func (d *Driver) write(on bool) {
	if d.pin == nil {
		return
	}
	_ = d.pin.Out(on != d.activeLow)
}

// Run follows the state register every tick until ctx is done, then
// switches the LED off.
func Run(ctx context.Context, d *Driver, state *appstate.Register, clock clockwork.Clock, tick time.Duration) {
	log := logger.WithField("component", "led")
	t := clock.NewTicker(tick)
	defer t.Stop()
	defer d.SetPattern(Off)

	for {
		if want := Select(state.Bits()); want != d.Pattern() {
			d.SetPattern(want)
			log.Debugf("pattern → %s", want)
		}
		d.Tick(clock.Now())

		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
		}
	}
}
