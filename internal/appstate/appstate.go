// Package appstate provides the process-wide state register shared by every
// goroutine of the scale daemon: a coarse Mode plus a set of event Bits.
//
// A single Register is created in main before any goroutine starts and is
// passed by pointer to each subsystem. Bits are set and cleared only by the
// subsystem that owns them; readers must not assume that several bits change
// atomically together.
package appstate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Bits is a set of independently settable flags.
type Bits uint32

const (
	NetUp       Bits = 1 << iota // network reachable (owned by netmon)
	TimeValid                    // wall clock synchronised (owned by timekeeper)
	APMode                       // captive portal active (owned by netmon)
	Posting                      // a server POST or spool flush is in flight
	OTAActive                    // firmware update in progress
	CalibActive                  // calibration or tare running; sensor sampling paused
	Ready                        // measurement session open
)

var bitNames = []struct {
	bit  Bits
	name string
}{
	{NetUp, "NET_UP"},
	{TimeValid, "TIME_VALID"},
	{APMode, "AP_MODE"},
	{Posting, "POSTING"},
	{OTAActive, "OTA_ACTIVE"},
	{CalibActive, "CALIB_ACTIVE"},
	{Ready, "READY"},
}

// AllBits returns every named bit in declaration order.
func AllBits() []Bits {
	out := make([]Bits, len(bitNames))
	for i, bn := range bitNames {
		out[i] = bn.bit
	}
	return out
}

// Has reports whether every bit of mask is set in b.
func (b Bits) Has(mask Bits) bool {
	return b&mask == mask
}

// Names returns the names of the set bits in declaration order.
func (b Bits) Names() []string {
	var names []string
	for _, bn := range bitNames {
		if b&bn.bit != 0 {
			names = append(names, bn.name)
		}
	}
	return names
}

func (b Bits) String() string {
	return fmt.Sprintf("0x%02X[%s]", uint32(b), strings.Join(b.Names(), " "))
}

// Mode is the advisory system mode. It is not synchronised with Bits.
type Mode uint8

const (
	ModeBoot Mode = iota
	ModeWiFiConnecting
	ModeOnline
	ModeOffline
	ModeAPPortal
)

func (m Mode) String() string {
	switch m {
	case ModeBoot:
		return "BOOT"
	case ModeWiFiConnecting:
		return "WIFI_CONNECTING"
	case ModeOnline:
		return "ONLINE"
	case ModeOffline:
		return "OFFLINE"
	case ModeAPPortal:
		return "AP_PORTAL"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// Forever makes WaitBits block until the condition holds or ctx is done.
const Forever time.Duration = -1

// Register holds the shared bits and mode behind a mutex.
// Every mutation closes the current changed channel so that blocked waiters
// re-evaluate their condition.
type Register struct {
	mu      sync.Mutex
	bits    Bits
	mode    Mode
	changed chan struct{}
}

// New creates a Register in ModeBoot with no bits set.
func New() *Register {
	return &Register{changed: make(chan struct{})}
}

// SetBits sets mask and returns the resulting bits.
func (r *Register) SetBits(mask Bits) Bits {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bits |= mask
	r.notifyLocked()
	return r.bits
}

// ClearBits clears mask and returns the resulting bits.
func (r *Register) ClearBits(mask Bits) Bits {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bits &^= mask
	r.notifyLocked()
	return r.bits
}

// Bits returns the current bits.
func (r *Register) Bits() Bits {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bits
}

// Has reports whether every bit in mask is currently set.
func (r *Register) Has(mask Bits) bool {
	return r.Bits().Has(mask)
}

// SetMode sets the advisory mode.
func (r *Register) SetMode(m Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = m
	r.notifyLocked()
}

// Mode returns the advisory mode.
func (r *Register) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// Changed returns a channel that is closed on the next mutation.
func (r *Register) Changed() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changed
}

// WaitBits blocks until the bits in mask are set (all of them when
// waitForAll, any of them otherwise), timeout elapses or ctx is done.
// On success it returns the bits observed when the condition held and true;
// if clearOnExit is set the mask bits are then cleared atomically with the
// check. On timeout or cancellation it returns 0 and false.
//
// A zero timeout polls once; Forever waits without a deadline.
func (r *Register) WaitBits(ctx context.Context, mask Bits, clearOnExit, waitForAll bool, timeout time.Duration) (Bits, bool) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	for {
		r.mu.Lock()
		if satisfied(r.bits, mask, waitForAll) {
			got := r.bits
			if clearOnExit {
				r.bits &^= mask
				r.notifyLocked()
			}
			r.mu.Unlock()
			return got, true
		}
		changed := r.changed
		r.mu.Unlock()

		if timeout == 0 {
			return 0, false
		}

		select {
		case <-changed:
		case <-expired:
			return 0, false
		case <-ctx.Done():
			return 0, false
		}
	}
}

func satisfied(bits, mask Bits, waitForAll bool) bool {
	if waitForAll {
		return bits&mask == mask
	}
	return bits&mask != 0
}

// notifyLocked wakes every waiter. Caller must hold r.mu.
func (r *Register) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// String renders mode and bits for debug logging.
func (r *Register) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("mode=%s bits=%s", r.mode, r.bits)
}
