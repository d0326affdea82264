package loadcell

import (
	"errors"
	"sync"
)

// FakeADC is a test double for an amplifier. Readings come from Script
// first, then repeat Base forever.
type FakeADC struct {
	mu     sync.Mutex
	base   int32
	script []int32
	ready  bool
	err    error
	reads  int
	closed bool
}

// NewFakeADC creates a ready FakeADC that returns base.
func NewFakeADC(base int32) *FakeADC {
	return &FakeADC{base: base, ready: true}
}

// ReadRaw returns the next scripted value or the base value.
func (f *FakeADC) ReadRaw() (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.err != nil {
		return 0, f.err
	}
	if !f.ready {
		return 0, errors.New("fake adc: not ready")
	}
	if len(f.script) > 0 {
		v := f.script[0]
		f.script = f.script[1:]
		return v, nil
	}
	return f.base, nil
}

// Ready reports the configured readiness.
func (f *FakeADC) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

// Close marks the fake closed.
func (f *FakeADC) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// SetBase changes the value returned once the script is exhausted.
func (f *FakeADC) SetBase(v int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.base = v
}

// Script queues values returned ahead of the base value.
func (f *FakeADC) Script(values ...int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, values...)
}

// SetReady sets the readiness flag.
func (f *FakeADC) SetReady(ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = ready
}

// SetError makes every read fail with err. Pass nil to clear.
func (f *FakeADC) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Reads returns how many conversions were requested.
func (f *FakeADC) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// Closed reports whether Close was called.
func (f *FakeADC) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
