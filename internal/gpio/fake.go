package gpio

import (
	"errors"
	"sync"
)

// FakeReader is a test double that returns scripted button levels.
// It is safe to drive from a test while a button loop reads it.
type FakeReader struct {
	mu sync.Mutex

	// samples contains scripted (btn1, btn2) levels to return.
	// Each call to Read() consumes the next sample.
	samples []Sample

	// index tracks current position in samples
	index int

	// closed tracks if Close was called
	closed bool

	// readErr, if set, will be returned by Read()
	readErr error
}

// Sample represents a single button reading (already in logical form).
type Sample struct {
	Btn1 bool // true = pressed
	Btn2 bool // true = pressed
}

// NewFakeReader creates a FakeReader with the given samples.
func NewFakeReader(samples ...Sample) *FakeReader {
	return &FakeReader{samples: samples}
}

// Read returns the next scripted sample.
// If samples are exhausted, returns the last sample repeatedly.
func (f *FakeReader) Read() (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.readErr != nil {
		return false, false, f.readErr
	}
	if len(f.samples) == 0 {
		return false, false, errors.New("no samples configured")
	}

	s := f.samples[f.index]
	if f.index < len(f.samples)-1 {
		f.index++
	}
	return s.Btn1, s.Btn2, nil
}

// Set replaces the script with a single level held until the next Set.
func (f *FakeReader) Set(btn1, btn2 bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = []Sample{{Btn1: btn1, Btn2: btn2}}
	f.index = 0
}

// SetError makes every subsequent Read fail with err. Pass nil to clear.
func (f *FakeReader) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

// Close marks the reader as closed.
func (f *FakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close was called.
func (f *FakeReader) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Reset rewinds the script and reopens the reader.
func (f *FakeReader) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.index = 0
	f.closed = false
}
