// Package loadcell converts raw load-cell amplifier counts into mass units.
package loadcell

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrNotReady is returned when the amplifier never signals data ready.
var ErrNotReady = errors.New("loadcell: amplifier not ready")

// ADC is a 24-bit load-cell amplifier such as the HX711.
type ADC interface {
	// ReadRaw blocks until a conversion is available and returns it.
	ReadRaw() (int32, error)
	// Ready reports whether a conversion can be read without blocking.
	Ready() bool
	Close() error
}

// Scale applies a tare offset and a counts-per-unit factor to an ADC.
// units = (raw - offset) / factor
type Scale struct {
	adc   ADC
	clock clockwork.Clock

	mu     sync.Mutex
	offset int64
	factor float64
}

// NewScale wraps adc with the given counts-per-unit factor. The clock paces
// WaitReady.
func NewScale(adc ADC, factor float64, clock clockwork.Clock) *Scale {
	return &Scale{adc: adc, clock: clock, factor: factor}
}

// WaitReady polls the amplifier until it reports ready or timeout elapses.
func (s *Scale) WaitReady(ctx context.Context, timeout time.Duration) error {
	if s.adc.Ready() {
		return nil
	}
	deadline := s.clock.Now().Add(timeout)
	poll := s.clock.NewTicker(5 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.Chan():
		}
		if s.adc.Ready() {
			return nil
		}
		if !s.clock.Now().Before(deadline) {
			return ErrNotReady
		}
	}
}

// RawAverage returns the mean of n raw conversions.
func (s *Scale) RawAverage(n int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rawAverageLocked(n)
}

func (s *Scale) rawAverageLocked(n int) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("loadcell: sample count %d", n)
	}
	var sum int64
	for i := 0; i < n; i++ {
		v, err := s.adc.ReadRaw()
		if err != nil {
			return 0, fmt.Errorf("read sample %d/%d: %w", i+1, n, err)
		}
		sum += int64(v)
	}
	return sum / int64(n), nil
}

// Tare captures the average of n conversions as the zero offset.
func (s *Scale) Tare(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	avg, err := s.rawAverageLocked(n)
	if err != nil {
		return fmt.Errorf("tare: %w", err)
	}
	s.offset = avg
	return nil
}

// Offset returns the current tare offset in raw counts.
func (s *Scale) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// SetFactor sets the counts-per-unit calibration factor.
func (s *Scale) SetFactor(f float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factor = f
}

// Factor returns the counts-per-unit calibration factor.
func (s *Scale) Factor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.factor
}

// Units returns the average of n conversions in calibrated units.
// An unset (zero) factor yields raw counts above the tare offset.
func (s *Scale) Units(n int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	avg, err := s.rawAverageLocked(n)
	if err != nil {
		return 0, err
	}
	delta := float64(avg - s.offset)
	if s.factor == 0 {
		return delta, nil
	}
	return delta / s.factor, nil
}

// Close releases the amplifier.
func (s *Scale) Close() error {
	return s.adc.Close()
}
