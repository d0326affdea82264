package logic

import (
	"math"
	"time"
)

// StabilityDetector turns a stream of noisy weight readings into one event
// per settled change.
type StabilityDetector struct {
	cfg         StabilityConfig
	state       DetectState
	lastStable  float64
	candidate   float64
	inBand      bool
	stableSince time.Time
}

// NewStabilityDetector creates a detector in IDLE with a last stable value of 0.
func NewStabilityDetector(cfg StabilityConfig) *StabilityDetector {
	return &StabilityDetector{cfg: cfg}
}

// Process takes one reading sampled at now. When the candidate has stayed in
// band for the dwell time, fresh is called once for the final value and a
// StableEvent is returned. Otherwise Process returns nil.
func (d *StabilityDetector) Process(reading float64, now time.Time, fresh func() float64) *StableEvent {
	switch d.state {
	case StateIdle:
		if math.Abs(reading-d.lastStable) >= d.cfg.Threshold {
			d.candidate = reading
			d.inBand = false
			d.stableSince = now
			d.state = StateStabilizing
		}
		return nil

	case StateStabilizing:
		if math.Abs(reading-d.candidate) <= d.cfg.Band {
			if !d.inBand {
				d.inBand = true
				d.stableSince = now
			}
		} else {
			d.candidate = reading
			d.inBand = false
			d.stableSince = now
		}

		if !d.inBand || now.Sub(d.stableSince) < d.cfg.Dwell {
			return nil
		}

		final := reading
		if fresh != nil {
			final = fresh()
		}
		ev := &StableEvent{
			Time:      now,
			Value:     final,
			Previous:  d.lastStable,
			Direction: DirectionAdd,
		}
		if final < d.lastStable {
			ev.Direction = DirectionRemove
		}
		d.lastStable = final
		d.state = StateIdle
		d.inBand = false
		return ev
	}
	return nil
}

// Rebase drops any episode in progress and accepts value as the last stable
// value. Used after tare or calibration, where the zero point moved.
func (d *StabilityDetector) Rebase(value float64) {
	d.lastStable = value
	d.candidate = 0
	d.inBand = false
	d.stableSince = time.Time{}
	d.state = StateIdle
}

// State returns the current detector state.
func (d *StabilityDetector) State() DetectState {
	return d.state
}

// LastStable returns the last accepted stable value.
func (d *StabilityDetector) LastStable() float64 {
	return d.lastStable
}

// Candidate returns the value the detector is currently settling around.
func (d *StabilityDetector) Candidate() float64 {
	return d.candidate
}
