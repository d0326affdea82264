// Package sensor samples the load cell at a fixed rate and runs the
// stability detector over the readings.
package sensor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	logger "github.com/sirupsen/logrus"

	"github.com/sweeney/smartscale/internal/appstate"
	"github.com/sweeney/smartscale/internal/logic"
)

// Scale is the part of the load cell the sensor task reads.
type Scale interface {
	WaitReady(ctx context.Context, timeout time.Duration) error
	Units(n int) (float64, error)
	Tare(n int) error
}

// Config holds sampling parameters.
type Config struct {
	Period        time.Duration // sampling tick
	Samples       int           // conversions averaged per reading
	FreshSamples  int           // conversions averaged for the final stable value
	ReadyTimeout  time.Duration // amplifier must signal ready within this at start
	WarmUp        time.Duration // settle time before the boot tare
	WarmUpSamples int           // conversions discarded after warm-up
	TareSamples   int
	Stability     logic.StabilityConfig
}

// DefaultConfig returns the 10 Hz firmware settings.
func DefaultConfig() Config {
	return Config{
		Period:        100 * time.Millisecond,
		Samples:       10,
		FreshSamples:  20,
		ReadyTimeout:  time.Second,
		WarmUp:        2 * time.Second,
		WarmUpSamples: 20,
		TareSamples:   50,
		Stability: logic.StabilityConfig{
			Threshold: 20,
			Band:      6,
			Dwell:     800 * time.Millisecond,
		},
	}
}

// EventBuffer is the capacity of the stable event channel.
const EventBuffer = 4

// Task owns the stability detector. Step and Run must not be called
// concurrently.
type Task struct {
	scale    Scale
	state    *appstate.Register
	clock    clockwork.Clock
	cfg      Config
	detector *logic.StabilityDetector
	events   chan logic.StableEvent
	log      *logger.Entry

	paused bool

	mu         sync.Mutex
	last       float64
	lastErr    error
	sampling   bool
	detState   logic.DetectState
	lastStable float64
}

// New creates a Task.
func New(scale Scale, state *appstate.Register, clock clockwork.Clock, cfg Config) *Task {
	return &Task{
		scale:    scale,
		state:    state,
		clock:    clock,
		cfg:      cfg,
		detector: logic.NewStabilityDetector(cfg.Stability),
		events:   make(chan logic.StableEvent, EventBuffer),
		log:      logger.WithField("component", "sensor"),
	}
}

// Events returns the stable weight events.
func (t *Task) Events() <-chan logic.StableEvent {
	return t.events
}

// Start waits for the amplifier, lets it warm up and tares the empty platter.
func (t *Task) Start(ctx context.Context) error {
	if err := t.scale.WaitReady(ctx, t.cfg.ReadyTimeout); err != nil {
		return fmt.Errorf("wait for amplifier: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.clock.After(t.cfg.WarmUp):
	}

	if _, err := t.scale.Units(t.cfg.WarmUpSamples); err != nil {
		return fmt.Errorf("warm-up read: %w", err)
	}
	if err := t.scale.Tare(t.cfg.TareSamples); err != nil {
		return fmt.Errorf("boot tare: %w", err)
	}
	t.log.Info("Tared")

	t.mu.Lock()
	t.sampling = true
	t.mu.Unlock()
	return nil
}

// Step takes one reading and feeds the detector. While CALIB_ACTIVE is set
// nothing is read, and a reading that overlapped the start of a tare is
// discarded. The first reading after a pause rebases the detector, since
// tare and calibration move the zero point.
func (t *Task) Step() *logic.StableEvent {
	if t.pauseForCalibration() {
		return nil
	}

	reading, err := t.scale.Units(t.cfg.Samples)
	if t.pauseForCalibration() {
		return nil
	}
	t.mu.Lock()
	t.lastErr = err
	if err == nil {
		t.last = reading
	}
	t.mu.Unlock()
	if err != nil {
		t.log.WithError(err).Warn("Read failed")
		return nil
	}

	if t.paused {
		t.paused = false
		t.detector.Rebase(reading)
		t.recordDetector()
		t.log.Debugf("Resumed at %.1f", reading)
		return nil
	}

	ev := t.detector.Process(reading, t.clock.Now(), t.fresh(reading))
	t.recordDetector()
	if ev == nil {
		return nil
	}
	t.log.Infof("%s stable: %.1f (prev %.1f)", ev.Direction, ev.Value, ev.Previous)
	select {
	case t.events <- *ev:
	default:
		t.log.Warn("Stable event dropped, consumer is behind")
	}
	return ev
}

func (t *Task) pauseForCalibration() bool {
	if !t.state.Has(appstate.CalibActive) {
		return false
	}
	if !t.paused {
		t.log.Debug("Paused for calibration")
		t.paused = true
	}
	return true
}

func (t *Task) recordDetector() {
	t.mu.Lock()
	t.detState = t.detector.State()
	t.lastStable = t.detector.LastStable()
	t.mu.Unlock()
}

// fresh returns the high-precision read used for the final stable value.
// A failed read falls back to the current reading.
func (t *Task) fresh(fallback float64) func() float64 {
	return func() float64 {
		v, err := t.scale.Units(t.cfg.FreshSamples)
		if err != nil {
			t.log.WithError(err).Warn("Fresh read failed, using last reading")
			return fallback
		}
		return v
	}
}

// Run starts the task and samples every period until ctx is done. An
// amplifier that never becomes ready ends the task; the rest of the daemon
// keeps running.
func (t *Task) Run(ctx context.Context) error {
	if err := t.Start(ctx); err != nil {
		t.log.WithError(err).Error("Sensor task stopped")
		return err
	}

	ticker := t.clock.NewTicker(t.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			t.Step()
		}
	}
}

// Snapshot describes the latest reading.
type Snapshot struct {
	Sampling  bool
	Reading   float64
	Err       error
	State     logic.DetectState
	LastValue float64 // last stable value
}

// Snapshot returns the latest reading and the detector state after it. It is
// safe to call from any goroutine.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Sampling:  t.sampling,
		Reading:   t.last,
		Err:       t.lastErr,
		State:     t.detState,
		LastValue: t.lastStable,
	}
}

// Detector exposes the detector for inspection in tests.
func (t *Task) Detector() *logic.StabilityDetector {
	return t.detector
}
