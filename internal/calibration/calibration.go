// Package calibration runs the guided two-point calibration that derives the
// load cell's counts-per-unit factor from a known reference mass.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	logger "github.com/sirupsen/logrus"

	"github.com/sweeney/smartscale/internal/kv"
)

// ErrDeltaTooSmall is returned when the reference mass moved the reading by
// less than Config.MinDelta counts: no weight placed, or a wiring fault.
var ErrDeltaTooSmall = errors.New("calibration: raw delta too small")

// Scaler is the part of the load cell the procedure drives.
type Scaler interface {
	Tare(n int) error
	RawAverage(n int) (int64, error)
	Units(n int) (float64, error)
	Factor() float64
	SetFactor(f float64)
}

// Config holds the procedure timings and thresholds.
type Config struct {
	KnownMass         float64       // reference mass in output units
	Settle            time.Duration // wait after asking for an empty platter
	BaselineDelay     time.Duration // wait between tare and the raw baseline
	PresenceThreshold int64         // raw counts that indicate the reference is on
	PresenceTimeout   time.Duration
	PollInterval      time.Duration
	MinDelta          int64

	DiscardSamples  int
	TareSamples     int
	ZeroSamples     int
	PollSamples     int
	RefSamples      int
	VerifySamples   int
	ReverifySamples int
}

// DefaultConfig returns the settings for a 100 g reference weight.
func DefaultConfig() Config {
	return Config{
		KnownMass:         100,
		Settle:            1500 * time.Millisecond,
		BaselineDelay:     200 * time.Millisecond,
		PresenceThreshold: 200,
		PresenceTimeout:   10 * time.Second,
		PollInterval:      150 * time.Millisecond,
		MinDelta:          100,
		DiscardSamples:    20,
		TareSamples:       20,
		ZeroSamples:       20,
		PollSamples:       10,
		RefSamples:        20,
		VerifySamples:     5,
		ReverifySamples:   15,
	}
}

// Result describes a completed calibration.
type Result struct {
	RawZero     int64
	RawRef      int64
	Scale       float64 // counts per unit, sign corrected
	Verify      float64 // reading with the reference mass on
	SignFlipped bool
	Persisted   bool
	PresenceMet bool // false when the presence wait timed out
}

// Procedure runs calibrations against one scale.
type Procedure struct {
	scale Scaler
	store kv.Store
	clock clockwork.Clock
	cfg   Config
	log   *logger.Entry
}

// New creates a Procedure.
func New(scale Scaler, store kv.Store, clock clockwork.Clock, cfg Config) *Procedure {
	return &Procedure{
		scale: scale,
		store: store,
		clock: clock,
		cfg:   cfg,
		log:   logger.WithField("component", "calibration"),
	}
}

// Run performs one calibration. On any failure the previous factor stays in
// effect and nothing is persisted. A failure to persist the new factor is
// reported in the result but does not fail the run.
func (p *Procedure) Run(ctx context.Context) (Result, error) {
	var res Result
	prev := p.scale.Factor()

	p.log.Infof("Calibration with %.0f reference: remove all weight", p.cfg.KnownMass)
	if err := p.sleep(ctx, p.cfg.Settle); err != nil {
		return res, err
	}
	if _, err := p.scale.Units(p.cfg.DiscardSamples); err != nil {
		return res, fmt.Errorf("warm-up read: %w", err)
	}
	if err := p.scale.Tare(p.cfg.TareSamples); err != nil {
		return res, err
	}

	if err := p.sleep(ctx, p.cfg.BaselineDelay); err != nil {
		return res, err
	}
	zero, err := p.scale.RawAverage(p.cfg.ZeroSamples)
	if err != nil {
		return res, fmt.Errorf("baseline: %w", err)
	}
	res.RawZero = zero
	p.log.Infof("raw_zero=%d", zero)

	p.log.Infof("Place the %.0f reference and keep it steady", p.cfg.KnownMass)
	start := p.clock.Now()
	for p.clock.Since(start) < p.cfg.PresenceTimeout {
		raw, err := p.scale.RawAverage(p.cfg.PollSamples)
		if err != nil {
			return res, fmt.Errorf("presence poll: %w", err)
		}
		if abs(raw-zero) > p.cfg.PresenceThreshold {
			res.PresenceMet = true
			break
		}
		if err := p.sleep(ctx, p.cfg.PollInterval); err != nil {
			return res, err
		}
	}
	if !res.PresenceMet {
		p.log.Warn("No weight detected before timeout, measuring anyway")
	}

	ref, err := p.scale.RawAverage(p.cfg.RefSamples)
	if err != nil {
		return res, fmt.Errorf("reference: %w", err)
	}
	res.RawRef = ref
	delta := ref - zero
	if abs(delta) < p.cfg.MinDelta {
		p.log.Errorf("Delta %d below %d, check the reference weight or wiring", delta, p.cfg.MinDelta)
		return res, fmt.Errorf("%w: %d", ErrDeltaTooSmall, delta)
	}

	scale := float64(delta) / p.cfg.KnownMass
	p.scale.SetFactor(scale)

	verify, err := p.scale.Units(p.cfg.VerifySamples)
	if err != nil {
		p.scale.SetFactor(prev)
		return res, fmt.Errorf("verify: %w", err)
	}
	if verify < 0 {
		scale = -scale
		p.scale.SetFactor(scale)
		res.SignFlipped = true
		verify, err = p.scale.Units(p.cfg.ReverifySamples)
		if err != nil {
			p.scale.SetFactor(prev)
			return res, fmt.Errorf("re-verify: %w", err)
		}
		p.log.Infof("Sign corrected, scale=%.6f", scale)
	}
	res.Scale = scale
	res.Verify = verify

	if err := kv.SaveFloat(p.store, kv.KeyCalScale, scale); err != nil {
		p.log.WithError(err).Warn("Failed to persist scale")
	} else {
		res.Persisted = true
	}

	p.log.Infof("raw_ref=%d delta=%d scale=%.6f verify=%.1f", ref, delta, scale, verify)
	return res, nil
}

// TryLoad applies a persisted factor to scale and reports whether one was found.
func TryLoad(scale Scaler, store kv.Store) bool {
	f, ok := kv.LoadFloat(store, kv.KeyCalScale)
	if !ok || f == 0 {
		return false
	}
	scale.SetFactor(f)
	logger.WithField("component", "calibration").Infof("Loaded scale=%.6f counts/unit", f)
	return true
}

func (p *Procedure) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.clock.After(d):
		return nil
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
