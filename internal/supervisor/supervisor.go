// Package supervisor wires the scale's event sources to the reporting
// server: button gestures drive tare, calibration and measurement sessions;
// stable weight changes are posted, or spooled when the post fails.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	logger "github.com/sirupsen/logrus"

	"github.com/sweeney/smartscale/internal/api"
	"github.com/sweeney/smartscale/internal/appstate"
	"github.com/sweeney/smartscale/internal/calibration"
	"github.com/sweeney/smartscale/internal/identity"
	"github.com/sweeney/smartscale/internal/kv"
	"github.com/sweeney/smartscale/internal/logic"
	"github.com/sweeney/smartscale/internal/metrics"
	"github.com/sweeney/smartscale/internal/mqtt"
	"github.com/sweeney/smartscale/internal/spool"
	"github.com/sweeney/smartscale/internal/status"
)

// Tarer re-zeroes the load cell.
type Tarer interface {
	Tare(n int) error
}

// Calibrator runs the guided calibration.
type Calibrator interface {
	Run(ctx context.Context) (calibration.Result, error)
}

// Epocher supplies report timestamps, 0 while the clock is not valid.
type Epocher interface {
	Epoch() uint32
}

// Spool is the offline queue.
type Spool interface {
	Enqueue(ts uint32, diff float64) error
	Flush(post spool.PostFunc) (int, error)
	Count() int
}

// Config holds the supervisor settings.
type Config struct {
	DeviceName        string        // sent as the weight post name
	ManualTareSamples int           // BTN1_SHORT tare
	FlushInterval     time.Duration // between spool replays while online
	MAC               string        // reported in the welcome handshake
}

// Deps are the collaborators. Tracker, Metrics and Mirror are optional.
type Deps struct {
	State      *appstate.Register
	Client     api.Client
	Spool      Spool
	Store      kv.Store
	Scale      Tarer
	Calibrator Calibrator
	Time       Epocher
	Clock      clockwork.Clock

	Tracker *status.Tracker
	Metrics *metrics.Metrics
	Mirror  mqtt.Publisher
}

// Supervisor consumes button and stable weight events.
type Supervisor struct {
	Deps
	cfg Config
	log *logger.Entry

	mu      sync.Mutex
	session string
	posting int
}

// New creates a Supervisor.
func New(deps Deps, cfg Config) *Supervisor {
	if cfg.ManualTareSamples <= 0 {
		cfg.ManualTareSamples = 30
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	return &Supervisor{
		Deps: deps,
		cfg:  cfg,
		log:  logger.WithField("component", "supervisor"),
	}
}

// HandleButton acts on one gesture. It blocks for the duration of a tare or
// calibration.
func (s *Supervisor) HandleButton(ctx context.Context, ev logic.ButtonEvent) {
	if s.Metrics != nil {
		s.Metrics.ObserveButton(ev)
	}

	switch ev.Type {
	case logic.EventBothLong:
		s.log.Info("Both long: calibration")
		s.State.SetBits(appstate.CalibActive)
		res, err := s.Calibrator.Run(ctx)
		s.State.ClearBits(appstate.CalibActive)

		result := "ok"
		if err != nil {
			result = "failed"
			s.log.WithError(err).Warn("Calibration failed")
		} else {
			s.log.Infof("Calibration OK, scale %.4f (persisted %v)", res.Scale, res.Persisted)
		}
		if s.Metrics != nil {
			s.Metrics.Calibrations.WithLabelValues(result).Inc()
		}

	case logic.EventBtn1Short:
		s.State.SetBits(appstate.CalibActive)
		err := s.Scale.Tare(s.cfg.ManualTareSamples)
		s.State.ClearBits(appstate.CalibActive)
		if err != nil {
			s.log.WithError(err).Warn("Tare failed")
			return
		}
		s.log.Info("Tare done")

	case logic.EventBtn2Short:
		s.toggleSession(ctx)

	default:
		s.log.Debugf("Ignoring %s", ev.Type)
	}
}

// toggleSession opens a measurement session, or finishes the open one.
func (s *Supervisor) toggleSession(ctx context.Context) {
	epoch := s.Time.Epoch()

	var (
		kind    string
		session string
		ok      bool
	)
	if s.State.Has(appstate.Ready) {
		kind = mqtt.EventFinish
		s.mu.Lock()
		session, s.session = s.session, ""
		s.mu.Unlock()
		s.State.ClearBits(appstate.Ready)
		ok = s.post(func() bool { return s.Client.PostFinish(ctx, epoch) })
		s.log.Infof("Measurement finished (session %s, posted %v)", session, ok)
	} else {
		kind = mqtt.EventReady
		session = uuid.NewString()
		s.mu.Lock()
		s.session = session
		s.mu.Unlock()
		s.State.SetBits(appstate.Ready)
		ok = s.post(func() bool { return s.Client.PostReady(ctx, epoch) })
		s.log.Infof("Measurement ready (session %s, posted %v)", session, ok)
	}

	if s.Metrics != nil {
		s.Metrics.ObservePost(kind, ok)
	}
	if s.Tracker != nil {
		if kind == mqtt.EventReady {
			s.Tracker.SetSession(session)
		} else {
			s.Tracker.SetSession("")
		}
	}
	s.mirror(mqtt.Event{Timestamp: s.Clock.Now(), Type: kind, Session: session})
}

// Session returns the open measurement session id, empty when none.
func (s *Supervisor) Session() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// HandleStable posts a stable weight change, spooling it when the post fails.
func (s *Supervisor) HandleStable(ctx context.Context, ev logic.StableEvent) {
	diff := ev.Diff()
	ok := s.post(func() bool {
		return s.Client.PostWeight(ctx, api.Weight{Value: diff, Name: s.cfg.DeviceName})
	})

	spooled := false
	if !ok {
		err := s.Spool.Enqueue(s.Time.Epoch(), diff)
		switch {
		case errors.Is(err, spool.ErrFull):
			s.log.Warnf("Spool full, weight change %.2f lost", diff)
		case err != nil:
			s.log.WithError(err).Error("Spool write failed")
		default:
			spooled = true
			s.log.Infof("Post failed, spooled %.2f", diff)
		}
	}

	if s.Metrics != nil {
		s.Metrics.ObserveStable(ev)
		s.Metrics.ObservePost("weight", ok)
		if spooled {
			s.Metrics.Spooled.Inc()
		}
	}
	if s.Tracker != nil {
		s.Tracker.RecordWeight(status.Weight{
			Time:      ev.Time,
			Value:     ev.Value,
			Diff:      diff,
			Direction: string(ev.Direction),
			Delivered: ok,
		}, spooled)
	}
	s.updateSpoolDepth()
	s.mirror(mqtt.Event{
		Timestamp: ev.Time,
		Type:      mqtt.EventWeight,
		Session:   s.Session(),
		Value:     ev.Value,
		Diff:      diff,
		Direction: string(ev.Direction),
		Delivered: ok,
	})
}

// Flush replays the spool when the uplink is up. It returns the number of
// records delivered.
func (s *Supervisor) Flush(ctx context.Context) int {
	if !s.State.Has(appstate.NetUp) || s.Spool.Count() == 0 {
		return 0
	}

	var sent int
	var err error
	s.post(func() bool {
		sent, err = s.Spool.Flush(func(ts uint32, diff float64) bool {
			return s.Client.PostWeight(ctx, api.Weight{Value: diff, Name: s.cfg.DeviceName, TS: ts})
		})
		return err == nil
	})
	if err != nil {
		s.log.WithError(err).Error("Spool flush failed")
	}
	if sent > 0 {
		s.log.Infof("Replayed %d spooled records", sent)
		if s.Metrics != nil {
			s.Metrics.Replayed.Add(float64(sent))
		}
		if s.Tracker != nil {
			s.Tracker.AddReplayed(sent)
		}
	}
	s.updateSpoolDepth()
	return sent
}

// post runs fn with POSTING set. POSTING stays set while any post is in flight.
func (s *Supervisor) post(fn func() bool) bool {
	s.mu.Lock()
	s.posting++
	if s.posting == 1 {
		s.State.SetBits(appstate.Posting)
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.posting--
		if s.posting == 0 {
			s.State.ClearBits(appstate.Posting)
		}
		s.mu.Unlock()
	}()
	return fn()
}

func (s *Supervisor) updateSpoolDepth() {
	n := s.Spool.Count()
	if s.Metrics != nil {
		s.Metrics.SpoolDepth.Set(float64(n))
	}
	if s.Tracker != nil {
		s.Tracker.SetSpoolDepth(n)
	}
}

func (s *Supervisor) mirror(ev mqtt.Event) {
	if s.Mirror == nil {
		return
	}
	ev.Device = identity.Current(s.Store)
	if err := s.Mirror.Publish(ev); err != nil {
		s.log.WithError(err).Debug("MQTT mirror publish failed")
	}
}

// Welcome waits for the uplink and runs the identity handshake once.
func (s *Supervisor) Welcome(ctx context.Context) {
	if _, ok := s.State.WaitBits(ctx, appstate.NetUp, false, true, appstate.Forever); !ok {
		return
	}
	id := identity.EnsureWelcome(ctx, s.Client, s.Store, s.cfg.MAC)
	if s.Tracker != nil {
		s.Tracker.SetDeviceID(id)
	}
}

// observe copies every register change into the tracker and metrics.
func (s *Supervisor) observe(ctx context.Context) {
	for {
		changed := s.State.Changed()
		bits := s.State.Bits()
		if s.Metrics != nil {
			s.Metrics.ObserveState(bits)
		}
		if s.Tracker != nil {
			s.Tracker.SetState(s.State.Mode(), bits)
		}
		select {
		case <-ctx.Done():
			return
		case <-changed:
		}
	}
}

func (s *Supervisor) flushLoop(ctx context.Context) {
	for {
		if _, ok := s.State.WaitBits(ctx, appstate.NetUp, false, true, appstate.Forever); !ok {
			return
		}
		s.Flush(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.Clock.After(s.cfg.FlushInterval):
		}
	}
}

// Run consumes events until ctx is done. Buttons and weights are handled on
// separate goroutines; a calibration does not hold up weight posts.
func (s *Supervisor) Run(ctx context.Context, buttons <-chan logic.ButtonEvent, stable <-chan logic.StableEvent) {
	if s.Tracker != nil {
		s.Tracker.SetDeviceID(identity.Current(s.Store))
	}
	s.updateSpoolDepth()

	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	run(s.observe)
	run(s.Welcome)
	run(s.flushLoop)
	run(func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-buttons:
				s.HandleButton(ctx, ev)
			}
		}
	})
	run(func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-stable:
				s.HandleStable(ctx, ev)
			}
		}
	})

	wg.Wait()
}
