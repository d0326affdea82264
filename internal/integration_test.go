package internal

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/smartscale/internal/api"
	"github.com/sweeney/smartscale/internal/appstate"
	"github.com/sweeney/smartscale/internal/buttons"
	"github.com/sweeney/smartscale/internal/calibration"
	"github.com/sweeney/smartscale/internal/gpio"
	"github.com/sweeney/smartscale/internal/kv"
	"github.com/sweeney/smartscale/internal/loadcell"
	"github.com/sweeney/smartscale/internal/logic"
	"github.com/sweeney/smartscale/internal/metrics"
	"github.com/sweeney/smartscale/internal/mqtt"
	"github.com/sweeney/smartscale/internal/sensor"
	"github.com/sweeney/smartscale/internal/spool"
	"github.com/sweeney/smartscale/internal/status"
	"github.com/sweeney/smartscale/internal/supervisor"
)

const (
	emptyRaw = 1000
	factor   = 10.0
	epoch    = 1_780_000_000
)

type fixedEpoch uint32

func (e fixedEpoch) Epoch() uint32 { return uint32(e) }

// rig wires the real pipeline around fake hardware and a fake server.
type rig struct {
	clock   interface{ Advance(time.Duration) }
	adc     *loadcell.FakeADC
	scale   *loadcell.Scale
	reader  *gpio.FakeReader
	state   *appstate.Register
	client  *api.FakeClient
	queue   *spool.Queue
	tracker *status.Tracker
	mirror  *mqtt.FakePublisher
	sensor  *sensor.Task
	buttons *buttons.Task
	events  *buttons.Queue
	sup     *supervisor.Supervisor
}

func newRig(t *testing.T) *rig {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	r := &rig{
		clock:  clock,
		adc:    loadcell.NewFakeADC(emptyRaw),
		reader: gpio.NewFakeReader(gpio.Sample{}),
		state:  appstate.New(),
		client: api.NewFakeClient(),
		mirror: mqtt.NewFakePublisher(),
		events: buttons.NewQueue(),
	}
	r.scale = loadcell.NewScale(r.adc, factor, clock)
	r.state.SetBits(appstate.NetUp)

	var err error
	r.queue, err = spool.Open(t.TempDir(), 10)
	require.NoError(t, err)

	store := kv.NewMemStore()
	r.tracker = status.NewTracker(clock, status.Config{DeviceName: "Test Scale", SpoolMax: 10})

	cfg := sensor.DefaultConfig()
	cfg.WarmUp = time.Second
	r.sensor = sensor.New(r.scale, r.state, clock, cfg)

	r.buttons = buttons.NewTask(r.reader, logic.GestureConfig{
		Debounce: 30 * time.Millisecond, ShortMin: 50 * time.Millisecond, Long: 2 * time.Second,
	}, r.events, clock, nil)

	r.sup = supervisor.New(supervisor.Deps{
		State:      r.state,
		Client:     r.client,
		Spool:      r.queue,
		Store:      store,
		Scale:      r.scale,
		Calibrator: calibration.New(r.scale, store, clock, calibration.DefaultConfig()),
		Time:       fixedEpoch(epoch),
		Clock:      clock,
		Tracker:    r.tracker,
		Metrics:    metrics.New(),
		Mirror:     r.mirror,
	}, supervisor.Config{DeviceName: "Test Scale"})

	started := make(chan error, 1)
	go func() { started <- r.sensor.Start(context.Background()) }()
	clock.BlockUntil(1) // warm-up timer
	clock.Advance(cfg.WarmUp)
	require.NoError(t, <-started)
	return r
}

// place puts grams on the platter.
func (r *rig) place(grams float64) {
	r.adc.SetBase(emptyRaw + int32(grams*factor))
}

// settle samples at 10 Hz until a stable event or n samples.
func (r *rig) settle(t *testing.T, n int) *logic.StableEvent {
	t.Helper()
	for i := 0; i < n; i++ {
		r.clock.Advance(100 * time.Millisecond)
		if ev := r.sensor.Step(); ev != nil {
			got := <-r.sensor.Events()
			assert.Equal(t, *ev, got)
			return ev
		}
	}
	return nil
}

// press holds the buttons for d, then releases for 100ms, at 100 Hz.
func (r *rig) press(b1, b2 bool, d time.Duration) []logic.ButtonEvent {
	r.reader.Set(b1, b2)
	for el := time.Duration(0); el < d; el += 10 * time.Millisecond {
		r.clock.Advance(10 * time.Millisecond)
		r.buttons.Step()
	}
	r.reader.Set(false, false)
	for el := time.Duration(0); el < 100*time.Millisecond; el += 10 * time.Millisecond {
		r.clock.Advance(10 * time.Millisecond)
		r.buttons.Step()
	}

	var out []logic.ButtonEvent
	for r.events.Len() > 0 {
		out = append(out, <-r.events.Events())
	}
	return out
}

func TestIntegrationPlaceAndRemove(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	// Empty platter after boot tare stays quiet.
	assert.Nil(t, r.settle(t, 30))

	r.place(250)
	ev := r.settle(t, 30)
	require.NotNil(t, ev)
	assert.Equal(t, logic.DirectionAdd, ev.Direction)
	assert.InDelta(t, 250, ev.Value, 1e-9)
	r.sup.HandleStable(ctx, *ev)

	r.place(0)
	ev = r.settle(t, 30)
	require.NotNil(t, ev)
	assert.Equal(t, logic.DirectionRemove, ev.Direction)
	r.sup.HandleStable(ctx, *ev)

	weights := r.client.Weights()
	require.Len(t, weights, 2)
	assert.InDelta(t, 250, weights[0].Value, 1e-9)
	assert.InDelta(t, -250, weights[1].Value, 1e-9)
	for _, w := range weights {
		assert.Equal(t, "Test Scale", w.Name)
		assert.Zero(t, w.TS, "live posts carry no timestamp")
	}

	snap := r.tracker.Snapshot()
	assert.Equal(t, 2, snap.Counts.Posted)
	require.NotNil(t, snap.LastWeight)
	assert.Equal(t, "REMOVE", snap.LastWeight.Direction)

	mirrored := r.mirror.Published()
	require.Len(t, mirrored, 2)
	assert.Equal(t, mqtt.EventWeight, mirrored[0].Type)
	assert.True(t, mirrored[0].Delivered)
}

func TestIntegrationOfflineSpoolAndReplay(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	r.client.SetFail(true)
	r.place(120)
	ev := r.settle(t, 30)
	require.NotNil(t, ev)
	r.sup.HandleStable(ctx, *ev)

	assert.Equal(t, 1, r.queue.Count())
	assert.Equal(t, 1, r.tracker.Snapshot().Counts.Spooled)
	assert.False(t, r.mirror.Published()[0].Delivered)

	// Replay needs NET_UP.
	r.client.SetFail(false)
	r.state.ClearBits(appstate.NetUp)
	assert.Zero(t, r.sup.Flush(ctx))
	r.state.SetBits(appstate.NetUp)
	assert.Equal(t, 1, r.sup.Flush(ctx))
	assert.Zero(t, r.queue.Count())

	weights := r.client.Weights()
	require.Len(t, weights, 2, "one failed live post, one replay")
	assert.Equal(t, uint32(epoch), weights[1].TS)
	assert.InDelta(t, 120, weights[1].Value, 1e-9)
	assert.Equal(t, 1, r.tracker.Snapshot().Counts.Replayed)
}

func TestIntegrationSessionButtons(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	events := r.press(false, true, 200*time.Millisecond)
	require.Len(t, events, 1)
	assert.Equal(t, logic.EventBtn2Short, events[0].Type)
	r.sup.HandleButton(ctx, events[0])

	assert.True(t, r.state.Has(appstate.Ready))
	session := r.sup.Session()
	assert.NotEmpty(t, session)

	// Weights posted during the session are mirrored with its id.
	r.place(80)
	ev := r.settle(t, 30)
	require.NotNil(t, ev)
	r.sup.HandleStable(ctx, *ev)

	events = r.press(false, true, 200*time.Millisecond)
	require.Len(t, events, 1)
	r.sup.HandleButton(ctx, events[0])
	assert.False(t, r.state.Has(appstate.Ready))
	assert.Empty(t, r.sup.Session())

	var kinds []string
	for _, c := range r.client.Calls() {
		kinds = append(kinds, c.Kind)
		if c.Kind != "weight" {
			assert.Equal(t, uint32(epoch), c.Epoch)
		}
	}
	assert.Equal(t, []string{"ready", "weight", "finish"}, kinds)

	mirrored := r.mirror.Published()
	require.Len(t, mirrored, 3)
	assert.Equal(t, mqtt.EventReady, mirrored[0].Type)
	assert.Equal(t, session, mirrored[1].Session)
	assert.Equal(t, mqtt.EventFinish, mirrored[2].Type)
}

func TestIntegrationTareButton(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	// A container left on the platter is zeroed by BTN1.
	r.adc.SetBase(emptyRaw + 500)
	events := r.press(true, false, 200*time.Millisecond)
	require.Len(t, events, 1)
	assert.Equal(t, logic.EventBtn1Short, events[0].Type)
	r.sup.HandleButton(ctx, events[0])

	assert.Equal(t, int64(emptyRaw+500), r.scale.Offset())
	assert.False(t, r.state.Has(appstate.CalibActive))
	units, err := r.scale.Units(5)
	require.NoError(t, err)
	assert.Zero(t, units)
}

func TestIntegrationWeightPayload(t *testing.T) {
	r := newRig(t)

	r.place(42.5)
	ev := r.settle(t, 30)
	require.NotNil(t, ev)
	r.sup.HandleStable(context.Background(), *ev)

	require.Len(t, r.mirror.Payloads, 1)
	var p mqtt.Payload
	require.NoError(t, json.Unmarshal(r.mirror.Payloads[0], &p))
	assert.Equal(t, mqtt.EventWeight, p.Scale.Event)
	require.NotNil(t, p.Scale.Weight)
	assert.Equal(t, 42.5, p.Scale.Weight.Value)
	assert.Equal(t, 42.5, p.Scale.Weight.Diff)
	assert.Equal(t, "ADD", p.Scale.Weight.Direction)
}
