// Package status provides a thread-safe status tracker for the scale daemon.
// It is read by the HTTP handlers and the MQTT heartbeat.
package status

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sweeney/smartscale/internal/appstate"
)

// NetworkInfo contains network state as reported by the host helper.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	DeviceName string
	APIBase    string
	Broker     string
	HTTPAddr   string
	SpoolMax   int
}

// Weight is the last stable weight and what happened to it.
type Weight struct {
	Time      time.Time
	Value     float64
	Diff      float64
	Direction string
	Delivered bool // posted directly; false means spooled or dropped
}

// Counts tallies weight deliveries since start.
type Counts struct {
	Posted   int
	Spooled  int
	Replayed int
	Dropped  int
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Mode          appstate.Mode
	Bits          appstate.Bits
	DeviceID      string
	Session       string
	Reading       float64
	Sampling      bool
	LastWeight    *Weight
	SpoolDepth    int
	Counts        Counts
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Ready reports whether a measurement session is open.
func (s Snapshot) Ready() bool {
	return s.Bits.Has(appstate.Ready)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	clock clockwork.Clock

	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker started at the clock's current time.
func NewTracker(clock clockwork.Clock, cfg Config) *Tracker {
	return &Tracker{
		clock: clock,
		snap: Snapshot{
			StartTime: clock.Now(),
			Config:    cfg,
		},
	}
}

// SetState copies the mode and bits from the register.
func (t *Tracker) SetState(mode appstate.Mode, bits appstate.Bits) {
	t.mu.Lock()
	t.snap.Mode = mode
	t.snap.Bits = bits
	t.mu.Unlock()
}

// SetReading records the latest raw reading.
func (t *Tracker) SetReading(value float64, sampling bool) {
	t.mu.Lock()
	t.snap.Reading = value
	t.snap.Sampling = sampling
	t.mu.Unlock()
}

// RecordWeight stores the last stable weight and counts its delivery.
func (t *Tracker) RecordWeight(w Weight, spooled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.LastWeight = &w
	switch {
	case w.Delivered:
		t.snap.Counts.Posted++
	case spooled:
		t.snap.Counts.Spooled++
	default:
		t.snap.Counts.Dropped++
	}
}

// AddReplayed counts records delivered from the spool.
func (t *Tracker) AddReplayed(n int) {
	t.mu.Lock()
	t.snap.Counts.Replayed += n
	t.mu.Unlock()
}

// SetSpoolDepth sets the number of spooled records.
func (t *Tracker) SetSpoolDepth(n int) {
	t.mu.Lock()
	t.snap.SpoolDepth = n
	t.mu.Unlock()
}

// SetSession sets the open measurement session, empty when none.
func (t *Tracker) SetSession(id string) {
	t.mu.Lock()
	t.snap.Session = id
	t.mu.Unlock()
}

// SetDeviceID sets the server-assigned device id.
func (t *Tracker) SetDeviceID(id string) {
	t.mu.Lock()
	t.snap.DeviceID = id
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set from the clock at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	if s.LastWeight != nil {
		w := *s.LastWeight
		s.LastWeight = &w
	}
	t.mu.RUnlock()
	s.Now = t.clock.Now()
	return s
}
