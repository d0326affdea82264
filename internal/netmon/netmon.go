// Package netmon owns the NET_UP and AP_MODE bits. It probes the uplink,
// retries with back-off, and falls back to the provisioning portal when no
// credentials are stored or the uplink keeps failing.
package netmon

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/jonboulle/clockwork"
	logger "github.com/sirupsen/logrus"

	"github.com/sweeney/smartscale/internal/appstate"
	"github.com/sweeney/smartscale/internal/kv"
)

// Prober checks whether the uplink is usable.
type Prober interface {
	Probe(ctx context.Context) error
}

// TCPProber succeeds when a TCP connection to Addr can be opened.
type TCPProber struct {
	Addr string
}

// Probe implements Prober.
func (p TCPProber) Probe(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.Addr, err)
	}
	return conn.Close()
}

// Config holds the retry policy.
type Config struct {
	ConnectTimeout     time.Duration // per attempt
	MaxAttempts        int           // failures before backing off
	RetryDelay         time.Duration // between attempts
	Backoff            time.Duration // after MaxAttempts failures
	CheckInterval      time.Duration // between probes while up, or while waiting for credentials
	RequireCredentials bool          // stay in the portal until wifi_ssid is stored
	PortalOnFailure    bool          // enter the portal after MaxAttempts failures
}

// DefaultConfig mirrors the firmware defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 15 * time.Second,
		MaxAttempts:    3,
		RetryDelay:     time.Second,
		Backoff:        5 * time.Second,
		CheckInterval:  time.Second,
	}
}

// Monitor drives the connectivity state.
type Monitor struct {
	state  *appstate.Register
	store  kv.Store
	prober Prober
	clock  clockwork.Clock
	cfg    Config
	log    *logger.Entry

	attempts int
}

// New creates a Monitor.
func New(state *appstate.Register, store kv.Store, prober Prober, clock clockwork.Clock, cfg Config) *Monitor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Monitor{
		state:  state,
		store:  store,
		prober: prober,
		clock:  clock,
		cfg:    cfg,
		log:    logger.WithField("component", "netmon"),
	}
}

// Step runs one connectivity attempt and returns how long to wait before the
// next one.
func (m *Monitor) Step(ctx context.Context) time.Duration {
	if m.cfg.RequireCredentials {
		if _, ok := m.store.Load(kv.KeyWiFiSSID); !ok {
			if !m.state.Has(appstate.APMode) {
				m.log.Info("No stored credentials, starting provisioning portal")
			}
			m.state.ClearBits(appstate.NetUp)
			m.state.SetBits(appstate.APMode)
			m.state.SetMode(appstate.ModeAPPortal)
			return m.cfg.CheckInterval
		}
	}

	if !m.state.Has(appstate.NetUp) && m.state.Mode() != appstate.ModeAPPortal {
		m.state.SetMode(appstate.ModeWiFiConnecting)
	}

	pctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	err := m.prober.Probe(pctx)
	cancel()

	if err == nil {
		if !m.state.Has(appstate.NetUp) {
			m.log.Info("Uplink connected")
		}
		m.attempts = 0
		m.state.ClearBits(appstate.APMode)
		m.state.SetBits(appstate.NetUp)
		m.state.SetMode(appstate.ModeOnline)
		return m.cfg.CheckInterval
	}

	if m.state.Has(appstate.NetUp) {
		m.log.WithError(err).Warn("Uplink lost")
	}
	m.state.ClearBits(appstate.NetUp)
	if m.state.Mode() != appstate.ModeAPPortal {
		m.state.SetMode(appstate.ModeWiFiConnecting)
	}
	m.attempts++
	m.log.Debugf("Connect attempt %d/%d failed [%v]", m.attempts, m.cfg.MaxAttempts, err)

	if m.attempts < m.cfg.MaxAttempts {
		return m.cfg.RetryDelay
	}

	m.attempts = 0
	if m.cfg.PortalOnFailure {
		m.log.Warn("Max attempts reached, starting provisioning portal")
		m.state.SetBits(appstate.APMode)
		m.state.SetMode(appstate.ModeAPPortal)
	} else {
		m.log.Warn("Max attempts reached, backing off")
		m.state.SetMode(appstate.ModeOffline)
	}
	return m.cfg.Backoff
}

// Attempts returns the consecutive failures since the last success or back-off.
func (m *Monitor) Attempts() int {
	return m.attempts
}

// Run steps until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	for {
		wait := m.Step(ctx)
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(wait):
		}
	}
}
