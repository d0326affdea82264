// Package timekeeper owns the TIME_VALID bit: it synchronises with NTP each
// time the network comes up and hands out epoch timestamps for reports.
package timekeeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"github.com/jonboulle/clockwork"
	logger "github.com/sirupsen/logrus"

	"github.com/sweeney/smartscale/internal/appstate"
)

// Syncer measures the offset between the local clock and true time.
type Syncer interface {
	Sync(ctx context.Context) (time.Duration, error)
}

// NTPSyncer queries NTP servers in order until one gives a valid answer.
type NTPSyncer struct {
	Servers []string
	Timeout time.Duration
}

// Sync implements Syncer.
func (s NTPSyncer) Sync(ctx context.Context) (time.Duration, error) {
	if len(s.Servers) == 0 {
		return 0, errors.New("ntp: no servers configured")
	}
	var errs []error
	for _, host := range s.Servers {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		resp, err := ntp.QueryWithOptions(host, ntp.QueryOptions{Timeout: s.Timeout})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", host, err))
			continue
		}
		if err := resp.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", host, err))
			continue
		}
		return resp.ClockOffset, nil
	}
	return 0, errors.Join(errs...)
}

// RetryInterval spaces sync attempts while online without a valid clock.
const RetryInterval = 30 * time.Second

// Keeper tracks NET_UP edges and maintains TIME_VALID.
type Keeper struct {
	state  *appstate.Register
	syncer Syncer
	clock  clockwork.Clock
	resync time.Duration
	log    *logger.Entry

	lastNet     bool
	lastAttempt time.Time

	mu       sync.Mutex
	offset   time.Duration
	lastSync time.Time
}

// New creates a Keeper. A resync of 0 disables periodic resynchronisation.
func New(state *appstate.Register, syncer Syncer, clock clockwork.Clock, resync time.Duration) *Keeper {
	return &Keeper{
		state:  state,
		syncer: syncer,
		clock:  clock,
		resync: resync,
		log:    logger.WithField("component", "timekeeper"),
	}
}

// Poll runs one step: sync on a NET_UP rising edge, invalidate on a falling
// edge, retry every RetryInterval while online without a valid clock, and
// resync when the last sync is older than the resync interval.
func (k *Keeper) Poll(ctx context.Context) {
	netUp := k.state.Has(appstate.NetUp)

	switch {
	case netUp && !k.lastNet:
		k.log.Info("NET_UP: syncing NTP")
		if k.sync(ctx) {
			k.state.SetBits(appstate.TimeValid)
		} else {
			k.state.ClearBits(appstate.TimeValid)
		}
	case !netUp && k.lastNet:
		k.state.ClearBits(appstate.TimeValid)
		k.log.Info("NET_DOWN: time marked invalid")
	case netUp && !k.state.Has(appstate.TimeValid) && k.clock.Since(k.lastAttempt) >= RetryInterval:
		if k.sync(ctx) {
			k.state.SetBits(appstate.TimeValid)
		}
	case netUp && k.resync > 0 && k.state.Has(appstate.TimeValid) && k.clock.Since(k.LastSync()) >= k.resync:
		// A failed resync keeps the previous offset and TIME_VALID.
		k.sync(ctx)
	}
	k.lastNet = netUp
}

func (k *Keeper) sync(ctx context.Context) bool {
	k.lastAttempt = k.clock.Now()
	offset, err := k.syncer.Sync(ctx)
	if err != nil {
		k.log.WithError(err).Warn("NTP sync failed")
		return false
	}
	k.mu.Lock()
	k.offset = offset
	k.lastSync = k.clock.Now()
	k.mu.Unlock()
	k.log.Infof("Sync OK, offset %v, epoch %d", offset, k.Now().Unix())
	return true
}

// Run polls every interval until ctx is done.
func (k *Keeper) Run(ctx context.Context, interval time.Duration) {
	t := k.clock.NewTicker(interval)
	defer t.Stop()
	for {
		k.Poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
		}
	}
}

// Now returns the local time corrected by the last NTP offset.
func (k *Keeper) Now() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.clock.Now().Add(k.offset)
}

// LastSync returns the time of the last successful sync.
func (k *Keeper) LastSync() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastSync
}

// Valid reports whether TIME_VALID is set.
func (k *Keeper) Valid() bool {
	return k.state.Has(appstate.TimeValid)
}

// Epoch returns the corrected Unix time in seconds, or 0 while the clock is
// not valid.
func (k *Keeper) Epoch() uint32 {
	if !k.Valid() {
		return 0
	}
	return uint32(k.Now().Unix())
}
