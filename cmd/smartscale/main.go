// Command smartscale runs the smart scale: it samples the load cell, turns
// settled weight changes into server reports and drives the buttons, LED and
// provisioning portal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	logger "github.com/sirupsen/logrus"

	"github.com/sweeney/smartscale/internal/api"
	"github.com/sweeney/smartscale/internal/appstate"
	"github.com/sweeney/smartscale/internal/buttons"
	"github.com/sweeney/smartscale/internal/calibration"
	"github.com/sweeney/smartscale/internal/config"
	"github.com/sweeney/smartscale/internal/gpio"
	"github.com/sweeney/smartscale/internal/kv"
	"github.com/sweeney/smartscale/internal/led"
	"github.com/sweeney/smartscale/internal/loadcell"
	"github.com/sweeney/smartscale/internal/logic"
	"github.com/sweeney/smartscale/internal/metrics"
	"github.com/sweeney/smartscale/internal/mqtt"
	"github.com/sweeney/smartscale/internal/netmon"
	"github.com/sweeney/smartscale/internal/sensor"
	"github.com/sweeney/smartscale/internal/spool"
	"github.com/sweeney/smartscale/internal/status"
	"github.com/sweeney/smartscale/internal/supervisor"
	"github.com/sweeney/smartscale/internal/timekeeper"
	"github.com/sweeney/smartscale/internal/web"
)

// refreshInterval is how often the status page reading is updated.
const refreshInterval = 500 * time.Millisecond

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults when empty)")
	dataDir := flag.String("data-dir", "", "Override data_dir")
	broker := flag.String("broker", "", `Override mqtt.broker ("off" disables)`)
	httpAddr := flag.String("http", "", `Override http.addr ("off" disables)`)
	logLevel := flag.String("log-level", "", "Override log_level")
	printState := flag.Bool("print-state", false, "Print buttons and weight and exit")

	flag.Parse()

	logger.SetFormatter(&logger.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("fatal: %v", err)
	}
	applyOverrides(&cfg, *dataDir, *broker, *httpAddr, *logLevel)

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatalf("fatal: log level: %v", err)
	}
	logger.SetLevel(level)

	if err := run(cfg, *printState); err != nil {
		logger.Fatalf("fatal: %v", err)
	}
}

// applyOverrides applies non-empty command-line values on top of cfg.
func applyOverrides(cfg *config.Config, dataDir, broker, httpAddr, logLevel string) {
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	switch broker {
	case "":
	case "off":
		cfg.MQTT.Broker = ""
	default:
		cfg.MQTT.Broker = broker
	}
	switch httpAddr {
	case "":
	case "off":
		cfg.HTTP.Addr = ""
	default:
		cfg.HTTP.Addr = httpAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
}

func run(cfg config.Config, printState bool) error {
	clock := clockwork.NewRealClock()

	reader, err := gpio.NewRealReader(cfg.Buttons.Chip, cfg.Buttons.Pin1, cfg.Buttons.Pin2)
	if err != nil {
		return fmt.Errorf("init buttons: %w", err)
	}
	defer reader.Close()

	var scale *loadcell.Scale
	adc, scaleErr := loadcell.OpenHX711(cfg.LoadCell.ClockPin, cfg.LoadCell.DataPin, cfg.LoadCell.ReadTimeout)
	if scaleErr == nil {
		scale = loadcell.NewScale(adc, cfg.LoadCell.InitialScale, clock)
		defer scale.Close()
	}

	if printState {
		if scaleErr != nil {
			return fmt.Errorf("init load cell: %w", scaleErr)
		}
		return printCurrent(reader, scale, cfg.LoadCell.Samples)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	store, err := kv.OpenFile(filepath.Join(cfg.DataDir, "settings.yaml"))
	if err != nil {
		return fmt.Errorf("open settings: %w", err)
	}
	queue, err := spool.Open(cfg.DataDir, cfg.Spool.MaxEntries)
	if err != nil {
		return fmt.Errorf("open spool: %w", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Both buttons held through boot forget the Wi-Fi credentials.
	if buttons.HeldAtBoot(ctx, reader, clock, cfg.Buttons.BootWipeHold, 50*time.Millisecond) {
		logger.Warn("Both buttons held at boot, clearing Wi-Fi credentials")
		for _, key := range []string{kv.KeyWiFiSSID, kv.KeyWiFiPass} {
			if err := store.Delete(key); err != nil && !errors.Is(err, kv.ErrNotFound) {
				logger.WithError(err).Errorf("Failed to delete %s", key)
			}
		}
	}

	state := appstate.New()
	m := metrics.New()

	mac := api.LocalMAC()
	client, err := api.NewHTTPClient(cfg.API.BaseURL, api.Paths{
		Welcome: cfg.API.WelcomePath,
		Weight:  cfg.API.WeightPath,
		Ready:   cfg.API.ReadyPath,
		Finish:  cfg.API.FinishPath,
	}, cfg.API.Timeout, state, store, mac)
	if err != nil {
		return fmt.Errorf("init api client: %w", err)
	}
	if cfg.API.TLSInsecure {
		client.SkipVerify()
	}

	tracker := status.NewTracker(clock, status.Config{
		DeviceName: cfg.DeviceName,
		APIBase:    cfg.API.BaseURL,
		Broker:     cfg.MQTT.Broker,
		HTTPAddr:   cfg.HTTP.Addr,
		SpoolMax:   queue.Max(),
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	var publisher mqtt.Publisher
	var mqttStatus mqtt.ConnectionStatus
	if cfg.MQTT.Broker != "" {
		pub, err := mqtt.NewRealPublisher(cfg.MQTT.Broker, mqtt.ClientID(), cfg.MQTT.BufferSize)
		if err != nil {
			logger.WithError(err).Warn("MQTT connect failed, event mirror disabled")
		}
		if pub != nil {
			defer pub.Close()
			publisher, mqttStatus = pub, pub
		}
	}

	keeper := timekeeper.New(state, timekeeper.NTPSyncer{Servers: cfg.Time.Servers, Timeout: cfg.Time.Timeout}, clock, cfg.Time.Resync)
	monitor := netmon.New(state, store, netmon.TCPProber{Addr: cfg.Network.ProbeAddr}, clock, netmon.Config{
		ConnectTimeout:     cfg.Network.ConnectTimeout,
		MaxAttempts:        cfg.Network.MaxAttempts,
		RetryDelay:         cfg.Network.RetryDelay,
		Backoff:            cfg.Network.Backoff,
		CheckInterval:      cfg.Network.CheckInterval,
		RequireCredentials: cfg.Network.RequireCredentials,
		PortalOnFailure:    cfg.Network.PortalOnFailure,
	})

	weigh := newWeighing(cfg, scale, scaleErr, store, state, clock)

	buttonQueue := buttons.NewQueue()
	buttonTask := buttons.NewTask(reader, logic.GestureConfig{
		Debounce: cfg.Buttons.Debounce,
		ShortMin: cfg.Buttons.ShortMin,
		Long:     cfg.Buttons.Long,
	}, buttonQueue, clock, func(logic.ButtonEvent) { m.ButtonDropped.Inc() })

	var ledDriver *led.Driver
	if pin, err := led.OpenPin(cfg.LED.Pin); err != nil {
		logger.WithError(err).Warn("Status LED unavailable")
	} else {
		ledDriver = led.NewDriver(pin, cfg.LED.ActiveLow)
	}

	sup := supervisor.New(supervisor.Deps{
		State:      state,
		Client:     client,
		Spool:      queue,
		Store:      store,
		Scale:      weigh.tarer,
		Calibrator: weigh.calibrator,
		Time:       keeper,
		Clock:      clock,
		Tracker:    tracker,
		Metrics:    m,
		Mirror:     publisher,
	}, supervisor.Config{
		DeviceName:        cfg.DeviceName,
		ManualTareSamples: cfg.LoadCell.ManualTare,
		FlushInterval:     cfg.Spool.FlushInterval,
		MAC:               mac,
	})

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	spawn(func() { monitor.Run(ctx) })
	spawn(func() { keeper.Run(ctx, cfg.Time.Poll) })
	spawn(func() { buttonTask.Run(ctx, cfg.Buttons.Tick) })
	if weigh.sampler != nil {
		spawn(func() {
			if err := weigh.sampler.Run(ctx); err != nil {
				logger.WithError(err).Error("Load cell sampling stopped")
			}
		})
	}
	spawn(func() { sup.Run(ctx, buttonQueue.Events(), weigh.events()) })
	if ledDriver != nil {
		spawn(func() { led.Run(ctx, ledDriver, state, clock, cfg.LED.Tick) })
	}

	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, web.Options{
			Tracker:    tracker,
			State:      state,
			Store:      store,
			Metrics:    m.Handler(),
			Clock:      clock,
			PortalSSID: cfg.Network.PortalSSID,
			PortalIdle: cfg.Network.PortalIdleExit,
			OnSaved: func() {
				state.ClearBits(appstate.APMode)
				state.SetMode(appstate.ModeWiFiConnecting)
			},
		})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("HTTP server error")
			}
		}()
		spawn(func() { srv.WatchPortal(ctx, time.Second) })
		defer srv.Shutdown(context.Background())
		logger.Infof("HTTP status server listening on %s", cfg.HTTP.Addr)
	}

	publishSystem(publisher, tracker, mqttStatus, clock.Now(), "STARTUP", "")

	logger.Infof("Started: device=%q server=%s mac=%s broker=%q", cfg.DeviceName, cfg.API.BaseURL, mac, cfg.MQTT.Broker)

	refresh := clock.NewTicker(refreshInterval)
	defer refresh.Stop()
	var heartbeat <-chan time.Time
	if cfg.MQTT.Heartbeat > 0 {
		hb := clock.NewTicker(cfg.MQTT.Heartbeat)
		defer hb.Stop()
		heartbeat = hb.Chan()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	err = runLoop(loopDeps{
		publisher:  publisher,
		mqttStatus: mqttStatus,
		tracker:    tracker,
		sampler:    weigh.source(),
		metrics:    m,
		now:        clock.Now,
	}, refresh.Chan(), heartbeat, sigCh)

	stop()
	wg.Wait()
	return err
}

// weighing is the load-cell side of the wiring. Without a load cell there is
// no sampler, and tare and calibration fail with the open error.
type weighing struct {
	tarer      supervisor.Tarer
	calibrator supervisor.Calibrator
	sampler    *sensor.Task
}

func newWeighing(cfg config.Config, scale *loadcell.Scale, openErr error, store kv.Store, state *appstate.Register, clock clockwork.Clock) weighing {
	if scale == nil {
		logger.WithError(openErr).Error("Load cell unavailable, running without weight reports")
		missing := noScale{err: openErr}
		return weighing{tarer: missing, calibrator: missing}
	}

	if calibration.TryLoad(scale, store) {
		logger.Infof("Loaded calibration factor %.4f", scale.Factor())
	} else {
		logger.Infof("No stored calibration, using factor %.4f", scale.Factor())
	}

	calCfg := calibration.DefaultConfig()
	calCfg.KnownMass = cfg.Calibration.KnownMass
	calCfg.PresenceTimeout = cfg.Calibration.PresenceTimeout

	return weighing{
		tarer:      scale,
		calibrator: calibration.New(scale, store, clock, calCfg),
		sampler: sensor.New(scale, state, clock, sensor.Config{
			Period:        cfg.LoadCell.Period,
			Samples:       cfg.LoadCell.Samples,
			FreshSamples:  cfg.LoadCell.FreshSamples,
			ReadyTimeout:  cfg.LoadCell.ReadyTimeout,
			WarmUp:        cfg.LoadCell.WarmUp,
			WarmUpSamples: cfg.LoadCell.WarmUpSamples,
			TareSamples:   cfg.LoadCell.TareSamples,
			Stability: logic.StabilityConfig{
				Threshold: cfg.Stability.Threshold,
				Band:      cfg.Stability.Band,
				Dwell:     cfg.Stability.Dwell,
			},
		}),
	}
}

// events returns the stable weight events, nil (never ready) without a sampler.
func (w weighing) events() <-chan logic.StableEvent {
	if w.sampler == nil {
		return nil
	}
	return w.sampler.Events()
}

func (w weighing) source() sampleSource {
	if w.sampler == nil {
		return nil
	}
	return w.sampler
}

// noScale stands in for a load cell that failed to open.
type noScale struct {
	err error
}

func (n noScale) Tare(int) error {
	return fmt.Errorf("no load cell: %w", n.err)
}

func (n noScale) Run(context.Context) (calibration.Result, error) {
	return calibration.Result{}, fmt.Errorf("no load cell: %w", n.err)
}

// sampleSource is the part of the sensor task the loop reads.
type sampleSource interface {
	Snapshot() sensor.Snapshot
}

type loopDeps struct {
	publisher  mqtt.Publisher // nil without a broker
	mqttStatus mqtt.ConnectionStatus
	tracker    *status.Tracker
	sampler    sampleSource
	metrics    *metrics.Metrics
	now        func() time.Time
}

// runLoop keeps the status tracker current and publishes heartbeats until a
// signal arrives, then publishes SHUTDOWN and returns.
func runLoop(d loopDeps, refresh, heartbeat <-chan time.Time, sig <-chan os.Signal) error {
	for {
		select {
		case s := <-sig:
			logger.Infof("Received %v, shutting down", s)
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			refreshStatus(d)
			publishSystem(d.publisher, d.tracker, d.mqttStatus, d.now(), "SHUTDOWN", signalName)
			return nil

		case <-refresh:
			refreshStatus(d)

		case <-heartbeat:
			refreshStatus(d)
			if net := readNetworkInfo(); net != nil {
				d.tracker.SetNetwork(net)
			}
			snap := d.tracker.Snapshot()
			logger.Infof("Heartbeat: uptime=%v mode=%s posted=%d spooled=%d depth=%d",
				snap.Uptime().Truncate(time.Second), snap.Mode, snap.Counts.Posted, snap.Counts.Spooled, snap.SpoolDepth)
			publishSystem(d.publisher, d.tracker, d.mqttStatus, d.now(), "HEARTBEAT", "")
		}
	}
}

func refreshStatus(d loopDeps) {
	if d.sampler != nil {
		s := d.sampler.Snapshot()
		d.tracker.SetReading(s.Reading, s.Sampling)
		if d.metrics != nil && s.Sampling && s.Err == nil {
			d.metrics.Reading.Set(s.Reading)
		}
	}
	if d.mqttStatus != nil {
		d.tracker.SetMQTTConnected(d.mqttStatus.IsConnected())
	}
}

// publishSystem sends a retained system event carrying the full status.
func publishSystem(pub mqtt.Publisher, tracker *status.Tracker, conn mqtt.ConnectionStatus, now time.Time, event, reason string) {
	if pub == nil {
		return
	}
	if conn != nil {
		tracker.SetMQTTConnected(conn.IsConnected())
	}
	ev := mqtt.SystemEvent{
		Timestamp:  now,
		Event:      event,
		Reason:     reason,
		Retained:   true,
		RawPayload: status.FormatStatusEvent(tracker.Snapshot(), event, reason),
	}
	if err := pub.PublishSystem(ev); err != nil {
		logger.WithError(err).Warnf("Failed to publish %s event", event)
		return
	}
	logger.Debugf("Published %s event", event)
}

func printCurrent(reader gpio.Reader, scale *loadcell.Scale, samples int) error {
	b1, b2, err := reader.Read()
	if err != nil {
		return fmt.Errorf("read buttons: %w", err)
	}
	units, err := scale.Units(samples)
	if err != nil {
		return fmt.Errorf("read load cell: %w", err)
	}
	fmt.Printf("BTN1: %s, BTN2: %s, weight: %.2f (factor %.4f, untared)\n",
		buttonString(b1), buttonString(b2), units, scale.Factor())
	return nil
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}

func buttonString(pressed bool) string {
	if pressed {
		return "PRESSED"
	}
	return "RELEASED"
}
