// Package config loads the daemon configuration from an optional YAML file
// on top of built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/smartscale/internal/gpio"
)

// Config is the full daemon configuration.
type Config struct {
	DataDir    string `yaml:"data_dir"`
	DeviceName string `yaml:"device_name"`
	LogLevel   string `yaml:"log_level"`

	API         APIConfig         `yaml:"api"`
	Buttons     ButtonsConfig     `yaml:"buttons"`
	LoadCell    LoadCellConfig    `yaml:"load_cell"`
	Stability   StabilityConfig   `yaml:"stability"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Network     NetworkConfig     `yaml:"network"`
	Time        TimeConfig        `yaml:"time"`
	LED         LEDConfig         `yaml:"led"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	HTTP        HTTPConfig        `yaml:"http"`
	Spool       SpoolConfig       `yaml:"spool"`
}

// APIConfig describes the reporting server.
type APIConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
	TLSInsecure bool          `yaml:"tls_insecure"`
	WelcomePath string        `yaml:"welcome_path"`
	WeightPath  string        `yaml:"weight_path"`
	ReadyPath   string        `yaml:"ready_path"`
	FinishPath  string        `yaml:"finish_path"`
}

// ButtonsConfig holds the button lines and gesture thresholds.
type ButtonsConfig struct {
	Chip         string        `yaml:"chip"`
	Pin1         int           `yaml:"pin1"`
	Pin2         int           `yaml:"pin2"`
	Tick         time.Duration `yaml:"tick"`
	Debounce     time.Duration `yaml:"debounce"`
	ShortMin     time.Duration `yaml:"short_min"`
	Long         time.Duration `yaml:"long"`
	BootWipeHold time.Duration `yaml:"boot_wipe_hold"`
}

// LoadCellConfig holds the amplifier pins and sampling.
type LoadCellConfig struct {
	ClockPin      string        `yaml:"clock_pin"`
	DataPin       string        `yaml:"data_pin"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	InitialScale  float64       `yaml:"initial_scale"`
	Period        time.Duration `yaml:"period"`
	Samples       int           `yaml:"samples"`
	FreshSamples  int           `yaml:"fresh_samples"`
	WarmUp        time.Duration `yaml:"warm_up"`
	TareSamples   int           `yaml:"tare_samples"`
	ManualTare    int           `yaml:"manual_tare_samples"`
	ReadyTimeout  time.Duration `yaml:"ready_timeout"`
	WarmUpSamples int           `yaml:"warm_up_samples"`
}

// StabilityConfig holds the stable weight thresholds.
type StabilityConfig struct {
	Threshold float64       `yaml:"threshold"`
	Band      float64       `yaml:"band"`
	Dwell     time.Duration `yaml:"dwell"`
}

// CalibrationConfig holds the reference mass.
type CalibrationConfig struct {
	KnownMass       float64       `yaml:"known_mass"`
	PresenceTimeout time.Duration `yaml:"presence_timeout"`
}

// NetworkConfig holds the uplink probe and portal policy.
type NetworkConfig struct {
	ProbeAddr          string        `yaml:"probe_addr"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	MaxAttempts        int           `yaml:"max_attempts"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
	Backoff            time.Duration `yaml:"backoff"`
	CheckInterval      time.Duration `yaml:"check_interval"`
	RequireCredentials bool          `yaml:"require_credentials"`
	PortalOnFailure    bool          `yaml:"portal_on_failure"`
	PortalSSID         string        `yaml:"portal_ssid"`
	PortalIdleExit     time.Duration `yaml:"portal_idle_exit"`
}

// TimeConfig holds the NTP settings.
type TimeConfig struct {
	Servers []string      `yaml:"servers"`
	Timeout time.Duration `yaml:"timeout"`
	Resync  time.Duration `yaml:"resync"`
	Poll    time.Duration `yaml:"poll"`
}

// LEDConfig holds the status LED.
type LEDConfig struct {
	Pin       string        `yaml:"pin"`
	ActiveLow bool          `yaml:"active_low"`
	Tick      time.Duration `yaml:"tick"`
}

// MQTTConfig holds the optional event mirror.
type MQTTConfig struct {
	Broker     string        `yaml:"broker"` // empty disables the mirror
	BufferSize int           `yaml:"buffer_size"`
	Heartbeat  time.Duration `yaml:"heartbeat"`
}

// HTTPConfig holds the local status server.
type HTTPConfig struct {
	Addr string `yaml:"addr"` // empty disables the server
}

// SpoolConfig holds the offline queue.
type SpoolConfig struct {
	MaxEntries    int           `yaml:"max_entries"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Default returns the firmware defaults.
func Default() Config {
	return Config{
		DataDir:    "/var/lib/smartscale",
		DeviceName: "Sample Scale1",
		LogLevel:   "info",
		API: APIConfig{
			BaseURL: "https://tehtnice.forcapsolutions.net",
			Timeout: 7 * time.Second,
		},
		Buttons: ButtonsConfig{
			Chip:         "gpiochip0",
			Pin1:         gpio.PinBtn1,
			Pin2:         gpio.PinBtn2,
			Tick:         10 * time.Millisecond,
			Debounce:     30 * time.Millisecond,
			ShortMin:     50 * time.Millisecond,
			Long:         2 * time.Second,
			BootWipeHold: 3 * time.Second,
		},
		LoadCell: LoadCellConfig{
			ClockPin:      "GPIO5",
			DataPin:       "GPIO6",
			ReadTimeout:   time.Second,
			InitialScale:  42.40,
			Period:        100 * time.Millisecond,
			Samples:       10,
			FreshSamples:  20,
			WarmUp:        2 * time.Second,
			WarmUpSamples: 20,
			TareSamples:   50,
			ManualTare:    30,
			ReadyTimeout:  time.Second,
		},
		Stability: StabilityConfig{
			Threshold: 20,
			Band:      6,
			Dwell:     800 * time.Millisecond,
		},
		Calibration: CalibrationConfig{
			KnownMass:       100,
			PresenceTimeout: 10 * time.Second,
		},
		Network: NetworkConfig{
			ProbeAddr:       "tehtnice.forcapsolutions.net:443",
			ConnectTimeout:  15 * time.Second,
			MaxAttempts:     3,
			RetryDelay:      time.Second,
			Backoff:         5 * time.Second,
			CheckInterval:   10 * time.Second,
			PortalOnFailure: true,
			PortalSSID:      "SmartScale-Setup",
			PortalIdleExit:  10 * time.Minute,
		},
		Time: TimeConfig{
			Servers: []string{"pool.ntp.org", "time.google.com"},
			Timeout: 5 * time.Second,
			Resync:  time.Hour,
			Poll:    time.Second,
		},
		LED: LEDConfig{
			Pin:       "GPIO17",
			ActiveLow: true,
			Tick:      25 * time.Millisecond,
		},
		MQTT: MQTTConfig{
			BufferSize: 100,
			Heartbeat:  15 * time.Minute,
		},
		HTTP: HTTPConfig{
			Addr: ":80",
		},
		Spool: SpoolConfig{
			MaxEntries:    500,
			FlushInterval: 5 * time.Second,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
// Keys missing from the file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the values that would make a subsystem misbehave.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, field, msg string) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s: %s", field, msg))
		}
	}

	check(c.DataDir != "", "data_dir", "required")
	check(strings.HasPrefix(c.API.BaseURL, "http://") || strings.HasPrefix(c.API.BaseURL, "https://"),
		"api.base_url", "must be an http or https URL")
	check(c.API.Timeout > 0, "api.timeout", "must be positive")
	check(c.Buttons.Tick > 0, "buttons.tick", "must be positive")
	check(c.Buttons.Debounce >= 0, "buttons.debounce", "must not be negative")
	check(c.Buttons.ShortMin < c.Buttons.Long, "buttons.short_min", "must be below buttons.long")
	check(c.LoadCell.Period > 0, "load_cell.period", "must be positive")
	check(c.LoadCell.Samples > 0, "load_cell.samples", "must be positive")
	check(c.LoadCell.FreshSamples > 0, "load_cell.fresh_samples", "must be positive")
	check(c.Stability.Threshold > 0, "stability.threshold", "must be positive")
	check(c.Stability.Band >= 0, "stability.band", "must not be negative")
	check(c.Stability.Dwell > 0, "stability.dwell", "must be positive")
	check(c.Calibration.KnownMass > 0, "calibration.known_mass", "must be positive")
	check(c.Network.MaxAttempts > 0, "network.max_attempts", "must be positive")
	check(c.Network.ConnectTimeout > 0, "network.connect_timeout", "must be positive")
	check(len(c.Time.Servers) > 0, "time.servers", "at least one server required")
	check(c.LED.Tick > 0, "led.tick", "must be positive")
	check(c.Spool.MaxEntries > 0, "spool.max_entries", "must be positive")
	check(c.Spool.FlushInterval > 0, "spool.flush_interval", "must be positive")

	return errors.Join(errs...)
}
