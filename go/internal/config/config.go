// Package config loads device and relay settings from defaults, an optional
// YAML file and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mcdev12/sprintgates/go/internal/calibration"
	"github.com/mcdev12/sprintgates/go/internal/detector"
	"github.com/mcdev12/sprintgates/go/internal/relay"
	"github.com/mcdev12/sprintgates/go/internal/session"
	"github.com/mcdev12/sprintgates/go/internal/stopwatch"
	"github.com/mcdev12/sprintgates/go/internal/timing"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ErrInvalidSensitivity is returned for a sensitivity outside 1..100.
var ErrInvalidSensitivity = detector.ErrInvalidSensitivity

// Transport names accepted by Session.Transport.
const (
	TransportRelay  = "relay"
	TransportNATS   = "nats"
	TransportMemory = "memory"
)

type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Detection DetectionConfig `yaml:"detection"`
	Timing    TimingConfig    `yaml:"timing"`
	Session   SessionConfig   `yaml:"session"`
	Relay     RelayConfig     `yaml:"relay"`
}

type DetectionConfig struct {
	Sensitivity               int           `yaml:"sensitivity"`
	MinDelayBetweenDetections time.Duration `yaml:"min_delay_between_detections"`
	FrameInterval             time.Duration `yaml:"frame_interval"`
	BeamPosition              float64       `yaml:"beam_position"`
}

type TimingConfig struct {
	CalibrationWarmup  time.Duration `yaml:"calibration_warmup"`
	CalibrationWindow  time.Duration `yaml:"calibration_window"`
	StandaloneArmDelay time.Duration `yaml:"standalone_arm_delay"`
	FastProbeInterval  time.Duration `yaml:"fast_probe_interval"`
	SlowProbeInterval  time.Duration `yaml:"slow_probe_interval"`
	SplitDebounce      time.Duration `yaml:"split_debounce"`
	ClientTriggerLock  bool          `yaml:"client_trigger_lock"`
}

type SessionConfig struct {
	Namespace         string        `yaml:"namespace"`
	DeviceName        string        `yaml:"device_name"`
	Transport         string        `yaml:"transport"`
	RelayURL          string        `yaml:"relay_url"`
	NATSURL           string        `yaml:"nats_url"`
	StaleProbeTimeout time.Duration `yaml:"stale_probe_timeout"`
	StaleSettleDelay  time.Duration `yaml:"stale_settle_delay"`
	HostRetryDelay    time.Duration `yaml:"host_retry_delay"`
	HostMaxRetries    int           `yaml:"host_max_retries"`
}

type RelayConfig struct {
	Port         string        `yaml:"port"`
	PingInterval time.Duration `yaml:"ping_interval"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	StaleAfter   time.Duration `yaml:"stale_after"`
	ClaimTimeout time.Duration `yaml:"claim_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Detection: DetectionConfig{
			Sensitivity:               detector.DefaultSensitivity,
			MinDelayBetweenDetections: detector.DefaultCooldown,
			FrameInterval:             16 * time.Millisecond,
			BeamPosition:              0.5,
		},
		Timing: TimingConfig{
			CalibrationWarmup:  500 * time.Millisecond,
			CalibrationWindow:  3000 * time.Millisecond,
			StandaloneArmDelay: 1500 * time.Millisecond,
			FastProbeInterval:  calibration.FastProbeInterval,
			SlowProbeInterval:  calibration.SlowProbeInterval,
			SplitDebounce:      100 * time.Millisecond,
		},
		Session: SessionConfig{
			Namespace:         session.DefaultNamespace,
			Transport:         TransportRelay,
			RelayURL:          "ws://localhost:8090/ws/peer",
			NATSURL:           "nats://localhost:4222",
			StaleProbeTimeout: 2 * time.Second,
			StaleSettleDelay:  500 * time.Millisecond,
			HostRetryDelay:    2 * time.Second,
			HostMaxRetries:    5,
		},
		Relay: RelayConfig{
			Port:         "8090",
			PingInterval: 20 * time.Second,
			ReadTimeout:  60 * time.Second,
			StaleAfter:   45 * time.Second,
			ClaimTimeout: time.Second,
		},
	}
}

// Load builds a config from defaults, the YAML file at path when path is not
// empty, and environment overrides, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.Detection.Sensitivity = getEnvAsInt("SENSITIVITY", c.Detection.Sensitivity)
	c.Detection.MinDelayBetweenDetections = getEnvAsDuration("MIN_DELAY_BETWEEN_DETECTIONS", c.Detection.MinDelayBetweenDetections)

	c.Timing.CalibrationWindow = getEnvAsDuration("CALIBRATION_WINDOW", c.Timing.CalibrationWindow)
	c.Timing.ClientTriggerLock = getEnvAsBool("CLIENT_TRIGGER_LOCK", c.Timing.ClientTriggerLock)

	c.Session.DeviceName = getEnv("DEVICE_NAME", c.Session.DeviceName)
	c.Session.Transport = getEnv("SPRINT_TRANSPORT", c.Session.Transport)
	c.Session.RelayURL = getEnv("RELAY_URL", c.Session.RelayURL)
	c.Session.NATSURL = getEnv("NATS_URL", c.Session.NATSURL)

	c.Relay.Port = getEnv("RELAY_PORT", c.Relay.Port)
}

// Validate checks ranges and enums.
func (c *Config) Validate() error {
	var errs []error

	if err := c.DetectorConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Detection.BeamPosition < 0 || c.Detection.BeamPosition > 1 {
		errs = append(errs, fmt.Errorf("beam_position must be in [0,1], got %v", c.Detection.BeamPosition))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err))
	}

	switch c.Session.Transport {
	case TransportRelay, TransportNATS, TransportMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Session.Transport))
	}
	if c.Session.HostMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("host_max_retries must not be negative"))
	}

	for name, d := range map[string]time.Duration{
		"frame_interval":      c.Detection.FrameInterval,
		"fast_probe_interval": c.Timing.FastProbeInterval,
		"slow_probe_interval": c.Timing.SlowProbeInterval,
		"ping_interval":       c.Relay.PingInterval,
		"claim_timeout":       c.Relay.ClaimTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	for name, d := range map[string]time.Duration{
		"calibration_warmup":   c.Timing.CalibrationWarmup,
		"calibration_window":   c.Timing.CalibrationWindow,
		"standalone_arm_delay": c.Timing.StandaloneArmDelay,
		"split_debounce":       c.Timing.SplitDebounce,
		"stale_probe_timeout":  c.Session.StaleProbeTimeout,
		"stale_settle_delay":   c.Session.StaleSettleDelay,
		"host_retry_delay":     c.Session.HostRetryDelay,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}

	if c.Relay.StaleAfter < c.Relay.PingInterval {
		errs = append(errs, fmt.Errorf("stale_after (%s) must not be shorter than ping_interval (%s)", c.Relay.StaleAfter, c.Relay.PingInterval))
	}

	return errors.Join(errs...)
}

// DetectorConfig returns the motion detector settings.
func (c *Config) DetectorConfig() detector.Config {
	return detector.Config{
		Sensitivity: c.Detection.Sensitivity,
		Cooldown:    c.Detection.MinDelayBetweenDetections,
	}
}

// TimingConfig returns the state machine settings.
func (c *Config) TimingConfig() timing.Config {
	cfg := timing.DefaultConfig()
	cfg.CalibrationWarmup = c.Timing.CalibrationWarmup
	cfg.CalibrationWindow = c.Timing.CalibrationWindow
	cfg.StandaloneArmDelay = c.Timing.StandaloneArmDelay
	cfg.Probes = calibration.Intervals{Fast: c.Timing.FastProbeInterval, Slow: c.Timing.SlowProbeInterval}
	cfg.ClientTriggerLock = c.Timing.ClientTriggerLock
	cfg.Stopwatch = stopwatch.Config{
		FrameInterval: c.Detection.FrameInterval,
		SplitDebounce: c.Timing.SplitDebounce,
	}
	return cfg
}

// SessionConfig returns the session manager settings.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		Namespace:         c.Session.Namespace,
		DeviceName:        c.Session.DeviceName,
		StaleProbeTimeout: c.Session.StaleProbeTimeout,
		StaleSettleDelay:  c.Session.StaleSettleDelay,
		HostRetryDelay:    c.Session.HostRetryDelay,
		HostMaxRetries:    c.Session.HostMaxRetries,
	}
}

// RelayConfig returns the relay server settings.
func (c *Config) RelayConfig() relay.Config {
	cfg := relay.DefaultConfig()
	cfg.PingInterval = c.Relay.PingInterval
	cfg.ReadTimeout = c.Relay.ReadTimeout
	cfg.StaleAfter = c.Relay.StaleAfter
	cfg.ClaimTimeout = c.Relay.ClaimTimeout
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
