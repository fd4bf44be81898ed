package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/rvlink/internal/device"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel    string             `yaml:"log_level" default:"info"`
	CachePath   string             `yaml:"cache_path" default:"/var/lib/rvlink/names.yaml"`
	MQTT        MQTTConfig         `yaml:"mqtt"`
	Watchdog    WatchdogConfig     `yaml:"watchdog"`
	Reconnect   ReconnectConfig    `yaml:"reconnect"`
	Peripherals []PeripheralConfig `yaml:"peripherals"`
}

// MQTTConfig configures the pub/sub sink.
type MQTTConfig struct {
	Broker          string        `yaml:"broker" default:"tcp://localhost:1883"`
	ClientID        string        `yaml:"client_id"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	Namespace       string        `yaml:"namespace" default:"rvlink"`
	DiscoveryPrefix string        `yaml:"discovery_prefix" default:"homeassistant"`
	QoS             int           `yaml:"qos" default:"0"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" default:"10s"`
	PublishTimeout  time.Duration `yaml:"publish_timeout" default:"2s"`
}

// WatchdogConfig tunes the per-session health check.
type WatchdogConfig struct {
	Period      time.Duration `yaml:"period" default:"60s"`
	ZombieAfter time.Duration `yaml:"zombie_after" default:"5m"`
	StaleAfter  time.Duration `yaml:"stale_after" default:"5m"`
}

// ReconnectConfig is the supervisor backoff policy.
type ReconnectConfig struct {
	Initial time.Duration `yaml:"initial" default:"5s"`
	Max     time.Duration `yaml:"max" default:"5m"`
}

// PeripheralConfig describes one peripheral to keep a session with.
type PeripheralConfig struct {
	Name           string        `yaml:"name"`
	Address        string        `yaml:"address"`
	Family         string        `yaml:"family"`
	PIN            string        `yaml:"pin"`
	Password       string        `yaml:"password"`
	Zones          []int         `yaml:"zones"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"20s"`
	MTU            int           `yaml:"mtu" default:"185"`

	// Cipher constants as hex ("0x2483FFD5"); empty selects the family default.
	UnlockConstant  string `yaml:"unlock_constant"`
	SessionConstant string `yaml:"session_constant"`

	// Characteristics overrides role -> UUID ("status", "key", "data", ...).
	Characteristics map[string]string `yaml:"characteristics"`
}

// Identity returns the normalized peripheral identity.
func (p PeripheralConfig) Identity() (device.PeripheralIdentity, error) {
	family, err := device.ParseFamily(p.Family)
	if err != nil {
		return device.PeripheralIdentity{}, err
	}
	return device.NewIdentity(p.Address, family)
}

// Constant parses a hex cipher constant, returning fallback when s is empty.
func Constant(s string, fallback uint32) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid cipher constant %q: %w", s, err)
	}
	return uint32(v), nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file. Missing fields take their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields, including per-peripheral ones.
func (c *Config) ApplyDefaults() {
	defaults.SetDefaults(c)
	for i := range c.Peripherals {
		defaults.SetDefaults(&c.Peripherals[i])
	}
}

// Validate checks the configuration for errors that would only surface once
// a session is running.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if c.Reconnect.Initial <= 0 || c.Reconnect.Max < c.Reconnect.Initial {
		errs = append(errs, fmt.Errorf("reconnect: initial must be positive and not exceed max"))
	}

	seen := make(map[string]bool)
	for i, p := range c.Peripherals {
		where := fmt.Sprintf("peripherals[%d]", i)
		id, err := p.Identity()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", where, err))
			continue
		}
		if seen[id.Address] {
			errs = append(errs, fmt.Errorf("%s: duplicate address %s", where, id.Address))
		}
		seen[id.Address] = true

		switch id.Family {
		case device.FamilyBus:
			if !validPIN(p.PIN) {
				errs = append(errs, fmt.Errorf("%s: pin must be exactly 6 digits", where))
			}
			for _, hex := range []string{p.UnlockConstant, p.SessionConstant} {
				if _, err := Constant(hex, 0); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", where, err))
				}
			}
		case device.FamilyJSONCtl:
			if p.Password == "" {
				errs = append(errs, fmt.Errorf("%s: password is required", where))
			}
		case device.FamilyASCII:
		}
		for role, uuid := range p.Characteristics {
			if _, err := device.ValidateUUID(uuid); err != nil {
				errs = append(errs, fmt.Errorf("%s: characteristics.%s: %w", where, role, err))
			}
		}
		if p.PollInterval < 0 {
			errs = append(errs, fmt.Errorf("%s: poll_interval must not be negative", where))
		}
	}

	return errors.Join(errs...)
}

func validPIN(pin string) bool {
	if len(pin) != 6 {
		return false
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
