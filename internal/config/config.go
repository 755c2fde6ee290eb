// Package config handles insight-relay configuration loading.
//
// Configuration comes from three layers, later layers winning:
//  1. Built-in defaults ([Default]).
//  2. An optional YAML file ([FindConfig], [Load]) with ${VAR} expansion.
//  3. Environment variables ([ApplyEnv]), optionally seeded from a .env
//     file ([LoadDotEnv]).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nugget/insight-relay/internal/calendar"
)

// Transport names accepted in messaging.transport.
const (
	TransportSignal = "signal"
	TransportTwilio = "twilio"
)

// Defaults applied when a field is left empty.
const (
	DefaultTimezone       = "Africa/Nairobi"
	DefaultTokenPath      = "/api/celery-token/"
	DefaultTokenTTL       = time.Hour
	DefaultTimeout        = 30 * time.Second
	DefaultRunTimeout     = 5 * time.Minute
	DefaultHealthInterval = time.Minute
)

// ErrNoConfigFile is returned by [FindConfig] when no explicit path was
// given and none of the search paths exist.
var ErrNoConfigFile = errors.New("no config file found")

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/insight-relay/config.yaml, /etc/insight-relay/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "insight-relay", "config.yaml"))
	}

	paths = append(paths, "/etc/insight-relay/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// When nothing is found the returned error wraps [ErrNoConfigFile] so the
// caller can fall back to environment-only configuration.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfigFile, DefaultSearchPaths())
}

// LoadDotEnv reads KEY=value pairs from the given files into the process
// environment. Variables already set are not overwritten. Missing files
// are not an error; a .env file is a convenience, not a requirement.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Config holds all insight-relay configuration.
type Config struct {
	API       APIConfig       `yaml:"api"`
	Recipient string          `yaml:"recipient" env:"PHONE_NUMBER"`
	Timezone  string          `yaml:"timezone" env:"RELAY_TIMEZONE"`
	Jobs      []JobConfig     `yaml:"jobs"`
	Messaging MessagingConfig `yaml:"messaging"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	DataDir   string          `yaml:"data_dir" env:"RELAY_DATA_DIR"`
	LogLevel  string          `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string          `yaml:"log_format" env:"LOG_FORMAT"`
}

// APIConfig describes the insight backend and how to authenticate with it.
type APIConfig struct {
	// BaseURL is prepended to every endpoint path (e.g. https://api.example.com).
	BaseURL string `yaml:"base_url" env:"API_URL"`
	// TokenPath is the credential-acquisition endpoint. Requests to this
	// path are sent without a bearer token.
	TokenPath string `yaml:"token_path" env:"API_TOKEN_PATH"`
	// APIKey is the pre-shared secret posted to TokenPath.
	APIKey string `yaml:"api_key" env:"CELERY_KEY"`
	// TokenTTL is how long an acquired token is trusted. The backend does
	// not return an expiry, so this is a conservative guess.
	TokenTTL time.Duration `yaml:"token_ttl" env:"API_TOKEN_TTL"`
	// Timeout bounds each outbound HTTP request.
	Timeout time.Duration `yaml:"timeout" env:"API_TIMEOUT"`
}

// JobConfig is one scheduled insight delivery.
type JobConfig struct {
	Name     string `yaml:"name"`
	Label    string `yaml:"label"`    // human label for logs; defaults to Name
	Endpoint string `yaml:"endpoint"` // path relative to api.base_url
	Schedule string `yaml:"schedule"` // 5-field cron expression
	Timezone string `yaml:"timezone"` // overrides the top-level timezone
	// RunTimeout bounds a single run (fetch + send). Default 5m.
	RunTimeout time.Duration `yaml:"run_timeout"`
}

// Zone returns the job's effective IANA time zone name.
func (j JobConfig) Zone(fallback string) string {
	if j.Timezone != "" {
		return j.Timezone
	}
	return fallback
}

// MessagingConfig selects and configures the outbound messaging session.
type MessagingConfig struct {
	Transport string          `yaml:"transport" env:"RELAY_TRANSPORT"`
	Signal    SignalConfig    `yaml:"signal"`
	Twilio    TwilioConfig    `yaml:"twilio"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	// HealthInterval is how often the live session is probed. Zero
	// disables probing; disconnects are then only noticed when the
	// transport reports them.
	HealthInterval time.Duration `yaml:"health_interval"`
}

// SignalConfig configures the signal-cli transport.
type SignalConfig struct {
	Command string `yaml:"command" env:"SIGNAL_CLI"`
	// Args are global signal-cli options placed before "jsonRpc".
	Args       []string `yaml:"args"`
	Account    string   `yaml:"account" env:"SIGNAL_ACCOUNT"`
	DeviceName string   `yaml:"device_name" env:"SIGNAL_DEVICE_NAME"`
}

// TwilioConfig configures the Twilio WhatsApp transport.
type TwilioConfig struct {
	AccountSID string `yaml:"account_sid" env:"TWILIO_ACCOUNT_SID"`
	AuthToken  string `yaml:"auth_token" env:"TWILIO_AUTH_TOKEN"`
	From       string `yaml:"from" env:"TWILIO_WHATSAPP_NUMBER"`
}

// ReconnectConfig shapes re-initialization after a disconnect. The zero
// value retries immediately and forever.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxAttempts  int           `yaml:"max_attempts"` // 0 = unlimited
}

// MQTTConfig configures the optional status publisher.
type MQTTConfig struct {
	Broker             string `yaml:"broker" env:"MQTT_BROKER"`
	Username           string `yaml:"username" env:"MQTT_USERNAME"`
	Password           string `yaml:"password" env:"MQTT_PASSWORD"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval"`
}

// Configured reports whether MQTT publishing is enabled.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Default returns a default configuration mirroring the stock deployment:
// a weekday morning insight and a Saturday weekly summary in Nairobi time.
func Default() *Config {
	return &Config{
		API: APIConfig{
			TokenPath: DefaultTokenPath,
			TokenTTL:  DefaultTokenTTL,
			Timeout:   DefaultTimeout,
		},
		Timezone: DefaultTimezone,
		Jobs: []JobConfig{
			{
				Name:     "daily",
				Label:    "daily",
				Endpoint: "/api/daily-ai/",
				Schedule: "30 8 * * 1-5",
			},
			{
				Name:     "weekly",
				Label:    "weekly",
				Endpoint: "/api/weekly-ai/",
				Schedule: "30 8 * * 6",
			},
		},
		Messaging: MessagingConfig{
			Transport: TransportSignal,
			Signal: SignalConfig{
				Command:    "signal-cli",
				DeviceName: "insight-relay",
			},
			HealthInterval: DefaultHealthInterval,
		},
		DataDir:   "./data",
		LogFormat: "text",
	}
}

// Load reads configuration from a YAML file on top of [Default], then
// applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// FromEnv builds a configuration from defaults and the environment only.
// Used when no config file exists, which is the common container setup.
func FromEnv() (*Config, error) {
	cfg := Default()
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg. Unset variables leave
// the existing value untouched.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

// applyDefaults fills zero values that YAML or the environment may have
// cleared.
func (c *Config) applyDefaults() {
	if c.API.TokenPath == "" {
		c.API.TokenPath = DefaultTokenPath
	}
	if c.API.TokenTTL == 0 {
		c.API.TokenTTL = DefaultTokenTTL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultTimeout
	}
	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	for i := range c.Jobs {
		if c.Jobs[i].Label == "" {
			c.Jobs[i].Label = c.Jobs[i].Name
		}
		if c.Jobs[i].RunTimeout == 0 {
			c.Jobs[i].RunTimeout = DefaultRunTimeout
		}
	}
	if c.Messaging.Transport == "" {
		c.Messaging.Transport = TransportSignal
	}
	if c.Messaging.Signal.Command == "" {
		c.Messaging.Signal.Command = "signal-cli"
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "insight-relay"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
}

// Location resolves the top-level time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks the configuration for missing or inconsistent values.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("api.base_url is required (or set API_URL)"))
	}
	if c.API.APIKey == "" {
		errs = append(errs, errors.New("api.api_key is required (or set CELERY_KEY)"))
	}
	if c.API.TokenTTL < 0 {
		errs = append(errs, fmt.Errorf("api.token_ttl must be positive, got %s", c.API.TokenTTL))
	}
	if c.Recipient == "" {
		errs = append(errs, errors.New("recipient is required (or set PHONE_NUMBER)"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}

	if len(c.Jobs) == 0 {
		errs = append(errs, errors.New("at least one job is required"))
	}
	seen := make(map[string]bool, len(c.Jobs))
	for i, j := range c.Jobs {
		switch {
		case j.Name == "":
			errs = append(errs, fmt.Errorf("jobs[%d]: name is required", i))
		case seen[j.Name]:
			errs = append(errs, fmt.Errorf("jobs[%d]: duplicate name %q", i, j.Name))
		}
		seen[j.Name] = true
		if j.Endpoint == "" {
			errs = append(errs, fmt.Errorf("jobs[%d] %q: endpoint is required", i, j.Name))
		}
		if _, err := calendar.Parse(j.Schedule, j.Zone(c.Timezone)); err != nil {
			errs = append(errs, fmt.Errorf("jobs[%d] %q: %w", i, j.Name, err))
		}
	}

	switch c.Messaging.Transport {
	case TransportSignal:
		if c.Messaging.Signal.Command == "" {
			errs = append(errs, errors.New("messaging.signal.command is required"))
		}
	case TransportTwilio:
		t := c.Messaging.Twilio
		if t.AccountSID == "" || t.AuthToken == "" || t.From == "" {
			errs = append(errs, errors.New("messaging.twilio requires account_sid, auth_token and from"))
		}
	default:
		errs = append(errs, fmt.Errorf("messaging.transport %q unknown (valid: signal, twilio)", c.Messaging.Transport))
	}

	r := c.Messaging.Reconnect
	if r.InitialDelay < 0 || r.MaxDelay < 0 || r.Multiplier < 0 || r.MaxAttempts < 0 {
		errs = append(errs, errors.New("messaging.reconnect values must not be negative"))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q unknown (valid: text, json)", c.LogFormat))
	}

	return errors.Join(errs...)
}
