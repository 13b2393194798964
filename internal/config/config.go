// Package config loads and validates the eascal YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration loaded from YAML.
// The account password is deliberately not a config field; it is read from
// the EASCAL_PASSWORD environment variable (optionally via a .env file) so
// that config files can be checked into dotfile repos without secrets.
type Config struct {
	// GatewayURL is the base URL of the device gateway that fronts the
	// mailbox server (e.g. "http://localhost:8480").
	GatewayURL string `yaml:"gateway_url"`

	// ServerURL is the mailbox server the gateway connects to
	// (e.g. "https://mail.example.com").
	ServerURL string `yaml:"server_url"`

	// Username is the mailbox account to sync.
	Username string `yaml:"username"`

	// DeviceID is the stable device identifier presented to the server.
	// Servers key their provisioning policies on it. Defaults to "eascal".
	DeviceID string `yaml:"device_id"`

	// PollInterval controls how often the daemon runs an incremental sync.
	// Minimum 30s, maximum 1h. Defaults to 5m if unset.
	PollInterval time.Duration `yaml:"poll_interval"`

	// WindowPastDays and WindowFutureDays bound recurrence materialization
	// around the current time. Defaults: 30 back, 180 ahead.
	WindowPastDays   int `yaml:"window_past_days"`
	WindowFutureDays int `yaml:"window_future_days"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "eascal".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request. Equivalent to the OTEL_EXPORTER_OTLP_HEADERS environment
	// variable. Use this for authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/eascal/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "eascal", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required fields are present and well-formed.
func (c *Config) validate() error {
	if c.GatewayURL == "" {
		return fmt.Errorf("gateway_url is required")
	}
	if err := checkHTTPURL(c.GatewayURL); err != nil {
		return fmt.Errorf("gateway_url %w", err)
	}

	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if err := checkHTTPURL(c.ServerURL); err != nil {
		return fmt.Errorf("server_url %w", err)
	}

	if c.Username == "" {
		return fmt.Errorf("username is required")
	}

	if c.DeviceID == "" {
		c.DeviceID = "eascal"
	}

	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Minute
	}
	if c.PollInterval < 30*time.Second {
		return fmt.Errorf("poll_interval %v is too short (minimum 30s)", c.PollInterval)
	}
	if c.PollInterval > time.Hour {
		return fmt.Errorf("poll_interval %v is too long (maximum 1h)", c.PollInterval)
	}

	if c.WindowPastDays < 0 {
		return fmt.Errorf("window_past_days must not be negative")
	}
	if c.WindowFutureDays < 0 {
		return fmt.Errorf("window_future_days must not be negative")
	}
	if c.WindowPastDays == 0 {
		c.WindowPastDays = 30
	}
	if c.WindowFutureDays == 0 {
		c.WindowFutureDays = 180
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

func checkHTTPURL(s string) error {
	u, err := url.ParseRequestURI(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%q must be a valid http or https URL", s)
	}
	return nil
}
