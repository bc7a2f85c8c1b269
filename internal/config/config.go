// Package config provides configuration management for the gateway.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	// defaultQuoteTTL is used when marketdata.quote_ttl is unset
	defaultQuoteTTL = 5 * time.Minute
	// defaultPollInterval is used when orders.poll_interval is unset
	defaultPollInterval = 5 * time.Second
	// defaultSameDayCutoff is the exchange-local time before which
	// same-day-expiry orders are rejected
	defaultSameDayCutoff = "10:00"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Auth        AuthConfig        `yaml:"auth"`
	Broker      BrokerConfig      `yaml:"broker"`
	MarketData  MarketDataConfig  `yaml:"marketdata"`
	Orders      OrdersConfig      `yaml:"orders"`
	Stream      StreamConfig      `yaml:"stream"`
	Storage     StorageConfig     `yaml:"storage"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // sandbox | production
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// AuthConfig defines the OAuth2 credentials. Secret fields support
// ${ENV_VAR} expansion and fall back to well-known environment variables
// when left empty so secrets stay out of the file.
type AuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
	AuthURL      string `yaml:"auth_url"`
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	AccountID   string `yaml:"account_id"`
	APIEndpoint string `yaml:"api_endpoint"`
	// CircuitBreaker wraps the API client in a breaker that opens after
	// repeated failures.
	CircuitBreaker bool `yaml:"circuit_breaker"`
}

// MarketDataConfig defines quote cache and fetch behavior.
type MarketDataConfig struct {
	QuoteTTL    string `yaml:"quote_ttl"`    // e.g. "5m"
	CallTimeout string `yaml:"call_timeout"` // e.g. "5s"
	// Symbols are pre-subscribed on the stream at startup; broker
	// notation (futures with a leading slash).
	Symbols []string `yaml:"symbols"`
}

// OrdersConfig defines order lifecycle behavior.
type OrdersConfig struct {
	PollInterval       string   `yaml:"poll_interval"` // e.g. "5s"
	MaxPollAttempts    int      `yaml:"max_poll_attempts"`
	SameDayCutoff      string   `yaml:"same_day_cutoff"` // "HH:MM" exchange-local
	DisallowedWeekdays []string `yaml:"disallowed_weekdays"`
	WarnQuantity       int      `yaml:"warn_quantity"`
	MaxBuyingPower     float64  `yaml:"max_buying_power"`
}

// StreamConfig defines the real-time quote feed settings.
type StreamConfig struct {
	Enabled           bool   `yaml:"enabled"`
	KeepaliveInterval string `yaml:"keepalive_interval"` // e.g. "30s"
}

// StorageConfig defines where last-close quote snapshots persist.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyEnvFallbacks()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// applyEnvFallbacks fills empty secret fields from the environment so the
// config file never has to carry credentials.
func (c *Config) applyEnvFallbacks() {
	if c.Auth.ClientID == "" {
		c.Auth.ClientID = os.Getenv("TASTY_CLIENT_ID")
	}
	if c.Auth.ClientSecret == "" {
		c.Auth.ClientSecret = os.Getenv("TASTY_CLIENT_SECRET")
	}
	if c.Auth.RefreshToken == "" {
		c.Auth.RefreshToken = os.Getenv("TASTY_REFRESH_TOKEN")
	}
	if c.Broker.AccountID == "" {
		c.Broker.AccountID = os.Getenv("TASTY_ACCOUNT_ID")
	}
}

// Validate checks that all configuration values are valid and consistent.
// The gateway refuses to start on a bad config rather than limping along.
func (c *Config) Validate() error {
	if c.Environment.Mode != "sandbox" && c.Environment.Mode != "production" {
		return fmt.Errorf("environment.mode must be 'sandbox' or 'production'")
	}

	if c.Auth.ClientID == "" {
		return fmt.Errorf("auth.client_id is required (or TASTY_CLIENT_ID)")
	}
	if c.Auth.ClientSecret == "" {
		return fmt.Errorf("auth.client_secret is required (or TASTY_CLIENT_SECRET)")
	}
	if c.Auth.RefreshToken == "" {
		return fmt.Errorf("auth.refresh_token is required (or TASTY_REFRESH_TOKEN)")
	}
	if c.Broker.AccountID == "" {
		return fmt.Errorf("broker.account_id is required (or TASTY_ACCOUNT_ID)")
	}

	if _, err := c.QuoteTTL(); err != nil {
		return fmt.Errorf("marketdata.quote_ttl: %w", err)
	}
	if _, err := c.MarketDataCallTimeout(); err != nil {
		return fmt.Errorf("marketdata.call_timeout: %w", err)
	}
	if _, err := c.PollInterval(); err != nil {
		return fmt.Errorf("orders.poll_interval: %w", err)
	}
	if _, err := c.KeepaliveInterval(); err != nil {
		return fmt.Errorf("stream.keepalive_interval: %w", err)
	}
	if _, err := c.DisallowedWeekdays(); err != nil {
		return fmt.Errorf("orders.disallowed_weekdays: %w", err)
	}

	if cutoff := c.SameDayCutoff(); cutoff != "" {
		if _, err := time.Parse("15:04", cutoff); err != nil {
			return fmt.Errorf("orders.same_day_cutoff must be HH:MM, got %q", cutoff)
		}
	}
	if c.Orders.MaxBuyingPower < 0 {
		return fmt.Errorf("orders.max_buying_power must be >= 0")
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	return nil
}

// IsSandbox reports whether the gateway targets the certification
// environment.
func (c *Config) IsSandbox() bool {
	return c.Environment.Mode == "sandbox"
}

// QuoteTTL returns the parsed quote cache TTL.
func (c *Config) QuoteTTL() (time.Duration, error) {
	return parseDuration(c.MarketData.QuoteTTL, defaultQuoteTTL)
}

// MarketDataCallTimeout returns the parsed per-call quote fetch timeout.
func (c *Config) MarketDataCallTimeout() (time.Duration, error) {
	return parseDuration(c.MarketData.CallTimeout, 5*time.Second)
}

// PollInterval returns the parsed order status polling interval.
func (c *Config) PollInterval() (time.Duration, error) {
	return parseDuration(c.Orders.PollInterval, defaultPollInterval)
}

// KeepaliveInterval returns the parsed stream keepalive cadence.
func (c *Config) KeepaliveInterval() (time.Duration, error) {
	return parseDuration(c.Stream.KeepaliveInterval, 30*time.Second)
}

// SameDayCutoff returns the exchange-local "HH:MM" cutoff for
// same-day-expiry orders.
func (c *Config) SameDayCutoff() string {
	if c.Orders.SameDayCutoff == "" {
		return defaultSameDayCutoff
	}
	return c.Orders.SameDayCutoff
}

// DisallowedWeekdays returns the parsed weekday blocklist for
// same-day-expiry orders.
func (c *Config) DisallowedWeekdays() ([]time.Weekday, error) {
	names := map[string]time.Weekday{
		"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
		"wednesday": time.Wednesday, "thursday": time.Thursday,
		"friday": time.Friday, "saturday": time.Saturday,
	}
	var days []time.Weekday
	for _, raw := range c.Orders.DisallowedWeekdays {
		wd, ok := names[strings.ToLower(strings.TrimSpace(raw))]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", raw)
		}
		days = append(days, wd)
	}
	return days, nil
}

func parseDuration(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %q", raw)
	}
	return d, nil
}
