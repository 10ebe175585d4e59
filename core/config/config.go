// Package config loads the SDK configuration from YAML and builds the
// client components from it.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/relaykit/relayer-go/core/relayer"
	"github.com/relaykit/relayer-go/core/ws"
	"github.com/relaykit/relayer-go/pkg/logger"
	"github.com/relaykit/relayer-go/pkg/retry"
)

// Duration wraps time.Duration so YAML values can be written as "10s",
// "250ms" and so on.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RetryConfig mirrors retry.Options for the config file.
type RetryConfig struct {
	Max        int      `yaml:"max" validate:"gte=0,lte=10"`
	Delay      Duration `yaml:"delay" validate:"gte=0"`
	Backoff    bool     `yaml:"backoff"`
	MaxDelay   Duration `yaml:"max_delay" validate:"gte=0"`
	ErrorCodes []int    `yaml:"error_codes"`
}

// WSConfig configures the WebSocket connection.
type WSConfig struct {
	Disable              bool     `yaml:"disable"`
	DisableReconnect     bool     `yaml:"disable_reconnect"`
	ReconnectInterval    Duration `yaml:"reconnect_interval" validate:"gte=0"`
	MaxReconnectAttempts int      `yaml:"max_reconnect_attempts" validate:"gte=0"`
	HeartbeatTimeout     Duration `yaml:"heartbeat_timeout" validate:"gte=0"`
	RequestTimeout       Duration `yaml:"request_timeout" validate:"gte=0"`
}

// Config is the full client configuration.
type Config struct {
	BaseURL string `yaml:"base_url" validate:"required,url"`
	APIKey  string `yaml:"api_key"`

	// Timeout for each HTTP request.
	Timeout Duration `yaml:"timeout" validate:"gte=0"`

	// RequestTimeout is the service-side hold for sync sends.
	RequestTimeout Duration `yaml:"request_timeout" validate:"gte=0"`

	// PollingInterval between status probes while waiting.
	PollingInterval Duration `yaml:"polling_interval" validate:"gte=0"`

	// UsePolling forces HTTP polling for waits even with WS available.
	UsePolling bool `yaml:"use_polling"`

	// ThrowOnReverted turns reverted outcomes into errors.
	ThrowOnReverted bool `yaml:"throw_on_reverted"`

	Retries *RetryConfig `yaml:"retries"`
	WS      WSConfig     `yaml:"ws"`
}

// NewConfig returns a configuration with defaults filled in.
func NewConfig() *Config {
	return &Config{
		Timeout:         Duration(relayer.DefaultTimeout),
		RequestTimeout:  Duration(relayer.DefaultRequestTimeout),
		PollingInterval: Duration(relayer.DefaultPollingInterval),
	}
}

// Load reads and validates a YAML configuration file. Options absent from
// the file keep their defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := NewConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks the configuration against its constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// RelayerClient builds the HTTP JSON-RPC client.
func (c *Config) RelayerClient(log logger.Logger) (*relayer.Client, error) {
	return relayer.NewClient(relayer.Config{
		URL:     c.BaseURL,
		APIKey:  c.APIKey,
		Timeout: c.Timeout.Std(),
		Logger:  log,
	})
}

// WSManager builds the WebSocket connection manager.
func (c *Config) WSManager(log logger.Logger) *ws.Manager {
	return ws.NewManager(ws.Config{
		BaseURL:              c.BaseURL,
		APIKey:               c.APIKey,
		Disable:              c.WS.Disable,
		DisableReconnect:     c.WS.DisableReconnect,
		ReconnectInterval:    c.WS.ReconnectInterval.Std(),
		MaxReconnectAttempts: c.WS.MaxReconnectAttempts,
		HeartbeatTimeout:     c.WS.HeartbeatTimeout.Std(),
		RequestTimeout:       c.WS.RequestTimeout.Std(),
		Logger:               log,
	})
}

// RetryOptions maps the retries section to retry.Options, or nil when the
// section is absent.
func (c *Config) RetryOptions() *retry.Options {
	if c.Retries == nil {
		return nil
	}
	return &retry.Options{
		Max:        c.Retries.Max,
		Delay:      c.Retries.Delay.Std(),
		Backoff:    c.Retries.Backoff,
		MaxDelay:   c.Retries.MaxDelay.Std(),
		ErrorCodes: c.Retries.ErrorCodes,
	}
}

// WaitOptions maps the wait-related settings to relayer.WaitOptions.
// waiter may be nil to wait over polling only.
func (c *Config) WaitOptions(waiter relayer.TerminalWaiter) *relayer.WaitOptions {
	return &relayer.WaitOptions{
		PollingInterval: c.PollingInterval.Std(),
		UsePolling:      c.UsePolling,
		ThrowOnReverted: c.ThrowOnReverted,
		WS:              waiter,
	}
}
