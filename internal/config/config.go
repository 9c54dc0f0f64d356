package config

import (
	"time"

	"github.com/vyrodovalexey/sniroute/internal/router"
)

// Default values applied by ApplyDefaults.
const (
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
	DefaultLogOutput            = "stdout"
	DefaultMetricsAddress       = ":9090"
	DefaultMetricsPath          = "/metrics"
	DefaultServiceName          = "sniroute"
	DefaultSamplingRate         = 1.0
	DefaultBreakerThreshold     = 5
	DefaultBreakerTimeout       = 30 * time.Second
	DefaultMatchTimeout         = router.DefaultMatchTimeout
	DefaultShutdownGracePeriod  = 10 * time.Second
	DefaultWatcherDebounceDelay = 100 * time.Millisecond
)

// Config is the root configuration of the router process.
type Config struct {
	Logging  LoggingConfig   `yaml:"logging" json:"logging"`
	Metrics  MetricsConfig   `yaml:"metrics" json:"metrics"`
	Tracing  TracingConfig   `yaml:"tracing" json:"tracing"`
	Routing  RoutingConfig   `yaml:"routing" json:"routing"`
	Dispatch DispatchConfig  `yaml:"dispatch" json:"dispatch"`
	Backends []BackendConfig `yaml:"backends" json:"backends"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty"`
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
	Output string `yaml:"output,omitempty" json:"output,omitempty"`
}

// MetricsConfig represents the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address,omitempty" json:"address,omitempty"`
	Path    string `yaml:"path,omitempty" json:"path,omitempty"`
}

// TracingConfig represents tracing configuration.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	SamplingRate float64 `yaml:"samplingRate,omitempty" json:"samplingRate,omitempty"`
	OTLPEndpoint string  `yaml:"otlpEndpoint,omitempty" json:"otlpEndpoint,omitempty"`
	ServiceName  string  `yaml:"serviceName,omitempty" json:"serviceName,omitempty"`
}

// RoutingConfig tunes hostname matching.
type RoutingConfig struct {
	// MatchTimeout bounds a single pattern match against a hostname.
	MatchTimeout Duration `yaml:"matchTimeout,omitempty" json:"matchTimeout,omitempty"`
}

// DispatchConfig tunes outbound connection attempts.
type DispatchConfig struct {
	// ConnectTimeout bounds each candidate dial. Zero leaves it to the OS.
	ConnectTimeout Duration              `yaml:"connectTimeout,omitempty" json:"connectTimeout,omitempty"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuitBreaker,omitempty" json:"circuitBreaker,omitempty"`
}

// CircuitBreakerConfig represents per-candidate circuit breaker configuration.
type CircuitBreakerConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Threshold int      `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	Timeout   Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// BackendConfig is one routing rule, in priority order.
type BackendConfig struct {
	Pattern string `yaml:"pattern" json:"pattern"`
	Address string `yaml:"address" json:"address"`
	Port    int    `yaml:"port" json:"port"`
}

// DefaultConfig returns a configuration with default values and no backends.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields with their default values.
func (c *Config) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Logging.Output == "" {
		c.Logging.Output = DefaultLogOutput
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = DefaultMetricsAddress
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = DefaultServiceName
	}
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = DefaultSamplingRate
	}
	if c.Routing.MatchTimeout == 0 {
		c.Routing.MatchTimeout = Duration(DefaultMatchTimeout)
	}
	if cb := c.Dispatch.CircuitBreaker; cb != nil {
		if cb.Threshold == 0 {
			cb.Threshold = DefaultBreakerThreshold
		}
		if cb.Timeout == 0 {
			cb.Timeout = Duration(DefaultBreakerTimeout)
		}
	}
}

// Rules converts the backend list into router rules, preserving order.
func (c *Config) Rules() []router.Rule {
	rules := make([]router.Rule, 0, len(c.Backends))
	for _, b := range c.Backends {
		rules = append(rules, b.Rule())
	}
	return rules
}

// Rule converts the backend entry into a router rule.
func (b BackendConfig) Rule() router.Rule {
	return router.Rule{Pattern: b.Pattern, Address: b.Address, Port: b.Port}
}

// CircuitBreakerEnabled reports whether dispatch circuit breaking is on.
func (c *Config) CircuitBreakerEnabled() bool {
	return c.Dispatch.CircuitBreaker != nil && c.Dispatch.CircuitBreaker.Enabled
}
