package config

import (
	"fmt"
	"strings"

	"github.com/vyrodovalexey/sniroute/internal/observability"
	"github.com/vyrodovalexey/sniroute/internal/router"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates router configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// ValidateConfig validates a router configuration.
func ValidateConfig(config *Config) error {
	return NewValidator().Validate(config)
}

// Validate validates the configuration and returns every problem found.
func (v *Validator) Validate(config *Config) error {
	v.errors = make(ValidationErrors, 0)

	if config == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateLogging(&config.Logging)
	v.validateMetrics(&config.Metrics)
	v.validateTracing(&config.Tracing)
	v.validateRouting(&config.Routing)
	v.validateDispatch(&config.Dispatch)
	v.validateBackends(config.Backends)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateLogging(cfg *LoggingConfig) {
	if cfg.Level != "" && !observability.ValidLogLevel(cfg.Level) {
		v.addError("logging.level", fmt.Sprintf("invalid log level %q", cfg.Level))
	}
	switch cfg.Format {
	case "", "json", "console":
	default:
		v.addError("logging.format", fmt.Sprintf("invalid log format %q, must be json or console", cfg.Format))
	}
}

func (v *Validator) validateMetrics(cfg *MetricsConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.Address == "" {
		v.addError("metrics.address", "address is required when metrics are enabled")
	}
	if cfg.Path != "" && !strings.HasPrefix(cfg.Path, "/") {
		v.addError("metrics.path", "path must start with /")
	}
}

func (v *Validator) validateTracing(cfg *TracingConfig) {
	if cfg.SamplingRate < 0 || cfg.SamplingRate > 1 {
		v.addError("tracing.samplingRate", "sampling rate must be between 0 and 1")
	}
}

func (v *Validator) validateRouting(cfg *RoutingConfig) {
	if cfg.MatchTimeout < 0 {
		v.addError("routing.matchTimeout", "match timeout cannot be negative")
	}
}

func (v *Validator) validateDispatch(cfg *DispatchConfig) {
	if cfg.ConnectTimeout < 0 {
		v.addError("dispatch.connectTimeout", "connect timeout cannot be negative")
	}

	cb := cfg.CircuitBreaker
	if cb == nil || !cb.Enabled {
		return
	}
	if cb.Threshold < 1 {
		v.addError("dispatch.circuitBreaker.threshold", "threshold must be at least 1")
	}
	if cb.Timeout < 0 {
		v.addError("dispatch.circuitBreaker.timeout", "timeout cannot be negative")
	}
}

func (v *Validator) validateBackends(backends []BackendConfig) {
	for i, b := range backends {
		path := fmt.Sprintf("backends[%d]", i)

		if err := router.ValidateRule(b.Rule()); err != nil {
			v.addError(path, err.Error())
		}
		if b.Port < 1 || b.Port > 65535 {
			v.addError(path+".port", fmt.Sprintf("port %d must be between 1 and 65535", b.Port))
		}
	}
}

// addError adds a validation error.
func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{
		Path:    path,
		Message: message,
	})
}
