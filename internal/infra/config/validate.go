package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateGateway(cfg, ve)
	validateReconnect(cfg, ve)
	validateStore(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	if g.Token == "" {
		ve.Add("gateway.token is required")
	}
	if g.URL != "" {
		if u, err := url.Parse(g.URL); err != nil || u.Host == "" {
			ve.Add("gateway.url %q is not a valid URL", g.URL)
		}
	} else if u, err := url.Parse(g.APIBaseURL); err != nil || u.Host == "" {
		ve.Add("gateway.api_base_url %q is not a valid URL", g.APIBaseURL)
	}
	if g.APIVersion <= 0 {
		ve.Add("gateway.api_version must be positive")
	}
	if g.Encoding != "json" {
		ve.Add("gateway.encoding %q is not supported (only \"json\")", g.Encoding)
	}
	if _, err := ParseIntents(g.Intents); err != nil {
		ve.Add("gateway.intents: %v", err)
	}
	if g.JitterDivisor < 1 {
		ve.Add("gateway.jitter_divisor must be >= 1")
	}
	if g.HandshakeTimeout <= 0 {
		ve.Add("gateway.handshake_timeout must be positive")
	}
	if g.WriteTimeout <= 0 {
		ve.Add("gateway.write_timeout must be positive")
	}
	if g.ReadLimit < 4096 {
		ve.Add("gateway.read_limit must be at least 4096 bytes")
	}
	if g.MaxMissedAcks < 0 {
		ve.Add("gateway.max_missed_acks must not be negative")
	}
	if g.DispatchTimeout <= 0 {
		ve.Add("gateway.dispatch_timeout must be positive")
	}
	if g.EventsBuffer < 0 {
		ve.Add("gateway.events_buffer must not be negative")
	}
	if g.CommandRate <= 0 || g.CommandPer <= 0 {
		ve.Add("gateway.command_rate and gateway.command_per must be positive")
	}
}

func validateReconnect(cfg *Config, ve *ValidationError) {
	r := cfg.Reconnect
	if r.MinDelay <= 0 {
		ve.Add("reconnect.min_delay must be positive")
	}
	if r.MaxDelay < r.MinDelay {
		ve.Add("reconnect.max_delay must be >= reconnect.min_delay")
	}
	if r.Factor < 1 {
		ve.Add("reconnect.factor must be >= 1")
	}
	if r.MaxConsecutiveFailures == 0 {
		ve.Add("reconnect.max_consecutive_failures must be positive")
	}
	if r.BreakerTimeout <= 0 {
		ve.Add("reconnect.breaker_timeout must be positive")
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	switch cfg.Store.Driver {
	case "memory":
	case "sqlite":
		if cfg.Store.Path == "" {
			ve.Add("store.path is required for the sqlite driver")
		}
	default:
		ve.Add("store.driver %q is invalid (memory, sqlite)", cfg.Store.Driver)
	}
	if cfg.Store.Key == "" {
		ve.Add("store.key is required")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is invalid (text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (noop, stdout)", cfg.Tracer.Exporter)
	}
}
