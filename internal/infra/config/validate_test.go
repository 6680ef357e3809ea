package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := Defaults()
	cfg.Gateway.Token = "tok"
	return cfg
}

func TestValidateDefaultsWithTokenPass(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing token", func(c *Config) { c.Gateway.Token = "" }, "gateway.token"},
		{"bad base url", func(c *Config) { c.Gateway.APIBaseURL = "not a url" }, "gateway.api_base_url"},
		{"bad direct url", func(c *Config) { c.Gateway.URL = "://" }, "gateway.url"},
		{"version", func(c *Config) { c.Gateway.APIVersion = 0 }, "gateway.api_version"},
		{"encoding", func(c *Config) { c.Gateway.Encoding = "etf" }, "gateway.encoding"},
		{"intents", func(c *Config) { c.Gateway.Intents = []string{"nope"} }, "gateway.intents"},
		{"jitter", func(c *Config) { c.Gateway.JitterDivisor = 0 }, "gateway.jitter_divisor"},
		{"handshake", func(c *Config) { c.Gateway.HandshakeTimeout = 0 }, "gateway.handshake_timeout"},
		{"read limit", func(c *Config) { c.Gateway.ReadLimit = 10 }, "gateway.read_limit"},
		{"missed acks", func(c *Config) { c.Gateway.MaxMissedAcks = -1 }, "gateway.max_missed_acks"},
		{"dispatch", func(c *Config) { c.Gateway.DispatchTimeout = 0 }, "gateway.dispatch_timeout"},
		{"rate", func(c *Config) { c.Gateway.CommandRate = 0 }, "gateway.command_rate"},
		{"min delay", func(c *Config) { c.Reconnect.MinDelay = 0 }, "reconnect.min_delay"},
		{"max delay", func(c *Config) { c.Reconnect.MaxDelay = time.Millisecond }, "reconnect.max_delay"},
		{"factor", func(c *Config) { c.Reconnect.Factor = 0.5 }, "reconnect.factor"},
		{"breaker", func(c *Config) { c.Reconnect.MaxConsecutiveFailures = 0 }, "reconnect.max_consecutive_failures"},
		{"store driver", func(c *Config) { c.Store.Driver = "redis" }, "store.driver"},
		{"sqlite path", func(c *Config) { c.Store.Driver = "sqlite"; c.Store.Path = "" }, "store.path"},
		{"store key", func(c *Config) { c.Store.Key = "" }, "store.key"},
		{"log format", func(c *Config) { c.Logger.Format = "xml" }, "logger.format"},
		{"exporter", func(c *Config) { c.Tracer.Enabled = true; c.Tracer.Exporter = "jaeger" }, "tracer.exporter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			assertContains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateDirectURLSkipsBaseURL(t *testing.T) {
	cfg := validConfig()
	cfg.Gateway.APIBaseURL = ""
	cfg.Gateway.URL = "wss://gateway.example"
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateMultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Gateway.Token = ""
	cfg.Gateway.APIVersion = -1
	cfg.Store.Driver = "bogus"

	err := Validate(cfg)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
	if len(ve.Errors) != 3 {
		t.Errorf("got %d errors, want 3: %v", len(ve.Errors), ve.Errors)
	}
}

func TestValidationErrorFormat(t *testing.T) {
	ve := &ValidationError{}
	ve.Add("field %s is bad", "x")
	ve.Add("field y is bad")
	want := "config validation failed:\n  - field x is bad\n  - field y is bad"
	if ve.Error() != want {
		t.Errorf("Error() = %q, want %q", ve.Error(), want)
	}
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}
