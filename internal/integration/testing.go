// Package integration runs the gateway client end to end, against the
// loopback server and, when a token is provided, against the live gateway.
package integration

import (
	"context"
	"os"
	"testing"
	"time"
)

// Config holds integration test settings from the environment.
type Config struct {
	LiveToken   string // GATEWAYKIT_LIVE_TOKEN
	LiveAPIBase string // GATEWAYKIT_LIVE_API_BASE_URL, default https://discord.com/api
	TestTimeout time.Duration
}

// LoadConfig reads the integration settings.
func LoadConfig() *Config {
	cfg := &Config{
		LiveToken:   os.Getenv("GATEWAYKIT_LIVE_TOKEN"),
		LiveAPIBase: os.Getenv("GATEWAYKIT_LIVE_API_BASE_URL"),
		TestTimeout: 30 * time.Second,
	}
	if cfg.LiveAPIBase == "" {
		cfg.LiveAPIBase = "https://discord.com/api"
	}
	return cfg
}

// SkipIfNoLiveToken skips tests that talk to the real gateway.
func SkipIfNoLiveToken(t *testing.T, cfg *Config) {
	t.Helper()
	if cfg.LiveToken == "" {
		t.Skip("Skipping live gateway test: GATEWAYKIT_LIVE_TOKEN not set")
	}
}

// SkipIfShort skips integration tests in short mode.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout that ends with the test.
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
