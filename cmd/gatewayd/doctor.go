package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gatewaykit/internal/adapter/resolver"
	"gatewaykit/internal/adapter/store"
	"gatewaykit/internal/domain"
	"gatewaykit/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

func runDoctor() error {
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)
	if cfgErr != nil {
		cfg = nil
	}

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Token", Fn: checkToken},
		{Name: "Intents", Fn: checkIntents},
		{Name: "Endpoint", Fn: checkEndpoint},
		{Name: "Session store", Fn: checkStore},
	}

	fmt.Println("gatewayd doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name
		fmt.Printf("  [%s] %s: %s\n", result.Status, result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}
		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func notLoaded() CheckResult {
	return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
}

func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		_, statErr := os.Stat(cfgPath)
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Fix config.yaml or the GATEWAYKIT_* environment",
			}
		}
		if os.IsNotExist(statErr) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no file at %s, using defaults and environment", cfgPath),
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("config loaded from %s", cfgPath)}
	}
}

func checkToken(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if cfg.Gateway.Token == "" {
		return CheckResult{
			Status:  StatusFail,
			Message: "no token configured",
			Fix:     "Set gateway.token or GATEWAYKIT_TOKEN",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("token set (%d chars)", len(cfg.Gateway.Token))}
}

func checkIntents(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	bits, err := config.ParseIntents(cfg.Gateway.Intents)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error(), Fix: "Run 'gatewayd intents' for valid names"}
	}
	if bits == 0 {
		return CheckResult{Status: StatusWarn, Message: "no intents, only READY and lifecycle dispatches will arrive"}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s = %d", strings.Join(cfg.Gateway.Intents, ","), bits)}
}

func checkEndpoint(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if cfg.Gateway.URL != "" {
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("fixed URL %s, lookup skipped", cfg.Gateway.URL)}
	}
	r := resolver.New(resolver.Config{
		BaseURL:  cfg.Gateway.APIBaseURL,
		Version:  cfg.Gateway.APIVersion,
		Token:    cfg.Gateway.Token,
		RetryMax: 1,
		Timeout:  5 * time.Second,
	}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	url, err := r.Resolve(ctx, cfg.Gateway.Privileged)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("lookup failed: %v", err),
			Fix:     "Check gateway.api_base_url, network access and the token",
		}
	}
	return CheckResult{Status: StatusPass, Message: "gateway at " + url}
}

func checkStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	s, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error(), Fix: "Check store.driver and store.path"}
	}
	defer s.Close()

	rec, err := s.Load(context.Background(), cfg.Store.Key)
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s store ready, no saved session", cfg.Store.Driver)}
	case err != nil:
		return CheckResult{Status: StatusFail, Message: err.Error()}
	default:
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("saved session %s at seq %d (%s)", rec.SessionID, rec.LastSeq, rec.UpdatedAt.Format(time.RFC3339)),
		}
	}
}
