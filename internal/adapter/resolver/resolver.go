// Package resolver looks up the gateway endpoint through the bootstrap HTTP API.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"gatewaykit/internal/domain"
)

const (
	defaultRetryMax     = 3
	defaultRetryWaitMin = 500 * time.Millisecond
	defaultRetryWaitMax = 5 * time.Second
	defaultTimeout      = 10 * time.Second
	maxBodyBytes        = 64 << 10
)

// Config holds resolver settings.
type Config struct {
	BaseURL    string // e.g. https://discord.com/api
	Version    int
	Token      string
	RetryMax   int
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Resolver resolves gateway URLs.
type Resolver struct {
	baseURL string
	version int
	token   string
	client  *retryablehttp.Client
	logger  *slog.Logger
}

// New creates a Resolver.
func New(cfg Config, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	retryMax := cfg.RetryMax
	if retryMax <= 0 {
		retryMax = defaultRetryMax
	}

	return &Resolver{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		version: cfg.Version,
		token:   cfg.Token,
		client: &retryablehttp.Client{
			HTTPClient:   hc,
			Logger:       logger,
			RetryWaitMin: defaultRetryWaitMin,
			RetryWaitMax: defaultRetryWaitMax,
			RetryMax:     retryMax,
			CheckRetry:   retryablehttp.DefaultRetryPolicy,
			Backoff:      retryablehttp.DefaultBackoff,
		},
		logger: logger,
	}
}

type gatewayResponse struct {
	URL string `json:"url"`
}

// Resolve returns the gateway URL. A privileged lookup uses the bot endpoint
// and sends the token.
func (r *Resolver) Resolve(ctx context.Context, privileged bool) (string, error) {
	endpoint := fmt.Sprintf("%s/v%d/gateway", r.baseURL, r.version)
	if privileged {
		endpoint += "/bot"
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", domain.NewDomainError("Resolver.Resolve", domain.ErrResolution, err.Error())
	}
	req.Header.Set("Accept", "application/json")
	if privileged {
		req.Header.Set("Authorization", "Bot "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", domain.NewDomainError("Resolver.Resolve", domain.ErrResolution, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", domain.NewDomainError("Resolver.Resolve", domain.ErrResolution, err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		return "", domain.NewDomainError("Resolver.Resolve", domain.ErrResolution,
			fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var gr gatewayResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return "", domain.NewDomainError("Resolver.Resolve", domain.ErrResolution, "parse response: "+err.Error())
	}
	if gr.URL == "" {
		return "", domain.NewDomainError("Resolver.Resolve", domain.ErrResolution, "response has no url")
	}

	r.logger.Debug("gateway endpoint resolved", "url", gr.URL, "privileged", privileged)
	return gr.URL, nil
}
