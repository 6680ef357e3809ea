package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatewaykit/internal/domain"
)

func newResolver(t *testing.T, h http.HandlerFunc) *Resolver {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/api/", Version: 10, Token: "secret", RetryMax: 2}, nil)
}

func TestResolvePublic(t *testing.T) {
	r := newResolver(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/api/v10/gateway", req.URL.Path)
		assert.Empty(t, req.Header.Get("Authorization"))
		w.Write([]byte(`{"url":"wss://gateway.example"}`))
	})

	url, err := r.Resolve(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "wss://gateway.example", url)
}

func TestResolvePrivileged(t *testing.T) {
	r := newResolver(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/api/v10/gateway/bot", req.URL.Path)
		assert.Equal(t, "Bot secret", req.Header.Get("Authorization"))
		w.Write([]byte(`{"url":"wss://bot.example","shards":1}`))
	})

	url, err := r.Resolve(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "wss://bot.example", url)
}

func TestResolveRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	r := newResolver(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"url":"wss://gateway.example"}`))
	})
	r.client.RetryWaitMin = 0
	r.client.RetryWaitMax = 0

	url, err := r.Resolve(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "wss://gateway.example", url)
	assert.Equal(t, int32(2), calls.Load())
}

func TestResolveFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"unauthorized", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, `{"message":"401: Unauthorized"}`, http.StatusUnauthorized)
		}},
		{"malformed body", func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"url":`))
		}},
		{"missing url", func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{}`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newResolver(t, tt.handler)
			_, err := r.Resolve(context.Background(), true)
			assert.ErrorIs(t, err, domain.ErrResolution)
		})
	}
}

func TestResolveUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	r := New(Config{BaseURL: base, Version: 10, RetryMax: 1}, nil)
	r.client.RetryWaitMin = 0
	r.client.RetryWaitMax = 0

	_, err := r.Resolve(context.Background(), false)
	assert.ErrorIs(t, err, domain.ErrResolution)
}
