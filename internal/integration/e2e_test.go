package integration

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"gatewaykit/internal/adapter/gateway"
	"gatewaykit/internal/adapter/loopback"
	"gatewaykit/internal/adapter/store"
	"gatewaykit/internal/infra/config"
	"gatewaykit/internal/usecase/eventbus"
	"gatewaykit/pkg/gatewayclient"
)

const token = "integration-token"

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func startLoopback(t *testing.T) (*loopback.Server, string) {
	t.Helper()
	srv := loopback.New(loopback.Options{Tokens: []string{token}, HeartbeatInterval: time.Second}, quiet())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts.URL + "/api"
}

func reconnect() config.ReconnectConfig {
	rc := config.Defaults().Reconnect
	rc.MinDelay = 5 * time.Millisecond
	rc.MaxDelay = 50 * time.Millisecond
	return rc
}

func next(t *testing.T, ch <-chan gatewayclient.Envelope) gatewayclient.Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		if !ok {
			t.Fatal("event stream closed")
		}
		return env
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return gatewayclient.Envelope{}
}

func run(t *testing.T, r *gatewayclient.Runner) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	stop := func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	}
	var once bool
	t.Cleanup(func() {
		if !once {
			stop()
		}
	})
	return func() {
		once = true
		stop()
	}
}

// Resolves the endpoint over HTTP, identifies, receives dispatches and
// survives a server-requested reconnect, persisting to sqlite throughout.
func TestE2E_ResolveIdentifyResume(t *testing.T) {
	SkipIfShort(t)
	srv, apiBase := startLoopback(t)

	cfg := config.Defaults()
	cfg.Gateway.APIBaseURL = apiBase
	sessions, err := store.Open("sqlite", filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sessions.Close() })

	bus := eventbus.New(quiet())
	t.Cleanup(bus.Close)

	r := gatewayclient.NewRunner(
		gatewayclient.Credentials{Token: token, Privileged: true},
		1,
		gatewayclient.WithConfig(cfg.Gateway),
		gatewayclient.WithReconnect(reconnect()),
		gatewayclient.WithStore(sessions, "e2e"),
		gatewayclient.WithBus(bus),
		gatewayclient.WithLogger(quiet()),
	)
	stop := run(t, r)

	ready := next(t, r.Events())
	if ready.EventName != gateway.EventReady {
		t.Fatalf("first event = %q, want READY", ready.EventName)
	}

	ctx := NewTestContext(t, 10*time.Second)
	if err := srv.Dispatch(ctx, "MESSAGE_CREATE", map[string]string{"content": "hi"}); err != nil {
		t.Fatal(err)
	}
	msg := next(t, r.Events())
	if seq, _ := msg.Sequence(); msg.EventName != "MESSAGE_CREATE" || seq != 2 {
		t.Errorf("got %s seq %d, want MESSAGE_CREATE seq 2", msg.EventName, seq)
	}

	if err := srv.Reconnect(ctx); err != nil {
		t.Fatal(err)
	}
	if env := next(t, r.Events()); env.EventName != gateway.EventResumed {
		t.Errorf("after reconnect got %q, want RESUMED", env.EventName)
	}
	if got := srv.Metrics().SessionsTotal.Load(); got != 1 {
		t.Errorf("server saw %d sessions, want 1", got)
	}
	stop()
}

// A session checkpointed by one process is resumed by the next.
func TestE2E_SessionSurvivesRestart(t *testing.T) {
	SkipIfShort(t)
	srv, apiBase := startLoopback(t)
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	ctx := NewTestContext(t, 20*time.Second)

	newRunner := func() (*gatewayclient.Runner, io.Closer) {
		s, err := store.Open("sqlite", dbPath)
		if err != nil {
			t.Fatal(err)
		}
		cfg := config.Defaults()
		cfg.Gateway.APIBaseURL = apiBase
		return gatewayclient.NewRunner(
			gatewayclient.Credentials{Token: token},
			1,
			gatewayclient.WithConfig(cfg.Gateway),
			gatewayclient.WithReconnect(reconnect()),
			gatewayclient.WithStore(s, "bot"),
			gatewayclient.WithLogger(quiet()),
		), s
	}

	first, firstStore := newRunner()
	stop := run(t, first)
	info, _ := next(t, first.Events()).Ready()

	// Snapshot the checkpoint as a crashed process would have left it.
	peek, err := store.Open("sqlite", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer peek.Close()
	var saved bool
	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); time.Sleep(10 * time.Millisecond) {
		rec, err := peek.Load(ctx, "bot")
		if err == nil && rec.SessionID == info.SessionID {
			saved = true
			stop()
			firstStore.Close()
			if err := peek.Save(ctx, rec); err != nil {
				t.Fatal(err)
			}
			break
		}
	}
	if !saved {
		t.Fatal("session was never checkpointed")
	}

	second, secondStore := newRunner()
	t.Cleanup(func() { secondStore.Close() })
	run(t, second)
	if env := next(t, second.Events()); env.EventName != gateway.EventResumed {
		t.Fatalf("restarted runner got %q, want RESUMED", env.EventName)
	}
	if got := srv.Metrics().ResumesTotal.Load(); got != 1 {
		t.Errorf("resumes = %d, want 1", got)
	}
}

func TestE2E_LiveGateway(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	SkipIfNoLiveToken(t, cfg)
	ctx := NewTestContext(t, cfg.TestTimeout)

	gw := config.Defaults().Gateway
	gw.APIBaseURL = cfg.LiveAPIBase
	h, err := gatewayclient.Connect(ctx,
		gatewayclient.Credentials{Token: cfg.LiveToken, Privileged: true},
		1,
		gatewayclient.WithConfig(gw),
		gatewayclient.WithLogger(quiet()),
	)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	env := next(t, h.Events())
	info, ok := env.Ready()
	if !ok || info.SessionID == "" {
		t.Fatalf("first event %q is not a usable READY", env.EventName)
	}
	if info.User != nil {
		t.Logf("connected as %s, session %s", info.User.Username, info.SessionID)
	}

	out, err := h.Shutdown(ctx)
	if err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if out.Kind != gatewayclient.GracefulStop {
		t.Errorf("outcome = %v, want GracefulStop", out.Kind)
	}
}
