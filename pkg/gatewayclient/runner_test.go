package gatewayclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatewaykit/internal/adapter/gateway"
	"gatewaykit/internal/adapter/loopback"
	"gatewaykit/internal/adapter/store"
	"gatewaykit/internal/adapter/transport"
	"gatewaykit/internal/domain"
)

type runRig struct {
	runner *Runner
	cancel context.CancelFunc
	done   chan error
}

func startRunner(t *testing.T, r *Runner) *runRig {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	rig := &runRig{runner: r, cancel: cancel, done: make(chan error, 1)}
	go func() { rig.done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-rig.done
	})
	return rig
}

func (rig *runRig) stop(t *testing.T) error {
	t.Helper()
	rig.cancel()
	select {
	case err := <-rig.done:
		rig.done <- err
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
		return nil
	}
}

func TestRunnerResumesAfterReconnect(t *testing.T) {
	srv, ts := startLoopback(t, loopback.Options{})
	st := store.NewMemorySessionStore()
	r := NewRunner(creds, 1,
		WithURL(ts.URL),
		WithLogger(quietLogger()),
		WithStore(st, "bot"),
		WithReconnect(fastReconnect()),
	)
	rig := startRunner(t, r)

	ready := nextEvent(t, r.Events())
	require.Equal(t, gateway.EventReady, ready.EventName)
	info, _ := ready.Ready()

	waitFor(t, "checkpoint", func() bool {
		rec, err := st.Load(context.Background(), "bot")
		return err == nil && rec.SessionID == info.SessionID
	})

	require.NoError(t, srv.Reconnect(context.Background()))
	resumed := nextEvent(t, r.Events())
	assert.Equal(t, gateway.EventResumed, resumed.EventName)
	assert.Equal(t, int64(1), srv.Metrics().SessionsTotal.Load())

	require.NoError(t, rig.stop(t))
	_, err := st.Load(context.Background(), "bot")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, open := <-r.Events()
	assert.False(t, open)
}

func TestRunnerIdentifiesAfterInvalidation(t *testing.T) {
	srv, ts := startLoopback(t, loopback.Options{})
	r := NewRunner(creds, 1, WithURL(ts.URL), WithLogger(quietLogger()), WithReconnect(fastReconnect()))
	startRunner(t, r)

	first, _ := nextEvent(t, r.Events()).Ready()
	require.NoError(t, srv.Invalidate(context.Background(), false))

	env := nextEvent(t, r.Events())
	require.Equal(t, gateway.EventReady, env.EventName)
	second, _ := env.Ready()
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, int64(0), srv.Metrics().ResumesTotal.Load())
}

func TestRunnerRestoresStoredSession(t *testing.T) {
	srv, ts := startLoopback(t, loopback.Options{})

	h := connect(t, ts.URL)
	prev := h.State()
	_, err := h.Shutdown(context.Background())
	require.NoError(t, err)

	st := store.NewMemorySessionStore()
	require.NoError(t, st.Save(context.Background(), prev.Record("bot")))

	r := NewRunner(creds, 1,
		WithURL("ws://unused.invalid"),
		WithLogger(quietLogger()),
		WithStore(st, "bot"),
		WithReconnect(fastReconnect()),
	)
	startRunner(t, r)

	env := nextEvent(t, r.Events())
	assert.Equal(t, gateway.EventResumed, env.EventName)
	assert.Equal(t, int64(1), srv.Metrics().ResumesTotal.Load())
}

func TestRunnerSend(t *testing.T) {
	got := make(chan Envelope, 1)
	_, ts := startLoopback(t, loopback.Options{OnCommand: func(env gateway.Envelope) { got <- env }})
	r := NewRunner(creds, 1, WithURL(ts.URL), WithLogger(quietLogger()))

	err := r.Send(context.Background(), NewCommand(OpPresenceUpdate, []byte(`{}`)))
	assert.ErrorIs(t, err, domain.ErrClientClosed)

	startRunner(t, r)
	nextEvent(t, r.Events())
	require.NoError(t, r.Send(context.Background(), NewCommand(OpPresenceUpdate, []byte(`{"status":"dnd"}`))))
	select {
	case <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("command not received")
	}
}

func TestRunnerBreakerOpens(t *testing.T) {
	bus := &recordingBus{}
	dialer := transport.DialerFunc(func(context.Context, string) (transport.Conn, error) {
		return nil, domain.NewDomainError("Transport.Dial", domain.ErrTransport, "refused")
	})
	rc := fastReconnect()
	rc.MaxConsecutiveFailures = 2
	r := NewRunner(creds, 1,
		WithURL("ws://gateway.invalid"),
		WithDialer(dialer),
		WithBus(bus),
		WithLogger(quietLogger()),
		WithReconnect(rc),
	)
	rig := startRunner(t, r)

	waitFor(t, "breaker open", func() bool { return r.BreakerState() == gobreaker.StateOpen })
	waitFor(t, "breaker event", func() bool { return bus.has(domain.EventGatewayBreakerOpen) })
	require.NoError(t, rig.stop(t))
}

func TestRunnerStopsOnInvalidInput(t *testing.T) {
	r := NewRunner(Credentials{}, 1, WithURL("ws://gateway.invalid"), WithLogger(quietLogger()))
	err := r.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	err = r.Run(context.Background())
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}
