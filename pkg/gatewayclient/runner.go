package gatewayclient

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sony/gobreaker/v2"

	"gatewaykit/internal/domain"
	"gatewaykit/internal/usecase/handshake"
	"gatewaykit/internal/usecase/session"
)

// Runner keeps a session alive across disconnects. Resumable outcomes
// reconnect with Resume; anything else starts a fresh session after a backoff.
// Consecutive failed connection attempts open a circuit breaker that pauses
// attempts for the configured breaker timeout.
type Runner struct {
	creds   Credentials
	intents uint64
	opts    []Option
	o       options
	logger  *slog.Logger
	events  chan Envelope
	breaker *gobreaker.CircuitBreaker[*Handle]
	backoff *backoff.Backoff

	mu      sync.Mutex
	current *Handle
	running bool
}

// NewRunner creates a Runner. Options are passed through to every Connect.
func NewRunner(creds Credentials, intents uint64, opts ...Option) *Runner {
	o := newOptions(opts)
	r := &Runner{
		creds:   creds,
		intents: intents,
		opts:    opts,
		o:       o,
		logger:  o.logger.With("component", "runner"),
		events:  make(chan Envelope, o.eventsBuffer),
		backoff: &backoff.Backoff{
			Min:    o.reconnect.MinDelay,
			Max:    o.reconnect.MaxDelay,
			Factor: o.reconnect.Factor,
			Jitter: o.reconnect.Jitter,
		},
	}
	maxFailures := o.reconnect.MaxConsecutiveFailures
	r.breaker = gobreaker.NewCircuitBreaker[*Handle](gobreaker.Settings{
		Name:        "gateway",
		MaxRequests: 1,
		Timeout:     o.reconnect.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return maxFailures > 0 && counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("gateway circuit breaker state changed",
				"from", from.String(),
				"to", to.String(),
			)
			if to == gobreaker.StateOpen {
				r.o.bus.Publish(context.Background(), domain.NewEvent(domain.EventGatewayBreakerOpen, "",
					map[string]any{"timeout": o.reconnect.BreakerTimeout.String()}))
			}
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return r
}

// Events returns dispatches from every session the Runner establishes. The
// channel is closed when Run returns.
func (r *Runner) Events() <-chan Envelope { return r.events }

// Send writes a command on the current session.
func (r *Runner) Send(ctx context.Context, env Envelope) error {
	r.mu.Lock()
	h := r.current
	r.mu.Unlock()
	if h == nil {
		return domain.NewDomainError("Runner.Send", domain.ErrClientClosed, "not connected")
	}
	return h.Send(ctx, env)
}

// BreakerState reports the circuit breaker state.
func (r *Runner) BreakerState() gobreaker.State { return r.breaker.State() }

// Run connects and reconnects until ctx is cancelled or a connection attempt
// fails in a way retrying cannot fix. It may be called once.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return domain.NewDomainError("Runner.Run", domain.ErrInvalidInput, "already started")
	}
	r.running = true
	r.mu.Unlock()
	defer close(r.events)

	st := r.restore(ctx)
	for {
		if ctx.Err() != nil {
			return nil
		}
		h, err := r.breaker.Execute(func() (*Handle, error) {
			return Connect(ctx, r.creds, r.intents, append(r.opts[:len(r.opts):len(r.opts)], WithSession(st))...)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, domain.ErrInvalidInput) {
				return err
			}
			if handshake.IsInvalidated(err) {
				st.Reset()
				r.forget(ctx)
			}
			delay := r.backoff.Duration()
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				delay = r.o.reconnect.BreakerTimeout
			}
			r.logger.Warn("gateway connect failed", "error", err, "code", domain.ErrorCodeOf(err), "delay", delay)
			if !sleepCtx(ctx, delay) {
				return nil
			}
			continue
		}

		r.backoff.Reset()
		r.setCurrent(h)
		r.checkpoint(ctx, h.State())
		out := r.pump(ctx, h)
		r.setCurrent(nil)
		st = out.State

		switch {
		case ctx.Err() != nil || out.Kind == GracefulStop:
			// A normal closure ends the session on the server as well.
			r.forget(context.WithoutCancel(ctx))
			return nil
		case out.CanResume():
			r.checkpoint(ctx, st)
			r.logger.Info("gateway session resuming", "outcome", out.String(), "session_id", st.SessionID)
		default:
			st.Reset()
			r.forget(ctx)
			delay := r.backoff.Duration()
			r.logger.Warn("gateway session lost", "outcome", out.String(), "delay", delay)
			if !sleepCtx(ctx, delay) {
				return nil
			}
		}
	}
}

// pump forwards the events of h until its session ends or ctx is cancelled.
func (r *Runner) pump(ctx context.Context, h *Handle) Outcome {
	in := h.Events()
	for {
		select {
		case env, ok := <-in:
			if !ok {
				return h.Wait()
			}
			select {
			case r.events <- env:
			case <-ctx.Done():
				return r.stop(h)
			}
		case <-ctx.Done():
			return r.stop(h)
		}
	}
}

func (r *Runner) stop(h *Handle) Outcome {
	out, _ := h.Shutdown(context.Background())
	return out
}

func (r *Runner) setCurrent(h *Handle) {
	r.mu.Lock()
	r.current = h
	r.mu.Unlock()
}

func (r *Runner) restore(ctx context.Context) State {
	if r.o.session != nil {
		return *r.o.session
	}
	if r.o.store == nil {
		return State{}
	}
	rec, err := r.o.store.Load(ctx, r.o.storeKey)
	if err != nil {
		if !errors.Is(err, domain.ErrSessionNotFound) {
			r.logger.Warn("session restore failed", "error", err)
		}
		return State{}
	}
	r.logger.Info("session restored", "session_id", rec.SessionID, "seq", rec.LastSeq)
	return session.FromRecord(rec)
}

func (r *Runner) checkpoint(ctx context.Context, st State) {
	if r.o.store == nil || !st.Resumable() {
		return
	}
	if err := r.o.store.Save(ctx, st.Record(r.o.storeKey)); err != nil {
		r.logger.Warn("session checkpoint failed", "error", err)
	}
}

func (r *Runner) forget(ctx context.Context) {
	if r.o.store == nil {
		return
	}
	if err := r.o.store.Delete(ctx, r.o.storeKey); err != nil {
		r.logger.Warn("session delete failed", "error", err)
	}
}

// sleepCtx waits d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
