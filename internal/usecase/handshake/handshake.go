// Package handshake drives a fresh gateway connection from Hello to an
// established session, by Identify or by Resume.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gatewaykit/internal/adapter/gateway"
	"gatewaykit/internal/adapter/transport"
	"gatewaykit/internal/domain"
	"gatewaykit/internal/infra/tracer"
	"gatewaykit/internal/usecase/session"
)

const (
	defaultJitterDivisor = 20
	defaultTimeout       = 30 * time.Second
)

// Config is the identity and timing used by a handshake.
type Config struct {
	Token         string
	Properties    gateway.Properties
	Intents       uint64
	JitterDivisor int           // first heartbeat waits interval/JitterDivisor
	Timeout       time.Duration // bounds the whole procedure
}

// Result is an established session.
type Result struct {
	State session.State
	// Ready is the READY dispatch of a fresh session. Nil after a Resume.
	Ready   *gateway.Envelope
	Resumed bool
}

// Procedure runs handshakes. It holds no per-connection state.
type Procedure struct {
	cfg    Config
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a Procedure.
func New(cfg Config, logger *slog.Logger) *Procedure {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.JitterDivisor <= 0 {
		cfg.JitterDivisor = defaultJitterDivisor
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Procedure{cfg: cfg, logger: logger, sleep: sleepCtx}
}

// Run performs the handshake over a freshly dialed connection. A resumable
// state is resumed; otherwise the client identifies. The halves are left open
// on success and on failure; the caller owns closing them.
func (p *Procedure) Run(ctx context.Context, send *transport.SendHalf, recv *transport.RecvHalf, st session.State) (res Result, err error) {
	resume := st.Resumable()
	ctx, span := tracer.StartSpan(ctx, "gateway.handshake")
	span.SetAttributes(tracer.BoolAttr("gateway.resume", resume))
	defer func() {
		if err == nil {
			span.SetAttributes(tracer.StringAttr("gateway.session_id", res.State.SessionID))
		}
		tracer.Finish(span, err)
	}()

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	res, err = p.run(ctx, send, recv, st, resume)
	if err != nil && ctx.Err() != nil && parent.Err() == nil {
		err = domain.NewDomainError("Handshake", domain.ErrTimeout,
			fmt.Sprintf("not established within %s", p.cfg.Timeout))
	}
	return res, err
}

func (p *Procedure) run(ctx context.Context, send *transport.SendHalf, recv *transport.RecvHalf, st session.State, resume bool) (Result, error) {
	// AwaitHello
	env, err := recv.Receive(ctx)
	if err != nil {
		return Result{}, domain.WrapOp("Handshake.AwaitHello", err)
	}
	hello, ok := env.Payload.(gateway.Hello)
	if env.Op != gateway.OpHello || !ok {
		return Result{}, domain.NewDomainError("Handshake.AwaitHello", domain.ErrProtocolViolation,
			fmt.Sprintf("expected hello, got %s", env.Op))
	}
	st.HeartbeatInterval = hello.Interval()
	if st.HeartbeatInterval <= 0 {
		return Result{}, domain.NewDomainError("Handshake.AwaitHello", domain.ErrProtocolViolation,
			fmt.Sprintf("heartbeat interval %d", hello.HeartbeatIntervalMS))
	}

	// InitialHeartbeat
	if err := p.sleep(ctx, Jitter(st.HeartbeatInterval, p.cfg.JitterDivisor)); err != nil {
		return Result{}, domain.WrapOp("Handshake.InitialHeartbeat", err)
	}
	if err := send.Send(ctx, gateway.NewHeartbeat(st.LastSeq)); err != nil {
		return Result{}, domain.WrapOp("Handshake.InitialHeartbeat", err)
	}

	// AwaitAck
	env, err = recv.Receive(ctx)
	if err != nil {
		return Result{}, domain.WrapOp("Handshake.AwaitAck", err)
	}
	if env.Op != gateway.OpHeartbeatAck {
		return Result{}, domain.NewDomainError("Handshake.AwaitAck", domain.ErrNoAck,
			fmt.Sprintf("got %s", env.Op))
	}

	if resume {
		if err := send.Send(ctx, gateway.NewResume(p.cfg.Token, st.SessionID, st.LastSeq)); err != nil {
			return Result{}, domain.WrapOp("Handshake.Resume", err)
		}
		p.logger.Info("gateway session resuming", "session_id", st.SessionID, "seq", st.LastSeq)
		return Result{State: st, Resumed: true}, nil
	}

	if err := send.Send(ctx, gateway.NewIdentify(p.cfg.Token, p.cfg.Properties, p.cfg.Intents)); err != nil {
		return Result{}, domain.WrapOp("Handshake.Identify", err)
	}

	// AwaitReady
	env, err = recv.Receive(ctx)
	if err != nil {
		return Result{}, domain.WrapOp("Handshake.AwaitReady", err)
	}
	switch env.Op {
	case gateway.OpInvalidSession:
		return Result{}, domain.NewDomainError("Handshake.AwaitReady", domain.ErrInvalidated, "identify rejected")
	case gateway.OpDispatch:
		if ready, ok := env.Ready(); ok {
			st.Established(ready.SessionID, ready.ResumeGatewayURL)
			if seq, ok := env.Sequence(); ok {
				st.Observe(seq)
			}
			p.logger.Info("gateway session established",
				"session_id", st.SessionID,
				"heartbeat_interval", st.HeartbeatInterval,
			)
			return Result{State: st, Ready: &env}, nil
		}
	}
	name := env.EventName
	if name == "" {
		name = env.Op.String()
	}
	return Result{}, domain.NewDomainError("Handshake.AwaitReady", domain.ErrProtocolViolation,
		fmt.Sprintf("expected READY, got %s", name))
}

// Jitter returns the delay before the first heartbeat: interval/divisor,
// kept strictly between zero and interval.
func Jitter(interval time.Duration, divisor int) time.Duration {
	if interval <= 1 {
		return interval
	}
	if divisor < 1 {
		divisor = defaultJitterDivisor
	}
	d := interval / time.Duration(divisor)
	if d <= 0 {
		d = 1
	}
	if d >= interval {
		d = interval - 1
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsInvalidated reports whether err ended a handshake because the server
// rejected the session.
func IsInvalidated(err error) bool { return errors.Is(err, domain.ErrInvalidated) }
