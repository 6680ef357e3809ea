// Package supervisor runs an established gateway session: heartbeats,
// inbound frame handling and application commands, until the session ends.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gatewaykit/internal/adapter/gateway"
	"gatewaykit/internal/adapter/transport"
	"gatewaykit/internal/domain"
	"gatewaykit/internal/usecase/session"
)

const defaultDispatchTimeout = 30 * time.Second

// Config tunes liveness and delivery.
type Config struct {
	// MaxMissedAcks ends the loop once this many heartbeats in a row went
	// unacknowledged. Zero disables the check.
	MaxMissedAcks   int
	DispatchTimeout time.Duration
}

// Command is an application frame to be written by the loop. The write
// result is delivered on Result, which must have room for one value.
type Command struct {
	Env    gateway.Envelope
	Result chan<- error
}

// Params is what the loop takes ownership of.
type Params struct {
	State    session.State
	Send     *transport.SendHalf
	Recv     *transport.RecvHalf
	Events   chan<- gateway.Envelope
	Commands <-chan Command
	Bus      domain.EventBus
	Logger   *slog.Logger
}

type inbound struct {
	env gateway.Envelope
	err error
}

type loop struct {
	cfg      Config
	state    session.State
	send     *transport.SendHalf
	recv     *transport.RecvHalf
	events   chan<- gateway.Envelope
	commands <-chan Command
	bus      domain.EventBus
	logger   *slog.Logger
	unacked  int
}

// Run supervises the session until it ends and returns why. Both transport
// halves are closed before Run returns. Cancelling ctx stops the loop with
// GracefulStop.
func Run(ctx context.Context, cfg Config, p Params) Outcome {
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = defaultDispatchTimeout
	}
	l := &loop{
		cfg:      cfg,
		state:    p.State,
		send:     p.Send,
		recv:     p.Recv,
		events:   p.Events,
		commands: p.Commands,
		bus:      p.Bus,
		logger:   p.Logger,
	}
	if l.bus == nil {
		l.bus = domain.NoopBus{}
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With("session_id", l.state.SessionID)
	return l.run(ctx)
}

func (l *loop) run(ctx context.Context) (out Outcome) {
	// The reader outlives ctx until the connection is closed with the right
	// status code.
	readCtx, cancelRead := context.WithCancel(context.WithoutCancel(ctx))
	frames := make(chan inbound)
	next := make(chan struct{}, 1)
	readerDone := make(chan struct{})
	go l.read(readCtx, frames, next, readerDone)

	timer := time.NewTimer(l.state.HeartbeatInterval)

	// A dispatch waiting for the consumer sits in pending while events is
	// non-nil. Heartbeats, acks and commands keep flowing meanwhile; the
	// next other frame or read error is held so arrival order is kept.
	var (
		pending gateway.Envelope
		events  chan<- gateway.Envelope
		held    *inbound
		expiry  *time.Timer
		expired <-chan time.Time
	)

	defer func() {
		timer.Stop()
		if expiry != nil {
			expiry.Stop()
		}
		code := transport.StatusNormalClosure
		if out.CanResume() {
			code = transport.StatusReconnect
		}
		if err := l.send.Close(code, out.Kind.String()); err != nil {
			l.logger.Debug("gateway close", "error", err)
		}
		cancelRead()
		<-readerDone
		l.logger.Info("gateway loop stopped", "outcome", out.String(), "seq", l.state.LastSeq)
		l.bus.Publish(context.WithoutCancel(ctx), domain.NewEvent(domain.EventGatewayDisconnected, l.state.SessionID,
			map[string]any{"outcome": out.Kind.String(), "seq": l.state.LastSeq, "can_resume": out.CanResume()}))
		// The server no longer honours these identifiers.
		if !out.CanResume() {
			l.state.Reset()
		}
		out.State = l.state
	}()

	// accept handles one read result and parks a dispatch in pending.
	accept := func(in inbound) (Outcome, bool) {
		if in.err != nil {
			return l.readFailed(ctx, in.err), true
		}
		env := in.env
		o, done, rearm := l.handle(ctx, env)
		if done {
			return o, true
		}
		if rearm {
			timer.Reset(l.state.HeartbeatInterval)
		}
		if env.Op == gateway.OpDispatch {
			pending, events = env, l.events
			expiry = time.NewTimer(l.cfg.DispatchTimeout)
			expired = expiry.C
		}
		return Outcome{}, false
	}

	next <- struct{}{}
	for {
		select {
		case <-ctx.Done():
			return stopped()

		case <-timer.C:
			if o, done := l.heartbeatDue(ctx); done {
				return o
			}
			timer.Reset(l.state.HeartbeatInterval)

		case in := <-frames:
			if events != nil && (in.err != nil || !isControl(in.env.Op)) {
				held = &in
				continue
			}
			if o, done := accept(in); done {
				return o
			}
			next <- struct{}{}

		case events <- pending:
			events, expired = nil, nil
			expiry.Stop()
			if held != nil {
				in := *held
				held = nil
				if o, done := accept(in); done {
					return o
				}
				next <- struct{}{}
			}

		case <-expired:
			return protocolError(domain.NewDomainError("Supervisor.Dispatch", domain.ErrChannelClosed,
				fmt.Sprintf("%s not consumed within %s", pending.EventName, l.cfg.DispatchTimeout)))

		case cmd := <-l.commands:
			err := l.send.Send(ctx, cmd.Env)
			if cmd.Result != nil {
				cmd.Result <- err
			}
			if err != nil && !errors.Is(err, domain.ErrEncode) {
				if ctx.Err() != nil {
					return stopped()
				}
				return transportError(err)
			}
		}
	}
}

// read receives one frame per token on next, in arrival order.
func (l *loop) read(ctx context.Context, frames chan<- inbound, next <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-next:
		case <-ctx.Done():
			return
		}
		env, err := l.recv.Receive(ctx)
		select {
		case frames <- inbound{env: env, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (l *loop) heartbeatDue(ctx context.Context) (Outcome, bool) {
	if l.unacked > 0 {
		l.logger.Warn("gateway heartbeat not acknowledged", "unacked", l.unacked)
		l.bus.Publish(ctx, domain.NewEvent(domain.EventGatewayHeartbeatMiss, l.state.SessionID,
			map[string]int{"unacked": l.unacked}))
		if l.cfg.MaxMissedAcks > 0 && l.unacked >= l.cfg.MaxMissedAcks {
			return transportError(domain.NewDomainError("Supervisor.Heartbeat", domain.ErrHeartbeatTimeout,
				fmt.Sprintf("%d heartbeats unacknowledged", l.unacked))), true
		}
	}
	if o, failed := l.heartbeat(ctx); failed {
		return o, true
	}
	l.unacked++
	return Outcome{}, false
}

func (l *loop) heartbeat(ctx context.Context) (Outcome, bool) {
	if err := l.send.Send(ctx, gateway.NewHeartbeat(l.state.LastSeq)); err != nil {
		if ctx.Err() != nil {
			return stopped(), true
		}
		return transportError(domain.WrapOp("Supervisor.Heartbeat", err)), true
	}
	l.logger.Debug("gateway heartbeat sent", "seq", l.state.LastSeq)
	return Outcome{}, false
}

// handle processes one inbound frame. rearm reports whether the heartbeat
// timer starts over.
func (l *loop) handle(ctx context.Context, env gateway.Envelope) (out Outcome, done, rearm bool) {
	if seq, ok := env.Sequence(); ok {
		l.state.Observe(seq)
	}

	switch env.Op {
	case gateway.OpHeartbeatAck:
		l.unacked = 0
		return Outcome{}, false, false

	case gateway.OpDispatch:
		if env.EventName == gateway.EventResumed {
			l.logger.Info("gateway session resumed", "seq", l.state.LastSeq)
		}
		return Outcome{}, false, false

	case gateway.OpHeartbeat:
		if o, failed := l.heartbeat(ctx); failed {
			return o, true, false
		}
		return Outcome{}, false, true

	case gateway.OpReconnect:
		return Outcome{Kind: ResumeRequested, Seq: l.state.LastSeq}, true, false

	case gateway.OpInvalidSession:
		if inv, ok := env.Payload.(gateway.InvalidSession); ok && inv.Resumable {
			return Outcome{Kind: ResumeRequested, Seq: l.state.LastSeq}, true, false
		}
		l.bus.Publish(ctx, domain.NewEvent(domain.EventGatewayInvalidated, l.state.SessionID, nil))
		return Outcome{Kind: Invalidated}, true, false

	default:
		return protocolError(domain.NewDomainError("Supervisor.Handle", domain.ErrProtocolViolation,
			fmt.Sprintf("unexpected %s", env.Op))), true, false
	}
}

// isControl reports whether op is handled even while a dispatch awaits its
// consumer.
func isControl(op gateway.Opcode) bool {
	return op == gateway.OpHeartbeatAck || op == gateway.OpHeartbeat
}

func (l *loop) readFailed(ctx context.Context, err error) Outcome {
	switch {
	case ctx.Err() != nil:
		return stopped()
	case errors.Is(err, domain.ErrDecode):
		return protocolError(err)
	default:
		return transportError(domain.WrapOp("Supervisor.Receive", err))
	}
}
