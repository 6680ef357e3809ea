// Package gatewayclient connects to a push gateway and exposes a running
// session as a channel of dispatches plus a command sender.
//
// Example:
//
//	h, err := gatewayclient.Connect(ctx, gatewayclient.Credentials{Token: token}, intents)
//	if err != nil {
//	    return err
//	}
//	for env := range h.Events() {
//	    log.Println(env.EventName)
//	}
//	out := h.Wait()
//	if out.CanResume() {
//	    h, err = gatewayclient.Connect(ctx, creds, intents, gatewayclient.WithSession(out.State))
//	}
package gatewayclient

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"gatewaykit/internal/adapter/gateway"
	"gatewaykit/internal/adapter/resolver"
	"gatewaykit/internal/adapter/transport"
	"gatewaykit/internal/domain"
	"gatewaykit/internal/infra/tracer"
	"gatewaykit/internal/usecase/handshake"
	"gatewaykit/internal/usecase/session"
	"gatewaykit/internal/usecase/supervisor"
)

type (
	// Envelope is one gateway frame.
	Envelope = gateway.Envelope
	// Opcode identifies the role of an Envelope.
	Opcode = gateway.Opcode
	// State is what a later connection needs to Resume.
	State = session.State
	// Outcome is why a session ended.
	Outcome = supervisor.Outcome
	// Kind classifies an Outcome.
	Kind = supervisor.Kind
)

const (
	GracefulStop    = supervisor.GracefulStop
	ResumeRequested = supervisor.ResumeRequested
	Invalidated     = supervisor.Invalidated
	ProtocolError   = supervisor.ProtocolError
	TransportError  = supervisor.TransportError
)

// Opcodes accepted by Handle.Send.
const (
	OpPresenceUpdate      = gateway.OpPresenceUpdate
	OpVoiceStateUpdate    = gateway.OpVoiceStateUpdate
	OpRequestGuildMembers = gateway.OpRequestGuildMembers
)

// NewCommand builds a command envelope from a raw JSON payload.
func NewCommand(op Opcode, raw []byte) Envelope { return gateway.NewCommand(op, raw) }

// Handle is a live session. The connection belongs to a background
// supervisor; the handle only talks to it through channels.
type Handle struct {
	attempt  string
	events   chan Envelope
	commands chan supervisor.Command
	limiter  *rate.Limiter
	cancel   context.CancelFunc
	done     chan struct{}

	mu      sync.Mutex
	state   State
	outcome Outcome
}

// Connect resolves the endpoint, dials it and performs the handshake. On
// success the session runs in the background until Shutdown or until the
// server ends it. ctx bounds connecting only.
func Connect(ctx context.Context, creds Credentials, intents uint64, opts ...Option) (h *Handle, err error) {
	o := newOptions(opts)
	if creds.Token == "" {
		return nil, domain.NewDomainError("Connect", domain.ErrInvalidInput, "token is required")
	}

	st := State{}
	if o.session != nil {
		st = *o.session
	}
	resume := st.Resumable()
	attempt := newAttemptID(time.Now())
	logger := o.logger.With("attempt", attempt)

	ctx, span := tracer.StartSpan(ctx, "gateway.connect")
	span.SetAttributes(
		tracer.StringAttr("gateway.attempt", attempt),
		tracer.BoolAttr("gateway.resume", resume),
	)
	defer func() { tracer.Finish(span, err) }()

	o.bus.Publish(ctx, domain.NewEvent(domain.EventGatewayConnecting, st.SessionID,
		map[string]any{"attempt": attempt, "resume": resume}))

	base, err := o.endpoint(ctx, creds, st)
	if err != nil {
		return nil, err
	}
	target, err := transport.ConnectURL(base, o.apiVersion, o.encoding)
	if err != nil {
		return nil, err
	}
	logger.Debug("gateway dialing", "resume", resume)
	conn, err := o.dialer.Dial(ctx, target)
	if err != nil {
		return nil, err
	}
	send, recv := transport.Split(conn)

	proc := handshake.New(handshake.Config{
		Token:         creds.Token,
		Properties:    o.properties,
		Intents:       intents,
		JitterDivisor: o.jitterDivisor,
		Timeout:       o.handshakeTimeout,
	}, logger)
	res, err := proc.Run(ctx, send, recv, st)
	if err != nil {
		code := transport.StatusNormalClosure
		if resume {
			code = transport.StatusReconnect
		}
		_ = send.Close(code, "handshake failed")
		logger.Warn("gateway handshake failed", "error", err, "code", domain.ErrorCodeOf(err))
		return nil, err
	}

	h = &Handle{
		attempt:  attempt,
		events:   make(chan Envelope, o.eventsBuffer),
		commands: make(chan supervisor.Command),
		limiter:  newLimiter(o.commandRate, o.commandPer),
		done:     make(chan struct{}),
		state:    res.State,
	}
	if res.Ready != nil {
		h.events <- *res.Ready
		o.bus.Publish(ctx, domain.NewEvent(domain.EventGatewayReady, res.State.SessionID,
			map[string]any{"attempt": attempt, "seq": res.State.LastSeq}))
	} else {
		o.bus.Publish(ctx, domain.NewEvent(domain.EventGatewayResumed, res.State.SessionID,
			map[string]any{"attempt": attempt, "seq": res.State.LastSeq}))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancel = cancel
	go h.supervise(runCtx, supervisor.Config{
		MaxMissedAcks:   o.maxMissedAcks,
		DispatchTimeout: o.dispatchTimeout,
	}, supervisor.Params{
		State:    res.State,
		Send:     send,
		Recv:     recv,
		Events:   h.events,
		Commands: h.commands,
		Bus:      o.bus,
		Logger:   logger,
	})
	return h, nil
}

func (h *Handle) supervise(ctx context.Context, cfg supervisor.Config, p supervisor.Params) {
	defer h.cancel()
	out := supervisor.Run(ctx, cfg, p)
	h.mu.Lock()
	h.outcome = out
	h.state = out.State
	h.mu.Unlock()
	close(h.events)
	close(h.done)
}

// Attempt returns the ID that tags this connection in logs and spans.
func (h *Handle) Attempt() string { return h.attempt }

// Events returns the dispatches of the session in arrival order, READY first
// on a fresh session. The channel is closed when the session ends.
func (h *Handle) Events() <-chan Envelope { return h.events }

// Send writes an application command. Only presence updates, voice state
// updates and guild member requests are accepted. Sends are rate limited.
func (h *Handle) Send(ctx context.Context, env Envelope) error {
	if !env.Op.IsCommand() {
		return domain.NewDomainError("Handle.Send", domain.ErrCommandNotAllowed, env.Op.String())
	}
	select {
	case <-h.done:
		return domain.NewDomainError("Handle.Send", domain.ErrClientClosed, "")
	default:
	}
	if err := h.limiter.Wait(ctx); err != nil {
		return domain.WrapOp("Handle.Send", err)
	}

	result := make(chan error, 1)
	select {
	case h.commands <- supervisor.Command{Env: env, Result: result}:
	case <-h.done:
		return domain.NewDomainError("Handle.Send", domain.ErrClientClosed, "")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the session and waits until the connection is closed. It is
// safe to call more than once and after the session ended on its own; every
// call reports the same Outcome. An error is returned only if ctx expires
// first.
func (h *Handle) Shutdown(ctx context.Context) (Outcome, error) {
	h.cancel()
	select {
	case <-h.done:
		return h.Wait(), nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Wait blocks until the session ends and returns its Outcome.
func (h *Handle) Wait() Outcome {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome
}

// Done is closed when the session has ended.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Outcome returns the result once the session has ended.
func (h *Handle) Outcome() (Outcome, bool) {
	select {
	case <-h.done:
		return h.Wait(), true
	default:
		return Outcome{}, false
	}
}

// State returns the session state as of establishment, or the final state
// once the session has ended. After an outcome that cannot resume it is the
// zero State, so passing it to WithSession identifies afresh.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (o *options) endpoint(ctx context.Context, creds Credentials, st State) (string, error) {
	if st.Resumable() && st.ResumeURL != "" {
		return st.ResumeURL, nil
	}
	if o.url != "" {
		return o.url, nil
	}
	r := o.resolver
	if r == nil {
		r = resolver.New(resolver.Config{
			BaseURL: o.apiBaseURL,
			Version: o.apiVersion,
			Token:   creds.Token,
		}, o.logger)
	}
	return r.Resolve(ctx, creds.Privileged)
}

func newLimiter(n int, per time.Duration) *rate.Limiter {
	if n <= 0 || per <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(per/time.Duration(n)), n)
}

func newAttemptID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
