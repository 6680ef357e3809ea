// Package loopback is a local gateway server speaking the client protocol:
// Hello, heartbeat acks, Identify to READY, Resume to RESUMED, plus the HTTP
// endpoint lookup. It backs end-to-end tests and the daemon's offline mode.
package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/oklog/ulid/v2"
	"nhooyr.io/websocket"

	"gatewaykit/internal/adapter/gateway"
	"gatewaykit/internal/adapter/transport"
	"gatewaykit/internal/domain"
	"gatewaykit/internal/infra/middleware"
)

const (
	defaultHeartbeatInterval = 41250 * time.Millisecond
	defaultAPIVersion        = 10
	defaultWriteTimeout      = 5 * time.Second
)

// Close codes sent to misbehaving clients.
const (
	CloseUnknownOpcode        transport.StatusCode = 4001
	CloseDecodeError          transport.StatusCode = 4002
	CloseNotAuthenticated     transport.StatusCode = 4003
	CloseAuthenticationFailed transport.StatusCode = 4004
	CloseAlreadyAuthenticated transport.StatusCode = 4005
	closeGoingAway            transport.StatusCode = 1001
)

var localOrigins = []string{
	"localhost",
	"localhost:*",
	"127.0.0.1",
	"127.0.0.1:*",
	"[::1]",
	"[::1]:*",
}

// Options configures a Server.
type Options struct {
	Addr              string   // listen address for Start; default 127.0.0.1:0
	Tokens            []string // accepted tokens; empty accepts any
	HeartbeatInterval time.Duration
	APIVersion        int
	WriteTimeout      time.Duration
	// LookupPerMinute caps endpoint lookups per client IP. Zero disables.
	LookupPerMinute int
	// OnCommand observes presence, voice state and member request frames.
	OnCommand func(gateway.Envelope)
}

type serverSession struct {
	id  string
	seq int64 // guarded by Server.mu
}

type clientConn struct {
	id        uint64
	send      *transport.SendHalf
	recv      *transport.RecvHalf
	resumeURL string
	sess      *serverSession // guarded by Server.mu
}

// Server is the loopback gateway.
type Server struct {
	opts     Options
	auth     *TokenAuth
	logger   *slog.Logger
	mux      *http.ServeMux
	httpSrv  *http.Server
	listener net.Listener
	started  time.Time
	nextID   atomic.Uint64
	dropAcks atomic.Bool
	metrics  Metrics

	mu       sync.Mutex
	conns    map[uint64]*clientConn
	sessions map[string]*serverSession
}

// New creates a Server.
func New(opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.APIVersion <= 0 {
		opts.APIVersion = defaultAPIVersion
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	s := &Server{
		opts:     opts,
		auth:     NewTokenAuth(opts.Tokens...),
		logger:   logger.With("component", "loopback"),
		started:  time.Now(),
		conns:    make(map[uint64]*clientConn),
		sessions: make(map[string]*serverSession),
	}
	api := fmt.Sprintf("/api/v%d", opts.APIVersion)
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /{$}", s.handleGateway)
	s.mux.Handle("GET "+api+"/gateway", s.lookupRoute(s.handleLookup(false)))
	s.mux.Handle("GET "+api+"/gateway/bot", s.lookupRoute(s.handleLookup(true)))
	s.mux.Handle("GET /status", middleware.APIHeaders(http.HandlerFunc(s.handleStatus)))
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)
	return s
}

func (s *Server) lookupRoute(h http.Handler) http.Handler {
	h = middleware.APIHeaders(h)
	if s.opts.LookupPerMinute > 0 {
		h = middleware.NewPeerLimiter(s.opts.LookupPerMinute, s.opts.LookupPerMinute).Wrap(h)
	}
	return h
}

// Handler returns the HTTP handler serving the gateway and its API routes.
func (s *Server) Handler() http.Handler { return s.mux }

// Metrics returns the live counters.
func (s *Server) Metrics() *Metrics { return &s.metrics }

// Listen binds the configured address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("loopback listen: %w", err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address. Only valid after Listen.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// URL returns the HTTP base URL of the server. Only valid after Listen.
func (s *Server) URL() string { return "http://" + s.Addr() }

// Serve accepts connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return domain.NewDomainError("Loopback.Serve", domain.ErrInvalidInput, "not listening")
	}
	s.httpSrv = &http.Server{Handler: s.mux}
	s.logger.Info("loopback gateway started", "addr", s.Addr())

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			s.Shutdown(context.Background())
		case <-stopped:
		}
	}()

	if err := s.httpSrv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("loopback serve: %w", err)
	}
	return nil
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Shutdown closes every client connection and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	conns := make([]*clientConn, 0, len(s.conns))
	for _, cc := range s.conns {
		conns = append(conns, cc)
	}
	s.mu.Unlock()
	for _, cc := range conns {
		cc.send.Close(closeGoingAway, "server shutting down")
	}

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// DropAcks makes the server stop (or resume) acknowledging heartbeats.
func (s *Server) DropAcks(drop bool) { s.dropAcks.Store(drop) }

// Connections returns the number of open client connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Dispatch sends an event to every connection with a session. data is
// marshalled as the payload.
func (s *Server) Dispatch(ctx context.Context, name string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("loopback dispatch %s: %w", name, err)
	}
	var errs []error
	for _, cc := range s.identified() {
		s.mu.Lock()
		cc.sess.seq++
		seq := cc.sess.seq
		s.mu.Unlock()
		if err := cc.send.Send(ctx, gateway.NewDispatch(name, seq, gateway.NewOther(raw))); err != nil {
			errs = append(errs, err)
			continue
		}
		s.metrics.DispatchesTotal.Add(1)
	}
	return errors.Join(errs...)
}

// Reconnect asks every connected client to reconnect and resume.
func (s *Server) Reconnect(ctx context.Context) error {
	return s.broadcast(ctx, gateway.Envelope{Op: gateway.OpReconnect})
}

// RequestHeartbeat asks every connected client for an immediate heartbeat.
func (s *Server) RequestHeartbeat(ctx context.Context) error {
	return s.broadcast(ctx, gateway.Envelope{Op: gateway.OpHeartbeat})
}

// Invalidate revokes the sessions of every connected client. A non-resumable
// invalidation forgets the sessions.
func (s *Server) Invalidate(ctx context.Context, resumable bool) error {
	if !resumable {
		s.mu.Lock()
		for _, cc := range s.conns {
			if cc.sess != nil {
				delete(s.sessions, cc.sess.id)
			}
		}
		s.mu.Unlock()
	}
	return s.broadcast(ctx, gateway.Envelope{Op: gateway.OpInvalidSession, Payload: gateway.InvalidSession{Resumable: resumable}})
}

func (s *Server) broadcast(ctx context.Context, env gateway.Envelope) error {
	var errs []error
	for _, cc := range s.identified() {
		if err := cc.send.Send(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) identified() []*clientConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*clientConn, 0, len(s.conns))
	for _, cc := range s.conns {
		if cc.sess != nil {
			out = append(out, cc)
		}
	}
	return out
}

// handleLookup answers the endpoint lookup with this server's own address.
func (s *Server) handleLookup(bot bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if bot {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bot ") || !s.auth.Allow(strings.TrimPrefix(auth, "Bot ")) {
				http.Error(w, `{"message":"401: Unauthorized","code":0}`, http.StatusUnauthorized)
				return
			}
		}
		body := map[string]any{"url": "ws://" + r.Host}
		if bot {
			body["shards"] = 1
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	}
}

func (s *Server) handleGateway(w http.ResponseWriter, r *http.Request) {
	if enc := r.URL.Query().Get("encoding"); enc != "" && enc != "json" {
		http.Error(w, "unsupported encoding", http.StatusBadRequest)
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: localOrigins})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	send, recv := transport.Split(transport.NewWebSocketConn(ws, s.opts.WriteTimeout))
	cc := &clientConn{
		id:        s.nextID.Add(1),
		send:      send,
		recv:      recv,
		resumeURL: "ws://" + r.Host,
	}
	s.mu.Lock()
	s.conns[cc.id] = cc
	s.mu.Unlock()
	s.metrics.ConnectionsTotal.Add(1)
	s.logger.Info("loopback client connected", "conn_id", cc.id)

	code, reason := s.serve(r.Context(), cc)

	s.mu.Lock()
	delete(s.conns, cc.id)
	s.mu.Unlock()
	send.Close(code, reason)
	s.logger.Info("loopback client disconnected", "conn_id", cc.id, "code", int(code))
}

// serve runs one connection and returns the close status to send.
func (s *Server) serve(ctx context.Context, cc *clientConn) (transport.StatusCode, string) {
	hello := gateway.Envelope{Op: gateway.OpHello, Payload: gateway.Hello{HeartbeatIntervalMS: s.opts.HeartbeatInterval.Milliseconds()}}
	if err := cc.send.Send(ctx, hello); err != nil {
		return transport.StatusNormalClosure, ""
	}

	for {
		env, err := cc.recv.Receive(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrDecode) {
				return CloseDecodeError, "decode error"
			}
			return transport.StatusNormalClosure, ""
		}

		switch {
		case env.Op == gateway.OpHeartbeat:
			s.metrics.HeartbeatsTotal.Add(1)
			if s.dropAcks.Load() {
				continue
			}
			if err := cc.send.Send(ctx, gateway.Envelope{Op: gateway.OpHeartbeatAck}); err != nil {
				return transport.StatusNormalClosure, ""
			}

		case env.Op == gateway.OpIdentify:
			id, _ := env.Payload.(gateway.Identify)
			if code, reason, ok := s.identify(ctx, cc, id); !ok {
				return code, reason
			}

		case env.Op == gateway.OpResume:
			res, _ := env.Payload.(gateway.Resume)
			if code, reason, ok := s.resume(ctx, cc, res); !ok {
				return code, reason
			}

		case env.Op.IsCommand():
			s.mu.Lock()
			authed := cc.sess != nil
			s.mu.Unlock()
			if !authed {
				return CloseNotAuthenticated, "not authenticated"
			}
			s.metrics.CommandsTotal.Add(1)
			if s.opts.OnCommand != nil {
				s.opts.OnCommand(env)
			}

		default:
			return CloseUnknownOpcode, "unknown opcode " + env.Op.String()
		}
	}
}

func (s *Server) identify(ctx context.Context, cc *clientConn, id gateway.Identify) (transport.StatusCode, string, bool) {
	if !s.auth.Allow(id.Token) {
		return CloseAuthenticationFailed, "authentication failed", false
	}
	sess := &serverSession{id: newSessionID(time.Now()), seq: 1}
	s.mu.Lock()
	if cc.sess != nil {
		s.mu.Unlock()
		return CloseAlreadyAuthenticated, "already authenticated", false
	}
	cc.sess = sess
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	s.metrics.SessionsTotal.Add(1)

	ready := gateway.NewDispatch(gateway.EventReady, 1, gateway.Ready{
		V:                s.opts.APIVersion,
		User:             &discordgo.User{ID: "0", Username: "loopback", Bot: true},
		Guilds:           []*discordgo.Guild{},
		SessionID:        sess.id,
		ResumeGatewayURL: cc.resumeURL,
	})
	if err := cc.send.Send(ctx, ready); err != nil {
		return transport.StatusNormalClosure, "", false
	}
	s.logger.Debug("loopback session created", "conn_id", cc.id, "session_id", sess.id)
	return 0, "", true
}

func (s *Server) resume(ctx context.Context, cc *clientConn, res gateway.Resume) (transport.StatusCode, string, bool) {
	if !s.auth.Allow(res.Token) {
		return CloseAuthenticationFailed, "authentication failed", false
	}
	s.mu.Lock()
	if cc.sess != nil {
		s.mu.Unlock()
		return CloseAlreadyAuthenticated, "already authenticated", false
	}
	sess, ok := s.sessions[res.SessionID]
	var seq int64
	if ok {
		cc.sess = sess
		sess.seq++
		seq = sess.seq
	}
	s.mu.Unlock()

	if !ok {
		inv := gateway.Envelope{Op: gateway.OpInvalidSession, Payload: gateway.InvalidSession{Resumable: false}}
		if err := cc.send.Send(ctx, inv); err != nil {
			return transport.StatusNormalClosure, "", false
		}
		return 0, "", true
	}
	s.metrics.ResumesTotal.Add(1)
	if err := cc.send.Send(ctx, gateway.NewDispatch(gateway.EventResumed, seq, nil)); err != nil {
		return transport.StatusNormalClosure, "", false
	}
	s.logger.Debug("loopback session resumed", "conn_id", cc.id, "session_id", sess.id, "seq", seq)
	return 0, "", true
}

func newSessionID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(t), entropy).String())
}
