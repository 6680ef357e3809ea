package gatewayclient

import (
	"context"
	"log/slog"
	"time"

	"gatewaykit/internal/adapter/gateway"
	"gatewaykit/internal/adapter/transport"
	"gatewaykit/internal/domain"
	"gatewaykit/internal/infra/config"
	"gatewaykit/internal/usecase/session"
)

// Credentials authenticate a connection.
type Credentials struct {
	Token string
	// Privileged resolves the endpoint through the bot lookup, which requires
	// the token.
	Privileged bool
}

// Resolver looks up the gateway URL to dial.
type Resolver interface {
	Resolve(ctx context.Context, privileged bool) (string, error)
}

// Option configures Connect and NewRunner.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	bus      domain.EventBus
	dialer   transport.Dialer
	resolver Resolver
	session  *session.State

	url              string
	apiBaseURL       string
	apiVersion       int
	encoding         string
	properties       gateway.Properties
	jitterDivisor    int
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	readLimit        int64
	maxMissedAcks    int
	dispatchTimeout  time.Duration
	eventsBuffer     int
	commandRate      int
	commandPer       time.Duration

	store     domain.SessionStore
	storeKey  string
	reconnect config.ReconnectConfig
}

func newOptions(opts []Option) options {
	defaults := config.Defaults()
	o := options{
		logger:    slog.Default(),
		bus:       domain.NoopBus{},
		storeKey:  defaults.Store.Key,
		reconnect: defaults.Reconnect,
	}
	o.applyGateway(defaults.Gateway)
	for _, opt := range opts {
		opt(&o)
	}
	if o.eventsBuffer < 1 {
		o.eventsBuffer = 1
	}
	if o.dialer == nil {
		o.dialer = transport.NewWebSocketDialer(o.logger,
			transport.WithReadLimit(o.readLimit),
			transport.WithWriteTimeout(o.writeTimeout),
		)
	}
	return o
}

func (o *options) applyGateway(g config.GatewayConfig) {
	o.url = g.URL
	o.apiBaseURL = g.APIBaseURL
	o.apiVersion = g.APIVersion
	o.encoding = g.Encoding
	o.properties = gateway.Properties{OS: g.Properties.OS, Browser: g.Properties.Browser, Device: g.Properties.Device}
	o.jitterDivisor = g.JitterDivisor
	o.handshakeTimeout = g.HandshakeTimeout
	o.writeTimeout = g.WriteTimeout
	o.readLimit = g.ReadLimit
	o.maxMissedAcks = g.MaxMissedAcks
	o.dispatchTimeout = g.DispatchTimeout
	o.eventsBuffer = g.EventsBuffer
	o.commandRate = g.CommandRate
	o.commandPer = g.CommandPer
}

// WithConfig applies the gateway section of a loaded configuration. Token,
// Privileged and Intents are passed to Connect separately.
func WithConfig(g config.GatewayConfig) Option {
	return func(o *options) { o.applyGateway(g) }
}

// WithSession resumes st instead of identifying, dialing st.ResumeURL when it
// is set. A state without a session ID identifies as usual.
func WithSession(st State) Option {
	return func(o *options) { o.session = &st }
}

// WithLogger sets a custom slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithBus publishes lifecycle events to bus.
func WithBus(bus domain.EventBus) Option {
	return func(o *options) {
		if bus != nil {
			o.bus = bus
		}
	}
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithResolver replaces the HTTP endpoint lookup.
func WithResolver(r Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithURL dials url directly and skips endpoint resolution.
func WithURL(url string) Option {
	return func(o *options) { o.url = url }
}

// WithHandshakeTimeout bounds the Hello to READY exchange.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

// WithMaxMissedAcks ends the session after n unacknowledged heartbeats.
// Zero disables the check.
func WithMaxMissedAcks(n int) Option {
	return func(o *options) { o.maxMissedAcks = n }
}

// WithDispatchTimeout bounds how long a dispatch may wait for the consumer.
func WithDispatchTimeout(d time.Duration) Option {
	return func(o *options) { o.dispatchTimeout = d }
}

// WithEventsBuffer sets the capacity of the events channel.
func WithEventsBuffer(n int) Option {
	return func(o *options) { o.eventsBuffer = n }
}

// WithCommandRate allows n commands per period.
func WithCommandRate(n int, per time.Duration) Option {
	return func(o *options) {
		o.commandRate = n
		o.commandPer = per
	}
}

// WithStore checkpoints the session under key so a Runner can resume after a
// restart.
func WithStore(store domain.SessionStore, key string) Option {
	return func(o *options) {
		o.store = store
		if key != "" {
			o.storeKey = key
		}
	}
}

// WithReconnect sets the Runner's backoff and circuit breaker policy.
func WithReconnect(r config.ReconnectConfig) Option {
	return func(o *options) { o.reconnect = r }
}
