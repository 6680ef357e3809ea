package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"nhooyr.io/websocket"

	"gatewaykit/internal/domain"
)

const (
	defaultReadLimit    = 8 << 20 // READY for large bots runs to megabytes
	defaultWriteTimeout = 10 * time.Second
)

// WebSocketOption configures a WebSocketDialer.
type WebSocketOption func(*WebSocketDialer)

// WithReadLimit caps the size of a single inbound frame.
func WithReadLimit(n int64) WebSocketOption {
	return func(d *WebSocketDialer) { d.readLimit = n }
}

// WithWriteTimeout bounds every frame write.
func WithWriteTimeout(t time.Duration) WebSocketOption {
	return func(d *WebSocketDialer) { d.writeTimeout = t }
}

// WithHTTPClient sets the client used for the upgrade request.
func WithHTTPClient(c *http.Client) WebSocketOption {
	return func(d *WebSocketDialer) { d.httpClient = c }
}

// WebSocketDialer dials gateway connections over WebSocket.
type WebSocketDialer struct {
	readLimit    int64
	writeTimeout time.Duration
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewWebSocketDialer creates a dialer with the given options.
func NewWebSocketDialer(logger *slog.Logger, opts ...WebSocketOption) *WebSocketDialer {
	if logger == nil {
		logger = slog.Default()
	}
	d := &WebSocketDialer{
		readLimit:    defaultReadLimit,
		writeTimeout: defaultWriteTimeout,
		logger:       logger,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial opens a WebSocket connection to rawURL.
func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	ws, _, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{
		HTTPClient: d.httpClient,
	})
	if err != nil {
		return nil, domain.NewDomainError("Transport.Dial", domain.ErrTransport, err.Error())
	}
	ws.SetReadLimit(d.readLimit)
	d.logger.Debug("gateway transport connected", "url", redactQuery(rawURL))
	return &WebSocketConn{ws: ws, writeTimeout: d.writeTimeout}, nil
}

// WebSocketConn is a Conn backed by a WebSocket.
type WebSocketConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
}

// NewWebSocketConn wraps an established WebSocket. Used on the accepting side.
func NewWebSocketConn(ws *websocket.Conn, writeTimeout time.Duration) *WebSocketConn {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &WebSocketConn{ws: ws, writeTimeout: writeTimeout}
}

func (c *WebSocketConn) ReadFrame(ctx context.Context) ([]byte, error) {
	typ, b, err := c.ws.Read(ctx)
	if err != nil {
		if status := websocket.CloseStatus(err); status != -1 {
			return nil, fmt.Errorf("closed by peer with status %d: %w", int(status), err)
		}
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("unexpected %s frame", typ)
	}
	return b, nil
}

func (c *WebSocketConn) WriteFrame(ctx context.Context, frame []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, frame)
}

func (c *WebSocketConn) Close(code StatusCode, reason string) error {
	return c.ws.Close(websocket.StatusCode(code), reason)
}

// ConnectURL appends the protocol version and encoding to a resolved gateway
// URL. http(s) schemes are rewritten to ws(s).
func ConnectURL(base string, version int, encoding string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", domain.NewDomainError("Transport.ConnectURL", domain.ErrInvalidInput, err.Error())
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", domain.NewDomainError("Transport.ConnectURL", domain.ErrInvalidInput,
			fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
	if u.Path == "" {
		u.Path = "/"
	}
	q := u.Query()
	q.Set("v", strconv.Itoa(version))
	q.Set("encoding", encoding)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func redactQuery(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Scheme + "://" + u.Host + u.Path
}
