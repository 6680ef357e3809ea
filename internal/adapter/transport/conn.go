// Package transport adapts a duplex message stream into independently
// lockable send and receive halves that speak gateway envelopes.
package transport

import (
	"context"
	"sync"

	"gatewaykit/internal/adapter/gateway"
	"gatewaykit/internal/domain"
)

// StatusCode is a close status sent to the peer when the connection ends.
type StatusCode int

const (
	// StatusNormalClosure ends the session; the server forgets it.
	StatusNormalClosure StatusCode = 1000
	// StatusReconnect keeps the server-side session alive for a Resume.
	StatusReconnect StatusCode = 4000
)

// Conn is a duplex stream of text frames.
type Conn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, frame []byte) error
	Close(code StatusCode, reason string) error
}

// closer closes the shared connection exactly once for both halves.
type closer struct {
	conn Conn
	once sync.Once
	err  error
}

func (c *closer) close(code StatusCode, reason string) error {
	c.once.Do(func() { c.err = c.conn.Close(code, reason) })
	return c.err
}

// SendHalf is the write side of a connection. Sends are serialized: at most
// one frame is being written at any time.
type SendHalf struct {
	mu     sync.Mutex
	conn   Conn
	closer *closer
}

// RecvHalf is the read side of a connection. Reads are serialized.
type RecvHalf struct {
	mu     sync.Mutex
	conn   Conn
	closer *closer
}

// Split divides conn into a send half and a receive half. Closing either half
// closes the underlying connection once.
func Split(conn Conn) (*SendHalf, *RecvHalf) {
	c := &closer{conn: conn}
	return &SendHalf{conn: conn, closer: c}, &RecvHalf{conn: conn, closer: c}
}

// Send encodes env and writes it as one frame.
func (s *SendHalf) Send(ctx context.Context, env gateway.Envelope) error {
	frame, err := gateway.Encode(env)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteFrame(ctx, frame); err != nil {
		return wrapTransport(ctx, "Transport.Send", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *SendHalf) Close(code StatusCode, reason string) error {
	return s.closer.close(code, reason)
}

// Receive reads and decodes the next frame.
func (r *RecvHalf) Receive(ctx context.Context) (gateway.Envelope, error) {
	r.mu.Lock()
	frame, err := r.conn.ReadFrame(ctx)
	r.mu.Unlock()
	if err != nil {
		return gateway.Envelope{}, wrapTransport(ctx, "Transport.Receive", err)
	}
	return gateway.Decode(frame)
}

// Close closes the underlying connection.
func (r *RecvHalf) Close(code StatusCode, reason string) error {
	return r.closer.close(code, reason)
}

// wrapTransport tags a stream failure as ErrTransport unless it was caused by
// the caller's context, which is returned as-is for cancellation checks.
func wrapTransport(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return domain.NewDomainError(op, domain.ErrTransport, err.Error())
}

// Dialer opens a connection to a gateway URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) { return f(ctx, url) }
