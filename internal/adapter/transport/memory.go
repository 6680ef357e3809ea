package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPipeClosed is returned by a pipe end after either side closed.
var ErrPipeClosed = errors.New("pipe closed")

// CloseInfo records how a pipe end was closed.
type CloseInfo struct {
	Code   StatusCode
	Reason string
}

type pipeState struct {
	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	info *CloseInfo
}

func (s *pipeState) close(code StatusCode, reason string) {
	s.once.Do(func() {
		s.mu.Lock()
		s.info = &CloseInfo{Code: code, Reason: reason}
		s.mu.Unlock()
		close(s.done)
	})
}

// PipeConn is one end of an in-memory connection.
type PipeConn struct {
	in    <-chan []byte
	out   chan<- []byte
	state *pipeState
}

// Pipe returns two connected in-memory ends. Frames written to one are read
// from the other in order. Closing either end closes both.
func Pipe() (*PipeConn, *PipeConn) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	st := &pipeState{done: make(chan struct{})}
	return &PipeConn{in: ba, out: ab, state: st}, &PipeConn{in: ab, out: ba, state: st}
}

func (p *PipeConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.in:
		return b, nil
	case <-p.state.done:
		// Drain frames that were queued before the close.
		select {
		case b := <-p.in:
			return b, nil
		default:
		}
		return nil, p.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *PipeConn) WriteFrame(ctx context.Context, frame []byte) error {
	b := make([]byte, len(frame))
	copy(b, frame)
	select {
	case <-p.state.done:
		return p.closedErr()
	default:
	}
	select {
	case p.out <- b:
		return nil
	case <-p.state.done:
		return p.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PipeConn) Close(code StatusCode, reason string) error {
	p.state.close(code, reason)
	return nil
}

// Closed reports the close code and reason once either end has closed.
func (p *PipeConn) Closed() (CloseInfo, bool) {
	p.state.mu.Lock()
	defer p.state.mu.Unlock()
	if p.state.info == nil {
		return CloseInfo{}, false
	}
	return *p.state.info, true
}

// Done is closed when the pipe closes.
func (p *PipeConn) Done() <-chan struct{} { return p.state.done }

func (p *PipeConn) closedErr() error {
	info, _ := p.Closed()
	return fmt.Errorf("%w: status %d %s", ErrPipeClosed, int(info.Code), info.Reason)
}
