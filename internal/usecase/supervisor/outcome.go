package supervisor

import (
	"fmt"

	"gatewaykit/internal/domain"
	"gatewaykit/internal/usecase/session"
)

// Kind classifies why a supervisor loop ended.
type Kind int

const (
	// GracefulStop: the owner cancelled the loop.
	GracefulStop Kind = iota
	// ResumeRequested: the server asked the client to reconnect and Resume.
	ResumeRequested
	// Invalidated: the server revoked the session; identify fresh.
	Invalidated
	// ProtocolError: the server or the consumer broke the contract.
	ProtocolError
	// TransportError: the connection failed underneath the session.
	TransportError
)

var kindNames = [...]string{
	GracefulStop:    "graceful_stop",
	ResumeRequested: "resume_requested",
	Invalidated:     "invalidated",
	ProtocolError:   "protocol_error",
	TransportError:  "transport_error",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Outcome is the terminal result of a loop. State is the session state as it
// was when the loop stopped if the outcome can resume, and zero otherwise.
type Outcome struct {
	Kind  Kind
	Seq   int64 // last sequence, for ResumeRequested
	Err   error // cause, for ProtocolError and TransportError
	State session.State
}

// CanResume reports whether the session identifiers may be reused.
func (o Outcome) CanResume() bool {
	switch o.Kind {
	case ResumeRequested:
		return true
	case TransportError:
		return domain.IsResumableError(o.Err)
	default:
		return false
	}
}

func (o Outcome) String() string {
	switch o.Kind {
	case ResumeRequested:
		return fmt.Sprintf("%s{seq=%d}", o.Kind, o.Seq)
	case ProtocolError, TransportError:
		return fmt.Sprintf("%s(%v)", o.Kind, o.Err)
	default:
		return o.Kind.String()
	}
}

func stopped() Outcome { return Outcome{Kind: GracefulStop} }

func protocolError(err error) Outcome { return Outcome{Kind: ProtocolError, Err: err} }

func transportError(err error) Outcome { return Outcome{Kind: TransportError, Err: err} }
