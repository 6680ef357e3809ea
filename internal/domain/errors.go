package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Gateway sentinels below wrap these where a broader
// category applies, so callers can match either level with errors.Is.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
)

// Sentinel errors for the gateway client.
var (
	ErrResolution        = fmt.Errorf("gateway endpoint resolution failed")
	ErrTransport         = fmt.Errorf("gateway transport failure")
	ErrDecode            = fmt.Errorf("envelope decode failed")
	ErrEncode            = fmt.Errorf("envelope encode failed")
	ErrProtocolViolation = fmt.Errorf("gateway protocol violation")
	ErrInvalidated       = fmt.Errorf("gateway session invalidated")
	ErrChannelClosed     = fmt.Errorf("event consumer gone")
	ErrClientClosed      = fmt.Errorf("gateway client closed")
	ErrConfigLoad        = fmt.Errorf("failed to load configuration")

	// ErrNoAck is a protocol violation: the server answered the first
	// heartbeat with something other than an acknowledgement.
	ErrNoAck = fmt.Errorf("heartbeat not acknowledged: %w", ErrProtocolViolation)

	// ErrHeartbeatTimeout is reported as a transport failure so the caller
	// reconnects; the session itself is still resumable.
	ErrHeartbeatTimeout = fmt.Errorf("heartbeat acks missed: %w", ErrTransport)

	ErrCommandNotAllowed = fmt.Errorf("opcode not allowed as client command: %w", ErrInvalidInput)
	ErrSessionNotFound   = fmt.Errorf("stored session: %w", ErrNotFound)
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Handshake.AwaitHello")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsResumableError reports whether err leaves the session identifiers usable
// for a Resume on the next connection.
func IsResumableError(err error) bool {
	return errors.Is(err, ErrHeartbeatTimeout)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeResolution        ErrorCode = "RESOLUTION"
	CodeTransport         ErrorCode = "TRANSPORT"
	CodeDecode            ErrorCode = "DECODE"
	CodeEncode            ErrorCode = "ENCODE"
	CodeProtocolViolation ErrorCode = "PROTOCOL_VIOLATION"
	CodeNoAck             ErrorCode = "NO_ACK"
	CodeInvalidated       ErrorCode = "INVALIDATED"
	CodeChannelClosed     ErrorCode = "CHANNEL_CLOSED"
	CodeHeartbeatTimeout  ErrorCode = "HEARTBEAT_TIMEOUT"
	CodeCommandNotAllowed ErrorCode = "COMMAND_NOT_ALLOWED"
	CodeClientClosed      ErrorCode = "CLIENT_CLOSED"
	CodeSessionNotFound   ErrorCode = "SESSION_NOT_FOUND"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:     CodeNotFound,
	ErrTimeout:      CodeTimeout,
	ErrInvalidInput: CodeInvalidInput,

	ErrResolution:        CodeResolution,
	ErrTransport:         CodeTransport,
	ErrDecode:            CodeDecode,
	ErrEncode:            CodeEncode,
	ErrProtocolViolation: CodeProtocolViolation,
	ErrNoAck:             CodeNoAck,
	ErrInvalidated:       CodeInvalidated,
	ErrChannelClosed:     CodeChannelClosed,
	ErrHeartbeatTimeout:  CodeHeartbeatTimeout,
	ErrCommandNotAllowed: CodeCommandNotAllowed,
	ErrClientClosed:      CodeClientClosed,
	ErrSessionNotFound:   CodeSessionNotFound,
	ErrConfigLoad:        CodeConfigLoad,
}

// specificity orders sentinels that wrap other sentinels ahead of the
// sentinel they wrap, so the chain walk reports the most precise code.
var specificity = []error{
	ErrNoAck,
	ErrHeartbeatTimeout,
	ErrCommandNotAllowed,
	ErrSessionNotFound,
	ErrResolution,
	ErrDecode,
	ErrEncode,
	ErrInvalidated,
	ErrChannelClosed,
	ErrClientClosed,
	ErrConfigLoad,
	ErrProtocolViolation,
	ErrTransport,
	ErrNotFound,
	ErrTimeout,
	ErrInvalidInput,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for _, sentinel := range specificity {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
