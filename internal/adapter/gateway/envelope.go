package gateway

// EventReady is the dispatch name that carries the Ready payload.
const EventReady = "READY"

// EventResumed is the dispatch name sent once a Resume has replayed.
const EventResumed = "RESUMED"

// Envelope is the unit exchanged over the gateway connection.
// Treat it as immutable once built.
type Envelope struct {
	Op        Opcode
	Payload   Payload // nil encodes as JSON null
	Seq       *int64  // set on server dispatches
	EventName string  // dispatch only; empty means absent
}

// Sequence returns the envelope sequence number, if any.
func (e Envelope) Sequence() (int64, bool) {
	if e.Seq == nil {
		return 0, false
	}
	return *e.Seq, true
}

// Ready returns the Ready payload of a READY dispatch.
func (e Envelope) Ready() (Ready, bool) {
	r, ok := e.Payload.(Ready)
	return r, ok
}

// NewHeartbeat builds a client heartbeat carrying seq.
func NewHeartbeat(seq int64) Envelope {
	return Envelope{Op: OpHeartbeat, Payload: Heartbeat{Seq: seq}}
}

// NewIdentify builds an Identify envelope.
func NewIdentify(token string, props Properties, intents uint64) Envelope {
	return Envelope{Op: OpIdentify, Payload: Identify{Token: token, Properties: props, Intents: intents}}
}

// NewResume builds a Resume envelope for an existing session.
func NewResume(token, sessionID string, seq int64) Envelope {
	return Envelope{Op: OpResume, Payload: Resume{Token: token, SessionID: sessionID, Seq: seq}}
}

// NewCommand builds an application command (presence, voice state, member
// request) from a raw JSON payload.
func NewCommand(op Opcode, raw []byte) Envelope {
	return Envelope{Op: op, Payload: NewOther(raw)}
}

// NewDispatch builds a server dispatch. Used by the loopback server and tests.
func NewDispatch(name string, seq int64, p Payload) Envelope {
	return Envelope{Op: OpDispatch, Payload: p, Seq: &seq, EventName: name}
}

// legalFor reports whether p may be carried by op. Opcodes with a typed
// variant accept only that variant, so Decode always recovers what Encode
// was given.
func legalFor(op Opcode, name string, p Payload) bool {
	switch p := p.(type) {
	case nil:
		return true
	case Other:
		if !p.canonical() {
			return false
		}
		switch op {
		case OpHeartbeat, OpIdentify, OpResume, OpHello, OpInvalidSession:
			return false
		case OpDispatch:
			return name != EventReady
		default:
			return true
		}
	case Ready:
		return op == OpDispatch && name == EventReady
	case Heartbeat:
		return op == OpHeartbeat
	case Identify:
		return op == OpIdentify
	case Resume:
		return op == OpResume
	case Hello:
		return op == OpHello
	case InvalidSession:
		return op == OpInvalidSession
	default:
		return false
	}
}
