package gateway

import (
	"encoding/json"
	"fmt"

	"gatewaykit/internal/domain"
)

// wireEnvelope is the JSON shape on the wire. Absent fields encode as null.
type wireEnvelope struct {
	Op *int            `json:"op"`
	D  json.RawMessage `json:"d"`
	S  *int64          `json:"s"`
	T  *string         `json:"t"`
}

// Encode serializes an envelope into a text frame.
func Encode(e Envelope) ([]byte, error) {
	if !legalFor(e.Op, e.EventName, e.Payload) {
		return nil, domain.NewDomainError("Codec.Encode", domain.ErrEncode,
			fmt.Sprintf("payload %T not legal for %s", e.Payload, e.Op))
	}
	if e.EventName != "" && e.Op != OpDispatch {
		return nil, domain.NewDomainError("Codec.Encode", domain.ErrEncode,
			fmt.Sprintf("event name on %s", e.Op))
	}

	op := int(e.Op)
	w := wireEnvelope{Op: &op, S: e.Seq}
	if e.EventName != "" {
		name := e.EventName
		w.T = &name
	}
	if e.Payload != nil {
		d, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, domain.NewDomainError("Codec.Encode", domain.ErrEncode, err.Error())
		}
		w.D = d
	}

	b, err := json.Marshal(w)
	if err != nil {
		return nil, domain.NewDomainError("Codec.Encode", domain.ErrEncode, err.Error())
	}
	return b, nil
}

// Decode parses a text frame into an envelope. Unknown opcodes decode with an
// Other payload.
func Decode(frame []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(frame, &w); err != nil {
		return Envelope{}, domain.NewDomainError("Codec.Decode", domain.ErrDecode, err.Error())
	}
	if w.Op == nil {
		return Envelope{}, domain.NewDomainError("Codec.Decode", domain.ErrDecode, "missing op")
	}

	e := Envelope{Op: Opcode(*w.Op), Seq: w.S}
	if w.T != nil {
		e.EventName = *w.T
	}

	p, err := decodePayload(e.Op, e.EventName, w.D)
	if err != nil {
		return Envelope{}, domain.NewDomainError("Codec.Decode", domain.ErrDecode,
			fmt.Sprintf("%s payload: %v", e.Op, err))
	}
	e.Payload = p
	return e, nil
}

func decodePayload(op Opcode, name string, d json.RawMessage) (Payload, error) {
	if isNull(d) {
		return nil, nil
	}

	switch op {
	case OpDispatch:
		if name != EventReady {
			return NewOther(d), nil
		}
		var r Ready
		if err := json.Unmarshal(d, &r); err != nil {
			return nil, err
		}
		if r.SessionID == "" {
			return nil, fmt.Errorf("missing session_id")
		}
		return r, nil
	case OpHeartbeat:
		var h Heartbeat
		if err := json.Unmarshal(d, &h); err != nil {
			return nil, err
		}
		return h, nil
	case OpIdentify:
		var id Identify
		if err := json.Unmarshal(d, &id); err != nil {
			return nil, err
		}
		return id, nil
	case OpResume:
		var r Resume
		if err := json.Unmarshal(d, &r); err != nil {
			return nil, err
		}
		return r, nil
	case OpHello:
		var raw struct {
			HeartbeatInterval *int64 `json:"heartbeat_interval"`
		}
		if err := json.Unmarshal(d, &raw); err != nil {
			return nil, err
		}
		if raw.HeartbeatInterval == nil {
			return nil, fmt.Errorf("missing heartbeat_interval")
		}
		return Hello{HeartbeatIntervalMS: *raw.HeartbeatInterval}, nil
	case OpInvalidSession:
		var inv InvalidSession
		if err := json.Unmarshal(d, &inv); err != nil {
			return nil, err
		}
		return inv, nil
	default:
		return NewOther(d), nil
	}
}
