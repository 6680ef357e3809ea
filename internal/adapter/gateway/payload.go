package gateway

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Payload is the closed set of envelope payload variants. Which variant is
// legal is decided by the envelope opcode, never by the payload's shape.
type Payload interface {
	payload()
}

// Properties describes the connecting client in an Identify payload.
type Properties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Identify authenticates a fresh session.
type Identify struct {
	Token      string     `json:"token"`
	Properties Properties `json:"properties"`
	Intents    uint64     `json:"intents"`
}

// Resume continues a prior session from Seq.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// Heartbeat carries the last sequence number seen by the sender.
type Heartbeat struct {
	Seq int64
}

func (h Heartbeat) MarshalJSON() ([]byte, error) { return json.Marshal(h.Seq) }

func (h *Heartbeat) UnmarshalJSON(b []byte) error { return json.Unmarshal(b, &h.Seq) }

// Hello is the first frame sent by the server.
type Hello struct {
	HeartbeatIntervalMS int64 `json:"heartbeat_interval"`
}

// Interval returns the heartbeat cadence as a duration.
func (h Hello) Interval() time.Duration {
	return time.Duration(h.HeartbeatIntervalMS) * time.Millisecond
}

// Ready confirms a new session. It is carried by the READY dispatch.
type Ready struct {
	V                int                `json:"v"`
	User             *discordgo.User    `json:"user"`
	Guilds           []*discordgo.Guild `json:"guilds"`
	SessionID        string             `json:"session_id"`
	ResumeGatewayURL string             `json:"resume_gateway_url"`
}

// InvalidSession reports whether the invalidated session may be resumed.
type InvalidSession struct {
	Resumable bool
}

func (i InvalidSession) MarshalJSON() ([]byte, error) { return json.Marshal(i.Resumable) }

func (i *InvalidSession) UnmarshalJSON(b []byte) error { return json.Unmarshal(b, &i.Resumable) }

// Other holds any payload the client does not interpret. Raw is compact JSON
// and never null; build it with NewOther.
type Other struct {
	Raw json.RawMessage
}

// NewOther wraps raw JSON as a payload. Empty input and null give a nil
// payload; anything else is compacted. Invalid JSON is kept as is and fails
// at Encode.
func NewOther(raw []byte) Payload {
	if isNull(raw) {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return Other{Raw: raw}
	}
	return Other{Raw: buf.Bytes()}
}

// canonical reports whether Raw is what Decode would produce for it.
func (o Other) canonical() bool {
	if isNull(o.Raw) || !json.Valid(o.Raw) {
		return false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, o.Raw); err != nil {
		return false
	}
	return bytes.Equal(buf.Bytes(), o.Raw)
}

func isNull(raw []byte) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

func (o Other) MarshalJSON() ([]byte, error) {
	if len(o.Raw) == 0 {
		return []byte("null"), nil
	}
	return o.Raw, nil
}

func (Identify) payload()       {}
func (Resume) payload()         {}
func (Heartbeat) payload()      {}
func (Hello) payload()          {}
func (Ready) payload()          {}
func (InvalidSession) payload() {}
func (Other) payload()          {}
