package gateway

import "strconv"

// Opcode identifies the semantic role of an envelope.
type Opcode int

const (
	OpDispatch            Opcode = 0
	OpHeartbeat           Opcode = 1
	OpIdentify            Opcode = 2
	OpPresenceUpdate      Opcode = 3
	OpVoiceStateUpdate    Opcode = 4
	OpResume              Opcode = 6 // 5 is reserved
	OpReconnect           Opcode = 7
	OpRequestGuildMembers Opcode = 8
	OpInvalidSession      Opcode = 9
	OpHello               Opcode = 10
	OpHeartbeatAck        Opcode = 11
)

var opcodeNames = map[Opcode]string{
	OpDispatch:            "Dispatch",
	OpHeartbeat:           "Heartbeat",
	OpIdentify:            "Identify",
	OpPresenceUpdate:      "PresenceUpdate",
	OpVoiceStateUpdate:    "VoiceStateUpdate",
	OpResume:              "Resume",
	OpReconnect:           "Reconnect",
	OpRequestGuildMembers: "RequestGuildMembers",
	OpInvalidSession:      "InvalidSession",
	OpHello:               "Hello",
	OpHeartbeatAck:        "HeartbeatAck",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return "Opcode(" + strconv.Itoa(int(o)) + ")"
}

// Known reports whether o is part of the fixed opcode table.
func (o Opcode) Known() bool {
	_, ok := opcodeNames[o]
	return ok
}

// IsCommand reports whether o may be sent by the application through the
// client once a session is established.
func (o Opcode) IsCommand() bool {
	switch o {
	case OpPresenceUpdate, OpVoiceStateUpdate, OpRequestGuildMembers:
		return true
	default:
		return false
	}
}
