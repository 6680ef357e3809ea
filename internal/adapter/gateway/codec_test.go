package gateway

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatewaykit/internal/domain"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
	}{
		{"heartbeat zero", NewHeartbeat(0)},
		{"heartbeat", NewHeartbeat(42)},
		{"heartbeat no payload", Envelope{Op: OpHeartbeat}},
		{"identify", NewIdentify("tok", Properties{OS: "linux", Browser: "gatewaykit", Device: "gatewaykit"}, 513)},
		{"resume", NewResume("tok", "abc", 17)},
		{"hello", Envelope{Op: OpHello, Payload: Hello{HeartbeatIntervalMS: 41250}}},
		{"ack", Envelope{Op: OpHeartbeatAck}},
		{"reconnect", Envelope{Op: OpReconnect}},
		{"invalid resumable", Envelope{Op: OpInvalidSession, Payload: InvalidSession{Resumable: true}}},
		{"invalid", Envelope{Op: OpInvalidSession, Payload: InvalidSession{}}},
		{"ready", NewDispatch(EventReady, 1, Ready{
			V:                10,
			SessionID:        "abc",
			ResumeGatewayURL: "wss://resume.example",
		})},
		{"dispatch", NewDispatch("MESSAGE_CREATE", 7, Other{Raw: json.RawMessage(`{"content":"hi"}`)})},
		{"dispatch null", NewDispatch("RESUMED", 8, nil)},
		{"presence command", NewCommand(OpPresenceUpdate, []byte(`{"status":"online","afk":false}`))},
		{"unknown opcode", Envelope{Op: Opcode(31), Payload: Other{Raw: json.RawMessage(`[1,2]`)}}},
		{"command with spaces", NewCommand(OpPresenceUpdate, []byte(`{"a": 1, "b": [ 2 ]}`))},
		{"command null", NewCommand(OpPresenceUpdate, []byte(`null`))},
		{"command empty", NewCommand(OpVoiceStateUpdate, nil)},
		{"ack with payload", Envelope{Op: OpHeartbeatAck, Payload: NewOther([]byte(` {"x" : true} `))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Encode(tt.env)
			require.NoError(t, err)
			got, err := Decode(b)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.env, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeWireShape(t *testing.T) {
	b, err := Encode(NewHeartbeat(5))
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":1,"d":5,"s":null,"t":null}`, string(b))

	b, err = Encode(NewResume("tok", "abc", 9))
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":6,"d":{"token":"tok","session_id":"abc","seq":9},"s":null,"t":null}`, string(b))

	b, err = Encode(NewIdentify("tok", Properties{OS: "linux", Browser: "b", Device: "d"}, 1))
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":2,"d":{"token":"tok","properties":{"os":"linux","browser":"b","device":"d"},"intents":1},"s":null,"t":null}`, string(b))
}

func TestEncodeRejectsIllegalPayload(t *testing.T) {
	tests := []Envelope{
		{Op: OpHeartbeat, Payload: Identify{Token: "x"}},
		{Op: OpIdentify, Payload: Heartbeat{Seq: 1}},
		{Op: OpHeartbeat, Payload: Heartbeat{}, EventName: "X"},
		{Op: OpDispatch, Payload: Ready{SessionID: "a"}, EventName: "GUILD_CREATE"},
		{Op: OpDispatch, Payload: Other{Raw: json.RawMessage(`{bad`)}},
		{Op: OpHello, Payload: Other{Raw: json.RawMessage(`{"heartbeat_interval":5}`)}},
		{Op: OpHeartbeat, Payload: Other{Raw: json.RawMessage(`5`)}},
		{Op: OpIdentify, Payload: Other{Raw: json.RawMessage(`{"token":"x"}`)}},
		{Op: OpResume, Payload: Other{Raw: json.RawMessage(`{"session_id":"x"}`)}},
		{Op: OpInvalidSession, Payload: Other{Raw: json.RawMessage(`true`)}},
		{Op: OpDispatch, EventName: EventReady, Payload: Other{Raw: json.RawMessage(`{"session_id":"x"}`)}},
		{Op: OpPresenceUpdate, Payload: Other{Raw: json.RawMessage(`null`)}},
		{Op: OpPresenceUpdate, Payload: Other{}},
		{Op: OpPresenceUpdate, Payload: Other{Raw: json.RawMessage(`{"a": 1}`)}},
	}
	for _, env := range tests {
		_, err := Encode(env)
		assert.ErrorIs(t, err, domain.ErrEncode, "%+v", env)
	}
}

func TestNewOther(t *testing.T) {
	assert.Nil(t, NewOther(nil))
	assert.Nil(t, NewOther([]byte(" null ")))
	assert.Equal(t, Other{Raw: json.RawMessage(`{"a":1}`)}, NewOther([]byte("{\n  \"a\": 1\n}")))
	assert.Equal(t, Other{Raw: json.RawMessage(`{bad`)}, NewOther([]byte(`{bad`)))
}

func TestDecodeCompactsOther(t *testing.T) {
	env, err := Decode([]byte(`{"op":0,"s":3,"t":"MESSAGE_CREATE","d":{ "content" : "hi" }}`))
	require.NoError(t, err)
	assert.Equal(t, Other{Raw: json.RawMessage(`{"content":"hi"}`)}, env.Payload)

	b, err := Encode(env)
	require.NoError(t, err)
	again, err := Decode(b)
	require.NoError(t, err)
	if diff := cmp.Diff(env, again); diff != "" {
		t.Errorf("re-encoded frame differs (-want +got):\n%s", diff)
	}
}

func TestDecode(t *testing.T) {
	t.Run("hello", func(t *testing.T) {
		env, err := Decode([]byte(`{"op":10,"d":{"heartbeat_interval":41250},"s":null,"t":null}`))
		require.NoError(t, err)
		assert.Equal(t, OpHello, env.Op)
		hello, ok := env.Payload.(Hello)
		require.True(t, ok)
		assert.Equal(t, int64(41250), hello.HeartbeatIntervalMS)
		assert.Equal(t, "41.25s", hello.Interval().String())
	})

	t.Run("ready with guilds", func(t *testing.T) {
		env, err := Decode([]byte(`{"op":0,"s":1,"t":"READY","d":{"v":10,"user":{"id":"9","username":"bot"},` +
			`"guilds":[{"id":"100","unavailable":true}],"session_id":"abc","resume_gateway_url":"wss://x","shard":[0,1]}}`))
		require.NoError(t, err)
		r, ok := env.Ready()
		require.True(t, ok)
		assert.Equal(t, "abc", r.SessionID)
		assert.Equal(t, "wss://x", r.ResumeGatewayURL)
		require.NotNil(t, r.User)
		assert.Equal(t, "bot", r.User.Username)
		require.Len(t, r.Guilds, 1)
		assert.Equal(t, "100", r.Guilds[0].ID)
		assert.True(t, r.Guilds[0].Unavailable)
		s, ok := env.Sequence()
		assert.True(t, ok)
		assert.Equal(t, int64(1), s)
	})

	t.Run("server heartbeat request without seq", func(t *testing.T) {
		env, err := Decode([]byte(`{"op":1,"d":null}`))
		require.NoError(t, err)
		assert.Equal(t, OpHeartbeat, env.Op)
		assert.Nil(t, env.Payload)
		_, ok := env.Sequence()
		assert.False(t, ok)
	})

	t.Run("unknown opcode", func(t *testing.T) {
		env, err := Decode([]byte(`{"op":99,"d":{"x":1}}`))
		require.NoError(t, err)
		assert.False(t, env.Op.Known())
		assert.Equal(t, "Opcode(99)", env.Op.String())
		assert.Equal(t, Other{Raw: json.RawMessage(`{"x":1}`)}, env.Payload)
	})
}

func TestDecodeErrors(t *testing.T) {
	frames := map[string]string{
		"malformed":           `{"op":`,
		"missing op":          `{"d":null}`,
		"op wrong type":       `{"op":"ten"}`,
		"hello no interval":   `{"op":10,"d":{}}`,
		"ready no session":    `{"op":0,"t":"READY","s":1,"d":{"v":10}}`,
		"invalid session str": `{"op":9,"d":"yes"}`,
		"heartbeat object":    `{"op":1,"d":{"seq":1}}`,
	}
	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(frame))
			assert.ErrorIs(t, err, domain.ErrDecode)
		})
	}
}

func TestOpcodeIsCommand(t *testing.T) {
	for _, op := range []Opcode{OpPresenceUpdate, OpVoiceStateUpdate, OpRequestGuildMembers} {
		assert.True(t, op.IsCommand(), op.String())
	}
	for _, op := range []Opcode{OpDispatch, OpHeartbeat, OpIdentify, OpResume, OpHello, OpHeartbeatAck} {
		assert.False(t, op.IsCommand(), op.String())
	}
}
