package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsValidForEveryType(t *testing.T) {
	for _, typ := range Types {
		t.Run(string(typ), func(t *testing.T) {
			env, err := New(typ, map[string]string{"k": "v"}, "host_1")
			require.NoError(t, err)
			assert.True(t, env.Valid())

			raw, err := json.Marshal(env)
			require.NoError(t, err)
			assert.True(t, IsValid(raw))

			back, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, env, back)
		})
	}
}

func TestNewTimestampIsUTC(t *testing.T) {
	env, err := New(TypePing, nil, "")
	require.NoError(t, err)

	ts, err := time.Parse(time.RFC3339Nano, env.Timestamp)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, ts.Location())
	assert.WithinDuration(t, time.Now(), ts, 5*time.Second)
	assert.JSONEq(t, `{}`, string(env.Data))
}

func TestEnvelopeWireShape(t *testing.T) {
	env := Envelope{Type: TypePing, Timestamp: "2026-01-01T00:00:00Z", Data: json.RawMessage(`{"seq":1}`)}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping","agent_id":null,"timestamp":"2026-01-01T00:00:00Z","data":{"seq":1}}`, string(raw))

	env.AgentID = "host_1"
	raw, err = json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping","agent_id":"host_1","timestamp":"2026-01-01T00:00:00Z","data":{"seq":1}}`, string(raw))
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{"complete", `{"type":"ping","timestamp":"t","data":{}}`, true},
		{"unknown type still valid", `{"type":"bogus","timestamp":"t","data":{}}`, true},
		{"null agent id", `{"type":"ping","agent_id":null,"timestamp":"t","data":{}}`, true},
		{"missing type", `{"timestamp":"t","data":{}}`, false},
		{"missing timestamp", `{"type":"ping","data":{}}`, false},
		{"missing data", `{"type":"ping","timestamp":"t"}`, false},
		{"not an object", `[1,2,3]`, false},
		{"garbage", `not json`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValid([]byte(tt.raw)))
		})
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	_, err := Decode([]byte(`{"type":"ping"}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeData(t *testing.T) {
	env, err := New(TypeCommand, CommandRequest{CommandID: "c1", Command: "dir", Shell: "cmd"}, "a")
	require.NoError(t, err)

	req, err := DecodeData[CommandRequest](env)
	require.NoError(t, err)
	assert.Equal(t, "dir", req.Command)

	env.Data = json.RawMessage(`"not an object"`)
	_, err = DecodeData[CommandRequest](env)
	assert.Error(t, err)
}

func TestCommandResultShapes(t *testing.T) {
	ok := CommandResult{Success: true, Stdout: "hi\n", ReturnCode: 0, Timestamp: "t"}
	raw, err := json.Marshal(ok)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"stdout":"hi\n","stderr":"","returncode":0,"timestamp":"t"}`, string(raw))

	fail := CommandResult{Error: ErrTimeout, Stdout: "ignored", Timestamp: "t"}
	raw, err = json.Marshal(fail)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false,"error":"Command execution timeout","timestamp":"t"}`, string(raw))

	var back CommandResult
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.False(t, back.Success)
	assert.Equal(t, ErrTimeout, back.Error)
}
