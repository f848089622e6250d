package protocol_test

import (
	"encoding/json"
	"testing"

	"github.com/c360studio/lexitask/protocol"
	"github.com/c360studio/lexitask/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_TaskWireFormat(t *testing.T) {
	env := protocol.NewTask("t-1", task.KindTranslate, task.Payload{Text: "casa", SourceLang: "es", TargetLang: "en"})

	data, err := protocol.Encode(env)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "TASK", raw["type"])
	assert.Equal(t, "t-1", raw["taskId"])
	assert.Equal(t, "translate", raw["kind"])
	assert.NotContains(t, raw, "result")
	assert.NotContains(t, raw, "error")

	decoded, err := protocol.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "casa", decoded.Payload.Text)
}

func TestEnvelope_ErrorRoundTripKeepsKind(t *testing.T) {
	env := protocol.ErrorFor("t-2", task.Errorf(task.ErrRateLimited, "slow down"), protocol.Meta{Attempts: 3})
	assert.NoError(t, env.Validate())

	data, err := protocol.Encode(env)
	require.NoError(t, err)
	decoded, err := protocol.Decode(data)
	require.NoError(t, err)

	err = decoded.Err()
	require.Error(t, err)
	assert.Equal(t, task.ErrRateLimited, task.KindOf(err))
	assert.Contains(t, err.Error(), "slow down")
}

func TestEnvelope_ChainErrorKind(t *testing.T) {
	chainErr := &task.ChainError{
		TaskKind: task.KindTranslate,
		Kind:     task.ErrNetwork,
		Failures: []task.AdapterFailure{
			{Adapter: "builtin", Attempts: 0, Err: task.Errorf(task.ErrCapabilityUnavailable, "x")},
			{Adapter: "cloud", Attempts: 3, Err: task.Errorf(task.ErrNetwork, "y")},
		},
	}
	env := protocol.ErrorFor("t-3", chainErr, protocol.Meta{})
	assert.Equal(t, task.ErrNetwork, env.ErrorKind)
	assert.Contains(t, env.Error, "builtin: capability_unavailable")
	assert.Contains(t, env.Error, "cloud: network")
}

func TestEnvelope_SuccessHasNoErr(t *testing.T) {
	env := protocol.ResultFor("t-4", task.Result{Text: "house"}, protocol.Meta{Attempts: 1})
	assert.NoError(t, env.Validate())
	assert.NoError(t, env.Err())
}

func TestEnvelope_Validate(t *testing.T) {
	result := task.Result{Text: "x"}
	tests := []struct {
		name    string
		env     protocol.Envelope
		wantErr bool
	}{
		{"missing id", protocol.Envelope{Type: protocol.TypeTask, Payload: &task.Payload{}}, true},
		{"task without payload", protocol.Envelope{Type: protocol.TypeTask, TaskID: "a"}, true},
		{"result and error", protocol.Envelope{Type: protocol.TypeTaskResult, TaskID: "a", Result: &result, Error: "e"}, true},
		{"neither result nor error", protocol.Envelope{Type: protocol.TypeTaskResult, TaskID: "a"}, true},
		{"progress", protocol.ProgressFor("a", task.Progress{Status: "downloading"}), false},
		{"admin ok", protocol.NewAdmin("a", protocol.AdminRequest{Command: protocol.AdminStats}), false},
		{"admin unknown", protocol.NewAdmin("a", protocol.AdminRequest{Command: "reboot"}), true},
		{"admin reply", protocol.AdminReplyFor("a", protocol.AdminReply{Cleared: 2}), false},
		{"unknown type", protocol.Envelope{Type: "PING", TaskID: "a"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecode_InvalidKeepsTaskID(t *testing.T) {
	env, err := protocol.Decode([]byte(`{"type":"TASK","taskId":"t-9"}`))
	require.Error(t, err)
	assert.Equal(t, "t-9", env.TaskID)

	_, err = protocol.Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestMessageType_IsResponse(t *testing.T) {
	assert.True(t, protocol.TypeTaskResult.IsResponse())
	assert.True(t, protocol.TypeTaskProgress.IsResponse())
	assert.True(t, protocol.TypeAdminResult.IsResponse())
	assert.False(t, protocol.TypeTask.IsResponse())
	assert.False(t, protocol.TypeAdmin.IsResponse())
}
