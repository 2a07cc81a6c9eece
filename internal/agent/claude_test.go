package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBuildClaudeArgs(t *testing.T) {
	args := buildClaudeArgs(Config{
		Prompt:       "do the thing",
		Model:        "sonnet",
		SystemPrompt: "contract",
		MaxTurns:     3,
	})

	require.Equal(t, []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
		"--model", "sonnet",
		"--max-turns", "3",
		"--dangerously-skip-permissions",
		"--append-system-prompt", "contract",
		"--", "do the thing",
	}, args)
}

func TestBuildClaudeArgs_Resume(t *testing.T) {
	args := buildClaudeArgs(Config{
		Prompt:     "use main",
		SessionRef: "sess-42",
		Timeout:    time.Minute,
	})
	require.Contains(t, args, "--resume")
	require.Contains(t, args, "sess-42")
	require.NotContains(t, args, "--model", "empty model is omitted")
}

func TestParseClaudeEvent_Init(t *testing.T) {
	line := []byte(`{"type":"system","subtype":"init","session_id":"abc-123","model":"claude-sonnet"}`)
	event, err := parseClaudeEvent(line)
	require.NoError(t, err)
	require.True(t, event.IsInit())
	require.Equal(t, "abc-123", event.SessionID)
}

func TestParseClaudeEvent_AssistantToolUse(t *testing.T) {
	line := []byte(`{"type":"assistant","message":{"role":"assistant","content":[` +
		`{"type":"text","text":"editing"},` +
		`{"type":"tool_use","id":"t1","name":"Write","input":{"file_path":"/tmp/a.md"}}]}}`)
	event, err := parseClaudeEvent(line)
	require.NoError(t, err)
	require.Equal(t, EventAssistant, event.Type)
	require.Equal(t, "editing", event.Message.GetText())

	tools := event.Message.ToolUses()
	require.Len(t, tools, 1)
	require.Equal(t, "Write", tools[0].Name)
}

func TestParseClaudeEvent_Result(t *testing.T) {
	line := []byte(`{"type":"result","subtype":"success","total_cost_usd":0.42,` +
		`"duration_ms":1234,"is_error":false,"result":"{\"status\":\"success\",\"message\":\"ok\"}"}`)
	event, err := parseClaudeEvent(line)
	require.NoError(t, err)
	require.True(t, event.IsResult())
	require.False(t, event.IsError())
	require.InDelta(t, 0.42, event.TotalCostUSD, 1e-9)
	require.Contains(t, event.Result, `"status":"success"`)
}

func TestParseClaudeEvent_PolymorphicError(t *testing.T) {
	cases := []struct {
		name string
		line string
		want string
	}{
		{"string code", `{"type":"result","error":"invalid_request","is_error":true}`, "invalid_request"},
		{"object", `{"type":"result","error":{"message":"rate limited","code":"429"},"is_error":true}`, "429"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event, err := parseClaudeEvent([]byte(tc.line))
			require.NoError(t, err)
			require.True(t, event.IsError())
			require.NotNil(t, event.Error)
			require.Equal(t, tc.want, event.Error.Code)
		})
	}
}

func TestParseClaudeEvent_NullError(t *testing.T) {
	event, err := parseClaudeEvent([]byte(`{"type":"result","error":null,"result":"ok"}`))
	require.NoError(t, err)
	require.Nil(t, event.Error)
	require.False(t, event.IsError())
}

func TestParseClaudeEvent_Garbage(t *testing.T) {
	_, err := parseClaudeEvent([]byte("not json"))
	require.Error(t, err)
}

func TestClientRegistry(t *testing.T) {
	require.True(t, IsRegistered(ClientClaude))
	require.True(t, IsRegistered(ClientMock))

	c, err := NewClient(ClientMock)
	require.NoError(t, err)
	require.Equal(t, ClientMock, c.Type())

	_, err = NewClient(ClientType("nope"))
	require.ErrorIs(t, err, ErrUnknownClientType)
}
