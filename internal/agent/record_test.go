package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentum-dev/agentum/internal/model"
)

func TestParseRecordRejectsMalformed(t *testing.T) {
	_, err := parseRecord([]byte("not json"))
	assert.Error(t, err)

	_, err = parseRecord([]byte(`{"text":"no type"}`))
	assert.Error(t, err)

	rec, err := parseRecord([]byte(`{"type":"thinking","text":"hm"}`))
	require.NoError(t, err)
	assert.Equal(t, "thinking", rec.Type)
	assert.Equal(t, "hm", rec.Text)
}

func TestToEventMapping(t *testing.T) {
	tests := []struct {
		line string
		kind model.EventKind
	}{
		{`{"type":"agent_start","session_id":"n1","model":"m"}`, model.KindAgentStart},
		{`{"type":"thinking","text":"hm"}`, model.KindThinking},
		{`{"type":"message","text":"a","is_partial":true}`, model.KindMessage},
		{`{"type":"tool_start","tool_name":"Bash","tool_input":{"command":"ls"},"tool_id":"t1"}`, model.KindToolStart},
		{`{"type":"tool_complete","tool_name":"Bash","tool_id":"t1","result":"ok"}`, model.KindToolComplete},
		{`{"type":"conversation_turn","turn_number":1}`, model.KindConversationTurn},
		{`{"type":"output_display","status":"COMPLETE"}`, model.KindOutputDisplay},
		{`{"type":"metrics_update","turns":2}`, model.KindMetricsUpdate},
		{`{"type":"agent_complete","status":"complete"}`, model.KindAgentComplete},
		{`{"type":"error","message":"boom","error_type":"x"}`, model.KindError},
	}
	for _, tt := range tests {
		rec, err := parseRecord([]byte(tt.line))
		require.NoError(t, err, tt.line)
		kind, payload, err := toEvent(rec)
		require.NoError(t, err, tt.line)
		assert.Equal(t, tt.kind, kind)
		assert.NotNil(t, payload)
	}

	rec, err := parseRecord([]byte(`{"type":"cancelled"}`))
	require.NoError(t, err)
	_, _, err = toEvent(rec)
	assert.Error(t, err, "cancelled is emitted by the supervisor, never by the child")
}

func TestToolCallString(t *testing.T) {
	tests := []struct {
		rec  record
		want string
	}{
		{record{ToolName: "Bash", ToolInput: map[string]any{"command": "git status"}}, "Bash(git status)"},
		{record{ToolName: "Write", ToolInput: map[string]any{"file_path": "./out.yaml"}}, "Write(./out.yaml)"},
		{record{ToolName: "Read", ToolInput: map[string]any{"path": "./a.txt"}}, "Read(./a.txt)"},
		{record{ToolName: "Glob", ToolInput: map[string]any{"path": "./src"}}, "Glob(./src)"},
		{record{ToolName: "WebFetch", ToolInput: map[string]any{"url": "https://x.test"}}, "WebFetch(https://x.test)"},
		{record{ToolName: "Task", ToolInput: map[string]any{"prompt": "..."}}, "Task"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, toolCallString(tt.rec))
	}
}

func TestExecParamsArgv(t *testing.T) {
	params := ExecParams{
		Task:     "do it",
		Model:    "model-x",
		MaxTurns: 50,
		ResumeID: "native-1",
		Command:  []string{"agentum-agent", "--stream"},
	}
	assert.Equal(t, []string{
		"agentum-agent", "--stream",
		"--task", "do it",
		"--model", "model-x",
		"--max-turns", "50",
		"--resume", "native-1",
	}, params.argv())
}
