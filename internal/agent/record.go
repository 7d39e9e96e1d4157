// Package agent supervises the sandboxed agent child process: it spawns
// exactly one child per run, adapts the child's structured stdout stream
// into typed events, enforces the wall-clock timeout, and reaps the child
// on cancel.
package agent

import (
	"encoding/json"
	"fmt"

	"github.com/agentum-dev/agentum/internal/model"
)

// record is one line of the child's structured output stream. Every
// complete line is a JSON object whose "type" maps 1:1 to an event kind;
// the remaining fields depend on the type.
type record struct {
	Type string `json:"type"`

	// agent_start
	SessionID  string   `json:"session_id,omitempty"`
	Model      string   `json:"model,omitempty"`
	Tools      []string `json:"tools,omitempty"`
	WorkingDir string   `json:"working_dir,omitempty"`
	Task       string   `json:"task,omitempty"`

	// thinking / message
	Text      string `json:"text,omitempty"`
	IsPartial bool   `json:"is_partial,omitempty"`
	FullText  string `json:"full_text,omitempty"`

	// tool_start / tool_complete
	ToolName  string         `json:"tool_name,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
	ToolID    string         `json:"tool_id,omitempty"`
	Result    string         `json:"result,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`

	// output_display
	Output      string   `json:"output,omitempty"`
	Error       string   `json:"error,omitempty"`
	Comments    string   `json:"comments,omitempty"`
	ResultFiles []string `json:"result_files,omitempty"`
	Status      string   `json:"status,omitempty"`

	// agent_complete / metrics_update
	NumTurns     int              `json:"num_turns,omitempty"`
	DurationMS   int64            `json:"duration_ms,omitempty"`
	TotalCostUSD float64          `json:"total_cost_usd,omitempty"`
	Usage        model.TokenUsage `json:"usage,omitempty"`
	Turns        int              `json:"turns,omitempty"`
	TokensIn     int              `json:"tokens_in,omitempty"`
	TokensOut    int              `json:"tokens_out,omitempty"`

	// error
	Message   string `json:"message,omitempty"`
	ErrorType string `json:"error_type,omitempty"`

	// conversation_turn
	TurnNumber      int      `json:"turn_number,omitempty"`
	PromptPreview   string   `json:"prompt_preview,omitempty"`
	ResponsePreview string   `json:"response_preview,omitempty"`
	ToolsUsed       []string `json:"tools_used,omitempty"`
}

// parseRecord decodes one stdout line. The caller drops malformed lines
// without aborting the stream.
func parseRecord(line []byte) (record, error) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return record{}, fmt.Errorf("agent: malformed record: %w", err)
	}
	if rec.Type == "" {
		return record{}, fmt.Errorf("agent: record missing type")
	}
	return rec, nil
}

// toEvent maps a parsed record to its event kind and typed payload.
// Unknown types are rejected so they can be logged and dropped.
func toEvent(rec record) (model.EventKind, model.EventPayload, error) {
	switch model.EventKind(rec.Type) {
	case model.KindAgentStart:
		return model.KindAgentStart, &model.AgentStartPayload{
			SessionID:  rec.SessionID,
			Model:      rec.Model,
			Tools:      rec.Tools,
			WorkingDir: rec.WorkingDir,
			Task:       rec.Task,
		}, nil
	case model.KindThinking:
		return model.KindThinking, &model.ThinkingPayload{Text: rec.Text}, nil
	case model.KindMessage:
		return model.KindMessage, &model.MessagePayload{
			Text:      rec.Text,
			IsPartial: rec.IsPartial,
			FullText:  rec.FullText,
		}, nil
	case model.KindToolStart:
		return model.KindToolStart, &model.ToolStartPayload{
			ToolName:  rec.ToolName,
			ToolInput: rec.ToolInput,
			ToolID:    rec.ToolID,
		}, nil
	case model.KindToolComplete:
		return model.KindToolComplete, &model.ToolCompletePayload{
			ToolName:   rec.ToolName,
			ToolID:     rec.ToolID,
			Result:     rec.Result,
			DurationMS: rec.DurationMS,
			IsError:    rec.IsError,
		}, nil
	case model.KindConversationTurn:
		return model.KindConversationTurn, &model.ConversationTurnPayload{
			TurnNumber:      rec.TurnNumber,
			PromptPreview:   rec.PromptPreview,
			ResponsePreview: rec.ResponsePreview,
			DurationMS:      rec.DurationMS,
			ToolsUsed:       rec.ToolsUsed,
		}, nil
	case model.KindOutputDisplay:
		return model.KindOutputDisplay, &model.OutputDisplayPayload{
			Output:      rec.Output,
			Error:       rec.Error,
			Comments:    rec.Comments,
			ResultFiles: rec.ResultFiles,
			Status:      rec.Status,
		}, nil
	case model.KindMetricsUpdate:
		return model.KindMetricsUpdate, &model.MetricsUpdatePayload{
			Turns:        rec.Turns,
			TokensIn:     rec.TokensIn,
			TokensOut:    rec.TokensOut,
			TotalCostUSD: rec.TotalCostUSD,
			Model:        rec.Model,
		}, nil
	case model.KindAgentComplete:
		return model.KindAgentComplete, &model.AgentCompletePayload{
			Status:       rec.Status,
			NumTurns:     rec.NumTurns,
			DurationMS:   rec.DurationMS,
			TotalCostUSD: rec.TotalCostUSD,
			Usage:        rec.Usage,
			Model:        rec.Model,
		}, nil
	case model.KindError:
		return model.KindError, &model.ErrorPayload{
			Message:   rec.Message,
			ErrorType: rec.ErrorType,
		}, nil
	}
	return "", nil, fmt.Errorf("agent: unknown record type %q", rec.Type)
}

// toolCallString formats a tool_start record for permission matching,
// e.g. Bash(git status) or Write(./out.yaml).
func toolCallString(rec record) string {
	arg := ""
	switch rec.ToolName {
	case "Bash":
		arg, _ = rec.ToolInput["command"].(string)
	case "Read", "Write", "Edit", "MultiEdit", "NotebookEdit":
		arg, _ = rec.ToolInput["file_path"].(string)
		if arg == "" {
			arg, _ = rec.ToolInput["path"].(string)
		}
	case "Glob", "Grep", "LS":
		arg, _ = rec.ToolInput["path"].(string)
	case "WebFetch":
		arg, _ = rec.ToolInput["url"].(string)
	case "WebSearch":
		arg, _ = rec.ToolInput["query"].(string)
	default:
		return rec.ToolName
	}
	return fmt.Sprintf("%s(%s)", rec.ToolName, arg)
}
