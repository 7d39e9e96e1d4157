package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind represents the category of a session event.
type EventKind string

const (
	// Run lifecycle events.
	KindAgentStart    EventKind = "agent_start"
	KindAgentComplete EventKind = "agent_complete"
	KindError         EventKind = "error"
	KindCancelled     EventKind = "cancelled"

	// Conversation events.
	KindUserMessage      EventKind = "user_message"
	KindThinking         EventKind = "thinking"
	KindMessage          EventKind = "message"
	KindConversationTurn EventKind = "conversation_turn"

	// Tool events.
	KindToolStart    EventKind = "tool_start"
	KindToolComplete EventKind = "tool_complete"

	// Reporting events.
	KindOutputDisplay EventKind = "output_display"
	KindMetricsUpdate EventKind = "metrics_update"

	// Control-plane events.
	KindProfileSwitch     EventKind = "profile_switch"
	KindHookTriggered     EventKind = "hook_triggered"
	KindSessionConnect    EventKind = "session_connect"
	KindSessionDisconnect EventKind = "session_disconnect"
)

// Terminal reports whether emission of this kind ends the event stream.
func (k EventKind) Terminal() bool {
	switch k {
	case KindAgentComplete, KindError, KindCancelled:
		return true
	}
	return false
}

// EventPayload is the closed set of per-kind payload types. Payloads are
// typed structs end to end; the documented JSON shape exists only on the
// wire and in the event store.
type EventPayload interface {
	isEventPayload()
}

// Event is one entry in a session's event stream. Sequence numbers are
// assigned by the hub, start at 1, and are dense on the live stream.
type Event struct {
	Kind      EventKind
	Sequence  int64
	Timestamp time.Time
	Payload   EventPayload
}

// Terminal reports whether this event closes the stream.
func (e Event) Terminal() bool { return e.Kind.Terminal() }

// Persistable reports whether this event belongs to the canonical persisted
// subset: everything except partial message fragments.
func (e Event) Persistable() bool {
	msg, ok := e.Payload.(*MessagePayload)
	if e.Kind != KindMessage || !ok {
		return true
	}
	return !msg.IsPartial
}

// wireEvent is the documented serialization shape.
type wireEvent struct {
	Type      EventKind       `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// MarshalJSON serializes the event to the wire form
// {"type","data","timestamp","sequence"}.
func (e Event) MarshalJSON() ([]byte, error) {
	payload := e.Payload
	if payload == nil {
		payload = emptyPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("model: marshal %s payload: %w", e.Kind, err)
	}
	return json.Marshal(wireEvent{
		Type:      e.Kind,
		Data:      data,
		Timestamp: e.Timestamp.UTC(),
		Sequence:  e.Sequence,
	})
}

// UnmarshalJSON parses the wire form back into a typed event. Used on the
// replay path when persisted events are read from the store.
func (e *Event) UnmarshalJSON(raw []byte) error {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return fmt.Errorf("model: decode event: %w", err)
	}
	payload, err := decodePayload(w.Type, w.Data)
	if err != nil {
		return err
	}
	e.Kind = w.Type
	e.Sequence = w.Sequence
	e.Timestamp = w.Timestamp
	e.Payload = payload
	return nil
}

// decodePayload unmarshals the data object into the payload type for kind.
// Unknown kinds decode into RawPayload so replay never drops events written
// by a newer build.
func decodePayload(kind EventKind, data json.RawMessage) (EventPayload, error) {
	var target EventPayload
	switch kind {
	case KindAgentStart:
		target = &AgentStartPayload{}
	case KindUserMessage:
		target = &UserMessagePayload{}
	case KindThinking:
		target = &ThinkingPayload{}
	case KindMessage:
		target = &MessagePayload{}
	case KindToolStart:
		target = &ToolStartPayload{}
	case KindToolComplete:
		target = &ToolCompletePayload{}
	case KindOutputDisplay:
		target = &OutputDisplayPayload{}
	case KindAgentComplete:
		target = &AgentCompletePayload{}
	case KindMetricsUpdate:
		target = &MetricsUpdatePayload{}
	case KindError:
		target = &ErrorPayload{}
	case KindCancelled:
		target = &CancelledPayload{}
	case KindConversationTurn:
		target = &ConversationTurnPayload{}
	case KindProfileSwitch:
		target = &ProfileSwitchPayload{}
	case KindHookTriggered:
		target = &HookTriggeredPayload{}
	case KindSessionConnect:
		target = &SessionConnectPayload{}
	case KindSessionDisconnect:
		target = &SessionDisconnectPayload{}
	default:
		return RawPayload(append(json.RawMessage{}, data...)), nil
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, target); err != nil {
			return nil, fmt.Errorf("model: decode %s payload: %w", kind, err)
		}
	}
	return target, nil
}

type emptyPayload struct{}

func (emptyPayload) isEventPayload() {}

// RawPayload preserves the data object of an event kind this build does not
// know. It round-trips verbatim.
type RawPayload json.RawMessage

func (RawPayload) isEventPayload() {}

// MarshalJSON emits the preserved bytes unchanged.
func (p RawPayload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("{}"), nil
	}
	return json.RawMessage(p).MarshalJSON()
}

// TokenUsage tracks token counts for a run. Cumulative usage across resumed
// runs is additive.
type TokenUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// Add returns the element-wise sum of two usages.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:              u.InputTokens + other.InputTokens,
		OutputTokens:             u.OutputTokens + other.OutputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens + other.CacheCreationInputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens + other.CacheReadInputTokens,
	}
}

// AgentStartPayload announces the child agent is live. SessionID is the
// agent-native conversation id, captured as the session's resume token.
type AgentStartPayload struct {
	SessionID  string   `json:"session_id"`
	Model      string   `json:"model"`
	Tools      []string `json:"tools"`
	WorkingDir string   `json:"working_dir"`
	Task       string   `json:"task"`
}

func (*AgentStartPayload) isEventPayload() {}

// UserMessagePayload echoes the submitted task text into the stream.
type UserMessagePayload struct {
	Text string `json:"text"`
}

func (*UserMessagePayload) isEventPayload() {}

// ThinkingPayload carries model reasoning text.
type ThinkingPayload struct {
	Text string `json:"text"`
}

func (*ThinkingPayload) isEventPayload() {}

// MessagePayload carries assistant text. Partial fragments stream with
// IsPartial set and are never persisted; the final message carries the
// concatenated FullText and supersedes the fragments on the client.
type MessagePayload struct {
	Text      string `json:"text"`
	IsPartial bool   `json:"is_partial"`
	FullText  string `json:"full_text,omitempty"`
}

func (*MessagePayload) isEventPayload() {}

// ToolStartPayload announces a tool invocation.
type ToolStartPayload struct {
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
	ToolID    string         `json:"tool_id"`
}

func (*ToolStartPayload) isEventPayload() {}

// ToolCompletePayload reports a finished tool invocation.
type ToolCompletePayload struct {
	ToolName   string `json:"tool_name"`
	ToolID     string `json:"tool_id"`
	Result     string `json:"result"`
	DurationMS int64  `json:"duration_ms"`
	IsError    bool   `json:"is_error"`
}

func (*ToolCompletePayload) isEventPayload() {}

// OutputDisplayPayload mirrors the structured output.yaml the agent wrote.
type OutputDisplayPayload struct {
	Output      string   `json:"output"`
	Error       string   `json:"error"`
	Comments    string   `json:"comments"`
	ResultFiles []string `json:"result_files"`
	Status      string   `json:"status"`
}

func (*OutputDisplayPayload) isEventPayload() {}

// AgentCompletePayload is the terminal event of a successful run.
type AgentCompletePayload struct {
	Status       string     `json:"status"`
	NumTurns     int        `json:"num_turns"`
	DurationMS   int64      `json:"duration_ms"`
	TotalCostUSD float64    `json:"total_cost_usd"`
	Usage        TokenUsage `json:"usage"`
	Model        string     `json:"model"`
}

func (*AgentCompletePayload) isEventPayload() {}

// MetricsUpdatePayload reports additive, monotonic in-flight metrics.
type MetricsUpdatePayload struct {
	Turns        int     `json:"turns"`
	TokensIn     int     `json:"tokens_in"`
	TokensOut    int     `json:"tokens_out"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	Model        string  `json:"model"`
}

func (*MetricsUpdatePayload) isEventPayload() {}

// ErrorPayload is the terminal event of a failed run.
type ErrorPayload struct {
	Message   string `json:"message"`
	ErrorType string `json:"error_type"`
}

func (*ErrorPayload) isEventPayload() {}

// CancelledPayload is the terminal event of a cancelled run. Resumable is
// true when an agent_start was seen before the cancel, so the conversation
// can be continued on the same session.
type CancelledPayload struct {
	Message   string `json:"message"`
	Resumable bool   `json:"resumable"`
}

func (*CancelledPayload) isEventPayload() {}

// ConversationTurnPayload summarizes one prompt/response exchange.
type ConversationTurnPayload struct {
	TurnNumber      int      `json:"turn_number"`
	PromptPreview   string   `json:"prompt_preview"`
	ResponsePreview string   `json:"response_preview"`
	DurationMS      int64    `json:"duration_ms"`
	ToolsUsed       []string `json:"tools_used"`
}

func (*ConversationTurnPayload) isEventPayload() {}

// ProfileSwitchPayload records a permission profile change mid-run.
type ProfileSwitchPayload struct {
	Profile string `json:"profile"`
}

func (*ProfileSwitchPayload) isEventPayload() {}

// HookTriggeredPayload records a host hook firing for a tool call.
type HookTriggeredPayload struct {
	Hook     string `json:"hook"`
	ToolName string `json:"tool_name"`
}

func (*HookTriggeredPayload) isEventPayload() {}

// SessionConnectPayload marks a subscriber attaching to the stream.
type SessionConnectPayload struct {
	SessionID string `json:"session_id"`
}

func (*SessionConnectPayload) isEventPayload() {}

// SessionDisconnectPayload marks a subscriber detaching from the stream.
type SessionDisconnectPayload struct {
	SessionID string `json:"session_id"`
}

func (*SessionDisconnectPayload) isEventPayload() {}
