package server

import "github.com/agentum-dev/agentum/internal/model"

// tokenRequest asks for a bearer token. An empty user_id mints a fresh
// anonymous identity.
type tokenRequest struct {
	UserID string `json:"user_id,omitempty"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	UserID    string `json:"user_id"`
	ExpiresIn int64  `json:"expires_in"`
}

// configOverrides are the per-request execution knobs.
type configOverrides struct {
	Model          string `json:"model,omitempty"`
	MaxTurns       int    `json:"max_turns,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// runTaskRequest creates a session and starts the task in one call.
type runTaskRequest struct {
	Task   string          `json:"task"`
	Config configOverrides `json:"config,omitempty"`
}

// startTaskRequest continues or resumes an existing session.
type startTaskRequest struct {
	Task   string          `json:"task,omitempty"`
	Config configOverrides `json:"config,omitempty"`
}

type taskStartedResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	Resumed   bool   `json:"resumed"`
}

type sessionListResponse struct {
	Sessions []model.Session `json:"sessions"`
	Total    int             `json:"total"`
}

type cancelResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

type resultMetrics struct {
	NumTurns     int               `json:"num_turns"`
	DurationMS   int64             `json:"duration_ms"`
	TotalCostUSD float64           `json:"total_cost_usd"`
	Model        string            `json:"model,omitempty"`
	Usage        *model.TokenUsage `json:"usage,omitempty"`
}

type resultResponse struct {
	SessionID   string        `json:"session_id"`
	Status      string        `json:"status"`
	Error       string        `json:"error"`
	Comments    string        `json:"comments"`
	Output      string        `json:"output"`
	ResultFiles []string      `json:"result_files"`
	Metrics     resultMetrics `json:"metrics"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Version  string `json:"version"`
	Running  int    `json:"running_sessions"`
}
