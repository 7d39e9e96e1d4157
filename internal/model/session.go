package model

import "time"

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusRunning   SessionStatus = "running"
	StatusComplete  SessionStatus = "complete"
	StatusFailed    SessionStatus = "failed"
	StatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the status is final for a run.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from → to is a legal status transition.
// pending→running is the only non-terminal transition and every other
// transition lands in a terminal state — except that a resumed run
// reopens a terminal session back to running.
func CanTransition(from, to SessionStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to.Terminal()
	case StatusRunning:
		return to.Terminal()
	case StatusComplete, StatusFailed, StatusCancelled:
		return to == StatusRunning
	}
	return false
}

// Session is one user-initiated task run, or a chain of resumed runs
// sharing the same identity. A Session row exists iff its on-disk
// directory exists; the lifecycle manager enforces that invariant.
type Session struct {
	ID     string        `json:"id"`
	UserID string        `json:"user_id"`
	Status SessionStatus `json:"status"`

	Task       string `json:"task"`
	Model      string `json:"model,omitempty"`
	WorkingDir string `json:"working_dir"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Accumulated metrics; monotonically non-decreasing across the life
	// of the session, including resumed runs.
	NumTurns     int     `json:"num_turns"`
	DurationMS   int64   `json:"duration_ms"`
	TotalCostUSD float64 `json:"total_cost_usd"`

	CancelRequested bool `json:"cancel_requested"`

	// ResumeID is the opaque token the agent hands back in its first
	// agent_start event; the next run on this session passes it through
	// to continue the conversation context.
	ResumeID *string `json:"resume_id,omitempty"`
}

// SessionUpdate is a partial update applied by UpdateSession. Nil fields
// are left untouched.
type SessionUpdate struct {
	Status          *SessionStatus
	NumTurns        *int
	DurationMS      *int64
	TotalCostUSD    *float64
	CancelRequested *bool
	ResumeID        *string
	CompletedAt     *time.Time
	Model           *string
}
