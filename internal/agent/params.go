package agent

import (
	"strconv"
	"time"

	"github.com/agentum-dev/agentum/internal/model"
	"github.com/agentum-dev/agentum/internal/permission"
	"github.com/agentum-dev/agentum/internal/sandbox"
)

// ExecParams are the resolved inputs for one supervised run. The task
// runner facade builds them from the session record, the base config, and
// any per-request overrides.
type ExecParams struct {
	SessionID string
	Task      string
	Model     string
	MaxTurns  int

	// Timeout is the wall-clock budget for the child. Grace is how long a
	// termination signal is given to work before the child is killed.
	Timeout time.Duration
	Grace   time.Duration

	// SessionDir is the host path of the session directory (bound into
	// the sandbox); Workspace is its workspace subdirectory.
	SessionDir string
	Workspace  string

	// ResumeID continues the agent-native conversation when set.
	ResumeID string

	// Command is the agent executable and its base arguments; the
	// supervisor appends run-specific flags.
	Command []string

	// MaxLineBytes bounds one stdout line; longer lines are truncated.
	MaxLineBytes int

	Engine   *permission.Engine
	Launcher *sandbox.Launcher
}

// Stats accumulates the run metrics reported by the child, used to update
// the session row on exit.
type Stats struct {
	NumTurns     int
	DurationMS   int64
	TotalCostUSD float64
	Usage        model.TokenUsage
	Model        string
}

// argv builds the full child command before sandbox wrapping.
func (p ExecParams) argv() []string {
	args := append([]string{}, p.Command...)
	args = append(args, "--task", p.Task)
	if p.Model != "" {
		args = append(args, "--model", p.Model)
	}
	if p.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(p.MaxTurns))
	}
	if p.ResumeID != "" {
		args = append(args, "--resume", p.ResumeID)
	}
	return args
}
