package sessionfs

import (
	"time"

	"github.com/agentum-dev/agentum/internal/model"
)

// Info is the machine-readable session mirror written to
// session_info.json for consumption by the sandboxed agent. It also
// carries the cumulative statistics that survive across resumed runs.
type Info struct {
	SessionID  string    `json:"session_id"`
	CreatedAt  time.Time `json:"created_at"`
	WorkingDir string    `json:"working_dir"`
	Status     string    `json:"status"`
	Model      string    `json:"model,omitempty"`
	ResumeID   string    `json:"resume_id,omitempty"`

	// Current-run metrics.
	NumTurns     int     `json:"num_turns"`
	DurationMS   int64   `json:"duration_ms"`
	TotalCostUSD float64 `json:"total_cost_usd"`

	// Cumulative metrics across all runs of this session.
	CumulativeTurns      int               `json:"cumulative_turns"`
	CumulativeDurationMS int64             `json:"cumulative_duration_ms"`
	CumulativeCostUSD    float64           `json:"cumulative_cost_usd"`
	CumulativeUsage      *model.TokenUsage `json:"cumulative_usage,omitempty"`
}

// Accumulate folds one run's metrics into the mirror, updating both the
// current-run fields and the cumulative totals.
func (i *Info) Accumulate(turns int, durationMS int64, costUSD float64, usage *model.TokenUsage) {
	i.NumTurns = turns
	i.DurationMS = durationMS
	i.TotalCostUSD = costUSD
	i.CumulativeTurns += turns
	i.CumulativeDurationMS += durationMS
	i.CumulativeCostUSD += costUSD
	if usage != nil {
		if i.CumulativeUsage == nil {
			u := *usage
			i.CumulativeUsage = &u
		} else {
			sum := i.CumulativeUsage.Add(*usage)
			i.CumulativeUsage = &sum
		}
	}
}
