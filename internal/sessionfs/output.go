package sessionfs

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/agentum-dev/agentum/internal/model"
)

// OutputReport is the structured result the agent writes to
// workspace/output.yaml through its reserved output tool. All fields are
// always present in the parsed form; a missing or unparseable file yields
// the FAILED defaults.
type OutputReport struct {
	SessionID   string   `yaml:"session_id" json:"session_id"`
	Status      string   `yaml:"status" json:"status"`
	Error       string   `yaml:"error" json:"error"`
	Comments    string   `yaml:"comments" json:"comments"`
	Output      string   `yaml:"output" json:"output"`
	ResultFiles []string `yaml:"result_files" json:"result_files"`
}

// EmptyOutput returns the default report used when no output.yaml exists.
func EmptyOutput(sessionID string) OutputReport {
	return OutputReport{
		SessionID:   sessionID,
		Status:      "FAILED",
		ResultFiles: []string{},
	}
}

// ParseOutput reads and parses the session's output.yaml. A missing file
// or YAML parse failure is not an error: the agent may have crashed before
// writing output, and the caller still needs a well-formed report.
func (l *Layout) ParseOutput(id string) (OutputReport, error) {
	path, err := l.OutputFile(id)
	if err != nil {
		return OutputReport{}, err
	}

	report := EmptyOutput(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			l.logger.Debug("no output.yaml for session", "session_id", id)
			return report, nil
		}
		return OutputReport{}, fmt.Errorf("sessionfs: read output.yaml: %w (%w)", err, model.ErrFilesystem)
	}

	if err := yaml.Unmarshal(data, &report); err != nil {
		l.logger.Warn("failed to parse output.yaml", "session_id", id, "error", err)
		return EmptyOutput(id), nil
	}
	if report.SessionID == "" {
		report.SessionID = id
	}
	if report.Status == "" {
		report.Status = "FAILED"
	}
	if report.ResultFiles == nil {
		report.ResultFiles = []string{}
	}
	return report, nil
}
