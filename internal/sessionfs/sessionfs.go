// Package sessionfs manages the per-session on-disk directory tree.
//
// Layout under the sessions root:
//
//	<id>/session_info.json    machine-readable session mirror
//	<id>/agent.jsonl          raw per-line child stdout capture
//	<id>/workspace/           agent cwd and output area
//	<id>/workspace/output.yaml
//	<id>/workspace/skills     relative symlink to the shared skills tree
//
// Every path operation validates the session id against a strict format
// and verifies the result stays inside the sessions root, so a crafted id
// can never escape via a filesystem join.
package sessionfs

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentum-dev/agentum/internal/model"
)

// idPattern is the only accepted session id shape: date, time, 8 hex chars.
var idPattern = regexp.MustCompile(`^\d{8}_\d{6}_[a-f0-9]{8}$`)

const (
	dirPerm  = 0o750
	filePerm = 0o640
)

// Layout manages session directories under a single root.
type Layout struct {
	root   string
	logger *slog.Logger
}

// New creates a Layout rooted at root, creating the directory if needed.
func New(root string, logger *slog.Logger) (*Layout, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("sessionfs: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, fmt.Errorf("sessionfs: create root: %w (%w)", err, model.ErrFilesystem)
	}
	// Pin the root to its resolved form once so later containment checks
	// compare like with like even when the root itself is behind a symlink.
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("sessionfs: resolve root symlinks: %w", err)
	}
	return &Layout{root: resolved, logger: logger}, nil
}

// Root returns the resolved sessions root.
func (l *Layout) Root() string { return l.root }

// GenerateID returns a fresh session id of the form
// YYYYMMDD_HHMMSS_<8 hex chars>. Sortable, URL-safe, and path-safe.
func GenerateID() string {
	ts := time.Now().Format("20060102_150405")
	raw := uuid.New()
	return ts + "_" + hex.EncodeToString(raw[:4])
}

// ValidateID rejects any id that does not match the documented format.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("sessionfs: invalid session id %q: %w", id, model.ErrValidation)
	}
	return nil
}

// Dir returns the session directory path after validating the id and its
// containment in the root.
func (l *Layout) Dir(id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	dir := filepath.Join(l.root, id)
	if err := l.contained(dir); err != nil {
		return "", err
	}
	return dir, nil
}

// Workspace returns the session's workspace directory path.
func (l *Layout) Workspace(id string) (string, error) {
	dir, err := l.Dir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "workspace"), nil
}

// OutputFile returns the path of the structured output.yaml.
func (l *Layout) OutputFile(id string) (string, error) {
	ws, err := l.Workspace(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(ws, "output.yaml"), nil
}

// LogFile returns the path of the raw agent stdout capture.
func (l *Layout) LogFile(id string) (string, error) {
	dir, err := l.Dir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "agent.jsonl"), nil
}

// Create builds the session directory with its workspace and writes the
// initial session_info.json mirror. Fails if the directory already exists.
func (l *Layout) Create(id string, info Info) error {
	dir, err := l.Dir(id)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("sessionfs: session %s already exists: %w", id, model.ErrFilesystem)
	}
	if err := os.MkdirAll(filepath.Join(dir, "workspace"), dirPerm); err != nil {
		return fmt.Errorf("sessionfs: create session dir: %w (%w)", err, model.ErrFilesystem)
	}
	if err := l.WriteInfo(id, info); err != nil {
		// Leave no half-created directory behind.
		_ = os.RemoveAll(dir)
		return err
	}
	l.logger.Info("session directory created", "session_id", id)
	return nil
}

// Destroy removes the session directory. Only the two-phase creation
// rollback calls this; sessions are never deleted in normal operation.
func (l *Layout) Destroy(id string) error {
	dir, err := l.Dir(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("sessionfs: destroy session dir: %w (%w)", err, model.ErrFilesystem)
	}
	l.logger.Info("session directory removed", "session_id", id)
	return nil
}

// InstallSkillsSymlink links workspace/skills to the shared skills tree
// using a relative target. Idempotent: an existing link is left in place.
func (l *Layout) InstallSkillsSymlink(id, skillsDir string) error {
	ws, err := l.Workspace(id)
	if err != nil {
		return err
	}
	link := filepath.Join(ws, "skills")
	if _, err := os.Lstat(link); err == nil {
		return nil
	}

	target, err := filepath.Rel(ws, skillsDir)
	if err != nil {
		target = skillsDir
	}
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("sessionfs: install skills symlink: %w (%w)", err, model.ErrFilesystem)
	}
	return nil
}

// ResolveWorkspaceFile maps a workspace-relative path to an absolute path,
// rejecting absolute inputs, parent traversal, and symlinks that escape
// the workspace.
func (l *Layout) ResolveWorkspaceFile(id, rel string) (string, error) {
	ws, err := l.Workspace(id)
	if err != nil {
		return "", err
	}

	cleaned := strings.TrimSpace(rel)
	cleaned = strings.TrimPrefix(cleaned, "./")
	if cleaned == "" || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("sessionfs: invalid workspace path %q: %w", rel, model.ErrValidation)
	}

	candidate := filepath.Join(ws, cleaned)
	relToWS, err := filepath.Rel(ws, candidate)
	if err != nil || relToWS == ".." || strings.HasPrefix(relToWS, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("sessionfs: path %q escapes workspace: %w", rel, model.ErrValidation)
	}

	// A symlink inside the workspace must also resolve inside it.
	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("sessionfs: %q: %w", rel, model.ErrNotFound)
		}
		return "", fmt.Errorf("sessionfs: resolve %q: %w (%w)", rel, err, model.ErrFilesystem)
	}
	resolvedWS, err := filepath.EvalSymlinks(ws)
	if err != nil {
		return "", fmt.Errorf("sessionfs: resolve workspace: %w (%w)", err, model.ErrFilesystem)
	}
	relResolved, err := filepath.Rel(resolvedWS, resolved)
	if err != nil || relResolved == ".." || strings.HasPrefix(relResolved, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("sessionfs: symlink %q escapes workspace: %w", rel, model.ErrValidation)
	}
	return resolved, nil
}

// contained verifies path is a descendant of the root without following
// symlinks in the final element.
func (l *Layout) contained(path string) error {
	rel, err := filepath.Rel(l.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("sessionfs: path escapes sessions root: %w", model.ErrValidation)
	}
	return nil
}

// AppendAgentLine appends one raw child stdout line to agent.jsonl.
func (l *Layout) AppendAgentLine(id string, line []byte) error {
	path, err := l.LogFile(id)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePerm)
	if err != nil {
		return fmt.Errorf("sessionfs: open agent log: %w (%w)", err, model.ErrFilesystem)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("sessionfs: append agent log: %w (%w)", err, model.ErrFilesystem)
	}
	return nil
}

// WriteInfo writes the session_info.json mirror atomically.
func (l *Layout) WriteInfo(id string, info Info) error {
	dir, err := l.Dir(id)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("sessionfs: marshal session info: %w", err)
	}
	tmp := filepath.Join(dir, ".session_info.json.tmp")
	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return fmt.Errorf("sessionfs: write session info: %w (%w)", err, model.ErrFilesystem)
	}
	if err := os.Rename(tmp, filepath.Join(dir, "session_info.json")); err != nil {
		return fmt.Errorf("sessionfs: commit session info: %w (%w)", err, model.ErrFilesystem)
	}
	return nil
}

// ReadInfo loads the session_info.json mirror.
func (l *Layout) ReadInfo(id string) (Info, error) {
	dir, err := l.Dir(id)
	if err != nil {
		return Info{}, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "session_info.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, fmt.Errorf("sessionfs: session info for %s: %w", id, model.ErrNotFound)
		}
		return Info{}, fmt.Errorf("sessionfs: read session info: %w (%w)", err, model.ErrFilesystem)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("sessionfs: decode session info: %w", err)
	}
	return info, nil
}
