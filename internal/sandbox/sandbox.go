// Package sandbox builds the bubblewrap command line that isolates the
// agent child process.
//
// The wrapping is configured once via security.yaml, not per call. When
// sandboxing is enabled and the bwrap binary is missing the launcher
// fails closed: there is no fallback to direct execution.
package sandbox

import (
	"fmt"
	"iter"
	"maps"
	"os"
	"os/exec"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/agentum-dev/agentum/internal/model"
)

// Fixed in-sandbox paths. The session directory is always bound to
// /session so the agent sees a stable world regardless of host layout.
const (
	SessionTarget   = "/session"
	WorkspaceTarget = "/session/workspace"
	SkillsTarget    = "/skills"
)

// Mount is one bind mount into the sandbox.
type Mount struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
	Mode   string `yaml:"mode"` // "ro" or "rw"
}

// Environment describes the variables visible inside the sandbox. The
// host environment is cleared and re-populated from this enumerated set.
type Environment struct {
	ClearEnv bool              `yaml:"clear_env"`
	Home     string            `yaml:"home"`
	Path     string            `yaml:"path"`
	Extra    map[string]string `yaml:"extra"`
}

// Config mirrors security.yaml.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	BwrapPath string `yaml:"bwrap_path"`

	UnsharePID bool `yaml:"unshare_pid"`
	UnshareIPC bool `yaml:"unshare_ipc"`
	UnshareUTS bool `yaml:"unshare_uts"`

	TmpfsSize    string  `yaml:"tmpfs_size"`
	SystemMounts []Mount `yaml:"system_mounts"`

	Environment Environment `yaml:"environment"`
}

// DefaultConfig returns the sandbox defaults used when no security.yaml
// is present: full namespace isolation over the standard system trees.
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		BwrapPath:  "bwrap",
		UnsharePID: true,
		UnshareIPC: true,
		UnshareUTS: true,
		TmpfsSize:  "100M",
		SystemMounts: []Mount{
			{Source: "/usr", Target: "/usr", Mode: "ro"},
			{Source: "/lib", Target: "/lib", Mode: "ro"},
			{Source: "/bin", Target: "/bin", Mode: "ro"},
		},
		Environment: Environment{
			ClearEnv: true,
			Home:     WorkspaceTarget,
			Path:     "/usr/bin:/bin",
		},
	}
}

// LoadConfig reads security.yaml from path. A missing file yields the
// defaults; a malformed file is an error.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("sandbox: read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("sandbox: parse config: %w (%w)", err, model.ErrValidation)
	}
	return cfg, nil
}

// Launcher wraps agent command vectors in bubblewrap isolation.
type Launcher struct {
	cfg       Config
	skillsDir string
}

// NewLauncher creates a launcher. skillsDir is mounted read-only at
// /skills when it exists; pass empty to skip.
func NewLauncher(cfg Config, skillsDir string) *Launcher {
	return &Launcher{cfg: cfg, skillsDir: skillsDir}
}

// Enabled reports whether wrapping is active.
func (l *Launcher) Enabled() bool { return l.cfg.Enabled }

// Check verifies the isolation binary is available. When sandboxing is
// enabled and the binary cannot be found the error wraps
// model.ErrSandboxUnavailable.
func (l *Launcher) Check() error {
	if !l.cfg.Enabled {
		return nil
	}
	if _, err := exec.LookPath(l.cfg.BwrapPath); err != nil {
		return fmt.Errorf("sandbox: %s not found: %w (%w)",
			l.cfg.BwrapPath, err, model.ErrSandboxUnavailable)
	}
	return nil
}

// Wrap returns the command vector that runs command under isolation with
// the session directory bound read-write at /session. When sandboxing is
// disabled the command passes through unchanged.
func (l *Launcher) Wrap(command []string, sessionDir string, extraEnv map[string]string) []string {
	if !l.cfg.Enabled {
		return command
	}

	cfg := l.cfg
	cmd := []string{cfg.BwrapPath}

	if cfg.UnsharePID {
		cmd = append(cmd, "--unshare-pid")
	}
	if cfg.UnshareIPC {
		cmd = append(cmd, "--unshare-ipc")
	}
	if cfg.UnshareUTS {
		cmd = append(cmd, "--unshare-uts")
	}

	cmd = append(cmd, "--die-with-parent", "--new-session")

	// The session directory is the agent's entire writable world.
	cmd = append(cmd, "--bind", sessionDir, SessionTarget)

	for _, m := range cfg.SystemMounts {
		if _, err := os.Stat(m.Source); err != nil {
			continue
		}
		if m.Mode == "rw" {
			cmd = append(cmd, "--bind", m.Source, m.Target)
		} else {
			cmd = append(cmd, "--ro-bind", m.Source, m.Target)
		}
	}

	// /lib64 exists on most glibc hosts and is needed by dynamic binaries.
	if _, err := os.Stat("/lib64"); err == nil {
		cmd = append(cmd, "--ro-bind", "/lib64", "/lib64")
	}

	if l.skillsDir != "" {
		if _, err := os.Stat(l.skillsDir); err == nil {
			cmd = append(cmd, "--ro-bind", l.skillsDir, SkillsTarget)
		}
	}

	cmd = append(cmd,
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp:size="+cfg.TmpfsSize,
	)

	if cfg.Environment.ClearEnv {
		cmd = append(cmd, "--clearenv")
	}
	cmd = append(cmd,
		"--setenv", "HOME", cfg.Environment.Home,
		"--setenv", "PATH", cfg.Environment.Path,
	)
	for k, v := range sortedEnv(cfg.Environment.Extra) {
		cmd = append(cmd, "--setenv", k, v)
	}
	for k, v := range sortedEnv(extraEnv) {
		cmd = append(cmd, "--setenv", k, v)
	}

	cmd = append(cmd, "--chdir", WorkspaceTarget, "--")
	return append(cmd, command...)
}

// sortedEnv iterates a map in key order so the generated command line is
// deterministic.
func sortedEnv(m map[string]string) iter.Seq2[string, string] {
	keys := slices.Sorted(maps.Keys(m))
	return func(yield func(string, string) bool) {
		for _, k := range keys {
			if !yield(k, m[k]) {
				return
			}
		}
	}
}
