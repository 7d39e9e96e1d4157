package agentum

import "log/slog"

// Option configures New().
type Option func(*resolvedOptions)

// resolvedOptions is the internal accumulation of all options.
type resolvedOptions struct {
	logger       *slog.Logger
	version      string
	configDir    string
	port         int
	databasePath string
	sessionsRoot string
	agentCommand []string
}

// WithLogger sets the structured logger used by every subsystem.
// Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the reported version string (default "dev").
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithConfigDir overrides the configuration directory (default "config",
// or AGENTUM_CONFIG_DIR).
func WithConfigDir(dir string) Option {
	return func(o *resolvedOptions) { o.configDir = dir }
}

// WithPort overrides the HTTP listen port.
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabasePath overrides the SQLite database file path.
func WithDatabasePath(path string) Option {
	return func(o *resolvedOptions) { o.databasePath = path }
}

// WithSessionsRoot overrides the sessions directory root.
func WithSessionsRoot(root string) Option {
	return func(o *resolvedOptions) { o.sessionsRoot = root }
}

// WithAgentCommand overrides the agent child command vector.
func WithAgentCommand(command []string) Option {
	return func(o *resolvedOptions) { o.agentCommand = command }
}
