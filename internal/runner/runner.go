package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/agentum-dev/agentum/internal/agent"
	"github.com/agentum-dev/agentum/internal/hub"
	"github.com/agentum-dev/agentum/internal/model"
	"github.com/agentum-dev/agentum/internal/permission"
	"github.com/agentum-dev/agentum/internal/sandbox"
	"github.com/agentum-dev/agentum/internal/sessionfs"
	"github.com/agentum-dev/agentum/internal/storage"
	"github.com/agentum-dev/agentum/internal/telemetry"
)

// DefaultMaxConcurrent bounds the number of simultaneously running
// sessions per process.
const DefaultMaxConcurrent = 16

// Options configure the task runner facade.
type Options struct {
	// AgentCommand is the agent executable plus base arguments; the
	// supervisor appends run-specific flags.
	AgentCommand []string

	DefaultModel string
	MaxTurns     int
	Timeout      time.Duration
	Grace        time.Duration
	MaxLineBytes int

	MaxConcurrent    int
	SubscriberBuffer int

	Profile   permission.Profile
	Sandbox   sandbox.Config
	SkillsDir string
}

// TaskOverrides are per-request knobs applied on top of Options.
type TaskOverrides struct {
	Model          string
	MaxTurns       int
	TimeoutSeconds int
}

// Runner is the single entry point shared by the HTTP surface and the CLI
// driver: it resolves configuration, wires the hub, the persistence
// writer, and the supervisor, and starts the run.
type Runner struct {
	opts      Options
	store     *storage.DB
	fs        *sessionfs.Layout
	lifecycle *Lifecycle
	registry  *Registry
	logger    *slog.Logger
}

// New creates the runner facade and registers its liveness gauge.
func New(opts Options, store *storage.DB, fs *sessionfs.Layout, lifecycle *Lifecycle, registry *Registry, logger *slog.Logger) *Runner {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	r := &Runner{
		opts:      opts,
		store:     store,
		fs:        fs,
		lifecycle: lifecycle,
		registry:  registry,
		logger:    logger,
	}

	meter := telemetry.Meter("agentum/runner")
	_, _ = meter.Int64ObservableGauge("agentum.sessions.running",
		metric.WithDescription("Sessions with a live supervisor"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(registry.Count()))
			return nil
		}),
	)
	return r
}

// Lifecycle exposes the session lifecycle manager.
func (r *Runner) Lifecycle() *Lifecycle { return r.lifecycle }

// Registry exposes the live-session registry.
func (r *Runner) Registry() *Registry { return r.registry }

// Start launches a supervised run for the session. The task text and
// resume id come pre-resolved from the lifecycle manager. Start returns
// as soon as the run is live; events flow through the session's hub.
func (r *Runner) Start(ctx context.Context, session model.Session, task, resumeID string, overrides TaskOverrides) error {
	if r.registry.Count() >= r.opts.MaxConcurrent {
		return fmt.Errorf("runner: %d sessions running: %w", r.registry.Count(), model.ErrCapacity)
	}

	sessionDir, err := r.fs.Dir(session.ID)
	if err != nil {
		return err
	}
	workspace, err := r.fs.Workspace(session.ID)
	if err != nil {
		return err
	}

	if r.opts.SkillsDir != "" {
		if err := r.fs.InstallSkillsSymlink(session.ID, r.opts.SkillsDir); err != nil {
			r.logger.Warn("skills symlink install failed",
				"session_id", session.ID, "error", err)
		}
	}

	launcher := sandbox.NewLauncher(r.opts.Sandbox, r.opts.SkillsDir)

	// Pattern matching must see paths the way the agent does: inside the
	// sandbox the workspace is a fixed mount target.
	engineWorkspace := workspace
	if launcher.Enabled() {
		engineWorkspace = sandbox.WorkspaceTarget
	}
	engine := permission.NewEngine(r.opts.Profile, engineWorkspace)

	startSeq, err := r.store.LastSequence(ctx, session.ID)
	if err != nil {
		return err
	}

	h := hub.New(session.ID, startSeq, r.store, r.logger)
	if r.opts.SubscriberBuffer > 0 {
		h.WithSubscriberBuffer(r.opts.SubscriberBuffer)
	}

	params := agent.ExecParams{
		SessionID:    session.ID,
		Task:         task,
		Model:        resolve(overrides.Model, resolve(session.Model, r.opts.DefaultModel)),
		MaxTurns:     resolveInt(overrides.MaxTurns, r.opts.MaxTurns),
		Timeout:      resolveDuration(overrides.TimeoutSeconds, r.opts.Timeout),
		Grace:        r.opts.Grace,
		SessionDir:   sessionDir,
		Workspace:    workspace,
		ResumeID:     resumeID,
		Command:      r.opts.AgentCommand,
		MaxLineBytes: r.opts.MaxLineBytes,
		Engine:       engine,
		Launcher:     launcher,
	}

	// Callbacks run on supervisor goroutines after the request context may
	// be gone; they carry their own detached context.
	exitCtx := context.WithoutCancel(ctx)
	writerDone := make(chan struct{})

	sup := agent.New(params, h, r.fs, r.logger,
		func(agentResumeID string) {
			if err := r.lifecycle.SetResumeID(exitCtx, session.ID, agentResumeID); err != nil {
				r.logger.Error("resume id persist failed",
					"session_id", session.ID, "error", err)
			}
		},
		func(status model.SessionStatus, stats agent.Stats) {
			// The session row flips to its terminal state only after the
			// persistence writer has committed the canonical stream.
			select {
			case <-writerDone:
			case <-time.After(10 * time.Second):
				r.logger.Warn("writer drain timed out before finish",
					"session_id", session.ID)
			}
			r.finishRun(exitCtx, session.ID, status, stats)
		},
	)

	if !r.registry.Add(session.ID, sup, h) {
		return fmt.Errorf("runner: session %s already running: %w", session.ID, model.ErrTransition)
	}

	session, err = r.lifecycle.Transition(ctx, session, model.StatusRunning, 0)
	if err != nil {
		r.registry.Remove(session.ID)
		return err
	}

	writer := NewWriter(h, r.store, r.logger, func(error) { sup.Abort() })
	go func() {
		defer close(writerDone)
		_ = writer.Run(exitCtx)
	}()
	go func() {
		defer r.registry.Remove(session.ID)
		// The run outlives the originating request; only Cancel or
		// process shutdown stops it.
		_ = sup.Run(exitCtx)
	}()

	r.logger.Info("task started",
		"session_id", session.ID, "model", params.Model, "resumed", resumeID != "")
	return nil
}

// finishRun records the terminal status and accumulates run metrics into
// the session row and its file mirror.
func (r *Runner) finishRun(ctx context.Context, sessionID string, status model.SessionStatus, stats agent.Stats) {
	session, err := r.store.GetSession(ctx, sessionID, "")
	if err != nil {
		r.logger.Error("finish: session load failed", "session_id", sessionID, "error", err)
		return
	}

	update := model.SessionUpdate{}
	if stats.NumTurns > 0 {
		turns := session.NumTurns + stats.NumTurns
		update.NumTurns = &turns
	}
	if stats.TotalCostUSD > 0 {
		cost := session.TotalCostUSD + stats.TotalCostUSD
		update.TotalCostUSD = &cost
	}
	if stats.Model != "" {
		update.Model = &stats.Model
	}
	session, err = r.store.UpdateSession(ctx, sessionID, update)
	if err != nil {
		r.logger.Error("finish: metrics update failed", "session_id", sessionID, "error", err)
	}

	if _, err := r.lifecycle.Transition(ctx, session, status, stats.DurationMS); err != nil {
		r.logger.Error("finish: transition failed",
			"session_id", sessionID, "to", string(status), "error", err)
	}

	if info, infoErr := r.fs.ReadInfo(sessionID); infoErr == nil {
		info.Status = string(status)
		if stats.Model != "" {
			info.Model = stats.Model
		}
		usage := stats.Usage
		info.Accumulate(stats.NumTurns, stats.DurationMS, stats.TotalCostUSD, &usage)
		if writeErr := r.fs.WriteInfo(sessionID, info); writeErr != nil {
			r.logger.Warn("finish: session info update failed",
				"session_id", sessionID, "error", writeErr)
		}
	}

	r.logger.Info("task finished",
		"session_id", sessionID, "status", string(status),
		"turns", stats.NumTurns, "duration_ms", stats.DurationMS)
}

// Shutdown cancels every live run and waits for the registry to drain or
// the context to expire.
func (r *Runner) Shutdown(ctx context.Context) {
	r.registry.Each(func(sessionID string, sup *agent.Supervisor) {
		r.logger.Info("shutdown: cancelling live session", "session_id", sessionID)
		sup.Cancel()
	})

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for r.registry.Count() > 0 {
		select {
		case <-ctx.Done():
			r.logger.Warn("shutdown: live sessions remained", "count", r.registry.Count())
			return
		case <-ticker.C:
		}
	}
}

func resolve(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func resolveInt(override, fallback int) int {
	if override > 0 {
		return override
	}
	return fallback
}

func resolveDuration(overrideSeconds int, fallback time.Duration) time.Duration {
	if overrideSeconds > 0 {
		return time.Duration(overrideSeconds) * time.Second
	}
	return fallback
}
