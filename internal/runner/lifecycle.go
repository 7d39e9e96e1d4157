package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentum-dev/agentum/internal/model"
	"github.com/agentum-dev/agentum/internal/sessionfs"
	"github.com/agentum-dev/agentum/internal/storage"
)

// resumeContext is prepended to the task text when continuing a cancelled
// run, so the agent knows to pick up where it left off rather than start
// over.
const resumeContext = `The previous run of this session was cancelled before it finished.
Review any in-progress work in the workspace and continue from where it stopped.

`

// Lifecycle is the transactional heart of session management. It owns the
// dual-store invariant: a session row exists iff its directory exists.
type Lifecycle struct {
	store    *storage.DB
	fs       *sessionfs.Layout
	registry *Registry
	logger   *slog.Logger
}

// NewLifecycle creates the lifecycle manager.
func NewLifecycle(store *storage.DB, fs *sessionfs.Layout, registry *Registry, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{store: store, fs: fs, registry: registry, logger: logger}
}

// EnsureUser returns the user with the given id, creating an anonymous
// record if none exists. CLI drivers use this to mint their identity.
func (l *Lifecycle) EnsureUser(ctx context.Context, userID string) (model.User, error) {
	return l.store.GetOrCreateUser(ctx, userID)
}

// Create performs the two-phase session create: directory first, then the
// database row, rolling the directory back if the row fails. Either both
// exist afterwards or neither does.
func (l *Lifecycle) Create(ctx context.Context, userID, task, modelName string) (model.Session, error) {
	if task == "" {
		return model.Session{}, fmt.Errorf("runner: empty task: %w", model.ErrValidation)
	}

	id := sessionfs.GenerateID()
	workspace, err := l.fs.Workspace(id)
	if err != nil {
		return model.Session{}, err
	}

	info := sessionfs.Info{
		SessionID:  id,
		CreatedAt:  time.Now().UTC(),
		WorkingDir: workspace,
		Status:     string(model.StatusPending),
		Model:      modelName,
	}
	if err := l.fs.Create(id, info); err != nil {
		return model.Session{}, fmt.Errorf("runner: create session: %w", err)
	}

	session, err := l.store.CreateSession(ctx, userID, id, task, modelName, workspace)
	if err != nil {
		if destroyErr := l.fs.Destroy(id); destroyErr != nil {
			l.logger.Error("rollback of session directory failed",
				"session_id", id, "error", destroyErr)
		}
		return model.Session{}, fmt.Errorf("runner: create session: %w", err)
	}

	l.logger.Info("session created", "session_id", id, "user_id", userID)
	return session, nil
}

// Get returns the session scoped to its owner.
func (l *Lifecycle) Get(ctx context.Context, sessionID, userID string) (model.Session, error) {
	if err := sessionfs.ValidateID(sessionID); err != nil {
		return model.Session{}, err
	}
	session, err := l.store.GetSession(ctx, sessionID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Session{}, fmt.Errorf("runner: session %s: %w", sessionID, model.ErrNotFound)
	}
	return session, err
}

// List returns the owner's sessions newest first plus the total count.
func (l *Lifecycle) List(ctx context.Context, userID string, limit, offset int) ([]model.Session, int, error) {
	return l.store.ListSessions(ctx, userID, limit, offset)
}

// ResumeTask validates that a session can run again and returns the task
// text to execute together with the stored resume id. A cancelled prior
// run gets the documented resume-context block prepended.
func (l *Lifecycle) ResumeTask(ctx context.Context, session model.Session, newTask string) (task, resumeID string, err error) {
	if session.Status == model.StatusRunning {
		return "", "", fmt.Errorf("runner: session %s is running: %w", session.ID, model.ErrNotResumable)
	}
	task = newTask
	if task == "" {
		task = session.Task
	}
	if task == "" {
		return "", "", fmt.Errorf("runner: no task for session %s: %w", session.ID, model.ErrValidation)
	}
	if session.ResumeID != nil {
		resumeID = *session.ResumeID
	}
	if session.Status == model.StatusCancelled {
		task = resumeContext + task
	}
	return task, resumeID, nil
}

// Cancel sets the cancel intent and forwards it to the live supervisor,
// if any. Non-blocking and idempotent: the status flips to cancelled only
// when the supervisor reaps its child. Cancelling a session that already
// reached a terminal state is a transition error.
func (l *Lifecycle) Cancel(ctx context.Context, sessionID, userID string) (model.Session, error) {
	session, err := l.Get(ctx, sessionID, userID)
	if err != nil {
		return model.Session{}, err
	}
	if session.Status.Terminal() {
		return model.Session{}, fmt.Errorf("runner: session %s is %s: %w",
			sessionID, session.Status, model.ErrTransition)
	}

	requested := true
	session, err = l.store.UpdateSession(ctx, sessionID, model.SessionUpdate{
		CancelRequested: &requested,
	})
	if err != nil {
		return model.Session{}, err
	}

	if sup, ok := l.registry.Supervisor(sessionID); ok {
		sup.Cancel()
	} else if session.Status == model.StatusPending {
		// Nothing is running yet; finish the cancel synchronously.
		session, err = l.Transition(ctx, session, model.StatusCancelled, 0)
		if err != nil {
			return model.Session{}, err
		}
	}

	l.logger.Info("cancel requested", "session_id", sessionID)
	return session, nil
}

// Transition validates and applies a status change, stamping completed_at
// and accumulating the run duration for terminal states.
func (l *Lifecycle) Transition(ctx context.Context, session model.Session, to model.SessionStatus, runDurationMS int64) (model.Session, error) {
	if !model.CanTransition(session.Status, to) {
		return model.Session{}, fmt.Errorf("runner: %s → %s: %w",
			session.Status, to, model.ErrTransition)
	}

	update := model.SessionUpdate{Status: &to}
	if to.Terminal() {
		now := time.Now().UTC()
		update.CompletedAt = &now
		if runDurationMS > 0 {
			total := session.DurationMS + runDurationMS
			update.DurationMS = &total
		}
	}
	return l.store.UpdateSession(ctx, session.ID, update)
}

// SetResumeID persists the agent-native resume token the moment it is
// observed, so cancelled runs stay resumable.
func (l *Lifecycle) SetResumeID(ctx context.Context, sessionID, resumeID string) error {
	_, err := l.store.UpdateSession(ctx, sessionID, model.SessionUpdate{ResumeID: &resumeID})
	if err != nil {
		return err
	}
	if info, infoErr := l.fs.ReadInfo(sessionID); infoErr == nil {
		info.ResumeID = resumeID
		if writeErr := l.fs.WriteInfo(sessionID, info); writeErr != nil {
			l.logger.Warn("session info resume_id update failed",
				"session_id", sessionID, "error", writeErr)
		}
	}
	return nil
}

// CleanupStaleSessions reconciles rows stuck in running after a restart.
// No supervisor survives a restart, so a running row either finished (its
// terminal event tells us how) or it is failed with reason stale.
func (l *Lifecycle) CleanupStaleSessions(ctx context.Context) (int, error) {
	stale, err := l.store.ListRunningSessions(ctx)
	if err != nil {
		return 0, err
	}

	cleaned := 0
	for _, session := range stale {
		status, err := l.store.LatestTerminalStatus(ctx, session.ID)
		if errors.Is(err, storage.ErrNotFound) {
			status = model.StatusFailed
		} else if err != nil {
			l.logger.Error("stale session check failed", "session_id", session.ID, "error", err)
			continue
		}

		if _, err := l.Transition(ctx, session, status, 0); err != nil {
			l.logger.Error("stale session transition failed",
				"session_id", session.ID, "error", err)
			continue
		}
		l.logger.Warn("stale running session reconciled",
			"session_id", session.ID, "status", string(status), "reason", "stale")
		cleaned++
	}
	return cleaned, nil
}
