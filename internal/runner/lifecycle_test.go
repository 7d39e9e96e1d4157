package runner_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentum-dev/agentum/internal/model"
	"github.com/agentum-dev/agentum/internal/runner"
	"github.com/agentum-dev/agentum/internal/sessionfs"
	"github.com/agentum-dev/agentum/internal/storage"
	"github.com/agentum-dev/agentum/internal/testutil"
)

func newLifecycle(t *testing.T) (*runner.Lifecycle, *storage.DB, *sessionfs.Layout, string) {
	t.Helper()
	db := testutil.NewDB(t)
	layout := testutil.NewLayout(t)
	lc := runner.NewLifecycle(db, layout, runner.NewRegistry(), testutil.Logger(t))

	user, err := db.GetOrCreateUser(context.Background(), uuid.New().String())
	require.NoError(t, err)
	return lc, db, layout, user.ID
}

func TestCreateMakesRowAndDirectory(t *testing.T) {
	lc, db, layout, userID := newLifecycle(t)
	ctx := context.Background()

	session, err := lc.Create(ctx, userID, "do the thing", "model-x")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, session.Status)

	// Both halves of the dual store exist.
	_, err = db.GetSession(ctx, session.ID, userID)
	require.NoError(t, err)
	dir, err := layout.Dir(session.ID)
	require.NoError(t, err)
	assert.DirExists(t, dir)

	// The working dir is the session workspace.
	workspace, err := layout.Workspace(session.ID)
	require.NoError(t, err)
	assert.Equal(t, workspace, session.WorkingDir)
}

func TestCreateRollsBackDirectoryOnStoreFailure(t *testing.T) {
	lc, _, layout, _ := newLifecycle(t)
	ctx := context.Background()

	// An unknown user violates the sessions FK, failing the row insert
	// after the directory was created.
	_, err := lc.Create(ctx, "no-such-user", "task", "")
	require.Error(t, err)

	entries, readErr := os.ReadDir(layout.Root())
	require.NoError(t, readErr)
	assert.Empty(t, entries, "failed create must leave no session directory behind")
}

func TestCreateRejectsEmptyTask(t *testing.T) {
	lc, _, _, userID := newLifecycle(t)
	_, err := lc.Create(context.Background(), userID, "", "")
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestGetScopesToOwner(t *testing.T) {
	lc, db, _, userID := newLifecycle(t)
	ctx := context.Background()

	other, err := db.GetOrCreateUser(ctx, uuid.New().String())
	require.NoError(t, err)

	session, err := lc.Create(ctx, userID, "task", "")
	require.NoError(t, err)

	_, err = lc.Get(ctx, session.ID, other.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = lc.Get(ctx, "not-a-session-id", userID)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestResumeTask(t *testing.T) {
	lc, db, _, userID := newLifecycle(t)
	ctx := context.Background()

	session, err := lc.Create(ctx, userID, "original task", "")
	require.NoError(t, err)

	t.Run("running session is not resumable", func(t *testing.T) {
		running := session
		running.Status = model.StatusRunning
		_, _, err := lc.ResumeTask(ctx, running, "again")
		assert.ErrorIs(t, err, model.ErrNotResumable)
	})

	t.Run("falls back to stored task", func(t *testing.T) {
		task, resumeID, err := lc.ResumeTask(ctx, session, "")
		require.NoError(t, err)
		assert.Equal(t, "original task", task)
		assert.Empty(t, resumeID)
	})

	t.Run("cancelled run gets resume context and stored resume id", func(t *testing.T) {
		resume := "native-7"
		status := model.StatusCancelled
		updated, err := db.UpdateSession(ctx, session.ID, model.SessionUpdate{
			Status:   &status,
			ResumeID: &resume,
		})
		require.NoError(t, err)

		task, resumeID, err := lc.ResumeTask(ctx, updated, "continue please")
		require.NoError(t, err)
		assert.Equal(t, "native-7", resumeID)
		assert.Contains(t, task, "continue please")
		assert.Contains(t, task, "cancelled before it finished",
			"cancelled runs get the resume-context preamble")
	})
}

func TestCancelPendingSession(t *testing.T) {
	lc, _, _, userID := newLifecycle(t)
	ctx := context.Background()

	session, err := lc.Create(ctx, userID, "task", "")
	require.NoError(t, err)

	cancelled, err := lc.Cancel(ctx, session.ID, userID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)
	assert.True(t, cancelled.CancelRequested)
	require.NotNil(t, cancelled.CompletedAt)

	// Cancelling a terminal session is a transition error.
	_, err = lc.Cancel(ctx, session.ID, userID)
	assert.ErrorIs(t, err, model.ErrTransition)
}

func TestTransitionValidation(t *testing.T) {
	lc, _, _, userID := newLifecycle(t)
	ctx := context.Background()

	session, err := lc.Create(ctx, userID, "task", "")
	require.NoError(t, err)

	running, err := lc.Transition(ctx, session, model.StatusRunning, 0)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, running.Status)

	done, err := lc.Transition(ctx, running, model.StatusComplete, 1200)
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, done.Status)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, int64(1200), done.DurationMS)

	_, err = lc.Transition(ctx, done, model.StatusFailed, 0)
	assert.ErrorIs(t, err, model.ErrTransition)

	// A resumed run reopens a terminal session.
	_, err = lc.Transition(ctx, done, model.StatusRunning, 0)
	assert.NoError(t, err)
}

func TestSetResumeIDPersistsToBothStores(t *testing.T) {
	lc, db, layout, userID := newLifecycle(t)
	ctx := context.Background()

	session, err := lc.Create(ctx, userID, "task", "")
	require.NoError(t, err)

	require.NoError(t, lc.SetResumeID(ctx, session.ID, "native-42"))

	got, err := db.GetSession(ctx, session.ID, userID)
	require.NoError(t, err)
	require.NotNil(t, got.ResumeID)
	assert.Equal(t, "native-42", *got.ResumeID)

	info, err := layout.ReadInfo(session.ID)
	require.NoError(t, err)
	assert.Equal(t, "native-42", info.ResumeID)
}

func TestCleanupStaleSessions(t *testing.T) {
	lc, db, _, userID := newLifecycle(t)
	ctx := context.Background()

	// One interrupted run with no terminal event.
	interrupted, err := lc.Create(ctx, userID, "task a", "")
	require.NoError(t, err)
	_, err = lc.Transition(ctx, interrupted, model.StatusRunning, 0)
	require.NoError(t, err)

	// One run that actually finished but whose row was never updated.
	finished, err := lc.Create(ctx, userID, "task b", "")
	require.NoError(t, err)
	_, err = lc.Transition(ctx, finished, model.StatusRunning, 0)
	require.NoError(t, err)
	require.NoError(t, db.RecordEvent(ctx, finished.ID, model.Event{
		Kind: model.KindAgentComplete, Sequence: 1, Timestamp: time.Now().UTC(),
		Payload: &model.AgentCompletePayload{Status: "complete"},
	}))

	cleaned, err := lc.CleanupStaleSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cleaned)

	a, err := db.GetSession(ctx, interrupted.ID, userID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, a.Status)

	b, err := db.GetSession(ctx, finished.ID, userID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, b.Status)
}
