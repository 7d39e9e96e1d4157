package runner_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentum-dev/agentum/internal/model"
	"github.com/agentum-dev/agentum/internal/permission"
	"github.com/agentum-dev/agentum/internal/runner"
	"github.com/agentum-dev/agentum/internal/sandbox"
	"github.com/agentum-dev/agentum/internal/sessionfs"
	"github.com/agentum-dev/agentum/internal/storage"
	"github.com/agentum-dev/agentum/internal/testutil"
)

type fixture struct {
	db     *storage.DB
	layout *sessionfs.Layout
	runner *runner.Runner
	userID string
}

func newFixture(t *testing.T, command []string) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	layout := testutil.NewLayout(t)
	registry := runner.NewRegistry()
	lc := runner.NewLifecycle(db, layout, registry, testutil.Logger(t))

	sandboxCfg := sandbox.DefaultConfig()
	sandboxCfg.Enabled = false

	r := runner.New(runner.Options{
		AgentCommand:  command,
		DefaultModel:  "model-x",
		MaxTurns:      10,
		Timeout:       30 * time.Second,
		Grace:         time.Second,
		MaxConcurrent: 2,
		Profile:       permission.DefaultProfile(),
		Sandbox:       sandboxCfg,
	}, db, layout, lc, registry, testutil.Logger(t))

	user, err := db.GetOrCreateUser(context.Background(), uuid.New().String())
	require.NoError(t, err)

	return &fixture{db: db, layout: layout, runner: r, userID: user.ID}
}

func (f *fixture) waitTerminal(t *testing.T, sessionID string) model.Session {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		session, err := f.db.GetSession(context.Background(), sessionID, "")
		require.NoError(t, err)
		if session.Status.Terminal() {
			return session
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("session %s never reached a terminal state", sessionID)
	return model.Session{}
}

func happyLines() []string {
	return []string{
		`{"type":"agent_start","session_id":"native-1","model":"model-x"}`,
		`{"type":"message","text":"done","is_partial":false,"full_text":"done"}`,
		`{"type":"agent_complete","status":"complete","num_turns":3,"duration_ms":250,"total_cost_usd":0.02,"model":"model-x"}`,
	}
}

func TestRunToCompletion(t *testing.T) {
	f := newFixture(t, testutil.FakeAgent(t, happyLines(), 0))
	ctx := context.Background()

	session, err := f.runner.Lifecycle().Create(ctx, f.userID, "do it", "")
	require.NoError(t, err)
	require.NoError(t, f.runner.Start(ctx, session, "do it", "", runner.TaskOverrides{}))

	final := f.waitTerminal(t, session.ID)
	assert.Equal(t, model.StatusComplete, final.Status)
	assert.Equal(t, 3, final.NumTurns)
	assert.Equal(t, int64(250), final.DurationMS)
	assert.InDelta(t, 0.02, final.TotalCostUSD, 1e-9)
	require.NotNil(t, final.ResumeID)
	assert.Equal(t, "native-1", *final.ResumeID)
	require.NotNil(t, final.CompletedAt)

	// Canonical events were persisted and the live registry drained.
	events, err := f.db.ListEvents(ctx, session.ID, 0, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
	assert.Eventually(t, func() bool { return f.runner.Registry().Count() == 0 },
		2*time.Second, 20*time.Millisecond)

	// The session info mirror accumulated the run.
	info, err := f.layout.ReadInfo(session.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, info.CumulativeTurns)
	assert.Equal(t, string(model.StatusComplete), info.Status)
}

func TestCapacityGate(t *testing.T) {
	command := testutil.SlowFakeAgent(t,
		[]string{`{"type":"agent_start","session_id":"n"}`}, 30, nil)
	f := newFixture(t, command)
	ctx := context.Background()

	var sessions []model.Session
	for range 2 {
		session, err := f.runner.Lifecycle().Create(ctx, f.userID, "spin", "")
		require.NoError(t, err)
		require.NoError(t, f.runner.Start(ctx, session, "spin", "", runner.TaskOverrides{}))
		sessions = append(sessions, session)
	}

	third, err := f.runner.Lifecycle().Create(ctx, f.userID, "one too many", "")
	require.NoError(t, err)
	err = f.runner.Start(ctx, third, "one too many", "", runner.TaskOverrides{})
	assert.ErrorIs(t, err, model.ErrCapacity)

	for _, s := range sessions {
		if sup, ok := f.runner.Registry().Supervisor(s.ID); ok {
			sup.Cancel()
		}
	}
	for _, s := range sessions {
		f.waitTerminal(t, s.ID)
	}
}

func TestCancelViaLifecycle(t *testing.T) {
	command := testutil.SlowFakeAgent(t,
		[]string{`{"type":"agent_start","session_id":"native-5"}`}, 30, nil)
	f := newFixture(t, command)
	ctx := context.Background()

	session, err := f.runner.Lifecycle().Create(ctx, f.userID, "long task", "")
	require.NoError(t, err)
	require.NoError(t, f.runner.Start(ctx, session, "long task", "", runner.TaskOverrides{}))

	// Give the child a moment to start and report agent_start.
	require.Eventually(t, func() bool {
		s, err := f.db.GetSession(ctx, session.ID, "")
		return err == nil && s.ResumeID != nil
	}, 5*time.Second, 20*time.Millisecond)

	_, err = f.runner.Lifecycle().Cancel(ctx, session.ID, f.userID)
	require.NoError(t, err)

	final := f.waitTerminal(t, session.ID)
	assert.Equal(t, model.StatusCancelled, final.Status)
	assert.True(t, final.CancelRequested)
	require.NotNil(t, final.ResumeID)
	assert.Equal(t, "native-5", *final.ResumeID, "cancelled runs stay resumable")

	// The persisted stream ends with a cancelled event.
	events, err := f.db.ListEvents(ctx, session.ID, 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, model.KindCancelled, events[len(events)-1].Kind)
}

func TestResumeContinuesSequenceAndTurns(t *testing.T) {
	f := newFixture(t, testutil.FakeAgent(t, happyLines(), 0))
	ctx := context.Background()

	session, err := f.runner.Lifecycle().Create(ctx, f.userID, "do it", "")
	require.NoError(t, err)
	require.NoError(t, f.runner.Start(ctx, session, "do it", "", runner.TaskOverrides{}))
	first := f.waitTerminal(t, session.ID)
	require.Eventually(t, func() bool { return f.runner.Registry().Count() == 0 },
		2*time.Second, 20*time.Millisecond)

	firstEvents, err := f.db.ListEvents(ctx, session.ID, 0, 0)
	require.NoError(t, err)
	firstMax := firstEvents[len(firstEvents)-1].Sequence

	task, resumeID, err := f.runner.Lifecycle().ResumeTask(ctx, first, "continue please")
	require.NoError(t, err)
	assert.Equal(t, "native-1", resumeID)
	require.NoError(t, f.runner.Start(ctx, first, task, resumeID, runner.TaskOverrides{}))

	second := f.waitTerminal(t, session.ID)
	assert.Equal(t, 6, second.NumTurns, "turns accumulate monotonically across runs")

	events, err := f.db.ListEvents(ctx, session.ID, 0, 0)
	require.NoError(t, err)
	assert.Greater(t, events[len(events)-1].Sequence, firstMax,
		"sequences continue across resumed runs")
	last := int64(0)
	for _, e := range events {
		assert.Greater(t, e.Sequence, last)
		last = e.Sequence
	}
}
