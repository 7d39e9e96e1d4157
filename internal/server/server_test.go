package server_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentum-dev/agentum/internal/auth"
	"github.com/agentum-dev/agentum/internal/model"
	"github.com/agentum-dev/agentum/internal/permission"
	"github.com/agentum-dev/agentum/internal/ratelimit"
	"github.com/agentum-dev/agentum/internal/runner"
	"github.com/agentum-dev/agentum/internal/sandbox"
	"github.com/agentum-dev/agentum/internal/server"
	"github.com/agentum-dev/agentum/internal/sessionfs"
	"github.com/agentum-dev/agentum/internal/storage"
	"github.com/agentum-dev/agentum/internal/testutil"
)

type testStack struct {
	srv    *httptest.Server
	db     *storage.DB
	layout *sessionfs.Layout
	token  string
	userID string
}

func newStack(t *testing.T, agentCommand []string) *testStack {
	t.Helper()
	db := testutil.NewDB(t)
	layout := testutil.NewLayout(t)
	logger := testutil.Logger(t)

	authSvc, err := auth.New(filepath.Join(t.TempDir(), "secrets.yaml"), time.Hour, logger)
	require.NoError(t, err)

	registry := runner.NewRegistry()
	lifecycle := runner.NewLifecycle(db, layout, registry, logger)

	sandboxCfg := sandbox.DefaultConfig()
	sandboxCfg.Enabled = false

	taskRunner := runner.New(runner.Options{
		AgentCommand:  agentCommand,
		MaxTurns:      10,
		Timeout:       30 * time.Second,
		Grace:         time.Second,
		MaxConcurrent: 4,
		Profile:       permission.DefaultProfile(),
		Sandbox:       sandboxCfg,
	}, db, layout, lifecycle, registry, logger)

	srv := server.New(server.ServerConfig{
		DB:                  db,
		AuthSvc:             authSvc,
		Runner:              taskRunner,
		FS:                  layout,
		Logger:              logger,
		Host:                "127.0.0.1",
		Port:                0,
		MaxRequestBodyBytes: 1 << 20,
		HeartbeatInterval:   time.Second,
		RateLimiter:         ratelimit.NoopLimiter{},
		Version:             "test",
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	stack := &testStack{srv: ts, db: db, layout: layout}
	stack.token, stack.userID = stack.issueToken(t)
	return stack
}

func (s *testStack) issueToken(t *testing.T) (token, userID string) {
	t.Helper()
	resp, err := http.Post(s.srv.URL+"/api/v1/auth/token", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope struct {
		Data struct {
			Token  string `json:"token"`
			UserID string `json:"user_id"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.NotEmpty(t, envelope.Data.Token)
	return envelope.Data.Token, envelope.Data.UserID
}

func (s *testStack) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeData(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, target))
}

func (s *testStack) waitTerminal(t *testing.T, sessionID string) model.Session {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp := s.do(t, http.MethodGet, "/api/v1/sessions/"+sessionID, s.token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var session model.Session
		decodeData(t, resp, &session)
		if session.Status.Terminal() {
			return session
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("session %s never reached a terminal state", sessionID)
	return model.Session{}
}

func agentLines() []string {
	return []string{
		`{"type":"agent_start","session_id":"native-1","model":"model-x"}`,
		`{"type":"tool_start","tool_name":"Write","tool_input":{"file_path":"./out.yaml"},"tool_id":"t_1"}`,
		`{"type":"tool_complete","tool_name":"Write","tool_id":"t_1","result":"ok","duration_ms":5,"is_error":false}`,
		`{"type":"message","text":"hello","is_partial":false,"full_text":"hello"}`,
		`{"type":"agent_complete","status":"complete","num_turns":1,"duration_ms":50,"total_cost_usd":0.001,"model":"model-x"}`,
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	s := newStack(t, testutil.FakeAgent(t, nil, 0))
	resp, err := http.Get(s.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMissingTokenIs401(t *testing.T) {
	s := newStack(t, testutil.FakeAgent(t, nil, 0))
	resp := s.do(t, http.MethodGet, "/api/v1/sessions", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/api/v1/sessions", "bogus-token", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRunTaskEndToEnd(t *testing.T) {
	s := newStack(t, testutil.FakeAgent(t, agentLines(), 0))

	resp := s.do(t, http.MethodPost, "/api/v1/sessions/run", s.token,
		map[string]any{"task": "write hello into out.yaml"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var started struct {
		SessionID string `json:"session_id"`
		Status    string `json:"status"`
	}
	decodeData(t, resp, &started)
	require.NotEmpty(t, started.SessionID)
	assert.Equal(t, "running", started.Status)

	session := s.waitTerminal(t, started.SessionID)
	assert.Equal(t, model.StatusComplete, session.Status)
	assert.Equal(t, 1, session.NumTurns)

	// History returns exactly the persisted subset in order.
	resp = s.do(t, http.MethodGet,
		"/api/v1/sessions/"+session.ID+"/events/history", s.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []model.Event
	decodeData(t, resp, &events)
	require.NotEmpty(t, events)
	last := int64(0)
	for _, e := range events {
		assert.Greater(t, e.Sequence, last)
		last = e.Sequence
	}
	assert.Equal(t, model.KindAgentComplete, events[len(events)-1].Kind)

	// Listing includes the session.
	resp = s.do(t, http.MethodGet, "/api/v1/sessions", s.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed struct {
		Sessions []model.Session `json:"sessions"`
		Total    int             `json:"total"`
	}
	decodeData(t, resp, &listed)
	assert.Equal(t, 1, listed.Total)
	require.Len(t, listed.Sessions, 1)
	assert.Equal(t, session.ID, listed.Sessions[0].ID)
}

func TestRunTaskValidatesInput(t *testing.T) {
	s := newStack(t, testutil.FakeAgent(t, nil, 0))

	resp := s.do(t, http.MethodPost, "/api/v1/sessions/run", s.token, map[string]any{"task": ""})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCrossUserAccessIs404(t *testing.T) {
	s := newStack(t, testutil.FakeAgent(t, agentLines(), 0))

	resp := s.do(t, http.MethodPost, "/api/v1/sessions/run", s.token,
		map[string]any{"task": "mine"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var started struct {
		SessionID string `json:"session_id"`
	}
	decodeData(t, resp, &started)
	s.waitTerminal(t, started.SessionID)

	otherToken, _ := s.issueToken(t)
	resp = s.do(t, http.MethodGet, "/api/v1/sessions/"+started.SessionID, otherToken, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode,
		"cross-user access must look like a missing session")
}

func TestResultMergesOutputAndMetrics(t *testing.T) {
	s := newStack(t, testutil.FakeAgent(t, agentLines(), 0))

	resp := s.do(t, http.MethodPost, "/api/v1/sessions/run", s.token,
		map[string]any{"task": "produce output"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var started struct {
		SessionID string `json:"session_id"`
	}
	decodeData(t, resp, &started)
	s.waitTerminal(t, started.SessionID)

	// The fake agent does not write output.yaml itself; stage one the way
	// the real agent's output tool would.
	outputPath, err := s.layout.OutputFile(started.SessionID)
	require.NoError(t, err)
	content := "status: COMPLETE\noutput: hello\nresult_files:\n  - ./out.yaml\n"
	require.NoError(t, os.WriteFile(outputPath, []byte(content), 0o640))

	resp = s.do(t, http.MethodGet, "/api/v1/sessions/"+started.SessionID+"/result", s.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result struct {
		Status  string `json:"status"`
		Output  string `json:"output"`
		Metrics struct {
			NumTurns     int     `json:"num_turns"`
			TotalCostUSD float64 `json:"total_cost_usd"`
		} `json:"metrics"`
	}
	decodeData(t, resp, &result)
	assert.Equal(t, "COMPLETE", result.Status)
	assert.Equal(t, "hello", result.Output)
	assert.Equal(t, 1, result.Metrics.NumTurns)
	assert.InDelta(t, 0.001, result.Metrics.TotalCostUSD, 1e-9)
}

func TestWorkspaceFileAccess(t *testing.T) {
	s := newStack(t, testutil.FakeAgent(t, agentLines(), 0))

	resp := s.do(t, http.MethodPost, "/api/v1/sessions/run", s.token,
		map[string]any{"task": "files"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var started struct {
		SessionID string `json:"session_id"`
	}
	decodeData(t, resp, &started)
	s.waitTerminal(t, started.SessionID)

	ws, err := s.layout.Workspace(started.SessionID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(ws, "report.txt"), []byte("findings"), 0o640))

	resp = s.do(t, http.MethodGet,
		"/api/v1/sessions/"+started.SessionID+"/files?path=report.txt", s.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "findings", string(body))

	for _, bad := range []string{"/etc/passwd", "../session_info.json", "a/../../agent.jsonl"} {
		resp = s.do(t, http.MethodGet,
			"/api/v1/sessions/"+started.SessionID+"/files?path="+bad, s.token, nil)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "path %q", bad)
	}
}

func TestCancelAfterCompleteIs409(t *testing.T) {
	s := newStack(t, testutil.FakeAgent(t, agentLines(), 0))

	resp := s.do(t, http.MethodPost, "/api/v1/sessions/run", s.token,
		map[string]any{"task": "quick"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var started struct {
		SessionID string `json:"session_id"`
	}
	decodeData(t, resp, &started)
	s.waitTerminal(t, started.SessionID)

	resp = s.do(t, http.MethodPost, "/api/v1/sessions/"+started.SessionID+"/cancel", s.token, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSSEReplayOfFinishedSession(t *testing.T) {
	s := newStack(t, testutil.FakeAgent(t, agentLines(), 0))

	resp := s.do(t, http.MethodPost, "/api/v1/sessions/run", s.token,
		map[string]any{"task": "stream me"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var started struct {
		SessionID string `json:"session_id"`
	}
	decodeData(t, resp, &started)
	s.waitTerminal(t, started.SessionID)

	// Tokens can travel in the query string — required for SSE clients.
	url := fmt.Sprintf("%s/api/v1/sessions/%s/events?after=0&token=%s",
		s.srv.URL, started.SessionID, s.token)
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var ids []int64
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "id: ") {
			var id int64
			_, err := fmt.Sscanf(line, "id: %d", &id)
			require.NoError(t, err)
			ids = append(ids, id)
		}
	}
	require.NoError(t, scanner.Err())

	require.NotEmpty(t, ids, "the persisted prefix is replayed")
	last := int64(0)
	for _, id := range ids {
		assert.Greater(t, id, last, "ids strictly increase with no duplicates")
		last = id
	}
}

func TestResumeNotAllowedWhileRunning(t *testing.T) {
	command := testutil.SlowFakeAgent(t,
		[]string{`{"type":"agent_start","session_id":"n"}`}, 30, nil)
	s := newStack(t, command)

	resp := s.do(t, http.MethodPost, "/api/v1/sessions/run", s.token,
		map[string]any{"task": "long"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var started struct {
		SessionID string `json:"session_id"`
	}
	decodeData(t, resp, &started)

	resp = s.do(t, http.MethodPost, "/api/v1/sessions/"+started.SessionID+"/task",
		s.token, map[string]any{"task": "again"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusGone, resp.StatusCode)

	// Clean up the long-running child.
	resp = s.do(t, http.MethodPost, "/api/v1/sessions/"+started.SessionID+"/cancel", s.token, nil)
	resp.Body.Close()
	s.waitTerminal(t, started.SessionID)
}
