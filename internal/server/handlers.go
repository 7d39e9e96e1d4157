package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/agentum-dev/agentum/internal/auth"
	"github.com/agentum-dev/agentum/internal/model"
	"github.com/agentum-dev/agentum/internal/runner"
	"github.com/agentum-dev/agentum/internal/sessionfs"
	"github.com/agentum-dev/agentum/internal/storage"
)

// Handlers holds the dependencies shared by all HTTP handlers.
type Handlers struct {
	db      *storage.DB
	authSvc *auth.Service
	runner  *runner.Runner
	fs      *sessionfs.Layout
	logger  *slog.Logger

	heartbeat time.Duration
	version   string
	maxBody   int64
}

// HandlersDeps configures NewHandlers.
type HandlersDeps struct {
	DB        *storage.DB
	AuthSvc   *auth.Service
	Runner    *runner.Runner
	FS        *sessionfs.Layout
	Logger    *slog.Logger
	Heartbeat time.Duration
	Version   string
	MaxBody   int64
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = 30 * time.Second
	}
	if deps.MaxBody <= 0 {
		deps.MaxBody = 1 << 20
	}
	return &Handlers{
		db:        deps.DB,
		authSvc:   deps.AuthSvc,
		runner:    deps.Runner,
		fs:        deps.FS,
		logger:    deps.Logger,
		heartbeat: deps.Heartbeat,
		version:   deps.Version,
		maxBody:   deps.MaxBody,
	}
}

// HandleAuthToken handles POST /api/v1/auth/token. It issues a token for
// the given user id, or mints a fresh anonymous identity when none is
// supplied.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)

	var req tokenRequest
	// An empty body is fine: it means "new anonymous user".
	_ = decodeJSON(r, &req)

	userID := req.UserID
	if userID == "" {
		userID = uuid.New().String()
	} else if _, err := uuid.Parse(userID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "user_id must be a UUID")
		return
	}

	user, err := h.db.GetOrCreateUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("user create failed", "error", err)
		writeDomainError(w, r, err)
		return
	}

	token, expiresIn, err := h.authSvc.IssueToken(user.ID)
	if err != nil {
		h.logger.Error("token issue failed", "error", err)
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, tokenResponse{
		Token:     token,
		UserID:    user.ID,
		ExpiresIn: expiresIn,
	})
}

// HandleListSessions handles GET /api/v1/sessions.
func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	sessions, total, err := h.runner.Lifecycle().List(r.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("session list failed", "error", err)
		writeDomainError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	writeJSON(w, r, http.StatusOK, sessionListResponse{Sessions: sessions, Total: total})
}

// HandleRunTask handles POST /api/v1/sessions/run: create a session and
// start the task in one call.
func (h *Handlers) HandleRunTask(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	userID := UserIDFromContext(r.Context())

	var req runTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
		return
	}
	if req.Task == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "task is required")
		return
	}

	session, err := h.runner.Lifecycle().Create(r.Context(), userID, req.Task, req.Config.Model)
	if err != nil {
		h.logger.Error("session create failed", "error", err)
		writeDomainError(w, r, err)
		return
	}

	err = h.runner.Start(r.Context(), session, req.Task, "", runner.TaskOverrides{
		Model:          req.Config.Model,
		MaxTurns:       req.Config.MaxTurns,
		TimeoutSeconds: req.Config.TimeoutSeconds,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusCreated, taskStartedResponse{
		SessionID: session.ID,
		Status:    string(model.StatusRunning),
		Message:   "task execution started",
	})
}

// HandleGetSession handles GET /api/v1/sessions/{id}.
func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, session)
}

// HandleStartTask handles POST /api/v1/sessions/{id}/task: continue or
// resume an existing session with a new task.
func (h *Handlers) HandleStartTask(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)

	session, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	var req startTaskRequest
	// An empty body means "re-run the stored task".
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
		return
	}

	task, resumeID, err := h.runner.Lifecycle().ResumeTask(r.Context(), session, req.Task)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	err = h.runner.Start(r.Context(), session, task, resumeID, runner.TaskOverrides{
		Model:          req.Config.Model,
		MaxTurns:       req.Config.MaxTurns,
		TimeoutSeconds: req.Config.TimeoutSeconds,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, taskStartedResponse{
		SessionID: session.ID,
		Status:    string(model.StatusRunning),
		Message:   "task execution started",
		Resumed:   resumeID != "",
	})
}

// HandleCancel handles POST /api/v1/sessions/{id}/cancel.
func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	sessionID := r.PathValue("id")

	session, err := h.runner.Lifecycle().Cancel(r.Context(), sessionID, userID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, cancelResponse{
		SessionID: session.ID,
		Status:    string(session.Status),
		Message:   "cancellation requested",
	})
}

// HandleResult handles GET /api/v1/sessions/{id}/result: the parsed
// output.yaml plus execution metrics, including the cumulative token
// usage from the session's file mirror.
func (h *Handlers) HandleResult(w http.ResponseWriter, r *http.Request) {
	session, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	output, err := h.fs.ParseOutput(session.ID)
	if err != nil {
		h.logger.Error("output parse failed", "session_id", session.ID, "error", err)
		writeDomainError(w, r, err)
		return
	}

	metrics := resultMetrics{
		NumTurns:     session.NumTurns,
		DurationMS:   session.DurationMS,
		TotalCostUSD: session.TotalCostUSD,
		Model:        session.Model,
	}
	if info, infoErr := h.fs.ReadInfo(session.ID); infoErr == nil {
		metrics.Usage = info.CumulativeUsage
		if metrics.Model == "" {
			metrics.Model = info.Model
		}
	}

	writeJSON(w, r, http.StatusOK, resultResponse{
		SessionID:   session.ID,
		Status:      output.Status,
		Error:       output.Error,
		Comments:    output.Comments,
		Output:      output.Output,
		ResultFiles: output.ResultFiles,
		Metrics:     metrics,
	})
}

// HandleEventHistory handles GET /api/v1/sessions/{id}/events/history:
// batch replay of the persisted event subset.
func (h *Handlers) HandleEventHistory(w http.ResponseWriter, r *http.Request) {
	session, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	after := int64(queryInt(r, "after", 0))
	limit := queryInt(r, "limit", 1000)
	if limit <= 0 {
		// Zero is the store's unbounded mode; the batch endpoint stays
		// paginated no matter what the client asks for.
		limit = 1000
	}

	events, err := h.db.ListEvents(r.Context(), session.ID, after, limit)
	if err != nil {
		h.logger.Error("event history failed", "session_id", session.ID, "error", err)
		writeDomainError(w, r, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, r, http.StatusOK, events)
}

// HandleFile handles GET /api/v1/sessions/{id}/files?path=...: a byte
// stream of one workspace-relative file. Absolute and parent-traversal
// paths are rejected before any filesystem access.
func (h *Handlers) HandleFile(w http.ResponseWriter, r *http.Request) {
	session, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	rel := r.URL.Query().Get("path")
	if rel == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "path query parameter is required")
		return
	}

	resolved, err := h.fs.ResolveWorkspaceFile(session.ID, rel)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	http.ServeFile(w, r, resolved)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK
	if err := h.db.Ping(r.Context()); err != nil {
		dbStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, healthResponse{
		Status:   status,
		Database: dbStatus,
		Version:  h.version,
		Running:  h.runner.Registry().Count(),
	})
}

// ownedSession loads the path session scoped to the caller, writing the
// error response on failure.
func (h *Handlers) ownedSession(w http.ResponseWriter, r *http.Request) (model.Session, bool) {
	userID := UserIDFromContext(r.Context())
	sessionID := r.PathValue("id")

	session, err := h.runner.Lifecycle().Get(r.Context(), sessionID, userID)
	if err != nil {
		writeDomainError(w, r, err)
		return model.Session{}, false
	}
	return session, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
