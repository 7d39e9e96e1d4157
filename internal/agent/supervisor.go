package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentum-dev/agentum/internal/hub"
	"github.com/agentum-dev/agentum/internal/model"
	"github.com/agentum-dev/agentum/internal/sessionfs"
)

const (
	// DefaultGrace is how long a terminated child gets to exit before it
	// is killed.
	DefaultGrace = 5 * time.Second

	// DefaultMaxLineBytes bounds one child stdout line.
	DefaultMaxLineBytes = 1 << 20

	stderrTailBytes = 4096
)

// Supervisor owns the child process lifetime for one session run. Exactly
// one child is spawned per Run call; there are no retries — a failed run
// is terminal and the caller re-invokes with a resume id if continuation
// is wanted.
type Supervisor struct {
	params ExecParams
	hub    *hub.Hub
	fs     *sessionfs.Layout
	logger *slog.Logger

	// onResumeID fires once, on the first agent_start, so the resume
	// token is persisted even if the run is later cancelled.
	onResumeID func(resumeID string)
	// onExit fires exactly once with the terminal status and run stats.
	onExit func(status model.SessionStatus, stats Stats)

	mu          sync.Mutex
	proc        *exec.Cmd
	cancelled   bool
	timedOut    bool
	startSeen   bool
	terminated  bool
	permissions []string // denied calls that forced an interrupt
}

// New creates a supervisor. Both callbacks may be nil.
func New(params ExecParams, h *hub.Hub, fs *sessionfs.Layout, logger *slog.Logger,
	onResumeID func(string), onExit func(model.SessionStatus, Stats)) *Supervisor {

	if params.Grace <= 0 {
		params.Grace = DefaultGrace
	}
	if params.MaxLineBytes <= 0 {
		params.MaxLineBytes = DefaultMaxLineBytes
	}
	if onResumeID == nil {
		onResumeID = func(string) {}
	}
	if onExit == nil {
		onExit = func(model.SessionStatus, Stats) {}
	}
	return &Supervisor{
		params:     params,
		hub:        h,
		fs:         fs,
		logger:     logger,
		onResumeID: onResumeID,
		onExit:     onExit,
	}
}

// Run executes the child to completion. It blocks until the session has
// reached a terminal state; callers run it in its own goroutine. A
// terminal event is always emitted before Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	s.hub.Publish(model.KindUserMessage, &model.UserMessagePayload{Text: s.params.Task})

	if err := s.params.Launcher.Check(); err != nil {
		s.logger.Error("sandbox unavailable, failing session",
			"session_id", s.params.SessionID, "error", err)
		s.hub.Publish(model.KindError, &model.ErrorPayload{
			Message:   err.Error(),
			ErrorType: "sandbox_unavailable",
		})
		s.onExit(model.StatusFailed, Stats{})
		return err
	}

	s.mu.Lock()
	cancelledEarly := s.cancelled
	s.mu.Unlock()
	if cancelledEarly {
		s.hub.Publish(model.KindCancelled, &model.CancelledPayload{
			Message: "task was cancelled", Resumable: false,
		})
		s.onExit(model.StatusCancelled, Stats{})
		return nil
	}

	argv := s.params.Launcher.Wrap(s.params.argv(), s.params.SessionDir, map[string]string{
		"AGENTUM_SESSION_ID": s.params.SessionID,
	})

	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // argv comes from validated config, not request input
	if !s.params.Launcher.Enabled() {
		cmd.Dir = s.params.Workspace
	}
	// Own process group so a termination signal reaches the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stderr tailBuffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.failSpawn(fmt.Errorf("agent: stdout pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return s.failSpawn(fmt.Errorf("agent: start child: %w", err))
	}

	s.mu.Lock()
	s.proc = cmd
	cancelledDuringSpawn := s.cancelled
	s.mu.Unlock()
	if cancelledDuringSpawn {
		// Cancel raced the spawn and signalled before the process existed.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}

	s.logger.Info("agent child started",
		"session_id", s.params.SessionID, "pid", cmd.Process.Pid,
		"sandboxed", s.params.Launcher.Enabled())

	var stats Stats
	var completeSeen bool

	reaped := make(chan struct{})
	var g errgroup.Group

	// Signal handling: caller cancellation and the wall-clock timeout both
	// terminate gracefully first, then kill after the grace period.
	g.Go(func() error {
		var timeout <-chan time.Time
		if s.params.Timeout > 0 {
			timer := time.NewTimer(s.params.Timeout)
			defer timer.Stop()
			timeout = timer.C
		}
		select {
		case <-reaped:
			return nil
		case <-ctx.Done():
			s.mu.Lock()
			s.cancelled = true
			s.mu.Unlock()
		case <-timeout:
			s.mu.Lock()
			s.timedOut = true
			s.mu.Unlock()
			s.logger.Warn("agent timeout, terminating child",
				"session_id", s.params.SessionID, "timeout", s.params.Timeout)
		}
		s.terminate()
		select {
		case <-reaped:
		case <-time.After(s.params.Grace):
			s.kill()
		}
		return nil
	})

	// Stream reader: one typed event per complete line, in arrival order.
	g.Go(func() error {
		defer func() {
			_ = cmd.Wait()
			close(reaped)
		}()
		reader := newLineReader(stdout, s.params.MaxLineBytes)
		for {
			line, truncated, err := reader.next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					s.logger.Warn("agent stdout read failed",
						"session_id", s.params.SessionID, "error", err)
				}
				return nil
			}
			if truncated {
				s.logger.Warn("agent stdout line truncated",
					"session_id", s.params.SessionID, "max_bytes", s.params.MaxLineBytes)
			}
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			if err := s.fs.AppendAgentLine(s.params.SessionID, line); err != nil {
				s.logger.Warn("agent log append failed",
					"session_id", s.params.SessionID, "error", err)
			}
			s.handleLine(line, &stats, &completeSeen)
		}
	})

	_ = g.Wait()

	status := s.classify(completeSeen, cmd, stderr.tail())
	s.onExit(status, stats)
	return nil
}

// handleLine parses one stdout line and forwards the resulting event.
// Malformed lines are logged and dropped without aborting the stream.
func (s *Supervisor) handleLine(line []byte, stats *Stats, completeSeen *bool) {
	rec, err := parseRecord(line)
	if err != nil {
		s.logger.Warn("dropping malformed agent record",
			"session_id", s.params.SessionID, "error", err)
		return
	}

	switch model.EventKind(rec.Type) {
	case model.KindAgentStart:
		s.mu.Lock()
		first := !s.startSeen
		s.startSeen = true
		s.mu.Unlock()
		if first && rec.SessionID != "" {
			s.onResumeID(rec.SessionID)
		}

	case model.KindToolStart:
		s.checkToolCall(rec)

	case model.KindMetricsUpdate:
		stats.NumTurns = max(stats.NumTurns, rec.Turns)
		stats.TotalCostUSD = max(stats.TotalCostUSD, rec.TotalCostUSD)
		if rec.Model != "" {
			stats.Model = rec.Model
		}

	case model.KindAgentComplete:
		*completeSeen = true
		stats.NumTurns = max(stats.NumTurns, rec.NumTurns)
		stats.DurationMS = max(stats.DurationMS, rec.DurationMS)
		stats.TotalCostUSD = max(stats.TotalCostUSD, rec.TotalCostUSD)
		stats.Usage = rec.Usage
		if rec.Model != "" {
			stats.Model = rec.Model
		}
	}

	kind, payload, err := toEvent(rec)
	if err != nil {
		s.logger.Warn("dropping unknown agent record",
			"session_id", s.params.SessionID, "error", err)
		return
	}
	s.hub.Publish(kind, payload)
}

// checkToolCall re-evaluates an observed tool call against the permission
// engine. The child enforces the same profile internally; this host-side
// check catches a compromised or misbehaving child, and a repeated-denial
// interrupt reaps it.
func (s *Supervisor) checkToolCall(rec record) {
	engine := s.params.Engine
	if engine == nil {
		return
	}
	call := toolCallString(rec)
	if engine.NeedsConfirmation(call) {
		s.hub.Publish(model.KindHookTriggered, &model.HookTriggeredPayload{
			Hook:     "permission_check",
			ToolName: rec.ToolName,
		})
	}
	decision := engine.IsAllowed(call)
	if decision.Allowed {
		return
	}
	s.logger.Warn("tool call denied by profile",
		"session_id", s.params.SessionID, "call", call,
		"rule", decision.Rule, "interrupt", decision.Interrupt)
	if decision.Interrupt {
		s.mu.Lock()
		s.permissions = append(s.permissions, call)
		s.mu.Unlock()
		s.terminate()
	}
}

// Cancel requests cancellation. Idempotent and non-blocking: the child is
// signalled and the cancelled event is emitted only after it exits.
func (s *Supervisor) Cancel() {
	s.mu.Lock()
	already := s.cancelled
	s.cancelled = true
	proc := s.proc
	s.mu.Unlock()

	if already {
		return
	}
	s.logger.Info("cancel requested", "session_id", s.params.SessionID)
	s.terminate()

	if proc != nil {
		go func() {
			time.Sleep(s.params.Grace)
			s.kill()
		}()
	}
}

// Abort reaps the child without marking the run cancelled, so the exit
// classifies as failed. Used when the persistence pipeline breaks.
func (s *Supervisor) Abort() {
	s.terminate()
	go func() {
		time.Sleep(s.params.Grace)
		s.kill()
	}()
}

// classify maps the reaped child to a terminal status, emitting the
// closing event when the child did not already emit one.
func (s *Supervisor) classify(completeSeen bool, cmd *exec.Cmd, stderrTail string) model.SessionStatus {
	s.mu.Lock()
	cancelled := s.cancelled
	timedOut := s.timedOut
	startSeen := s.startSeen
	denied := s.permissions
	s.mu.Unlock()

	switch {
	case completeSeen:
		return model.StatusComplete

	case cancelled:
		s.hub.Publish(model.KindCancelled, &model.CancelledPayload{
			Message:   "task was cancelled",
			Resumable: startSeen,
		})
		return model.StatusCancelled

	case timedOut:
		s.hub.Publish(model.KindError, &model.ErrorPayload{
			Message:   fmt.Sprintf("agent exceeded %s wall-clock timeout", s.params.Timeout),
			ErrorType: "timeout",
		})
		return model.StatusFailed

	case len(denied) > 0:
		s.hub.Publish(model.KindError, &model.ErrorPayload{
			Message:   fmt.Sprintf("run aborted after repeated permission denials: %v", denied),
			ErrorType: "permission_denied",
		})
		return model.StatusFailed

	default:
		msg := "agent exited without completing"
		if state := cmd.ProcessState; state != nil && !state.Success() {
			msg = fmt.Sprintf("agent exited with %s", state.String())
		}
		if stderrTail != "" {
			msg += ": " + stderrTail
		}
		s.hub.Publish(model.KindError, &model.ErrorPayload{
			Message:   msg,
			ErrorType: "child_crash",
		})
		return model.StatusFailed
	}
}

// failSpawn reports a child that never started.
func (s *Supervisor) failSpawn(err error) error {
	s.logger.Error("agent spawn failed", "session_id", s.params.SessionID, "error", err)
	s.hub.Publish(model.KindError, &model.ErrorPayload{
		Message:   err.Error(),
		ErrorType: "spawn_failed",
	})
	s.onExit(model.StatusFailed, Stats{})
	return err
}

// terminate sends a graceful termination signal to the child's process
// group.
func (s *Supervisor) terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated || s.proc == nil || s.proc.Process == nil {
		s.terminated = true
		return
	}
	s.terminated = true
	_ = syscall.Kill(-s.proc.Process.Pid, syscall.SIGTERM)
}

// kill forcefully ends the child's process group.
func (s *Supervisor) kill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil || s.proc.Process == nil {
		return
	}
	_ = syscall.Kill(-s.proc.Process.Pid, syscall.SIGKILL)
}

// tailBuffer keeps the last few KiB written to it. Used for stderr so a
// chatty child cannot grow memory unbounded.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > stderrTailBytes {
		t.buf = t.buf[len(t.buf)-stderrTailBytes:]
	}
	return len(p), nil
}

func (t *tailBuffer) tail() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.buf))
}

// lineReader yields complete stdout lines, truncating any line longer
// than max instead of failing the stream.
type lineReader struct {
	r   *bufio.Reader
	max int
}

func newLineReader(r io.Reader, max int) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, 64*1024), max: max}
}

// next returns the next line, whether it was truncated, and any read
// error. The truncated remainder of an oversized line is discarded.
func (l *lineReader) next() ([]byte, bool, error) {
	var line []byte
	truncated := false
	for {
		chunk, isPrefix, err := l.r.ReadLine()
		if err != nil {
			if len(line) > 0 && errors.Is(err, io.EOF) {
				return line, truncated, nil
			}
			return nil, false, err
		}
		if len(line)+len(chunk) <= l.max {
			line = append(line, chunk...)
		} else if len(line) < l.max {
			line = append(line, chunk[:l.max-len(line)]...)
			truncated = true
		} else {
			truncated = true
		}
		if !isPrefix {
			return line, truncated, nil
		}
	}
}
