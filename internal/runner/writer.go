// Package runner ties the session runtime together: the lifecycle
// manager (two-phase create, resume, cancel, status transitions), the
// live-session registry, the event persistence writer, and the task
// runner facade that is the single entry point for HTTP and CLI drivers.
package runner

import (
	"context"
	"errors"
	"log/slog"

	"github.com/agentum-dev/agentum/internal/hub"
	"github.com/agentum-dev/agentum/internal/model"
	"github.com/agentum-dev/agentum/internal/storage"
)

// Writer is the single consumer of a hub's persistence queue. It commits
// the canonical event subset in order; partial message fragments never
// reach it. Persistence failures that survive the store's retry budget
// abort the run.
type Writer struct {
	hub    *hub.Hub
	store  *storage.DB
	logger *slog.Logger

	// onFailure reaps the run after an unrecoverable store error.
	onFailure func(err error)
}

// NewWriter creates a writer for one session run.
func NewWriter(h *hub.Hub, store *storage.DB, logger *slog.Logger, onFailure func(error)) *Writer {
	if onFailure == nil {
		onFailure = func(error) {}
	}
	return &Writer{hub: h, store: store, logger: logger, onFailure: onFailure}
}

// Run drains the hub until the terminal event has been committed. It
// blocks; callers run it in its own goroutine.
func (w *Writer) Run(ctx context.Context) error {
	sessionID := w.hub.SessionID()
	cursor := 0
	for {
		event, ok, err := w.hub.NextPersistable(ctx, &cursor)
		if err != nil {
			return err
		}
		if !ok {
			w.logger.Debug("persistence writer drained", "session_id", sessionID)
			return nil
		}

		err = w.store.RecordEvent(ctx, sessionID, event)
		if err == nil {
			continue
		}
		if errors.Is(err, storage.ErrDuplicate) {
			// Already committed by a previous run of a resumed session.
			w.logger.Warn("duplicate event skipped",
				"session_id", sessionID, "sequence", event.Sequence)
			continue
		}

		w.logger.Error("event persistence failed, aborting run",
			"session_id", sessionID, "sequence", event.Sequence, "error", err)
		// The error event closes every subscriber stream; the supervisor
		// is then reaped through onFailure.
		w.hub.Publish(model.KindError, &model.ErrorPayload{
			Message:   "event persistence failed: " + err.Error(),
			ErrorType: "persistence",
		})
		w.onFailure(err)
		return err
	}
}
