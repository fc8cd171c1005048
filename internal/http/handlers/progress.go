package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/reelforge/reelforge/internal/models"
	"github.com/reelforge/reelforge/internal/progress"
	"github.com/reelforge/reelforge/internal/service"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 15 * time.Second

// ProgressHandler streams job progress over SSE.
type ProgressHandler struct {
	jobs    *service.JobService
	tracker *progress.Tracker
	logger  *slog.Logger
}

// NewProgressHandler creates a new progress handler.
func NewProgressHandler(jobs *service.JobService, tracker *progress.Tracker, logger *slog.Logger) *ProgressHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressHandler{
		jobs:    jobs,
		tracker: tracker,
		logger:  logger,
	}
}

// Register registers the SSE route. It bypasses the typed API layer because
// the response is a stream, not a document.
func (h *ProgressHandler) Register(router chi.Router) {
	router.Get("/api/v1/jobs/{id}/events", h.Events)
}

// endEvent is the final SSE frame for a job that reached a terminal status.
type endEvent struct {
	JobID   string           `json:"job_id"`
	Status  models.JobStatus `json:"status"`
	Percent int              `json:"percent"`
	Error   *models.JobError `json:"error,omitempty"`
}

// Events streams progress updates for a job until it reaches a terminal
// status or the client disconnects.
func (h *ProgressHandler) Events(w http.ResponseWriter, r *http.Request) {
	id, err := models.ParseULID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid ID format", http.StatusBadRequest)
		return
	}

	view, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)
	// The server's WriteTimeout would cut a long-lived stream; lift it for
	// this connection.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("clearing write deadline", slog.String("error", err.Error()))
	}

	fmt.Fprintf(w, ":connected\n\n")
	if err := rc.Flush(); err != nil {
		return
	}

	// Open with the freshest state available: the in-memory tracker while
	// the job runs, the persisted row otherwise.
	snapshot := progress.Update{JobID: id, Percent: view.Progress, Step: view.CurrentStep}
	if live, ok := h.tracker.Snapshot(id); ok {
		snapshot = live
	}

	// Subscribe before the opening frame so no update can fall between it
	// and the event loop.
	sub := h.tracker.Subscribe(id)
	defer func() { h.tracker.Unsubscribe(sub.ID) }()

	if err := h.writeProgress(w, rc, snapshot); err != nil {
		return
	}
	if view.Status.IsTerminal() {
		h.writeEnd(w, rc, view)
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	beats := 0

	for {
		select {
		case <-r.Context().Done():
			return

		case <-heartbeat.C:
			beats++
			fmt.Fprintf(w, ":heartbeat %d\n\n", beats)
			if err := rc.Flush(); err != nil {
				return
			}

		case update, ok := <-sub.Events:
			if !ok {
				// The worker detached the job: the run ended, though not
				// necessarily for good (a retry release detaches too).
				// Decide from the persisted row.
				view, err := h.jobs.Get(r.Context(), id)
				if err != nil {
					return
				}
				if view.Status.IsTerminal() {
					h.writeEnd(w, rc, view)
					return
				}
				// Queued for another attempt; report the reset and keep
				// streaming.
				if err := h.writeProgress(w, rc, progress.Update{JobID: id, Percent: view.Progress, Step: view.CurrentStep}); err != nil {
					return
				}
				sub = h.tracker.Subscribe(id)
				continue
			}
			if err := h.writeProgress(w, rc, update); err != nil {
				return
			}
		}
	}
}

// writeProgress emits one progress frame.
func (h *ProgressHandler) writeProgress(w http.ResponseWriter, rc *http.ResponseController, update progress.Update) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
	return rc.Flush()
}

// writeEnd emits the terminal frame.
func (h *ProgressHandler) writeEnd(w http.ResponseWriter, rc *http.ResponseController, view *service.JobView) {
	data, err := json.Marshal(endEvent{
		JobID:   view.ID.String(),
		Status:  view.Status,
		Percent: view.Progress,
		Error:   view.Error,
	})
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: end\ndata: %s\n\n", data)
	if err := rc.Flush(); err != nil {
		return
	}
}
