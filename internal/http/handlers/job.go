// Package handlers provides the HTTP API handlers for reelforge.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/reelforge/reelforge/internal/models"
	"github.com/reelforge/reelforge/internal/service"
)

// JobHandler handles job API endpoints.
type JobHandler struct {
	jobs   *service.JobService
	logger *slog.Logger
}

// NewJobHandler creates a new job handler.
func NewJobHandler(jobs *service.JobService, logger *slog.Logger) *JobHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobHandler{
		jobs:   jobs,
		logger: logger,
	}
}

// Register registers the job routes with the API.
func (h *JobHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "createJob",
		Method:        "POST",
		Path:          "/api/v1/jobs",
		Summary:       "Create job",
		Description:   "Creates a reel job from uploaded inputs and queues it for processing",
		Tags:          []string{"Jobs"},
		DefaultStatus: http.StatusCreated,
	}, h.Create)

	huma.Register(api, huma.Operation{
		OperationID: "listJobs",
		Method:      "GET",
		Path:        "/api/v1/jobs",
		Summary:     "List jobs",
		Description: "Returns the most recent jobs, newest first",
		Tags:        []string{"Jobs"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getJob",
		Method:      "GET",
		Path:        "/api/v1/jobs/{id}",
		Summary:     "Get job",
		Description: "Returns a job including its transition log",
		Tags:        []string{"Jobs"},
	}, h.GetByID)

	huma.Register(api, huma.Operation{
		OperationID: "cancelJob",
		Method:      "POST",
		Path:        "/api/v1/jobs/{id}/cancel",
		Summary:     "Cancel job",
		Description: "Cancels a job that has not reached a terminal status",
		Tags:        []string{"Jobs"},
	}, h.Cancel)
}

// RegisterStreams registers the raw streaming routes that bypass the typed
// API layer: the finished reel download and the diagnostic archive.
func (h *JobHandler) RegisterStreams(router chi.Router) {
	router.Get("/api/v1/jobs/{id}/download", h.Download)
	router.Get("/api/v1/jobs/{id}/archive", h.Archive)
}

// AudioWindow selects the soundtrack slice backing the reel.
type AudioWindow struct {
	StartSec float64 `json:"start_sec" minimum:"0" doc:"Window start in the uploaded track, seconds"`
	EndSec   float64 `json:"end_sec" doc:"Window end in the uploaded track, seconds"`
}

// CreateJobRequest is the request body for creating a job.
type CreateJobRequest struct {
	Clips       []string    `json:"clips" minItems:"1" doc:"Uploaded clip artifact IDs, in reel order"`
	Audio       string      `json:"audio" doc:"Uploaded soundtrack artifact ID"`
	AudioWindow AudioWindow `json:"audio_window"`
	Style       string      `json:"style" doc:"Style preset name"`
}

// CreateJobInput is the input for creating a job.
type CreateJobInput struct {
	Body CreateJobRequest
}

// CreateJobOutput is the output for creating a job.
type CreateJobOutput struct {
	Body service.JobView
}

// Create validates the request and queues a new reel job.
func (h *JobHandler) Create(ctx context.Context, input *CreateJobInput) (*CreateJobOutput, error) {
	clipIDs := make([]models.ULID, 0, len(input.Body.Clips))
	for i, raw := range input.Body.Clips {
		id, err := models.ParseULID(raw)
		if err != nil {
			return nil, huma.Error400BadRequest(fmt.Sprintf("invalid clip ID at index %d", i), err)
		}
		clipIDs = append(clipIDs, id)
	}
	audioID, err := models.ParseULID(input.Body.Audio)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid audio ID format", err)
	}

	job, err := h.jobs.Create(ctx, service.CreateJobRequest{
		ClipArtifactIDs: clipIDs,
		AudioArtifactID: audioID,
		AudioStartSec:   input.Body.AudioWindow.StartSec,
		AudioEndSec:     input.Body.AudioWindow.EndSec,
		Style:           input.Body.Style,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			return nil, huma.Error400BadRequest(err.Error())
		case errors.Is(err, service.ErrStorageUnavailable):
			return nil, huma.Error503ServiceUnavailable("storage unavailable", err)
		default:
			return nil, huma.Error500InternalServerError("failed to create job", err)
		}
	}

	view, err := h.jobs.Get(ctx, job.ID)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to load created job", err)
	}

	return &CreateJobOutput{Body: *view}, nil
}

// ListJobsInput is the input for listing jobs.
type ListJobsInput struct {
	Limit int `query:"limit" default:"50" minimum:"1" maximum:"500" doc:"Maximum number of jobs to return"`
}

// ListJobsOutput is the output for listing jobs.
type ListJobsOutput struct {
	Body struct {
		Jobs  []*service.JobView `json:"jobs"`
		Total int64              `json:"total"`
	}
}

// List returns the most recent jobs.
func (h *JobHandler) List(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
	views, total, err := h.jobs.List(ctx, input.Limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list jobs", err)
	}

	resp := &ListJobsOutput{}
	resp.Body.Jobs = views
	resp.Body.Total = total
	return resp, nil
}

// GetJobInput is the input for getting a job.
type GetJobInput struct {
	ID string `path:"id" doc:"Job ID (ULID)"`
}

// GetJobOutput is the output for getting a job.
type GetJobOutput struct {
	Body service.JobView
}

// GetByID returns a job by ID.
func (h *JobHandler) GetByID(ctx context.Context, input *GetJobInput) (*GetJobOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}

	view, err := h.jobs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			return nil, huma.Error404NotFound(fmt.Sprintf("job %s not found", input.ID))
		}
		return nil, huma.Error500InternalServerError("failed to get job", err)
	}

	return &GetJobOutput{Body: *view}, nil
}

// CancelJobInput is the input for cancelling a job.
type CancelJobInput struct {
	ID string `path:"id" doc:"Job ID (ULID)"`
}

// CancelJobOutput is the output for cancelling a job.
type CancelJobOutput struct {
	Body struct {
		Message string `json:"message"`
	}
}

// Cancel cancels a job that has not reached a terminal status.
func (h *JobHandler) Cancel(ctx context.Context, input *CancelJobInput) (*CancelJobOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}

	if err := h.jobs.Cancel(ctx, id); err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			return nil, huma.Error404NotFound(fmt.Sprintf("job %s not found", input.ID))
		case errors.Is(err, service.ErrJobTerminal):
			return nil, huma.Error409Conflict(err.Error())
		default:
			return nil, huma.Error500InternalServerError("failed to cancel job", err)
		}
	}

	resp := &CancelJobOutput{}
	resp.Body.Message = fmt.Sprintf("job %s cancelled", input.ID)
	return resp, nil
}

// Download streams the finished reel. Only COMPLETED jobs have an output.
func (h *JobHandler) Download(w http.ResponseWriter, r *http.Request) {
	id, err := models.ParseULID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid ID format", http.StatusBadRequest)
		return
	}

	rc, artifact, err := h.jobs.OpenOutput(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			http.Error(w, "job not found", http.StatusNotFound)
		case errors.Is(err, service.ErrOutputNotReady):
			http.Error(w, "output not ready", http.StatusConflict)
		default:
			h.logger.Error("opening job output",
				slog.String("job_id", id.String()),
				slog.String("error", err.Error()))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.Name))
	if artifact.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(artifact.Size, 10))
	}

	if _, err := io.Copy(w, rc); err != nil {
		// Client hangups are routine here; nothing to send back.
		h.logger.Debug("streaming job output interrupted",
			slog.String("job_id", id.String()),
			slog.String("error", err.Error()))
	}
}

// Archive streams a tar.xz diagnostic bundle for the job: the job row, its
// transition log and the intermediate planning artifacts that survived.
func (h *JobHandler) Archive(w http.ResponseWriter, r *http.Request) {
	id, err := models.ParseULID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid ID format", http.StatusBadRequest)
		return
	}

	if _, err := h.jobs.Get(r.Context(), id); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-xz")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", service.ArchiveName(id)))

	if err := h.jobs.BuildArchive(r.Context(), id, w); err != nil {
		// Bytes are already on the wire; all we can do is log.
		h.logger.Error("building job archive",
			slog.String("job_id", id.String()),
			slog.String("error", err.Error()))
	}
}
