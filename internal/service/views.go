package service

import (
	"time"

	"github.com/reelforge/reelforge/internal/models"
)

// DownloadPath returns the public path the finished reel is served from.
func DownloadPath(id models.ULID) string {
	return "/api/v1/jobs/" + id.String() + "/download"
}

// JobView is the public read model of a job.
type JobView struct {
	ID               models.ULID      `json:"id"`
	Status           models.JobStatus `json:"status"`
	Style            models.StyleName `json:"style"`
	ClipCount        int              `json:"clip_count"`
	AudioStartSec    float64          `json:"audio_start_sec"`
	AudioEndSec      float64          `json:"audio_end_sec"`
	Progress         int              `json:"progress"`
	CurrentStep      string           `json:"current_step,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	DurationMs       int64            `json:"duration_ms,omitempty"`
	AttemptCount     int              `json:"attempt_count"`
	Error            *models.JobError `json:"error,omitempty"`
	OutputArtifactID *models.ULID     `json:"output_artifact_id,omitempty"`
	OutputURL        string           `json:"output_url,omitempty"`
	Events           []JobEventView   `json:"events,omitempty"`
}

// JobEventView is one entry of the job's transition log.
type JobEventView struct {
	From      models.JobStatus `json:"from,omitempty"`
	To        models.JobStatus `json:"to"`
	Attempt   int              `json:"attempt"`
	Note      string           `json:"note,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// newJobView maps a job row onto its read model.
func newJobView(job *models.Job) *JobView {
	view := &JobView{
		ID:            job.ID,
		Status:        job.Status,
		Style:         job.Style,
		ClipCount:     job.ClipCount,
		AudioStartSec: job.AudioStartSec,
		AudioEndSec:   job.AudioEndSec,
		Progress:      job.Progress,
		CurrentStep:   job.CurrentStep,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
		StartedAt:     job.StartedAt,
		CompletedAt:   job.CompletedAt,
		DurationMs:    job.DurationMs,
		AttemptCount:  job.AttemptCount,
	}

	if !job.Error.IsZero() {
		jobErr := job.Error
		view.Error = &jobErr
	}
	if job.OutputArtifactID != nil {
		view.OutputArtifactID = job.OutputArtifactID
		view.OutputURL = DownloadPath(job.ID)
	}
	return view
}

// newJobEventViews maps transition log rows onto their read models.
func newJobEventViews(events []*models.JobEvent) []JobEventView {
	if len(events) == 0 {
		return nil
	}
	views := make([]JobEventView, 0, len(events))
	for _, event := range events {
		views = append(views, JobEventView{
			From:      event.FromStatus,
			To:        event.ToStatus,
			Attempt:   event.Attempt,
			Note:      event.Note,
			CreatedAt: event.CreatedAt,
		})
	}
	return views
}
