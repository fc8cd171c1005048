// Package service implements the job-facing operations behind the HTTP API:
// creating a reel job from uploaded inputs, reading its state, cancelling it
// and opening its finished output.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/reelforge/reelforge/internal/broker"
	"github.com/reelforge/reelforge/internal/config"
	"github.com/reelforge/reelforge/internal/models"
	"github.com/reelforge/reelforge/internal/repository"
	"github.com/reelforge/reelforge/internal/storage"
)

// Sentinel errors the HTTP layer maps onto status codes.
var (
	// ErrNotFound is returned when the requested job does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrJobTerminal is returned when cancelling a job that already reached
	// a terminal status.
	ErrJobTerminal = errors.New("job already terminal")
	// ErrInvalidInput is returned when a create request fails validation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrStorageUnavailable is returned when the metadata write or the
	// enqueue behind a create could not be completed.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrOutputNotReady is returned when downloading a job that has not
	// completed.
	ErrOutputNotReady = errors.New("output not ready")
)

// audioWindowEpsilon absorbs float noise when checking the window length.
const audioWindowEpsilon = 1e-6

// defaultListLimit bounds the recent-jobs listing when no limit is given.
const defaultListLimit = 50

// CreateJobRequest carries the inputs for a new reel job. Artifact IDs
// reference uploads already stored by the upload endpoint; clip order in the
// slice is the clip order in the reel.
type CreateJobRequest struct {
	ClipArtifactIDs []models.ULID
	AudioArtifactID models.ULID
	AudioStartSec   float64
	AudioEndSec     float64
	Style           string
}

// JobService provides high-level job management operations.
type JobService struct {
	jobs        repository.JobRepository
	artifacts   repository.ArtifactRepository
	events      repository.JobEventRepository
	store       *storage.ArtifactStore
	queue       broker.Broker
	limits      config.LimitsConfig
	retention   config.RetentionConfig
	maxAttempts int
	logger      *slog.Logger
}

// NewJobService creates a new JobService.
func NewJobService(
	jobs repository.JobRepository,
	artifacts repository.ArtifactRepository,
	events repository.JobEventRepository,
	store *storage.ArtifactStore,
	queue broker.Broker,
	limits config.LimitsConfig,
	retention config.RetentionConfig,
) *JobService {
	return &JobService{
		jobs:      jobs,
		artifacts: artifacts,
		events:    events,
		store:     store,
		queue:     queue,
		limits:    limits,
		retention: retention,
		logger:    slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (s *JobService) WithLogger(logger *slog.Logger) *JobService {
	s.logger = logger
	return s
}

// WithMaxAttempts overrides the attempt budget stamped on new jobs.
// Values below one are ignored.
func (s *JobService) WithMaxAttempts(n int) *JobService {
	if n >= 1 {
		s.maxAttempts = n
	}
	return s
}

// Create validates the request, persists a PENDING job, claims the uploaded
// inputs under their canonical names and enqueues the start message. Any
// failure after the job row is written rolls the claim and the row back.
func (s *JobService) Create(ctx context.Context, req CreateJobRequest) (*models.Job, error) {
	style, ok := models.StyleByName(models.StyleName(req.Style))
	if !ok {
		return nil, fmt.Errorf("%w: unknown style %q", ErrInvalidInput, req.Style)
	}

	clipCount := len(req.ClipArtifactIDs)
	if clipCount < 1 || clipCount > s.limits.MaxClipCount {
		return nil, fmt.Errorf("%w: clip count %d outside 1..%d", ErrInvalidInput, clipCount, s.limits.MaxClipCount)
	}

	if req.AudioStartSec < 0 {
		return nil, fmt.Errorf("%w: audio window start %.3f is negative", ErrInvalidInput, req.AudioStartSec)
	}
	if math.Abs((req.AudioEndSec-req.AudioStartSec)-models.ReelDurationSec) > audioWindowEpsilon {
		return nil, fmt.Errorf("%w: audio window must be exactly %.0f seconds, got %.3f",
			ErrInvalidInput, models.ReelDurationSec, req.AudioEndSec-req.AudioStartSec)
	}

	seen := make(map[models.ULID]struct{}, clipCount+1)
	for _, id := range append(append([]models.ULID(nil), req.ClipArtifactIDs...), req.AudioArtifactID) {
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: input artifact %s referenced twice", ErrInvalidInput, id)
		}
		seen[id] = struct{}{}
	}

	claims := make([]repository.ArtifactClaim, 0, clipCount+1)
	restores := make([]repository.ArtifactClaim, 0, clipCount+1)
	for i, id := range req.ClipArtifactIDs {
		upload, err := s.loadUpload(ctx, id)
		if err != nil {
			return nil, err
		}
		if upload.ContentKind != models.ContentKindVideo && upload.ContentKind != models.ContentKindImage {
			return nil, fmt.Errorf("%w: clip %d must be video or image, got %s", ErrInvalidInput, i, upload.ContentKind)
		}
		claims = append(claims, repository.ArtifactClaim{ID: id, Name: models.InputClipName(i)})
		restores = append(restores, repository.ArtifactClaim{ID: id, Name: upload.Name})
	}

	audio, err := s.loadUpload(ctx, req.AudioArtifactID)
	if err != nil {
		return nil, err
	}
	if audio.ContentKind != models.ContentKindAudio {
		return nil, fmt.Errorf("%w: soundtrack must be audio, got %s", ErrInvalidInput, audio.ContentKind)
	}
	claims = append(claims, repository.ArtifactClaim{ID: audio.ID, Name: models.InputAudioName})
	restores = append(restores, repository.ArtifactClaim{ID: audio.ID, Name: audio.Name})

	job := models.NewJob(style.Name, clipCount, req.AudioStartSec, req.AudioEndSec)
	if s.maxAttempts > 0 {
		job.MaxAttempts = s.maxAttempts
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("%w: creating job: %w", ErrStorageUnavailable, err)
	}

	if err := s.artifacts.ClaimForJob(ctx, job.ID, claims); err != nil {
		s.rollbackCreate(ctx, job.ID, nil)
		if errors.Is(err, repository.ErrClaimLost) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return nil, fmt.Errorf("%w: claiming inputs: %w", ErrStorageUnavailable, err)
	}

	if err := s.queue.Enqueue(ctx, job.ID, 0); err != nil {
		s.rollbackCreate(ctx, job.ID, restores)
		return nil, fmt.Errorf("%w: enqueueing job: %w", ErrStorageUnavailable, err)
	}

	s.logger.InfoContext(ctx, "job created",
		slog.String("job_id", job.ID.String()),
		slog.String("style", string(job.Style)),
		slog.Int("clip_count", job.ClipCount))

	return job, nil
}

// loadUpload fetches one input artifact and checks it is a claimable upload.
func (s *JobService) loadUpload(ctx context.Context, id models.ULID) (*models.Artifact, error) {
	artifact, err := s.artifacts.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: loading input %s: %w", ErrStorageUnavailable, id, err)
	}
	if artifact == nil {
		return nil, fmt.Errorf("%w: input artifact %s not found", ErrInvalidInput, id)
	}
	if artifact.Stage != models.StageInput {
		return nil, fmt.Errorf("%w: artifact %s is not an upload", ErrInvalidInput, id)
	}
	if artifact.IsAttached() {
		return nil, fmt.Errorf("%w: input artifact %s already belongs to a job", ErrInvalidInput, id)
	}
	return artifact, nil
}

// rollbackCreate undoes a partially created job: inputs return to the upload
// pool, then the event log and the job row go. Failures are logged and left
// for the reaper.
func (s *JobService) rollbackCreate(ctx context.Context, jobID models.ULID, restores []repository.ArtifactClaim) {
	if err := s.artifacts.ReleaseFromJob(ctx, jobID, restores); err != nil {
		s.logger.WarnContext(ctx, "rollback: releasing inputs failed",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()))
	}
	if _, err := s.events.DeleteByJobID(ctx, jobID); err != nil {
		s.logger.WarnContext(ctx, "rollback: deleting job events failed",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()))
	}
	if err := s.jobs.Delete(ctx, jobID); err != nil {
		s.logger.WarnContext(ctx, "rollback: deleting job failed",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()))
	}
}

// Get returns the job's read model including its transition log.
func (s *JobService) Get(ctx context.Context, id models.ULID) (*JobView, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting job: %w", err)
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	events, err := s.events.GetByJobID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting job events: %w", err)
	}

	view := newJobView(job)
	view.Events = newJobEventViews(events)
	return view, nil
}

// List returns the most recent jobs, newest first, without transition logs.
func (s *JobService) List(ctx context.Context, limit int) ([]*JobView, int64, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	jobs, total, err := s.jobs.List(ctx, 0, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("listing jobs: %w", err)
	}

	views := make([]*JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, newJobView(job))
	}
	return views, total, nil
}

// Cancel moves a non-terminal job to CANCELLED. The pipeline observes the
// new status at its next stage boundary; a job still queued is skipped when
// its delivery arrives.
func (s *JobService) Cancel(ctx context.Context, id models.ULID) error {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("getting job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobTerminal, id, job.Status)
	}

	retainUntil := time.Now().Add(s.retention.TerminalTTL.Duration())
	won, err := s.jobs.MarkCancelled(ctx, id, retainUntil)
	if err != nil {
		return fmt.Errorf("cancelling job: %w", err)
	}
	if !won {
		// Lost to a concurrent terminal transition.
		return fmt.Errorf("%w: %s", ErrJobTerminal, id)
	}

	s.logger.InfoContext(ctx, "job cancelled", slog.String("job_id", id.String()))
	return nil
}

// OpenOutput opens the finished reel for streaming. Only COMPLETED jobs have
// an output.
func (s *JobService) OpenOutput(ctx context.Context, id models.ULID) (io.ReadCloser, *models.Artifact, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("getting job: %w", err)
	}
	if job == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.Status != models.JobStatusCompleted || job.OutputArtifactID == nil {
		return nil, nil, fmt.Errorf("%w: job %s is %s", ErrOutputNotReady, id, job.Status)
	}

	artifact, err := s.artifacts.GetByID(ctx, *job.OutputArtifactID)
	if err != nil {
		return nil, nil, fmt.Errorf("getting output artifact: %w", err)
	}
	if artifact == nil {
		return nil, nil, fmt.Errorf("output artifact %s missing", job.OutputArtifactID)
	}

	rc, err := s.store.Open(artifact)
	if err != nil {
		return nil, nil, fmt.Errorf("opening output blob: %w", err)
	}
	return rc, artifact, nil
}
