package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/reelforge/reelforge/internal/models"
	"github.com/reelforge/reelforge/internal/repository"
)

// ErrJobNotFound is returned when writing artifacts for a job that does not
// exist.
var ErrJobNotFound = errors.New("job not found")

// ErrJobTerminal is returned when writing artifacts for a job that has
// already reached a terminal status.
var ErrJobTerminal = errors.New("job is terminal")

// ErrArtifactNotFound is returned when looking up an artifact that does not
// exist.
var ErrArtifactNotFound = errors.New("artifact not found")

// uploadsDir holds blobs uploaded before they belong to any job.
const uploadsDir = "uploads"

// StageKey returns the blob key for a stage artifact, {job_id}/{stage}/{name}.
func StageKey(jobID models.ULID, stage models.Stage, name string) string {
	return filepath.Join(jobID.String(), string(stage), name)
}

// UploadKey returns the blob key for an upload that is not attached to a job
// yet, uploads/{artifact_id}/{name}.
func UploadKey(artifactID models.ULID, name string) string {
	return filepath.Join(uploadsDir, artifactID.String(), name)
}

// ArtifactStore couples the blob store with artifact metadata rows. Every
// stage write lands the payload under {job_id}/{stage}/{name} and records an
// Artifact row, so blobs and rows never drift apart. Writes are refused for
// jobs that do not exist or have already reached a terminal status.
type ArtifactStore struct {
	blobs     *BlobStore
	jobs      repository.JobRepository
	artifacts repository.ArtifactRepository
}

// NewArtifactStore creates an ArtifactStore over the given blob store and
// repositories.
func NewArtifactStore(blobs *BlobStore, jobs repository.JobRepository, artifacts repository.ArtifactRepository) *ArtifactStore {
	return &ArtifactStore{
		blobs:     blobs,
		jobs:      jobs,
		artifacts: artifacts,
	}
}

// Blobs returns the underlying blob store.
func (s *ArtifactStore) Blobs() *BlobStore {
	return s.blobs
}

// checkWritable verifies the owning job exists and is still running.
func (s *ArtifactStore) checkWritable(ctx context.Context, jobID models.ULID) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("loading job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobTerminal, jobID, job.Status)
	}
	return nil
}

// record upserts the artifact row for a written blob. On row failure the blob
// is removed again so no unrecorded file remains.
func (s *ArtifactStore) record(ctx context.Context, jobID models.ULID, stage models.Stage, name string, kind models.ContentKind, key string, size int64) (*models.Artifact, error) {
	artifact := &models.Artifact{
		JobID:       models.ULIDPtr(jobID),
		Stage:       stage,
		Name:        name,
		BlobKey:     key,
		Size:        size,
		ContentKind: kind,
	}
	if err := s.artifacts.Upsert(ctx, artifact); err != nil {
		_ = s.blobs.Delete(key)
		return nil, fmt.Errorf("recording artifact: %w", err)
	}
	return artifact, nil
}

// SaveStage streams r into the blob store under {job_id}/{stage}/{name} and
// records the artifact row. A retried stage overwrites its previous output;
// the row is upserted and keeps its original id.
func (s *ArtifactStore) SaveStage(ctx context.Context, jobID models.ULID, stage models.Stage, name string, kind models.ContentKind, r io.Reader) (*models.Artifact, error) {
	if err := s.checkWritable(ctx, jobID); err != nil {
		return nil, err
	}

	key := StageKey(jobID, stage, name)
	size, err := s.blobs.Put(key, r)
	if err != nil {
		return nil, fmt.Errorf("writing blob: %w", err)
	}

	return s.record(ctx, jobID, stage, name, kind, key, size)
}

// SaveStageJSON marshals v and stores it as a JSON artifact.
func (s *ArtifactStore) SaveStageJSON(ctx context.Context, jobID models.ULID, stage models.Stage, name string, v any) (*models.Artifact, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling %s: %w", name, err)
	}
	return s.SaveStage(ctx, jobID, stage, name, models.ContentKindJSON, bytes.NewReader(data))
}

// PublishStage moves a finished file from a scratch directory into the blob
// store under {job_id}/{stage}/{name} and records the artifact row. Prefer
// this over SaveStage for large tool outputs: on the same filesystem the
// move is a rename, not a copy.
func (s *ArtifactStore) PublishStage(ctx context.Context, jobID models.ULID, stage models.Stage, name string, kind models.ContentKind, srcPath string) (*models.Artifact, error) {
	if err := s.checkWritable(ctx, jobID); err != nil {
		return nil, err
	}

	key := StageKey(jobID, stage, name)
	size, err := s.blobs.Publish(key, srcPath)
	if err != nil {
		return nil, fmt.Errorf("publishing blob: %w", err)
	}

	return s.record(ctx, jobID, stage, name, kind, key, size)
}

// SaveUpload streams an uploaded input into the blob store and records an
// unattached artifact row. The blob lives under uploads/{artifact_id}/{name}
// so distinct uploads with the same filename never collide; the row is
// attached to a job at creation time.
func (s *ArtifactStore) SaveUpload(ctx context.Context, name string, kind models.ContentKind, r io.Reader) (*models.Artifact, error) {
	artifact := &models.Artifact{
		Stage:       models.StageInput,
		Name:        name,
		ContentKind: kind,
	}
	artifact.ID = models.NewULID()
	artifact.BlobKey = UploadKey(artifact.ID, name)

	size, err := s.blobs.Put(artifact.BlobKey, r)
	if err != nil {
		return nil, fmt.Errorf("writing blob: %w", err)
	}
	artifact.Size = size

	if err := s.artifacts.Create(ctx, artifact); err != nil {
		_ = s.blobs.Delete(artifact.BlobKey)
		return nil, fmt.Errorf("recording upload: %w", err)
	}
	return artifact, nil
}

// Lookup returns the artifact row for (jobID, stage, name). Stage bodies use
// it to resolve their declared inputs by canonical name.
func (s *ArtifactStore) Lookup(ctx context.Context, jobID models.ULID, stage models.Stage, name string) (*models.Artifact, error) {
	artifact, err := s.artifacts.GetByJobStageName(ctx, jobID, stage, name)
	if err != nil {
		return nil, fmt.Errorf("looking up artifact: %w", err)
	}
	if artifact == nil {
		return nil, fmt.Errorf("%w: %s/%s/%s", ErrArtifactNotFound, jobID, stage, name)
	}
	return artifact, nil
}

// Open opens an artifact's payload for reading. The caller must close the
// returned reader.
func (s *ArtifactStore) Open(artifact *models.Artifact) (io.ReadCloser, error) {
	return s.blobs.Get(artifact.BlobKey)
}

// ReadJSON reads an artifact's payload and unmarshals it into v.
func (s *ArtifactStore) ReadJSON(artifact *models.Artifact, v any) error {
	data, err := s.blobs.GetBytes(artifact.BlobKey)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshaling %s: %w", artifact.Name, err)
	}
	return nil
}

// Path returns the absolute filesystem path of an artifact's payload, for
// handing to external tools.
func (s *ArtifactStore) Path(artifact *models.Artifact) (string, error) {
	return s.blobs.ResolveKey(artifact.BlobKey)
}

// DeleteArtifact removes an artifact's blob, then its row. If the blob
// deletion fails the row is kept so a later pass can retry.
func (s *ArtifactStore) DeleteArtifact(ctx context.Context, artifact *models.Artifact) error {
	if err := s.blobs.Delete(artifact.BlobKey); err != nil {
		return fmt.Errorf("deleting blob: %w", err)
	}
	if err := s.artifacts.Delete(ctx, artifact.ID); err != nil {
		return fmt.Errorf("deleting artifact row: %w", err)
	}
	return nil
}

// DeleteStage removes every artifact a stage produced for a job, blobs before
// rows. Used when a cancelled run tears down partial outputs.
func (s *ArtifactStore) DeleteStage(ctx context.Context, jobID models.ULID, stage models.Stage) error {
	artifacts, err := s.artifacts.GetByJobAndStage(ctx, jobID, stage)
	if err != nil {
		return fmt.Errorf("listing stage artifacts: %w", err)
	}

	for _, artifact := range artifacts {
		if err := s.blobs.Delete(artifact.BlobKey); err != nil {
			return fmt.Errorf("deleting blob %s: %w", artifact.BlobKey, err)
		}
	}

	if _, err := s.artifacts.DeleteByJobAndStage(ctx, jobID, stage); err != nil {
		return fmt.Errorf("deleting stage artifact rows: %w", err)
	}
	return nil
}

// DeleteJobData removes every blob and artifact row belonging to a job,
// blobs first. If any blob deletion fails no rows are removed, so the next
// cleanup cycle retries the whole job.
func (s *ArtifactStore) DeleteJobData(ctx context.Context, jobID models.ULID) error {
	artifacts, err := s.artifacts.GetByJobID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("listing job artifacts: %w", err)
	}

	for _, artifact := range artifacts {
		if err := s.blobs.Delete(artifact.BlobKey); err != nil {
			return fmt.Errorf("deleting blob %s: %w", artifact.BlobKey, err)
		}
	}

	if _, err := s.artifacts.DeleteByJobID(ctx, jobID); err != nil {
		return fmt.Errorf("deleting artifact rows: %w", err)
	}

	// Attached uploads live under uploads/ and were deleted by blob key;
	// this clears the job's own directory tree.
	if err := s.blobs.RemoveAll(jobID.String()); err != nil {
		return fmt.Errorf("removing job directory: %w", err)
	}
	return nil
}
