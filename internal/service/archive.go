package service

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ulikunitz/xz"

	"github.com/reelforge/reelforge/internal/models"
	"github.com/reelforge/reelforge/internal/storage"
)

// ArchiveName returns the filename the diagnostic bundle is served as.
func ArchiveName(id models.ULID) string {
	return "job-" + id.String() + ".tar.xz"
}

// BuildArchive writes a tar.xz diagnostic bundle for the job: its read model
// with the transition log, the beat plan and segment JSON when the run got
// that far, and the recorded error. Intended for failed-job diagnosis but
// available for any job.
func (s *JobService) BuildArchive(ctx context.Context, id models.ULID, w io.Writer) error {
	view, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	xzw, err := xz.NewWriter(w)
	if err != nil {
		return fmt.Errorf("opening xz stream: %w", err)
	}
	tw := tar.NewWriter(xzw)

	prefix := "job-" + id.String()

	jobJSON, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	if err := writeArchiveFile(tw, prefix+"/job.json", jobJSON); err != nil {
		return err
	}

	for _, entry := range []struct {
		stage models.Stage
		name  string
		path  string
	}{
		{models.StageBeats, models.BeatPlanName, prefix + "/beat_plan.json"},
		{models.StagePlan, models.SegmentsName, prefix + "/segments.json"},
	} {
		data, err := s.readArtifact(ctx, id, entry.stage, entry.name)
		if err != nil {
			s.logger.WarnContext(ctx, "archive: skipping artifact",
				slog.String("job_id", id.String()),
				slog.String("stage", string(entry.stage)),
				slog.String("error", err.Error()))
			continue
		}
		if data == nil {
			continue
		}
		if err := writeArchiveFile(tw, entry.path, data); err != nil {
			return err
		}
	}

	if view.Error != nil {
		report := fmt.Sprintf("kind: %s\nstage: %s\nretryable: %t\n\n%s\n",
			view.Error.Kind, view.Error.Stage, view.Error.Retryable, view.Error.Message)
		if err := writeArchiveFile(tw, prefix+"/error.txt", []byte(report)); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar stream: %w", err)
	}
	if err := xzw.Close(); err != nil {
		return fmt.Errorf("closing xz stream: %w", err)
	}
	return nil
}

// readArtifact loads one artifact's bytes, reporting a missing artifact as
// (nil, nil): a job that failed early legitimately has no plan.
func (s *JobService) readArtifact(ctx context.Context, jobID models.ULID, stage models.Stage, name string) ([]byte, error) {
	artifact, err := s.store.Lookup(ctx, jobID, stage, name)
	if err != nil {
		if errors.Is(err, storage.ErrArtifactNotFound) {
			return nil, nil
		}
		return nil, err
	}

	rc, err := s.store.Open(artifact)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// writeArchiveFile appends one regular file to the tar stream.
func writeArchiveFile(tw *tar.Writer, name string, data []byte) error {
	header := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("writing archive header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("writing archive entry %s: %w", name, err)
	}
	return nil
}
