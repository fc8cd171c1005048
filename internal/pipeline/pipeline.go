// Package pipeline drives one reel job through the fixed stage graph:
// audio_slice feeds beats and the per-clip normalize fan-out, beats feeds
// plan, and everything converges into cut_and_concat, style_grade, mux and
// quality_gate. Stages exchange artifacts through the artifact store; the
// executor owns ordering, bounded in-job concurrency, failure classification
// and cancellation on stage boundaries.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/reelforge/reelforge/internal/analysis"
	"github.com/reelforge/reelforge/internal/config"
	"github.com/reelforge/reelforge/internal/ffmpeg"
	"github.com/reelforge/reelforge/internal/metrics"
	"github.com/reelforge/reelforge/internal/models"
	"github.com/reelforge/reelforge/internal/observability"
	"github.com/reelforge/reelforge/internal/planner"
	"github.com/reelforge/reelforge/internal/repository"
	"github.com/reelforge/reelforge/internal/storage"
)

// BeatAnalyzer produces a beat plan from a sliced audio file.
type BeatAnalyzer interface {
	Analyze(ctx context.Context, path string, windowSec float64) (*models.BeatPlan, error)
}

var _ BeatAnalyzer = (*analysis.Analyzer)(nil)

// CutPlanner turns a beat plan into the segment timeline for a clip count
// and style.
type CutPlanner interface {
	Plan(beatPlan *models.BeatPlan, clipCount int, style models.Style) ([]models.Segment, error)
}

var _ CutPlanner = (*planner.Planner)(nil)

// MediaProber inspects media containers. *ffmpeg.Prober satisfies it.
type MediaProber interface {
	Probe(ctx context.Context, path string) (*ffmpeg.ProbeResult, error)
}

var _ MediaProber = (*ffmpeg.Prober)(nil)

// Reporter receives stage lifecycle events for progress accounting.
// Implementations must be safe for concurrent use; fan-out siblings report
// from separate goroutines.
type Reporter interface {
	StageStarted(ctx context.Context, jobID models.ULID, stage models.Stage)
	StageDone(ctx context.Context, jobID models.ULID, stage models.Stage)
}

// Deps bundles everything the executor needs.
type Deps struct {
	Store    *storage.ArtifactStore
	Jobs     repository.JobRepository
	Invoker  ffmpeg.Invoker
	Prober   MediaProber
	Analyzer BeatAnalyzer
	Planner  CutPlanner
	Tools    *ffmpeg.Toolchain
	Timeouts config.StageTimeoutsConfig

	// Concurrency bounds how many stage bodies run at once within one job.
	Concurrency int

	// Reporter is optional; nil disables progress reporting.
	Reporter Reporter

	Logger *slog.Logger
}

// Executor runs the stage graph for jobs. It is safe for concurrent use;
// every Run call keeps its own state.
type Executor struct {
	store       *storage.ArtifactStore
	jobs        repository.JobRepository
	invoker     ffmpeg.Invoker
	prober      MediaProber
	analyzer    BeatAnalyzer
	planner     CutPlanner
	tools       *ffmpeg.Toolchain
	timeouts    config.StageTimeoutsConfig
	concurrency int
	reporter    Reporter
	logger      *slog.Logger
}

// NewExecutor creates an executor from its dependency bundle.
func NewExecutor(deps Deps) *Executor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := deps.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Executor{
		store:       deps.Store,
		jobs:        deps.Jobs,
		invoker:     deps.Invoker,
		prober:      deps.Prober,
		analyzer:    deps.Analyzer,
		planner:     deps.Planner,
		tools:       deps.Tools,
		timeouts:    deps.Timeouts,
		concurrency: concurrency,
		reporter:    deps.Reporter,
		logger:      observability.WithComponent(logger, "pipeline"),
	}
}

// Run drives the job through the full graph and returns the output artifact
// on success. Failures come back as a *StageFailure carrying the failing
// stage and its classification; a run stopped by cancellation reports
// ErrorKindCancelled and unwraps to context.Canceled.
func (e *Executor) Run(ctx context.Context, job *models.Job) (*models.Artifact, error) {
	style, ok := models.StyleByName(job.Style)
	if !ok {
		err := fmt.Errorf("unknown style %q", job.Style)
		return nil, &StageFailure{
			JobError: models.JobError{Kind: models.ErrorKindInvalidInput, Message: err.Error()},
			err:      err,
		}
	}

	scratch, err := e.store.Blobs().Scratch("job-" + job.ID.String())
	if err != nil {
		return nil, newStageFailure("", storageErr("creating scratch directory", err))
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			e.logger.Warn("failed to remove scratch directory",
				slog.String("path", scratch),
				slog.String("error", err.Error()),
			)
		}
	}()

	st := newRunState(job, style, scratch)
	nodes := e.buildGraph(st)

	e.logger.InfoContext(ctx, "pipeline starting",
		slog.String("job_id", job.ID.String()),
		slog.String("style", string(job.Style)),
		slog.Int("clip_count", job.ClipCount),
		slog.Int("stage_count", len(nodes)),
	)

	start := time.Now()
	if err := e.execute(ctx, st, nodes); err != nil {
		return nil, err
	}

	output := st.outputArtifact()
	if output == nil {
		return nil, newStageFailure(models.StageQualityGate,
			errors.New("pipeline finished without an output artifact"))
	}

	e.logger.InfoContext(ctx, "pipeline complete",
		slog.String("job_id", job.ID.String()),
		slog.String("output_artifact_id", output.ID.String()),
		slog.Duration("duration", time.Since(start)),
	)
	return output, nil
}

// runNode runs one node body with stage-scoped logging and progress events.
func (e *Executor) runNode(ctx context.Context, st *runState, n *node) error {
	logger := observability.WithStage(e.logger, n.id)
	logger.InfoContext(ctx, "stage starting", slog.String("job_id", st.job.ID.String()))
	e.reportStarted(ctx, st.job.ID, n.stage)

	start := time.Now()
	if err := n.run(ctx); err != nil {
		metrics.ObserveStageDuration(string(n.stage), metrics.OutcomeError, time.Since(start))
		logger.ErrorContext(ctx, "stage failed",
			slog.String("job_id", st.job.ID.String()),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()),
		)
		return err
	}

	metrics.ObserveStageDuration(string(n.stage), metrics.OutcomeOK, time.Since(start))
	logger.InfoContext(ctx, "stage complete",
		slog.String("job_id", st.job.ID.String()),
		slog.Duration("duration", time.Since(start)),
	)
	e.reportDone(ctx, st.job.ID, n.stage)
	return nil
}

// shouldHalt reports whether the job lost its right to continue: cancelled,
// finished elsewhere or deleted. Consulted before every dispatch so
// cancellation lands on a stage boundary.
func (e *Executor) shouldHalt(ctx context.Context, id models.ULID) (bool, error) {
	job, err := e.jobs.GetByID(ctx, id)
	if err != nil {
		return false, storageErr("checking job status", err)
	}
	if job == nil || job.IsTerminal() {
		return true, nil
	}
	return false, nil
}

func (e *Executor) reportStarted(ctx context.Context, id models.ULID, stage models.Stage) {
	if e.reporter != nil {
		e.reporter.StageStarted(ctx, id, stage)
	}
}

func (e *Executor) reportDone(ctx context.Context, id models.ULID, stage models.Stage) {
	if e.reporter != nil {
		e.reporter.StageDone(ctx, id, stage)
	}
}

// stageTimeout returns the configured wall-clock budget for a stage.
func (e *Executor) stageTimeout(stage models.Stage) time.Duration {
	switch stage {
	case models.StageAudioSlice:
		return e.timeouts.AudioSlice
	case models.StageBeats:
		return e.timeouts.Beats
	case models.StagePlan:
		return e.timeouts.Plan
	case models.StageNormalize:
		return e.timeouts.Normalize
	case models.StageCutAndConcat:
		return e.timeouts.CutAndConcat
	case models.StageStyleGrade:
		return e.timeouts.StyleGrade
	case models.StageMux:
		return e.timeouts.Mux
	case models.StageQualityGate:
		return e.timeouts.QualityGate
	}
	return 0
}
