package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/reelforge/reelforge/internal/analysis"
	"github.com/reelforge/reelforge/internal/ffmpeg"
	"github.com/reelforge/reelforge/internal/models"
	"github.com/reelforge/reelforge/internal/planner"
	"github.com/reelforge/reelforge/internal/storage"
)

// ErrQualityGateFailed marks an output that did not pass verification.
var ErrQualityGateFailed = errors.New("quality gate failed")

// errStorage marks failures of the artifact store or job repository so they
// classify as storage_unavailable rather than tool failures.
var errStorage = errors.New("storage failure")

// messageCap bounds the persisted failure message. Tool stderr can run long;
// the tail is the useful part.
const messageCap = 2048

// StageFailure is the terminal error of a pipeline run. JobError holds the
// classification persisted on the job; the wrapped error keeps the full
// chain for logs and errors.Is checks.
type StageFailure struct {
	JobError models.JobError
	err      error
}

func (f *StageFailure) Error() string {
	if f.JobError.Stage != "" {
		return fmt.Sprintf("stage %s: %s: %s", f.JobError.Stage, f.JobError.Kind, f.JobError.Message)
	}
	return fmt.Sprintf("%s: %s", f.JobError.Kind, f.JobError.Message)
}

func (f *StageFailure) Unwrap() error {
	return f.err
}

func newStageFailure(stage models.Stage, err error) *StageFailure {
	return &StageFailure{JobError: classifyError(stage, err), err: err}
}

// classifyError maps a stage error onto the persisted error taxonomy.
// Order matters: cancellation and sentinel checks run before the generic
// tool-error check so wrapped sentinels keep their kind.
func classifyError(stage models.Stage, err error) models.JobError {
	jobErr := models.JobError{Stage: stage}

	var toolErr *ffmpeg.ToolError
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, storage.ErrJobTerminal),
		errors.Is(err, storage.ErrJobNotFound):
		jobErr.Kind = models.ErrorKindCancelled
		jobErr.Message = "job cancelled"
	case errors.Is(err, storage.ErrArtifactNotFound):
		jobErr.Kind = models.ErrorKindInvalidInput
		jobErr.Message = trimMessage(err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		jobErr.Kind = models.ErrorKindTransientTool
		jobErr.Message = "stage timed out"
	case errors.Is(err, analysis.ErrAnalysisFailed):
		jobErr.Kind = models.ErrorKindAnalysisFailed
		jobErr.Message = trimMessage(err.Error())
	case errors.Is(err, planner.ErrPlanInfeasible):
		jobErr.Kind = models.ErrorKindPlanInfeasible
		jobErr.Message = trimMessage(err.Error())
	case errors.Is(err, ErrQualityGateFailed):
		jobErr.Kind = models.ErrorKindQualityGateFailed
		jobErr.Message = trimMessage(err.Error())
	case errors.As(err, &toolErr):
		if toolErr.TimedOut || retryableStderr(toolErr.StderrTail) {
			jobErr.Kind = models.ErrorKindTransientTool
		} else {
			jobErr.Kind = models.ErrorKindFatalTool
		}
		jobErr.Message = failureMessage(err)
	case errors.Is(err, errStorage):
		jobErr.Kind = models.ErrorKindStorageUnavailable
		jobErr.Message = trimMessage(err.Error())
	default:
		jobErr.Kind = models.ErrorKindFatalTool
		jobErr.Message = trimMessage(err.Error())
	}

	jobErr.Retryable = jobErr.Kind.Retryable()
	return jobErr
}

// failureMessage prefers the tool's stderr tail over the Go error string;
// ffmpeg diagnostics live on stderr.
func failureMessage(err error) string {
	var toolErr *ffmpeg.ToolError
	if errors.As(err, &toolErr) && toolErr.StderrTail != "" {
		return trimMessage(toolErr.StderrTail)
	}
	return trimMessage(err.Error())
}

// trimMessage keeps the last messageCap bytes; the end of a tool log names
// the actual failure.
func trimMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	if len(msg) <= messageCap {
		return msg
	}
	return msg[len(msg)-messageCap:]
}

// transientStderrPatterns are stderr markers of environmental failures worth
// a retry, as opposed to malformed-input failures that never succeed.
var transientStderrPatterns = []string{
	"resource temporarily unavailable",
	"input/output error",
	"connection reset",
	"connection timed out",
	"temporary failure",
}

func retryableStderr(tail string) bool {
	lower := strings.ToLower(tail)
	for _, pattern := range transientStderrPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// storageErr tags an error as a storage failure while keeping the original
// chain intact.
func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", errStorage, op, err)
}
