package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelforge/reelforge/internal/analysis"
	"github.com/reelforge/reelforge/internal/ffmpeg"
	"github.com/reelforge/reelforge/internal/models"
	"github.com/reelforge/reelforge/internal/planner"
	"github.com/reelforge/reelforge/internal/storage"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name          string
		stage         models.Stage
		err           error
		wantKind      models.ErrorKind
		wantRetryable bool
		wantMessage   string
	}{
		{
			name:          "context cancelled",
			stage:         models.StageNormalize,
			err:           fmt.Errorf("running tool: %w", context.Canceled),
			wantKind:      models.ErrorKindCancelled,
			wantRetryable: false,
			wantMessage:   "job cancelled",
		},
		{
			name:          "job gone terminal",
			stage:         models.StageMux,
			err:           fmt.Errorf("saving output: %w", storage.ErrJobTerminal),
			wantKind:      models.ErrorKindCancelled,
			wantRetryable: false,
			wantMessage:   "job cancelled",
		},
		{
			name:          "missing input artifact",
			stage:         models.StageAudioSlice,
			err:           fmt.Errorf("%w: soundtrack", storage.ErrArtifactNotFound),
			wantKind:      models.ErrorKindInvalidInput,
			wantRetryable: false,
		},
		{
			name:          "deadline exceeded",
			stage:         models.StageBeats,
			err:           fmt.Errorf("analyzing: %w", context.DeadlineExceeded),
			wantKind:      models.ErrorKindTransientTool,
			wantRetryable: true,
			wantMessage:   "stage timed out",
		},
		{
			name:          "analysis failure",
			stage:         models.StageBeats,
			err:           fmt.Errorf("%w: no beats detected", analysis.ErrAnalysisFailed),
			wantKind:      models.ErrorKindAnalysisFailed,
			wantRetryable: false,
		},
		{
			name:          "plan infeasible",
			stage:         models.StagePlan,
			err:           fmt.Errorf("%w: not enough candidates", planner.ErrPlanInfeasible),
			wantKind:      models.ErrorKindPlanInfeasible,
			wantRetryable: false,
		},
		{
			name:          "quality gate failure",
			stage:         models.StageQualityGate,
			err:           fmt.Errorf("%w: video codec \"mpeg4\", want h264", ErrQualityGateFailed),
			wantKind:      models.ErrorKindQualityGateFailed,
			wantRetryable: false,
		},
		{
			name:          "tool timeout",
			stage:         models.StageNormalize,
			err:           &ffmpeg.ToolError{Bin: "ffmpeg", ExitCode: -1, TimedOut: true},
			wantKind:      models.ErrorKindTransientTool,
			wantRetryable: true,
		},
		{
			name:  "tool transient stderr",
			stage: models.StageCutAndConcat,
			err: &ffmpeg.ToolError{
				Bin:        "ffmpeg",
				ExitCode:   1,
				StderrTail: "av_interleaved_write_frame(): Resource temporarily unavailable\n",
			},
			wantKind:      models.ErrorKindTransientTool,
			wantRetryable: true,
		},
		{
			name:  "tool fatal",
			stage: models.StageNormalize,
			err: fmt.Errorf("running tool: %w", &ffmpeg.ToolError{
				Bin:        "ffmpeg",
				ExitCode:   1,
				StderrTail: "Invalid data found when processing input\nConversion failed!\n",
			}),
			wantKind:      models.ErrorKindFatalTool,
			wantRetryable: false,
			wantMessage:   "Invalid data found when processing input\nConversion failed!",
		},
		{
			name:          "storage failure",
			stage:         models.StageStyleGrade,
			err:           storageErr("publishing graded", errors.New("disk full")),
			wantKind:      models.ErrorKindStorageUnavailable,
			wantRetryable: true,
		},
		{
			name:          "unrecognized error",
			stage:         models.StagePlan,
			err:           errors.New("something unexpected"),
			wantKind:      models.ErrorKindFatalTool,
			wantRetryable: false,
			wantMessage:   "something unexpected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobErr := classifyError(tt.stage, tt.err)
			assert.Equal(t, tt.wantKind, jobErr.Kind)
			assert.Equal(t, tt.wantRetryable, jobErr.Retryable)
			assert.Equal(t, tt.stage, jobErr.Stage)
			if tt.wantMessage != "" {
				assert.Equal(t, tt.wantMessage, jobErr.Message)
			} else {
				assert.NotEmpty(t, jobErr.Message)
			}
		})
	}
}

func TestClassifyError_SentinelBeatsToolError(t *testing.T) {
	// A gate failure wrapping a tool error must classify as a gate failure,
	// not a tool failure.
	err := gateErr("decode check", &ffmpeg.ToolError{Bin: "ffmpeg", ExitCode: 1, StderrTail: "corrupt frame"})
	jobErr := classifyError(models.StageQualityGate, err)

	assert.Equal(t, models.ErrorKindQualityGateFailed, jobErr.Kind)
	assert.False(t, jobErr.Retryable)
}

func TestStageFailure_Unwrap(t *testing.T) {
	cause := &ffmpeg.ToolError{Bin: "ffmpeg", ExitCode: 1, StderrTail: "boom"}
	failure := newStageFailure(models.StageMux, cause)

	var toolErr *ffmpeg.ToolError
	require.ErrorAs(t, failure, &toolErr)
	assert.Equal(t, 1, toolErr.ExitCode)
	assert.Contains(t, failure.Error(), "stage mux")
}

func TestTrimMessage(t *testing.T) {
	t.Run("short message unchanged", func(t *testing.T) {
		assert.Equal(t, "Conversion failed!", trimMessage("Conversion failed!\n"))
	})

	t.Run("long message keeps the tail", func(t *testing.T) {
		long := strings.Repeat("x", 5000) + "the real error"
		trimmed := trimMessage(long)

		assert.Len(t, trimmed, messageCap)
		assert.True(t, strings.HasSuffix(trimmed, "the real error"))
	})
}

func TestRetryableStderr(t *testing.T) {
	tests := []struct {
		name string
		tail string
		want bool
	}{
		{"io error", "read error: Input/output error", true},
		{"resource unavailable", "Resource temporarily unavailable", true},
		{"connection reset", "tcp: connection reset by peer", true},
		{"malformed input", "Invalid data found when processing input", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryableStderr(tt.tail))
		})
	}
}

func TestVerifyReel(t *testing.T) {
	goodResult := func() *ffmpeg.ProbeResult {
		return &ffmpeg.ProbeResult{
			Format: ffmpeg.ProbeFormat{Duration: "30.02"},
			Streams: []ffmpeg.ProbeStream{
				{Index: 0, CodecName: "h264", CodecType: "video", Width: 1080, Height: 1920},
				{Index: 1, CodecName: "aac", CodecType: "audio", Channels: 2},
			},
		}
	}

	t.Run("conforming output passes", func(t *testing.T) {
		require.NoError(t, verifyReel(goodResult()))
	})

	tests := []struct {
		name    string
		mutate  func(res *ffmpeg.ProbeResult)
		wantMsg string
	}{
		{
			name:    "no video stream",
			mutate:  func(res *ffmpeg.ProbeResult) { res.Streams = res.Streams[1:] },
			wantMsg: "exactly one video stream",
		},
		{
			name: "two video streams",
			mutate: func(res *ffmpeg.ProbeResult) {
				res.Streams = append(res.Streams, ffmpeg.ProbeStream{
					Index: 2, CodecName: "h264", CodecType: "video", Width: 1080, Height: 1920,
				})
			},
			wantMsg: "exactly one video stream",
		},
		{
			name:    "wrong video codec",
			mutate:  func(res *ffmpeg.ProbeResult) { res.Streams[0].CodecName = "mpeg4" },
			wantMsg: "want h264",
		},
		{
			name: "wrong frame size",
			mutate: func(res *ffmpeg.ProbeResult) {
				res.Streams[0].Width = 720
				res.Streams[0].Height = 1280
			},
			wantMsg: "720x1280",
		},
		{
			name:    "no audio stream",
			mutate:  func(res *ffmpeg.ProbeResult) { res.Streams = res.Streams[:1] },
			wantMsg: "exactly one audio stream",
		},
		{
			name:    "wrong audio codec",
			mutate:  func(res *ffmpeg.ProbeResult) { res.Streams[1].CodecName = "mp3" },
			wantMsg: "want aac",
		},
		{
			name:    "duration too short",
			mutate:  func(res *ffmpeg.ProbeResult) { res.Format.Duration = "28.00" },
			wantMsg: "duration",
		},
		{
			name:    "duration too long",
			mutate:  func(res *ffmpeg.ProbeResult) { res.Format.Duration = "31.40" },
			wantMsg: "duration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := goodResult()
			tt.mutate(res)

			err := verifyReel(res)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrQualityGateFailed)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestGateErr(t *testing.T) {
	t.Run("wraps ordinary failures", func(t *testing.T) {
		err := gateErr("probing output", errors.New("ffprobe failed: exit status 1"))
		assert.ErrorIs(t, err, ErrQualityGateFailed)
	})

	t.Run("timeouts keep their classification", func(t *testing.T) {
		toolErr := &ffmpeg.ToolError{Bin: "ffmpeg", TimedOut: true}
		err := gateErr("decode check", toolErr)

		assert.NotErrorIs(t, err, ErrQualityGateFailed)
		var got *ffmpeg.ToolError
		require.ErrorAs(t, err, &got)
		assert.True(t, got.TimedOut)
	})

	t.Run("cancellation keeps its classification", func(t *testing.T) {
		err := gateErr("probing output", context.Canceled)
		assert.NotErrorIs(t, err, ErrQualityGateFailed)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
