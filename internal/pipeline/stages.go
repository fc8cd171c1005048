package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"

	"github.com/reelforge/reelforge/internal/ffmpeg"
	"github.com/reelforge/reelforge/internal/models"
)

// reelDurationTolerance is the acceptable deviation of the muxed output from
// the fixed reel length.
const reelDurationTolerance = 0.5

// inputArtifact resolves one of the job's attached uploads by canonical name
// and returns its blob path. A missing row surfaces as ErrArtifactNotFound
// so it classifies as invalid input.
func (e *Executor) inputArtifact(ctx context.Context, st *runState, name string) (*models.Artifact, string, error) {
	artifact, err := e.store.Lookup(ctx, st.job.ID, models.StageInput, name)
	if err != nil {
		return nil, "", err
	}
	path, err := e.store.Path(artifact)
	if err != nil {
		return nil, "", storageErr("resolving "+name, err)
	}
	return artifact, path, nil
}

// invokeTool runs ffmpeg with the stage's timeout, scratch as the working
// directory.
func (e *Executor) invokeTool(ctx context.Context, st *runState, stage models.Stage, args []string) error {
	_, err := e.invoker.Run(ctx, ffmpeg.Invocation{
		Bin:     e.tools.FFmpegPath,
		Args:    args,
		Dir:     st.scratch,
		Timeout: e.stageTimeout(stage),
	})
	return err
}

// publish moves a finished scratch file into the blob tree, records its row
// and caches the blob path for downstream stages.
func (e *Executor) publish(ctx context.Context, st *runState, stage models.Stage, name string, kind models.ContentKind, srcPath string) error {
	artifact, err := e.store.PublishStage(ctx, st.job.ID, stage, name, kind, srcPath)
	if err != nil {
		return storageErr("publishing "+name, err)
	}
	path, err := e.store.Path(artifact)
	if err != nil {
		return storageErr("resolving "+name, err)
	}
	st.putArtifact(name, artifact, path)
	return nil
}

// runAudioSlice cuts the soundtrack window starting at audio_start_sec into
// a standalone AAC file every later stage works from.
func (e *Executor) runAudioSlice(ctx context.Context, st *runState) error {
	_, audioPath, err := e.inputArtifact(ctx, st, models.InputAudioName)
	if err != nil {
		return err
	}
	outPath := filepath.Join(st.scratch, "sliced_audio.m4a")
	if err := e.invokeTool(ctx, st, models.StageAudioSlice, ffmpeg.AudioSliceArgs(audioPath, st.job.AudioStartSec, outPath)); err != nil {
		return err
	}
	return e.publish(ctx, st, models.StageAudioSlice, models.SlicedAudioName, models.ContentKindAudio, outPath)
}

// runBeats analyzes the sliced audio and persists the beat plan. The
// analyzer runs in-process, so the stage budget is enforced through a
// context deadline instead of the invoker.
func (e *Executor) runBeats(ctx context.Context, st *runState) error {
	path, ok := st.artifactPath(models.SlicedAudioName)
	if !ok {
		return errors.New("sliced audio not available")
	}

	runCtx := ctx
	if timeout := e.stageTimeout(models.StageBeats); timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	plan, err := e.analyzer.Analyze(runCtx, path, st.job.WindowDurationSec())
	if err != nil {
		return err
	}
	if _, err := e.store.SaveStageJSON(ctx, st.job.ID, models.StageBeats, models.BeatPlanName, plan); err != nil {
		return storageErr("saving beat plan", err)
	}
	st.setBeatPlan(plan)
	return nil
}

// runPlan turns the beat plan into the segment timeline and persists it.
func (e *Executor) runPlan(ctx context.Context, st *runState) error {
	plan := st.beatPlan()
	if plan == nil {
		return errors.New("beat plan not available")
	}
	segments, err := e.planner.Plan(plan, st.job.ClipCount, st.style)
	if err != nil {
		return err
	}
	if _, err := e.store.SaveStageJSON(ctx, st.job.ID, models.StagePlan, models.SegmentsName, segments); err != nil {
		return storageErr("saving segments", err)
	}
	st.setSegments(segments)
	return nil
}

// runNormalize conforms one uploaded clip to the shared reel format. Videos
// shorter than their slot are looped; images become still-frame video of the
// full slot length.
func (e *Executor) runNormalize(ctx context.Context, st *runState, clip int) error {
	name := models.InputClipName(clip)
	artifact, inPath, err := e.inputArtifact(ctx, st, name)
	if err != nil {
		return err
	}

	targetLen := models.ReelDurationSec / float64(st.job.ClipCount)
	outPath := filepath.Join(st.scratch, fmt.Sprintf("normalized_%d.mp4", clip))

	var args []string
	if artifact.ContentKind == models.ContentKindImage {
		args = ffmpeg.NormalizeImageArgs(inPath, targetLen, outPath)
	} else {
		probe, err := e.prober.Probe(ctx, inPath)
		if err != nil {
			return fmt.Errorf("probing clip %d: %w", clip, err)
		}
		loop := probe.DurationSec() < targetLen
		args = ffmpeg.NormalizeVideoArgs(inPath, targetLen, loop, outPath)
	}

	if err := e.invokeTool(ctx, st, models.StageNormalize, args); err != nil {
		return err
	}
	return e.publish(ctx, st, models.StageNormalize, models.NormalizedClipName(clip), models.ContentKindVideo, outPath)
}

// runCutAndConcat assembles the reel video from the normalized clips
// according to the segment timeline.
func (e *Executor) runCutAndConcat(ctx context.Context, st *runState) error {
	segments := st.segmentsList()
	if len(segments) == 0 {
		return errors.New("segment timeline not available")
	}

	inPaths := make([]string, st.job.ClipCount)
	for i := range inPaths {
		path, ok := st.artifactPath(models.NormalizedClipName(i))
		if !ok {
			return fmt.Errorf("normalized clip %d not available", i)
		}
		inPaths[i] = path
	}

	outPath := filepath.Join(st.scratch, "concatenated.mp4")
	if err := e.invokeTool(ctx, st, models.StageCutAndConcat, ffmpeg.ConcatArgs(inPaths, segments, outPath)); err != nil {
		return err
	}
	return e.publish(ctx, st, models.StageCutAndConcat, models.ConcatenatedName, models.ContentKindVideo, outPath)
}

// runStyleGrade applies the style's color grade to the assembled reel.
func (e *Executor) runStyleGrade(ctx context.Context, st *runState) error {
	inPath, ok := st.artifactPath(models.ConcatenatedName)
	if !ok {
		return errors.New("concatenated video not available")
	}
	outPath := filepath.Join(st.scratch, "graded.mp4")
	if err := e.invokeTool(ctx, st, models.StageStyleGrade, ffmpeg.StyleGradeArgs(inPath, st.style.Grade, outPath)); err != nil {
		return err
	}
	return e.publish(ctx, st, models.StageStyleGrade, models.GradedName, models.ContentKindVideo, outPath)
}

// runMux combines the graded video with the sliced audio into the final
// container.
func (e *Executor) runMux(ctx context.Context, st *runState) error {
	videoPath, ok := st.artifactPath(models.GradedName)
	if !ok {
		return errors.New("graded video not available")
	}
	audioPath, ok := st.artifactPath(models.SlicedAudioName)
	if !ok {
		return errors.New("sliced audio not available")
	}
	outPath := filepath.Join(st.scratch, "muxed.mp4")
	if err := e.invokeTool(ctx, st, models.StageMux, ffmpeg.MuxArgs(videoPath, audioPath, outPath)); err != nil {
		return err
	}
	return e.publish(ctx, st, models.StageMux, models.MuxedName, models.ContentKindVideo, outPath)
}

// runQualityGate verifies the muxed output and promotes it to the job's
// deliverable. Infrastructure failures keep their own classification; only
// genuine verification misses report as gate failures.
func (e *Executor) runQualityGate(ctx context.Context, st *runState) error {
	path, ok := st.artifactPath(models.MuxedName)
	if !ok {
		return errors.New("muxed output not available")
	}

	probe, err := e.prober.Probe(ctx, path)
	if err != nil {
		return gateErr("probing output", err)
	}
	if err := verifyReel(probe); err != nil {
		return err
	}
	if err := e.invokeTool(ctx, st, models.StageQualityGate, ffmpeg.DecodeCheckArgs(path)); err != nil {
		return gateErr("decode check", err)
	}

	st.setOutput(st.artifact(models.MuxedName))
	return nil
}

// gateErr wraps a verification step failure as a gate failure unless it is
// a timeout or cancellation, which keep their own classification.
func gateErr(op string, err error) error {
	var toolErr *ffmpeg.ToolError
	if errors.As(err, &toolErr) && toolErr.TimedOut {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrQualityGateFailed, op, err)
}

// verifyReel checks the probe result against the fixed output contract:
// one h264 video stream at the reel frame size, one aac audio stream, and
// container duration within tolerance of the reel length.
func verifyReel(res *ffmpeg.ProbeResult) error {
	video := res.StreamsByType("video")
	if len(video) != 1 {
		return fmt.Errorf("%w: expected exactly one video stream, found %d", ErrQualityGateFailed, len(video))
	}
	if video[0].CodecName != "h264" {
		return fmt.Errorf("%w: video codec %q, want h264", ErrQualityGateFailed, video[0].CodecName)
	}
	if video[0].Width != models.ReelWidth || video[0].Height != models.ReelHeight {
		return fmt.Errorf("%w: frame size %dx%d, want %dx%d",
			ErrQualityGateFailed, video[0].Width, video[0].Height, models.ReelWidth, models.ReelHeight)
	}

	audio := res.StreamsByType("audio")
	if len(audio) != 1 {
		return fmt.Errorf("%w: expected exactly one audio stream, found %d", ErrQualityGateFailed, len(audio))
	}
	if audio[0].CodecName != "aac" {
		return fmt.Errorf("%w: audio codec %q, want aac", ErrQualityGateFailed, audio[0].CodecName)
	}

	duration := res.DurationSec()
	if math.Abs(duration-models.ReelDurationSec) > reelDurationTolerance {
		return fmt.Errorf("%w: duration %.2fs outside %.1fs±%.1fs",
			ErrQualityGateFailed, duration, models.ReelDurationSec, reelDurationTolerance)
	}
	return nil
}
