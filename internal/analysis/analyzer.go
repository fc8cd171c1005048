// Package analysis implements the beat analyzer. It decodes an audio slice
// to mono PCM through ffmpeg and derives the tempo, the beat times and the
// scored cut candidates the planner chooses boundaries from.
package analysis

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/reelforge/reelforge/internal/ffmpeg"
	"github.com/reelforge/reelforge/internal/models"
	"github.com/reelforge/reelforge/internal/observability"
)

// ErrAnalysisFailed marks inputs no beat plan can be produced from:
// undecodable audio, slices shorter than minAudioSec, or dead signals
// with no onset periodicity. The stage runner reports it as fatal.
var ErrAnalysisFailed = errors.New("beat analysis failed")

// minAudioSec is the shortest slice worth analyzing.
const minAudioSec = 2.0

// Analyzer produces beat plans from audio slices.
type Analyzer struct {
	invoker    ffmpeg.Invoker
	ffmpegPath string
	logger     *slog.Logger
}

// NewAnalyzer creates an analyzer that decodes through the given invoker
// and ffmpeg binary.
func NewAnalyzer(invoker ffmpeg.Invoker, ffmpegPath string, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		invoker:    invoker,
		ffmpegPath: ffmpegPath,
		logger:     observability.WithComponent(logger, "analysis"),
	}
}

// Analyze decodes the audio at path and returns its beat plan. Samples
// beyond windowSec are ignored so every reported time stays inside the
// window. Cancellation of ctx is passed through untouched; everything the
// analyzer cannot recover from wraps ErrAnalysisFailed.
func (a *Analyzer) Analyze(ctx context.Context, path string, windowSec float64) (*models.BeatPlan, error) {
	var pcm bytes.Buffer
	_, err := a.invoker.Run(ctx, ffmpeg.Invocation{
		Bin:    a.ffmpegPath,
		Args:   ffmpeg.PCMDecodeArgs(path, sampleRate),
		Stdout: &pcm,
	})
	if err != nil {
		var toolErr *ffmpeg.ToolError
		if errors.As(err, &toolErr) {
			return nil, fmt.Errorf("%w: decoding audio: %v", ErrAnalysisFailed, err)
		}
		return nil, err
	}

	samples := samplesFromPCM(pcm.Bytes())
	if windowSec > 0 {
		if max := int(windowSec * sampleRate); len(samples) > max {
			samples = samples[:max]
		}
	}

	duration := float64(len(samples)) / sampleRate
	if duration < minAudioSec {
		return nil, fmt.Errorf("%w: audio is %.2fs, need at least %.0fs", ErrAnalysisFailed, duration, minAudioSec)
	}

	env := onsetEnvelope(samples)
	bpm, err := estimateTempo(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAnalysisFailed, err)
	}

	beatHops := beatGrid(env, bpm)
	beats := make([]float64, len(beatHops))
	for i, h := range beatHops {
		beats[i] = float64(h) * hopDuration
	}

	plan := &models.BeatPlan{
		TempoBPM:      bpm,
		Beats:         beats,
		CutCandidates: scoreCandidates(env, beatHops),
	}

	a.logger.DebugContext(ctx, "beat analysis complete",
		slog.Float64("tempo_bpm", bpm),
		slog.Int("beats", len(beats)),
		slog.Float64("audio_sec", duration))

	return plan, nil
}

// samplesFromPCM converts little-endian float32 PCM to float64, dropping
// any trailing partial sample. Non-finite values are zeroed so a corrupt
// stream cannot poison the envelope sums.
func samplesFromPCM(data []byte) []float64 {
	n := len(data) / 4
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		f := float64(math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:])))
		if !math.IsNaN(f) && !math.IsInf(f, 0) {
			out[i] = f
		}
	}
	return out
}
