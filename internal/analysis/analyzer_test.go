package analysis

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelforge/reelforge/internal/ffmpeg"
	"github.com/reelforge/reelforge/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func skipIfNoFFmpeg(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not available")
	}
}

// fakeInvoker plays back canned PCM instead of running a tool.
type fakeInvoker struct {
	stdout  []byte
	err     error
	gotArgs []string
}

func (f *fakeInvoker) Run(_ context.Context, inv ffmpeg.Invocation) (ffmpeg.Result, error) {
	f.gotArgs = inv.Args
	if f.err != nil {
		return ffmpeg.Result{ExitCode: 1}, f.err
	}
	if inv.Stdout != nil {
		if _, err := inv.Stdout.Write(f.stdout); err != nil {
			return ffmpeg.Result{ExitCode: 1}, err
		}
	}
	return ffmpeg.Result{}, nil
}

// f32Bytes renders samples as the little-endian float32 stream ffmpeg
// would write.
func f32Bytes(samples []float64) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(float32(s)))
	}
	return out
}

func TestAnalyzer_ClickTrack(t *testing.T) {
	fake := &fakeInvoker{stdout: f32Bytes(clickTrack(120, 30))}
	analyzer := NewAnalyzer(fake, "ffmpeg", discardLogger())

	plan, err := analyzer.Analyze(context.Background(), "sliced_audio.m4a", models.ReelDurationSec)
	require.NoError(t, err)

	assert.Contains(t, fake.gotArgs, "f32le")
	assert.Contains(t, fake.gotArgs, "22050")
	assert.Contains(t, fake.gotArgs, "sliced_audio.m4a")

	assert.InDelta(t, 120, plan.TempoBPM, 6)
	require.NoError(t, plan.Validate(models.ReelDurationSec))

	assert.GreaterOrEqual(t, len(plan.Beats), 55)
	assert.LessOrEqual(t, len(plan.Beats), 65)
	assert.Len(t, plan.CutCandidates, len(plan.Beats))
	assert.InDelta(t, 1.0, plan.CutCandidates[0].Score, 1e-9)
}

func TestAnalyzer_WindowTruncation(t *testing.T) {
	// 35 s of decoded audio against a 30 s window: nothing past the
	// window may surface in the plan.
	fake := &fakeInvoker{stdout: f32Bytes(clickTrack(120, 35))}
	analyzer := NewAnalyzer(fake, "ffmpeg", discardLogger())

	plan, err := analyzer.Analyze(context.Background(), "sliced_audio.m4a", 30)
	require.NoError(t, err)
	require.NoError(t, plan.Validate(30))

	for _, b := range plan.Beats {
		assert.LessOrEqual(t, b, 30.0)
	}
	assert.LessOrEqual(t, len(plan.Beats), 62)
}

func TestAnalyzer_TooShort(t *testing.T) {
	fake := &fakeInvoker{stdout: make([]byte, sampleRate*4)}
	analyzer := NewAnalyzer(fake, "ffmpeg", discardLogger())

	_, err := analyzer.Analyze(context.Background(), "sliced_audio.m4a", 30)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAnalysisFailed)
	assert.Contains(t, err.Error(), "at least")
}

func TestAnalyzer_EmptyAudio(t *testing.T) {
	fake := &fakeInvoker{}
	analyzer := NewAnalyzer(fake, "ffmpeg", discardLogger())

	_, err := analyzer.Analyze(context.Background(), "sliced_audio.m4a", 30)
	assert.ErrorIs(t, err, ErrAnalysisFailed)
}

func TestAnalyzer_Silence(t *testing.T) {
	fake := &fakeInvoker{stdout: make([]byte, 5*sampleRate*4)}
	analyzer := NewAnalyzer(fake, "ffmpeg", discardLogger())

	_, err := analyzer.Analyze(context.Background(), "sliced_audio.m4a", 30)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAnalysisFailed)
}

func TestAnalyzer_DecodeFailure(t *testing.T) {
	fake := &fakeInvoker{err: &ffmpeg.ToolError{
		Bin:        "ffmpeg",
		ExitCode:   1,
		StderrTail: "Invalid data found when processing input\n",
	}}
	analyzer := NewAnalyzer(fake, "ffmpeg", discardLogger())

	_, err := analyzer.Analyze(context.Background(), "sliced_audio.m4a", 30)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAnalysisFailed)
	assert.Contains(t, err.Error(), "decoding audio")
}

func TestAnalyzer_CancellationPassesThrough(t *testing.T) {
	fake := &fakeInvoker{err: context.Canceled}
	analyzer := NewAnalyzer(fake, "ffmpeg", discardLogger())

	_, err := analyzer.Analyze(context.Background(), "sliced_audio.m4a", 30)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrAnalysisFailed)
}

func TestSamplesFromPCM(t *testing.T) {
	in := f32Bytes([]float64{0.5, -0.25, 0})
	got := samplesFromPCM(in)

	require.Len(t, got, 3)
	assert.InDelta(t, 0.5, got[0], 1e-6)
	assert.InDelta(t, -0.25, got[1], 1e-6)
	assert.Zero(t, got[2])

	// Trailing partial sample is dropped.
	assert.Len(t, samplesFromPCM(in[:10]), 2)

	// Non-finite values are zeroed.
	nan := make([]byte, 4)
	binary.LittleEndian.PutUint32(nan, math.Float32bits(float32(math.NaN())))
	got = samplesFromPCM(nan)
	require.Len(t, got, 1)
	assert.Zero(t, got[0])
}

// writeWAV renders samples as 16-bit mono PCM WAV.
func writeWAV(t *testing.T, path string, samples []float64) {
	t.Helper()

	var buf bytes.Buffer
	dataLen := len(samples) * 2
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataLen))
	for _, s := range samples {
		binary.Write(&buf, binary.LittleEndian, int16(s*32767))
	}

	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestIntegration_AnalyzeWAV(t *testing.T) {
	skipIfNoFFmpeg(t)

	wav := filepath.Join(t.TempDir(), "clicks.wav")
	writeWAV(t, wav, clickTrack(120, 12))

	invoker := ffmpeg.NewToolInvoker(discardLogger())
	analyzer := NewAnalyzer(invoker, "ffmpeg", discardLogger())

	plan, err := analyzer.Analyze(context.Background(), wav, 12)
	require.NoError(t, err)
	require.NoError(t, plan.Validate(12))

	assert.InDelta(t, 120, plan.TempoBPM, 6)
	assert.GreaterOrEqual(t, len(plan.Beats), 20)
}
