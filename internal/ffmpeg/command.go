package ffmpeg

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/reelforge/reelforge/internal/models"
)

// Builder assembles ffmpeg argv the way the pipeline stages need it:
// fixed leading flags, any number of inputs, one filter graph, one output.
type Builder struct {
	logLevel    string
	overwrite   bool
	inputs      []builderInput
	filters     []string
	filterGraph string
	maps        []string
	outputArgs  []string
	output      string
}

type builderInput struct {
	args []string
	path string
}

// NewBuilder creates a builder with the error log level.
func NewBuilder() *Builder {
	return &Builder{logLevel: "error"}
}

// LogLevel sets the ffmpeg log level.
func (b *Builder) LogLevel(level string) *Builder {
	b.logLevel = level
	return b
}

// Overwrite enables output file overwriting.
func (b *Builder) Overwrite() *Builder {
	b.overwrite = true
	return b
}

// Input adds an input with its preceding input-side arguments.
func (b *Builder) Input(path string, inputArgs ...string) *Builder {
	b.inputs = append(b.inputs, builderInput{args: inputArgs, path: path})
	return b
}

// VideoFilter appends a filter to the -vf chain.
func (b *Builder) VideoFilter(filter string) *Builder {
	b.filters = append(b.filters, filter)
	return b
}

// FilterComplex sets the filter graph. It takes precedence over any
// -vf chain.
func (b *Builder) FilterComplex(graph string) *Builder {
	b.filterGraph = graph
	return b
}

// Map selects an output stream by label or specifier.
func (b *Builder) Map(stream string) *Builder {
	b.maps = append(b.maps, stream)
	return b
}

// OutputArgs adds arbitrary output-side arguments.
func (b *Builder) OutputArgs(args ...string) *Builder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// Output sets the output destination. "-" writes to stdout.
func (b *Builder) Output(path string) *Builder {
	b.output = path
	return b
}

// Args renders the argument list.
func (b *Builder) Args() []string {
	args := []string{"-hide_banner", "-loglevel", b.logLevel, "-nostdin"}

	if b.overwrite {
		args = append(args, "-y")
	}

	for _, in := range b.inputs {
		args = append(args, in.args...)
		args = append(args, "-i", in.path)
	}

	if b.filterGraph != "" {
		args = append(args, "-filter_complex", b.filterGraph)
	} else if len(b.filters) > 0 {
		args = append(args, "-vf", strings.Join(b.filters, ","))
	}

	for _, m := range b.maps {
		args = append(args, "-map", m)
	}

	args = append(args, b.outputArgs...)

	if b.output != "" {
		args = append(args, b.output)
	}

	return args
}

// ffNum formats a seconds or scale value for argv and filter expressions:
// microsecond precision, no exponent form, trailing zeros trimmed.
func ffNum(f float64) string {
	return strconv.FormatFloat(math.Round(f*1e6)/1e6, 'f', -1, 64)
}

// normalizeFilter letterboxes any source into the vertical reel frame at
// the output frame rate.
var normalizeFilter = fmt.Sprintf(
	"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,fps=%d",
	models.ReelWidth, models.ReelHeight, models.ReelWidth, models.ReelHeight, models.ReelFPS)

// AudioSliceArgs cuts the reel window out of the uploaded audio track as
// stereo AAC at 44.1 kHz.
func AudioSliceArgs(audioPath string, startSec float64, outPath string) []string {
	return NewBuilder().
		Overwrite().
		Input(audioPath, "-ss", ffNum(startSec)).
		OutputArgs("-t", ffNum(models.ReelDurationSec), "-vn", "-acodec", "aac", "-ar", "44100", "-ac", "2").
		Output(outPath).
		Args()
}

// NormalizeVideoArgs re-encodes one source clip into the reel frame,
// exactly clipLen seconds, silent. loop repeats sources shorter than
// clipLen until the target length is reached.
func NormalizeVideoArgs(inPath string, clipLen float64, loop bool, outPath string) []string {
	b := NewBuilder().Overwrite()

	if loop {
		b.Input(inPath, "-stream_loop", "-1")
	} else {
		b.Input(inPath)
	}

	return b.
		VideoFilter(normalizeFilter).
		OutputArgs("-an", "-c:v", "libx264", "-preset", "faster", "-pix_fmt", "yuv420p", "-t", ffNum(clipLen)).
		Output(outPath).
		Args()
}

// NormalizeImageArgs renders a still image as a clipLen-second clip with
// the same frame geometry as video sources.
func NormalizeImageArgs(inPath string, clipLen float64, outPath string) []string {
	return NewBuilder().
		Overwrite().
		Input(inPath, "-loop", "1", "-framerate", strconv.Itoa(models.ReelFPS), "-t", ffNum(clipLen)).
		VideoFilter(normalizeFilter).
		OutputArgs("-an", "-c:v", "libx264", "-preset", "faster", "-pix_fmt", "yuv420p").
		Output(outPath).
		Args()
}

// xfadeTransitions maps transition kinds onto ffmpeg xfade names.
var xfadeTransitions = map[models.TransitionKind]string{
	models.TransitionCrossfade: "fade",
	models.TransitionFadeBlack: "fadeblack",
}

// ConcatFilter builds the graph that assembles the planned segments into
// one reel-length timeline. Each input is trimmed to its planned slice and
// freeze-padded when the source runs short of the slice plus its outgoing
// transition. Hard cuts chain through two-input concat links; fades chain
// through xfade links whose offset is the running chain length minus the
// fade duration, which lands exactly on the planned boundary. Zero-length
// fades degenerate to plain concat links.
func ConcatFilter(segments []models.Segment) string {
	var sb strings.Builder

	// Branch lengths after trim and pad: the segment's span plus its
	// outgoing transition duration.
	lens := make([]float64, len(segments))

	prevOut := 0.0
	for i, seg := range segments {
		span := seg.TargetOutSec - prevOut
		need := span + seg.TransitionOut.DurationSec()
		avail := seg.SourceOutSec - seg.SourceInSec

		fmt.Fprintf(&sb, "[%d:v]trim=start=%s:end=%s,setpts=PTS-STARTPTS",
			i, ffNum(seg.SourceInSec), ffNum(seg.SourceOutSec))
		if pad := need - avail; pad > 1e-6 {
			fmt.Fprintf(&sb, ",tpad=stop_mode=clone:stop_duration=%s", ffNum(pad))
		}
		fmt.Fprintf(&sb, ",format=yuva420p,setsar=1[c%d];", i)

		lens[i] = need
		prevOut = seg.TargetOutSec
	}

	current := "c0"
	running := lens[0]
	for i := 1; i < len(segments); i++ {
		transition := segments[i-1].TransitionOut
		next := fmt.Sprintf("x%d", i)

		fade, ok := xfadeTransitions[transition.Kind]
		if !ok || transition.DurationMs <= 0 {
			fmt.Fprintf(&sb, "[%s][c%d]concat=n=2:v=1:a=0[%s];", current, i, next)
			running += lens[i]
		} else {
			d := transition.DurationSec()
			offset := running - d
			fmt.Fprintf(&sb, "[%s][c%d]xfade=transition=%s:duration=%s:offset=%s[%s];",
				current, i, fade, ffNum(d), ffNum(offset), next)
			running = offset + lens[i]
		}
		current = next
	}

	fmt.Fprintf(&sb, "[%s]format=yuv420p[vout]", current)
	return sb.String()
}

// ConcatArgs assembles the normalized clips into the cut timeline. Inputs
// must be ordered by segment index.
func ConcatArgs(inPaths []string, segments []models.Segment, outPath string) []string {
	b := NewBuilder().Overwrite()
	for _, p := range inPaths {
		b.Input(p)
	}
	return b.
		FilterComplex(ConcatFilter(segments)).
		Map("[vout]").
		OutputArgs("-an", "-c:v", "libx264", "-preset", "medium", "-crf", "23").
		Output(outPath).
		Args()
}

// Color balance triples for the two non-neutral temperature bands. The
// values are part of the product contract: two runs with the same style
// must grade identically.
const (
	warmColorBalance = "colorbalance=rs=0.1:gs=-0.05:bs=-0.15:rm=0.05:gm=-0.02:bm=-0.1"
	coolColorBalance = "colorbalance=rs=-0.1:gs=0.02:bs=0.15:rm=-0.05:gm=0.01:bm=0.1"
)

// StyleGradeFilter renders a color grade as a filter chain. Temperatures
// below 4000 K push warm, above 5000 K push cool, between them the balance
// is untouched. An identity grade becomes a null filter so the stage still
// re-encodes uniformly.
func StyleGradeFilter(grade models.ColorGrade) string {
	var chain []string

	switch {
	case grade.TemperatureKelvin < 4000:
		chain = append(chain, warmColorBalance)
	case grade.TemperatureKelvin > 5000:
		chain = append(chain, coolColorBalance)
	}

	if grade.SaturationScale != 1 {
		chain = append(chain, "hue=s="+ffNum(grade.SaturationScale))
	}
	if grade.ContrastScale != 1 {
		chain = append(chain, "eq=contrast="+ffNum(grade.ContrastScale))
	}

	if len(chain) == 0 {
		return "null"
	}
	return strings.Join(chain, ",")
}

// StyleGradeArgs applies the style's color grade to the assembled timeline.
func StyleGradeArgs(inPath string, grade models.ColorGrade, outPath string) []string {
	return NewBuilder().
		Overwrite().
		Input(inPath).
		VideoFilter(StyleGradeFilter(grade)).
		OutputArgs("-c:v", "libx264", "-preset", "medium", "-crf", "23", "-an").
		Output(outPath).
		Args()
}

// MuxArgs marries the graded video with the sliced audio into the final
// faststart MP4.
func MuxArgs(videoPath, audioPath, outPath string) []string {
	return NewBuilder().
		Overwrite().
		Input(videoPath).
		Input(audioPath).
		OutputArgs(
			"-map", "0:v:0", "-map", "1:a:0",
			"-c:v", "libx264", "-preset", "medium", "-crf", "23",
			"-c:a", "aac", "-b:a", "192k",
			"-shortest", "-movflags", "+faststart").
		Output(outPath).
		Args()
}

// DecodeCheckArgs fully decodes a file and discards the frames; a clean
// exit is the quality gate's proof the output plays end to end.
func DecodeCheckArgs(inPath string) []string {
	return NewBuilder().
		Input(inPath).
		OutputArgs("-f", "null").
		Output("-").
		Args()
}

// PCMDecodeArgs decodes an audio file to raw mono float32 samples at the
// given rate, written to stdout.
func PCMDecodeArgs(inPath string, sampleRate int) []string {
	return NewBuilder().
		Input(inPath).
		OutputArgs("-f", "f32le", "-acodec", "pcm_f32le", "-ac", "1", "-ar", strconv.Itoa(sampleRate)).
		Output("-").
		Args()
}
