package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ProbeResult contains the parsed ffprobe output.
type ProbeResult struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

// ProbeFormat is the container-level section of ffprobe output.
type ProbeFormat struct {
	Filename   string `json:"filename"`
	NumStreams int    `json:"nb_streams"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

// ProbeStream is a single elementary stream as reported by ffprobe.
type ProbeStream struct {
	Index        int    `json:"index"`
	CodecName    string `json:"codec_name"`
	CodecType    string `json:"codec_type"` // video, audio, subtitle, data
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	PixFmt       string `json:"pix_fmt,omitempty"`
	SampleRate   string `json:"sample_rate,omitempty"`
	Channels     int    `json:"channels,omitempty"`
	RFrameRate   string `json:"r_frame_rate,omitempty"`
	AvgFrameRate string `json:"avg_frame_rate,omitempty"`
	Duration     string `json:"duration,omitempty"`
	BitRate      string `json:"bit_rate,omitempty"`
}

// defaultProbeTimeout bounds a single ffprobe run. Local files resolve in
// well under a second; the margin covers cold network scratch volumes.
const defaultProbeTimeout = 30 * time.Second

// Prober runs ffprobe against local files.
type Prober struct {
	bin     string
	timeout time.Duration
}

// NewProber creates a prober that shells out to the given ffprobe binary.
func NewProber(bin string) *Prober {
	return &Prober{bin: bin, timeout: defaultProbeTimeout}
}

// WithTimeout overrides the probe timeout.
func (p *Prober) WithTimeout(timeout time.Duration) *Prober {
	p.timeout = timeout
	return p
}

// Probe inspects a file and returns its parsed stream and format data.
// ffprobe runs with -v error so that diagnostics land on stderr, which
// cmd.Output captures into the returned error when the probe fails.
func (p *Prober) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.bin,
		"-v", "error",
		"-of", "json",
		"-show_format",
		"-show_streams",
		path)

	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("probe timeout after %v", p.timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("ffprobe failed: %s", lastLine(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	return ParseProbeOutput(output)
}

// ParseProbeOutput decodes raw ffprobe JSON.
func ParseProbeOutput(data []byte) (*ProbeResult, error) {
	var result ProbeResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("parsing ffprobe output: %w", err)
	}
	return &result, nil
}

// VideoStream returns the first video stream, or nil when the container
// carries none.
func (r *ProbeResult) VideoStream() *ProbeStream {
	return r.firstStream("video")
}

// AudioStream returns the first audio stream, or nil when the container
// carries none.
func (r *ProbeResult) AudioStream() *ProbeStream {
	return r.firstStream("audio")
}

func (r *ProbeResult) firstStream(codecType string) *ProbeStream {
	for i := range r.Streams {
		if r.Streams[i].CodecType == codecType {
			return &r.Streams[i]
		}
	}
	return nil
}

// StreamsByType returns every stream of the given codec type.
func (r *ProbeResult) StreamsByType(codecType string) []ProbeStream {
	var out []ProbeStream
	for _, s := range r.Streams {
		if s.CodecType == codecType {
			out = append(out, s)
		}
	}
	return out
}

// DurationSec returns the container duration in seconds, 0 when unknown.
func (r *ProbeResult) DurationSec() float64 {
	return parseSeconds(r.Format.Duration)
}

// DurationSec returns the stream duration in seconds, 0 when unknown.
func (s *ProbeStream) DurationSec() float64 {
	return parseSeconds(s.Duration)
}

// Framerate returns the stream frame rate, preferring the average rate.
func (s *ProbeStream) Framerate() float64 {
	if s.AvgFrameRate != "" {
		return parseFramerate(s.AvgFrameRate)
	}
	if s.RFrameRate != "" {
		return parseFramerate(s.RFrameRate)
	}
	return 0
}

// parseSeconds parses ffprobe's decimal duration strings.
func parseSeconds(s string) float64 {
	if s == "" {
		return 0
	}
	sec, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return sec
}

// parseFramerate parses an ffprobe rate such as "30000/1001", "25/1" or a
// bare "30". Unparseable input and zero denominators come back as 0.
func parseFramerate(fr string) float64 {
	numStr, denStr, isRatio := strings.Cut(fr, "/")
	if !isRatio {
		f, err := strconv.ParseFloat(fr, 64)
		if err != nil {
			return 0
		}
		return f
	}

	num, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0
	}
	den, err := strconv.ParseFloat(denStr, 64)
	if err != nil || den == 0 {
		return 0
	}
	return num / den
}
