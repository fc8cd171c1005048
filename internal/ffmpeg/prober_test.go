package ffmpeg

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// muxedReelJSON is ffprobe output for a finished reel: one h264 video
// stream in the vertical frame and one AAC audio stream.
const muxedReelJSON = `{
  "streams": [
    {
      "index": 0,
      "codec_name": "h264",
      "codec_type": "video",
      "width": 1080,
      "height": 1920,
      "pix_fmt": "yuv420p",
      "r_frame_rate": "30/1",
      "avg_frame_rate": "30/1",
      "duration": "30.000000",
      "bit_rate": "2500000"
    },
    {
      "index": 1,
      "codec_name": "aac",
      "codec_type": "audio",
      "sample_rate": "44100",
      "channels": 2,
      "r_frame_rate": "0/0",
      "avg_frame_rate": "0/0",
      "duration": "30.023000",
      "bit_rate": "192000"
    }
  ],
  "format": {
    "filename": "/scratch/reel.mp4",
    "nb_streams": 2,
    "format_name": "mov,mp4,m4a,3gp,3g2,mj2",
    "duration": "30.023000",
    "size": "9876543",
    "bit_rate": "2631234"
  }
}`

func TestParseProbeOutput(t *testing.T) {
	result, err := ParseProbeOutput([]byte(muxedReelJSON))
	require.NoError(t, err)

	assert.Equal(t, 2, result.Format.NumStreams)
	assert.Equal(t, "mov,mp4,m4a,3gp,3g2,mj2", result.Format.FormatName)
	assert.InDelta(t, 30.023, result.DurationSec(), 0.001)
	require.Len(t, result.Streams, 2)

	video := result.VideoStream()
	require.NotNil(t, video)
	assert.Equal(t, "h264", video.CodecName)
	assert.Equal(t, 1080, video.Width)
	assert.Equal(t, 1920, video.Height)
	assert.Equal(t, "yuv420p", video.PixFmt)
	assert.InDelta(t, 30.0, video.Framerate(), 0.001)
	assert.InDelta(t, 30.0, video.DurationSec(), 0.001)

	audio := result.AudioStream()
	require.NotNil(t, audio)
	assert.Equal(t, "aac", audio.CodecName)
	assert.Equal(t, "44100", audio.SampleRate)
	assert.Equal(t, 2, audio.Channels)
}

func TestParseProbeOutput_InvalidJSON(t *testing.T) {
	_, err := ParseProbeOutput([]byte("not json at all"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing ffprobe output")
}

func TestProbeResult_StreamLookups(t *testing.T) {
	result := &ProbeResult{
		Streams: []ProbeStream{
			{Index: 0, CodecType: "video", CodecName: "h264"},
			{Index: 1, CodecType: "audio", CodecName: "aac"},
			{Index: 2, CodecType: "audio", CodecName: "mp3"},
			{Index: 3, CodecType: "subtitle", CodecName: "srt"},
		},
	}

	video := result.VideoStream()
	require.NotNil(t, video)
	assert.Equal(t, 0, video.Index)

	audio := result.AudioStream()
	require.NotNil(t, audio)
	assert.Equal(t, "aac", audio.CodecName)

	audios := result.StreamsByType("audio")
	assert.Len(t, audios, 2)
	assert.Empty(t, result.StreamsByType("data"))
}

func TestProbeResult_NoStreams(t *testing.T) {
	result := &ProbeResult{}
	assert.Nil(t, result.VideoStream())
	assert.Nil(t, result.AudioStream())
	assert.Zero(t, result.DurationSec())
}

func TestParseSeconds(t *testing.T) {
	assert.InDelta(t, 30.023, parseSeconds("30.023000"), 0.0001)
	assert.Zero(t, parseSeconds(""))
	assert.Zero(t, parseSeconds("N/A"))
}

func TestParseFramerate(t *testing.T) {
	tests := []struct {
		input    string
		expected float64
	}{
		{"30/1", 30.0},
		{"25/1", 25.0},
		{"30000/1001", 29.97},
		{"24000/1001", 23.976},
		{"60/1", 60.0},
		{"0/0", 0},
		{"invalid", 0},
		{"30", 30.0},
		{"", 0},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.InDelta(t, tt.expected, parseFramerate(tt.input), 0.01)
		})
	}
}

func TestProbeStream_Framerate(t *testing.T) {
	// The average rate wins when both are present.
	s := &ProbeStream{AvgFrameRate: "30/1", RFrameRate: "60/1"}
	assert.InDelta(t, 30.0, s.Framerate(), 0.001)

	s = &ProbeStream{RFrameRate: "25/1"}
	assert.InDelta(t, 25.0, s.Framerate(), 0.001)

	s = &ProbeStream{}
	assert.Zero(t, s.Framerate())
}

func TestIntegration_Probe(t *testing.T) {
	skipIfNoFFmpeg(t)
	skipIfNoFFprobe(t)

	dir := t.TempDir()
	clip := filepath.Join(dir, "clip.mp4")

	invoker := NewToolInvoker(discardLogger())
	synth := NewBuilder().
		Overwrite().
		Input("testsrc=duration=2:size=320x240:rate=30", "-f", "lavfi").
		OutputArgs("-c:v", "libx264", "-pix_fmt", "yuv420p").
		Output(clip).
		Args()
	_, err := invoker.Run(context.Background(), Invocation{Bin: "ffmpeg", Args: synth})
	require.NoError(t, err)

	prober := NewProber("ffprobe").WithTimeout(10 * time.Second)
	result, err := prober.Probe(context.Background(), clip)
	require.NoError(t, err)

	video := result.VideoStream()
	require.NotNil(t, video)
	assert.Equal(t, "h264", video.CodecName)
	assert.Equal(t, 320, video.Width)
	assert.Equal(t, 240, video.Height)
	assert.InDelta(t, 30.0, video.Framerate(), 0.1)
	assert.InDelta(t, 2.0, result.DurationSec(), 0.2)
}

func TestIntegration_Probe_MissingFile(t *testing.T) {
	skipIfNoFFprobe(t)

	prober := NewProber("ffprobe")
	_, err := prober.Probe(context.Background(), filepath.Join(t.TempDir(), "missing.mp4"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ffprobe failed")
}
