package ffmpeg

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelforge/reelforge/internal/config"
)

// skipIfNoFFmpeg skips the test if ffmpeg is not installed.
func skipIfNoFFmpeg(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	return path
}

// skipIfNoFFprobe skips the test if ffprobe is not installed.
func skipIfNoFFprobe(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("ffprobe")
	if err != nil {
		t.Skip("ffprobe not installed")
	}
	return path
}

func TestResolveBinary_ConfiguredPath(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "ffmpeg")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))

	path, err := resolveBinary(bin, "ffmpeg")
	require.NoError(t, err)
	assert.Equal(t, bin, path)
}

func TestResolveBinary_ConfiguredMissing(t *testing.T) {
	_, err := resolveBinary(filepath.Join(t.TempDir(), "nope"), "ffmpeg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configured ffmpeg binary")
}

func TestResolveBinary_ConfiguredNotExecutable(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "ffmpeg")
	require.NoError(t, os.WriteFile(bin, []byte("data"), 0o644))

	_, err := resolveBinary(bin, "ffmpeg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not executable")
}

func TestResolveBinary_ConfiguredDirectory(t *testing.T) {
	_, err := resolveBinary(t.TempDir(), "ffprobe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not executable")
}

func TestResolveBinary_PathLookup(t *testing.T) {
	// sh is present on any platform these tests run on.
	path, err := resolveBinary("", "sh")
	require.NoError(t, err)
	assert.NotEmpty(t, path)
}

func TestResolveBinary_PathLookupMissing(t *testing.T) {
	_, err := resolveBinary("", "definitely-not-a-real-binary-name")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found in PATH")
}

func TestParseVersionOutput(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		version string
		major   int
		minor   int
		wantErr bool
	}{
		{
			name:    "plain release",
			output:  "ffmpeg version 6.0 Copyright (c) 2000-2023 the FFmpeg developers\nbuilt with gcc 12\n",
			version: "6.0",
			major:   6,
			minor:   0,
		},
		{
			name:    "distro suffix",
			output:  "ffmpeg version 6.1.1-3ubuntu5 Copyright (c) 2000-2023 the FFmpeg developers\n",
			version: "6.1.1-3ubuntu5",
			major:   6,
			minor:   1,
		},
		{
			name:    "git build prefix",
			output:  "ffmpeg version n7.0.2 Copyright (c) 2000-2024 the FFmpeg developers\n",
			version: "n7.0.2",
			major:   7,
			minor:   0,
		},
		{
			name:    "git snapshot keeps raw token",
			output:  "ffmpeg version N-109679-g59b5d38ad1 Copyright (c) 2000-2023 the FFmpeg developers\n",
			version: "N-109679-g59b5d38ad1",
			major:   0,
			minor:   0,
		},
		{
			name:    "no version line",
			output:  "something else entirely\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, major, minor, err := parseVersionOutput(tt.output)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.version, version)
			assert.Equal(t, tt.major, major)
			assert.Equal(t, tt.minor, minor)
		})
	}
}

func TestToolchain_SupportsMinVersion(t *testing.T) {
	tc := &Toolchain{MajorVersion: 6, MinorVersion: 1}

	assert.True(t, tc.SupportsMinVersion(5, 0))
	assert.True(t, tc.SupportsMinVersion(6, 0))
	assert.True(t, tc.SupportsMinVersion(6, 1))
	assert.False(t, tc.SupportsMinVersion(6, 2))
	assert.False(t, tc.SupportsMinVersion(7, 0))

	// Unparsed git snapshot versions pass.
	snapshot := &Toolchain{Version: "N-109679-g59b5d38ad1"}
	assert.True(t, snapshot.SupportsMinVersion(7, 0))
}

func TestResolve_ConfiguredMissing(t *testing.T) {
	_, err := Resolve(context.Background(), config.ToolsConfig{
		FFmpegPath: filepath.Join(t.TempDir(), "missing-ffmpeg"),
	})
	require.Error(t, err)
}

func TestIntegration_Resolve(t *testing.T) {
	skipIfNoFFmpeg(t)
	skipIfNoFFprobe(t)

	tc, err := Resolve(context.Background(), config.ToolsConfig{})
	require.NoError(t, err)

	assert.NotEmpty(t, tc.FFmpegPath)
	assert.NotEmpty(t, tc.FFprobePath)
	assert.NotEmpty(t, tc.Version)

	require.NoError(t, tc.Check(context.Background()))
}
