// Package ffmpeg wraps the external ffmpeg/ffprobe toolchain: binary
// resolution, the subprocess invoker every tool-backed pipeline stage runs
// through, the per-stage argv builders and the ffprobe prober.
package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/reelforge/reelforge/internal/config"
)

// Toolchain holds the resolved ffmpeg and ffprobe binaries plus the
// detected ffmpeg version. It is resolved once at startup and shared.
type Toolchain struct {
	FFmpegPath   string `json:"ffmpeg_path"`
	FFprobePath  string `json:"ffprobe_path"`
	Version      string `json:"version"`
	MajorVersion int    `json:"major_version"`
	MinorVersion int    `json:"minor_version"`
}

// versionRegex matches version strings like "6.0", "6.1.1-3ubuntu5",
// or "n7.0.2" (git builds carry an "n" prefix).
var versionRegex = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

// Resolve locates the ffmpeg and ffprobe binaries. A configured path wins
// and must point at an executable file; otherwise $PATH decides. The
// ffmpeg version is probed so startup can report what it found.
func Resolve(ctx context.Context, cfg config.ToolsConfig) (*Toolchain, error) {
	ffmpegPath, err := resolveBinary(cfg.FFmpegPath, "ffmpeg")
	if err != nil {
		return nil, err
	}

	ffprobePath, err := resolveBinary(cfg.FFprobePath, "ffprobe")
	if err != nil {
		return nil, err
	}

	tc := &Toolchain{
		FFmpegPath:  ffmpegPath,
		FFprobePath: ffprobePath,
	}

	version, major, minor, err := probeVersion(ctx, ffmpegPath)
	if err != nil {
		return nil, fmt.Errorf("probing ffmpeg version: %w", err)
	}
	tc.Version = version
	tc.MajorVersion = major
	tc.MinorVersion = minor

	return tc, nil
}

// resolveBinary returns the configured path after checking it is an
// executable file, or falls back to a $PATH lookup when none is set.
func resolveBinary(configured, name string) (string, error) {
	if configured != "" {
		info, err := os.Stat(configured)
		if err != nil {
			return "", fmt.Errorf("configured %s binary: %w", name, err)
		}
		if info.IsDir() || info.Mode()&0111 == 0 {
			return "", fmt.Errorf("configured %s binary %s is not executable", name, configured)
		}
		return configured, nil
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH: %w", name, err)
	}
	return path, nil
}

// probeVersion runs `ffmpeg -version` and parses the banner line.
func probeVersion(ctx context.Context, ffmpegPath string) (string, int, int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, ffmpegPath, "-version").Output()
	if err != nil {
		return "", 0, 0, fmt.Errorf("running %s -version: %w", ffmpegPath, err)
	}

	return parseVersionOutput(string(output))
}

// parseVersionOutput extracts the version token from `ffmpeg -version`
// output. Git snapshot builds report tokens the regex cannot split; those
// keep the raw string with zero major/minor.
func parseVersionOutput(output string) (string, int, int, error) {
	for _, line := range strings.Split(output, "\n") {
		if !strings.HasPrefix(line, "ffmpeg version ") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		version := fields[2]

		matches := versionRegex.FindStringSubmatch(version)
		if matches == nil {
			return version, 0, 0, nil
		}

		major, _ := strconv.Atoi(matches[1])
		minor, _ := strconv.Atoi(matches[2])
		return version, major, minor, nil
	}

	return "", 0, 0, fmt.Errorf("no ffmpeg version line in output")
}

// SupportsMinVersion reports whether the detected ffmpeg is at least the
// given version. Versions the banner parse could not split pass the check.
func (t *Toolchain) SupportsMinVersion(major, minor int) bool {
	if t.MajorVersion == 0 {
		return true
	}
	if t.MajorVersion != major {
		return t.MajorVersion > major
	}
	return t.MinorVersion >= minor
}

// Check verifies the resolved ffmpeg binary still answers. Health checks
// call this on every probe rather than trusting the startup resolution.
func (t *Toolchain) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := exec.CommandContext(ctx, t.FFmpegPath, "-version").Run(); err != nil {
		return fmt.Errorf("ffmpeg at %s: %w", t.FFmpegPath, err)
	}
	return nil
}
