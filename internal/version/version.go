// Package version exposes the build identity stamped in at link time.
//
// Release builds inject the variables through ldflags:
//
//	go build -ldflags "\
//	  -X github.com/reelforge/reelforge/internal/version.Version=1.4.0 \
//	  -X github.com/reelforge/reelforge/internal/version.Commit=$(git rev-parse HEAD) \
//	  -X github.com/reelforge/reelforge/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
//
// Unstamped builds report "dev".
package version

import (
	"encoding/json"
	"fmt"
	"runtime"
)

// AppName is the binary's canonical name.
const AppName = "reelforge"

// Injected at link time; see the package comment.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info is the structured form served by the version command and the
// health endpoint.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetInfo collects the build identity plus the runtime it runs under.
func GetInfo() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// shortCommit trims the commit SHA for display, tolerating the unstamped
// placeholder.
func shortCommit() string {
	if Commit != "unknown" && len(Commit) >= 8 {
		return Commit[:8]
	}
	return ""
}

// String returns the full one-line version description.
func String() string {
	info := GetInfo()
	if sc := shortCommit(); sc != "" {
		return fmt.Sprintf("%s version %s (commit: %s, built: %s, %s, %s)",
			AppName, info.Version, sc, info.Date, info.GoVersion, info.Platform)
	}
	return fmt.Sprintf("%s version %s (%s, %s)",
		AppName, info.Version, info.GoVersion, info.Platform)
}

// Short returns the compact form used for the --version flag.
func Short() string {
	if sc := shortCommit(); sc != "" {
		return fmt.Sprintf("%s %s (%s)", AppName, Version, sc)
	}
	return fmt.Sprintf("%s %s", AppName, Version)
}

// JSON returns the version information as indented JSON.
func JSON() string {
	data, err := json.MarshalIndent(GetInfo(), "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"version":%q}`, Version)
	}
	return string(data)
}
