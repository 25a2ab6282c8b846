// Package version reports build metadata stamped in at link time.
package version

import (
	"fmt"
	"runtime"
)

// Set via ldflags at build time:
//
//	go build -ldflags "-X github.com/soyeahso/omnidesk/internal/version.Version=1.0.0
//	  -X github.com/soyeahso/omnidesk/internal/version.Commit=abc123
//	  -X github.com/soyeahso/omnidesk/internal/version.Date=2026-01-01"
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Build describes the running binary.
type Build struct {
	Version  string `json:"version"`
	Commit   string `json:"commit"`
	Date     string `json:"date"`
	Go       string `json:"go"`
	Platform string `json:"platform"`
}

// Current returns the build metadata of the running binary.
func Current() Build {
	return Build{
		Version:  Version,
		Commit:   short(Commit),
		Date:     Date,
		Go:       runtime.Version(),
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Info returns a formatted version string.
func Info() string {
	b := Current()
	return fmt.Sprintf("omnidesk %s (commit: %s, built: %s, %s, %s)",
		b.Version, b.Commit, b.Date, b.Go, b.Platform)
}

func short(s string) string {
	if len(s) > 7 {
		return s[:7]
	}
	return s
}
