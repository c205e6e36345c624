// Package sysinfo collects process and build information.
package sysinfo

import (
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// Version is the tunsocks version, set at build time via ldflags.
	// Example: go build -ldflags="-X github.com/postalsys/tunsocks/internal/sysinfo.Version=1.0.0"
	Version = "dev"

	// startTime is when the process started.
	startTime     time.Time
	startTimeOnce sync.Once
)

func init() {
	startTimeOnce.Do(func() {
		startTime = time.Now()
	})
	if Version == "dev" {
		Version = enhanceDevVersion()
	}
}

// Info describes the running process.
type Info struct {
	Hostname  string    `json:"hostname"`
	OS        string    `json:"os"`
	Arch      string    `json:"arch"`
	Version   string    `json:"version"`
	GoVersion string    `json:"go_version"`
	PID       int       `json:"pid"`
	StartTime time.Time `json:"start_time"`
	Uptime    string    `json:"uptime"`
}

// Collect gathers local process information.
func Collect() Info {
	hostname, _ := os.Hostname()

	return Info{
		Hostname:  hostname,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Version:   Version,
		GoVersion: runtime.Version(),
		PID:       os.Getpid(),
		StartTime: startTime,
		Uptime:    Uptime().Truncate(time.Second).String(),
	}
}

// enhanceDevVersion appends the VCS revision recorded by the Go toolchain,
// e.g. dev-abc1234 or dev-abc1234-dirty.
func enhanceDevVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}

	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return "dev"
	}
	if len(revision) > 7 {
		revision = revision[:7]
	}

	v := "dev-" + revision
	if dirty {
		v += "-dirty"
	}
	return v
}

// StartTime returns the process start time.
func StartTime() time.Time {
	return startTime
}

// Uptime returns the process uptime as a duration.
func Uptime() time.Duration {
	return time.Since(startTime)
}
