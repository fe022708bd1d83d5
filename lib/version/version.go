// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
)

// These variables are set via -ldflags at build time. When GitCommit
// is left unset, the VCS stamp the go command embeds is used instead.
var (
	// GitCommit is the short git SHA of the build.
	GitCommit = ""

	// GitDirty indicates whether there were uncommitted changes.
	GitDirty = "false"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"

	// Version is the semantic version. This is set manually for releases.
	Version = "0.1.0-dev"
)

// Build is the resolved build stamp.
type Build struct {
	Version string
	Commit  string
	Dirty   bool
	Time    string
}

var embedded = sync.OnceValue(func() Build {
	build := Build{Commit: "unknown", Time: "unknown"}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return build
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			build.Commit = setting.Value
			if len(build.Commit) > 12 {
				build.Commit = build.Commit[:12]
			}
		case "vcs.time":
			build.Time = setting.Value
		case "vcs.modified":
			build.Dirty = setting.Value == "true"
		}
	}
	return build
})

// Current returns the build stamp, preferring ldflags over the
// embedded VCS information.
func Current() Build {
	if GitCommit != "" {
		return Build{
			Version: Version,
			Commit:  GitCommit,
			Dirty:   GitDirty == "true",
			Time:    BuildTime,
		}
	}
	build := embedded()
	build.Version = Version
	return build
}

// Info returns a formatted version string suitable for --version output.
func Info() string {
	build := Current()
	dirty := ""
	if build.Dirty {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", build.Version, build.Commit, dirty, build.Time)
}

// Full returns detailed version information including Go version.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Print writes "name Info()" to stdout for --version.
func Print(name string) {
	fmt.Fprintf(os.Stdout, "%s %s\n", name, Info())
}
