// Package build exposes version information embedded at build time.
package build

import (
	"runtime/debug"
	"time"
)

// Version returns the version of the carpd binary.
func Version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "?"
	}
	return info.Main.Version
}

// Commit returns the vcs revision the binary was built from.
func Commit() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "?"
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			return setting.Value
		}
	}
	return "?"
}

// Time returns the time the binary was built.
func Time() time.Time {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return time.Time{}
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.time" {
			if t, err := time.Parse(time.RFC3339, setting.Value); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}
