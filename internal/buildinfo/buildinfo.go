// Package buildinfo carries version data stamped in with -ldflags -X.
package buildinfo

import "runtime"

var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"commit":     Commit,
		"built_at":   BuiltAt,
		"go_version": runtime.Version(),
	}
}
