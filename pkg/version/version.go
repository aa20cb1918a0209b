// Package version exposes build-time version metadata for the peer binary.
package version

import "runtime/debug"

// Version is the semantic version of the binary. Overridden at build time
// via -ldflags "-X github.com/Sumatoshi-tech/peer/pkg/version.Version=...".
var Version = "dev"

// Commit is the Git commit the binary was built from.
var Commit = "<unknown>"

// Date is the build timestamp in RFC 3339 form.
var Date = "<unknown>"

// InitBinaryVersion fills Commit from embedded build info when the linker
// did not override it. Safe to call more than once.
func InitBinaryVersion() {
	if Commit != "<unknown>" {
		return
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			Commit = setting.Value

			return
		}
	}
}
