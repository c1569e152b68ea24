// Package version reports the build version of annosync.
package version

// Version and Commit are overridden at build time via:
//
//	go build -ldflags "-X github.com/vanderheijden86/annosync/pkg/version.Version=v1.2.3 \
//	  -X github.com/vanderheijden86/annosync/pkg/version.Commit=$(git rev-parse --short HEAD)"
var (
	Version = "v0.1.0"
	Commit  = ""
)

// String returns the version with the commit appended when known.
func String() string {
	if Commit == "" {
		return Version
	}
	return Version + " (" + Commit + ")"
}
