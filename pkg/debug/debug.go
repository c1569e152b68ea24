// Package debug provides conditional debug logging for annosync.
//
// Debug logging is enabled by setting the ANNOSYNC_DEBUG environment
// variable, or with the --debug flag of the annosync command:
//
//	ANNOSYNC_DEBUG=1 annosync serve
//
// When enabled, debug messages are written to stderr with timestamps.
// When disabled (default), all debug functions are no-ops.
package debug

import (
	"io"
	"log"
	"os"
	"sync/atomic"
	"time"
)

const prefix = "[ANNOSYNC_DEBUG] "

var (
	enabled atomic.Bool
	logger  atomic.Pointer[log.Logger]
)

func init() {
	if os.Getenv("ANNOSYNC_DEBUG") != "" {
		SetEnabled(true)
	}
}

// Enabled returns whether debug logging is enabled.
func Enabled() bool {
	return enabled.Load()
}

// SetEnabled allows programmatic control of debug logging.
func SetEnabled(e bool) {
	if e && logger.Load() == nil {
		logger.Store(log.New(os.Stderr, prefix, log.Ltime|log.Lmicroseconds))
	}
	enabled.Store(e)
}

// SetOutput redirects debug output, mainly for tests.
func SetOutput(w io.Writer) {
	logger.Store(log.New(w, prefix, log.Ltime|log.Lmicroseconds))
}

// Log writes a debug message if debug logging is enabled.
// Uses printf-style formatting.
func Log(format string, args ...any) {
	if !enabled.Load() {
		return
	}
	logger.Load().Printf(format, args...)
}

// LogIf writes a debug message only if the condition is true.
func LogIf(cond bool, format string, args ...any) {
	if !cond {
		return
	}
	Log(format, args...)
}

// LogTiming writes a timing message if debug logging is enabled.
func LogTiming(name string, d time.Duration) {
	Log("%s took %v", name, d)
}
