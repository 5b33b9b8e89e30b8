// Package async starts background goroutines that must not take the gateway
// down with them. Every long-running loop in the process goes through Go so a
// panic ends up in the log instead of on stderr mid-crash.
package async

import (
	"runtime/debug"

	"toolgate/internal/logging"
)

// Go runs fn in a goroutine with panic recovery. name identifies the
// goroutine in panic reports.
func Go(logger logging.Logger, name string, fn func()) {
	logger = logging.OrNop(logger)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
			}
		}()
		fn()
	}()
}
