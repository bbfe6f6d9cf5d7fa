// Package recovery guards the goroutines internal/dsseserver spawns per
// connection: a panic while handling one user's request must never take
// down the listener serving every other user.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/vaultmesh/apocm/internal/logging"
)

// RecoverWithLog recovers from a panic and logs it against name (the
// component that panicked, e.g. "dsseserver.handleConn"). Use with defer at
// the start of a goroutine.
//
// Example:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "dsseserver.handleConn")
//	    // ... connection handling
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logger.Error("panic recovered",
			logging.KeyComponent, name,
			logging.KeyPanic, fmt.Sprintf("%v", r),
			logging.KeyStack, string(debug.Stack()))
	}
}

// RecoverWithCallback recovers from a panic, logs it, and invokes callback
// with the recovered value so the caller can fold it into a metric or other
// cleanup before the goroutine exits.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered interface{})) {
	if r := recover(); r != nil {
		logger.Error("panic recovered",
			logging.KeyComponent, name,
			logging.KeyPanic, fmt.Sprintf("%v", r),
			logging.KeyStack, string(debug.Stack()))
		if callback != nil {
			callback(r)
		}
	}
}

// RecoverNoop silently recovers from a panic without logging. Use only in
// tests or when no logger is available.
func RecoverNoop() {
	recover()
}
