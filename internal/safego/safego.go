// Package safego runs goroutines with panic recovery so one bad frame in a
// connection writer, coalescing flush or periodic sweep never takes the
// whole process down.
package safego

import (
	"runtime/debug"

	"github.com/filipsuk/lineheat/internal/logging"
)

// Go runs fn in a new goroutine, recovering and logging any panic.
func Go(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Log.WithFields(map[string]any{
					"panic": r,
					"stack": string(debug.Stack()),
				}).Error("recovered panic in background goroutine")
			}
		}()
		fn()
	}()
}
