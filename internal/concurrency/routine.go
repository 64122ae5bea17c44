package concurrency

import (
	"log/slog"
	"runtime/debug"
)

// SafeGo runs fn in a goroutine. A panic is logged with its stack and handed
// to onPanic instead of crashing the host.
func SafeGo(fn func(), onPanic func(interface{})) {
	go func() {
		defer Recover("goroutine", onPanic)
		fn()
	}()
}

// Recover is meant to be deferred; name identifies the work in the log line.
func Recover(name string, onPanic func(interface{})) {
	r := recover()
	if r == nil {
		return
	}
	slog.Error("Panic recovered", "task", name, "panic", r, "stack", string(debug.Stack()))
	if onPanic != nil {
		onPanic(r)
	}
}
