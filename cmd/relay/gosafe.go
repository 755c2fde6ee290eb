package main

import (
	"log/slog"
	"runtime/debug"
)

// goSafe runs fn in a goroutine, logging instead of crashing the
// process if it panics.
func goSafe(logger *slog.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("background goroutine panicked",
					"goroutine", name,
					"panic", r,
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn()
	}()
}
