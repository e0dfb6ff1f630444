// panic_recovery.go: panic recovery utilities with stack trace support
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrt

import (
	"fmt"
	"runtime"
)

// stackBufferSize bounds the captured stack trace.
const stackBufferSize = 64 << 10

// withStackRecover returns a panic recovery function that logs panic details
// including the stack trace. It must be invoked through defer:
//
//	go func() {
//	    defer withStackRecover(logger)()
//	    // potentially panicking code
//	}()
func withStackRecover(logger Logger) func() {
	return func() {
		if r := recover(); r != nil {
			buf := make([]byte, stackBufferSize)
			n := runtime.Stack(buf, false)

			logger.Error("Panic recovered in goroutine",
				"panic", r,
				"stack", string(buf[:n]))
		}
	}
}

// recoverInto converts a panic into an error stored in *errp. Used around calls
// into extension code, where a panic must become a failure value.
//
//	func call() (err error) {
//	    defer recoverInto(&err, "onToolCalled")
//	    ...
//	}
func recoverInto(errp *error, what string) {
	if r := recover(); r != nil {
		*errp = fmt.Errorf("panic in %s: %v", what, r)
	}
}

// SafeGo executes a function in a new goroutine with automatic panic recovery.
//
// If the function panics, the panic is logged and the goroutine terminates
// without crashing the process.
func SafeGo(logger Logger, fn func()) {
	go func() {
		defer withStackRecover(logger)()
		fn()
	}()
}
