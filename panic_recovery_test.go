// panic_recovery_test.go: panic recovery tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrt

import (
	"strings"
	"sync"
	"testing"
	"time"
)

// TestPanicRecovery_WithStackRecover tests basic panic recovery with logging
func TestPanicRecovery_WithStackRecover(t *testing.T) {
	t.Run("RecoversPanic_WithStackTrace", func(t *testing.T) {
		logger := NewTestLogger()

		func() {
			defer withStackRecover(logger)()
			panic("test panic message")
		}()

		msgs := logger.Messages()
		if len(msgs) != 1 {
			t.Fatalf("Expected 1 log message, got %d", len(msgs))
		}
		if msgs[0].Level != "ERROR" {
			t.Errorf("Expected ERROR level, got %s", msgs[0].Level)
		}
		if msgs[0].Message != "Panic recovered in goroutine" {
			t.Errorf("Unexpected message %q", msgs[0].Message)
		}

		var stack string
		for i := 0; i+1 < len(msgs[0].Args); i += 2 {
			if msgs[0].Args[i] == "stack" {
				stack, _ = msgs[0].Args[i+1].(string)
			}
		}
		if !strings.Contains(stack, "goroutine") {
			t.Errorf("Expected a stack trace, got %q", stack)
		}
	})

	t.Run("NoPanic_NoLog", func(t *testing.T) {
		logger := NewTestLogger()
		func() {
			defer withStackRecover(logger)()
		}()
		if len(logger.Messages()) != 0 {
			t.Errorf("Expected no log messages, got %d", len(logger.Messages()))
		}
	})
}

// TestRecoverInto tests panic-to-error conversion around extension calls
func TestRecoverInto(t *testing.T) {
	call := func(fn func()) (err error) {
		defer recoverInto(&err, "onToolCalled")
		fn()
		return nil
	}

	err := call(func() { panic("bad handler") })
	if err == nil {
		t.Fatal("Expected an error from a panicking call")
	}
	if err.Error() != "panic in onToolCalled: bad handler" {
		t.Errorf("Unexpected error %q", err.Error())
	}

	if err := call(func() {}); err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
}

// TestSafeGo tests goroutine panic isolation
func TestSafeGo(t *testing.T) {
	logger := NewTestLogger()
	var wg sync.WaitGroup
	wg.Add(1)
	SafeGo(logger, func() {
		defer wg.Done()
		panic("background failure")
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("SafeGo function did not run")
	}

	deadline := time.Now().Add(5 * time.Second)
	for !logger.HasMessage("ERROR", "Panic recovered in goroutine") {
		if time.Now().After(deadline) {
			t.Fatal("Expected the panic to be logged")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
