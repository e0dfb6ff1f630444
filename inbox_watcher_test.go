// inbox_watcher_test.go: watched-directory install tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrt

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInbox_InstallsExistingAndDroppedArchives(t *testing.T) {
	s := newTestStack(t)
	ctx := testContext(t)
	inboxDir := filepath.Join(t.TempDir(), "inbox")
	require.NoError(t, os.MkdirAll(inboxDir, 0750))
	echoArchive(t, inboxDir, "1")

	inbox := NewInbox(inboxDir, s.installer, s.logger, 50*time.Millisecond)
	require.NoError(t, inbox.Start(ctx))
	defer inbox.Stop()

	rec, err := s.registry.GetByName(ctx, "Echo")
	require.NoError(t, err)
	require.NotNil(t, rec, "archives present at start are installed before Start returns")

	staged := weatherArchive(t, t.TempDir(), "1")
	require.NoError(t, os.Rename(staged, filepath.Join(inboxDir, "weather.zip")))

	require.Eventually(t, func() bool {
		rec, err := s.registry.GetByName(ctx, "Weather")
		return err == nil && rec != nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestInbox_RejectedArchiveIsLogged(t *testing.T) {
	s := newTestStack(t)
	ctx := testContext(t)
	inboxDir := filepath.Join(t.TempDir(), "inbox")

	inbox := NewInbox(inboxDir, s.installer, s.logger, 20*time.Millisecond)
	require.NoError(t, inbox.Start(ctx))
	defer inbox.Stop()
	assert.DirExists(t, inboxDir)

	require.NoError(t, os.WriteFile(filepath.Join(inboxDir, "junk.zip"), []byte("junk"), 0600))
	require.Eventually(t, func() bool {
		return s.logger.HasMessage("WARN", "Inbox archive rejected")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestInbox_DebounceCoalescesWrites(t *testing.T) {
	s := newTestStack(t)
	ctx := testContext(t)
	inbox := NewInbox(t.TempDir(), s.installer, s.logger, time.Hour)

	path := filepath.Join(inbox.dir, "echo.zip")
	for i := 0; i < 5; i++ {
		inbox.handleEvent(ctx, fsnotify.Event{Name: path, Op: fsnotify.Write})
	}
	inbox.handleEvent(ctx, fsnotify.Event{Name: filepath.Join(inbox.dir, "notes.txt"), Op: fsnotify.Create})
	inbox.handleEvent(ctx, fsnotify.Event{Name: filepath.Join(inbox.dir, "other.zip"), Op: fsnotify.Remove})

	inbox.mu.Lock()
	pending := len(inbox.pending)
	inbox.mu.Unlock()
	assert.Equal(t, 1, pending)

	inbox.Stop()
	assert.Empty(t, inbox.pending)
}

func TestIsArchiveName(t *testing.T) {
	assert.True(t, isArchiveName("/in/echo.zip"))
	assert.True(t, isArchiveName("ECHO.ZIP"))
	assert.False(t, isArchiveName("/in/.echo.zip"))
	assert.False(t, isArchiveName("/in/echo.zip.part"))
	assert.False(t, isArchiveName("/in/readme.md"))
}

func TestInbox_StopWaitsForRunningInstall(t *testing.T) {
	s := newTestStack(t)
	ctx := testContext(t)
	inbox := NewInbox(t.TempDir(), s.installer, s.logger, time.Millisecond)
	path := echoArchive(t, inbox.dir, "1")

	// Hold the gate so the debounced install blocks inside Install.
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.manager.Exclusive(ctx, func(context.Context, SlotControl) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	inbox.handleEvent(ctx, fsnotify.Event{Name: path, Op: fsnotify.Create})
	require.Eventually(t, func() bool {
		inbox.mu.Lock()
		defer inbox.mu.Unlock()
		return len(inbox.pending) == 0
	}, 5*time.Second, 5*time.Millisecond, "debounced install never fired")

	stopped := make(chan struct{})
	go func() {
		inbox.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while an install was still running")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-ctx.Done():
		t.Fatal("Stop never returned")
	}

	rec, err := s.registry.GetByName(ctx, "Echo")
	require.NoError(t, err)
	assert.NotNil(t, rec, "the in-flight install finished before Stop returned")
	assert.False(t, s.logger.HasMessage("WARN", "Inbox archive rejected"))
}
