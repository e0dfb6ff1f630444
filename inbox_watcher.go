// inbox_watcher.go: installs archives dropped into a watched directory
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultInboxDebounce is how long an archive must stay unchanged before it is installed.
const DefaultInboxDebounce = 300 * time.Millisecond

// Inbox watches a directory and installs every .zip archive that appears in it.
type Inbox struct {
	dir       string
	installer *Installer
	logger    Logger
	debounce  time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

// NewInbox creates an inbox for dir. debounce <= 0 selects DefaultInboxDebounce.
func NewInbox(dir string, installer *Installer, logger Logger, debounce time.Duration) *Inbox {
	if logger == nil {
		logger = DefaultLogger()
	}
	if debounce <= 0 {
		debounce = DefaultInboxDebounce
	}
	return &Inbox{
		dir:       dir,
		installer: installer,
		logger:    logger.With("component", "inbox", "dir", dir),
		debounce:  debounce,
		pending:   make(map[string]*time.Timer),
	}
}

// Start installs archives already present and then watches for new ones.
func (ib *Inbox) Start(ctx context.Context) error {
	if err := os.MkdirAll(ib.dir, 0750); err != nil {
		return NewStorageFailureError("create inbox directory", err).WithContext("path", ib.dir)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(ib.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch inbox dir: %w", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	ib.mu.Lock()
	ib.watcher = watcher
	ib.cancel = cancel
	ib.mu.Unlock()

	existing, err := ib.existingArchives()
	if err != nil {
		ib.logger.Warn("Failed to scan inbox", "error", err)
	} else if len(existing) > 0 {
		ib.installer.InstallFromPaths(watchCtx, existing)
	}

	ib.wg.Add(1)
	SafeGo(ib.logger, func() {
		defer ib.wg.Done()
		ib.watchLoop(watchCtx, watcher)
	})
	ib.logger.Info("Inbox watcher started", "existing", len(existing))
	return nil
}

// Stop stops watching, cancels pending installs and waits for any install
// already running.
func (ib *Inbox) Stop() {
	ib.mu.Lock()
	if ib.cancel != nil {
		ib.cancel()
	}
	if ib.watcher != nil {
		_ = ib.watcher.Close()
		ib.watcher = nil
	}
	for path, t := range ib.pending {
		if t.Stop() {
			ib.wg.Done()
		}
		delete(ib.pending, path)
	}
	ib.mu.Unlock()
	ib.wg.Wait()
}

func (ib *Inbox) existingArchives() ([]string, error) {
	entries, err := os.ReadDir(ib.dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && isArchiveName(e.Name()) {
			paths = append(paths, filepath.Join(ib.dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (ib *Inbox) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			ib.handleEvent(ctx, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			ib.logger.Error("Inbox watcher error", "error", err)
		}
	}
}

// handleEvent debounces create, write and rename-in events per path, so an
// archive still being copied is installed once it is complete.
func (ib *Inbox) handleEvent(ctx context.Context, event fsnotify.Event) {
	if !isArchiveName(event.Name) {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	path := event.Name

	ib.mu.Lock()
	defer ib.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if t, ok := ib.pending[path]; ok && t.Stop() {
		ib.wg.Done()
	}
	// Every scheduled install holds a wg slot until it runs or is stopped,
	// so Stop also waits for installs already in flight.
	ib.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(ib.debounce, func() {
		defer ib.wg.Done()
		ib.mu.Lock()
		if ib.pending[path] == timer {
			delete(ib.pending, path)
		}
		ib.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		report := ib.installer.InstallFromPaths(ctx, []string{path})
		if report.Failed() > 0 {
			ib.logger.Warn("Inbox archive rejected", "path", path, "error", report.Items[0].Err)
		}
	})
	ib.pending[path] = timer
}

func isArchiveName(name string) bool {
	base := filepath.Base(name)
	return !strings.HasPrefix(base, ".") && strings.EqualFold(filepath.Ext(base), ".zip")
}
