// config_watcher.go: hot reload of runtime tunables with Argus
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrt

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/argus"
)

// TunableTarget receives configuration changes that apply without a restart.
type TunableTarget interface {
	ApplyTunables(cfg RuntimeConfig)
}

// ConfigWatcherOptions configures a ConfigWatcher.
type ConfigWatcherOptions struct {
	PollInterval time.Duration
	CacheTTL     time.Duration
	Audit        AuditSink
}

// ConfigWatcher reloads a runtime config file when it changes. Log level,
// teardown timeout and dispatch timeout are applied immediately; other
// changed fields are reported as requiring a restart.
type ConfigWatcher struct {
	path    string
	target  TunableTarget
	logger  Logger
	audit   AuditSink
	watcher *argus.Watcher

	current  atomic.Pointer[RuntimeConfig]
	mu       sync.Mutex
	running  bool
	stopOnce sync.Once
}

// NewConfigWatcher creates a watcher for path. initial is the configuration
// the target was built from.
func NewConfigWatcher(path string, initial RuntimeConfig, target TunableTarget, logger Logger, opts ConfigWatcherOptions) *ConfigWatcher {
	if logger == nil {
		logger = DefaultLogger()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = opts.PollInterval / 2
	}
	cw := &ConfigWatcher{
		path:   path,
		target: target,
		logger: logger.With("component", "config_watcher"),
		audit:  opts.Audit,
	}
	cw.current.Store(&initial)
	cw.watcher = argus.New(argus.Config{
		PollInterval:         opts.PollInterval,
		CacheTTL:             opts.CacheTTL,
		MaxWatchedFiles:      1,
		OptimizationStrategy: argus.OptimizationSingleEvent,
		ErrorHandler: func(err error, path string) {
			cw.logger.Error("Config file watching error", "path", path, "error", err)
		},
	})
	return cw
}

// Start begins watching.
func (cw *ConfigWatcher) Start() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.running {
		return fmt.Errorf("config watcher is already running")
	}
	if err := cw.watcher.Watch(cw.path, cw.handleChange); err != nil {
		return fmt.Errorf("failed to watch config file: %w", err)
	}
	if err := cw.watcher.Start(); err != nil {
		return fmt.Errorf("failed to start Argus watcher: %w", err)
	}
	cw.running = true
	cw.logger.Info("Config watcher started", "path", cw.path)
	return nil
}

// Stop stops watching. It is safe to call more than once.
func (cw *ConfigWatcher) Stop() error {
	var err error
	cw.stopOnce.Do(func() {
		cw.mu.Lock()
		running := cw.running
		cw.running = false
		cw.mu.Unlock()
		if running {
			err = cw.watcher.Stop()
		}
	})
	return err
}

// Current returns the last applied configuration.
func (cw *ConfigWatcher) Current() RuntimeConfig {
	return *cw.current.Load()
}

func (cw *ConfigWatcher) handleChange(event argus.ChangeEvent) {
	if event.IsDelete {
		cw.logger.Warn("Config file was deleted, keeping current settings", "path", event.Path)
		return
	}
	cw.reload()
}

// reload loads the file and applies it. Invalid files leave the current settings in place.
func (cw *ConfigWatcher) reload() {
	next, err := LoadRuntimeConfig(cw.path)
	if err != nil {
		cw.logger.Error("Failed to reload config", "path", cw.path, "error", err)
		cw.auditEvent("config_reload_failed", map[string]any{"path": cw.path, "error": err.Error()})
		return
	}
	prev := cw.current.Swap(&next)

	if restart := restartOnlyChanges(*prev, next); len(restart) > 0 {
		cw.logger.Warn("Config fields changed that take effect after restart", "fields", restart)
	}
	cw.target.ApplyTunables(next)
	cw.logger.Info("Config reloaded",
		"log_level", next.LogLevel,
		"teardown_timeout", next.TeardownTimeout.Std().String(),
		"dispatch_timeout", next.DispatchTimeout.Std().String())
	cw.auditEvent("config_reloaded", map[string]any{
		"path":             cw.path,
		"log_level":        next.LogLevel,
		"teardown_timeout": next.TeardownTimeout.Std().String(),
		"dispatch_timeout": next.DispatchTimeout.Std().String(),
	})
}

func (cw *ConfigWatcher) auditEvent(event string, fields map[string]any) {
	if cw.audit != nil {
		cw.audit.Record(event, fields)
	}
}

func restartOnlyChanges(prev, next RuntimeConfig) []string {
	var changed []string
	if prev.RootDir != next.RootDir {
		changed = append(changed, "root_dir")
	}
	if prev.RegistryPath() != next.RegistryPath() {
		changed = append(changed, "database_path")
	}
	if prev.BatchConcurrency != next.BatchConcurrency {
		changed = append(changed, "batch_concurrency")
	}
	if prev.InboxDir != next.InboxDir {
		changed = append(changed, "inbox_dir")
	}
	if prev.Audit != next.Audit {
		changed = append(changed, "audit")
	}
	return changed
}
