// config_watcher_test.go: config hot reload tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrt

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/agilira/argus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tunableRecorder struct {
	mu      sync.Mutex
	applied []RuntimeConfig
}

func (r *tunableRecorder) ApplyTunables(cfg RuntimeConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, cfg)
}

func (r *tunableRecorder) last() (RuntimeConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.applied) == 0 {
		return RuntimeConfig{}, false
	}
	return r.applied[len(r.applied)-1], true
}

func TestConfigWatcher_ReloadAppliesTunables(t *testing.T) {
	path := writeConfigFile(t, "runtime.json", `{"root_dir":"plugins","log_level":"info"}`)
	initial, err := LoadRuntimeConfig(path)
	require.NoError(t, err)

	target := &tunableRecorder{}
	audit := &recordingAudit{}
	logger := NewTestLogger()
	cw := NewConfigWatcher(path, initial, target, logger, ConfigWatcherOptions{Audit: audit})

	require.NoError(t, os.WriteFile(path, []byte(`{"root_dir":"elsewhere","log_level":"debug","teardown_timeout":"3s"}`), 0600))
	cw.reload()

	got, ok := target.last()
	require.True(t, ok)
	assert.Equal(t, "debug", got.LogLevel)
	assert.Equal(t, 3*time.Second, got.TeardownTimeout.Std())
	assert.Equal(t, "debug", cw.Current().LogLevel)
	assert.True(t, logger.HasMessage("WARN", "Config fields changed that take effect after restart"))
	assert.True(t, audit.has("config_reloaded"))
}

func TestConfigWatcher_InvalidFileKeepsCurrent(t *testing.T) {
	path := writeConfigFile(t, "runtime.json", `{"log_level":"warn"}`)
	initial, err := LoadRuntimeConfig(path)
	require.NoError(t, err)

	target := &tunableRecorder{}
	audit := &recordingAudit{}
	logger := NewTestLogger()
	cw := NewConfigWatcher(path, initial, target, logger, ConfigWatcherOptions{Audit: audit})

	require.NoError(t, os.WriteFile(path, []byte(`{"log_level":"shouting"}`), 0600))
	cw.reload()

	_, applied := target.last()
	assert.False(t, applied)
	assert.Equal(t, "warn", cw.Current().LogLevel)
	assert.True(t, logger.HasMessage("ERROR", "Failed to reload config"))
	assert.True(t, audit.has("config_reload_failed"))
}

func TestConfigWatcher_IgnoresDeletes(t *testing.T) {
	path := writeConfigFile(t, "runtime.json", `{}`)
	target := &tunableRecorder{}
	logger := NewTestLogger()
	cw := NewConfigWatcher(path, DefaultRuntimeConfig(), target, logger, ConfigWatcherOptions{})

	cw.handleChange(argus.ChangeEvent{Path: path, IsDelete: true})

	_, applied := target.last()
	assert.False(t, applied)
	assert.True(t, logger.HasMessage("WARN", "Config file was deleted, keeping current settings"))
}

func TestConfigWatcher_DetectsFileChanges(t *testing.T) {
	path := writeConfigFile(t, "runtime.json", `{"log_level":"info"}`)
	target := &tunableRecorder{}
	cw := NewConfigWatcher(path, DefaultRuntimeConfig(), target, NewTestLogger(), ConfigWatcherOptions{
		PollInterval: 50 * time.Millisecond,
	})
	require.NoError(t, cw.Start())
	defer func() { _ = cw.Stop() }()
	assert.Error(t, cw.Start(), "a running watcher cannot be started twice")

	// Let the first poll record the original state before changing the file.
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"log_level":"error","dispatch_timeout":"1s"}`), 0600))

	require.Eventually(t, func() bool {
		got, ok := target.last()
		return ok && got.LogLevel == "error"
	}, 5*time.Second, 25*time.Millisecond)

	require.NoError(t, cw.Stop())
	require.NoError(t, cw.Stop())
}

func TestRestartOnlyChanges(t *testing.T) {
	prev := DefaultRuntimeConfig()
	next := prev
	next.LogLevel = "debug"
	next.TeardownTimeout = Duration(time.Second)
	assert.Empty(t, restartOnlyChanges(prev, next))

	next.RootDir = "other"
	next.BatchConcurrency = 2
	next.Audit.Enabled = true
	assert.Equal(t, []string{"root_dir", "database_path", "batch_concurrency", "audit"}, restartOnlyChanges(prev, next))
}
