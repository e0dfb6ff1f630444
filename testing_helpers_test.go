// testing_helpers_test.go: archive builders and fixture extensions for tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrt

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// echoModule declares a class-style entry point built by Echo.new.
const echoModule = `
Echo = {}
Echo.__index = Echo

function Echo.new()
  local self = setmetatable({}, Echo)
  self.calls = 0
  return self
end

function Echo:onCreate()
  host.log("info", "Echo.onCreate")
end

function Echo:onDestroy()
  host.log("info", "Echo.onDestroy")
end

function Echo:onToolCalled(tool, args, callback)
  self.calls = self.calls + 1
  if tool == "getTime" then
    return { time = "12:00", calls = self.calls }
  elseif tool == "echo" then
    callback({ echoed = args.text })
    return nil
  elseif tool == "boom" then
    error("kaboom")
  elseif tool == "scalar" then
    return 42
  end
  return nil
end

function Echo:toolPreviewContent(data)
  return function() return "preview:" .. data end
end

function Echo:content()
  return "echo-ui"
end
`

// weatherModule exposes a ready-made singleton through Weather.INSTANCE.
const weatherModule = `
Weather = {}
local inst = {}

function inst:onCreate()
  host.log("info", "Weather.onCreate")
end

function inst:onDestroy()
  host.log("info", "Weather.onDestroy")
end

function inst:onToolCalled(tool, args)
  return { forecast = "sunny", city = args.city }
end

inst.content = function(self) return "weather-ui" end
Weather.INSTANCE = inst
`

// clockModule is built by a factory and only exposes content through render().
const clockModule = `
Clock = {}

function Clock.create()
  local o = {}
  function o.render()
    return function() return "tick" end
  end
  return o
end
`

var echoTools = []map[string]any{
	{"toolName": "getTime", "description": "Current time", "args": map[string]any{}},
	{"toolName": "echo", "description": "Echo text", "args": map[string]any{"text": "hello"}},
	{"toolName": "boom", "description": "Always fails", "args": map[string]any{}},
	{"toolName": "scalar", "description": "Returns a number", "args": map[string]any{}},
}

var weatherTools = []map[string]any{
	{"toolName": "getForecast", "description": "Forecast", "args": map[string]any{"city": "Rome", "days": 3}},
}

// testManifest renders a manifest document.
func testManifest(t *testing.T, name, version, entry string, tools []map[string]any) []byte {
	t.Helper()
	doc := map[string]any{
		"name":        name,
		"description": name + " test extension",
		"mainClass":   entry,
		"version":     version,
		"tools":       tools,
		"metadata":    map[string]any{"author": "tests", "role": "tool", "pluginApi": "1"},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	return data
}

// zipBytes builds a zip holding entries in the given order.
func zipBytes(t *testing.T, entries ...zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		_, err = w.Write(e.data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type zipEntry struct {
	name string
	data []byte
}

// writeArchive writes a zip to dir/file and returns its path.
func writeArchive(t *testing.T, dir, file string, entries ...zipEntry) string {
	t.Helper()
	path := filepath.Join(dir, file)
	require.NoError(t, os.WriteFile(path, zipBytes(t, entries...), 0600))
	return path
}

// extensionArchive writes an archive with a manifest and a module.lua entry.
func extensionArchive(t *testing.T, dir, name, version, entry, module string, tools []map[string]any) string {
	t.Helper()
	return writeArchive(t, dir, name+"-"+version+".zip",
		zipEntry{ManifestEntry, testManifest(t, name, version, entry, tools)},
		zipEntry{ModuleEntry, []byte(module)},
	)
}

// bundledArchive writes an archive whose module lives in a nested plugin.module.zip.
func bundledArchive(t *testing.T, dir, name, version, entry, module string, tools []map[string]any) string {
	t.Helper()
	inner := zipBytes(t, zipEntry{ModuleEntry, []byte(module)})
	return writeArchive(t, dir, name+"-"+version+"-bundle.zip",
		zipEntry{ManifestEntry, testManifest(t, name, version, entry, tools)},
		zipEntry{ModuleBundleEntry, inner},
	)
}

func echoArchive(t *testing.T, dir, version string) string {
	return extensionArchive(t, dir, "Echo", version, "Echo", echoModule, echoTools)
}

func weatherArchive(t *testing.T, dir, version string) string {
	return extensionArchive(t, dir, "Weather", version, "Weather", weatherModule, weatherTools)
}

// eventRecorder collects lifecycle events.
type eventRecorder struct {
	mu     sync.Mutex
	events []LifecycleEvent

	// onEvent, when set before the manager sees work, runs after each event is recorded.
	onEvent func(LifecycleEvent)
}

func (r *eventRecorder) record(ev LifecycleEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if r.onEvent != nil {
		r.onEvent(ev)
	}
}

// sequence returns "<extension>:<event>" strings in arrival order.
func (r *eventRecorder) sequence() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Extension + ":" + string(ev.Type)
	}
	return out
}

// recordingAudit collects audit events.
type recordingAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAudit) Record(event string, _ map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *recordingAudit) has(event string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == event {
			return true
		}
	}
	return false
}

// testStack is a fully wired set of components over a memory registry.
type testStack struct {
	root      string
	logger    *TestLogger
	registry  *MemoryRegistry
	manager   *Manager
	installer *Installer
	router    *ToolRouter
	events    *eventRecorder
	audit     *recordingAudit
	metrics   *Metrics
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	logger := NewTestLogger()
	events := &eventRecorder{}
	audit := &recordingAudit{}
	metrics := NewMetrics(nil)
	registry := NewMemoryRegistry(logger)
	manager := NewManager(registry, NewLoader(logger), ManagerConfig{
		Logger:   logger,
		Metrics:  metrics,
		Audit:    audit,
		Listener: events.record,
	})
	root := filepath.Join(t.TempDir(), "extensions")
	installer := NewInstaller(root, registry, manager, InstallerConfig{
		Logger:  logger,
		Metrics: metrics,
		Audit:   audit,
	})
	router := NewToolRouter(manager, logger, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, router.Watch(ctx, registry))
	t.Cleanup(func() {
		cancel()
		_ = manager.Close()
		_ = registry.Close()
	})
	return &testStack{
		root:      root,
		logger:    logger,
		registry:  registry,
		manager:   manager,
		installer: installer,
		router:    router,
		events:    events,
		audit:     audit,
		metrics:   metrics,
	}
}

// testContext returns a context that fails slow tests instead of hanging them.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// logIndex returns the position of the first message equal to msg, or -1.
func logIndex(l *TestLogger, msg string) int {
	for i, m := range l.Messages() {
		if m.Message == msg {
			return i
		}
	}
	return -1
}
