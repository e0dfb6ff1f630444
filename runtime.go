// runtime.go: Runtime facade wiring registry, installer, lifecycle and router
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrt

import (
	"context"
	"io/fs"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Option customizes NewRuntime.
type Option func(*runtimeOptions)

type runtimeOptions struct {
	logger     Logger
	registry   Registry
	registerer prometheus.Registerer
	listener   func(LifecycleEvent)
}

// WithLogger sets the runtime logger. Without it a zerolog console logger at
// the configured level is used.
func WithLogger(logger Logger) Option {
	return func(o *runtimeOptions) { o.logger = logger }
}

// WithRegistry supplies the registry instead of opening one from the config.
// The runtime closes it on Close.
func WithRegistry(r Registry) Option {
	return func(o *runtimeOptions) { o.registry = r }
}

// WithMetricsRegisterer registers the runtime's collectors with reg.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *runtimeOptions) { o.registerer = reg }
}

// WithLifecycleListener receives lifecycle hook boundaries.
func WithLifecycleListener(fn func(LifecycleEvent)) Option {
	return func(o *runtimeOptions) { o.listener = fn }
}

// Runtime is the entry point for hosting extensions.
type Runtime struct {
	cfg       RuntimeConfig
	logger    Logger
	registry  Registry
	installer *Installer
	manager   *Manager
	router    *ToolRouter
	metrics   *Metrics
	audit     *ArgusAuditSink
	inbox     *Inbox

	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// NewRuntime validates cfg and starts a runtime. ctx bounds startup and the
// background watchers; Close releases everything.
func NewRuntime(ctx context.Context, cfg RuntimeConfig, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o runtimeOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		zl := NewZerologLogger(zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger())
		zl.SetLevel(cfg.LogLevel)
		logger = zl
	}
	logger = logger.With("component", "plugin_runtime")

	if err := os.MkdirAll(cfg.RootDir, 0750); err != nil {
		return nil, NewStorageFailureError("create root directory", err).WithContext("path", cfg.RootDir)
	}

	r := &Runtime{cfg: cfg, logger: logger, metrics: NewMetrics(o.registerer)}

	var audit AuditSink
	if cfg.Audit.Enabled {
		sink, err := NewArgusAuditSink(cfg.Audit.OutputFile)
		if err != nil {
			return nil, err
		}
		r.audit = sink
		audit = sink
	}

	r.registry = o.registry
	if r.registry == nil {
		reg, err := openRegistry(cfg, logger)
		if err != nil {
			r.closeAudit()
			return nil, err
		}
		r.registry = reg
	}

	loader := NewLoader(logger)
	r.manager = NewManager(r.registry, loader, ManagerConfig{
		Logger:          logger,
		Metrics:         r.metrics,
		Audit:           audit,
		Listener:        o.listener,
		TeardownTimeout: cfg.TeardownTimeout.Std(),
	})
	r.installer = NewInstaller(cfg.RootDir, r.registry, r.manager, InstallerConfig{
		Logger:           logger,
		Metrics:          r.metrics,
		Audit:            audit,
		BatchConcurrency: cfg.BatchConcurrency,
	})
	r.router = NewToolRouter(r.manager, logger, r.metrics)
	r.router.SetDispatchTimeout(cfg.DispatchTimeout.Std())

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	if err := r.router.Watch(bgCtx, r.registry); err != nil {
		_ = r.Close()
		return nil, err
	}

	if cfg.InboxDir != "" {
		r.inbox = NewInbox(cfg.InboxDir, r.installer, logger, 0)
		if err := r.inbox.Start(bgCtx); err != nil {
			_ = r.Close()
			return nil, err
		}
	}

	logger.Info("Plugin runtime started",
		"root_dir", cfg.RootDir,
		"registry", cfg.RegistryPath(),
		"inbox_dir", cfg.InboxDir)
	return r, nil
}

func openRegistry(cfg RuntimeConfig, logger Logger) (Registry, error) {
	if cfg.RegistryPath() == MemoryDatabase {
		return NewMemoryRegistry(logger), nil
	}
	return NewSQLiteRegistry(cfg.RegistryPath(), logger)
}

// Install installs one archive.
func (r *Runtime) Install(ctx context.Context, path string) (*InstallResult, error) {
	return r.installer.Install(ctx, path)
}

// InstallFromPaths installs several archives, continuing past failures.
func (r *Runtime) InstallFromPaths(ctx context.Context, paths []string) BatchReport {
	return r.installer.InstallFromPaths(ctx, paths)
}

// InstallFromAssets installs archives bundled in fsys, continuing past failures.
func (r *Runtime) InstallFromAssets(ctx context.Context, fsys fs.FS, names []string) BatchReport {
	return r.installer.InstallFromAssets(ctx, fsys, names)
}

// Uninstall removes an extension, stopping it first if it is running.
func (r *Runtime) Uninstall(ctx context.Context, name string) error {
	return r.installer.Uninstall(ctx, name)
}

// ClearAll removes every installed extension.
func (r *Runtime) ClearAll(ctx context.Context) error {
	return r.installer.ClearAll(ctx)
}

// Activate makes name the running extension. Failures are reported on the
// returned instance.
func (r *Runtime) Activate(ctx context.Context, name string) *LoadedInstance {
	return r.manager.Activate(ctx, name)
}

// Stop stops the running extension.
func (r *Runtime) Stop(ctx context.Context) error {
	return r.manager.Stop(ctx)
}

// Active returns the running extension, or nil.
func (r *Runtime) Active(ctx context.Context) (*ActiveExtension, error) {
	return r.manager.Active(ctx)
}

// Scope returns the running extension's resource container.
func (r *Runtime) Scope(ctx context.Context) (*Scope, error) {
	return r.manager.Scope(ctx)
}

// State returns the lifecycle state.
func (r *Runtime) State() State {
	return r.manager.State()
}

// Dispatch routes a tool request to the running extension.
func (r *Runtime) Dispatch(ctx context.Context, req ToolRequest) map[string]any {
	return r.router.Dispatch(ctx, req)
}

// DispatchJSON routes an encoded tool request and returns the encoded response.
func (r *Runtime) DispatchJSON(ctx context.Context, payload []byte) []byte {
	return r.router.DispatchJSON(ctx, payload)
}

// ResolveOwner names the installed extension declaring tool.
func (r *Runtime) ResolveOwner(tool string) (string, bool) {
	return r.router.ResolveOwner(tool)
}

// Tools lists the tools of every installed extension.
func (r *Runtime) Tools() []ExtensionTools {
	return r.router.Tools()
}

// Extensions lists installed extension records.
func (r *Runtime) Extensions(ctx context.Context) ([]Record, error) {
	return r.registry.List(ctx)
}

// ToolDefinitions returns function-calling schemas for every installed tool.
func (r *Runtime) ToolDefinitions(ctx context.Context) ([]map[string]any, error) {
	recs, err := r.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	return ToolDefinitions(recs), nil
}

// Observe streams registry snapshots until ctx ends.
func (r *Runtime) Observe(ctx context.Context) (<-chan []Record, error) {
	return r.registry.ObserveAll(ctx)
}

// ApplyTunables implements TunableTarget.
func (r *Runtime) ApplyTunables(cfg RuntimeConfig) {
	if ls, ok := r.logger.(LevelSetter); ok {
		ls.SetLevel(cfg.LogLevel)
	}
	r.manager.SetTeardownTimeout(cfg.TeardownTimeout.Std())
	r.router.SetDispatchTimeout(cfg.DispatchTimeout.Std())
}

// Close stops the running extension and releases all resources.
func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		if r.inbox != nil {
			r.inbox.Stop()
		}
		if r.manager != nil {
			_ = r.manager.Close()
		}
		if r.cancel != nil {
			r.cancel()
		}
		if r.registry != nil {
			r.closeErr = r.registry.Close()
		}
		r.closeAudit()
		r.logger.Info("Plugin runtime closed")
	})
	return r.closeErr
}

func (r *Runtime) closeAudit() {
	if r.audit != nil {
		if err := r.audit.Close(); err != nil {
			r.logger.Warn("Failed to close audit log", "error", err)
		}
	}
}
