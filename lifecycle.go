// lifecycle.go: single-active-extension lifecycle manager
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrt

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/google/uuid"
)

// State is the lifecycle state of the active slot.
type State int32

// Active slot states.
const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// LifecycleEventType identifies a hook boundary.
type LifecycleEventType string

// Lifecycle events, emitted in the order they happen.
const (
	EventCreateStarted    LifecycleEventType = "create_started"
	EventCreateCompleted  LifecycleEventType = "create_completed"
	EventTeardownStarted  LifecycleEventType = "teardown_started"
	EventTeardownComplete LifecycleEventType = "teardown_completed"
	EventSlotVacated      LifecycleEventType = "slot_vacated"
)

// LifecycleEvent describes one hook boundary of one activation.
type LifecycleEvent struct {
	Type      LifecycleEventType
	Extension string
	RunID     string
	Err       error
	Time      time.Time
}

// SlotControl is the view of the active slot given to work running under the gate.
type SlotControl interface {
	// ActiveName returns the running extension's name, or "".
	ActiveName() string

	// StopActive stops the running extension and waits for its teardown hook.
	StopActive(reason string)
}

// Gate serializes install, uninstall and activation work. fn runs with
// exclusive access to the active slot and must not call back into the Manager.
type Gate interface {
	Exclusive(ctx context.Context, fn func(ctx context.Context, slot SlotControl) error) error
}

// ActiveExtension is a consistent snapshot of the active slot.
type ActiveExtension struct {
	Name      string
	RunID     string
	StartedAt time.Time
	Instance  *LoadedInstance
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Logger   Logger
	Metrics  *Metrics
	Audit    AuditSink
	Listener func(LifecycleEvent)

	// TeardownTimeout bounds the teardown hook, including the wait behind a
	// tool call still running in the sandbox. Zero waits indefinitely.
	TeardownTimeout time.Duration
}

// Manager owns the active slot. All slot mutations are commands executed one
// at a time by a single goroutine; install and uninstall work submitted
// through Exclusive shares that command stream.
type Manager struct {
	registry Registry
	loader   *Loader
	logger   Logger
	metrics  *Metrics
	audit    AuditSink
	listener func(LifecycleEvent)

	teardownTimeout atomic.Int64
	state           atomic.Int32

	cmds      chan func(*slot)
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewManager starts the lifecycle actor. Call Close to stop it.
func NewManager(registry Registry, loader *Loader, cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = DefaultLogger()
	}
	m := &Manager{
		registry: registry,
		loader:   loader,
		logger:   logger.With("component", "lifecycle"),
		metrics:  cfg.Metrics,
		audit:    cfg.Audit,
		listener: cfg.Listener,
		cmds:     make(chan func(*slot)),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.teardownTimeout.Store(int64(cfg.TeardownTimeout))
	go m.loop()
	return m
}

// SetTeardownTimeout changes the teardown bound for subsequent stops.
func (m *Manager) SetTeardownTimeout(d time.Duration) {
	m.teardownTimeout.Store(int64(d))
}

// State returns the current slot state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
}

func (m *Manager) loop() {
	defer close(m.done)
	s := &slot{m: m}
	for {
		var exited <-chan struct{}
		if s.active != nil {
			exited = s.active.done
		}
		select {
		case cmd := <-m.cmds:
			m.run(cmd, s)
		case <-exited:
			s.vacate("task exited")
		case <-m.quit:
			s.StopActive("shutdown")
			return
		}
	}
}

func (m *Manager) run(cmd func(*slot), s *slot) {
	defer withStackRecover(m.logger)()
	cmd(s)
}

// submit hands fn to the actor and waits for it to finish. Once accepted, the
// command runs to completion even if ctx is cancelled.
func (m *Manager) submit(ctx context.Context, fn func(*slot)) error {
	finished := make(chan struct{})
	cmd := func(s *slot) {
		defer close(finished)
		fn(s)
	}
	select {
	case m.cmds <- cmd:
	case <-m.quit:
		return NewGateClosedError()
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// Exclusive implements Gate.
func (m *Manager) Exclusive(ctx context.Context, fn func(ctx context.Context, slot SlotControl) error) error {
	var err error
	if serr := m.submit(ctx, func(s *slot) { err = fn(ctx, s) }); serr != nil {
		return serr
	}
	return err
}

// Activate stops the running extension, if any, and starts name. It never
// returns nil; failures are reported on the returned instance and leave the
// slot idle.
func (m *Manager) Activate(ctx context.Context, name string) *LoadedInstance {
	var inst *LoadedInstance
	if err := m.submit(ctx, func(s *slot) { inst = s.activate(ctx, name) }); err != nil {
		return failedInstance(err)
	}
	return inst
}

// Stop stops the running extension and waits for its teardown hook.
func (m *Manager) Stop(ctx context.Context) error {
	return m.submit(ctx, func(s *slot) { s.StopActive("stopped") })
}

// Active returns a snapshot of the running extension, or nil when idle.
func (m *Manager) Active(ctx context.Context) (*ActiveExtension, error) {
	var snap *ActiveExtension
	err := m.submit(ctx, func(s *slot) {
		if a := s.active; a != nil {
			snap = &ActiveExtension{
				Name:      a.name,
				RunID:     a.runID,
				StartedAt: a.startedAt,
				Instance:  a.instance,
			}
		}
	})
	return snap, err
}

// Scope returns the running extension's resource container, creating it on
// first use. It fails with NoActiveExtension when the slot is idle.
func (m *Manager) Scope(ctx context.Context) (*Scope, error) {
	var (
		sc  *Scope
		err error
	)
	if serr := m.submit(ctx, func(s *slot) {
		if s.active == nil {
			err = NewNoActiveExtensionError()
			return
		}
		sc, err = s.active.scopeFor(m.logger)
	}); serr != nil {
		return nil, serr
	}
	return sc, err
}

// Close stops the running extension and the actor. It is safe to call more than once.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() { close(m.quit) })
	<-m.done
	return nil
}

func (m *Manager) emit(t LifecycleEventType, a *activation, err error) {
	if m.listener == nil {
		return
	}
	ev := LifecycleEvent{Type: t, Extension: a.name, RunID: a.runID, Err: err, Time: timecache.CachedTime()}
	func() {
		defer withStackRecover(m.logger)()
		m.listener(ev)
	}()
}

func (m *Manager) auditEvent(event string, fields map[string]any) {
	if m.audit != nil {
		m.audit.Record(event, fields)
	}
}

// slot is the actor-owned state. Only the actor goroutine touches it.
type slot struct {
	m      *Manager
	active *activation
}

// ActiveName implements SlotControl.
func (s *slot) ActiveName() string {
	if s.active == nil {
		return ""
	}
	return s.active.name
}

// StopActive implements SlotControl.
func (s *slot) StopActive(reason string) {
	a := s.active
	if a == nil {
		return
	}
	s.m.setState(StateStopping)
	s.m.logger.Info("Stopping extension", "extension", a.name, "run_id", a.runID, "reason", reason)
	a.cancel()
	<-a.done
	s.vacate(reason)
}

// vacate clears the slot after the activation's task has finished.
func (s *slot) vacate(reason string) {
	a := s.active
	if a == nil {
		return
	}
	s.active = nil
	a.instance.close()
	s.m.setState(StateIdle)
	s.m.metrics.setActive(false)
	s.m.emit(EventSlotVacated, a, nil)
	s.m.auditEvent("extension_stopped", map[string]any{
		"extension": a.name,
		"run_id":    a.runID,
		"reason":    reason,
	})
	s.m.logger.Info("Extension stopped", "extension", a.name, "run_id", a.runID, "reason", reason)
}

func (s *slot) activate(ctx context.Context, name string) *LoadedInstance {
	m := s.m
	s.StopActive("replaced")

	rec, err := m.registry.GetByName(ctx, name)
	if err != nil {
		m.metrics.activation("storage_failure")
		m.logger.Error("Failed to look up extension", "extension", name, "error", err)
		return failedInstance(err)
	}
	if rec == nil {
		m.metrics.activation("not_installed")
		m.logger.Warn("Extension not installed", "extension", name)
		return failedInstance(NewNotInstalledError(name))
	}

	m.setState(StateStarting)
	inst := m.loader.Load(ctx, rec.ArchivePath)
	if inst.Failure != nil {
		m.setState(StateIdle)
		m.metrics.activation("load_failed")
		m.logger.Error("Extension unavailable", "extension", name, "error", inst.Failure)
		return inst
	}

	a := &activation{
		name:      name,
		runID:     uuid.NewString(),
		instance:  inst,
		startedAt: timecache.CachedTime(),
		created:   make(chan error, 1),
		done:      make(chan struct{}),
	}
	taskCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	s.active = a
	go a.run(taskCtx, m)

	// The creation hook runs on the task's own context, so the result is
	// awaited even when the caller's ctx ends first.
	if err = <-a.created; err != nil {
		<-a.done
		s.vacate("creation failed")
		m.metrics.activation("create_failed")
		return &LoadedInstance{Manifest: inst.Manifest, Failure: err}
	}

	m.setState(StateRunning)
	m.metrics.activation("started")
	m.metrics.setActive(true)
	m.auditEvent("extension_started", map[string]any{
		"extension": name,
		"run_id":    a.runID,
		"version":   rec.Version,
	})
	m.logger.Info("Extension started", "extension", name, "run_id", a.runID, "version", rec.Version)
	return inst
}

// activation is one run of one extension.
type activation struct {
	name      string
	runID     string
	instance  *LoadedInstance
	startedAt time.Time
	cancel    context.CancelFunc
	created   chan error
	done      chan struct{}

	scopeMu  sync.Mutex
	scope    *Scope
	released bool
}

// run invokes the creation hook and then waits for cancellation. The deferred
// guard runs the teardown hook exactly once however the task ends, and the
// scope is released only after teardown has returned.
func (a *activation) run(ctx context.Context, m *Manager) {
	defer close(a.done)
	defer a.releaseScope()
	defer a.teardown(m)
	defer withStackRecover(m.logger)()

	m.emit(EventCreateStarted, a, nil)
	err := a.instance.onCreate(ctx)
	m.emit(EventCreateCompleted, a, err)
	a.created <- err
	if err != nil {
		m.logger.Error("Extension creation hook failed", "extension", a.name, "run_id", a.runID, "error", err)
		return
	}
	<-ctx.Done()
}

func (a *activation) teardown(m *Manager) {
	hookCtx := context.Background()
	if d := time.Duration(m.teardownTimeout.Load()); d > 0 {
		var cancel context.CancelFunc
		hookCtx, cancel = context.WithTimeout(hookCtx, d)
		defer cancel()
	}

	m.emit(EventTeardownStarted, a, nil)
	start := time.Now()
	err := func() (err error) {
		defer recoverInto(&err, hookDestroy)
		return a.instance.onDestroy(hookCtx)
	}()
	m.metrics.observeTeardown(time.Since(start))
	if err != nil {
		m.logger.Error("onDestroy failed", "extension", a.name, "run_id", a.runID, "error", err)
	}
	m.emit(EventTeardownComplete, a, err)
}

func (a *activation) scopeFor(logger Logger) (*Scope, error) {
	a.scopeMu.Lock()
	defer a.scopeMu.Unlock()
	if a.released {
		return nil, NewNoActiveExtensionError()
	}
	if a.scope == nil {
		a.scope = newScope(a.name, logger.With("extension", a.name))
	}
	return a.scope, nil
}

func (a *activation) releaseScope() {
	a.scopeMu.Lock()
	sc := a.scope
	a.scope = nil
	a.released = true
	a.scopeMu.Unlock()
	if sc != nil {
		sc.clear()
	}
}
