// loader.go: extension loading and entry-point instantiation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// Hook names looked up on the entry-point object.
const (
	hookCreate      = "onCreate"
	hookDestroy     = "onDestroy"
	hookToolCalled  = "onToolCalled"
	hookToolPreview = "toolPreviewContent"
	hookContent     = "content"
)

// Loader turns a durable archive into a LoadedInstance. It never returns an
// error: any failure is recorded on the instance.
type Loader struct {
	logger        Logger
	instantiation []instantiationStrategy
	content       []contentStrategy
}

// NewLoader creates a loader with the standard strategy chains.
func NewLoader(logger Logger) *Loader {
	if logger == nil {
		logger = DefaultLogger()
	}
	return &Loader{
		logger: logger.With("component", "loader"),
		instantiation: []instantiationStrategy{
			constructorStrategy{},
			singletonStrategy{},
			factoryStrategy{},
		},
		content: []contentStrategy{
			directContent{},
			lookupContent{},
			renderableContent{},
			fallbackContent{},
		},
	}
}

// Load reads manifest and module from archivePath, runs the module in a
// fresh sandbox and resolves the entry point and its content hook.
func (l *Loader) Load(ctx context.Context, archivePath string) *LoadedInstance {
	contents, err := readArchive(archivePath)
	if err != nil {
		l.logger.Error("Failed to read extension archive", "archive_path", archivePath, "error", err)
		return &LoadedInstance{Failure: err}
	}
	manifest, err := ParseManifest(contents.manifestRaw)
	if err != nil {
		l.logger.Error("Failed to parse extension manifest", "archive_path", archivePath, "error", err)
		return &LoadedInstance{Failure: err}
	}

	logger := l.logger.With("extension", manifest.Name)
	inst := &LoadedInstance{Manifest: manifest}

	sb, err := newSandbox(manifest.Name, logger)
	if err != nil {
		inst.Failure = NewModuleCompileError(manifest.Name, err)
		return inst
	}
	if err := sb.compileAndRun(ctx, contents.module, manifest.Name+"/"+ModuleEntry); err != nil {
		sb.close()
		logger.Error("Failed to run extension module", "module", contents.moduleFrom, "error", err)
		inst.Failure = err
		return inst
	}

	err = sb.do(ctx, func(L *lua.LState) error {
		entry := resolveEntryPoint(L, manifest.MainEntryPoint)
		obj, strategy, err := l.instantiate(L, manifest.MainEntryPoint, entry, logger)
		if err != nil {
			return err
		}
		hook, contentStrategy, err := l.resolveContent(L, manifest, obj, logger)
		if err != nil {
			return err
		}
		inst.entry = obj
		inst.contentHook = hook
		inst.Strategy = strategy
		inst.ContentStrategy = contentStrategy
		return nil
	})
	if err != nil {
		sb.close()
		logger.Error("Failed to instantiate extension", "entry_point", manifest.MainEntryPoint, "error", err)
		inst.Failure = err
		return inst
	}

	inst.sandbox = sb
	logger.Info("Extension loaded",
		"entry_point", manifest.MainEntryPoint,
		"instantiation", inst.Strategy,
		"content", inst.ContentStrategy)
	return inst
}

func (l *Loader) instantiate(L *lua.LState, entryName string, entry lua.LValue, logger Logger) (*lua.LTable, string, error) {
	tried := make([]string, 0, len(l.instantiation))
	for _, s := range l.instantiation {
		tried = append(tried, s.name())
		obj, err := s.instantiate(L, entry)
		if err != nil {
			logger.Debug("Instantiation strategy not applicable", "strategy", s.name(), "reason", err)
			continue
		}
		return obj, s.name(), nil
	}
	return nil, "", NewInstantiationExhaustedError(entryName, tried)
}

func (l *Loader) resolveContent(L *lua.LState, manifest *Manifest, obj *lua.LTable, logger Logger) (lua.LValue, string, error) {
	for _, s := range l.content {
		hook, err := s.resolve(L, obj, manifest)
		if err != nil {
			logger.Debug("Content strategy not applicable", "strategy", s.name(), "reason", err)
			continue
		}
		return hook, s.name(), nil
	}
	return nil, "", NewContentHookMissingError(manifest.MainEntryPoint, zeroArgMethods(L, obj))
}

// resolveEntryPoint looks up a global, following dotted paths through nested tables.
func resolveEntryPoint(L *lua.LState, name string) lua.LValue {
	parts := strings.Split(name, ".")
	v := L.GetGlobal(parts[0])
	for _, p := range parts[1:] {
		t, ok := v.(*lua.LTable)
		if !ok {
			return lua.LNil
		}
		v = L.GetField(t, p)
	}
	return v
}

// instantiationStrategy is one way of turning the entry point into an object.
type instantiationStrategy interface {
	name() string
	instantiate(L *lua.LState, entry lua.LValue) (*lua.LTable, error)
}

// constructorStrategy calls the entry point itself, or its new function, with no arguments.
type constructorStrategy struct{}

func (constructorStrategy) name() string { return "constructor" }

func (constructorStrategy) instantiate(L *lua.LState, entry lua.LValue) (*lua.LTable, error) {
	var ctor lua.LValue
	switch v := entry.(type) {
	case *lua.LFunction:
		ctor = v
	case *lua.LTable:
		if fn, ok := L.GetField(v, "new").(*lua.LFunction); ok {
			ctor = fn
		} else if L.GetMetaField(v, "__call") != lua.LNil {
			ctor = v
		}
	}
	if ctor == nil {
		return nil, errors.New("no zero-arg constructor")
	}
	return callForObject(L, ctor, "constructor")
}

// singletonStrategy uses the entry table's INSTANCE field.
type singletonStrategy struct{}

func (singletonStrategy) name() string { return "singleton" }

func (singletonStrategy) instantiate(L *lua.LState, entry lua.LValue) (*lua.LTable, error) {
	t, ok := entry.(*lua.LTable)
	if !ok {
		return nil, errors.New("entry point is not a table")
	}
	obj, ok := L.GetField(t, "INSTANCE").(*lua.LTable)
	if !ok {
		return nil, errors.New("INSTANCE field not available")
	}
	return obj, nil
}

// factoryStrategy calls create or getInstance on the entry table with no arguments.
type factoryStrategy struct{}

func (factoryStrategy) name() string { return "factory" }

func (factoryStrategy) instantiate(L *lua.LState, entry lua.LValue) (*lua.LTable, error) {
	t, ok := entry.(*lua.LTable)
	if !ok {
		return nil, errors.New("entry point is not a table")
	}
	for _, m := range []string{"create", "getInstance"} {
		if fn, ok := L.GetField(t, m).(*lua.LFunction); ok {
			return callForObject(L, fn, m)
		}
	}
	return nil, errors.New("no factory method")
}

func callForObject(L *lua.LState, fn lua.LValue, what string) (*lua.LTable, error) {
	out, err := pcall(L, fn)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %s", what, luaErrorMessage(err))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s returned nothing", what)
	}
	obj, ok := out[0].(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("%s returned %s", what, out[0].Type())
	}
	return obj, nil
}

// contentStrategy resolves the callable that produces the extension's content.
type contentStrategy interface {
	name() string
	resolve(L *lua.LState, obj *lua.LTable, manifest *Manifest) (lua.LValue, error)
}

// directContent uses a content function stored on the object itself.
type directContent struct{}

func (directContent) name() string { return "direct" }

func (directContent) resolve(L *lua.LState, obj *lua.LTable, _ *Manifest) (lua.LValue, error) {
	fn, ok := obj.RawGetString(hookContent).(*lua.LFunction)
	if !ok {
		return nil, errors.New("no content field on instance")
	}
	return bindMethod(L, fn, obj), nil
}

// lookupContent finds content through the object's __index chain.
type lookupContent struct{}

func (lookupContent) name() string { return "lookup" }

func (lookupContent) resolve(L *lua.LState, obj *lua.LTable, _ *Manifest) (lua.LValue, error) {
	fn, ok := L.GetField(obj, hookContent).(*lua.LFunction)
	if !ok {
		return nil, errors.New("no content method")
	}
	return bindMethod(L, fn, obj), nil
}

// renderableContent uses the content function of the object's renderable capability.
type renderableContent struct{}

func (renderableContent) name() string { return "renderable" }

func (renderableContent) resolve(L *lua.LState, obj *lua.LTable, _ *Manifest) (lua.LValue, error) {
	r, ok := L.GetField(obj, "renderable").(*lua.LTable)
	if !ok {
		return nil, errors.New("instance is not renderable")
	}
	fn, ok := L.GetField(r, hookContent).(*lua.LFunction)
	if !ok {
		return nil, errors.New("renderable has no content")
	}
	return bindMethod(L, fn, obj), nil
}

// fallbackContent calls zero-argument methods in name order and takes the
// first one that returns a function. The probed methods really run at load
// time, so hooks and methods named after declared tools are never probed.
type fallbackContent struct{}

func (fallbackContent) name() string { return "fallback" }

func (fallbackContent) resolve(L *lua.LState, obj *lua.LTable, manifest *Manifest) (lua.LValue, error) {
	for _, m := range zeroArgMethodNames(L, obj) {
		if isReservedMethod(m) || manifest.HasTool(m) {
			continue
		}
		fn := L.GetField(obj, m)
		out, err := pcall(L, fn, obj)
		if err != nil || len(out) == 0 {
			continue
		}
		if block, ok := out[0].(*lua.LFunction); ok {
			return block, nil
		}
	}
	return nil, errors.New("no method returning a callable")
}

func isReservedMethod(name string) bool {
	switch name {
	case hookCreate, hookDestroy, hookToolCalled, hookToolPreview, hookContent, "new", "create", "getInstance":
		return true
	}
	return false
}

// bindMethod returns a function that calls fn with obj as self.
func bindMethod(L *lua.LState, fn *lua.LFunction, obj *lua.LTable) *lua.LFunction {
	return L.NewFunction(func(L *lua.LState) int {
		top := L.GetTop()
		L.Push(fn)
		L.Push(obj)
		for i := 1; i <= top; i++ {
			L.Push(L.Get(i))
		}
		L.Call(top+1, lua.MultRet)
		return L.GetTop() - top
	})
}

// zeroArgMethodNames lists, in sorted order, Lua functions reachable on obj
// (directly or through __index tables) that take no arguments besides self.
func zeroArgMethodNames(L *lua.LState, obj *lua.LTable) []string {
	seen := make(map[string]bool)
	var names []string
	t := obj
	for depth := 0; t != nil && depth < 8; depth++ {
		t.ForEach(func(k, v lua.LValue) {
			ks, ok := k.(lua.LString)
			if !ok || seen[string(ks)] {
				return
			}
			if fn, ok := v.(*lua.LFunction); ok && isZeroArg(fn) {
				seen[string(ks)] = true
				names = append(names, string(ks))
			}
		})
		next, _ := L.GetMetaField(t, "__index").(*lua.LTable)
		t = next
	}
	sort.Strings(names)
	return names
}

// zeroArgMethods formats zeroArgMethodNames for diagnostics.
func zeroArgMethods(L *lua.LState, obj *lua.LTable) []string {
	names := zeroArgMethodNames(L, obj)
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = n + "()"
	}
	return out
}

func isZeroArg(fn *lua.LFunction) bool {
	if fn.IsG || fn.Proto == nil {
		return false
	}
	switch fn.Proto.NumParameters {
	case 0:
		return true
	case 1:
		locals := fn.Proto.DbgLocals
		return len(locals) > 0 && locals[0].Name == "self"
	}
	return false
}
