// instance.go: loaded extension instance and hook invocation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrt

import (
	"context"
	"errors"

	lua "github.com/yuin/gopher-lua"
)

// LoadedInstance is the result of loading an archive. Exactly one of
// Failure or a usable entry point is present.
type LoadedInstance struct {
	Manifest *Manifest
	Failure  error

	// Strategy and ContentStrategy name the fallback steps that succeeded.
	Strategy        string
	ContentStrategy string

	sandbox     *sandbox
	entry       *lua.LTable
	contentHook lua.LValue
}

// failedInstance builds an instance that only carries a failure.
func failedInstance(err error) *LoadedInstance {
	return &LoadedInstance{Failure: err}
}

// OK reports whether the instance loaded successfully.
func (li *LoadedInstance) OK() bool {
	return li != nil && li.Failure == nil && li.sandbox != nil
}

// Name returns the manifest name, or "" when the manifest could not be read.
func (li *LoadedInstance) Name() string {
	if li == nil || li.Manifest == nil {
		return ""
	}
	return li.Manifest.Name
}

// EntryPoint returns the instantiated entry-point object. It is opaque to the
// host and only meaningful to code that shares the extension's sandbox.
func (li *LoadedInstance) EntryPoint() any {
	if li == nil || li.entry == nil {
		return nil
	}
	return li.entry
}

// Content calls the content hook and returns its result converted to Go values.
func (li *LoadedInstance) Content(ctx context.Context) (any, error) {
	if !li.OK() {
		return nil, NewNoActiveExtensionError()
	}
	out, err := li.sandbox.call(ctx, li.contentHook)
	if err != nil {
		return nil, NewHandlerExceptionError(li.Name(), hookContent, err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return luaToGo(out[0]), nil
}

// Preview renders a tool result through the optional toolPreviewContent hook.
// It returns nil, nil when the extension does not define the hook.
func (li *LoadedInstance) Preview(ctx context.Context, data string) (any, error) {
	if !li.OK() {
		return nil, NewNoActiveExtensionError()
	}
	var result lua.LValue = lua.LNil
	err := li.sandbox.do(ctx, func(L *lua.LState) error {
		fn, ok := L.GetField(li.entry, hookToolPreview).(*lua.LFunction)
		if !ok {
			return nil
		}
		out, err := pcall(L, fn, li.entry, lua.LString(data))
		if err != nil {
			return err
		}
		if len(out) == 0 {
			return nil
		}
		result = out[0]
		if block, ok := result.(*lua.LFunction); ok {
			out, err = pcall(L, block)
			if err != nil {
				return err
			}
			result = lua.LNil
			if len(out) > 0 {
				result = out[0]
			}
		}
		return nil
	})
	if err != nil {
		return nil, NewHandlerExceptionError(li.Name(), hookToolPreview, err)
	}
	return luaToGo(result), nil
}

// CallTool invokes onToolCalled(self, tool, args, callback). The handler may
// return its result or pass it to callback.
func (li *LoadedInstance) CallTool(ctx context.Context, tool string, args map[string]any) (any, error) {
	if !li.OK() {
		return nil, NewNoActiveExtensionError()
	}
	var (
		handlerFound bool
		result       lua.LValue = lua.LNil
	)
	err := li.sandbox.do(ctx, func(L *lua.LState) error {
		fn, ok := L.GetField(li.entry, hookToolCalled).(*lua.LFunction)
		if !ok {
			return nil
		}
		handlerFound = true

		var delivered lua.LValue = lua.LNil
		callback := L.NewFunction(func(L *lua.LState) int {
			delivered = L.Get(1)
			return 0
		})
		out, err := pcall(L, fn, li.entry, lua.LString(tool), goToLua(L, args), callback)
		if err != nil {
			return err
		}
		if len(out) > 0 && out[0] != lua.LNil {
			result = out[0]
		} else {
			result = delivered
		}
		return nil
	})
	if errors.Is(err, errSandboxClosed) {
		return nil, NewNoActiveExtensionError().WithContext("extension", li.Name())
	}
	if err != nil {
		return nil, NewHandlerExceptionError(li.Name(), hookToolCalled, err).
			WithContext("tool", tool).
			WithContext("message", luaErrorMessage(err))
	}
	if !handlerFound {
		return nil, NewToolNotFoundError(tool, li.Name())
	}
	return luaToGo(result), nil
}

// onCreate runs the optional creation hook.
func (li *LoadedInstance) onCreate(ctx context.Context) error {
	return li.callOptionalHook(ctx, hookCreate)
}

// onDestroy runs the optional teardown hook.
func (li *LoadedInstance) onDestroy(ctx context.Context) error {
	return li.callOptionalHook(ctx, hookDestroy)
}

func (li *LoadedInstance) callOptionalHook(ctx context.Context, hook string) error {
	err := li.sandbox.do(ctx, func(L *lua.LState) error {
		fn, ok := L.GetField(li.entry, hook).(*lua.LFunction)
		if !ok {
			return nil
		}
		_, err := pcall(L, fn, li.entry)
		return err
	})
	if err != nil {
		return NewHandlerExceptionError(li.Name(), hook, err).
			WithContext("message", luaErrorMessage(err))
	}
	return nil
}

// close releases the sandbox. Further calls fail.
func (li *LoadedInstance) close() {
	if li != nil && li.sandbox != nil {
		li.sandbox.close()
	}
}
