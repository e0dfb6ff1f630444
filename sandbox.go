// sandbox.go: isolated Lua execution context for one extension
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrt

import (
	"bytes"
	"context"
	"errors"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

var errSandboxClosed = errors.New("sandbox closed")

// sandbox owns one Lua state. Every extension gets its own state, so globals
// defined by one module are never visible to another or to the host.
//
// gopher-lua's LState is not goroutine-safe: all access holds the one-slot
// lock channel, which callers acquire under their own context.
type sandbox struct {
	lock   chan struct{}
	L      *lua.LState
	name   string
	logger Logger
	closed bool

	// life ends when close begins and interrupts whatever Lua code is running.
	life context.Context
	kill context.CancelFunc
}

// removedGlobals are base functions that can load code from outside the archive.
var removedGlobals = []string{"dofile", "loadfile", "load", "loadstring", "require", "module"}

func newSandbox(name string, logger Logger) (*sandbox, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	libs := []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
	for _, lib := range libs {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, err
		}
	}
	for _, g := range removedGlobals {
		L.SetGlobal(g, lua.LNil)
	}

	life, kill := context.WithCancel(context.Background())
	sb := &sandbox{lock: make(chan struct{}, 1), L: L, name: name, logger: logger, life: life, kill: kill}
	sb.installHostModule()
	return sb, nil
}

// installHostModule exposes host.log and host.extension, and routes print
// into the runtime logger.
func (s *sandbox) installHostModule() {
	host := s.L.NewTable()
	s.L.SetField(host, "extension", lua.LString(s.name))
	s.L.SetField(host, "log", s.L.NewFunction(func(L *lua.LState) int {
		level := strings.ToLower(L.CheckString(1))
		msg := L.OptString(2, "")
		switch level {
		case "debug":
			s.logger.Debug(msg, "source", "extension")
		case "warn", "warning":
			s.logger.Warn(msg, "source", "extension")
		case "error":
			s.logger.Error(msg, "source", "extension")
		default:
			s.logger.Info(msg, "source", "extension")
		}
		return 0
	}))
	s.L.SetGlobal("host", host)

	s.L.SetGlobal("print", s.L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		s.logger.Info(strings.Join(parts, "\t"), "source", "print")
		return 0
	}))
}

// compileAndRun compiles the module source and executes the resulting chunk.
func (s *sandbox) compileAndRun(ctx context.Context, src []byte, chunkName string) error {
	chunk, err := parse.Parse(bytes.NewReader(src), chunkName)
	if err != nil {
		return NewModuleCompileError(s.name, err)
	}
	proto, err := lua.Compile(chunk, chunkName)
	if err != nil {
		return NewModuleCompileError(s.name, err)
	}

	return s.do(ctx, func(L *lua.LState) error {
		if _, err := pcall(L, L.NewFunctionFromProto(proto)); err != nil {
			return NewModuleCompileError(s.name, err)
		}
		return nil
	})
}

// do runs fn with exclusive access to the Lua state. Waiting for the state
// and running fn both observe ctx, so cancellation interrupts running Lua
// code and abandons a wait behind a call that never returns.
func (s *sandbox) do(ctx context.Context, fn func(L *lua.LState) error) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case s.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.life.Done():
		return errSandboxClosed
	}
	defer func() { <-s.lock }()
	if s.closed {
		return errSandboxClosed
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.life, cancel)
	defer stop()
	s.L.SetContext(runCtx)
	defer s.L.RemoveContext()

	defer func() {
		if err != nil && ctx.Err() == nil && s.life.Err() != nil {
			err = errSandboxClosed
		}
	}()
	defer recoverInto(&err, "extension "+s.name)
	return fn(s.L)
}

// call invokes fn with args and returns all results.
func (s *sandbox) call(ctx context.Context, fn lua.LValue, args ...lua.LValue) ([]lua.LValue, error) {
	var out []lua.LValue
	err := s.do(ctx, func(L *lua.LState) error {
		var err error
		out, err = pcall(L, fn, args...)
		return err
	})
	return out, err
}

// close interrupts any running call, then releases the Lua state.
func (s *sandbox) close() {
	s.kill()
	s.lock <- struct{}{}
	defer func() { <-s.lock }()
	if s.closed {
		return
	}
	s.closed = true
	s.L.Close()
}

// pcall calls fn in protected mode and collects every return value.
// The caller must hold the sandbox lock.
func pcall(L *lua.LState, fn lua.LValue, args ...lua.LValue) ([]lua.LValue, error) {
	top := L.GetTop()
	if err := L.CallByParam(lua.P{Fn: fn, NRet: lua.MultRet, Protect: true}, args...); err != nil {
		L.SetTop(top)
		return nil, err
	}
	n := L.GetTop() - top
	out := make([]lua.LValue, n)
	for i := 0; i < n; i++ {
		out[i] = L.Get(top + i + 1)
	}
	L.SetTop(top)
	return out, nil
}

// luaErrorMessage extracts the message raised by extension code.
func luaErrorMessage(err error) string {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil && apiErr.Object != lua.LNil {
		return apiErr.Object.String()
	}
	return err.Error()
}
