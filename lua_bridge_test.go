// lua_bridge_test.go: Go and Lua value conversion tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

func TestLuaBridge_RoundTrip(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	in := map[string]any{
		"name":    "Echo",
		"count":   int64(3),
		"ratio":   0.5,
		"enabled": true,
		"tags":    []any{"a", "b"},
		"nested":  map[string]any{"k": "v"},
		"empty":   map[string]any{},
	}
	out := luaToGo(goToLua(L, in))
	assert.Equal(t, in, out)
}

func TestLuaBridge_GoToLuaScalars(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	assert.Equal(t, lua.LNil, goToLua(L, nil))
	assert.Equal(t, lua.LNumber(7), goToLua(L, 7))
	assert.Equal(t, lua.LNumber(7), goToLua(L, uint64(7)))
	assert.Equal(t, lua.LString("raw"), goToLua(L, []byte("raw")))
	assert.Equal(t, lua.LString("{1 2}"), goToLua(L, struct{ A, B int }{1, 2}))

	strs, ok := goToLua(L, []string{"x", "y"}).(*lua.LTable)
	require.True(t, ok)
	assert.Equal(t, 2, strs.Len())
}

func TestLuaBridge_LuaToGoFromScript(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	require.NoError(t, L.DoString(`
		seq = {10, 20, 30}
		mixed = {1, 2, key = "v"}
		sparse = {[1] = "a", [3] = "c"}
		withFn = {f = function() end, n = 1}
		cyclic = {}
		cyclic.self = cyclic
		frac = 1.25
	`))

	assert.Equal(t, []any{int64(10), int64(20), int64(30)}, luaToGo(L.GetGlobal("seq")))
	assert.Equal(t, map[string]any{"1": int64(1), "2": int64(2), "key": "v"}, luaToGo(L.GetGlobal("mixed")))
	assert.Equal(t, map[string]any{"1": "a", "3": "c"}, luaToGo(L.GetGlobal("sparse")))
	assert.Equal(t, map[string]any{"f": nil, "n": int64(1)}, luaToGo(L.GetGlobal("withFn")))
	assert.Equal(t, map[string]any{"self": nil}, luaToGo(L.GetGlobal("cyclic")))
	assert.Equal(t, 1.25, luaToGo(L.GetGlobal("frac")))
	assert.Nil(t, luaToGo(L.GetGlobal("undefined")))
}
