// Package pluginrt hosts third-party extensions packaged as zip archives.
// Each archive carries a manifest.json and a Lua module (module.lua, or a
// nested plugin.module.zip holding it). Installed extensions are recorded in
// an observable registry; at most one extension runs at a time, each in its
// own Lua state.
//
// Key Features:
//   - Version-aware install with sha256 content hashing and batch installs
//   - SQLite or in-memory registry with ordered snapshot observers
//   - Entry-point instantiation through constructor, singleton and factory strategies
//   - Single active extension with teardown-before-create ordering
//   - Per-run scoped resources released after teardown
//   - Tool routing with structured JSON failures instead of panics
//   - Argus config hot reload and audit trail, Prometheus metrics, zerolog logging
//
// Basic Usage:
//
//	rt, err := pluginrt.NewRuntime(ctx, pluginrt.DefaultRuntimeConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer rt.Close()
//
//	if _, err := rt.Install(ctx, "downloads/echo.zip"); err != nil {
//		log.Fatal(err)
//	}
//	if inst := rt.Activate(ctx, "Echo"); !inst.OK() {
//		log.Fatal(inst.Failure)
//	}
//	resp := rt.Dispatch(ctx, pluginrt.ToolRequest{Tool: "getTime", Args: map[string]any{}})
//
// Extension modules define a global entry point named by the manifest's
// mainClass. Hooks looked up on the instantiated object are onCreate,
// onDestroy, onToolCalled(tool, args, callback), toolPreviewContent(data) and
// content. Inside the sandbox only the base, table, string and math libraries
// are available, plus a host table with host.log(level, msg).
//
// Copyright (c) 2025 AGILira - A. Giordano
// SPDX-License-Identifier: MPL-2.0
package pluginrt
