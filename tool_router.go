// tool_router.go: routes tool-call requests to the active extension
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Failure codes carried in the "error" field of a dispatch response.
const (
	DispatchErrPluginAPINull  = "plugin_api_null"
	DispatchErrInvalidPayload = "invalid_payload"
	DispatchErrInvalidResult  = "invalid_result"
	DispatchErrException      = "exception"
)

// undeclaredToolLabel is the duration label for requests that never reach a
// declared tool.
const undeclaredToolLabel = "unknown"

// ToolRequest is one tool invocation. Args must be a JSON object.
type ToolRequest struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// ActiveSource provides a consistent view of the running extension.
type ActiveSource interface {
	Active(ctx context.Context) (*ActiveExtension, error)
}

// ExtensionTools is the cached tool list of one installed extension.
type ExtensionTools struct {
	Extension string
	Tools     []ToolDescriptor
}

// ToolRouter dispatches requests to the active extension and answers owner
// lookups from a cache kept current by the registry's snapshot stream.
type ToolRouter struct {
	active  ActiveSource
	logger  Logger
	metrics *Metrics
	timeout atomic.Int64

	mu    sync.RWMutex
	cache []ExtensionTools
}

// NewToolRouter creates a router. Call Watch to populate the owner cache.
func NewToolRouter(active ActiveSource, logger Logger, metrics *Metrics) *ToolRouter {
	if logger == nil {
		logger = DefaultLogger()
	}
	return &ToolRouter{
		active:  active,
		logger:  logger.With("component", "tool_router"),
		metrics: metrics,
	}
}

// SetDispatchTimeout bounds each handler call. Zero means no bound.
func (r *ToolRouter) SetDispatchTimeout(d time.Duration) {
	r.timeout.Store(int64(d))
}

// Watch subscribes to registry snapshots. The first snapshot is applied
// before Watch returns; later ones are applied in the background until ctx ends.
func (r *ToolRouter) Watch(ctx context.Context, registry Registry) error {
	ch, err := registry.ObserveAll(ctx)
	if err != nil {
		return err
	}
	select {
	case snap, ok := <-ch:
		if !ok {
			return NewGateClosedError()
		}
		r.apply(snap)
	case <-ctx.Done():
		return ctx.Err()
	}
	SafeGo(r.logger, func() {
		for snap := range ch {
			r.apply(snap)
		}
	})
	return nil
}

func (r *ToolRouter) apply(snapshot []Record) {
	cache := make([]ExtensionTools, 0, len(snapshot))
	for _, rec := range snapshot {
		cache = append(cache, ExtensionTools{Extension: rec.Name, Tools: cloneTools(rec.Tools)})
	}
	r.mu.Lock()
	r.cache = cache
	r.mu.Unlock()
	r.logger.Debug("Tool cache updated", "extensions", len(cache))
}

// ResolveOwner returns the first installed extension, in name order, that
// declares tool (case-insensitive).
func (r *ToolRouter) ResolveOwner(tool string) (string, bool) {
	tool = strings.TrimSpace(tool)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ext := range r.cache {
		for _, t := range ext.Tools {
			if strings.EqualFold(t.ToolName, tool) {
				return ext.Extension, true
			}
		}
	}
	return "", false
}

// Tools returns the cached tool lists.
func (r *ToolRouter) Tools() []ExtensionTools {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ExtensionTools, len(r.cache))
	for i, ext := range r.cache {
		out[i] = ExtensionTools{Extension: ext.Extension, Tools: cloneTools(ext.Tools)}
	}
	return out
}

// Dispatch invokes req on the active extension. It never panics and never
// returns an error: every failure becomes a response with ok=false.
func (r *ToolRouter) Dispatch(ctx context.Context, req ToolRequest) (resp map[string]any) {
	start := time.Now()
	tool := strings.TrimSpace(req.Tool)
	// Only names declared by the active manifest become metric labels.
	label := undeclaredToolLabel
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Tool dispatch panicked", "tool", tool, "panic", p)
			resp = exceptionResponse(tool, fmt.Sprint(p))
		}
		result := "ok"
		if ok, _ := resp["ok"].(bool); !ok {
			result, _ = resp["error"].(string)
			if result == "" {
				result = "handler_failure"
			}
		}
		r.metrics.dispatch(label, result, time.Since(start))
	}()

	active, err := r.active.Active(ctx)
	if err != nil || active == nil || !active.Instance.OK() {
		return failureResponse(DispatchErrPluginAPINull)
	}
	if tool == "" || req.Args == nil {
		return failureResponse(DispatchErrInvalidPayload)
	}
	declared, ok := active.Instance.Manifest.DeclaredTool(tool)
	if !ok {
		r.logger.Warn("Tool not declared by active extension", "tool", tool, "extension", active.Name)
		fail := failureResponse(DispatchErrInvalidPayload)
		fail["meta"] = map[string]any{"tool": tool, "reason": "tool_not_found", "extension": active.Name}
		return fail
	}
	label = declared

	callCtx := ctx
	if d := time.Duration(r.timeout.Load()); d > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	out, err := active.Instance.CallTool(callCtx, tool, req.Args)
	if err != nil {
		switch ErrorCodeOf(err) {
		case ErrCodeNoActiveExtension:
			return failureResponse(DispatchErrPluginAPINull)
		case ErrCodeToolNotFound:
			return failureResponse(DispatchErrInvalidPayload)
		}
		r.logger.Error("Tool handler failed", "tool", tool, "extension", active.Name, "error", err)
		return exceptionResponse(tool, exceptionMessage(err))
	}

	obj, ok := out.(map[string]any)
	if !ok {
		r.logger.Warn("Tool handler returned a non-object result", "tool", tool, "extension", active.Name, "type", fmt.Sprintf("%T", out))
		return failureResponse(DispatchErrInvalidResult)
	}
	if _, present := obj["ok"]; !present {
		obj["ok"] = true
	}
	return obj
}

// DispatchJSON decodes a {"tool":..., "args":{...}} request, dispatches it
// and encodes the response.
func (r *ToolRouter) DispatchJSON(ctx context.Context, payload []byte) []byte {
	if !gjson.ValidBytes(payload) {
		return encodeFailure(DispatchErrInvalidPayload)
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return encodeFailure(DispatchErrInvalidPayload)
	}
	// A missing or non-object args is left nil for Dispatch to reject.
	args, _ := root.Get("args").Value().(map[string]any)

	resp := r.Dispatch(ctx, ToolRequest{Tool: root.Get("tool").String(), Args: args})
	data, err := json.Marshal(resp)
	if err != nil {
		r.logger.Error("Failed to encode tool response", "error", err)
		return encodeFailure(DispatchErrInvalidResult)
	}
	return data
}

func failureResponse(code string) map[string]any {
	return map[string]any{"ok": false, "error": code}
}

func exceptionResponse(tool, message string) map[string]any {
	return map[string]any{
		"ok":    false,
		"error": DispatchErrException,
		"meta":  map[string]any{"tool": tool, "message": message},
	}
}

func exceptionMessage(err error) string {
	if msg, ok := errorContext(err)["message"].(string); ok && msg != "" {
		return msg
	}
	return err.Error()
}

func encodeFailure(code string) []byte {
	out, _ := sjson.SetBytes([]byte(`{"ok":false}`), "error", code)
	return out
}
