// tool_schema.go: function-calling schemas built from tool descriptors
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrt

import (
	"sort"
)

// ToolDefinition returns the function-calling definition of tool. Each
// argument's JSON type is inferred from its default value; arguments whose
// default is not null are required.
func ToolDefinition(tool ToolDescriptor) map[string]any {
	keys := make([]string, 0, len(tool.Args))
	for k := range tool.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	properties := make(map[string]any, len(keys))
	required := make([]string, 0, len(keys))
	for _, k := range keys {
		v := tool.Args[k]
		properties[k] = map[string]any{"type": jsonSchemaType(v)}
		if v != nil {
			required = append(required, k)
		}
	}

	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        tool.ToolName,
			"description": tool.Description,
			"parameters": map[string]any{
				"type":       "object",
				"properties": properties,
				"required":   required,
			},
		},
	}
}

// ToolDefinitions returns the definitions of every tool declared by recs, in record order.
func ToolDefinitions(recs []Record) []map[string]any {
	var defs []map[string]any
	for _, r := range recs {
		for _, t := range r.Tools {
			defs = append(defs, ToolDefinition(t))
		}
	}
	return defs
}

func jsonSchemaType(v any) string {
	switch v.(type) {
	case int, int32, int64:
		return "integer"
	case float32, float64:
		return "number"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return "string"
	}
}
