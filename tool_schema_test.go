// tool_schema_test.go: function-calling schema tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolDefinition(t *testing.T) {
	def := ToolDefinition(ToolDescriptor{
		ToolName:    "getForecast",
		Description: "Forecast for a city",
		Args: map[string]any{
			"city":    "Rome",
			"days":    float64(3),
			"hourly":  false,
			"filters": map[string]any{},
			"fields":  []any{"temp"},
			"units":   nil,
			"limit":   int64(10),
		},
	})

	assert.Equal(t, "function", def["type"])
	fn := def["function"].(map[string]any)
	assert.Equal(t, "getForecast", fn["name"])
	assert.Equal(t, "Forecast for a city", fn["description"])

	params := fn["parameters"].(map[string]any)
	assert.Equal(t, "object", params["type"])
	assert.Equal(t, map[string]any{
		"city":    map[string]any{"type": "string"},
		"days":    map[string]any{"type": "number"},
		"hourly":  map[string]any{"type": "boolean"},
		"filters": map[string]any{"type": "object"},
		"fields":  map[string]any{"type": "array"},
		"units":   map[string]any{"type": "string"},
		"limit":   map[string]any{"type": "integer"},
	}, params["properties"])
	assert.Equal(t, []string{"city", "days", "fields", "filters", "hourly", "limit"}, params["required"])
}

func TestToolDefinition_NoArgs(t *testing.T) {
	def := ToolDefinition(ToolDescriptor{ToolName: "getTime"})
	params := def["function"].(map[string]any)["parameters"].(map[string]any)
	assert.Empty(t, params["properties"])
	assert.Equal(t, []string{}, params["required"])
}

func TestToolDefinitions_FromManifest(t *testing.T) {
	m, err := ParseManifest(testManifest(t, "Weather", "1", "Weather", weatherTools))
	require.NoError(t, err)

	defs := ToolDefinitions([]Record{
		{Name: "Echo", Tools: []ToolDescriptor{{ToolName: "getTime"}}},
		{Name: "Weather", Tools: m.Tools},
	})
	require.Len(t, defs, 2)
	assert.Equal(t, "getTime", defs[0]["function"].(map[string]any)["name"])

	params := defs[1]["function"].(map[string]any)["parameters"].(map[string]any)
	props := params["properties"].(map[string]any)
	assert.Equal(t, map[string]any{"type": "number"}, props["days"], "manifest numbers decode as JSON numbers")
	assert.Equal(t, []string{"city", "days"}, params["required"])
}
