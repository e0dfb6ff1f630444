// manifest_test.go: manifest parsing tests
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

func TestParseManifest_FullDocument(t *testing.T) {
	doc := `{
		"name": "Echo",
		"description": "Echoes things",
		"mainClass": "Echo",
		"version": "1.2",
		"tools": [
			{"toolName": "getTime", "description": "now", "args": {}},
			{"toolName": "echo", "description": "echo", "args": {"text": "hi", "repeat": 2, "loud": false, "opt": null}},
			"not-a-tool"
		],
		"metadata": {"author": "someone", "role": "tool", "pluginApi": "3"}
	}`

	m, err := ParseManifest([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, "Echo", m.Name)
	assert.Equal(t, "Echoes things", m.Description)
	assert.Equal(t, "Echo", m.MainEntryPoint)
	assert.Equal(t, "1.2", m.Version)
	assert.Equal(t, doc, m.Raw)
	require.Len(t, m.Tools, 2, "non-object tool entries are skipped")
	assert.Equal(t, "getTime", m.Tools[0].ToolName)
	assert.Empty(t, m.Tools[0].Args)
	assert.Equal(t, "hi", m.Tools[1].Args["text"])
	assert.Equal(t, float64(2), m.Tools[1].Args["repeat"])
	assert.Equal(t, false, m.Tools[1].Args["loud"])
	assert.Contains(t, m.Tools[1].Args, "opt")
	assert.Nil(t, m.Tools[1].Args["opt"])
	assert.Equal(t, Metadata{Author: "someone", Role: "tool", CapabilityVersion: "3"}, m.Metadata)
}

func TestParseManifest_OptionalFields(t *testing.T) {
	m, err := ParseManifest([]byte(`{"name":"A","description":"d","mainEntryPoint":"pkg.A","metaData":{"author":"x"}}`))
	require.NoError(t, err)

	assert.Equal(t, "pkg.A", m.MainEntryPoint)
	assert.Equal(t, "", m.Version)
	assert.NotNil(t, m.Tools)
	assert.Empty(t, m.Tools)
	assert.Equal(t, "x", m.Metadata.Author)
}

func TestParseManifest_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"invalid json", `{"name":`},
		{"array document", `[]`},
		{"missing name", `{"description":"d","mainClass":"A"}`},
		{"empty name", `{"name":"  ","description":"d","mainClass":"A"}`},
		{"numeric name", `{"name":5,"description":"d","mainClass":"A"}`},
		{"missing description", `{"name":"A","mainClass":"A"}`},
		{"missing entry point", `{"name":"A","description":"d"}`},
		{"path traversal name", `{"name":"../evil","description":"d","mainClass":"A"}`},
		{"separator in name", `{"name":"a/b","description":"d","mainClass":"A"}`},
		{"hidden name", `{"name":".hidden","description":"d","mainClass":"A"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, HasErrorCode(err, ErrCodeMalformedManifest), "got %v", err)
		})
	}
}

func TestManifest_HasToolIsCaseInsensitive(t *testing.T) {
	m := &Manifest{Tools: []ToolDescriptor{{ToolName: "getTime"}}}
	assert.True(t, m.HasTool("GETTIME"))
	assert.True(t, m.HasTool("gettime"))
	assert.False(t, m.HasTool("getDate"))

	name, ok := m.DeclaredTool("GETTIME")
	assert.True(t, ok)
	assert.Equal(t, "getTime", name)
}

func TestManifest_CloneIsDeep(t *testing.T) {
	m := &Manifest{
		Name:  "A",
		Tools: []ToolDescriptor{{ToolName: "t", Args: map[string]any{"nested": map[string]any{"k": "v"}}}},
	}
	c := m.Clone()
	c.Tools[0].Args["nested"].(map[string]any)["k"] = "changed"
	c.Tools[0].ToolName = "other"

	assert.Equal(t, "v", m.Tools[0].Args["nested"].(map[string]any)["k"])
	assert.Equal(t, "t", m.Tools[0].ToolName)
}
