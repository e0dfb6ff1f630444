// manifest.go: extension manifest model and parser
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrt

import (
	"strings"

	goerrors "github.com/agilira/go-errors"
	"github.com/tidwall/gjson"
)

// Manifest describes an extension as declared by the manifest.json entry of its archive.
// Values returned by ParseManifest are treated as immutable; use Clone before modifying.
type Manifest struct {
	Name           string           `json:"name"`
	Description    string           `json:"description"`
	MainEntryPoint string           `json:"mainClass"`
	Version        string           `json:"version"`
	Tools          []ToolDescriptor `json:"tools"`
	Metadata       Metadata         `json:"metadata"`

	// Raw is the verbatim manifest document.
	Raw string `json:"-"`
}

// Metadata carries optional authorship information.
type Metadata struct {
	Author            string `json:"author"`
	Role              string `json:"role"`
	CapabilityVersion string `json:"pluginApi"`
}

// ToolDescriptor is a tool an extension declares. Args maps argument names to
// their default values (or type hints); values may nest.
type ToolDescriptor struct {
	ToolName    string         `json:"toolName"`
	Description string         `json:"description"`
	Args        map[string]any `json:"args"`
}

// ParseManifest parses a manifest document.
//
// name, description and the entry point (mainClass, or mainEntryPoint) are
// required strings. version defaults to "". tools and metadata are optional;
// tool entries that are not objects are skipped.
func ParseManifest(data []byte) (*Manifest, error) {
	if !gjson.ValidBytes(data) {
		return nil, NewMalformedManifestError("document", "not valid JSON", nil)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, NewMalformedManifestError("document", "not a JSON object", nil)
	}

	name, err := requiredString(root, "name")
	if err != nil {
		return nil, err
	}
	if err := validateExtensionName(name); err != nil {
		return nil, err
	}
	description, err := requiredString(root, "description")
	if err != nil {
		return nil, err
	}
	entryKey := "mainClass"
	if !root.Get(entryKey).Exists() {
		entryKey = "mainEntryPoint"
	}
	entry, err := requiredString(root, entryKey)
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		Name:           name,
		Description:    description,
		MainEntryPoint: entry,
		Version:        optionalString(root, "version"),
		Tools:          parseTools(root.Get("tools")),
		Metadata:       parseMetadata(root),
		Raw:            string(data),
	}
	return m, nil
}

func requiredString(root gjson.Result, key string) (string, error) {
	v := root.Get(key)
	if !v.Exists() {
		return "", NewMalformedManifestError(key, key+" is required", nil)
	}
	if v.Type != gjson.String {
		return "", NewMalformedManifestError(key, key+" must be a string", nil)
	}
	if strings.TrimSpace(v.Str) == "" {
		return "", NewMalformedManifestError(key, key+" must not be empty", nil)
	}
	return v.Str, nil
}

func optionalString(obj gjson.Result, key string) string {
	if v := obj.Get(key); v.Type == gjson.String {
		return v.Str
	}
	return ""
}

func parseTools(arr gjson.Result) []ToolDescriptor {
	if !arr.IsArray() {
		return []ToolDescriptor{}
	}
	tools := make([]ToolDescriptor, 0)
	arr.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			return true
		}
		args, _ := item.Get("args").Value().(map[string]any)
		if args == nil {
			args = map[string]any{}
		}
		tools = append(tools, ToolDescriptor{
			ToolName:    optionalString(item, "toolName"),
			Description: optionalString(item, "description"),
			Args:        args,
		})
		return true
	})
	return tools
}

func parseMetadata(root gjson.Result) Metadata {
	meta := root.Get("metadata")
	if !meta.IsObject() {
		meta = root.Get("metaData")
	}
	if !meta.IsObject() {
		return Metadata{}
	}
	return Metadata{
		Author:            optionalString(meta, "author"),
		Role:              optionalString(meta, "role"),
		CapabilityVersion: optionalString(meta, "pluginApi"),
	}
}

// validateExtensionName rejects names that are unsafe as a directory name,
// since the installer stores each archive under <root>/<name>.
func validateExtensionName(name string) *goerrors.Error {
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") {
		return NewMalformedManifestError("name", "name must not contain '..' or start with '.'", nil).
			WithContext("extension", name)
	}
	if strings.ContainsAny(name, `/\`) {
		return NewMalformedManifestError("name", "name contains path separator characters", nil).
			WithContext("extension", name)
	}
	for _, r := range name {
		if r < 32 || r == 127 {
			return NewMalformedManifestError("name", "name contains control character", nil).
				WithContext("extension", name).
				WithContext("control_character_code", r)
		}
	}
	return nil
}

// HasTool reports whether the manifest declares tool (case-insensitive).
func (m *Manifest) HasTool(tool string) bool {
	_, ok := m.DeclaredTool(tool)
	return ok
}

// DeclaredTool returns the tool name as the manifest spells it.
func (m *Manifest) DeclaredTool(tool string) (string, bool) {
	for _, t := range m.Tools {
		if strings.EqualFold(t.ToolName, tool) {
			return t.ToolName, true
		}
	}
	return "", false
}

// Clone returns a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	c := *m
	c.Tools = cloneTools(m.Tools)
	return &c
}

func cloneTools(tools []ToolDescriptor) []ToolDescriptor {
	out := make([]ToolDescriptor, len(tools))
	for i, t := range tools {
		out[i] = ToolDescriptor{
			ToolName:    t.ToolName,
			Description: t.Description,
			Args:        cloneArgs(t.Args),
		}
	}
	return out
}

func cloneArgs(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneArgs(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
