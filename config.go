// config.go: runtime configuration, defaults, validation and file loading
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrt

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agilira/argus"
	"gopkg.in/yaml.v3"
)

// MemoryDatabase selects the in-memory registry instead of SQLite.
const MemoryDatabase = ":memory:"

// Duration is a time.Duration that reads "5s"-style strings or integer
// nanoseconds from JSON and YAML.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.set(v)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch val := v.(type) {
	case nil:
		*d = 0
	case float64:
		*d = Duration(val)
	case int:
		*d = Duration(val)
	case int64:
		*d = Duration(val)
	case string:
		if val == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration type %T", v)
	}
	return nil
}

// AuditSettings enables the Argus audit trail.
type AuditSettings struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	OutputFile string `json:"output_file" yaml:"output_file"`
}

// RuntimeConfig configures a Runtime.
type RuntimeConfig struct {
	// RootDir holds one directory per installed extension.
	RootDir string `json:"root_dir" yaml:"root_dir"`

	// DatabasePath is the SQLite registry file. Empty means <root_dir>/registry.db;
	// ":memory:" selects the in-memory registry.
	DatabasePath string `json:"database_path" yaml:"database_path"`

	LogLevel string `json:"log_level" yaml:"log_level"`

	// TeardownTimeout bounds the teardown hook; zero waits indefinitely.
	TeardownTimeout Duration `json:"teardown_timeout" yaml:"teardown_timeout"`

	// DispatchTimeout bounds each tool handler call; zero means no bound.
	DispatchTimeout Duration `json:"dispatch_timeout" yaml:"dispatch_timeout"`

	BatchConcurrency int `json:"batch_concurrency" yaml:"batch_concurrency"`

	// InboxDir, when set, is watched for archives to install.
	InboxDir string `json:"inbox_dir" yaml:"inbox_dir"`

	Audit AuditSettings `json:"audit" yaml:"audit"`
}

// DefaultRuntimeConfig returns the defaults used for unset fields.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		RootDir:          "plugins",
		LogLevel:         "info",
		DispatchTimeout:  Duration(30 * time.Second),
		BatchConcurrency: 4,
	}
}

// RegistryPath returns the SQLite file path, or MemoryDatabase.
func (c RuntimeConfig) RegistryPath() string {
	if c.DatabasePath == "" {
		return filepath.Join(c.RootDir, "registry.db")
	}
	return c.DatabasePath
}

// Validate checks field values.
func (c RuntimeConfig) Validate() error {
	if strings.TrimSpace(c.RootDir) == "" {
		return NewConfigInvalidError("root_dir", "must not be empty")
	}
	if c.TeardownTimeout < 0 {
		return NewConfigInvalidError("teardown_timeout", "must not be negative")
	}
	if c.DispatchTimeout < 0 {
		return NewConfigInvalidError("dispatch_timeout", "must not be negative")
	}
	if c.BatchConcurrency < 1 || c.BatchConcurrency > 64 {
		return NewConfigInvalidError("batch_concurrency", "must be between 1 and 64")
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic", "disabled", "off":
	default:
		return NewConfigInvalidError("log_level", fmt.Sprintf("unknown level %q", c.LogLevel))
	}
	if c.Audit.Enabled && c.Audit.OutputFile == "" {
		return NewConfigInvalidError("audit.output_file", "required when audit is enabled")
	}
	if c.InboxDir != "" && filepath.Clean(c.InboxDir) == filepath.Clean(c.RootDir) {
		return NewConfigInvalidError("inbox_dir", "must differ from root_dir")
	}
	return nil
}

// LoadRuntimeConfig reads a JSON, YAML or TOML file on top of the defaults,
// expands ${VAR} references and validates the result.
func LoadRuntimeConfig(path string) (RuntimeConfig, error) {
	cfg := DefaultRuntimeConfig()
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 - operator-supplied config path
	if err != nil {
		return cfg, NewStorageFailureError("read config file", err).WithContext("path", path)
	}
	if err := parseRuntimeConfig(data, argus.DetectFormat(path), &cfg); err != nil {
		return cfg, NewConfigInvalidError("file", err.Error()).WithContext("path", path)
	}
	if err := expandConfigStrings(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// parseRuntimeConfig decodes YAML with yaml.v3 and the other formats through
// Argus, rebinding the generic map through JSON.
func parseRuntimeConfig(data []byte, format argus.ConfigFormat, cfg *RuntimeConfig) error {
	if format == argus.FormatYAML {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
		return nil
	}
	configMap, err := argus.ParseConfig(data, format)
	if err != nil {
		return err
	}
	if configMap == nil {
		return fmt.Errorf("configuration map is nil")
	}
	jsonBytes, err := json.Marshal(configMap)
	if err != nil {
		return fmt.Errorf("failed to marshal config map to JSON: %w", err)
	}
	if err := json.Unmarshal(jsonBytes, cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}
