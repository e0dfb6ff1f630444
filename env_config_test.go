// env_config_test.go: environment variable expansion tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvironmentVariables(t *testing.T) {
	t.Setenv("PLUGINRT_ROOT", "/prefixed")
	t.Setenv("ROOT", "/bare")
	t.Setenv("ONLY_BARE", "/only-bare")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"no references", "/srv/extensions", "/srv/extensions"},
		{"prefixed wins", "${ROOT}/ext", "/prefixed/ext"},
		{"bare fallback", "${ONLY_BARE}", "/only-bare"},
		{"inline default", "${NOT_SET_ANYWHERE:-fallback}", "fallback"},
		{"empty default", "${NOT_SET_ANYWHERE:-}", ""},
		{"unset without default", "a${NOT_SET_ANYWHERE}b", "ab"},
		{"several references", "${ROOT}:${ONLY_BARE}", "/prefixed:/only-bare"},
		{"unterminated", "${ROOT", "${ROOT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpandEnvironmentVariables(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpandEnvironmentVariables_RejectsUnsafeValues(t *testing.T) {
	t.Run("control character", func(t *testing.T) {
		t.Setenv("BAD_VALUE", "line\nbreak")
		_, err := ExpandEnvironmentVariables("${BAD_VALUE}")
		assert.True(t, HasErrorCode(err, ErrCodeConfigInvalid))
	})
	t.Run("tab is allowed", func(t *testing.T) {
		t.Setenv("TABBED", "a\tb")
		got, err := ExpandEnvironmentVariables("${TABBED}")
		require.NoError(t, err)
		assert.Equal(t, "a\tb", got)
	})
	t.Run("too long", func(t *testing.T) {
		t.Setenv("HUGE", strings.Repeat("x", 4097))
		_, err := ExpandEnvironmentVariables("${HUGE}")
		assert.True(t, HasErrorCode(err, ErrCodeConfigInvalid))
	})
}

func TestExpandConfigStrings(t *testing.T) {
	t.Setenv("PLUGINRT_DATA", "/data")
	cfg := DefaultRuntimeConfig()
	cfg.RootDir = "${DATA}/extensions"
	cfg.DatabasePath = "${DATA}/registry.db"
	cfg.InboxDir = "${DATA}/inbox"
	cfg.Audit.OutputFile = "${DATA}/audit.jsonl"

	require.NoError(t, expandConfigStrings(&cfg))
	assert.Equal(t, "/data/extensions", cfg.RootDir)
	assert.Equal(t, "/data/registry.db", cfg.DatabasePath)
	assert.Equal(t, "/data/inbox", cfg.InboxDir)
	assert.Equal(t, "/data/audit.jsonl", cfg.Audit.OutputFile)
	assert.Equal(t, "info", cfg.LogLevel)
}
