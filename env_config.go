// env_config.go: environment variable expansion for runtime configuration
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrt

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// EnvPrefix is tried before the bare variable name during expansion.
const EnvPrefix = "PLUGINRT_"

var envVariablePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnvironmentVariables replaces ${VAR} and ${VAR:-default} in input.
// PLUGINRT_VAR wins over VAR; an unset variable without a default expands to "".
func ExpandEnvironmentVariables(input string) (string, error) {
	if !strings.Contains(input, "${") {
		return input, nil
	}
	var firstErr error
	out := envVariablePattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVariablePattern.FindStringSubmatch(match)
		value, err := lookupEnv(sub[1], sub[3])
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return value
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func lookupEnv(name, inlineDefault string) (string, error) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		return sanitizeEnvValue(name, v)
	}
	if v := os.Getenv(name); v != "" {
		return sanitizeEnvValue(name, v)
	}
	return sanitizeEnvValue(name, inlineDefault)
}

func sanitizeEnvValue(name, value string) (string, error) {
	if len(value) > 4096 {
		return "", NewConfigInvalidError(name, fmt.Sprintf("value too long: %d bytes", len(value)))
	}
	for i, r := range value {
		if r < 32 && r != '\t' {
			return "", NewConfigInvalidError(name, fmt.Sprintf("control character at position %d", i))
		}
	}
	return value, nil
}

// expandConfigStrings applies ExpandEnvironmentVariables to the path-like fields of cfg.
func expandConfigStrings(cfg *RuntimeConfig) error {
	fields := []*string{
		&cfg.RootDir,
		&cfg.DatabasePath,
		&cfg.InboxDir,
		&cfg.LogLevel,
		&cfg.Audit.OutputFile,
	}
	for _, f := range fields {
		v, err := ExpandEnvironmentVariables(*f)
		if err != nil {
			return err
		}
		*f = v
	}
	return nil
}
