// errors.go: structured error definitions for the plugin runtime
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrt

import (
	"errors"
	"strings"

	goerrors "github.com/agilira/go-errors"
)

// Error codes for the plugin runtime
const (
	// Archive and manifest errors (1000-1099)
	ErrCodeManifestMissing   = "EXT_1001"
	ErrCodeMalformedManifest = "EXT_1002"
	ErrCodeModuleMissing     = "EXT_1003"

	// Loading errors (1100-1199)
	ErrCodeInstantiationExhausted = "EXT_1101"
	ErrCodeContentHookMissing     = "EXT_1102"
	ErrCodeModuleCompile          = "EXT_1103"

	// Registry outcomes (1200-1299)
	ErrCodeVersionNoop  = "EXT_1201"
	ErrCodeNotInstalled = "EXT_1202"

	// Dispatch errors (1300-1399)
	ErrCodeToolNotFound      = "EXT_1301"
	ErrCodeNoActiveExtension = "EXT_1302"
	ErrCodeHandlerException  = "EXT_1303"

	// Storage errors (1400-1499)
	ErrCodeStorageFailure = "EXT_1401"

	// Runtime errors (1500-1699)
	ErrCodeGateClosed    = "EXT_1501"
	ErrCodeConfigInvalid = "EXT_1601"
)

// NewManifestMissingError reports an archive without a manifest entry.
func NewManifestMissingError(archivePath string) *goerrors.Error {
	return goerrors.New(ErrCodeManifestMissing, "Manifest missing").
		WithUserMessage("The extension archive does not contain a manifest.json entry").
		WithContext("archive_path", archivePath).
		WithSeverity("error")
}

// NewMalformedManifestError reports a manifest that failed parsing or validation.
func NewMalformedManifestError(field, reason string, cause error) *goerrors.Error {
	var err *goerrors.Error
	if cause != nil {
		err = goerrors.Wrap(cause, ErrCodeMalformedManifest, "Malformed manifest")
	} else {
		err = goerrors.New(ErrCodeMalformedManifest, "Malformed manifest")
	}
	return err.
		WithUserMessage("The extension manifest is invalid: " + reason).
		WithContext("field", field).
		WithContext("reason", reason).
		WithSeverity("error")
}

// NewModuleMissingError reports an archive without a compiled module.
func NewModuleMissingError(archivePath string) *goerrors.Error {
	return goerrors.New(ErrCodeModuleMissing, "Module missing").
		WithUserMessage("The extension archive does not contain a module").
		WithContext("archive_path", archivePath).
		WithSeverity("error")
}

// NewModuleCompileError wraps a syntax or load error raised while compiling a module.
func NewModuleCompileError(name string, cause error) *goerrors.Error {
	return goerrors.Wrap(cause, ErrCodeModuleCompile, "Module compilation failed").
		WithUserMessage("The extension module could not be compiled").
		WithContext("extension", name).
		WithSeverity("error")
}

// NewInstantiationExhaustedError reports that no construction strategy produced an instance.
func NewInstantiationExhaustedError(entryPoint string, strategies []string) *goerrors.Error {
	return goerrors.New(ErrCodeInstantiationExhausted, "Instantiation exhausted").
		WithUserMessage("Cannot instantiate " + entryPoint + ": tried " + strings.Join(strategies, ", ")).
		WithContext("entry_point", entryPoint).
		WithContext("strategies", strategies).
		WithSeverity("error")
}

// NewContentHookMissingError lists the zero-argument methods seen while searching for a content hook.
func NewContentHookMissingError(entryPoint string, available []string) *goerrors.Error {
	return goerrors.New(ErrCodeContentHookMissing, "Content hook missing").
		WithUserMessage("Cannot get content from " + entryPoint + ". Available zero-arg methods: [" +
			strings.Join(available, ", ") + "]").
		WithContext("entry_point", entryPoint).
		WithContext("available", available).
		WithSeverity("error")
}

// NewVersionNoopError describes an install skipped because the stored version is current.
// It is informational and never returned as a failure from Install.
func NewVersionNoopError(name, installed, incoming string) *goerrors.Error {
	return goerrors.New(ErrCodeVersionNoop, "Extension already current").
		WithUserMessage("The installed version is the same or newer").
		WithContext("extension", name).
		WithContext("installed_version", installed).
		WithContext("incoming_version", incoming).
		WithSeverity("info")
}

// NewNotInstalledError reports an activation request for an unknown extension.
func NewNotInstalledError(name string) *goerrors.Error {
	return goerrors.New(ErrCodeNotInstalled, "Extension not installed").
		WithUserMessage("Plugin not installed: " + name).
		WithContext("extension", name).
		WithSeverity("error")
}

// NewToolNotFoundError reports a tool that the active extension does not declare.
func NewToolNotFoundError(tool, extension string) *goerrors.Error {
	return goerrors.New(ErrCodeToolNotFound, "Tool not found").
		WithUserMessage("The active extension does not declare this tool").
		WithContext("tool", tool).
		WithContext("extension", extension).
		WithSeverity("warning")
}

// NewNoActiveExtensionError reports an operation that requires a running extension.
func NewNoActiveExtensionError() *goerrors.Error {
	return goerrors.New(ErrCodeNoActiveExtension, "No active extension").
		WithUserMessage("No extension is currently running").
		WithSeverity("warning")
}

// NewHandlerExceptionError wraps an error raised inside extension code.
func NewHandlerExceptionError(extension, hook string, cause error) *goerrors.Error {
	return goerrors.Wrap(cause, ErrCodeHandlerException, "Extension handler raised an error").
		WithUserMessage("The extension failed while running "+hook).
		WithContext("extension", extension).
		WithContext("hook", hook).
		WithSeverity("error")
}

// NewStorageFailureError wraps filesystem and database failures.
func NewStorageFailureError(operation string, cause error) *goerrors.Error {
	return goerrors.Wrap(cause, ErrCodeStorageFailure, "Storage operation failed").
		WithUserMessage("A storage operation failed").
		WithContext("operation", operation).
		WithSeverity("error").
		AsRetryable()
}

// NewGateClosedError reports work submitted after the lifecycle manager shut down.
func NewGateClosedError() *goerrors.Error {
	return goerrors.New(ErrCodeGateClosed, "Lifecycle manager closed").
		WithUserMessage("The plugin runtime has been shut down").
		WithSeverity("error")
}

// NewConfigInvalidError reports a runtime configuration value that failed validation.
func NewConfigInvalidError(field, reason string) *goerrors.Error {
	return goerrors.New(ErrCodeConfigInvalid, "Invalid runtime configuration").
		WithUserMessage("Invalid configuration for "+field+": "+reason).
		WithContext("field", field).
		WithContext("reason", reason).
		WithSeverity("error")
}

// ErrorCodeOf returns the runtime error code carried by err, or "" for foreign errors.
func ErrorCodeOf(err error) string {
	var pe *goerrors.Error
	if errors.As(err, &pe) {
		return string(pe.ErrorCode())
	}
	return ""
}

// HasErrorCode reports whether err carries the given runtime error code.
func HasErrorCode(err error, code string) bool {
	return err != nil && ErrorCodeOf(err) == code
}

// errorContext returns the context map of a runtime error, or nil.
func errorContext(err error) map[string]interface{} {
	var pe *goerrors.Error
	if errors.As(err, &pe) {
		return pe.Context
	}
	return nil
}
