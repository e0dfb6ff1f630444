// logging_zerolog.go: zerolog adapter for the Logger interface
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrt

import (
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// LevelSetter is implemented by loggers whose threshold can change at runtime.
// The config watcher uses it to apply log_level updates without a restart.
type LevelSetter interface {
	SetLevel(level string)
}

// ZerologLogger adapts a zerolog.Logger to the Logger interface.
type ZerologLogger struct {
	logger zerolog.Logger
	level  *atomic.Int32 // shared with every logger derived through With
}

// NewZerologLogger wraps l. The initial threshold is l's own level.
func NewZerologLogger(l zerolog.Logger) *ZerologLogger {
	level := &atomic.Int32{}
	level.Store(int32(l.GetLevel()))
	return &ZerologLogger{logger: l, level: level}
}

func adaptZerolog(v any) (Logger, bool) {
	switch l := v.(type) {
	case zerolog.Logger:
		return NewZerologLogger(l), true
	case *zerolog.Logger:
		if l == nil {
			return NewNoOpLogger(), true
		}
		return NewZerologLogger(*l), true
	}
	return nil, false
}

func (z *ZerologLogger) enabled(l zerolog.Level) bool {
	return l >= zerolog.Level(z.level.Load())
}

func (z *ZerologLogger) emit(e *zerolog.Event, msg string, args []any) {
	if e == nil {
		return
	}
	if len(args) > 0 {
		e = e.Fields(args)
	}
	e.Msg(msg)
}

// Debug implements Logger
func (z *ZerologLogger) Debug(msg string, args ...any) {
	if z.enabled(zerolog.DebugLevel) {
		z.emit(z.logger.Debug(), msg, args)
	}
}

// Info implements Logger
func (z *ZerologLogger) Info(msg string, args ...any) {
	if z.enabled(zerolog.InfoLevel) {
		z.emit(z.logger.Info(), msg, args)
	}
}

// Warn implements Logger
func (z *ZerologLogger) Warn(msg string, args ...any) {
	if z.enabled(zerolog.WarnLevel) {
		z.emit(z.logger.Warn(), msg, args)
	}
}

// Error implements Logger
func (z *ZerologLogger) Error(msg string, args ...any) {
	if z.enabled(zerolog.ErrorLevel) {
		z.emit(z.logger.Error(), msg, args)
	}
}

// With implements Logger
func (z *ZerologLogger) With(args ...any) Logger {
	return &ZerologLogger{
		logger: z.logger.With().Fields(args).Logger(),
		level:  z.level,
	}
}

// SetLevel implements LevelSetter
func (z *ZerologLogger) SetLevel(level string) {
	z.level.Store(int32(ParseLogLevel(level)))
}

// ParseLogLevel converts a level name to a zerolog level.
// Accepts: all, trace, debug, info, warn, warning, error, fatal, none.
// Unknown values default to info.
func ParseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "all", "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "none", "off", "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
