// audit.go: audit trail for install, uninstall and activation events
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrt

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agilira/argus"
	"github.com/agilira/go-timecache"
)

// AuditSink records security-relevant runtime events.
type AuditSink interface {
	Record(event string, fields map[string]any)
}

// ArgusAuditSink writes events through Argus's buffered audit logger.
type ArgusAuditSink struct {
	mu     sync.Mutex
	logger *argus.AuditLogger
	closed bool
}

// NewArgusAuditSink opens outputFile for auditing, creating its directory if needed.
func NewArgusAuditSink(outputFile string) (*ArgusAuditSink, error) {
	if outputFile == "" {
		return nil, NewConfigInvalidError("audit.output_file", "must not be empty when audit is enabled")
	}
	if err := os.MkdirAll(filepath.Dir(outputFile), 0750); err != nil {
		return nil, NewStorageFailureError("create audit directory", err)
	}
	al, err := argus.NewAuditLogger(argus.AuditConfig{
		Enabled:       true,
		OutputFile:    outputFile,
		MinLevel:      argus.AuditInfo,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
	})
	if err != nil {
		return nil, NewStorageFailureError("open audit log", err)
	}
	return &ArgusAuditSink{logger: al}, nil
}

// Record implements AuditSink.
func (s *ArgusAuditSink) Record(event string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	ctx := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		ctx[k] = v
	}
	ctx["component"] = "plugin_runtime"
	ctx["timestamp"] = timecache.CachedTime().Format(time.RFC3339)
	s.logger.LogSecurityEvent(event, "Plugin runtime event", ctx)
}

// Close flushes and closes the audit log.
func (s *ArgusAuditSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.logger.Close()
}
