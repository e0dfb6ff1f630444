// registry_memory.go: in-memory registry implementation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrt

import (
	"context"
	"errors"
	"sync"
)

var errRegistryClosed = errors.New("registry closed")

// MemoryRegistry keeps records in memory. It is intended for embedding and tests;
// records do not survive a restart.
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[string]Record
	closed  bool
	events  *snapshotBroadcaster
}

// NewMemoryRegistry creates an empty MemoryRegistry.
func NewMemoryRegistry(logger Logger) *MemoryRegistry {
	if logger == nil {
		logger = DefaultLogger()
	}
	return &MemoryRegistry{
		records: make(map[string]Record),
		events:  newSnapshotBroadcaster(logger.With("component", "registry")),
	}
}

// Upsert implements Registry.
func (r *MemoryRegistry) Upsert(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return NewStorageFailureError("upsert", errRegistryClosed)
	}
	r.records[rec.Name] = rec.Clone()
	r.events.publish(r.snapshotLocked())
	return nil
}

// GetByName implements Registry.
func (r *MemoryRegistry) GetByName(_ context.Context, name string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	if !ok {
		return nil, nil
	}
	c := rec.Clone()
	return &c, nil
}

// GetByToolName implements Registry.
func (r *MemoryRegistry) GetByToolName(_ context.Context, tool string) ([]Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0)
	for _, rec := range r.snapshotLocked() {
		if rec.declaresTool(tool) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// DeleteByName implements Registry. Deleting a missing name is not an error.
func (r *MemoryRegistry) DeleteByName(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return NewStorageFailureError("delete", errRegistryClosed)
	}
	if _, ok := r.records[name]; !ok {
		return nil
	}
	delete(r.records, name)
	r.events.publish(r.snapshotLocked())
	return nil
}

// DeleteAll implements Registry.
func (r *MemoryRegistry) DeleteAll(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return NewStorageFailureError("delete all", errRegistryClosed)
	}
	r.records = make(map[string]Record)
	r.events.publish(r.snapshotLocked())
	return nil
}

// List implements Registry.
func (r *MemoryRegistry) List(_ context.Context) ([]Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked(), nil
}

// ObserveAll implements Registry.
func (r *MemoryRegistry) ObserveAll(ctx context.Context) (<-chan []Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.events.subscribe(ctx, r.snapshotLocked())
}

// Close implements Registry.
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.events.close()
	return nil
}

func (r *MemoryRegistry) snapshotLocked() []Record {
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Clone())
	}
	sortRecords(out)
	return out
}
