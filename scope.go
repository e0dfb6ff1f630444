// scope.go: resource container tied to one activation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrt

import (
	"io"
	"sort"
	"sync"
)

// Scope holds host-side state owned by the running extension (view models,
// caches, open handles). A Scope belongs to exactly one activation and is
// cleared after that activation's teardown hook has returned. Values that
// implement io.Closer are closed on clear.
type Scope struct {
	mu      sync.Mutex
	owner   string
	values  map[string]any
	cleared bool
	logger  Logger
}

func newScope(owner string, logger Logger) *Scope {
	return &Scope{
		owner:  owner,
		values: make(map[string]any),
		logger: logger,
	}
}

// Owner returns the name of the extension the scope belongs to.
func (s *Scope) Owner() string { return s.owner }

// Get returns the value stored under key.
func (s *Scope) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Put stores value under key, replacing any previous value.
func (s *Scope) Put(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleared {
		return NewNoActiveExtensionError().WithContext("scope_owner", s.owner)
	}
	s.values[key] = value
	return nil
}

// GetOrCreate returns the value under key, creating it with create on first use.
func (s *Scope) GetOrCreate(key string, create func() (any, error)) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleared {
		return nil, NewNoActiveExtensionError().WithContext("scope_owner", s.owner)
	}
	if v, ok := s.values[key]; ok {
		return v, nil
	}
	v, err := create()
	if err != nil {
		return nil, err
	}
	s.values[key] = v
	return v, nil
}

// Len returns the number of stored values.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

// Cleared reports whether the owning activation has ended.
func (s *Scope) Cleared() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleared
}

// clear closes io.Closer values in key order and empties the scope.
func (s *Scope) clear() {
	s.mu.Lock()
	values := s.values
	s.values = make(map[string]any)
	s.cleared = true
	s.mu.Unlock()

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if c, ok := values[k].(io.Closer); ok {
			if err := c.Close(); err != nil {
				s.logger.Warn("Failed to close scoped resource", "key", k, "error", err)
			}
		}
	}
}
