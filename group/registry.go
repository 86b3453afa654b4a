// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package group

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry manages consumer groups by name, creating them on first use.
type Registry struct {
	mu sync.RWMutex

	dir    string
	config StateConfig
	logger *slog.Logger
	groups map[string]*State
}

// NewRegistry creates a registry. An empty dir disables persistence for all
// groups.
func NewRegistry(dir string, config StateConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dir:    dir,
		config: config,
		logger: logger,
		groups: make(map[string]*State),
	}
}

// GetOrCreate returns the group with the given name, creating it with a
// zero cursor (reads from the start of the log) on first use.
func (r *Registry) GetOrCreate(name string) (*State, error) {
	r.mu.RLock()
	s, ok := r.groups[name]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.groups[name]; ok {
		return s, nil
	}

	s, err := NewState(r.dir, name, r.config, r.logger)
	if err != nil {
		return nil, err
	}
	r.groups[name] = s

	r.logger.Info("consumer group created",
		slog.String("group", name),
		slog.Uint64("last_delivered", s.LastDelivered()))
	return s, nil
}

// Get returns the group with the given name, if it exists.
func (r *Registry) Get(name string) (*State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.groups[name]
	return s, ok
}

// Names returns all group names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.groups))
	for name := range r.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every group's persistence.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, s := range r.groups {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
