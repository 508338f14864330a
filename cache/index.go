// Copyright (C) 2025 Atlasforge Labs (oss@atlasforge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache maintains the derived, non-authoritative view of the task
// store: four lookup indices (exact path, status, parent, glob pattern)
// with TTL and byte-budget bounds, and a background memory-pressure
// monitor that clears everything when the process runs hot.
//
// The indices are the only read path. A cleared or cold cache returns
// empty results until writes re-populate it; reads never fall through to
// the durable store.
package cache

import (
	"sync"
	"time"

	"github.com/atlasforge/taskengine/task"
)

// entry is one indexed task plus its TTL bookkeeping.
type entry struct {
	task      *task.Task
	indexedAt time.Time
}

// IndexManager holds the four task indices.
//
// Buckets preserve insertion order, and pattern scans iterate paths in
// first-index order, so pagination is stable across reads.
//
// Thread Safety: safe for concurrent use.
type IndexManager struct {
	mu       sync.RWMutex
	byPath   map[string]*entry
	order    []string
	byStatus map[task.Status][]string
	byParent map[string][]string

	ttl time.Duration
	now func() time.Time
}

// NewIndexManager creates an index manager. ttl of zero disables expiry.
func NewIndexManager(ttl time.Duration) *IndexManager {
	return &IndexManager{
		byPath:   make(map[string]*entry),
		byStatus: make(map[task.Status][]string),
		byParent: make(map[string][]string),
		ttl:      ttl,
		now:      time.Now,
	}
}

// IndexTask inserts or replaces a task across all indices. Idempotent:
// re-indexing moves the task to its current status/parent buckets without
// duplicating it, and keeps its original position in the path order.
func (m *IndexManager) IndexTask(t *task.Task) {
	if t == nil {
		return
	}
	c := t.Clone()

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.byPath[c.Path]; ok {
		if old.task.Status != c.Status {
			m.byStatus[old.task.Status] = removePath(m.byStatus[old.task.Status], c.Path)
			m.byStatus[c.Status] = append(m.byStatus[c.Status], c.Path)
		}
		if old.task.ParentPath != c.ParentPath {
			m.byParent[old.task.ParentPath] = removePath(m.byParent[old.task.ParentPath], c.Path)
			m.byParent[c.ParentPath] = append(m.byParent[c.ParentPath], c.Path)
		}
		m.byPath[c.Path] = &entry{task: c, indexedAt: m.now()}
		return
	}

	m.byPath[c.Path] = &entry{task: c, indexedAt: m.now()}
	m.order = append(m.order, c.Path)
	m.byStatus[c.Status] = append(m.byStatus[c.Status], c.Path)
	m.byParent[c.ParentPath] = append(m.byParent[c.ParentPath], c.Path)
}

// UnindexTask removes a task from all indices. Idempotent.
func (m *IndexManager) UnindexTask(t *task.Task) {
	if t == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byPath[t.Path]
	if !ok {
		return
	}
	delete(m.byPath, t.Path)
	m.order = removePath(m.order, t.Path)
	m.byStatus[e.task.Status] = removePath(m.byStatus[e.task.Status], t.Path)
	m.byParent[e.task.ParentPath] = removePath(m.byParent[e.task.ParentPath], t.Path)
}

// GetTaskByPath returns the indexed task at path, or nil on a miss.
// Expired entries are misses.
func (m *IndexManager) GetTaskByPath(path string) *task.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.byPath[path]
	if !ok || m.expired(e) {
		return nil
	}
	return e.task.Clone()
}

// GetTasksByPattern returns tasks whose path matches the glob, in
// first-index order, honoring limit/offset. limit <= 0 means no limit.
func (m *IndexManager) GetTasksByPattern(pattern string, limit, offset int) ([]*task.Task, error) {
	p, err := task.CompilePattern(pattern)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.collect(m.order, limit, offset, func(t *task.Task) bool {
		return p.Match(t.Path)
	}), nil
}

// GetTasksByStatus returns tasks in the status bucket, insertion-ordered.
func (m *IndexManager) GetTasksByStatus(s task.Status, limit, offset int) []*task.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.collect(m.byStatus[s], limit, offset, nil)
}

// GetTasksByParent returns the direct children of parentPath,
// insertion-ordered.
func (m *IndexManager) GetTasksByParent(parentPath string, limit, offset int) []*task.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.collect(m.byParent[parentPath], limit, offset, nil)
}

// collect walks a path bucket applying TTL, an optional filter, and
// pagination. Caller must hold at least a read lock.
func (m *IndexManager) collect(paths []string, limit, offset int, match func(*task.Task) bool) []*task.Task {
	out := make([]*task.Task, 0)
	skipped := 0
	for _, path := range paths {
		e, ok := m.byPath[path]
		if !ok || m.expired(e) {
			continue
		}
		if match != nil && !match(e.task) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, e.task.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Reap removes expired entries from every index and reports how many
// went. Reads already filter expired entries; reaping releases the
// memory they still occupy. The monitor calls this on its tick.
func (m *IndexManager) Reap() int {
	if m.ttl == 0 {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var dead []string
	for path, e := range m.byPath {
		if m.expired(e) {
			dead = append(dead, path)
		}
	}
	for _, path := range dead {
		e := m.byPath[path]
		delete(m.byPath, path)
		m.order = removePath(m.order, path)
		m.byStatus[e.task.Status] = removePath(m.byStatus[e.task.Status], path)
		m.byParent[e.task.ParentPath] = removePath(m.byParent[e.task.ParentPath], path)
	}
	return len(dead)
}

// Clear drops every index.
func (m *IndexManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byPath = make(map[string]*entry)
	m.order = nil
	m.byStatus = make(map[task.Status][]string)
	m.byParent = make(map[string][]string)
}

// Len returns the number of indexed tasks, expired entries included.
func (m *IndexManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byPath)
}

// EstimatedBytes returns the heuristic memory footprint of the indices.
func (m *IndexManager) EstimatedBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, e := range m.byPath {
		total += e.task.EstimatedBytes()
	}
	return total
}

func (m *IndexManager) expired(e *entry) bool {
	if m.ttl == 0 {
		return false
	}
	return m.now().Sub(e.indexedAt) > m.ttl
}

func removePath(paths []string, path string) []string {
	for i, p := range paths {
		if p == path {
			return append(paths[:i], paths[i+1:]...)
		}
	}
	return paths
}
