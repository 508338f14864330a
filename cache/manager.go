// Copyright (C) 2025 Atlasforge Labs (oss@atlasforge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlasforge/taskengine/task"
)

// Options bounds the cache. Defaults mirror the engine's production
// settings: 50MB budget, 5 minute TTL, 1 minute monitor interval, clear at
// 80% of budget with a 10 second cooldown between clears.
type Options struct {
	MaxBytes          int64
	TTL               time.Duration
	MonitorInterval   time.Duration
	PressureThreshold float64
	ClearCooldown     time.Duration
}

// DefaultOptions returns the production cache bounds.
func DefaultOptions() Options {
	return Options{
		MaxBytes:          50 * 1024 * 1024,
		TTL:               5 * time.Minute,
		MonitorInterval:   time.Minute,
		PressureThreshold: 0.8,
		ClearCooldown:     10 * time.Second,
	}
}

// MemoryStats is a snapshot of process heap usage.
type MemoryStats struct {
	HeapUsed  uint64 `json:"heapUsed"`
	HeapTotal uint64 `json:"heapTotal"`
	Sys       uint64 `json:"sys"`
}

// PressureFunc receives memory-pressure notifications. Must not block.
type PressureFunc func(stats MemoryStats, maxBytes int64)

// Manager is the cache & index manager: the IndexManager plus the
// byte-budget monitor.
//
// The monitor is a cancellable goroutine owned by the Manager; Stop shuts
// it down deterministically. Eviction only touches the derived indices,
// never the durable store.
//
// Thread Safety: safe for concurrent use.
type Manager struct {
	opts   Options
	index  *IndexManager
	logger *slog.Logger

	onPressure PressureFunc

	// memUsage and now are injectable for tests.
	memUsage func() MemoryStats
	now      func() time.Time

	mu        sync.Mutex
	lastClear time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewManager creates a cache manager. A nil logger falls back to
// slog.Default; a nil onPressure drops pressure notifications.
func NewManager(opts Options, logger *slog.Logger, onPressure PressureFunc) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultOptions().MaxBytes
	}
	if opts.PressureThreshold <= 0 || opts.PressureThreshold > 1 {
		opts.PressureThreshold = DefaultOptions().PressureThreshold
	}

	if err := initMetrics(); err != nil {
		logger.Warn("cache metrics unavailable", slog.String("error", err.Error()))
	}

	return &Manager{
		opts:       opts,
		index:      NewIndexManager(opts.TTL),
		logger:     logger.With("component", "cache.Manager"),
		onPressure: onPressure,
		memUsage:   readMemStats,
		now:        time.Now,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

func readMemStats() MemoryStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return MemoryStats{
		HeapUsed:  ms.HeapAlloc,
		HeapTotal: ms.HeapSys,
		Sys:       ms.Sys,
	}
}

// Start launches the memory monitor. Subsequent calls are no-ops.
// A zero MonitorInterval disables the monitor.
func (m *Manager) Start() {
	if m.opts.MonitorInterval <= 0 {
		return
	}
	m.startOnce.Do(func() {
		m.started.Store(true)
		go m.run()
	})
}

// Stop halts the memory monitor and waits for it to finish. Safe to call
// whether or not Start ran.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	if m.started.Load() {
		<-m.doneCh
	}
}

func (m *Manager) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.opts.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.ReapExpired(context.Background())
			m.CheckPressure(context.Background())
		}
	}
}

// CheckPressure samples memory usage once and clears the indices if usage
// exceeds the pressure threshold and the cooldown since the last clear has
// elapsed. Returns true if a clear fired.
//
// Two breaches inside one cooldown window clear exactly once.
func (m *Manager) CheckPressure(ctx context.Context) bool {
	stats := m.memUsage()
	ratio := float64(stats.HeapUsed) / float64(m.opts.MaxBytes)

	m.logger.Debug("cache memory sample",
		slog.Uint64("heap_used", stats.HeapUsed),
		slog.Int64("budget", m.opts.MaxBytes),
	)

	if ratio <= m.opts.PressureThreshold {
		return false
	}

	m.mu.Lock()
	if m.now().Sub(m.lastClear) < m.opts.ClearCooldown {
		m.mu.Unlock()
		return false
	}
	m.lastClear = m.now()
	m.mu.Unlock()

	m.logger.Warn("cache memory threshold exceeded, clearing indices",
		slog.Uint64("heap_used", stats.HeapUsed),
		slog.Int64("budget", m.opts.MaxBytes),
		slog.Float64("ratio", ratio),
	)

	cleared := m.index.Len()
	m.index.Clear()
	recordPressureClear(ctx)
	if indexedTasks != nil {
		indexedTasks.Add(ctx, -int64(cleared))
	}

	if m.onPressure != nil {
		m.onPressure(stats, m.opts.MaxBytes)
	}
	return true
}

// ReapExpired evicts TTL-expired entries from the indices. The monitor
// runs this every tick; reads filter expired entries regardless, so the
// only effect is reclaiming their memory. Returns the eviction count.
func (m *Manager) ReapExpired(ctx context.Context) int {
	reaped := m.index.Reap()
	if reaped > 0 {
		if indexedTasks != nil {
			indexedTasks.Add(ctx, -int64(reaped))
		}
		m.logger.Debug("reaped expired index entries", slog.Int("count", reaped))
	}
	return reaped
}

// IndexTask inserts or refreshes a task in all indices. Called by the
// orchestrator strictly after a successful store commit.
func (m *Manager) IndexTask(ctx context.Context, t *task.Task) {
	before := m.index.Len()
	m.index.IndexTask(t)
	if indexedTasks != nil {
		indexedTasks.Add(ctx, int64(m.index.Len()-before))
	}
}

// UnindexTask removes a task from all indices.
func (m *Manager) UnindexTask(ctx context.Context, t *task.Task) {
	before := m.index.Len()
	m.index.UnindexTask(t)
	if indexedTasks != nil {
		indexedTasks.Add(ctx, int64(m.index.Len()-before))
	}
}

// GetTaskByPath reads the path index.
func (m *Manager) GetTaskByPath(ctx context.Context, path string) *task.Task {
	t := m.index.GetTaskByPath(path)
	if t == nil {
		recordMiss(ctx, "path")
	} else {
		recordHit(ctx, "path")
	}
	return t
}

// GetTasksByPattern reads the pattern index.
func (m *Manager) GetTasksByPattern(ctx context.Context, pattern string, limit, offset int) ([]*task.Task, error) {
	tasks, err := m.index.GetTasksByPattern(pattern, limit, offset)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		recordMiss(ctx, "pattern")
	} else {
		recordHit(ctx, "pattern")
	}
	return tasks, nil
}

// GetTasksByStatus reads the status index.
func (m *Manager) GetTasksByStatus(ctx context.Context, s task.Status, limit, offset int) []*task.Task {
	tasks := m.index.GetTasksByStatus(s, limit, offset)
	if len(tasks) == 0 {
		recordMiss(ctx, "status")
	} else {
		recordHit(ctx, "status")
	}
	return tasks
}

// GetTasksByParent reads the parent index.
func (m *Manager) GetTasksByParent(ctx context.Context, parentPath string, limit, offset int) []*task.Task {
	tasks := m.index.GetTasksByParent(parentPath, limit, offset)
	if len(tasks) == 0 {
		recordMiss(ctx, "parent")
	} else {
		recordHit(ctx, "parent")
	}
	return tasks
}

// Clear drops all indices without touching the store.
func (m *Manager) Clear() {
	m.index.Clear()
}

// Len returns the number of indexed tasks.
func (m *Manager) Len() int {
	return m.index.Len()
}

// MemoryStats returns the current process heap snapshot.
func (m *Manager) MemoryStats() MemoryStats {
	return m.memUsage()
}

// EstimatedBytes returns the heuristic index footprint.
func (m *Manager) EstimatedBytes() int64 {
	return m.index.EstimatedBytes()
}
