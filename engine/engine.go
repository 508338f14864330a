// Copyright (C) 2025 Atlasforge Labs (oss@atlasforge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine is the task orchestrator: it owns transaction boundaries,
// wires validation, status propagation, batch processing, and the cache
// layer together, and is the only package callers need to import.
//
// All mutations run inside a store transaction. Indices are updated and
// events published only after the transaction commits, so observers never
// see half-applied state. Reads are served from the in-memory indices
// exclusively; after a memory-pressure clear they return empty until the
// affected tasks are written again or the engine is re-initialized.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/atlasforge/taskengine/batch"
	"github.com/atlasforge/taskengine/cache"
	"github.com/atlasforge/taskengine/storage"
	"github.com/atlasforge/taskengine/task"
	"github.com/atlasforge/taskengine/validation"
)

var tracer = otel.Tracer("taskengine.engine")

// Engine coordinates the task store, validator, batch processors, and
// cache manager.
//
// Thread Safety: safe for concurrent use. Mutations are serialized through
// the store's transaction lock; reads go to the cache indices, which carry
// their own locking.
type Engine struct {
	store     storage.TaskStore
	validator *validation.Validator
	statuses  *batch.StatusProcessor
	deps      *batch.Processor
	cache     *cache.Manager
	events    *EventBus
	logger    *slog.Logger
	cfg       Config

	initGroup   singleflight.Group
	initialized atomic.Bool
	closed      atomic.Bool
}

// New wires an engine around an opened store. Call Initialize (or any
// public operation, which initializes lazily) before relying on reads.
func New(store storage.TaskStore, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "engine"),
	}
	e.validator = validation.NewValidator(store)
	e.events = NewEventBus()
	e.statuses = batch.NewStatusProcessor(e.logger)
	e.deps = batch.NewProcessor(e.logger)
	e.cache = cache.NewManager(cfg.CacheOptions(), e.logger, func(stats cache.MemoryStats, maxBytes int64) {
		e.events.Publish(Event{
			Type:     EventMemoryPressure,
			Memory:   &stats,
			MaxBytes: maxBytes,
		})
	})
	return e
}

// Events returns the engine's event bus for observer registration.
func (e *Engine) Events() *EventBus {
	return e.events
}

// Initialize warms the in-memory indices from the store and starts the
// cache memory monitor. Idempotent; concurrent callers share a single
// in-flight initialization, and a failed attempt leaves no partial state
// behind so the next call retries from scratch.
func (e *Engine) Initialize(ctx context.Context) error {
	if e.initialized.Load() {
		return nil
	}
	_, err, _ := e.initGroup.Do("init", func() (any, error) {
		if e.initialized.Load() {
			return nil, nil
		}
		tasks, err := e.store.GetTasksByPattern(ctx, "*", 0, 0)
		if err != nil {
			return nil, task.Wrap(task.CodeStorageError, "initialize", err)
		}
		for _, t := range tasks {
			e.cache.IndexTask(ctx, t)
		}
		e.cache.Start()
		e.initialized.Store(true)
		e.logger.Info("engine initialized", slog.Int("tasks", len(tasks)))
		return nil, nil
	})
	return err
}

// Close stops the cache monitor and event dispatcher and closes the
// store. Safe to call more than once.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.cache.Stop()
	e.events.Close()
	return e.store.Close()
}

// MemoryStats reports the current heap usage sample used for pressure
// decisions.
func (e *Engine) MemoryStats() cache.MemoryStats {
	return e.cache.MemoryStats()
}

// GetTaskByPath returns the task at path from the indices, or nil when
// not indexed.
func (e *Engine) GetTaskByPath(ctx context.Context, path string) (*task.Task, error) {
	if err := e.Initialize(ctx); err != nil {
		return nil, err
	}
	return e.cache.GetTaskByPath(ctx, path), nil
}

// ListTasks returns indexed tasks whose path matches the glob pattern,
// in insertion order, honoring limit and offset.
func (e *Engine) ListTasks(ctx context.Context, pattern string, limit, offset int) ([]*task.Task, error) {
	if err := e.Initialize(ctx); err != nil {
		return nil, err
	}
	tasks, err := e.cache.GetTasksByPattern(ctx, pattern, limit, offset)
	if err != nil {
		return nil, task.E(task.CodeInvalidInput, "listTasks", fmt.Sprintf("invalid pattern %q: %v", pattern, err))
	}
	return tasks, nil
}

// GetTasksByStatus returns indexed tasks in the given status.
func (e *Engine) GetTasksByStatus(ctx context.Context, s task.Status, limit, offset int) ([]*task.Task, error) {
	if err := e.Initialize(ctx); err != nil {
		return nil, err
	}
	if !s.Valid() {
		return nil, task.E(task.CodeInvalidInput, "getTasksByStatus", fmt.Sprintf("invalid status %q", s))
	}
	return e.cache.GetTasksByStatus(ctx, s, limit, offset), nil
}

// GetSubtasks returns the indexed children of parentPath.
func (e *Engine) GetSubtasks(ctx context.Context, parentPath string, limit, offset int) ([]*task.Task, error) {
	if err := e.Initialize(ctx); err != nil {
		return nil, err
	}
	return e.cache.GetTasksByParent(ctx, parentPath, limit, offset), nil
}

// SortTasksByDependencies orders refs so dependencies precede dependents.
func (e *Engine) SortTasksByDependencies(refs []validation.Ref) ([]string, error) {
	return validation.SortByDependencies(refs)
}

// startSpan opens a trace span for a public operation.
func startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, op, trace.WithAttributes(attrs...))
}

func spanErr(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// recorder accumulates the side effects of a transaction so indices and
// events are touched only after commit.
type recorder struct {
	touched []string
	seen    map[string]struct{}
	deleted []*task.Task
	events  []Event
}

func newRecorder() *recorder {
	return &recorder{seen: make(map[string]struct{})}
}

// touch marks a path for reindexing after commit.
func (r *recorder) touch(path string) {
	if _, ok := r.seen[path]; ok {
		return
	}
	r.seen[path] = struct{}{}
	r.touched = append(r.touched, path)
}

func (r *recorder) remove(t *task.Task) {
	r.deleted = append(r.deleted, t)
}

func (r *recorder) event(ev Event) {
	r.events = append(r.events, ev)
}

// finish applies a committed transaction's side effects: reindex touched
// paths from the store, drop deleted ones, then publish events.
func (e *Engine) finish(ctx context.Context, rec *recorder) {
	for _, d := range rec.deleted {
		e.cache.UnindexTask(ctx, d)
		delete(rec.seen, d.Path)
	}
	for _, p := range rec.touched {
		if _, ok := rec.seen[p]; !ok {
			continue
		}
		t, err := e.store.GetTask(ctx, p)
		if err != nil {
			e.logger.Warn("reindex read failed", slog.String("path", p), slog.String("error", err.Error()))
			continue
		}
		if t != nil {
			e.cache.IndexTask(ctx, t)
		}
	}
	for _, ev := range rec.events {
		e.events.Publish(ev)
	}
}

// inTx runs fn inside a store transaction, committing on success and
// rolling back on failure, then applies the recorder's side effects.
// fn receives the transaction-owner context and must use it for every
// store access that should observe the staged writes; finish reads with
// the plain context so indices only ever hold committed state.
func (e *Engine) inTx(ctx context.Context, op string, rec *recorder, fn func(txCtx context.Context) error) error {
	txCtx, err := e.store.BeginTransaction(ctx)
	if err != nil {
		return task.Wrap(task.CodeStorageError, op, err)
	}
	if err := fn(txCtx); err != nil {
		if rbErr := e.store.RollbackTransaction(txCtx); rbErr != nil {
			e.logger.Error("rollback failed", slog.String("op", op), slog.String("error", rbErr.Error()))
		}
		return err
	}
	if err := e.store.CommitTransaction(txCtx); err != nil {
		return task.Wrap(task.CodeStorageError, op, err)
	}
	e.finish(ctx, rec)
	return nil
}
