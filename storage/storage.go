// Copyright (C) 2025 Atlasforge Labs (oss@atlasforge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package storage defines the durable store contract consumed by the task
// engine. The engine owns transaction boundaries for multi-step operations;
// the store provides the isolation.
package storage

import (
	"context"
	"errors"

	"github.com/atlasforge/taskengine/task"
)

var (
	// ErrTransactionActive is returned by BeginTransaction when a
	// transaction is already in progress on this store handle.
	ErrTransactionActive = errors.New("transaction already active")

	// ErrNoTransaction is returned by Commit/Rollback without an active
	// transaction.
	ErrNoTransaction = errors.New("no active transaction")
)

// RepairResult reports the outcome of a relationship repair pass.
type RepairResult struct {
	Fixed  int      `json:"fixed"`
	Issues []string `json:"issues"`
}

// TaskStore is the durable, transactional store keyed by task path.
//
// Mutations issued between BeginTransaction and CommitTransaction are
// staged. BeginTransaction returns a derived context identifying the
// transaction owner: reads carrying that context observe the staged
// writes, every other reader sees only committed state. Implementations
// must serialize concurrent transactions so staged state cannot
// interleave.
type TaskStore interface {
	// GetTask returns the task at path, or nil if absent.
	GetTask(ctx context.Context, path string) (*task.Task, error)

	// GetTasksByPattern returns tasks whose path matches the glob, in
	// stable store order, honoring limit/offset. limit <= 0 means no limit.
	GetTasksByPattern(ctx context.Context, pattern string, limit, offset int) ([]*task.Task, error)

	// PutTask inserts or replaces a task.
	PutTask(ctx context.Context, t *task.Task) error

	// DeleteTask removes the task at path. Deleting an absent path is not
	// an error.
	DeleteTask(ctx context.Context, path string) error

	// ClearAllTasks removes every task.
	ClearAllTasks(ctx context.Context) error

	// BeginTransaction opens a transaction and returns a context marking
	// the caller as its owner. Pass the returned context to reads that
	// must observe the staged writes.
	BeginTransaction(ctx context.Context) (context.Context, error)
	CommitTransaction(ctx context.Context) error
	RollbackTransaction(ctx context.Context) error

	// Maintenance operations are advisory; failures are non-fatal to the
	// caller.
	Vacuum(ctx context.Context) error
	Analyze(ctx context.Context) error
	Checkpoint(ctx context.Context) error

	// RepairRelationships re-establishes parentPath/subtasks inverses.
	// With dryRun it only reports what would change.
	RepairRelationships(ctx context.Context, dryRun bool) (*RepairResult, error)

	Close() error
}
