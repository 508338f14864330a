// Copyright (C) 2025 Atlasforge Labs (oss@atlasforge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/atlasforge/taskengine/storage"
	"github.com/atlasforge/taskengine/task"
	"github.com/atlasforge/taskengine/validation"
)

// BulkTaskOperations applies a mixed batch of creates, updates, and
// deletes atomically: everything commits or nothing does.
//
// Creates run first, in input order, with referential validation
// deferred; forward references between created tasks are legal. Once all
// creates are staged, parents are linked and the deferred checks run
// against the materialized batch. Updates and deletes then run in input
// order. Any failure rolls the whole transaction back and surfaces an
// aggregate error naming the failed operations.
func (e *Engine) BulkTaskOperations(ctx context.Context, ops []task.Operation) error {
	ctx, span := startSpan(ctx, "engine.BulkTaskOperations", attribute.Int("batch.size", len(ops)))
	defer span.End()

	if err := e.Initialize(ctx); err != nil {
		return spanErr(span, err)
	}
	if err := e.validator.ValidateBulkOperations(ops); err != nil {
		return spanErr(span, err)
	}

	rec := newRecorder()
	err := e.inTx(ctx, "bulkTaskOperations", rec, func(txCtx context.Context) error {
		var created []*task.Task
		for _, op := range ops {
			if op.Type != task.OpCreate {
				continue
			}
			t, err := e.createTx(txCtx, op.Create, validation.DeferredModes(), rec)
			if err != nil {
				return bulkFailure(task.Operation{Type: task.OpCreate, Path: op.Create.Path}, err)
			}
			created = append(created, t)
		}

		// The batch is materialized; resolve deferred references.
		for _, t := range created {
			if t.ParentPath != "" {
				if err := e.linkParent(txCtx, t, rec); err != nil {
					return bulkFailure(task.Operation{Type: task.OpCreate, Path: t.Path}, err)
				}
			}
			if err := e.validator.ValidateTask(txCtx, t, validation.ImmediateModes()); err != nil {
				return bulkFailure(task.Operation{Type: task.OpCreate, Path: t.Path}, err)
			}
			if len(t.Dependencies) > 0 {
				if err := e.checkCycleFrom(txCtx, t.Path, t.Dependencies); err != nil {
					return bulkFailure(task.Operation{Type: task.OpCreate, Path: t.Path}, err)
				}
			}
		}

		for _, op := range ops {
			switch op.Type {
			case task.OpUpdate:
				if _, _, err := e.updateTx(txCtx, op.Path, op.Update, rec); err != nil {
					return bulkFailure(op, err)
				}
			case task.OpDelete:
				if err := e.deleteTx(txCtx, op.Path, rec); err != nil {
					return bulkFailure(op, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return spanErr(span, err)
	}
	e.logger.Info("bulk operations applied", slog.Int("count", len(ops)))
	return nil
}

// bulkFailure wraps a single operation's failure as the batch aggregate.
// Bulk batches are all-or-nothing, so the first failure aborts.
func bulkFailure(op task.Operation, err error) error {
	id := fmt.Sprintf("%s %s", op.Type, op.Path)
	return task.Aggregate("bulkTaskOperations", "bulk operation failed, rolled back",
		[]task.ItemError{{ID: id, Err: err}})
}

// ClearAllTasks wipes the store and all indices. Refuses to run without
// explicit confirmation. Storage maintenance afterwards is best-effort.
func (e *Engine) ClearAllTasks(ctx context.Context, confirm bool) error {
	ctx, span := startSpan(ctx, "engine.ClearAllTasks")
	defer span.End()

	if !confirm {
		return spanErr(span, task.E(task.CodeInvalidInput, "clearAllTasks",
			"confirmation required to clear all tasks"))
	}
	if err := e.Initialize(ctx); err != nil {
		return spanErr(span, err)
	}

	all, err := e.store.GetTasksByPattern(ctx, "*", 0, 0)
	if err != nil {
		return spanErr(span, task.Wrap(task.CodeStorageError, "clearAllTasks", err))
	}
	count := len(all)

	rec := newRecorder()
	err = e.inTx(ctx, "clearAllTasks", rec, func(txCtx context.Context) error {
		if err := e.store.ClearAllTasks(txCtx); err != nil {
			return task.Wrap(task.CodeStorageError, "clearAllTasks", err)
		}
		return nil
	})
	if err != nil {
		return spanErr(span, err)
	}
	e.cache.Clear()

	e.maintenance(ctx, "clearAllTasks")
	e.logger.Info("cleared all tasks", slog.Int("count", count))
	return nil
}

// VacuumDatabase runs storage maintenance: value-log GC, optionally a
// compaction pass, and a durability checkpoint.
func (e *Engine) VacuumDatabase(ctx context.Context, analyze bool) error {
	ctx, span := startSpan(ctx, "engine.VacuumDatabase", attribute.Bool("analyze", analyze))
	defer span.End()

	if err := e.Initialize(ctx); err != nil {
		return spanErr(span, err)
	}
	if err := e.store.Vacuum(ctx); err != nil {
		return spanErr(span, task.Wrap(task.CodeStorageError, "vacuumDatabase", err))
	}
	if analyze {
		if err := e.store.Analyze(ctx); err != nil {
			return spanErr(span, task.Wrap(task.CodeStorageError, "vacuumDatabase", err))
		}
	}
	if err := e.store.Checkpoint(ctx); err != nil {
		return spanErr(span, task.Wrap(task.CodeStorageError, "vacuumDatabase", err))
	}
	e.logger.Info("database maintenance complete", slog.Bool("analyze", analyze))
	return nil
}

// RepairRelationships re-establishes parent/subtask inverses across the
// store. After a live repair the in-memory indices are rebuilt from the
// repaired store. The pattern is informational; repair always scans the
// full store.
func (e *Engine) RepairRelationships(ctx context.Context, dryRun bool, pattern string) (*storage.RepairResult, error) {
	ctx, span := startSpan(ctx, "engine.RepairRelationships",
		attribute.Bool("dry_run", dryRun), attribute.String("pattern", pattern))
	defer span.End()

	if err := e.Initialize(ctx); err != nil {
		return nil, spanErr(span, err)
	}
	res, err := e.store.RepairRelationships(ctx, dryRun)
	if err != nil {
		return nil, spanErr(span, task.Wrap(task.CodeStorageError, "repairRelationships", err))
	}
	if !dryRun {
		e.cache.Clear()
		tasks, err := e.store.GetTasksByPattern(ctx, "*", 0, 0)
		if err != nil {
			return nil, spanErr(span, task.Wrap(task.CodeStorageError, "repairRelationships", err))
		}
		for _, t := range tasks {
			e.cache.IndexTask(ctx, t)
		}
	}
	e.logger.Info("relationship repair finished",
		slog.Bool("dry_run", dryRun),
		slog.String("pattern", pattern),
		slog.Int("fixed", res.Fixed),
		slog.Int("issues", len(res.Issues)),
	)
	return res, nil
}

// maintenance runs the advisory storage passes, logging failures instead
// of propagating them.
func (e *Engine) maintenance(ctx context.Context, op string) {
	if err := e.store.Vacuum(ctx); err != nil {
		e.logger.Warn("vacuum failed", slog.String("op", op), slog.String("error", err.Error()))
	}
	if err := e.store.Analyze(ctx); err != nil {
		e.logger.Warn("analyze failed", slog.String("op", op), slog.String("error", err.Error()))
	}
	if err := e.store.Checkpoint(ctx); err != nil {
		e.logger.Warn("checkpoint failed", slog.String("op", op), slog.String("error", err.Error()))
	}
}
