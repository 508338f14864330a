// Copyright (C) 2025 Atlasforge Labs (oss@atlasforge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package batch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/atlasforge/taskengine/status"
	"github.com/atlasforge/taskengine/task"
)

// StatusUpdate requests a status change for one task.
type StatusUpdate struct {
	Path   string
	Status task.Status
}

// LoadFunc resolves the current task for transition pre-checks.
type LoadFunc func(ctx context.Context, path string) (*task.Task, error)

// ApplyStatusFunc is the single-item status path. It owns its own
// transaction boundary and performs gating and propagation.
type ApplyStatusFunc func(ctx context.Context, update StatusUpdate) (*task.Task, error)

// StatusProcessor specializes the batch processor for pure status updates.
// Status payloads carry no dependency edges, so items apply in input
// order; the state-machine transition is checked before each commit.
type StatusProcessor struct {
	logger *slog.Logger
}

// NewStatusProcessor creates a status batch processor.
func NewStatusProcessor(logger *slog.Logger) *StatusProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusProcessor{logger: logger.With("component", "batch.StatusProcessor")}
}

// Execute applies each status update item-isolated, in input order.
//
// Per item: the task is loaded, the requested transition is validated
// against the state machine, and only then applied. Container tasks
// reject direct status requests — their status is derived.
func (p *StatusProcessor) Execute(ctx context.Context, updates []StatusUpdate, load LoadFunc, apply ApplyStatusFunc) (*Result, error) {
	const op = "batch.StatusExecute"

	result := &Result{}

	for _, update := range updates {
		if err := ctx.Err(); err != nil {
			return nil, task.Wrap(task.CodeOperationFailed, op, err)
		}

		current, err := load(ctx, update.Path)
		if err != nil {
			result.Errors = append(result.Errors, task.ItemError{ID: update.Path, Err: err})
			continue
		}
		if current == nil {
			result.Errors = append(result.Errors, task.ItemError{
				ID:  update.Path,
				Err: task.E(task.CodeNotFound, op, fmt.Sprintf("task not found: %s", update.Path), update.Path),
			})
			continue
		}
		if current.Type.IsContainer() {
			result.Errors = append(result.Errors, task.ItemError{
				ID: update.Path,
				Err: task.E(task.CodeInvalidTransition, op,
					fmt.Sprintf("%s status is derived from children and cannot be set directly", current.Type), update.Path),
			})
			continue
		}
		if err := status.ValidateTransition(update.Path, current.Status, update.Status); err != nil {
			result.Errors = append(result.Errors, task.ItemError{ID: update.Path, Err: err})
			continue
		}

		updated, err := apply(ctx, update)
		if err != nil {
			result.Errors = append(result.Errors, task.ItemError{ID: update.Path, Err: err})
			p.logger.Warn("status batch item failed",
				slog.String("path", update.Path),
				slog.String("requested", string(update.Status)),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.Results = append(result.Results, updated)
	}

	return result, nil
}
