// Copyright (C) 2025 Atlasforge Labs (oss@atlasforge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package batch implements the low-level batch processors: item-isolated
// primitives that order a set of mutations by their dependency edges and
// apply each through a caller-supplied single-item path.
//
// Atomicity granularity is deliberately different from the engine's bulk
// wrapper. A processor accumulates per-item successes and failures; the
// engine's BulkTaskOperations wraps everything in one store transaction
// and treats any failure as whole-batch failure. Callers depend on both
// behaviors, so they are kept distinct.
package batch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/atlasforge/taskengine/task"
	"github.com/atlasforge/taskengine/validation"
)

// DependencyUpdate replaces a task's dependency set.
type DependencyUpdate struct {
	Path         string
	Dependencies []string
}

// Result carries per-item outcomes. Results and Errors are disjoint:
// every input item lands in exactly one of them.
type Result struct {
	Results []*task.Task
	Errors  []task.ItemError
}

// ApplyDependencyFunc is the single-item path the processor applies each
// ordered item through. It must own its own transaction boundary.
type ApplyDependencyFunc func(ctx context.Context, update DependencyUpdate) (*task.Task, error)

// Processor is the dependency-aware batch processor.
//
// Thread Safety: safe for concurrent use; Execute holds no processor state.
type Processor struct {
	logger *slog.Logger
}

// NewProcessor creates a processor. A nil logger falls back to slog.Default.
func NewProcessor(logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{logger: logger.With("component", "batch.Processor")}
}

// Execute orders the updates by the dependency edges implied by their
// payloads and applies each through apply.
//
// Item isolation: one item's failure does not halt independent items.
// Items whose in-batch dependency failed are not applied; they are
// recorded as errors instead of being applied against a half-updated
// graph. A cycle in the payload edges fails the whole batch up front with
// CYCLE_DETECTED — no order exists to apply even one item.
func (p *Processor) Execute(ctx context.Context, updates []DependencyUpdate, apply ApplyDependencyFunc) (*Result, error) {
	const op = "batch.Execute"

	refs := make([]validation.Ref, len(updates))
	byPath := make(map[string]DependencyUpdate, len(updates))
	for i, u := range updates {
		refs[i] = validation.Ref{Path: u.Path, Dependencies: u.Dependencies}
		byPath[u.Path] = u
	}

	order, err := validation.SortByDependencies(refs)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	failed := make(map[string]bool)

	for _, path := range order {
		if err := ctx.Err(); err != nil {
			return nil, task.Wrap(task.CodeOperationFailed, op, err)
		}

		update := byPath[path]

		if blocked := firstFailedDep(update.Dependencies, failed); blocked != "" {
			failed[path] = true
			result.Errors = append(result.Errors, task.ItemError{
				ID:  path,
				Err: task.E(task.CodeOperationFailed, op, fmt.Sprintf("in-batch dependency %s failed", blocked), path),
			})
			continue
		}

		updated, err := apply(ctx, update)
		if err != nil {
			failed[path] = true
			result.Errors = append(result.Errors, task.ItemError{ID: path, Err: err})
			p.logger.Warn("batch item failed",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.Results = append(result.Results, updated)
	}

	p.logger.Debug("batch executed",
		slog.Int("items", len(updates)),
		slog.Int("succeeded", len(result.Results)),
		slog.Int("failed", len(result.Errors)),
	)

	return result, nil
}

func firstFailedDep(deps []string, failed map[string]bool) string {
	for _, d := range deps {
		if failed[d] {
			return d
		}
	}
	return ""
}
