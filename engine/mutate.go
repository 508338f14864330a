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
	"maps"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/atlasforge/taskengine/batch"
	"github.com/atlasforge/taskengine/status"
	"github.com/atlasforge/taskengine/task"
	"github.com/atlasforge/taskengine/validation"
)

// CreateTask validates, persists, and indexes a new task. The parent, if
// named, must already exist; the new task is linked into its subtasks and
// ancestor container statuses are re-derived in the same transaction.
//
// By default references are resolved immediately. A caller staging tasks
// whose references materialize later (the bulk path does this internally)
// may pass deferred modes; parent linking is then skipped and becomes the
// caller's responsibility.
func (e *Engine) CreateTask(ctx context.Context, in *task.CreateInput, modes ...validation.Modes) (*task.Task, error) {
	ctx, span := startSpan(ctx, "engine.CreateTask", attribute.String("task.path", pathOf(in)))
	defer span.End()

	if err := e.Initialize(ctx); err != nil {
		return nil, spanErr(span, err)
	}
	if err := task.ValidateCreateInput(in); err != nil {
		return nil, spanErr(span, err)
	}
	mode := validation.ImmediateModes()
	if len(modes) > 0 {
		mode = modes[0]
	}

	rec := newRecorder()
	var created *task.Task
	err := e.inTx(ctx, "createTask", rec, func(txCtx context.Context) error {
		var txErr error
		created, txErr = e.createTx(txCtx, in, mode, rec)
		return txErr
	})
	if err != nil {
		return nil, spanErr(span, err)
	}
	return created, nil
}

func pathOf(in *task.CreateInput) string {
	if in == nil {
		return ""
	}
	return in.Path
}

// createTx stages a new task inside the active transaction. With deferred
// modes, parent linking and referential checks are the bulk loop's
// responsibility.
func (e *Engine) createTx(ctx context.Context, in *task.CreateInput, modes validation.Modes, rec *recorder) (*task.Task, error) {
	existing, err := e.store.GetTask(ctx, in.Path)
	if err != nil {
		return nil, task.Wrap(task.CodeStorageError, "createTask", err)
	}
	if existing != nil {
		return nil, task.E(task.CodeValidationError, "createTask",
			fmt.Sprintf("task already exists at %s", in.Path), in.Path)
	}

	typ := in.Type
	if typ == "" {
		typ = task.TypeTask
	}
	now := time.Now()
	t := &task.Task{
		Path:         in.Path,
		ProjectPath:  task.ProjectOf(in.Path),
		Name:         in.Name,
		Description:  in.Description,
		Type:         typ,
		Status:       task.StatusPending,
		Notes:        slices.Clone(in.Notes),
		Reasoning:    in.Reasoning,
		Dependencies: slices.Clone(in.Dependencies),
		ParentPath:   in.ParentPath,
		Subtasks:     []string{},
		Metadata:     maps.Clone(in.Metadata),
		Version:      1,
		Created:      now.UnixMilli(),
		Updated:      now.UnixMilli(),
	}
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}

	if err := e.validator.ValidateTask(ctx, t, modes); err != nil {
		return nil, err
	}

	// New tasks start PENDING; incomplete dependencies force BLOCKED.
	if len(t.Dependencies) > 0 {
		complete, err := e.depsComplete(ctx, t.Dependencies)
		if err != nil {
			return nil, err
		}
		t.Status = status.Gate(t.Status, complete)
	}

	if err := e.store.PutTask(ctx, t); err != nil {
		return nil, task.Wrap(task.CodeStorageError, "createTask", err)
	}
	rec.touch(t.Path)

	if t.ParentPath != "" && modes.Hierarchy == validation.ModeImmediate {
		if err := e.linkParent(ctx, t, rec); err != nil {
			return nil, err
		}
	}
	rec.event(Event{Type: EventTaskCreated, Path: t.Path, Task: t.Clone()})
	return t, nil
}

// linkParent adds t to its parent's subtasks and re-derives ancestor
// container statuses.
func (e *Engine) linkParent(ctx context.Context, t *task.Task, rec *recorder) error {
	parent, err := e.store.GetTask(ctx, t.ParentPath)
	if err != nil {
		return task.Wrap(task.CodeStorageError, "linkParent", err)
	}
	if parent == nil {
		return task.E(task.CodeHierarchyViolation, "linkParent",
			fmt.Sprintf("parent %s does not exist", t.ParentPath), t.Path, t.ParentPath)
	}
	if err := validation.CheckContainment(parent.Type, t.Type, parent.Path, t.Path); err != nil {
		return err
	}
	if slices.Contains(parent.Subtasks, t.Path) {
		return nil
	}
	if len(parent.Subtasks) >= task.MaxSubtasks {
		return task.E(task.CodeHierarchyViolation, "linkParent",
			fmt.Sprintf("parent %s already has %d subtasks", parent.Path, task.MaxSubtasks), parent.Path)
	}
	parent.Subtasks = append(parent.Subtasks, t.Path)
	parent.Touch(time.Now())
	if err := e.store.PutTask(ctx, parent); err != nil {
		return task.Wrap(task.CodeStorageError, "linkParent", err)
	}
	rec.touch(parent.Path)
	return e.propagateAncestors(ctx, parent.Path, rec)
}

// UpdateTask applies a partial update to the task at path. Status changes
// go through the transition table and dependency gate; dependency changes
// are checked for existence and cycles against the stored graph. Ancestor
// container statuses and dependent tasks are reconciled in the same
// transaction.
func (e *Engine) UpdateTask(ctx context.Context, path string, in *task.UpdateInput) (*task.Task, error) {
	ctx, span := startSpan(ctx, "engine.UpdateTask", attribute.String("task.path", path))
	defer span.End()

	if err := e.Initialize(ctx); err != nil {
		return nil, spanErr(span, err)
	}
	if err := task.ValidateUpdateInput(in); err != nil {
		return nil, spanErr(span, err)
	}

	rec := newRecorder()
	var updated *task.Task
	err := e.inTx(ctx, "updateTask", rec, func(txCtx context.Context) error {
		var txErr error
		updated, _, txErr = e.updateTx(txCtx, path, in, rec)
		return txErr
	})
	if err != nil {
		return nil, spanErr(span, err)
	}
	return updated, nil
}

// updateTx stages a partial update inside the active transaction and
// returns the new and old snapshots.
func (e *Engine) updateTx(ctx context.Context, path string, in *task.UpdateInput, rec *recorder) (*task.Task, *task.Task, error) {
	cur, err := e.store.GetTask(ctx, path)
	if err != nil {
		return nil, nil, task.Wrap(task.CodeStorageError, "updateTask", err)
	}
	if cur == nil {
		return nil, nil, task.E(task.CodeNotFound, "updateTask", "task not found", path)
	}
	old := cur.Clone()

	if in.Name != nil {
		cur.Name = *in.Name
	}
	if in.Description != nil {
		cur.Description = *in.Description
	}
	if in.Notes != nil {
		cur.Notes = slices.Clone(in.Notes)
	}
	if in.Reasoning != nil {
		cur.Reasoning = *in.Reasoning
	}
	if in.Metadata != nil {
		cur.Metadata = maps.Clone(in.Metadata)
	}

	if in.Dependencies != nil {
		if err := e.checkDependencyRefs(ctx, path, in.Dependencies); err != nil {
			return nil, nil, err
		}
		cur.Dependencies = slices.Clone(in.Dependencies)
	}

	if in.Status != nil {
		if cur.Type.IsContainer() {
			return nil, nil, task.E(task.CodeInvalidTransition, "updateTask",
				fmt.Sprintf("status of %s is derived from its children", path), path)
		}
		complete, err := e.depsComplete(ctx, cur.Dependencies)
		if err != nil {
			return nil, nil, err
		}
		next, err := status.GateRequested(path, old.Status, *in.Status, complete)
		if err != nil {
			return nil, nil, err
		}
		cur.Status = next
	} else if in.Dependencies != nil && !cur.Type.IsContainer() {
		// A dependency change alone can re-block or unblock the task.
		complete, err := e.depsComplete(ctx, cur.Dependencies)
		if err != nil {
			return nil, nil, err
		}
		cur.Status = status.Gate(cur.Status, complete)
	}

	cur.Touch(time.Now())
	if err := e.store.PutTask(ctx, cur); err != nil {
		return nil, nil, task.Wrap(task.CodeStorageError, "updateTask", err)
	}
	rec.touch(cur.Path)

	if cur.Status != old.Status {
		if cur.ParentPath != "" {
			if err := e.propagateAncestors(ctx, cur.ParentPath, rec); err != nil {
				return nil, nil, err
			}
		}
		if old.Status == task.StatusCompleted || cur.Status == task.StatusCompleted {
			if err := e.regateDependents(ctx, cur.Path, rec); err != nil {
				return nil, nil, err
			}
		}
	}

	rec.event(Event{Type: EventTaskUpdated, Path: cur.Path, Task: cur.Clone(), OldTask: old})
	return cur, old, nil
}

// DeleteTask removes the task at path and its whole subtree, detaches it
// from the parent's subtasks, strips it from other tasks' dependencies,
// and re-gates those dependents.
func (e *Engine) DeleteTask(ctx context.Context, path string) error {
	ctx, span := startSpan(ctx, "engine.DeleteTask", attribute.String("task.path", path))
	defer span.End()

	if err := e.Initialize(ctx); err != nil {
		return spanErr(span, err)
	}
	rec := newRecorder()
	err := e.inTx(ctx, "deleteTask", rec, func(txCtx context.Context) error {
		return e.deleteTx(txCtx, path, rec)
	})
	return spanErr(span, err)
}

// deleteTx stages the subtree removal inside the active transaction.
func (e *Engine) deleteTx(ctx context.Context, path string, rec *recorder) error {
	root, err := e.store.GetTask(ctx, path)
	if err != nil {
		return task.Wrap(task.CodeStorageError, "deleteTask", err)
	}
	if root == nil {
		return task.E(task.CodeNotFound, "deleteTask", "task not found", path)
	}

	subtree, err := e.collectSubtree(ctx, root)
	if err != nil {
		return err
	}
	removed := make(map[string]bool, len(subtree))
	for _, t := range subtree {
		removed[t.Path] = true
	}
	for _, t := range subtree {
		if err := e.store.DeleteTask(ctx, t.Path); err != nil {
			return task.Wrap(task.CodeStorageError, "deleteTask", err)
		}
		rec.remove(t)
	}

	if root.ParentPath != "" {
		parent, err := e.store.GetTask(ctx, root.ParentPath)
		if err != nil {
			return task.Wrap(task.CodeStorageError, "deleteTask", err)
		}
		if parent != nil {
			parent.Subtasks = slices.DeleteFunc(slices.Clone(parent.Subtasks), func(p string) bool {
				return p == root.Path
			})
			parent.Touch(time.Now())
			if err := e.store.PutTask(ctx, parent); err != nil {
				return task.Wrap(task.CodeStorageError, "deleteTask", err)
			}
			rec.touch(parent.Path)
			if err := e.propagateAncestors(ctx, parent.Path, rec); err != nil {
				return err
			}
		}
	}

	// Dependents of anything in the subtree lose those dependencies and
	// get re-gated against what remains.
	all, err := e.store.GetTasksByPattern(ctx, "*", 0, 0)
	if err != nil {
		return task.Wrap(task.CodeStorageError, "deleteTask", err)
	}
	for _, t := range all {
		if removed[t.Path] {
			continue
		}
		trimmed := slices.DeleteFunc(slices.Clone(t.Dependencies), func(d string) bool {
			return removed[d]
		})
		if len(trimmed) == len(t.Dependencies) {
			continue
		}
		t.Dependencies = trimmed
		if !t.Type.IsContainer() {
			complete, err := e.depsComplete(ctx, t.Dependencies)
			if err != nil {
				return err
			}
			prev := t.Status
			t.Status = status.Gate(t.Status, complete)
			if t.Status != prev && t.ParentPath != "" {
				if err := e.propagateAncestors(ctx, t.ParentPath, rec); err != nil {
					return err
				}
			}
		}
		t.Touch(time.Now())
		if err := e.store.PutTask(ctx, t); err != nil {
			return task.Wrap(task.CodeStorageError, "deleteTask", err)
		}
		rec.touch(t.Path)
	}

	rec.event(Event{Type: EventTaskDeleted, Path: root.Path, Task: root.Clone()})
	return nil
}

// collectSubtree returns root and every descendant, parents before
// children.
func (e *Engine) collectSubtree(ctx context.Context, root *task.Task) ([]*task.Task, error) {
	out := []*task.Task{root}
	queue := slices.Clone(root.Subtasks)
	seen := map[string]bool{root.Path: true}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		if seen[p] {
			continue
		}
		seen[p] = true
		t, err := e.store.GetTask(ctx, p)
		if err != nil {
			return nil, task.Wrap(task.CodeStorageError, "deleteTask", err)
		}
		if t == nil {
			continue
		}
		out = append(out, t)
		queue = append(queue, t.Subtasks...)
	}
	return out, nil
}

// UpdateTaskStatuses applies status changes through the batch processor.
// Each item runs in its own transaction; a failed item never blocks the
// rest, but any per-item failure surfaces as an aggregate error after the
// whole batch has been attempted.
func (e *Engine) UpdateTaskStatuses(ctx context.Context, updates []batch.StatusUpdate) ([]*task.Task, error) {
	ctx, span := startSpan(ctx, "engine.UpdateTaskStatuses", attribute.Int("batch.size", len(updates)))
	defer span.End()

	if err := e.Initialize(ctx); err != nil {
		return nil, spanErr(span, err)
	}
	res, err := e.statuses.Execute(ctx, updates,
		func(ctx context.Context, path string) (*task.Task, error) {
			t, err := e.store.GetTask(ctx, path)
			if err != nil {
				return nil, task.Wrap(task.CodeStorageError, "updateTaskStatuses", err)
			}
			return t, nil
		},
		func(ctx context.Context, u batch.StatusUpdate) (*task.Task, error) {
			return e.applyItem(ctx, u.Path, &task.UpdateInput{Status: &u.Status})
		},
	)
	if err != nil {
		return nil, spanErr(span, err)
	}
	if len(res.Errors) > 0 {
		return res.Results, spanErr(span,
			task.Aggregate("updateTaskStatuses", "one or more status updates failed", res.Errors))
	}
	return res.Results, nil
}

// UpdateTaskDependencies replaces dependency lists through the batch
// processor. Items are applied in dependency order; items whose in-batch
// dependency failed are skipped and reported.
func (e *Engine) UpdateTaskDependencies(ctx context.Context, updates []batch.DependencyUpdate) ([]*task.Task, error) {
	ctx, span := startSpan(ctx, "engine.UpdateTaskDependencies", attribute.Int("batch.size", len(updates)))
	defer span.End()

	if err := e.Initialize(ctx); err != nil {
		return nil, spanErr(span, err)
	}
	res, err := e.deps.Execute(ctx, updates,
		func(ctx context.Context, u batch.DependencyUpdate) (*task.Task, error) {
			deps := u.Dependencies
			if deps == nil {
				deps = []string{}
			}
			return e.applyItem(ctx, u.Path, &task.UpdateInput{Dependencies: deps})
		},
	)
	if err != nil {
		return nil, spanErr(span, err)
	}
	if len(res.Errors) > 0 {
		return res.Results, spanErr(span,
			task.Aggregate("updateTaskDependencies", "one or more dependency updates failed", res.Errors))
	}
	return res.Results, nil
}

// applyItem runs a single batch item in its own transaction.
func (e *Engine) applyItem(ctx context.Context, path string, in *task.UpdateInput) (*task.Task, error) {
	rec := newRecorder()
	var updated *task.Task
	err := e.inTx(ctx, "batchItem", rec, func(txCtx context.Context) error {
		var txErr error
		updated, _, txErr = e.updateTx(txCtx, path, in, rec)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// propagateAncestors walks up from path re-deriving container statuses
// until one is unchanged or the root is reached.
func (e *Engine) propagateAncestors(ctx context.Context, path string, rec *recorder) error {
	for p := path; p != ""; {
		parent, err := e.store.GetTask(ctx, p)
		if err != nil {
			return task.Wrap(task.CodeStorageError, "propagateStatus", err)
		}
		if parent == nil || !parent.Type.IsContainer() {
			return nil
		}
		statuses := make([]task.Status, 0, len(parent.Subtasks))
		for _, sp := range parent.Subtasks {
			child, err := e.store.GetTask(ctx, sp)
			if err != nil {
				return task.Wrap(task.CodeStorageError, "propagateStatus", err)
			}
			if child != nil {
				statuses = append(statuses, child.Status)
			}
		}
		derived := status.DeriveContainer(statuses)
		if parent.Status == derived {
			return nil
		}
		parent.Status = derived
		parent.Touch(time.Now())
		if err := e.store.PutTask(ctx, parent); err != nil {
			return task.Wrap(task.CodeStorageError, "propagateStatus", err)
		}
		rec.touch(parent.Path)
		p = parent.ParentPath
	}
	return nil
}

// regateDependents re-evaluates the dependency gate of every task that
// depends on changed, cascading while completeness keeps changing.
func (e *Engine) regateDependents(ctx context.Context, changed string, rec *recorder) error {
	queue := []string{changed}
	visited := map[string]bool{}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true

		all, err := e.store.GetTasksByPattern(ctx, "*", 0, 0)
		if err != nil {
			return task.Wrap(task.CodeStorageError, "regateDependents", err)
		}
		for _, t := range all {
			if t.Type.IsContainer() || !t.HasDependency(cur) {
				continue
			}
			complete, err := e.depsComplete(ctx, t.Dependencies)
			if err != nil {
				return err
			}
			next := status.Gate(t.Status, complete)
			if next == t.Status {
				continue
			}
			wasComplete := t.Status == task.StatusCompleted
			t.Status = next
			t.Touch(time.Now())
			if err := e.store.PutTask(ctx, t); err != nil {
				return task.Wrap(task.CodeStorageError, "regateDependents", err)
			}
			rec.touch(t.Path)
			if t.ParentPath != "" {
				if err := e.propagateAncestors(ctx, t.ParentPath, rec); err != nil {
					return err
				}
			}
			if wasComplete {
				queue = append(queue, t.Path)
			}
		}
	}
	return nil
}

// depsComplete reports whether every dependency exists and is COMPLETED.
// Missing dependencies count as incomplete.
func (e *Engine) depsComplete(ctx context.Context, deps []string) (bool, error) {
	for _, d := range deps {
		t, err := e.store.GetTask(ctx, d)
		if err != nil {
			return false, task.Wrap(task.CodeStorageError, "depsComplete", err)
		}
		if t == nil || t.Status != task.StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// checkDependencyRefs validates a replacement dependency list for the
// task at path: count, self-reference, existence, and acyclicity against
// the stored graph.
func (e *Engine) checkDependencyRefs(ctx context.Context, path string, deps []string) error {
	if len(deps) > task.MaxDependencies {
		return task.E(task.CodeValidationError, "updateTask",
			fmt.Sprintf("task has %d dependencies, maximum is %d", len(deps), task.MaxDependencies), path)
	}
	var missing []string
	for _, d := range deps {
		if d == path {
			return task.E(task.CodeCycleDetected, "updateTask",
				fmt.Sprintf("task %s cannot depend on itself", path), path)
		}
		t, err := e.store.GetTask(ctx, d)
		if err != nil {
			return task.Wrap(task.CodeStorageError, "updateTask", err)
		}
		if t == nil {
			missing = append(missing, d)
		}
	}
	if len(missing) > 0 {
		return task.E(task.CodeValidationError, "updateTask",
			"dependencies do not exist", missing...)
	}
	return e.checkCycleFrom(ctx, path, deps)
}

// checkCycleFrom walks the stored dependency graph from deps; reaching
// start again means the new edges would close a cycle.
func (e *Engine) checkCycleFrom(ctx context.Context, start string, deps []string) error {
	visited := map[string]bool{}
	var stack []string
	var walk func(p string) error
	walk = func(p string) error {
		if p == start {
			members := append([]string{start}, stack...)
			return task.E(task.CodeCycleDetected, "updateTask",
				fmt.Sprintf("dependency cycle: %s -> %s", strings.Join(members, " -> "), start),
				members...)
		}
		if visited[p] {
			return nil
		}
		visited[p] = true
		t, err := e.store.GetTask(ctx, p)
		if err != nil {
			return task.Wrap(task.CodeStorageError, "updateTask", err)
		}
		if t == nil {
			return nil
		}
		stack = append(stack, p)
		for _, d := range t.Dependencies {
			if err := walk(d); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		return nil
	}
	for _, d := range deps {
		if err := walk(d); err != nil {
			return err
		}
	}
	return nil
}
