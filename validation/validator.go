// Copyright (C) 2025 Atlasforge Labs (oss@atlasforge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"context"
	"fmt"

	"github.com/atlasforge/taskengine/task"
)

// Mode selects when referential checks are resolved.
type Mode string

const (
	// ModeImmediate resolves parent and dependency paths against the
	// store now. Missing references fail with NOT_FOUND.
	ModeImmediate Mode = "IMMEDIATE"

	// ModeDeferred skips existence checks; referenced tasks may be
	// created later in the same batch. Syntactic constraints still apply.
	ModeDeferred Mode = "DEFERRED"
)

// Modes carries the per-concern validation modes for one call.
type Modes struct {
	Dependency Mode
	Hierarchy  Mode
}

// ImmediateModes is the default for single-task operations.
func ImmediateModes() Modes {
	return Modes{Dependency: ModeImmediate, Hierarchy: ModeImmediate}
}

// DeferredModes is used inside bulk creates with forward references.
func DeferredModes() Modes {
	return Modes{Dependency: ModeDeferred, Hierarchy: ModeDeferred}
}

// TaskReader is the narrow store surface the validator needs.
type TaskReader interface {
	GetTask(ctx context.Context, path string) (*task.Task, error)
}

// Validator enforces containment and dependency invariants against a store.
//
// Thread Safety: safe for concurrent use; the validator holds no mutable
// state beyond the injected reader.
type Validator struct {
	store TaskReader
	paths *PathValidator
}

// NewValidator creates a validator backed by the given reader.
func NewValidator(store TaskReader) *Validator {
	return &Validator{
		store: store,
		paths: NewPathValidator(),
	}
}

// Paths exposes the path validator for callers that only need syntax checks.
func (v *Validator) Paths() *PathValidator {
	return v.paths
}

// ValidateTask checks a task against structural and referential rules.
//
// Syntactic constraints (path format, depth, field bounds) always apply.
// Referential constraints (parent exists and may contain this type, every
// dependency exists) apply only in IMMEDIATE mode for the respective
// concern.
func (v *Validator) ValidateTask(ctx context.Context, t *task.Task, modes Modes) error {
	const op = "ValidateTask"

	if t == nil {
		return task.E(task.CodeValidationError, op, "task is nil")
	}
	if err := v.paths.ValidatePath(t.Path); err != nil {
		return err
	}
	if !t.Type.Valid() {
		return task.E(task.CodeValidationError, op,
			fmt.Sprintf("invalid task type %q", t.Type), t.Path)
	}
	if t.Status != "" && !t.Status.Valid() {
		return task.E(task.CodeValidationError, op,
			fmt.Sprintf("invalid status %q", t.Status), t.Path)
	}
	if len(t.Dependencies) > task.MaxDependencies {
		return task.E(task.CodeValidationError, op,
			fmt.Sprintf("dependency count %d exceeds maximum %d", len(t.Dependencies), task.MaxDependencies), t.Path)
	}
	if len(t.Subtasks) > task.MaxSubtasks {
		return task.E(task.CodeValidationError, op,
			fmt.Sprintf("subtask count %d exceeds maximum %d", len(t.Subtasks), task.MaxSubtasks), t.Path)
	}

	if t.ParentPath != "" {
		if err := v.paths.ValidatePath(t.ParentPath); err != nil {
			return err
		}
		if t.ParentPath == t.Path {
			return task.E(task.CodeHierarchyViolation, op, "task cannot be its own parent", t.Path)
		}
		if modes.Hierarchy == ModeImmediate {
			if err := v.checkParent(ctx, t); err != nil {
				return err
			}
		}
	}

	for _, dep := range t.Dependencies {
		if err := v.paths.ValidatePath(dep); err != nil {
			return err
		}
		if dep == t.Path {
			return task.E(task.CodeCycleDetected, op, "task cannot depend on itself", t.Path)
		}
	}
	if modes.Dependency == ModeImmediate {
		if err := v.checkDependencies(ctx, t); err != nil {
			return err
		}
	}

	return nil
}

// checkParent resolves the parent and applies the containment rules:
// TASK has no children, GROUP contains only TASK, MILESTONE contains
// TASK and GROUP.
func (v *Validator) checkParent(ctx context.Context, t *task.Task) error {
	const op = "ValidateTask"

	parent, err := v.store.GetTask(ctx, t.ParentPath)
	if err != nil {
		return task.Wrap(task.CodeStorageError, op, err)
	}
	if parent == nil {
		return task.E(task.CodeNotFound, op,
			fmt.Sprintf("parent not found: %s", t.ParentPath), t.ParentPath)
	}
	return CheckContainment(parent.Type, t.Type, parent.Path, t.Path)
}

// CheckContainment applies invariant 2 to a parent/child type pair.
func CheckContainment(parent, child task.Type, parentPath, childPath string) error {
	const op = "CheckContainment"

	switch parent {
	case task.TypeTask:
		return task.E(task.CodeHierarchyViolation, op,
			"TASK nodes cannot contain subtasks", parentPath, childPath)
	case task.TypeGroup:
		if child != task.TypeTask {
			return task.E(task.CodeHierarchyViolation, op,
				fmt.Sprintf("GROUP may only contain TASK children, not %s", child), parentPath, childPath)
		}
	case task.TypeMilestone:
		if child == task.TypeMilestone {
			return task.E(task.CodeHierarchyViolation, op,
				"MILESTONE cannot contain another MILESTONE", parentPath, childPath)
		}
	default:
		return task.E(task.CodeValidationError, op,
			fmt.Sprintf("unknown parent type %q", parent), parentPath)
	}
	return nil
}

// checkDependencies resolves every dependency against the store.
func (v *Validator) checkDependencies(ctx context.Context, t *task.Task) error {
	const op = "ValidateTask"

	for _, dep := range t.Dependencies {
		found, err := v.store.GetTask(ctx, dep)
		if err != nil {
			return task.Wrap(task.CodeStorageError, op, err)
		}
		if found == nil {
			return task.E(task.CodeNotFound, op,
				fmt.Sprintf("dependency not found: %s", dep), dep)
		}
	}
	return nil
}

// ValidateBulkOperations is the structural pre-check run before any
// mutation of a bulk call is attempted.
func (v *Validator) ValidateBulkOperations(ops []task.Operation) error {
	const op = "ValidateBulkOperations"

	if len(ops) == 0 {
		return task.E(task.CodeInvalidInput, op, "operations list is empty")
	}

	for i, o := range ops {
		switch o.Type {
		case task.OpCreate:
			if o.Create == nil {
				return task.E(task.CodeInvalidInput, op,
					fmt.Sprintf("operation %d: create requires data", i))
			}
			if o.Create.Name == "" {
				return task.E(task.CodeValidationError, op,
					fmt.Sprintf("operation %d: task name is required", i), o.Create.Path)
			}
			if err := v.paths.ValidatePath(o.Create.Path); err != nil {
				return err
			}
		case task.OpUpdate:
			if o.Update == nil {
				return task.E(task.CodeInvalidInput, op,
					fmt.Sprintf("operation %d: update requires data", i), o.Path)
			}
			if err := v.paths.ValidatePath(o.Path); err != nil {
				return err
			}
		case task.OpDelete:
			if err := v.paths.ValidatePath(o.Path); err != nil {
				return err
			}
		default:
			return task.E(task.CodeInvalidInput, op,
				fmt.Sprintf("operation %d: invalid operation type %q", i, o.Type))
		}
	}

	return nil
}
