// Copyright (C) 2025 Atlasforge Labs (oss@atlasforge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package status implements the task status state machine: the legal
// transition table for leaf tasks, the pure derivation function for
// container statuses, and dependency gating.
package status

import (
	"fmt"

	"github.com/atlasforge/taskengine/task"
)

// transitions is the allowed-target set per source status.
//
// COMPLETED is terminal. FAILED permits retry back to PENDING. BLOCKED is
// left through PENDING or IN_PROGRESS once dependencies allow it.
var transitions = map[task.Status][]task.Status{
	task.StatusPending:    {task.StatusInProgress, task.StatusBlocked},
	task.StatusInProgress: {task.StatusCompleted, task.StatusFailed, task.StatusBlocked},
	task.StatusBlocked:    {task.StatusPending, task.StatusInProgress},
	task.StatusCompleted:  {},
	task.StatusFailed:     {task.StatusPending},
}

// CanTransition reports whether from -> to is in the transition table.
// A no-op transition (from == to) is always allowed.
func CanTransition(from, to task.Status) bool {
	if from == to {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateTransition fails with INVALID_TRANSITION if from -> to is not in
// the transition table.
func ValidateTransition(path string, from, to task.Status) error {
	const op = "ValidateTransition"

	if !to.Valid() {
		return task.E(task.CodeValidationError, op,
			fmt.Sprintf("invalid status %q", to), path)
	}
	if !CanTransition(from, to) {
		return task.E(task.CodeInvalidTransition, op,
			fmt.Sprintf("cannot transition from %s to %s", from, to), path)
	}
	return nil
}

// DeriveContainer computes a container's status as a pure function of its
// children's statuses. Recomputation is idempotent.
//
// Rules, in priority order: all children COMPLETED -> COMPLETED; any child
// FAILED -> FAILED; any child IN_PROGRESS -> IN_PROGRESS; all children
// BLOCKED -> BLOCKED; otherwise PENDING. A childless container is PENDING.
func DeriveContainer(children []task.Status) task.Status {
	if len(children) == 0 {
		return task.StatusPending
	}

	allCompleted := true
	allBlocked := true
	anyFailed := false
	anyInProgress := false

	for _, s := range children {
		if s != task.StatusCompleted {
			allCompleted = false
		}
		if s != task.StatusBlocked {
			allBlocked = false
		}
		switch s {
		case task.StatusFailed:
			anyFailed = true
		case task.StatusInProgress:
			anyInProgress = true
		}
	}

	switch {
	case allCompleted:
		return task.StatusCompleted
	case anyFailed:
		return task.StatusFailed
	case anyInProgress:
		return task.StatusInProgress
	case allBlocked:
		return task.StatusBlocked
	default:
		return task.StatusPending
	}
}

// Gate applies dependency gating to a task's status.
//
// With an incomplete dependency the task is forced to BLOCKED, overriding
// any other status. Once every dependency is COMPLETED, a BLOCKED task
// reverts to PENDING — never automatically to IN_PROGRESS or COMPLETED.
func Gate(current task.Status, depsComplete bool) task.Status {
	if !depsComplete {
		return task.StatusBlocked
	}
	if current == task.StatusBlocked {
		return task.StatusPending
	}
	return current
}

// GateRequested validates a requested transition under dependency gating.
//
// A request to COMPLETED with incomplete dependencies is illegal: the task
// is dependency-gated and must stay BLOCKED, so the request fails with
// INVALID_TRANSITION rather than being silently rewritten.
func GateRequested(path string, current, requested task.Status, depsComplete bool) (task.Status, error) {
	const op = "GateRequested"

	if err := ValidateTransition(path, current, requested); err != nil {
		return "", err
	}
	if !depsComplete {
		if requested == task.StatusCompleted {
			return "", task.E(task.CodeInvalidTransition, op,
				"cannot complete a task with incomplete dependencies", path)
		}
		// Any attempt to leave BLOCKED while gated is overridden.
		return task.StatusBlocked, nil
	}
	return requested, nil
}
