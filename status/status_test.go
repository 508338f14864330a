// Copyright (C) 2025 Atlasforge Labs (oss@atlasforge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package status

import (
	"testing"

	"github.com/atlasforge/taskengine/task"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to task.Status }{
		{task.StatusPending, task.StatusInProgress},
		{task.StatusPending, task.StatusBlocked},
		{task.StatusInProgress, task.StatusCompleted},
		{task.StatusInProgress, task.StatusFailed},
		{task.StatusInProgress, task.StatusBlocked},
		{task.StatusBlocked, task.StatusPending},
		{task.StatusBlocked, task.StatusInProgress},
		{task.StatusFailed, task.StatusPending},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}

	forbidden := []struct{ from, to task.Status }{
		{task.StatusPending, task.StatusCompleted},
		{task.StatusPending, task.StatusFailed},
		{task.StatusCompleted, task.StatusPending},
		{task.StatusCompleted, task.StatusInProgress},
		{task.StatusFailed, task.StatusCompleted},
		{task.StatusBlocked, task.StatusCompleted},
	}
	for _, tc := range forbidden {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be forbidden", tc.from, tc.to)
		}
	}

	// No-ops are always legal, even on terminal states.
	if !CanTransition(task.StatusCompleted, task.StatusCompleted) {
		t.Error("no-op transition should be allowed")
	}
}

func TestValidateTransition(t *testing.T) {
	if err := ValidateTransition("p/a", task.StatusPending, task.StatusInProgress); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := ValidateTransition("p/a", task.StatusPending, task.StatusCompleted)
	if task.CodeOf(err) != task.CodeInvalidTransition {
		t.Errorf("want INVALID_TRANSITION, got %v", err)
	}
	err = ValidateTransition("p/a", task.StatusPending, "DONE")
	if task.CodeOf(err) != task.CodeValidationError {
		t.Errorf("want VALIDATION_ERROR for unknown status, got %v", err)
	}
}

func TestDeriveContainer(t *testing.T) {
	P, I, C, F, B := task.StatusPending, task.StatusInProgress, task.StatusCompleted, task.StatusFailed, task.StatusBlocked

	cases := []struct {
		name     string
		children []task.Status
		want     task.Status
	}{
		{"empty is pending", nil, P},
		{"all completed", []task.Status{C, C, C}, C},
		{"any failed wins over progress", []task.Status{C, F, I}, F},
		{"any in progress", []task.Status{P, I, C}, I},
		{"all blocked", []task.Status{B, B}, B},
		{"mixed pending and blocked", []task.Status{P, B}, P},
		{"pending and completed", []task.Status{P, C}, P},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveContainer(tc.children); got != tc.want {
				t.Errorf("DeriveContainer = %s, want %s", got, tc.want)
			}
		})
	}

	// Recomputation is idempotent: deriving from an unchanged child set
	// yields the same status.
	children := []task.Status{C, I}
	first := DeriveContainer(children)
	if second := DeriveContainer(children); second != first {
		t.Errorf("derivation not idempotent: %s vs %s", first, second)
	}
}

func TestGate(t *testing.T) {
	if got := Gate(task.StatusPending, false); got != task.StatusBlocked {
		t.Errorf("incomplete deps should force BLOCKED, got %s", got)
	}
	if got := Gate(task.StatusBlocked, true); got != task.StatusPending {
		t.Errorf("satisfied deps should unblock to PENDING, got %s", got)
	}
	if got := Gate(task.StatusInProgress, true); got != task.StatusInProgress {
		t.Errorf("satisfied deps should not disturb IN_PROGRESS, got %s", got)
	}
}

func TestGateRequested(t *testing.T) {
	t.Run("complete request while gated fails", func(t *testing.T) {
		_, err := GateRequested("p/a", task.StatusInProgress, task.StatusCompleted, false)
		if task.CodeOf(err) != task.CodeInvalidTransition {
			t.Errorf("want INVALID_TRANSITION, got %v", err)
		}
	})

	t.Run("other request while gated is overridden", func(t *testing.T) {
		got, err := GateRequested("p/a", task.StatusPending, task.StatusInProgress, false)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != task.StatusBlocked {
			t.Errorf("want BLOCKED, got %s", got)
		}
	})

	t.Run("ungated request passes through", func(t *testing.T) {
		got, err := GateRequested("p/a", task.StatusInProgress, task.StatusCompleted, true)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != task.StatusCompleted {
			t.Errorf("want COMPLETED, got %s", got)
		}
	})

	t.Run("illegal transition rejected before gating", func(t *testing.T) {
		_, err := GateRequested("p/a", task.StatusPending, task.StatusFailed, true)
		if task.CodeOf(err) != task.CodeInvalidTransition {
			t.Errorf("want INVALID_TRANSITION, got %v", err)
		}
	})
}
