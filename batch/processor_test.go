// Copyright (C) 2025 Atlasforge Labs (oss@atlasforge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package batch

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/atlasforge/taskengine/task"
)

func TestProcessorOrdersByDependency(t *testing.T) {
	var applied []string
	updates := []DependencyUpdate{
		{Path: "p/c", Dependencies: []string{"p/b"}},
		{Path: "p/b", Dependencies: []string{"p/a"}},
		{Path: "p/a"},
	}

	res, err := NewProcessor(nil).Execute(context.Background(), updates,
		func(_ context.Context, u DependencyUpdate) (*task.Task, error) {
			applied = append(applied, u.Path)
			return &task.Task{Path: u.Path}, nil
		})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	if !slices.Equal(applied, []string{"p/a", "p/b", "p/c"}) {
		t.Errorf("applied order = %v", applied)
	}
}

func TestProcessorSkipsDependentsOfFailedItems(t *testing.T) {
	boom := errors.New("boom")
	var applied []string
	updates := []DependencyUpdate{
		{Path: "p/a"},
		{Path: "p/b", Dependencies: []string{"p/a"}},
		{Path: "p/c", Dependencies: []string{"p/b"}},
		{Path: "p/free"},
	}

	res, err := NewProcessor(nil).Execute(context.Background(), updates,
		func(_ context.Context, u DependencyUpdate) (*task.Task, error) {
			if u.Path == "p/a" {
				return nil, boom
			}
			applied = append(applied, u.Path)
			return &task.Task{Path: u.Path}, nil
		})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	// p/a failed; p/b and p/c depend on it transitively and are skipped;
	// the independent item still applies.
	if !slices.Equal(applied, []string{"p/free"}) {
		t.Errorf("applied = %v", applied)
	}
	if len(res.Errors) != 3 {
		t.Fatalf("errors = %v", res.Errors)
	}
	if len(res.Results) != 1 {
		t.Errorf("results = %v", res.Results)
	}
}

func TestProcessorCycleFailsWholeBatch(t *testing.T) {
	called := false
	_, err := NewProcessor(nil).Execute(context.Background(),
		[]DependencyUpdate{
			{Path: "p/a", Dependencies: []string{"p/b"}},
			{Path: "p/b", Dependencies: []string{"p/a"}},
		},
		func(_ context.Context, u DependencyUpdate) (*task.Task, error) {
			called = true
			return &task.Task{Path: u.Path}, nil
		})
	if task.CodeOf(err) != task.CodeCycleDetected {
		t.Fatalf("want CYCLE_DETECTED, got %v", err)
	}
	if called {
		t.Error("no item should apply when the batch is cyclic")
	}
}

func TestProcessorContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewProcessor(nil).Execute(ctx,
		[]DependencyUpdate{{Path: "p/a"}},
		func(_ context.Context, u DependencyUpdate) (*task.Task, error) {
			return &task.Task{Path: u.Path}, nil
		})
	if task.CodeOf(err) != task.CodeOperationFailed {
		t.Errorf("want OPERATION_FAILED on cancellation, got %v", err)
	}
}

func statusLoad(tasks map[string]*task.Task) LoadFunc {
	return func(_ context.Context, path string) (*task.Task, error) {
		return tasks[path], nil
	}
}

func TestStatusProcessorItemIsolation(t *testing.T) {
	tasks := map[string]*task.Task{
		"p/a": {Path: "p/a", Type: task.TypeTask, Status: task.StatusPending},
		"p/b": {Path: "p/b", Type: task.TypeTask, Status: task.StatusPending},
	}
	updates := []StatusUpdate{
		{Path: "p/a", Status: task.StatusCompleted}, // illegal from PENDING
		{Path: "p/b", Status: task.StatusInProgress},
		{Path: "p/ghost", Status: task.StatusInProgress},
	}

	res, err := NewStatusProcessor(nil).Execute(context.Background(), updates,
		statusLoad(tasks),
		func(_ context.Context, u StatusUpdate) (*task.Task, error) {
			tk := tasks[u.Path]
			tk.Status = u.Status
			return tk, nil
		})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(res.Results) != 1 || res.Results[0].Path != "p/b" {
		t.Errorf("results = %v", res.Results)
	}
	if len(res.Errors) != 2 {
		t.Fatalf("errors = %v", res.Errors)
	}
	if task.CodeOf(res.Errors[0].Err) != task.CodeInvalidTransition {
		t.Errorf("first error = %v", res.Errors[0].Err)
	}
	if task.CodeOf(res.Errors[1].Err) != task.CodeNotFound {
		t.Errorf("second error = %v", res.Errors[1].Err)
	}
}

func TestStatusProcessorRejectsContainers(t *testing.T) {
	tasks := map[string]*task.Task{
		"p/group": {Path: "p/group", Type: task.TypeGroup, Status: task.StatusPending},
	}
	res, err := NewStatusProcessor(nil).Execute(context.Background(),
		[]StatusUpdate{{Path: "p/group", Status: task.StatusInProgress}},
		statusLoad(tasks),
		func(_ context.Context, u StatusUpdate) (*task.Task, error) {
			t.Fatal("apply must not run for containers")
			return nil, nil
		})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(res.Errors) != 1 || task.CodeOf(res.Errors[0].Err) != task.CodeInvalidTransition {
		t.Errorf("errors = %v", res.Errors)
	}
}
