// Copyright (C) 2025 Atlasforge Labs (oss@atlasforge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasforge/taskengine/batch"
	"github.com/atlasforge/taskengine/storage/badgerstore"
	"github.com/atlasforge/taskengine/task"
	"github.com/atlasforge/taskengine/validation"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store, err := badgerstore.Open(badgerstore.InMemoryConfig())
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.InMemory = true
	cfg.Cache.MonitorInterval = 0 // no background goroutine in tests

	e := New(store, cfg, nil)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func mustCreate(t *testing.T, e *Engine, in *task.CreateInput) *task.Task {
	t.Helper()
	created, err := e.CreateTask(context.Background(), in)
	require.NoError(t, err)
	return created
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	created := mustCreate(t, e, &task.CreateInput{Path: "proj/a", Name: "task a"})
	assert.Equal(t, task.TypeTask, created.Type)
	assert.Equal(t, task.StatusPending, created.Status)
	assert.Equal(t, "proj", created.ProjectPath)
	assert.EqualValues(t, 1, created.Version)

	got, err := e.GetTaskByPath(ctx, "proj/a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "task a", got.Name)

	missing, err := e.GetTaskByPath(ctx, "proj/ghost")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCreateDuplicateRejected(t *testing.T) {
	e := newTestEngine(t)
	mustCreate(t, e, &task.CreateInput{Path: "proj/a", Name: "a"})

	_, err := e.CreateTask(context.Background(), &task.CreateInput{Path: "proj/a", Name: "again"})
	assert.Equal(t, task.CodeValidationError, task.CodeOf(err))
}

func TestCreateLinksParentAndDerivesStatus(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	mustCreate(t, e, &task.CreateInput{Path: "proj/group", Name: "group", Type: task.TypeGroup})
	mustCreate(t, e, &task.CreateInput{Path: "proj/group/t1", Name: "t1", ParentPath: "proj/group"})

	parent, err := e.GetTaskByPath(ctx, "proj/group")
	require.NoError(t, err)
	require.NotNil(t, parent)
	assert.Contains(t, parent.Subtasks, "proj/group/t1")

	children, err := e.GetSubtasks(ctx, "proj/group", 0, 0)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "proj/group/t1", children[0].Path)
}

func TestCreateWithMissingParentFails(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.CreateTask(context.Background(), &task.CreateInput{
		Path: "proj/x/t", Name: "t", ParentPath: "proj/x",
	})
	assert.Equal(t, task.CodeNotFound, task.CodeOf(err))
}

func TestContainmentEnforced(t *testing.T) {
	e := newTestEngine(t)
	mustCreate(t, e, &task.CreateInput{Path: "proj/group", Name: "g", Type: task.TypeGroup})

	_, err := e.CreateTask(context.Background(), &task.CreateInput{
		Path: "proj/group/sub", Name: "sub", Type: task.TypeGroup, ParentPath: "proj/group",
	})
	assert.Equal(t, task.CodeHierarchyViolation, task.CodeOf(err))
}

func TestStatusLifecycleAndContainerDerivation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	mustCreate(t, e, &task.CreateInput{Path: "proj/ms", Name: "milestone", Type: task.TypeMilestone})
	mustCreate(t, e, &task.CreateInput{Path: "proj/ms/t1", Name: "t1", ParentPath: "proj/ms"})
	mustCreate(t, e, &task.CreateInput{Path: "proj/ms/t2", Name: "t2", ParentPath: "proj/ms"})

	_, err := e.UpdateTaskStatuses(ctx, []batch.StatusUpdate{
		{Path: "proj/ms/t1", Status: task.StatusInProgress},
	})
	require.NoError(t, err)

	ms, err := e.GetTaskByPath(ctx, "proj/ms")
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, ms.Status, "container should derive IN_PROGRESS")

	_, err = e.UpdateTaskStatuses(ctx, []batch.StatusUpdate{
		{Path: "proj/ms/t1", Status: task.StatusCompleted},
	})
	require.NoError(t, err)
	_, err = e.UpdateTaskStatuses(ctx, []batch.StatusUpdate{
		{Path: "proj/ms/t2", Status: task.StatusInProgress},
	})
	require.NoError(t, err)
	_, err = e.UpdateTaskStatuses(ctx, []batch.StatusUpdate{
		{Path: "proj/ms/t2", Status: task.StatusCompleted},
	})
	require.NoError(t, err)

	ms, err = e.GetTaskByPath(ctx, "proj/ms")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, ms.Status, "all children complete -> container complete")
}

func TestContainerStatusCannotBeSetDirectly(t *testing.T) {
	e := newTestEngine(t)
	mustCreate(t, e, &task.CreateInput{Path: "proj/g", Name: "g", Type: task.TypeGroup})

	_, err := e.UpdateTaskStatuses(context.Background(), []batch.StatusUpdate{
		{Path: "proj/g", Status: task.StatusInProgress},
	})
	require.Error(t, err)
	assert.Equal(t, task.CodeOperationFailed, task.CodeOf(err))
}

func TestDependencyGating(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	mustCreate(t, e, &task.CreateInput{Path: "proj/a", Name: "a"})
	b := mustCreate(t, e, &task.CreateInput{Path: "proj/b", Name: "b", Dependencies: []string{"proj/a"}})
	assert.Equal(t, task.StatusBlocked, b.Status, "incomplete dependency forces BLOCKED")

	// Completing b is illegal while gated.
	_, err := e.UpdateTaskStatuses(ctx, []batch.StatusUpdate{
		{Path: "proj/b", Status: task.StatusCompleted},
	})
	require.Error(t, err)

	// Complete the dependency; b should unblock to PENDING.
	_, err = e.UpdateTaskStatuses(ctx, []batch.StatusUpdate{
		{Path: "proj/a", Status: task.StatusInProgress},
	})
	require.NoError(t, err)
	_, err = e.UpdateTaskStatuses(ctx, []batch.StatusUpdate{
		{Path: "proj/a", Status: task.StatusCompleted},
	})
	require.NoError(t, err)

	got, err := e.GetTaskByPath(ctx, "proj/b")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status, "satisfied dependencies unblock to PENDING")
}

func TestUpdateTaskFieldsAndVersion(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	mustCreate(t, e, &task.CreateInput{Path: "proj/a", Name: "a"})

	name := "renamed"
	desc := "with description"
	updated, err := e.UpdateTask(ctx, "proj/a", &task.UpdateInput{Name: &name, Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, "with description", updated.Description)
	assert.EqualValues(t, 2, updated.Version)

	_, err = e.UpdateTask(ctx, "proj/ghost", &task.UpdateInput{Name: &name})
	assert.Equal(t, task.CodeNotFound, task.CodeOf(err))
}

func TestUpdateDependenciesCycleRejected(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	mustCreate(t, e, &task.CreateInput{Path: "proj/a", Name: "a"})
	mustCreate(t, e, &task.CreateInput{Path: "proj/b", Name: "b", Dependencies: []string{"proj/a"}})

	// a -> b would close the cycle a -> b -> a.
	_, err := e.UpdateTaskDependencies(ctx, []batch.DependencyUpdate{
		{Path: "proj/a", Dependencies: []string{"proj/b"}},
	})
	require.Error(t, err)
	var te *task.Error
	require.ErrorAs(t, err, &te)
	require.Len(t, te.Items, 1)
	assert.Equal(t, task.CodeCycleDetected, task.CodeOf(te.Items[0].Err))
}

func TestBatchStatusAggregateError(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	mustCreate(t, e, &task.CreateInput{Path: "proj/good", Name: "good"})

	results, err := e.UpdateTaskStatuses(ctx, []batch.StatusUpdate{
		{Path: "proj/good", Status: task.StatusInProgress},
		{Path: "proj/ghost", Status: task.StatusInProgress},
	})
	require.Error(t, err)
	assert.Equal(t, task.CodeOperationFailed, task.CodeOf(err))

	// The good item still applied: item isolation with aggregate reporting.
	require.Len(t, results, 1)
	got, gerr := e.GetTaskByPath(ctx, "proj/good")
	require.NoError(t, gerr)
	assert.Equal(t, task.StatusInProgress, got.Status)
}

func TestBulkForwardReference(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	// B is listed before the task it depends on; bulk creates tolerate
	// forward references.
	err := e.BulkTaskOperations(ctx, []task.Operation{
		{Type: task.OpCreate, Create: &task.CreateInput{Path: "proj/b", Name: "b", Dependencies: []string{"proj/a"}}},
		{Type: task.OpCreate, Create: &task.CreateInput{Path: "proj/a", Name: "a"}},
	})
	require.NoError(t, err)

	a, err := e.GetTaskByPath(ctx, "proj/a")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, task.StatusPending, a.Status)

	b, err := e.GetTaskByPath(ctx, "proj/b")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, task.StatusBlocked, b.Status, "dependency on a PENDING task gates to BLOCKED")
}

func TestBulkParentForwardReference(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	err := e.BulkTaskOperations(ctx, []task.Operation{
		{Type: task.OpCreate, Create: &task.CreateInput{Path: "proj/g/c", Name: "c", ParentPath: "proj/g"}},
		{Type: task.OpCreate, Create: &task.CreateInput{Path: "proj/g", Name: "g", Type: task.TypeGroup}},
	})
	require.NoError(t, err)

	g, err := e.GetTaskByPath(ctx, "proj/g")
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Contains(t, g.Subtasks, "proj/g/c")
}

func TestBulkRollbackOnFailure(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	err := e.BulkTaskOperations(ctx, []task.Operation{
		{Type: task.OpCreate, Create: &task.CreateInput{Path: "proj/x", Name: "x"}},
		{Type: task.OpUpdate, Path: "proj/ghost", Update: &task.UpdateInput{}},
	})
	require.Error(t, err)
	assert.Equal(t, task.CodeOperationFailed, task.CodeOf(err))

	// The create must not survive the failed batch.
	x, gerr := e.GetTaskByPath(ctx, "proj/x")
	require.NoError(t, gerr)
	assert.Nil(t, x)
}

func TestBulkCycleAmongCreatesRejected(t *testing.T) {
	e := newTestEngine(t)

	err := e.BulkTaskOperations(context.Background(), []task.Operation{
		{Type: task.OpCreate, Create: &task.CreateInput{Path: "proj/a", Name: "a", Dependencies: []string{"proj/b"}}},
		{Type: task.OpCreate, Create: &task.CreateInput{Path: "proj/b", Name: "b", Dependencies: []string{"proj/a"}}},
	})
	require.Error(t, err)
	assert.Equal(t, task.CodeOperationFailed, task.CodeOf(err))
}

func TestDeleteCascadesAndDetaches(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	mustCreate(t, e, &task.CreateInput{Path: "proj/g", Name: "g", Type: task.TypeGroup})
	mustCreate(t, e, &task.CreateInput{Path: "proj/g/t1", Name: "t1", ParentPath: "proj/g"})
	dep := mustCreate(t, e, &task.CreateInput{Path: "proj/waiter", Name: "w", Dependencies: []string{"proj/g/t1"}})
	assert.Equal(t, task.StatusBlocked, dep.Status)

	require.NoError(t, e.DeleteTask(ctx, "proj/g"))

	for _, p := range []string{"proj/g", "proj/g/t1"} {
		got, err := e.GetTaskByPath(ctx, p)
		require.NoError(t, err)
		assert.Nil(t, got, "%s should be gone", p)
	}

	// The dependent lost the dependency and unblocked.
	w, err := e.GetTaskByPath(ctx, "proj/waiter")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Empty(t, w.Dependencies)
	assert.Equal(t, task.StatusPending, w.Status)
}

func TestDeleteMissingTask(t *testing.T) {
	e := newTestEngine(t)
	err := e.DeleteTask(context.Background(), "proj/ghost")
	assert.Equal(t, task.CodeNotFound, task.CodeOf(err))
}

func TestListTasksPatternAndPagination(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	for _, p := range []string{"proj/a", "proj/b", "proj/c", "other/x"} {
		mustCreate(t, e, &task.CreateInput{Path: p, Name: p})
	}

	all, err := e.ListTasks(ctx, "*", 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	subtree, err := e.ListTasks(ctx, "proj/*", 2, 1)
	require.NoError(t, err)
	require.Len(t, subtree, 2)
	assert.Equal(t, "proj/b", subtree[0].Path)
	assert.Equal(t, "proj/c", subtree[1].Path)
}

func TestGetTasksByStatus(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	mustCreate(t, e, &task.CreateInput{Path: "proj/a", Name: "a"})
	mustCreate(t, e, &task.CreateInput{Path: "proj/b", Name: "b"})
	_, err := e.UpdateTaskStatuses(ctx, []batch.StatusUpdate{
		{Path: "proj/a", Status: task.StatusInProgress},
	})
	require.NoError(t, err)

	pending, err := e.GetTasksByStatus(ctx, task.StatusPending, 0, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "proj/b", pending[0].Path)

	_, err = e.GetTasksByStatus(ctx, "DONE", 0, 0)
	assert.Equal(t, task.CodeInvalidInput, task.CodeOf(err))
}

func TestClearAllTasks(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	mustCreate(t, e, &task.CreateInput{Path: "proj/a", Name: "a"})

	err := e.ClearAllTasks(ctx, false)
	assert.Equal(t, task.CodeInvalidInput, task.CodeOf(err))

	require.NoError(t, e.ClearAllTasks(ctx, true))
	all, err := e.ListTasks(ctx, "*", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestInitializeWarmsFromStore(t *testing.T) {
	ctx := context.Background()

	store, err := badgerstore.Open(badgerstore.InMemoryConfig())
	require.NoError(t, err)

	seed := &task.Task{
		Path: "proj/seeded", ProjectPath: "proj", Name: "seeded",
		Type: task.TypeTask, Status: task.StatusPending, Version: 1,
	}
	require.NoError(t, store.PutTask(ctx, seed))

	cfg := DefaultConfig()
	cfg.Cache.MonitorInterval = 0
	e := New(store, cfg, nil)
	t.Cleanup(func() { _ = e.Close() })

	got, err := e.GetTaskByPath(ctx, "proj/seeded")
	require.NoError(t, err)
	require.NotNil(t, got, "initialization should index existing tasks")
}

func TestEventsPublishedAfterCommit(t *testing.T) {
	e := newTestEngine(t)

	events := make(chan Event, 8)
	e.Events().Subscribe(func(ev Event) { events <- ev })

	mustCreate(t, e, &task.CreateInput{Path: "proj/a", Name: "a"})

	select {
	case ev := <-events:
		assert.Equal(t, EventTaskCreated, ev.Type)
		assert.Equal(t, "proj/a", ev.Path)
		require.NotNil(t, ev.Task)
		assert.NotEmpty(t, ev.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestRepairRelationshipsReinitializesIndices(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	mustCreate(t, e, &task.CreateInput{Path: "proj/a", Name: "a"})

	res, err := e.RepairRelationships(ctx, false, "*")
	require.NoError(t, err)
	require.NotNil(t, res)

	// Indices were rebuilt from the store; reads still work.
	got, err := e.GetTaskByPath(ctx, "proj/a")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestSortTasksByDependencies(t *testing.T) {
	e := newTestEngine(t)
	order, err := e.SortTasksByDependencies([]validation.Ref{
		{Path: "p/b", Dependencies: []string{"p/a"}},
		{Path: "p/a"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"p/a", "p/b"}, order)
}
