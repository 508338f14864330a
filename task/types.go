// Copyright (C) 2025 Atlasforge Labs (oss@atlasforge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package task defines the task entity, its type and status enumerations,
// and the field constraints enforced at every engine boundary.
//
// A task is addressed by a slash-delimited hierarchical path. The first
// path segment is the project; containment is expressed through
// ParentPath/Subtasks, and ordering constraints through Dependencies.
package task

import (
	"strings"
	"time"
)

// Type determines which children a task may contain.
type Type string

const (
	// TypeTask is a leaf unit of work. It may not contain subtasks.
	TypeTask Type = "TASK"

	// TypeMilestone is a top-level container. It may contain TASK and
	// GROUP children, never another MILESTONE.
	TypeMilestone Type = "MILESTONE"

	// TypeGroup is a mid-level container. It may only contain TASK children.
	TypeGroup Type = "GROUP"
)

// Valid reports whether t is one of the defined task types.
func (t Type) Valid() bool {
	switch t {
	case TypeTask, TypeMilestone, TypeGroup:
		return true
	}
	return false
}

// IsContainer reports whether tasks of this type carry derived status.
func (t Type) IsContainer() bool {
	return t == TypeMilestone || t == TypeGroup
}

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusBlocked    Status = "BLOCKED"
)

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusBlocked:
		return true
	}
	return false
}

// Field constraints. Inputs exceeding these limits are rejected with
// CodeValidationError before any store mutation.
const (
	MaxPathDepth  = 10
	MaxPathLength = 1000

	MaxNameLength        = 200
	MaxDescriptionLength = 2000
	MaxNoteLength        = 1000
	MaxNotes             = 100
	MaxReasoningLength   = 2000

	MaxDependencies = 50
	MaxSubtasks     = 100

	MaxMetadataStringLength = 1000
	MaxMetadataArrayItems   = 100
)

// Task is the sole entity of the engine.
//
// Invariants held after every committed mutation:
//
//  1. Path uniquely identifies a task.
//  2. Containment follows Type rules (see Type constants).
//  3. The dependency relation over any validated set is acyclic.
//  4. ParentPath and the parent's Subtasks list are mutual inverses.
//  5. Container status is derived from children, never set directly.
//  6. A task cannot be COMPLETED while any dependency is incomplete.
type Task struct {
	Path        string `json:"path"`
	ProjectPath string `json:"projectPath"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        Type   `json:"type"`
	Status      Status `json:"status"`

	Notes     []string `json:"notes,omitempty"`
	Reasoning string   `json:"reasoning,omitempty"`

	Dependencies []string `json:"dependencies"`
	ParentPath   string   `json:"parentPath,omitempty"`
	Subtasks     []string `json:"subtasks"`

	// Metadata is an open bag (priority, tags, assignee, ...). The engine
	// only enforces size limits; it never interprets the contents.
	Metadata map[string]any `json:"metadata"`

	// Version is bumped on every mutation (optimistic-concurrency marker).
	Version int64 `json:"version"`

	// Created and Updated are unix-millisecond timestamps.
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// ProjectOf returns the first segment of a task path.
func ProjectOf(path string) string {
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return path
}

// Clone returns a deep copy of the task. Slices and the metadata map are
// copied so callers can mutate the clone freely.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Notes = append([]string(nil), t.Notes...)
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.Subtasks = append([]string(nil), t.Subtasks...)
	if t.Metadata != nil {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// HasDependency reports whether dep is in the task's dependency set.
func (t *Task) HasDependency(dep string) bool {
	for _, d := range t.Dependencies {
		if d == dep {
			return true
		}
	}
	return false
}

// Touch bumps the version and refreshes the Updated timestamp.
func (t *Task) Touch(now time.Time) {
	t.Version++
	t.Updated = now.UnixMilli()
}

// NowMilli returns the current time as a unix-millisecond timestamp.
func NowMilli() int64 {
	return time.Now().UnixMilli()
}

// EstimatedBytes is a heuristic memory estimate used by the cache byte
// budget. It intentionally overcounts slightly rather than undercounting.
func (t *Task) EstimatedBytes() int64 {
	n := int64(len(t.Path) + len(t.ProjectPath) + len(t.Name) +
		len(t.Description) + len(t.Reasoning) + len(t.ParentPath))
	for _, s := range t.Notes {
		n += int64(len(s))
	}
	for _, s := range t.Dependencies {
		n += int64(len(s))
	}
	for _, s := range t.Subtasks {
		n += int64(len(s))
	}
	for k := range t.Metadata {
		n += int64(len(k)) + 64
	}
	// Struct overhead, slice headers, timestamps.
	return n + 256
}
