// Copyright (C) 2025 Atlasforge Labs (oss@atlasforge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation enforces the engine's structural invariants: path
// syntax, containment rules, dependency acyclicity, and the structural
// shape of bulk operation lists. It also provides the dependency-order
// topological sort used by the batch processors.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/atlasforge/taskengine/task"
)

var (
	segmentPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
	projectPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.-]*$`)
)

// PathValidator checks the syntactic constraints on task paths.
type PathValidator struct {
	MaxDepth  int
	MaxLength int
}

// NewPathValidator returns a validator with the engine's default bounds.
func NewPathValidator() *PathValidator {
	return &PathValidator{
		MaxDepth:  task.MaxPathDepth,
		MaxLength: task.MaxPathLength,
	}
}

// ValidatePath checks syntax, depth and length. The first segment is the
// project and must start with a letter.
func (v *PathValidator) ValidatePath(path string) error {
	const op = "ValidatePath"

	if path == "" {
		return task.E(task.CodeValidationError, op, "path is empty")
	}
	if len(path) > v.MaxLength {
		return task.E(task.CodeValidationError, op,
			fmt.Sprintf("path exceeds %d characters", v.MaxLength), path)
	}
	if strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return task.E(task.CodeValidationError, op, "path must not start or end with '/'", path)
	}

	segments := strings.Split(path, "/")
	if len(segments) > v.MaxDepth {
		return task.E(task.CodeValidationError, op,
			fmt.Sprintf("path depth %d exceeds maximum %d", len(segments), v.MaxDepth), path)
	}

	for i, seg := range segments {
		if seg == "" {
			return task.E(task.CodeValidationError, op, "path contains an empty segment", path)
		}
		if !segmentPattern.MatchString(seg) {
			return task.E(task.CodeValidationError, op,
				fmt.Sprintf("segment %q contains invalid characters", seg), path)
		}
		if i == 0 && !projectPattern.MatchString(seg) {
			return task.E(task.CodeValidationError, op,
				fmt.Sprintf("project segment %q must start with a letter", seg), path)
		}
	}

	return nil
}

// IsAncestor reports whether ancestor is a strict path prefix of path in
// segment terms.
func IsAncestor(ancestor, path string) bool {
	return ancestor != path && strings.HasPrefix(path, ancestor+"/")
}

// ParentOf returns the parent path, or empty string for a root path.
func ParentOf(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return ""
}
