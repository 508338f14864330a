// Copyright (C) 2025 Atlasforge Labs (oss@atlasforge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"strings"

	"github.com/atlasforge/taskengine/task"
)

// Ref is the minimal shape the topological sort needs from a task.
type Ref struct {
	Path         string
	Dependencies []string
}

// SortByDependencies orders refs so every path appears after all paths it
// depends on, restricted to the given set. Dependencies pointing outside
// the set are ignored — they are the store's concern, not the batch's.
//
// The sort is a depth-first traversal in input order, so ties among
// independent tasks preserve the caller's ordering. A cycle fails with
// CYCLE_DETECTED naming the cycle members; no partial order is returned.
func SortByDependencies(refs []Ref) ([]string, error) {
	const op = "SortByDependencies"

	inSet := make(map[string]*Ref, len(refs))
	for i := range refs {
		if _, dup := inSet[refs[i].Path]; dup {
			return nil, task.E(task.CodeValidationError, op,
				"duplicate path in batch", refs[i].Path)
		}
		inSet[refs[i].Path] = &refs[i]
	}

	visited := make(map[string]bool, len(refs))
	onStack := make(map[string]bool, len(refs))
	stack := make([]string, 0, len(refs))
	order := make([]string, 0, len(refs))

	var visit func(path string) error
	visit = func(path string) error {
		visited[path] = true
		onStack[path] = true
		stack = append(stack, path)

		for _, dep := range inSet[path].Dependencies {
			if _, ok := inSet[dep]; !ok {
				continue
			}
			if onStack[dep] {
				return cycleError(op, stack, dep)
			}
			if !visited[dep] {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		stack = stack[:len(stack)-1]
		onStack[path] = false
		order = append(order, path)
		return nil
	}

	for i := range refs {
		if !visited[refs[i].Path] {
			if err := visit(refs[i].Path); err != nil {
				return nil, err
			}
		}
	}

	return order, nil
}

// cycleError trims the visit stack to the members of the detected cycle.
func cycleError(op string, stack []string, repeated string) error {
	start := 0
	for i, p := range stack {
		if p == repeated {
			start = i
			break
		}
	}
	members := append(append([]string(nil), stack[start:]...), repeated)
	return task.E(task.CodeCycleDetected, op,
		"dependency cycle: "+strings.Join(members, " -> "), members...)
}
