// Copyright (C) 2025 Atlasforge Labs (oss@atlasforge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"errors"
	"slices"
	"testing"

	"github.com/atlasforge/taskengine/task"
)

func indexOf(order []string, path string) int {
	return slices.Index(order, path)
}

func TestSortByDependencies(t *testing.T) {
	t.Run("dependencies precede dependents", func(t *testing.T) {
		order, err := SortByDependencies([]Ref{
			{Path: "p/c", Dependencies: []string{"p/b"}},
			{Path: "p/b", Dependencies: []string{"p/a"}},
			{Path: "p/a"},
		})
		if err != nil {
			t.Fatalf("sort: %v", err)
		}
		if indexOf(order, "p/a") > indexOf(order, "p/b") || indexOf(order, "p/b") > indexOf(order, "p/c") {
			t.Errorf("bad order: %v", order)
		}
	})

	t.Run("independent items keep input order", func(t *testing.T) {
		order, err := SortByDependencies([]Ref{
			{Path: "p/x"},
			{Path: "p/y"},
			{Path: "p/z"},
		})
		if err != nil {
			t.Fatalf("sort: %v", err)
		}
		if !slices.Equal(order, []string{"p/x", "p/y", "p/z"}) {
			t.Errorf("order = %v, want input order", order)
		}
	})

	t.Run("out-of-set dependencies are ignored", func(t *testing.T) {
		order, err := SortByDependencies([]Ref{
			{Path: "p/a", Dependencies: []string{"elsewhere/t"}},
		})
		if err != nil {
			t.Fatalf("sort: %v", err)
		}
		if len(order) != 1 {
			t.Errorf("order = %v", order)
		}
	})

	t.Run("duplicate path rejected", func(t *testing.T) {
		_, err := SortByDependencies([]Ref{
			{Path: "p/a"},
			{Path: "p/a"},
		})
		if task.CodeOf(err) != task.CodeValidationError {
			t.Errorf("want VALIDATION_ERROR, got %v", err)
		}
	})

	t.Run("cycle names its members", func(t *testing.T) {
		_, err := SortByDependencies([]Ref{
			{Path: "p/a", Dependencies: []string{"p/b"}},
			{Path: "p/b", Dependencies: []string{"p/a"}},
			{Path: "p/free"},
		})
		if task.CodeOf(err) != task.CodeCycleDetected {
			t.Fatalf("want CYCLE_DETECTED, got %v", err)
		}
		var te *task.Error
		if !errors.As(err, &te) {
			t.Fatal("expected *task.Error")
		}
		if !slices.Contains(te.Paths, "p/a") || !slices.Contains(te.Paths, "p/b") {
			t.Errorf("cycle members = %v", te.Paths)
		}
		if slices.Contains(te.Paths, "p/free") {
			t.Error("non-member should not be named in the cycle")
		}
	})
}
