// Copyright (C) 2025 Atlasforge Labs (oss@atlasforge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package task

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies an engine failure.
type Code string

const (
	// CodeValidationError marks malformed or oversized input.
	CodeValidationError Code = "VALIDATION_ERROR"

	// CodeHierarchyViolation marks a broken containment rule.
	CodeHierarchyViolation Code = "HIERARCHY_VIOLATION"

	// CodeCycleDetected marks a dependency cycle.
	CodeCycleDetected Code = "CYCLE_DETECTED"

	// CodeInvalidTransition marks an illegal status change.
	CodeInvalidTransition Code = "INVALID_TRANSITION"

	// CodeNotFound marks a referenced path that does not exist.
	CodeNotFound Code = "NOT_FOUND"

	// CodeOperationFailed marks an aggregate batch failure.
	CodeOperationFailed Code = "OPERATION_FAILED"

	// CodeInvalidInput marks a missing required confirmation or field.
	CodeInvalidInput Code = "INVALID_INPUT"

	// CodeStorageError marks a failure in the underlying store.
	CodeStorageError Code = "STORAGE_ERROR"
)

// Error is the engine's coded error. Every failure surfaced by a public
// operation carries the code, the operation name, and enough context
// (offending paths, cycle members) to diagnose without blind retries.
type Error struct {
	Code    Code
	Op      string
	Message string

	// Paths are the offending task paths: missing references, cycle
	// members, or the subject of the failed operation.
	Paths []string

	// Items holds per-item failures for OPERATION_FAILED aggregates.
	Items []ItemError

	// Err is the wrapped cause, if any.
	Err error
}

// ItemError is a single item's failure inside a batch.
type ItemError struct {
	ID  string
	Err error
}

func (e *ItemError) String() string {
	return fmt.Sprintf("%s: %v", e.ID, e.Err)
}

// E constructs a coded error.
func E(code Code, op, message string, paths ...string) *Error {
	return &Error{Code: code, Op: op, Message: message, Paths: paths}
}

// Wrap constructs a coded error around a cause.
func Wrap(code Code, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Message: err.Error(), Err: err}
}

// Aggregate constructs an OPERATION_FAILED error listing per-item failures.
func Aggregate(op, message string, items []ItemError) *Error {
	return &Error{Code: CodeOperationFailed, Op: op, Message: message, Items: items}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Paths) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Paths, ", "))
		b.WriteString("]")
	}
	if len(e.Items) > 0 {
		parts := make([]string, len(e.Items))
		for i := range e.Items {
			parts[i] = e.Items[i].String()
		}
		b.WriteString(" (")
		b.WriteString(strings.Join(parts, "; "))
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the Code from err, or empty string if err carries none.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
