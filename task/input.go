// Copyright (C) 2025 Atlasforge Labs (oss@atlasforge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package task

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// CreateInput is the payload for creating a task.
type CreateInput struct {
	Path         string         `json:"path" yaml:"path" validate:"required,max=1000"`
	Name         string         `json:"name" yaml:"name" validate:"required,max=200"`
	ParentPath   string         `json:"parentPath,omitempty" yaml:"parentPath,omitempty" validate:"max=1000"`
	Description  string         `json:"description,omitempty" yaml:"description,omitempty" validate:"max=2000"`
	Type         Type           `json:"type,omitempty" yaml:"type,omitempty"`
	Notes        []string       `json:"notes,omitempty" yaml:"notes,omitempty" validate:"max=100,dive,max=1000"`
	Reasoning    string         `json:"reasoning,omitempty" yaml:"reasoning,omitempty" validate:"max=2000"`
	Dependencies []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty" validate:"max=50,dive,max=1000"`
	Metadata     map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// UpdateInput is the payload for mutating an existing task. Nil pointer
// fields are left untouched.
type UpdateInput struct {
	Name         *string        `json:"name,omitempty" yaml:"name,omitempty" validate:"omitempty,max=200"`
	Description  *string        `json:"description,omitempty" yaml:"description,omitempty" validate:"omitempty,max=2000"`
	Status       *Status        `json:"status,omitempty" yaml:"status,omitempty"`
	Notes        []string       `json:"notes,omitempty" yaml:"notes,omitempty" validate:"max=100,dive,max=1000"`
	Reasoning    *string        `json:"reasoning,omitempty" yaml:"reasoning,omitempty" validate:"omitempty,max=2000"`
	Dependencies []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty" validate:"max=50,dive,max=1000"`
	Metadata     map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// OperationType discriminates bulk operations.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

// Operation is one entry of a bulk request.
type Operation struct {
	Type   OperationType `json:"type" yaml:"type"`
	Path   string        `json:"path" yaml:"path"`
	Create *CreateInput  `json:"create,omitempty" yaml:"create,omitempty"`
	Update *UpdateInput  `json:"update,omitempty" yaml:"update,omitempty"`
}

var validate = validator.New()

// ValidateCreateInput enforces the bounded-length constraints on a create
// payload. Path syntax and referential checks are the validator package's
// concern; this only covers field sizes and enum membership.
func ValidateCreateInput(in *CreateInput) error {
	if in == nil {
		return E(CodeValidationError, "ValidateCreateInput", "input is nil")
	}
	if err := validate.Struct(in); err != nil {
		return &Error{Code: CodeValidationError, Op: "ValidateCreateInput", Message: err.Error(), Err: err}
	}
	if in.Type != "" && !in.Type.Valid() {
		return E(CodeValidationError, "ValidateCreateInput",
			fmt.Sprintf("invalid task type %q", in.Type), in.Path)
	}
	return validateMetadata("ValidateCreateInput", in.Metadata)
}

// ValidateUpdateInput enforces the bounded-length constraints on an update
// payload.
func ValidateUpdateInput(in *UpdateInput) error {
	if in == nil {
		return E(CodeValidationError, "ValidateUpdateInput", "input is nil")
	}
	if err := validate.Struct(in); err != nil {
		return &Error{Code: CodeValidationError, Op: "ValidateUpdateInput", Message: err.Error(), Err: err}
	}
	if in.Status != nil && !in.Status.Valid() {
		return E(CodeValidationError, "ValidateUpdateInput",
			fmt.Sprintf("invalid status %q", *in.Status))
	}
	return validateMetadata("ValidateUpdateInput", in.Metadata)
}

// validateMetadata caps the open metadata bag: string values and array
// lengths are bounded, nested shapes are not interpreted.
func validateMetadata(op string, md map[string]any) error {
	for key, value := range md {
		if len(key) > MaxMetadataStringLength {
			return E(CodeValidationError, op, fmt.Sprintf("metadata key %q too long", key[:32]+"..."))
		}
		switch v := value.(type) {
		case string:
			if len(v) > MaxMetadataStringLength {
				return E(CodeValidationError, op,
					fmt.Sprintf("metadata field %q exceeds %d characters", key, MaxMetadataStringLength))
			}
		case []any:
			if len(v) > MaxMetadataArrayItems {
				return E(CodeValidationError, op,
					fmt.Sprintf("metadata array %q exceeds %d items", key, MaxMetadataArrayItems))
			}
			for _, item := range v {
				if s, ok := item.(string); ok && len(s) > MaxMetadataStringLength {
					return E(CodeValidationError, op,
						fmt.Sprintf("metadata array %q contains an oversized string", key))
				}
			}
		case []string:
			if len(v) > MaxMetadataArrayItems {
				return E(CodeValidationError, op,
					fmt.Sprintf("metadata array %q exceeds %d items", key, MaxMetadataArrayItems))
			}
			for _, s := range v {
				if len(s) > MaxMetadataStringLength {
					return E(CodeValidationError, op,
						fmt.Sprintf("metadata array %q contains an oversized string", key))
				}
			}
		}
	}
	return nil
}
