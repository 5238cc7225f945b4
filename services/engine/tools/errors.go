// Copyright (C) 2025 Tillerworks (oss@tillerworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"errors"
	"fmt"
)

var (
	// ErrToolNotFound is returned when a tool name is not registered.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolExists is returned when registering a duplicate tool name.
	ErrToolExists = errors.New("tool already registered")

	// ErrInvalidDefinition is returned when a tool's definition fails
	// registration-time schema validation.
	ErrInvalidDefinition = errors.New("invalid tool definition")

	// ErrPermissionDenied is returned when the actor lacks a grant the
	// tool requires.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotConfirmable is returned when confirming an execution that
	// is not awaiting confirmation.
	ErrNotConfirmable = errors.New("execution not awaiting confirmation")
)

// ValidationError reports a missing or malformed parameter. It is
// raised before the tool runs, so no side effect has occurred.
type ValidationError struct {
	Tool   string
	Param  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tool %s: parameter %q: %s", e.Tool, e.Param, e.Reason)
}

// DefinitionError wraps ErrInvalidDefinition with the offending field.
type DefinitionError struct {
	Tool   string
	Reason string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Reason)
}

func (e *DefinitionError) Unwrap() error { return ErrInvalidDefinition }
