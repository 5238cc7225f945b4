// Copyright (C) 2025 Tillerworks (oss@tillerworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package plan

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the plan package.
var (
	// ErrEmptyObjective is returned when the goal has no objective.
	ErrEmptyObjective = errors.New("goal objective must not be empty")

	// ErrNoSteps is returned when a plan contains no steps.
	ErrNoSteps = errors.New("plan contains no steps")

	// ErrUnknownDependency is returned when a step references a step ID
	// not present in the same plan.
	ErrUnknownDependency = errors.New("step dependency not found in plan")

	// ErrSelfDependency is returned when a step depends on itself.
	ErrSelfDependency = errors.New("step must not depend on itself")

	// ErrDependencyCycle is returned when the step graph contains a cycle.
	ErrDependencyCycle = errors.New("dependency cycle detected in plan")
)

// CycleError reports the steps involved in a dependency cycle.
//
// It wraps ErrDependencyCycle so callers can match with errors.Is.
type CycleError struct {
	// Steps are the step IDs that could not be topologically ordered.
	Steps []string
}

// Error returns the cycle description.
func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected in plan: steps [%s]", strings.Join(e.Steps, ", "))
}

// Unwrap returns ErrDependencyCycle for errors.Is matching.
func (e *CycleError) Unwrap() error {
	return ErrDependencyCycle
}

// NewCycleError creates a CycleError for the given step IDs.
func NewCycleError(steps []string) *CycleError {
	return &CycleError{Steps: steps}
}

// StepError wraps an error with the step that caused it.
type StepError struct {
	StepID string
	Err    error
}

// Error returns the error message.
func (e *StepError) Error() string {
	return fmt.Sprintf("step %q: %v", e.StepID, e.Err)
}

// Unwrap returns the underlying error.
func (e *StepError) Unwrap() error {
	return e.Err
}
