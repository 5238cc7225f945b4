// Copyright (C) 2025 Tillerworks (oss@tillerworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package goal defines the Goal record and its status state machine.
//
// A Goal is a structured objective with constraints, success criteria, and
// dependencies on other goals. Goals are created by callers and mutated
// only through status transitions driven by the execution engine.
package goal

import (
	"errors"
	"fmt"
	"time"
)

// Priority orders goals by urgency.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Status is the goal lifecycle state.
//
// The state machine is:
//
//	PENDING → PLANNING → EXECUTING → {COMPLETED | FAILED | CANCELLED}
//
// PENDING is the initial state; COMPLETED, FAILED, and CANCELLED are
// terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPlanning  Status = "planning"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Sentinel errors for the goal package.
var (
	// ErrInvalidTransition is returned for a disallowed status change.
	ErrInvalidTransition = errors.New("invalid goal status transition")

	// ErrEmptyObjective is returned when a goal has no objective.
	ErrEmptyObjective = errors.New("goal objective must not be empty")

	// ErrInvalidPriority is returned for an unknown priority value.
	ErrInvalidPriority = errors.New("invalid goal priority")
)

// transitions lists the allowed status edges.
var transitions = map[Status][]Status{
	StatusPending:   {StatusPlanning, StatusCancelled},
	StatusPlanning:  {StatusExecuting, StatusPending, StatusFailed, StatusCancelled},
	StatusExecuting: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from → to is an allowed edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Goal is a structured objective handed to the engine.
//
// Owned by the GoalStore; created by a caller, mutated only by the
// execution engine's status transitions.
type Goal struct {
	// ID is the unique goal identifier.
	ID string `json:"id"`

	// Title is a short human-readable label.
	Title string `json:"title"`

	// Objective describes what the goal should achieve. Must be non-empty.
	Objective string `json:"objective"`

	// Requirements are structured sub-requirements supplied by the caller.
	Requirements []string `json:"requirements,omitempty"`

	// Constraints restrict how the goal may be achieved.
	Constraints []string `json:"constraints,omitempty"`

	// SuccessCriteria describe when the goal counts as achieved.
	SuccessCriteria []string `json:"success_criteria,omitempty"`

	// Priority orders this goal relative to others.
	Priority Priority `json:"priority"`

	// Deadline, when set, bounds the acceptable completion time.
	Deadline *time.Time `json:"deadline,omitempty"`

	// Dependencies lists goal IDs that must complete before this one.
	Dependencies []string `json:"dependencies,omitempty"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// FailureReason records why the goal failed, when it did.
	FailureReason string `json:"failure_reason,omitempty"`

	// ManualInterventionRequired is set when rollback itself failed and
	// the environment may be in a partially-undone state.
	ManualInterventionRequired bool `json:"manual_intervention_required,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Validate checks the invariants required to accept a new goal.
//
// Outputs:
//
//	error - ErrEmptyObjective or ErrInvalidPriority on violation.
func (g *Goal) Validate() error {
	if g.Objective == "" {
		return ErrEmptyObjective
	}
	if g.Priority != "" && !g.Priority.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPriority, g.Priority)
	}
	return nil
}

// Transition moves the goal to the next status.
//
// Description:
//
//	Applies the state machine edge from the current status. Terminal
//	states accept no further transitions. Completion stamps CompletedAt.
//
// Inputs:
//
//	to - The target status.
//	now - The transition timestamp.
//
// Outputs:
//
//	error - ErrInvalidTransition if the edge is not allowed.
func (g *Goal) Transition(to Status, now time.Time) error {
	if !CanTransition(g.Status, to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, g.Status, to)
	}
	g.Status = to
	if to.Terminal() {
		t := now
		g.CompletedAt = &t
	}
	return nil
}
