// Copyright (C) 2025 Tillerworks (oss@tillerworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package plan decomposes goals into dependency-ordered task plans.
//
// The package contains the plan generator (template-based decomposition),
// the dependency analyzer (cycle check, critical path, parallel groups),
// and the risk assessor / rollback planner that annotate a plan before it
// is handed to the execution engine.
//
// Thread Safety:
//
//	Generator, Analyzer, RiskAssessor and RollbackPlanner are stateless
//	after construction and safe for concurrent use. TaskPlan values are
//	immutable once persisted except for per-step status.
package plan

import (
	"time"
)

// StepStatus is the lifecycle state of a single task step.
type StepStatus string

const (
	// StepPending indicates the step hasn't started.
	StepPending StepStatus = "pending"

	// StepRunning indicates the step is executing.
	StepRunning StepStatus = "running"

	// StepCompleted indicates successful completion.
	StepCompleted StepStatus = "completed"

	// StepFailed indicates the step failed.
	StepFailed StepStatus = "failed"

	// StepSkipped indicates the step was skipped because a dependency
	// failed or the goal was cancelled.
	StepSkipped StepStatus = "skipped"
)

// TaskStep is one unit of work within a plan, bound to a capability
// category that the tool registry resolves to a concrete tool.
type TaskStep struct {
	// StepID is unique within the plan and consistent with execution order.
	StepID string `json:"step_id"`

	// Description says what the step does.
	Description string `json:"description"`

	// Category is the capability category used for tool binding.
	Category string `json:"capability_category"`

	// Dependencies lists step IDs that must complete first. All entries
	// reference earlier steps in the same plan.
	Dependencies []string `json:"dependencies,omitempty"`

	// EstimatedDuration is the planner's duration estimate.
	EstimatedDuration time.Duration `json:"estimated_duration"`

	// ValidationCriteria describe how completion is judged.
	ValidationCriteria []string `json:"validation_criteria,omitempty"`

	// Parameters are passed to the bound tool at execution time.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Status is mutated by the execution engine as the step progresses.
	Status StepStatus `json:"status"`

	// ExecutionID links the step to its tool execution once one is
	// recorded. A step parked at the confirmation gate keeps the parked
	// execution's ID so a later run resumes it instead of invoking the
	// tool again.
	ExecutionID string `json:"execution_id,omitempty"`
}

// PlanStatus is the lifecycle state of a task plan.
type PlanStatus string

const (
	// PlanReady means the plan is analyzed and executable.
	PlanReady PlanStatus = "ready"

	// PlanExecuting means the engine is running the plan.
	PlanExecuting PlanStatus = "executing"

	// PlanCompleted means every step completed.
	PlanCompleted PlanStatus = "completed"

	// PlanFailed means a step failed and rollback ran.
	PlanFailed PlanStatus = "failed"

	// PlanCancelled means execution was cancelled before completion.
	PlanCancelled PlanStatus = "cancelled"

	// PlanSuperseded means a newer plan replaced this one after the
	// system state drifted from the snapshot it was generated against.
	PlanSuperseded PlanStatus = "superseded"
)

// Terminal reports whether the plan can no longer execute.
func (s PlanStatus) Terminal() bool {
	switch s {
	case PlanCompleted, PlanFailed, PlanCancelled, PlanSuperseded:
		return true
	}
	return false
}

// RiskLevel grades a plan's aggregate risk.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RiskAssessment is the risk report attached to a plan.
type RiskAssessment struct {
	// Level is the overall grade derived from the factor count.
	Level RiskLevel `json:"level"`

	// HighRiskFactors lists the conditions that raised the level.
	HighRiskFactors []string `json:"high_risk_factors,omitempty"`

	// TotalEstimatedDuration sums the step estimates.
	TotalEstimatedDuration time.Duration `json:"total_estimated_duration"`
}

// CompensatingAction undoes one completed step during rollback.
type CompensatingAction struct {
	// StepID is the step this action compensates.
	StepID string `json:"step_id"`

	// Action describes the compensating operation.
	Action string `json:"action"`
}

// RollbackStrategy is generated alongside the plan and executed, never
// mutated, during failure handling.
type RollbackStrategy struct {
	// Actions maps each step to its compensating action, in step order.
	Actions []CompensatingAction `json:"actions"`

	// FullRollback describes how to restore the pre-plan state.
	FullRollback string `json:"full_rollback"`

	// PartialRollback describes how to undo only completed steps.
	PartialRollback string `json:"partial_rollback"`
}

// ActionFor returns the compensating action for a step.
func (r *RollbackStrategy) ActionFor(stepID string) (CompensatingAction, bool) {
	for _, action := range r.Actions {
		if action.StepID == stepID {
			return action, true
		}
	}
	return CompensatingAction{}, false
}

// TaskPlan is the ordered decomposition of a goal into steps plus the
// scheduling metadata derived by the analyzer.
//
// A goal may be re-planned multiple times; each generation produces a new
// PlanID while GoalID stays constant.
type TaskPlan struct {
	PlanID string `json:"plan_id"`
	GoalID string `json:"goal_id"`

	// Steps is the ordered decomposition. Dependencies only point at
	// earlier steps.
	Steps []TaskStep `json:"steps"`

	// CriticalPath is the ordered chain of step IDs that execute strictly
	// in sequence.
	CriticalPath []string `json:"critical_path"`

	// ParallelGroups lists sets of step IDs whose members may run
	// concurrently.
	ParallelGroups [][]string `json:"parallel_steps"`

	Risk     RiskAssessment   `json:"risk_assessment"`
	Rollback RollbackStrategy `json:"rollback_strategy"`

	Status PlanStatus `json:"status"`

	// SnapshotFingerprint is the opaque token of the system snapshot the
	// plan was generated against, used for drift detection.
	SnapshotFingerprint string `json:"snapshot_fingerprint"`

	// Template records which decomposition template produced the steps.
	Template string `json:"template"`

	CreatedAt time.Time `json:"created_at"`
}

// Step returns the step with the given ID.
func (p *TaskPlan) Step(stepID string) (*TaskStep, bool) {
	for i := range p.Steps {
		if p.Steps[i].StepID == stepID {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// StepIDs returns the plan's step IDs in execution order.
func (p *TaskPlan) StepIDs() []string {
	ids := make([]string, len(p.Steps))
	for i, step := range p.Steps {
		ids[i] = step.StepID
	}
	return ids
}
