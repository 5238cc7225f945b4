// Copyright (C) 2025 Tillerworks (oss@tillerworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package plan

import (
	"fmt"
	"time"

	"github.com/tillerworks/tiller/services/engine/goal"
)

// DefaultDurationThreshold is the total-estimate threshold above which a
// deadlined goal is flagged high risk.
const DefaultDurationThreshold = 30 * time.Minute

// RiskAssessor flags plans whose shape makes failure more likely.
//
// Thread Safety:
//
//	RiskAssessor is stateless after construction and safe for
//	concurrent use.
type RiskAssessor struct {
	// DurationThreshold triggers the deadline factor when the summed
	// step estimates exceed it.
	DurationThreshold time.Duration
}

// NewRiskAssessor creates an assessor with the given threshold.
// A zero threshold selects DefaultDurationThreshold.
func NewRiskAssessor(threshold time.Duration) *RiskAssessor {
	if threshold <= 0 {
		threshold = DefaultDurationThreshold
	}
	return &RiskAssessor{DurationThreshold: threshold}
}

// Assess produces the risk report for a plan.
//
// Description:
//
//	Flags high-risk factors when (a) the goal has a deadline and the
//	total estimated duration exceeds the threshold, or (b) any step has
//	more than one dependency (complex fan-in). The level follows the
//	factor count: none is low, one is medium, more is high.
//
// Inputs:
//
//	g - The goal being planned.
//	steps - The plan's steps.
//
// Outputs:
//
//	RiskAssessment - Level, factors, and total estimated duration.
func (r *RiskAssessor) Assess(g *goal.Goal, steps []TaskStep) RiskAssessment {
	var total time.Duration
	for _, step := range steps {
		total += step.EstimatedDuration
	}

	var factors []string

	if g.Deadline != nil && total > r.DurationThreshold {
		factors = append(factors, fmt.Sprintf(
			"deadline present and total estimated duration %s exceeds threshold %s",
			total, r.DurationThreshold))
	}

	for _, step := range steps {
		if len(step.Dependencies) > 1 {
			factors = append(factors, fmt.Sprintf(
				"step %s has complex fan-in (%d dependencies)",
				step.StepID, len(step.Dependencies)))
		}
	}

	level := RiskLow
	switch {
	case len(factors) >= 2:
		level = RiskHigh
	case len(factors) == 1:
		level = RiskMedium
	}

	return RiskAssessment{
		Level:                  level,
		HighRiskFactors:        factors,
		TotalEstimatedDuration: total,
	}
}

// RollbackPlanner derives the compensating-action strategy for a plan.
//
// Thread Safety:
//
//	RollbackPlanner is stateless and safe for concurrent use.
type RollbackPlanner struct{}

// NewRollbackPlanner creates a rollback planner.
func NewRollbackPlanner() *RollbackPlanner {
	return &RollbackPlanner{}
}

// Build records a compensating action for every step.
//
// Description:
//
//	Each action is derived from the step's own description. The strategy
//	also carries the full-rollback policy (restore pre-plan state) and
//	the partial-rollback policy (undo only completed steps, in reverse
//	completion order). The strategy is generated alongside the plan and
//	executed, never mutated, during failure handling.
//
// Inputs:
//
//	steps - The plan's steps.
//
// Outputs:
//
//	RollbackStrategy - One compensating action per step, in step order.
func (r *RollbackPlanner) Build(steps []TaskStep) RollbackStrategy {
	actions := make([]CompensatingAction, 0, len(steps))
	for _, step := range steps {
		actions = append(actions, CompensatingAction{
			StepID: step.StepID,
			Action: fmt.Sprintf("Revert changes made by: %s", step.Description),
		})
	}
	return RollbackStrategy{
		Actions:         actions,
		FullRollback:    "restore the system state captured before plan execution",
		PartialRollback: "undo completed steps only, in reverse completion order",
	}
}
