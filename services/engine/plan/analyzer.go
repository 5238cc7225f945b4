// Copyright (C) 2025 Tillerworks (oss@tillerworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package plan

// Analyzer derives scheduling metadata from a plan's step dependencies.
//
// Thread Safety:
//
//	Analyzer is stateless and safe for concurrent use.
type Analyzer struct{}

// NewAnalyzer creates a dependency analyzer.
func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// Analysis is the result of dependency analysis.
type Analysis struct {
	// CriticalPath is the ordered chain of step IDs that must execute
	// strictly in sequence.
	CriticalPath []string

	// ParallelGroups are sets of mutually independent step IDs at the
	// same dependency depth; members of a group may run concurrently.
	ParallelGroups [][]string

	// Levels maps each step ID to its dependency depth (0 for steps with
	// no dependencies). Used by the engine for dispatch ordering checks.
	Levels map[string]int
}

// Analyze validates the step graph and computes scheduling metadata.
//
// Description:
//
//	First validates that every dependency references a step in the same
//	plan and that the graph is a DAG (Kahn's algorithm). A cycle is an
//	invariant violation, not a soft condition: the plan is rejected with
//	a CycleError before any metadata is derived.
//
//	Critical path: steps are visited in declared order and appended when
//	all of their dependencies are already on the path. A plan with no
//	dependencies therefore puts every step on the critical path in
//	execution order.
//
//	Parallel groups: steps are grouped by dependency depth; any depth
//	level holding two or more mutually independent steps forms a group.
//
// Inputs:
//
//	steps - The plan's steps in declared order. Must be non-empty.
//
// Outputs:
//
//	*Analysis - Critical path, parallel groups, and depth levels.
//	error - ErrNoSteps, ErrUnknownDependency, ErrSelfDependency, or a
//	        CycleError (wrapping ErrDependencyCycle).
func (a *Analyzer) Analyze(steps []TaskStep) (*Analysis, error) {
	if len(steps) == 0 {
		return nil, ErrNoSteps
	}

	index := make(map[string]int, len(steps))
	for i, step := range steps {
		index[step.StepID] = i
	}

	for _, step := range steps {
		for _, dep := range step.Dependencies {
			if dep == step.StepID {
				return nil, &StepError{StepID: step.StepID, Err: ErrSelfDependency}
			}
			if _, ok := index[dep]; !ok {
				return nil, &StepError{StepID: step.StepID, Err: ErrUnknownDependency}
			}
		}
	}

	if err := a.checkAcyclic(steps); err != nil {
		return nil, err
	}

	analysis := &Analysis{
		Levels: make(map[string]int, len(steps)),
	}

	// Critical path: append steps whose dependencies are all on the path.
	onPath := make(map[string]bool, len(steps))
	for _, step := range steps {
		allOnPath := true
		for _, dep := range step.Dependencies {
			if !onPath[dep] {
				allOnPath = false
				break
			}
		}
		if allOnPath {
			analysis.CriticalPath = append(analysis.CriticalPath, step.StepID)
			onPath[step.StepID] = true
		}
	}

	// Dependency depth per step. Dependencies always point at earlier
	// steps once the graph is known acyclic, so a single ordered pass
	// suffices.
	for _, step := range steps {
		depth := 0
		for _, dep := range step.Dependencies {
			if d := analysis.Levels[dep] + 1; d > depth {
				depth = d
			}
		}
		analysis.Levels[step.StepID] = depth
	}

	// Group by depth, preserving step order within each level.
	maxDepth := 0
	byDepth := make(map[int][]string)
	for _, step := range steps {
		depth := analysis.Levels[step.StepID]
		byDepth[depth] = append(byDepth[depth], step.StepID)
		if depth > maxDepth {
			maxDepth = depth
		}
	}
	for depth := 0; depth <= maxDepth; depth++ {
		group := byDepth[depth]
		if len(group) >= 2 && a.independent(group, steps, index) {
			analysis.ParallelGroups = append(analysis.ParallelGroups, group)
		}
	}

	return analysis, nil
}

// checkAcyclic runs Kahn's algorithm over the step graph.
//
// Outputs:
//
//	error - A CycleError listing the steps left unordered, or nil.
func (a *Analyzer) checkAcyclic(steps []TaskStep) error {
	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))

	for _, step := range steps {
		inDegree[step.StepID] += 0
		for _, dep := range step.Dependencies {
			inDegree[step.StepID]++
			dependents[dep] = append(dependents[dep], step.StepID)
		}
	}

	// Seed the queue in declared order for determinism.
	var queue []string
	for _, step := range steps {
		if inDegree[step.StepID] == 0 {
			queue = append(queue, step.StepID)
		}
	}

	ordered := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ordered++
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if ordered == len(steps) {
		return nil
	}

	var cycle []string
	for _, step := range steps {
		if inDegree[step.StepID] > 0 {
			cycle = append(cycle, step.StepID)
		}
	}
	return NewCycleError(cycle)
}

// independent reports whether no member of group depends on another member.
func (a *Analyzer) independent(group []string, steps []TaskStep, index map[string]int) bool {
	members := make(map[string]bool, len(group))
	for _, id := range group {
		members[id] = true
	}
	for _, id := range group {
		for _, dep := range steps[index[id]].Dependencies {
			if members[dep] {
				return false
			}
		}
	}
	return true
}
