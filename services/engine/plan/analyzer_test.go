// Copyright (C) 2025 Tillerworks (oss@tillerworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func step(id string, deps ...string) TaskStep {
	return TaskStep{StepID: id, Description: id, Category: CategoryExecute, Dependencies: deps}
}

func TestAnalyzeNoDependenciesPutsAllStepsOnCriticalPath(t *testing.T) {
	steps := []TaskStep{step("a"), step("b"), step("c")}

	analysis, err := NewAnalyzer().Analyze(steps)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, analysis.CriticalPath)
	// All steps are mutually independent at depth 0.
	require.Len(t, analysis.ParallelGroups, 1)
	assert.Equal(t, []string{"a", "b", "c"}, analysis.ParallelGroups[0])
}

func TestAnalyzeDiamond(t *testing.T) {
	steps := []TaskStep{
		step("fetch"),
		step("parse", "fetch"),
		step("index", "fetch"),
		step("report", "parse", "index"),
	}

	analysis, err := NewAnalyzer().Analyze(steps)
	require.NoError(t, err)

	assert.Equal(t, []string{"fetch", "parse", "index", "report"}, analysis.CriticalPath)
	require.Len(t, analysis.ParallelGroups, 1)
	assert.Equal(t, []string{"parse", "index"}, analysis.ParallelGroups[0])
	assert.Equal(t, 0, analysis.Levels["fetch"])
	assert.Equal(t, 1, analysis.Levels["parse"])
	assert.Equal(t, 2, analysis.Levels["report"])
}

func TestAnalyzeRejectsCycle(t *testing.T) {
	steps := []TaskStep{
		step("a", "c"),
		step("b", "a"),
		step("c", "b"),
	}

	_, err := NewAnalyzer().Analyze(steps)
	require.ErrorIs(t, err, ErrDependencyCycle)

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, cycleErr.Steps)
}

func TestAnalyzeRejectsSelfDependency(t *testing.T) {
	_, err := NewAnalyzer().Analyze([]TaskStep{step("a", "a")})
	require.ErrorIs(t, err, ErrSelfDependency)
}

func TestAnalyzeRejectsUnknownDependency(t *testing.T) {
	_, err := NewAnalyzer().Analyze([]TaskStep{step("a", "ghost")})
	require.ErrorIs(t, err, ErrUnknownDependency)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "a", stepErr.StepID)
}

func TestAnalyzeRejectsEmptyPlan(t *testing.T) {
	_, err := NewAnalyzer().Analyze(nil)
	require.ErrorIs(t, err, ErrNoSteps)
}

func TestAnalyzePartialCycleKeepsAcyclicPrefixOut(t *testing.T) {
	// A cycle among later steps must reject the whole plan even when
	// earlier steps are fine.
	steps := []TaskStep{
		step("ok"),
		step("x", "y"),
		step("y", "x"),
	}
	_, err := NewAnalyzer().Analyze(steps)
	require.ErrorIs(t, err, ErrDependencyCycle)

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.NotContains(t, cycleErr.Steps, "ok")
}
