// Copyright (C) 2025 Tillerworks (oss@tillerworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package plan

import (
	"fmt"
	"strings"
	"time"

	"github.com/tillerworks/tiller/services/engine/goal"
	"github.com/tillerworks/tiller/services/engine/state"
)

// Capability categories the generator tags steps with. The tool registry
// resolves each category to a concrete registered tool.
const (
	CategoryCalendar     = "calendar"
	CategoryResearch     = "research"
	CategoryShopping     = "shopping"
	CategoryAnalysis     = "analysis"
	CategoryFile         = "file"
	CategorySystem       = "system"
	CategoryValidation   = "validation"
	CategoryNotification = "notification"
	CategoryExecute      = "execute"
)

// stepEstimates are the fixed per-category duration estimates. Fixed
// values keep generation a pure function of its inputs.
var stepEstimates = map[string]time.Duration{
	CategoryCalendar:     2 * time.Minute,
	CategoryResearch:     10 * time.Minute,
	CategoryShopping:     3 * time.Minute,
	CategoryAnalysis:     5 * time.Minute,
	CategoryFile:         2 * time.Minute,
	CategorySystem:       15 * time.Minute,
	CategoryValidation:   3 * time.Minute,
	CategoryNotification: 1 * time.Minute,
	CategoryExecute:      10 * time.Minute,
}

// estimate returns the duration estimate for a category.
func estimate(category string) time.Duration {
	if d, ok := stepEstimates[category]; ok {
		return d
	}
	return 10 * time.Minute
}

// template is one decomposition pattern matched against the objective.
type template struct {
	// name identifies the template on the generated plan.
	name string

	// keywords trigger the template when any appears in the objective.
	keywords []string

	// build produces the ordered steps for the goal.
	build func(g *goal.Goal) []TaskStep
}

// Generator decomposes goals into task plans.
//
// Description:
//
//	Decomposition selects a template by keyword matching over the
//	objective, falls back to one step per stored requirement, and
//	finally to a three-step analyze → execute → validate plan.
//	Generation is a pure function of (goal, snapshot, generation): no
//	randomness, fixed estimates, IDs derived from the inputs. Identical
//	inputs always reproduce an identical plan.
//
// Thread Safety:
//
//	Generator is stateless after construction and safe for concurrent
//	use.
type Generator struct {
	templates []template
	now       func() time.Time
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithClock overrides the timestamp source. Used in tests.
func WithClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) {
		g.now = now
	}
}

// NewGenerator creates a plan generator with the built-in templates.
func NewGenerator(opts ...GeneratorOption) *Generator {
	g := &Generator{
		templates: builtinTemplates(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate decomposes the goal into a task plan.
//
// Inputs:
//
//	g - The goal. Objective must be non-empty.
//	snap - The current system snapshot; its fingerprint becomes the
//	       plan's drift token.
//	generation - Monotonic re-plan counter for this goal, supplied by
//	             the caller. Part of the deterministic plan ID.
//
// Outputs:
//
//	*TaskPlan - Plan with unique, execution-order-consistent step IDs
//	            and forward-only dependencies. Not yet analyzed.
//	error - ErrEmptyObjective if the goal has no objective.
func (gen *Generator) Generate(g *goal.Goal, snap *state.Snapshot, generation int) (*TaskPlan, error) {
	if g.Objective == "" {
		return nil, ErrEmptyObjective
	}

	templateName := "default"
	var steps []TaskStep

	if tpl, ok := gen.match(g.Objective); ok {
		templateName = tpl.name
		steps = tpl.build(g)
	} else if len(g.Requirements) > 0 {
		templateName = "requirements"
		steps = stepsFromRequirements(g)
	} else {
		steps = defaultSteps(g)
	}

	for i := range steps {
		steps[i].Status = StepPending
		if steps[i].EstimatedDuration == 0 {
			steps[i].EstimatedDuration = estimate(steps[i].Category)
		}
	}

	fingerprint := ""
	if snap != nil {
		fingerprint = snap.Fingerprint
	}

	return &TaskPlan{
		PlanID:              fmt.Sprintf("%s-p%03d", g.ID, generation),
		GoalID:              g.ID,
		Steps:               steps,
		Status:              PlanReady,
		SnapshotFingerprint: fingerprint,
		Template:            templateName,
		CreatedAt:           gen.now(),
	}, nil
}

// match returns the first template whose keywords appear in the objective.
func (gen *Generator) match(objective string) (template, bool) {
	lowered := strings.ToLower(objective)
	for _, tpl := range gen.templates {
		for _, keyword := range tpl.keywords {
			if strings.Contains(lowered, keyword) {
				return tpl, true
			}
		}
	}
	return template{}, false
}

// builtinTemplates returns the decomposition patterns in match order.
func builtinTemplates() []template {
	return []template{
		{
			name:     "event_planning",
			keywords: []string{"movie night", "party", "dinner", "game night", "event"},
			build:    buildEventPlanningSteps,
		},
		{
			name:     "system_enhancement",
			keywords: []string{"improve", "optimize", "upgrade", "enhance", "clean up"},
			build:    buildSystemEnhancementSteps,
		},
	}
}

// buildEventPlanningSteps is the calendar-and-shopping bundle: check the
// calendar and research options independently, then create the event and
// stock the shopping list.
func buildEventPlanningSteps(g *goal.Goal) []TaskStep {
	return []TaskStep{
		{
			StepID:             "step-1",
			Description:        "Check calendar for availability",
			Category:           CategoryCalendar,
			ValidationCriteria: []string{"an open time slot is identified"},
			Parameters:         map[string]any{"action": "check", "range": "week"},
		},
		{
			StepID:             "step-2",
			Description:        fmt.Sprintf("Research options for: %s", g.Objective),
			Category:           CategoryResearch,
			ValidationCriteria: []string{"at least one candidate option found"},
			Parameters:         map[string]any{"query": g.Objective},
		},
		{
			StepID:             "step-3",
			Description:        "Create calendar event in the open slot",
			Category:           CategoryCalendar,
			Dependencies:       []string{"step-1", "step-2"},
			ValidationCriteria: []string{"event exists on the calendar"},
			Parameters:         map[string]any{"action": "create", "title": g.Title},
		},
		{
			StepID:             "step-4",
			Description:        "Add needed items to the shopping list",
			Category:           CategoryShopping,
			Dependencies:       []string{"step-2"},
			ValidationCriteria: []string{"items present on the shopping list"},
			Parameters:         map[string]any{"source": "step-2"},
		},
	}
}

// buildSystemEnhancementSteps is the system-enhancement bundle: analyze,
// back up, apply, verify.
func buildSystemEnhancementSteps(g *goal.Goal) []TaskStep {
	return []TaskStep{
		{
			StepID:             "step-1",
			Description:        "Analyze current system state",
			Category:           CategoryAnalysis,
			ValidationCriteria: []string{"state report produced"},
		},
		{
			StepID:             "step-2",
			Description:        "Back up affected state",
			Category:           CategoryFile,
			ValidationCriteria: []string{"backup written"},
		},
		{
			StepID:             "step-3",
			Description:        fmt.Sprintf("Apply enhancement: %s", g.Objective),
			Category:           CategorySystem,
			Dependencies:       []string{"step-1", "step-2"},
			ValidationCriteria: []string{"enhancement applied without errors"},
			Parameters:         map[string]any{"objective": g.Objective},
		},
		{
			StepID:             "step-4",
			Description:        "Verify system health after change",
			Category:           CategoryValidation,
			Dependencies:       []string{"step-3"},
			ValidationCriteria: append([]string(nil), g.SuccessCriteria...),
		},
	}
}

// stepsFromRequirements produces one step per stored requirement, chained
// in declared order so requirements execute as written.
func stepsFromRequirements(g *goal.Goal) []TaskStep {
	steps := make([]TaskStep, 0, len(g.Requirements))
	for i, req := range g.Requirements {
		step := TaskStep{
			StepID:      fmt.Sprintf("step-%d", i+1),
			Description: req,
			Category:    categorize(req),
		}
		if i > 0 {
			step.Dependencies = []string{fmt.Sprintf("step-%d", i)}
		}
		steps = append(steps, step)
	}
	return steps
}

// categorize infers a capability category from requirement text.
func categorize(requirement string) string {
	lowered := strings.ToLower(requirement)
	switch {
	case strings.Contains(lowered, "calendar") || strings.Contains(lowered, "schedule"):
		return CategoryCalendar
	case strings.Contains(lowered, "shopping") || strings.Contains(lowered, "buy"):
		return CategoryShopping
	case strings.Contains(lowered, "research") || strings.Contains(lowered, "find"):
		return CategoryResearch
	case strings.Contains(lowered, "file") || strings.Contains(lowered, "write") || strings.Contains(lowered, "save"):
		return CategoryFile
	case strings.Contains(lowered, "notify") || strings.Contains(lowered, "remind"):
		return CategoryNotification
	default:
		return CategoryExecute
	}
}

// defaultSteps is the three-step fallback used when no template matches
// and the goal carries no requirements.
func defaultSteps(g *goal.Goal) []TaskStep {
	return []TaskStep{
		{
			StepID:      "step-1",
			Description: fmt.Sprintf("Analyze approach for: %s", g.Objective),
			Category:    CategoryAnalysis,
		},
		{
			StepID:       "step-2",
			Description:  fmt.Sprintf("Execute: %s", g.Objective),
			Category:     CategoryExecute,
			Dependencies: []string{"step-1"},
			Parameters:   map[string]any{"objective": g.Objective},
		},
		{
			StepID:             "step-3",
			Description:        "Validate outcome against success criteria",
			Category:           CategoryValidation,
			Dependencies:       []string{"step-2"},
			ValidationCriteria: append([]string(nil), g.SuccessCriteria...),
		},
	}
}
