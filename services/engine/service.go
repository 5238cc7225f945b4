// Copyright (C) 2025 Tillerworks (oss@tillerworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine is the goal-to-execution facade.
//
// A Service owns the full lifecycle: goals are created, decomposed into
// task plans, executed against the tool registry, and audited. The
// HTTP layer in this package is a thin veneer over the same operations.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tillerworks/tiller/services/engine/config"
	"github.com/tillerworks/tiller/services/engine/events"
	"github.com/tillerworks/tiller/services/engine/exec"
	"github.com/tillerworks/tiller/services/engine/goal"
	"github.com/tillerworks/tiller/services/engine/observability"
	"github.com/tillerworks/tiller/services/engine/plan"
	"github.com/tillerworks/tiller/services/engine/state"
	"github.com/tillerworks/tiller/services/engine/storage"
	"github.com/tillerworks/tiller/services/engine/tools"
)

// ErrGoalNotFound is returned when a goal ID is unknown.
var ErrGoalNotFound = errors.New("goal not found")

// ErrNoPlan is returned when an operation needs a plan that does not
// exist yet.
var ErrNoPlan = errors.New("goal has no plan")

// engineActor is the principal plan executions run as. It holds every
// builtin grant; external callers supply their own actor.
var engineActor = tools.Actor{Name: "engine", Grants: []tools.Permission{
	tools.PermCalendarRead, tools.PermCalendarWrite, tools.PermFileRead,
	tools.PermFileWrite, tools.PermDataRead, tools.PermDataWrite,
	tools.PermNotify, tools.PermSystem, tools.PermMedia, tools.PermHome,
}}

// Deps are the collaborators a Service needs.
type Deps struct {
	Store    *storage.Store
	Registry *tools.Registry
	Invoker  *tools.Invoker
	Sampler  *state.Sampler
	Hub      *events.Hub
	Metrics  *observability.EngineMetrics
	Logger   *slog.Logger
	Config   config.EngineConfig
}

// Service coordinates goals, plans, tools, and execution.
//
// Thread Safety: all methods are safe for concurrent use.
type Service struct {
	store     *storage.Store
	registry  *tools.Registry
	invoker   *tools.Invoker
	sampler   *state.Sampler
	hub       *events.Hub
	metrics   *observability.EngineMetrics
	logger    *slog.Logger
	cfg       config.EngineConfig
	generator *plan.Generator
	analyzer  *plan.Analyzer
	risk      *plan.RiskAssessor
	rollback  *plan.RollbackPlanner
	engine    *exec.Engine
	clock     func() time.Time

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewService wires a Service from its dependencies.
func NewService(deps Deps) (*Service, error) {
	if deps.Store == nil || deps.Registry == nil || deps.Invoker == nil {
		return nil, errors.New("store, registry, and invoker are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.MaxParallel < 1 {
		deps.Config.MaxParallel = 4
	}
	if deps.Config.RiskDurationThreshold <= 0 {
		deps.Config.RiskDurationThreshold = 30 * time.Minute
	}

	svc := &Service{
		store:     deps.Store,
		registry:  deps.Registry,
		invoker:   deps.Invoker,
		sampler:   deps.Sampler,
		hub:       deps.Hub,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With(slog.String("component", "engine_service")),
		cfg:       deps.Config,
		generator: plan.NewGenerator(),
		analyzer:  plan.NewAnalyzer(),
		risk:      plan.NewRiskAssessor(deps.Config.RiskDurationThreshold),
		rollback:  plan.NewRollbackPlanner(),
		clock:     time.Now,
		cancels:   make(map[string]context.CancelFunc),
	}

	runStore := &eventingStore{Store: deps.Store, hub: deps.Hub}
	svc.engine = exec.NewEngine(deps.Invoker, deps.Registry, runStore, deps.Metrics, deps.Logger,
		exec.Options{MaxParallel: deps.Config.MaxParallel})
	return svc, nil
}

// eventingStore mirrors audit appends to the event hub so WebSocket
// subscribers see the run as it happens.
type eventingStore struct {
	*storage.Store
	hub *events.Hub
}

func (s *eventingStore) AppendAudit(ctx context.Context, event *storage.AuditEvent) error {
	if err := s.Store.AppendAudit(ctx, event); err != nil {
		return err
	}
	if s.hub != nil {
		s.hub.Publish(event)
	}
	return nil
}

// CreateGoalParams carry the caller's goal definition.
type CreateGoalParams struct {
	Title           string     `json:"title"`
	Objective       string     `json:"objective"`
	Requirements    []string   `json:"requirements,omitempty"`
	Constraints     []string   `json:"constraints,omitempty"`
	SuccessCriteria []string   `json:"success_criteria,omitempty"`
	Priority        string     `json:"priority"`
	Deadline        *time.Time `json:"deadline,omitempty"`
	Dependencies    []string   `json:"dependencies,omitempty"`
}

// CreateGoal validates and persists a new goal in the pending state.
func (s *Service) CreateGoal(ctx context.Context, params CreateGoalParams) (*goal.Goal, error) {
	title := params.Title
	if title == "" {
		title = params.Objective
	}
	priority := goal.Priority(params.Priority)
	if params.Priority == "" {
		priority = goal.PriorityMedium
	}

	g := &goal.Goal{
		ID:              "g-" + uuid.NewString()[:8],
		Title:           title,
		Objective:       params.Objective,
		Requirements:    params.Requirements,
		Constraints:     params.Constraints,
		SuccessCriteria: params.SuccessCriteria,
		Priority:        priority,
		Deadline:        params.Deadline,
		Dependencies:    params.Dependencies,
		Status:          goal.StatusPending,
		CreatedAt:       s.clock().UTC(),
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.PutGoal(ctx, g); err != nil {
		return nil, fmt.Errorf("persist goal: %w", err)
	}

	s.audit(ctx, &storage.AuditEvent{GoalID: g.ID, Kind: storage.AuditGoalCreated, Detail: map[string]any{
		"objective": g.Objective,
		"priority":  string(g.Priority),
	}})
	s.logger.Info("goal created", slog.String("goal_id", g.ID), slog.String("objective", g.Objective))
	return g, nil
}

// Goal loads a goal by ID.
func (s *Service) Goal(ctx context.Context, goalID string) (*goal.Goal, error) {
	g, err := s.store.GetGoal(ctx, goalID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrGoalNotFound, goalID)
		}
		return nil, err
	}
	return g, nil
}

// Goals lists all goals, oldest first.
func (s *Service) Goals(ctx context.Context) ([]*goal.Goal, error) {
	return s.store.ListGoals(ctx)
}

// Plan generates a task plan for a pending goal and leaves the goal in
// the planning state, ready to execute. Calling Plan again on a
// planning goal supersedes the previous plan.
func (s *Service) Plan(ctx context.Context, goalID string) (*plan.TaskPlan, error) {
	g, err := s.Goal(ctx, goalID)
	if err != nil {
		return nil, err
	}

	switch g.Status {
	case goal.StatusPending:
		if err := g.Transition(goal.StatusPlanning, s.clock()); err != nil {
			return nil, err
		}
		if err := s.store.PutGoal(ctx, g); err != nil {
			return nil, fmt.Errorf("persist goal: %w", err)
		}
	case goal.StatusPlanning:
		// Re-plan: the previous plan is superseded below.
	default:
		return nil, fmt.Errorf("goal %s is %s; planning requires a pending goal", g.ID, g.Status)
	}

	return s.generatePlan(ctx, g)
}

// generatePlan samples system state, generates and analyzes a plan,
// supersedes any prior active plan, and persists the result.
func (s *Service) generatePlan(ctx context.Context, g *goal.Goal) (*plan.TaskPlan, error) {
	snap := s.sample(ctx)

	previous, err := s.store.PlansForGoal(ctx, g.ID)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	generation := len(previous) + 1

	p, err := s.generator.Generate(g, snap, generation)
	if err != nil {
		return nil, fmt.Errorf("generate plan: %w", err)
	}

	analysis, err := s.analyzer.Analyze(p.Steps)
	if err != nil {
		return nil, fmt.Errorf("analyze plan: %w", err)
	}
	p.CriticalPath = analysis.CriticalPath
	p.ParallelGroups = analysis.ParallelGroups
	p.Risk = s.risk.Assess(g, p.Steps)
	p.Rollback = s.rollback.Build(p.Steps)
	p.Status = plan.PlanReady

	for _, prior := range previous {
		if prior.Status.Terminal() {
			continue
		}
		prior.Status = plan.PlanSuperseded
		if err := s.store.PutPlan(ctx, prior); err != nil {
			return nil, fmt.Errorf("supersede plan %s: %w", prior.PlanID, err)
		}
		s.audit(ctx, &storage.AuditEvent{GoalID: g.ID, PlanID: prior.PlanID, Kind: storage.AuditPlanSuperseded, Detail: map[string]any{
			"superseded_by": p.PlanID,
		}})
	}

	if err := s.store.PutPlan(ctx, p); err != nil {
		return nil, fmt.Errorf("persist plan: %w", err)
	}
	if s.metrics != nil {
		s.metrics.PlansGeneratedTotal.WithLabelValues(p.Template).Inc()
	}
	s.audit(ctx, &storage.AuditEvent{GoalID: g.ID, PlanID: p.PlanID, Kind: storage.AuditPlanGenerated, Detail: map[string]any{
		"template":   p.Template,
		"steps":      len(p.Steps),
		"risk_level": string(p.Risk.Level),
	}})
	s.logger.Info("plan generated",
		slog.String("goal_id", g.ID),
		slog.String("plan_id", p.PlanID),
		slog.String("template", p.Template),
		slog.Int("steps", len(p.Steps)),
	)
	return p, nil
}

// sample captures a system snapshot, or nil when no sampler is wired.
func (s *Service) sample(ctx context.Context) *state.Snapshot {
	if s.sampler == nil {
		return nil
	}
	snap, err := s.sampler.Current(ctx)
	if err != nil {
		s.logger.Warn("state sampling failed", slog.Any("error", err))
		return nil
	}
	return snap
}

// Execute runs a goal's active plan to settlement.
//
// A pending goal is planned first. Before dispatch the system snapshot
// is re-sampled; when the fingerprint has drifted since planning, the
// plan is superseded and regenerated so execution matches current
// state. Execute blocks until the run settles, pauses on confirmation,
// or is cancelled.
func (s *Service) Execute(ctx context.Context, goalID string) (*exec.Outcome, error) {
	g, err := s.Goal(ctx, goalID)
	if err != nil {
		return nil, err
	}

	var p *plan.TaskPlan
	switch g.Status {
	case goal.StatusPending:
		if _, err := s.Plan(ctx, goalID); err != nil {
			return nil, err
		}
		g, err = s.Goal(ctx, goalID)
		if err != nil {
			return nil, err
		}
		p, err = s.ActivePlan(ctx, g.ID)
		if err != nil {
			return nil, err
		}
	case goal.StatusPlanning, goal.StatusExecuting:
		p, err = s.ActivePlan(ctx, g.ID)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("goal %s is %s and cannot execute", g.ID, g.Status)
	}

	// Drift check: regenerate when the world changed since planning.
	if g.Status == goal.StatusPlanning && p.SnapshotFingerprint != "" {
		if snap := s.sample(ctx); snap != nil && snap.Fingerprint != p.SnapshotFingerprint {
			s.logger.Info("state drift detected; re-planning",
				slog.String("goal_id", g.ID),
				slog.String("stale_plan", p.PlanID),
			)
			p, err = s.generatePlan(ctx, g)
			if err != nil {
				return nil, err
			}
		}
	}

	if g.Status != goal.StatusExecuting {
		if err := g.Transition(goal.StatusExecuting, s.clock()); err != nil {
			return nil, err
		}
		if err := s.store.PutGoal(ctx, g); err != nil {
			return nil, fmt.Errorf("persist goal: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancels[g.ID] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.cancels, g.ID)
		s.mu.Unlock()
	}()

	return s.engine.Run(runCtx, g, p, exec.RunOptions{
		Actor:       engineActor,
		AutoConfirm: s.cfg.AutoConfirm,
	})
}

// ActivePlan returns the goal's most recent non-terminal plan.
func (s *Service) ActivePlan(ctx context.Context, goalID string) (*plan.TaskPlan, error) {
	plans, err := s.store.PlansForGoal(ctx, goalID)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	for i := len(plans) - 1; i >= 0; i-- {
		if !plans[i].Status.Terminal() {
			return plans[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoPlan, goalID)
}

// Cancel stops a goal. A running execution is interrupted and settles
// as cancelled; a goal that is not running transitions directly.
func (s *Service) Cancel(ctx context.Context, goalID string) (*goal.Goal, error) {
	g, err := s.Goal(ctx, goalID)
	if err != nil {
		return nil, err
	}
	if g.Status.Terminal() {
		return g, nil
	}

	s.mu.Lock()
	cancel, running := s.cancels[goalID]
	s.mu.Unlock()
	if running {
		// The engine settles the goal as cancelled and persists it.
		cancel()
		return g, nil
	}

	if err := g.Transition(goal.StatusCancelled, s.clock()); err != nil {
		return nil, err
	}
	if err := s.store.PutGoal(ctx, g); err != nil {
		return nil, fmt.Errorf("persist goal: %w", err)
	}
	s.audit(ctx, &storage.AuditEvent{GoalID: g.ID, Kind: storage.AuditGoalCancelled, Detail: nil})
	if s.metrics != nil {
		s.metrics.GoalsTotal.WithLabelValues(string(goal.StatusCancelled)).Inc()
	}
	return g, nil
}

// InvokeTool runs one tool directly, outside any plan. This is the
// programmatic tool surface; permission, validation, confirmation, and
// retry policy all apply.
func (s *Service) InvokeTool(ctx context.Context, req tools.Request) *tools.Execution {
	return s.invoker.Invoke(ctx, req)
}

// Confirm resumes an execution parked at the confirmation gate.
func (s *Service) Confirm(ctx context.Context, executionID string) *tools.Execution {
	exec := s.invoker.Confirm(ctx, executionID)
	if exec.Confirmed && s.hub != nil {
		s.hub.Publish(&storage.AuditEvent{
			ExecutionID: exec.ExecutionID,
			Kind:        storage.AuditExecutionConfirmed,
			At:          s.clock().UTC(),
		})
	}
	return exec
}

// Execution loads an execution row by ID.
func (s *Service) Execution(ctx context.Context, executionID string) (*tools.Execution, error) {
	return s.store.GetExecution(ctx, executionID)
}

// StatusReport is the aggregate view returned by Status.
type StatusReport struct {
	Goal  *goal.Goal            `json:"goal"`
	Plan  *plan.TaskPlan        `json:"plan,omitempty"`
	Audit []*storage.AuditEvent `json:"audit,omitempty"`
}

// Status returns a goal with its latest plan and audit trail.
func (s *Service) Status(ctx context.Context, goalID string) (*StatusReport, error) {
	g, err := s.Goal(ctx, goalID)
	if err != nil {
		return nil, err
	}
	report := &StatusReport{Goal: g}

	plans, err := s.store.PlansForGoal(ctx, goalID)
	if err != nil {
		return nil, err
	}
	if len(plans) > 0 {
		report.Plan = plans[len(plans)-1]
	}

	trail, err := s.store.AuditForGoal(ctx, goalID)
	if err != nil {
		return nil, err
	}
	report.Audit = trail
	return report, nil
}

// RegisteredTools lists every tool definition, sorted by name.
func (s *Service) RegisteredTools() []tools.ToolDefinition {
	return s.registry.Definitions()
}

// ToolStats returns a tool's in-memory usage counters.
func (s *Service) ToolStats(name string) (tools.Stats, bool) {
	return s.registry.Stats(name)
}

func (s *Service) audit(ctx context.Context, event *storage.AuditEvent) {
	if event.At.IsZero() {
		event.At = s.clock().UTC()
	}
	if err := s.store.AppendAudit(ctx, event); err != nil {
		s.logger.Error("append audit event", slog.String("kind", string(event.Kind)), slog.Any("error", err))
		return
	}
	if s.hub != nil {
		s.hub.Publish(event)
	}
}
