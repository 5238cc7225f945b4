// Copyright (C) 2025 Tillerworks (oss@tillerworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package exec runs task plans against the tool registry.
//
// The engine dispatches steps in dependency order with bounded
// parallelism: a step is dispatched the moment every dependency has
// completed, up to the configured parallel limit. A step failure stops
// new dispatch, skips every transitive dependent, and rolls back
// completed steps in reverse completion order before settling the goal.
//
// Thread Safety:
//
//	Engine is safe for concurrent use. Multiple plans can run
//	concurrently on the same Engine.
package exec

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/tillerworks/tiller/services/engine/goal"
	"github.com/tillerworks/tiller/services/engine/observability"
	"github.com/tillerworks/tiller/services/engine/plan"
	"github.com/tillerworks/tiller/services/engine/storage"
	"github.com/tillerworks/tiller/services/engine/tools"
)

var tracer = otel.Tracer("tiller.engine")

// ToolRunner dispatches tool invocations. Implemented by the tool
// layer's Invoker.
type ToolRunner interface {
	Invoke(ctx context.Context, req tools.Request) *tools.Execution
	Rollback(ctx context.Context, toolName string, params map[string]any) (bool, error)
}

// Binder resolves a capability category to candidate tools, highest
// priority first. Implemented by the tool registry.
type Binder interface {
	GetByCategory(category string) []tools.Tool
}

// Store persists goal, plan, and audit records across the run, and
// loads execution rows so a re-run can pick up confirmed steps.
type Store interface {
	PutGoal(ctx context.Context, g *goal.Goal) error
	PutPlan(ctx context.Context, p *plan.TaskPlan) error
	AppendAudit(ctx context.Context, event *storage.AuditEvent) error
	GetExecution(ctx context.Context, id string) (*tools.Execution, error)
}

// Options configure an Engine.
type Options struct {
	// MaxParallel bounds simultaneously dispatched steps. Default 4.
	MaxParallel int
}

// RunOptions configure a single plan run.
type RunOptions struct {
	// Actor is the principal tool invocations run as.
	Actor tools.Actor

	// AutoConfirm executes confirmation-gated tools without parking.
	// When false, such steps pause the run; the returned Outcome lists
	// the execution IDs awaiting confirmation.
	AutoConfirm bool
}

// Outcome reports how a plan run settled.
type Outcome struct {
	// GoalStatus is the goal's status after the run.
	GoalStatus goal.Status

	// StepExecutions maps step ID to its execution row.
	StepExecutions map[string]*tools.Execution

	// FailedStep is the step that triggered failure handling, if any.
	FailedStep string

	// Skipped lists steps skipped because a dependency failed.
	Skipped []string

	// RolledBack lists steps whose compensating action completed,
	// in rollback order.
	RolledBack []string

	// RollbackErrors lists rollback failures. Non-empty implies the
	// goal requires manual intervention.
	RollbackErrors []string

	// AwaitingConfirmation lists execution IDs parked at the
	// confirmation gate. Non-empty means the run paused, not settled.
	AwaitingConfirmation []string

	// Duration is the wall-clock run time.
	Duration time.Duration
}

// Engine executes task plans.
type Engine struct {
	runner  ToolRunner
	binder  Binder
	store   Store
	metrics *observability.EngineMetrics
	logger  *slog.Logger
	opts    Options
	clock   func() time.Time
}

// NewEngine creates an execution engine.
func NewEngine(runner ToolRunner, binder Binder, store Store, metrics *observability.EngineMetrics, logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 4
	}
	return &Engine{
		runner:  runner,
		binder:  binder,
		store:   store,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "exec_engine")),
		opts:    opts,
		clock:   time.Now,
	}
}

type stepResult struct {
	stepID string
	exec   *tools.Execution
}

// Run executes a plan and settles the goal.
//
// The goal must be in the executing state and the plan must belong to
// it. Run mutates both records and persists them through the store.
// The returned Outcome is always non-nil; the error reports persistence
// or wiring problems, not step failures.
func (e *Engine) Run(ctx context.Context, g *goal.Goal, p *plan.TaskPlan, opts RunOptions) (*Outcome, error) {
	if g == nil || p == nil {
		return nil, fmt.Errorf("goal and plan are required")
	}
	if p.GoalID != g.ID {
		return nil, fmt.Errorf("plan %s does not belong to goal %s", p.PlanID, g.ID)
	}
	if g.Status != goal.StatusExecuting {
		return nil, fmt.Errorf("goal %s is %s, want %s", g.ID, g.Status, goal.StatusExecuting)
	}

	ctx, span := tracer.Start(ctx, "engine.RunPlan",
		trace.WithAttributes(
			attribute.String("goal.id", g.ID),
			attribute.String("plan.id", p.PlanID),
			attribute.Int("plan.steps", len(p.Steps)),
		),
	)
	defer span.End()

	start := e.clock()
	e.logger.Info("plan execution started",
		slog.String("goal_id", g.ID),
		slog.String("plan_id", p.PlanID),
		slog.Int("steps", len(p.Steps)),
	)

	p.Status = plan.PlanExecuting
	if err := e.store.PutPlan(ctx, p); err != nil {
		return nil, fmt.Errorf("persist executing plan: %w", err)
	}

	run := &runState{
		engine:  e,
		goal:    g,
		plan:    p,
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(e.opts.MaxParallel)),
		results: make(chan stepResult),
		outcome: &Outcome{StepExecutions: make(map[string]*tools.Execution)},
		blocked: make(map[string]bool),
		byID:    make(map[string]*plan.TaskStep, len(p.Steps)),
	}
	for i := range p.Steps {
		run.byID[p.Steps[i].StepID] = &p.Steps[i]
	}

	run.loop(ctx)
	run.settle(ctx)

	run.outcome.Duration = e.clock().Sub(start)
	if run.outcome.FailedStep != "" {
		span.SetStatus(codes.Error, fmt.Sprintf("step %s failed", run.outcome.FailedStep))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return run.outcome, run.persist(ctx)
}

// runState carries one Run invocation's mutable state. All fields are
// touched only from the event loop goroutine; worker goroutines report
// through the results channel.
type runState struct {
	engine  *Engine
	goal    *goal.Goal
	plan    *plan.TaskPlan
	opts    RunOptions
	sem     *semaphore.Weighted
	results chan stepResult
	outcome *Outcome

	running         int
	cancelled       bool
	failed          *plan.TaskStep
	blocked         map[string]bool
	byID            map[string]*plan.TaskStep
	completionOrder []string
}

// loop is the dispatch event loop. It runs until every step is settled,
// the run pauses on confirmation, a failure stops dispatch, or the
// context is cancelled.
func (r *runState) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			r.cancelled = true
			r.drain(ctx)
			return
		}
		// Resumed steps settle synchronously inside dispatchReady, which
		// can make further steps ready in the same pass. Keep scanning
		// until a pass makes no progress.
		for r.failed == nil && r.dispatchReady(ctx) {
		}
		if r.running == 0 {
			return
		}
		select {
		case <-ctx.Done():
			r.cancelled = true
			r.drain(ctx)
			return
		case res := <-r.results:
			r.running--
			r.absorb(ctx, res)
		}
	}
}

// drain waits out in-flight steps after cancellation so worker
// goroutines never outlive the run. Results are still absorbed so the
// persisted plan reflects how each in-flight step settled.
func (r *runState) drain(ctx context.Context) {
	for r.running > 0 {
		res := <-r.results
		r.running--
		r.absorb(ctx, res)
	}
}

// dispatchReady starts every pending step whose dependencies have all
// completed. It reports whether anything was dispatched or resumed.
func (r *runState) dispatchReady(ctx context.Context) bool {
	progressed := false
	for i := range r.plan.Steps {
		step := &r.plan.Steps[i]
		if step.Status != plan.StepPending || r.blocked[step.StepID] {
			continue
		}
		ready := true
		for _, dep := range step.Dependencies {
			if r.byID[dep].Status != plan.StepCompleted {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		r.dispatch(ctx, step)
		progressed = true
		if r.failed != nil {
			break
		}
	}
	return progressed
}

func (r *runState) dispatch(ctx context.Context, step *plan.TaskStep) {
	e := r.engine
	if step.ExecutionID != "" && r.resume(ctx, step) {
		return
	}
	candidates := e.binder.GetByCategory(step.Category)
	if len(candidates) == 0 {
		now := e.clock()
		r.failed = step
		step.Status = plan.StepFailed
		r.outcome.FailedStep = step.StepID
		r.outcome.StepExecutions[step.StepID] = &tools.Execution{
			Status:       tools.ExecFailed,
			ErrorKind:    tools.ErrorKindNotFound,
			ErrorMessage: fmt.Sprintf("no tool registered for category %q", step.Category),
			CreatedAt:    now,
			CompletedAt:  &now,
		}
		e.auditStep(ctx, r.goal, r.plan, step, storage.AuditStepFailed, map[string]any{
			"error_kind": string(tools.ErrorKindNotFound),
		})
		return
	}

	tool := candidates[0]
	def := tool.Definition()
	params := bindParams(step, &def)

	step.Status = plan.StepRunning
	e.auditStep(ctx, r.goal, r.plan, step, storage.AuditStepStarted, map[string]any{"tool": def.Name})

	r.running++
	go func(stepID, toolName string, params map[string]any) {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			now := e.clock()
			r.results <- stepResult{stepID: stepID, exec: &tools.Execution{
				ToolName:     toolName,
				Status:       tools.ExecFailed,
				ErrorKind:    tools.ErrorKindCancelled,
				ErrorMessage: err.Error(),
				CreatedAt:    now,
				CompletedAt:  &now,
			}}
			return
		}
		defer r.sem.Release(1)

		if e.metrics != nil {
			e.metrics.ActiveExecutions.Inc()
			defer e.metrics.ActiveExecutions.Dec()
		}

		started := e.clock()
		exec := e.runner.Invoke(ctx, tools.Request{
			ToolName:    toolName,
			Parameters:  params,
			Actor:       r.opts.Actor,
			AutoConfirm: r.opts.AutoConfirm,
		})
		if e.metrics != nil {
			e.metrics.ToolDurationSeconds.WithLabelValues(toolName).Observe(e.clock().Sub(started).Seconds())
			e.metrics.ToolInvocationsTotal.WithLabelValues(toolName, string(exec.Status)).Inc()
			if exec.ErrorKind != tools.ErrorKindNone {
				e.metrics.ToolErrorsTotal.WithLabelValues(toolName, string(exec.ErrorKind)).Inc()
			}
		}
		r.results <- stepResult{stepID: stepID, exec: exec}
	}(step.StepID, def.Name, params)
}

// resume folds in the execution already recorded for a step instead of
// invoking its tool again. Steps parked at the confirmation gate keep
// their execution ID, so once the user confirms and the invoker runs
// the tool, a re-run absorbs that result here. Returns false when the
// step should dispatch fresh.
func (r *runState) resume(ctx context.Context, step *plan.TaskStep) bool {
	e := r.engine
	prior, err := e.store.GetExecution(ctx, step.ExecutionID)
	if err != nil {
		e.logger.Warn("recorded execution not found, redispatching step",
			slog.String("step_id", step.StepID),
			slog.String("execution_id", step.ExecutionID),
		)
		step.ExecutionID = ""
		return false
	}
	switch prior.Status {
	case tools.ExecCompleted, tools.ExecFailed:
		r.absorb(ctx, stepResult{stepID: step.StepID, exec: prior})
		return true
	default:
		// Still awaiting confirmation or in flight. Keep the pause.
		r.blocked[step.StepID] = true
		r.outcome.StepExecutions[step.StepID] = prior
		r.outcome.AwaitingConfirmation = append(r.outcome.AwaitingConfirmation, prior.ExecutionID)
		return true
	}
}

// absorb folds one step result into the run state.
func (r *runState) absorb(ctx context.Context, res stepResult) {
	e := r.engine
	step := r.byID[res.stepID]
	r.outcome.StepExecutions[res.stepID] = res.exec

	switch res.exec.Status {
	case tools.ExecCompleted:
		step.Status = plan.StepCompleted
		step.ExecutionID = res.exec.ExecutionID
		r.completionOrder = append(r.completionOrder, step.StepID)
		if e.metrics != nil {
			e.metrics.StepsTotal.WithLabelValues(string(plan.StepCompleted)).Inc()
		}
		e.auditStep(ctx, r.goal, r.plan, step, storage.AuditStepCompleted, map[string]any{
			"execution_id": res.exec.ExecutionID,
		})

	case tools.ExecPendingConfirmation:
		// The tool parked at the confirmation gate. The step goes back
		// to pending but is blocked from redispatch; the run pauses
		// once in-flight steps settle. The execution ID stays on the
		// step so the next run resumes it rather than invoking anew.
		step.Status = plan.StepPending
		step.ExecutionID = res.exec.ExecutionID
		r.blocked[step.StepID] = true
		r.outcome.AwaitingConfirmation = append(r.outcome.AwaitingConfirmation, res.exec.ExecutionID)
		e.auditStep(ctx, r.goal, r.plan, step, storage.AuditExecutionPending, map[string]any{
			"execution_id": res.exec.ExecutionID,
		})

	default:
		step.Status = plan.StepFailed
		if r.failed == nil {
			r.failed = step
			r.outcome.FailedStep = step.StepID
		}
		if e.metrics != nil {
			e.metrics.StepsTotal.WithLabelValues(string(plan.StepFailed)).Inc()
		}
		e.auditStep(ctx, r.goal, r.plan, step, storage.AuditStepFailed, map[string]any{
			"execution_id": res.exec.ExecutionID,
			"error_kind":   string(res.exec.ErrorKind),
			"error":        res.exec.ErrorMessage,
		})
	}
}

// settle marks skips, rolls back on failure, and moves the goal and
// plan to their final states.
func (r *runState) settle(ctx context.Context) {
	e := r.engine
	now := e.clock()

	switch {
	case r.cancelled:
		// Undispatched steps are skipped, never left pending.
		for i := range r.plan.Steps {
			step := &r.plan.Steps[i]
			if step.Status != plan.StepPending {
				continue
			}
			step.Status = plan.StepSkipped
			r.outcome.Skipped = append(r.outcome.Skipped, step.StepID)
			if e.metrics != nil {
				e.metrics.StepsTotal.WithLabelValues(string(plan.StepSkipped)).Inc()
			}
			e.auditStep(ctx, r.goal, r.plan, step, storage.AuditStepSkipped, map[string]any{
				"reason": "run cancelled",
			})
		}
		r.plan.Status = plan.PlanCancelled
		if err := r.goal.Transition(goal.StatusCancelled, now); err == nil {
			e.audit(ctx, r.goal, r.plan, storage.AuditGoalCancelled, nil)
		}
		if e.metrics != nil {
			e.metrics.GoalsTotal.WithLabelValues(string(goal.StatusCancelled)).Inc()
		}
		r.outcome.GoalStatus = r.goal.Status

	case r.failed != nil:
		r.skipDependents(ctx)
		r.rollback(ctx)
		r.plan.Status = plan.PlanFailed
		reason := fmt.Sprintf("step %s failed", r.failed.StepID)
		if exec := r.outcome.StepExecutions[r.failed.StepID]; exec != nil && exec.ErrorMessage != "" {
			reason = fmt.Sprintf("step %s failed: %s", r.failed.StepID, exec.ErrorMessage)
		}
		if len(r.outcome.RollbackErrors) > 0 {
			reason += "; rollback incomplete: " + strings.Join(r.outcome.RollbackErrors, "; ")
			r.goal.ManualInterventionRequired = true
		}
		r.goal.FailureReason = reason
		if err := r.goal.Transition(goal.StatusFailed, now); err == nil {
			e.audit(ctx, r.goal, r.plan, storage.AuditGoalFailed, map[string]any{"reason": reason})
		}
		if e.metrics != nil {
			e.metrics.GoalsTotal.WithLabelValues(string(goal.StatusFailed)).Inc()
		}
		r.outcome.GoalStatus = r.goal.Status

	case len(r.outcome.AwaitingConfirmation) > 0:
		// Paused, not settled. The goal stays executing until the
		// pending executions are confirmed and the plan is re-run.
		r.outcome.GoalStatus = r.goal.Status

	default:
		r.plan.Status = plan.PlanCompleted
		if err := r.goal.Transition(goal.StatusCompleted, now); err == nil {
			e.audit(ctx, r.goal, r.plan, storage.AuditGoalCompleted, nil)
		}
		if e.metrics != nil {
			e.metrics.GoalsTotal.WithLabelValues(string(goal.StatusCompleted)).Inc()
		}
		r.outcome.GoalStatus = r.goal.Status
	}
}

// skipDependents marks every step transitively downstream of a failed
// or skipped step as skipped.
func (r *runState) skipDependents(ctx context.Context) {
	e := r.engine
	for changed := true; changed; {
		changed = false
		for i := range r.plan.Steps {
			step := &r.plan.Steps[i]
			if step.Status != plan.StepPending {
				continue
			}
			for _, dep := range step.Dependencies {
				depStatus := r.byID[dep].Status
				if depStatus == plan.StepFailed || depStatus == plan.StepSkipped {
					step.Status = plan.StepSkipped
					r.outcome.Skipped = append(r.outcome.Skipped, step.StepID)
					if e.metrics != nil {
						e.metrics.StepsTotal.WithLabelValues(string(plan.StepSkipped)).Inc()
					}
					e.auditStep(ctx, r.goal, r.plan, step, storage.AuditStepSkipped, map[string]any{
						"blocked_by": dep,
					})
					changed = true
					break
				}
			}
		}
	}
}

// rollback compensates completed steps in reverse completion order.
func (r *runState) rollback(ctx context.Context) {
	if len(r.completionOrder) == 0 {
		return
	}
	e := r.engine
	e.audit(ctx, r.goal, r.plan, storage.AuditRollbackStarted, map[string]any{
		"steps": len(r.completionOrder),
	})

	// Rollback proceeds even when the run context was cancelled.
	rbCtx := context.WithoutCancel(ctx)

	failed := false
	for i := len(r.completionOrder) - 1; i >= 0; i-- {
		stepID := r.completionOrder[i]
		exec := r.outcome.StepExecutions[stepID]
		if exec == nil {
			continue
		}
		action, _ := r.plan.Rollback.ActionFor(stepID)
		attempted, err := e.runner.Rollback(rbCtx, exec.ToolName, exec.Parameters)
		if err != nil {
			failed = true
			r.outcome.RollbackErrors = append(r.outcome.RollbackErrors,
				fmt.Sprintf("step %s: %v", stepID, err))
			e.auditStep(ctx, r.goal, r.plan, r.byID[stepID], storage.AuditRollbackFailed, map[string]any{
				"action":     action.Action,
				"error":      err.Error(),
				"error_kind": string(tools.ErrorKindRollback),
			})
			continue
		}
		if attempted {
			r.outcome.RolledBack = append(r.outcome.RolledBack, stepID)
		}
	}

	kind := storage.AuditRollbackCompleted
	status := "completed"
	if failed {
		kind = storage.AuditRollbackFailed
		status = "failed"
	}
	e.audit(ctx, r.goal, r.plan, kind, map[string]any{
		"rolled_back": len(r.outcome.RolledBack),
		"errors":      len(r.outcome.RollbackErrors),
	})
	if e.metrics != nil {
		e.metrics.RollbacksTotal.WithLabelValues(status).Inc()
	}
}

// persist writes the goal and plan after settlement.
func (r *runState) persist(ctx context.Context) error {
	putCtx := context.WithoutCancel(ctx)
	if err := r.engine.store.PutPlan(putCtx, r.plan); err != nil {
		return fmt.Errorf("persist plan %s: %w", r.plan.PlanID, err)
	}
	if err := r.engine.store.PutGoal(putCtx, r.goal); err != nil {
		return fmt.Errorf("persist goal %s: %w", r.goal.ID, err)
	}
	return nil
}

func (e *Engine) audit(ctx context.Context, g *goal.Goal, p *plan.TaskPlan, kind storage.AuditKind, detail map[string]any) {
	event := &storage.AuditEvent{
		GoalID: g.ID,
		PlanID: p.PlanID,
		Kind:   kind,
		Detail: detail,
		At:     e.clock().UTC(),
	}
	if err := e.store.AppendAudit(context.WithoutCancel(ctx), event); err != nil {
		e.logger.Error("append audit event", slog.String("kind", string(kind)), slog.Any("error", err))
	}
}

func (e *Engine) auditStep(ctx context.Context, g *goal.Goal, p *plan.TaskPlan, step *plan.TaskStep, kind storage.AuditKind, detail map[string]any) {
	event := &storage.AuditEvent{
		GoalID: g.ID,
		PlanID: p.PlanID,
		StepID: step.StepID,
		Kind:   kind,
		Detail: detail,
		At:     e.clock().UTC(),
	}
	if err := e.store.AppendAudit(context.WithoutCancel(ctx), event); err != nil {
		e.logger.Error("append audit event", slog.String("kind", string(kind)), slog.Any("error", err))
	}
}

// bindParams builds the invocation parameters for a step: declared step
// parameters the tool's schema knows, plus synthesized values for any
// required parameter the plan did not spell out. Generated plans carry
// category-level parameters, so the binding must tolerate schema
// differences between tools in the same category.
func bindParams(step *plan.TaskStep, def *tools.ToolDefinition) map[string]any {
	params := make(map[string]any)
	for k, v := range step.Parameters {
		if _, known := def.Param(k); known {
			params[k] = v
		}
	}
	for _, spec := range def.Parameters {
		if !spec.Required || spec.Default != nil {
			continue
		}
		if _, ok := params[spec.Name]; ok {
			continue
		}
		params[spec.Name] = synthesize(spec, step)
	}
	return params
}

// synthesize fills one required parameter from step context.
func synthesize(spec tools.ParamSpec, step *plan.TaskStep) any {
	switch spec.Name {
	case "query", "subject", "task", "message", "change", "title", "scene", "content":
		return step.Description
	case "path":
		return "artifacts/" + step.StepID + ".txt"
	case "target":
		return "system"
	case "items", "criteria":
		if len(step.ValidationCriteria) > 0 {
			out := make([]any, len(step.ValidationCriteria))
			for i, c := range step.ValidationCriteria {
				out[i] = c
			}
			return out
		}
		return []any{step.Description}
	}

	switch spec.Type {
	case tools.ParamString:
		return step.Description
	case tools.ParamInt:
		return 0
	case tools.ParamFloat:
		return 0.0
	case tools.ParamBool:
		return false
	case tools.ParamArray:
		return []any{}
	default:
		return map[string]any{}
	}
}
