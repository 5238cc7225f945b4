// Copyright (C) 2025 Tillerworks (oss@tillerworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ExecutionStore persists execution rows. Implemented by the storage
// layer; a memory implementation backs the tests.
type ExecutionStore interface {
	// PutExecution upserts an execution row.
	PutExecution(ctx context.Context, exec *Execution) error

	// GetExecution loads an execution row by ID.
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// SwapExecutionStatus atomically moves the row from one status to
	// another. It returns the row after the attempt and whether this
	// caller performed the swap. Exactly one concurrent caller wins.
	SwapExecutionStatus(ctx context.Context, id string, from, to ExecStatus) (*Execution, bool, error)
}

// ErrExecutionNotFound is returned by ExecutionStore implementations
// when no row exists for the ID.
var ErrExecutionNotFound = errors.New("execution not found")

// Request describes one tool invocation.
type Request struct {
	// ToolName selects the registered tool.
	ToolName string

	// Parameters are the caller-supplied arguments, validated against
	// the tool's schema before execution.
	Parameters map[string]any

	// Actor is the invoking principal; its grants are checked against
	// the tool's permission set.
	Actor Actor

	// AutoConfirm skips the confirmation gate for tools that would
	// otherwise park in pending_confirmation.
	AutoConfirm bool
}

// InvokerOptions tune cross-tool invocation behavior.
type InvokerOptions struct {
	// DefaultTimeout bounds attempts for tools that declare no timeout.
	DefaultTimeout time.Duration

	// RatePerSecond caps invocations per second across all tools.
	// Zero disables global rate limiting.
	RatePerSecond float64

	// RateBurst is the limiter burst size when rate limiting is on.
	RateBurst int
}

const defaultToolTimeout = 30 * time.Second

// Invoker executes tools through the registry, enforcing permissions,
// parameter validation, confirmation gating, per-tool concurrency caps,
// global rate limiting, timeouts, and retry policy. Every invocation
// produces an Execution row; the invoker never surfaces raw adapter
// errors to callers.
type Invoker struct {
	registry *Registry
	store    ExecutionStore
	logger   *slog.Logger
	opts     InvokerOptions
	limiter  *rate.Limiter
	clock    func() time.Time

	semMu sync.Mutex
	sems  map[string]*semaphore.Weighted
}

// NewInvoker creates an invoker over a registry and execution store.
func NewInvoker(registry *Registry, store ExecutionStore, logger *slog.Logger, opts InvokerOptions) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultToolTimeout
	}
	inv := &Invoker{
		registry: registry,
		store:    store,
		logger:   logger.With(slog.String("component", "tool_invoker")),
		opts:     opts,
		clock:    time.Now,
		sems:     make(map[string]*semaphore.Weighted),
	}
	if opts.RatePerSecond > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		inv.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return inv
}

// Invoke runs one tool invocation end to end and returns its execution
// row. The returned row is always non-nil.
//
// Unknown tools fail with error kind not_found and no row is persisted.
// Permission and validation failures fail fast before any side effect.
// Tools that require confirmation (without AutoConfirm) persist a
// pending_confirmation row and return without executing; the caller
// resumes via Confirm.
func (inv *Invoker) Invoke(ctx context.Context, req Request) *Execution {
	now := inv.clock()
	exec := &Execution{
		ExecutionID: uuid.NewString(),
		ToolName:    req.ToolName,
		Parameters:  req.Parameters,
		Status:      ExecPending,
		Actor:       req.Actor.Name,
		CreatedAt:   now,
	}

	tool, ok := inv.registry.Get(req.ToolName)
	if !ok {
		// Unknown tool: fail without touching the store.
		exec.Status = ExecFailed
		exec.ErrorKind = ErrorKindNotFound
		exec.ErrorMessage = fmt.Sprintf("%s: %s", ErrToolNotFound, req.ToolName)
		exec.CompletedAt = &now
		inv.logger.Warn("tool not found", slog.String("tool", req.ToolName))
		return exec
	}

	def := tool.Definition()
	exec.RequiresConfirmation = def.RequiresConfirmation

	for _, perm := range def.Permissions {
		if !req.Actor.Has(perm) {
			return inv.failBefore(ctx, exec, ErrorKindPermission,
				fmt.Sprintf("%s: actor %q lacks %s", ErrPermissionDenied, req.Actor.Name, perm))
		}
	}

	params, verr := applySchema(&def, req.Parameters)
	if verr != nil {
		return inv.failBefore(ctx, exec, ErrorKindValidation, verr.Error())
	}
	exec.Parameters = params

	if def.RequiresConfirmation && !req.AutoConfirm {
		exec.Status = ExecPendingConfirmation
		if err := inv.store.PutExecution(ctx, exec); err != nil {
			return inv.failBefore(ctx, exec, ErrorKindExecution, fmt.Sprintf("persist execution: %v", err))
		}
		inv.logger.Info("execution awaiting confirmation",
			slog.String("execution_id", exec.ExecutionID),
			slog.String("tool", def.Name))
		return exec
	}

	if req.AutoConfirm && def.RequiresConfirmation {
		exec.Confirmed = true
	}
	exec.Status = ExecConfirmed
	if err := inv.store.PutExecution(ctx, exec); err != nil {
		return inv.failBefore(ctx, exec, ErrorKindExecution, fmt.Sprintf("persist execution: %v", err))
	}

	inv.run(ctx, tool, &def, exec)
	return exec
}

// Confirm resumes an execution parked in pending_confirmation and runs
// it. Confirming an already confirmed or terminal execution is an
// idempotent no-op that returns the stored row. When several callers
// race, exactly one performs the execution; the rest observe the row as
// the winner left it.
func (inv *Invoker) Confirm(ctx context.Context, executionID string) *Execution {
	stored, err := inv.store.GetExecution(ctx, executionID)
	if err != nil {
		now := inv.clock()
		kind := ErrorKindExecution
		if errors.Is(err, ErrExecutionNotFound) {
			kind = ErrorKindNotFound
		}
		return &Execution{
			ExecutionID:  executionID,
			Status:       ExecFailed,
			ErrorKind:    kind,
			ErrorMessage: err.Error(),
			CreatedAt:    now,
			CompletedAt:  &now,
		}
	}

	if stored.Status != ExecPendingConfirmation {
		return stored
	}

	after, won, err := inv.store.SwapExecutionStatus(ctx, executionID, ExecPendingConfirmation, ExecConfirmed)
	if err != nil {
		stored.Status = ExecFailed
		stored.ErrorKind = ErrorKindExecution
		stored.ErrorMessage = fmt.Sprintf("confirm execution: %v", err)
		return stored
	}
	if !won {
		return after
	}

	after.Confirmed = true
	if err := inv.store.PutExecution(ctx, after); err != nil {
		inv.logger.Error("persist confirmed execution", slog.Any("error", err))
	}

	tool, ok := inv.registry.Get(after.ToolName)
	if !ok {
		now := inv.clock()
		after.Status = ExecFailed
		after.ErrorKind = ErrorKindNotFound
		after.ErrorMessage = fmt.Sprintf("%s: %s", ErrToolNotFound, after.ToolName)
		after.CompletedAt = &now
		_ = inv.store.PutExecution(ctx, after)
		return after
	}
	def := tool.Definition()
	inv.run(ctx, tool, &def, after)
	return after
}

// Rollback invokes a tool's compensating action when it supports one.
// It returns whether a rollback was attempted and its error, if any.
func (inv *Invoker) Rollback(ctx context.Context, toolName string, params map[string]any) (bool, error) {
	tool, ok := inv.registry.Get(toolName)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrToolNotFound, toolName)
	}
	rb, ok := tool.(RollbackableTool)
	if !ok {
		return false, nil
	}
	inv.logger.Info("rolling back tool execution", slog.String("tool", toolName))
	if err := rb.Rollback(ctx, params); err != nil {
		return true, fmt.Errorf("rollback %s: %w", toolName, err)
	}
	return true, nil
}

// failBefore records a pre-execution failure. The row is persisted for
// audit, but the tool never ran so no side effect exists.
func (inv *Invoker) failBefore(ctx context.Context, exec *Execution, kind ErrorKind, msg string) *Execution {
	now := inv.clock()
	exec.Status = ExecFailed
	exec.ErrorKind = kind
	exec.ErrorMessage = msg
	exec.CompletedAt = &now
	if err := inv.store.PutExecution(ctx, exec); err != nil {
		inv.logger.Error("persist failed execution", slog.Any("error", err))
	}
	inv.logger.Warn("invocation rejected",
		slog.String("execution_id", exec.ExecutionID),
		slog.String("tool", exec.ToolName),
		slog.String("error_kind", string(kind)),
		slog.String("error", msg))
	return exec
}

// run drives a confirmed execution through running to a terminal state,
// honoring the global rate limit, the per-tool concurrency cap, the
// attempt timeout, and the retry policy.
func (inv *Invoker) run(ctx context.Context, tool Tool, def *ToolDefinition, exec *Execution) {
	if inv.limiter != nil {
		if err := inv.limiter.Wait(ctx); err != nil {
			inv.finish(ctx, exec, nil, ErrorKindCancelled, fmt.Sprintf("rate limit wait: %v", err))
			return
		}
	}

	sem := inv.semaphoreFor(def)
	if err := sem.Acquire(ctx, 1); err != nil {
		inv.finish(ctx, exec, nil, ErrorKindCancelled, fmt.Sprintf("concurrency wait: %v", err))
		return
	}
	defer sem.Release(1)

	started := inv.clock()
	exec.Status = ExecRunning
	exec.StartedAt = &started
	if err := inv.store.PutExecution(ctx, exec); err != nil {
		inv.logger.Error("persist running execution", slog.Any("error", err))
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = inv.opts.DefaultTimeout
	}

	var lastErr error
	for attempt := 0; attempt <= def.RetryCount; attempt++ {
		if attempt > 0 {
			inv.logger.Info("retrying tool execution",
				slog.String("execution_id", exec.ExecutionID),
				slog.String("tool", def.Name),
				slog.Int("attempt", attempt+1))
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := tool.Execute(attemptCtx, exec.Parameters)
		cancel()

		if err == nil {
			var output map[string]any
			if result != nil {
				output = result.Output
			}
			inv.registry.RecordOutcome(def.Name, true)
			inv.finish(ctx, exec, output, ErrorKindNone, "")
			return
		}
		lastErr = err

		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// Attempt deadline, not caller cancellation. Timeouts are
			// terminal; retrying would double the latency budget.
			inv.registry.RecordOutcome(def.Name, false)
			inv.finish(ctx, exec, nil, ErrorKindTimeout,
				fmt.Sprintf("tool %s exceeded %s deadline", def.Name, timeout))
			return
		}
		if ctx.Err() != nil {
			inv.registry.RecordOutcome(def.Name, false)
			inv.finish(ctx, exec, nil, ErrorKindCancelled, ctx.Err().Error())
			return
		}
	}

	inv.registry.RecordOutcome(def.Name, false)
	inv.finish(ctx, exec, nil, ErrorKindExecution,
		fmt.Sprintf("tool %s failed after %d attempt(s): %v", def.Name, def.RetryCount+1, lastErr))
}

func (inv *Invoker) finish(ctx context.Context, exec *Execution, output map[string]any, kind ErrorKind, msg string) {
	now := inv.clock()
	exec.CompletedAt = &now
	if kind == ErrorKindNone {
		exec.Status = ExecCompleted
		exec.Result = output
	} else {
		exec.Status = ExecFailed
		exec.ErrorKind = kind
		exec.ErrorMessage = msg
	}

	// Persist with a background-capable context so terminal rows land
	// even when the caller's context is already cancelled.
	putCtx := ctx
	if ctx.Err() != nil {
		putCtx = context.WithoutCancel(ctx)
	}
	if err := inv.store.PutExecution(putCtx, exec); err != nil {
		inv.logger.Error("persist terminal execution", slog.Any("error", err))
	}

	if kind == ErrorKindNone {
		inv.logger.Info("tool execution completed",
			slog.String("execution_id", exec.ExecutionID),
			slog.String("tool", exec.ToolName))
	} else {
		inv.logger.Warn("tool execution failed",
			slog.String("execution_id", exec.ExecutionID),
			slog.String("tool", exec.ToolName),
			slog.String("error_kind", string(kind)),
			slog.String("error", msg))
	}
}

func (inv *Invoker) semaphoreFor(def *ToolDefinition) *semaphore.Weighted {
	inv.semMu.Lock()
	defer inv.semMu.Unlock()
	sem, ok := inv.sems[def.Name]
	if !ok {
		limit := def.MaxConcurrent
		if limit < 1 {
			limit = 1
		}
		sem = semaphore.NewWeighted(int64(limit))
		inv.sems[def.Name] = sem
	}
	return sem
}

// applySchema validates params against the tool schema and returns a
// copy with defaults filled in. The input map is never mutated.
func applySchema(def *ToolDefinition, params map[string]any) (map[string]any, *ValidationError) {
	out := make(map[string]any, len(def.Parameters))
	for k, v := range params {
		if _, known := def.Param(k); !known {
			return nil, &ValidationError{Tool: def.Name, Param: k, Reason: "unknown parameter"}
		}
		out[k] = v
	}
	for _, spec := range def.Parameters {
		value, present := out[spec.Name]
		if !present {
			if spec.Default != nil {
				out[spec.Name] = spec.Default
				continue
			}
			if spec.Required {
				return nil, &ValidationError{Tool: def.Name, Param: spec.Name, Reason: "required parameter missing"}
			}
			continue
		}
		if reason := checkType(spec.Type, value); reason != "" {
			return nil, &ValidationError{Tool: def.Name, Param: spec.Name, Reason: reason}
		}
	}
	return out, nil
}
