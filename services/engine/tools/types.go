// Copyright (C) 2025 Tillerworks (oss@tillerworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tools provides the tool registry, invocation, and confirmation
// framework for the engine.
//
// Tools are the engine's only mechanism for acting on the outside world.
// Each tool is described by a ToolDefinition (permission set, ordered
// parameter schema, confirmation/timeout/retry/concurrency policy) and
// implements the Tool interface for execution. Invocations are recorded
// as Execution rows; a row is the caller-visible result of every invoke,
// successful or not — raw adapter errors never escape this package.
//
// Thread Safety:
//
//	All types in this package are designed for concurrent use.
package tools

import (
	"context"
	"time"
)

// Permission is one capability grant a tool may require.
type Permission string

const (
	PermCalendarRead  Permission = "calendar:read"
	PermCalendarWrite Permission = "calendar:write"
	PermFileRead      Permission = "file:read"
	PermFileWrite     Permission = "file:write"
	PermDataRead      Permission = "data:read"
	PermDataWrite     Permission = "data:write"
	PermNotify        Permission = "notify:send"
	PermSystem        Permission = "system:modify"
	PermMedia         Permission = "media:control"
	PermHome          Permission = "home:control"
)

// Actor identifies who is invoking a tool and what they may do.
type Actor struct {
	// Name identifies the caller in execution rows and audit events.
	Name string `json:"name"`

	// Grants are the permissions this actor holds.
	Grants []Permission `json:"grants,omitempty"`
}

// Has reports whether the actor holds the permission.
func (a Actor) Has(p Permission) bool {
	for _, grant := range a.Grants {
		if grant == p {
			return true
		}
	}
	return false
}

// ParamType is the declared type of a tool parameter.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamInt    ParamType = "integer"
	ParamFloat  ParamType = "number"
	ParamBool   ParamType = "boolean"
	ParamArray  ParamType = "array"
	ParamObject ParamType = "object"
)

// Valid reports whether t is a known parameter type.
func (t ParamType) Valid() bool {
	switch t {
	case ParamString, ParamInt, ParamFloat, ParamBool, ParamArray, ParamObject:
		return true
	}
	return false
}

// ParamSpec declares one parameter in a tool's ordered schema.
type ParamSpec struct {
	// Name is the parameter key.
	Name string `json:"name"`

	// Type is the declared parameter type.
	Type ParamType `json:"type"`

	// Required indicates the parameter must be provided (or defaulted).
	Required bool `json:"required"`

	// Default is applied when the parameter is absent.
	Default any `json:"default,omitempty"`

	// Description explains what the parameter is for.
	Description string `json:"description,omitempty"`
}

// ToolDefinition describes a tool's contract and invocation policy.
//
// The schema is validated once at registration time, not per call.
type ToolDefinition struct {
	// Name is the unique tool identifier.
	Name string `json:"name"`

	// Description explains what the tool does.
	Description string `json:"description"`

	// Category is the capability category used for step binding.
	Category string `json:"category"`

	// Permissions is the non-empty set of grants an actor needs.
	Permissions []Permission `json:"permission_set"`

	// Parameters is the ordered parameter schema.
	Parameters []ParamSpec `json:"parameter_schema"`

	// RequiresConfirmation gates execution on an explicit confirm call
	// unless the invocation sets auto-confirm.
	RequiresConfirmation bool `json:"requires_confirmation"`

	// Timeout bounds one execution attempt. Zero selects the invoker
	// default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// RetryCount is how many times a failed attempt is retried.
	RetryCount int `json:"retry_count"`

	// MaxConcurrent caps simultaneous executions of this tool.
	// Zero means one; additional requests queue.
	MaxConcurrent int `json:"max_concurrent,omitempty"`

	// Priority influences binding when several tools share a category
	// (higher wins).
	Priority int `json:"priority,omitempty"`
}

// Param returns the spec for a parameter name.
func (d *ToolDefinition) Param(name string) (ParamSpec, bool) {
	for _, spec := range d.Parameters {
		if spec.Name == name {
			return spec, true
		}
	}
	return ParamSpec{}, false
}

// Result is a successful tool output.
type Result struct {
	// Output carries the structured result recorded on the execution.
	Output map[string]any `json:"output,omitempty"`

	// Message is a short human-readable outcome.
	Message string `json:"message,omitempty"`
}

// Tool is the contract every adapter implements.
//
// Implementations must be safe for concurrent use; the invoker may run
// up to MaxConcurrent executions of the same tool simultaneously.
type Tool interface {
	// Name returns the unique tool name.
	Name() string

	// Category returns the capability category.
	Category() string

	// Definition returns the tool's schema and invocation policy.
	Definition() ToolDefinition

	// Execute runs the tool. Parameters are validated and defaulted
	// before the call. A non-nil error marks the attempt failed.
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// RollbackableTool is implemented by tools that can undo an execution.
type RollbackableTool interface {
	Tool

	// Rollback compensates a previously completed Execute with the same
	// parameters.
	Rollback(ctx context.Context, params map[string]any) error
}

// ExecStatus is the execution lifecycle state.
//
// The state machine is:
//
//	pending → [pending_confirmation →] confirmed → running → {completed | failed}
//
// pending_confirmation and confirmed are skipped entirely when the tool
// does not require confirmation or the invocation auto-confirms.
type ExecStatus string

const (
	ExecPending             ExecStatus = "pending"
	ExecPendingConfirmation ExecStatus = "pending_confirmation"
	ExecConfirmed           ExecStatus = "confirmed"
	ExecRunning             ExecStatus = "running"
	ExecCompleted           ExecStatus = "completed"
	ExecFailed              ExecStatus = "failed"
)

// Terminal reports whether s is a terminal execution state.
func (s ExecStatus) Terminal() bool {
	return s == ExecCompleted || s == ExecFailed
}

// ErrorKind is the machine-readable failure classification recorded on
// execution rows.
type ErrorKind string

const (
	// ErrorKindNone marks a successful execution.
	ErrorKindNone ErrorKind = ""

	// ErrorKindNotFound: the tool is not registered.
	ErrorKindNotFound ErrorKind = "not_found"

	// ErrorKindPermission: the actor lacks a required permission.
	ErrorKindPermission ErrorKind = "permission_denied"

	// ErrorKindValidation: missing or malformed parameters.
	ErrorKindValidation ErrorKind = "validation"

	// ErrorKindTimeout: the attempt exceeded the tool's deadline.
	ErrorKindTimeout ErrorKind = "timeout"

	// ErrorKindExecution: the adapter reported a failure.
	ErrorKindExecution ErrorKind = "tool_execution"

	// ErrorKindCancelled: the invocation was cancelled cooperatively.
	ErrorKindCancelled ErrorKind = "cancelled"

	// ErrorKindRollback: a compensating action failed.
	ErrorKindRollback ErrorKind = "rollback"
)

// Execution is one recorded invocation attempt. Once terminal it is an
// immutable history row.
type Execution struct {
	ExecutionID string         `json:"execution_id"`
	ToolName    string         `json:"tool_id"`
	Parameters  map[string]any `json:"parameters,omitempty"`

	Status ExecStatus     `json:"status"`
	Result map[string]any `json:"result,omitempty"`

	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`

	Actor string `json:"actor,omitempty"`

	RequiresConfirmation bool `json:"requires_confirmation"`
	Confirmed            bool `json:"confirmed"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Stats are the per-tool usage counters maintained by the registry.
type Stats struct {
	// UsageCount is the number of completed invocation attempts.
	UsageCount int64 `json:"usage_count"`

	// SuccessRate is the running average of attempt outcomes in [0, 1].
	SuccessRate float64 `json:"success_rate"`
}
