// Copyright (C) 2025 Tillerworks (oss@tillerworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tillerworks/tiller/services/engine/goal"
	"github.com/tillerworks/tiller/services/engine/tools"
)

// ErrorResponse is the JSON error body for every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrGoalNotFound), errors.Is(err, ErrNoPlan),
		errors.Is(err, tools.ErrExecutionNotFound):
		return http.StatusNotFound
	case errors.Is(err, goal.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, goal.ErrEmptyObjective), errors.Is(err, goal.ErrInvalidPriority):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(errorStatus(err), ErrorResponse{Error: err.Error()})
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleCreateGoal creates a goal from the request body.
func HandleCreateGoal(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var params CreateGoalParams
		if err := c.ShouldBindJSON(&params); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
			return
		}
		g, err := svc.CreateGoal(c.Request.Context(), params)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, g)
	}
}

// HandleListGoals lists all goals.
func HandleListGoals(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		goals, err := svc.Goals(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"goals": goals, "count": len(goals)})
	}
}

// HandleGetGoal returns one goal.
func HandleGetGoal(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		g, err := svc.Goal(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, g)
	}
}

// HandlePlanGoal generates a plan for a goal.
func HandlePlanGoal(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := svc.Plan(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

// HandleExecuteGoal runs a goal's plan to settlement and returns the
// outcome.
func HandleExecuteGoal(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		outcome, err := svc.Execute(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"goal_status":           outcome.GoalStatus,
			"failed_step":           outcome.FailedStep,
			"skipped":               outcome.Skipped,
			"rolled_back":           outcome.RolledBack,
			"rollback_errors":       outcome.RollbackErrors,
			"awaiting_confirmation": outcome.AwaitingConfirmation,
			"duration_ms":           outcome.Duration.Milliseconds(),
		})
	}
}

// HandleCancelGoal cancels a goal.
func HandleCancelGoal(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		g, err := svc.Cancel(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, g)
	}
}

// HandleGoalStatus returns the goal, its latest plan, and audit trail.
func HandleGoalStatus(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := svc.Status(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

// InvokeToolRequest is the body for direct tool invocation.
type InvokeToolRequest struct {
	Tool        string         `json:"tool" binding:"required"`
	Parameters  map[string]any `json:"parameters"`
	Actor       string         `json:"actor"`
	AutoConfirm bool           `json:"auto_confirm"`
}

// HandleInvokeTool invokes one tool directly. The result is always an
// execution row; tool failures surface in its status and error fields,
// not as HTTP errors.
func HandleInvokeTool(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req InvokeToolRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
			return
		}
		actor := engineActor
		if req.Actor != "" {
			actor.Name = req.Actor
		}
		exec := svc.InvokeTool(c.Request.Context(), tools.Request{
			ToolName:    req.Tool,
			Parameters:  req.Parameters,
			Actor:       actor,
			AutoConfirm: req.AutoConfirm,
		})
		c.JSON(http.StatusOK, exec)
	}
}

// HandleListTools lists registered tool definitions.
func HandleListTools(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		defs := svc.RegisteredTools()
		c.JSON(http.StatusOK, gin.H{"tools": defs, "count": len(defs)})
	}
}

// HandleToolStats returns a tool's usage counters.
func HandleToolStats(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, ok := svc.ToolStats(c.Param("name"))
		if !ok {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "tool not found: " + c.Param("name")})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

// HandleGetExecution returns one execution row.
func HandleGetExecution(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		exec, err := svc.Execution(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, exec)
	}
}

// HandleConfirmExecution resumes a parked execution. Idempotent.
func HandleConfirmExecution(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		exec := svc.Confirm(c.Request.Context(), c.Param("id"))
		if exec.ErrorKind == tools.ErrorKindNotFound {
			c.JSON(http.StatusNotFound, exec)
			return
		}
		c.JSON(http.StatusOK, exec)
	}
}
