// Copyright (C) 2025 Tillerworks (oss@tillerworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// SetupRoutes wires the engine's HTTP surface onto router.
func SetupRoutes(router *gin.Engine, svc *Service) {
	router.Use(otelgin.Middleware("tiller-engine"))

	router.GET("/health", HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		goals := v1.Group("/goals")
		{
			goals.POST("", HandleCreateGoal(svc))
			goals.GET("", HandleListGoals(svc))
			goals.GET("/:id", HandleGetGoal(svc))
			goals.POST("/:id/plan", HandlePlanGoal(svc))
			goals.POST("/:id/execute", HandleExecuteGoal(svc))
			goals.POST("/:id/cancel", HandleCancelGoal(svc))
			goals.GET("/:id/status", HandleGoalStatus(svc))
		}
		toolRoutes := v1.Group("/tools")
		{
			toolRoutes.GET("", HandleListTools(svc))
			toolRoutes.GET("/:name/stats", HandleToolStats(svc))
			toolRoutes.POST("/invoke", HandleInvokeTool(svc))
		}
		executions := v1.Group("/executions")
		{
			executions.GET("/:id", HandleGetExecution(svc))
			executions.POST("/:id/confirm", HandleConfirmExecution(svc))
		}
		if svc.hub != nil {
			v1.GET("/events/ws", svc.hub.Handler())
		}
	}
}
