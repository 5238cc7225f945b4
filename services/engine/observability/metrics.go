// Copyright (C) 2025 Tillerworks (oss@tillerworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the engine.
//
// # Description
//
// Metrics cover the goal lifecycle, plan generation, tool invocation,
// and step execution:
//   - Goal counters by terminal status
//   - Plan generation counters by template
//   - Tool invocation counters and duration histograms
//   - Active execution gauges and rollback counters
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal
// locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all engine metrics.
const metricsNamespace = "tiller"

const engineSubsystem = "engine"

// EngineMetrics holds the Prometheus metrics for goal execution.
//
// Initialize once at startup via NewMetrics().
type EngineMetrics struct {
	// GoalsTotal counts goals reaching a terminal status.
	// Labels: status (completed, failed, cancelled)
	GoalsTotal *prometheus.CounterVec

	// PlansGeneratedTotal counts generated plans by template.
	// Labels: template (event_planning, system_enhancement, ...)
	PlansGeneratedTotal *prometheus.CounterVec

	// ToolInvocationsTotal counts tool invocations by tool and outcome.
	// Labels: tool, status (completed, failed, pending_confirmation)
	ToolInvocationsTotal *prometheus.CounterVec

	// ToolErrorsTotal counts failed invocations by error kind.
	// Labels: tool, error_kind (not_found, validation, timeout, ...)
	ToolErrorsTotal *prometheus.CounterVec

	// ToolDurationSeconds measures tool execution duration.
	// Labels: tool
	ToolDurationSeconds *prometheus.HistogramVec

	// StepsTotal counts executed plan steps by outcome.
	// Labels: status (completed, failed, skipped)
	StepsTotal *prometheus.CounterVec

	// ActiveExecutions tracks steps currently dispatched.
	ActiveExecutions prometheus.Gauge

	// RollbacksTotal counts rollback passes by outcome.
	// Labels: status (completed, failed)
	RollbacksTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the engine metrics on a registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a fresh
// prometheus.NewRegistry() to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *EngineMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &EngineMetrics{
		GoalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "goals_total",
				Help:      "Total goals reaching a terminal status",
			},
			[]string{"status"},
		),

		PlansGeneratedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "plans_generated_total",
				Help:      "Total plans generated by template",
			},
			[]string{"template"},
		),

		ToolInvocationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "tool_invocations_total",
				Help:      "Total tool invocations by tool and outcome",
			},
			[]string{"tool", "status"},
		),

		ToolErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "tool_errors_total",
				Help:      "Total failed tool invocations by error kind",
			},
			[]string{"tool", "error_kind"},
		),

		ToolDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "tool_duration_seconds",
				Help:      "Tool execution duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0, 60.0},
			},
			[]string{"tool"},
		),

		StepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "steps_total",
				Help:      "Total executed plan steps by outcome",
			},
			[]string{"status"},
		),

		ActiveExecutions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "active_executions",
				Help:      "Plan steps currently dispatched to tools",
			},
		),

		RollbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "rollbacks_total",
				Help:      "Total rollback passes by outcome",
			},
			[]string{"status"},
		),
	}
}
