// Copyright (C) 2025 Tillerworks (oss@tillerworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// AuditKind classifies audit events.
type AuditKind string

const (
	AuditGoalCreated        AuditKind = "goal_created"
	AuditGoalCancelled      AuditKind = "goal_cancelled"
	AuditGoalCompleted      AuditKind = "goal_completed"
	AuditGoalFailed         AuditKind = "goal_failed"
	AuditPlanGenerated      AuditKind = "plan_generated"
	AuditPlanSuperseded     AuditKind = "plan_superseded"
	AuditStepStarted        AuditKind = "step_started"
	AuditStepCompleted      AuditKind = "step_completed"
	AuditStepFailed         AuditKind = "step_failed"
	AuditStepSkipped        AuditKind = "step_skipped"
	AuditExecutionPending   AuditKind = "execution_pending_confirmation"
	AuditExecutionConfirmed AuditKind = "execution_confirmed"
	AuditRollbackStarted    AuditKind = "rollback_started"
	AuditRollbackCompleted  AuditKind = "rollback_completed"
	AuditRollbackFailed     AuditKind = "rollback_failed"
)

// AuditEvent is one append-only audit log entry. Events are never
// updated or deleted.
type AuditEvent struct {
	ID          string         `json:"id"`
	GoalID      string         `json:"goal_id"`
	PlanID      string         `json:"plan_id,omitempty"`
	StepID      string         `json:"step_id,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Kind        AuditKind      `json:"kind"`
	Detail      map[string]any `json:"detail,omitempty"`
	At          time.Time      `json:"at"`
}

// AppendAudit writes one audit event. The key embeds the goal ID and a
// nanosecond timestamp so a prefix scan yields per-goal chronological
// order.
func (s *Store) AppendAudit(ctx context.Context, event *AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	key := fmt.Sprintf("%s%s/%020d-%s", prefixAudit, event.GoalID, event.At.UnixNano(), event.ID)
	return s.putJSON(key, event)
}

// AuditForGoal returns a goal's audit trail in chronological order.
func (s *Store) AuditForGoal(ctx context.Context, goalID string) ([]*AuditEvent, error) {
	var out []*AuditEvent
	err := s.scanJSON(prefixAudit+goalID+"/", func(data []byte) error {
		var ev AuditEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		out = append(out, &ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}
