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
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/tillerworks/tiller/services/engine/goal"
	"github.com/tillerworks/tiller/services/engine/plan"
	"github.com/tillerworks/tiller/services/engine/tools"
)

// Key prefixes. Each record type gets its own namespace so prefix
// scans stay cheap.
const (
	prefixGoal  = "goal/"
	prefixPlan  = "plan/"
	prefixExec  = "exec/"
	prefixAudit = "audit/"
	prefixStats = "stats/"
)

// ErrNotFound is returned when no record exists for a key.
var ErrNotFound = errors.New("record not found")

// Store persists engine records in BadgerDB.
//
// Thread Safety: all methods are safe for concurrent use.
type Store struct {
	db *badger.DB
}

// Open creates a store per the configuration. The caller must Close it.
func Open(cfg Config) (*Store, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- goals ---

// PutGoal upserts a goal record.
func (s *Store) PutGoal(ctx context.Context, g *goal.Goal) error {
	return s.putJSON(prefixGoal+g.ID, g)
}

// GetGoal loads a goal by ID.
func (s *Store) GetGoal(ctx context.Context, id string) (*goal.Goal, error) {
	var g goal.Goal
	if err := s.getJSON(prefixGoal+id, &g); err != nil {
		return nil, fmt.Errorf("goal %s: %w", id, err)
	}
	return &g, nil
}

// ListGoals returns all goals sorted by creation time, oldest first.
func (s *Store) ListGoals(ctx context.Context) ([]*goal.Goal, error) {
	var out []*goal.Goal
	err := s.scanJSON(prefixGoal, func(data []byte) error {
		var g goal.Goal
		if err := json.Unmarshal(data, &g); err != nil {
			return err
		}
		out = append(out, &g)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- plans ---

// PutPlan upserts a plan record.
func (s *Store) PutPlan(ctx context.Context, p *plan.TaskPlan) error {
	return s.putJSON(prefixPlan+p.PlanID, p)
}

// GetPlan loads a plan by ID.
func (s *Store) GetPlan(ctx context.Context, id string) (*plan.TaskPlan, error) {
	var p plan.TaskPlan
	if err := s.getJSON(prefixPlan+id, &p); err != nil {
		return nil, fmt.Errorf("plan %s: %w", id, err)
	}
	return &p, nil
}

// PlansForGoal returns every plan generated for a goal, oldest first.
// Superseded plans are included; the latest entry is the active one.
func (s *Store) PlansForGoal(ctx context.Context, goalID string) ([]*plan.TaskPlan, error) {
	var out []*plan.TaskPlan
	err := s.scanJSON(prefixPlan, func(data []byte) error {
		var p plan.TaskPlan
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if p.GoalID == goalID {
			out = append(out, &p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- executions ---

// PutExecution upserts an execution row.
func (s *Store) PutExecution(ctx context.Context, exec *tools.Execution) error {
	return s.putJSON(prefixExec+exec.ExecutionID, exec)
}

// GetExecution loads an execution row by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (*tools.Execution, error) {
	var exec tools.Execution
	if err := s.getJSON(prefixExec+id, &exec); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", tools.ErrExecutionNotFound, id)
		}
		return nil, fmt.Errorf("execution %s: %w", id, err)
	}
	return &exec, nil
}

// SwapExecutionStatus atomically moves an execution row from one status
// to another inside a Badger transaction. Exactly one of any set of
// concurrent callers wins; the rest observe the row as the winner left
// it. Transaction conflicts are retried.
func (s *Store) SwapExecutionStatus(ctx context.Context, id string, from, to tools.ExecStatus) (*tools.Execution, bool, error) {
	key := []byte(prefixExec + id)
	for {
		var row tools.Execution
		var won bool
		err := s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(key)
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", tools.ErrExecutionNotFound, id)
			}
			if err != nil {
				return err
			}
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			}); err != nil {
				return err
			}
			if row.Status != from {
				won = false
				return nil
			}
			row.Status = to
			won = true
			data, err := json.Marshal(&row)
			if err != nil {
				return err
			}
			return txn.Set(key, data)
		})
		if errors.Is(err, badger.ErrConflict) {
			won = false
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return &row, won, nil
	}
}

// ListExecutions returns all execution rows, oldest first.
func (s *Store) ListExecutions(ctx context.Context) ([]*tools.Execution, error) {
	var out []*tools.Execution
	err := s.scanJSON(prefixExec, func(data []byte) error {
		var exec tools.Execution
		if err := json.Unmarshal(data, &exec); err != nil {
			return err
		}
		out = append(out, &exec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- tool usage counters ---

// PutToolStats persists a tool's usage counters.
func (s *Store) PutToolStats(ctx context.Context, name string, stats tools.Stats) error {
	return s.putJSON(prefixStats+name, &stats)
}

// GetToolStats loads a tool's persisted usage counters.
func (s *Store) GetToolStats(ctx context.Context, name string) (tools.Stats, error) {
	var stats tools.Stats
	if err := s.getJSON(prefixStats+name, &stats); err != nil {
		return tools.Stats{}, fmt.Errorf("tool stats %s: %w", name, err)
	}
	return stats, nil
}

// --- generic key access ---

// ListKeys returns all keys under a prefix, sorted. It satisfies the
// tool layer's RecordLister.
func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) putJSON(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (s *Store) getJSON(key string, out any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
}

// scanJSON visits every value under a prefix in key order.
func (s *Store) scanJSON(prefix string, visit func(data []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := it.Item().Value(visit); err != nil {
				key := strings.TrimPrefix(string(it.Item().Key()), prefix)
				return fmt.Errorf("decode %s%s: %w", prefix, key, err)
			}
		}
		return nil
	})
}
