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
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is the in-memory ExecutionStore used throughout the tests.
type memStore struct {
	mu   sync.Mutex
	rows map[string]Execution
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]Execution)}
}

func (m *memStore) PutExecution(ctx context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[exec.ExecutionID] = *exec
	return nil
}

func (m *memStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	out := row
	return &out, nil
}

func (m *memStore) SwapExecutionStatus(ctx context.Context, id string, from, to ExecStatus) (*Execution, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	if row.Status != from {
		out := row
		return &out, false, nil
	}
	row.Status = to
	m.rows[id] = row
	out := row
	return &out, true, nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func fullActor() Actor {
	return Actor{Name: "tester", Grants: []Permission{
		PermCalendarRead, PermCalendarWrite, PermFileRead, PermFileWrite,
		PermDataRead, PermDataWrite, PermNotify, PermSystem, PermMedia, PermHome,
	}}
}

func newTestInvoker(t *testing.T, reg *Registry) (*Invoker, *memStore) {
	t.Helper()
	store := newMemStore()
	return NewInvoker(reg, store, nil, InvokerOptions{DefaultTimeout: 5 * time.Second}), store
}

func TestInvokeUnknownToolCreatesNoRow(t *testing.T) {
	reg := NewRegistry()
	inv, store := newTestInvoker(t, reg)

	exec := inv.Invoke(context.Background(), Request{ToolName: "teleport", Actor: fullActor()})

	require.NotNil(t, exec)
	assert.Equal(t, ExecFailed, exec.Status)
	assert.Equal(t, ErrorKindNotFound, exec.ErrorKind)
	assert.Contains(t, exec.ErrorMessage, "teleport")
	assert.Equal(t, 0, store.count())
}

func TestInvokePermissionDeniedFailsFast(t *testing.T) {
	reg := NewRegistry()
	called := atomic.Bool{}
	def := stubDef("guarded", "analysis")
	def.Permissions = []Permission{PermSystem}
	require.NoError(t, reg.Register(&stubTool{def: def, fn: func(ctx context.Context, _ map[string]any) (*Result, error) {
		called.Store(true)
		return &Result{}, nil
	}}))
	inv, store := newTestInvoker(t, reg)

	exec := inv.Invoke(context.Background(), Request{
		ToolName: "guarded",
		Actor:    Actor{Name: "limited", Grants: []Permission{PermDataRead}},
	})

	assert.Equal(t, ExecFailed, exec.Status)
	assert.Equal(t, ErrorKindPermission, exec.ErrorKind)
	assert.False(t, called.Load(), "tool must not run without permission")
	assert.Equal(t, 1, store.count(), "rejected attempts are still recorded")
}

func TestInvokeValidation(t *testing.T) {
	reg := NewRegistry()
	def := stubDef("typed", "analysis")
	def.Parameters = []ParamSpec{
		{Name: "count", Type: ParamInt, Required: true},
		{Name: "label", Type: ParamString, Default: "none"},
	}
	var seen map[string]any
	require.NoError(t, reg.Register(&stubTool{def: def, fn: func(_ context.Context, params map[string]any) (*Result, error) {
		seen = params
		return &Result{Output: map[string]any{"ok": true}}, nil
	}}))
	inv, _ := newTestInvoker(t, reg)

	t.Run("missing required parameter", func(t *testing.T) {
		exec := inv.Invoke(context.Background(), Request{ToolName: "typed", Actor: fullActor()})
		assert.Equal(t, ExecFailed, exec.Status)
		assert.Equal(t, ErrorKindValidation, exec.ErrorKind)
		assert.Contains(t, exec.ErrorMessage, "count")
	})

	t.Run("unknown parameter", func(t *testing.T) {
		exec := inv.Invoke(context.Background(), Request{
			ToolName:   "typed",
			Parameters: map[string]any{"count": 1, "bogus": true},
			Actor:      fullActor(),
		})
		assert.Equal(t, ErrorKindValidation, exec.ErrorKind)
		assert.Contains(t, exec.ErrorMessage, "bogus")
	})

	t.Run("type mismatch", func(t *testing.T) {
		exec := inv.Invoke(context.Background(), Request{
			ToolName:   "typed",
			Parameters: map[string]any{"count": "five"},
			Actor:      fullActor(),
		})
		assert.Equal(t, ErrorKindValidation, exec.ErrorKind)
	})

	t.Run("defaults applied", func(t *testing.T) {
		exec := inv.Invoke(context.Background(), Request{
			ToolName:   "typed",
			Parameters: map[string]any{"count": 2},
			Actor:      fullActor(),
		})
		require.Equal(t, ExecCompleted, exec.Status)
		assert.Equal(t, "none", seen["label"])
		assert.Equal(t, 2, seen["count"])
	})
}

func TestInvokeSuccessRecordsRow(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(NewResearchTool()))
	inv, store := newTestInvoker(t, reg)

	exec := inv.Invoke(context.Background(), Request{
		ToolName:   "research",
		Parameters: map[string]any{"query": "best pizza"},
		Actor:      fullActor(),
	})

	require.Equal(t, ExecCompleted, exec.Status)
	assert.Equal(t, ErrorKindNone, exec.ErrorKind)
	require.NotNil(t, exec.StartedAt)
	require.NotNil(t, exec.CompletedAt)

	stored, err := store.GetExecution(context.Background(), exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ExecCompleted, stored.Status)
	assert.Equal(t, "best pizza", stored.Parameters["query"])

	stats, ok := reg.Stats("research")
	require.True(t, ok)
	assert.EqualValues(t, 1, stats.UsageCount)
	assert.Equal(t, 1.0, stats.SuccessRate)
}

func TestConfirmationGateDefersExecution(t *testing.T) {
	root := t.TempDir()
	reg := NewRegistry()
	require.NoError(t, reg.Register(NewFileWriteTool(root)))
	inv, store := newTestInvoker(t, reg)

	exec := inv.Invoke(context.Background(), Request{
		ToolName:   "file_write",
		Parameters: map[string]any{"path": "notes.txt", "content": "hi"},
		Actor:      fullActor(),
	})

	require.Equal(t, ExecPendingConfirmation, exec.Status)
	assert.True(t, exec.RequiresConfirmation)
	assert.False(t, exec.Confirmed)
	assert.NoFileExists(t, filepath.Join(root, "notes.txt"), "side effect before confirmation")

	confirmed := inv.Confirm(context.Background(), exec.ExecutionID)
	require.Equal(t, ExecCompleted, confirmed.Status)
	assert.True(t, confirmed.Confirmed)
	assert.EqualValues(t, 2, confirmed.Result["bytes_written"])

	data, err := os.ReadFile(filepath.Join(root, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	stored, err := store.GetExecution(context.Background(), exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ExecCompleted, stored.Status)
}

func TestConfirmIsIdempotent(t *testing.T) {
	root := t.TempDir()
	reg := NewRegistry()
	require.NoError(t, reg.Register(NewFileWriteTool(root)))
	inv, _ := newTestInvoker(t, reg)

	exec := inv.Invoke(context.Background(), Request{
		ToolName:   "file_write",
		Parameters: map[string]any{"path": "once.txt", "content": "v1"},
		Actor:      fullActor(),
	})
	require.Equal(t, ExecPendingConfirmation, exec.Status)

	first := inv.Confirm(context.Background(), exec.ExecutionID)
	require.Equal(t, ExecCompleted, first.Status)

	again := inv.Confirm(context.Background(), exec.ExecutionID)
	assert.Equal(t, ExecCompleted, again.Status)
	assert.Equal(t, first.ExecutionID, again.ExecutionID)

	data, err := os.ReadFile(filepath.Join(root, "once.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
}

func TestConcurrentConfirmSingleWinner(t *testing.T) {
	reg := NewRegistry()
	runs := atomic.Int32{}
	def := stubDef("gated", "analysis")
	def.RequiresConfirmation = true
	require.NoError(t, reg.Register(&stubTool{def: def, fn: func(context.Context, map[string]any) (*Result, error) {
		runs.Add(1)
		return &Result{Output: map[string]any{"ok": true}}, nil
	}}))
	inv, _ := newTestInvoker(t, reg)

	exec := inv.Invoke(context.Background(), Request{ToolName: "gated", Actor: fullActor()})
	require.Equal(t, ExecPendingConfirmation, exec.Status)

	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inv.Confirm(context.Background(), exec.ExecutionID)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, runs.Load(), "exactly one confirm may execute the tool")
}

func TestConfirmUnknownExecution(t *testing.T) {
	reg := NewRegistry()
	inv, _ := newTestInvoker(t, reg)

	exec := inv.Confirm(context.Background(), "nope")
	assert.Equal(t, ExecFailed, exec.Status)
	assert.Equal(t, ErrorKindNotFound, exec.ErrorKind)
}

func TestAutoConfirmSkipsGate(t *testing.T) {
	root := t.TempDir()
	reg := NewRegistry()
	require.NoError(t, reg.Register(NewFileWriteTool(root)))
	inv, _ := newTestInvoker(t, reg)

	exec := inv.Invoke(context.Background(), Request{
		ToolName:    "file_write",
		Parameters:  map[string]any{"path": "auto.txt", "content": "go"},
		Actor:       fullActor(),
		AutoConfirm: true,
	})

	require.Equal(t, ExecCompleted, exec.Status)
	assert.True(t, exec.Confirmed)
	assert.FileExists(t, filepath.Join(root, "auto.txt"))
}

func TestInvokeTimeout(t *testing.T) {
	reg := NewRegistry()
	def := stubDef("slow", "analysis")
	def.Timeout = 50 * time.Millisecond
	require.NoError(t, reg.Register(&stubTool{def: def, fn: func(ctx context.Context, _ map[string]any) (*Result, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &Result{}, nil
		}
	}}))
	inv, _ := newTestInvoker(t, reg)

	start := time.Now()
	exec := inv.Invoke(context.Background(), Request{ToolName: "slow", Actor: fullActor()})

	assert.Equal(t, ExecFailed, exec.Status)
	assert.Equal(t, ErrorKindTimeout, exec.ErrorKind)
	assert.Less(t, time.Since(start), 2*time.Second, "timeout must bound the call")
}

func TestInvokeRetriesTransientFailure(t *testing.T) {
	reg := NewRegistry()
	attempts := atomic.Int32{}
	def := stubDef("flaky", "analysis")
	def.RetryCount = 2
	require.NoError(t, reg.Register(&stubTool{def: def, fn: func(context.Context, map[string]any) (*Result, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return &Result{Output: map[string]any{"ok": true}}, nil
	}}))
	inv, _ := newTestInvoker(t, reg)

	exec := inv.Invoke(context.Background(), Request{ToolName: "flaky", Actor: fullActor()})

	assert.Equal(t, ExecCompleted, exec.Status)
	assert.EqualValues(t, 3, attempts.Load())
}

func TestInvokeExhaustedRetriesFail(t *testing.T) {
	reg := NewRegistry()
	attempts := atomic.Int32{}
	def := stubDef("broken", "analysis")
	def.RetryCount = 1
	require.NoError(t, reg.Register(&stubTool{def: def, fn: func(context.Context, map[string]any) (*Result, error) {
		attempts.Add(1)
		return nil, errors.New("boom")
	}}))
	inv, _ := newTestInvoker(t, reg)

	exec := inv.Invoke(context.Background(), Request{ToolName: "broken", Actor: fullActor()})

	assert.Equal(t, ExecFailed, exec.Status)
	assert.Equal(t, ErrorKindExecution, exec.ErrorKind)
	assert.Contains(t, exec.ErrorMessage, "boom")
	assert.EqualValues(t, 2, attempts.Load())

	stats, _ := reg.Stats("broken")
	assert.EqualValues(t, 1, stats.UsageCount)
	assert.Equal(t, 0.0, stats.SuccessRate)
}

func TestInvokeConcurrencyCapQueuesRequests(t *testing.T) {
	reg := NewRegistry()
	var inFlight, peak atomic.Int32
	def := stubDef("capped", "analysis")
	def.MaxConcurrent = 1
	require.NoError(t, reg.Register(&stubTool{def: def, fn: func(context.Context, map[string]any) (*Result, error) {
		now := inFlight.Add(1)
		for {
			current := peak.Load()
			if now <= current || peak.CompareAndSwap(current, now) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return &Result{}, nil
	}}))
	inv, _ := newTestInvoker(t, reg)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exec := inv.Invoke(context.Background(), Request{ToolName: "capped", Actor: fullActor()})
			assert.Equal(t, ExecCompleted, exec.Status)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, peak.Load(), "max_concurrent=1 must serialize executions")
}

func TestRollbackRestoresFile(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "cfg.txt")
	require.NoError(t, os.WriteFile(path, []byte("before"), 0o644))

	reg := NewRegistry()
	require.NoError(t, reg.Register(NewFileWriteTool(root)))
	inv, _ := newTestInvoker(t, reg)

	params := map[string]any{"path": "cfg.txt", "content": "after"}
	exec := inv.Invoke(context.Background(), Request{
		ToolName: "file_write", Parameters: params, Actor: fullActor(), AutoConfirm: true,
	})
	require.Equal(t, ExecCompleted, exec.Status)

	attempted, err := inv.Rollback(context.Background(), "file_write", params)
	require.NoError(t, err)
	assert.True(t, attempted)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "before", string(data))
}

func TestRollbackOnToolWithoutSupport(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(NewResearchTool()))
	inv, _ := newTestInvoker(t, reg)

	attempted, err := inv.Rollback(context.Background(), "research", nil)
	require.NoError(t, err)
	assert.False(t, attempted)

	_, err = inv.Rollback(context.Background(), "missing", nil)
	require.ErrorIs(t, err, ErrToolNotFound)
}
