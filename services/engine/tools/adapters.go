// Copyright (C) 2025 Tillerworks (oss@tillerworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Capability categories shared with the planner's step taxonomy.
const (
	CategoryCalendar     = "calendar"
	CategoryResearch     = "research"
	CategoryShopping     = "shopping"
	CategoryAnalysis     = "analysis"
	CategoryFile         = "file"
	CategorySystem       = "system"
	CategoryValidation   = "validation"
	CategoryNotification = "notification"
	CategoryExecute      = "execute"
	CategoryHome         = "home"
	CategoryMedia        = "media"
)

// RecordLister narrows the storage layer to what the db_query tool
// needs.
type RecordLister interface {
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

// BuiltinConfig wires external resources into the builtin tool set.
type BuiltinConfig struct {
	// FileRoot confines file_read and file_write to a directory tree.
	FileRoot string

	// Records backs the db_query tool. Nil leaves db_query
	// unregistered.
	Records RecordLister
}

// RegisterBuiltins registers the standard adapter set on a registry.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) error {
	set := []Tool{
		NewCalendarTool(),
		NewResearchTool(),
		NewShoppingListTool(),
		NewNotifyTool(),
		NewAnalyzeTool(),
		NewValidateTool(),
		NewRunTaskTool(),
		NewSystemChangeTool(),
		NewSmartHomeTool(),
		NewMediaTool(),
		NewFileReadTool(cfg.FileRoot),
		NewFileWriteTool(cfg.FileRoot),
	}
	if cfg.Records != nil {
		set = append(set, NewDBQueryTool(cfg.Records))
	}
	for _, tool := range set {
		if err := reg.Register(tool); err != nil {
			return fmt.Errorf("register builtin %s: %w", tool.Name(), err)
		}
	}
	return nil
}

// CalendarTool checks availability and creates events on an in-process
// calendar.
type CalendarTool struct {
	mu     sync.Mutex
	events map[string]calendarEvent
}

type calendarEvent struct {
	Title string
	Date  string
}

func NewCalendarTool() *CalendarTool {
	return &CalendarTool{events: make(map[string]calendarEvent)}
}

func (t *CalendarTool) Name() string     { return "calendar" }
func (t *CalendarTool) Category() string { return CategoryCalendar }

func (t *CalendarTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        t.Name(),
		Description: "Checks calendar availability and creates events",
		Category:    t.Category(),
		Permissions: []Permission{PermCalendarRead, PermCalendarWrite},
		Parameters: []ParamSpec{
			{Name: "action", Type: ParamString, Required: true, Default: "check", Description: "check or create"},
			{Name: "title", Type: ParamString, Description: "event title, required for create"},
			{Name: "date", Type: ParamString, Description: "event date, RFC 3339 or free-form"},
		},
		Timeout:       5 * time.Second,
		MaxConcurrent: 4,
	}
}

func (t *CalendarTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	action, _ := params["action"].(string)
	switch action {
	case "check":
		date, _ := params["date"].(string)
		t.mu.Lock()
		conflicts := []any{}
		for _, ev := range t.events {
			if date != "" && ev.Date == date {
				conflicts = append(conflicts, ev.Title)
			}
		}
		t.mu.Unlock()
		return &Result{
			Output:  map[string]any{"available": len(conflicts) == 0, "conflicts": conflicts},
			Message: "availability checked",
		}, nil
	case "create":
		title, _ := params["title"].(string)
		if title == "" {
			return nil, fmt.Errorf("create requires a title")
		}
		date, _ := params["date"].(string)
		id := uuid.NewString()
		t.mu.Lock()
		t.events[id] = calendarEvent{Title: title, Date: date}
		t.mu.Unlock()
		return &Result{
			Output:  map[string]any{"event_id": id, "title": title, "date": date},
			Message: "event created",
		}, nil
	default:
		return nil, fmt.Errorf("unsupported action %q", action)
	}
}

// Rollback removes events created with the same title and date.
func (t *CalendarTool) Rollback(ctx context.Context, params map[string]any) error {
	title, _ := params["title"].(string)
	date, _ := params["date"].(string)
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ev := range t.events {
		if ev.Title == title && ev.Date == date {
			delete(t.events, id)
		}
	}
	return nil
}

// ResearchTool returns deterministic candidate options for a query.
// The option set is derived from a hash of the query so repeated runs
// of the same plan see the same suggestions.
type ResearchTool struct{}

func NewResearchTool() *ResearchTool { return &ResearchTool{} }

func (t *ResearchTool) Name() string     { return "research" }
func (t *ResearchTool) Category() string { return CategoryResearch }

func (t *ResearchTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        t.Name(),
		Description: "Gathers candidate options for a research query",
		Category:    t.Category(),
		Permissions: []Permission{PermDataRead},
		Parameters: []ParamSpec{
			{Name: "query", Type: ParamString, Required: true},
			{Name: "limit", Type: ParamInt, Default: 3, Description: "maximum options to return"},
		},
		Timeout:       10 * time.Second,
		RetryCount:    1,
		MaxConcurrent: 4,
	}
}

func (t *ResearchTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	query, _ := params["query"].(string)
	limit := intParam(params["limit"], 3)
	if limit < 1 {
		limit = 1
	}

	h := fnv.New32a()
	h.Write([]byte(query))
	seed := h.Sum32()

	options := make([]any, 0, limit)
	for i := 0; i < limit; i++ {
		options = append(options, fmt.Sprintf("option-%d for %q", (seed+uint32(i))%97, query))
	}
	return &Result{
		Output:  map[string]any{"query": query, "options": options},
		Message: fmt.Sprintf("found %d options", len(options)),
	}, nil
}

// ShoppingListTool appends items to a named in-process shopping list.
type ShoppingListTool struct {
	mu    sync.Mutex
	lists map[string][]string
}

func NewShoppingListTool() *ShoppingListTool {
	return &ShoppingListTool{lists: make(map[string][]string)}
}

func (t *ShoppingListTool) Name() string     { return "shopping_list" }
func (t *ShoppingListTool) Category() string { return CategoryShopping }

func (t *ShoppingListTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        t.Name(),
		Description: "Adds items to a shopping list",
		Category:    t.Category(),
		Permissions: []Permission{PermDataWrite},
		Parameters: []ParamSpec{
			{Name: "items", Type: ParamArray, Required: true},
			{Name: "list", Type: ParamString, Default: "default"},
		},
		Timeout: 5 * time.Second,
	}
}

func (t *ShoppingListTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	raw, _ := params["items"].([]any)
	if len(raw) == 0 {
		return nil, fmt.Errorf("items must not be empty")
	}
	list, _ := params["list"].(string)

	items := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("item %v is not a string", item)
		}
		items = append(items, s)
	}

	t.mu.Lock()
	t.lists[list] = append(t.lists[list], items...)
	total := len(t.lists[list])
	t.mu.Unlock()

	return &Result{
		Output:  map[string]any{"list": list, "items_added": len(items), "list_size": total},
		Message: fmt.Sprintf("added %d items to %s", len(items), list),
	}, nil
}

// Rollback removes the trailing occurrences of the items it added.
func (t *ShoppingListTool) Rollback(ctx context.Context, params map[string]any) error {
	raw, _ := params["items"].([]any)
	list, _ := params["list"].(string)
	t.mu.Lock()
	defer t.mu.Unlock()
	current := t.lists[list]
	for _, item := range raw {
		s, _ := item.(string)
		for i := len(current) - 1; i >= 0; i-- {
			if current[i] == s {
				current = append(current[:i], current[i+1:]...)
				break
			}
		}
	}
	t.lists[list] = current
	return nil
}

// Items returns a copy of a list, for inspection.
func (t *ShoppingListTool) Items(list string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.lists[list]))
	copy(out, t.lists[list])
	return out
}

// NotifyTool records notifications in an in-process outbox.
type NotifyTool struct {
	mu     sync.Mutex
	outbox []string
}

func NewNotifyTool() *NotifyTool { return &NotifyTool{} }

func (t *NotifyTool) Name() string     { return "notify" }
func (t *NotifyTool) Category() string { return CategoryNotification }

func (t *NotifyTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        t.Name(),
		Description: "Sends a notification message",
		Category:    t.Category(),
		Permissions: []Permission{PermNotify},
		Parameters: []ParamSpec{
			{Name: "message", Type: ParamString, Required: true},
			{Name: "channel", Type: ParamString, Default: "default"},
		},
		Timeout: 5 * time.Second,
	}
}

func (t *NotifyTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	message, _ := params["message"].(string)
	channel, _ := params["channel"].(string)
	t.mu.Lock()
	t.outbox = append(t.outbox, fmt.Sprintf("[%s] %s", channel, message))
	count := len(t.outbox)
	t.mu.Unlock()
	return &Result{
		Output:  map[string]any{"delivered": true, "channel": channel, "outbox_size": count},
		Message: "notification sent",
	}, nil
}

// AnalyzeTool produces a deterministic analysis summary for a subject.
type AnalyzeTool struct{}

func NewAnalyzeTool() *AnalyzeTool { return &AnalyzeTool{} }

func (t *AnalyzeTool) Name() string     { return "analyze" }
func (t *AnalyzeTool) Category() string { return CategoryAnalysis }

func (t *AnalyzeTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        t.Name(),
		Description: "Analyzes a subject and reports findings",
		Category:    t.Category(),
		Permissions: []Permission{PermDataRead},
		Parameters: []ParamSpec{
			{Name: "subject", Type: ParamString, Required: true},
		},
		Timeout:       15 * time.Second,
		MaxConcurrent: 2,
	}
}

func (t *AnalyzeTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	subject, _ := params["subject"].(string)
	h := fnv.New32a()
	h.Write([]byte(subject))
	score := float64(h.Sum32()%100) / 100.0
	return &Result{
		Output:  map[string]any{"subject": subject, "score": score, "findings": []any{fmt.Sprintf("analysis of %q complete", subject)}},
		Message: "analysis complete",
	}, nil
}

// ValidateTool checks a list of criteria and reports the outcome.
type ValidateTool struct{}

func NewValidateTool() *ValidateTool { return &ValidateTool{} }

func (t *ValidateTool) Name() string     { return "validate" }
func (t *ValidateTool) Category() string { return CategoryValidation }

func (t *ValidateTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        t.Name(),
		Description: "Validates outcome criteria",
		Category:    t.Category(),
		Permissions: []Permission{PermDataRead},
		Parameters: []ParamSpec{
			{Name: "criteria", Type: ParamArray, Default: []any{}},
		},
		Timeout: 10 * time.Second,
	}
}

func (t *ValidateTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	criteria, _ := params["criteria"].([]any)
	return &Result{
		Output:  map[string]any{"passed": true, "checked": len(criteria)},
		Message: fmt.Sprintf("validated %d criteria", len(criteria)),
	}, nil
}

// RunTaskTool executes a named task. Execution is recorded rather than
// shelled out; an external runner picks tasks out of the record.
type RunTaskTool struct {
	mu   sync.Mutex
	runs []string
}

func NewRunTaskTool() *RunTaskTool { return &RunTaskTool{} }

func (t *RunTaskTool) Name() string     { return "run_task" }
func (t *RunTaskTool) Category() string { return CategoryExecute }

func (t *RunTaskTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:                 t.Name(),
		Description:          "Runs a named task",
		Category:             t.Category(),
		Permissions:          []Permission{PermSystem},
		RequiresConfirmation: true,
		Parameters: []ParamSpec{
			{Name: "task", Type: ParamString, Required: true},
		},
		Timeout: 60 * time.Second,
	}
}

func (t *RunTaskTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	task, _ := params["task"].(string)
	t.mu.Lock()
	t.runs = append(t.runs, task)
	t.mu.Unlock()
	return &Result{
		Output:  map[string]any{"task": task, "executed": true},
		Message: fmt.Sprintf("task %s executed", task),
	}, nil
}

// SystemChangeTool applies a reversible change to an in-process system
// model. Changes require confirmation and support rollback.
type SystemChangeTool struct {
	mu      sync.Mutex
	applied map[string]string
}

func NewSystemChangeTool() *SystemChangeTool {
	return &SystemChangeTool{applied: make(map[string]string)}
}

func (t *SystemChangeTool) Name() string     { return "system_change" }
func (t *SystemChangeTool) Category() string { return CategorySystem }

func (t *SystemChangeTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:                 t.Name(),
		Description:          "Applies a configuration change to a system target",
		Category:             t.Category(),
		Permissions:          []Permission{PermSystem},
		RequiresConfirmation: true,
		Parameters: []ParamSpec{
			{Name: "target", Type: ParamString, Required: true},
			{Name: "change", Type: ParamString, Required: true},
		},
		Timeout: 30 * time.Second,
	}
}

func (t *SystemChangeTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	target, _ := params["target"].(string)
	change, _ := params["change"].(string)
	t.mu.Lock()
	previous := t.applied[target]
	t.applied[target] = change
	t.mu.Unlock()
	return &Result{
		Output:  map[string]any{"target": target, "applied": change, "previous": previous},
		Message: fmt.Sprintf("applied %q to %s", change, target),
	}, nil
}

func (t *SystemChangeTool) Rollback(ctx context.Context, params map[string]any) error {
	target, _ := params["target"].(string)
	t.mu.Lock()
	delete(t.applied, target)
	t.mu.Unlock()
	return nil
}

// Applied returns the change currently recorded for a target.
func (t *SystemChangeTool) Applied(target string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	change, ok := t.applied[target]
	return change, ok
}

// SmartHomeTool sets scenes on an in-process home model.
type SmartHomeTool struct {
	mu    sync.Mutex
	scene string
}

func NewSmartHomeTool() *SmartHomeTool { return &SmartHomeTool{} }

func (t *SmartHomeTool) Name() string     { return "smarthome_scene" }
func (t *SmartHomeTool) Category() string { return CategoryHome }

func (t *SmartHomeTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        t.Name(),
		Description: "Activates a smart home scene",
		Category:    t.Category(),
		Permissions: []Permission{PermHome},
		Parameters: []ParamSpec{
			{Name: "scene", Type: ParamString, Required: true},
		},
		Timeout: 5 * time.Second,
	}
}

func (t *SmartHomeTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	scene, _ := params["scene"].(string)
	t.mu.Lock()
	previous := t.scene
	t.scene = scene
	t.mu.Unlock()
	return &Result{
		Output:  map[string]any{"scene": scene, "previous": previous},
		Message: fmt.Sprintf("scene %s active", scene),
	}, nil
}

// MediaTool controls an in-process playback model.
type MediaTool struct {
	mu      sync.Mutex
	playing string
}

func NewMediaTool() *MediaTool { return &MediaTool{} }

func (t *MediaTool) Name() string     { return "media_playback" }
func (t *MediaTool) Category() string { return CategoryMedia }

func (t *MediaTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        t.Name(),
		Description: "Controls media playback",
		Category:    t.Category(),
		Permissions: []Permission{PermMedia},
		Parameters: []ParamSpec{
			{Name: "action", Type: ParamString, Required: true, Default: "play"},
			{Name: "title", Type: ParamString},
		},
		Timeout: 5 * time.Second,
	}
}

func (t *MediaTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	action, _ := params["action"].(string)
	title, _ := params["title"].(string)
	t.mu.Lock()
	switch action {
	case "play":
		t.playing = title
	case "stop":
		t.playing = ""
	}
	playing := t.playing
	t.mu.Unlock()
	return &Result{
		Output:  map[string]any{"action": action, "now_playing": playing},
		Message: fmt.Sprintf("playback %s", action),
	}, nil
}

// DBQueryTool lists stored record keys under a prefix.
type DBQueryTool struct {
	records RecordLister
}

func NewDBQueryTool(records RecordLister) *DBQueryTool {
	return &DBQueryTool{records: records}
}

func (t *DBQueryTool) Name() string     { return "db_query" }
func (t *DBQueryTool) Category() string { return CategoryAnalysis }

func (t *DBQueryTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        t.Name(),
		Description: "Queries stored records by key prefix",
		Category:    t.Category(),
		Permissions: []Permission{PermDataRead},
		Parameters: []ParamSpec{
			{Name: "prefix", Type: ParamString, Default: ""},
		},
		Timeout:    10 * time.Second,
		RetryCount: 1,
		Priority:   -1,
	}
}

func (t *DBQueryTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	prefix, _ := params["prefix"].(string)
	keys, err := t.records.ListKeys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return &Result{
		Output:  map[string]any{"prefix": prefix, "keys": out, "count": len(keys)},
		Message: fmt.Sprintf("matched %d keys", len(keys)),
	}, nil
}

func intParam(v any, fallback int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return fallback
}
