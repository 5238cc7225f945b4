// Copyright (C) 2025 Tillerworks (oss@tillerworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the available tools indexed by name and by capability
// category, plus per-tool usage statistics.
//
// Thread Safety: all methods are safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	byName     map[string]Tool
	byCategory map[string][]Tool
	stats      map[string]*Stats
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:     make(map[string]Tool),
		byCategory: make(map[string][]Tool),
		stats:      make(map[string]*Stats),
	}
}

// Register adds a tool after validating its definition.
//
// The definition must carry a name, a category, at least one required
// permission, unique parameter names with known types, and defaults
// whose Go type matches the declared parameter type. Registering a
// duplicate name returns ErrToolExists.
func (r *Registry) Register(tool Tool) error {
	def := tool.Definition()
	if err := validateDefinition(&def); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolExists, def.Name)
	}

	r.byName[def.Name] = tool
	r.byCategory[def.Category] = append(r.byCategory[def.Category], tool)
	sort.SliceStable(r.byCategory[def.Category], func(i, j int) bool {
		a, b := r.byCategory[def.Category][i].Definition(), r.byCategory[def.Category][j].Definition()
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Name < b.Name
	})
	r.stats[def.Name] = &Stats{SuccessRate: 1.0}
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.byName[name]
	return tool, ok
}

// GetByCategory returns the tools in a capability category, highest
// priority first.
func (r *Registry) GetByCategory(category string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, len(r.byCategory[category]))
	copy(out, r.byCategory[category])
	return out
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns every registered definition, sorted by name.
func (r *Registry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.byName))
	for _, tool := range r.byName {
		defs = append(defs, tool.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// Stats returns a copy of the usage counters for a tool.
func (r *Registry) Stats(name string) (Stats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stats[name]
	if !ok {
		return Stats{}, false
	}
	return *s, true
}

// RecordOutcome folds one attempt outcome into the tool's counters.
// The success rate is a running average over all recorded attempts.
func (r *Registry) RecordOutcome(name string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[name]
	if !ok {
		return
	}
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	s.UsageCount++
	if s.UsageCount == 1 {
		s.SuccessRate = outcome
		return
	}
	s.SuccessRate += (outcome - s.SuccessRate) / float64(s.UsageCount)
}

func validateDefinition(def *ToolDefinition) error {
	if def.Name == "" {
		return &DefinitionError{Tool: "(unnamed)", Reason: "name is required"}
	}
	if def.Category == "" {
		return &DefinitionError{Tool: def.Name, Reason: "category is required"}
	}
	if len(def.Permissions) == 0 {
		return &DefinitionError{Tool: def.Name, Reason: "permission set must not be empty"}
	}
	if def.RetryCount < 0 {
		return &DefinitionError{Tool: def.Name, Reason: "retry count must not be negative"}
	}
	if def.MaxConcurrent < 0 {
		return &DefinitionError{Tool: def.Name, Reason: "max concurrent must not be negative"}
	}

	seen := make(map[string]struct{}, len(def.Parameters))
	for _, spec := range def.Parameters {
		if spec.Name == "" {
			return &DefinitionError{Tool: def.Name, Reason: "parameter name is required"}
		}
		if _, dup := seen[spec.Name]; dup {
			return &DefinitionError{Tool: def.Name, Reason: fmt.Sprintf("duplicate parameter %q", spec.Name)}
		}
		seen[spec.Name] = struct{}{}
		if !spec.Type.Valid() {
			return &DefinitionError{Tool: def.Name, Reason: fmt.Sprintf("parameter %q has unknown type %q", spec.Name, spec.Type)}
		}
		if spec.Default != nil {
			if reason := checkType(spec.Type, spec.Default); reason != "" {
				return &DefinitionError{Tool: def.Name, Reason: fmt.Sprintf("parameter %q default: %s", spec.Name, reason)}
			}
		}
	}
	return nil
}

// checkType reports a non-empty reason when value does not satisfy the
// declared parameter type. Integer accepts whole-valued floats so that
// JSON-decoded numbers pass.
func checkType(t ParamType, value any) string {
	switch t {
	case ParamString:
		if _, ok := value.(string); !ok {
			return fmt.Sprintf("expected string, got %T", value)
		}
	case ParamInt:
		switch v := value.(type) {
		case int, int32, int64:
		case float64:
			if v != float64(int64(v)) {
				return fmt.Sprintf("expected integer, got %v", v)
			}
		default:
			return fmt.Sprintf("expected integer, got %T", value)
		}
	case ParamFloat:
		switch value.(type) {
		case float32, float64, int, int32, int64:
		default:
			return fmt.Sprintf("expected number, got %T", value)
		}
	case ParamBool:
		if _, ok := value.(bool); !ok {
			return fmt.Sprintf("expected boolean, got %T", value)
		}
	case ParamArray:
		if _, ok := value.([]any); !ok {
			return fmt.Sprintf("expected array, got %T", value)
		}
	case ParamObject:
		if _, ok := value.(map[string]any); !ok {
			return fmt.Sprintf("expected object, got %T", value)
		}
	}
	return ""
}
