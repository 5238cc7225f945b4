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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// resolvePath joins a relative path against the tool's root and rejects
// escapes. An empty root means the process working directory.
func resolvePath(root, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(filepath.Join(root, path))
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	if abs != rootAbs && !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the allowed root", path)
	}
	return abs, nil
}

// FileReadTool reads a file under the configured root.
type FileReadTool struct {
	root string
}

func NewFileReadTool(root string) *FileReadTool { return &FileReadTool{root: root} }

func (t *FileReadTool) Name() string     { return "file_read" }
func (t *FileReadTool) Category() string { return CategoryFile }

func (t *FileReadTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        t.Name(),
		Description: "Reads a file relative to the engine's file root",
		Category:    t.Category(),
		Permissions: []Permission{PermFileRead},
		Parameters: []ParamSpec{
			{Name: "path", Type: ParamString, Required: true},
		},
		Timeout:       10 * time.Second,
		MaxConcurrent: 8,
	}
}

func (t *FileReadTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	path, _ := params["path"].(string)
	abs, err := resolvePath(t.root, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return &Result{
		Output:  map[string]any{"path": path, "content": string(data), "size": len(data)},
		Message: fmt.Sprintf("read %d bytes", len(data)),
	}, nil
}

// FileWriteTool writes a file under the configured root. Writes require
// confirmation and are reversible: the prior content is kept so a
// rollback can restore it (or remove a file that did not exist).
type FileWriteTool struct {
	root string

	mu      sync.Mutex
	backups map[string]*fileBackup
}

type fileBackup struct {
	existed bool
	content []byte
	mode    os.FileMode
}

func NewFileWriteTool(root string) *FileWriteTool {
	return &FileWriteTool{root: root, backups: make(map[string]*fileBackup)}
}

func (t *FileWriteTool) Name() string     { return "file_write" }
func (t *FileWriteTool) Category() string { return CategoryFile }

func (t *FileWriteTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:                 t.Name(),
		Description:          "Writes a file relative to the engine's file root",
		Category:             t.Category(),
		Permissions:          []Permission{PermFileWrite},
		RequiresConfirmation: true,
		Parameters: []ParamSpec{
			{Name: "path", Type: ParamString, Required: true},
			{Name: "content", Type: ParamString, Required: true},
		},
		Timeout: 10 * time.Second,
		// Writes are the default binding for the file category.
		Priority: 1,
	}
}

func (t *FileWriteTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	path, _ := params["path"].(string)
	content, _ := params["content"].(string)
	abs, err := resolvePath(t.root, path)
	if err != nil {
		return nil, err
	}

	backup := &fileBackup{mode: 0o644}
	if prev, statErr := os.Stat(abs); statErr == nil {
		data, readErr := os.ReadFile(abs)
		if readErr != nil {
			return nil, fmt.Errorf("snapshot %s before write: %w", path, readErr)
		}
		backup.existed = true
		backup.content = data
		backup.mode = prev.Mode()
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create parent for %s: %w", path, err)
	}
	if err := os.WriteFile(abs, []byte(content), backup.mode); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}

	t.mu.Lock()
	t.backups[abs] = backup
	t.mu.Unlock()

	return &Result{
		Output:  map[string]any{"path": path, "bytes_written": len(content)},
		Message: fmt.Sprintf("wrote %d bytes to %s", len(content), path),
	}, nil
}

// Rollback restores the pre-write content, or removes the file when it
// did not exist before the write.
func (t *FileWriteTool) Rollback(ctx context.Context, params map[string]any) error {
	path, _ := params["path"].(string)
	abs, err := resolvePath(t.root, path)
	if err != nil {
		return err
	}

	t.mu.Lock()
	backup, ok := t.backups[abs]
	delete(t.backups, abs)
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("no backup recorded for %s", path)
	}

	if !backup.existed {
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
		return nil
	}
	if err := os.WriteFile(abs, backup.content, backup.mode); err != nil {
		return fmt.Errorf("restore %s: %w", path, err)
	}
	return nil
}
