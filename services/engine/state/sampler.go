// Copyright (C) 2025 Tillerworks (oss@tillerworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package state samples the environment the engine plans against.
//
// A Snapshot is an opaque point-in-time capture of external state (files,
// running services, recent changes) used for drift detection: the plan
// generator records the snapshot fingerprint, and execution re-plans when
// the current fingerprint no longer matches. Enumeration internals are
// deliberately shallow; consumers treat the snapshot as a comparison
// token, not a database.
package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileInfo is one observed file in a sampled root.
type FileInfo struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Change is one recently observed filesystem event.
type Change struct {
	Path string    `json:"path"`
	Op   string    `json:"op"`
	At   time.Time `json:"at"`
}

// Snapshot is a point-in-time capture of external state.
type Snapshot struct {
	// Files lists the files under the sampled roots.
	Files []FileInfo `json:"files"`

	// Services lists the configured service names observed as present.
	Services []string `json:"services"`

	// RecentChanges are the latest filesystem events, oldest first.
	RecentChanges []Change `json:"recent_changes"`

	// CapturedAt is when the snapshot was taken.
	CapturedAt time.Time `json:"captured_at"`

	// Fingerprint is a sha256 over the canonical file and service lists.
	// Two snapshots of an unchanged environment share a fingerprint even
	// when CapturedAt differs.
	Fingerprint string `json:"fingerprint"`
}

// Sampler captures environment snapshots and watches for changes.
//
// Description:
//
//	Sampler walks the configured roots for the file inventory, probes
//	the configured service markers, and keeps a bounded ring of recent
//	fsnotify events. It is a pure read of external state; it never
//	mutates the environment.
//
// Thread Safety:
//
//	Sampler is safe for concurrent use.
type Sampler struct {
	roots    []string
	services []string
	maxFiles int

	mu      sync.Mutex
	changes []Change
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// SamplerOption configures a Sampler.
type SamplerOption func(*Sampler)

// WithServices sets the service marker paths to probe. A service is
// reported present when its marker path exists (e.g. a unix socket or
// pid file).
func WithServices(services ...string) SamplerOption {
	return func(s *Sampler) {
		s.services = append(s.services, services...)
	}
}

// WithMaxFiles bounds the file inventory size.
func WithMaxFiles(n int) SamplerOption {
	return func(s *Sampler) {
		s.maxFiles = n
	}
}

// NewSampler creates a sampler over the given filesystem roots.
//
// Inputs:
//
//	roots - Directories to inventory. Missing roots are skipped.
//	opts - Optional configuration.
//
// Outputs:
//
//	*Sampler - The configured sampler.
func NewSampler(roots []string, opts ...SamplerOption) *Sampler {
	s := &Sampler{
		roots:    roots,
		maxFiles: 1000,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// maxRecentChanges bounds the recent-change ring buffer.
const maxRecentChanges = 64

// Watch starts recording filesystem events under the sampled roots.
//
// Description:
//
//	Events feed the RecentChanges section of subsequent snapshots.
//	Watching is optional; an unwatched sampler simply reports no recent
//	changes. Call Close to stop.
//
// Outputs:
//
//	error - Non-nil if the watcher cannot be created.
func (s *Sampler) Watch() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	for _, root := range s.roots {
		if _, statErr := os.Stat(root); statErr != nil {
			continue
		}
		if addErr := watcher.Add(root); addErr != nil {
			watcher.Close()
			return fmt.Errorf("watch %s: %w", root, addErr)
		}
	}

	s.watcher = watcher
	s.done = make(chan struct{})

	go s.consume(watcher, s.done)
	return nil
}

// consume drains watcher events into the change ring until closed.
func (s *Sampler) consume(watcher *fsnotify.Watcher, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			s.record(Change{Path: event.Name, Op: event.Op.String(), At: time.Now()})
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
			// Watcher errors are non-fatal; the snapshot simply misses
			// events until the next full walk.
		}
	}
}

// record appends a change, evicting the oldest past the ring bound.
func (s *Sampler) record(c Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, c)
	if len(s.changes) > maxRecentChanges {
		s.changes = s.changes[len(s.changes)-maxRecentChanges:]
	}
}

// Close stops the watcher, if running.
func (s *Sampler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watcher == nil {
		return nil
	}
	close(s.done)
	err := s.watcher.Close()
	s.watcher = nil
	return err
}

// Current captures a snapshot of the environment.
//
// Inputs:
//
//	ctx - Context for cancellation during the filesystem walk.
//
// Outputs:
//
//	*Snapshot - The captured snapshot with a stable fingerprint.
//	error - Non-nil if the walk is cancelled.
func (s *Sampler) Current(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{CapturedAt: time.Now()}

	for _, root := range s.roots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		walkErr := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				// A root that disappears mid-walk is drift, not failure.
				return filepath.SkipDir
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if d.IsDir() {
				return nil
			}
			if len(snap.Files) >= s.maxFiles {
				return filepath.SkipAll
			}
			info, infoErr := d.Info()
			if infoErr != nil {
				return nil
			}
			snap.Files = append(snap.Files, FileInfo{
				Path:    path,
				Size:    info.Size(),
				ModTime: info.ModTime().Truncate(time.Second),
			})
			return nil
		})
		if walkErr != nil && walkErr == ctx.Err() {
			return nil, walkErr
		}
	}

	sort.Slice(snap.Files, func(i, j int) bool { return snap.Files[i].Path < snap.Files[j].Path })

	for _, marker := range s.services {
		if _, err := os.Stat(marker); err == nil {
			snap.Services = append(snap.Services, marker)
		}
	}
	sort.Strings(snap.Services)

	s.mu.Lock()
	snap.RecentChanges = append([]Change(nil), s.changes...)
	s.mu.Unlock()

	snap.Fingerprint = fingerprint(snap)
	return snap, nil
}

// fingerprint hashes the canonical file and service lists.
//
// RecentChanges and CapturedAt are excluded: the fingerprint answers
// "has the environment drifted", not "when was it sampled".
func fingerprint(snap *Snapshot) string {
	canonical := struct {
		Files    []FileInfo `json:"files"`
		Services []string   `json:"services"`
	}{Files: snap.Files, Services: snap.Services}

	data, err := json.Marshal(canonical)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
