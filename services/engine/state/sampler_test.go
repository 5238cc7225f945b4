// Copyright (C) 2025 Tillerworks (oss@tillerworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestCurrentInventoriesRoots(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "aaa")
	writeFile(t, dir, "b.txt", "b")

	snap, err := NewSampler([]string{dir}).Current(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.Files, 2)
	assert.Equal(t, filepath.Join(dir, "a.txt"), snap.Files[0].Path)
	assert.Equal(t, int64(3), snap.Files[0].Size)
	assert.Equal(t, filepath.Join(dir, "b.txt"), snap.Files[1].Path)
	assert.NotEmpty(t, snap.Fingerprint)
	assert.False(t, snap.CapturedAt.IsZero())
}

func TestFingerprintStableAcrossCaptures(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "aaa")

	sampler := NewSampler([]string{dir})
	first, err := sampler.Current(context.Background())
	require.NoError(t, err)
	second, err := sampler.Current(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Fingerprint, second.Fingerprint)
}

func TestFingerprintDriftsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "aaa")

	sampler := NewSampler([]string{dir})
	before, err := sampler.Current(context.Background())
	require.NoError(t, err)

	writeFile(t, dir, "new.txt", "new")
	after, err := sampler.Current(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, before.Fingerprint, after.Fingerprint)
}

func TestMissingRootSkipped(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "aaa")

	sampler := NewSampler([]string{filepath.Join(dir, "gone"), dir})
	snap, err := sampler.Current(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Files, 1)
}

func TestMaxFilesBoundsInventory(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		writeFile(t, dir, name+".txt", name)
	}

	snap, err := NewSampler([]string{dir}, WithMaxFiles(3)).Current(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Files, 3)
}

func TestServiceMarkers(t *testing.T) {
	dir := t.TempDir()
	present := writeFile(t, dir, "svc.pid", "1234")
	absent := filepath.Join(dir, "other.pid")

	snap, err := NewSampler([]string{dir}, WithServices(present, absent)).Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{present}, snap.Services)
}

func TestCurrentHonorsCancellation(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "aaa")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSampler([]string{dir}).Current(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWatchRecordsRecentChanges(t *testing.T) {
	dir := t.TempDir()

	sampler := NewSampler([]string{dir})
	require.NoError(t, sampler.Watch())
	defer sampler.Close()

	// Watch is idempotent.
	require.NoError(t, sampler.Watch())

	writeFile(t, dir, "watched.txt", "x")

	require.Eventually(t, func() bool {
		snap, err := sampler.Current(context.Background())
		if err != nil {
			return false
		}
		for _, change := range snap.RecentChanges {
			if change.Path == filepath.Join(dir, "watched.txt") {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestChangeRingBounded(t *testing.T) {
	sampler := NewSampler(nil)
	for i := 0; i < maxRecentChanges+10; i++ {
		sampler.record(Change{Path: "p", Op: "WRITE", At: time.Now()})
	}

	snap, err := sampler.Current(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.RecentChanges, maxRecentChanges)
}

func TestRecentChangesExcludedFromFingerprint(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "aaa")

	sampler := NewSampler([]string{dir})
	before, err := sampler.Current(context.Background())
	require.NoError(t, err)

	sampler.record(Change{Path: "elsewhere", Op: "CREATE", At: time.Now()})
	after, err := sampler.Current(context.Background())
	require.NoError(t, err)

	assert.Equal(t, before.Fingerprint, after.Fingerprint)
}
