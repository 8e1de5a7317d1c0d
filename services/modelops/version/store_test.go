// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package version

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianVision/services/modelops/clock"
	storagebadger "github.com/AleutianAI/AleutianVision/services/modelops/storage/badger"
)

func newTestStore(t *testing.T) (*Store, *Artifacts, *clock.Fake) {
	t.Helper()
	db, err := storagebadger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	artifacts, err := NewArtifacts(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, artifacts.WriteActive([]byte("baseline-model-weights")))

	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s, err := NewStore(context.Background(), db, artifacts, clk, nil)
	require.NoError(t, err)
	require.NoError(t, s.EnsureInitialized(context.Background(), Performance{Accuracy: 0.91}))
	return s, artifacts, clk
}

// createAndAdvance registers a new version, moving the clock so creation
// times are distinct.
func createAndAdvance(t *testing.T, s *Store, clk *clock.Fake, ct ChangeType) *ModelVersion {
	t.Helper()
	clk.Advance(time.Minute)
	mv, err := s.CreateVersion(context.Background(), CreateInfo{Description: "test", ChangeType: ct})
	require.NoError(t, err)
	return mv
}

func TestEnsureInitialized(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	current, err := s.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", current)

	// Idempotent.
	require.NoError(t, s.EnsureInitialized(ctx, Performance{}))
	versions, err := s.ListVersions(ctx)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
	assert.Equal(t, StatusDeployed, versions[0].Status)
}

func TestCreateVersion(t *testing.T) {
	s, artifacts, clk := newTestStore(t)
	ctx := context.Background()

	mv := createAndAdvance(t, s, clk, ChangeMinor)
	assert.Equal(t, "1.1.0", mv.Version)
	assert.Equal(t, StatusCreated, mv.Status)
	assert.Equal(t, "1.0.0", mv.ParentVersion)
	assert.True(t, artifacts.VersionExists("1.1.0"))

	// Deployed version must be untouched.
	current, err := s.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", current)

	// Bumps chain off the highest registered version, so repeated
	// creates can never collide.
	mv2 := createAndAdvance(t, s, clk, ChangeMinor)
	assert.Equal(t, "1.2.0", mv2.Version)
	mv3 := createAndAdvance(t, s, clk, ChangeMajor)
	assert.Equal(t, "2.0.0", mv3.Version)
}

func TestDeployVersion(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown version leaves pointer unchanged", func(t *testing.T) {
		s, _, _ := newTestStore(t)

		_, err := s.DeployVersion(ctx, "9.9.9", DefaultDeployOptions())
		assert.ErrorIs(t, err, ErrNotFound)

		current, err := s.CurrentVersion(ctx)
		require.NoError(t, err)
		assert.Equal(t, "1.0.0", current)
	})

	t.Run("successful deploy flips statuses and pointer", func(t *testing.T) {
		s, artifacts, clk := newTestStore(t)
		mv := createAndAdvance(t, s, clk, ChangeMinor)

		// Make the new version's artifact distinguishable.
		require.NoError(t, artifacts.writeAtomic(artifacts.VersionPath(mv.Version), []byte("new-model-weights")))

		clk.Advance(time.Minute)
		rec, err := s.DeployVersion(ctx, mv.Version, DefaultDeployOptions())
		require.NoError(t, err)
		assert.True(t, rec.Success)
		assert.Equal(t, "1.0.0", rec.PreviousVersion)
		assert.NotEmpty(t, rec.BackupPath)

		current, err := s.CurrentVersion(ctx)
		require.NoError(t, err)
		assert.Equal(t, mv.Version, current)

		deployed, err := s.GetVersion(ctx, mv.Version)
		require.NoError(t, err)
		assert.Equal(t, StatusDeployed, deployed.Status)
		old, err := s.GetVersion(ctx, "1.0.0")
		require.NoError(t, err)
		assert.Equal(t, StatusArchived, old.Status)

		active, err := os.ReadFile(artifacts.ActivePath())
		require.NoError(t, err)
		assert.Equal(t, []byte("new-model-weights"), active)
	})

	t.Run("blue-green flips via the staging slot", func(t *testing.T) {
		s, artifacts, clk := newTestStore(t)
		mv := createAndAdvance(t, s, clk, ChangePatch)
		require.NoError(t, artifacts.writeAtomic(artifacts.VersionPath(mv.Version), []byte("green-weights")))

		clk.Advance(time.Minute)
		opts := DefaultDeployOptions()
		opts.Strategy = StrategyBlueGreen
		rec, err := s.DeployVersion(ctx, mv.Version, opts)
		require.NoError(t, err)
		assert.True(t, rec.Success)

		active, err := os.ReadFile(artifacts.ActivePath())
		require.NoError(t, err)
		assert.Equal(t, []byte("green-weights"), active)
	})

	t.Run("failed swap restores bytes and keeps pointer", func(t *testing.T) {
		s, artifacts, clk := newTestStore(t)
		mv := createAndAdvance(t, s, clk, ChangePatch)

		before, err := os.ReadFile(artifacts.ActivePath())
		require.NoError(t, err)

		// Break the snapshot so the swap must fail after the backup.
		require.NoError(t, os.Remove(artifacts.VersionPath(mv.Version)))

		clk.Advance(time.Minute)
		rec, err := s.DeployVersion(ctx, mv.Version, DefaultDeployOptions())
		assert.ErrorIs(t, err, ErrDeploymentFailed)
		require.NotNil(t, rec)
		assert.False(t, rec.Success)
		assert.NotEmpty(t, rec.Error)

		// Byte-for-byte restoration and unchanged pointer.
		after, err := os.ReadFile(artifacts.ActivePath())
		require.NoError(t, err)
		assert.Equal(t, before, after)
		current, err := s.CurrentVersion(ctx)
		require.NoError(t, err)
		assert.Equal(t, "1.0.0", current)

		// The failure is on the history.
		history, err := s.DeploymentHistory(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, history)
		last := history[len(history)-1]
		assert.False(t, last.Success)
	})
}

func TestRollbackToPreviousVersion(t *testing.T) {
	ctx := context.Background()

	t.Run("requires two successful deployments", func(t *testing.T) {
		s, _, _ := newTestStore(t)
		_, err := s.RollbackToPreviousVersion(ctx, "bad accuracy")
		assert.ErrorIs(t, err, ErrNoPriorVersion)
	})

	t.Run("redeploys the prior success", func(t *testing.T) {
		s, _, clk := newTestStore(t)
		v1 := createAndAdvance(t, s, clk, ChangeMinor)
		v2 := createAndAdvance(t, s, clk, ChangeMinor)

		clk.Advance(time.Minute)
		_, err := s.DeployVersion(ctx, v1.Version, DefaultDeployOptions())
		require.NoError(t, err)
		clk.Advance(time.Minute)
		_, err = s.DeployVersion(ctx, v2.Version, DefaultDeployOptions())
		require.NoError(t, err)

		clk.Advance(time.Minute)
		rec, err := s.RollbackToPreviousVersion(ctx, "regression")
		require.NoError(t, err)
		assert.True(t, rec.Rollback)
		assert.Equal(t, v1.Version, rec.Version)

		current, err := s.CurrentVersion(ctx)
		require.NoError(t, err)
		assert.Equal(t, v1.Version, current)
	})
}

func TestCleanupOldVersions(t *testing.T) {
	ctx := context.Background()

	t.Run("kept plus cleaned equals total", func(t *testing.T) {
		s, _, clk := newTestStore(t)
		for i := 0; i < 4; i++ {
			createAndAdvance(t, s, clk, ChangePatch)
		}

		result, err := s.CleanupOldVersions(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, 5, result.Kept+result.Cleaned)
	})

	t.Run("deployed version survives outside the window", func(t *testing.T) {
		s, artifacts, clk := newTestStore(t)

		// Five versions; deploy the third-created, then create newer ones.
		v1 := createAndAdvance(t, s, clk, ChangePatch) // 1.0.1
		v2 := createAndAdvance(t, s, clk, ChangePatch) // 1.0.2
		_ = v1

		clk.Advance(time.Minute)
		_, err := s.DeployVersion(ctx, v2.Version, DefaultDeployOptions())
		require.NoError(t, err)

		v3 := createAndAdvance(t, s, clk, ChangePatch) // 1.0.3
		v4 := createAndAdvance(t, s, clk, ChangePatch) // 1.0.4
		_, _ = v3, v4

		result, err := s.CleanupOldVersions(ctx, 2)
		require.NoError(t, err)

		// Newest two kept plus the deployed one protected.
		assert.Equal(t, 3, result.Kept)
		assert.Equal(t, 2, result.Cleaned)

		deployed, err := s.GetVersion(ctx, v2.Version)
		require.NoError(t, err)
		assert.Equal(t, StatusDeployed, deployed.Status)
		assert.True(t, artifacts.VersionExists(v2.Version))

		_, err = s.GetVersion(ctx, "1.0.0")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDeleteVersion(t *testing.T) {
	ctx := context.Background()

	t.Run("removes metadata and artifact", func(t *testing.T) {
		s, artifacts, clk := newTestStore(t)
		mv := createAndAdvance(t, s, clk, ChangePatch) // 1.0.1

		require.NoError(t, s.DeleteVersion(ctx, mv.Version))

		_, err := s.GetVersion(ctx, mv.Version)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.False(t, artifacts.VersionExists(mv.Version))
	})

	t.Run("unknown version is not found", func(t *testing.T) {
		s, _, _ := newTestStore(t)
		assert.ErrorIs(t, s.DeleteVersion(ctx, "9.9.9"), ErrNotFound)
	})

	t.Run("current and deployed versions are protected", func(t *testing.T) {
		s, artifacts, clk := newTestStore(t)
		mv := createAndAdvance(t, s, clk, ChangeMinor) // 1.1.0

		// The bootstrap version holds the deployed pointer.
		assert.ErrorIs(t, s.DeleteVersion(ctx, "1.0.0"), ErrProtectedVersion)

		clk.Advance(time.Minute)
		_, err := s.DeployVersion(ctx, mv.Version, DefaultDeployOptions())
		require.NoError(t, err)

		// Once deployed it is protected too; the archived predecessor
		// is not.
		assert.ErrorIs(t, s.DeleteVersion(ctx, mv.Version), ErrProtectedVersion)
		assert.True(t, artifacts.VersionExists(mv.Version))
		require.NoError(t, s.DeleteVersion(ctx, "1.0.0"))
	})
}

func TestBackupAndRestore(t *testing.T) {
	s, artifacts, clk := newTestStore(t)
	ctx := context.Background()

	info, err := s.CreateBackup(ctx, "before risky change")
	require.NoError(t, err)
	assert.Greater(t, info.SizeBytes, int64(0))

	// Clobber the active artifact, then restore.
	require.NoError(t, artifacts.WriteActive([]byte("corrupted")))
	clk.Advance(time.Minute)
	require.NoError(t, s.RestoreFromBackup(ctx, info.Path))

	active, err := os.ReadFile(artifacts.ActivePath())
	require.NoError(t, err)
	assert.Equal(t, []byte("baseline-model-weights"), active)

	// The restore is on the history as a rollback entry.
	history, err := s.DeploymentHistory(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.True(t, history[len(history)-1].Rollback)

	backups, err := s.ListBackups(ctx)
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}
