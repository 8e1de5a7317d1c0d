// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianVision/services/modelops/classifier"
	"github.com/AleutianAI/AleutianVision/services/modelops/clock"
	"github.com/AleutianAI/AleutianVision/services/modelops/experiment"
	storagebadger "github.com/AleutianAI/AleutianVision/services/modelops/storage/badger"
	"github.com/AleutianAI/AleutianVision/services/modelops/version"
)

// fakeRetrainer writes an artifact file and returns a fixed result.
// A non-nil gate blocks the run until the channel is closed.
type fakeRetrainer struct {
	dir      string
	err      error
	gate     chan struct{}
	calls    atomic.Int32
	canceled atomic.Bool
}

func (f *fakeRetrainer) Retrain(ctx context.Context, datasetRef string, params classifier.Hyperparams, events chan<- classifier.TrainingEvent) (*classifier.TrainingResult, error) {
	defer close(events)
	f.calls.Add(1)
	f.canceled.Store(ctx.Err() != nil)
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	for epoch := 1; epoch <= 3; epoch++ {
		events <- classifier.TrainingEvent{Epoch: epoch, Loss: 1.0 / float64(epoch), Accuracy: 0.90 + float64(epoch)*0.01}
	}
	artifact := filepath.Join(f.dir, fmt.Sprintf("trained-%d.bin", f.calls.Load()))
	if err := os.WriteFile(artifact, []byte("retrained-model-weights"), 0600); err != nil {
		return nil, err
	}
	return &classifier.TrainingResult{
		Accuracy:    0.94,
		Loss:        0.21,
		ArtifactRef: artifact,
		Duration:    42 * time.Minute,
	}, nil
}

type schedFixture struct {
	sched     *Scheduler
	retrainer *fakeRetrainer
	metrics   *fakeMetrics
	versions  *version.Store
	orch      *experiment.Orchestrator
	clk       *clock.Fake
}

func newSchedFixture(t *testing.T, cfg SchedulerConfig) *schedFixture {
	t.Helper()
	db, err := storagebadger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	artifacts, err := version.NewArtifacts(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, artifacts.WriteActive([]byte("baseline-model-weights")))
	vs, err := version.NewStore(context.Background(), db, artifacts, clk, nil)
	require.NoError(t, err)
	require.NoError(t, vs.EnsureInitialized(context.Background(), version.Performance{Accuracy: 0.92}))

	orch := experiment.NewOrchestrator(experiment.NewStore(db), experiment.OrchestratorConfig{}, clk, nil)

	metrics := &fakeMetrics{vm: quietMetrics(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))}
	monitor := NewMonitor(metrics, vs, MonitorConfig{}, clk, nil)
	retrainer := &fakeRetrainer{dir: t.TempDir()}

	cfg.RegisterVersions = true
	sched, err := NewScheduler(context.Background(), db, monitor, retrainer, nil, vs, orch, cfg, clk, nil)
	require.NoError(t, err)
	return &schedFixture{sched: sched, retrainer: retrainer, metrics: metrics, versions: vs, orch: orch, clk: clk}
}

// degrade makes the metrics fire a high-priority accuracy drop.
func (f *schedFixture) degrade() {
	f.metrics.vm.ObservedAccuracy = 0.80
}

func TestTriggerManualRetraining(t *testing.T) {
	ctx := context.Background()

	t.Run("registers the trained artifact as a new version", func(t *testing.T) {
		f := newSchedFixture(t, SchedulerConfig{})

		out, err := f.sched.TriggerManualRetraining(ctx, RetrainOptions{Description: "operator request"})
		require.NoError(t, err)
		require.NotNil(t, out.Result)
		assert.InDelta(t, 0.94, out.Result.Accuracy, 1e-9)
		assert.Equal(t, "1.1.0", out.NewVersion)

		mv, err := f.versions.GetVersion(ctx, "1.1.0")
		require.NoError(t, err)
		assert.Equal(t, version.StatusCreated, mv.Status)
		assert.Equal(t, "operator request", mv.Description)
		assert.InDelta(t, 0.94, mv.Performance.Accuracy, 1e-9)

		// The deployed model is untouched until a deployment decides.
		current, err := f.versions.CurrentVersion(ctx)
		require.NoError(t, err)
		assert.Equal(t, "1.0.0", current)
	})

	t.Run("concurrent trigger fails fast", func(t *testing.T) {
		f := newSchedFixture(t, SchedulerConfig{})
		f.retrainer.gate = make(chan struct{})

		started := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			close(started)
			_, err := f.sched.TriggerManualRetraining(ctx, RetrainOptions{})
			done <- err
		}()
		<-started
		// Wait for the first run to take the flag.
		require.Eventually(t, func() bool {
			st, serr := f.sched.Status(ctx)
			return serr == nil && st.RetrainingInProgress
		}, 2*time.Second, 10*time.Millisecond)

		_, err := f.sched.TriggerManualRetraining(ctx, RetrainOptions{})
		assert.ErrorIs(t, err, ErrAlreadyInProgress)
		assert.EqualValues(t, 1, f.retrainer.calls.Load())

		close(f.retrainer.gate)
		require.NoError(t, <-done)
	})

	t.Run("failed run records a failure trigger", func(t *testing.T) {
		f := newSchedFixture(t, SchedulerConfig{})
		f.retrainer.err = errors.New("gpu node lost")

		_, err := f.sched.TriggerManualRetraining(ctx, RetrainOptions{})
		require.Error(t, err)

		history, herr := f.sched.TriggerHistory(ctx)
		require.NoError(t, herr)
		require.Len(t, history, 1)
		assert.Equal(t, TriggerRetrainingFailed, history[0].Type)
		assert.Contains(t, history[0].Reason, "gpu node lost")

		// The flag is released for the next attempt.
		st, serr := f.sched.Status(ctx)
		require.NoError(t, serr)
		assert.False(t, st.RetrainingInProgress)
	})

	t.Run("admitted run survives caller cancellation", func(t *testing.T) {
		f := newSchedFixture(t, SchedulerConfig{})

		canceled, cancel := context.WithCancel(ctx)
		cancel()

		out, err := f.sched.TriggerManualRetraining(canceled, RetrainOptions{})
		require.NoError(t, err)
		require.NotNil(t, out.Result)
		assert.False(t, f.retrainer.canceled.Load())

		// State was recorded despite the dead parent context.
		st, serr := f.sched.Status(ctx)
		require.NoError(t, serr)
		assert.False(t, st.RetrainingInProgress)
		require.NotNil(t, st.LastRetrainingAt)
	})
}

func TestRunCycle(t *testing.T) {
	ctx := context.Background()

	t.Run("quiet metrics do not retrain", func(t *testing.T) {
		f := newSchedFixture(t, SchedulerConfig{})
		require.NoError(t, f.sched.RunCycle(ctx))
		assert.EqualValues(t, 0, f.retrainer.calls.Load())

		st, err := f.sched.Status(ctx)
		require.NoError(t, err)
		require.NotNil(t, st.LastCheck)
		assert.True(t, st.LastCheck.Equal(f.clk.Now()))
	})

	t.Run("high-priority trigger retrains and records history", func(t *testing.T) {
		f := newSchedFixture(t, SchedulerConfig{})
		f.degrade()

		require.NoError(t, f.sched.RunCycle(ctx))
		assert.EqualValues(t, 1, f.retrainer.calls.Load())

		history, err := f.sched.TriggerHistory(ctx)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, TriggerAccuracyDrop, history[0].Type)

		st, serr := f.sched.Status(ctx)
		require.NoError(t, serr)
		require.NotNil(t, st.LastRetrainingAt)
		assert.Equal(t, 1, st.RetrainsToday)
	})

	t.Run("cooldown blocks then expires", func(t *testing.T) {
		f := newSchedFixture(t, SchedulerConfig{CooldownHours: 6})
		f.degrade()

		require.NoError(t, f.sched.RunCycle(ctx))
		require.EqualValues(t, 1, f.retrainer.calls.Load())

		// Two hours later: still inside the cooldown, cycle is a no-op.
		f.clk.Advance(2 * time.Hour)
		require.NoError(t, f.sched.RunCycle(ctx))
		assert.EqualValues(t, 1, f.retrainer.calls.Load())

		st, serr := f.sched.Status(ctx)
		require.NoError(t, serr)
		assert.Equal(t, 4*time.Hour, st.CooldownRemaining)

		// Past the cooldown the next cycle retrains again.
		f.clk.Advance(5 * time.Hour)
		require.NoError(t, f.sched.RunCycle(ctx))
		assert.EqualValues(t, 2, f.retrainer.calls.Load())
	})

	t.Run("daily limit blocks further automatic runs", func(t *testing.T) {
		f := newSchedFixture(t, SchedulerConfig{MaxRetrainingsPerDay: 2, CooldownHours: 1})
		f.degrade()

		for i := 0; i < 3; i++ {
			require.NoError(t, f.sched.RunCycle(ctx))
			f.clk.Advance(2 * time.Hour)
		}
		assert.EqualValues(t, 2, f.retrainer.calls.Load())

		// Manual retraining ignores the automatic limits.
		_, err := f.sched.TriggerManualRetraining(ctx, RetrainOptions{})
		require.NoError(t, err)
		assert.EqualValues(t, 3, f.retrainer.calls.Load())
	})

	t.Run("follow-up experiment compares new version to deployed", func(t *testing.T) {
		f := newSchedFixture(t, SchedulerConfig{FollowUpExperiment: true, RegisterVersions: true})
		f.degrade()

		require.NoError(t, f.sched.RunCycle(ctx))

		exps, err := f.orch.ListExperiments(ctx)
		require.NoError(t, err)
		require.Len(t, exps, 1)
		assert.Equal(t, "1.0.0", exps[0].ModelA)
		assert.Equal(t, "1.1.0", exps[0].ModelB)
		assert.Equal(t, experiment.StatusRunning, exps[0].Status)
	})
}

func TestTriggerHistoryRing(t *testing.T) {
	ctx := context.Background()
	f := newSchedFixture(t, SchedulerConfig{TriggerHistoryLimit: 5})

	for i := 0; i < 8; i++ {
		require.NoError(t, f.sched.appendTrigger(ctx, Trigger{
			Type:      TriggerTimeBased,
			Reason:    fmt.Sprintf("entry %d", i),
			Priority:  PriorityLow,
			Timestamp: f.clk.Now(),
		}))
	}

	history, err := f.sched.TriggerHistory(ctx)
	require.NoError(t, err)
	require.Len(t, history, 5)
	// Oldest entries are pruned; newest-last order is preserved.
	assert.Equal(t, "entry 3", history[0].Reason)
	assert.Equal(t, "entry 7", history[4].Reason)
}

func TestSchedulerLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newSchedFixture(t, SchedulerConfig{CheckInterval: time.Hour})

	require.NoError(t, f.sched.Start(ctx))
	assert.True(t, f.sched.IsRunning())
	assert.ErrorIs(t, f.sched.Start(ctx), ErrAlreadyRunning)

	st, err := f.sched.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.IsRunning)

	require.NoError(t, f.sched.Stop(ctx))
	assert.False(t, f.sched.IsRunning())
	assert.ErrorIs(t, f.sched.Stop(ctx), ErrNotRunning)
}

func TestStaleInProgressFlagCleared(t *testing.T) {
	ctx := context.Background()
	db, err := storagebadger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	vs := newTestVersions(t, clk, 0.92)
	monitor := NewMonitor(&fakeMetrics{vm: quietMetrics(clk.Now())}, vs, MonitorConfig{}, clk, nil)

	// Simulate a crash mid-training.
	require.NoError(t, db.PutJSON(ctx, stateKey, &State{RetrainingInProgress: true}))

	sched, err := NewScheduler(ctx, db, monitor, &fakeRetrainer{dir: t.TempDir()}, nil, vs, nil, SchedulerConfig{}, clk, nil)
	require.NoError(t, err)

	st, err := sched.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.RetrainingInProgress)
}
