// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package experiment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianVision/services/modelops/clock"
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	assignmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelops_experiment_assignments_total",
		Help: "Total group assignments by arm",
	}, []string{"group"})

	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelops_experiment_outcomes_total",
		Help: "Total recorded outcomes by arm and correctness",
	}, []string{"group", "correct"})

	experimentsConcludedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelops_experiments_concluded_total",
		Help: "Experiments concluded by reason",
	}, []string{"reason"})
)

// -----------------------------------------------------------------------------
// Orchestrator
// -----------------------------------------------------------------------------

// OrchestratorConfig holds defaults applied to new experiments and the
// conclusion policy.
type OrchestratorConfig struct {
	// DefaultSplitPercentage is used when a create request omits the
	// split. Default: 50.
	DefaultSplitPercentage int

	// DefaultMinSampleSize is used when a create request omits it.
	// Default: 200.
	DefaultMinSampleSize int

	// DefaultMaxDuration is used when a create request omits it.
	// Default: 14 days.
	DefaultMaxDuration time.Duration

	// MinEvaluationWindow is the minimum elapsed time before an
	// experiment may conclude on sample volume alone. Default: 24h.
	MinEvaluationWindow time.Duration
}

// DefaultOrchestratorConfig returns production defaults.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		DefaultSplitPercentage: 50,
		DefaultMinSampleSize:   200,
		DefaultMaxDuration:     14 * 24 * time.Hour,
		MinEvaluationWindow:    24 * time.Hour,
	}
}

// Orchestrator owns the experiment lifecycle: creation, assignment,
// outcome recording, and conclusion.
//
// Description:
//
//	Assignment and outcome recording mutate shared per-experiment
//	counters; the orchestrator serializes them with one mutex per
//	experiment. Experiments are independent, so there is no global
//	write lock.
//
// Thread Safety: Safe for concurrent use.
type Orchestrator struct {
	store  *Store
	cfg    OrchestratorConfig
	clk    clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewOrchestrator creates an experiment orchestrator.
//
// Inputs:
//   - store: Experiment persistence. Must not be nil.
//   - cfg: Conclusion policy and defaults. Zero fields get defaults.
//   - clk: Time source. If nil, the system clock is used.
//   - logger: Structured logger. If nil, slog.Default() is used.
//
// Outputs:
//   - *Orchestrator: The orchestrator. Never nil.
func NewOrchestrator(store *Store, cfg OrchestratorConfig, clk clock.Clock, logger *slog.Logger) *Orchestrator {
	def := DefaultOrchestratorConfig()
	if cfg.DefaultSplitPercentage == 0 {
		cfg.DefaultSplitPercentage = def.DefaultSplitPercentage
	}
	if cfg.DefaultMinSampleSize == 0 {
		cfg.DefaultMinSampleSize = def.DefaultMinSampleSize
	}
	if cfg.DefaultMaxDuration == 0 {
		cfg.DefaultMaxDuration = def.DefaultMaxDuration
	}
	if cfg.MinEvaluationWindow == 0 {
		cfg.MinEvaluationWindow = def.MinEvaluationWindow
	}
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:  store,
		cfg:    cfg,
		clk:    clk,
		logger: logger,
		locks:  map[string]*sync.Mutex{},
	}
}

// lockFor returns the mutex serializing writes to one experiment.
func (o *Orchestrator) lockFor(experimentID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[experimentID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[experimentID] = l
	}
	return l
}

// CreateExperiment validates the config, persists a new running
// experiment with zeroed metrics, and returns its id.
//
// Outputs:
//
//	string - The generated experiment id.
//	error - ErrInvalidConfig when name, modelA, or modelB is missing.
func (o *Orchestrator) CreateExperiment(ctx context.Context, cfg Config) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	split := o.cfg.DefaultSplitPercentage
	if cfg.SplitPercentage != nil {
		split = *cfg.SplitPercentage
	}
	minSample := cfg.MinSampleSize
	if minSample == 0 {
		minSample = o.cfg.DefaultMinSampleSize
	}
	maxDuration := cfg.MaxDuration
	if maxDuration == 0 {
		maxDuration = o.cfg.DefaultMaxDuration
	}

	exp := &Experiment{
		ID:              uuid.NewString(),
		Name:            cfg.Name,
		ModelA:          cfg.ModelA,
		ModelB:          cfg.ModelB,
		SplitPercentage: split,
		StartTime:       o.clk.Now(),
		Status:          StatusRunning,
		MinSampleSize:   minSample,
		MaxDuration:     maxDuration,
		Stratified:      cfg.Stratified,
	}
	if err := o.store.SaveExperiment(ctx, exp); err != nil {
		return "", fmt.Errorf("persist experiment: %w", err)
	}

	o.logger.Info("experiment created",
		"experiment_id", exp.ID,
		"name", exp.Name,
		"model_a", exp.ModelA,
		"model_b", exp.ModelB,
		"split", split,
		"stratified", exp.Stratified)
	return exp.ID, nil
}

// GetExperiment returns the experiment by id.
func (o *Orchestrator) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	return o.store.GetExperiment(ctx, id)
}

// ListExperiments returns all experiments, oldest first.
func (o *Orchestrator) ListExperiments(ctx context.Context) ([]*Experiment, error) {
	return o.store.ListExperiments(ctx)
}

// ListAssignments returns every assignment for an experiment.
func (o *Orchestrator) ListAssignments(ctx context.Context, experimentID string) ([]*Assignment, error) {
	if _, err := o.store.GetExperiment(ctx, experimentID); err != nil {
		return nil, err
	}
	return o.store.ListAssignments(ctx, experimentID)
}

// AssignUserToGroup returns the user's arm for the experiment.
//
// Description:
//
//	If an assignment already exists for (user, experiment) the cached
//	arm is returned: repeated calls are idempotent. A first exposure
//	computes the arm deterministically (see assignGroup) and persists
//	it. For experiments that are not running, GroupNone is returned
//	with no error; callers must treat this as "not in an experiment".
//
// Outputs:
//
//	Group - The assigned arm, or GroupNone.
//	error - ErrNotFound if the experiment does not exist.
func (o *Orchestrator) AssignUserToGroup(ctx context.Context, userID, experimentID string, actx AssignmentContext) (Group, error) {
	l := o.lockFor(experimentID)
	l.Lock()
	defer l.Unlock()

	exp, err := o.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return GroupNone, err
	}
	if exp.Status != StatusRunning {
		return GroupNone, nil
	}

	existing, err := o.store.GetAssignment(ctx, experimentID, userID)
	if err != nil {
		return GroupNone, err
	}
	if existing != nil {
		return existing.Group, nil
	}

	now := o.clk.Now()
	group := assignGroup(userID, exp.SplitPercentage, exp.Stratified, actx, now)
	a := &Assignment{
		UserID:       userID,
		ExperimentID: experimentID,
		Group:        group,
		AssignedAt:   now,
		Context:      actx,
	}
	if err := o.store.SaveAssignment(ctx, a); err != nil {
		return GroupNone, fmt.Errorf("persist assignment: %w", err)
	}
	assignmentsTotal.WithLabelValues(string(group)).Inc()
	return group, nil
}

// RecordOutcome records one prediction outcome for an arm and runs the
// conclusion check.
//
// Inputs:
//   - group: The arm that served the prediction.
//   - predictedLabel: The classifier's output.
//   - actualLabel: User-validated label, or nil when unvalidated.
//   - confidence: The classifier's confidence for this prediction.
//
// Outputs:
//
//	error - ErrNotFound for unknown experiments. Outcomes against
//	        completed experiments are dropped silently.
func (o *Orchestrator) RecordOutcome(ctx context.Context, experimentID string, group Group, predictedLabel string, actualLabel *string, confidence float64) error {
	l := o.lockFor(experimentID)
	l.Lock()
	defer l.Unlock()

	exp, err := o.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return err
	}
	if exp.Status != StatusRunning {
		return nil
	}

	m := &exp.Metrics.GroupA
	if group == GroupB {
		m = &exp.Metrics.GroupB
	}
	m.Predictions++
	m.TotalConfidence += confidence
	correct := actualLabel != nil && *actualLabel == predictedLabel
	if correct {
		m.Correct++
	}
	outcomesTotal.WithLabelValues(string(group), fmt.Sprintf("%t", correct)).Inc()

	o.concludeIfDue(exp)

	if err := o.store.SaveExperiment(ctx, exp); err != nil {
		return fmt.Errorf("persist outcome: %w", err)
	}
	return nil
}

// concludeIfDue applies the conclusion rule in place.
//
// An experiment concludes when it reached the sample threshold after the
// minimum evaluation window, or when it exceeded its maximum duration.
func (o *Orchestrator) concludeIfDue(exp *Experiment) {
	now := o.clk.Now()
	elapsed := now.Sub(exp.StartTime)

	volumeDue := exp.Metrics.Total() >= exp.MinSampleSize && elapsed >= o.cfg.MinEvaluationWindow
	timeDue := elapsed >= exp.MaxDuration
	if !volumeDue && !timeDue {
		return
	}

	reason := "sample_size"
	if !volumeDue {
		reason = "max_duration"
	}
	o.conclude(exp, now, reason)
}

// conclude marks the experiment completed and caches its significance.
func (o *Orchestrator) conclude(exp *Experiment, now time.Time, reason string) {
	exp.Status = StatusCompleted
	end := now
	exp.EndTime = &end
	exp.Significance = ComputeSignificance(exp.Metrics)
	experimentsConcludedTotal.WithLabelValues(reason).Inc()

	o.logger.Info("experiment concluded",
		"experiment_id", exp.ID,
		"reason", reason,
		"p_value", exp.Significance.PValue,
		"winner", string(exp.Significance.Winner),
		"accuracy_a", exp.Significance.AccuracyA,
		"accuracy_b", exp.Significance.AccuracyB)
}

// StopExperiment forces conclusion using currently available data.
//
// Stopping an already completed experiment is a no-op.
func (o *Orchestrator) StopExperiment(ctx context.Context, id string) (*Experiment, error) {
	l := o.lockFor(id)
	l.Lock()
	defer l.Unlock()

	exp, err := o.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp.Status == StatusCompleted {
		return exp, nil
	}

	o.conclude(exp, o.clk.Now(), "manual_stop")
	if err := o.store.SaveExperiment(ctx, exp); err != nil {
		return nil, fmt.Errorf("persist stop: %w", err)
	}
	return exp, nil
}

// DeleteExperiment permanently removes an experiment and its assignments.
//
// Outputs:
//
//	error - ErrStillRunning for running experiments: callers must stop
//	        them first. ErrNotFound for unknown ids.
func (o *Orchestrator) DeleteExperiment(ctx context.Context, id string) error {
	l := o.lockFor(id)
	l.Lock()
	defer l.Unlock()

	exp, err := o.store.GetExperiment(ctx, id)
	if err != nil {
		return err
	}
	if exp.Status == StatusRunning {
		return ErrStillRunning
	}
	if err := o.store.DeleteExperiment(ctx, id); err != nil {
		return fmt.Errorf("delete experiment: %w", err)
	}

	o.mu.Lock()
	delete(o.locks, id)
	o.mu.Unlock()

	o.logger.Info("experiment deleted", "experiment_id", id)
	return nil
}
