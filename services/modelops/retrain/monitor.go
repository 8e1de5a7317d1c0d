// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrain implements the retraining trigger monitor and the
// scheduler that acts on it: periodic evaluation of validation metrics
// against drift, volume and time thresholds, a tiered retrain decision
// rule, and rate-limited invocation of the training backend.
package retrain

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianVision/services/modelops/classifier"
	"github.com/AleutianAI/AleutianVision/services/modelops/clock"
	"github.com/AleutianAI/AleutianVision/services/modelops/version"
)

// -----------------------------------------------------------------------------
// Trigger model
// -----------------------------------------------------------------------------

// TriggerType identifies what condition produced a trigger.
type TriggerType string

const (
	// TriggerMinValidations fires when enough validated samples have
	// accumulated since the last training. This is the volume signal.
	TriggerMinValidations TriggerType = "MIN_VALIDATIONS_REACHED"

	// TriggerAccuracyDrop fires when observed accuracy falls below the
	// deployed version's training accuracy by more than the threshold.
	TriggerAccuracyDrop TriggerType = "ACCURACY_DROP"

	// TriggerLowConfidenceAccuracy fires when a confidence bucket with
	// enough samples performs below the accuracy floor.
	TriggerLowConfidenceAccuracy TriggerType = "LOW_CONFIDENCE_ACCURACY"

	// TriggerTimeBased fires when the deployed model is older than the
	// maximum training interval. This is the time signal.
	TriggerTimeBased TriggerType = "TIME_BASED"

	// TriggerRetrainingFailed records a failed retraining execution in
	// the trigger history. Produced by the scheduler, never by
	// evaluation.
	TriggerRetrainingFailed TriggerType = "RETRAINING_FAILED"
)

// Priority ranks a trigger's urgency.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Trigger is one typed retraining signal. Persisted entries form an
// append-only capped history.
type Trigger struct {
	Type      TriggerType    `json:"type"`
	Reason    string         `json:"reason"`
	Priority  Priority       `json:"priority"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// -----------------------------------------------------------------------------
// Monitor
// -----------------------------------------------------------------------------

// MonitorConfig holds the trigger thresholds.
type MonitorConfig struct {
	// MinValidations is the volume-trigger floor. Default: 500.
	MinValidations int

	// MinPerClass requires every class to carry at least this many
	// validated samples before the volume trigger fires. Default: 50.
	MinPerClass int

	// AccuracyDropThreshold is the baseline-minus-observed accuracy
	// delta that fires the drift trigger. Default: 0.05.
	AccuracyDropThreshold float64

	// ConfidenceAccuracyFloor is the per-bucket accuracy floor.
	// Default: 0.60.
	ConfidenceAccuracyFloor float64

	// MinBucketSamples is the sample floor below which a bucket is
	// ignored. Default: 10.
	MinBucketSamples int

	// MaxTrainingInterval fires the time trigger once the deployed
	// model is this old. Default: 168h (7 days).
	MaxTrainingInterval time.Duration
}

// DefaultMonitorConfig returns the standard thresholds.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		MinValidations:          500,
		MinPerClass:             50,
		AccuracyDropThreshold:   0.05,
		ConfidenceAccuracyFloor: 0.60,
		MinBucketSamples:        10,
		MaxTrainingInterval:     7 * 24 * time.Hour,
	}
}

// Monitor evaluates validation metrics against retraining thresholds.
//
// Thread Safety: Safe for concurrent use; the monitor holds no mutable
// state.
type Monitor struct {
	metrics  classifier.MetricsSource
	versions *version.Store
	cfg      MonitorConfig
	clk      clock.Clock
	logger   *slog.Logger
}

// NewMonitor creates a trigger monitor.
//
// Inputs:
//   - metrics: Validation-metrics feed. Must not be nil.
//   - versions: Source of the deployed version's training accuracy
//     baseline. Must not be nil.
//   - cfg: Thresholds. Zero fields get defaults.
//   - clk: Time source. If nil, the system clock is used.
//   - logger: Structured logger. If nil, slog.Default() is used.
func NewMonitor(metrics classifier.MetricsSource, versions *version.Store, cfg MonitorConfig, clk clock.Clock, logger *slog.Logger) *Monitor {
	def := DefaultMonitorConfig()
	if cfg.MinValidations == 0 {
		cfg.MinValidations = def.MinValidations
	}
	if cfg.MinPerClass == 0 {
		cfg.MinPerClass = def.MinPerClass
	}
	if cfg.AccuracyDropThreshold == 0 {
		cfg.AccuracyDropThreshold = def.AccuracyDropThreshold
	}
	if cfg.ConfidenceAccuracyFloor == 0 {
		cfg.ConfidenceAccuracyFloor = def.ConfidenceAccuracyFloor
	}
	if cfg.MinBucketSamples == 0 {
		cfg.MinBucketSamples = def.MinBucketSamples
	}
	if cfg.MaxTrainingInterval == 0 {
		cfg.MaxTrainingInterval = def.MaxTrainingInterval
	}
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{metrics: metrics, versions: versions, cfg: cfg, clk: clk, logger: logger}
}

// EvaluateTriggers compares current validation metrics against the
// configured thresholds and returns zero or more triggers.
//
// Description:
//
//	Volume (enough validated samples across all classes) is a medium
//	signal. An accuracy drop against the deployed version's training
//	accuracy is high. A weak confidence bucket is medium. Model age is
//	low; it only matters combined with volume.
func (m *Monitor) EvaluateTriggers(ctx context.Context) ([]Trigger, error) {
	vm, err := m.metrics.ValidationMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("read validation metrics: %w", err)
	}
	now := m.clk.Now()
	var triggers []Trigger

	if vm.TotalValidations >= m.cfg.MinValidations && m.perClassMet(vm.PerClassCounts) {
		triggers = append(triggers, Trigger{
			Type:      TriggerMinValidations,
			Reason:    fmt.Sprintf("%d validated samples accumulated (threshold %d)", vm.TotalValidations, m.cfg.MinValidations),
			Priority:  PriorityMedium,
			Timestamp: now,
			Data:      map[string]any{"totalValidations": vm.TotalValidations},
		})
	}

	if baseline, ok := m.baselineAccuracy(ctx); ok && vm.TotalValidations > 0 {
		drop := baseline - vm.ObservedAccuracy
		if drop >= m.cfg.AccuracyDropThreshold {
			triggers = append(triggers, Trigger{
				Type:      TriggerAccuracyDrop,
				Reason:    fmt.Sprintf("accuracy dropped %.3f from training baseline %.3f", drop, baseline),
				Priority:  PriorityHigh,
				Timestamp: now,
				Data: map[string]any{
					"baselineAccuracy": baseline,
					"observedAccuracy": vm.ObservedAccuracy,
				},
			})
		}
	}

	for bucket, stats := range vm.BucketAccuracy {
		if stats.Samples >= m.cfg.MinBucketSamples && stats.Accuracy < m.cfg.ConfidenceAccuracyFloor {
			triggers = append(triggers, Trigger{
				Type:      TriggerLowConfidenceAccuracy,
				Reason:    fmt.Sprintf("bucket %s at %.3f accuracy over %d samples", bucket, stats.Accuracy, stats.Samples),
				Priority:  PriorityMedium,
				Timestamp: now,
				Data:      map[string]any{"bucket": bucket, "accuracy": stats.Accuracy, "samples": stats.Samples},
			})
		}
	}

	if !vm.LastTrainedAt.IsZero() {
		age := now.Sub(vm.LastTrainedAt)
		if age >= m.cfg.MaxTrainingInterval {
			triggers = append(triggers, Trigger{
				Type:      TriggerTimeBased,
				Reason:    fmt.Sprintf("model is %s old (maximum %s)", age.Round(time.Hour), m.cfg.MaxTrainingInterval),
				Priority:  PriorityLow,
				Timestamp: now,
				Data:      map[string]any{"ageHours": age.Hours()},
			})
		}
	}

	return triggers, nil
}

// perClassMet reports whether every class carries the minimum validated
// sample count. An empty class map fails the check.
func (m *Monitor) perClassMet(counts map[string]int) bool {
	if len(counts) == 0 {
		return false
	}
	for _, n := range counts {
		if n < m.cfg.MinPerClass {
			return false
		}
	}
	return true
}

// baselineAccuracy returns the deployed version's recorded training
// accuracy. A missing or uninitialized deployment disables the drift
// trigger rather than failing evaluation.
func (m *Monitor) baselineAccuracy(ctx context.Context) (float64, bool) {
	current, err := m.versions.CurrentVersion(ctx)
	if err != nil || current == "" {
		return 0, false
	}
	mv, err := m.versions.GetVersion(ctx, current)
	if err != nil {
		return 0, false
	}
	return mv.Performance.Accuracy, true
}

// ShouldRetrain applies the tiered decision rule: any high-priority
// trigger, at least two medium-priority triggers, or a volume trigger
// together with a time trigger. A single weak signal never retrains.
func ShouldRetrain(triggers []Trigger) bool {
	medium := 0
	volume, timed := false, false
	for _, tr := range triggers {
		switch tr.Priority {
		case PriorityHigh:
			return true
		case PriorityMedium:
			medium++
		}
		switch tr.Type {
		case TriggerMinValidations:
			volume = true
		case TriggerTimeBased:
			timed = true
		}
	}
	return medium >= 2 || (volume && timed)
}
