// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package experiment implements the A/B test orchestrator for classifier
// model variants: experiment definitions, deterministic user-to-group
// assignment, outcome aggregation, and two-proportion significance testing.
package experiment

import (
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianVision/pkg/validation"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrInvalidConfig indicates a create request is missing required fields.
	ErrInvalidConfig = errors.New("invalid experiment config")

	// ErrNotFound indicates the experiment does not exist.
	ErrNotFound = errors.New("experiment not found")

	// ErrStillRunning indicates a delete was attempted on a running experiment.
	ErrStillRunning = errors.New("experiment still running")
)

// -----------------------------------------------------------------------------
// Entities
// -----------------------------------------------------------------------------

// Status is the lifecycle state of an experiment.
type Status string

const (
	// StatusRunning indicates the experiment is accepting assignments
	// and outcomes.
	StatusRunning Status = "running"

	// StatusCompleted indicates the experiment concluded. Completed is
	// terminal; the only transition is running -> completed.
	StatusCompleted Status = "completed"
)

// Group identifies an experiment arm.
type Group string

const (
	// GroupA is the control arm serving modelA.
	GroupA Group = "A"

	// GroupB is the treatment arm serving modelB.
	GroupB Group = "B"

	// GroupNone means the caller is not part of the experiment.
	GroupNone Group = ""
)

// GroupMetrics holds the outcome counters for one arm.
//
// All counters are monotonic and non-negative.
type GroupMetrics struct {
	Predictions     int     `json:"predictions"`
	Correct         int     `json:"correct"`
	TotalConfidence float64 `json:"totalConfidence"`
}

// Accuracy returns correct/predictions, or 0 for an empty arm.
func (m GroupMetrics) Accuracy() float64 {
	if m.Predictions == 0 {
		return 0
	}
	return float64(m.Correct) / float64(m.Predictions)
}

// Metrics holds both arms' counters.
type Metrics struct {
	GroupA GroupMetrics `json:"groupA"`
	GroupB GroupMetrics `json:"groupB"`
}

// Total returns the combined prediction count across both arms.
func (m Metrics) Total() int {
	return m.GroupA.Predictions + m.GroupB.Predictions
}

// Experiment is a time-boxed A/B comparison between two model variants.
type Experiment struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	ModelA          string     `json:"modelA"`
	ModelB          string     `json:"modelB"`
	SplitPercentage int        `json:"splitPercentage"`
	StartTime       time.Time  `json:"startTime"`
	EndTime         *time.Time `json:"endTime,omitempty"`
	Status          Status     `json:"status"`
	MinSampleSize   int        `json:"minSampleSize"`

	// MaxDuration forces conclusion when elapsed time exceeds it,
	// regardless of sample volume.
	MaxDuration time.Duration `json:"maxDuration"`

	// Stratified enables context-bucket mixing in group assignment.
	Stratified bool `json:"stratified"`

	Metrics Metrics `json:"metrics"`

	// Significance is cached at conclusion time.
	Significance *SignificanceResult `json:"significance,omitempty"`
}

// Elapsed returns how long the experiment has run, up to its end time if
// it has one.
func (e *Experiment) Elapsed(now time.Time) time.Duration {
	if e.EndTime != nil {
		return e.EndTime.Sub(e.StartTime)
	}
	return now.Sub(e.StartTime)
}

// ModelFor returns the model reference served to the given arm.
func (e *Experiment) ModelFor(g Group) string {
	if g == GroupB {
		return e.ModelB
	}
	return e.ModelA
}

// AssignmentContext carries the request context used for stratified
// assignment.
type AssignmentContext struct {
	UserAgent string `json:"userAgent,omitempty"`
}

// Assignment records which arm a user was placed in. Immutable once
// created for a given (user, experiment) pair.
type Assignment struct {
	UserID       string            `json:"userId"`
	ExperimentID string            `json:"experimentId"`
	Group        Group             `json:"group"`
	AssignedAt   time.Time         `json:"assignedAt"`
	Context      AssignmentContext `json:"context"`
}

// Config is the caller-supplied definition for a new experiment.
type Config struct {
	Name            string        `json:"name"`
	ModelA          string        `json:"modelA"`
	ModelB          string        `json:"modelB"`
	SplitPercentage *int          `json:"splitPercentage,omitempty"`
	MinSampleSize   int           `json:"minSampleSize,omitempty"`
	MaxDuration     time.Duration `json:"maxDuration,omitempty"`
	Stratified      bool          `json:"stratified,omitempty"`
}

// Validate checks the required fields. Model references are validated
// because they end up in storage keys and deployment requests.
func (c Config) Validate() error {
	if c.Name == "" || c.ModelA == "" || c.ModelB == "" {
		return ErrInvalidConfig
	}
	if err := validation.ValidateModelRefs([]string{c.ModelA, c.ModelB}); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.SplitPercentage != nil && (*c.SplitPercentage < 0 || *c.SplitPercentage > 100) {
		return ErrInvalidConfig
	}
	return nil
}
