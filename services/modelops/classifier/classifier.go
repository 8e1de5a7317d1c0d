// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package classifier defines the interfaces to the image classifier
// sidecar. The lifecycle service never trains or infers itself; it
// consumes these capabilities and a validation-metrics feed.
package classifier

import (
	"context"
	"time"
)

// Prediction is the classifier's answer for one image.
type Prediction struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

// Predictor runs inference against the currently active model.
type Predictor interface {
	// Predict classifies one image.
	Predict(ctx context.Context, image []byte) (*Prediction, error)

	// HealthCheck verifies the inference backend is serving.
	HealthCheck(ctx context.Context) error
}

// Hyperparams are passed through to the training backend untouched.
type Hyperparams map[string]any

// TrainingEvent is one entry in the stream of training progress emitted
// during a retraining run.
type TrainingEvent struct {
	Epoch    int     `json:"epoch"`
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
}

// TrainingResult is the outcome of a completed retraining run.
type TrainingResult struct {
	Accuracy    float64       `json:"accuracy"`
	Loss        float64       `json:"loss"`
	ArtifactRef string        `json:"artifactRef"`
	Duration    time.Duration `json:"duration"`
}

// Retrainer runs a full training cycle on a prepared dataset.
//
// Progress is exposed as an event stream rather than callbacks: the
// returned channel yields epoch events until training completes, then
// the result is returned. Implementations close the channel on return.
type Retrainer interface {
	Retrain(ctx context.Context, datasetRef string, params Hyperparams, events chan<- TrainingEvent) (*TrainingResult, error)
}

// DatasetInfo describes a prepared training corpus.
type DatasetInfo struct {
	Path        string         `json:"path"`
	ClassCounts map[string]int `json:"classCounts"`
}

// DatasetOptions control corpus preparation.
type DatasetOptions struct {
	// IncludeCorrected includes user-corrected samples.
	IncludeCorrected bool `json:"includeCorrected"`

	// MinConfidence filters out low-confidence source samples.
	MinConfidence float64 `json:"minConfidence"`
}

// DatasetPreparer assembles a training corpus from validated samples.
type DatasetPreparer interface {
	PrepareDataset(ctx context.Context, opts DatasetOptions) (*DatasetInfo, error)
}

// ValidationMetrics is the aggregated user-validation feed the
// retraining monitor evaluates.
type ValidationMetrics struct {
	// TotalValidations is the count of user-validated predictions
	// since the last training.
	TotalValidations int `json:"totalValidations"`

	// PerClassCounts is the validated sample count per class.
	PerClassCounts map[string]int `json:"perClassCounts"`

	// ObservedAccuracy is the overall validated accuracy.
	ObservedAccuracy float64 `json:"observedAccuracy"`

	// BucketAccuracy maps a confidence bucket label (e.g. "0.5-0.6")
	// to its observed accuracy and sample count.
	BucketAccuracy map[string]BucketStats `json:"bucketAccuracy"`

	// LastTrainedAt is when the deployed model was trained.
	LastTrainedAt time.Time `json:"lastTrainedAt"`
}

// BucketStats is the per-confidence-bucket accuracy summary.
type BucketStats struct {
	Samples  int     `json:"samples"`
	Accuracy float64 `json:"accuracy"`
}

// MetricsSource supplies current validation metrics to the monitor.
type MetricsSource interface {
	ValidationMetrics(ctx context.Context) (*ValidationMetrics, error)
}
