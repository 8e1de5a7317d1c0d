// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the request and response shapes of the
// administrative HTTP surface.
package datatypes

type CreateExperimentRequest struct {
	Name            string `json:"name" binding:"required"`
	ModelA          string `json:"modelA" binding:"required"`
	ModelB          string `json:"modelB" binding:"required"`
	SplitPercentage *int   `json:"splitPercentage,omitempty" binding:"omitempty,min=0,max=100"`
	MinSampleSize   int    `json:"minSampleSize,omitempty" binding:"omitempty,min=0"`

	// MaxDurationHours bounds the experiment; 0 uses the service
	// default.
	MaxDurationHours int  `json:"maxDurationHours,omitempty" binding:"omitempty,min=0"`
	Stratified       bool `json:"stratified,omitempty"`
}

type CreateExperimentResponse struct {
	ExperimentID string `json:"experimentId"`
}

type AssignUserRequest struct {
	UserID    string `json:"userId" binding:"required"`
	UserAgent string `json:"userAgent,omitempty"`
}

type AssignUserResponse struct {
	Group string `json:"group"`

	// Model is the version reference serving the assigned group.
	// Empty when the user fell outside the experiment.
	Model string `json:"model,omitempty"`
}

type RecordOutcomeRequest struct {
	UserID         string  `json:"userId" binding:"required"`
	Group          string  `json:"group" binding:"required,oneof=A B"`
	PredictedLabel string  `json:"predictedLabel" binding:"required"`
	ActualLabel    *string `json:"actualLabel,omitempty"`
	Confidence     float64 `json:"confidence" binding:"min=0,max=1"`
}
