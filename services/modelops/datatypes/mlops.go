// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

type ManualDeployRequest struct {
	ForceOverride bool `json:"forceOverride,omitempty"`
}

type SchedulerControlRequest struct {
	Action string `json:"action" binding:"required,oneof=start stop"`
}

type RetrainRequest struct {
	Hyperparams      map[string]any `json:"hyperparams,omitempty"`
	IncludeCorrected bool           `json:"includeCorrected,omitempty"`
	MinConfidence    float64        `json:"minConfidence,omitempty" binding:"omitempty,min=0,max=1"`
	Description      string         `json:"description,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
