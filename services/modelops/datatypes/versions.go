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

type CreateVersionRequest struct {
	Description string  `json:"description" binding:"required"`
	ChangeType  string  `json:"changeType,omitempty" binding:"omitempty,oneof=major minor patch"`
	Accuracy    float64 `json:"accuracy,omitempty" binding:"omitempty,min=0,max=1"`
	Loss        float64 `json:"loss,omitempty" binding:"omitempty,min=0"`
}

type DeployVersionRequest struct {
	Strategy          string `json:"strategy,omitempty" binding:"omitempty,oneof=replace canary blue-green"`
	Backup            *bool  `json:"backup,omitempty"`
	RollbackOnFailure *bool  `json:"rollbackOnFailure,omitempty"`
}

type RollbackRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CleanupRequest struct {
	KeepCount int `json:"keepCount" binding:"required,min=1"`
}

type BackupRequest struct {
	Reason string `json:"reason,omitempty"`
}
