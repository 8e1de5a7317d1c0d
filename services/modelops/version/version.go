// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package version implements the model version store: semantically
// versioned snapshots of the classifier artifact, backup and restore,
// deployment with rollback, and retention cleanup.
package version

import (
	"errors"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNotFound indicates the requested version does not exist.
	ErrNotFound = errors.New("version not found")

	// ErrConflict indicates another deployment is already in flight.
	ErrConflict = errors.New("deployment already in progress")

	// ErrDeploymentFailed indicates the artifact swap failed.
	ErrDeploymentFailed = errors.New("deployment failed")

	// ErrRollbackFailed indicates restore from backup failed after a
	// deployment error. Logged, never masks the original error.
	ErrRollbackFailed = errors.New("rollback failed")

	// ErrNoPriorVersion indicates rollback was requested with fewer
	// than two successful deployments on record.
	ErrNoPriorVersion = errors.New("no prior successful deployment")

	// ErrProtectedVersion indicates a delete targeted the current or
	// deployed version.
	ErrProtectedVersion = errors.New("version is current or deployed")
)

// -----------------------------------------------------------------------------
// Entities
// -----------------------------------------------------------------------------

// ChangeType selects which semver component a new version bumps.
type ChangeType string

const (
	ChangeMajor ChangeType = "major"
	ChangeMinor ChangeType = "minor"
	ChangePatch ChangeType = "patch"
)

// Status is the lifecycle state of a model version.
type Status string

const (
	// StatusCreated means the snapshot exists but has never served
	// traffic.
	StatusCreated Status = "created"

	// StatusDeployed means this version's artifact is the active one.
	// Exactly one version is deployed at any time.
	StatusDeployed Status = "deployed"

	// StatusArchived means the version was deployed once and has been
	// superseded.
	StatusArchived Status = "archived"
)

// Performance is the training performance snapshot stored with a version.
type Performance struct {
	Accuracy    float64 `json:"accuracy"`
	Loss        float64 `json:"loss"`
	Improvement float64 `json:"improvement"`
}

// ModelVersion is an immutable snapshot of a trained model artifact plus
// its metadata.
type ModelVersion struct {
	Version       string      `json:"version"`
	CreatedAt     time.Time   `json:"createdAt"`
	Description   string      `json:"description"`
	ChangeType    ChangeType  `json:"changeType"`
	Status        Status      `json:"status"`
	ParentVersion string      `json:"parentVersion,omitempty"`
	Performance   Performance `json:"performance"`
	SizeBytes     int64       `json:"sizeBytes"`
}

// TriggeredBy records what initiated a deployment.
type TriggeredBy string

const (
	TriggeredAuto   TriggeredBy = "auto"
	TriggeredManual TriggeredBy = "manual"
)

// Strategy is the mechanism by which a version becomes active.
type Strategy string

const (
	StrategyReplace   Strategy = "replace"
	StrategyCanary    Strategy = "canary"
	StrategyBlueGreen Strategy = "blue-green"
)

// DeploymentRecord is one entry in the append-only deployment history.
// Records are never mutated after being written.
type DeploymentRecord struct {
	ID              string      `json:"id"`
	Version         string      `json:"version"`
	PreviousVersion string      `json:"previousVersion,omitempty"`
	Strategy        Strategy    `json:"strategy"`
	DeployedAt      time.Time   `json:"deployedAt"`
	BackupPath      string      `json:"backupPath,omitempty"`
	Success         bool        `json:"success"`
	Error           string      `json:"error,omitempty"`
	TriggeredBy     TriggeredBy `json:"triggeredBy"`

	// Rollback marks history entries written by rollback operations.
	Rollback bool `json:"rollback,omitempty"`

	// ForceOverride marks deployments that bypassed evaluation gates.
	ForceOverride bool `json:"forceOverride,omitempty"`
}

// CleanupResult reports the outcome of a retention pass.
type CleanupResult struct {
	Cleaned int `json:"cleaned"`
	Kept    int `json:"kept"`
}
