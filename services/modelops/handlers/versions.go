// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianVision/services/modelops/datatypes"
	"github.com/AleutianAI/AleutianVision/services/modelops/version"
)

// ListVersions returns all registered versions, newest first, plus the
// currently deployed one.
func ListVersions(store *version.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		versions, err := store.ListVersions(ctx)
		if err != nil {
			respondError(c, err)
			return
		}
		current, err := store.CurrentVersion(ctx)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"currentVersion": current,
			"versions":       versions,
		})
	}
}

// CreateVersion snapshots the active artifact as a new version.
func CreateVersion(store *version.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.CreateVersionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}

		mv, err := store.CreateVersion(c.Request.Context(), version.CreateInfo{
			Description: req.Description,
			ChangeType:  version.ChangeType(req.ChangeType),
			Performance: version.Performance{Accuracy: req.Accuracy, Loss: req.Loss},
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, mv)
	}
}

// DeployVersion makes a registered version the active model.
func DeployVersion(store *version.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.DeployVersionRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				respondBindError(c, err)
				return
			}
		}

		opts := version.DefaultDeployOptions()
		if req.Strategy != "" {
			opts.Strategy = version.Strategy(req.Strategy)
		}
		if req.Backup != nil {
			opts.Backup = *req.Backup
		}
		if req.RollbackOnFailure != nil {
			opts.RollbackOnFailure = *req.RollbackOnFailure
		}

		rec, err := store.DeployVersion(c.Request.Context(), c.Param("version"), opts)
		if err != nil {
			// The record, when present, carries the recovery outcome.
			if rec != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "record": rec})
				return
			}
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

// RollbackVersion redeploys the previous successfully deployed version.
func RollbackVersion(store *version.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.RollbackRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				respondBindError(c, err)
				return
			}
		}
		if req.Reason == "" {
			req.Reason = "manual rollback"
		}

		rec, err := store.RollbackToPreviousVersion(c.Request.Context(), req.Reason)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

// CleanupVersions removes old versions beyond the retention count. The
// current and deployed versions are never removed.
func CleanupVersions(store *version.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.CleanupRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}

		result, err := store.CleanupOldVersions(c.Request.Context(), req.KeepCount)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// DeleteVersion removes a single registered version. The current and
// deployed versions are refused.
func DeleteVersion(store *version.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := store.DeleteVersion(c.Request.Context(), c.Param("version")); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// DeploymentHistory returns the append-only deployment log, oldest
// first.
func DeploymentHistory(store *version.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := store.DeploymentHistory(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deployments": records})
	}
}

// CreateBackup snapshots the active artifact on demand.
func CreateBackup(store *version.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.BackupRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				respondBindError(c, err)
				return
			}
		}
		if req.Reason == "" {
			req.Reason = "manual"
		}

		info, err := store.CreateBackup(c.Request.Context(), req.Reason)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, info)
	}
}

// ListBackups returns recorded backups, oldest first.
func ListBackups(store *version.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		backups, err := store.ListBackups(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"backups": backups})
	}
}
