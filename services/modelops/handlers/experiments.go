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
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianVision/services/modelops/datatypes"
	"github.com/AleutianAI/AleutianVision/services/modelops/experiment"
)

// CreateExperiment starts a new A/B experiment.
func CreateExperiment(orch *experiment.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.CreateExperimentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}

		id, err := orch.CreateExperiment(c.Request.Context(), experiment.Config{
			Name:            req.Name,
			ModelA:          req.ModelA,
			ModelB:          req.ModelB,
			SplitPercentage: req.SplitPercentage,
			MinSampleSize:   req.MinSampleSize,
			MaxDuration:     time.Duration(req.MaxDurationHours) * time.Hour,
			Stratified:      req.Stratified,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, datatypes.CreateExperimentResponse{ExperimentID: id})
	}
}

// ListExperiments returns all experiments, oldest first.
func ListExperiments(orch *experiment.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		exps, err := orch.ListExperiments(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"experiments": exps})
	}
}

// GetExperiment returns one experiment with its metrics and, once
// concluded, its significance result.
func GetExperiment(orch *experiment.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		exp, err := orch.GetExperiment(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, exp)
	}
}

// StopExperiment concludes a running experiment early.
func StopExperiment(orch *experiment.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		exp, err := orch.StopExperiment(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, exp)
	}
}

// DeleteExperiment removes a concluded experiment and its assignments.
func DeleteExperiment(orch *experiment.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := orch.DeleteExperiment(c.Request.Context(), c.Param("id")); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// AssignUser returns the caller's experiment arm, creating the
// assignment on first exposure.
func AssignUser(orch *experiment.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.AssignUserRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}

		ctx := c.Request.Context()
		group, err := orch.AssignUserToGroup(ctx, req.UserID, c.Param("id"),
			experiment.AssignmentContext{UserAgent: req.UserAgent})
		if err != nil {
			respondError(c, err)
			return
		}

		resp := datatypes.AssignUserResponse{Group: string(group)}
		if group != experiment.GroupNone {
			if exp, gerr := orch.GetExperiment(ctx, c.Param("id")); gerr == nil {
				resp.Model = exp.ModelFor(group)
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}

// ListAssignments returns every user assignment for an experiment.
func ListAssignments(orch *experiment.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		assignments, err := orch.ListAssignments(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"assignments": assignments})
	}
}

// RecordOutcome records one prediction outcome against an experiment
// arm.
func RecordOutcome(orch *experiment.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.RecordOutcomeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}

		err := orch.RecordOutcome(c.Request.Context(), c.Param("id"),
			experiment.Group(req.Group), req.PredictedLabel, req.ActualLabel, req.Confidence)
		if err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusOK)
	}
}
