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

	"github.com/AleutianAI/AleutianVision/services/modelops/classifier"
	"github.com/AleutianAI/AleutianVision/services/modelops/datatypes"
	"github.com/AleutianAI/AleutianVision/services/modelops/retrain"
)

// requireScheduler reports 503 when the service runs without the
// classifier sidecar and therefore without retraining.
func requireScheduler(c *gin.Context, sched *retrain.Scheduler) bool {
	if sched == nil {
		c.JSON(http.StatusServiceUnavailable, datatypes.ErrorResponse{
			Error: "retraining is unavailable: no classifier backend configured",
		})
		return false
	}
	return true
}

// GetTriggers returns the persisted retraining trigger history, oldest
// first.
func GetTriggers(sched *retrain.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireScheduler(c, sched) {
			return
		}
		triggers, err := sched.TriggerHistory(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"triggers": triggers})
	}
}

// SchedulerStatus returns the scheduler's persisted state plus the live
// in-progress flag.
func SchedulerStatus(sched *retrain.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireScheduler(c, sched) {
			return
		}
		st, err := sched.Status(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, st)
	}
}

// SchedulerControl starts or stops the evaluation loop.
func SchedulerControl(sched *retrain.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireScheduler(c, sched) {
			return
		}
		var req datatypes.SchedulerControlRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}

		var err error
		switch req.Action {
		case "start":
			err = sched.Start(c.Request.Context())
		case "stop":
			err = sched.Stop(c.Request.Context())
		}
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"action": req.Action, "running": sched.IsRunning()})
	}
}

// TriggerRetraining starts a manual retraining run. The request blocks
// until the run completes; a run already in progress conflicts.
func TriggerRetraining(sched *retrain.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireScheduler(c, sched) {
			return
		}
		var req datatypes.RetrainRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				respondBindError(c, err)
				return
			}
		}

		out, err := sched.TriggerManualRetraining(c.Request.Context(), retrain.RetrainOptions{
			Hyperparams: req.Hyperparams,
			Dataset: classifier.DatasetOptions{
				IncludeCorrected: req.IncludeCorrected,
				MinConfidence:    req.MinConfidence,
			},
			Description: req.Description,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}
