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
	"github.com/AleutianAI/AleutianVision/services/modelops/winner"
)

// EvaluateWinner runs the promotion gates against a concluded
// experiment without deploying anything.
func EvaluateWinner(svc *winner.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		eval, err := svc.Evaluate(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, eval)
	}
}

// AutoDeployWinner runs the automatic promotion path.
func AutoDeployWinner(svc *winner.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := svc.AutoDeployWinner(c.Request.Context(), c.Param("id"))
		if err != nil {
			if res != nil {
				// Deployment failed after the swap; the result carries
				// the rollback outcome.
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "result": res})
				return
			}
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// ManualDeployWinner runs the operator promotion path, optionally
// bypassing the gates.
func ManualDeployWinner(svc *winner.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ManualDeployRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				respondBindError(c, err)
				return
			}
		}

		res, err := svc.ManualDeployWinner(c.Request.Context(), c.Param("id"), req.ForceOverride)
		if err != nil {
			if res != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "result": res})
				return
			}
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// CanaryStatus returns the active staged rollout, if any.
func CanaryStatus(svc *winner.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		state, err := svc.CanaryStatus(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		if state == nil {
			c.JSON(http.StatusOK, gin.H{"active": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"active": true, "canary": state})
	}
}

// PromoteCanary advances the staged rollout one step.
func PromoteCanary(svc *winner.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		state, result, err := svc.PromoteCanary(c.Request.Context())
		if err != nil {
			if result != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "result": result})
				return
			}
			respondError(c, err)
			return
		}
		if result != nil {
			c.JSON(http.StatusOK, gin.H{"completed": true, "result": result})
			return
		}
		c.JSON(http.StatusOK, gin.H{"completed": false, "canary": state})
	}
}

// AbortCanary cancels the staged rollout.
func AbortCanary(svc *winner.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.AbortCanary(c.Request.Context()); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
