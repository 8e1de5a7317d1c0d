// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the gin handlers of the administrative
// HTTP surface.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianVision/services/modelops/datatypes"
	"github.com/AleutianAI/AleutianVision/services/modelops/experiment"
	"github.com/AleutianAI/AleutianVision/services/modelops/retrain"
	"github.com/AleutianAI/AleutianVision/services/modelops/version"
	"github.com/AleutianAI/AleutianVision/services/modelops/winner"
)

// respondError maps domain errors to HTTP status codes: invalid input
// 400, unknown entities 404, unmet preconditions 422, concurrent
// operations 409, everything else 500.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, experiment.ErrInvalidConfig):
		status = http.StatusBadRequest
	case errors.Is(err, experiment.ErrNotFound), errors.Is(err, version.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, winner.ErrNotReady),
		errors.Is(err, version.ErrNoPriorVersion),
		errors.Is(err, winner.ErrNoActiveCanary):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, winner.ErrConflict),
		errors.Is(err, version.ErrConflict),
		errors.Is(err, version.ErrProtectedVersion),
		errors.Is(err, experiment.ErrStillRunning),
		errors.Is(err, retrain.ErrAlreadyInProgress),
		errors.Is(err, retrain.ErrAlreadyRunning),
		errors.Is(err, retrain.ErrNotRunning):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, datatypes.ErrorResponse{Error: err.Error()})
}

// respondBindError reports a malformed request body.
func respondBindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{
		Error:   "invalid request body",
		Details: err.Error(),
	})
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
