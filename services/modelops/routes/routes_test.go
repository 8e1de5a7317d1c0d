// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianVision/services/modelops/clock"
	"github.com/AleutianAI/AleutianVision/services/modelops/datatypes"
	"github.com/AleutianAI/AleutianVision/services/modelops/experiment"
	storagebadger "github.com/AleutianAI/AleutianVision/services/modelops/storage/badger"
	"github.com/AleutianAI/AleutianVision/services/modelops/version"
	"github.com/AleutianAI/AleutianVision/services/modelops/winner"
)

func init() {
	// Set Gin to test mode to reduce noise in test output
	gin.SetMode(gin.TestMode)
}

// newTestRouter wires the full service stack over in-memory storage.
// The scheduler is left nil, matching a deployment without the
// classifier sidecar.
func newTestRouter(t *testing.T) (*gin.Engine, *clock.Fake) {
	t.Helper()
	db, err := storagebadger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	artifacts, err := version.NewArtifacts(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, artifacts.WriteActive([]byte("baseline-model-weights")))
	versions, err := version.NewStore(context.Background(), db, artifacts, clk, nil)
	require.NoError(t, err)
	require.NoError(t, versions.EnsureInitialized(context.Background(), version.Performance{Accuracy: 0.9}))

	orch := experiment.NewOrchestrator(experiment.NewStore(db), experiment.OrchestratorConfig{}, clk, nil)
	winnerSvc := winner.NewService(db, orch, versions, nil, winner.DefaultConfig(), clk, nil)

	router := gin.New()
	SetupRoutes(router, orch, versions, winnerSvc, nil)
	return router, clk
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "modelops_")
}

func TestExperimentLifecycleOverHTTP(t *testing.T) {
	router, _ := newTestRouter(t)

	// Create.
	w := doJSON(t, router, "POST", "/v1/experiments", datatypes.CreateExperimentRequest{
		Name:   "resnet-vs-efficientnet",
		ModelA: "1.0.0",
		ModelB: "1.1.0",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created datatypes.CreateExperimentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.ExperimentID)
	base := "/v1/experiments/" + created.ExperimentID

	// Assign a user; repeated calls return the same arm.
	w = doJSON(t, router, "POST", base+"/assignments", datatypes.AssignUserRequest{UserID: "user-1"})
	require.Equal(t, http.StatusOK, w.Code)
	var first datatypes.AssignUserResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.Contains(t, []string{"A", "B"}, first.Group)
	assert.NotEmpty(t, first.Model)

	w = doJSON(t, router, "POST", base+"/assignments", datatypes.AssignUserRequest{UserID: "user-1"})
	require.Equal(t, http.StatusOK, w.Code)
	var second datatypes.AssignUserResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.Equal(t, first.Group, second.Group)

	// The assignment shows up in the listing.
	w = doJSON(t, router, "GET", base+"/assignments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "user-1")

	// Record an outcome.
	actual := "cat"
	w = doJSON(t, router, "POST", base+"/outcomes", datatypes.RecordOutcomeRequest{
		UserID:         "user-1",
		Group:          first.Group,
		PredictedLabel: "cat",
		ActualLabel:    &actual,
		Confidence:     0.93,
	})
	require.Equal(t, http.StatusOK, w.Code)

	// The experiment reflects the recorded outcome.
	w = doJSON(t, router, "GET", base, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var exp experiment.Experiment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &exp))
	assert.Equal(t, 1, exp.Metrics.Total())

	// A running experiment refuses deletion.
	w = doJSON(t, router, "DELETE", base, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Stop, then delete.
	w = doJSON(t, router, "POST", base+"/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, router, "DELETE", base, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestErrorMapping(t *testing.T) {
	router, _ := newTestRouter(t)

	t.Run("unknown experiment is 404", func(t *testing.T) {
		w := doJSON(t, router, "GET", "/v1/experiments/nope", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("missing fields are 400", func(t *testing.T) {
		w := doJSON(t, router, "POST", "/v1/experiments", gin.H{"name": "incomplete"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unconcluded experiment evaluation is 422", func(t *testing.T) {
		w := doJSON(t, router, "POST", "/v1/experiments", datatypes.CreateExperimentRequest{
			Name: "fresh", ModelA: "1.0.0", ModelB: "1.1.0",
		})
		require.Equal(t, http.StatusCreated, w.Code)
		var created datatypes.CreateExperimentResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

		w = doJSON(t, router, "GET", "/v1/winner-selection/"+created.ExperimentID+"/evaluate", nil)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("deploying an unknown version is 404", func(t *testing.T) {
		w := doJSON(t, router, "POST", "/v1/versions/deploy/9.9.9", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("rollback without prior success is 422", func(t *testing.T) {
		w := doJSON(t, router, "POST", "/v1/versions/rollback", datatypes.RollbackRequest{Reason: "test"})
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("deleting the deployed version is 409", func(t *testing.T) {
		w := doJSON(t, router, "DELETE", "/v1/versions/delete/1.0.0", nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("retraining without a sidecar is 503", func(t *testing.T) {
		w := doJSON(t, router, "POST", "/v1/mlops/retrain", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestVersionRoutes(t *testing.T) {
	router, _ := newTestRouter(t)

	// Register a new version off the active artifact.
	w := doJSON(t, router, "POST", "/v1/versions", datatypes.CreateVersionRequest{
		Description: "candidate",
		ChangeType:  "minor",
		Accuracy:    0.95,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var mv version.ModelVersion
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &mv))
	assert.Equal(t, "1.1.0", mv.Version)

	// List shows both versions and the current pointer.
	w = doJSON(t, router, "GET", "/v1/versions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listing struct {
		CurrentVersion string                  `json:"currentVersion"`
		Versions       []*version.ModelVersion `json:"versions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	assert.Equal(t, "1.0.0", listing.CurrentVersion)
	assert.Len(t, listing.Versions, 2)

	// Deploy the candidate.
	w = doJSON(t, router, "POST", "/v1/versions/deploy/1.1.0", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rec version.DeploymentRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.True(t, rec.Success)
	assert.Equal(t, "1.1.0", rec.Version)

	// Rollback goes back to 1.0.0.
	w = doJSON(t, router, "POST", "/v1/versions/rollback", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, "1.0.0", rec.Version)
	assert.True(t, rec.Rollback)

	// Deployment history shows init, deploy, rollback.
	w = doJSON(t, router, "GET", "/v1/versions/deployments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hist struct {
		Deployments []*version.DeploymentRecord `json:"deployments"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	assert.Len(t, hist.Deployments, 3)

	// Backups round-trip.
	w = doJSON(t, router, "POST", "/v1/versions/backups", datatypes.BackupRequest{Reason: "pre-change"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = doJSON(t, router, "GET", "/v1/versions/backups", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pre-change")
}

func TestCleanupRoute(t *testing.T) {
	router, clk := newTestRouter(t)

	for i := 0; i < 3; i++ {
		clk.Advance(time.Minute)
		w := doJSON(t, router, "POST", "/v1/versions", datatypes.CreateVersionRequest{
			Description: fmt.Sprintf("candidate %d", i),
			ChangeType:  "patch",
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := doJSON(t, router, "DELETE", "/v1/versions/cleanup", datatypes.CleanupRequest{KeepCount: 1})
	require.Equal(t, http.StatusOK, w.Code)
	var result version.CleanupResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, 4, result.Kept+result.Cleaned)

	// The deployed baseline survives cleanup.
	w = doJSON(t, router, "GET", "/v1/versions", nil)
	assert.Contains(t, w.Body.String(), "1.0.0")
}
