// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The client must satisfy every sidecar-facing interface the service
// wires it into.
var (
	_ Predictor       = (*HTTPClient)(nil)
	_ Retrainer       = (*HTTPClient)(nil)
	_ DatasetPreparer = (*HTTPClient)(nil)
	_ MetricsSource   = (*HTTPClient)(nil)
)

func newTestClient(t *testing.T, handler http.Handler) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewHTTPClient(srv.URL, nil)
	require.NoError(t, err)
	return c
}

func TestNewHTTPClient_RequiresBaseURL(t *testing.T) {
	_, err := NewHTTPClient("", nil)
	assert.Error(t, err)
}

func TestValidationMetrics(t *testing.T) {
	ctx := context.Background()

	t.Run("decodes the sidecar feed", func(t *testing.T) {
		trained := time.Date(2026, 2, 20, 8, 0, 0, 0, time.UTC)
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "/v1/metrics/validation", r.URL.Path)
			json.NewEncoder(w).Encode(ValidationMetrics{
				TotalValidations: 620,
				PerClassCounts:   map[string]int{"cat": 300, "dog": 320},
				ObservedAccuracy: 0.91,
				BucketAccuracy: map[string]BucketStats{
					"0.5-0.6": {Samples: 40, Accuracy: 0.55},
				},
				LastTrainedAt: trained,
			})
		}))

		vm, err := c.ValidationMetrics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 620, vm.TotalValidations)
		assert.Equal(t, 320, vm.PerClassCounts["dog"])
		assert.Equal(t, 0.55, vm.BucketAccuracy["0.5-0.6"].Accuracy)
		assert.True(t, vm.LastTrainedAt.Equal(trained))
	})

	t.Run("non-200 is an error", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics store offline", http.StatusServiceUnavailable)
		}))

		_, err := c.ValidationMetrics(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 503")
	})
}

func TestPredict(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/predict", r.URL.Path)
		var payload predictPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.NotEmpty(t, payload.Image)
		json.NewEncoder(w).Encode(Prediction{Class: "cat", Confidence: 0.97})
	}))

	pred, err := c.Predict(context.Background(), []byte("image-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "cat", pred.Class)
	assert.Equal(t, 0.97, pred.Confidence)
}

func TestHealthCheck(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/health", r.URL.Path)
			w.WriteHeader(http.StatusOK)
		}))
		assert.NoError(t, c.HealthCheck(context.Background()))
	})

	t.Run("unhealthy", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		assert.Error(t, c.HealthCheck(context.Background()))
	})
}

func TestRetrain_ReplaysEpochEvents(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/retrain", r.URL.Path)
		json.NewEncoder(w).Encode(retrainResponse{
			Accuracy:    0.94,
			Loss:        0.2,
			ArtifactRef: "/models/trained.bin",
			Epochs: []TrainingEvent{
				{Epoch: 1, Loss: 0.6, Accuracy: 0.8},
				{Epoch: 2, Loss: 0.3, Accuracy: 0.9},
			},
		})
	}))

	events := make(chan TrainingEvent, 8)
	result, err := c.Retrain(context.Background(), "/datasets/d1", Hyperparams{"epochs": 2}, events)
	require.NoError(t, err)
	assert.Equal(t, 0.94, result.Accuracy)
	assert.Equal(t, "/models/trained.bin", result.ArtifactRef)

	var got []TrainingEvent
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[1].Epoch)
}
