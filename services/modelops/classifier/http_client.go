// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// HTTPClient talks to the classifier sidecar over its JSON API.
//
// Endpoints:
//
//	POST /v1/predict             {imageBase64} -> {class, confidence}
//	POST /v1/retrain             {datasetRef, hyperparams} -> SSE-free polling
//	POST /v1/dataset/prepare     {options} -> {path, classCounts}
//	GET  /v1/metrics/validation  -> aggregated validation metrics
//	GET  /health
//
// Thread Safety: Safe for concurrent use.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewHTTPClient creates a sidecar client.
//
// Inputs:
//   - baseURL: Sidecar base URL, e.g. "http://classifier:8500".
//   - logger: Structured logger. If nil, slog.Default() is used.
//
// Outputs:
//   - *HTTPClient: The client. Never nil.
//   - error: Non-nil if baseURL is empty.
func NewHTTPClient(baseURL string, logger *slog.Logger) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("classifier base URL not set")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		logger:     logger,
	}, nil
}

type predictPayload struct {
	Image []byte `json:"image"`
}

// Predict implements Predictor.
func (c *HTTPClient) Predict(ctx context.Context, image []byte) (*Prediction, error) {
	var out Prediction
	if err := c.postJSON(ctx, "/v1/predict", predictPayload{Image: image}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// HealthCheck implements Predictor.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("classifier health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("classifier unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

type retrainPayload struct {
	DatasetRef  string      `json:"datasetRef"`
	Hyperparams Hyperparams `json:"hyperparams,omitempty"`
}

type retrainResponse struct {
	Accuracy    float64         `json:"accuracy"`
	Loss        float64         `json:"loss"`
	ArtifactRef string          `json:"artifactRef"`
	Epochs      []TrainingEvent `json:"epochs,omitempty"`
}

// Retrain implements Retrainer.
//
// The sidecar's retrain call is synchronous and returns per-epoch
// progress in its response; the events are replayed onto the channel so
// consumers see the same stream a live feed would produce.
func (c *HTTPClient) Retrain(ctx context.Context, datasetRef string, params Hyperparams, events chan<- TrainingEvent) (*TrainingResult, error) {
	if events != nil {
		defer close(events)
	}
	start := time.Now()

	c.logger.Info("retraining requested", "dataset", datasetRef)
	var out retrainResponse
	if err := c.postJSON(ctx, "/v1/retrain", retrainPayload{DatasetRef: datasetRef, Hyperparams: params}, &out); err != nil {
		return nil, err
	}

	for _, ev := range out.Epochs {
		if events != nil {
			select {
			case events <- ev:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return &TrainingResult{
		Accuracy:    out.Accuracy,
		Loss:        out.Loss,
		ArtifactRef: out.ArtifactRef,
		Duration:    time.Since(start),
	}, nil
}

// ValidationMetrics implements MetricsSource.
//
// The sidecar aggregates user validations of served predictions; the
// retraining monitor evaluates its triggers against this feed.
func (c *HTTPClient) ValidationMetrics(ctx context.Context) (*ValidationMetrics, error) {
	var out ValidationMetrics
	if err := c.getJSON(ctx, "/v1/metrics/validation", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PrepareDataset implements DatasetPreparer.
func (c *HTTPClient) PrepareDataset(ctx context.Context, opts DatasetOptions) (*DatasetInfo, error) {
	var out DatasetInfo
	if err := c.postJSON(ctx, "/v1/dataset/prepare", opts, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", path, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call classifier %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read classifier response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("classifier %s returned status %d: %s", path, resp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse classifier response: %w", err)
	}
	return nil
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call classifier %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read classifier response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("classifier %s returned status %d: %s", path, resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parse classifier response: %w", err)
		}
	}
	return nil
}
