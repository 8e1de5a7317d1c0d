// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package winner

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	storagebadger "github.com/AleutianAI/AleutianVision/services/modelops/storage/badger"
	"github.com/AleutianAI/AleutianVision/services/modelops/version"
)

const canaryKey = "canary/state"

// CanaryState is the persisted staged-rollout document. The routing
// weight is the share of traffic the serving layer should send to the
// candidate; the artifact swap happens only when the ramp reaches 100.
type CanaryState struct {
	ExperimentID string              `json:"experimentId"`
	Candidate    string              `json:"candidateVersion"`
	Weight       int                 `json:"weight"`
	Steps        []int               `json:"steps"`
	StepIndex    int                 `json:"stepIndex"`
	TriggeredBy  version.TriggeredBy `json:"triggeredBy"`
	StartedAt    string              `json:"startedAt"`

	// Halted records a health failure; the rollout stays at the last
	// healthy weight until aborted or retried.
	Halted     bool   `json:"halted,omitempty"`
	HaltReason string `json:"haltReason,omitempty"`
}

// startCanary opens a staged rollout at the first ramp step. Only one
// rollout may be active at a time.
func (s *Service) startCanary(ctx context.Context, experimentID string, eval *Evaluation, trigger version.TriggeredBy) (*CanaryState, error) {
	s.canaryMu.Lock()
	defer s.canaryMu.Unlock()

	if cur, err := s.loadCanary(ctx); err != nil {
		return nil, err
	} else if cur != nil {
		return nil, fmt.Errorf("%w: rollout for %s at %d%%", ErrConflict, cur.Candidate, cur.Weight)
	}
	if len(s.cfg.CanarySteps) == 0 {
		return nil, fmt.Errorf("canary strategy selected with no ramp steps")
	}
	if _, err := s.versions.GetVersion(ctx, eval.WinnerModel); err != nil {
		return nil, err
	}

	state := &CanaryState{
		ExperimentID: experimentID,
		Candidate:    eval.WinnerModel,
		Weight:       s.cfg.CanarySteps[0],
		Steps:        s.cfg.CanarySteps,
		StepIndex:    0,
		TriggeredBy:  trigger,
		StartedAt:    s.clk.Now().UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if err := s.db.PutJSON(ctx, canaryKey, state); err != nil {
		return nil, err
	}
	s.logger.Info("canary rollout started",
		"experiment_id", experimentID,
		"candidate", state.Candidate,
		"weight", state.Weight)
	return state, nil
}

// CanaryStatus returns the active rollout, or nil when none is running.
func (s *Service) CanaryStatus(ctx context.Context) (*CanaryState, error) {
	s.canaryMu.Lock()
	defer s.canaryMu.Unlock()
	return s.loadCanary(ctx)
}

// PromoteCanary advances the rollout to the next ramp step.
//
// Description:
//
//	Each promotion runs the classifier health check first. A failing
//	check halts the ramp at its current weight rather than advancing.
//	Reaching 100% performs the real artifact swap through the version
//	store (with backup and verification) and clears the rollout state.
//
// Outputs:
//
//	*CanaryState - State after the step. Nil once the rollout completes.
//	*DeployResult - Non-nil only on the final, completing step.
//	error - ErrNoActiveCanary when no rollout is underway.
func (s *Service) PromoteCanary(ctx context.Context) (*CanaryState, *DeployResult, error) {
	s.canaryMu.Lock()
	defer s.canaryMu.Unlock()

	ctx, span := winnerTracer.Start(ctx, "winner.PromoteCanary")
	defer span.End()

	state, err := s.loadCanary(ctx)
	if err != nil {
		return nil, nil, err
	}
	if state == nil {
		return nil, nil, ErrNoActiveCanary
	}
	span.SetAttributes(
		attribute.String("canary.candidate", state.Candidate),
		attribute.Int("canary.weight", state.Weight),
	)

	if s.predictor != nil {
		if herr := s.predictor.HealthCheck(ctx); herr != nil {
			state.Halted = true
			state.HaltReason = herr.Error()
			if perr := s.db.PutJSON(ctx, canaryKey, state); perr != nil {
				return nil, nil, perr
			}
			s.logger.Warn("canary ramp halted",
				"candidate", state.Candidate,
				"weight", state.Weight,
				"error", herr)
			return state, nil, nil
		}
	}
	state.Halted = false
	state.HaltReason = ""

	if state.StepIndex+1 >= len(state.Steps) || state.Steps[state.StepIndex+1] >= 100 {
		return s.completeCanary(ctx, state)
	}

	state.StepIndex++
	state.Weight = state.Steps[state.StepIndex]
	if err := s.db.PutJSON(ctx, canaryKey, state); err != nil {
		return nil, nil, err
	}
	s.logger.Info("canary ramp advanced",
		"candidate", state.Candidate,
		"weight", state.Weight)
	return state, nil, nil
}

// completeCanary performs the terminal 100% step: a normal deployment
// through the version store, then the verification checklist.
func (s *Service) completeCanary(ctx context.Context, state *CanaryState) (*CanaryState, *DeployResult, error) {
	opts := version.DefaultDeployOptions()
	opts.BackupReason = "canary " + state.ExperimentID
	opts.RollbackOnFailure = s.cfg.RollbackOnFailure
	opts.Strategy = version.StrategyCanary
	opts.TriggeredBy = state.TriggeredBy

	rec, err := s.versions.DeployVersion(ctx, state.Candidate, opts)
	if err != nil {
		return state, &DeployResult{Deployed: false, Reason: err.Error(), Record: rec}, err
	}
	if verr := s.verifyDeployment(ctx); verr != nil {
		verificationsTotal.WithLabelValues("failure").Inc()
		result := &DeployResult{Deployed: false, Reason: verr.Error(), Record: rec}
		if s.cfg.RollbackOnFailure {
			if _, rbErr := s.versions.RollbackToPreviousVersion(ctx, "canary verification failed"); rbErr != nil {
				s.logger.Error("rollback after failed canary completion failed", "error", rbErr)
			} else {
				result.RolledBack = true
			}
		}
		return state, result, fmt.Errorf("%w: %v", version.ErrDeploymentFailed, verr)
	}
	verificationsTotal.WithLabelValues("success").Inc()

	if err := s.db.Delete(ctx, canaryKey); err != nil {
		return state, nil, err
	}
	s.logger.Info("canary rollout completed",
		"candidate", state.Candidate,
		"experiment_id", state.ExperimentID)
	eval := &Evaluation{WinnerModel: state.Candidate}
	s.notify(state.ExperimentID, eval)
	return nil, &DeployResult{Deployed: true, Record: rec}, nil
}

// AbortCanary cancels an active rollout without touching the live
// artifact, since no swap has happened before the final step.
func (s *Service) AbortCanary(ctx context.Context) error {
	s.canaryMu.Lock()
	defer s.canaryMu.Unlock()

	state, err := s.loadCanary(ctx)
	if err != nil {
		return err
	}
	if state == nil {
		return ErrNoActiveCanary
	}
	if err := s.db.Delete(ctx, canaryKey); err != nil {
		return err
	}
	s.logger.Info("canary rollout aborted",
		"candidate", state.Candidate,
		"weight", state.Weight)
	return nil
}

func (s *Service) loadCanary(ctx context.Context) (*CanaryState, error) {
	var state CanaryState
	err := s.db.GetJSON(ctx, canaryKey, &state)
	if err != nil {
		if errors.Is(err, storagebadger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}
