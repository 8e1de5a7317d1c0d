// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package winner implements winner selection and deployment: promotion
// gates over concluded experiments, deployment strategies with
// verification and rollback, and staged canary promotion.
package winner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianVision/services/modelops/classifier"
	"github.com/AleutianAI/AleutianVision/services/modelops/clock"
	"github.com/AleutianAI/AleutianVision/services/modelops/experiment"
	storagebadger "github.com/AleutianAI/AleutianVision/services/modelops/storage/badger"
	"github.com/AleutianAI/AleutianVision/services/modelops/version"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNotReady indicates the experiment has not concluded.
	ErrNotReady = errors.New("experiment not concluded")

	// ErrConflict indicates a deployment is already in flight.
	ErrConflict = errors.New("deployment already in progress")

	// ErrNoActiveCanary indicates promotion was requested with no
	// canary rollout underway.
	ErrNoActiveCanary = errors.New("no active canary rollout")
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	evaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelops_winner_evaluations_total",
		Help: "Promotion gate evaluations by outcome",
	}, []string{"outcome"})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelops_deploy_verifications_total",
		Help: "Post-deployment verification checklist runs by result",
	}, []string{"result"})
)

var winnerTracer = otel.Tracer("modelops.winner")

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config holds the promotion criteria and deployment policy.
type Config struct {
	// AutoDeployEnabled gates the automatic path entirely.
	AutoDeployEnabled bool

	// MinimumConfidenceLevel requires 1 - pValue at or above this.
	// Default: 0.95.
	MinimumConfidenceLevel float64

	// MinimumImprovementThreshold is the accuracy difference floor in
	// percentage points. Default: 5.0.
	MinimumImprovementThreshold float64

	// MinimumSampleSize is the combined prediction floor. Default: 100.
	MinimumSampleSize int

	// MinimumTestDuration is the elapsed-time floor. Default: 24h.
	MinimumTestDuration time.Duration

	// DeploymentStrategy selects replace, canary, or blue-green.
	// Default: replace.
	DeploymentStrategy version.Strategy

	// RollbackOnFailure restores the prior version when verification
	// fails. Default: true (zero value is overridden in NewService
	// only via DefaultConfig; pass explicit false deliberately).
	RollbackOnFailure bool

	// NotificationEnabled logs a deployment notification entry.
	NotificationEnabled bool

	// CanarySteps is the traffic ramp for canary promotion.
	// Default: 25, 50, 75, 100.
	CanarySteps []int
}

// DefaultConfig returns the standard promotion policy.
func DefaultConfig() Config {
	return Config{
		AutoDeployEnabled:           true,
		MinimumConfidenceLevel:      0.95,
		MinimumImprovementThreshold: 5.0,
		MinimumSampleSize:           100,
		MinimumTestDuration:         24 * time.Hour,
		DeploymentStrategy:          version.StrategyReplace,
		RollbackOnFailure:           true,
		NotificationEnabled:         true,
		CanarySteps:                 []int{25, 50, 75, 100},
	}
}

// -----------------------------------------------------------------------------
// Results
// -----------------------------------------------------------------------------

// Evaluation is the outcome of the promotion gates for one experiment.
type Evaluation struct {
	CanDeploy bool `json:"canDeploy"`

	// Reason names the first failed gate when CanDeploy is false.
	Reason string `json:"reason,omitempty"`

	Winner      experiment.Group `json:"winner,omitempty"`
	WinnerModel string           `json:"winnerModel,omitempty"`

	// Confidence is 1 - pValue.
	Confidence float64 `json:"confidence"`

	// Improvement is the accuracy difference in percentage points.
	Improvement float64 `json:"improvement"`
}

// DeployResult reports a deployment attempt.
type DeployResult struct {
	Deployed   bool                      `json:"deployed"`
	Reason     string                    `json:"reason,omitempty"`
	Evaluation *Evaluation               `json:"evaluation,omitempty"`
	Record     *version.DeploymentRecord `json:"record,omitempty"`

	// RolledBack is true when verification failed and the previous
	// version was restored.
	RolledBack bool `json:"rolledBack,omitempty"`
}

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

// Service evaluates concluded experiments and promotes winners.
//
// Description:
//
//	Deployment execution (backup, swap, verify, rollback) is sequential
//	and must not overlap: a second deployment arriving while one is in
//	flight is rejected with ErrConflict rather than queued.
//
// Thread Safety: Safe for concurrent use.
type Service struct {
	db          *storagebadger.Store
	experiments *experiment.Orchestrator
	versions    *version.Store
	predictor   classifier.Predictor
	cfg         Config
	clk         clock.Clock
	logger      *slog.Logger

	deployMu sync.Mutex
	canaryMu sync.Mutex
}

// NewService creates the winner selection service.
//
// Inputs:
//   - db: Durable document store for canary rollout state. Must not be nil.
//   - experiments: Source of concluded experiments. Must not be nil.
//   - versions: Deploy/backup/rollback primitives. Must not be nil.
//   - predictor: Smoke-inference backend for verification. May be nil,
//     in which case the inference checks are skipped.
//   - cfg: Promotion policy. Zero-valued thresholds get defaults.
//   - clk: Time source. If nil, the system clock is used.
//   - logger: Structured logger. If nil, slog.Default() is used.
func NewService(db *storagebadger.Store, experiments *experiment.Orchestrator, versions *version.Store, predictor classifier.Predictor, cfg Config, clk clock.Clock, logger *slog.Logger) *Service {
	def := DefaultConfig()
	if cfg.MinimumConfidenceLevel == 0 {
		cfg.MinimumConfidenceLevel = def.MinimumConfidenceLevel
	}
	if cfg.MinimumImprovementThreshold == 0 {
		cfg.MinimumImprovementThreshold = def.MinimumImprovementThreshold
	}
	if cfg.MinimumSampleSize == 0 {
		cfg.MinimumSampleSize = def.MinimumSampleSize
	}
	if cfg.MinimumTestDuration == 0 {
		cfg.MinimumTestDuration = def.MinimumTestDuration
	}
	if cfg.DeploymentStrategy == "" {
		cfg.DeploymentStrategy = def.DeploymentStrategy
	}
	if cfg.CanarySteps == nil {
		cfg.CanarySteps = def.CanarySteps
	}
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:          db,
		experiments: experiments,
		versions:    versions,
		predictor:   predictor,
		cfg:         cfg,
		clk:         clk,
		logger:      logger,
	}
}

// Evaluate applies the five promotion gates to a concluded experiment.
//
// Description:
//
//	Gates run in order and short-circuit on the first failure:
//	significance, confidence level, improvement magnitude, sample
//	size, test duration. The returned Evaluation names the failed
//	gate; only hard lookup failures are errors.
//
// Outputs:
//
//	*Evaluation - Gate outcome. Non-nil whenever error is nil.
//	error - experiment.ErrNotFound for unknown experiments, ErrNotReady
//	        when the experiment has not concluded.
func (s *Service) Evaluate(ctx context.Context, experimentID string) (*Evaluation, error) {
	exp, err := s.experiments.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if exp.Status != experiment.StatusCompleted || exp.Significance == nil {
		return nil, ErrNotReady
	}

	sig := exp.Significance
	eval := &Evaluation{
		Winner:      sig.Winner,
		Confidence:  1 - sig.PValue,
		Improvement: sig.ImprovementPct,
	}
	if sig.Winner != experiment.GroupNone {
		eval.WinnerModel = exp.ModelFor(sig.Winner)
	}

	switch {
	case !sig.Significant:
		eval.Reason = "result not statistically significant"
	case eval.Confidence < s.cfg.MinimumConfidenceLevel:
		eval.Reason = fmt.Sprintf("confidence %.4f below required %.4f", eval.Confidence, s.cfg.MinimumConfidenceLevel)
	case eval.Improvement < s.cfg.MinimumImprovementThreshold:
		eval.Reason = fmt.Sprintf("improvement %.2f points below required %.2f", eval.Improvement, s.cfg.MinimumImprovementThreshold)
	case exp.Metrics.Total() < s.cfg.MinimumSampleSize:
		eval.Reason = fmt.Sprintf("sample size %d below required %d", exp.Metrics.Total(), s.cfg.MinimumSampleSize)
	case exp.Elapsed(s.clk.Now()) < s.cfg.MinimumTestDuration:
		eval.Reason = fmt.Sprintf("test ran %s, required %s", exp.Elapsed(s.clk.Now()), s.cfg.MinimumTestDuration)
	default:
		eval.CanDeploy = true
	}

	outcome := "rejected"
	if eval.CanDeploy {
		outcome = "eligible"
	}
	evaluationsTotal.WithLabelValues(outcome).Inc()
	return eval, nil
}

// AutoDeployWinner runs the automatic promotion path.
//
// A disabled auto-deploy is a quiet no-op; a failed gate returns the
// evaluation without deploying.
func (s *Service) AutoDeployWinner(ctx context.Context, experimentID string) (*DeployResult, error) {
	if !s.cfg.AutoDeployEnabled {
		return &DeployResult{Deployed: false, Reason: "disabled"}, nil
	}
	eval, err := s.Evaluate(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if !eval.CanDeploy {
		return &DeployResult{Deployed: false, Reason: eval.Reason, Evaluation: eval}, nil
	}
	return s.executeDeployment(ctx, experimentID, eval, version.TriggeredAuto, false)
}

// ManualDeployWinner runs the operator promotion path.
//
// With forceOverride the gate verdict is bypassed; the override is
// recorded on the deployment history entry. The experiment must still
// have concluded with a defined winner.
func (s *Service) ManualDeployWinner(ctx context.Context, experimentID string, forceOverride bool) (*DeployResult, error) {
	eval, err := s.Evaluate(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if !eval.CanDeploy {
		if !forceOverride || eval.WinnerModel == "" {
			return &DeployResult{Deployed: false, Reason: eval.Reason, Evaluation: eval}, nil
		}
		s.logger.Warn("promotion gates bypassed by force override",
			"experiment_id", experimentID,
			"failed_gate", eval.Reason)
	}
	return s.executeDeployment(ctx, experimentID, eval, version.TriggeredManual, forceOverride)
}

// executeDeployment runs the full deployment protocol for a winner.
//
// Description:
//
//	replace and blue-green swap immediately through the version store
//	(which takes the pre-deployment backup), then run the verification
//	checklist; a failed check triggers rollback to the previous
//	version when RollbackOnFailure is set. canary does not swap: it
//	opens a staged rollout at the first ramp step, to be advanced by
//	PromoteCanary.
func (s *Service) executeDeployment(ctx context.Context, experimentID string, eval *Evaluation, trigger version.TriggeredBy, force bool) (*DeployResult, error) {
	if !s.deployMu.TryLock() {
		return nil, ErrConflict
	}
	defer s.deployMu.Unlock()

	ctx, span := winnerTracer.Start(ctx, "winner.ExecuteDeployment")
	defer span.End()
	span.SetAttributes(
		attribute.String("experiment.id", experimentID),
		attribute.String("deploy.model", eval.WinnerModel),
		attribute.String("deploy.strategy", string(s.cfg.DeploymentStrategy)),
	)

	if s.cfg.DeploymentStrategy == version.StrategyCanary {
		state, err := s.startCanary(ctx, experimentID, eval, trigger)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		return &DeployResult{
			Deployed:   false,
			Reason:     fmt.Sprintf("canary rollout started at %d%%", state.Weight),
			Evaluation: eval,
		}, nil
	}

	opts := version.DefaultDeployOptions()
	opts.BackupReason = "experiment " + experimentID
	opts.RollbackOnFailure = s.cfg.RollbackOnFailure
	opts.Strategy = s.cfg.DeploymentStrategy
	opts.TriggeredBy = trigger
	opts.ForceOverride = force

	rec, err := s.versions.DeployVersion(ctx, eval.WinnerModel, opts)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return &DeployResult{Deployed: false, Reason: err.Error(), Evaluation: eval, Record: rec}, err
	}

	if verr := s.verifyDeployment(ctx); verr != nil {
		verificationsTotal.WithLabelValues("failure").Inc()
		result := &DeployResult{Deployed: false, Reason: verr.Error(), Evaluation: eval, Record: rec}
		if s.cfg.RollbackOnFailure {
			if _, rbErr := s.versions.RollbackToPreviousVersion(ctx, "verification failed"); rbErr != nil {
				// Secondary failure: logged, the verification error
				// still propagates.
				s.logger.Error("rollback after failed verification failed",
					"experiment_id", experimentID, "error", rbErr)
			} else {
				result.RolledBack = true
			}
		}
		span.SetStatus(codes.Error, verr.Error())
		return result, fmt.Errorf("%w: %v", version.ErrDeploymentFailed, verr)
	}
	verificationsTotal.WithLabelValues("success").Inc()

	s.notify(experimentID, eval)
	return &DeployResult{Deployed: true, Evaluation: eval, Record: rec}, nil
}

// verifyDeployment runs the fixed post-swap checklist: the artifact
// loads, a smoke inference succeeds, and the health check passes.
func (s *Service) verifyDeployment(ctx context.Context) error {
	info, err := os.Stat(s.versions.ActiveArtifactPath())
	if err != nil || info.Size() == 0 {
		return fmt.Errorf("active artifact missing or empty")
	}

	if s.predictor == nil {
		return nil
	}
	if _, err := s.predictor.Predict(ctx, smokeImage()); err != nil {
		return fmt.Errorf("smoke inference failed: %w", err)
	}
	if err := s.predictor.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// smokeImage returns the fixed probe used for the smoke inference. Any
// well-formed payload serves; the check is that inference runs at all.
func smokeImage() []byte {
	return []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
}

func (s *Service) notify(experimentID string, eval *Evaluation) {
	if !s.cfg.NotificationEnabled {
		return
	}
	s.logger.Info("winner deployed",
		"experiment_id", experimentID,
		"model", eval.WinnerModel,
		"winner", string(eval.Winner),
		"confidence", eval.Confidence,
		"improvement_points", eval.Improvement)
}
