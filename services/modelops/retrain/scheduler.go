// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
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
	// ErrAlreadyInProgress indicates a retraining is already executing.
	// At most one retraining runs system-wide; a second request fails
	// fast rather than queueing.
	ErrAlreadyInProgress = errors.New("retraining already in progress")

	// ErrAlreadyRunning indicates Start was called on a running
	// scheduler.
	ErrAlreadyRunning = errors.New("scheduler already running")

	// ErrNotRunning indicates Stop was called on a stopped scheduler.
	ErrNotRunning = errors.New("scheduler not running")
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	retrainingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelops_retrainings_total",
		Help: "Retraining executions by mode and status",
	}, []string{"mode", "status"})

	triggersFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelops_retrain_triggers_total",
		Help: "Retraining triggers recorded by type",
	}, []string{"type"})

	retrainingInProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modelops_retraining_in_progress",
		Help: "1 while a retraining is executing",
	})
)

var schedulerTracer = otel.Tracer("modelops.retrain")

// -----------------------------------------------------------------------------
// Configuration and state
// -----------------------------------------------------------------------------

// SchedulerConfig holds the loop cadence and rate limits.
type SchedulerConfig struct {
	// CheckInterval is the evaluation cadence. Default: 30m.
	CheckInterval time.Duration

	// MaxRetrainingsPerDay caps automatic retrainings per calendar
	// day (UTC). Manual retrainings do not count. Default: 3.
	MaxRetrainingsPerDay int

	// CooldownHours is the minimum gap between consecutive
	// retrainings. Default: 6.
	CooldownHours int

	// TriggerHistoryLimit caps the persisted trigger ring. Default: 100.
	TriggerHistoryLimit int

	// RegisterVersions imports the trained artifact as a new model
	// version after a successful run. Default: true when using
	// DefaultSchedulerConfig.
	RegisterVersions bool

	// FollowUpExperiment starts an A/B experiment comparing the newly
	// registered version against the deployed one.
	FollowUpExperiment bool
}

// DefaultSchedulerConfig returns the standard scheduler policy.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		CheckInterval:        30 * time.Minute,
		MaxRetrainingsPerDay: 3,
		CooldownHours:        6,
		TriggerHistoryLimit:  100,
		RegisterVersions:     true,
	}
}

// RetrainOptions parameterize one retraining run.
type RetrainOptions struct {
	Hyperparams classifier.Hyperparams    `json:"hyperparams,omitempty"`
	Dataset     classifier.DatasetOptions `json:"dataset,omitempty"`
	Description string                    `json:"description,omitempty"`
}

// State is the persisted scheduler state document.
type State struct {
	IsRunning            bool       `json:"isRunning"`
	LastCheck            *time.Time `json:"lastCheck,omitempty"`
	RetrainingInProgress bool       `json:"retrainingInProgress"`
	LastRetrainingAt     *time.Time `json:"lastRetrainingAt,omitempty"`

	// RetrainsToday counts automatic retrainings for RetrainsDay.
	RetrainsToday int    `json:"retrainsToday"`
	RetrainsDay   string `json:"retrainsDay,omitempty"`
}

// StatusInfo is the State plus fields computed at read time.
type StatusInfo struct {
	State

	// NextCheck is the next evaluation tick, set while the loop runs.
	NextCheck *time.Time `json:"nextCheck,omitempty"`

	// CooldownRemaining is the time left before another automatic
	// retraining is allowed. Zero when the cooldown has passed.
	CooldownRemaining time.Duration `json:"cooldownRemaining"`
}

// RunOutcome reports a completed retraining execution.
type RunOutcome struct {
	Result *classifier.TrainingResult `json:"result"`

	// NewVersion is set when the trained artifact was registered.
	NewVersion string `json:"newVersion,omitempty"`

	// ExperimentID is set when a follow-up experiment was started.
	ExperimentID string `json:"experimentId,omitempty"`
}

const (
	stateKey      = "scheduler/state"
	triggerPrefix = "trigger/"
)

// -----------------------------------------------------------------------------
// Scheduler
// -----------------------------------------------------------------------------

// Scheduler runs the periodic trigger evaluation loop and executes
// retrainings, automatic and manual, under rate limits.
//
// Description:
//
//	The retraining-in-progress flag is the system-wide mutual
//	exclusion point for training: it is an atomic compare-and-swap,
//	and its durable mirror in State is written before the run starts
//	so a crash mid-training is visible after restart. Loop errors are
//	recorded as failure triggers and never stop the loop.
//
// Thread Safety: Safe for concurrent use.
type Scheduler struct {
	db          *storagebadger.Store
	monitor     *Monitor
	retrainer   classifier.Retrainer
	preparer    classifier.DatasetPreparer
	versions    *version.Store
	experiments *experiment.Orchestrator
	cfg         SchedulerConfig
	clk         clock.Clock
	logger      *slog.Logger

	inProgress atomic.Bool

	stateMu sync.Mutex

	seqMu   sync.Mutex
	nextSeq int

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScheduler creates the retraining scheduler.
//
// Inputs:
//   - db: Durable store for scheduler state and trigger history. Must
//     not be nil.
//   - monitor: Trigger evaluation. Must not be nil.
//   - retrainer: Training backend. Must not be nil.
//   - preparer: Dataset assembly. May be nil; the dataset reference is
//     then left empty and the backend trains on its own corpus.
//   - versions: Version registration for trained artifacts. Required
//     when cfg.RegisterVersions is set.
//   - experiments: Follow-up experiment creation. Required when
//     cfg.FollowUpExperiment is set.
//   - cfg: Cadence and rate limits. Zero fields get defaults.
//   - clk: Time source. If nil, the system clock is used.
//   - logger: Structured logger. If nil, slog.Default() is used.
//
// Outputs:
//   - *Scheduler: The scheduler, with the trigger sequence recovered
//     from history.
//   - error: Non-nil if history recovery fails.
func NewScheduler(ctx context.Context, db *storagebadger.Store, monitor *Monitor, retrainer classifier.Retrainer, preparer classifier.DatasetPreparer, versions *version.Store, experiments *experiment.Orchestrator, cfg SchedulerConfig, clk clock.Clock, logger *slog.Logger) (*Scheduler, error) {
	def := DefaultSchedulerConfig()
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.MaxRetrainingsPerDay == 0 {
		cfg.MaxRetrainingsPerDay = def.MaxRetrainingsPerDay
	}
	if cfg.CooldownHours == 0 {
		cfg.CooldownHours = def.CooldownHours
	}
	if cfg.TriggerHistoryLimit == 0 {
		cfg.TriggerHistoryLimit = def.TriggerHistoryLimit
	}
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		db:          db,
		monitor:     monitor,
		retrainer:   retrainer,
		preparer:    preparer,
		versions:    versions,
		experiments: experiments,
		cfg:         cfg,
		clk:         clk,
		logger:      logger,
	}

	count := 0
	err := db.ScanJSON(ctx, triggerPrefix, func(key string, _ []byte) error {
		if seq, serr := parseSeq(key); serr == nil && seq >= s.nextSeq {
			s.nextSeq = seq + 1
		}
		count++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recover trigger history: %w", err)
	}
	s.logger.Info("scheduler initialized",
		"trigger_history", count,
		"check_interval", cfg.CheckInterval)

	// A crash mid-training leaves the durable flag set; clear it, the
	// run did not survive the restart.
	var st State
	if gerr := db.GetJSON(ctx, stateKey, &st); gerr == nil && st.RetrainingInProgress {
		st.RetrainingInProgress = false
		if perr := db.PutJSON(ctx, stateKey, &st); perr != nil {
			return nil, fmt.Errorf("reset stale retraining flag: %w", perr)
		}
		s.logger.Warn("cleared stale retraining-in-progress flag from previous run")
	}
	return s, nil
}

func parseSeq(key string) (int, error) {
	var seq int
	_, err := fmt.Sscanf(key, triggerPrefix+"%d", &seq)
	return seq, err
}

// Start launches the evaluation loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	if err := s.mutateState(ctx, func(st *State) { st.IsRunning = true }); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.loop(loopCtx)

	s.logger.Info("scheduler started", "check_interval", s.cfg.CheckInterval)
	return nil
}

// Stop halts the evaluation loop. An in-flight retraining is not
// interrupted; the loop exits after it completes.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	s.cancel()
	<-s.done
	s.running = false

	if err := s.mutateState(ctx, func(st *State) { st.IsRunning = false }); err != nil {
		return err
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunCycle(ctx); err != nil {
				// RunCycle already recorded the failure; the next
				// tick proceeds regardless.
				s.logger.Error("scheduler cycle failed", "error", err)
			}
		}
	}
}

// RunCycle performs one evaluation cycle: evaluate triggers, persist
// them, and execute an automatic retraining when the decision rule and
// the rate limits allow it.
//
// Exported so operators (and tests) can force a cycle outside the
// ticker cadence.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	ctx, span := schedulerTracer.Start(ctx, "retrain.RunCycle")
	defer span.End()

	now := s.clk.Now()
	if err := s.mutateState(ctx, func(st *State) { st.LastCheck = &now }); err != nil {
		return err
	}

	triggers, err := s.monitor.EvaluateTriggers(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.recordFailure(ctx, fmt.Errorf("trigger evaluation: %w", err))
		return err
	}
	for _, tr := range triggers {
		if rerr := s.appendTrigger(ctx, tr); rerr != nil {
			return rerr
		}
	}
	span.SetAttributes(attribute.Int("triggers.count", len(triggers)))

	if !ShouldRetrain(triggers) {
		return nil
	}

	allowed, reason, err := s.canRetrain(ctx)
	if err != nil {
		return err
	}
	if !allowed {
		s.logger.Info("retraining blocked by rate limit", "reason", reason)
		return nil
	}

	s.logger.Info("automatic retraining starting", "trigger_count", len(triggers))
	if _, err := s.execute(ctx, "auto", RetrainOptions{Description: "automatic retraining"}); err != nil {
		if !errors.Is(err, ErrAlreadyInProgress) {
			s.recordFailure(ctx, err)
		}
		return err
	}
	return nil
}

// canRetrain checks the daily cap and the cooldown window.
func (s *Scheduler) canRetrain(ctx context.Context) (bool, string, error) {
	st, err := s.loadState(ctx)
	if err != nil {
		return false, "", err
	}
	now := s.clk.Now()

	day := now.UTC().Format("2006-01-02")
	if st.RetrainsDay == day && st.RetrainsToday >= s.cfg.MaxRetrainingsPerDay {
		return false, fmt.Sprintf("daily limit of %d reached", s.cfg.MaxRetrainingsPerDay), nil
	}

	if st.LastRetrainingAt != nil {
		cooldown := time.Duration(s.cfg.CooldownHours) * time.Hour
		if since := now.Sub(*st.LastRetrainingAt); since < cooldown {
			return false, fmt.Sprintf("cooldown: %s since last retraining, need %s", since.Round(time.Minute), cooldown), nil
		}
	}
	return true, "", nil
}

// TriggerManualRetraining runs a retraining immediately, bypassing
// trigger evaluation and the automatic rate limits. The mutual
// exclusion flag still applies: a run in progress fails fast with
// ErrAlreadyInProgress.
func (s *Scheduler) TriggerManualRetraining(ctx context.Context, opts RetrainOptions) (*RunOutcome, error) {
	if opts.Description == "" {
		opts.Description = "manual retraining"
	}
	out, err := s.execute(ctx, "manual", opts)
	if err != nil && !errors.Is(err, ErrAlreadyInProgress) {
		s.recordFailure(ctx, err)
	}
	return out, err
}

// execute runs one retraining under the mutual-exclusion flag.
func (s *Scheduler) execute(ctx context.Context, mode string, opts RetrainOptions) (*RunOutcome, error) {
	if !s.inProgress.CompareAndSwap(false, true) {
		retrainingsTotal.WithLabelValues(mode, "conflict").Inc()
		return nil, ErrAlreadyInProgress
	}
	defer s.inProgress.Store(false)

	// An admitted run is never interrupted: not by Stop cancelling the
	// loop context, not by the manual caller disconnecting. Crash
	// recovery covers hard failures via the durable flag below.
	ctx = context.WithoutCancel(ctx)

	ctx, span := schedulerTracer.Start(ctx, "retrain.Execute")
	defer span.End()
	span.SetAttributes(attribute.String("retrain.mode", mode))

	// Durable flag first: a crash mid-training must be visible after
	// restart.
	if err := s.mutateState(ctx, func(st *State) { st.RetrainingInProgress = true }); err != nil {
		return nil, err
	}
	retrainingInProgress.Set(1)
	defer func() {
		retrainingInProgress.Set(0)
		now := s.clk.Now()
		day := now.UTC().Format("2006-01-02")
		if err := s.mutateState(ctx, func(st *State) {
			st.RetrainingInProgress = false
			st.LastRetrainingAt = &now
			if mode == "auto" {
				if st.RetrainsDay != day {
					st.RetrainsDay = day
					st.RetrainsToday = 0
				}
				st.RetrainsToday++
			}
		}); err != nil {
			s.logger.Error("persist scheduler state after retraining failed", "error", err)
		}
	}()

	datasetRef := ""
	if s.preparer != nil {
		ds, err := s.preparer.PrepareDataset(ctx, opts.Dataset)
		if err != nil {
			retrainingsTotal.WithLabelValues(mode, "failure").Inc()
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("prepare dataset: %w", err)
		}
		datasetRef = ds.Path
		s.logger.Info("training dataset prepared", "path", ds.Path, "classes", len(ds.ClassCounts))
	}

	events := make(chan classifier.TrainingEvent, 16)
	go func() {
		for ev := range events {
			s.logger.Debug("training progress",
				"epoch", ev.Epoch,
				"loss", ev.Loss,
				"accuracy", ev.Accuracy)
		}
	}()

	result, err := s.retrainer.Retrain(ctx, datasetRef, opts.Hyperparams, events)
	if err != nil {
		retrainingsTotal.WithLabelValues(mode, "failure").Inc()
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("retraining run: %w", err)
	}
	retrainingsTotal.WithLabelValues(mode, "success").Inc()
	s.logger.Info("retraining completed",
		"mode", mode,
		"accuracy", result.Accuracy,
		"loss", result.Loss,
		"duration", result.Duration)

	out := &RunOutcome{Result: result}
	if s.cfg.RegisterVersions && s.versions != nil && result.ArtifactRef != "" {
		mv, verr := s.versions.ImportVersion(ctx, result.ArtifactRef, version.CreateInfo{
			Description: opts.Description,
			ChangeType:  version.ChangeMinor,
			Performance: version.Performance{Accuracy: result.Accuracy, Loss: result.Loss},
		})
		if verr != nil {
			return out, fmt.Errorf("register trained version: %w", verr)
		}
		out.NewVersion = mv.Version
		span.SetAttributes(attribute.String("retrain.version", mv.Version))

		if s.cfg.FollowUpExperiment && s.experiments != nil {
			if expID, eerr := s.startFollowUp(ctx, mv.Version); eerr != nil {
				s.logger.Error("follow-up experiment creation failed", "error", eerr)
			} else {
				out.ExperimentID = expID
			}
		}
	}
	return out, nil
}

// startFollowUp opens an A/B experiment pitting the deployed version
// against the freshly trained one.
func (s *Scheduler) startFollowUp(ctx context.Context, newVersion string) (string, error) {
	current, err := s.versions.CurrentVersion(ctx)
	if err != nil {
		return "", err
	}
	if current == "" {
		return "", fmt.Errorf("no deployed version to compare against")
	}
	return s.experiments.CreateExperiment(ctx, experiment.Config{
		Name:   fmt.Sprintf("retrain %s vs %s", current, newVersion),
		ModelA: current,
		ModelB: newVersion,
	})
}

// recordFailure appends a RETRAINING_FAILED entry to the trigger
// history. Failures here are logged only; history bookkeeping must
// never mask the original error.
func (s *Scheduler) recordFailure(ctx context.Context, cause error) {
	tr := Trigger{
		Type:      TriggerRetrainingFailed,
		Reason:    cause.Error(),
		Priority:  PriorityHigh,
		Timestamp: s.clk.Now(),
	}
	if err := s.appendTrigger(context.WithoutCancel(ctx), tr); err != nil {
		s.logger.Error("record retraining failure trigger failed", "error", err)
	}
}

// appendTrigger persists one trigger and prunes the ring beyond the
// history limit, oldest first.
func (s *Scheduler) appendTrigger(ctx context.Context, tr Trigger) error {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	key := fmt.Sprintf("%s%08d", triggerPrefix, s.nextSeq)
	if err := s.db.PutJSON(ctx, key, &tr); err != nil {
		return fmt.Errorf("persist trigger: %w", err)
	}
	s.nextSeq++
	triggersFired.WithLabelValues(string(tr.Type)).Inc()

	if excess := s.nextSeq - s.cfg.TriggerHistoryLimit; excess > 0 {
		// Keys are zero-padded, so scan order is append order; delete
		// everything below the retention floor.
		var stale []string
		err := s.db.ScanJSON(ctx, triggerPrefix, func(k string, _ []byte) error {
			if seq, serr := parseSeq(k); serr == nil && seq < excess {
				stale = append(stale, k)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if derr := s.db.Delete(ctx, k); derr != nil {
				return derr
			}
		}
	}
	return nil
}

// TriggerHistory returns persisted triggers, oldest first.
func (s *Scheduler) TriggerHistory(ctx context.Context) ([]*Trigger, error) {
	var out []*Trigger
	err := s.db.ScanJSON(ctx, triggerPrefix, func(_ string, data []byte) error {
		var tr Trigger
		if uerr := json.Unmarshal(data, &tr); uerr != nil {
			return uerr
		}
		out = append(out, &tr)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Status returns the persisted scheduler state plus the live
// in-progress flag, next check time, and remaining cooldown.
func (s *Scheduler) Status(ctx context.Context) (*StatusInfo, error) {
	st, err := s.loadState(ctx)
	if err != nil {
		return nil, err
	}
	st.IsRunning = s.IsRunning()
	st.RetrainingInProgress = s.inProgress.Load()

	info := &StatusInfo{State: *st}
	if st.IsRunning && st.LastCheck != nil {
		next := st.LastCheck.Add(s.cfg.CheckInterval)
		info.NextCheck = &next
	}
	if st.LastRetrainingAt != nil {
		cooldown := time.Duration(s.cfg.CooldownHours) * time.Hour
		if remaining := cooldown - s.clk.Now().Sub(*st.LastRetrainingAt); remaining > 0 {
			info.CooldownRemaining = remaining
		}
	}
	return info, nil
}

func (s *Scheduler) loadState(ctx context.Context) (*State, error) {
	var st State
	err := s.db.GetJSON(ctx, stateKey, &st)
	if err != nil && !errors.Is(err, storagebadger.ErrKeyNotFound) {
		return nil, err
	}
	return &st, nil
}

// mutateState applies fn to the persisted state under the state lock.
func (s *Scheduler) mutateState(ctx context.Context, fn func(*State)) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st, err := s.loadState(ctx)
	if err != nil {
		return err
	}
	fn(st)
	if err := s.db.PutJSON(ctx, stateKey, st); err != nil {
		return fmt.Errorf("persist scheduler state: %w", err)
	}
	return nil
}
