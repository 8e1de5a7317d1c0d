// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package version

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianVision/services/modelops/clock"
	storagebadger "github.com/AleutianAI/AleutianVision/services/modelops/storage/badger"
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	deploymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelops_deployments_total",
		Help: "Deployment attempts by strategy and status",
	}, []string{"strategy", "status"})

	rollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelops_rollbacks_total",
		Help: "Rollback operations by status",
	}, []string{"status"})

	backupSizeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modelops_backup_size_bytes",
		Help: "Size of the most recent artifact backup in bytes",
	})

	deployDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "modelops_deploy_duration_seconds",
		Help:    "Time to complete a deployment attempt",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"status"})
)

var storeTracer = otel.Tracer("modelops.version")

// -----------------------------------------------------------------------------
// Persistence Keys
// -----------------------------------------------------------------------------

const (
	versionPrefix    = "modelversion/"
	currentKey       = "modelversion-current"
	deploymentPrefix = "deployment/"
	backupPrefix     = "backup/"
)

// currentPointer is the persisted currently-deployed-version document.
type currentPointer struct {
	Version string `json:"currentVersion"`
}

// BackupInfo describes one artifact backup.
type BackupInfo struct {
	Tag       string    `json:"tag"`
	Path      string    `json:"path"`
	Reason    string    `json:"reason"`
	SizeBytes int64     `json:"sizeBytes"`
	CreatedAt time.Time `json:"createdAt"`
}

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

// DeployOptions controls a deployment attempt.
type DeployOptions struct {
	// Backup snapshots the active artifact before the swap. Default true.
	Backup bool

	// BackupReason tags the pre-deployment backup.
	BackupReason string

	// RollbackOnFailure restores the backup when the swap or a later
	// step fails. Default true.
	RollbackOnFailure bool

	// Strategy recorded on the deployment history entry.
	Strategy Strategy

	// TriggeredBy records what initiated the deployment.
	TriggeredBy TriggeredBy

	// ForceOverride marks deployments that bypassed evaluation gates.
	ForceOverride bool
}

// DefaultDeployOptions returns the standard options: backup first,
// rollback on failure, replace strategy, manual trigger.
func DefaultDeployOptions() DeployOptions {
	return DeployOptions{
		Backup:            true,
		BackupReason:      "pre-deployment",
		RollbackOnFailure: true,
		Strategy:          StrategyReplace,
		TriggeredBy:       TriggeredManual,
	}
}

// CreateInfo describes a version to be snapshotted from the active
// artifact.
type CreateInfo struct {
	Description string      `json:"description"`
	ChangeType  ChangeType  `json:"changeType"`
	Performance Performance `json:"performance"`
}

// Store owns versioned model artifacts, backups, and the deploy and
// rollback primitives.
//
// Description:
//
//	The currently-deployed-version pointer is a point of system-wide
//	mutual exclusion: deployments are serialized under a single lock,
//	and a deployment arriving while another is in flight is rejected
//	with ErrConflict rather than queued. Every metadata mutation is
//	written durably before the in-memory view advances.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db        *storagebadger.Store
	artifacts *Artifacts
	clk       clock.Clock
	logger    *slog.Logger

	deployMu sync.Mutex

	seqMu   sync.Mutex
	nextSeq int
}

// NewStore creates a version store over the given database and artifact
// directory.
//
// Inputs:
//   - db: Durable document store. Must not be nil.
//   - artifacts: Artifact slot manager. Must not be nil.
//   - clk: Time source. If nil, the system clock is used.
//   - logger: Structured logger. If nil, slog.Default() is used.
//
// Outputs:
//   - *Store: The store, with the deployment sequence recovered from
//     the history.
//   - error: Non-nil if the history scan fails.
func NewStore(ctx context.Context, db *storagebadger.Store, artifacts *Artifacts, clk clock.Clock, logger *slog.Logger) (*Store, error) {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, artifacts: artifacts, clk: clk, logger: logger}

	count := 0
	err := db.ScanJSON(ctx, deploymentPrefix, func(string, []byte) error {
		count++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recover deployment sequence: %w", err)
	}
	s.nextSeq = count + 1
	return s, nil
}

// EnsureInitialized registers a baseline 1.0.0 version from the active
// artifact when the store is empty. Idempotent.
func (s *Store) EnsureInitialized(ctx context.Context, perf Performance) error {
	current, err := s.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if current != "" {
		return nil
	}

	const initial = "1.0.0"
	size, err := s.artifacts.SnapshotActive(initial)
	if err != nil {
		return fmt.Errorf("snapshot baseline artifact: %w", err)
	}
	now := s.clk.Now()
	mv := &ModelVersion{
		Version:     initial,
		CreatedAt:   now,
		Description: "initial model",
		ChangeType:  ChangeMajor,
		Status:      StatusDeployed,
		Performance: perf,
		SizeBytes:   size,
	}
	if err := s.db.PutJSON(ctx, versionPrefix+initial, mv); err != nil {
		return fmt.Errorf("persist baseline version: %w", err)
	}
	if err := s.db.PutJSON(ctx, currentKey, currentPointer{Version: initial}); err != nil {
		return fmt.Errorf("persist current pointer: %w", err)
	}
	rec := &DeploymentRecord{
		ID:          uuid.NewString(),
		Version:     initial,
		Strategy:    StrategyReplace,
		DeployedAt:  now,
		Success:     true,
		TriggeredBy: TriggeredManual,
	}
	if err := s.appendRecord(ctx, rec); err != nil {
		return err
	}
	s.logger.Info("version store initialized", "version", initial)
	return nil
}

// CurrentVersion returns the currently deployed version, or empty string
// for an uninitialized store.
func (s *Store) CurrentVersion(ctx context.Context) (string, error) {
	var ptr currentPointer
	err := s.db.GetJSON(ctx, currentKey, &ptr)
	if err != nil {
		if errors.Is(err, storagebadger.ErrKeyNotFound) {
			return "", nil
		}
		return "", err
	}
	return ptr.Version, nil
}

// ActiveArtifactPath returns the filesystem path of the live model
// artifact. Used by deployment verification.
func (s *Store) ActiveArtifactPath() string {
	return s.artifacts.ActivePath()
}

// GetVersion loads version metadata.
//
// Outputs:
//
//	error - ErrNotFound for unknown versions.
func (s *Store) GetVersion(ctx context.Context, v string) (*ModelVersion, error) {
	var mv ModelVersion
	err := s.db.GetJSON(ctx, versionPrefix+v, &mv)
	if err != nil {
		if errors.Is(err, storagebadger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &mv, nil
}

// ListVersions returns all version metadata, newest semver first.
func (s *Store) ListVersions(ctx context.Context) ([]*ModelVersion, error) {
	var out []*ModelVersion
	err := s.db.ScanJSON(ctx, versionPrefix, func(_ string, value []byte) error {
		var mv ModelVersion
		if err := json.Unmarshal(value, &mv); err != nil {
			return fmt.Errorf("decode version: %w", err)
		}
		out = append(out, &mv)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return compareVersions(out[i].Version, out[j].Version) > 0
	})
	return out, nil
}

// GenerateNextVersion returns the version string a createVersion call
// would produce for changeType.
//
// The bump is computed from the highest registered version so that two
// consecutive creates can never collide.
func (s *Store) GenerateNextVersion(ctx context.Context, changeType ChangeType) (string, error) {
	versions, err := s.ListVersions(ctx)
	if err != nil {
		return "", err
	}
	if len(versions) == 0 {
		return "1.0.0", nil
	}
	return NextVersion(versions[0].Version, changeType)
}

// CreateVersion snapshots the active artifact as a new version.
//
// Description:
//
//	Copies the active artifact into a version-tagged slot, writes the
//	metadata (performance snapshot, parent version, description) with
//	status created, and leaves the deployed version untouched.
//
// Outputs:
//
//	*ModelVersion - The registered version.
//	error - Non-nil if the snapshot or the metadata write fails.
func (s *Store) CreateVersion(ctx context.Context, info CreateInfo) (*ModelVersion, error) {
	if info.ChangeType == "" {
		info.ChangeType = ChangePatch
	}
	next, err := s.GenerateNextVersion(ctx, info.ChangeType)
	if err != nil {
		return nil, err
	}
	parent, err := s.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}

	size, err := s.artifacts.SnapshotActive(next)
	if err != nil {
		return nil, fmt.Errorf("snapshot artifact: %w", err)
	}

	mv := &ModelVersion{
		Version:       next,
		CreatedAt:     s.clk.Now(),
		Description:   info.Description,
		ChangeType:    info.ChangeType,
		Status:        StatusCreated,
		ParentVersion: parent,
		Performance:   info.Performance,
		SizeBytes:     size,
	}
	if err := s.db.PutJSON(ctx, versionPrefix+next, mv); err != nil {
		// Snapshot without metadata is unreachable garbage; drop it.
		_ = s.artifacts.DeleteVersion(next)
		return nil, fmt.Errorf("persist version: %w", err)
	}

	s.logger.Info("version created",
		"version", next,
		"parent", parent,
		"change_type", string(info.ChangeType),
		"size_bytes", size)
	return mv, nil
}

// ImportVersion registers an externally produced artifact as a new
// version. The retraining path uses this: the trained artifact is not
// the active one, so snapshotting would capture the wrong bytes.
//
// Outputs:
//
//	*ModelVersion - The registered version, status created.
//	error - Non-nil if the copy or the metadata write fails.
func (s *Store) ImportVersion(ctx context.Context, srcPath string, info CreateInfo) (*ModelVersion, error) {
	if info.ChangeType == "" {
		info.ChangeType = ChangeMinor
	}
	next, err := s.GenerateNextVersion(ctx, info.ChangeType)
	if err != nil {
		return nil, err
	}
	parent, err := s.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}

	size, err := s.artifacts.ImportVersion(next, srcPath)
	if err != nil {
		return nil, fmt.Errorf("import artifact: %w", err)
	}

	mv := &ModelVersion{
		Version:       next,
		CreatedAt:     s.clk.Now(),
		Description:   info.Description,
		ChangeType:    info.ChangeType,
		Status:        StatusCreated,
		ParentVersion: parent,
		Performance:   info.Performance,
		SizeBytes:     size,
	}
	if err := s.db.PutJSON(ctx, versionPrefix+next, mv); err != nil {
		_ = s.artifacts.DeleteVersion(next)
		return nil, fmt.Errorf("persist version: %w", err)
	}

	s.logger.Info("version imported",
		"version", next,
		"parent", parent,
		"source", srcPath,
		"size_bytes", size)
	return mv, nil
}

// CreateBackup copies the active artifact into a timestamped,
// reason-tagged backup and records its metadata.
//
// Outputs:
//
//	*BackupInfo - The recorded backup. Never referenced unless the
//	              copy completed in full.
func (s *Store) CreateBackup(ctx context.Context, reason string) (*BackupInfo, error) {
	ctx, span := storeTracer.Start(ctx, "version.CreateBackup")
	defer span.End()

	now := s.clk.Now()
	tag := now.UTC().Format("20060102T150405.000000000") + "_" + sanitizeTag(reason)
	path, size, err := s.artifacts.Backup(tag)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("backup artifact: %w", err)
	}

	info := &BackupInfo{
		Tag:       tag,
		Path:      path,
		Reason:    reason,
		SizeBytes: size,
		CreatedAt: now,
	}
	if err := s.db.PutJSON(ctx, backupPrefix+tag, info); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("persist backup metadata: %w", err)
	}
	backupSizeGauge.Set(float64(size))
	span.SetAttributes(attribute.String("backup.tag", tag), attribute.Int64("backup.size_bytes", size))
	return info, nil
}

// ListBackups returns all recorded backups, oldest first.
func (s *Store) ListBackups(ctx context.Context) ([]*BackupInfo, error) {
	var out []*BackupInfo
	err := s.db.ScanJSON(ctx, backupPrefix, func(_ string, value []byte) error {
		var b BackupInfo
		if err := json.Unmarshal(value, &b); err != nil {
			return fmt.Errorf("decode backup: %w", err)
		}
		out = append(out, &b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RestoreFromBackup replaces the active artifact with a backup's bytes
// and records a rollback entry in the deployment history.
func (s *Store) RestoreFromBackup(ctx context.Context, backupPath string) error {
	if err := s.artifacts.Restore(backupPath); err != nil {
		rollbacksTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("%w: %v", ErrRollbackFailed, err)
	}
	rollbacksTotal.WithLabelValues("success").Inc()

	current, err := s.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	rec := &DeploymentRecord{
		ID:          uuid.NewString(),
		Version:     current,
		Strategy:    StrategyReplace,
		DeployedAt:  s.clk.Now(),
		BackupPath:  backupPath,
		Success:     true,
		TriggeredBy: TriggeredManual,
		Rollback:    true,
	}
	return s.appendRecord(ctx, rec)
}

// DeployVersion makes a registered version the active one.
//
// Description:
//
//	Protocol: optional pre-deployment backup, artifact swap (direct
//	promote for replace/canary, stage-then-flip for blue-green), status
//	flips (target -> deployed, previous -> archived), current pointer
//	update, history append. On a swap failure with RollbackOnFailure
//	the backup is restored and a failed record is written; the current
//	pointer is left unchanged in that case. A rollback failure is
//	logged and never masks the deployment error.
//
// Outputs:
//
//	*DeploymentRecord - The history entry for this attempt.
//	error - ErrNotFound for unknown versions, ErrConflict when another
//	        deployment is in flight, ErrDeploymentFailed (wrapped) on
//	        swap failure.
func (s *Store) DeployVersion(ctx context.Context, v string, opts DeployOptions) (*DeploymentRecord, error) {
	if !s.deployMu.TryLock() {
		return nil, ErrConflict
	}
	defer s.deployMu.Unlock()
	return s.deployLocked(ctx, v, opts, false)
}

func (s *Store) deployLocked(ctx context.Context, v string, opts DeployOptions, rollback bool) (*DeploymentRecord, error) {
	ctx, span := storeTracer.Start(ctx, "version.DeployVersion")
	defer span.End()
	span.SetAttributes(
		attribute.String("deploy.version", v),
		attribute.String("deploy.strategy", string(opts.Strategy)),
	)
	start := time.Now()

	if opts.Strategy == "" {
		opts.Strategy = StrategyReplace
	}
	if opts.TriggeredBy == "" {
		opts.TriggeredBy = TriggeredManual
	}

	target, err := s.GetVersion(ctx, v)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	previous, err := s.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}

	rec := &DeploymentRecord{
		ID:              uuid.NewString(),
		Version:         v,
		PreviousVersion: previous,
		Strategy:        opts.Strategy,
		DeployedAt:      s.clk.Now(),
		TriggeredBy:     opts.TriggeredBy,
		Rollback:        rollback,
		ForceOverride:   opts.ForceOverride,
	}

	if opts.Backup {
		backup, err := s.CreateBackup(ctx, opts.BackupReason)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			deploymentsTotal.WithLabelValues(string(opts.Strategy), "failure").Inc()
			return nil, err
		}
		rec.BackupPath = backup.Path
	}

	swapErr := s.swapArtifact(v, opts.Strategy)
	if swapErr != nil {
		s.recoverFailedSwap(ctx, rec, opts, swapErr)
		deploymentsTotal.WithLabelValues(string(opts.Strategy), "failure").Inc()
		deployDurationHistogram.WithLabelValues("failure").Observe(time.Since(start).Seconds())
		span.SetStatus(codes.Error, swapErr.Error())
		return rec, fmt.Errorf("%w: %v", ErrDeploymentFailed, swapErr)
	}

	// Swap succeeded: flip statuses and advance the pointer.
	target.Status = StatusDeployed
	if err := s.db.PutJSON(ctx, versionPrefix+v, target); err != nil {
		return nil, fmt.Errorf("persist deployed status: %w", err)
	}
	if previous != "" && previous != v {
		if prev, err := s.GetVersion(ctx, previous); err == nil {
			prev.Status = StatusArchived
			if err := s.db.PutJSON(ctx, versionPrefix+previous, prev); err != nil {
				return nil, fmt.Errorf("persist archived status: %w", err)
			}
		}
	}
	if err := s.db.PutJSON(ctx, currentKey, currentPointer{Version: v}); err != nil {
		return nil, fmt.Errorf("persist current pointer: %w", err)
	}

	rec.Success = true
	if err := s.appendRecord(ctx, rec); err != nil {
		return nil, err
	}
	deploymentsTotal.WithLabelValues(string(opts.Strategy), "success").Inc()
	deployDurationHistogram.WithLabelValues("success").Observe(time.Since(start).Seconds())

	s.logger.Info("version deployed",
		"version", v,
		"previous", previous,
		"strategy", string(opts.Strategy),
		"triggered_by", string(opts.TriggeredBy))
	return rec, nil
}

// swapArtifact replaces the active artifact per the strategy.
func (s *Store) swapArtifact(v string, strategy Strategy) error {
	if strategy == StrategyBlueGreen {
		if err := s.artifacts.StageVersion(v); err != nil {
			return err
		}
		return s.artifacts.ActivateStaged()
	}
	return s.artifacts.PromoteVersion(v)
}

// recoverFailedSwap restores the backup after a failed swap and appends
// the failed history entry. The current-version pointer has not moved.
func (s *Store) recoverFailedSwap(ctx context.Context, rec *DeploymentRecord, opts DeployOptions, swapErr error) {
	rec.Success = false
	rec.Error = swapErr.Error()

	if opts.RollbackOnFailure && rec.BackupPath != "" {
		if err := s.artifacts.Restore(rec.BackupPath); err != nil {
			// Secondary failure: surfaced in history, never masks swapErr.
			rollbacksTotal.WithLabelValues("failure").Inc()
			rec.Error = fmt.Sprintf("%s (rollback failed: %s)", swapErr, err)
			s.logger.Error("rollback after failed deployment failed",
				"version", rec.Version,
				"backup", rec.BackupPath,
				"error", err)
		} else {
			rollbacksTotal.WithLabelValues("success").Inc()
			s.logger.Warn("deployment failed, backup restored",
				"version", rec.Version,
				"backup", rec.BackupPath,
				"error", swapErr)
		}
	}

	if err := s.appendRecord(ctx, rec); err != nil {
		s.logger.Error("failed to record deployment failure", "error", err)
	}
}

// RollbackToPreviousVersion redeploys the most recent successful
// deployment before the current one.
//
// Outputs:
//
//	*DeploymentRecord - The rollback deployment entry.
//	error - ErrNoPriorVersion with fewer than two successful
//	        deployments on record; ErrConflict when a deployment is
//	        in flight.
func (s *Store) RollbackToPreviousVersion(ctx context.Context, reason string) (*DeploymentRecord, error) {
	if !s.deployMu.TryLock() {
		return nil, ErrConflict
	}
	defer s.deployMu.Unlock()

	history, err := s.DeploymentHistory(ctx)
	if err != nil {
		return nil, err
	}
	var successes []*DeploymentRecord
	for _, rec := range history {
		if rec.Success && !rec.Rollback {
			successes = append(successes, rec)
		}
	}
	if len(successes) < 2 {
		return nil, ErrNoPriorVersion
	}
	target := successes[len(successes)-2].Version

	opts := DefaultDeployOptions()
	opts.BackupReason = "rollback: " + reason
	rec, err := s.deployLocked(ctx, target, opts, true)
	if err != nil {
		return rec, err
	}
	s.logger.Info("rolled back to previous version", "version", target, "reason", reason)
	return rec, nil
}

// DeploymentHistory returns the append-only history, oldest first.
func (s *Store) DeploymentHistory(ctx context.Context) ([]*DeploymentRecord, error) {
	var out []*DeploymentRecord
	err := s.db.ScanJSON(ctx, deploymentPrefix, func(_ string, value []byte) error {
		var rec DeploymentRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode deployment record: %w", err)
		}
		out = append(out, &rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CleanupOldVersions removes old version snapshots beyond keepCount.
//
// Description:
//
//	Retains the keepCount most recently created versions. The currently
//	deployed version and the current-pointer target are never removed,
//	even outside that window. Cleaned + Kept always equals the total
//	version count before the pass.
func (s *Store) CleanupOldVersions(ctx context.Context, keepCount int) (CleanupResult, error) {
	versions, err := s.ListVersions(ctx)
	if err != nil {
		return CleanupResult{}, err
	}
	current, err := s.CurrentVersion(ctx)
	if err != nil {
		return CleanupResult{}, err
	}

	byCreation := make([]*ModelVersion, len(versions))
	copy(byCreation, versions)
	sort.Slice(byCreation, func(i, j int) bool {
		return byCreation[i].CreatedAt.After(byCreation[j].CreatedAt)
	})

	result := CleanupResult{}
	for i, mv := range byCreation {
		protected := mv.Version == current || mv.Status == StatusDeployed
		if i < keepCount || protected {
			result.Kept++
			continue
		}
		if err := s.db.Delete(ctx, versionPrefix+mv.Version); err != nil {
			return result, fmt.Errorf("delete version metadata: %w", err)
		}
		if err := s.artifacts.DeleteVersion(mv.Version); err != nil {
			return result, fmt.Errorf("delete version artifact: %w", err)
		}
		result.Cleaned++
	}

	s.logger.Info("version cleanup finished",
		"kept", result.Kept,
		"cleaned", result.Cleaned,
		"keep_count", keepCount)
	return result, nil
}

// DeleteVersion removes a single version snapshot and its artifact.
//
// Description:
//
//	Explicit single-version removal, unlike CleanupOldVersions which
//	skips protected versions silently. The current-pointer target and
//	the deployed version are refused outright.
//
// Outputs:
//
//	error - ErrNotFound for unknown versions, ErrProtectedVersion when
//	        the version is current or deployed, ErrConflict while a
//	        deployment is in flight.
func (s *Store) DeleteVersion(ctx context.Context, v string) error {
	if !s.deployMu.TryLock() {
		return ErrConflict
	}
	defer s.deployMu.Unlock()

	mv, err := s.GetVersion(ctx, v)
	if err != nil {
		return err
	}
	current, err := s.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if mv.Version == current || mv.Status == StatusDeployed {
		return fmt.Errorf("%w: %s", ErrProtectedVersion, mv.Version)
	}

	if err := s.db.Delete(ctx, versionPrefix+mv.Version); err != nil {
		return fmt.Errorf("delete version metadata: %w", err)
	}
	if err := s.artifacts.DeleteVersion(mv.Version); err != nil {
		return fmt.Errorf("delete version artifact: %w", err)
	}

	s.logger.Info("version deleted", "version", mv.Version)
	return nil
}

// appendRecord writes the next history entry. Entries are keyed by a
// monotonically increasing sequence so key order is append order.
func (s *Store) appendRecord(ctx context.Context, rec *DeploymentRecord) error {
	s.seqMu.Lock()
	seq := s.nextSeq
	s.nextSeq++
	s.seqMu.Unlock()

	key := fmt.Sprintf("%s%08d", deploymentPrefix, seq)
	if err := s.db.PutJSON(ctx, key, rec); err != nil {
		return fmt.Errorf("append deployment record: %w", err)
	}
	return nil
}

// sanitizeTag makes a reason safe for use in a path segment.
func sanitizeTag(reason string) string {
	if reason == "" {
		return "backup"
	}
	r := strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			return c
		default:
			return '-'
		}
	}, reason)
	if len(r) > 48 {
		r = r[:48]
	}
	return r
}
