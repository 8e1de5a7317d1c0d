// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/AleutianAI/AleutianVision/services/modelops/storage/badger"
)

// -----------------------------------------------------------------------------
// Persistence
// -----------------------------------------------------------------------------

const (
	experimentPrefix = "experiment/"
	assignmentPrefix = "assignment/"
)

// Store persists experiments and assignments in the lifecycle store.
//
// Every mutation is written through before the caller's in-memory state
// is considered committed.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db *badger.Store
}

// NewStore creates an experiment store over the given database.
func NewStore(db *badger.Store) *Store {
	return &Store{db: db}
}

func experimentKey(id string) string {
	return experimentPrefix + id
}

func assignmentKey(experimentID, userID string) string {
	return assignmentPrefix + experimentID + "/" + userID
}

// SaveExperiment writes the experiment document durably.
func (s *Store) SaveExperiment(ctx context.Context, exp *Experiment) error {
	return s.db.PutJSON(ctx, experimentKey(exp.ID), exp)
}

// GetExperiment loads an experiment by id.
//
// Outputs:
//
//	*Experiment - The stored document.
//	error - ErrNotFound if the id is unknown.
func (s *Store) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	var exp Experiment
	err := s.db.GetJSON(ctx, experimentKey(id), &exp)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &exp, nil
}

// ListExperiments returns all experiments ordered by start time,
// oldest first.
func (s *Store) ListExperiments(ctx context.Context) ([]*Experiment, error) {
	var out []*Experiment
	err := s.db.ScanJSON(ctx, experimentPrefix, func(_ string, value []byte) error {
		var exp Experiment
		if err := json.Unmarshal(value, &exp); err != nil {
			return fmt.Errorf("decode experiment: %w", err)
		}
		out = append(out, &exp)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out, nil
}

// DeleteExperiment removes the experiment document and every assignment
// recorded for it.
func (s *Store) DeleteExperiment(ctx context.Context, id string) error {
	if err := s.db.Delete(ctx, experimentKey(id)); err != nil {
		return err
	}
	_, err := s.db.DeletePrefix(ctx, assignmentPrefix+id+"/")
	return err
}

// SaveAssignment writes an assignment document durably.
func (s *Store) SaveAssignment(ctx context.Context, a *Assignment) error {
	return s.db.PutJSON(ctx, assignmentKey(a.ExperimentID, a.UserID), a)
}

// GetAssignment loads the assignment for (experiment, user).
//
// Outputs:
//
//	*Assignment - The stored document, or nil if the user has not been
//	              assigned in this experiment.
func (s *Store) GetAssignment(ctx context.Context, experimentID, userID string) (*Assignment, error) {
	var a Assignment
	err := s.db.GetJSON(ctx, assignmentKey(experimentID, userID), &a)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// ListAssignments returns every assignment for an experiment.
func (s *Store) ListAssignments(ctx context.Context, experimentID string) ([]*Assignment, error) {
	var out []*Assignment
	err := s.db.ScanJSON(ctx, assignmentPrefix+experimentID+"/", func(_ string, value []byte) error {
		var a Assignment
		if err := json.Unmarshal(value, &a); err != nil {
			return fmt.Errorf("decode assignment: %w", err)
		}
		out = append(out, &a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
