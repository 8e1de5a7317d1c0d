// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDoc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// TestOpenInMemory verifies in-memory store creation works.
func TestOpenInMemory(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	err = s.PutJSON(ctx, "experiment/abc", testDoc{Name: "exp", Count: 3})
	require.NoError(t, err)

	var got testDoc
	err = s.GetJSON(ctx, "experiment/abc", &got)
	require.NoError(t, err)
	assert.Equal(t, "exp", got.Name)
	assert.Equal(t, 3, got.Count)
}

// TestOpenPersistent verifies documents survive close and reopen.
func TestOpenPersistent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	cfg := DefaultConfig(dir)
	cfg.GCInterval = 0

	s, err := Open(cfg)
	require.NoError(t, err)

	err = s.PutJSON(ctx, "version/1.2.3", testDoc{Name: "v", Count: 1})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(cfg)
	require.NoError(t, err)
	defer s2.Close()

	var got testDoc
	err = s2.GetJSON(ctx, "version/1.2.3", &got)
	require.NoError(t, err)
	assert.Equal(t, "v", got.Name)
}

func TestGetJSONMissingKey(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	var got testDoc
	err = s.GetJSON(context.Background(), "experiment/missing", &got)
	assert.True(t, errors.Is(err, ErrKeyNotFound))
}

func TestDeletePrefix(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.PutJSON(ctx, "assignment/exp1/user1", testDoc{}))
	require.NoError(t, s.PutJSON(ctx, "assignment/exp1/user2", testDoc{}))
	require.NoError(t, s.PutJSON(ctx, "assignment/exp2/user1", testDoc{}))

	deleted, err := s.DeletePrefix(ctx, "assignment/exp1/")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	var got testDoc
	err = s.GetJSON(ctx, "assignment/exp2/user1", &got)
	assert.NoError(t, err)
}

func TestScanJSONOrderAndStop(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.PutJSON(ctx, "deployment/00000001", testDoc{Count: 1}))
	require.NoError(t, s.PutJSON(ctx, "deployment/00000002", testDoc{Count: 2}))
	require.NoError(t, s.PutJSON(ctx, "deployment/00000003", testDoc{Count: 3}))

	var keys []string
	err = s.ScanJSON(ctx, "deployment/", func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"deployment/00000001", "deployment/00000002", "deployment/00000003"}, keys)

	stopErr := errors.New("stop")
	count := 0
	err = s.ScanJSON(ctx, "deployment/", func(string, []byte) error {
		count++
		return stopErr
	})
	assert.True(t, errors.Is(err, stopErr))
	assert.Equal(t, 1, count)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}
