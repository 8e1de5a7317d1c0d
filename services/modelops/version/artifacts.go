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
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// artifactFile is the model artifact filename within each slot.
const artifactFile = "model.bin"

// Artifacts manages the on-disk model artifact slots.
//
// Layout under the root directory:
//
//	active/model.bin        The artifact serving traffic.
//	staging/model.bin       Blue-green staging slot.
//	versions/<v>/model.bin  Immutable per-version snapshots.
//	backups/<tag>/model.bin Timestamped pre-deployment backups.
//
// Every copy is all-or-nothing: bytes land in a temp file which is
// fsynced and renamed into place, and a partial copy is reported as a
// failure rather than left referenced.
//
// Thread Safety: Not internally synchronized; the Store serializes
// artifact mutations under its deployment lock.
type Artifacts struct {
	root string
}

// NewArtifacts creates the artifact manager rooted at dir, creating the
// slot directories as needed.
func NewArtifacts(dir string) (*Artifacts, error) {
	for _, sub := range []string{"active", "staging", "versions", "backups"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0750); err != nil {
			return nil, fmt.Errorf("create artifact directory: %w", err)
		}
	}
	return &Artifacts{root: dir}, nil
}

// ActivePath returns the path of the active artifact.
func (a *Artifacts) ActivePath() string {
	return filepath.Join(a.root, "active", artifactFile)
}

// StagingPath returns the path of the blue-green staging slot.
func (a *Artifacts) StagingPath() string {
	return filepath.Join(a.root, "staging", artifactFile)
}

// VersionPath returns the snapshot path for a version.
func (a *Artifacts) VersionPath(v string) string {
	return filepath.Join(a.root, "versions", v, artifactFile)
}

// BackupPath returns the artifact path inside a backup tagged tag.
func (a *Artifacts) BackupPath(tag string) string {
	return filepath.Join(a.root, "backups", tag, artifactFile)
}

// WriteActive replaces the active artifact contents. Used at bootstrap
// and by tests to seed an artifact.
func (a *Artifacts) WriteActive(data []byte) error {
	return a.writeAtomic(a.ActivePath(), data)
}

// SnapshotActive copies the active artifact into the version slot.
//
// Outputs:
//
//	int64 - Size in bytes of the snapshot.
//	error - Non-nil if the copy fails; no partial snapshot remains valid.
func (a *Artifacts) SnapshotActive(v string) (int64, error) {
	return a.copy(a.ActivePath(), a.VersionPath(v))
}

// ImportVersion copies an externally produced artifact into the version
// slot. Used when registering a freshly trained model that is not the
// active artifact.
func (a *Artifacts) ImportVersion(v, srcPath string) (int64, error) {
	return a.copy(srcPath, a.VersionPath(v))
}

// PromoteVersion replaces the active artifact with a version snapshot.
func (a *Artifacts) PromoteVersion(v string) error {
	if _, err := a.copy(a.VersionPath(v), a.ActivePath()); err != nil {
		return err
	}
	return nil
}

// StageVersion copies a version snapshot into the staging slot.
func (a *Artifacts) StageVersion(v string) error {
	if _, err := a.copy(a.VersionPath(v), a.StagingPath()); err != nil {
		return err
	}
	return nil
}

// ActivateStaged atomically swaps the staged artifact into the active
// slot. The rename is the flip; the staged file ceases to exist.
func (a *Artifacts) ActivateStaged() error {
	if _, err := os.Stat(a.StagingPath()); err != nil {
		return fmt.Errorf("staged artifact missing: %w", err)
	}
	if err := os.Rename(a.StagingPath(), a.ActivePath()); err != nil {
		return fmt.Errorf("activate staged artifact: %w", err)
	}
	return nil
}

// Backup copies the active artifact into a tagged backup location.
//
// Outputs:
//
//	string - The backup artifact path.
//	int64 - Size in bytes.
//	error - Non-nil if the copy fails.
func (a *Artifacts) Backup(tag string) (string, int64, error) {
	dest := a.BackupPath(tag)
	size, err := a.copy(a.ActivePath(), dest)
	if err != nil {
		return "", 0, err
	}
	return dest, size, nil
}

// Restore replaces the active artifact with a backup's contents.
func (a *Artifacts) Restore(backupPath string) error {
	if _, err := a.copy(backupPath, a.ActivePath()); err != nil {
		return err
	}
	return nil
}

// DeleteVersion removes a version's snapshot directory.
func (a *Artifacts) DeleteVersion(v string) error {
	return os.RemoveAll(filepath.Join(a.root, "versions", v))
}

// VersionExists reports whether a snapshot is present for v.
func (a *Artifacts) VersionExists(v string) bool {
	_, err := os.Stat(a.VersionPath(v))
	return err == nil
}

// ActiveSize returns the size of the active artifact in bytes.
func (a *Artifacts) ActiveSize() (int64, error) {
	info, err := os.Stat(a.ActivePath())
	if err != nil {
		return 0, fmt.Errorf("stat active artifact: %w", err)
	}
	return info.Size(), nil
}

// copy performs an all-or-nothing file copy from src to dest.
func (a *Artifacts) copy(src, dest string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", src, err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return 0, fmt.Errorf("create %s: %w", filepath.Dir(dest), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".copy-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	written, err := io.Copy(tmp, in)
	if err == nil && written != info.Size() {
		err = errors.New("short copy")
	}
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("copy %s to %s: %w", src, dest, err)
	}

	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("finalize %s: %w", dest, err)
	}
	return written, nil
}

// writeAtomic writes data to path through a temp file and rename.
func (a *Artifacts) writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".write-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("finalize %s: %w", path, err)
	}
	return nil
}
