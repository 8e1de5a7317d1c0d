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
	"fmt"

	"github.com/blang/semver/v4"
)

// NextVersion bumps a semver string by changeType.
//
// Description:
//
//	Major bumps reset minor and patch to zero, minor bumps reset patch
//	to zero, patch bumps increment only the patch component. The result
//	is deterministic for a given (current, changeType) pair and strictly
//	greater than current under semver ordering.
//
// Inputs:
//   - current: The current version string, e.g. "1.4.2".
//   - changeType: Which component to bump. Unrecognized values bump patch.
//
// Outputs:
//   - string: The bumped version.
//   - error: Non-nil if current is not valid semver.
//
// Thread Safety: This function is stateless and safe for concurrent use.
func NextVersion(current string, changeType ChangeType) (string, error) {
	v, err := semver.Parse(current)
	if err != nil {
		return "", fmt.Errorf("parse version %q: %w", current, err)
	}
	switch changeType {
	case ChangeMajor:
		v.Major++
		v.Minor = 0
		v.Patch = 0
	case ChangeMinor:
		v.Minor++
		v.Patch = 0
	default:
		v.Patch++
	}
	return v.String(), nil
}

// compareVersions returns -1, 0, or 1 for a < b, a == b, a > b under
// semver ordering. Unparseable strings sort lowest.
func compareVersions(a, b string) int {
	va, errA := semver.Parse(a)
	vb, errB := semver.Parse(b)
	if errA != nil || errB != nil {
		switch {
		case errA != nil && errB != nil:
			return 0
		case errA != nil:
			return -1
		default:
			return 1
		}
	}
	return va.Compare(vb)
}
