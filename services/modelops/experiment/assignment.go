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
	"hash/fnv"
	"time"
)

// -----------------------------------------------------------------------------
// Group Assignment
// -----------------------------------------------------------------------------

// assignGroup computes the arm for a user deterministically.
//
// Description:
//
//	Non-stratified assignment hashes the user id with FNV-1a and places
//	the user in arm A when hash mod 100 falls below the split percentage.
//	Stratified assignment mixes coarse context buckets (hour of day, day
//	of week, a 16-way user-agent bucket) into the hash before the modulo,
//	spreading exposure evenly across time-of-day and device segments.
//	The result is a pure function of (userID, context, moment bucket).
//
// Inputs:
//   - userID: Stable caller identity.
//   - split: Percentage of traffic routed to arm A, 0-100.
//   - stratified: Enables context-bucket mixing.
//   - actx: Request context; only consulted when stratified.
//   - now: Moment of first exposure; only consulted when stratified.
//
// Outputs:
//   - Group: GroupA or GroupB.
//
// Thread Safety: This function is stateless and safe for concurrent use.
func assignGroup(userID string, split int, stratified bool, actx AssignmentContext, now time.Time) Group {
	bucket := hashString(userID)
	if stratified {
		bucket = bucket*31 + uint64(now.Hour())
		bucket = bucket*31 + uint64(now.Weekday())
		bucket = bucket*31 + hashString(actx.UserAgent)%16
	}
	if bucket%100 < uint64(split) {
		return GroupA
	}
	return GroupB
}

// hashString returns the FNV-1a hash of s.
func hashString(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
