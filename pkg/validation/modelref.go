// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that end up
// in storage keys or file names. Using these validators prevents key
// collisions and path traversal through crafted identifiers.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// modelRefPattern matches valid model version references.
// Allows: letters, digits, dots (1.2.0), hyphens and underscores
// (1.2.0-rc1, resnet_v2). Must start with a letter or digit.
// Max length: 64 characters.
var modelRefPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,63}$`)

// ValidateModelRef validates a model version reference.
//
// Model references are embedded in storage keys and artifact file
// names, so separators and traversal sequences are rejected outright.
//
// Valid references:
//   - 1-64 characters
//   - Letters and digits
//   - Dots (.) for semantic versions like 1.2.0
//   - Hyphens (-) and underscores (_) for pre-release tags
//
// Returns an error if the reference is invalid.
//
// Example:
//
//	if err := validation.ValidateModelRef(ref); err != nil {
//	    return nil, fmt.Errorf("invalid model reference: %w", err)
//	}
//	// Safe to use in a storage key or file name
func ValidateModelRef(ref string) error {
	if ref == "" {
		return fmt.Errorf("model reference cannot be empty")
	}

	if !modelRefPattern.MatchString(ref) {
		return fmt.Errorf("invalid model reference: %q (must be 1-64 alphanumeric chars, dots, hyphens, or underscores)", ref)
	}

	return nil
}

// ValidateModelRefs validates multiple model version references.
// Returns an error listing all invalid references if any fail validation.
func ValidateModelRefs(refs []string) error {
	var invalid []string
	for _, r := range refs {
		if err := ValidateModelRef(r); err != nil {
			invalid = append(invalid, r)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid model references: %v", invalid)
	}
	return nil
}

// SanitizeModelRef normalizes and validates a model version reference.
// Returns the trimmed reference if valid, or an error if invalid.
//
// Use this when accepting references from request payloads:
//
//	safeRef, err := validation.SanitizeModelRef(userInput)
//	if err != nil {
//	    return err
//	}
func SanitizeModelRef(ref string) (string, error) {
	normalized := strings.TrimSpace(ref)
	if err := ValidateModelRef(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
