// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for identifiers
// that end up in store keys, queue names, and metric names.
//
// Every name that reaches the key-value store or the job store passes
// through these validators first, which keeps key grammars stable and
// prevents separator injection ("user:1:admin" smuggled as an id).
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// segmentPattern matches a single cache-key segment: alphanumerics,
// underscores and hyphens, 1-64 characters. Colons are the key
// separator and are never allowed inside a segment.
var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// queueNamePattern matches a queue name: lowercase alphanumerics with
// hyphens, 1-64 characters, starting with a letter.
var queueNamePattern = regexp.MustCompile(`^[a-z][a-z0-9-]{0,63}$`)

// metricNamePattern matches a metric name in snake_case.
var metricNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,127}$`)

// ValidateKeySegment validates one segment of a structured cache key.
//
// Valid segments:
//   - 1-64 characters
//   - Letters A-Z a-z, digits 0-9
//   - Underscores and hyphens
//
// Returns an error if the segment is empty or contains a separator.
//
// Example:
//
//	if err := validation.ValidateKeySegment(identifier); err != nil {
//	    return "", fmt.Errorf("invalid identifier: %w", err)
//	}
func ValidateKeySegment(segment string) error {
	if segment == "" {
		return fmt.Errorf("key segment cannot be empty")
	}

	if !segmentPattern.MatchString(segment) {
		return fmt.Errorf("invalid key segment: %q (must be 1-64 alphanumeric chars, underscores, or hyphens)", segment)
	}

	return nil
}

// ValidateKeySegments validates multiple segments at once.
// Returns an error listing every invalid segment if any fail.
func ValidateKeySegments(segments ...string) error {
	var invalid []string
	for _, s := range segments {
		if err := ValidateKeySegment(s); err != nil {
			invalid = append(invalid, s)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid key segments: %v", invalid)
	}
	return nil
}

// ValidateQueueName validates a job queue name.
//
// Valid names are 1-64 characters of lowercase alphanumerics and
// hyphens, starting with a letter (e.g. "orders", "dead-letter-queue").
func ValidateQueueName(name string) error {
	if name == "" {
		return fmt.Errorf("queue name cannot be empty")
	}

	if !queueNamePattern.MatchString(name) {
		return fmt.Errorf("invalid queue name: %q (must be lowercase alphanumerics and hyphens, starting with a letter)", name)
	}

	return nil
}

// ValidateMetricName validates a metric name in snake_case.
func ValidateMetricName(name string) error {
	if name == "" {
		return fmt.Errorf("metric name cannot be empty")
	}

	if !metricNamePattern.MatchString(name) {
		return fmt.Errorf("invalid metric name: %q (must be snake_case)", name)
	}

	return nil
}

// SanitizeKeySegment normalizes and validates a key segment.
// Returns the trimmed segment if valid, or an error if invalid.
func SanitizeKeySegment(segment string) (string, error) {
	normalized := strings.TrimSpace(segment)
	if err := ValidateKeySegment(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
