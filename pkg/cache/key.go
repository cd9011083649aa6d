// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache layers structured keys, stampede-protected reads and
// warm-up scheduling on top of a key-value store.
package cache

import (
	"fmt"
	"regexp"

	"github.com/AleutianAI/AleutianOps/pkg/validation"
)

// =============================================================================
// KEY GRAMMAR
// =============================================================================

// Cache keys are five colon-separated segments:
// {prefix}:{entity}:{operation}:{identifier}:{version}.
const (
	DefaultKeyPrefix  = "rdp"
	DefaultKeyVersion = "v1"
)

// keyPattern is the full-key grammar.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+(:[A-Za-z0-9_-]+){4}$`)

// KeyBuilder composes cache keys with a fixed prefix and version.
type KeyBuilder struct {
	prefix  string
	version string
}

// NewKeyBuilder creates a builder; empty arguments take the defaults.
func NewKeyBuilder(prefix, version string) *KeyBuilder {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if version == "" {
		version = DefaultKeyVersion
	}
	return &KeyBuilder{prefix: prefix, version: version}
}

// Build composes and validates a cache key. Entity, operation and
// identifier are all required.
func (b *KeyBuilder) Build(entity, operation, identifier string) (string, error) {
	if err := validation.ValidateKeySegments(entity, operation, identifier); err != nil {
		return "", fmt.Errorf("cache key: %w", err)
	}
	key := fmt.Sprintf("%s:%s:%s:%s:%s", b.prefix, entity, operation, identifier, b.version)
	if !keyPattern.MatchString(key) {
		return "", fmt.Errorf("cache key: %q does not match key grammar", key)
	}
	return key, nil
}

// ValidateKey checks an already-composed key against the grammar.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("cache key: %q does not match key grammar", key)
	}
	return nil
}

// LockKey derives the lock key for a cache key.
func LockKey(cacheKey string) string {
	return "lock:" + cacheKey
}
