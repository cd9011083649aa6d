// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianOps/pkg/kvstore"
)

// =============================================================================
// CACHE LOCK
// =============================================================================

// DefaultLockTTL bounds how long a dead holder can block waiters.
const DefaultLockTTL = 10 * time.Second

// Lock is the stampede-prevention coordinator: an atomic
// set-if-absent with expiry on "lock:{cacheKey}". The TTL is the sole
// safety net against holder death; there is no fencing token, so
// callers must tolerate spurious contention.
type Lock struct {
	store kvstore.Store
}

// NewLock creates a lock manager over the given store.
func NewLock(store kvstore.Store) *Lock {
	return &Lock{store: store}
}

// Acquire attempts to take the lock for key. A non-positive ttl uses
// the default. Returns false when another holder has it.
func (l *Lock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	ok, err := l.store.SetNX(ctx, LockKey(key), "1", ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lock %q: %w", key, err)
	}
	return ok, nil
}

// Release unconditionally deletes the lock.
func (l *Lock) Release(ctx context.Context, key string) error {
	if err := l.store.Del(ctx, LockKey(key)); err != nil {
		return fmt.Errorf("release lock %q: %w", key, err)
	}
	return nil
}
