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
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianOps/pkg/kvstore"
)

// =============================================================================
// CACHE SERVICE
// =============================================================================

// DefaultTTL applies when callers pass a non-positive TTL.
const DefaultTTL = time.Hour

// lockRetryDelay is how long a waiter sleeps before retrying a
// contended getOrCompute.
const lockRetryDelay = 100 * time.Millisecond

// FallbackFunc computes a value on cache miss. A nil value is treated
// as "nothing to cache".
type FallbackFunc func(ctx context.Context) (any, error)

// Service is the stampede-protected cache: JSON-encoded values under
// structured keys, with a per-key lock ensuring that concurrent demand
// for a missing key runs the fallback at most once per holder epoch.
//
// # Thread Safety
//
// Safe for concurrent use.
type Service struct {
	store  kvstore.Store
	keys   *KeyBuilder
	lock   *Lock
	logger *slog.Logger

	defaultTTLNanos atomic.Int64
	retryDelay      time.Duration

	hits   atomic.Int64
	misses atomic.Int64

	// onAccess, when set, observes every Get outcome (warmer hook).
	onAccess atomic.Pointer[func(key string, hit bool)]
}

// ServiceOption customises the cache service.
type ServiceOption func(*Service)

// WithKeyBuilder overrides the default rdp/v1 key builder.
func WithKeyBuilder(kb *KeyBuilder) ServiceOption {
	return func(s *Service) { s.keys = kb }
}

// WithServiceLogger sets the structured logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithDefaultTTL overrides the 1h default TTL.
func WithDefaultTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.defaultTTLNanos.Store(int64(ttl))
		}
	}
}

// NewService creates a cache service over the given store.
func NewService(store kvstore.Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:      store,
		keys:       NewKeyBuilder("", ""),
		lock:       NewLock(store),
		logger:     slog.Default(),
		retryDelay: lockRetryDelay,
	}
	s.defaultTTLNanos.Store(int64(DefaultTTL))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Keys exposes the service's key builder.
func (s *Service) Keys() *KeyBuilder { return s.keys }

// SetAccessRecorder installs the per-Get observer used by the warmer's
// on-demand trigger.
func (s *Service) SetAccessRecorder(fn func(key string, hit bool)) {
	s.onAccess.Store(&fn)
}

// =============================================================================
// BASIC OPERATIONS
// =============================================================================

// Get loads and decodes the value at key into out. Returns false on
// miss.
func (s *Service) Get(ctx context.Context, key string, out any) (bool, error) {
	raw, err := s.store.Get(ctx, key)
	if err != nil {
		if err == kvstore.ErrNotFound {
			s.recordAccess(key, false)
			return false, nil
		}
		return false, fmt.Errorf("cache get %q: %w", key, err)
	}
	s.recordAccess(key, true)
	if out != nil {
		if err := json.Unmarshal([]byte(raw), out); err != nil {
			return false, fmt.Errorf("cache decode %q: %w", key, err)
		}
	}
	return true, nil
}

// Set encodes value as JSON and stores it. A non-positive ttl uses the
// service default.
func (s *Service) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.DefaultTTL()
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %q: %w", key, err)
	}
	if err := s.store.Set(ctx, key, string(encoded), ttl); err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	return nil
}

// Del removes a key.
func (s *Service) Del(ctx context.Context, key string) error {
	if err := s.store.Del(ctx, key); err != nil {
		return fmt.Errorf("cache del %q: %w", key, err)
	}
	return nil
}

// Exists reports key presence without decoding.
func (s *Service) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := s.store.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("cache exists %q: %w", key, err)
	}
	return ok, nil
}

// TTL returns the remaining lifetime of key. Negative means no expiry.
func (s *Service) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.store.TTL(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("cache ttl %q: %w", key, err)
	}
	return ttl, nil
}

// MGet loads several keys at once; missing keys map to nil.
func (s *Service) MGet(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	values, err := s.store.MGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("cache mget: %w", err)
	}
	out := make(map[string]json.RawMessage, len(keys))
	for i, key := range keys {
		if i < len(values) && values[i] != nil {
			out[key] = json.RawMessage(*values[i])
		} else {
			out[key] = nil
		}
	}
	return out, nil
}

// =============================================================================
// STAMPEDE-PROTECTED READ
// =============================================================================

// GetOrCompute returns the cached value for the structured key, or
// computes it via fallback under the cache-key lock.
//
// # Description
//
// The sequence per attempt: (1) return on hit; (2) try the lock;
// (3) with the lock held, double-check the key since a concurrent
// holder may have filled it, run fallback if still absent, write with
// ttl, release; (4) without the lock, sleep briefly and retry. Under
// concurrent demand the fallback runs at most once per lock-holder
// epoch, and the lock TTL bounds how long a dead holder can stall
// waiters.
//
// The result is decoded into out when out is non-nil.
func (s *Service) GetOrCompute(ctx context.Context, entity, operation, identifier string,
	fallback FallbackFunc, ttl time.Duration, out any) error {
	key, err := s.keys.Build(entity, operation, identifier)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = s.DefaultTTL()
	}

	for {
		hit, err := s.Get(ctx, key, out)
		if err != nil {
			return err
		}
		if hit {
			return nil
		}

		acquired, err := s.lock.Acquire(ctx, key, 0)
		if err != nil {
			return err
		}
		if acquired {
			return s.computeLocked(ctx, key, fallback, ttl, out)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("cache getOrCompute %q: %w", key, ctx.Err())
		case <-time.After(s.retryDelay):
		}
	}
}

func (s *Service) computeLocked(ctx context.Context, key string, fallback FallbackFunc,
	ttl time.Duration, out any) error {
	defer func() {
		if err := s.lock.Release(context.WithoutCancel(ctx), key); err != nil {
			s.logger.Warn("cache lock release failed", "key", key, "error", err)
		}
	}()

	// Double-check: the previous holder may have filled the key
	// between our miss and the acquire.
	hit, err := s.Get(ctx, key, out)
	if err != nil {
		return err
	}
	if hit {
		return nil
	}

	value, err := fallback(ctx)
	if err != nil {
		return fmt.Errorf("cache fallback %q: %w", key, err)
	}
	if value == nil {
		return nil
	}
	if err := s.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if out != nil {
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("cache encode %q: %w", key, err)
		}
		if err := json.Unmarshal(encoded, out); err != nil {
			return fmt.Errorf("cache decode %q: %w", key, err)
		}
	}
	return nil
}

// =============================================================================
// STATS
// =============================================================================

// Stats is the service's hit/miss tally.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Stats returns the running hit/miss counters.
func (s *Service) Stats() Stats {
	return Stats{Hits: s.hits.Load(), Misses: s.misses.Load()}
}

// HitRate is hits over total accesses, 0 when idle.
func (s *Service) HitRate() float64 {
	hits := s.hits.Load()
	total := hits + s.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// DefaultTTL returns the current default TTL.
func (s *Service) DefaultTTL() time.Duration {
	return time.Duration(s.defaultTTLNanos.Load())
}

// ScaleTTL multiplies the default TTL; the optimizer's lever.
func (s *Service) ScaleTTL(factor float64) {
	if factor <= 0 {
		return
	}
	current := s.defaultTTLNanos.Load()
	s.defaultTTLNanos.Store(int64(float64(current) * factor))
}

func (s *Service) recordAccess(key string, hit bool) {
	if hit {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}
	if fn := s.onAccess.Load(); fn != nil {
		(*fn)(key, hit)
	}
}
