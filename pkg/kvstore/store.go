// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package kvstore abstracts the in-memory key-value store used for
// cache entries, distributed locks, and counters.
//
// # Description
//
// Two implementations are provided: MemoryStore for tests and
// single-node deployments, and RedisStore for production. Both expose
// the same atomic primitives the cache layer depends on, in particular
// SetNX ("set if absent with expiry"), which is the foundation of the
// stampede lock.
//
// # Thread Safety
//
// All implementations are safe for concurrent use.
package kvstore

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// ERROR VARIABLES
// =============================================================================

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = fmt.Errorf("kvstore: key not found")

// ErrNotInteger is returned by Incr when the stored value is not an integer.
var ErrNotInteger = fmt.Errorf("kvstore: value is not an integer")

// =============================================================================
// INTERFACES
// =============================================================================

// Store is the key-value contract shared by the cache, lock, and
// warm-up layers.
//
// # Description
//
// Values are opaque strings; JSON encoding is the caller's concern.
// A TTL of zero means the key never expires.
//
// # Outputs
//
// Get and TTL return ErrNotFound for absent keys. TTL returns a
// negative duration for keys without expiry.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key with the given TTL (0 = no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX atomically stores value only if key is absent.
	// Returns true if the key was set by this call.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Del removes the given keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// TTL returns the remaining lifetime of key. Keys without expiry
	// return a negative duration. Absent keys return ErrNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// MGet returns the values for keys in order; absent keys yield nil.
	MGet(ctx context.Context, keys ...string) ([]*string, error)

	// Incr atomically increments the integer value at key by one,
	// initializing it to 0 first if absent. Returns the new value.
	Incr(ctx context.Context, key string) (int64, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases store resources.
	Close() error
}

// =============================================================================
// MOCK IMPLEMENTATION
// =============================================================================

// MockStore is a configurable Store for unit testing.
//
// # Examples
//
//	mock := &kvstore.MockStore{
//	    GetFunc: func(ctx context.Context, key string) (string, error) {
//	        return "", kvstore.ErrNotFound
//	    },
//	}
type MockStore struct {
	GetFunc    func(ctx context.Context, key string) (string, error)
	SetFunc    func(ctx context.Context, key, value string, ttl time.Duration) error
	SetNXFunc  func(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	DelFunc    func(ctx context.Context, keys ...string) error
	ExistsFunc func(ctx context.Context, key string) (bool, error)
	TTLFunc    func(ctx context.Context, key string) (time.Duration, error)
	MGetFunc   func(ctx context.Context, keys ...string) ([]*string, error)
	IncrFunc   func(ctx context.Context, key string) (int64, error)
	PingFunc   func(ctx context.Context) error
	CloseFunc  func() error
}

func (m *MockStore) Get(ctx context.Context, key string) (string, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, key)
	}
	return "", ErrNotFound
}

func (m *MockStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if m.SetFunc != nil {
		return m.SetFunc(ctx, key, value, ttl)
	}
	return nil
}

func (m *MockStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if m.SetNXFunc != nil {
		return m.SetNXFunc(ctx, key, value, ttl)
	}
	return true, nil
}

func (m *MockStore) Del(ctx context.Context, keys ...string) error {
	if m.DelFunc != nil {
		return m.DelFunc(ctx, keys...)
	}
	return nil
}

func (m *MockStore) Exists(ctx context.Context, key string) (bool, error) {
	if m.ExistsFunc != nil {
		return m.ExistsFunc(ctx, key)
	}
	return false, nil
}

func (m *MockStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	if m.TTLFunc != nil {
		return m.TTLFunc(ctx, key)
	}
	return -1, nil
}

func (m *MockStore) MGet(ctx context.Context, keys ...string) ([]*string, error) {
	if m.MGetFunc != nil {
		return m.MGetFunc(ctx, keys...)
	}
	return make([]*string, len(keys)), nil
}

func (m *MockStore) Incr(ctx context.Context, key string) (int64, error) {
	if m.IncrFunc != nil {
		return m.IncrFunc(ctx, key)
	}
	return 1, nil
}

func (m *MockStore) Ping(ctx context.Context) error {
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return nil
}

func (m *MockStore) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}
