// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// =============================================================================
// BADGER STORE
// =============================================================================

// BadgerStore persists jobs in an embedded Badger database so queued
// work survives process restarts.
//
// # Assumptions
//
// All mutating operations run inside a single Badger transaction,
// which gives Create its id-uniqueness guarantee and Claim its
// no-double-claim guarantee.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) the database at dir. An empty dir
// opens an in-memory database, useful for tests.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("queue: open badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func jobKey(queue, id string) []byte {
	return []byte("job:" + queue + ":" + id)
}

func queuePrefix(queue string) []byte {
	return []byte("job:" + queue + ":")
}

func encodeJob(job *Job) ([]byte, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("queue: encode job %s: %w", job.ID, err)
	}
	return data, nil
}

func decodeJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("queue: decode job: %w", err)
	}
	return &job, nil
}

func (s *BadgerStore) Create(_ context.Context, job *Job) error {
	encoded, err := encodeJob(job)
	if err != nil {
		return err
	}
	key := jobKey(job.Queue, job.ID)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("queue: check job %s: %w", job.ID, err)
		}
		return txn.Set(key, encoded)
	})
}

func (s *BadgerStore) Get(_ context.Context, queue, id string) (*Job, error) {
	var job *Job
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(queue, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s/%s", ErrJobNotFound, queue, id)
		}
		if err != nil {
			return fmt.Errorf("queue: get job %s: %w", id, err)
		}
		return item.Value(func(val []byte) error {
			job, err = decodeJob(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *BadgerStore) Update(_ context.Context, job *Job) error {
	encoded, err := encodeJob(job)
	if err != nil {
		return err
	}
	key := jobKey(job.Queue, job.ID)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s/%s", ErrJobNotFound, job.Queue, job.ID)
		} else if err != nil {
			return fmt.Errorf("queue: check job %s: %w", job.ID, err)
		}
		return txn.Set(key, encoded)
	})
}

func (s *BadgerStore) Delete(_ context.Context, queue, id string) error {
	key := jobKey(queue, id)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s/%s", ErrJobNotFound, queue, id)
		} else if err != nil {
			return fmt.Errorf("queue: check job %s: %w", id, err)
		}
		return txn.Delete(key)
	})
}

func (s *BadgerStore) Claim(_ context.Context, queue string, now time.Time) (*Job, error) {
	var claimed *Job
	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = queuePrefix(queue)
		it := txn.NewIterator(opts)
		defer it.Close()

		var best *Job
		for it.Rewind(); it.Valid(); it.Next() {
			var job *Job
			err := it.Item().Value(func(val []byte) error {
				var derr error
				job, derr = decodeJob(val)
				return derr
			})
			if err != nil {
				return err
			}
			if !eligibleForClaim(job, now) {
				continue
			}
			if best == nil || job.ProcessAt.Before(best.ProcessAt) ||
				(job.ProcessAt.Equal(best.ProcessAt) && job.CreatedAt.Before(best.CreatedAt)) {
				best = job
			}
		}
		if best == nil {
			return fmt.Errorf("%w: queue %s has no eligible jobs", ErrJobNotFound, queue)
		}

		best.Status = JobActive
		best.StartedAt = now
		encoded, err := encodeJob(best)
		if err != nil {
			return err
		}
		if err := txn.Set(jobKey(queue, best.ID), encoded); err != nil {
			return err
		}
		claimed = best
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *BadgerStore) Counts(_ context.Context, queue string) (Counts, error) {
	var c Counts
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = queuePrefix(queue)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				job, derr := decodeJob(val)
				if derr != nil {
					return derr
				}
				tallyStatus(&c, job.Status)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return c, err
}

func (s *BadgerStore) List(_ context.Context, queue string, statuses ...JobStatus) ([]*Job, error) {
	var out []*Job
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = queuePrefix(queue)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				job, derr := decodeJob(val)
				if derr != nil {
					return derr
				}
				if matchesStatus(job.Status, statuses) {
					out = append(out, job)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) Clear(_ context.Context, queue string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = queuePrefix(queue)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Ping(_ context.Context) error {
	if s.db.IsClosed() {
		return fmt.Errorf("queue: badger store is closed")
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
