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
	"fmt"
	"sort"
	"sync"
	"time"
)

// =============================================================================
// ERROR VARIABLES
// =============================================================================

var (
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = fmt.Errorf("queue: job not found")

	// ErrJobExists is returned when creating a job whose id is taken.
	ErrJobExists = fmt.Errorf("queue: job id already exists")
)

// =============================================================================
// STORE INTERFACE
// =============================================================================

// Store persists jobs for one or more queues.
//
// # Assumptions
//
// Create enforces id uniqueness atomically; the dead-letter queue
// relies on that for its dlq:{id} dedupe. Claim atomically moves the
// oldest eligible waiting job to active so concurrent workers never
// double-claim.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, queue, id string) (*Job, error)
	Update(ctx context.Context, job *Job) error
	Delete(ctx context.Context, queue, id string) error

	// Claim picks the oldest waiting or due delayed job and marks it
	// active. Returns ErrJobNotFound when nothing is eligible.
	Claim(ctx context.Context, queue string, now time.Time) (*Job, error)

	Counts(ctx context.Context, queue string) (Counts, error)
	List(ctx context.Context, queue string, statuses ...JobStatus) ([]*Job, error)
	Clear(ctx context.Context, queue string) error

	Ping(ctx context.Context) error
	Close() error
}

// =============================================================================
// MEMORY STORE
// =============================================================================

// MemoryStore keeps jobs in process memory; the test and
// single-process default.
type MemoryStore struct {
	mu     sync.Mutex
	queues map[string]map[string]*Job
}

// NewMemoryStore creates an empty in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{queues: make(map[string]map[string]*Job)}
}

func (s *MemoryStore) Create(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := s.queues[job.Queue]
	if jobs == nil {
		jobs = make(map[string]*Job)
		s.queues[job.Queue] = jobs
	}
	if _, exists := jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	cp := *job
	jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, queue, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.queues[queue][id]; ok {
		cp := *job
		return &cp, nil
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrJobNotFound, queue, id)
}

func (s *MemoryStore) Update(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[job.Queue][job.ID]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrJobNotFound, job.Queue, job.ID)
	}
	cp := *job
	s.queues[job.Queue][job.ID] = &cp
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, queue, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[queue][id]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrJobNotFound, queue, id)
	}
	delete(s.queues[queue], id)
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, queue string, now time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []*Job
	for _, job := range s.queues[queue] {
		if eligibleForClaim(job, now) {
			eligible = append(eligible, job)
		}
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("%w: queue %s has no eligible jobs", ErrJobNotFound, queue)
	}
	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].ProcessAt.Equal(eligible[j].ProcessAt) {
			return eligible[i].ProcessAt.Before(eligible[j].ProcessAt)
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	job := eligible[0]
	job.Status = JobActive
	job.StartedAt = now
	cp := *job
	return &cp, nil
}

func eligibleForClaim(job *Job, now time.Time) bool {
	if job.Status != JobWaiting && job.Status != JobDelayed {
		return false
	}
	return !job.ProcessAt.After(now)
}

func (s *MemoryStore) Counts(_ context.Context, queue string) (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c Counts
	for _, job := range s.queues[queue] {
		tallyStatus(&c, job.Status)
	}
	return c, nil
}

func tallyStatus(c *Counts, status JobStatus) {
	switch status {
	case JobWaiting:
		c.Waiting++
	case JobDelayed:
		c.Delayed++
	case JobActive:
		c.Active++
	case JobCompleted:
		c.Completed++
	case JobFailed:
		c.Failed++
	}
}

func (s *MemoryStore) List(_ context.Context, queue string, statuses ...JobStatus) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, job := range s.queues[queue] {
		if matchesStatus(job.Status, statuses) {
			cp := *job
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func matchesStatus(status JobStatus, statuses []JobStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func (s *MemoryStore) Clear(_ context.Context, queue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues, queue)
	return nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
