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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianOps/pkg/validation"
)

// =============================================================================
// QUEUE
// =============================================================================

// ProcessorFunc handles one claimed job.
type ProcessorFunc func(ctx context.Context, job *Job) error

// pollInterval is how often idle workers re-check the store.
const pollInterval = 100 * time.Millisecond

// ErrQueueClosed is returned for operations on a closed queue.
var ErrQueueClosed = fmt.Errorf("queue: queue is closed")

// Queue is one named job queue over a pluggable store. Workers claim
// jobs, run the processor, and retry failures with exponential backoff
// until the attempt budget is spent.
//
// # Thread Safety
//
// Safe for concurrent use.
type Queue struct {
	name   string
	store  Store
	logger *slog.Logger

	mu          sync.Mutex
	processor   ProcessorFunc
	concurrency int
	paused      bool
	closed      bool
	workerStop  chan struct{}
	workerWG    sync.WaitGroup

	subscribers map[int]chan JobEvent
	nextSubID   int
}

// NewQueue creates a queue over the given store. The name must match
// the queue-name grammar.
func NewQueue(name string, store Store, logger *slog.Logger) (*Queue, error) {
	if err := validation.ValidateQueueName(name); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		name:        name,
		store:       store,
		logger:      logger,
		concurrency: 1,
		subscribers: make(map[int]chan JobEvent),
	}, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// =============================================================================
// ENQUEUE
// =============================================================================

// Add enqueues one job. Zero-value fields in opts fall back to the
// defaults (three attempts, 1s backoff).
func (q *Queue) Add(ctx context.Context, data []byte, opts JobOptions) (*Job, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	q.mu.Unlock()

	if opts.Attempts <= 0 {
		opts.Attempts = DefaultJobOptions().Attempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultJobOptions().Backoff
	}

	now := time.Now()
	job := &Job{
		ID:               opts.JobID,
		Queue:            q.name,
		Data:             data,
		Status:           JobWaiting,
		MaxAttempts:      opts.Attempts,
		Backoff:          opts.Backoff,
		RemoveOnComplete: opts.RemoveOnComplete,
		CreatedAt:        now,
		ProcessAt:        now,
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if opts.Delay > 0 {
		job.Status = JobDelayed
		job.ProcessAt = now.Add(opts.Delay)
	}

	if err := q.store.Create(ctx, job); err != nil {
		return nil, err
	}
	q.publish(JobEventWaiting, job)
	return job, nil
}

// AddBulk enqueues several payloads with shared options. The first
// store error aborts the remainder.
func (q *Queue) AddBulk(ctx context.Context, payloads [][]byte, opts JobOptions) ([]*Job, error) {
	jobs := make([]*Job, 0, len(payloads))
	for _, data := range payloads {
		perJob := opts
		perJob.JobID = ""
		job, err := q.Add(ctx, data, perJob)
		if err != nil {
			return jobs, fmt.Errorf("queue: bulk add stopped after %d jobs: %w", len(jobs), err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// =============================================================================
// PROCESSING
// =============================================================================

// SetProcessor installs the handler and starts concurrency workers.
// Calling it again replaces the workers.
func (q *Queue) SetProcessor(fn ProcessorFunc, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if q.workerStop != nil {
		close(q.workerStop)
	}
	q.mu.Unlock()
	q.workerWG.Wait()

	q.mu.Lock()
	q.processor = fn
	q.concurrency = concurrency
	stop := make(chan struct{})
	q.workerStop = stop
	q.mu.Unlock()

	for i := 0; i < concurrency; i++ {
		q.workerWG.Add(1)
		go q.worker(stop)
	}
}

// SetConcurrency resizes the worker pool, keeping the processor.
func (q *Queue) SetConcurrency(n int) {
	q.mu.Lock()
	fn := q.processor
	q.mu.Unlock()
	if fn != nil {
		q.SetProcessor(fn, n)
	}
}

// Concurrency returns the current worker count.
func (q *Queue) Concurrency() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.concurrency
}

func (q *Queue) worker(stop chan struct{}) {
	defer q.workerWG.Done()
	for {
		select {
		case <-stop:
			return
		default:
		}

		q.mu.Lock()
		paused := q.paused
		fn := q.processor
		q.mu.Unlock()

		if paused || fn == nil {
			q.sleep(stop, pollInterval)
			continue
		}

		job, err := q.store.Claim(context.Background(), q.name, time.Now())
		if err != nil {
			if !errors.Is(err, ErrJobNotFound) {
				q.logger.Warn("job claim failed", "queue", q.name, "error", err)
			}
			q.sleep(stop, pollInterval)
			continue
		}

		q.publish(JobEventActive, job)
		q.runJob(fn, job)
	}
}

func (q *Queue) sleep(stop chan struct{}, d time.Duration) {
	select {
	case <-stop:
	case <-time.After(d):
	}
}

// runJob executes one claimed job and settles its outcome.
func (q *Queue) runJob(fn ProcessorFunc, job *Job) {
	job.Attempts++
	err := q.safeProcess(fn, job)
	now := time.Now()
	ctx := context.Background()

	if err == nil {
		job.Status = JobCompleted
		job.CompletedAt = now
		job.LastError = ""
		if job.RemoveOnComplete {
			if derr := q.store.Delete(ctx, q.name, job.ID); derr != nil {
				q.logger.Warn("completed job cleanup failed", "queue", q.name, "job", job.ID, "error", derr)
			}
		} else if uerr := q.store.Update(ctx, job); uerr != nil {
			q.logger.Warn("completed job update failed", "queue", q.name, "job", job.ID, "error", uerr)
		}
		q.publish(JobEventCompleted, job)
		return
	}

	job.LastError = err.Error()
	if job.Attempts < job.MaxAttempts {
		job.Status = JobWaiting
		job.ProcessAt = now.Add(retryBackoff(job.Backoff, job.Attempts))
		if uerr := q.store.Update(ctx, job); uerr != nil {
			q.logger.Warn("retry scheduling failed", "queue", q.name, "job", job.ID, "error", uerr)
		}
		q.publish(JobEventWaiting, job)
		return
	}

	job.Status = JobFailed
	if uerr := q.store.Update(ctx, job); uerr != nil {
		q.logger.Warn("failed job update failed", "queue", q.name, "job", job.ID, "error", uerr)
	}
	q.logger.Warn("job failed terminally",
		"queue", q.name, "job", job.ID, "attempts", job.Attempts, "error", err)
	q.publish(JobEventFailed, job)
}

// retryBackoff is base * 2^(attempt-1).
func retryBackoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

func (q *Queue) safeProcess(fn ProcessorFunc, job *Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("processor panicked: %v", rec)
		}
	}()
	return fn(context.Background(), job)
}

// =============================================================================
// CONTROL SURFACE
// =============================================================================

// Pause stops workers from claiming new jobs; in-flight jobs finish.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume re-enables claiming.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
}

// Paused reports whether the queue is paused.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// GetJob loads one job by id.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	return q.store.Get(ctx, q.name, id)
}

// Remove deletes one job by id.
func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.store.Delete(ctx, q.name, id)
}

// Status returns the per-status counts.
func (q *Queue) Status(ctx context.Context) (Counts, error) {
	return q.store.Counts(ctx, q.name)
}

// List returns jobs filtered by status; no statuses means all.
func (q *Queue) List(ctx context.Context, statuses ...JobStatus) ([]*Job, error) {
	return q.store.List(ctx, q.name, statuses...)
}

// Clear removes every job in the queue.
func (q *Queue) Clear(ctx context.Context) error {
	return q.store.Clear(ctx, q.name)
}

// RequeueStalled returns active jobs older than age to waiting and
// emits stalled events. Returns how many were requeued.
func (q *Queue) RequeueStalled(ctx context.Context, age time.Duration) (int, error) {
	jobs, err := q.store.List(ctx, q.name, JobActive)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-age)
	requeued := 0
	for _, job := range jobs {
		if job.StartedAt.After(cutoff) {
			continue
		}
		job.Status = JobWaiting
		job.ProcessAt = time.Now()
		if err := q.store.Update(ctx, job); err != nil {
			q.logger.Warn("stalled requeue failed", "queue", q.name, "job", job.ID, "error", err)
			continue
		}
		q.publish(JobEventStalled, job)
		requeued++
	}
	return requeued, nil
}

// Ready reports whether the queue can accept and process work; the
// health registry's probe.
func (q *Queue) Ready(ctx context.Context) error {
	q.mu.Lock()
	closed := q.closed
	paused := q.paused
	q.mu.Unlock()
	if closed {
		return ErrQueueClosed
	}
	if paused {
		return fmt.Errorf("queue: %s is paused", q.name)
	}
	return q.store.Ping(ctx)
}

// Close stops workers and subscriber channels. The store is shared
// and stays open. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	if q.workerStop != nil {
		close(q.workerStop)
		q.workerStop = nil
	}
	for id, ch := range q.subscribers {
		delete(q.subscribers, id)
		close(ch)
	}
	q.mu.Unlock()
	q.workerWG.Wait()
}

// =============================================================================
// EVENTS
// =============================================================================

// Subscribe returns a channel of job lifecycle events and a cancel
// function. Slow consumers drop events.
func (q *Queue) Subscribe() (<-chan JobEvent, func()) {
	ch := make(chan JobEvent, 64)
	q.mu.Lock()
	id := q.nextSubID
	q.nextSubID++
	q.subscribers[id] = ch
	q.mu.Unlock()

	cancel := func() {
		q.mu.Lock()
		if sub, ok := q.subscribers[id]; ok {
			delete(q.subscribers, id)
			close(sub)
		}
		q.mu.Unlock()
	}
	return ch, cancel
}

func (q *Queue) publish(kind JobEventType, job *Job) {
	event := JobEvent{Type: kind, Queue: q.name, Job: *job, Time: time.Now()}

	// Sends stay under the lock: cancel closes channels under the same
	// lock, so a send can never land on a closed channel. The sends
	// never block (slow consumers drop events).
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ch := range q.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager deduplicates queues by name over one shared store.
type Manager struct {
	mu     sync.Mutex
	store  Store
	logger *slog.Logger
	queues map[string]*Queue
}

// NewManager creates a queue registry over the store.
func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger, queues: make(map[string]*Queue)}
}

// Get returns the named queue, creating it on first use.
func (m *Manager) Get(name string) (*Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[name]; ok {
		return q, nil
	}
	q, err := NewQueue(name, m.store, m.logger)
	if err != nil {
		return nil, err
	}
	m.queues[name] = q
	return q, nil
}

// Names lists the registered queues.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	return names
}

// Store exposes the shared job store.
func (m *Manager) Store() Store { return m.store }

// Close shuts down every queue and then the store.
func (m *Manager) Close() error {
	m.mu.Lock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()
	for _, q := range queues {
		q.Close()
	}
	return m.store.Close()
}
