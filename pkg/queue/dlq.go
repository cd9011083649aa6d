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
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// DEAD-LETTER QUEUE
// =============================================================================

// Dead-letter defaults.
const (
	DefaultDLQName       = "dead-letter-queue"
	DefaultDLQMaxRetries = 3
	DefaultDLQRetryBase  = time.Minute
	DefaultDLQTTL        = 7 * 24 * time.Hour
	DefaultDLQSweepEvery = 24 * time.Hour

	// dlqIDPrefix reserves the id space for dead-letter records.
	dlqIDPrefix = "dlq:"
)

// DLQError captures the failure that sent a message here.
type DLQError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// DLQContext records where and how the message failed.
type DLQContext struct {
	FailedAt      time.Time `json:"failedAt"`
	OriginalQueue string    `json:"originalQueue"`
	Attempts      int       `json:"attempts"`
}

// DLQMeta tracks the record's retry bookkeeping.
type DLQMeta struct {
	AddedAt     time.Time `json:"addedAt"`
	RetryCount  int       `json:"retryCount"`
	LastRetryAt time.Time `json:"lastRetryAt,omitzero"`
	NextRetryAt time.Time `json:"nextRetryAt,omitzero"`
}

// DLQRecord wraps a terminally failed message.
type DLQRecord struct {
	OriginalMessage Message    `json:"originalMessage"`
	Error           DLQError   `json:"error"`
	Context         DLQContext `json:"context"`
	Meta            DLQMeta    `json:"meta"`
}

// RetryFilters narrows a RetryBatch pass. Zero values disable the
// corresponding filter.
type RetryFilters struct {
	// MinAge skips records younger than this.
	MinAge time.Duration

	// MaxRetries skips records at or above this retry count.
	MaxRetries int

	// QueueName restricts to one original queue.
	QueueName string
}

// RetryBatchReport aggregates one RetryBatch pass.
type RetryBatchReport struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// DeadLetterQueue stores terminally failed messages as jobs on a
// reserved queue and re-enqueues them onto their original queues on
// demand, up to a retry cap.
type DeadLetterQueue struct {
	queue   *Queue
	manager *Manager
	logger  *slog.Logger

	maxRetries int
	retryBase  time.Duration
	ttl        time.Duration
	sweepEvery time.Duration

	mu   sync.Mutex
	stop chan struct{}
}

// DLQOption customises the dead-letter queue.
type DLQOption func(*DeadLetterQueue)

// WithDLQMaxRetries overrides the retry cap.
func WithDLQMaxRetries(n int) DLQOption {
	return func(d *DeadLetterQueue) {
		if n > 0 {
			d.maxRetries = n
		}
	}
}

// WithDLQRetryBase overrides the exponential retry-interval base.
func WithDLQRetryBase(base time.Duration) DLQOption {
	return func(d *DeadLetterQueue) {
		if base > 0 {
			d.retryBase = base
		}
	}
}

// WithDLQTTL overrides the record retention window.
func WithDLQTTL(ttl time.Duration) DLQOption {
	return func(d *DeadLetterQueue) {
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// WithDLQLogger sets the structured logger.
func WithDLQLogger(logger *slog.Logger) DLQOption {
	return func(d *DeadLetterQueue) { d.logger = logger }
}

// NewDeadLetterQueue creates the DLQ over the manager's store using
// the reserved queue name.
func NewDeadLetterQueue(manager *Manager, opts ...DLQOption) (*DeadLetterQueue, error) {
	q, err := manager.Get(DefaultDLQName)
	if err != nil {
		return nil, err
	}
	d := &DeadLetterQueue{
		queue:      q,
		manager:    manager,
		logger:     slog.Default(),
		maxRetries: DefaultDLQMaxRetries,
		retryBase:  DefaultDLQRetryBase,
		ttl:        DefaultDLQTTL,
		sweepEvery: DefaultDLQSweepEvery,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// =============================================================================
// OPERATIONS
// =============================================================================

// AddFailedMessage stores a DLQ record for msg under the reserved id
// dlq:{msg.ID}. A second add for the same message id is rejected by
// the store's uniqueness guarantee.
func (d *DeadLetterQueue) AddFailedMessage(ctx context.Context, msg Message, procErr error, info map[string]any) (*DLQRecord, error) {
	now := time.Now()
	record := DLQRecord{
		OriginalMessage: msg,
		Error:           DLQError{Message: procErr.Error()},
		Context: DLQContext{
			FailedAt: now,
			Attempts: msg.Attempts,
		},
		Meta: DLQMeta{AddedAt: now},
	}
	if qn, ok := info["queueName"].(string); ok {
		record.Context.OriginalQueue = qn
	}

	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("queue: encode dlq record for %s: %w", msg.ID, err)
	}

	_, err = d.queue.Add(ctx, data, JobOptions{
		JobID:            dlqIDPrefix + msg.ID,
		Attempts:         1,
		RemoveOnComplete: false,
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// RetryMessage re-enqueues one dead-lettered message onto its original
// queue. Returns false without re-enqueueing once the retry cap is
// reached. Accepts either the original message id or the dlq:{id}
// form.
func (d *DeadLetterQueue) RetryMessage(ctx context.Context, id string) (bool, error) {
	jobID := id
	if !strings.HasPrefix(jobID, dlqIDPrefix) {
		jobID = dlqIDPrefix + id
	}

	job, err := d.queue.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	record, err := decodeRecord(job.Data)
	if err != nil {
		return false, err
	}

	if record.Meta.RetryCount >= d.maxRetries {
		return false, nil
	}
	return d.retryRecord(ctx, job, record)
}

func decodeRecord(data json.RawMessage) (*DLQRecord, error) {
	var record DLQRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("queue: decode dlq record: %w", err)
	}
	// Tolerate records written by older producers with missing
	// sections.
	if record.Meta.AddedAt.IsZero() {
		record.Meta.AddedAt = time.Now()
	}
	if record.Context.FailedAt.IsZero() {
		record.Context.FailedAt = record.Meta.AddedAt
	}
	return &record, nil
}

// retryRecord re-enqueues the original message and advances the retry
// bookkeeping.
func (d *DeadLetterQueue) retryRecord(ctx context.Context, job *Job, record *DLQRecord) (bool, error) {
	targetName := record.Context.OriginalQueue
	if targetName == "" {
		return false, fmt.Errorf("queue: dlq record %s has no original queue", job.ID)
	}
	target, err := d.manager.Get(targetName)
	if err != nil {
		return false, err
	}

	payload, err := json.Marshal(record.OriginalMessage)
	if err != nil {
		return false, fmt.Errorf("queue: encode original message for %s: %w", job.ID, err)
	}
	if _, err := target.Add(ctx, payload, JobOptions{Attempts: 1, RemoveOnComplete: true}); err != nil {
		return false, fmt.Errorf("queue: re-enqueue %s onto %s: %w", job.ID, targetName, err)
	}

	now := time.Now()
	record.Meta.RetryCount++
	record.Meta.LastRetryAt = now
	record.Meta.NextRetryAt = now.Add(retryBackoff(d.retryBase, record.Meta.RetryCount+1))

	updated, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("queue: encode dlq record %s: %w", job.ID, err)
	}
	job.Data = updated
	if err := d.manager.Store().Update(ctx, job); err != nil {
		return false, err
	}
	return true, nil
}

// RetryBatch retries every waiting or failed DLQ record passing the
// filters.
func (d *DeadLetterQueue) RetryBatch(ctx context.Context, filters RetryFilters) (RetryBatchReport, error) {
	jobs, err := d.queue.List(ctx, JobWaiting, JobFailed)
	if err != nil {
		return RetryBatchReport{}, err
	}

	report := RetryBatchReport{Total: len(jobs)}
	now := time.Now()
	for _, job := range jobs {
		record, err := decodeRecord(job.Data)
		if err != nil {
			d.logger.Warn("skipping undecodable dlq record", "job", job.ID, "error", err)
			report.Skipped++
			continue
		}

		if filters.QueueName != "" && record.Context.OriginalQueue != filters.QueueName {
			report.Skipped++
			continue
		}
		if filters.MinAge > 0 && now.Sub(record.Meta.AddedAt) < filters.MinAge {
			report.Skipped++
			continue
		}
		maxRetries := d.maxRetries
		if filters.MaxRetries > 0 && filters.MaxRetries < maxRetries {
			maxRetries = filters.MaxRetries
		}
		if record.Meta.RetryCount >= maxRetries {
			report.Skipped++
			continue
		}

		ok, err := d.retryRecord(ctx, job, record)
		if err != nil || !ok {
			if err != nil {
				d.logger.Warn("dlq batch retry failed", "job", job.ID, "error", err)
			}
			report.Failed++
			continue
		}
		report.Succeeded++
	}
	return report, nil
}

// Record loads one DLQ record by original or dlq:{id} form.
func (d *DeadLetterQueue) Record(ctx context.Context, id string) (*DLQRecord, error) {
	jobID := id
	if !strings.HasPrefix(jobID, dlqIDPrefix) {
		jobID = dlqIDPrefix + id
	}
	job, err := d.queue.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return decodeRecord(job.Data)
}

// Remove deletes one DLQ record.
func (d *DeadLetterQueue) Remove(ctx context.Context, id string) error {
	jobID := id
	if !strings.HasPrefix(jobID, dlqIDPrefix) {
		jobID = dlqIDPrefix + id
	}
	return d.queue.Remove(ctx, jobID)
}

// Status returns the DLQ's per-status counts.
func (d *DeadLetterQueue) Status(ctx context.Context) (Counts, error) {
	return d.queue.Status(ctx)
}

// =============================================================================
// SWEEPER
// =============================================================================

// StartSweeper begins the periodic removal of records older than the
// TTL. Test setups simply never start it. Idempotent.
func (d *DeadLetterQueue) StartSweeper() {
	d.mu.Lock()
	if d.stop != nil {
		d.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	d.stop = stop
	d.mu.Unlock()

	go func() {
		ticker := time.NewTicker(d.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if removed, err := d.Sweep(context.Background()); err != nil {
					d.logger.Warn("dlq sweep failed", "error", err)
				} else if removed > 0 {
					d.logger.Info("dlq sweep removed expired records", "count", removed)
				}
			}
		}
	}()
}

// StopSweeper halts the sweeper. Idempotent.
func (d *DeadLetterQueue) StopSweeper() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		close(d.stop)
		d.stop = nil
	}
}

// Sweep removes records older than the TTL immediately and returns
// how many were removed.
func (d *DeadLetterQueue) Sweep(ctx context.Context) (int, error) {
	jobs, err := d.queue.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-d.ttl)
	removed := 0
	for _, job := range jobs {
		record, err := decodeRecord(job.Data)
		if err != nil {
			continue
		}
		if record.Meta.AddedAt.After(cutoff) {
			continue
		}
		if err := d.queue.Remove(ctx, job.ID); err != nil {
			d.logger.Warn("dlq sweep removal failed", "job", job.ID, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
