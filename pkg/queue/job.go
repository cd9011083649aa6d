// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue provides named job queues over a pluggable store, a
// retrying message processor, and a dead-letter queue for terminal
// failures.
package queue

import (
	"encoding/json"
	"time"
)

// =============================================================================
// JOB MODEL
// =============================================================================

// JobStatus is a job's lifecycle state.
type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobDelayed   JobStatus = "delayed"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is one unit of queued work.
type Job struct {
	ID    string          `json:"id"`
	Queue string          `json:"queue"`
	Data  json.RawMessage `json:"data"`

	Status JobStatus `json:"status"`

	// Attempts counts processing attempts made so far.
	Attempts int `json:"attempts"`

	// MaxAttempts bounds retries before the job fails terminally.
	MaxAttempts int `json:"maxAttempts"`

	// Backoff is the base of the exponential retry delay.
	Backoff time.Duration `json:"backoff"`

	// RemoveOnComplete deletes the job from the store on success
	// instead of keeping a completed record.
	RemoveOnComplete bool `json:"removeOnComplete"`

	CreatedAt time.Time `json:"createdAt"`

	// ProcessAt is the earliest eligible processing time; delayed jobs
	// and retries push it into the future.
	ProcessAt time.Time `json:"processAt"`

	StartedAt   time.Time `json:"startedAt,omitzero"`
	CompletedAt time.Time `json:"completedAt,omitzero"`

	LastError string `json:"lastError,omitempty"`
}

// JobOptions configures a job at enqueue time.
type JobOptions struct {
	// JobID overrides the generated id; duplicates are rejected.
	JobID string

	// Attempts is the maximum processing attempts. Default: 3.
	Attempts int

	// Backoff is the exponential base delay. Default: 1s.
	Backoff time.Duration

	// RemoveOnComplete controls completed-job retention.
	RemoveOnComplete bool

	// Delay postpones first processing.
	Delay time.Duration
}

// DefaultJobOptions returns the standard options: three attempts, 1s
// exponential backoff, remove on complete.
func DefaultJobOptions() JobOptions {
	return JobOptions{
		Attempts:         3,
		Backoff:          time.Second,
		RemoveOnComplete: true,
	}
}

// Counts is the per-status job tally for one queue.
type Counts struct {
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Total sums every status.
func (c Counts) Total() int {
	return c.Waiting + c.Delayed + c.Active + c.Completed + c.Failed
}

// =============================================================================
// EVENTS
// =============================================================================

// JobEventType enumerates queue lifecycle events.
type JobEventType string

const (
	JobEventWaiting   JobEventType = "waiting"
	JobEventActive    JobEventType = "active"
	JobEventCompleted JobEventType = "completed"
	JobEventFailed    JobEventType = "failed"
	JobEventStalled   JobEventType = "stalled"
)

// JobEvent is published to queue subscribers.
type JobEvent struct {
	Type  JobEventType `json:"type"`
	Queue string       `json:"queue"`
	Job   Job          `json:"job"`
	Time  time.Time    `json:"time"`
}
