// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the dead-letter queue.

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDLQ(t *testing.T, opts ...DLQOption) (*DeadLetterQueue, *Manager) {
	t.Helper()
	m := NewManager(NewMemoryStore(), nil)
	t.Cleanup(func() { m.Close() })
	dlq, err := NewDeadLetterQueue(m, opts...)
	require.NoError(t, err)
	return dlq, m
}

func TestDLQRetryCapStopsReEnqueue(t *testing.T) {
	dlq, m := newTestDLQ(t)
	ctx := context.Background()

	msg := Message{ID: "m1", Type: "order.process", Data: map[string]any{"sku": "a"}, Attempts: 3}
	record, err := dlq.AddFailedMessage(ctx, msg, fmt.Errorf("boom"), map[string]any{"queueName": "orders"})
	require.NoError(t, err)
	assert.Equal(t, "boom", record.Error.Message)
	assert.Equal(t, "orders", record.Context.OriginalQueue)
	assert.Equal(t, 3, record.Context.Attempts)

	orders, err := m.Get("orders")
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		ok, err := dlq.RetryMessage(ctx, "m1")
		require.NoError(t, err)
		assert.True(t, ok, "retry %d within the cap succeeds", i)

		got, err := dlq.Record(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, i, got.Meta.RetryCount)
		assert.False(t, got.Meta.LastRetryAt.IsZero())
		assert.True(t, got.Meta.NextRetryAt.After(got.Meta.LastRetryAt))
	}

	counts, err := orders.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Waiting, "each retry re-enqueues the original message")

	ok, err := dlq.RetryMessage(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, ok, "retry cap reached")

	counts, err = orders.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Waiting, "capped retry must not re-enqueue")
}

func TestDLQRetryExponentialSchedule(t *testing.T) {
	dlq, _ := newTestDLQ(t, WithDLQRetryBase(time.Minute))
	ctx := context.Background()

	msg := Message{ID: "m2", Type: "t"}
	_, err := dlq.AddFailedMessage(ctx, msg, fmt.Errorf("boom"), map[string]any{"queueName": "orders"})
	require.NoError(t, err)

	// First retry schedules the next at base * 2^1 = 2m out.
	before := time.Now()
	ok, err := dlq.RetryMessage(ctx, "m2")
	require.NoError(t, err)
	require.True(t, ok)

	record, err := dlq.Record(ctx, "m2")
	require.NoError(t, err)
	gap := record.Meta.NextRetryAt.Sub(before)
	assert.InDelta(t, (2 * time.Minute).Seconds(), gap.Seconds(), 2)
}

func TestDLQRetryUnknownAndMissingQueue(t *testing.T) {
	dlq, _ := newTestDLQ(t)
	ctx := context.Background()

	_, err := dlq.RetryMessage(ctx, "never-added")
	assert.ErrorIs(t, err, ErrJobNotFound)

	// Record without an original queue cannot be retried.
	_, err = dlq.AddFailedMessage(ctx, Message{ID: "m3", Type: "t"}, fmt.Errorf("boom"), nil)
	require.NoError(t, err)
	_, err = dlq.RetryMessage(ctx, "m3")
	assert.ErrorContains(t, err, "no original queue")
}

func TestDLQDuplicateAddRejected(t *testing.T) {
	dlq, _ := newTestDLQ(t)
	ctx := context.Background()

	_, err := dlq.AddFailedMessage(ctx, Message{ID: "m4", Type: "t"}, fmt.Errorf("boom"), nil)
	require.NoError(t, err)
	_, err = dlq.AddFailedMessage(ctx, Message{ID: "m4", Type: "t"}, fmt.Errorf("boom"), nil)
	assert.ErrorIs(t, err, ErrJobExists)
}

func TestDLQRetryBatchFilters(t *testing.T) {
	dlq, m := newTestDLQ(t)
	ctx := context.Background()

	_, err := dlq.AddFailedMessage(ctx, Message{ID: "a", Type: "t"},
		fmt.Errorf("boom"), map[string]any{"queueName": "orders"})
	require.NoError(t, err)
	_, err = dlq.AddFailedMessage(ctx, Message{ID: "b", Type: "t"},
		fmt.Errorf("boom"), map[string]any{"queueName": "payments"})
	require.NoError(t, err)

	report, err := dlq.RetryBatch(ctx, RetryFilters{QueueName: "orders"})
	require.NoError(t, err)
	assert.Equal(t, RetryBatchReport{Total: 2, Succeeded: 1, Skipped: 1}, report)

	orders, err := m.Get("orders")
	require.NoError(t, err)
	counts, err := orders.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Waiting)

	// MinAge skips fresh records entirely.
	report, err = dlq.RetryBatch(ctx, RetryFilters{MinAge: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Skipped)
	assert.Zero(t, report.Succeeded)

	// A batch MaxRetries of 1 skips the already-retried record.
	report, err = dlq.RetryBatch(ctx, RetryFilters{MaxRetries: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Skipped)
}

func TestDLQSweepRemovesExpired(t *testing.T) {
	dlq, _ := newTestDLQ(t, WithDLQTTL(time.Hour))
	ctx := context.Background()

	_, err := dlq.AddFailedMessage(ctx, Message{ID: "fresh", Type: "t"}, fmt.Errorf("boom"), nil)
	require.NoError(t, err)

	// Backdate a record past the TTL by rewriting its stored data.
	_, err = dlq.AddFailedMessage(ctx, Message{ID: "old", Type: "t"}, fmt.Errorf("boom"), nil)
	require.NoError(t, err)
	job, err := dlq.queue.GetJob(ctx, "dlq:old")
	require.NoError(t, err)
	record, err := decodeRecord(job.Data)
	require.NoError(t, err)
	record.Meta.AddedAt = time.Now().Add(-48 * time.Hour)
	job.Data, err = json.Marshal(record)
	require.NoError(t, err)
	require.NoError(t, dlq.manager.Store().Update(ctx, job))

	removed, err := dlq.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = dlq.Record(ctx, "old")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = dlq.Record(ctx, "fresh")
	assert.NoError(t, err)
}

func TestDLQDecodeRecordDefaults(t *testing.T) {
	record, err := decodeRecord(json.RawMessage(`{"originalMessage":{"id":"x","type":"t"}}`))
	require.NoError(t, err)
	assert.False(t, record.Meta.AddedAt.IsZero())
	assert.Equal(t, record.Meta.AddedAt, record.Context.FailedAt)

	_, err = decodeRecord(json.RawMessage(`not json`))
	assert.Error(t, err)
}

func TestDLQSweeperStartStopIdempotent(t *testing.T) {
	dlq, _ := newTestDLQ(t)
	dlq.StartSweeper()
	dlq.StartSweeper()
	dlq.StopSweeper()
	dlq.StopSweeper()
}

func TestDLQRemoveAndStatus(t *testing.T) {
	dlq, _ := newTestDLQ(t)
	ctx := context.Background()

	_, err := dlq.AddFailedMessage(ctx, Message{ID: "m5", Type: "t"}, fmt.Errorf("boom"), nil)
	require.NoError(t, err)

	counts, err := dlq.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Waiting)

	require.NoError(t, dlq.Remove(ctx, "m5"))
	counts, err = dlq.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Total())
}
