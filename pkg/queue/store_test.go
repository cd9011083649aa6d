// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Shared store conformance tests run against both backends.

package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeBackends(t *testing.T) map[string]Store {
	t.Helper()
	badgerStore, err := NewBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { badgerStore.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"badger": badgerStore,
	}
}

func testJob(queue, id string) *Job {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Job{
		ID:          id,
		Queue:       queue,
		Data:        json.RawMessage(`{"n":1}`),
		Status:      JobWaiting,
		MaxAttempts: 3,
		Backoff:     time.Second,
		CreatedAt:   now,
		ProcessAt:   now,
	}
}

func TestStoreCreateGetUpdateDelete(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := testJob("orders", "j1")

			require.NoError(t, store.Create(ctx, job))
			assert.ErrorIs(t, store.Create(ctx, job), ErrJobExists)

			got, err := store.Get(ctx, "orders", "j1")
			require.NoError(t, err)
			assert.Equal(t, JobWaiting, got.Status)
			assert.JSONEq(t, `{"n":1}`, string(got.Data))

			got.Status = JobFailed
			got.LastError = "boom"
			require.NoError(t, store.Update(ctx, got))
			got, err = store.Get(ctx, "orders", "j1")
			require.NoError(t, err)
			assert.Equal(t, JobFailed, got.Status)
			assert.Equal(t, "boom", got.LastError)

			require.NoError(t, store.Delete(ctx, "orders", "j1"))
			_, err = store.Get(ctx, "orders", "j1")
			assert.ErrorIs(t, err, ErrJobNotFound)
			assert.ErrorIs(t, store.Delete(ctx, "orders", "j1"), ErrJobNotFound)
			assert.ErrorIs(t, store.Update(ctx, job), ErrJobNotFound)
		})
	}
}

func TestStoreClaimOrderAndEligibility(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()

			early := testJob("work", "early")
			early.ProcessAt = now.Add(-2 * time.Minute)
			late := testJob("work", "late")
			late.ProcessAt = now.Add(-time.Minute)
			future := testJob("work", "future")
			future.Status = JobDelayed
			future.ProcessAt = now.Add(time.Hour)

			require.NoError(t, store.Create(ctx, early))
			require.NoError(t, store.Create(ctx, late))
			require.NoError(t, store.Create(ctx, future))

			first, err := store.Claim(ctx, "work", now)
			require.NoError(t, err)
			assert.Equal(t, "early", first.ID)
			assert.Equal(t, JobActive, first.Status)

			second, err := store.Claim(ctx, "work", now)
			require.NoError(t, err)
			assert.Equal(t, "late", second.ID)

			_, err = store.Claim(ctx, "work", now)
			assert.ErrorIs(t, err, ErrJobNotFound, "delayed future job is not eligible")

			claimed, err := store.Claim(ctx, "work", now.Add(2*time.Hour))
			require.NoError(t, err)
			assert.Equal(t, "future", claimed.ID, "due delayed jobs become eligible")
		})
	}
}

func TestStoreCountsListClear(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			w := testJob("batch", "w")
			f := testJob("batch", "f")
			f.Status = JobFailed
			c := testJob("batch", "c")
			c.Status = JobCompleted
			other := testJob("elsewhere", "x")

			for _, job := range []*Job{w, f, c, other} {
				require.NoError(t, store.Create(ctx, job))
			}

			counts, err := store.Counts(ctx, "batch")
			require.NoError(t, err)
			assert.Equal(t, Counts{Waiting: 1, Failed: 1, Completed: 1}, counts)
			assert.Equal(t, 3, counts.Total())

			failed, err := store.List(ctx, "batch", JobFailed)
			require.NoError(t, err)
			require.Len(t, failed, 1)
			assert.Equal(t, "f", failed[0].ID)

			all, err := store.List(ctx, "batch")
			require.NoError(t, err)
			assert.Len(t, all, 3, "queues are isolated from each other")

			require.NoError(t, store.Clear(ctx, "batch"))
			counts, err = store.Counts(ctx, "batch")
			require.NoError(t, err)
			assert.Equal(t, Counts{}, counts)

			otherCounts, err := store.Counts(ctx, "elsewhere")
			require.NoError(t, err)
			assert.Equal(t, 1, otherCounts.Waiting, "clear only touches its queue")
		})
	}
}

func TestStorePing(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, store.Ping(context.Background()))
		})
	}
}
