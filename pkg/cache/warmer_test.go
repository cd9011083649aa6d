// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the cache warmer's three triggers.

package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianOps/pkg/kvstore"
)

func newWarmerFixture(t *testing.T, opts ...WarmerOption) (*Service, *Warmer) {
	t.Helper()
	store := kvstore.NewMemoryStore(time.Minute)
	t.Cleanup(func() { store.Close() })
	svc := NewService(store)
	w := NewWarmer(svc, opts...)
	t.Cleanup(w.StopScheduled)
	return svc, w
}

func staticFetcher(value any) FetchFunc {
	return func(_ context.Context) (any, error) { return value, nil }
}

func TestWarmStartupPriorityAndReport(t *testing.T) {
	svc, w := newWarmerFixture(t, WithStartupConcurrency(1))

	var mu sync.Mutex
	var order []string
	record := func(key string, value any) FetchFunc {
		return func(_ context.Context) (any, error) {
			mu.Lock()
			order = append(order, key)
			mu.Unlock()
			return value, nil
		}
	}

	require.NoError(t, w.RegisterTask(WarmTask{
		Key: "rdp:a:list:all:v1", Fetcher: record("rdp:a:list:all:v1", "a"),
		Options: WarmTaskOptions{Priority: 5},
	}))
	require.NoError(t, w.RegisterTask(WarmTask{
		Key: "rdp:b:list:all:v1", Fetcher: record("rdp:b:list:all:v1", "b"),
		Options: WarmTaskOptions{Priority: 1, IsCore: true},
	}))
	require.NoError(t, w.RegisterTask(WarmTask{
		Key: "rdp:c:list:all:v1",
		Fetcher: func(_ context.Context) (any, error) {
			return nil, fmt.Errorf("source offline")
		},
		Options: WarmTaskOptions{Priority: 3},
	}))

	report := w.WarmStartup(context.Background())

	assert.ElementsMatch(t, []string{"rdp:a:list:all:v1", "rdp:b:list:all:v1"}, report.Successful)
	assert.Equal(t, []string{"rdp:c:list:all:v1"}, report.Failed)

	mu.Lock()
	require.GreaterOrEqual(t, len(order), 2)
	assert.Equal(t, "rdp:b:list:all:v1", order[0], "priority 1 runs first with concurrency 1")
	mu.Unlock()

	var got string
	hit, err := svc.Get(context.Background(), "rdp:b:list:all:v1", &got)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "b", got)

	stats := w.Stats()
	assert.Equal(t, int64(2), stats.Successes)
	assert.Equal(t, int64(1), stats.Failures)
	assert.Greater(t, stats.MeanLatency, time.Duration(0))
}

func TestWarmStartupWallClockTimeout(t *testing.T) {
	_, w := newWarmerFixture(t,
		WithStartupConcurrency(1),
		WithStartupTimeout(50*time.Millisecond))

	slow := func(ctx context.Context) (any, error) {
		select {
		case <-time.After(200 * time.Millisecond):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	require.NoError(t, w.RegisterTask(WarmTask{
		Key: "rdp:slow:list:one:v1", Fetcher: slow, Options: WarmTaskOptions{Priority: 1},
	}))
	require.NoError(t, w.RegisterTask(WarmTask{
		Key: "rdp:slow:list:two:v1", Fetcher: slow, Options: WarmTaskOptions{Priority: 2},
	}))

	report := w.WarmStartup(context.Background())
	assert.Empty(t, report.Successful)
	assert.Len(t, report.Failed, 2, "timed-out tasks are reported failed")
}

func TestRegisterTaskValidation(t *testing.T) {
	_, w := newWarmerFixture(t)

	assert.Error(t, w.RegisterTask(WarmTask{Fetcher: staticFetcher(1)}))
	assert.Error(t, w.RegisterTask(WarmTask{Key: "k"}))
	assert.Error(t, w.RegisterTask(WarmTask{
		Key: "k", Fetcher: staticFetcher(1),
		Options: WarmTaskOptions{IsScheduled: true, Schedule: "bad"},
	}))

	require.NoError(t, w.RegisterTask(WarmTask{Key: "k", Fetcher: staticFetcher(1)}))
	assert.Error(t, w.RegisterTask(WarmTask{Key: "k", Fetcher: staticFetcher(1)}),
		"duplicate keys are rejected")
}

func TestOnDemandWarmTriggersAtThreshold(t *testing.T) {
	svc, w := newWarmerFixture(t, withOnDemandTiming(time.Millisecond, time.Hour))

	var warms atomic.Int32
	require.NoError(t, w.RegisterTask(WarmTask{
		Key: "rdp:hot:item:1:v1",
		Fetcher: func(_ context.Context) (any, error) {
			warms.Add(1)
			return "warmed", nil
		},
		// Priority 10 gives the minimum threshold of 20.
		Options: WarmTaskOptions{Priority: 10},
	}))
	assert.Equal(t, 20.0, w.Threshold("rdp:hot:item:1:v1"))

	ctx := context.Background()
	var out string
	for i := 0; i < 20; i++ {
		_, err := svc.Get(ctx, "rdp:hot:item:1:v1", &out)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return warms.Load() == 1 },
		2*time.Second, 5*time.Millisecond, "20 misses must trigger one warm")

	require.Eventually(t, func() bool {
		hit, _ := svc.Get(ctx, "rdp:hot:item:1:v1", &out)
		return hit
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "warmed", out)

	// Successful warm eases the threshold but never below the floor.
	assert.Equal(t, 20.0, w.Threshold("rdp:hot:item:1:v1"))
}

func TestOnDemandThresholdBacksOffOnFailure(t *testing.T) {
	svc, w := newWarmerFixture(t, withOnDemandTiming(time.Millisecond, time.Hour))

	require.NoError(t, w.RegisterTask(WarmTask{
		Key: "rdp:cold:item:1:v1",
		Fetcher: func(_ context.Context) (any, error) {
			return nil, fmt.Errorf("fetch failed")
		},
		// Priority 1 starts at 100 - 10 = 90.
		Options: WarmTaskOptions{Priority: 1},
	}))
	assert.Equal(t, 90.0, w.Threshold("rdp:cold:item:1:v1"))

	ctx := context.Background()
	for i := 0; i < 90; i++ {
		_, err := svc.Get(ctx, "rdp:cold:item:1:v1", nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return w.Threshold("rdp:cold:item:1:v1") > 100
	}, 2*time.Second, 5*time.Millisecond, "failed warm must raise the threshold by x1.2")
	assert.InDelta(t, 108.0, w.Threshold("rdp:cold:item:1:v1"), 1e-9)
}

func TestOnDemandCooldown(t *testing.T) {
	svc, w := newWarmerFixture(t, withOnDemandTiming(time.Hour, time.Hour))

	var warms atomic.Int32
	require.NoError(t, w.RegisterTask(WarmTask{
		Key: "rdp:busy:item:1:v1",
		Fetcher: func(_ context.Context) (any, error) {
			warms.Add(1)
			// Returning nil keeps the key absent so misses keep coming.
			return nil, nil
		},
		Options: WarmTaskOptions{Priority: 10},
	}))

	ctx := context.Background()
	for i := 0; i < 60; i++ {
		_, err := svc.Get(ctx, "rdp:busy:item:1:v1", nil)
		require.NoError(t, err)
	}

	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, warms.Load(), int32(1),
		"cooldown must prevent repeated warms of the same key")
}

func TestScheduledWarm(t *testing.T) {
	// The restricted cron grammar only expresses hours, so drive the
	// scheduled path directly.
	svc, w := newWarmerFixture(t)

	attempts := atomic.Int32{}
	task := WarmTask{
		Key: "rdp:sched:list:all:v1",
		Fetcher: func(_ context.Context) (any, error) {
			if attempts.Add(1) < 3 {
				return nil, fmt.Errorf("transient")
			}
			return "ok", nil
		},
		Options: WarmTaskOptions{
			Priority:    2,
			RetryTimes:  3,
			RetryDelay:  time.Millisecond,
			IsScheduled: true,
			Schedule:    "0 */2 * * *",
		},
	}
	require.NoError(t, w.RegisterTask(task))

	w.scheduledWarm(task)

	assert.Equal(t, int32(3), attempts.Load(), "two transient failures then success")
	hit, err := svc.Get(context.Background(), "rdp:sched:list:all:v1", nil)
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestStartStopScheduledIdempotent(t *testing.T) {
	_, w := newWarmerFixture(t)
	require.NoError(t, w.RegisterTask(WarmTask{
		Key:     "rdp:sched:list:b:v1",
		Fetcher: staticFetcher("x"),
		Options: WarmTaskOptions{Priority: 1, IsScheduled: true, Schedule: "0 */1 * * *"},
	}))

	w.StartScheduled()
	w.StartScheduled()
	w.StopScheduled()
	w.StopScheduled()
}

func TestPrewarmRunsCoreTasks(t *testing.T) {
	svc, w := newWarmerFixture(t)

	require.NoError(t, w.RegisterTask(WarmTask{
		Key: "rdp:core:list:all:v1", Fetcher: staticFetcher("core"),
		Options: WarmTaskOptions{Priority: 1, IsCore: true},
	}))
	require.NoError(t, w.RegisterTask(WarmTask{
		Key: "rdp:extra:list:all:v1", Fetcher: staticFetcher("extra"),
		Options: WarmTaskOptions{Priority: 5},
	}))

	require.NoError(t, w.Prewarm(context.Background()))

	hit, err := svc.Get(context.Background(), "rdp:core:list:all:v1", nil)
	require.NoError(t, err)
	assert.True(t, hit)

	hit, err = svc.Get(context.Background(), "rdp:extra:list:all:v1", nil)
	require.NoError(t, err)
	assert.False(t, hit, "prewarm only touches core tasks")
}
