// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the typed message processor.

package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessRetriesWithBackoff(t *testing.T) {
	p := NewProcessor(
		WithMaxRetries(3),
		WithRetryDelay(100*time.Millisecond),
	)

	var calls atomic.Int32
	p.RegisterHandler("t", func(_ context.Context, _ map[string]any) (any, error) {
		if calls.Add(1) < 3 {
			return nil, fmt.Errorf("transient")
		}
		return "ok", nil
	})

	start := time.Now()
	result, err := p.Process(context.Background(),
		Message{ID: "j1", Type: "t", Data: map[string]any{}})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, int32(3), calls.Load())
	// Two backoff sleeps: 100ms then 200ms.
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
}

func TestProcessExhaustsRetryBudget(t *testing.T) {
	p := NewProcessor(WithMaxRetries(3), WithRetryDelay(time.Millisecond))

	var calls atomic.Int32
	var failedMsg Message
	var failedErr error
	p.RegisterHandler("t", func(_ context.Context, _ map[string]any) (any, error) {
		calls.Add(1)
		return nil, fmt.Errorf("permanent")
	})
	p.OnFailed(func(msg Message, err error) {
		failedMsg = msg
		failedErr = err
	})

	_, err := p.Process(context.Background(),
		Message{ID: "j2", Type: "t", Data: map[string]any{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "j2", failedMsg.ID)
	assert.Equal(t, 3, failedMsg.Attempts)
	assert.ErrorContains(t, failedErr, "permanent")
}

func TestProcessNoHandler(t *testing.T) {
	p := NewProcessor()
	_, err := p.Process(context.Background(), Message{ID: "m", Type: "unknown"})
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestProcessDuplicateInFlight(t *testing.T) {
	p := NewProcessor(WithMaxRetries(1))

	release := make(chan struct{})
	p.RegisterHandler("slow", func(_ context.Context, _ map[string]any) (any, error) {
		<-release
		return "done", nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := p.Process(context.Background(), Message{ID: "dup", Type: "slow"})
		assert.NoError(t, err)
	}()

	require.Eventually(t, func() bool { return p.InFlight() == 1 },
		time.Second, 5*time.Millisecond)

	_, err := p.Process(context.Background(), Message{ID: "dup", Type: "slow"})
	assert.ErrorIs(t, err, ErrDuplicateInFlight)

	close(release)
	wg.Wait()
	assert.Zero(t, p.InFlight())
}

func TestProcessTimeout(t *testing.T) {
	p := NewProcessor(
		WithMessageTimeout(30*time.Millisecond),
		WithMaxRetries(1),
	)
	p.RegisterHandler("hang", func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := p.Process(context.Background(), Message{ID: "slow", Type: "hang"})
	assert.ErrorIs(t, err, ErrMessageTimeout)
}

func TestProcessHandlerPanicContained(t *testing.T) {
	p := NewProcessor(WithMaxRetries(1))
	p.RegisterHandler("boom", func(_ context.Context, _ map[string]any) (any, error) {
		panic("kaboom")
	})

	_, err := p.Process(context.Background(), Message{ID: "p1", Type: "boom"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestProcessBatch(t *testing.T) {
	p := NewProcessor(WithMaxRetries(1))
	p.RegisterHandler("even", func(_ context.Context, data map[string]any) (any, error) {
		n := int(data["n"].(float64))
		if n%2 != 0 {
			return nil, fmt.Errorf("odd input %d", n)
		}
		return n * 2, nil
	})

	msgs := make([]Message, 4)
	for i := range msgs {
		msgs[i] = Message{
			ID:   fmt.Sprintf("b%d", i),
			Type: "even",
			Data: map[string]any{"n": float64(i)},
		}
	}

	report := p.ProcessBatch(context.Background(), msgs)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 2, report.Failed)
	require.Len(t, report.Records, 4)
	assert.True(t, report.Records[0].Success)
	assert.False(t, report.Records[1].Success)
	assert.Contains(t, report.Records[1].Error, "odd input 1")
}

func TestCleanupTimedOut(t *testing.T) {
	p := NewProcessor(WithMessageTimeout(50 * time.Millisecond))

	p.mu.Lock()
	p.inFlight["stale"] = time.Now().Add(-time.Minute)
	p.inFlight["fresh"] = time.Now()
	p.mu.Unlock()

	assert.Equal(t, 1, p.CleanupTimedOut())
	assert.Equal(t, 1, p.InFlight())
}

func TestOnProcessedObserver(t *testing.T) {
	p := NewProcessor()
	var seen atomic.Value
	p.OnProcessed(func(msg Message, result any) {
		seen.Store(fmt.Sprintf("%s=%v", msg.ID, result))
	})
	p.RegisterHandler("t", func(_ context.Context, _ map[string]any) (any, error) {
		return 42, nil
	})

	_, err := p.Process(context.Background(), Message{ID: "obs", Type: "t"})
	require.NoError(t, err)
	assert.Equal(t, "obs=42", seen.Load())
}
