// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the concrete subsystem optimizers.

package optimization

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePool struct {
	stats   PoolStats
	maxOpen int
	maxIdle int
}

func (p *fakePool) Stats() PoolStats { return p.stats }
func (p *fakePool) SetMaxOpen(n int) { p.maxOpen = n }
func (p *fakePool) SetMaxIdle(n int) { p.maxIdle = n }

func TestDatabasePoolOptimizerGrowsSaturatedPool(t *testing.T) {
	pool := &fakePool{stats: PoolStats{MaxOpen: 20, Open: 20, InUse: 18, Idle: 2, WaitCount: 40}}
	opt := NewDatabasePoolOptimizer(pool)

	require.True(t, opt.IsApplicable())
	assert.Equal(t, 10*time.Second, opt.SettleDelay())

	analysis, err := opt.Analyze(context.Background())
	require.NoError(t, err)
	require.True(t, analysis.Optimizable)
	assert.Contains(t, analysis.Reason, "utilization")

	result, err := opt.Optimize(context.Background(), analysis)
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, 25, pool.maxOpen)
	assert.Equal(t, 12, pool.maxIdle)
}

func TestDatabasePoolOptimizerShrinksIdlePool(t *testing.T) {
	pool := &fakePool{stats: PoolStats{MaxOpen: 50, Open: 30, InUse: 4, Idle: 26}}
	opt := NewDatabasePoolOptimizer(pool)

	analysis, err := opt.Analyze(context.Background())
	require.NoError(t, err)
	require.True(t, analysis.Optimizable)
	assert.Contains(t, analysis.Reason, "idle")

	_, err = opt.Optimize(context.Background(), analysis)
	require.NoError(t, err)
	assert.Equal(t, 8, pool.maxOpen, "shrink targets twice the in-use count")
}

func TestDatabasePoolOptimizerAdequate(t *testing.T) {
	pool := &fakePool{stats: PoolStats{MaxOpen: 20, InUse: 8, Idle: 4}}
	opt := NewDatabasePoolOptimizer(pool)

	analysis, err := opt.Analyze(context.Background())
	require.NoError(t, err)
	assert.False(t, analysis.Optimizable)

	assert.False(t, NewDatabasePoolOptimizer(nil).IsApplicable())
}

type fakeCache struct {
	stats     CacheStats
	ttlFactor float64
	prewarmed bool
}

func (c *fakeCache) Stats() CacheStats            { return c.stats }
func (c *fakeCache) ScaleTTL(f float64)           { c.ttlFactor = f }
func (c *fakeCache) Prewarm(context.Context) error {
	c.prewarmed = true
	return nil
}

func TestCacheOptimizerLowHitRate(t *testing.T) {
	cache := &fakeCache{stats: CacheStats{Hits: 30, Misses: 170, Keys: 12}}
	opt := NewCacheOptimizer(cache)

	analysis, err := opt.Analyze(context.Background())
	require.NoError(t, err)
	require.True(t, analysis.Optimizable)
	assert.InDelta(t, 0.15, analysis.Metrics["hitRate"], 1e-9)

	result, err := opt.Optimize(context.Background(), analysis)
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, 1.5, cache.ttlFactor)
	assert.True(t, cache.prewarmed)
}

func TestCacheOptimizerNeedsSamples(t *testing.T) {
	cache := &fakeCache{stats: CacheStats{Hits: 2, Misses: 8}}
	opt := NewCacheOptimizer(cache)

	analysis, err := opt.Analyze(context.Background())
	require.NoError(t, err)
	assert.False(t, analysis.Optimizable, "ten samples is cold-start noise")

	cache.stats = CacheStats{Hits: 900, Misses: 100}
	analysis, err = opt.Analyze(context.Background())
	require.NoError(t, err)
	assert.False(t, analysis.Optimizable, "90%% hit rate needs no tuning")
}

type fakeQueue struct {
	sample      QueueSample
	concurrency int
}

func (q *fakeQueue) Sample() QueueSample  { return q.sample }
func (q *fakeQueue) SetConcurrency(n int) { q.concurrency = n }

func TestQueueOptimizerScalesConcurrency(t *testing.T) {
	queue := &fakeQueue{sample: QueueSample{Waiting: 5000, Active: 4, Concurrency: 4}}
	opt := NewQueueOptimizer(queue)
	assert.Equal(t, 15*time.Second, opt.SettleDelay())

	analysis, err := opt.Analyze(context.Background())
	require.NoError(t, err)
	require.True(t, analysis.Optimizable)

	result, err := opt.Optimize(context.Background(), analysis)
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, 8, queue.concurrency)
}

func TestQueueOptimizerRespectsCeiling(t *testing.T) {
	queue := &fakeQueue{sample: QueueSample{Waiting: 5000, Concurrency: 16}}
	opt := NewQueueOptimizer(queue)

	analysis, err := opt.Analyze(context.Background())
	require.NoError(t, err)
	assert.False(t, analysis.Optimizable, "at the ceiling there is nothing to do")

	queue.sample.Waiting = 100
	analysis, err = opt.Analyze(context.Background())
	require.NoError(t, err)
	assert.False(t, analysis.Optimizable)
}
