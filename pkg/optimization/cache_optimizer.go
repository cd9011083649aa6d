// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package optimization

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// CACHE OPTIMIZER
// =============================================================================

// CacheStats is a point-in-time sample of a cache service.
type CacheStats struct {
	Hits   int64
	Misses int64
	Keys   int64
}

// CacheController adapts a cache service for tuning.
type CacheController interface {
	Stats() CacheStats

	// ScaleTTL multiplies the default TTL by factor.
	ScaleTTL(factor float64)

	// Prewarm re-runs high-priority warm tasks.
	Prewarm(ctx context.Context) error
}

// CacheOptimizer reacts to a poor hit rate by lengthening the default
// TTL and triggering a prewarm.
type CacheOptimizer struct {
	cache CacheController

	// HitRateThreshold triggers optimization below this rate.
	// Default: 0.5.
	HitRateThreshold float64

	// MinSamples avoids tuning on cold-start noise. Default: 100.
	MinSamples int64
}

// NewCacheOptimizer wires the optimizer to a cache controller. A nil
// controller makes the optimizer inapplicable.
func NewCacheOptimizer(cache CacheController) *CacheOptimizer {
	return &CacheOptimizer{
		cache:            cache,
		HitRateThreshold: 0.5,
		MinSamples:       100,
	}
}

func (o *CacheOptimizer) Name() string { return "cache" }

func (o *CacheOptimizer) IsApplicable() bool { return o.cache != nil }

func (o *CacheOptimizer) SettleDelay() time.Duration { return 10 * time.Second }

func (o *CacheOptimizer) Analyze(_ context.Context) (Analysis, error) {
	stats := o.cache.Stats()
	total := stats.Hits + stats.Misses

	analysis := Analysis{
		Metrics: map[string]float64{
			"hitRate": 0,
			"hits":    float64(stats.Hits),
			"misses":  float64(stats.Misses),
			"keys":    float64(stats.Keys),
		},
	}
	if total == 0 {
		analysis.Reason = "no cache traffic yet"
		return analysis, nil
	}

	hitRate := float64(stats.Hits) / float64(total)
	analysis.Metrics["hitRate"] = hitRate

	if total < o.MinSamples {
		analysis.Reason = fmt.Sprintf("only %d samples, below minimum %d", total, o.MinSamples)
		return analysis, nil
	}
	if hitRate < o.HitRateThreshold {
		analysis.Optimizable = true
		analysis.Reason = fmt.Sprintf("hit rate %.1f%% below %.0f%%", hitRate*100, o.HitRateThreshold*100)
	} else {
		analysis.Reason = fmt.Sprintf("hit rate %.1f%% is acceptable", hitRate*100)
	}
	return analysis, nil
}

func (o *CacheOptimizer) Optimize(ctx context.Context, _ Analysis) (OptimizeResult, error) {
	o.cache.ScaleTTL(1.5)
	actions := []string{"scaled default TTL by 1.5"}

	if err := o.cache.Prewarm(ctx); err != nil {
		return OptimizeResult{
			Applied: true,
			Actions: actions,
			Details: map[string]any{"prewarmError": err.Error()},
		}, nil
	}
	actions = append(actions, "triggered prewarm")
	return OptimizeResult{Applied: true, Actions: actions}, nil
}

func (o *CacheOptimizer) Verify(before, after Analysis) (Verification, bool) {
	return computeVerification(before, after,
		map[string]float64{"hitRate": 1, "hits": 0, "misses": 0, "keys": 0},
		map[string]bool{"hitRate": true}), true
}
