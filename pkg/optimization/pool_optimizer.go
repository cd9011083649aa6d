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
// DATABASE POOL OPTIMIZER
// =============================================================================

// PoolStats is a point-in-time sample of a connection pool. The shape
// matches what database/sql.DB.Stats exposes.
type PoolStats struct {
	MaxOpen      int
	Open         int
	InUse        int
	Idle         int
	WaitCount    int64
	WaitDuration time.Duration
}

// PoolController adapts a connection pool for tuning.
type PoolController interface {
	Stats() PoolStats
	SetMaxOpen(n int)
	SetMaxIdle(n int)
}

// DatabasePoolOptimizer grows a saturated connection pool and shrinks
// an oversized idle one.
type DatabasePoolOptimizer struct {
	pool PoolController

	// MaxConnections caps growth. Default: 100.
	MaxConnections int

	// MinConnections floors shrinking. Default: 5.
	MinConnections int
}

// NewDatabasePoolOptimizer wires the optimizer to a pool controller.
// A nil controller makes the optimizer inapplicable.
func NewDatabasePoolOptimizer(pool PoolController) *DatabasePoolOptimizer {
	return &DatabasePoolOptimizer{
		pool:           pool,
		MaxConnections: 100,
		MinConnections: 5,
	}
}

func (o *DatabasePoolOptimizer) Name() string { return "database_pool" }

func (o *DatabasePoolOptimizer) IsApplicable() bool { return o.pool != nil }

func (o *DatabasePoolOptimizer) SettleDelay() time.Duration { return 10 * time.Second }

// Analyze flags pools above 80% utilization (grow) or with idle
// connections more than double the in-use count (shrink).
func (o *DatabasePoolOptimizer) Analyze(_ context.Context) (Analysis, error) {
	stats := o.pool.Stats()
	if stats.MaxOpen <= 0 {
		return Analysis{Reason: "pool is unbounded"}, nil
	}

	utilization := float64(stats.InUse) / float64(stats.MaxOpen)
	analysis := Analysis{
		Metrics: map[string]float64{
			"utilization":    utilization,
			"waitCount":      float64(stats.WaitCount),
			"waitDurationMs": float64(stats.WaitDuration.Milliseconds()),
			"maxOpen":        float64(stats.MaxOpen),
		},
	}

	switch {
	case utilization > 0.8 && stats.MaxOpen < o.MaxConnections:
		analysis.Optimizable = true
		analysis.Reason = fmt.Sprintf("pool at %.0f%% utilization", utilization*100)
	case stats.Idle > stats.InUse*2 && stats.MaxOpen > o.MinConnections && stats.InUse > 0:
		analysis.Optimizable = true
		analysis.Reason = fmt.Sprintf("%d idle connections against %d in use", stats.Idle, stats.InUse)
	default:
		analysis.Reason = "pool sizing is adequate"
	}
	return analysis, nil
}

// Optimize grows the pool by 25% under pressure, otherwise shrinks it
// toward the in-use count.
func (o *DatabasePoolOptimizer) Optimize(_ context.Context, analysis Analysis) (OptimizeResult, error) {
	stats := o.pool.Stats()
	utilization := analysis.Metrics["utilization"]

	var target int
	var action string
	if utilization > 0.8 {
		target = stats.MaxOpen + stats.MaxOpen/4
		if target <= stats.MaxOpen {
			target = stats.MaxOpen + 1
		}
		if target > o.MaxConnections {
			target = o.MaxConnections
		}
		action = fmt.Sprintf("grew max connections %d -> %d", stats.MaxOpen, target)
	} else {
		target = stats.InUse * 2
		if target < o.MinConnections {
			target = o.MinConnections
		}
		action = fmt.Sprintf("shrank max connections %d -> %d", stats.MaxOpen, target)
	}

	o.pool.SetMaxOpen(target)
	o.pool.SetMaxIdle(target / 2)

	return OptimizeResult{
		Applied: true,
		Actions: []string{action},
		Details: map[string]any{"maxOpen": target, "maxIdle": target / 2},
	}, nil
}

func (o *DatabasePoolOptimizer) Verify(before, after Analysis) (Verification, bool) {
	// maxOpen is context, not a quality signal; weight it out.
	return computeVerification(before, after,
		map[string]float64{"utilization": 2, "waitDurationMs": 1, "waitCount": 1, "maxOpen": 0},
		nil), true
}
