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
// QUEUE OPTIMIZER
// =============================================================================

// QueueSample is a point-in-time view of a job queue's pressure.
type QueueSample struct {
	Waiting     int
	Active      int
	Failed      int
	Concurrency int
}

// QueueController adapts a queue system for tuning.
type QueueController interface {
	Sample() QueueSample
	SetConcurrency(n int)
}

// QueueOptimizer doubles consumer concurrency while the backlog
// exceeds the threshold, up to a ceiling.
type QueueOptimizer struct {
	queue QueueController

	// BacklogThreshold triggers optimization above this many waiting
	// jobs. Default: 1000.
	BacklogThreshold int

	// MaxConcurrency caps growth. Default: 16.
	MaxConcurrency int
}

// NewQueueOptimizer wires the optimizer to a queue controller. A nil
// controller makes the optimizer inapplicable.
func NewQueueOptimizer(queue QueueController) *QueueOptimizer {
	return &QueueOptimizer{
		queue:            queue,
		BacklogThreshold: 1000,
		MaxConcurrency:   16,
	}
}

func (o *QueueOptimizer) Name() string { return "queue" }

func (o *QueueOptimizer) IsApplicable() bool { return o.queue != nil }

func (o *QueueOptimizer) SettleDelay() time.Duration { return 15 * time.Second }

func (o *QueueOptimizer) Analyze(_ context.Context) (Analysis, error) {
	sample := o.queue.Sample()

	analysis := Analysis{
		Metrics: map[string]float64{
			"waiting":     float64(sample.Waiting),
			"active":      float64(sample.Active),
			"failed":      float64(sample.Failed),
			"concurrency": float64(sample.Concurrency),
		},
	}

	switch {
	case sample.Waiting > o.BacklogThreshold && sample.Concurrency >= o.MaxConcurrency:
		analysis.Reason = fmt.Sprintf("backlog %d but concurrency already at ceiling %d",
			sample.Waiting, o.MaxConcurrency)
	case sample.Waiting > o.BacklogThreshold:
		analysis.Optimizable = true
		analysis.Reason = fmt.Sprintf("backlog %d above threshold %d", sample.Waiting, o.BacklogThreshold)
	default:
		analysis.Reason = fmt.Sprintf("backlog %d within threshold", sample.Waiting)
	}
	return analysis, nil
}

func (o *QueueOptimizer) Optimize(_ context.Context, _ Analysis) (OptimizeResult, error) {
	sample := o.queue.Sample()
	target := sample.Concurrency * 2
	if target < 1 {
		target = 2
	}
	if target > o.MaxConcurrency {
		target = o.MaxConcurrency
	}
	o.queue.SetConcurrency(target)

	return OptimizeResult{
		Applied: true,
		Actions: []string{fmt.Sprintf("raised consumer concurrency %d -> %d", sample.Concurrency, target)},
		Details: map[string]any{"concurrency": target},
	}, nil
}

func (o *QueueOptimizer) Verify(before, after Analysis) (Verification, bool) {
	return computeVerification(before, after,
		map[string]float64{"waiting": 2, "failed": 1, "active": 0, "concurrency": 0},
		nil), true
}
