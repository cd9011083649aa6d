// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package optimization runs pluggable optimizers through a
// single-flight analyze/optimize/verify state machine.
//
// # Description
//
// An Optimizer inspects one subsystem (database pool, cache, queue),
// decides whether it can be improved, applies the improvement, and
// lets the Loop verify the effect after a settle delay. The Loop
// serializes all of this: only one cycle runs at a time.
package optimization

import (
	"context"
	"time"
)

// =============================================================================
// INTERFACES
// =============================================================================

// Optimizer inspects and tunes one subsystem.
type Optimizer interface {
	// Name identifies the optimizer in benchmarks and history.
	Name() string

	// IsApplicable reports whether the subsystem is wired up; false
	// skips the optimizer entirely during analysis.
	IsApplicable() bool

	// Analyze samples the subsystem and decides whether an
	// optimization would help.
	Analyze(ctx context.Context) (Analysis, error)

	// Optimize applies the improvement suggested by the analysis.
	Optimize(ctx context.Context, analysis Analysis) (OptimizeResult, error)

	// Verify compares before/after analyses. The second return is
	// false for optimizers that do not support verification.
	Verify(before, after Analysis) (Verification, bool)

	// SettleDelay is how long the Loop waits after Optimize before
	// re-analyzing for verification.
	SettleDelay() time.Duration
}

// =============================================================================
// STRUCTS
// =============================================================================

// Analysis is one optimizer's snapshot verdict.
type Analysis struct {
	Optimizable bool               `json:"optimizable"`
	Reason      string             `json:"reason,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
}

// OptimizeResult describes what an optimizer changed.
type OptimizeResult struct {
	Applied bool           `json:"applied"`
	Actions []string       `json:"actions,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Verification quantifies the effect of an optimization as the
// fractional improvement per metric plus a weighted overall figure.
type Verification struct {
	Improvements       map[string]float64 `json:"improvements"`
	OverallImprovement float64            `json:"overallImprovement"`
	Error              string             `json:"error,omitempty"`
}

// =============================================================================
// VERIFICATION HELPER
// =============================================================================

// computeVerification derives per-metric improvement fractions from
// before/after samples. Metrics in higherBetter improve when they go
// up; all others improve when they go down. Weights default to 1.
func computeVerification(before, after Analysis, weights map[string]float64, higherBetter map[string]bool) Verification {
	improvements := make(map[string]float64)
	var weightedSum, weightTotal float64

	for name, b := range before.Metrics {
		a, ok := after.Metrics[name]
		if !ok {
			continue
		}
		var improvement float64
		if b != 0 {
			if higherBetter[name] {
				improvement = (a - b) / b
			} else {
				improvement = (b - a) / b
			}
		} else if a != 0 && higherBetter[name] {
			improvement = 1
		}
		improvements[name] = improvement

		weight := 1.0
		if w, ok := weights[name]; ok {
			weight = w
		}
		weightedSum += improvement * weight
		weightTotal += weight
	}

	v := Verification{Improvements: improvements}
	if weightTotal > 0 {
		v.OverallImprovement = weightedSum / weightTotal
	}
	return v
}

// =============================================================================
// MOCK OPTIMIZER
// =============================================================================

// MockOptimizer is a test double for the Optimizer interface.
type MockOptimizer struct {
	NameValue        string
	IsApplicableFunc func() bool
	AnalyzeFunc      func(ctx context.Context) (Analysis, error)
	OptimizeFunc     func(ctx context.Context, analysis Analysis) (OptimizeResult, error)
	VerifyFunc       func(before, after Analysis) (Verification, bool)
	SettleDelayValue time.Duration
}

func (m *MockOptimizer) Name() string {
	if m.NameValue == "" {
		return "mock"
	}
	return m.NameValue
}

func (m *MockOptimizer) IsApplicable() bool {
	if m.IsApplicableFunc != nil {
		return m.IsApplicableFunc()
	}
	return true
}

func (m *MockOptimizer) Analyze(ctx context.Context) (Analysis, error) {
	if m.AnalyzeFunc != nil {
		return m.AnalyzeFunc(ctx)
	}
	return Analysis{}, nil
}

func (m *MockOptimizer) Optimize(ctx context.Context, analysis Analysis) (OptimizeResult, error) {
	if m.OptimizeFunc != nil {
		return m.OptimizeFunc(ctx, analysis)
	}
	return OptimizeResult{Applied: true}, nil
}

func (m *MockOptimizer) Verify(before, after Analysis) (Verification, bool) {
	if m.VerifyFunc != nil {
		return m.VerifyFunc(before, after)
	}
	return Verification{}, false
}

func (m *MockOptimizer) SettleDelay() time.Duration {
	return m.SettleDelayValue
}
