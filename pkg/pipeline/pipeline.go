// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline composes named stages into a data-processing chain
// and runs items through it one at a time or in concurrent batches.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// =============================================================================
// INTERFACES
// =============================================================================

// Stage transforms one item. Returning (nil, nil) drops the item from
// the chain.
type Stage interface {
	// Name identifies the stage in errors and logs.
	Name() string

	// Process transforms the item.
	Process(ctx context.Context, item any) (any, error)
}

// StageFunc adapts a function to the Stage interface.
type StageFunc struct {
	StageName string
	Fn        func(ctx context.Context, item any) (any, error)
}

// Name returns the stage name.
func (s StageFunc) Name() string { return s.StageName }

// Process invokes the wrapped function.
func (s StageFunc) Process(ctx context.Context, item any) (any, error) {
	return s.Fn(ctx, item)
}

// =============================================================================
// ERROR POLICY
// =============================================================================

// ErrorPolicy decides how RunBatch treats per-item failures.
type ErrorPolicy string

const (
	// PolicyFailFast aborts the batch on the first failure.
	PolicyFailFast ErrorPolicy = "fail-fast"

	// PolicyCollect runs every item and reports failures together.
	PolicyCollect ErrorPolicy = "collect"

	// PolicySkip drops failed items silently (logged, not reported).
	PolicySkip ErrorPolicy = "skip"
)

// valid reports whether the policy is one of the known values.
func (p ErrorPolicy) valid() bool {
	switch p {
	case PolicyFailFast, PolicyCollect, PolicySkip:
		return true
	}
	return false
}

// ItemError ties a batch failure to its input position and stage.
type ItemError struct {
	Index int
	Stage string
	Err   error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("pipeline: item %d failed at stage %q: %v", e.Index, e.Stage, e.Err)
}

func (e ItemError) Unwrap() error { return e.Err }

// BatchOptions controls a RunBatch pass.
type BatchOptions struct {
	// Concurrency bounds parallel items; <=0 means 1.
	Concurrency int

	// ErrorPolicy defaults to fail-fast.
	ErrorPolicy ErrorPolicy
}

// BatchResult reports a RunBatch pass. Outputs holds results in input
// order; dropped, skipped, and failed positions are nil.
type BatchResult struct {
	Outputs   []any
	Errors    []ItemError
	Processed int
	Dropped   int
	Skipped   int
}

// =============================================================================
// PIPELINE
// =============================================================================

// ErrNoStages rejects an empty composition.
var ErrNoStages = fmt.Errorf("pipeline: at least one stage required")

// Pipeline is an immutable chain of stages.
//
// # Thread Safety
//
// Safe for concurrent use after construction.
type Pipeline struct {
	name   string
	stages []Stage
	logger *slog.Logger
}

// New validates the composition eagerly: every stage must be non-nil
// with a non-empty, unique name.
func New(name string, stages []Stage, logger *slog.Logger) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, ErrNoStages
	}
	if logger == nil {
		logger = slog.Default()
	}
	seen := make(map[string]bool, len(stages))
	for i, stage := range stages {
		if stage == nil {
			return nil, fmt.Errorf("pipeline: stage %d is nil", i)
		}
		if stage.Name() == "" {
			return nil, fmt.Errorf("pipeline: stage %d has no name", i)
		}
		if seen[stage.Name()] {
			return nil, fmt.Errorf("pipeline: duplicate stage name %q", stage.Name())
		}
		seen[stage.Name()] = true
	}
	return &Pipeline{name: name, stages: stages, logger: logger}, nil
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string { return p.name }

// Stages lists the stage names in order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, stage := range p.stages {
		names[i] = stage.Name()
	}
	return names
}

// Run pushes one item through every stage. A (nil, nil) stage result
// drops the item and short-circuits the rest of the chain.
func (p *Pipeline) Run(ctx context.Context, item any) (any, error) {
	current := item
	for _, stage := range p.stages {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("pipeline: %s aborted: %w", p.name, err)
		}
		next, err := p.safeProcess(ctx, stage, current)
		if err != nil {
			return nil, fmt.Errorf("pipeline: stage %q: %w", stage.Name(), err)
		}
		if next == nil {
			return nil, nil
		}
		current = next
	}
	return current, nil
}

// safeProcess contains stage panics.
func (p *Pipeline) safeProcess(ctx context.Context, stage Stage, item any) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("stage panicked: %v", rec)
		}
	}()
	return stage.Process(ctx, item)
}

// runIndexed runs one item and classifies the failure by stage.
func (p *Pipeline) runIndexed(ctx context.Context, index int, item any) (any, *ItemError) {
	current := item
	for _, stage := range p.stages {
		if err := ctx.Err(); err != nil {
			return nil, &ItemError{Index: index, Stage: stage.Name(), Err: err}
		}
		next, err := p.safeProcess(ctx, stage, current)
		if err != nil {
			return nil, &ItemError{Index: index, Stage: stage.Name(), Err: err}
		}
		if next == nil {
			return nil, nil
		}
		current = next
	}
	return current, nil
}

// RunBatch pushes every item through the pipeline with bounded
// concurrency, settling failures per the error policy.
func (p *Pipeline) RunBatch(ctx context.Context, items []any, opts BatchOptions) (BatchResult, error) {
	policy := opts.ErrorPolicy
	if policy == "" {
		policy = PolicyFailFast
	}
	if !policy.valid() {
		return BatchResult{}, fmt.Errorf("pipeline: unknown error policy %q", policy)
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	outputs := make([]any, len(items))
	var mu sync.Mutex
	var itemErrs []ItemError
	skipped := make(map[int]bool)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)
	for i, item := range items {
		group.Go(func() error {
			out, itemErr := p.runIndexed(groupCtx, i, item)
			if itemErr == nil {
				outputs[i] = out
				return nil
			}
			switch policy {
			case PolicyFailFast:
				// Cancels groupCtx; in-flight items abort.
				return *itemErr
			case PolicyCollect:
				mu.Lock()
				itemErrs = append(itemErrs, *itemErr)
				mu.Unlock()
			case PolicySkip:
				mu.Lock()
				skipped[itemErr.Index] = true
				mu.Unlock()
				p.logger.Debug("pipeline item skipped",
					"pipeline", p.name, "index", itemErr.Index,
					"stage", itemErr.Stage, "error", itemErr.Err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return BatchResult{Outputs: outputs}, err
	}

	result := BatchResult{Outputs: outputs, Errors: itemErrs, Skipped: len(skipped)}
	failed := make(map[int]bool, len(itemErrs))
	for _, e := range itemErrs {
		failed[e.Index] = true
	}
	for i, out := range outputs {
		if failed[i] || skipped[i] {
			continue
		}
		if out == nil {
			result.Dropped++
		} else {
			result.Processed++
		}
	}
	return result, nil
}
