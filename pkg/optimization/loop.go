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
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// STATE
// =============================================================================

// State is the loop's position in the optimization cycle.
type State string

const (
	StateIdle       State = "idle"
	StateAnalyzing  State = "analyzing"
	StateOptimizing State = "optimizing"
	StateVerifying  State = "verifying"
)

// =============================================================================
// ERROR VARIABLES
// =============================================================================

var (
	// ErrBusy is returned when a trigger arrives while a cycle is
	// already in flight.
	ErrBusy = fmt.Errorf("optimization: cycle already in progress")

	// ErrNoBenchmark is returned when Optimize is called before any
	// analysis has run.
	ErrNoBenchmark = fmt.Errorf("optimization: no benchmark available, run analyze first")

	// ErrDuplicateOptimizer is returned when an optimizer name is
	// reused.
	ErrDuplicateOptimizer = fmt.Errorf("optimization: optimizer already registered")
)

// =============================================================================
// STRUCTS
// =============================================================================

// Benchmark is the outcome of one analysis pass.
type Benchmark struct {
	Timestamp time.Time           `json:"timestamp"`
	Analysis  map[string]Analysis `json:"analysis"`
	Errors    map[string]string   `json:"errors,omitempty"`
}

// OptimizersToRun lists the names whose analysis was optimizable.
func (b *Benchmark) OptimizersToRun() []string {
	var names []string
	for name, a := range b.Analysis {
		if a.Optimizable {
			names = append(names, name)
		}
	}
	return names
}

// Record is one completed optimization cycle in history.
type Record struct {
	ID            string                    `json:"id"`
	Trigger       string                    `json:"trigger"`
	StartedAt     time.Time                 `json:"startedAt"`
	CompletedAt   time.Time                 `json:"completedAt"`
	Results       map[string]OptimizeResult `json:"results"`
	Errors        map[string]string         `json:"errors,omitempty"`
	Verifications map[string]Verification   `json:"verifications,omitempty"`
}

// Status is the loop's externally visible state.
type Status struct {
	State         State     `json:"state"`
	Automatic     bool      `json:"automatic"`
	Optimizers    []string  `json:"optimizers"`
	LastBenchmark time.Time `json:"lastBenchmark,omitzero"`
	CycleCount    int       `json:"cycleCount"`
}

// DefaultAnalysisInterval is the automatic-mode analysis period.
const DefaultAnalysisInterval = 5 * time.Minute

// defaultMaxHistory bounds the cycle history.
const defaultMaxHistory = 100

// =============================================================================
// LOOP
// =============================================================================

// Loop owns the optimizers and drives the
// Idle -> Analyzing -> Optimizing -> Verifying -> Idle cycle.
// Any trigger while not idle is rejected; the analyzing-to-optimizing
// transition in automatic mode is the only internal hand-off.
type Loop struct {
	mu         sync.Mutex
	state      State
	optimizers map[string]Optimizer
	order      []string
	benchmark  *Benchmark
	history    []Record
	maxHistory int
	automatic  bool
	interval   time.Duration
	stop       chan struct{}
	logger     *slog.Logger
}

// NewLoop creates an idle loop with no optimizers. A nil logger uses
// slog.Default.
func NewLoop(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		state:      StateIdle,
		optimizers: make(map[string]Optimizer),
		maxHistory: defaultMaxHistory,
		interval:   DefaultAnalysisInterval,
		logger:     logger,
	}
}

// Register adds an optimizer. Names must be unique.
func (l *Loop) Register(opt Optimizer) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	name := opt.Name()
	if _, exists := l.optimizers[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateOptimizer, name)
	}
	l.optimizers[name] = opt
	l.order = append(l.order, name)
	return nil
}

// =============================================================================
// ANALYZE
// =============================================================================

// Analyze runs every applicable optimizer's analysis and stores the
// benchmark. In automatic mode a non-empty optimizable set continues
// into Optimize asynchronously; otherwise the caller decides. Returns
// ErrBusy while a cycle is in flight.
func (l *Loop) Analyze(ctx context.Context) (*Benchmark, []string, error) {
	l.mu.Lock()
	if l.state != StateIdle {
		l.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: state %s", ErrBusy, l.state)
	}
	l.state = StateAnalyzing
	optimizers := l.snapshotOptimizersLocked()
	l.mu.Unlock()

	benchmark := l.runAnalysis(ctx, optimizers)

	l.mu.Lock()
	l.benchmark = benchmark
	toRun := benchmark.OptimizersToRun()
	proceed := l.automatic && len(toRun) > 0
	if proceed {
		l.state = StateOptimizing
	} else {
		l.state = StateIdle
	}
	l.mu.Unlock()

	if proceed {
		go l.runOptimizePhase(context.Background(), toRun, "automatic")
	}
	return benchmark, toRun, nil
}

func (l *Loop) snapshotOptimizersLocked() []Optimizer {
	out := make([]Optimizer, 0, len(l.order))
	for _, name := range l.order {
		out = append(out, l.optimizers[name])
	}
	return out
}

// runAnalysis collects per-optimizer analyses with error isolation.
func (l *Loop) runAnalysis(ctx context.Context, optimizers []Optimizer) *Benchmark {
	benchmark := &Benchmark{
		Timestamp: time.Now(),
		Analysis:  make(map[string]Analysis),
		Errors:    make(map[string]string),
	}
	for _, opt := range optimizers {
		if !opt.IsApplicable() {
			continue
		}
		analysis, err := l.safeAnalyze(ctx, opt)
		if err != nil {
			benchmark.Errors[opt.Name()] = err.Error()
			l.logger.Warn("optimizer analysis failed", "optimizer", opt.Name(), "error", err)
			continue
		}
		benchmark.Analysis[opt.Name()] = analysis
	}
	return benchmark
}

func (l *Loop) safeAnalyze(ctx context.Context, opt Optimizer) (a Analysis, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("analyze panicked: %v", rec)
		}
	}()
	return opt.Analyze(ctx)
}

// =============================================================================
// OPTIMIZE AND VERIFY
// =============================================================================

// Optimize applies the named optimizers against the most recent
// benchmark, then verifies each after its settle delay. Blocks until
// the cycle completes. Returns ErrBusy while another cycle runs.
func (l *Loop) Optimize(ctx context.Context, names []string) (*Record, error) {
	l.mu.Lock()
	if l.state != StateIdle {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: state %s", ErrBusy, l.state)
	}
	if l.benchmark == nil {
		l.mu.Unlock()
		return nil, ErrNoBenchmark
	}
	l.state = StateOptimizing
	l.mu.Unlock()

	return l.runOptimizePhase(ctx, names, "manual"), nil
}

// runOptimizePhase executes optimize+verify and returns to idle.
// Callers must have already transitioned the state to Optimizing.
func (l *Loop) runOptimizePhase(ctx context.Context, names []string, trigger string) *Record {
	l.mu.Lock()
	benchmark := l.benchmark
	l.mu.Unlock()

	record := Record{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		StartedAt: time.Now(),
		Results:   make(map[string]OptimizeResult),
		Errors:    make(map[string]string),
	}

	for _, name := range names {
		opt := l.optimizer(name)
		if opt == nil {
			record.Errors[name] = "unknown optimizer"
			continue
		}
		analysis, ok := benchmark.Analysis[name]
		if !ok {
			record.Errors[name] = "no analysis in current benchmark"
			continue
		}
		result, err := l.safeOptimize(ctx, opt, analysis)
		if err != nil {
			record.Errors[name] = err.Error()
			l.logger.Warn("optimizer failed", "optimizer", name, "error", err)
			continue
		}
		record.Results[name] = result
	}

	l.setState(StateVerifying)
	record.Verifications = l.verify(ctx, benchmark, record.Results)
	record.CompletedAt = time.Now()

	l.mu.Lock()
	l.history = append([]Record{record}, l.history...)
	if len(l.history) > l.maxHistory {
		l.history = l.history[:l.maxHistory]
	}
	l.state = StateIdle
	l.mu.Unlock()
	return &record
}

// verify re-analyzes each successfully optimized subsystem after its
// settle delay and computes improvements. One optimizer's verification
// failure leaves its peers intact.
func (l *Loop) verify(ctx context.Context, benchmark *Benchmark, results map[string]OptimizeResult) map[string]Verification {
	verifications := make(map[string]Verification)
	for name := range results {
		opt := l.optimizer(name)
		if opt == nil {
			continue
		}
		before := benchmark.Analysis[name]

		if delay := opt.SettleDelay(); delay > 0 {
			select {
			case <-ctx.Done():
				verifications[name] = Verification{Error: ctx.Err().Error()}
				continue
			case <-time.After(delay):
			}
		}

		after, err := l.safeAnalyze(ctx, opt)
		if err != nil {
			verifications[name] = Verification{Error: err.Error()}
			l.logger.Warn("verification re-analysis failed", "optimizer", name, "error", err)
			continue
		}
		if v, ok := opt.Verify(before, after); ok {
			verifications[name] = v
		}
	}
	return verifications
}

func (l *Loop) safeOptimize(ctx context.Context, opt Optimizer, analysis Analysis) (r OptimizeResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("optimize panicked: %v", rec)
		}
	}()
	return opt.Optimize(ctx, analysis)
}

func (l *Loop) optimizer(name string) Optimizer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.optimizers[name]
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// =============================================================================
// AUTOMATIC MODE
// =============================================================================

// EnableAutomatic turns on periodic analysis. A non-positive interval
// uses the default (5 minutes). Idempotent.
func (l *Loop) EnableAutomatic(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultAnalysisInterval
	}

	l.mu.Lock()
	if l.automatic {
		l.mu.Unlock()
		return
	}
	l.automatic = true
	l.interval = interval
	stop := make(chan struct{})
	l.stop = stop
	l.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if _, _, err := l.Analyze(context.Background()); err != nil {
					l.logger.Debug("automatic analysis skipped", "error", err)
				}
			}
		}
	}()
}

// DisableAutomatic stops the periodic analysis timer. Idempotent. An
// in-flight cycle finishes on its own.
func (l *Loop) DisableAutomatic() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.automatic {
		return
	}
	l.automatic = false
	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
}

// Stop is an alias for DisableAutomatic for shutdown composition.
func (l *Loop) Stop() {
	l.DisableAutomatic()
}

// =============================================================================
// READ SURFACE
// =============================================================================

// Status reports the loop's current state.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Status{
		State:      l.state,
		Automatic:  l.automatic,
		Optimizers: append([]string(nil), l.order...),
		CycleCount: len(l.history),
	}
	if l.benchmark != nil {
		s.LastBenchmark = l.benchmark.Timestamp
	}
	return s
}

// LastBenchmark returns the most recent analysis, or nil.
func (l *Loop) LastBenchmark() *Benchmark {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.benchmark
}

// History returns up to limit cycle records, newest first. A
// non-positive limit returns everything retained.
func (l *Loop) History(limit int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Record, n)
	copy(out, l.history[:n])
	return out
}
