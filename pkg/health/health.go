// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package health runs named check functions on a schedule and
// aggregates a tri-state overall verdict.
//
// # Description
//
// Each registered check races against its own timeout; one check's
// failure never cancels another. The overall status derives from the
// per-check records:
//
//   - unhealthy: any critical check is unhealthy
//   - degraded: otherwise, any non-critical check is unhealthy
//   - healthy: otherwise
//   - unknown: no checks have run yet
//
// # Thread Safety
//
// The Registry is safe for concurrent use.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// STATUS
// =============================================================================

// Status is the tri-state health verdict (plus unknown).
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// =============================================================================
// CHECKS
// =============================================================================

// CheckFunc performs one health probe. Returning an error marks the
// check unhealthy; the optional details map is attached to the record.
type CheckFunc func(ctx context.Context) (map[string]any, error)

// CheckOptions configures a registered check. Use DefaultCheckOptions
// as the starting point; a zero Timeout falls back to the default.
type CheckOptions struct {
	// Timeout bounds one invocation. Default: 5s.
	Timeout time.Duration

	// Critical marks checks whose failure makes the whole service
	// unhealthy rather than degraded.
	Critical bool

	// OnUnhealthy runs best-effort after an unhealthy result. Panics
	// are recovered and logged; they never influence check state.
	OnUnhealthy func(name string, result Result)
}

// DefaultCheckOptions returns the standard options: 5 second timeout,
// critical.
func DefaultCheckOptions() CheckOptions {
	return CheckOptions{
		Timeout:  5 * time.Second,
		Critical: true,
	}
}

// Result is the current record for one check.
type Result struct {
	Status      Status         `json:"status"`
	Critical    bool           `json:"critical"`
	LastCheck   time.Time      `json:"lastCheck"`
	LastSuccess time.Time      `json:"lastSuccess"`
	LastFailure time.Time      `json:"lastFailure"`
	Details     map[string]any `json:"details,omitempty"`
	Error       string         `json:"error,omitempty"`
}

type checkEntry struct {
	fn     CheckFunc
	opts   CheckOptions
	result Result
}

// =============================================================================
// ERROR VARIABLES
// =============================================================================

// ErrAlreadyRegistered is returned when a check name is reused.
var ErrAlreadyRegistered = fmt.Errorf("health: check already registered")

// =============================================================================
// REGISTRY
// =============================================================================

// Registry holds registered checks and the aggregate verdict.
type Registry struct {
	mu      sync.Mutex
	checks  map[string]*checkEntry
	order   []string
	overall Status
	logger  *slog.Logger

	onCheck        []func(name string, result Result)
	onStatusChange []func(status Status)

	stop chan struct{}
}

// NewRegistry creates an empty health registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		checks:  make(map[string]*checkEntry),
		overall: StatusUnknown,
		logger:  logger,
	}
}

// Register stores a check and seeds an unknown record.
func (r *Registry) Register(name string, fn CheckFunc, opts CheckOptions) error {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.checks[name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	r.checks[name] = &checkEntry{
		fn:   fn,
		opts: opts,
		result: Result{
			Status:   StatusUnknown,
			Critical: opts.Critical,
		},
	}
	r.order = append(r.order, name)
	return nil
}

// OnCheck registers an observer invoked after every individual check
// completes. Must be called before Start.
func (r *Registry) OnCheck(fn func(name string, result Result)) {
	r.mu.Lock()
	r.onCheck = append(r.onCheck, fn)
	r.mu.Unlock()
}

// OnStatusChange registers an observer for overall status transitions.
func (r *Registry) OnStatusChange(fn func(status Status)) {
	r.mu.Lock()
	r.onStatusChange = append(r.onStatusChange, fn)
	r.mu.Unlock()
}

// CheckAll runs every registered check concurrently and recomputes the
// overall status once all complete.
func (r *Registry) CheckAll(ctx context.Context) Status {
	r.mu.Lock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	entries := make([]*checkEntry, len(names))
	for i, name := range names {
		entries[i] = r.checks[name]
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for i := range names {
		wg.Add(1)
		go func(name string, entry *checkEntry) {
			defer wg.Done()
			result := r.runCheck(ctx, name, entry)
			r.record(name, entry, result)
		}(names[i], entries[i])
	}
	wg.Wait()

	return r.recomputeOverall()
}

// runCheck races the check function against its timeout.
func (r *Registry) runCheck(ctx context.Context, name string, entry *checkEntry) Result {
	checkCtx, cancel := context.WithTimeout(ctx, entry.opts.Timeout)
	defer cancel()

	type outcome struct {
		details map[string]any
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("check panicked: %v", rec)}
			}
		}()
		details, err := entry.fn(checkCtx)
		done <- outcome{details: details, err: err}
	}()

	now := time.Now()
	result := Result{
		Critical:  entry.opts.Critical,
		LastCheck: now,
	}

	select {
	case <-checkCtx.Done():
		result.Status = StatusUnhealthy
		result.Error = fmt.Sprintf("health check timeout after %s", entry.opts.Timeout)
	case out := <-done:
		result.Details = out.details
		if out.err != nil {
			result.Status = StatusUnhealthy
			result.Error = out.err.Error()
		} else {
			result.Status = StatusHealthy
		}
	}
	return result
}

// record merges the fresh result into the entry and fires observers.
func (r *Registry) record(name string, entry *checkEntry, result Result) {
	r.mu.Lock()
	prev := entry.result
	result.LastSuccess = prev.LastSuccess
	result.LastFailure = prev.LastFailure
	if result.Status == StatusHealthy {
		result.LastSuccess = result.LastCheck
	} else {
		result.LastFailure = result.LastCheck
	}
	entry.result = result
	observers := append([]func(string, Result){}, r.onCheck...)
	onUnhealthy := entry.opts.OnUnhealthy
	r.mu.Unlock()

	for _, fn := range observers {
		r.safeCallback(name, result, fn)
	}
	if result.Status == StatusUnhealthy && onUnhealthy != nil {
		r.safeCallback(name, result, onUnhealthy)
	}
}

func (r *Registry) safeCallback(name string, result Result, fn func(string, Result)) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("health callback panicked", "check", name, "panic", rec)
		}
	}()
	fn(name, result)
}

// recomputeOverall applies the aggregation truth table and fires
// status-change observers on transitions.
func (r *Registry) recomputeOverall() Status {
	r.mu.Lock()

	ran := false
	criticalUnhealthy := false
	anyUnhealthy := false
	for _, entry := range r.checks {
		res := entry.result
		if !res.LastCheck.IsZero() {
			ran = true
		}
		if res.Status == StatusUnhealthy {
			anyUnhealthy = true
			if res.Critical {
				criticalUnhealthy = true
			}
		}
	}

	next := StatusUnknown
	switch {
	case !ran:
		next = StatusUnknown
	case criticalUnhealthy:
		next = StatusUnhealthy
	case anyUnhealthy:
		next = StatusDegraded
	default:
		next = StatusHealthy
	}

	changed := next != r.overall
	r.overall = next
	observers := append([]func(Status){}, r.onStatusChange...)
	r.mu.Unlock()

	if changed {
		for _, fn := range observers {
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						r.logger.Error("status observer panicked", "panic", rec)
					}
				}()
				fn(next)
			}()
		}
	}
	return next
}

// Status returns the current overall verdict.
func (r *Registry) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overall
}

// IsHealthy reports whether every check passed.
func (r *Registry) IsHealthy() bool {
	return r.Status() == StatusHealthy
}

// IsAvailable reports whether the service can still take traffic
// (healthy or degraded).
func (r *Registry) IsAvailable() bool {
	s := r.Status()
	return s == StatusHealthy || s == StatusDegraded
}

// Results returns a copy of every check record keyed by name.
func (r *Registry) Results() map[string]Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Result, len(r.checks))
	for name, entry := range r.checks {
		out[name] = entry.result
	}
	return out
}

// Start triggers an immediate evaluation and then re-evaluates every
// interval (default 30s) until Stop. Evaluations never overlap: the
// next tick is consumed only after the previous CheckAll finished.
func (r *Registry) Start(interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	r.mu.Lock()
	if r.stop != nil {
		r.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	r.stop = stop
	r.mu.Unlock()

	go func() {
		ctx := context.Background()
		r.CheckAll(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.CheckAll(ctx)
			}
		}
	}()
}

// Stop halts periodic evaluation. Idempotent.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil {
		close(r.stop)
		r.stop = nil
	}
}
