// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metrics

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianOps/pkg/validation"
)

// DefaultPrefix is prepended to every metric name in the exposition.
const DefaultPrefix = "app_"

// =============================================================================
// REGISTRY
// =============================================================================

// Registry stores registered metrics and dispatches updates.
//
// # Description
//
// Registration is idempotent: registering an existing name with the
// same kind and labels returns the existing descriptor. Updates to
// unknown metrics are warned and dropped rather than failing the
// caller (a LookupError is an operator mistake, not a reason to break
// the hot path).
//
// # Examples
//
//	reg := metrics.NewRegistry()
//	reg.MustRegister("http_requests", metrics.KindCounter,
//	    "Total HTTP requests", "method", "status")
//	reg.IncrementCounter("http_requests", 1,
//	    map[string]string{"method": "GET", "status": "200"})
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]*Metric
	order   []string

	prefix string
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithPrefix overrides the exposition name prefix (default "app_").
func WithPrefix(prefix string) Option {
	return func(r *Registry) { r.prefix = prefix }
}

// WithLogger sets the logger used for warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		metrics: make(map[string]*Metric),
		prefix:  DefaultPrefix,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a metric, returning the existing descriptor when the
// name is already registered with the same shape.
//
// # Inputs
//
//   - name: snake_case metric name without prefix.
//   - kind: counter, gauge, or histogram.
//   - help: exposition help text.
//   - labelNames: ordered label dimensions, possibly empty.
//
// # Outputs
//
//   - *Metric: the registered (or pre-existing) descriptor.
//   - error: ErrInvalidName or ErrKindMismatch.
func (r *Registry) Register(name string, kind Kind, help string, labelNames ...string) (*Metric, error) {
	if err := validation.ValidateMetricName(name); err != nil {
		return nil, ErrInvalidName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.metrics[name]; ok {
		if existing.Kind != kind || !sameLabels(existing.LabelNames, labelNames) {
			return nil, ErrKindMismatch
		}
		return existing, nil
	}

	m := newMetric(name, kind, help, labelNames)
	r.metrics[name] = m
	r.order = append(r.order, name)
	return m, nil
}

// MustRegister is Register that panics on error. Intended for startup
// wiring where a bad name is a programming error.
func (r *Registry) MustRegister(name string, kind Kind, help string, labelNames ...string) *Metric {
	m, err := r.Register(name, kind, help, labelNames...)
	if err != nil {
		panic(err)
	}
	return m
}

// lookup fetches a metric, warning once per call site when absent.
func (r *Registry) lookup(op, name string) (*Metric, bool) {
	r.mu.RLock()
	m, ok := r.metrics[name]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("metric update for unknown metric", "op", op, "metric", name)
	}
	return m, ok
}

// resolveCell locks the metric and returns its cell for the labels.
// The caller must call m.mu.Unlock when done.
func (r *Registry) resolveCell(op string, m *Metric, labels map[string]string) *cell {
	key, _, missing := m.tupleKey(labels)
	if missing && len(m.LabelNames) > 0 {
		r.logger.Warn("metric update missing labels",
			"op", op, "metric", m.Name, "want", m.LabelNames)
	}
	return m.cellFor(key)
}

// Set updates a metric by kind: counters add the (non-negative) value,
// gauges store it, histograms observe it.
func (r *Registry) Set(name string, value float64, labels map[string]string) {
	m, ok := r.lookup("set", name)
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c := r.resolveCell("set", m, labels)

	switch m.Kind {
	case KindCounter:
		if value < 0 {
			r.logger.Warn("counter cannot decrease", "metric", name, "delta", value)
			return
		}
		c.value += value
	case KindGauge:
		c.value = value
	case KindHistogram:
		c.observe(value)
	}
}

// IncrementCounter adds delta to a counter. Negative deltas are warned
// and dropped; calls against non-counters are warned and dropped.
func (r *Registry) IncrementCounter(name string, delta float64, labels map[string]string) {
	m, ok := r.lookup("increment", name)
	if !ok {
		return
	}
	if m.Kind != KindCounter {
		r.logger.Warn("increment on non-counter", "metric", name, "kind", m.Kind)
		return
	}
	if delta < 0 {
		r.logger.Warn("counter cannot decrease", "metric", name, "delta", delta)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c := r.resolveCell("increment", m, labels)
	c.value += delta
}

// ObserveHistogram records one observation: count += 1, sum += value,
// and every bucket with value <= bound is incremented.
func (r *Registry) ObserveHistogram(name string, value float64, labels map[string]string) {
	m, ok := r.lookup("observe", name)
	if !ok {
		return
	}
	if m.Kind != KindHistogram {
		r.logger.Warn("observe on non-histogram", "metric", name, "kind", m.Kind)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c := r.resolveCell("observe", m, labels)
	c.observe(value)
}

// Get returns the current cell value for a counter or gauge, or the
// observation count for a histogram. The bool reports whether the
// metric and cell exist.
func (r *Registry) Get(name string, labels map[string]string) (float64, bool) {
	r.mu.RLock()
	m, ok := r.metrics[name]
	r.mu.RUnlock()
	if !ok {
		return 0, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var c *cell
	if m.single != nil {
		c = m.single
	} else {
		key, _, _ := m.tupleKey(labels)
		c = m.cells[key]
		if c == nil {
			return 0, false
		}
	}
	if m.Kind == KindHistogram {
		return float64(c.count), true
	}
	return c.value, true
}

// Sum returns the summed value across every cell of a counter or
// gauge, or the summed observation count for a histogram. Used by
// rules that alert on totals regardless of label split.
func (r *Registry) Sum(name string) (float64, bool) {
	r.mu.RLock()
	m, ok := r.metrics[name]
	r.mu.RUnlock()
	if !ok {
		return 0, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0.0
	add := func(c *cell) {
		if m.Kind == KindHistogram {
			total += float64(c.count)
		} else {
			total += c.value
		}
	}
	if m.single != nil {
		add(m.single)
	} else {
		for _, c := range m.cells {
			add(c)
		}
	}
	return total, true
}

// Snapshot returns all metrics and their per-tuple values in
// registration order.
func (r *Registry) Snapshot() []MetricSnapshot {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	r.mu.RUnlock()

	snapshots := make([]MetricSnapshot, 0, len(names))
	for _, name := range names {
		r.mu.RLock()
		m := r.metrics[name]
		r.mu.RUnlock()
		if m == nil {
			continue
		}
		snapshots = append(snapshots, m.snapshot())
	}
	return snapshots
}

func (m *Metric) snapshot() MetricSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricSnapshot{
		Name:       m.Name,
		Kind:       m.Kind,
		Help:       m.Help,
		LabelNames: m.LabelNames,
	}

	appendCell := func(labels map[string]string, c *cell) {
		v := SnapshotValue{Labels: labels}
		if m.Kind == KindHistogram {
			v.Sum = c.sum
			v.Count = c.count
			v.Buckets = make(map[string]uint64, len(DefaultBuckets))
			for i, bound := range DefaultBuckets {
				v.Buckets[formatValue(bound)] = c.buckets[i]
			}
		} else {
			v.Value = c.value
		}
		snap.Values = append(snap.Values, v)
	}

	if m.single != nil {
		appendCell(nil, m.single)
		return snap
	}
	for _, key := range m.tupleOrder {
		c := m.cells[key]
		values := splitTuple(key, len(m.LabelNames))
		labels := make(map[string]string, len(m.LabelNames))
		for i, ln := range m.LabelNames {
			labels[ln] = values[i]
		}
		appendCell(labels, c)
	}
	return snap
}

// Names returns registered metric names, sorted. Used by tests and the
// admin surface.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.Strings(names)
	return names
}

// Prefix returns the configured exposition prefix.
func (r *Registry) Prefix() string {
	return r.prefix
}

func sameLabels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func splitTuple(key string, n int) []string {
	if n == 0 {
		return nil
	}
	parts := make([]string, n)
	copy(parts, strings.SplitN(key, tupleSeparator, n))
	return parts
}
