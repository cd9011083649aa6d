// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metrics implements the typed metric registry at the center of
// the observability core.
//
// # Description
//
// The registry stores counters, gauges, and histograms, with optional
// label dimensions, and renders a Prometheus-compatible text exposition.
// It deliberately does not use a metrics client library: alert rules
// read raw cell values through Get, the admin surface serves Snapshot
// as JSON, and the exposition format is part of the external contract.
//
// # Thread Safety
//
// The registry map is guarded by its own RWMutex; each metric guards
// its cells with a per-metric mutex, so updates to different metrics
// never contend.
package metrics

import (
	"fmt"
	"strings"
	"sync"
)

// =============================================================================
// KINDS AND BUCKETS
// =============================================================================

// Kind identifies a metric type.
type Kind string

const (
	// KindCounter is a non-decreasing floating value.
	KindCounter Kind = "counter"

	// KindGauge is an arbitrary floating value.
	KindGauge Kind = "gauge"

	// KindHistogram tracks sum, count, and cumulative bucket counts.
	KindHistogram Kind = "histogram"
)

// DefaultBuckets is the fixed bucket ladder shared by every histogram.
var DefaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// tupleSeparator joins ordered label values into a cell key. The unit
// separator cannot appear in sane label values.
const tupleSeparator = "\x1f"

// =============================================================================
// CELLS
// =============================================================================

// cell holds the value state for one label tuple.
type cell struct {
	// value is the current counter or gauge reading.
	value float64

	// sum, count, buckets are histogram state; buckets are cumulative
	// observation counts per ladder entry.
	sum     float64
	count   uint64
	buckets []uint64
}

// =============================================================================
// METRIC
// =============================================================================

// Metric is a registered metric descriptor together with its cells.
//
// # Description
//
// Label-less metrics use a single cell; labelled metrics map an
// ordered label-value tuple to a cell. Cells are created on first
// write with missing label values filled with the empty string.
//
// # Thread Safety
//
// All cell access goes through the metric's own mutex.
type Metric struct {
	// Name is the registered (unprefixed) name.
	Name string

	// Kind is counter, gauge, or histogram.
	Kind Kind

	// Help is the exposition help text.
	Help string

	// LabelNames is the ordered label dimension list. Label ordering
	// in the exposition follows this registration order.
	LabelNames []string

	mu sync.Mutex

	// single is the cell for label-less metrics.
	single *cell

	// cells maps a tuple key to its cell; tupleOrder preserves first-
	// write ordering for stable exposition output.
	cells      map[string]*cell
	tupleOrder []string
}

func newMetric(name string, kind Kind, help string, labelNames []string) *Metric {
	m := &Metric{
		Name:       name,
		Kind:       kind,
		Help:       help,
		LabelNames: labelNames,
	}
	if len(labelNames) == 0 {
		m.single = m.newCell()
	} else {
		m.cells = make(map[string]*cell)
	}
	return m
}

func (m *Metric) newCell() *cell {
	c := &cell{}
	if m.Kind == KindHistogram {
		c.buckets = make([]uint64, len(DefaultBuckets))
	}
	return c
}

// tupleKey builds the cell key from a label map, filling missing
// labels with the empty string. Returns the key, the ordered values,
// and whether any label was missing.
func (m *Metric) tupleKey(labels map[string]string) (string, []string, bool) {
	values := make([]string, len(m.LabelNames))
	missing := false
	for i, name := range m.LabelNames {
		v, ok := labels[name]
		if !ok {
			missing = true
		}
		values[i] = v
	}
	return strings.Join(values, tupleSeparator), values, missing
}

// cellFor returns the cell for the given tuple key, creating it when
// absent. Caller must hold m.mu.
func (m *Metric) cellFor(key string) *cell {
	if m.single != nil {
		return m.single
	}
	c, ok := m.cells[key]
	if !ok {
		c = m.newCell()
		m.cells[key] = c
		m.tupleOrder = append(m.tupleOrder, key)
	}
	return c
}

// observe applies a histogram observation.
func (c *cell) observe(value float64) {
	c.sum += value
	c.count++
	for i, bound := range DefaultBuckets {
		if value <= bound {
			c.buckets[i]++
		}
	}
}

// =============================================================================
// SNAPSHOT TYPES
// =============================================================================

// SnapshotValue is one cell's point-in-time reading.
type SnapshotValue struct {
	// Labels maps label names to this tuple's values. Nil for
	// label-less metrics.
	Labels map[string]string `json:"labels,omitempty"`

	// Value is the counter or gauge reading.
	Value float64 `json:"value"`

	// Sum, Count, and Buckets carry histogram state. Buckets is
	// indexed by formatted upper bound.
	Sum     float64           `json:"sum,omitempty"`
	Count   uint64            `json:"count,omitempty"`
	Buckets map[string]uint64 `json:"buckets,omitempty"`
}

// MetricSnapshot is one metric with all of its cells.
type MetricSnapshot struct {
	Name       string          `json:"name"`
	Kind       Kind            `json:"kind"`
	Help       string          `json:"help"`
	LabelNames []string        `json:"labelNames,omitempty"`
	Values     []SnapshotValue `json:"values"`
}

// =============================================================================
// ERROR VARIABLES
// =============================================================================

// ErrKindMismatch is returned when a name is re-registered with a
// different kind or label set.
var ErrKindMismatch = fmt.Errorf("metrics: registration conflicts with existing metric")

// ErrInvalidName is returned for malformed metric names.
var ErrInvalidName = fmt.Errorf("metrics: invalid metric name")
