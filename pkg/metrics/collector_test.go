// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the runtime collector.

package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntimeCollectorRegistersGauges(t *testing.T) {
	reg := NewRegistry()
	collector := NewRuntimeCollector(reg, time.Hour)
	collector.Collect()

	for _, name := range []string{
		"system_memory_total_bytes",
		"system_memory_used_percent",
		"system_load_average_1m",
		"process_uptime_seconds",
		"process_goroutines",
		"process_heap_alloc_bytes",
	} {
		_, ok := reg.Get(name, nil)
		assert.True(t, ok, "gauge %s missing", name)
	}

	goroutines, _ := reg.Get("process_goroutines", nil)
	assert.Positive(t, goroutines)

	heap, _ := reg.Get("process_heap_alloc_bytes", nil)
	assert.Positive(t, heap)
}

func TestRuntimeCollectorStartStop(t *testing.T) {
	reg := NewRegistry()
	collector := NewRuntimeCollector(reg, 10*time.Millisecond)

	collector.Start()
	// Start must sample immediately.
	_, ok := reg.Get("process_uptime_seconds", nil)
	require.True(t, ok)

	time.Sleep(35 * time.Millisecond)
	collector.Stop()
	collector.Stop() // idempotent

	// Double start after stop must not panic.
	collector.Start()
	collector.Stop()
}
