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
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultCollectInterval is how often the runtime collector samples.
const DefaultCollectInterval = 10 * time.Second

// =============================================================================
// RUNTIME COLLECTOR
// =============================================================================

// RuntimeCollector periodically samples process and system state into
// pre-registered gauges.
//
// # Description
//
// Collected gauges:
//
//   - system_memory_total_bytes / system_memory_free_bytes /
//     system_memory_used_percent (from /proc/meminfo, falling back to
//     Go heap numbers when unavailable)
//   - system_load_average_1m (from /proc/loadavg, 0 when unavailable)
//   - process_uptime_seconds
//   - process_goroutines
//   - process_heap_alloc_bytes
//
// # Thread Safety
//
// Start and Stop are safe to call from any goroutine; Stop is
// idempotent and does not leak the ticker goroutine.
type RuntimeCollector struct {
	registry *Registry
	interval time.Duration
	started  time.Time

	mu   sync.Mutex
	stop chan struct{}
}

// NewRuntimeCollector registers the runtime gauges on the registry and
// returns a collector ready to Start. interval <= 0 uses the default.
func NewRuntimeCollector(registry *Registry, interval time.Duration) *RuntimeCollector {
	if interval <= 0 {
		interval = DefaultCollectInterval
	}

	registry.MustRegister("system_memory_total_bytes", KindGauge, "Total system memory in bytes")
	registry.MustRegister("system_memory_free_bytes", KindGauge, "Available system memory in bytes")
	registry.MustRegister("system_memory_used_percent", KindGauge, "Used system memory percentage")
	registry.MustRegister("system_load_average_1m", KindGauge, "One minute load average")
	registry.MustRegister("process_uptime_seconds", KindGauge, "Process uptime in seconds")
	registry.MustRegister("process_goroutines", KindGauge, "Number of goroutines")
	registry.MustRegister("process_heap_alloc_bytes", KindGauge, "Heap bytes allocated and in use")

	return &RuntimeCollector{
		registry: registry,
		interval: interval,
		started:  time.Now(),
	}
}

// Start samples immediately, then on every interval tick until Stop.
func (c *RuntimeCollector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return
	}
	c.stop = make(chan struct{})

	c.Collect()
	go func(stop chan struct{}) {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.Collect()
			}
		}
	}(c.stop)
}

// Stop halts periodic collection. Idempotent.
func (c *RuntimeCollector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

// Collect takes one sample. Exported so the façade can force a sample
// before rendering status.
func (c *RuntimeCollector) Collect() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	total, free, ok := readSystemMemory()
	if !ok {
		// Fallback keeps the gauges meaningful inside minimal
		// containers without /proc.
		total = float64(ms.Sys)
		free = float64(ms.Sys - ms.HeapAlloc)
	}
	usedPercent := 0.0
	if total > 0 {
		usedPercent = (total - free) / total * 100
	}

	c.registry.Set("system_memory_total_bytes", total, nil)
	c.registry.Set("system_memory_free_bytes", free, nil)
	c.registry.Set("system_memory_used_percent", usedPercent, nil)
	c.registry.Set("system_load_average_1m", readLoadAverage(), nil)
	c.registry.Set("process_uptime_seconds", time.Since(c.started).Seconds(), nil)
	c.registry.Set("process_goroutines", float64(runtime.NumGoroutine()), nil)
	c.registry.Set("process_heap_alloc_bytes", float64(ms.HeapAlloc), nil)
}

// readSystemMemory parses MemTotal and MemAvailable from /proc/meminfo.
func readSystemMemory() (total, free float64, ok bool) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, 0, false
	}
	var gotTotal, gotFree bool
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = kb * 1024
			gotTotal = true
		case "MemAvailable:":
			free = kb * 1024
			gotFree = true
		}
		if gotTotal && gotFree {
			break
		}
	}
	return total, free, gotTotal && gotFree
}

// readLoadAverage parses the 1-minute load from /proc/loadavg.
func readLoadAverage() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return load
}
