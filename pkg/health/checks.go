// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package health

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
)

// =============================================================================
// CONVENIENCE PROBES
// =============================================================================

// Pinger is satisfied by *sql.DB and any client exposing a
// context-aware ping.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// ContextPinger is the kvstore-style ping shape.
type ContextPinger interface {
	Ping(ctx context.Context) error
}

// ReadinessChecker reports whether a subsystem can accept work.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// RegisterDatabase adds a critical database ping check.
func (r *Registry) RegisterDatabase(name string, db Pinger, opts CheckOptions) error {
	return r.Register(name, func(ctx context.Context) (map[string]any, error) {
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("database ping failed: %w", err)
		}
		return nil, nil
	}, opts)
}

// RegisterKeyValueStore adds a key-value store ping check.
func (r *Registry) RegisterKeyValueStore(name string, store ContextPinger, opts CheckOptions) error {
	return r.Register(name, func(ctx context.Context) (map[string]any, error) {
		if err := store.Ping(ctx); err != nil {
			return nil, fmt.Errorf("kv store ping failed: %w", err)
		}
		return nil, nil
	}, opts)
}

// RegisterQueue adds a queue readiness check.
func (r *Registry) RegisterQueue(name string, q ReadinessChecker, opts CheckOptions) error {
	return r.Register(name, func(ctx context.Context) (map[string]any, error) {
		if err := q.Ready(ctx); err != nil {
			return nil, fmt.Errorf("queue not ready: %w", err)
		}
		return nil, nil
	}, opts)
}

// httpDoer abstracts the HTTP client for testing.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RegisterHTTP adds a generic HTTP probe: any status below 400 is
// healthy. A nil client uses http.DefaultClient.
func (r *Registry) RegisterHTTP(name, url string, client httpDoer, opts CheckOptions) error {
	if client == nil {
		client = http.DefaultClient
	}
	return r.Register(name, func(ctx context.Context) (map[string]any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("build probe request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("probe request failed: %w", err)
		}
		defer resp.Body.Close()

		details := map[string]any{"statusCode": resp.StatusCode}
		if resp.StatusCode >= 400 {
			return details, fmt.Errorf("probe returned status %d", resp.StatusCode)
		}
		return details, nil
	}, opts)
}

// RegisterSystem adds a non-critical check comparing memory usage and
// load average against thresholds. memPercent defaults to 90, load to
// the CPU count when zero.
func (r *Registry) RegisterSystem(memPercentThreshold, loadThreshold float64, opts CheckOptions) error {
	if memPercentThreshold <= 0 {
		memPercentThreshold = 90
	}
	return r.Register("system", func(_ context.Context) (map[string]any, error) {
		memPercent := readMemUsedPercent()
		load := readLoadAvg()

		details := map[string]any{
			"memoryUsedPercent": memPercent,
			"loadAverage1m":     load,
		}
		if memPercent > memPercentThreshold {
			return details, fmt.Errorf("memory usage %.1f%% above threshold %.1f%%",
				memPercent, memPercentThreshold)
		}
		if loadThreshold > 0 && load > loadThreshold {
			return details, fmt.Errorf("load average %.2f above threshold %.2f",
				load, loadThreshold)
		}
		return details, nil
	}, opts)
}

// readMemUsedPercent derives used memory from /proc/meminfo; 0 when
// unavailable so the check degrades to a no-op off Linux.
func readMemUsedPercent() float64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	var total, available float64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
		}
	}
	if total <= 0 {
		return 0
	}
	return (total - available) / total * 100
}

func readLoadAvg() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	load, _ := strconv.ParseFloat(fields[0], 64)
	return load
}
