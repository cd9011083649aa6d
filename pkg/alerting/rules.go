// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianOps/pkg/health"
)

// =============================================================================
// CONDITIONS
// =============================================================================

// ConditionResult is one evaluation outcome. Message, when set,
// overrides the rule's static message; Data is attached to the alert.
type ConditionResult struct {
	Triggered bool
	Message   string
	Data      map[string]any
}

// ConditionFunc evaluates a rule once. An error is logged and treated
// as not triggered.
type ConditionFunc func(ctx context.Context) (ConditionResult, error)

// =============================================================================
// COMPARISONS
// =============================================================================

// Comparison selects the operator for metric-threshold rules.
type Comparison string

const (
	CompareGreater      Comparison = ">"
	CompareLess         Comparison = "<"
	CompareGreaterEqual Comparison = ">="
	CompareLessEqual    Comparison = "<="
	CompareEqual        Comparison = "="
	CompareNotEqual     Comparison = "!="
)

// Apply evaluates value against threshold. Unknown comparisons are
// always false.
func (c Comparison) Apply(value, threshold float64) bool {
	switch c {
	case CompareGreater:
		return value > threshold
	case CompareLess:
		return value < threshold
	case CompareGreaterEqual:
		return value >= threshold
	case CompareLessEqual:
		return value <= threshold
	case CompareEqual:
		return value == threshold
	case CompareNotEqual:
		return value != threshold
	default:
		return false
	}
}

// =============================================================================
// RULES
// =============================================================================

// Rule describes one periodically-evaluated alert condition.
type Rule struct {
	// Name doubles as the raised alert's name.
	Name string

	// Condition is evaluated once per tick.
	Condition ConditionFunc

	// Message is the alert message unless the condition supplies one.
	Message string

	Severity Severity
	Labels   []string

	// CheckInterval is the evaluation period. Default: 30s.
	CheckInterval time.Duration

	// AutoResolveAfter resolves a raised alert after this duration
	// regardless of the condition. Zero disables.
	AutoResolveAfter time.Duration

	// Enabled rules run; disabled rules are stored but never ticked.
	Enabled bool
}

// MetricFunc samples the current value of a metric.
type MetricFunc func() float64

// AddMetricRule registers the common threshold rule: sample the metric
// each tick and trigger when the comparison against threshold holds.
func (e *Engine) AddMetricRule(name string, metric MetricFunc, cmp Comparison,
	threshold float64, severity Severity, message string, interval time.Duration) error {
	return e.AddRule(Rule{
		Name: name,
		Condition: func(_ context.Context) (ConditionResult, error) {
			value := metric()
			if cmp.Apply(value, threshold) {
				return ConditionResult{
					Triggered: true,
					Message:   fmt.Sprintf("%s (current value %g, threshold %s %g)", message, value, cmp, threshold),
					Data:      map[string]any{"value": value, "threshold": threshold},
				}, nil
			}
			return ConditionResult{}, nil
		},
		Message:       message,
		Severity:      severity,
		Labels:        []string{"metric", name},
		CheckInterval: interval,
		Enabled:       true,
	})
}

// AddHealthCheckRule subscribes to a health registry and mirrors its
// state as alerts: one "health_check_<name>" alert per failing check
// (critical checks raise critical severity, others warning) and a
// composite "system_health" alert while the overall status is degraded
// or unhealthy. Alerts resolve automatically on recovery.
func (e *Engine) AddHealthCheckRule(reg *health.Registry) {
	reg.OnCheck(func(name string, result health.Result) {
		alertName := "health_check_" + name
		if result.Status == health.StatusUnhealthy {
			severity := SeverityWarning
			if result.Critical {
				severity = SeverityCritical
			}
			message := fmt.Sprintf("health check %q failing: %s", name, result.Error)
			e.Raise(alertName, message, severity, []string{"health", name}, result.Details)
			return
		}
		if result.Status == health.StatusHealthy {
			e.Resolve(alertName, "Condition no longer met")
		}
	})

	reg.OnStatusChange(func(status health.Status) {
		switch status {
		case health.StatusUnhealthy:
			// Re-raise so a degraded-to-unhealthy transition escalates
			// the composite alert's severity.
			e.Resolve("system_health", "Condition no longer met")
			e.Raise("system_health", "overall health is unhealthy",
				SeverityCritical, []string{"health", "overall"}, nil)
		case health.StatusDegraded:
			e.Resolve("system_health", "Condition no longer met")
			e.Raise("system_health", "overall health is degraded",
				SeverityWarning, []string{"health", "overall"}, nil)
		case health.StatusHealthy:
			e.Resolve("system_health", "Condition no longer met")
		}
	})
}
