// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for health-driven alert rules.

package alerting

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianOps/pkg/health"
)

func TestHealthCheckRuleRaisesAndResolves(t *testing.T) {
	e := NewEngine()
	defer e.Stop()

	reg := health.NewRegistry(nil)
	e.AddHealthCheckRule(reg)

	failing := true
	require.NoError(t, reg.Register("db", func(_ context.Context) (map[string]any, error) {
		if failing {
			return nil, fmt.Errorf("connection refused")
		}
		return nil, nil
	}, health.DefaultCheckOptions()))

	reg.CheckAll(context.Background())

	alert, ok := e.GetAlert("health_check_db")
	require.True(t, ok)
	assert.Equal(t, SeverityCritical, alert.Severity, "critical checks raise critical alerts")
	assert.Contains(t, alert.Message, "connection refused")

	composite, ok := e.GetAlert("system_health")
	require.True(t, ok)
	assert.Equal(t, SeverityCritical, composite.Severity)

	failing = false
	reg.CheckAll(context.Background())

	_, ok = e.GetAlert("health_check_db")
	assert.False(t, ok, "recovery resolves the per-check alert")
	_, ok = e.GetAlert("system_health")
	assert.False(t, ok, "recovery resolves the composite alert")
}

func TestHealthCheckRuleNonCriticalSeverity(t *testing.T) {
	e := NewEngine()
	defer e.Stop()

	reg := health.NewRegistry(nil)
	e.AddHealthCheckRule(reg)

	opts := health.DefaultCheckOptions()
	opts.Critical = false
	require.NoError(t, reg.Register("sidecar", func(_ context.Context) (map[string]any, error) {
		return nil, fmt.Errorf("flapping")
	}, opts))

	reg.CheckAll(context.Background())

	alert, ok := e.GetAlert("health_check_sidecar")
	require.True(t, ok)
	assert.Equal(t, SeverityWarning, alert.Severity)

	composite, ok := e.GetAlert("system_health")
	require.True(t, ok)
	assert.Equal(t, SeverityWarning, composite.Severity, "degraded overall raises a warning composite")
}
