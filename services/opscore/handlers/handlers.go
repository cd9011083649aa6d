// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the monitoring admin HTTP surface.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianOps/pkg/alerting"
	"github.com/AleutianAI/AleutianOps/pkg/health"
	"github.com/AleutianAI/AleutianOps/pkg/monitoring"
	"github.com/AleutianAI/AleutianOps/pkg/optimization"
)

// =============================================================================
// PLUMBING
// =============================================================================

// Handlers binds the route handlers to the monitoring façade.
type Handlers struct {
	svc    *monitoring.Service
	logger *slog.Logger
}

// New creates the handler set.
func New(svc *monitoring.Service, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{svc: svc, logger: logger}
}

// apiError is the uniform error body.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, apiError{Code: code, Message: message})
}

// =============================================================================
// READ SURFACE
// =============================================================================

// Status serves GET /status.
func (h *Handlers) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Status())
}

// Health serves GET /health: 200 healthy, 503 degraded, 500 unhealthy.
func (h *Handlers) Health(c *gin.Context) {
	report := h.svc.HealthSnapshot()
	status := http.StatusOK
	switch report.Status {
	case health.StatusDegraded, health.StatusUnknown:
		status = http.StatusServiceUnavailable
	case health.StatusUnhealthy:
		status = http.StatusInternalServerError
	}
	c.JSON(status, report)
}

// Metrics serves GET /metrics as a JSON array.
func (h *Handlers) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.MetricsSnapshot())
}

// MetricsPrometheus serves GET /metrics/prometheus as text.
func (h *Handlers) MetricsPrometheus(c *gin.Context) {
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(h.svc.Exposition()))
}

// Alerts serves GET /alerts with limit/severity/status/startTime/
// endTime filters.
func (h *Handlers) Alerts(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	snap := h.svc.AlertsSnapshot(limit)

	filter, err := alertFilterFromQuery(c)
	if err != nil {
		fail(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"active":  filter.apply(snap.Active),
		"history": filter.apply(snap.History),
	})
}

type alertFilter struct {
	severity  alerting.Severity
	status    alerting.AlertStatus
	startTime time.Time
	endTime   time.Time
}

func alertFilterFromQuery(c *gin.Context) (alertFilter, error) {
	var f alertFilter
	if v := c.Query("severity"); v != "" {
		sev := alerting.Severity(v)
		if !sev.Valid() {
			return f, errors.New("unknown severity " + strconv.Quote(v))
		}
		f.severity = sev
	}
	if v := c.Query("status"); v != "" {
		f.status = alerting.AlertStatus(v)
	}
	if v := c.Query("startTime"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("startTime must be RFC3339")
		}
		f.startTime = ts
	}
	if v := c.Query("endTime"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("endTime must be RFC3339")
		}
		f.endTime = ts
	}
	return f, nil
}

func (f alertFilter) apply(alerts []alerting.Alert) []alerting.Alert {
	out := make([]alerting.Alert, 0, len(alerts))
	for _, a := range alerts {
		if f.severity != "" && a.Severity != f.severity {
			continue
		}
		if f.status != "" && a.Status != f.status {
			continue
		}
		if !f.startTime.IsZero() && a.CreatedAt.Before(f.startTime) {
			continue
		}
		if !f.endTime.IsZero() && a.CreatedAt.After(f.endTime) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// =============================================================================
// ALERT CONTROL
// =============================================================================

type acknowledgeRequest struct {
	AcknowledgedBy string `json:"acknowledgedBy"`
	Message        string `json:"message"`
}

// AcknowledgeAlert serves POST /alerts/:name/acknowledge.
func (h *Handlers) AcknowledgeAlert(c *gin.Context) {
	var req acknowledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AcknowledgedBy == "" {
		fail(c, http.StatusBadRequest, "bad_request", "acknowledgedBy is required")
		return
	}
	if !h.svc.AcknowledgeAlert(c.Param("name"), req.AcknowledgedBy) {
		fail(c, http.StatusNotFound, "not_found", "no active alert named "+c.Param("name"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}

type resolveRequest struct {
	Message string `json:"message"`
}

// ResolveAlert serves POST /alerts/:name/resolve.
func (h *Handlers) ResolveAlert(c *gin.Context) {
	var req resolveRequest
	_ = c.ShouldBindJSON(&req)
	if !h.svc.ResolveAlert(c.Param("name"), req.Message) {
		fail(c, http.StatusNotFound, "not_found", "no active alert named "+c.Param("name"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": true})
}

type silenceRequest struct {
	Duration   string   `json:"duration"`
	Labels     []string `json:"labels"`
	SilencedBy string   `json:"silencedBy"`
	Message    string   `json:"message"`
}

// SilenceAlert serves POST /alerts/:name/silence.
func (h *Handlers) SilenceAlert(c *gin.Context) {
	var req silenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.Duration == "" || req.SilencedBy == "" {
		fail(c, http.StatusBadRequest, "bad_request", "duration and silencedBy are required")
		return
	}
	duration, err := time.ParseDuration(req.Duration)
	if err != nil || duration < 0 {
		fail(c, http.StatusBadRequest, "bad_request", "duration must be a positive Go duration, e.g. \"30m\"")
		return
	}

	silence, err := h.svc.SilenceAlert(c.Param("name"), req.Labels, duration, req.SilencedBy, req.Message)
	if err != nil {
		fail(c, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"silenceId": silence.ID})
}

// Unsilence serves DELETE /alerts/silence/:id.
func (h *Handlers) Unsilence(c *gin.Context) {
	if !h.svc.UnsilenceAlert(c.Param("id")) {
		fail(c, http.StatusNotFound, "not_found", "no silence with id "+c.Param("id"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"unsilenced": true})
}

// =============================================================================
// OPTIMIZATION
// =============================================================================

// Optimization serves GET /optimization.
func (h *Handlers) Optimization(c *gin.Context) {
	status, err := h.svc.OptimizationStatus()
	if errors.Is(err, monitoring.ErrOptimizationDisabled) {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	history, _ := h.svc.OptimizationHistory(intQuery(c, "limit", 20))
	c.JSON(http.StatusOK, gin.H{
		"enabled": true,
		"status":  status,
		"history": history,
	})
}

// Analyze serves POST /optimization/analyze.
func (h *Handlers) Analyze(c *gin.Context) {
	benchmark, toRun, err := h.svc.Analyze(c.Request.Context())
	if errors.Is(err, monitoring.ErrOptimizationDisabled) {
		fail(c, http.StatusNotImplemented, "disabled", "optimization is disabled")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"benchmark": benchmark, "optimizable": toRun})
}

type optimizeRequest struct {
	Optimizers []string `json:"optimizers"`
}

// Optimize serves POST /optimization/optimize.
func (h *Handlers) Optimize(c *gin.Context) {
	var req optimizeRequest
	_ = c.ShouldBindJSON(&req)

	record, err := h.svc.Optimize(c.Request.Context(), req.Optimizers)
	switch {
	case errors.Is(err, monitoring.ErrOptimizationDisabled):
		fail(c, http.StatusNotImplemented, "disabled", "optimization is disabled")
	case errors.Is(err, optimization.ErrNoBenchmark):
		fail(c, http.StatusBadRequest, "no_benchmark", "run analyze first")
	case errors.Is(err, optimization.ErrBusy):
		fail(c, http.StatusBadRequest, "busy", "an optimization cycle is already running")
	case err != nil:
		fail(c, http.StatusInternalServerError, "internal", err.Error())
	default:
		c.JSON(http.StatusOK, record)
	}
}

type toggleRequest struct {
	// Pointer so an absent field is distinguishable from false.
	Enabled         *bool `json:"enabled"`
	IntervalSeconds int   `json:"intervalSeconds"`
}

// ToggleOptimization serves POST /optimization/toggle.
func (h *Handlers) ToggleOptimization(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.Enabled == nil {
		fail(c, http.StatusBadRequest, "bad_request", "enabled is required")
		return
	}
	interval := time.Duration(req.IntervalSeconds) * time.Second
	if err := h.svc.SetAutomaticOptimization(*req.Enabled, interval); err != nil {
		fail(c, http.StatusNotImplemented, "disabled", "optimization is disabled")
		return
	}
	c.JSON(http.StatusOK, gin.H{"automatic": *req.Enabled})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	v := c.Query(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
