// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package monitoring wires the metric registry, health registry, alert
// engine, and optimization loop into one operational façade.
//
// # Description
//
// The Service owns the component lifecycles: it creates them, registers
// the standard alert rules, mirrors health state into alerts, starts
// the periodic collectors, and composes their shutdowns. Downstream
// systems (databases, KV stores, queues, caches) plug in through the
// Register* adapter methods, which install a health probe and a
// periodic collector feeding the metric registry.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package monitoring

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianOps/pkg/alerting"
	"github.com/AleutianAI/AleutianOps/pkg/cache"
	"github.com/AleutianAI/AleutianOps/pkg/health"
	"github.com/AleutianAI/AleutianOps/pkg/metrics"
	"github.com/AleutianAI/AleutianOps/pkg/optimization"
	"github.com/AleutianAI/AleutianOps/pkg/queue"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Thresholds parameterizes the standard alert rules. Zero values fall
// back to the defaults.
type Thresholds struct {
	// CPUPercent triggers the high-cpu rule. Default: 90.
	CPUPercent float64

	// MemoryPercent triggers the high-memory rule. Default: 90.
	MemoryPercent float64

	// ErrorRatePercent triggers the request error-rate rule. Default: 5.
	ErrorRatePercent float64

	// CacheHitRatePercent triggers when a cache's hit rate drops below
	// it. Default: 50.
	CacheHitRatePercent float64

	// QueueBacklog triggers when the total waiting jobs across every
	// registered queue system exceed it. Default: 10000.
	QueueBacklog float64
}

func (t *Thresholds) applyDefaults() {
	if t.CPUPercent <= 0 {
		t.CPUPercent = 90
	}
	if t.MemoryPercent <= 0 {
		t.MemoryPercent = 90
	}
	if t.ErrorRatePercent <= 0 {
		t.ErrorRatePercent = 5
	}
	if t.CacheHitRatePercent <= 0 {
		t.CacheHitRatePercent = 50
	}
	if t.QueueBacklog <= 0 {
		t.QueueBacklog = 10000
	}
}

// Config controls the façade's construction.
type Config struct {
	// MetricPrefix defaults to the registry's "app_".
	MetricPrefix string

	// CollectInterval drives the runtime collector and the adapter
	// collectors. Default: 10s.
	CollectInterval time.Duration

	// HealthInterval drives the periodic health sweep. Default: 30s.
	HealthInterval time.Duration

	// RuleInterval is the standard rules' check interval. Default: 30s.
	RuleInterval time.Duration

	// EnableOptimization creates and exposes the optimization loop.
	EnableOptimization bool

	// Thresholds for the standard rules.
	Thresholds Thresholds

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.CollectInterval <= 0 {
		c.CollectInterval = metrics.DefaultCollectInterval
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.RuleInterval <= 0 {
		c.RuleInterval = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Thresholds.applyDefaults()
}

// ErrOptimizationDisabled is returned by optimization operations when
// the loop was not enabled at construction.
var ErrOptimizationDisabled = fmt.Errorf("monitoring: optimization is disabled")

// =============================================================================
// SERVICE
// =============================================================================

// Service is the monitoring façade.
type Service struct {
	cfg     Config
	logger  *slog.Logger
	started time.Time

	metrics   *metrics.Registry
	collector *metrics.RuntimeCollector
	health    *health.Registry
	alerts    *alerting.Engine
	optimizer *optimization.Loop

	mu            sync.Mutex
	caches        map[string]*cache.Service
	queueManagers map[string]*queue.Manager
	adapterStops  []chan struct{}
	activeReqs    int64
	shutdown      bool
}

// NewService builds and starts the façade: components, standard rules,
// health mirroring, runtime collector, health sweep.
func NewService(cfg Config) (*Service, error) {
	cfg.applyDefaults()

	var regOpts []metrics.Option
	if cfg.MetricPrefix != "" {
		regOpts = append(regOpts, metrics.WithPrefix(cfg.MetricPrefix))
	}
	regOpts = append(regOpts, metrics.WithLogger(cfg.Logger))

	s := &Service{
		cfg:           cfg,
		logger:        cfg.Logger,
		started:       time.Now(),
		metrics:       metrics.NewRegistry(regOpts...),
		health:        health.NewRegistry(cfg.Logger),
		alerts:        alerting.NewEngine(alerting.WithLogger(cfg.Logger)),
		caches:        make(map[string]*cache.Service),
		queueManagers: make(map[string]*queue.Manager),
	}
	s.collector = metrics.NewRuntimeCollector(s.metrics, cfg.CollectInterval)

	if cfg.EnableOptimization {
		s.optimizer = optimization.NewLoop(cfg.Logger)
	}

	s.alerts.AddNotifier(alerting.NewLoggerNotifier(cfg.Logger))
	s.alerts.AddHealthCheckRule(s.health)
	if err := s.registerStandardRules(); err != nil {
		return nil, err
	}
	if err := s.registerRequestMetrics(); err != nil {
		return nil, err
	}

	s.collector.Start()
	s.health.Start(cfg.HealthInterval)
	return s, nil
}

// registerRequestMetrics declares the HTTP instrumentation metrics so
// the exposition lists them even before the first request.
func (s *Service) registerRequestMetrics() error {
	regs := []struct {
		name   string
		kind   metrics.Kind
		help   string
		labels []string
	}{
		{"requests_total", metrics.KindCounter, "Total HTTP requests served", []string{"method", "route", "status"}},
		{"requests_active", metrics.KindGauge, "HTTP requests currently in flight", nil},
		{"request_duration", metrics.KindHistogram, "HTTP request duration in milliseconds", []string{"method", "route", "status"}},
		{"requests_errors", metrics.KindCounter, "HTTP requests answered with 4xx or 5xx", []string{"method", "route", "status"}},
		{"system_cpu_used_percent", metrics.KindGauge, "CPU utilization percent reported by an external sampler", nil},
	}
	for _, reg := range regs {
		if _, err := s.metrics.Register(reg.name, reg.kind, reg.help, reg.labels...); err != nil {
			return fmt.Errorf("monitoring: register %s: %w", reg.name, err)
		}
	}
	return nil
}

// standardRuleNames lists the built-in rules in registration order.
var standardRuleNames = []string{
	"high_cpu_usage", "high_memory_usage", "high_error_rate",
	"low_cache_hit_rate", "queue_backlog",
}

// UpdateThresholds swaps the standard rules for ones bound to the new
// thresholds. Zero values fall back to the defaults. Alerts raised by
// the old rules resolve through the new rules' evaluation.
func (s *Service) UpdateThresholds(t Thresholds) error {
	t.applyDefaults()
	s.mu.Lock()
	s.cfg.Thresholds = t
	s.mu.Unlock()

	for _, name := range standardRuleNames {
		s.alerts.RemoveRule(name)
	}
	return s.registerStandardRules()
}

// registerStandardRules installs the built-in alert rules.
func (s *Service) registerStandardRules() error {
	s.mu.Lock()
	t := s.cfg.Thresholds
	s.mu.Unlock()
	interval := s.cfg.RuleInterval

	rules := []struct {
		name     string
		metric   alerting.MetricFunc
		cmp      alerting.Comparison
		thresh   float64
		severity alerting.Severity
		message  string
	}{
		{
			"high_cpu_usage",
			func() float64 { v, _ := s.metrics.Get("system_cpu_used_percent", nil); return v },
			alerting.CompareGreater, t.CPUPercent, alerting.SeverityWarning,
			"CPU usage is high",
		},
		{
			"high_memory_usage",
			func() float64 { v, _ := s.metrics.Get("system_memory_used_percent", nil); return v },
			alerting.CompareGreater, t.MemoryPercent, alerting.SeverityWarning,
			"Memory usage is high",
		},
		{
			"high_error_rate",
			s.errorRatePercent,
			alerting.CompareGreater, t.ErrorRatePercent, alerting.SeverityError,
			"HTTP error rate is high",
		},
		{
			"low_cache_hit_rate",
			s.worstCacheHitRate,
			alerting.CompareLess, t.CacheHitRatePercent, alerting.SeverityWarning,
			"Cache hit rate is low",
		},
		{
			"queue_backlog",
			s.totalQueueBacklog,
			alerting.CompareGreater, t.QueueBacklog, alerting.SeverityError,
			"Job queue backlog is large",
		},
	}
	for _, r := range rules {
		if err := s.alerts.AddMetricRule(r.name, r.metric, r.cmp, r.thresh, r.severity, r.message, interval); err != nil {
			return fmt.Errorf("monitoring: add rule %s: %w", r.name, err)
		}
	}
	return nil
}

// errorRatePercent is served errors over total requests; zero without
// traffic.
func (s *Service) errorRatePercent() float64 {
	total, ok := s.metrics.Sum("requests_total")
	if !ok || total == 0 {
		return 0
	}
	errs, _ := s.metrics.Sum("requests_errors")
	return errs / total * 100
}

// worstCacheHitRate returns the lowest hit rate across registered
// caches, in percent. With no caches (or no traffic yet) it reports
// 100 so the low-hit-rate rule stays quiet.
func (s *Service) worstCacheHitRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	worst := 100.0
	for _, svc := range s.caches {
		stats := svc.Stats()
		if stats.Hits+stats.Misses == 0 {
			continue
		}
		if rate := svc.HitRate() * 100; rate < worst {
			worst = rate
		}
	}
	return worst
}

// totalQueueBacklog sums waiting and delayed jobs across every queue of
// every registered manager.
func (s *Service) totalQueueBacklog() float64 {
	s.mu.Lock()
	managers := make([]*queue.Manager, 0, len(s.queueManagers))
	for _, m := range s.queueManagers {
		managers = append(managers, m)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var backlog float64
	for _, m := range managers {
		for _, name := range m.Names() {
			q, err := m.Get(name)
			if err != nil {
				continue
			}
			counts, err := q.Status(ctx)
			if err != nil {
				continue
			}
			backlog += float64(counts.Waiting + counts.Delayed)
		}
	}
	return backlog
}

// =============================================================================
// COMPONENT ACCESS
// =============================================================================

// Metrics exposes the metric registry.
func (s *Service) Metrics() *metrics.Registry { return s.metrics }

// Health exposes the health registry.
func (s *Service) Health() *health.Registry { return s.health }

// Alerts exposes the alert engine.
func (s *Service) Alerts() *alerting.Engine { return s.alerts }

// Optimizer exposes the optimization loop, nil when disabled.
func (s *Service) Optimizer() *optimization.Loop { return s.optimizer }

// =============================================================================
// READ SURFACE
// =============================================================================

// StatusSummary is the top-level operational snapshot.
type StatusSummary struct {
	Health        health.Status        `json:"health"`
	UptimeSeconds float64              `json:"uptimeSeconds"`
	ActiveAlerts  int                  `json:"activeAlerts"`
	MetricCount   int                  `json:"metricCount"`
	Optimization  *optimization.Status `json:"optimization,omitempty"`
}

// Status returns the operational summary.
func (s *Service) Status() StatusSummary {
	summary := StatusSummary{
		Health:        s.health.Status(),
		UptimeSeconds: time.Since(s.started).Seconds(),
		ActiveAlerts:  len(s.alerts.ActiveAlerts()),
		MetricCount:   len(s.metrics.Names()),
	}
	if s.optimizer != nil {
		st := s.optimizer.Status()
		summary.Optimization = &st
	}
	return summary
}

// HealthReport pairs the aggregate with per-check results.
type HealthReport struct {
	Status health.Status            `json:"status"`
	Checks map[string]health.Result `json:"checks"`
}

// HealthSnapshot returns the aggregate and per-check results.
func (s *Service) HealthSnapshot() HealthReport {
	return HealthReport{Status: s.health.Status(), Checks: s.health.Results()}
}

// MetricsSnapshot returns every metric's point-in-time state.
func (s *Service) MetricsSnapshot() []metrics.MetricSnapshot {
	return s.metrics.Snapshot()
}

// Exposition renders the text exposition.
func (s *Service) Exposition() string {
	return s.metrics.RenderTextExposition()
}

// AlertsSnapshot pairs active alerts with bounded history.
type AlertsSnapshot struct {
	Active  []alerting.Alert `json:"active"`
	History []alerting.Alert `json:"history"`
}

// Alerts returns active alerts plus up to limit history entries.
func (s *Service) AlertsSnapshot(limit int) AlertsSnapshot {
	return AlertsSnapshot{
		Active:  s.alerts.ActiveAlerts(),
		History: s.alerts.History(limit),
	}
}

// OptimizationStatus reports the loop's status.
func (s *Service) OptimizationStatus() (optimization.Status, error) {
	if s.optimizer == nil {
		return optimization.Status{}, ErrOptimizationDisabled
	}
	return s.optimizer.Status(), nil
}

// OptimizationHistory returns up to limit completed cycles.
func (s *Service) OptimizationHistory(limit int) ([]optimization.Record, error) {
	if s.optimizer == nil {
		return nil, ErrOptimizationDisabled
	}
	return s.optimizer.History(limit), nil
}

// =============================================================================
// CONTROL SURFACE
// =============================================================================

// AcknowledgeAlert marks an active alert acknowledged.
func (s *Service) AcknowledgeAlert(name, by string) bool {
	return s.alerts.Acknowledge(name, by)
}

// ResolveAlert resolves an active alert.
func (s *Service) ResolveAlert(name, message string) bool {
	if message == "" {
		message = "Resolved manually"
	}
	return s.alerts.Resolve(name, message)
}

// SilenceAlert suppresses matching raises for the duration.
func (s *Service) SilenceAlert(name string, labels []string, duration time.Duration, by, reason string) (*alerting.Silence, error) {
	return s.alerts.Silence(name, labels, duration, by, reason)
}

// UnsilenceAlert lifts a silence by id.
func (s *Service) UnsilenceAlert(id string) bool {
	return s.alerts.Unsilence(id)
}

// Analyze runs one benchmark pass.
func (s *Service) Analyze(ctx context.Context) (*optimization.Benchmark, []string, error) {
	if s.optimizer == nil {
		return nil, nil, ErrOptimizationDisabled
	}
	return s.optimizer.Analyze(ctx)
}

// Optimize runs the named optimizers against the last benchmark.
func (s *Service) Optimize(ctx context.Context, names []string) (*optimization.Record, error) {
	if s.optimizer == nil {
		return nil, ErrOptimizationDisabled
	}
	return s.optimizer.Optimize(ctx, names)
}

// SetAutomaticOptimization toggles the periodic analyze/optimize
// cycle. A non-positive interval uses the default.
func (s *Service) SetAutomaticOptimization(enabled bool, interval time.Duration) error {
	if s.optimizer == nil {
		return ErrOptimizationDisabled
	}
	if enabled {
		if interval <= 0 {
			interval = optimization.DefaultAnalysisInterval
		}
		s.optimizer.EnableAutomatic(interval)
	} else {
		s.optimizer.DisableAutomatic()
	}
	return nil
}

// =============================================================================
// SHUTDOWN
// =============================================================================

// Shutdown stops collectors, the health sweep, the alert engine, and
// the optimization loop. Idempotent.
func (s *Service) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	stops := s.adapterStops
	s.adapterStops = nil
	s.mu.Unlock()

	for _, stop := range stops {
		close(stop)
	}
	s.collector.Stop()
	s.health.Stop()
	s.alerts.Stop()
	if s.optimizer != nil {
		s.optimizer.Stop()
	}
	s.logger.Info("monitoring service stopped")
}
