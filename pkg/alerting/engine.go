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
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ERROR VARIABLES
// =============================================================================

var (
	// ErrSilenced is returned when a raise matches an active silence.
	ErrSilenced = fmt.Errorf("alerting: alert is silenced")

	// ErrDuplicateAlert is returned when an alert with the same name is
	// already active.
	ErrDuplicateAlert = fmt.Errorf("alerting: alert already active")

	// ErrDuplicateRule is returned when a rule name is reused.
	ErrDuplicateRule = fmt.Errorf("alerting: rule already registered")

	// ErrInvalidSeverity is returned for severities outside the four
	// known values.
	ErrInvalidSeverity = fmt.Errorf("alerting: invalid severity")
)

// =============================================================================
// ENGINE
// =============================================================================

// DefaultMaxHistory bounds the alert history ring.
const DefaultMaxHistory = 1000

// DefaultCheckInterval is the rule evaluation period when unset.
const DefaultCheckInterval = 30 * time.Second

// notifyTimeout bounds one notifier delivery attempt.
const notifyTimeout = 10 * time.Second

type ruleRuntime struct {
	rule     Rule
	stop     chan struct{}
	inFlight atomic.Bool
}

// Engine tracks active alerts, history, silences and rules, and fans
// raised alerts out to notifiers.
type Engine struct {
	mu         sync.Mutex
	logger     *slog.Logger
	notifiers  []Notifier
	active     map[string]*Alert
	history    []*Alert
	maxHistory int
	silences   map[string]*Silence
	rules      map[string]*ruleRuntime

	subscribers map[int]chan AlertEvent
	nextSubID   int

	stopped bool
}

// Option customises the engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMaxHistory overrides the history ring size.
func WithMaxHistory(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxHistory = n
		}
	}
}

// NewEngine creates an alert engine with no notifiers or rules.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		logger:      slog.Default(),
		active:      make(map[string]*Alert),
		maxHistory:  DefaultMaxHistory,
		silences:    make(map[string]*Silence),
		rules:       make(map[string]*ruleRuntime),
		subscribers: make(map[int]chan AlertEvent),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddNotifier appends a delivery sink. Order is preserved.
func (e *Engine) AddNotifier(n Notifier) {
	e.mu.Lock()
	e.notifiers = append(e.notifiers, n)
	e.mu.Unlock()
}

// =============================================================================
// RULES
// =============================================================================

// AddRule stores a rule and, when enabled, starts its evaluation timer
// at the rule's CheckInterval.
func (e *Engine) AddRule(rule Rule) error {
	if rule.Name == "" {
		return fmt.Errorf("alerting: rule name is required")
	}
	if rule.Condition == nil {
		return fmt.Errorf("alerting: rule %q has no condition", rule.Name)
	}
	if !rule.Severity.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSeverity, rule.Severity)
	}
	if rule.CheckInterval <= 0 {
		rule.CheckInterval = DefaultCheckInterval
	}

	e.mu.Lock()
	if _, exists := e.rules[rule.Name]; exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateRule, rule.Name)
	}
	rt := &ruleRuntime{rule: rule}
	e.rules[rule.Name] = rt
	start := rule.Enabled && !e.stopped
	if start {
		rt.stop = make(chan struct{})
	}
	e.mu.Unlock()

	if start {
		go e.runRule(rt)
	}
	return nil
}

// RemoveRule stops and deletes a rule. Active alerts it raised remain.
func (e *Engine) RemoveRule(name string) bool {
	e.mu.Lock()
	rt, ok := e.rules[name]
	if ok {
		delete(e.rules, name)
		if rt.stop != nil {
			close(rt.stop)
		}
	}
	e.mu.Unlock()
	return ok
}

// SetRuleEnabled toggles a rule's timer without removing it.
func (e *Engine) SetRuleEnabled(name string, enabled bool) bool {
	e.mu.Lock()
	rt, ok := e.rules[name]
	if !ok || e.stopped {
		e.mu.Unlock()
		return ok
	}
	var start bool
	if enabled && rt.stop == nil {
		rt.stop = make(chan struct{})
		start = true
	} else if !enabled && rt.stop != nil {
		close(rt.stop)
		rt.stop = nil
	}
	rt.rule.Enabled = enabled
	e.mu.Unlock()

	if start {
		go e.runRule(rt)
	}
	return true
}

// Rules returns a copy of every stored rule.
func (e *Engine) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rule, 0, len(e.rules))
	for _, rt := range e.rules {
		out = append(out, rt.rule)
	}
	return out
}

func (e *Engine) runRule(rt *ruleRuntime) {
	ticker := time.NewTicker(rt.rule.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rt.stop:
			return
		case <-ticker.C:
			e.evaluateRule(rt)
		}
	}
}

// evaluateRule runs one tick. A still-running previous evaluation
// skips the tick instead of piling up.
func (e *Engine) evaluateRule(rt *ruleRuntime) {
	if !rt.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer rt.inFlight.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), rt.rule.CheckInterval)
	defer cancel()

	result, err := rt.rule.Condition(ctx)
	if err != nil {
		e.logger.Warn("alert condition failed", "rule", rt.rule.Name, "error", err)
		result = ConditionResult{}
	}

	if result.Triggered {
		message := rt.rule.Message
		if result.Message != "" {
			message = result.Message
		}
		alert, raiseErr := e.Raise(rt.rule.Name, message, rt.rule.Severity, rt.rule.Labels, result.Data)
		if raiseErr != nil {
			return
		}
		if rt.rule.AutoResolveAfter > 0 {
			e.scheduleAutoResolve(alert.ID, rt.rule.Name, rt.rule.AutoResolveAfter)
		}
		return
	}
	e.Resolve(rt.rule.Name, "Condition no longer met")
}

func (e *Engine) scheduleAutoResolve(id, name string, after time.Duration) {
	time.AfterFunc(after, func() {
		e.mu.Lock()
		current, ok := e.active[name]
		stale := !ok || current.ID != id
		e.mu.Unlock()
		if stale {
			return
		}
		e.Resolve(name, "Auto-resolved after timeout")
	})
}

// =============================================================================
// ALERT LIFECYCLE
// =============================================================================

// Raise creates and activates an alert, records it in history, and
// fans it out to notifiers. At most one active alert exists per name;
// a matching silence blocks the raise entirely.
func (e *Engine) Raise(name, message string, severity Severity, labels []string, data map[string]any) (*Alert, error) {
	if !severity.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSeverity, severity)
	}

	now := time.Now()
	e.mu.Lock()
	if e.silencedLocked(name, labels, now) {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSilenced, name)
	}
	if _, exists := e.active[name]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateAlert, name)
	}

	alert := &Alert{
		ID:          fmt.Sprintf("%s-%d", name, now.UnixNano()),
		Name:        name,
		Message:     message,
		Severity:    severity,
		Labels:      append([]string(nil), labels...),
		Status:      AlertActive,
		CreatedAt:   now,
		LastUpdated: now,
		Data:        data,
	}
	e.active[name] = alert
	e.pushHistoryLocked(alert)
	notifiers := append([]Notifier(nil), e.notifiers...)
	e.mu.Unlock()

	e.publish(EventRaised, alert)
	e.deliver(alert, notifiers)

	e.mu.Lock()
	out := alert.clone()
	e.mu.Unlock()
	return out, nil
}

// deliver fans the alert out to every passing notifier and records
// each attempt in the alert's delivery log.
func (e *Engine) deliver(alert *Alert, notifiers []Notifier) {
	for _, n := range notifiers {
		snapshot := e.snapshotAlert(alert)
		if !e.safeFilter(n, snapshot) {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		err := e.safeNotify(ctx, n, snapshot)
		cancel()

		record := DeliveryRecord{
			Notifier: n.Name(),
			Time:     time.Now(),
			Success:  err == nil,
		}
		if err != nil {
			record.Error = err.Error()
			e.logger.Warn("alert delivery failed",
				"alert", alert.Name, "notifier", n.Name(), "error", err)
		}

		e.mu.Lock()
		alert.Deliveries = append(alert.Deliveries, record)
		e.updateHistoryLocked(alert)
		e.mu.Unlock()
	}
}

func (e *Engine) snapshotAlert(alert *Alert) *Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	return alert.clone()
}

func (e *Engine) safeFilter(n Notifier, alert *Alert) (pass bool) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("notifier filter panicked", "notifier", n.Name(), "panic", rec)
			pass = false
		}
	}()
	return n.Filter(alert)
}

func (e *Engine) safeNotify(ctx context.Context, n Notifier, alert *Alert) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("notifier panicked: %v", rec)
		}
	}()
	return n.Notify(ctx, alert)
}

// Resolve removes the named alert from the active set and marks the
// history entry resolved. Returns false when no such alert is active.
func (e *Engine) Resolve(name, message string) bool {
	e.mu.Lock()
	alert, ok := e.active[name]
	if !ok {
		e.mu.Unlock()
		return false
	}
	delete(e.active, name)
	now := time.Now()
	alert.Status = AlertResolved
	alert.ResolvedAt = now
	alert.LastUpdated = now
	if message != "" {
		alert.Message = message
	}
	e.updateHistoryLocked(alert)
	e.mu.Unlock()

	e.publish(EventResolved, alert)
	return true
}

// Acknowledge marks the alert acknowledged in place; it stays active.
func (e *Engine) Acknowledge(name, by string) bool {
	e.mu.Lock()
	alert, ok := e.active[name]
	if !ok {
		e.mu.Unlock()
		return false
	}
	now := time.Now()
	alert.Status = AlertAcknowledged
	alert.AcknowledgedAt = now
	alert.AcknowledgedBy = by
	alert.LastUpdated = now
	e.updateHistoryLocked(alert)
	e.mu.Unlock()

	e.publish(EventAcknowledged, alert)
	return true
}

// =============================================================================
// SILENCES
// =============================================================================

// Silence suppresses raises matching name (or the "*" wildcard) and
// labels. A zero duration is permanent; finite durations schedule an
// automatic unsilence. An active alert that matches transitions to
// silenced status.
func (e *Engine) Silence(name string, labels []string, duration time.Duration, by, reason string) (*Silence, error) {
	if name == "" {
		return nil, fmt.Errorf("alerting: silence name is required")
	}
	if by == "" {
		return nil, fmt.Errorf("alerting: silencedBy is required")
	}

	now := time.Now()
	silence := &Silence{
		ID:         uuid.NewString(),
		Name:       name,
		Labels:     append([]string(nil), labels...),
		CreatedAt:  now,
		SilencedBy: by,
		Reason:     reason,
	}
	if duration > 0 {
		silence.ExpireAt = now.Add(duration)
	}

	e.mu.Lock()
	e.silences[silence.ID] = silence
	var affected []*Alert
	for _, alert := range e.active {
		if silence.matches(alert.Name, alert.Labels) {
			alert.Status = AlertSilenced
			alert.SilencedBy = silence.ID
			alert.LastUpdated = now
			e.updateHistoryLocked(alert)
			affected = append(affected, alert)
		}
	}
	e.mu.Unlock()

	for _, alert := range affected {
		e.publish(EventSilenced, alert)
	}

	if duration > 0 {
		id := silence.ID
		time.AfterFunc(duration, func() { e.Unsilence(id) })
	}

	out := *silence
	return &out, nil
}

// Unsilence removes a silence and restores any alert it had silenced
// back to active status.
func (e *Engine) Unsilence(id string) bool {
	e.mu.Lock()
	_, ok := e.silences[id]
	if !ok {
		e.mu.Unlock()
		return false
	}
	delete(e.silences, id)
	now := time.Now()
	var restored []*Alert
	for _, alert := range e.active {
		if alert.SilencedBy == id {
			alert.Status = AlertActive
			alert.SilencedBy = ""
			alert.LastUpdated = now
			e.updateHistoryLocked(alert)
			restored = append(restored, alert)
		}
	}
	e.mu.Unlock()

	for _, alert := range restored {
		e.publish(EventUnsilenced, alert)
	}
	return true
}

// IsSilenced reports whether a prospective alert would be suppressed.
func (e *Engine) IsSilenced(name string, labels []string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.silencedLocked(name, labels, time.Now())
}

// silencedLocked prunes expired silences lazily while matching.
func (e *Engine) silencedLocked(name string, labels []string, now time.Time) bool {
	matched := false
	for id, s := range e.silences {
		if s.expired(now) {
			delete(e.silences, id)
			continue
		}
		if s.matches(name, labels) {
			matched = true
		}
	}
	return matched
}

// Silences returns the unexpired silence set.
func (e *Engine) Silences() []Silence {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Silence, 0, len(e.silences))
	for id, s := range e.silences {
		if s.expired(now) {
			delete(e.silences, id)
			continue
		}
		out = append(out, *s)
	}
	return out
}

// =============================================================================
// READ SURFACE
// =============================================================================

// ActiveAlerts returns copies of every active alert.
func (e *Engine) ActiveAlerts() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Alert, 0, len(e.active))
	for _, alert := range e.active {
		out = append(out, *alert.clone())
	}
	return out
}

// GetAlert returns the active alert with the given name.
func (e *Engine) GetAlert(name string) (Alert, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	alert, ok := e.active[name]
	if !ok {
		return Alert{}, false
	}
	return *alert.clone(), true
}

// History returns up to limit entries, newest first. A non-positive
// limit returns the full ring.
func (e *Engine) History(limit int) []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Alert, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, *e.history[i].clone())
	}
	return out
}

func (e *Engine) pushHistoryLocked(alert *Alert) {
	entry := alert.clone()
	e.history = append([]*Alert{entry}, e.history...)
	if len(e.history) > e.maxHistory {
		e.history = e.history[:e.maxHistory]
	}
}

// updateHistoryLocked syncs the history copy with the live alert.
func (e *Engine) updateHistoryLocked(alert *Alert) {
	for i, entry := range e.history {
		if entry.ID == alert.ID {
			e.history[i] = alert.clone()
			return
		}
	}
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

// Subscribe returns a channel of alert lifecycle events and a cancel
// function. Slow consumers drop events rather than block the engine.
func (e *Engine) Subscribe() (<-chan AlertEvent, func()) {
	ch := make(chan AlertEvent, 64)
	e.mu.Lock()
	id := e.nextSubID
	e.nextSubID++
	e.subscribers[id] = ch
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		if sub, ok := e.subscribers[id]; ok {
			delete(e.subscribers, id)
			close(sub)
		}
		e.mu.Unlock()
	}
	return ch, cancel
}

func (e *Engine) publish(kind EventType, alert *Alert) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Sends stay under the lock: cancel closes channels under the same
	// lock, so a send can never land on a closed channel. The sends
	// never block (slow consumers drop events), so holding the lock
	// here is cheap.
	event := AlertEvent{Type: kind, Alert: *alert.clone(), Time: time.Now()}
	for _, ch := range e.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Stop halts every rule timer and closes subscriber channels.
// Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	for _, rt := range e.rules {
		if rt.stop != nil {
			close(rt.stop)
			rt.stop = nil
		}
	}
	for id, ch := range e.subscribers {
		delete(e.subscribers, id)
		close(ch)
	}
	e.mu.Unlock()
}
