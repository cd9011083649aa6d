// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package alerting evaluates rules against live signals, tracks active
// alerts with history and silences, and fans raised alerts out to
// pluggable notification sinks.
//
// # Description
//
// The Engine owns three collections under one lock: the active alert
// map (keyed by alert name, at most one active alert per name), a
// bounded newest-first history ring, and the silence set. Rules run on
// their own periodic timers; a rule's condition turning true raises
// the alert, turning false resolves it.
//
// # Thread Safety
//
// All Engine methods are safe for concurrent use. Notifier delivery
// happens outside the engine lock.
package alerting

import (
	"time"
)

// =============================================================================
// SEVERITY AND STATUS
// =============================================================================

// Severity orders alerts for notifier filtering.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is at or above min in severity order.
// Unknown severities rank below info.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// Valid reports whether s is one of the four known severities.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertSilenced     AlertStatus = "silenced"
	AlertResolved     AlertStatus = "resolved"
)

// =============================================================================
// STRUCTS
// =============================================================================

// DeliveryRecord captures one notifier attempt for an alert.
type DeliveryRecord struct {
	Notifier string    `json:"notifier"`
	Time     time.Time `json:"time"`
	Success  bool      `json:"success"`
	Error    string    `json:"error,omitempty"`
}

// Alert is one raised condition. Name is the active-set identity; ID
// is unique per raise (name plus creation timestamp).
type Alert struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Message        string           `json:"message"`
	Severity       Severity         `json:"severity"`
	Labels         []string         `json:"labels,omitempty"`
	Status         AlertStatus      `json:"status"`
	CreatedAt      time.Time        `json:"createdAt"`
	LastUpdated    time.Time        `json:"lastUpdated"`
	AcknowledgedAt time.Time        `json:"acknowledgedAt,omitzero"`
	AcknowledgedBy string           `json:"acknowledgedBy,omitempty"`
	ResolvedAt     time.Time        `json:"resolvedAt,omitzero"`
	SilencedBy     string           `json:"silencedBy,omitempty"`
	Data           map[string]any   `json:"data,omitempty"`
	Deliveries     []DeliveryRecord `json:"deliveries,omitempty"`
}

// clone returns a deep copy safe to hand outside the engine lock.
func (a *Alert) clone() *Alert {
	cp := *a
	cp.Labels = append([]string(nil), a.Labels...)
	cp.Deliveries = append([]DeliveryRecord(nil), a.Deliveries...)
	if a.Data != nil {
		cp.Data = make(map[string]any, len(a.Data))
		for k, v := range a.Data {
			cp.Data[k] = v
		}
	}
	return &cp
}

// Silence suppresses raises matching its predicate.
type Silence struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Labels     []string  `json:"labels,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpireAt   time.Time `json:"expireAt,omitzero"`
	SilencedBy string    `json:"silencedBy"`
	Reason     string    `json:"reason,omitempty"`
}

// SilenceWildcard matches any alert name.
const SilenceWildcard = "*"

// expired reports whether the silence has a finite expiry in the past.
func (s *Silence) expired(now time.Time) bool {
	return !s.ExpireAt.IsZero() && now.After(s.ExpireAt)
}

// matches applies the silence predicate: exact name (or wildcard) and
// every silence label present in the alert's labels.
func (s *Silence) matches(name string, labels []string) bool {
	if s.Name != SilenceWildcard && s.Name != name {
		return false
	}
	for _, want := range s.Labels {
		found := false
		for _, have := range labels {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// =============================================================================
// EVENTS
// =============================================================================

// EventType enumerates alert lifecycle transitions.
type EventType string

const (
	EventRaised       EventType = "raised"
	EventResolved     EventType = "resolved"
	EventAcknowledged EventType = "acknowledged"
	EventSilenced     EventType = "silenced"
	EventUnsilenced   EventType = "unsilenced"
)

// AlertEvent is published to subscribers on every transition.
type AlertEvent struct {
	Type  EventType `json:"type"`
	Alert Alert     `json:"alert"`
	Time  time.Time `json:"time"`
}
