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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"time"
)

// =============================================================================
// INTERFACES
// =============================================================================

// Notifier is one delivery sink for raised alerts.
//
// # Description
//
// The engine calls Filter first; only passing alerts reach Notify.
// Delivery is best-effort: a failing sink is recorded in the alert's
// delivery log and never blocks other sinks or the raise itself.
type Notifier interface {
	// Name identifies the sink in delivery records.
	Name() string

	// Notify delivers one alert. The alert is a private copy; sinks
	// may read it freely but mutations are not observed.
	Notify(ctx context.Context, alert *Alert) error

	// Filter reports whether this sink wants the alert.
	Filter(alert *Alert) bool
}

// =============================================================================
// LOGGER NOTIFIER
// =============================================================================

// LoggerNotifier writes alerts to structured logs, mapping severity to
// log level. It accepts every alert.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier creates the built-in log sink. A nil logger uses
// slog.Default.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggerNotifier{logger: logger}
}

func (n *LoggerNotifier) Name() string { return "logger" }

func (n *LoggerNotifier) Filter(_ *Alert) bool { return true }

func (n *LoggerNotifier) Notify(ctx context.Context, alert *Alert) error {
	attrs := []any{
		"alert", alert.Name,
		"severity", string(alert.Severity),
		"message", alert.Message,
	}
	if len(alert.Labels) > 0 {
		attrs = append(attrs, "labels", strings.Join(alert.Labels, ","))
	}

	switch alert.Severity {
	case SeverityCritical, SeverityError:
		n.logger.ErrorContext(ctx, "alert raised", attrs...)
	case SeverityWarning:
		n.logger.WarnContext(ctx, "alert raised", attrs...)
	default:
		n.logger.InfoContext(ctx, "alert raised", attrs...)
	}
	return nil
}

// =============================================================================
// EMAIL NOTIFIER
// =============================================================================

// EmailConfig configures the SMTP sink.
type EmailConfig struct {
	// Addr is the SMTP host:port.
	Addr string

	// From is the envelope sender.
	From string

	// To lists recipient addresses.
	To []string

	// Auth is optional SMTP authentication.
	Auth smtp.Auth

	// MinSeverity filters deliveries. Default: error.
	MinSeverity Severity
}

// EmailNotifier delivers alerts by SMTP. By default only error and
// critical alerts pass its filter.
type EmailNotifier struct {
	cfg  EmailConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailNotifier creates the SMTP sink.
func NewEmailNotifier(cfg EmailConfig) *EmailNotifier {
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = SeverityError
	}
	return &EmailNotifier{cfg: cfg, send: smtp.SendMail}
}

func (n *EmailNotifier) Name() string { return "email" }

func (n *EmailNotifier) Filter(alert *Alert) bool {
	return alert.Severity.AtLeast(n.cfg.MinSeverity)
}

func (n *EmailNotifier) Notify(_ context.Context, alert *Alert) error {
	var body bytes.Buffer
	fmt.Fprintf(&body, "From: %s\r\n", n.cfg.From)
	fmt.Fprintf(&body, "To: %s\r\n", strings.Join(n.cfg.To, ", "))
	fmt.Fprintf(&body, "Subject: [%s] %s\r\n", strings.ToUpper(string(alert.Severity)), alert.Name)
	body.WriteString("\r\n")
	fmt.Fprintf(&body, "%s\r\n\r\n", alert.Message)
	fmt.Fprintf(&body, "Raised: %s\r\n", alert.CreatedAt.Format(time.RFC3339))
	if len(alert.Labels) > 0 {
		fmt.Fprintf(&body, "Labels: %s\r\n", strings.Join(alert.Labels, ", "))
	}

	if err := n.send(n.cfg.Addr, n.cfg.Auth, n.cfg.From, n.cfg.To, body.Bytes()); err != nil {
		return fmt.Errorf("smtp delivery failed: %w", err)
	}
	return nil
}

// =============================================================================
// WEBHOOK NOTIFIER
// =============================================================================

// WebhookConfig configures the chat-webhook sink.
type WebhookConfig struct {
	// URL receives a JSON POST per alert.
	URL string

	// Client is optional; nil uses a 10s-timeout default.
	Client *http.Client

	// MinSeverity filters deliveries. Default: warning.
	MinSeverity Severity
}

// WebhookNotifier POSTs alerts as JSON to a chat webhook. By default
// warning and above pass its filter.
type WebhookNotifier struct {
	cfg WebhookConfig
}

// NewWebhookNotifier creates the webhook sink.
func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = SeverityWarning
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{cfg: cfg}
}

func (n *WebhookNotifier) Name() string { return "webhook" }

func (n *WebhookNotifier) Filter(alert *Alert) bool {
	return alert.Severity.AtLeast(n.cfg.MinSeverity)
}

func (n *WebhookNotifier) Notify(ctx context.Context, alert *Alert) error {
	payload, err := json.Marshal(map[string]any{
		"text":     fmt.Sprintf("[%s] %s: %s", alert.Severity, alert.Name, alert.Message),
		"alert":    alert.Name,
		"severity": alert.Severity,
		"labels":   alert.Labels,
		"raisedAt": alert.CreatedAt.Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// =============================================================================
// MOCK NOTIFIER
// =============================================================================

// MockNotifier is a test double for the Notifier interface.
type MockNotifier struct {
	NameValue  string
	NotifyFunc func(ctx context.Context, alert *Alert) error
	FilterFunc func(alert *Alert) bool
}

func (m *MockNotifier) Name() string {
	if m.NameValue == "" {
		return "mock"
	}
	return m.NameValue
}

func (m *MockNotifier) Notify(ctx context.Context, alert *Alert) error {
	if m.NotifyFunc != nil {
		return m.NotifyFunc(ctx, alert)
	}
	return nil
}

func (m *MockNotifier) Filter(alert *Alert) bool {
	if m.FilterFunc != nil {
		return m.FilterFunc(alert)
	}
	return true
}
