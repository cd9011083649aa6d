// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the built-in notification sinks.

package alerting

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleAlert(severity Severity) *Alert {
	return &Alert{
		ID:        "svc_down-1",
		Name:      "svc_down",
		Message:   "service down",
		Severity:  severity,
		Labels:    []string{"node1"},
		Status:    AlertActive,
		CreatedAt: time.Now(),
	}
}

func TestLoggerNotifierAcceptsEverything(t *testing.T) {
	n := NewLoggerNotifier(nil)
	assert.Equal(t, "logger", n.Name())
	for _, sev := range []Severity{SeverityInfo, SeverityWarning, SeverityError, SeverityCritical} {
		assert.True(t, n.Filter(sampleAlert(sev)))
		assert.NoError(t, n.Notify(context.Background(), sampleAlert(sev)))
	}
}

func TestEmailNotifierFilter(t *testing.T) {
	n := NewEmailNotifier(EmailConfig{Addr: "mail:25", From: "ops@example.com", To: []string{"oncall@example.com"}})

	assert.False(t, n.Filter(sampleAlert(SeverityInfo)))
	assert.False(t, n.Filter(sampleAlert(SeverityWarning)))
	assert.True(t, n.Filter(sampleAlert(SeverityError)))
	assert.True(t, n.Filter(sampleAlert(SeverityCritical)))
}

func TestEmailNotifierComposesMessage(t *testing.T) {
	n := NewEmailNotifier(EmailConfig{
		Addr: "mail:25",
		From: "ops@example.com",
		To:   []string{"oncall@example.com"},
	})

	var sent []byte
	n.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		assert.Equal(t, "mail:25", addr)
		assert.Equal(t, "ops@example.com", from)
		assert.Equal(t, []string{"oncall@example.com"}, to)
		sent = msg
		return nil
	}

	require.NoError(t, n.Notify(context.Background(), sampleAlert(SeverityCritical)))
	assert.Contains(t, string(sent), "Subject: [CRITICAL] svc_down")
	assert.Contains(t, string(sent), "service down")
	assert.Contains(t, string(sent), "Labels: node1")
}

func TestWebhookNotifier(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewWebhookNotifier(WebhookConfig{URL: server.URL})

	assert.False(t, n.Filter(sampleAlert(SeverityInfo)))
	assert.True(t, n.Filter(sampleAlert(SeverityWarning)))

	require.NoError(t, n.Notify(context.Background(), sampleAlert(SeverityError)))
	assert.Equal(t, "svc_down", received["alert"])
	assert.Equal(t, "error", received["severity"])
}

func TestWebhookNotifierErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	n := NewWebhookNotifier(WebhookConfig{URL: server.URL})
	err := n.Notify(context.Background(), sampleAlert(SeverityError))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
