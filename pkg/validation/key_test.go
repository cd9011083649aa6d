// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for key, queue, and metric name validators.

package validation

import (
	"strings"
	"testing"
)

func TestValidateKeySegment(t *testing.T) {
	valid := []string{"user", "profile-v2", "abc_123", "X", strings.Repeat("a", 64)}
	for _, s := range valid {
		if err := ValidateKeySegment(s); err != nil {
			t.Errorf("ValidateKeySegment(%q) unexpected error: %v", s, err)
		}
	}

	invalid := []string{"", "a:b", "white space", "semi;colon", strings.Repeat("a", 65), "ümlauts"}
	for _, s := range invalid {
		if err := ValidateKeySegment(s); err == nil {
			t.Errorf("ValidateKeySegment(%q) expected error, got nil", s)
		}
	}
}

func TestValidateKeySegmentsListsAllInvalid(t *testing.T) {
	err := ValidateKeySegments("good", "bad:one", "also bad")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "bad:one") || !strings.Contains(err.Error(), "also bad") {
		t.Errorf("error should list all invalid segments: %v", err)
	}

	if err := ValidateKeySegments("a", "b", "c"); err != nil {
		t.Errorf("unexpected error for valid segments: %v", err)
	}
}

func TestValidateQueueName(t *testing.T) {
	valid := []string{"orders", "dead-letter-queue", "q1"}
	for _, s := range valid {
		if err := ValidateQueueName(s); err != nil {
			t.Errorf("ValidateQueueName(%q) unexpected error: %v", s, err)
		}
	}

	invalid := []string{"", "Orders", "-lead", "1queue", "has space", strings.Repeat("q", 65)}
	for _, s := range invalid {
		if err := ValidateQueueName(s); err == nil {
			t.Errorf("ValidateQueueName(%q) expected error, got nil", s)
		}
	}
}

func TestValidateMetricName(t *testing.T) {
	if err := ValidateMetricName("app_requests_total"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	for _, s := range []string{"", "Bad", "has-dash", "9lead"} {
		if err := ValidateMetricName(s); err == nil {
			t.Errorf("ValidateMetricName(%q) expected error", s)
		}
	}
}

func TestSanitizeKeySegment(t *testing.T) {
	got, err := SanitizeKeySegment("  user-42 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "user-42" {
		t.Errorf("got %q, want %q", got, "user-42")
	}

	if _, err := SanitizeKeySegment(" a:b "); err == nil {
		t.Error("expected error for separator in segment")
	}
}
