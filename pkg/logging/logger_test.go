// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the logging package.

package logging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLevelString(t *testing.T) {
	cases := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tc := range cases {
		if got := tc.level.String(); got != tc.want {
			t.Errorf("Level(%d).String() = %q, want %q", tc.level, got, tc.want)
		}
	}
}

func TestNewWithFileLogging(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  dir,
		Service: "testsvc",
		Quiet:   true,
	})

	logger.Info("hello", "key", "value")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 log file, got %d", len(entries))
	}
	name := entries[0].Name()
	if !strings.HasPrefix(name, "testsvc_") || !strings.HasSuffix(name, ".log") {
		t.Errorf("unexpected log file name %q", name)
	}

	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) {
		t.Errorf("log file missing message: %s", data)
	}
	if !strings.Contains(string(data), `"service":"testsvc"`) {
		t.Errorf("log file missing service attribute: %s", data)
	}
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelWarn,
		LogDir:  dir,
		Service: "filter",
		Quiet:   true,
	})

	logger.Debug("dropped")
	logger.Info("dropped too")
	logger.Warn("kept")
	logger.Close()

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected 1 log file, got %d", len(entries))
	}
	data, _ := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if strings.Contains(string(data), "dropped") {
		t.Errorf("filtered entries leaked into log: %s", data)
	}
	if !strings.Contains(string(data), "kept") {
		t.Errorf("warn entry missing from log: %s", data)
	}
}

// recordingExporter captures exported entries for assertions.
type recordingExporter struct {
	mu      sync.Mutex
	entries []LogEntry
	flushed bool
	closed  bool
}

func (r *recordingExporter) Export(_ context.Context, entry LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *recordingExporter) Flush(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushed = true
	return nil
}

func (r *recordingExporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func TestExporterReceivesEntries(t *testing.T) {
	exporter := &recordingExporter{}
	logger := New(Config{
		Level:    LevelInfo,
		Service:  "exp",
		Quiet:    true,
		Exporter: exporter,
	})

	logger.Info("shipped", "k", "v")

	// Export runs on a goroutine; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for {
		exporter.mu.Lock()
		n := len(exporter.entries)
		exporter.mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	exporter.mu.Lock()
	if len(exporter.entries) != 1 {
		exporter.mu.Unlock()
		t.Fatal("expected 1 exported entry")
	}
	entry := exporter.entries[0]
	exporter.mu.Unlock()

	if entry.Message != "shipped" || entry.Service != "exp" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.Attrs["k"] != "v" {
		t.Errorf("attrs not captured: %+v", entry.Attrs)
	}

	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}
	exporter.mu.Lock()
	defer exporter.mu.Unlock()
	if !exporter.flushed || !exporter.closed {
		t.Error("Close() did not flush and close the exporter")
	}
}

func TestWithSharesDestinations(t *testing.T) {
	logger := New(Config{Level: LevelInfo, Quiet: true})
	child := logger.With("component", "queue")
	if child.Slog() == nil {
		t.Fatal("child logger has no slog")
	}
	// Double close on root must be safe after a With.
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}
}
