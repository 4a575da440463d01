// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

// TestLogger_JSONFields verifies message, level, and context fields.
func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug)

	l.Info("study cached", map[string]interface{}{"study_id": "s-1", "bytes": 42})

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e["message"] != "study cached" {
		t.Errorf("message = %v", e["message"])
	}
	if e["level"] != "info" {
		t.Errorf("level = %v, want info", e["level"])
	}
	if e["study_id"] != "s-1" {
		t.Errorf("study_id = %v", e["study_id"])
	}
	if _, ok := e["timestamp"]; !ok {
		t.Error("timestamp missing")
	}
}

// TestLogger_MinLevel verifies lower levels are filtered.
func TestLogger_MinLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn)

	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown")

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0]["message"] != "shown" {
		t.Errorf("message = %v", entries[0]["message"])
	}
}

// TestLogger_ErrorWithCode verifies error text and code are attached.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo)

	l.ErrorWithCode("sync failed", "SYNC_FAILED", errors.New("boom"), map[string]interface{}{"run": 3})

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0]["error"] != "boom" {
		t.Errorf("error = %v", entries[0]["error"])
	}
	if entries[0]["error_code"] != "SYNC_FAILED" {
		t.Errorf("error_code = %v", entries[0]["error_code"])
	}
}

// TestMergeContext verifies later maps override earlier keys.
func TestMergeContext(t *testing.T) {
	if mergeContext() != nil {
		t.Error("mergeContext() should be nil")
	}
	got := mergeContext(map[string]interface{}{"a": 1, "b": 1}, map[string]interface{}{"b": 2})
	if got["a"] != 1 || got["b"] != 2 {
		t.Errorf("mergeContext = %v", got)
	}
}

// TestParseLevel verifies textual levels map correctly.
func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"WARN":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

// TestGlobal_Init verifies the global logger is replaced by Init.
func TestGlobal_Init(t *testing.T) {
	var buf bytes.Buffer
	Init(&buf, LevelInfo)
	Info("hello")
	if !strings.Contains(buf.String(), "hello") {
		t.Errorf("global logger did not write: %q", buf.String())
	}
}
