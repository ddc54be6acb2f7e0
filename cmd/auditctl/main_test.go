package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParsePayload(t *testing.T) {
	got, err := parsePayload("")
	if err != nil || got != nil {
		t.Fatalf("empty payload: got %q, %v", got, err)
	}

	got, err = parsePayload(`{"name":"Ada"}`)
	if err != nil {
		t.Fatalf("inline payload: %v", err)
	}
	if string(got) != `{"name":"Ada"}` {
		t.Errorf("inline payload = %s", got)
	}

	if _, err := parsePayload(`{"name":`); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestParsePayload_file(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload.json")
	if err := os.WriteFile(path, []byte(`{"score":88}`), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := parsePayload("@" + path)
	if err != nil {
		t.Fatalf("file payload: %v", err)
	}
	if string(got) != `{"score":88}` {
		t.Errorf("file payload = %s", got)
	}

	if _, err := parsePayload("@" + filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestFormatIndices(t *testing.T) {
	if got := formatIndices([]int64{2, 3, 10}); got != "2, 3, 10" {
		t.Errorf("formatIndices = %q", got)
	}
	if got := formatIndices(nil); got != "" {
		t.Errorf("formatIndices(nil) = %q", got)
	}
}

func TestShort(t *testing.T) {
	if got := short("0123456789abcdef0123"); got != "0123456789abcdef" {
		t.Errorf("short = %q", got)
	}
	if got := short("abc"); got != "abc" {
		t.Errorf("short = %q", got)
	}
}
