package obslog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoggerWritesJSONLLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bootstrap.jsonl")
	l := New(path)
	l.Info("starting up", map[string]any{"pid": 123})
	l.Warn("slow disk", nil)
	l.Errorf("config load failed: %v", "bad yaml")

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var lines []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		lines = append(lines, e)
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if lines[0].Level != "info" || lines[0].Message != "starting up" {
		t.Fatalf("unexpected first entry: %+v", lines[0])
	}
	if lines[2].Level != "error" || lines[2].Message != "config load failed: bad yaml" {
		t.Fatalf("unexpected third entry: %+v", lines[2])
	}
}

func TestLoggerWithEmptyPathIsNoop(t *testing.T) {
	l := New("")
	l.Info("should not panic", nil)
}

func TestNilLoggerIsNoop(t *testing.T) {
	var l *Logger
	l.Info("should not panic on nil receiver", nil)
}
