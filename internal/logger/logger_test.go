package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNew_FileAndConsole(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "logs", "courrier.log")
	var console bytes.Buffer

	log, err := New(Options{File: file, Level: "info", Console: &console})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	log.Info("archive.add", zap.String("id", "01ABC"))
	log.Warn("client.extract.failed", zap.String("detail", "timeout"))
	log.Debug("dropped")
	_ = log.Sync()

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("file has %d lines, want 2:\n%s", len(lines), data)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("file line is not JSON: %v", err)
	}
	if entry["event"] != "archive.add" || entry["id"] != "01ABC" || entry["level"] != "INFO" {
		t.Errorf("entry = %v", entry)
	}

	if strings.Contains(console.String(), "archive.add") {
		t.Errorf("console got info entry: %s", console.String())
	}
	if !strings.Contains(console.String(), "client.extract.failed") {
		t.Errorf("console missing warning: %s", console.String())
	}
}

func TestNew_DebugReachesConsole(t *testing.T) {
	var console bytes.Buffer
	log, err := New(Options{Level: "debug", Console: &console})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	log.Debug("lifecycle.incoming.transition")
	_ = log.Sync()

	if !strings.Contains(console.String(), "lifecycle.incoming.transition") {
		t.Errorf("console = %q, want debug entry", console.String())
	}
}

func TestNew_BadLevel(t *testing.T) {
	if _, err := New(Options{Level: "loud", Quiet: true}); err == nil {
		t.Error("New() expected error for unknown level")
	}
}

func TestNew_NothingEnabled(t *testing.T) {
	log, err := New(Options{Quiet: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if log.Core().Enabled(zap.ErrorLevel) {
		t.Error("expected no-op logger")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
	l := zap.NewExample()
	if OrNop(l) != l {
		t.Error("OrNop should return the given logger")
	}
}
