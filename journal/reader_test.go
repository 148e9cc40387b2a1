package journal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/chimera-systems/chimerad/chimeraerr"
	"github.com/chimera-systems/chimerad/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubJournalTool writes an executable script that prints the given
// stdout verbatim and exits with the given code, standing in for
// journalctl.
func stubJournalTool(t *testing.T, stdout string, exitCode int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "journalctl-stub")
	script := "#!/bin/sh\ncat <<'EOF'\n" + stdout + "EOF\nexit " + strconv.Itoa(exitCode) + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing stub tool: %v", err)
	}
	return path
}

func drain(t *testing.T, s *Stream) []models.LogEntry {
	t.Helper()
	var entries []models.LogEntry
	for {
		entry, err := s.Next()
		if err == io.EOF {
			return entries
		}
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
		entries = append(entries, entry)
	}
}

func TestStreamReadsRecords(t *testing.T) {
	stdout := `{"__REALTIME_TIMESTAMP":"1754392496000000","_HOSTNAME":"h1","PRIORITY":"6","MESSAGE":"one","__CURSOR":"c1"}
{"__REALTIME_TIMESTAMP":"1754392497000000","_HOSTNAME":"h1","PRIORITY":"3","MESSAGE":"two","__CURSOR":"c2"}
`
	bin := stubJournalTool(t, stdout, 0)

	s, err := Open(context.Background(), Options{WindowSeconds: 60, Binary: bin}, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	entries := drain(t, s)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Message != "one" || entries[0].Severity != "info" || entries[0].Cursor != "c1" {
		t.Errorf("first entry: %+v", entries[0])
	}
	if entries[1].Message != "two" || entries[1].Severity != "err" {
		t.Errorf("second entry: %+v", entries[1])
	}
}

func TestStreamSkipsBadLines(t *testing.T) {
	stdout := `{"__REALTIME_TIMESTAMP":"1754392496000000","MESSAGE":"good","__CURSOR":"c1"}
not json at all
{"MESSAGE":"no timestamp","__CURSOR":"c2"}
{"__REALTIME_TIMESTAMP":"1754392497000000","MESSAGE":"also good","__CURSOR":"c3"}
`
	bin := stubJournalTool(t, stdout, 0)

	s, err := Open(context.Background(), Options{WindowSeconds: 60, Binary: bin}, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	entries := drain(t, s)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if s.Skipped() != 2 {
		t.Errorf("Skipped() = %d, want 2", s.Skipped())
	}
}

func TestStreamMaxRecords(t *testing.T) {
	stdout := `{"__REALTIME_TIMESTAMP":"1754392496000000","MESSAGE":"one"}
{"__REALTIME_TIMESTAMP":"1754392497000000","MESSAGE":"two"}
{"__REALTIME_TIMESTAMP":"1754392498000000","MESSAGE":"three"}
`
	bin := stubJournalTool(t, stdout, 0)

	s, err := Open(context.Background(), Options{WindowSeconds: 60, MaxRecords: 2, Binary: bin}, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	entries := drain(t, s)
	if len(entries) != 2 {
		t.Errorf("got %d entries, want 2", len(entries))
	}
}

func TestStreamToolExitsNonZero(t *testing.T) {
	// Records emitted before the failure stand.
	stdout := `{"__REALTIME_TIMESTAMP":"1754392496000000","MESSAGE":"partial"}
`
	bin := stubJournalTool(t, stdout, 1)

	s, err := Open(context.Background(), Options{WindowSeconds: 60, Binary: bin}, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	entries := drain(t, s)
	if len(entries) != 1 {
		t.Errorf("got %d entries, want 1", len(entries))
	}
}

func TestOpenMissingTool(t *testing.T) {
	_, err := Open(context.Background(),
		Options{WindowSeconds: 60, Binary: "/nonexistent/journalctl"}, testLogger())
	if err == nil {
		t.Fatal("expected error for missing tool")
	}
	if chimeraerr.KindOf(err) != chimeraerr.ExternalUnavailable {
		t.Errorf("kind = %v, want ExternalUnavailable", chimeraerr.KindOf(err))
	}
}

func TestOpenRejectsBadCursor(t *testing.T) {
	tests := []string{
		"s=abc; rm -rf /",
		"cursor with spaces",
		string(make([]byte, 501)),
	}
	for _, cursor := range tests {
		_, err := Open(context.Background(),
			Options{WindowSeconds: 60, StartCursor: cursor, Binary: "/bin/true"}, testLogger())
		if err == nil {
			t.Errorf("cursor %q: expected validation error", cursor)
			continue
		}
		if chimeraerr.KindOf(err) != chimeraerr.ExternalUnavailable {
			t.Errorf("cursor %q: kind = %v, want ExternalUnavailable", cursor, chimeraerr.KindOf(err))
		}
	}
}

func TestOpenRejectsBadWindow(t *testing.T) {
	_, err := Open(context.Background(), Options{WindowSeconds: 0, Binary: "/bin/true"}, testLogger())
	if err == nil {
		t.Fatal("expected error for zero window")
	}
	var ce *chimeraerr.Error
	if !errors.As(err, &ce) || ce.Kind != chimeraerr.BadRequest {
		t.Errorf("want BadRequest, got %v", err)
	}
}
