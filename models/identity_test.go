package models

import (
	"testing"
	"time"
)

func TestFingerprintCanonicalForm(t *testing.T) {
	ts := time.Date(2026, 8, 5, 12, 34, 56, 789000*1000, time.UTC)

	fp := Fingerprint(ts, "host1", "sshd.service", "journal", "err", "Failed password for root")
	want := "2026-08-05T12:34:56.789000Z\x1fhost1\x1fsshd.service\x1fjournal\x1ferr\x1fFailed password for root"
	if fp != want {
		t.Errorf("Fingerprint mismatch:\n got=%q\nwant=%q", fp, want)
	}

	// Empty fields stay empty; positions must still differ.
	a := Fingerprint(ts, "h", "", "journal", "info", "x")
	b := Fingerprint(ts, "h", "x", "journal", "info", "")
	if a == b {
		t.Error("shifting a value across the separator must change the fingerprint")
	}
}

func TestFingerprintNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("CEST", 2*60*60)
	local := time.Date(2026, 8, 5, 14, 0, 0, 0, loc)
	utc := local.UTC()

	if Fingerprint(local, "h", "u", "journal", "info", "m") != Fingerprint(utc, "h", "u", "journal", "info", "m") {
		t.Error("same instant in different zones must fingerprint identically")
	}
}

func TestIDFromFingerprint(t *testing.T) {
	fp := Fingerprint(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), "h", "u", "journal", "info", "hello")

	id1 := IDFromFingerprint(fp)
	id2 := IDFromFingerprint(fp)
	if id1 != id2 {
		t.Errorf("id not deterministic: %d != %d", id1, id2)
	}
	if id1 < 0 {
		t.Errorf("id must be non-negative after clearing the sign bit, got %d", id1)
	}

	other := IDFromFingerprint(fp + "!")
	if other == id1 {
		t.Error("distinct fingerprints produced the same id")
	}
}

func TestIdentify(t *testing.T) {
	e := LogEntry{
		Timestamp: time.Date(2026, 8, 5, 10, 0, 0, 0, time.UTC),
		Hostname:  "host1",
		Unit:      "nginx.service",
		Source:    "journal",
		Severity:  "warning",
		Message:   "upstream timed out",
	}
	e.Identify()

	if e.Fingerprint == "" {
		t.Fatal("Identify left fingerprint empty")
	}
	if e.ID != IDFromFingerprint(e.Fingerprint) {
		t.Error("Identify id does not match fingerprint derivation")
	}

	// A second entry with the same semantic fields gets the same id
	// even if supplementary fields differ.
	pid := int64(1234)
	f := e
	f.PID = &pid
	f.Raw = `{"MESSAGE":"upstream timed out"}`
	f.Identify()
	if f.ID != e.ID {
		t.Error("supplementary fields must not affect the id")
	}
}

func TestSeverityRank(t *testing.T) {
	tests := []struct {
		severity string
		rank     int
		known    bool
	}{
		{"emerg", 0, true},
		{"crit", 2, true},
		{"err", 3, true},
		{"warning", 4, true},
		{"debug", 7, true},
		{"verbose", 0, false},
		{"", 0, false},
	}

	for _, tc := range tests {
		rank, known := SeverityRank(tc.severity)
		if known != tc.known || (known && rank != tc.rank) {
			t.Errorf("SeverityRank(%q) = (%d, %v), want (%d, %v)", tc.severity, rank, known, tc.rank, tc.known)
		}
	}
}
