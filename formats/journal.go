// Package formats parses and renders the daemon's wire formats: the
// JSON records the journal tool emits, and the line-oriented
// request/response protocol spoken on the socket.
package formats

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/chimera-systems/chimerad/models"
)

// journalRecord mirrors the journald JSON export fields this daemon
// consumes. journald renders every value as a string; a field that
// arrives as anything else (large binary messages come as byte
// arrays) fails the unmarshal and the line is skipped.
type journalRecord struct {
	RealtimeTimestamp string `json:"__REALTIME_TIMESTAMP"`
	Cursor            string `json:"__CURSOR"`
	Hostname          string `json:"_HOSTNAME"`
	Unit              string `json:"_SYSTEMD_UNIT"`
	SyslogIdentifier  string `json:"SYSLOG_IDENTIFIER"`
	Facility          string `json:"SYSLOG_FACILITY"`
	Priority          string `json:"PRIORITY"`
	PID               string `json:"_PID"`
	UID               string `json:"_UID"`
	GID               string `json:"_GID"`
	Message           string `json:"MESSAGE"`
}

// priorityNames maps journald's numeric PRIORITY to the syslog level
// names the store ranks. Anything else passes through as-is and sits
// outside the min_severity ordering.
var priorityNames = map[string]string{
	"0": "emerg",
	"1": "alert",
	"2": "crit",
	"3": "err",
	"4": "warning",
	"5": "notice",
	"6": "info",
	"7": "debug",
}

// ErrNoTimestamp marks a record whose __REALTIME_TIMESTAMP is absent
// or unparseable. Such records are dropped, never stamped with "now".
var ErrNoTimestamp = errors.New("record has no usable timestamp")

// JournalLineToLogEntry normalizes one line of `journalctl -o json`
// output. The returned entry has no fingerprint or id yet; the
// ingestor derives those.
func JournalLineToLogEntry(line []byte) (models.LogEntry, error) {
	var rec journalRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return models.LogEntry{}, fmt.Errorf("malformed journal record: %w", err)
	}

	ts, err := parseRealtimeTimestamp(rec.RealtimeTimestamp)
	if err != nil {
		return models.LogEntry{}, err
	}

	unit := rec.Unit
	if unit == "" {
		unit = rec.SyslogIdentifier
	}

	severity := rec.Priority
	if name, ok := priorityNames[rec.Priority]; ok {
		severity = name
	}

	return models.LogEntry{
		Timestamp: ts,
		Hostname:  rec.Hostname,
		Unit:      unit,
		Source:    "journal",
		Severity:  severity,
		Message:   rec.Message,
		Cursor:    rec.Cursor,
		Facility:  rec.Facility,
		PID:       parseOptionalInt(rec.PID),
		UID:       parseOptionalInt(rec.UID),
		GID:       parseOptionalInt(rec.GID),
		Raw:       string(line),
	}, nil
}

// parseRealtimeTimestamp converts journald's microseconds-since-epoch
// string to a UTC time.
func parseRealtimeTimestamp(micros string) (time.Time, error) {
	if micros == "" {
		return time.Time{}, ErrNoTimestamp
	}
	n, err := strconv.ParseInt(micros, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrNoTimestamp, micros)
	}
	return time.UnixMicro(n).UTC(), nil
}

func parseOptionalInt(v string) *int64 {
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}
