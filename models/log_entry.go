// Package models holds the plain data types shared by the store, the
// ingestor, and the protocol handlers.
package models

import "time"

// LogEntry is one normalized log record, ready for storage. It is
// produced by the ingestor from a raw journal record and never mutated
// once inserted.
type LogEntry struct {
	ID          int64
	Timestamp   time.Time
	Hostname    string
	Unit        string
	Source      string
	Severity    string
	Message     string
	Cursor      string // empty means "no cursor for this record"
	Fingerprint string

	// Supplementary fields captured from the journal for forensic
	// context. They sit outside the fingerprint tuple and outside
	// every query filter.
	Facility string
	PID      *int64
	UID      *int64
	GID      *int64
	Raw      string // the original JSON record, verbatim
}

// IngestState is the cursor bookmark for one named ingest source.
type IngestState struct {
	SourceName string
	Cursor     string
	UpdatedAt  time.Time
}

// severityRank orders the syslog levels from most to least severe.
// Values outside this map do not participate in min_severity
// filtering: an unknown name never matches any threshold.
var severityRank = map[string]int{
	"emerg":   0,
	"alert":   1,
	"crit":    2,
	"err":     3,
	"warning": 4,
	"notice":  5,
	"info":    6,
	"debug":   7,
}

// SeverityRank returns the numeric rank of a severity name and whether
// it is a recognized syslog level.
func SeverityRank(severity string) (rank int, known bool) {
	rank, known = severityRank[severity]
	return rank, known
}

// KnownSeverities lists the syslog level names in rank order, most
// severe first.
func KnownSeverities() []string {
	return []string{"emerg", "alert", "crit", "err", "warning", "notice", "info", "debug"}
}
