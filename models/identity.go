package models

import (
	"encoding/binary"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// fingerprintLayout renders a timestamp for the fingerprint tuple:
// ISO-8601 UTC with microsecond resolution, matching the resolution
// the store keeps.
const fingerprintLayout = "2006-01-02T15:04:05.000000Z"

// fieldSeparator joins the fingerprint tuple. The unit-separator
// control byte cannot appear in any of the tuple's fields (hostnames,
// unit names, and severity names are printable; journald strips it
// from messages), so two different tuples never concatenate to the
// same string.
const fieldSeparator = "\x1f"

// idDomainKey is the BLAKE3 keyed-hash domain for log entry ids.
// Changing it changes every derived id, so it is fixed forever. The
// bytes are the ASCII domain name zero-padded to the 32 bytes keyed
// mode requires, which keeps the key readable in a hex dump.
var idDomainKey = [32]byte{
	'c', 'h', 'i', 'm', 'e', 'r', 'a', '.',
	'l', 'o', 'g', 's', '.', 'e', 'n', 't',
	'r', 'y', 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0,
}

// Fingerprint builds the canonical identity string for a log record.
// Same semantic fields, same fingerprint, on every host and every run.
// Empty fields stay empty strings; only the separator keeps positions
// apart.
func Fingerprint(ts time.Time, hostname, unit, source, severity, message string) string {
	return strings.Join([]string{
		ts.UTC().Format(fingerprintLayout),
		hostname,
		unit,
		source,
		severity,
		message,
	}, fieldSeparator)
}

// IDFromFingerprint derives the stable signed 64-bit row id: the first
// eight bytes of the keyed BLAKE3 digest of the fingerprint, read
// big-endian, with the top bit cleared so the value is non-negative in
// a signed column.
func IDFromFingerprint(fingerprint string) int64 {
	hasher, err := blake3.NewKeyed(idDomainKey[:])
	if err != nil {
		// NewKeyed only fails on a wrong key length, which the
		// fixed-size array rules out.
		panic("models: BLAKE3 keyed hasher: " + err.Error())
	}
	hasher.Write([]byte(fingerprint))
	digest := hasher.Sum(nil)
	return int64(binary.BigEndian.Uint64(digest[:8]) &^ (1 << 63))
}

// Identify fills in the Fingerprint and ID of an entry from its
// semantic fields.
func (e *LogEntry) Identify() {
	e.Fingerprint = Fingerprint(e.Timestamp, e.Hostname, e.Unit, e.Source, e.Severity, e.Message)
	e.ID = IDFromFingerprint(e.Fingerprint)
}
