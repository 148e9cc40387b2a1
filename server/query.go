package server

import (
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/chimera-systems/chimerad/chimeraerr"
	"github.com/chimera-systems/chimerad/db"
	"github.com/chimera-systems/chimerad/formats"
	"github.com/chimera-systems/chimerad/models"
)

// tsLayout renders row timestamps for clients: ISO-8601 UTC with
// microsecond resolution and an explicit Z suffix.
const tsLayout = "2006-01-02T15:04:05.000000Z"

// logRow is the NDJSON shape of one QUERY_LOGS result.
type logRow struct {
	TS       string `json:"ts"`
	Hostname string `json:"hostname"`
	Unit     string `json:"unit"`
	Source   string `json:"source"`
	Severity string `json:"severity"`
	PID      *int64 `json:"pid"`
	Message  string `json:"message"`
}

// handleQueryLogs serves QUERY_LOGS with its key=value filters,
// streaming matching rows as NDJSON.
func (s *Server) handleQueryLogs(ctx context.Context, req *formats.Request, w io.Writer) error {
	filter, err := parseQueryFilter(req)
	if err != nil {
		return err
	}

	return s.store.QueryLogs(ctx, filter, func(e models.LogEntry) error {
		row := logRow{
			TS:       e.Timestamp.UTC().Format(tsLayout),
			Hostname: e.Hostname,
			Unit:     e.Unit,
			Source:   e.Source,
			Severity: e.Severity,
			PID:      e.PID,
			Message:  e.Message,
		}
		return disconnectOnWriteError(formats.WriteNDJSON(w, row))
	})
}

func parseQueryFilter(req *formats.Request) (db.QueryFilter, error) {
	var f db.QueryFilter
	var err error

	if f.SinceSeconds, err = intArg(req, "since", 0); err != nil {
		return f, err
	}
	if f.Limit, err = intArg(req, "limit", 0); err != nil {
		return f, err
	}

	f.MinSeverity, _ = req.Arg("min_severity")
	f.Source, _ = req.Arg("source")
	f.Unit, _ = req.Arg("unit")
	f.Hostname, _ = req.Arg("hostname")
	f.Contains, _ = req.Arg("contains")

	if order, ok := req.Arg("order"); ok {
		order = strings.ToLower(order)
		if order != "asc" && order != "desc" {
			return f, chimeraerr.Newf(chimeraerr.BadRequest, "bad order %q", order)
		}
		f.Order = order
	}

	return f, nil
}

// intArg parses an optional non-negative integer argument.
func intArg(req *formats.Request, key string, def int64) (int64, error) {
	raw, ok := req.Arg(key)
	if !ok || raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, chimeraerr.Newf(chimeraerr.BadRequest, "bad %s %q", key, raw)
	}
	return n, nil
}

// disconnectOnWriteError classifies a response write failure as the
// client going away, which the listener logs at debug and otherwise
// ignores.
func disconnectOnWriteError(err error) error {
	return chimeraerr.Wrap(chimeraerr.ClientDisconnected, err, "writing response")
}
