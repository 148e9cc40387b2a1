// Package db owns the analytic store: schema, migration, and every
// read and write against the DuckDB file. Each operation checks a
// connection out of the pool for its own duration, so concurrent
// request handlers never share a connection object.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/chimera-systems/chimerad/chimeraerr"
	"github.com/chimera-systems/chimerad/models"
)

// schemaStatements create the store's tables and indexes. Each runs
// on every start and must be idempotent.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS logs (
	    id BIGINT PRIMARY KEY,
	    ts TIMESTAMP NOT NULL,
	    hostname TEXT,
	    unit TEXT,
	    source TEXT,
	    severity TEXT,
	    message TEXT,
	    cursor TEXT UNIQUE,
	    fingerprint TEXT,
	    facility TEXT,
	    pid BIGINT,
	    uid BIGINT,
	    gid BIGINT,
	    raw TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS ingest_state (
	    source_name TEXT PRIMARY KEY,
	    cursor TEXT,
	    updated_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_ts ON logs(ts)`,
}

// severityRankExpr ranks the stored severity name for min_severity
// filtering. Names outside the syslog set rank 99 and therefore never
// pass any threshold.
const severityRankExpr = `(CASE severity
    WHEN 'emerg' THEN 0 WHEN 'alert' THEN 1 WHEN 'crit' THEN 2
    WHEN 'err' THEN 3 WHEN 'warning' THEN 4 WHEN 'notice' THEN 5
    WHEN 'info' THEN 6 WHEN 'debug' THEN 7 ELSE 99 END)`

// Store wraps the DuckDB handle. Open it once at startup; a schema
// or migration failure there means the server must not listen.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the store file, creates the schema, and
// runs the legacy-id migration if the file needs it. An empty path
// opens an in-memory database, which is what the tests use.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path != "" {
		if dir := filepath.Dir(path); dir != "." && dir != "/" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("creating store directory %s: %w", dir, err)
			}
		}
	}

	handle, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", path, err)
	}

	s := &Store{db: handle, logger: logger}

	if err := s.migrateLegacyIDs(context.Background()); err != nil {
		handle.Close()
		return nil, fmt.Errorf("migrating legacy schema: %w", err)
	}

	for _, stmt := range schemaStatements {
		if _, err := handle.Exec(stmt); err != nil {
			handle.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}

	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertLogs inserts a batch of normalized entries, ignoring rows
// whose id or cursor already exists. Returns how many rows were
// actually added.
func (s *Store) InsertLogs(ctx context.Context, entries []models.LogEntry) (int64, error) {
	return s.InsertBatch(ctx, entries, "", "")
}

// InsertBatch inserts a batch and, when source and cursor are both
// non-empty, advances that source's ingest_state row in the same
// transaction. Either both writes commit or neither does.
func (s *Store) InsertBatch(ctx context.Context, entries []models.LogEntry, source, cursor string) (int64, error) {
	defer s.timed("insert_batch")()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, chimeraerr.Wrap(chimeraerr.Storage, err, "acquiring connection")
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, chimeraerr.Wrap(chimeraerr.Storage, err, "beginning transaction")
	}
	defer tx.Rollback()

	var before int64
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM logs").Scan(&before); err != nil {
		return 0, chimeraerr.Wrap(chimeraerr.Storage, err, "counting logs")
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO logs (
		    id, ts, hostname, unit, source, severity, message,
		    cursor, fingerprint, facility, pid, uid, gid, raw
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, chimeraerr.Wrap(chimeraerr.Storage, err, "preparing insert")
	}
	defer stmt.Close()

	for i := range entries {
		e := &entries[i]
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.Timestamp.UTC(), e.Hostname, e.Unit, e.Source, e.Severity, e.Message,
			nullString(e.Cursor), e.Fingerprint, nullString(e.Facility),
			nullInt64(e.PID), nullInt64(e.UID), nullInt64(e.GID), nullString(e.Raw),
		); err != nil {
			return 0, chimeraerr.Wrap(chimeraerr.Storage, err, "inserting log row")
		}
	}

	var after int64
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM logs").Scan(&after); err != nil {
		return 0, chimeraerr.Wrap(chimeraerr.Storage, err, "counting logs")
	}

	if source != "" && cursor != "" {
		if err := upsertCursor(ctx, tx, source, cursor); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, chimeraerr.Wrap(chimeraerr.Storage, err, "committing batch")
	}

	return after - before, nil
}

// GetCursor returns the stored cursor for a source, or "" when the
// source has never advanced.
func (s *Store) GetCursor(ctx context.Context, sourceName string) (string, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return "", chimeraerr.Wrap(chimeraerr.Storage, err, "acquiring connection")
	}
	defer conn.Close()

	var cursor sql.NullString
	err = conn.QueryRowContext(ctx,
		"SELECT cursor FROM ingest_state WHERE source_name = ?", sourceName).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", chimeraerr.Wrap(chimeraerr.Storage, err, "reading cursor")
	}
	return cursor.String, nil
}

// SetCursor upserts the cursor for a source and stamps updated_at.
func (s *Store) SetCursor(ctx context.Context, sourceName, cursor string) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return chimeraerr.Wrap(chimeraerr.Storage, err, "acquiring connection")
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return chimeraerr.Wrap(chimeraerr.Storage, err, "beginning transaction")
	}
	defer tx.Rollback()

	if err := upsertCursor(ctx, tx, sourceName, cursor); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return chimeraerr.Wrap(chimeraerr.Storage, err, "committing cursor")
	}
	return nil
}

func upsertCursor(ctx context.Context, tx *sql.Tx, sourceName, cursor string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ingest_state (source_name, cursor, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (source_name) DO UPDATE SET
		    cursor = excluded.cursor,
		    updated_at = excluded.updated_at`,
		sourceName, cursor, time.Now().UTC())
	return chimeraerr.Wrap(chimeraerr.Storage, err, "upserting cursor")
}

// CountLogs returns the total number of stored entries.
func (s *Store) CountLogs(ctx context.Context) (int64, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, chimeraerr.Wrap(chimeraerr.Storage, err, "acquiring connection")
	}
	defer conn.Close()

	var total int64
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM logs").Scan(&total); err != nil {
		return 0, chimeraerr.Wrap(chimeraerr.Storage, err, "counting logs")
	}
	return total, nil
}

// QueryFilter holds the optional QUERY_LOGS filters. Zero values mean
// "no filter" except Limit and Order, which get defaults.
type QueryFilter struct {
	SinceSeconds int64
	MinSeverity  string
	Source       string
	Unit         string
	Hostname     string
	Contains     string
	Limit        int64
	Order        string
}

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 10000
)

// QueryLogs streams matching rows, newest first unless order=asc,
// into emit. A non-nil error from emit stops the scan and is returned
// unchanged, so callers can abort on a dead client.
func (s *Store) QueryLogs(ctx context.Context, f QueryFilter, emit func(models.LogEntry) error) error {
	defer s.timed("query_logs")()

	where := []string{"1=1"}
	params := []any{}

	if f.SinceSeconds > 0 {
		where = append(where, "ts >= ?")
		params = append(params, time.Now().UTC().Add(-time.Duration(f.SinceSeconds)*time.Second))
	}
	if f.MinSeverity != "" {
		rank, known := models.SeverityRank(strings.ToLower(f.MinSeverity))
		if !known {
			return chimeraerr.Newf(chimeraerr.BadRequest, "unknown severity %q", f.MinSeverity)
		}
		where = append(where, severityRankExpr+" <= ?")
		params = append(params, rank)
	}
	if f.Source != "" {
		where = append(where, "source = ?")
		params = append(params, f.Source)
	}
	if f.Unit != "" {
		where = append(where, "unit = ?")
		params = append(params, f.Unit)
	}
	if f.Hostname != "" {
		where = append(where, "hostname = ?")
		params = append(params, f.Hostname)
	}
	if f.Contains != "" {
		where = append(where, `message ILIKE ? ESCAPE '\'`)
		params = append(params, "%"+escapeLike(f.Contains)+"%")
	}

	order := "DESC"
	if strings.EqualFold(f.Order, "asc") {
		order = "ASC"
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	params = append(params, limit)

	query := `SELECT id, ts, hostname, unit, source, severity, message, cursor, fingerprint,
	       facility, pid, uid, gid
	FROM logs WHERE ` + strings.Join(where, " AND ") +
		" ORDER BY ts " + order + " LIMIT ?"

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return chimeraerr.Wrap(chimeraerr.Storage, err, "acquiring connection")
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, query, params...)
	if err != nil {
		return chimeraerr.Wrap(chimeraerr.Storage, err, "querying logs")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e                             models.LogEntry
			hostname, unit, source        sql.NullString
			severity, message             sql.NullString
			cursor, fingerprint, facility sql.NullString
			pid, uid, gid                 sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &hostname, &unit, &source, &severity,
			&message, &cursor, &fingerprint, &facility, &pid, &uid, &gid); err != nil {
			return chimeraerr.Wrap(chimeraerr.Storage, err, "scanning log row")
		}
		e.Hostname = hostname.String
		e.Unit = unit.String
		e.Source = source.String
		e.Severity = severity.String
		e.Message = message.String
		e.Cursor = cursor.String
		e.Fingerprint = fingerprint.String
		e.Facility = facility.String
		e.PID = int64Ptr(pid)
		e.UID = int64Ptr(uid)
		e.GID = int64Ptr(gid)

		if err := emit(e); err != nil {
			return err
		}
	}
	return chimeraerr.Wrap(chimeraerr.Storage, rows.Err(), "iterating log rows")
}

// DiscoverRow is one aggregation bucket: a distinct value of the
// requested dimension and how many rows carry it.
type DiscoverRow struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

const (
	defaultDiscoverLimit = 50
	maxDiscoverLimit     = 500
)

// discoverColumns maps a discovery dimension to the column it groups
// by. The map doubles as the validation whitelist: the column name is
// interpolated into SQL and must never come from the client verbatim.
var discoverColumns = map[string]string{
	"units":      "unit",
	"hostnames":  "hostname",
	"sources":    "source",
	"severities": "severity",
}

// Discover streams {value, count} buckets for one dimension, most
// frequent first.
func (s *Store) Discover(ctx context.Context, dimension string, sinceSeconds, limit int64, emit func(DiscoverRow) error) error {
	defer s.timed("discover")()

	column, ok := discoverColumns[strings.ToLower(dimension)]
	if !ok {
		return chimeraerr.Newf(chimeraerr.BadRequest, "unknown discover dimension %q", dimension)
	}

	where := "1=1"
	params := []any{}
	if sinceSeconds > 0 {
		where = "ts >= ?"
		params = append(params, time.Now().UTC().Add(-time.Duration(sinceSeconds)*time.Second))
	}

	if limit <= 0 {
		limit = defaultDiscoverLimit
	}
	if limit > maxDiscoverLimit {
		limit = maxDiscoverLimit
	}
	params = append(params, limit)

	query := "SELECT " + column + " AS value, COUNT(*) AS count FROM logs WHERE " + where +
		" GROUP BY " + column + " ORDER BY count DESC NULLS LAST, value NULLS LAST LIMIT ?"

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return chimeraerr.Wrap(chimeraerr.Storage, err, "acquiring connection")
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, query, params...)
	if err != nil {
		return chimeraerr.Wrap(chimeraerr.Storage, err, "querying discovery")
	}
	defer rows.Close()

	for rows.Next() {
		var value sql.NullString
		var row DiscoverRow
		if err := rows.Scan(&value, &row.Count); err != nil {
			return chimeraerr.Wrap(chimeraerr.Storage, err, "scanning discovery row")
		}
		row.Value = value.String
		if err := emit(row); err != nil {
			return err
		}
	}
	return chimeraerr.Wrap(chimeraerr.Storage, rows.Err(), "iterating discovery rows")
}

// escapeLike neutralizes LIKE metacharacters in a user-supplied
// substring so "50%" matches literally.
func escapeLike(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `%`, `\%`)
	v = strings.ReplaceAll(v, `_`, `\_`)
	return v
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
