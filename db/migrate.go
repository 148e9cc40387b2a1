package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/chimera-systems/chimerad/models"
)

// migrateLegacyIDs rebuilds the logs table when it still carries a
// sequence-generated id column from an older deployment. Detection is
// by column default: a fresh or already-migrated table derives id in
// application code and has no default, a legacy one defaults to
// nextval(...).
//
// The rebuild is single-pass and resumable: rows are copied into a
// replacement table with the deterministic id, then the tables swap
// inside one transaction. An interrupted run leaves the legacy table
// untouched and is simply detected again on the next start.
func (s *Store) migrateLegacyIDs(ctx context.Context) error {
	var columnDefault sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT column_default FROM information_schema.columns
		WHERE table_name = 'logs' AND column_name = 'id'`).Scan(&columnDefault)
	if err == sql.ErrNoRows {
		// No logs table or no id column: nothing legacy here.
		return nil
	}
	if err != nil {
		return fmt.Errorf("introspecting logs.id: %w", err)
	}
	if !columnDefault.Valid || !strings.Contains(strings.ToLower(columnDefault.String), "nextval") {
		return nil
	}

	s.logger.Info("rebuilding logs table with deterministic ids")

	// Read the legacy rows on a connection of their own; the rebuild
	// writes on a second connection so the scan can stream.
	readConn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer readConn.Close()

	writeConn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer writeConn.Close()

	tx, err := writeConn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE logs_rebuilt (
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
		)`); err != nil {
		return fmt.Errorf("creating rebuilt table: %w", err)
	}

	// Oldest first: when two legacy rows collapse onto one
	// fingerprint, the earliest ts wins and the rest are dropped.
	rows, err := readConn.QueryContext(ctx, `
		SELECT ts, hostname, unit, source, severity, message, cursor, fingerprint,
		       facility, pid, uid, gid, raw
		FROM logs ORDER BY ts ASC`)
	if err != nil {
		return fmt.Errorf("reading legacy rows: %w", err)
	}
	defer rows.Close()

	insert, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO logs_rebuilt (
		    id, ts, hostname, unit, source, severity, message,
		    cursor, fingerprint, facility, pid, uid, gid, raw
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing rebuild insert: %w", err)
	}
	defer insert.Close()

	var copied, dropped int64
	for rows.Next() {
		var (
			ts                            time.Time
			hostname, unit, source        sql.NullString
			severity, message             sql.NullString
			cursor, fingerprint, facility sql.NullString
			pid, uid, gid                 sql.NullInt64
			raw                           sql.NullString
		)
		if err := rows.Scan(&ts, &hostname, &unit, &source, &severity, &message,
			&cursor, &fingerprint, &facility, &pid, &uid, &gid, &raw); err != nil {
			return fmt.Errorf("scanning legacy row: %w", err)
		}

		fp := fingerprint.String
		if fp == "" {
			fp = models.Fingerprint(ts, hostname.String, unit.String, source.String,
				severity.String, message.String)
		}
		id := models.IDFromFingerprint(fp)

		res, err := insert.ExecContext(ctx,
			id, ts.UTC(), hostname, unit, source, severity, message,
			cursor, fp, facility, pid, uid, gid, raw)
		if err != nil {
			return fmt.Errorf("copying legacy row: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			dropped++
			s.logger.Warn("legacy row collides after id rebuild, keeping earliest",
				"fingerprint", fp, "ts", ts.UTC())
		} else {
			copied++
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating legacy rows: %w", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, "DROP TABLE logs"); err != nil {
		return fmt.Errorf("dropping legacy table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "ALTER TABLE logs_rebuilt RENAME TO logs"); err != nil {
		return fmt.Errorf("renaming rebuilt table: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing rebuild: %w", err)
	}

	s.logger.Info("logs table rebuilt", "copied", copied, "dropped", dropped)
	return nil
}
