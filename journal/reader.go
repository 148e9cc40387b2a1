// Package journal streams records from the host's journal tool as
// normalized log entries. The tool is spawned per ingest run and read
// lazily, one JSON line at a time.
package journal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"

	"github.com/chimera-systems/chimerad/chimeraerr"
	"github.com/chimera-systems/chimerad/formats"
	"github.com/chimera-systems/chimerad/models"
)

// DefaultBinary is the journal tool invoked when Options.Binary is
// empty.
const DefaultBinary = "journalctl"

// cursorPattern accepts the base64-plus-journald alphabet only. The
// cursor is passed to the tool as a command argument, so anything
// outside this shape is refused before a process is ever spawned.
var cursorPattern = regexp.MustCompile(`^[A-Za-z0-9+/=_-]{1,500}$`)

// Options bounds one streaming run.
type Options struct {
	// WindowSeconds is how far back to read when no cursor is given.
	// Must be at least 1.
	WindowSeconds int64

	// MaxRecords caps the stream; 0 means unbounded.
	MaxRecords int64

	// StartCursor resumes reading after this position token instead
	// of using the window.
	StartCursor string

	// Binary overrides the journal tool path. Tests point this at a
	// stub that prints canned JSON.
	Binary string
}

// Stream is a finite lazy sequence of normalized journal records.
type Stream struct {
	cmd      *exec.Cmd
	stdout   io.ReadCloser
	scanner  *bufio.Scanner
	logger   *slog.Logger
	max      int64
	produced int64
	skipped  int64
	finished bool
	waited   bool
}

// Open launches the journal tool and returns the record stream. A
// tool that cannot be launched, or a start cursor that fails
// validation, yields an ExternalUnavailable error without any records.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*Stream, error) {
	if opts.WindowSeconds < 1 {
		return nil, chimeraerr.Newf(chimeraerr.BadRequest, "window must be at least 1 second, got %d", opts.WindowSeconds)
	}
	if opts.StartCursor != "" && !cursorPattern.MatchString(opts.StartCursor) {
		return nil, chimeraerr.New(chimeraerr.ExternalUnavailable, "stored journal cursor is not a valid cursor token")
	}

	binary := opts.Binary
	if binary == "" {
		binary = DefaultBinary
	}

	args := []string{"--no-pager", "-o", "json"}
	if opts.StartCursor != "" {
		args = append(args, "--after-cursor", opts.StartCursor)
	} else {
		args = append(args, "--since", fmt.Sprintf("-%ds", opts.WindowSeconds))
	}
	if opts.MaxRecords > 0 {
		args = append(args, "-n", strconv.FormatInt(opts.MaxRecords, 10))
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, chimeraerr.Wrap(chimeraerr.ExternalUnavailable, err, "opening journal tool pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, chimeraerr.Wrap(chimeraerr.ExternalUnavailable, err, "launching journal tool")
	}

	scanner := bufio.NewScanner(stdout)
	// Journal messages can be large; give the scanner room well past
	// the default token size.
	const maxScanSize = 1024 * 1024
	scanner.Buffer(make([]byte, 0, 64*1024), maxScanSize)

	return &Stream{
		cmd:     cmd,
		stdout:  stdout,
		scanner: scanner,
		logger:  logger,
		max:     opts.MaxRecords,
	}, nil
}

// Next returns the next normalized record, or io.EOF when the stream
// ends. Malformed lines and records without a usable timestamp are
// skipped and counted, never returned.
func (s *Stream) Next() (models.LogEntry, error) {
	if s.finished {
		return models.LogEntry{}, io.EOF
	}
	if s.max > 0 && s.produced >= s.max {
		// The tool may still be writing; don't wait for it.
		s.Close()
		return models.LogEntry{}, io.EOF
	}

	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		entry, err := formats.JournalLineToLogEntry(line)
		if err != nil {
			s.skipped++
			s.logger.Debug("skipping journal record", "error", err)
			continue
		}

		s.produced++
		return entry, nil
	}

	if err := s.scanner.Err(); err != nil {
		s.finish()
		return models.LogEntry{}, chimeraerr.Wrap(chimeraerr.ExternalUnavailable, err, "reading journal tool output")
	}

	s.finish()
	return models.LogEntry{}, io.EOF
}

// Skipped reports how many lines were dropped as malformed or
// timestamp-less.
func (s *Stream) Skipped() int64 {
	return s.skipped
}

// finish reaps the child process. Records already emitted stand even
// when the tool exits non-zero; the failure is only logged.
func (s *Stream) finish() {
	s.finished = true
	if s.waited {
		return
	}
	s.waited = true
	if err := s.cmd.Wait(); err != nil {
		s.logger.Warn("journal tool exited abnormally", "error", err)
	}
}

// Close terminates the stream early, killing the tool if it is still
// running.
func (s *Stream) Close() error {
	if s.waited {
		return nil
	}
	s.finished = true
	s.waited = true
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.stdout.Close()
	s.cmd.Wait()
	return nil
}
