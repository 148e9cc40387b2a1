package server

import (
	"context"
	"io"
	"strconv"

	"github.com/chimera-systems/chimerad/chimeraerr"
	"github.com/chimera-systems/chimerad/formats"
)

// handleIngestJournal serves INGEST_JOURNAL <seconds> [limit].
func (s *Server) handleIngestJournal(ctx context.Context, req *formats.Request, w io.Writer) error {
	if len(req.Positional) < 1 {
		return chimeraerr.New(chimeraerr.BadRequest, "INGEST_JOURNAL requires a window in seconds")
	}

	seconds, err := strconv.ParseInt(req.Positional[0], 10, 64)
	if err != nil || seconds < 1 {
		return chimeraerr.Newf(chimeraerr.BadRequest, "bad window %q", req.Positional[0])
	}

	var limit int64
	if len(req.Positional) >= 2 {
		limit, err = strconv.ParseInt(req.Positional[1], 10, 64)
		if err != nil || limit < 1 {
			return chimeraerr.Newf(chimeraerr.BadRequest, "bad limit %q", req.Positional[1])
		}
	}

	inserted, total, err := s.ingestor.IngestJournal(ctx, seconds, limit)
	if err != nil {
		return err
	}

	_, werr := io.WriteString(w, formats.OKLine(
		"inserted", strconv.FormatInt(inserted, 10),
		"total", strconv.FormatInt(total, 10)))
	return disconnectOnWriteError(werr)
}
