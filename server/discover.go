package server

import (
	"context"
	"io"

	"github.com/chimera-systems/chimerad/chimeraerr"
	"github.com/chimera-systems/chimerad/db"
	"github.com/chimera-systems/chimerad/formats"
)

// handleDiscover serves DISCOVER <dimension> [since=N] [limit=N],
// streaming {value,count} buckets as NDJSON.
func (s *Server) handleDiscover(ctx context.Context, req *formats.Request, w io.Writer) error {
	if len(req.Positional) < 1 {
		return chimeraerr.New(chimeraerr.BadRequest, "DISCOVER requires a dimension")
	}
	dimension := req.Positional[0]

	since, err := intArg(req, "since", 0)
	if err != nil {
		return err
	}
	limit, err := intArg(req, "limit", 0)
	if err != nil {
		return err
	}

	return s.store.Discover(ctx, dimension, since, limit, func(row db.DiscoverRow) error {
		return disconnectOnWriteError(formats.WriteNDJSON(w, row))
	})
}
