package db

import (
	"context"
	"log/slog"
	"time"
)

// timed reports an operation's duration at debug level. Call it at
// the top of a store operation and defer the returned func.
func (s *Store) timed(op string) func() {
	if !s.logger.Enabled(context.Background(), slog.LevelDebug) {
		return func() {}
	}
	start := time.Now()
	return func() {
		s.logger.Debug("store operation", "op", op, "duration", time.Since(start))
	}
}
