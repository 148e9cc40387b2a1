// Package server implements the protocol verbs on top of the store
// and the ingestor, and wires them into the socket listener's routing
// table.
package server

import (
	"log/slog"

	"github.com/chimera-systems/chimerad/db"
	"github.com/chimera-systems/chimerad/ingest"
	"github.com/chimera-systems/chimerad/listener"
)

// Server holds the shared dependencies the verb handlers use. The
// handlers themselves keep no state; every request works against a
// fresh store connection.
type Server struct {
	store    *db.Store
	ingestor *ingest.Ingestor
	version  string
	logger   *slog.Logger
}

// New builds a server over an opened store.
func New(store *db.Store, ingestor *ingest.Ingestor, version string, logger *slog.Logger) *Server {
	return &Server{
		store:    store,
		ingestor: ingestor,
		version:  version,
		logger:   logger,
	}
}

// Routes registers every verb on the listener.
func (s *Server) Routes(uds *listener.UDSServer) {
	uds.Handle("PING", s.handlePing)
	uds.Handle("HEALTH", s.handleHealth)
	uds.Handle("VERSION", s.handleVersion)
	uds.Handle("INGEST_JOURNAL", s.handleIngestJournal)
	uds.Handle("QUERY_LOGS", s.handleQueryLogs)
	uds.Handle("DISCOVER", s.handleDiscover)
}
