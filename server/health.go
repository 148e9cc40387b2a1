package server

import (
	"context"
	"io"

	"github.com/chimera-systems/chimerad/formats"
)

func (s *Server) handlePing(ctx context.Context, req *formats.Request, w io.Writer) error {
	_, err := io.WriteString(w, "PONG\n")
	return disconnectOnWriteError(err)
}

func (s *Server) handleHealth(ctx context.Context, req *formats.Request, w io.Writer) error {
	_, err := io.WriteString(w, formats.OKLine())
	return disconnectOnWriteError(err)
}

func (s *Server) handleVersion(ctx context.Context, req *formats.Request, w io.Writer) error {
	_, err := io.WriteString(w, s.version+"\n")
	return disconnectOnWriteError(err)
}
