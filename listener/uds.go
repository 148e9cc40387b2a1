// Package listener serves the line-oriented request protocol on a
// Unix domain socket. Each connection carries exactly one request and
// one response; the socket file's permissions are the only access
// control.
package listener

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/chimera-systems/chimerad/chimeraerr"
	"github.com/chimera-systems/chimerad/formats"
)

const (
	// maxConcurrentConnections caps in-flight handlers.
	maxConcurrentConnections = 100

	// maxRequestLine bounds the single request line.
	maxRequestLine = 64 * 1024

	// requestReadTimeout applies to reading the request line only;
	// response streaming has no deadline.
	requestReadTimeout = 30 * time.Second

	// shutdownGracePeriod is how long in-flight connections get to
	// finish after the accept loop stops.
	shutdownGracePeriod = 10 * time.Second

	// serviceGroup, when present on the host, group-owns the socket
	// so members can connect through the 0660 mode.
	serviceGroup = "chimera"
)

// HandlerFunc serves one parsed request, writing the response to w.
// A returned error is translated into an ERR line (unless the client
// is already gone).
type HandlerFunc func(ctx context.Context, req *formats.Request, w io.Writer) error

// UDSServer accepts connections on a Unix socket and routes each
// request line to the handler registered for its verb.
type UDSServer struct {
	socketPath string
	handlers   map[string]HandlerFunc
	logger     *slog.Logger

	// activeConnections tracks in-flight handlers so shutdown can
	// drain them before returning.
	activeConnections sync.WaitGroup
}

// NewUDSServer creates a server for the given socket path. Register
// verbs with Handle before calling Serve.
func NewUDSServer(socketPath string, logger *slog.Logger) *UDSServer {
	return &UDSServer{
		socketPath: socketPath,
		handlers:   make(map[string]HandlerFunc),
		logger:     logger,
	}
}

// Handle registers a handler for a verb. Panics on duplicates; the
// routing table is wired once at startup.
func (s *UDSServer) Handle(verb string, fn HandlerFunc) {
	if _, exists := s.handlers[verb]; exists {
		panic("listener: duplicate handler for verb " + verb)
	}
	s.handlers[verb] = fn
}

// Serve binds the socket and accepts connections until ctx is
// cancelled, then stops accepting and waits out the grace period for
// in-flight connections. A bind or permission failure is returned
// immediately; the caller treats it as fatal.
func (s *UDSServer) Serve(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o750); err != nil {
		return err
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	listenerSock, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	defer func() {
		listenerSock.Close()
		os.Remove(s.socketPath)
	}()

	if err := os.Chmod(s.socketPath, 0o660); err != nil {
		return err
	}
	s.chownServiceGroup()

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listenerSock.Close()
	}()

	s.logger.Info("listening", "socket", s.socketPath)

	// In-flight handlers outlive the accept loop's context: they get
	// the grace period to finish before this context forces them out.
	handlerCtx, cancelHandlers := context.WithCancel(context.Background())
	defer cancelHandlers()

	// Semaphore caps concurrent in-flight connections.
	semaphore := make(chan struct{}, maxConcurrentConnections)

	for {
		conn, err := listenerSock.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		semaphore <- struct{}{}
		s.activeConnections.Add(1)

		go func(c net.Conn) {
			defer func() {
				<-semaphore
				s.activeConnections.Done()
			}()
			s.handleConnection(handlerCtx, c)
		}(conn)
	}

	drained := make(chan struct{})
	go func() {
		s.activeConnections.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(shutdownGracePeriod):
		s.logger.Warn("shutdown grace period elapsed, aborting open connections")
		cancelHandlers()
	}
	return nil
}

// chownServiceGroup hands the socket to the service group when the
// group exists and the process may chown. Best-effort: on failure the
// socket stays with the process's own group.
func (s *UDSServer) chownServiceGroup() {
	grp, err := user.LookupGroup(serviceGroup)
	if err != nil {
		return
	}
	gid, err := strconv.Atoi(grp.Gid)
	if err != nil {
		return
	}
	if err := os.Chown(s.socketPath, -1, gid); err != nil {
		s.logger.Debug("cannot chgrp socket", "group", serviceGroup, "error", err)
	}
}

// handleConnection reads one request line, dispatches it, writes the
// response, and closes.
func (s *UDSServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(requestReadTimeout))

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4*1024), maxRequestLine)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			s.logger.Debug("request read failed", "error", err)
		}
		return
	}

	// The request is in; streaming the response has no deadline.
	conn.SetReadDeadline(time.Time{})

	req, err := formats.ParseRequest(scanner.Text())
	if err != nil {
		s.respondError(conn, chimeraerr.Wrap(chimeraerr.BadRequest, err, "parsing request"))
		return
	}

	handler, ok := s.handlers[req.Verb]
	if !ok {
		s.respondError(conn, chimeraerr.Newf(chimeraerr.UnknownCommand, "no such verb %s", req.Verb))
		return
	}

	if err := handler(ctx, req, conn); err != nil {
		s.respondError(conn, err)
	}
}

// respondError translates a handler error to a single ERR line and
// logs it at the level its kind calls for.
func (s *UDSServer) respondError(conn net.Conn, err error) {
	switch chimeraerr.KindOf(err) {
	case chimeraerr.ClientDisconnected:
		// Nobody is listening; nothing to send.
		s.logger.Debug("client disconnected mid-response", "error", err)
		return
	case chimeraerr.BadRequest, chimeraerr.UnknownCommand:
		s.logger.Debug("rejecting request", "error", err)
	case chimeraerr.ExternalUnavailable:
		s.logger.Warn("journal source unavailable", "error", err)
	default:
		s.logger.Error("request failed", "error", err)
	}

	if _, werr := io.WriteString(conn, formats.ErrLine(chimeraerr.Wire(err))); werr != nil {
		s.logger.Debug("cannot send error response", "error", werr)
	}
}
