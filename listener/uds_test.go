package listener

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chimera-systems/chimerad/chimeraerr"
	"github.com/chimera-systems/chimerad/formats"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer runs a UDSServer with the given handlers on a temp
// socket and returns the socket path. The server is torn down with
// the test.
func startServer(t *testing.T, register func(*UDSServer)) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "api.sock")

	srv := NewUDSServer(socketPath, testLogger())
	register(srv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	waitForSocket(t, socketPath)
	return socketPath
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		// A plain file at the path (a stale entry not yet replaced)
		// does not count; only a bound socket does.
		if info, err := os.Stat(path); err == nil && info.Mode()&os.ModeSocket != 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never appeared", path)
}

// roundTrip sends one request line and returns the full response.
func roundTrip(t *testing.T, socketPath, request string) string {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dialing %s: %v", socketPath, err)
	}
	defer conn.Close()

	if _, err := io.WriteString(conn, request); err != nil {
		t.Fatalf("writing request: %v", err)
	}
	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	return string(data)
}

func TestServeRoutesVerbs(t *testing.T) {
	socketPath := startServer(t, func(srv *UDSServer) {
		srv.Handle("PING", func(ctx context.Context, req *formats.Request, w io.Writer) error {
			_, err := io.WriteString(w, "PONG\n")
			return err
		})
		srv.Handle("ECHO", func(ctx context.Context, req *formats.Request, w io.Writer) error {
			_, err := io.WriteString(w, strings.Join(req.Positional, " ")+"\n")
			return err
		})
	})

	if got := roundTrip(t, socketPath, "PING\n"); got != "PONG\n" {
		t.Errorf("PING: got %q", got)
	}
	if got := roundTrip(t, socketPath, "ping\n"); got != "PONG\n" {
		t.Errorf("lowercase ping: got %q", got)
	}
	if got := roundTrip(t, socketPath, "ECHO a b\n"); got != "a b\n" {
		t.Errorf("ECHO: got %q", got)
	}
}

func TestServeUnknownVerb(t *testing.T) {
	socketPath := startServer(t, func(srv *UDSServer) {})

	if got := roundTrip(t, socketPath, "NOPE\n"); got != "ERR unknown-command\n" {
		t.Errorf("got %q", got)
	}
}

func TestServeMalformedRequest(t *testing.T) {
	socketPath := startServer(t, func(srv *UDSServer) {})

	if got := roundTrip(t, socketPath, "QUERY contains=\"unterminated\n"); got != "ERR bad-arguments\n" {
		t.Errorf("got %q", got)
	}
}

func TestServeHandlerErrorTranslation(t *testing.T) {
	socketPath := startServer(t, func(srv *UDSServer) {
		srv.Handle("BOOM", func(ctx context.Context, req *formats.Request, w io.Writer) error {
			return chimeraerr.New(chimeraerr.Storage, "disk on fire")
		})
	})

	if got := roundTrip(t, socketPath, "BOOM\n"); got != "ERR storage: disk on fire\n" {
		t.Errorf("got %q", got)
	}
}

func TestServeOneRequestPerConnection(t *testing.T) {
	socketPath := startServer(t, func(srv *UDSServer) {
		srv.Handle("PING", func(ctx context.Context, req *formats.Request, w io.Writer) error {
			_, err := io.WriteString(w, "PONG\n")
			return err
		})
	})

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := io.WriteString(conn, "PING\nPING\n"); err != nil {
		t.Fatalf("write: %v", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading first response: %v", err)
	}
	if line != "PONG\n" {
		t.Errorf("first response = %q", line)
	}

	// The second request on the same connection is never served; the
	// server closes after one response.
	if _, err := reader.ReadString('\n'); err != io.EOF {
		t.Errorf("expected EOF after first response, got %v", err)
	}
}

func TestServeRemovesStaleSocket(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "api.sock")

	// Leave a dead socket file behind, as a crashed daemon would.
	stale, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("creating stale socket: %v", err)
	}
	stale.Close()
	if _, err := os.Stat(socketPath); err != nil {
		// listener cleanup already removed it; recreate a plain file
		// to stand in for the stale entry.
		if err := os.WriteFile(socketPath, nil, 0o660); err != nil {
			t.Fatalf("recreating stale socket file: %v", err)
		}
	}

	srv := NewUDSServer(socketPath, testLogger())
	srv.Handle("PING", func(ctx context.Context, req *formats.Request, w io.Writer) error {
		_, err := io.WriteString(w, "PONG\n")
		return err
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	waitForSocket(t, socketPath)
	if got := roundTrip(t, socketPath, "PING\n"); got != "PONG\n" {
		t.Errorf("got %q", got)
	}
}

func TestServeSocketPermissions(t *testing.T) {
	socketPath := startServer(t, func(srv *UDSServer) {})

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o660 {
		t.Errorf("socket mode = %o, want 660", perm)
	}
}

func TestServeShutdownRemovesSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "api.sock")
	srv := NewUDSServer(socketPath, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	waitForSocket(t, socketPath)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}

	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Error("socket file left behind after shutdown")
	}
}

func TestServeBindFailure(t *testing.T) {
	// A path whose parent cannot be created is a fatal bind error.
	srv := NewUDSServer("/proc/definitely/not/writable/api.sock", testLogger())
	if err := srv.Serve(context.Background()); err == nil {
		t.Fatal("expected bind failure")
	}
}
