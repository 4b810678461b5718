// Package control exposes the daemon's local management API over a Unix
// domain socket, JSON-RPC 2.0 framed as newline-delimited JSON. Desktop
// frontends connect here; the daemon never listens on TCP.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"distmon/internal/bridge"
	logx "distmon/pkg/logx"
)

const (
	// scannerInitBufSize is the initial buffer size for the per-connection scanner (64 KB).
	scannerInitBufSize = 64 * 1024
	// scannerMaxTokenSize is the maximum request size the scanner will accept (1 MB).
	scannerMaxTokenSize = 1024 * 1024
)

const (
	codeParse          = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
	codeOpFailed       = -32000
)

// Server accepts frontend connections and dispatches requests against Deps.
type Server struct {
	socketPath string
	deps       Deps
	log        logx.Logger

	// baseCtx is the daemon's run context, handed to Start. Operations that
	// restart long-lived work (polling.start) derive from it so shutdown
	// cancellation still reaches them.
	baseCtx context.Context

	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
}

func NewServer(socketPath string, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		socketPath: socketPath,
		deps:       deps,
		log:        log.With(logx.String("comp", "control")),
		quit:       make(chan struct{}),
	}
}

// Addr returns the listening socket path, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start begins listening on the Unix socket and accepting connections.
// ctx is the daemon's run context, not a deadline for Start itself.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.baseCtx = ctx

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("control: mkdir: %w", err)
	}

	// Remove stale socket if it exists.
	if _, err := os.Stat(s.socketPath); err == nil {
		conn, dialErr := net.DialTimeout("unix", s.socketPath, 500*time.Millisecond)
		if dialErr != nil {
			// Socket file exists but nobody is listening.
			_ = os.Remove(s.socketPath)
		} else {
			_ = conn.Close()
			return fmt.Errorf("control: another daemon is already listening on %s", s.socketPath)
		}
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("control: listen: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Info("control socket listening", logx.String("path", s.socketPath))
	return nil
}

// Stop closes the listener, waits for connections to drain, and removes the
// socket file.
func (s *Server) Stop() {
	close(s.quit)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	s.log.Info("control socket closed")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				s.log.Warn("accept error", logx.Err(err))
				// Transient errors (fd limit) must not kill the loop.
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, scannerInitBufSize), scannerMaxTokenSize)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		select {
		case <-s.quit:
			return
		default:
		}

		var req bridge.Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			resp := bridge.Response{JSONRPC: "2.0", Error: &bridge.WireError{Code: codeParse, Message: "parse error"}}
			_ = encoder.Encode(resp)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		resp := s.dispatch(ctx, req)
		cancel()
		if err := encoder.Encode(resp); err != nil {
			return
		}
	}
}
