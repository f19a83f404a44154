package ipc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
)

// Handler processes one decoded command frame and returns the response
// payload to encode back, or an error. kind tells the handler which
// concrete request type to decode the frame into.
type Handler func(ctx context.Context, kind CommandKind, frame []byte) (respKind CommandKind, resp any, err error)

// ErrorResponse is sent back when a Handler returns an error, so a client
// always receives a well-formed envelope rather than a closed connection.
type ErrorResponse struct {
	Error string `msgpack:"error"`
}

// CommandError is the envelope type used for ErrorResponse payloads.
const CommandError CommandKind = "error"

// Server accepts connections on a Unix domain socket and dispatches each
// framed command to Handler, one goroutine per connection, mirroring the
// accept-loop shape the teacher's daemon commands use for their own
// listeners.
type Server struct {
	socketPath string
	handler    Handler
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer constructs a Server bound to socketPath, not yet listening.
func NewServer(socketPath string, handler Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{socketPath: socketPath, handler: handler, logger: logger}
}

// Serve removes any stale socket file, listens, and accepts connections
// until ctx is canceled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	_ = os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

// Close stops accepting new connections and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	_ = os.Remove(s.socketPath)
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	dec := NewFrameDecoder(conn)
	for {
		frame, err := dec.ReadFrame()
		if err != nil {
			var fe *FrameError
			if errors.As(err, &fe) {
				s.logger.Warn("ipc: framing error", "error", fe, "fatal", fe.IsFatal())
			}
			return
		}

		kind, err := ProbeCommandKind(frame)
		if err != nil {
			_ = WriteFrame(conn, CommandError, ErrorResponse{Error: err.Error()})
			continue
		}

		respKind, resp, err := s.handler(ctx, kind, frame)
		if err != nil {
			_ = WriteFrame(conn, CommandError, ErrorResponse{Error: err.Error()})
			continue
		}
		if err := WriteFrame(conn, respKind, resp); err != nil {
			s.logger.Warn("ipc: write response failed", "error", err)
			return
		}
	}
}
