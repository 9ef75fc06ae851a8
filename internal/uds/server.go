package uds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"slices"
	"sync"
	"time"
)

// HandlerFunc serves one command. ctx ends when the server stops.
type HandlerFunc func(ctx context.Context, req *Request) *Response

// Bind adapts a typed command function. Params are decoded into P (a decode
// failure is a validation error), a nil error encodes the result, and a
// non-nil error becomes an error response via ErrorFrom.
func Bind[P any](fn func(ctx context.Context, params P) (any, error)) HandlerFunc {
	return func(ctx context.Context, req *Request) *Response {
		var p P
		if err := req.DecodeParams(&p); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		out, err := fn(ctx, p)
		if err != nil {
			return ErrorFrom(err)
		}
		return SuccessResponse(out)
	}
}

// Server answers one request per connection on a unix socket.
type Server struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	routes   map[string]HandlerFunc
	deadline time.Duration

	ln    net.Listener
	stop  context.CancelFunc
	conns sync.WaitGroup
}

func NewServer(path string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		path:     path,
		logger:   logger,
		routes:   make(map[string]HandlerFunc),
		deadline: 30 * time.Second,
	}
}

// SetConnTimeout bounds how long one connection may take end to end.
func (s *Server) SetConnTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline = d
}

func (s *Server) Handle(command string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[command] = h
}

// Commands returns the registered command names, sorted.
func (s *Server) Commands() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.routes))
	for name := range s.routes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Start listens on the socket (owner-only) and serves in the background.
// Handler contexts derive from ctx and are also cancelled by Stop.
func (s *Server) Start(ctx context.Context) error {
	// a socket file left by a crashed daemon blocks Listen
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", s.path, err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.ln, s.stop = ln, cancel
	s.conns.Add(1)
	go func() {
		defer s.conns.Done()
		s.accept(ctx)
	}()
	return nil
}

// Stop closes the listener, cancels in-flight handlers and waits for their
// connections to finish. It is safe to call more than once.
func (s *Server) Stop() error {
	if s.stop == nil {
		return nil
	}
	s.stop()
	_ = s.ln.Close()
	s.conns.Wait()
	_ = os.Remove(s.path)
	return nil
}

func (s *Server) accept(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			s.logger.Warn("uds accept failed", "error", err)
			continue
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.serve(ctx, conn)
		}()
	}
}

func (s *Server) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	s.mu.RLock()
	deadline := s.deadline
	s.mu.RUnlock()
	_ = conn.SetDeadline(time.Now().Add(deadline))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logger.Debug("uds read request failed", "error", err)
		return
	}

	began := time.Now()
	resp := s.dispatch(ctx, &req)
	elapsed := time.Since(began)
	if resp.Error != nil {
		s.logger.Info("uds command failed", "command", req.Command, "code", resp.Error.Code, "message", resp.Error.Message, "duration", elapsed)
	} else {
		s.logger.Debug("uds command served", "command", req.Command, "duration", elapsed)
	}

	if err := WriteFrame(conn, resp); err != nil {
		s.logger.Warn("uds write response failed", "command", req.Command, "error", err)
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) (resp *Response) {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("client speaks protocol %d, daemon speaks %d", req.ProtocolVersion, ProtocolVersion))
	}
	s.mu.RLock()
	h, ok := s.routes[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("uds handler panicked", "command", req.Command, "panic", r, "stack", string(debug.Stack()))
			resp = ErrorResponse(ErrCodeInternal, req.Command+": handler panicked")
		}
	}()
	return h(ctx, req)
}
