package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"

	"go.uber.org/zap"

	"github.com/isorun/isorun/engine"
)

// UnixServer serves the same newline-delimited framing as TCP over a
// Unix domain socket.
type UnixServer struct {
	state  *engine.RuntimeState
	path   string
	logger *zap.Logger
	ln     net.Listener
}

// NewUnix creates a Unix socket listener config.
func NewUnix(state *engine.RuntimeState, path string, logger *zap.Logger) *UnixServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UnixServer{state: state, path: path, logger: logger}
}

// Listen binds the socket, removing a stale socket file left by a
// previous run.
func (s *UnixServer) Listen() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing stale socket %s: %w", s.path, err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("binding Unix listener %s: %w", s.path, err)
	}
	s.ln = ln
	s.logger.Info("Unix socket listening", zap.String("path", s.path))
	return nil
}

// Serve accepts connections until the context is cancelled. The socket
// file is removed on shutdown.
func (s *UnixServer) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	defer os.Remove(s.path)
	return serveStream(ctx, s.ln, s.state, s.logger)
}
