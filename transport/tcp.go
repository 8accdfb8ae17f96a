package transport

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/isorun/isorun/engine"
)

// TCPServer serves newline-delimited JSON request envelopes over TCP.
type TCPServer struct {
	state    *engine.RuntimeState
	addr     string
	maxConns int
	logger   *zap.Logger
	ln       net.Listener
}

// NewTCP creates a TCP listener config. maxConns caps concurrent
// connections; zero means unlimited.
func NewTCP(state *engine.RuntimeState, addr string, maxConns int, logger *zap.Logger) *TCPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TCPServer{state: state, addr: addr, maxConns: maxConns, logger: logger}
}

// Listen binds the TCP socket. Call before Serve.
func (s *TCPServer) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("binding TCP listener %s: %w", s.addr, err)
	}
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}
	s.ln = ln
	s.logger.Info("TCP listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, valid after Listen.
func (s *TCPServer) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until the context is cancelled.
func (s *TCPServer) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	return serveStream(ctx, s.ln, s.state, s.logger)
}
