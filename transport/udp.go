package transport

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/isorun/isorun/engine"
)

// maxDatagram bounds a single UDP request envelope.
const maxDatagram = 64 * 1024

// UDPServer serves one JSON request envelope per datagram and replies
// with one JSON response envelope per datagram.
type UDPServer struct {
	state  *engine.RuntimeState
	addr   string
	logger *zap.Logger
	conn   net.PacketConn
}

// NewUDP creates a UDP listener config.
func NewUDP(state *engine.RuntimeState, addr string, logger *zap.Logger) *UDPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UDPServer{state: state, addr: addr, logger: logger}
}

// Listen binds the UDP socket. Call before Serve.
func (s *UDPServer) Listen() error {
	conn, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return fmt.Errorf("binding UDP listener %s: %w", s.addr, err)
	}
	s.conn = conn
	s.logger.Info("UDP listening", zap.String("addr", conn.LocalAddr().String()))
	return nil
}

// Addr returns the bound address, valid after Listen.
func (s *UDPServer) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Serve reads datagrams until the context is cancelled. Each request is
// handled on its own goroutine so a slow handler does not stall the
// socket.
func (s *UDPServer) Serve(ctx context.Context) error {
	if s.conn == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])

		go func(payload []byte, from net.Addr) {
			response := processEnvelope(ctx, s.state, payload)
			if _, err := s.conn.WriteTo(response, from); err != nil && ctx.Err() == nil {
				s.logger.Warn("UDP response write failed", zap.Error(err))
			}
		}(payload, from)
	}
}
