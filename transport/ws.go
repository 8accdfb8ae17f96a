package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/isorun/isorun/engine"
)

// WSServer serves one JSON request envelope per WebSocket text message,
// replying with one JSON response envelope per message.
type WSServer struct {
	state  *engine.RuntimeState
	addr   string
	logger *zap.Logger
	ln     net.Listener
	srv    *http.Server
}

// NewWS creates a WebSocket listener config.
func NewWS(state *engine.RuntimeState, addr string, logger *zap.Logger) *WSServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSServer{state: state, addr: addr, logger: logger}
}

// Listen binds the HTTP socket the WebSocket upgrades ride on.
func (s *WSServer) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("binding WebSocket listener %s: %w", s.addr, err)
	}
	s.ln = ln
	s.logger.Info("WebSocket listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, valid after Listen.
func (s *WSServer) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve upgrades connections and pumps envelopes until the context is
// cancelled.
func (s *WSServer) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	s.srv = &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.handleUpgrade(ctx, w, r)
		}),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	err := s.srv.Serve(s.ln)
	if err == http.ErrServerClosed || ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *WSServer) handleUpgrade(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		typ, payload, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText || len(payload) == 0 {
			continue
		}

		response := processEnvelope(ctx, s.state, payload)
		if err := conn.Write(ctx, websocket.MessageText, response); err != nil {
			s.logger.Warn("WebSocket response write failed", zap.Error(err))
			return
		}
	}
}
