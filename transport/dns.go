package transport

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/isorun/isorun/engine"
)

// DNSServer is a placeholder for a DNS-over-UDP dispatch listener. The
// wire mapping from DNS queries to request envelopes is not defined yet,
// so Serve fails immediately rather than accepting traffic it cannot
// answer.
type DNSServer struct {
	state  *engine.RuntimeState
	addr   string
	logger *zap.Logger
}

// NewDNS creates a DNS listener config.
func NewDNS(state *engine.RuntimeState, addr string, logger *zap.Logger) *DNSServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DNSServer{state: state, addr: addr, logger: logger}
}

// Serve reports the transport as unavailable.
func (s *DNSServer) Serve(ctx context.Context) error {
	return fmt.Errorf("DNS transport not implemented (addr %s)", s.addr)
}
