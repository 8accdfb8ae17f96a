package transport

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/isorun/isorun/engine"
)

// NATSListener serves request/reply over NATS: the request payload is a
// JSON request envelope and the reply a JSON response envelope.
type NATSListener struct {
	state   *engine.RuntimeState
	url     string
	subject string
	logger  *zap.Logger

	nc  *nats.Conn
	sub *nats.Subscription
}

// NewNATS creates a NATS listener config.
func NewNATS(state *engine.RuntimeState, url, subject string, logger *zap.Logger) *NATSListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSListener{state: state, url: url, subject: subject, logger: logger}
}

// Serve connects, subscribes, and blocks until the context is cancelled.
func (l *NATSListener) Serve(ctx context.Context) error {
	nc, err := nats.Connect(l.url, nats.Name("isorun"))
	if err != nil {
		return fmt.Errorf("connecting to NATS %s: %w", l.url, err)
	}
	l.nc = nc
	defer nc.Close()

	sub, err := nc.Subscribe(l.subject, func(msg *nats.Msg) {
		response := processEnvelope(ctx, l.state, msg.Data)
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(response); err != nil {
			l.logger.Warn("NATS reply failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", l.subject, err)
	}
	l.sub = sub
	l.logger.Info("NATS listening", zap.String("url", l.url), zap.String("subject", l.subject))

	<-ctx.Done()
	_ = sub.Unsubscribe()
	return nil
}
