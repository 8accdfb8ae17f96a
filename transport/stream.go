package transport

import (
	"bufio"
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/isorun/isorun/engine"
)

// maxEnvelopeLine bounds a single newline-delimited request envelope.
const maxEnvelopeLine = 4 * 1024 * 1024

// serveStream accepts connections and handles each as a stream of
// newline-delimited JSON request envelopes, one JSON response envelope
// per line. It returns when the context is cancelled or the listener
// fails.
func serveStream(ctx context.Context, ln net.Listener, state *engine.RuntimeState, logger *zap.Logger) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go handleStreamConn(ctx, conn, state, logger)
	}
}

func handleStreamConn(ctx context.Context, conn net.Conn, state *engine.RuntimeState, logger *zap.Logger) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxEnvelopeLine)

	for scanner.Scan() {
		payload := scanner.Bytes()
		if len(payload) == 0 {
			continue
		}

		response := processEnvelope(ctx, state, payload)
		if _, err := conn.Write(append(response, '\n')); err != nil {
			logger.Warn("stream response write failed", zap.Error(err))
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		logger.Warn("stream read failed", zap.Error(err))
	}
}
