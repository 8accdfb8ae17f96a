package transport

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startNATSServer(t *testing.T) *server.Server {
	t.Helper()
	s, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   server.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		t.Fatal("unable to start NATS server")
	}
	t.Cleanup(s.Shutdown)
	return s
}

func TestNATSRequestReply(t *testing.T) {
	s := startNATSServer(t)

	listener := NewNATS(newEchoState(t), s.ClientURL(), "isorun.exec", zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = listener.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	nc, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)
	defer nc.Close()

	var msg *nats.Msg
	require.Eventually(t, func() bool {
		var rerr error
		msg, rerr = nc.Request("isorun.exec", envelopeJSON(t, "/via-nats", "GET"), 500*time.Millisecond)
		return rerr == nil
	}, 5*time.Second, 100*time.Millisecond, "listener subscription never became active")

	resp := decodeResponse(t, msg.Data)
	assert.Equal(t, uint16(200), resp.Status)
	assert.Contains(t, resp.Body, "/via-nats")
}

func TestNATSMalformedEnvelope(t *testing.T) {
	s := startNATSServer(t)

	listener := NewNATS(newEchoState(t), s.ClientURL(), "isorun.exec", zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = listener.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	nc, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)
	defer nc.Close()

	var msg *nats.Msg
	require.Eventually(t, func() bool {
		var rerr error
		msg, rerr = nc.Request("isorun.exec", []byte("not json"), 500*time.Millisecond)
		return rerr == nil
	}, 5*time.Second, 100*time.Millisecond)

	assert.Equal(t, uint16(400), decodeResponse(t, msg.Data).Status)
}
