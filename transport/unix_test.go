package transport

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestUnixEnvelopeRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "isorun.sock")
	srv := NewUnix(newEchoState(t), path, zap.NewNop())
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	reader := bufio.NewReader(conn)
	resp := decodeResponse(t, roundTripLine(t, conn, reader, envelopeJSON(t, "/unix", "PUT")))
	assert.Equal(t, uint16(200), resp.Status)
	assert.Contains(t, resp.Body, `"method":"PUT"`)
}

func TestUnixReplacesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stale.sock")

	first := NewUnix(newEchoState(t), path, zap.NewNop())
	require.NoError(t, first.Listen())
	first.ln.Close()

	second := NewUnix(newEchoState(t), path, zap.NewNop())
	require.NoError(t, second.Listen())
	second.ln.Close()
}
