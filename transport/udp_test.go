package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startUDP(t *testing.T, srv *UDPServer) net.Addr {
	t.Helper()
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
	return srv.Addr()
}

func udpRoundTrip(t *testing.T, addr net.Addr, payload []byte) []byte {
	t.Helper()
	conn, err := net.DialTimeout("udp", addr.String(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = conn.Write(payload)
	require.NoError(t, err)

	buf := make([]byte, maxDatagram)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return buf[:n]
}

func TestUDPEnvelopeRoundTrip(t *testing.T) {
	addr := startUDP(t, NewUDP(newEchoState(t), "127.0.0.1:0", zap.NewNop()))

	resp := decodeResponse(t, udpRoundTrip(t, addr, envelopeJSON(t, "/datagram", "GET")))
	assert.Equal(t, uint16(200), resp.Status)
	assert.Contains(t, resp.Body, "/datagram")
}

func TestUDPMalformedEnvelope(t *testing.T) {
	addr := startUDP(t, NewUDP(newEchoState(t), "127.0.0.1:0", zap.NewNop()))

	resp := decodeResponse(t, udpRoundTrip(t, addr, []byte("garbage")))
	assert.Equal(t, uint16(400), resp.Status)
}
