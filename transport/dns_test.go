package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDNSServeUnavailable(t *testing.T) {
	state := newEchoState(t)
	srv := NewDNS(state, "127.0.0.1:0", zap.NewNop())

	err := srv.Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DNS transport not implemented")
	assert.Contains(t, err.Error(), "127.0.0.1:0")
}
