package transport

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startRedis(t *testing.T) (*RedisServer, *redis.Client) {
	t.Helper()
	srv := NewRedis(newEchoState(t), "127.0.0.1:0", zap.NewNop())
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

	client := redis.NewClient(&redis.Options{
		Addr:        srv.Addr().String(),
		DialTimeout: 2 * time.Second,
		ReadTimeout: 5 * time.Second,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })
	return srv, client
}

func TestRedisPing(t *testing.T) {
	_, client := startRedis(t)
	pong, err := client.Ping(context.Background()).Result()
	require.NoError(t, err)
	assert.Equal(t, "PONG", pong)
}

func TestRedisRuntimeExec(t *testing.T) {
	_, client := startRedis(t)

	raw, err := client.Do(context.Background(), "RUNTIME.EXEC", string(envelopeJSON(t, "/via-redis", "GET"))).Text()
	require.NoError(t, err)

	resp := decodeResponse(t, []byte(raw))
	assert.Equal(t, uint16(200), resp.Status)
	assert.Contains(t, resp.Body, "/via-redis")
}

func TestRedisRuntimeExecMalformed(t *testing.T) {
	_, client := startRedis(t)

	raw, err := client.Do(context.Background(), "RUNTIME.EXEC", "{broken").Text()
	require.NoError(t, err)
	assert.Equal(t, uint16(400), decodeResponse(t, []byte(raw)).Status)
}

func TestRedisWrongArity(t *testing.T) {
	_, client := startRedis(t)

	err := client.Do(context.Background(), "RUNTIME.EXEC").Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong number of arguments")
}

func TestRedisUnknownCommand(t *testing.T) {
	_, client := startRedis(t)

	err := client.Do(context.Background(), "GET", "key").Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}
