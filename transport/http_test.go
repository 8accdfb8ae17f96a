package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/isorun/isorun/pool"
)

func TestHTTPDispatch(t *testing.T) {
	srv := NewHTTP(newEchoState(t), zap.NewNop())

	req := httptest.NewRequest("POST", "/orders?id=7", strings.NewReader("payload"))
	req.Header.Set("X-Trace", "abc")

	resp, err := srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"url":"/orders?id=7"`)
	assert.Contains(t, string(body), `"method":"POST"`)
	assert.Contains(t, string(body), `"x-trace":"abc"`)
	assert.Contains(t, string(body), `"body":"payload"`)
}

func TestHTTPDispatchError(t *testing.T) {
	srv := NewHTTP(newFailingState(t), zap.NewNop())

	resp, err := srv.App().Test(httptest.NewRequest("GET", "/", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 500, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "handler execution failed")
}

func TestHTTPBrotliCompression(t *testing.T) {
	srv := NewHTTP(newEchoState(t), zap.NewNop())

	// A large request body makes the echoed response body exceed the
	// compression threshold.
	large := strings.Repeat("abcdefgh", 200)
	req := httptest.NewRequest("POST", "/big", strings.NewReader(large))
	req.Header.Set("Accept-Encoding", "gzip, br")

	resp, err := srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "br", resp.Header.Get("Content-Encoding"))

	decompressed, err := io.ReadAll(brotli.NewReader(resp.Body))
	require.NoError(t, err)
	assert.Contains(t, string(decompressed), large)
}

func TestHTTPNoBrotliWithoutAcceptHeader(t *testing.T) {
	srv := NewHTTP(newEchoState(t), zap.NewNop())

	large := strings.Repeat("abcdefgh", 200)
	req := httptest.NewRequest("POST", "/big", strings.NewReader(large))

	resp, err := srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
}

func TestHTTPIntrospectStats(t *testing.T) {
	state := newEchoState(t)
	srv := NewHTTP(state, zap.NewNop())

	_, err := srv.App().Test(httptest.NewRequest("GET", "/ping", nil), -1)
	require.NoError(t, err)

	resp, err := srv.App().Test(httptest.NewRequest("GET", "/__introspect/stats", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	var stats map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Contains(t, stats, "server_pool")
	assert.Contains(t, stats, "user_pool")
}

func TestHTTPIntrospectWorkersAndRequests(t *testing.T) {
	state := newEchoState(t)
	srv := NewHTTP(state, zap.NewNop())

	resp, err := srv.App().Test(httptest.NewRequest("GET", "/__introspect/workers", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	var workers []pool.WorkerStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&workers))
	assert.Len(t, workers, 2)

	resp2, err := srv.App().Test(httptest.NewRequest("GET", "/__introspect/requests?limit=5", nil), -1)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, 200, resp2.StatusCode)
}

func TestHTTPIntrospectArchiveDisabled(t *testing.T) {
	srv := NewHTTP(newEchoState(t), zap.NewNop())

	resp, err := srv.App().Test(httptest.NewRequest("GET", "/__introspect/archive", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 404, resp.StatusCode)
}

func TestHTTPIntrospectEvict(t *testing.T) {
	state := newEchoState(t)
	srv := NewHTTP(state, zap.NewNop())

	resp, err := srv.App().Test(httptest.NewRequest("POST", "/__introspect/evict", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	var out map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Contains(t, out, "evicted")
}

func TestHTTPBase64ResponseBody(t *testing.T) {
	// base64Isolate responds with a binary body encoded in body_base64.
	state := newStateWithFactory(t, &base64Factory{})
	srv := NewHTTP(state, zap.NewNop())

	resp, err := srv.App().Test(httptest.NewRequest("GET", "/bin", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, bytes.Equal([]byte{0x00, 0x01, 0xfe, 0xff}, body))
}
