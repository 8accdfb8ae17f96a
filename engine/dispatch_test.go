package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/isorun/isorun/backend"
	"github.com/isorun/isorun/pool"
)

type stubIsolate struct {
	mu        sync.Mutex
	result    json.RawMessage
	runErr    error
	lastValue json.RawMessage
}

func (s *stubIsolate) Run(ctx context.Context, requestValue json.RawMessage, mode backend.Mode) (json.RawMessage, error) {
	s.mu.Lock()
	s.lastValue = append(json.RawMessage(nil), requestValue...)
	s.mu.Unlock()
	if s.runErr != nil {
		return nil, s.runErr
	}
	return s.result, nil
}

func (s *stubIsolate) Interrupt()       {}
func (s *stubIsolate) HeapUsed() uint64 { return 0 }
func (s *stubIsolate) Close()           {}

func (s *stubIsolate) last() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastValue
}

type stubFactory struct {
	isolate *stubIsolate
}

func (f *stubFactory) NewIsolate(handlerCode, handlerEntry string) (backend.Isolate, error) {
	return f.isolate, nil
}

func smallPools() Options {
	cfg := pool.DefaultPoolConfig()
	cfg.NumWorkers = 1
	return Options{ServerPool: cfg, UserPool: cfg}
}

func newTestState(t *testing.T, iso *stubIsolate) *RuntimeState {
	t.Helper()
	e, err := New(smallPools(), &stubFactory{isolate: iso}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return NewRuntimeState(e, pool.NewHandlerKey("api"), "export default { fetch() {} }", "", zap.NewNop())
}

func TestExecuteRequestSuccess(t *testing.T) {
	iso := &stubIsolate{result: json.RawMessage(`{"status":200,"headers":{"content-type":"text/plain"},"body":"hello"}`)}
	state := newTestState(t, iso)

	body := "ping"
	env, err := state.ExecuteRequest(context.Background(), RequestEnvelope{
		URL:     "/greet?name=x",
		Method:  "POST",
		Headers: map[string]string{"X-Trace": "abc"},
		Body:    &body,
	})
	require.NoError(t, err)
	assert.Equal(t, uint16(200), env.Status)
	assert.Equal(t, "hello", env.Body)
	assert.Equal(t, "text/plain", env.Headers["content-type"])

	// The isolate sees one merged request value with lowercased headers.
	var seen map[string]any
	require.NoError(t, json.Unmarshal(iso.last(), &seen))
	assert.Equal(t, "/greet?name=x", seen["url"])
	assert.Equal(t, "POST", seen["method"])
	headers, ok := seen["headers"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "abc", headers["x-trace"])
	assert.Equal(t, "ping", seen["body"])
}

func TestExecuteRequestHandlerFailure(t *testing.T) {
	iso := &stubIsolate{runErr: fmt.Errorf("ReferenceError: f is not defined")}
	state := newTestState(t, iso)

	_, err := state.ExecuteRequest(context.Background(), RequestEnvelope{URL: "/", Method: "GET"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler execution failed:")
	assert.Contains(t, err.Error(), "ReferenceError")
}

func TestExecuteRequestNoResult(t *testing.T) {
	iso := &stubIsolate{result: nil}
	state := newTestState(t, iso)

	_, err := state.ExecuteRequest(context.Background(), RequestEnvelope{URL: "/", Method: "GET"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler returned no result")
}

func TestExecuteRequestInvalidResponse(t *testing.T) {
	iso := &stubIsolate{result: json.RawMessage(`"just a string"`)}
	state := newTestState(t, iso)

	_, err := state.ExecuteRequest(context.Background(), RequestEnvelope{URL: "/", Method: "GET"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler returned invalid response:")
}

func TestExecuteRequestValue(t *testing.T) {
	iso := &stubIsolate{result: json.RawMessage(`{"status":202,"headers":{},"body":"queued"}`)}
	state := newTestState(t, iso)

	env, err := state.ExecuteRequestValue(context.Background(), json.RawMessage(`{"job":"sync","attempt":2}`))
	require.NoError(t, err)
	assert.Equal(t, uint16(202), env.Status)
	assert.JSONEq(t, `{"job":"sync","attempt":2}`, string(iso.last()))
}

func TestPerfModeAggregateLog(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	iso := &stubIsolate{result: json.RawMessage(`{"status":200,"headers":{},"body":"ok"}`)}
	e, err := New(smallPools(), &stubFactory{isolate: iso}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(e.Close)

	state := NewRuntimeState(e, pool.NewHandlerKey("perf"), "export default { fetch() {} }", "", zap.New(core))
	state.PerfMode = true

	for i := 0; i < 2*perfLogEvery; i++ {
		_, err := state.ExecuteRequestValue(context.Background(), json.RawMessage(`{}`))
		require.NoError(t, err)
	}

	entries := logs.FilterMessage("perf aggregate").All()
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(2*perfLogEvery), entries[1].ContextMap()["requests"])
}

func TestPerfModeSubstitutesRequest(t *testing.T) {
	iso := &stubIsolate{result: json.RawMessage(`{"status":200,"headers":{},"body":"ok"}`)}
	state := newTestState(t, iso)
	state.PerfMode = true

	body := "ignored"
	_, err := state.ExecuteRequest(context.Background(), RequestEnvelope{
		URL: "/real", Method: "POST", Body: &body,
	})
	require.NoError(t, err)
	assert.JSONEq(t, string(PerfRequestValue()), string(iso.last()))
}
