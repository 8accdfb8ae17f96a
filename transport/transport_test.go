package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"go.uber.org/zap"

	"github.com/stretchr/testify/require"

	"github.com/isorun/isorun/backend"
	"github.com/isorun/isorun/engine"
	"github.com/isorun/isorun/pool"
)

// echoIsolate answers every request with a 200 envelope whose body is the
// request value it received, so tests can assert on what dispatch built.
type echoIsolate struct {
	fail bool
}

func (e *echoIsolate) Run(ctx context.Context, requestValue json.RawMessage, mode backend.Mode) (json.RawMessage, error) {
	if e.fail {
		return nil, fmt.Errorf("handler exploded")
	}
	resp := map[string]any{
		"status":  200,
		"headers": map[string]string{"content-type": "application/json"},
		"body":    string(requestValue),
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *echoIsolate) Interrupt()       {}
func (e *echoIsolate) HeapUsed() uint64 { return 0 }
func (e *echoIsolate) Close()           {}

type echoFactory struct {
	fail bool
}

func (f *echoFactory) NewIsolate(handlerCode, handlerEntry string) (backend.Isolate, error) {
	return &echoIsolate{fail: f.fail}, nil
}

// base64Isolate responds with a binary payload via body_base64.
type base64Isolate struct{}

func (base64Isolate) Run(ctx context.Context, requestValue json.RawMessage, mode backend.Mode) (json.RawMessage, error) {
	return json.RawMessage(`{"status":200,"headers":{},"body":"","body_base64":"AAH+/w=="}`), nil
}

func (base64Isolate) Interrupt()       {}
func (base64Isolate) HeapUsed() uint64 { return 0 }
func (base64Isolate) Close()           {}

type base64Factory struct{}

func (base64Factory) NewIsolate(handlerCode, handlerEntry string) (backend.Isolate, error) {
	return base64Isolate{}, nil
}

func newEchoState(t *testing.T) *engine.RuntimeState {
	t.Helper()
	return newStateWithFactory(t, &echoFactory{})
}

func newFailingState(t *testing.T) *engine.RuntimeState {
	t.Helper()
	return newStateWithFactory(t, &echoFactory{fail: true})
}

func newStateWithFactory(t *testing.T, factory backend.Factory) *engine.RuntimeState {
	t.Helper()
	cfg := pool.DefaultPoolConfig()
	cfg.NumWorkers = 2
	e, err := engine.New(engine.Options{ServerPool: cfg, UserPool: cfg}, factory, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return engine.NewRuntimeState(e, pool.NewHandlerKey("api"), "handler source", "", zap.NewNop())
}

func envelopeJSON(t *testing.T, url, method string) []byte {
	t.Helper()
	raw, err := json.Marshal(engine.RequestEnvelope{
		URL:     url,
		Method:  method,
		Headers: map[string]string{"x-test": "1"},
	})
	require.NoError(t, err)
	return raw
}

func decodeResponse(t *testing.T, raw []byte) engine.ResponseEnvelope {
	t.Helper()
	var resp engine.ResponseEnvelope
	require.NoError(t, json.Unmarshal(raw, &resp), "raw=%s", raw)
	return resp
}
