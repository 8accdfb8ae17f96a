//go:build !v8

package qjs

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isorun/isorun/backend"
)

func newIsolate(t *testing.T, source string) backend.Isolate {
	t.Helper()
	iso, err := NewFactory(backend.EngineOptions{}).NewIsolate(source, "")
	require.NoError(t, err)
	t.Cleanup(iso.Close)
	return iso
}

func TestRunModuleHandler(t *testing.T) {
	iso := newIsolate(t, `export default {
		fetch(request) {
			return { status: 200, headers: {}, body: "method=" + request.method };
		}
	};`)

	out, err := iso.Run(context.Background(),
		json.RawMessage(`{"url":"/","method":"POST","headers":{},"body":null}`),
		backend.ModeRequest)
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, float64(200), resp["status"])
	assert.Equal(t, "method=POST", resp["body"])
}

func TestRunPlainFunctionHandler(t *testing.T) {
	iso := newIsolate(t, `globalThis.__handler = function(request) {
		return { status: 204, headers: {}, body: "" };
	};`)

	out, err := iso.Run(context.Background(),
		json.RawMessage(`{"url":"/","method":"GET","headers":{}}`),
		backend.ModeRequest)
	require.NoError(t, err)
	assert.Contains(t, string(out), "204")
}

func TestRunAsyncHandler(t *testing.T) {
	iso := newIsolate(t, `export default {
		async fetch(request) {
			const body = await Promise.resolve("deferred");
			return { status: 200, headers: {}, body };
		}
	};`)

	out, err := iso.Run(context.Background(),
		json.RawMessage(`{"url":"/","method":"GET","headers":{}}`),
		backend.ModeRequest)
	require.NoError(t, err)
	assert.Contains(t, string(out), "deferred")
}

func TestRunRejectedPromise(t *testing.T) {
	iso := newIsolate(t, `export default {
		fetch() { return Promise.reject(new Error("nope")); }
	};`)

	_, err := iso.Run(context.Background(), json.RawMessage(`{}`), backend.ModeRequest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestRunThrowingHandler(t *testing.T) {
	iso := newIsolate(t, `export default {
		fetch() { throw new Error("boom"); }
	};`)

	_, err := iso.Run(context.Background(), json.RawMessage(`{}`), backend.ModeRequest)
	require.Error(t, err)
}

func TestModuleModeScheduled(t *testing.T) {
	iso := newIsolate(t, `export default {
		scheduled(event) { return { ran: true, job: event.job }; }
	};`)

	out, err := iso.Run(context.Background(),
		json.RawMessage(`{"job":"cleanup"}`), backend.ModeModule)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ran":true,"job":"cleanup"}`, string(out))
}

func TestIsolateStateSurvivesRuns(t *testing.T) {
	iso := newIsolate(t, `globalThis.count = 0;
export default {
	fetch() { globalThis.count++; return { status: 200, headers: {}, body: String(globalThis.count) }; }
};`)

	for want := 1; want <= 3; want++ {
		out, err := iso.Run(context.Background(), json.RawMessage(`{}`), backend.ModeRequest)
		require.NoError(t, err)
		var resp map[string]any
		require.NoError(t, json.Unmarshal(out, &resp))
		assert.Equal(t, strconv.Itoa(want), resp["body"])
	}
}

func TestNewIsolateCompileError(t *testing.T) {
	_, err := NewFactory(backend.EngineOptions{}).NewIsolate(`function {`, "")
	require.Error(t, err)
}

func TestNewIsolateEmptySource(t *testing.T) {
	_, err := NewFactory(backend.EngineOptions{}).NewIsolate("", "")
	require.Error(t, err)
}

func TestNullRequestValue(t *testing.T) {
	iso := newIsolate(t, `export default {
		fetch(request) { return { status: 200, headers: {}, body: String(request) }; }
	};`)

	out, err := iso.Run(context.Background(), nil, backend.ModeRequest)
	require.NoError(t, err)
	assert.Contains(t, string(out), "null")
}
