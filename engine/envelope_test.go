package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseFromResult(t *testing.T) {
	env, err := ResponseFromResult(json.RawMessage(`{"status":201,"headers":{"x-id":"7"},"body":"created"}`))
	require.NoError(t, err)
	assert.Equal(t, uint16(201), env.Status)
	assert.Equal(t, "7", env.Headers["x-id"])
	assert.Equal(t, "created", env.Body)
}

func TestResponseFromResultDefaultsStatus(t *testing.T) {
	env, err := ResponseFromResult(json.RawMessage(`{"body":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, uint16(200), env.Status)
	assert.NotNil(t, env.Headers)
}

func TestResponseFromResultBase64Body(t *testing.T) {
	env, err := ResponseFromResult(json.RawMessage(`{"status":200,"body":"","body_base64":"aGVsbG8="}`))
	require.NoError(t, err)
	require.NotNil(t, env.BodyBase64)
	assert.Equal(t, "aGVsbG8=", *env.BodyBase64)
}

func TestResponseFromResultRejectsNonObject(t *testing.T) {
	for _, raw := range []string{`null`, `"ok"`, `42`, `[1,2]`, ``} {
		_, err := ResponseFromResult(json.RawMessage(raw))
		assert.Error(t, err, "raw=%s", raw)
	}
}
