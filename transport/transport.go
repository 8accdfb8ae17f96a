// Package transport exposes the runtime over its wire protocols. Every
// listener normalizes inbound payloads into engine.RequestEnvelope,
// dispatches through a shared RuntimeState, and writes the JSON response
// envelope back in its own framing.
package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/isorun/isorun/engine"
)

// processEnvelope runs one JSON request envelope through dispatch and
// returns the JSON response envelope. Malformed input becomes a 400
// envelope and dispatch failures a 500 envelope, so the connection always
// gets a well-formed reply.
func processEnvelope(ctx context.Context, state *engine.RuntimeState, payload []byte) []byte {
	var response *engine.ResponseEnvelope

	var request engine.RequestEnvelope
	if err := json.Unmarshal(payload, &request); err != nil {
		response = errorEnvelope(400, fmt.Sprintf("Invalid request envelope: %s", err))
	} else {
		resp, err := state.ExecuteRequest(ctx, request)
		if err != nil {
			response = errorEnvelope(500, err.Error())
		} else {
			response = resp
		}
	}

	out, err := json.Marshal(response)
	if err != nil {
		out, _ = json.Marshal(errorEnvelope(500, "response serialization failed"))
	}
	return out
}

func errorEnvelope(status uint16, body string) *engine.ResponseEnvelope {
	return &engine.ResponseEnvelope{
		Status:  status,
		Headers: map[string]string{},
		Body:    body,
	}
}
