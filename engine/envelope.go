package engine

import (
	"encoding/json"
	"fmt"
)

// RequestEnvelope is the transport-neutral request shape. Every listener
// (HTTP, TCP, Unix, UDP, WebSocket, Redis, NATS) normalizes its inbound
// payload into this form before dispatch.
type RequestEnvelope struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    *string           `json:"body,omitempty"`
}

// ResponseEnvelope is the shape a handler's result must decode into.
// BodyBase64, when set, carries binary response bodies; Upgrade carries
// protocol upgrade instructions for transports that support them.
type ResponseEnvelope struct {
	Status     uint16            `json:"status"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	BodyBase64 *string           `json:"body_base64,omitempty"`
	Upgrade    json.RawMessage   `json:"upgrade,omitempty"`
}

// ResponseFromResult decodes a handler result into a ResponseEnvelope.
// A result missing the status field defaults to 200; a result that is not
// a JSON object is rejected.
func ResponseFromResult(result json.RawMessage) (*ResponseEnvelope, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(result, &probe); err != nil || probe == nil {
		return nil, fmt.Errorf("expected a response object, got %s", snippet(result))
	}

	env := ResponseEnvelope{Status: 200}
	if err := json.Unmarshal(result, &env); err != nil {
		return nil, err
	}
	if env.Status == 0 {
		env.Status = 200
	}
	if env.Headers == nil {
		env.Headers = map[string]string{}
	}
	return &env, nil
}

func snippet(raw json.RawMessage) string {
	const max = 80
	s := string(raw)
	if len(s) > max {
		return s[:max] + "..."
	}
	if s == "" {
		return "<empty>"
	}
	return s
}
