package pool

import (
	"encoding/json"
	"strings"
)

// HandlerKey identifies a unique handler program. Keys are compared by
// value and used for warm-reuse decisions, so two requests with equal keys
// may share a loaded isolate.
type HandlerKey struct {
	Name string
}

// NewHandlerKey derives a key from a handler entry path or name.
func NewHandlerKey(name string) HandlerKey {
	return HandlerKey{Name: strings.TrimSpace(name)}
}

// ExecutionMode distinguishes HTTP-shaped request executions from module
// invocations (scheduled tasks, perf probes).
type ExecutionMode int

const (
	ExecutionModeRequest ExecutionMode = iota
	ExecutionModeModule
)

// Header is a single request header. Headers travel as an ordered slice,
// not a map, so duplicates (multiple Set-Cookie, repeated Accept) survive
// the trip through the scheduler.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RequestParts is a normalized, transport-agnostic request shape.
type RequestParts struct {
	URL     string
	Method  string
	Headers []Header
	Body    *string
}

// RequestData is one unit of scheduled work. It is created per inbound
// request by the dispatch layer and consumed by the worker execution.
type RequestData struct {
	// HandlerCode is the handler source. Must be non-empty for a cold
	// load unless HandlerEntry names a file to read instead.
	HandlerCode string
	// HandlerEntry optionally names the handler's entry file on disk.
	HandlerEntry string
	// RequestValue is the JSON payload passed to the handler.
	RequestValue json.RawMessage
	// RequestParts, when set, is serialized into the request value so the
	// handler sees url/method/headers/body fields.
	RequestParts *RequestParts
	Mode         ExecutionMode
}

// IsolateResponse is the result of executing one RequestData. A response
// with Success=false is an application-level handler failure, not a
// scheduler failure; scheduler failures are returned as errors from
// Execute.
type IsolateResponse struct {
	Success bool
	Error   string
	Result  json.RawMessage
	// WarmTimeUs is the time spent getting or creating the isolate.
	WarmTimeUs uint64
	// TotalTimeUs is the total execution time including warm-up.
	TotalTimeUs uint64
	// CacheHit reports whether a warm isolate was reused.
	CacheHit bool
}

// requestValueJSON merges RequestParts into the request value when parts
// are present, so the handler always receives a single JSON object.
func (d *RequestData) requestValueJSON() json.RawMessage {
	if d.RequestParts == nil {
		if len(d.RequestValue) == 0 {
			return json.RawMessage("null")
		}
		return d.RequestValue
	}

	headers := make(map[string]string, len(d.RequestParts.Headers))
	for _, h := range d.RequestParts.Headers {
		if prev, ok := headers[strings.ToLower(h.Name)]; ok {
			headers[strings.ToLower(h.Name)] = prev + ", " + h.Value
			continue
		}
		headers[strings.ToLower(h.Name)] = h.Value
	}

	obj := map[string]any{
		"url":     d.RequestParts.URL,
		"method":  d.RequestParts.Method,
		"headers": headers,
	}
	if d.RequestParts.Body != nil {
		obj["body"] = *d.RequestParts.Body
	}

	raw, err := json.Marshal(obj)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}
