package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/isorun/isorun/pool"
)

// RuntimeState is the per-handler dispatch context shared by every
// listener: which engine to execute on, the handler's identity and
// source, and performance-mode settings.
type RuntimeState struct {
	Engine       *RuntimeEngine
	HandlerKey   pool.HandlerKey
	HandlerCode  string
	HandlerEntry string

	// PerfMode substitutes the canned PerfRequestValue for the real
	// request so listeners can measure raw execution throughput.
	PerfMode bool

	Logger *zap.Logger

	perfCount   atomic.Uint64
	perfTotalUs atomic.Uint64
}

// perfLogEvery is how many perf-mode requests pass between aggregate
// throughput log lines.
const perfLogEvery = 200

// NewRuntimeState builds the dispatch state for one handler.
func NewRuntimeState(e *RuntimeEngine, key pool.HandlerKey, handlerCode, handlerEntry string, logger *zap.Logger) *RuntimeState {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuntimeState{
		Engine:       e,
		HandlerKey:   key,
		HandlerCode:  handlerCode,
		HandlerEntry: handlerEntry,
		Logger:       logger,
	}
}

// ExecuteRequest dispatches a full request envelope to the handler.
func (s *RuntimeState) ExecuteRequest(ctx context.Context, request RequestEnvelope) (*ResponseEnvelope, error) {
	headers := make([]pool.Header, 0, len(request.Headers))
	for name, value := range request.Headers {
		headers = append(headers, pool.Header{Name: name, Value: value})
	}
	return s.ExecuteRequestParts(ctx, request.URL, request.Method, headers, request.Body)
}

// ExecuteRequestParts dispatches a request assembled from its parts,
// skipping envelope construction for listeners that already hold the
// pieces.
func (s *RuntimeState) ExecuteRequestParts(ctx context.Context, url, method string, headers []pool.Header, body *string) (*ResponseEnvelope, error) {
	data := pool.RequestData{
		HandlerCode:  s.HandlerCode,
		HandlerEntry: s.HandlerEntry,
		RequestParts: &pool.RequestParts{
			URL:     url,
			Method:  method,
			Headers: headers,
			Body:    body,
		},
		Mode: pool.ExecutionModeRequest,
	}
	return s.executeRequestData(ctx, data)
}

// ExecuteRequestValue dispatches a raw JSON request value, used by
// message-oriented listeners and scheduled jobs.
func (s *RuntimeState) ExecuteRequestValue(ctx context.Context, requestValue json.RawMessage) (*ResponseEnvelope, error) {
	data := pool.RequestData{
		HandlerCode:  s.HandlerCode,
		HandlerEntry: s.HandlerEntry,
		RequestValue: requestValue,
		Mode:         pool.ExecutionModeRequest,
	}
	return s.executeRequestData(ctx, data)
}

func (s *RuntimeState) executeRequestData(ctx context.Context, data pool.RequestData) (*ResponseEnvelope, error) {
	if s.PerfMode {
		data.RequestParts = nil
		data.RequestValue = PerfRequestValue()
	}

	response, err := s.Engine.Execute(ctx, s.HandlerKey, data)
	if err != nil {
		return nil, fmt.Errorf("handler execution failed: %s", err)
	}

	if !response.Success {
		errMsg := response.Error
		if errMsg == "" {
			errMsg = "Unknown error"
		}
		return nil, fmt.Errorf("handler execution failed: %s", errMsg)
	}

	s.Logger.Debug("request completed",
		zap.Uint64("warm_us", response.WarmTimeUs),
		zap.Uint64("total_us", response.TotalTimeUs),
		zap.Bool("cache_hit", response.CacheHit))

	if s.PerfMode {
		total := s.perfTotalUs.Add(response.TotalTimeUs)
		if n := s.perfCount.Add(1); n%perfLogEvery == 0 {
			s.Logger.Info("perf aggregate",
				zap.Uint64("requests", n),
				zap.Uint64("avg_total_us", total/n))
		}
	}

	if len(response.Result) == 0 {
		return nil, fmt.Errorf("handler returned no result")
	}

	envelope, err := ResponseFromResult(response.Result)
	if err != nil {
		return nil, fmt.Errorf("handler returned invalid response: %s", err)
	}
	return envelope, nil
}
