package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/isorun/isorun/engine"
	"github.com/isorun/isorun/pool"
)

// brotliMinSize is the smallest response body worth compressing.
const brotliMinSize = 512

// HTTPServer is the primary listener: every inbound request is shaped
// into an envelope and dispatched to the handler, and the runtime's
// introspection surface is mounted under /__introspect/.
type HTTPServer struct {
	state  *engine.RuntimeState
	app    *fiber.App
	logger *zap.Logger
}

// NewHTTP builds the fiber app with dispatch and introspection routes.
func NewHTTP(state *engine.RuntimeState, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadBufferSize:        16 * 1024,
	})

	s := &HTTPServer{state: state, app: app, logger: logger}

	introspect := app.Group("/__introspect")
	introspect.Get("/stats", s.handleStats)
	introspect.Get("/workers", s.handleWorkers)
	introspect.Get("/requests", s.handleRecentRequests)
	introspect.Get("/archive", s.handleArchive)
	introspect.Post("/evict", s.handleEvict)

	app.All("/*", s.handleDispatch)

	return s
}

// App exposes the fiber app, used by tests via app.Test.
func (s *HTTPServer) App() *fiber.App { return s.app }

// Serve blocks listening on addr until the context is cancelled.
func (s *HTTPServer) Serve(ctx context.Context, addr string) error {
	go func() {
		<-ctx.Done()
		_ = s.app.Shutdown()
	}()
	s.logger.Info("HTTP listening", zap.String("addr", addr))
	err := s.app.Listen(addr)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *HTTPServer) handleDispatch(c *fiber.Ctx) error {
	headers := make([]pool.Header, 0, 8)
	for key, values := range c.GetReqHeaders() {
		for _, v := range values {
			headers = append(headers, pool.Header{Name: key, Value: v})
		}
	}

	var body *string
	if raw := c.Body(); len(raw) > 0 {
		b := string(raw)
		body = &b
	}

	response, err := s.state.ExecuteRequestParts(c.Context(), c.OriginalURL(), c.Method(), headers, body)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).SendString(err.Error())
	}

	for name, value := range response.Headers {
		c.Set(name, value)
	}
	c.Status(int(response.Status))

	payload := []byte(response.Body)
	if response.BodyBase64 != nil {
		decoded, derr := base64.StdEncoding.DecodeString(*response.BodyBase64)
		if derr != nil {
			return c.Status(fiber.StatusInternalServerError).SendString("invalid base64 response body")
		}
		payload = decoded
	}

	if len(payload) >= brotliMinSize && acceptsBrotli(c.Get(fiber.HeaderAcceptEncoding)) {
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		if _, werr := w.Write(payload); werr == nil && w.Close() == nil {
			c.Set(fiber.HeaderContentEncoding, "br")
			payload = buf.Bytes()
		}
	}

	return c.Send(payload)
}

func acceptsBrotli(acceptEncoding string) bool {
	for _, enc := range strings.Split(acceptEncoding, ",") {
		enc = strings.TrimSpace(enc)
		if enc == "br" || strings.HasPrefix(enc, "br;") {
			return true
		}
	}
	return false
}

func (s *HTTPServer) handleStats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"server_pool": s.state.Engine.ServerPool().Stats(),
		"user_pool":   s.state.Engine.Pool().Stats(),
	})
}

func (s *HTTPServer) handleWorkers(c *fiber.Ctx) error {
	return c.JSON(s.state.Engine.Pool().WorkerStats())
}

func (s *HTTPServer) handleRecentRequests(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	return c.JSON(s.state.Engine.Pool().RecentRequests(limit))
}

func (s *HTTPServer) handleArchive(c *fiber.Ctx) error {
	archive := s.state.Engine.Archive()
	if archive == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "trace archive disabled"})
	}

	limit := c.QueryInt("limit", 50)
	var (
		traces []pool.RequestTrace
		err    error
	)
	if before := c.Query("before"); before != "" {
		cutoff, perr := strconv.ParseUint(before, 10, 64)
		if perr != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid before timestamp"})
		}
		traces, err = archive.FetchTracesBefore(limit, cutoff)
	} else {
		traces, err = archive.FetchRecent(limit)
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if traces == nil {
		traces = []pool.RequestTrace{}
	}
	return c.JSON(traces)
}

func (s *HTTPServer) handleEvict(c *fiber.Ctx) error {
	evicted := s.state.Engine.Pool().EvictAll()
	return c.JSON(fiber.Map{"evicted": evicted})
}
