package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/isorun/isorun/engine"
)

// RedisServer speaks enough RESP2 to let any Redis client dispatch
// handler requests: PING for health checks and RUNTIME.EXEC with a JSON
// request envelope argument, answered with a bulk-string JSON response
// envelope.
type RedisServer struct {
	state  *engine.RuntimeState
	addr   string
	logger *zap.Logger
	ln     net.Listener
}

// NewRedis creates a Redis protocol listener config.
func NewRedis(state *engine.RuntimeState, addr string, logger *zap.Logger) *RedisServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisServer{state: state, addr: addr, logger: logger}
}

// Listen binds the socket. Call before Serve.
func (s *RedisServer) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("binding Redis listener %s: %w", s.addr, err)
	}
	s.ln = ln
	s.logger.Info("Redis protocol listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, valid after Listen.
func (s *RedisServer) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until the context is cancelled.
func (s *RedisServer) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *RedisServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	for {
		args, err := readCommand(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			continue
		}

		switch strings.ToUpper(args[0]) {
		case "PING":
			writeSimple(writer, "PONG")
		case "QUIT":
			writeSimple(writer, "OK")
			writer.Flush()
			return
		case "RUNTIME.EXEC":
			if len(args) != 2 {
				writeError(writer, "ERR wrong number of arguments for 'runtime.exec'")
				break
			}
			response := processEnvelope(ctx, s.state, []byte(args[1]))
			writeBulk(writer, response)
		case "CLIENT", "COMMAND":
			// Clients probe these on connect; acknowledge and move on.
			writeSimple(writer, "OK")
		default:
			writeError(writer, fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(args[0])))
		}

		if err := writer.Flush(); err != nil {
			return
		}
	}
}

// readCommand parses one RESP command: either an array of bulk strings or
// a bare inline command line.
func readCommand(reader *bufio.Reader) ([]string, error) {
	line, err := readLine(reader)
	if err != nil {
		return nil, err
	}
	if line == "" {
		return nil, nil
	}

	if line[0] != '*' {
		return strings.Fields(line), nil
	}

	count, err := strconv.Atoi(line[1:])
	if err != nil || count < 0 {
		return nil, fmt.Errorf("malformed array header %q", line)
	}

	args := make([]string, 0, count)
	for i := 0; i < count; i++ {
		header, err := readLine(reader)
		if err != nil {
			return nil, err
		}
		if len(header) == 0 || header[0] != '$' {
			return nil, fmt.Errorf("expected bulk string, got %q", header)
		}
		size, err := strconv.Atoi(header[1:])
		if err != nil || size < 0 {
			return nil, fmt.Errorf("malformed bulk length %q", header)
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(reader, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func readLine(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func writeSimple(w *bufio.Writer, s string) {
	fmt.Fprintf(w, "+%s\r\n", s)
}

func writeError(w *bufio.Writer, s string) {
	fmt.Fprintf(w, "-%s\r\n", s)
}

func writeBulk(w *bufio.Writer, payload []byte) {
	fmt.Fprintf(w, "$%d\r\n", len(payload))
	w.Write(payload)
	w.WriteString("\r\n")
}
