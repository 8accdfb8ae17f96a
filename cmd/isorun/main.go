package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/isorun/isorun/backend"
	"github.com/isorun/isorun/config"
	"github.com/isorun/isorun/cron"
	"github.com/isorun/isorun/engine"
	"github.com/isorun/isorun/pool"
	"github.com/isorun/isorun/transport"
)

func main() {
	configDir := "./config"
	if len(os.Args) > 1 {
		configDir = os.Args[1]
	}

	cfg, err := config.Load(configDir)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	factory := engine.NewBackendFactory(backend.EngineOptions{
		MemoryLimitBytes: cfg.Pool.MemoryLimitBytes,
		PromiseDeadline:  cfg.Pool.RequestTimeout,
		EnableCodeCache:  cfg.Pool.EnableCodeCache,
	})

	eng, err := engine.New(engine.Options{
		ServerPool:           cfg.ServerPoolConfig(),
		UserPool:             cfg.UserPoolConfig(),
		ArchivePath:          cfg.Archive.Path,
		ArchiveRetentionDays: cfg.Archive.RetentionDays,
		ArchiveInterval:      cfg.Archive.Interval,
	}, factory, logger)
	if err != nil {
		logger.Fatal("Failed to create runtime engine", zap.Error(err))
	}
	if err := engine.SetEngine(eng); err != nil {
		logger.Fatal("Failed to install runtime engine", zap.Error(err))
	}

	if cfg.Handler.Entry == "" {
		logger.Fatal("No handler entry configured")
	}
	name := cfg.Handler.Name
	if name == "" {
		name = cfg.Handler.Entry
	}
	state := engine.NewRuntimeState(eng, pool.NewHandlerKey(name), "", cfg.Handler.Entry, logger)
	state.PerfMode = cfg.PerfMode

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 8)
	serve := func(name string, run func(context.Context) error) {
		go func() {
			if err := run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("Listener failed", zap.String("listener", name), zap.Error(err))
				errCh <- err
			}
		}()
	}

	if addr := cfg.Listeners.HTTP; addr != "" {
		srv := transport.NewHTTP(state, logger)
		serve("http", func(ctx context.Context) error { return srv.Serve(ctx, addr) })
		logger.Info("HTTP listener enabled", zap.String("addr", addr))
	}
	if addr := cfg.Listeners.TCP; addr != "" {
		srv := transport.NewTCP(state, addr, cfg.Listeners.TCPMaxConns, logger)
		if err := srv.Listen(); err != nil {
			logger.Fatal("TCP listen failed", zap.Error(err))
		}
		serve("tcp", srv.Serve)
		logger.Info("TCP listener enabled", zap.String("addr", srv.Addr().String()))
	}
	if path := cfg.Listeners.Unix; path != "" {
		srv := transport.NewUnix(state, path, logger)
		if err := srv.Listen(); err != nil {
			logger.Fatal("Unix listen failed", zap.Error(err))
		}
		serve("unix", srv.Serve)
		logger.Info("Unix listener enabled", zap.String("path", path))
	}
	if addr := cfg.Listeners.UDP; addr != "" {
		srv := transport.NewUDP(state, addr, logger)
		if err := srv.Listen(); err != nil {
			logger.Fatal("UDP listen failed", zap.Error(err))
		}
		serve("udp", srv.Serve)
		logger.Info("UDP listener enabled", zap.String("addr", srv.Addr().String()))
	}
	if addr := cfg.Listeners.WS; addr != "" {
		srv := transport.NewWS(state, addr, logger)
		if err := srv.Listen(); err != nil {
			logger.Fatal("WebSocket listen failed", zap.Error(err))
		}
		serve("ws", srv.Serve)
		logger.Info("WebSocket listener enabled", zap.String("addr", srv.Addr().String()))
	}
	if addr := cfg.Listeners.Redis; addr != "" {
		srv := transport.NewRedis(state, addr, logger)
		if err := srv.Listen(); err != nil {
			logger.Fatal("Redis listen failed", zap.Error(err))
		}
		serve("redis", srv.Serve)
		logger.Info("Redis listener enabled", zap.String("addr", srv.Addr().String()))
	}
	if url := cfg.Listeners.NATSUrl; url != "" {
		srv := transport.NewNATS(state, url, cfg.Listeners.NATSSubject, logger)
		serve("nats", srv.Serve)
		logger.Info("NATS listener enabled",
			zap.String("url", url),
			zap.String("subject", cfg.Listeners.NATSSubject))
	}

	go eng.RunArchiver(ctx)

	scheduler := cron.NewScheduler(eng, logger)
	for _, entry := range cfg.Schedules {
		job := cron.Job{
			Name:         entry.Name,
			Schedule:     entry.Schedule,
			HandlerEntry: entry.Entry,
			Payload:      json.RawMessage(entry.Payload),
		}
		if err := scheduler.AddJob(job); err != nil {
			logger.Fatal("Failed to register scheduled job",
				zap.String("job", entry.Name), zap.Error(err))
		}
	}
	scheduler.Start()

	logger.Info("Runtime started",
		zap.String("handler", name),
		zap.Int("scheduled_jobs", len(cfg.Schedules)))

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		logger.Error("Shutting down after listener failure", zap.Error(err))
		stop()
	}

	scheduler.Stop()
	eng.Close()
	logger.Info("Runtime stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}
