// Package cron runs scheduled handler invocations: each job executes its
// handler in module mode on the user pool at its cron cadence.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/isorun/isorun/engine"
	"github.com/isorun/isorun/pool"
)

// Job is one scheduled handler invocation.
type Job struct {
	// Name identifies the job and becomes the handler key.
	Name string
	// Schedule is a standard 5-field cron expression.
	Schedule string
	// HandlerCode and HandlerEntry locate the handler source.
	HandlerCode  string
	HandlerEntry string
	// Payload is merged into the event object the handler receives.
	Payload json.RawMessage
}

// cronLogger adapts zap.Logger to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// Scheduler drives scheduled jobs against the engine's user pool.
type Scheduler struct {
	engine *engine.RuntimeEngine
	logger *zap.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(e *engine.RuntimeEngine, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := &cronLogger{logger: logger.Named("cron")}
	return &Scheduler{
		engine:  e,
		logger:  logger,
		cron:    cron.New(cron.WithChain(cron.Recover(cl))),
		entries: make(map[string]cron.EntryID),
	}
}

// AddJob registers a job. A job name can be registered once.
func (s *Scheduler) AddJob(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[job.Name]; exists {
		return fmt.Errorf("job already registered: %s", job.Name)
	}

	id, err := s.cron.AddFunc(job.Schedule, func() {
		s.runJob(job)
	})
	if err != nil {
		return fmt.Errorf("registering job %s: %w", job.Name, err)
	}
	s.entries[job.Name] = id
	s.logger.Info("scheduled job registered",
		zap.String("job", job.Name),
		zap.String("schedule", job.Schedule))
	return nil
}

// RemoveJob unregisters a job by name.
func (s *Scheduler) RemoveJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, exists := s.entries[name]
	if !exists {
		return fmt.Errorf("job not found: %s", name)
	}
	s.cron.Remove(id)
	delete(s.entries, name)
	return nil
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunJobNow fires a job immediately, outside its schedule.
func (s *Scheduler) RunJobNow(job Job) {
	s.runJob(job)
}

func (s *Scheduler) runJob(job Job) {
	event := scheduledEvent(job)
	data := pool.RequestData{
		HandlerCode:  job.HandlerCode,
		HandlerEntry: job.HandlerEntry,
		RequestValue: event,
		Mode:         pool.ExecutionModeModule,
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	start := time.Now()
	response, err := s.engine.ExecuteUser(ctx, pool.NewHandlerKey(job.Name), data)
	switch {
	case err != nil:
		s.logger.Error("scheduled job failed",
			zap.String("job", job.Name),
			zap.Error(err))
	case !response.Success:
		s.logger.Warn("scheduled job handler error",
			zap.String("job", job.Name),
			zap.String("error", response.Error))
	default:
		s.logger.Debug("scheduled job completed",
			zap.String("job", job.Name),
			zap.Duration("took", time.Since(start)),
			zap.Bool("cache_hit", response.CacheHit))
	}
}

// scheduledEvent builds the event object a scheduled handler receives.
func scheduledEvent(job Job) json.RawMessage {
	event := map[string]any{
		"job":          job.Name,
		"invocation":   uuid.NewString(),
		"scheduled_at": time.Now().UnixMilli(),
	}
	if len(job.Payload) > 0 {
		var payload map[string]any
		if err := json.Unmarshal(job.Payload, &payload); err == nil {
			for k, v := range payload {
				event[k] = v
			}
		}
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
