package engine

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Pure-Go SQLite driver for database/sql (used by IntrospectArchive).
	_ "github.com/glebarez/sqlite"

	"github.com/isorun/isorun/pool"
)

// IntrospectArchive persists request traces to SQLite so execution history
// survives restarts and outlives the in-memory ring buffer. Traces older
// than the retention window are pruned on every write.
type IntrospectArchive struct {
	db            *sql.DB
	retentionDays int
}

const archiveSchema = `
CREATE TABLE IF NOT EXISTS request_traces (
    id TEXT PRIMARY KEY,
    handler_name TEXT NOT NULL,
    isolate_id TEXT NOT NULL,
    worker_id INTEGER NOT NULL,
    started_at_ms INTEGER NOT NULL,
    state TEXT NOT NULL,
    duration_ms INTEGER,
    error TEXT,
    op_timings TEXT,
    queue_wait_ms INTEGER,
    warm_time_us INTEGER,
    total_time_us INTEGER,
    heap_before_bytes INTEGER,
    heap_after_bytes INTEGER,
    heap_delta_bytes INTEGER,
    response_status INTEGER,
    response_body TEXT
);
CREATE INDEX IF NOT EXISTS request_traces_started_at
ON request_traces(started_at_ms DESC);
`

// OpenArchive opens (or creates) the trace archive at the given path.
// Parent directories are created as needed.
func OpenArchive(dbPath string, retentionDays int) (*IntrospectArchive, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating archive directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening trace archive %q: %w", dbPath, err)
	}
	// Enable WAL mode for better concurrent access.
	_, _ = db.Exec("PRAGMA journal_mode=WAL")
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing trace archive schema: %w", err)
	}
	return &IntrospectArchive{db: db, retentionDays: retentionDays}, nil
}

// NewArchiveMemory creates an in-memory archive for testing.
func NewArchiveMemory() (*IntrospectArchive, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory trace archive: %w", err)
	}
	// A second connection would get its own empty in-memory database.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing trace archive schema: %w", err)
	}
	return &IntrospectArchive{db: db, retentionDays: 7}, nil
}

// Close closes the underlying database.
func (a *IntrospectArchive) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

// RecordTraces writes a batch of traces in one transaction. Re-recording
// a trace ID replaces the previous row, so a retried drain batch is safe.
func (a *IntrospectArchive) RecordTraces(traces []pool.RequestTrace) error {
	if len(traces) == 0 {
		return nil
	}

	tx, err := a.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO request_traces
		(id, handler_name, isolate_id, worker_id, started_at_ms, state, duration_ms, error, op_timings, queue_wait_ms, warm_time_us, total_time_us, heap_before_bytes, heap_after_bytes, heap_delta_bytes, response_status, response_body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, trace := range traces {
		state, durationMs, errText := stateParts(trace.State)
		opTimings, jerr := json.Marshal(trace.OpTimings)
		if jerr != nil {
			opTimings = []byte("[]")
		}

		var status any
		if trace.ResponseStatus != nil {
			status = int64(*trace.ResponseStatus)
		}
		var body any
		if trace.ResponseBody != nil {
			body = *trace.ResponseBody
		}

		if _, err := stmt.Exec(
			trace.ID,
			trace.HandlerName,
			trace.IsolateID,
			int64(trace.WorkerID),
			int64(trace.StartedAtMs),
			state,
			durationMs,
			errText,
			string(opTimings),
			int64(trace.QueueWaitMs),
			int64(trace.WarmTimeUs),
			int64(trace.TotalTimeUs),
			int64(trace.HeapBeforeBytes),
			int64(trace.HeapAfterBytes),
			trace.HeapDeltaBytes,
			status,
			body,
		); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	return a.prune()
}

// FetchRecent returns up to limit traces, newest first.
func (a *IntrospectArchive) FetchRecent(limit int) ([]pool.RequestTrace, error) {
	rows, err := a.db.Query(`SELECT id, handler_name, isolate_id, worker_id, started_at_ms, state, duration_ms, error, op_timings, queue_wait_ms, warm_time_us, total_time_us, heap_before_bytes, heap_after_bytes, heap_delta_bytes, response_status, response_body
		FROM request_traces
		ORDER BY started_at_ms DESC
		LIMIT ?`, int64(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTraces(rows)
}

// FetchTracesBefore returns up to limit traces started at or before the
// cutoff, newest first.
func (a *IntrospectArchive) FetchTracesBefore(limit int, cutoffMs uint64) ([]pool.RequestTrace, error) {
	rows, err := a.db.Query(`SELECT id, handler_name, isolate_id, worker_id, started_at_ms, state, duration_ms, error, op_timings, queue_wait_ms, warm_time_us, total_time_us, heap_before_bytes, heap_after_bytes, heap_delta_bytes, response_status, response_body
		FROM request_traces
		WHERE started_at_ms <= ?
		ORDER BY started_at_ms DESC
		LIMIT ?`, int64(cutoffMs), int64(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTraces(rows)
}

func (a *IntrospectArchive) prune() error {
	if a.retentionDays == 0 {
		return nil
	}
	retention := time.Duration(a.retentionDays) * 24 * time.Hour
	cutoff := uint64(time.Now().UnixMilli()) - uint64(retention.Milliseconds())
	_, err := a.db.Exec("DELETE FROM request_traces WHERE started_at_ms < ?", int64(cutoff))
	return err
}

func scanTraces(rows *sql.Rows) ([]pool.RequestTrace, error) {
	var traces []pool.RequestTrace
	for rows.Next() {
		var (
			trace      pool.RequestTrace
			workerID   int64
			startedAt  int64
			state      string
			durationMs sql.NullInt64
			errText    sql.NullString
			opTimings  sql.NullString
			queueWait  sql.NullInt64
			warmUs     sql.NullInt64
			totalUs    sql.NullInt64
			heapBefore sql.NullInt64
			heapAfter  sql.NullInt64
			heapDelta  sql.NullInt64
			status     sql.NullInt64
			body       sql.NullString
		)
		if err := rows.Scan(&trace.ID, &trace.HandlerName, &trace.IsolateID, &workerID, &startedAt,
			&state, &durationMs, &errText, &opTimings, &queueWait, &warmUs, &totalUs,
			&heapBefore, &heapAfter, &heapDelta, &status, &body); err != nil {
			return nil, err
		}

		trace.WorkerID = int(workerID)
		trace.StartedAtMs = uint64(startedAt)
		trace.State = stateFromParts(state, durationMs, errText)
		if opTimings.Valid {
			_ = json.Unmarshal([]byte(opTimings.String), &trace.OpTimings)
		}
		trace.QueueWaitMs = uint64(queueWait.Int64)
		trace.WarmTimeUs = uint64(warmUs.Int64)
		trace.TotalTimeUs = uint64(totalUs.Int64)
		trace.HeapBeforeBytes = uint64(heapBefore.Int64)
		trace.HeapAfterBytes = uint64(heapAfter.Int64)
		trace.HeapDeltaBytes = heapDelta.Int64
		if status.Valid {
			v := uint16(status.Int64)
			trace.ResponseStatus = &v
		}
		if body.Valid {
			v := body.String
			trace.ResponseBody = &v
		}
		traces = append(traces, trace)
	}
	return traces, rows.Err()
}

// stateParts flattens a RequestState into its archive columns. Queue
// timeouts store their wait in the duration column.
func stateParts(state pool.RequestState) (string, any, any) {
	var durationMs, errText any
	switch state.Kind {
	case pool.StateCompleted:
		durationMs = int64(state.DurationMs)
	case pool.StateFailed:
		durationMs = int64(state.DurationMs)
		errText = state.Error
	case pool.StateQueueTimeout:
		durationMs = int64(state.WaitedMs)
	}
	return string(state.Kind), durationMs, errText
}

func stateFromParts(kind string, durationMs sql.NullInt64, errText sql.NullString) pool.RequestState {
	state := pool.RequestState{Kind: pool.RequestStateKind(kind)}
	switch state.Kind {
	case pool.StateCompleted:
		state.DurationMs = uint64(durationMs.Int64)
	case pool.StateFailed:
		state.DurationMs = uint64(durationMs.Int64)
		state.Error = errText.String
		if state.Error == "" {
			state.Error = "unknown error"
		}
	case pool.StateQueueTimeout:
		state.WaitedMs = uint64(durationMs.Int64)
	default:
		state.Kind = pool.StateExecuting
	}
	return state
}
