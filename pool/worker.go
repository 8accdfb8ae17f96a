package pool

import (
	"fmt"
	"hash/fnv"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/isorun/isorun/backend"
)

// workerSlot is one of the pool's N worker slots. A slot is owned
// exclusively by whichever goroutine received it from the idle channel;
// the mutex only guards the metadata read concurrently by stats queries.
type workerSlot struct {
	id int

	mu            sync.Mutex
	iso           backend.Isolate
	isolateID     string
	loadedKey     HandlerKey
	loadedHash    uint64
	requestCount  uint64
	lastUsed      time.Time
	isolateSince  time.Time
	busy          atomic.Bool
	heapUsedBytes uint64
}

// isWarmFor reports whether the slot already holds this handler with the
// same source. Warm reuse requires both the key and the source hash to
// match, so a redeploy with changed source invalidates the cache.
func (s *workerSlot) isWarmFor(key HandlerKey, sourceHash uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iso != nil && s.loadedKey == key && s.loadedHash == sourceHash
}

// ensureIsolate makes the slot hold an isolate loaded with the requested
// handler. Returns whether the existing isolate was reused and the time
// spent getting it ready.
func (s *workerSlot) ensureIsolate(factory backend.Factory, key HandlerKey, sourceHash uint64, data *RequestData) (cacheHit bool, warm time.Duration, err error) {
	start := time.Now()

	if s.isWarmFor(key, sourceHash) {
		s.mu.Lock()
		s.requestCount++
		s.lastUsed = time.Now()
		s.mu.Unlock()
		return true, time.Since(start), nil
	}

	if strings.TrimSpace(data.HandlerCode) == "" && data.HandlerEntry == "" {
		return false, time.Since(start), fmt.Errorf("handler code is empty for %s", key.Name)
	}

	s.discardIsolate()

	iso, err := factory.NewIsolate(data.HandlerCode, data.HandlerEntry)
	if err != nil {
		return false, time.Since(start), fmt.Errorf("creating isolate for %s: %w", key.Name, err)
	}

	s.mu.Lock()
	s.iso = iso
	s.isolateID = "isolate_" + uuid.NewString()[:10]
	s.loadedKey = key
	s.loadedHash = sourceHash
	s.requestCount = 1
	s.lastUsed = time.Now()
	s.isolateSince = time.Now()
	s.mu.Unlock()

	return false, time.Since(start), nil
}

// discardIsolate tears down the slot's isolate, if any. The slot itself
// stays in rotation; the next assignment recreates the isolate lazily.
func (s *workerSlot) discardIsolate() {
	s.mu.Lock()
	iso := s.iso
	s.iso = nil
	s.isolateID = ""
	s.loadedKey = HandlerKey{}
	s.loadedHash = 0
	s.mu.Unlock()

	if iso != nil {
		iso.Close()
	}
}

func (s *workerSlot) currentIsolateID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isolateID
}

func (s *workerSlot) heapUsed() uint64 {
	s.mu.Lock()
	iso := s.iso
	s.mu.Unlock()
	if iso == nil {
		return 0
	}
	used := iso.HeapUsed()
	s.mu.Lock()
	s.heapUsedBytes = used
	s.mu.Unlock()
	return used
}

func (s *workerSlot) stats() WorkerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return WorkerStats{
		WorkerID:      s.id,
		IsolateID:     s.isolateID,
		HandlerName:   s.loadedKey.Name,
		Busy:          s.busy.Load(),
		TotalRequests: s.requestCount,
		HeapUsedBytes: s.heapUsedBytes,
	}
}

// hashHandlerSource computes the source hash used for warm-reuse
// validation. When the code is empty and an entry path is set, the entry
// file's contents are hashed so on-disk redeploys invalidate warm
// isolates; an unreadable entry falls back to hashing the path.
func hashHandlerSource(data *RequestData) uint64 {
	if strings.TrimSpace(data.HandlerCode) == "" && data.HandlerEntry != "" {
		if contents, err := os.ReadFile(data.HandlerEntry); err == nil {
			return hashString(string(contents))
		}
		return hashString(data.HandlerEntry)
	}
	return hashString(data.HandlerCode)
}

func hashString(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
