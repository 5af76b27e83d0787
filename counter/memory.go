package counter

import (
	"context"
	"sync"
	"time"

	"github.com/nhalm/limitkit/config"
)

// cleanupInterval is the period of the background sweep. The sweep only bounds
// memory; correctness comes from the per-call trim in RecordRequest.
const cleanupInterval = time.Minute

type memoryRecord struct {
	timestamps []time.Time
}

// trim drops timestamps at or before windowStart, keeping insertion order.
func (r *memoryRecord) trim(windowStart time.Time) {
	i := 0
	for i < len(r.timestamps) && !r.timestamps[i].After(windowStart) {
		i++
	}
	if i > 0 {
		r.timestamps = append(r.timestamps[:0], r.timestamps[i:]...)
	}
}

// Memory is an in-memory sliding-window implementation of Counter. Each key
// holds a log of request timestamps; the window slides continuously rather
// than resetting at fixed boundaries. Suitable for single-instance
// deployments and development.
type Memory struct {
	mu       sync.Mutex
	cfg      config.Counter
	records  map[string]*memoryRecord
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMemory creates an in-memory counter. When cfg.AutoCleanup is set, a
// background goroutine periodically evicts stale records; call Shutdown to
// stop it. The configuration is validated and rejected when malformed.
func NewMemory(cfg config.Counter) (*Memory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Memory{
		cfg:     cfg,
		records: make(map[string]*memoryRecord),
		stopCh:  make(chan struct{}),
	}

	if cfg.AutoCleanup {
		go m.sweep()
	}
	return m, nil
}

func (m *Memory) RecordRequest(_ context.Context, key string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	rec, exists := m.records[key]
	if !exists {
		rec = &memoryRecord{}
		m.records[key] = rec
	}

	rec.trim(now.Add(-m.cfg.Window))
	rec.timestamps = append(rec.timestamps, now)

	return Result{
		TotalHits: len(rec.timestamps),
		ResetTime: rec.timestamps[0].Add(m.cfg.Window),
		Exceeded:  len(rec.timestamps) > m.cfg.MaxRequests,
	}, nil
}

func (m *Memory) Decrement(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.records[key]
	if !exists || len(rec.timestamps) == 0 {
		return nil
	}
	rec.timestamps = rec.timestamps[:len(rec.timestamps)-1]
	return nil
}

func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, key)
	return nil
}

func (m *Memory) Cleanup(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	windowStart := time.Now().Add(-m.cfg.Window)
	for key, rec := range m.records {
		rec.trim(windowStart)
		if len(rec.timestamps) == 0 {
			delete(m.records, key)
		}
	}
	return nil
}

// MaxRequests reports the configured request ceiling per window.
func (m *Memory) MaxRequests() int {
	return m.cfg.MaxRequests
}

// Shutdown stops the background sweep. Idempotent, and safe to call when
// AutoCleanup was never enabled.
func (m *Memory) Shutdown() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

func (m *Memory) sweep() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = m.Cleanup(context.Background())
		case <-m.stopCh:
			return
		}
	}
}
