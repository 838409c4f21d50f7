package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/market-stream/common/logger"
	"github.com/YaganovValera/market-stream/internal/marketdata"
)

const memoryBackend = "memory"

type entry struct {
	tick      marketdata.Tick
	expiresAt time.Time
}

// Memory is an in-process cache. Each key holds an immutable *entry that is swapped
// atomically, so readers never see a partial write and writers never block each other.
type Memory struct {
	entries sync.Map // marketdata.Key → *entry
	seq     atomic.Uint64
	now     func() time.Time
	log     *logger.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// MemoryOption tunes Memory.
type MemoryOption func(*Memory)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory builds a memory cache. A janitor sweeps expired keys every janitorInterval;
// zero disables it (expired entries still read as misses).
func NewMemory(janitorInterval time.Duration, log *logger.Logger, opts ...MemoryOption) *Memory {
	m := &Memory{
		now:  time.Now,
		log:  log.Named("cache-memory"),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if janitorInterval > 0 {
		go m.janitor(janitorInterval)
	} else {
		close(m.done)
	}
	return m
}

func (m *Memory) Put(_ context.Context, key marketdata.Key, tick marketdata.Tick, ttl time.Duration) error {
	tick.Seq = m.seq.Add(1)
	m.entries.Store(key, &entry{tick: tick, expiresAt: m.now().Add(ttl)})
	cacheMetrics.Ops.WithLabelValues(memoryBackend, "put", "ok").Inc()
	return nil
}

func (m *Memory) Get(_ context.Context, key marketdata.Key) (marketdata.Tick, error) {
	v, ok := m.entries.Load(key)
	if !ok {
		cacheMetrics.Ops.WithLabelValues(memoryBackend, "get", "miss").Inc()
		return marketdata.Tick{}, ErrMiss
	}
	e := v.(*entry)
	if !m.now().Before(e.expiresAt) {
		cacheMetrics.Ops.WithLabelValues(memoryBackend, "get", "miss").Inc()
		return marketdata.Tick{}, ErrMiss
	}
	cacheMetrics.Ops.WithLabelValues(memoryBackend, "get", "hit").Inc()
	return e.tick, nil
}

// Sweep deletes expired entries and returns how many were removed.
func (m *Memory) Sweep() int {
	now := m.now()
	removed := 0
	m.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		if !now.Before(e.expiresAt) {
			// CompareAndDelete keeps a concurrent fresh Put.
			if m.entries.CompareAndDelete(k, e) {
				removed++
			}
		}
		return true
	})
	return removed
}

func (m *Memory) janitor(every time.Duration) {
	defer close(m.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			if n := m.Sweep(); n > 0 {
				m.log.Debug("expired entries swept", zap.Int("count", n))
			}
		}
	}
}

// Close stops the janitor.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
	return nil
}
