package cache

import (
	"context"
	"sync"
	"time"
)

const (
	defaultTTL           = 5 * time.Minute
	defaultSweepInterval = time.Minute
	defaultMaxEntries    = 4096
)

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

// Memory is an in-process Cache guarded by a RWMutex.
type Memory[T any] struct {
	mu         sync.RWMutex
	entries    map[string]entry[T]
	defaultTTL time.Duration
	sweepEvery time.Duration
	maxEntries int
	now        func() time.Time

	lifecycle sync.Mutex
	stop      chan struct{}
	done      chan struct{}
}

var _ Cache[int] = (*Memory[int])(nil)

// Option configures a Memory cache.
type Option func(*options)

type options struct {
	ttl        time.Duration
	sweep      time.Duration
	maxEntries int
	now        func() time.Time
}

// WithDefaultTTL sets the TTL used when Set receives ttl <= 0.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithSweepInterval sets how often the background sweeper runs.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweep = d }
}

// WithMaxEntries bounds the number of live entries.
func WithMaxEntries(n int) Option {
	return func(o *options) { o.maxEntries = n }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// NewMemory builds an empty cache. Call Start to run the sweeper.
func NewMemory[T any](opts ...Option) *Memory[T] {
	o := options{ttl: defaultTTL, sweep: defaultSweepInterval, maxEntries: defaultMaxEntries, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.ttl <= 0 {
		o.ttl = defaultTTL
	}
	if o.sweep <= 0 {
		o.sweep = defaultSweepInterval
	}
	if o.maxEntries <= 0 {
		o.maxEntries = defaultMaxEntries
	}
	return &Memory[T]{
		entries:    make(map[string]entry[T]),
		defaultTTL: o.ttl,
		sweepEvery: o.sweep,
		maxEntries: o.maxEntries,
		now:        o.now,
	}
}

// Get returns the value for key. Expired entries are deleted on read.
func (m *Memory[T]) Get(_ context.Context, key string) (T, bool, error) {
	var zero T
	now := m.now()

	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return zero, false, nil
	}
	if !now.Before(e.expiresAt) {
		m.mu.Lock()
		// 重新检查，避免删掉并发写入的新值。
		if cur, still := m.entries[key]; still && !now.Before(cur.expiresAt) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return zero, false, nil
	}
	return e.value, true, nil
}

// Set stores value for ttl, evicting the soonest-to-expire entry when full.
func (m *Memory[T]) Set(_ context.Context, key string, value T, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.maxEntries {
		m.sweepLocked(now)
		if len(m.entries) >= m.maxEntries {
			m.evictOneLocked()
		}
	}
	m.entries[key] = entry[T]{value: value, expiresAt: now.Add(ttl)}
	return nil
}

// Delete removes key.
func (m *Memory[T]) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Len reports the number of stored entries, including expired ones not yet swept.
func (m *Memory[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Sweep removes all expired entries and returns how many were dropped.
func (m *Memory[T]) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked(now)
}

func (m *Memory[T]) sweepLocked(now time.Time) int {
	removed := 0
	for key, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

func (m *Memory[T]) evictOneLocked() {
	var (
		victim string
		oldest time.Time
		found  bool
	)
	for key, e := range m.entries {
		if !found || e.expiresAt.Before(oldest) {
			victim, oldest, found = key, e.expiresAt, true
		}
	}
	if found {
		delete(m.entries, victim)
	}
}

// Start launches the background sweeper. It is a no-op when already running.
func (m *Memory[T]) Start() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.sweepLoop(m.stop, m.done)
}

func (m *Memory[T]) sweepLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-stop:
			return
		}
	}
}

// Stop halts the sweeper and waits for it to exit. Safe to call repeatedly.
func (m *Memory[T]) Stop() {
	m.lifecycle.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.lifecycle.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Close stops the sweeper.
func (m *Memory[T]) Close() error {
	m.Stop()
	return nil
}
