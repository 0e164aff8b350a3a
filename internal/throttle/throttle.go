// ABOUTME: Per-key token-bucket throttle for login attempts
// ABOUTME: Idle keys expire and the key set is size-limited with oldest-first eviction

package throttle

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Defaults applied by New for zero-valued Config fields.
const (
	DefaultPerMinute = 10
	DefaultBurst     = 5
	DefaultIdleTTL   = 15 * time.Minute
	DefaultMaxKeys   = 10000
)

// Config configures a Limiter.
type Config struct {
	PerMinute int           // sustained attempts per minute per key
	Burst     int           // attempts allowed back to back
	IdleTTL   time.Duration // keys unused this long are forgotten
	MaxKeys   int           // oldest keys are evicted beyond this
}

// entry stores the bucket and list element for a tracked key.
type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	element  *list.Element
}

// Limiter throttles attempts per key. Keys are typically "user:<name>" and
// "ip:<addr>". Uses a doubly-linked list ordered by last use for O(1) eviction.
type Limiter struct {
	mu      sync.Mutex
	keys    map[string]*entry
	order   *list.List // least recently used at front
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	maxKeys int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a Limiter. A background goroutine periodically forgets idle keys.
func New(cfg Config) *Limiter {
	l := newLimiter(cfg, time.Now)
	go l.cleanup()
	return l
}

func newLimiter(cfg Config, now func() time.Time) *Limiter {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = DefaultPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = DefaultMaxKeys
	}
	return &Limiter{
		keys:    make(map[string]*entry),
		order:   list.New(),
		limit:   rate.Limit(float64(cfg.PerMinute) / 60),
		burst:   cfg.Burst,
		idleTTL: cfg.IdleTTL,
		maxKeys: cfg.MaxKeys,
		now:     now,
		done:    make(chan struct{}),
	}
}

// Allow reports whether one more attempt for key is permitted now, and
// records it if so.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	return l.entryLocked(key, now).limiter.AllowN(now, 1)
}

// AllowAll reports whether an attempt is permitted for every key. It only
// spends a token from each bucket when all of them have one.
func (l *Limiter) AllowAll(keys ...string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for _, key := range keys {
		if l.entryLocked(key, now).limiter.TokensAt(now) < 1 {
			return false
		}
	}
	for _, key := range keys {
		l.keys[key].limiter.AllowN(now, 1)
	}
	return true
}

// Reset forgets key, restoring its full burst. Call it after a successful login.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.keys[key]; ok {
		l.order.Remove(e.element)
		delete(l.keys, key)
	}
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

// entryLocked returns the entry for key, creating it if needed. Must be called with mu held.
func (l *Limiter) entryLocked(key string, now time.Time) *entry {
	if e, ok := l.keys[key]; ok {
		e.lastSeen = now
		l.order.MoveToBack(e.element)
		return e
	}

	// Evict oldest if at capacity
	if len(l.keys) >= l.maxKeys {
		l.evictOldest()
	}

	e := &entry{
		limiter:  rate.NewLimiter(l.limit, l.burst),
		lastSeen: now,
		element:  l.order.PushBack(key),
	}
	l.keys[key] = e
	return e
}

// evictOldest removes the least recently used key. Must be called with mu held.
func (l *Limiter) evictOldest() {
	front := l.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	l.order.Remove(front)
	delete(l.keys, key)
}

// cleanup runs in a background goroutine, periodically removing idle keys.
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.runCleanup()
		case <-l.done:
			return
		}
	}
}

// runCleanup removes every key idle for longer than the idle TTL.
func (l *Limiter) runCleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for e := l.order.Front(); e != nil; {
		key, _ := e.Value.(string)
		if now.Sub(l.keys[key].lastSeen) <= l.idleTTL {
			break // list is ordered by last use
		}
		next := e.Next()
		l.order.Remove(e)
		delete(l.keys, key)
		e = next
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		close(l.done)
		l.closed = true
	}
}
