// ABOUTME: Tests for the per-key login throttle
// ABOUTME: Validates burst, refill, multi-key checks, eviction, idle cleanup and concurrency

package throttle

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestLimiter(cfg Config) (*Limiter, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return newLimiter(cfg, c.Now), c
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l, c := newTestLimiter(Config{PerMinute: 6, Burst: 3})

	for i := range 3 {
		assert.True(t, l.Allow("user:alice"), "attempt %d", i+1)
	}
	assert.False(t, l.Allow("user:alice"))

	// 6 per minute refills one token every 10 seconds.
	c.Advance(10 * time.Second)
	assert.True(t, l.Allow("user:alice"))
	assert.False(t, l.Allow("user:alice"))
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{PerMinute: 1, Burst: 1})

	assert.True(t, l.Allow("user:alice"))
	assert.False(t, l.Allow("user:alice"))
	assert.True(t, l.Allow("user:bob"))
}

func TestLimiter_AllowAll(t *testing.T) {
	l, _ := newTestLimiter(Config{PerMinute: 1, Burst: 2})

	assert.True(t, l.AllowAll("user:alice", "ip:10.0.0.1"))
	assert.True(t, l.AllowAll("user:alice", "ip:10.0.0.1"))
	assert.False(t, l.AllowAll("user:alice", "ip:10.0.0.1"))

	// A rejected multi-key check spends nothing from the other buckets.
	assert.True(t, l.Allow("ip:10.0.0.2"))
	assert.False(t, l.AllowAll("user:alice", "ip:10.0.0.2"))
	assert.True(t, l.Allow("ip:10.0.0.2"))
}

func TestLimiter_Reset(t *testing.T) {
	l, _ := newTestLimiter(Config{PerMinute: 1, Burst: 1})

	assert.True(t, l.Allow("user:alice"))
	assert.False(t, l.Allow("user:alice"))

	l.Reset("user:alice")
	assert.True(t, l.Allow("user:alice"))

	l.Reset("user:never-seen")
}

func TestLimiter_EvictsOldest(t *testing.T) {
	l, _ := newTestLimiter(Config{PerMinute: 1, Burst: 1, MaxKeys: 2})

	l.Allow("a")
	l.Allow("b")
	l.Allow("a") // a becomes most recently used
	l.Allow("c") // evicts b

	assert.Equal(t, 2, l.Len())
	assert.True(t, l.Allow("b"), "b was evicted so it starts with a full bucket")
	assert.False(t, l.Allow("c"))
}

func TestLimiter_Cleanup(t *testing.T) {
	l, c := newTestLimiter(Config{IdleTTL: time.Minute})

	l.Allow("old")
	c.Advance(45 * time.Second)
	l.Allow("recent")
	c.Advance(30 * time.Second)

	l.runCleanup()

	assert.Equal(t, 1, l.Len())
	l.mu.Lock()
	_, ok := l.keys["recent"]
	l.mu.Unlock()
	assert.True(t, ok)
}

func TestLimiter_Defaults(t *testing.T) {
	l, _ := newTestLimiter(Config{})

	assert.Equal(t, DefaultBurst, l.burst)
	assert.Equal(t, DefaultIdleTTL, l.idleTTL)
	assert.Equal(t, DefaultMaxKeys, l.maxKeys)
	assert.InDelta(t, float64(DefaultPerMinute)/60, float64(l.limit), 1e-9)
}

func TestLimiter_Concurrent(t *testing.T) {
	l, _ := newTestLimiter(Config{PerMinute: 1, Burst: 10})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("user:shared") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)
}

func TestLimiter_Close(t *testing.T) {
	l := New(Config{})

	l.Close()
	l.Close() // safe to call twice
}
