package dars

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// SessionKey identifies one authenticated session for caching and
// locking without ever storing the raw cookie material.
type SessionKey string

func NewSessionKey(cookies string) SessionKey {
	sum := sha256.Sum256([]byte(cookies))
	return SessionKey(hex.EncodeToString(sum[:16]))
}

// only the prefix, full keys don't belong in logs either
func (k SessionKey) String() string {
	if len(k) <= 8 {
		return string(k)
	}
	return string(k[:8]) + "..."
}

// Cache holds recently fetched audits per session so repeated requests
// don't re-run report generation against the portal.
type Cache struct {
	lru *expirable.LRU[SessionKey, *Audit]
}

const defaultCacheTTL = time.Minute * 5

func NewCache(ttl time.Duration) *Cache {
	if ttl == 0 {
		ttl = defaultCacheTTL
	}
	return &Cache{
		lru: expirable.NewLRU[SessionKey, *Audit](1024, nil, ttl),
	}
}

func (c *Cache) Get(key SessionKey) (*Audit, bool) {
	return c.lru.Get(key)
}

func (c *Cache) Add(key SessionKey, audit *Audit) {
	c.lru.Add(key, audit)
}

func (c *Cache) Invalidate(key SessionKey) {
	c.lru.Remove(key)
}

func (c *Cache) Len() int {
	return c.lru.Len()
}

// CircuitBreaker stops hammering the audit system after repeated
// failures, reopening once the recovery window has passed.
type CircuitBreaker struct {
	failures    atomic.Int32
	lastFailure atomic.Int64
	threshold   int32
	recovery    time.Duration
}

func NewCircuitBreaker(threshold int32, recovery time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		recovery:  recovery,
	}
}

func DefaultCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreaker(5, time.Second*30)
}

func (b *CircuitBreaker) Open() bool {
	if b.failures.Load() < b.threshold {
		return false
	}
	last := time.Unix(0, b.lastFailure.Load())
	if time.Since(last) > b.recovery {
		b.Reset()
		return false
	}
	return true
}

func (b *CircuitBreaker) RecordSuccess() {
	b.failures.Store(0)
}

func (b *CircuitBreaker) RecordFailure() {
	b.failures.Add(1)
	b.lastFailure.Store(time.Now().UnixNano())
}

func (b *CircuitBreaker) Reset() {
	b.failures.Store(0)
	b.lastFailure.Store(0)
}

func (b *CircuitBreaker) Failures() int32 {
	return b.failures.Load()
}

// per-session locks so concurrent fetches for one session collapse into
// a single portal round-trip
type sessionLocks struct {
	mu    sync.Mutex
	locks map[SessionKey]*sync.Mutex
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: map[SessionKey]*sync.Mutex{}}
}

func (s *sessionLocks) get(key SessionKey) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}
