package dars

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSessionKey(t *testing.T) {
	key1 := NewSessionKey("jlinksessionidx=abc; JSESSIONID=def")
	key2 := NewSessionKey("jlinksessionidx=abc; JSESSIONID=def")
	key3 := NewSessionKey("jlinksessionidx=other")

	require.Equal(t, key1, key2)
	require.NotEqual(t, key1, key3)
	// 16 bytes hex encoded
	require.Len(t, string(key1), 32)
	// raw cookie material must never leak through String()
	require.NotContains(t, key1.String(), "abc")
	require.Contains(t, key1.String(), "...")
}

func TestCacheRoundtrip(t *testing.T) {
	cache := NewCache(time.Minute)
	key := NewSessionKey("cookie")

	_, hit := cache.Get(key)
	require.False(t, hit)

	audit := &Audit{AuditId: "A1"}
	cache.Add(key, audit)

	got, hit := cache.Get(key)
	require.True(t, hit)
	require.Equal(t, audit, got)

	cache.Invalidate(key)
	_, hit = cache.Get(key)
	require.False(t, hit)
}

func TestCacheExpiry(t *testing.T) {
	cache := NewCache(time.Millisecond * 20)
	key := NewSessionKey("cookie")
	cache.Add(key, &Audit{AuditId: "A1"})

	_, hit := cache.Get(key)
	require.True(t, hit)

	time.Sleep(time.Millisecond * 60)
	_, hit = cache.Get(key)
	require.False(t, hit)
}

func TestCircuitBreakerThreshold(t *testing.T) {
	breaker := NewCircuitBreaker(3, time.Minute)

	require.False(t, breaker.Open())
	breaker.RecordFailure()
	require.False(t, breaker.Open())
	breaker.RecordFailure()
	require.False(t, breaker.Open())
	breaker.RecordFailure()
	require.True(t, breaker.Open())

	breaker.RecordSuccess()
	require.False(t, breaker.Open())
}

func TestCircuitBreakerRecovery(t *testing.T) {
	breaker := NewCircuitBreaker(1, time.Millisecond*20)
	breaker.RecordFailure()
	require.True(t, breaker.Open())

	time.Sleep(time.Millisecond * 60)
	require.False(t, breaker.Open())
	require.Equal(t, int32(0), breaker.Failures())
}
