package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterBlocksAfterBurst(t *testing.T) {
	l := New(Options{RPS: 10, Burst: 20}, true)

	for i := 0; i < 20; i++ {
		d := l.Admit("key1", 1, nil)
		require.True(t, d.Allowed, "request %d should be admitted within burst", i)
	}

	d := l.Admit("key1", 1, nil)
	assert.False(t, d.Allowed, "21st request should be rate limited")
	assert.Greater(t, d.RetryAfterMs, int64(0))
}

func TestLimiterRefillsOverTime(t *testing.T) {
	l := New(Options{RPS: 10, Burst: 1}, true)

	d := l.Admit("key2", 1, nil)
	require.True(t, d.Allowed)

	d = l.Admit("key2", 1, nil)
	require.False(t, d.Allowed)

	time.Sleep(150 * time.Millisecond)

	d = l.Admit("key2", 1, nil)
	assert.True(t, d.Allowed, "bucket should have refilled after 150ms at 10 rps")
}

func TestLimiterPerSubjectIsolation(t *testing.T) {
	l := New(Options{RPS: 1, Burst: 1}, true)

	d1 := l.Admit("a", 1, nil)
	d2 := l.Admit("b", 1, nil)
	assert.True(t, d1.Allowed)
	assert.True(t, d2.Allowed)
}

func TestLimiterReleaseReturnsToken(t *testing.T) {
	l := New(Options{RPS: 0, Burst: 1}, true)

	d := l.Admit("c", 1, nil)
	require.True(t, d.Allowed)

	d = l.Admit("c", 1, nil)
	require.False(t, d.Allowed)

	l.Release("c", 1)

	d = l.Admit("c", 1, nil)
	assert.True(t, d.Allowed, "released token should be available again")
}

func TestStreamGateExhaustionAndRelease(t *testing.T) {
	g := NewStreamGate(2)

	ok, _ := g.Acquire("key")
	require.True(t, ok)
	ok, _ = g.Acquire("key")
	require.True(t, ok)

	ok, retryAfter := g.Acquire("key")
	assert.False(t, ok)
	assert.GreaterOrEqual(t, retryAfter, int64(0))

	g.Release("key", 500*time.Millisecond)
	assert.Equal(t, 1, g.Count("key"))

	ok, _ = g.Acquire("key")
	assert.True(t, ok)
}
