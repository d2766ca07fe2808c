package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterPerHost(t *testing.T) {
	l := NewRateLimiter(1, 2)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("10.0.0.1:5000"))
	assert.True(t, l.Allow("10.0.0.1:5001"))
	assert.False(t, l.Allow("10.0.0.1:5002"), "burst exhausted across ports")

	assert.True(t, l.Allow("10.0.0.2:5000"), "other hosts unaffected")

	now = now.Add(time.Second)
	assert.True(t, l.Allow("10.0.0.1:5003"))
}

func TestRateLimiterPrunesIdle(t *testing.T) {
	l := NewRateLimiter(1, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Allow("stale")
	now = now.Add(limiterIdle + time.Minute)
	l.prune(now)
	assert.Empty(t, l.clients)
}
