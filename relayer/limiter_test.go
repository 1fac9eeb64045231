package relayer

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterBoundary(t *testing.T) {
	l := newRateLimiter(3, time.Second)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("10.0.0.1"), "request %d", i+1)
	}
	assert.False(t, l.Allow("10.0.0.1"))

	// A different source has its own budget.
	assert.True(t, l.Allow("10.0.0.2"))

	time.Sleep(1100 * time.Millisecond)
	assert.True(t, l.Allow("10.0.0.1"))
}

func TestLimiterSlidingWindow(t *testing.T) {
	l := newRateLimiter(2, 500*time.Millisecond)

	assert.True(t, l.Allow("x"))
	time.Sleep(300 * time.Millisecond)
	assert.True(t, l.Allow("x"))
	assert.False(t, l.Allow("x"))

	// The first hit expires, the second is still inside the window.
	time.Sleep(300 * time.Millisecond)
	assert.True(t, l.Allow("x"))
	assert.False(t, l.Allow("x"))
}

func TestLimiterBulkEviction(t *testing.T) {
	l := newRateLimiter(5, 50*time.Millisecond)
	for i := 0; i <= maxTrackedIPs; i++ {
		l.Allow(fmt.Sprintf("10.1.%d.%d", i/256, i%256))
	}
	time.Sleep(60 * time.Millisecond)

	// The next hit crosses the tracking cap and sweeps the expired sources.
	l.Allow("fresh")
	l.mu.Lock()
	tracked := len(l.hits)
	l.mu.Unlock()
	assert.LessOrEqual(t, tracked, 2)
}
