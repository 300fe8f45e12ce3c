// Package ratelimit limits how many connections one client address may open
// per time window.
package ratelimit

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"grimm.is/bastion/internal/clock"
)

// Limiter is a fixed-window counter per client address. A nil *Limiter
// allows everything.
type Limiter struct {
	limit  int
	window time.Duration
	clock  clock.Clock

	mu      sync.Mutex
	buckets map[netip.Addr]*bucket
}

type bucket struct {
	tokens int
	start  time.Time
}

// New creates a limiter allowing limit connections per window per address.
func New(limit int, window time.Duration, clk clock.Clock) *Limiter {
	return &Limiter{
		limit:   limit,
		window:  window,
		clock:   clock.OrReal(clk),
		buckets: make(map[netip.Addr]*bucket),
	}
}

// Allow takes one token for addr.
func (l *Limiter) Allow(addr netip.Addr) bool {
	if l == nil {
		return true
	}
	addr = addr.Unmap()
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[addr]
	if !ok || now.Sub(b.start) >= l.window {
		b = &bucket{tokens: l.limit, start: now}
		l.buckets[addr] = b
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// Cleanup drops buckets whose window has passed and returns how many it
// removed.
func (l *Limiter) Cleanup() int {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for addr, b := range l.buckets {
		if now.Sub(b.start) >= l.window {
			delete(l.buckets, addr)
			n++
		}
	}
	return n
}

// Len returns the number of tracked addresses.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Run cleans up expired buckets until ctx ends.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(max(l.window, time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup()
		}
	}
}
