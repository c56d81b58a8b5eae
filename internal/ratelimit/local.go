package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type localEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Local is a per-identifier token bucket held in memory. A rule's Limit is
// the burst and Limit/Window the refill rate. Idle buckets are evicted after
// idleTTL.
type Local struct {
	mu       sync.Mutex
	limiters map[string]*localEntry
	idleTTL  time.Duration
	stop     chan struct{}
	once     sync.Once
}

// NewLocal creates a Local limiter and starts its cleanup loop. Call Close
// to stop it.
func NewLocal(idleTTL time.Duration) *Local {
	if idleTTL <= 0 {
		idleTTL = 5 * time.Minute
	}
	l := &Local{
		limiters: make(map[string]*localEntry),
		idleTTL:  idleTTL,
		stop:     make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow consumes one token for identifier. It never returns an error.
func (l *Local) Allow(_ context.Context, identifier string, rule Rule) (bool, error) {
	return l.get(rule.Key+identifier, rule).Allow(), nil
}

func (l *Local) get(key string, rule Rule) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.limiters[key]; ok {
		e.lastSeen = time.Now()
		return e.limiter
	}

	every := rate.Every(rule.Window / time.Duration(max(rule.Limit, 1)))
	lim := rate.NewLimiter(every, rule.Limit)
	l.limiters[key] = &localEntry{limiter: lim, lastSeen: time.Now()}
	return lim
}

// Len reports how many identifiers are currently tracked.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Close stops the cleanup loop.
func (l *Local) Close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Local) cleanupLoop() {
	ticker := time.NewTicker(l.idleTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			l.evictIdle(now)
		}
	}
}

func (l *Local) evictIdle(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, e := range l.limiters {
		if now.Sub(e.lastSeen) > l.idleTTL {
			delete(l.limiters, key)
		}
	}
}
