package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterEntry tracks a per-identifier limiter and its last access time.
type limiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-identifier token-bucket rate limiting with LRU
// eviction so that tracking unbounded identifiers cannot exhaust memory.
// Identifiers are typically client IPs or authenticated user IDs.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*list.Element
	lru      *list.List // of *limiterEntry, most recent at front

	rate       rate.Limit
	burst      int
	maxEntries int
	logger     *slog.Logger

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
}

// NewRateLimiter creates a rate limiter allowing requestsPerSecond with the
// given burst per identifier. At most maxEntries identifiers are tracked;
// zero means the default of 10,000.
func NewRateLimiter(requestsPerSecond float64, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries <= 0 {
		maxEntries = 10000
	}

	rl := &RateLimiter{
		limiters:        make(map[string]*list.Element),
		lru:             list.New(),
		rate:            rate.Limit(requestsPerSecond),
		burst:           burst,
		maxEntries:      maxEntries,
		logger:          logger,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}

	go rl.cleanupLoop()
	return rl
}

// Allow reports whether a request from the given identifier is admitted.
func (rl *RateLimiter) Allow(identifier string) bool {
	return rl.AllowN(identifier, 1)
}

// AllowN reports whether n events from the given identifier are admitted.
func (rl *RateLimiter) AllowN(identifier string, n int) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.limiters[identifier]; ok {
		rl.lru.MoveToFront(elem)
		entry := elem.Value.(*limiterEntry)
		entry.lastAccess = now
		return entry.limiter.AllowN(now, n)
	}

	if len(rl.limiters) >= rl.maxEntries {
		rl.evictOldest()
	}

	entry := &limiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rl.rate, rl.burst),
		lastAccess: now,
	}
	rl.limiters[identifier] = rl.lru.PushFront(entry)
	return entry.limiter.AllowN(now, n)
}

// evictOldest removes the least recently used entry. Caller holds the lock.
func (rl *RateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*limiterEntry)
	delete(rl.limiters, entry.identifier)
	rl.lru.Remove(elem)
	rl.logger.Debug("rate limiter evicted LRU entry", "identifier", entry.identifier)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(30 * time.Minute)
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup removes limiters idle for longer than maxIdle.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0
	var next *list.Element
	for elem := rl.lru.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*limiterEntry)
		if now.Sub(entry.lastAccess) > maxIdle {
			delete(rl.limiters, entry.identifier)
			rl.lru.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		rl.logger.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.limiters))
	}
}

// Len returns the number of tracked identifiers.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Stop terminates the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stopCleanup)
}
