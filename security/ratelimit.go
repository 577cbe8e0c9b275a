package security

import (
	"container/list"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxLimiterEntries = 10000
	limiterCleanupInterval   = 5 * time.Minute
	limiterMaxIdle           = 30 * time.Minute
)

type bucket struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter keeps one token bucket per identifier, bounded by LRU eviction.
// Identifiers are client IPs (HTTP surface), subjects (confirmation code
// attempts) and request_uri hosts.
type RateLimiter struct {
	mu         sync.RWMutex
	buckets    map[string]*list.Element
	recency    *list.List // front is most recently used *bucket
	limit      rate.Limit
	burst      int
	maxEntries int
	logger     *slog.Logger
	now        func() time.Time

	stopCleanup chan struct{}
	stopOnce    sync.Once

	totalEvictions int64
	totalCleanups  int64
}

// NewRateLimiter allows one event per interval with the given burst and
// tracks at most 10000 identifiers.
func NewRateLimiter(interval time.Duration, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(interval, burst, defaultMaxLimiterEntries, logger)
}

// NewRateLimiterWithConfig is NewRateLimiter with a custom identifier cap.
// Zero maxEntries means unbounded.
func NewRateLimiterWithConfig(interval time.Duration, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries < 0 {
		logger.Warn("Invalid maxEntries, using default", "maxEntries", maxEntries)
		maxEntries = defaultMaxLimiterEntries
	}

	rl := &RateLimiter{
		buckets:     make(map[string]*list.Element),
		recency:     list.New(),
		limit:       rate.Every(interval),
		burst:       burst,
		maxEntries:  maxEntries,
		logger:      logger,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether identifier may proceed now
func (rl *RateLimiter) Allow(identifier string) bool {
	ok, _ := rl.Reserve(identifier)
	return ok
}

// Reserve takes a token for identifier. When none is available it takes
// nothing and returns how long the caller should wait.
func (rl *RateLimiter) Reserve(identifier string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	limiter := rl.bucketFor(identifier, now)

	r := limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Duration(math.MaxInt64)
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// bucketFor returns the limiter of identifier, creating it if needed.
// Must be called with mu held.
func (rl *RateLimiter) bucketFor(identifier string, now time.Time) *rate.Limiter {
	if elem, ok := rl.buckets[identifier]; ok {
		rl.recency.MoveToFront(elem)
		b := elem.Value.(*bucket)
		b.lastAccess = now
		return b.limiter
	}

	if rl.maxEntries > 0 && len(rl.buckets) >= rl.maxEntries {
		rl.evictLRU()
	}
	b := &bucket{
		identifier: identifier,
		limiter:    rate.NewLimiter(rl.limit, rl.burst),
		lastAccess: now,
	}
	rl.buckets[identifier] = rl.recency.PushFront(b)
	return b.limiter
}

// Reset forgets the identifier so its next request starts with a full bucket.
// Used after a successful confirmation code validation.
func (rl *RateLimiter) Reset(identifier string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.buckets[identifier]; ok {
		rl.recency.Remove(elem)
		delete(rl.buckets, identifier)
	}
}

// Must be called with mu held.
func (rl *RateLimiter) evictLRU() {
	elem := rl.recency.Back()
	if elem == nil {
		return
	}
	b := elem.Value.(*bucket)
	delete(rl.buckets, b.identifier)
	rl.recency.Remove(elem)
	rl.totalEvictions++

	rl.logger.Debug("Rate limiter LRU eviction",
		"total_evictions", rl.totalEvictions,
		"current_entries", len(rl.buckets))
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(limiterMaxIdle)
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup drops buckets idle for longer than maxIdleTime
func (rl *RateLimiter) Cleanup(maxIdleTime time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0

	// idle buckets collect at the back
	for elem := rl.recency.Back(); elem != nil; {
		b := elem.Value.(*bucket)
		if now.Sub(b.lastAccess) <= maxIdleTime {
			break
		}
		prev := elem.Prev()
		delete(rl.buckets, b.identifier)
		rl.recency.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.totalCleanups++
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.buckets),
			"total_cleanups", rl.totalCleanups)
	}
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// Stats holds rate limiter statistics for monitoring
type Stats struct {
	CurrentEntries int
	MaxEntries     int // 0 = unlimited
	TotalEvictions int64
	TotalCleanups  int64
	MemoryPressure float64 // percentage of MaxEntries in use
}

// GetStats returns current rate limiter statistics
func (rl *RateLimiter) GetStats() Stats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	stats := Stats{
		CurrentEntries: len(rl.buckets),
		MaxEntries:     rl.maxEntries,
		TotalEvictions: rl.totalEvictions,
		TotalCleanups:  rl.totalCleanups,
	}
	if rl.maxEntries > 0 {
		stats.MemoryPressure = float64(stats.CurrentEntries) / float64(rl.maxEntries) * 100.0
	}
	return stats
}
