package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxTrackedClients bounds memory used by per-client buckets.
	DefaultMaxTrackedClients = 10000

	cleanupInterval = time.Minute
	staleThreshold  = 5 * time.Minute
)

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per client key.
type Limiter struct {
	mu         sync.Mutex
	entries    map[string]*clientEntry
	limit      rate.Limit
	burst      int
	maxTracked int
	cancel     context.CancelFunc
}

// NewLimiter allows each client perSecond requests on average with bursts of
// up to burst. Stale clients are forgotten in the background until ctx ends
// or Stop is called.
func NewLimiter(ctx context.Context, perSecond float64, burst int) *Limiter {
	ctx, cancel := context.WithCancel(ctx)
	l := &Limiter{
		entries:    make(map[string]*clientEntry),
		limit:      rate.Limit(perSecond),
		burst:      max(burst, 1),
		maxTracked: DefaultMaxTrackedClients,
		cancel:     cancel,
	}
	go l.cleanup(ctx)
	return l
}

// NewPerMinuteLimiter allows n events per minute with a burst of n.
func NewPerMinuteLimiter(ctx context.Context, n int) *Limiter {
	return NewLimiter(ctx, float64(n)/60.0, n)
}

// Allow takes a token from key's bucket and reports whether one was available.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	e, ok := l.entries[key]
	if !ok {
		if len(l.entries) >= l.maxTracked {
			l.evictOldestLocked()
		}
		e = &clientEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Stop cancels the background cleanup goroutine.
func (l *Limiter) Stop() {
	l.cancel()
}

func (l *Limiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.removeStale(time.Now())
		}
	}
}

func (l *Limiter) removeStale(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, e := range l.entries {
		if now.Sub(e.lastSeen) > staleThreshold {
			delete(l.entries, key)
		}
	}
}

func (l *Limiter) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for key, e := range l.entries {
		if first || e.lastSeen.Before(oldestTime) {
			oldestKey = key
			oldestTime = e.lastSeen
			first = false
		}
	}
	if oldestKey != "" {
		delete(l.entries, oldestKey)
	}
}

// RateLimit rejects requests with 429 once the caller's bucket is empty. The
// caller is the authenticated client when there is one, otherwise its IP.
func RateLimit(l *Limiter, onLimited func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := ClientFromContext(r.Context())
			if !ok {
				key = ClientIP(r.RemoteAddr)
			}
			if !l.Allow(key) {
				if onLimited != nil {
					onLimited()
				}
				w.Header().Set("Retry-After", "1")
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the IP address from a RemoteAddr string, stripping the port.
func ClientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
