package web

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Default cleanup intervals.
const (
	cleanupInterval = 1 * time.Minute
	visitorTimeout  = 3 * time.Minute
)

// visitor is a single client IP and its token bucket state.
type visitor struct {
	// mu protects this visitor only, so different clients never contend.
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// RateLimiter is a per-IP token bucket. Every request to a wrapped handler costs one token.
type RateLimiter struct {
	// mu protects the map itself (adding/removing visitors).
	mu       sync.RWMutex
	visitors map[string]*visitor

	// rate is the number of tokens added per second.
	rate float64
	// capacity is the max burst size.
	capacity float64

	now func() time.Time
}

// NewRateLimiter creates a RateLimiter and evicts idle visitors in the background until ctx ends.
func NewRateLimiter(ctx context.Context, rate, capacity float64) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		capacity: capacity,
		now:      time.Now,
	}

	go rl.cleanupLoop(ctx)

	return rl
}

// getVisitor retrieves or creates the bucket for ip.
func (rl *RateLimiter) getVisitor(ip string) *visitor {
	// Fast path
	rl.mu.RLock()
	v, exists := rl.visitors[ip]
	rl.mu.RUnlock()

	if exists {
		return v
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check under the write lock
	if v, exists = rl.visitors[ip]; !exists {
		v = &visitor{
			tokens:     rl.capacity, // Start full
			lastRefill: rl.now(),
		}
		rl.visitors[ip] = v
	}

	return v
}

// Allow reports whether ip may make a request now, consuming a token if so.
// Tokens are refilled lazily from the time elapsed since the last refill.
func (rl *RateLimiter) Allow(ip string) bool {
	v := rl.getVisitor(ip)

	v.mu.Lock()
	defer v.mu.Unlock()

	now := rl.now()

	if add := now.Sub(v.lastRefill).Seconds() * rl.rate; add > 0 {
		v.tokens += add
		if v.tokens > rl.capacity {
			v.tokens = rl.capacity
		}
		v.lastRefill = now
	}

	if v.tokens >= 1.0 {
		v.tokens--
		return true
	}

	return false
}

func (rl *RateLimiter) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.evictIdle()
		}
	}
}

// evictIdle forgets visitors that have not been seen for visitorTimeout.
func (rl *RateLimiter) evictIdle() {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, v := range rl.visitors {
		v.mu.Lock()
		if now.Sub(v.lastRefill) > visitorTimeout {
			delete(rl.visitors, ip)
		}
		v.mu.Unlock()
	}
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Too Many Requests"})
			return
		}

		next(w, r)
	}
}

// clientIP prefers the first X-Forwarded-For hop, then the connection's address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
