package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/DukeRupert/mailsmith/internal/auth"
	"github.com/DukeRupert/mailsmith/internal/domain"
	"github.com/DukeRupert/mailsmith/internal/handler"
	"golang.org/x/time/rate"
)

// =============================================================================
// Rate Limiter
// =============================================================================

// RateLimiter keeps a token bucket per key: maxAttempts requests may burst,
// and the bucket refills at maxAttempts per window. It guards request bursts
// only; plan quotas are enforced by the quota gate.
type RateLimiter struct {
	maxAttempts int
	window      time.Duration
	limit       rate.Limit
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	entries map[string]*limiterEntry

	stopOnce sync.Once
	stopCh   chan struct{}
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter. Call Stop to end its cleanup
// goroutine.
func NewRateLimiter(maxAttempts int, window time.Duration, logger *slog.Logger) *RateLimiter {
	maxAttempts = max(maxAttempts, 1)
	rl := &RateLimiter{
		maxAttempts: maxAttempts,
		window:      window,
		limit:       rate.Every(window / time.Duration(maxAttempts)),
		logger:      logger,
		now:         time.Now,
		entries:     make(map[string]*limiterEntry),
		stopCh:      make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// entry returns the bucket for key, creating a full one on first use.
func (rl *RateLimiter) entry(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.limit, rl.maxAttempts)}
		rl.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

// Take spends one token for key. When the bucket is empty nothing is spent
// and the returned duration is how long until a token is available.
func (rl *RateLimiter) Take(key string) (bool, time.Duration) {
	now := rl.now()
	r := rl.entry(key, now).ReserveN(now, 1)
	if !r.OK() {
		return false, rl.window
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Allow reports whether a request from key may proceed, spending a token
// if so.
func (rl *RateLimiter) Allow(key string) bool {
	ok, _ := rl.Take(key)
	return ok
}

// Reset gives key a full bucket again.
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.entries, key)
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// cleanupLoop drops buckets idle for a full window. Such a bucket has
// refilled, so forgetting it changes nothing.
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.removeIdle(rl.now())
		}
	}
}

func (rl *RateLimiter) removeIdle(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, e := range rl.entries {
		if now.Sub(e.lastSeen) >= rl.window {
			delete(rl.entries, key)
		}
	}
}

// =============================================================================
// Rate Limit Middleware
// =============================================================================

// KeyFunc derives the rate limit key from a request.
type KeyFunc func(r *http.Request) string

// KeyByIP limits per client IP.
func KeyByIP(r *http.Request) string {
	return "ip:" + getClientIP(r)
}

// KeyByPrincipal limits per authenticated user, falling back to the client IP.
// Use it after RequireBearer.
func KeyByPrincipal(r *http.Request) string {
	if p := auth.GetPrincipal(r.Context()); p != nil {
		return "user:" + p.UserID
	}
	return KeyByIP(r)
}

// RateLimitMiddleware wraps a rate limiter for use as HTTP middleware.
type RateLimitMiddleware struct {
	limiter *RateLimiter
	key     KeyFunc
	logger  *slog.Logger
}

// NewRateLimitMiddleware creates a new rate limit middleware. A nil key
// limits per client IP.
func NewRateLimitMiddleware(limiter *RateLimiter, key KeyFunc, logger *slog.Logger) *RateLimitMiddleware {
	if key == nil {
		key = KeyByIP
	}
	return &RateLimitMiddleware{
		limiter: limiter,
		key:     key,
		logger:  logger,
	}
}

// Limit returns middleware that rate limits requests.
func (m *RateLimitMiddleware) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := m.key(r)

		if ok, wait := m.limiter.Take(key); !ok {
			m.logger.Warn("rate limit exceeded",
				"key", key,
				"path", r.URL.Path,
				"method", r.Method,
			)

			retryAfter := max(int(math.Ceil(wait.Seconds())), 1)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

			err := domain.Errorf(domain.ERATELIMIT, "", "Too many requests. Please try again later.")
			handler.ErrorResponse(w, r, m.logger, err)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Helpers
// =============================================================================

// getClientIP extracts the client IP from the request, considering proxy headers.
func getClientIP(r *http.Request) string {
	// The first X-Forwarded-For entry is the original client
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if clientIP := strings.TrimSpace(first); clientIP != "" {
			return clientIP
		}
	}

	// nginx
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not have a port
		return r.RemoteAddr
	}

	return ip
}
