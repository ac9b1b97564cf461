package middleware

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/revcycle/internal/platform/auth"
)

// RateLimitConfig sets the per-caller request budget. Remittance imports
// draw from their own, smaller budget so a batch upload loop cannot starve
// ordinary claim work for the same user.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// ImportsPerMinute limits POST /api/v1/remittances. Zero disables the
	// separate budget.
	ImportsPerMinute int
	// MaxIdle is how long an untouched caller is remembered.
	MaxIdle time.Duration
	// Now is the clock; tests replace it.
	Now func() time.Time
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		BurstSize:         100,
		ImportsPerMinute:  6,
		MaxIdle:           10 * time.Minute,
	}
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// limiter is a set of token buckets sharing one rate and capacity.
type limiter struct {
	mu       sync.Mutex
	rate     float64 // tokens per second
	capacity float64
	maxIdle  time.Duration
	buckets  map[string]*bucket
	sweptAt  time.Time
}

func newLimiter(rate float64, capacity int, maxIdle time.Duration) *limiter {
	if capacity < 1 {
		capacity = 1
	}
	return &limiter{
		rate:     rate,
		capacity: float64(capacity),
		maxIdle:  maxIdle,
		buckets:  make(map[string]*bucket),
	}
}

// take spends one token for key. It reports whether the request may go ahead,
// how many whole tokens are left, and how long until the next token.
func (l *limiter) take(key string, now time.Time) (bool, int, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.capacity, seen: now}
		l.buckets[key] = b
	}
	if elapsed := now.Sub(b.seen).Seconds(); elapsed > 0 {
		b.tokens = math.Min(l.capacity, b.tokens+elapsed*l.rate)
	}
	b.seen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, int(b.tokens), 0
	}
	if l.rate <= 0 {
		return false, 0, time.Second
	}
	wait := time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
	return false, 0, wait
}

// sweep forgets callers idle longer than maxIdle, at most once per maxIdle.
func (l *limiter) sweep(now time.Time) {
	if l.maxIdle <= 0 || now.Sub(l.sweptAt) < l.maxIdle {
		return
	}
	for k, b := range l.buckets {
		if now.Sub(b.seen) > l.maxIdle {
			delete(l.buckets, k)
		}
	}
	l.sweptAt = now
}

func (l *limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func rateLimitKey(c echo.Context) string {
	if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
		return "user:" + uid
	}
	return "ip:" + c.RealIP()
}

func isImport(r *http.Request) bool {
	return r.Method == http.MethodPost && strings.TrimSuffix(r.URL.Path, "/") == RemittancePath
}

// RateLimit limits requests per authenticated user, or per client IP when
// the request carries no user. Rejections are 429 with Retry-After.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	general := newLimiter(cfg.RequestsPerSecond, cfg.BurstSize, cfg.MaxIdle)
	var imports *limiter
	if cfg.ImportsPerMinute > 0 {
		imports = newLimiter(float64(cfg.ImportsPerMinute)/60, cfg.ImportsPerMinute, cfg.MaxIdle)
	}
	limitHeader := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := rateLimitKey(c)
			t := now()
			h := c.Response().Header()

			ok, remaining, wait := general.take(key, t)
			h.Set("X-RateLimit-Limit", limitHeader)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !ok {
				return tooManyRequests(c, wait, "rate limit exceeded")
			}

			if imports != nil && isImport(c.Request()) {
				if ok, _, wait := imports.take(key, t); !ok {
					return tooManyRequests(c, wait, "remittance import limit exceeded")
				}
			}
			return next(c)
		}
	}
}

func tooManyRequests(c echo.Context, wait time.Duration, msg string) error {
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
	return echo.NewHTTPError(http.StatusTooManyRequests, echo.Map{
		"code":    "rate_limited",
		"message": msg,
	})
}
