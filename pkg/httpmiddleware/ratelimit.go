package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/jx"
)

// DeviceIDHeader identifies the calling device.
const DeviceIDHeader = "X-Device-ID"

// RateLimitConfig configures the per-device request limiter.
type RateLimitConfig struct {
	// Max is the number of requests a key may make per Window.
	Max    int
	Window time.Duration
	// KeyFunc defaults to DeviceKey.
	KeyFunc func(*http.Request) string
}

// counter holds the request counts of a key's current fixed window and the
// one before it.
type counter struct {
	start time.Time
	prev  int
	curr  int
}

// Limiter approximates a sliding window per key by weighting the previous
// fixed window with the share of it the sliding window still covers.
type Limiter struct {
	cfg RateLimitConfig
	now func() time.Time

	mu   sync.Mutex
	keys map[string]*counter
}

// NewLimiter returns a Limiter. Max and Window must be positive.
func NewLimiter(cfg RateLimitConfig) *Limiter {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = DeviceKey
	}
	return &Limiter{
		cfg:  cfg,
		now:  time.Now,
		keys: make(map[string]*counter),
	}
}

// Take spends one request of key's budget. It reports the requests left and
// when the current window ends; ok is false once the budget is gone, in
// which case nothing is spent.
func (l *Limiter) Take(key string) (left int, reset time.Time, ok bool) {
	now := l.now()
	start := now.Truncate(l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	c, found := l.keys[key]
	switch {
	case !found:
		c = &counter{start: start}
		l.keys[key] = c
	case start.Sub(c.start) >= 2*l.cfg.Window:
		*c = counter{start: start}
	case start.After(c.start):
		*c = counter{start: start, prev: c.curr}
	}

	covered := 1 - float64(now.Sub(start))/float64(l.cfg.Window)
	used := int(math.Ceil(float64(c.prev)*covered)) + c.curr
	reset = start.Add(l.cfg.Window)
	if used >= l.cfg.Max {
		return 0, reset, false
	}
	c.curr++
	return l.cfg.Max - used - 1, reset, true
}

// Evict drops keys that made no request in the last two windows.
func (l *Limiter) Evict() {
	cutoff := l.now().Truncate(l.cfg.Window).Add(-l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, c := range l.keys {
		if c.start.Before(cutoff) {
			delete(l.keys, key)
		}
	}
}

// Run evicts idle keys every other window until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(2 * l.cfg.Window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Evict()
		}
	}
}

// Middleware rejects requests over the key's budget with 429 and a
// rate_limited error body. Every response carries the X-RateLimit-* headers.
func (l *Limiter) Middleware() Middleware {
	limit := strconv.Itoa(l.cfg.Max)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			left, reset, ok := l.Take(l.cfg.KeyFunc(r))

			h := w.Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(left))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
			if ok {
				next.ServeHTTP(w, r)
				return
			}

			wait := max(reset.Sub(l.now()), 0)
			h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		})
	}
}

// RateLimit returns the middleware of a new Limiter whose idle keys are
// evicted until ctx is done.
func RateLimit(ctx context.Context, cfg RateLimitConfig) Middleware {
	l := NewLimiter(cfg)
	go l.Run(ctx)
	return l.Middleware()
}

// DeviceKey keys requests by the X-Device-ID header. Tablets in one
// restaurant usually share a public IP, which is only the fallback.
func DeviceKey(r *http.Request) string {
	if id := r.Header.Get(DeviceIDHeader); printable(id, 64) {
		return "device:" + id
	}
	return "ip:" + ClientIP(r)
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// host of RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeError writes the {code, message} error body the API uses.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("code", func(e *jx.Encoder) { e.Str(code) })
		e.Field("message", func(e *jx.Encoder) { e.Str(msg) })
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
