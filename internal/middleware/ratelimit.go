package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"keysync-service/pkg/httputil"
)

// RateLimiter はデバイスごとのトークンバケットでリクエストを制限する。
type RateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time
	entries map[string]*bucket
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter は新しいRateLimiterを生成する。ttl を過ぎて使われていないバケットは破棄する。
func NewRateLimiter(perSecond float64, burst int, ttl time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*bucket),
	}
}

// Allow はキーに対するリクエストを許可するかどうかを返す。
func (l *RateLimiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.entries[key]
	if b == nil {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst), lastSeen: now}
		l.entries[key] = b
	}
	b.lastSeen = now

	for k, v := range l.entries {
		if now.Sub(v.lastSeen) > l.ttl {
			delete(l.entries, k)
		}
	}
	return b.lim.AllowN(now, 1)
}

// Handler はレート制限を適用するミドルウェアを返す。
func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(limitKey(r)) {
			w.Header().Set("Retry-After", strconv.Itoa(1))
			httputil.Error(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limitKey はデバイスID、プリンシパルID、接続元アドレスの順に制限キーを決める。
func limitKey(r *http.Request) string {
	if id := r.Header.Get(HeaderDeviceID); id != "" {
		return "device:" + id
	}
	if id, ok := PrincipalFromContext(r.Context()); ok {
		return "principal:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return "addr:" + host
	}
	return "addr:" + r.RemoteAddr
}
