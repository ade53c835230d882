package httpx

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const rateBucketSweepEvery = 5 * time.Minute

// RateLimiter counts requests per bucket over fixed windows.
type RateLimiter interface {
	Allow(bucket string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

// ratePolicy scopes a limit to one route. Buckets never span routes.
type ratePolicy struct {
	route  string
	limit  int
	window time.Duration
	key    func(*http.Request) string
}

func (p ratePolicy) bucket(req *http.Request) (bucket, kind string) {
	key := ""
	if p.key != nil {
		key = p.key(req)
	}
	if key == "" {
		key = rateLimitKeyIP(req)
	}
	return p.route + "|" + key, rateMetricKey(key)
}

var (
	rateLogin = ratePolicy{route: "session_login", limit: 12, window: time.Minute, key: rateLimitKeyIP}
	// Heartbeats are keyed per token; a venue NAT shares one address.
	rateHeartbeat = ratePolicy{route: "session_heartbeat", limit: 10, window: time.Minute, key: rateLimitKeyToken}
	rateTeamRead  = ratePolicy{route: "team_read", limit: 240, window: time.Minute, key: rateLimitKeyTeam}
	rateClaim     = ratePolicy{route: "claims", limit: 30, window: time.Minute, key: rateLimitKeyTeam}
	rateStream    = ratePolicy{route: "events", limit: 30, window: 30 * time.Second, key: rateLimitKeyTeam}
	rateAdmin     = ratePolicy{route: "admin", limit: 300, window: time.Minute, key: rateLimitKeyIP}
)

type memoryRateLimiter struct {
	mu        sync.Mutex
	now       func() time.Time
	buckets   map[string]*rateBucket
	nextSweep time.Time
}

type rateBucket struct {
	count int
	reset time.Time
}

// NewMemoryRateLimiter returns a process-local limiter.
func NewMemoryRateLimiter() RateLimiter {
	return newMemoryRateLimiter(time.Now)
}

func newMemoryRateLimiter(now func() time.Time) *memoryRateLimiter {
	return &memoryRateLimiter{now: now, buckets: make(map[string]*rateBucket)}
}

func (rl *memoryRateLimiter) Allow(bucket string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.sweep(now)

	b := rl.buckets[bucket]
	if b == nil || !now.Before(b.reset) {
		b = &rateBucket{reset: now.Add(window)}
		rl.buckets[bucket] = b
	}
	if b.count >= limit {
		return rateDecision{count: b.count, windowEnd: b.reset}
	}
	b.count++
	return rateDecision{allowed: true, count: b.count, windowEnd: b.reset}
}

// sweep drops expired buckets at most once per rateBucketSweepEvery.
func (rl *memoryRateLimiter) sweep(now time.Time) {
	if now.Before(rl.nextSweep) {
		return
	}
	rl.nextSweep = now.Add(rateBucketSweepEvery)
	for key, b := range rl.buckets {
		if !now.Before(b.reset) {
			delete(rl.buckets, key)
		}
	}
}

func (rl *memoryRateLimiter) Close() {}

func (r *Router) withRateLimit(p ratePolicy, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if p.limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		bucket, kind := p.bucket(req)
		decision := r.limiter.Allow(bucket, p.limit, p.window)
		r.applyRateHeaders(w, p.limit, decision)
		if !decision.allowed {
			r.recordRateLimitHit(p.route, kind)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

func (r *Router) handlerSessionRate(p ratePolicy, next http.HandlerFunc) http.HandlerFunc {
	return r.requireSession(r.withRateLimit(p, next))
}

func (r *Router) handlerAdminRate(next http.HandlerFunc) http.HandlerFunc {
	return r.requireAdminToken(r.withRateLimit(rateAdmin, next))
}

// rateLimitKeyTeam buckets participant traffic per team so a team's devices
// share one budget.
func rateLimitKeyTeam(req *http.Request) string {
	if info, ok := authInfoFromContext(req.Context()); ok && info.TeamID != "" {
		return "team:" + info.TeamID
	}
	return ""
}

// rateLimitKeyToken buckets by bearer token without verifying it. Forged
// tokens get their own bucket and are then rejected by the handler.
func rateLimitKeyToken(req *http.Request) string {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return "token:" + hex.EncodeToString(sum[:8])
}

func rateLimitKeyIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

func rateMetricKey(key string) string {
	kind, _, ok := strings.Cut(key, ":")
	if !ok || kind == "" {
		return "unknown"
	}
	return kind
}
