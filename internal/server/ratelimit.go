package server

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/54b3r/ragstream-go/internal/logging"
)

// Per-client defaults. Ingestion gets a much smaller bucket than chat: each
// accepted document occupies a slot of the embedding pool, so a client that
// floods uploads would otherwise only learn about it through queue-full
// failures.
const (
	defaultRateLimit       = 10
	defaultRateBurst       = 20
	defaultIngestRateLimit = 2
	defaultIngestRateBurst = 5
)

// bucketIdle is how long a client's bucket survives without requests.
const bucketIdle = 5 * time.Minute

// routeClass names a group of routes that draw from one token bucket per
// client. A client exhausting one class can still use the others.
type routeClass string

const (
	classChat   routeClass = "chat"
	classIngest routeClass = "ingest"
)

// quota is the token-bucket shape of a route class.
type quota struct {
	rps   rate.Limit
	burst int
}

type bucketKey struct {
	class routeClass
	ip    string
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// rateLimiter keeps a token bucket per client IP and route class.
type rateLimiter struct {
	quotas map[routeClass]quota
	onDeny func(routeClass)

	mu      sync.Mutex
	buckets map[bucketKey]*bucket
}

// newRateLimiter starts a limiter whose idle buckets are swept every
// minute until the returned stop function is called. onDeny, if set, is
// told about every rejected request.
func newRateLimiter(quotas map[routeClass]quota, onDeny func(routeClass)) (*rateLimiter, func()) {
	rl := &rateLimiter{
		quotas:  quotas,
		onDeny:  onDeny,
		buckets: make(map[bucketKey]*bucket),
	}

	stop := make(chan struct{})
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-t.C:
				rl.sweep(now)
			}
		}
	}()
	return rl, sync.OnceFunc(func() { close(stop) })
}

// take spends one token of ip's bucket for class. When the bucket is empty
// it returns false and how long the client should wait.
func (rl *rateLimiter) take(class routeClass, ip string, now time.Time) (bool, time.Duration) {
	q := rl.quotas[class]

	rl.mu.Lock()
	key := bucketKey{class: class, ip: ip}
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(q.rps, q.burst)}
		rl.buckets[key] = b
	}
	b.seen = now
	rl.mu.Unlock()

	res := b.lim.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// sweep drops buckets idle for longer than bucketIdle.
func (rl *rateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		if now.Sub(b.seen) > bucketIdle {
			delete(rl.buckets, key)
		}
	}
}

// size reports the number of live buckets.
func (rl *rateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// limit rejects requests beyond the class quota with 429 and a
// Retry-After of whole seconds.
func (rl *rateLimiter) limit(class routeClass, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		ok, wait := rl.take(class, ip, time.Now())
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		if rl.onDeny != nil {
			rl.onDeny(class)
		}
		logging.FromContext(r.Context()).Warn("rate limit exceeded",
			slog.String("ip", ip),
			slog.String("class", string(class)),
			slog.String("path", r.URL.Path),
		)
		secs := max(1, int(math.Ceil(wait.Seconds())))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSONError(w, r, "rate limit exceeded for "+string(class)+" requests", http.StatusTooManyRequests)
	})
}

// clientIP is the remote address without its port. Forwarding headers are
// ignored.
func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	if i := strings.LastIndexByte(addr, ':'); i >= 0 {
		return strings.TrimSuffix(strings.TrimPrefix(addr[:i], "["), "]")
	}
	return addr
}
