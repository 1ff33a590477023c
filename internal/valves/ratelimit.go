package valves

import (
	"net/http"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wudi/admission/internal/container"
	"golang.org/x/time/rate"
)

// DefaultIdleTimeout is how long an unused per-client limiter is kept.
const DefaultIdleTimeout = 5 * time.Minute

// RateLimit rejects clients exceeding a token-bucket rate with 429. Each
// remote address gets its own bucket.
type RateLimit struct {
	rps      rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
	limiters sync.Map // netip.Addr or raw string -> *clientLimiter

	allowed  atomic.Int64
	rejected atomic.Int64
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nano
}

// NewRateLimit allows rps requests per second per client with the given
// burst. A zero burst is rounded up from rps.
func NewRateLimit(rps float64, burst int) *RateLimit {
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &RateLimit{
		rps:   rate.Limit(rps),
		burst: burst,
		idle:  DefaultIdleTimeout,
		now:   time.Now,
	}
}

func (v *RateLimit) AsyncSupported() bool { return true }

func (v *RateLimit) Invoke(req *container.Request, resp *container.Response, chain *container.Chain) error {
	key := clientKey(req.Wire().RemoteAddr)
	entry, _ := v.limiters.LoadOrStore(key, &clientLimiter{
		limiter: rate.NewLimiter(v.rps, v.burst),
	})
	cl := entry.(*clientLimiter)
	now := v.now()
	cl.lastSeen.Store(now.UnixNano())

	if !cl.limiter.AllowN(now, 1) {
		v.rejected.Add(1)
		retry := time.Duration(float64(time.Second) / float64(v.rps))
		resp.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds()+0.999)))
		return resp.SendError(http.StatusTooManyRequests, "Too Many Requests")
	}
	v.allowed.Add(1)
	return chain.Next(req, resp)
}

// BackgroundProcess drops limiters idle for longer than the idle timeout.
func (v *RateLimit) BackgroundProcess() error {
	cutoff := v.now().Add(-v.idle).UnixNano()
	v.limiters.Range(func(k, e any) bool {
		if e.(*clientLimiter).lastSeen.Load() < cutoff {
			v.limiters.Delete(k)
		}
		return true
	})
	return nil
}

// RateLimitStats is a snapshot of the valve counters.
type RateLimitStats struct {
	Allowed  int64 `json:"allowed"`
	Rejected int64 `json:"rejected"`
	Clients  int   `json:"clients"`
}

// Stats returns the valve counters.
func (v *RateLimit) Stats() RateLimitStats {
	n := 0
	v.limiters.Range(func(any, any) bool { n++; return true })
	return RateLimitStats{
		Allowed:  v.allowed.Load(),
		Rejected: v.rejected.Load(),
		Clients:  n,
	}
}

// clientKey reduces a transport remote address to the client IP.
func clientKey(remote string) any {
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return ap.Addr().Unmap()
	}
	if a, err := netip.ParseAddr(remote); err == nil {
		return a.Unmap()
	}
	return remote
}
