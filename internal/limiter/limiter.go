// Package limiter implements the token-bucket admission engine. Each
// rate-limit key owns a lazily created entry; refill happens on access
// rather than on a timer, so idle keys cost nothing.
package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"gatekeep/internal/policy"
)

// Info describes one admission decision: the applied limit, what
// remains, and (when blocked) how long the caller should wait before
// retrying.
type Info struct {
	Limit        uint32 `json:"limit"`
	Remaining    uint32 `json:"remaining"`
	ResetSeconds uint64 `json:"reset_seconds"`
	RetryAfter   uint64 `json:"retry_after,omitempty"`
}

// Stats is a read-only aggregate over the live entry maps.
type Stats struct {
	ActiveUsers     int    `json:"active_users"`
	ActiveIPs       int    `json:"active_ips"`
	ActiveEndpoints int    `json:"active_endpoints"`
	TotalRequests   uint64 `json:"total_requests"`
}

// entry is the runtime state for one key. tokens and timestamps are
// guarded by mu; requestCount is atomic so Stats never takes entry
// locks.
type entry struct {
	mu           sync.Mutex
	tokens       uint32
	lastRefill   time.Time
	blockedUntil time.Time
	requestCount atomic.Uint64
}

type dimension struct {
	entries sync.Map // string -> *entry
}

func (d *dimension) get(key string, burst uint32, now time.Time) *entry {
	if v, ok := d.entries.Load(key); ok {
		return v.(*entry)
	}
	v, _ := d.entries.LoadOrStore(key, &entry{tokens: burst, lastRefill: now})
	return v.(*entry)
}

// Limiter tracks consumption across the user, IP and endpoint
// dimensions. Different keys never contend; concurrent requests on the
// same key serialize on that entry's mutex so refill-then-consume is
// atomic per key.
type Limiter struct {
	now func() time.Time
	log zerolog.Logger

	users     dimension
	ips       dimension
	endpoints dimension
}

func New(log zerolog.Logger) *Limiter {
	return &Limiter{now: time.Now, log: log}
}

// CheckParams carries the per-request inputs already resolved against
// the current policy snapshot. User and IP buckets run on the default
// rule; the endpoint bucket runs on its resolved override.
type CheckParams struct {
	UserID     string // empty when the caller is unauthenticated
	IP         string
	EndpointID string
	Default    policy.Rule
	Endpoint   policy.Rule
	PerUser    bool
	PerIP      bool
	Window     time.Duration
}

// CheckRateLimit consumes one token per active dimension. All
// dimensions must allow for the request to pass; evaluation stops at
// the first blocked dimension, so the returned Info always reflects
// the binding constraint.
func (l *Limiter) CheckRateLimit(p CheckParams) (Info, bool) {
	if p.PerUser && p.UserID != "" {
		if info, ok := l.checkEntry(&l.users, "user:"+p.UserID, p.Default, p.Window); !ok {
			return info, false
		}
	}
	if p.PerIP && p.IP != "" {
		if info, ok := l.checkEntry(&l.ips, "ip:"+p.IP, p.Default, p.Window); !ok {
			return info, false
		}
	}
	return l.checkEntry(&l.endpoints, "endpoint:"+p.EndpointID, p.Endpoint, p.Window)
}

// checkEntry is the core decision for one key. A key inside its block
// window is rejected without refill: the block holds for the full
// window regardless of elapsed time, giving a predictable backoff.
func (l *Limiter) checkEntry(dim *dimension, key string, rule policy.Rule, window time.Duration) (Info, bool) {
	windowSecs := uint64(window / time.Second)
	e := dim.get(key, rule.BurstSize, l.now())

	e.mu.Lock()
	defer e.mu.Unlock()

	now := l.now()
	if !e.blockedUntil.IsZero() {
		if now.Before(e.blockedUntil) {
			retry := uint64((e.blockedUntil.Sub(now) + time.Second - 1) / time.Second)
			return Info{
				Limit:        rule.BurstSize,
				Remaining:    0,
				ResetSeconds: windowSecs,
				RetryAfter:   retry,
			}, false
		}
		e.blockedUntil = time.Time{}
	}

	e.refill(now, rule.PerSecond, rule.BurstSize)

	if e.tryConsume(1) {
		return Info{
			Limit:        rule.BurstSize,
			Remaining:    e.tokens,
			ResetSeconds: windowSecs,
		}, true
	}

	e.blockedUntil = now.Add(window)
	return Info{
		Limit:        rule.BurstSize,
		Remaining:    0,
		ResetSeconds: windowSecs,
		RetryAfter:   windowSecs,
	}, false
}

// refill adds floor(elapsed_seconds * rate) tokens, capped at burst.
// lastRefill only advances when at least one token lands, so
// fractional accrual carries over between calls.
func (e *entry) refill(now time.Time, rate, burst uint32) {
	elapsed := now.Sub(e.lastRefill)
	add := uint64(elapsed.Seconds() * float64(rate))
	if add == 0 {
		return
	}
	total := uint64(e.tokens) + add
	if total > uint64(burst) {
		total = uint64(burst)
	}
	e.tokens = uint32(total)
	e.lastRefill = now
}

// tryConsume takes n tokens if available. Called with e.mu held.
func (e *entry) tryConsume(n uint32) bool {
	if e.tokens < n {
		return false
	}
	e.tokens -= n
	e.requestCount.Add(1)
	return true
}

// CleanupExpired drops entries idle for longer than twice the window.
// Advisory housekeeping only; it bounds memory growth from one-off
// keys and never changes a decision.
func (l *Limiter) CleanupExpired(window time.Duration) int {
	threshold := 2 * window
	now := l.now()
	removed := 0
	for _, dim := range []*dimension{&l.users, &l.ips, &l.endpoints} {
		dim.entries.Range(func(key, value any) bool {
			e := value.(*entry)
			e.mu.Lock()
			stale := now.Sub(e.lastRefill) >= threshold
			e.mu.Unlock()
			if stale {
				dim.entries.Delete(key)
				removed++
			}
			return true
		})
	}
	return removed
}

// Sweep runs CleanupExpired every interval until ctx is cancelled.
// window is re-read per tick so policy reloads take effect.
func (l *Limiter) Sweep(ctx context.Context, interval time.Duration, window func() time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.CleanupExpired(window()); n > 0 {
				l.log.Debug().Int("removed", n).Msg("swept stale rate-limit entries")
			}
		}
	}
}

// Stats aggregates entry counts and totals without taking any write
// locks: the maps are traversed lock-free and request counts are read
// atomically.
func (l *Limiter) Stats() Stats {
	var s Stats
	count := func(dim *dimension) (n int, total uint64) {
		dim.entries.Range(func(_, value any) bool {
			n++
			total += value.(*entry).requestCount.Load()
			return true
		})
		return
	}
	var t uint64
	s.ActiveUsers, t = count(&l.users)
	s.TotalRequests += t
	s.ActiveIPs, t = count(&l.ips)
	s.TotalRequests += t
	s.ActiveEndpoints, t = count(&l.endpoints)
	s.TotalRequests += t
	return s
}
