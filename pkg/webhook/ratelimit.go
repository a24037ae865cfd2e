package webhook

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/nftopia/ingest-go/internal/constants"
)

// Tier names, reported back to throttled clients.
const (
	TierBurst       = "burst"
	TierStandard    = "standard"
	TierTransaction = "transaction"
)

// TierLimit is one fixed-window allowance.
type TierLimit struct {
	Limit  int
	Window time.Duration
}

// Limits configures all three rate-limit tiers.
type Limits struct {
	Burst       TierLimit
	Standard    TierLimit
	Transaction TierLimit
}

// DefaultLimits returns the stock tier configuration.
func DefaultLimits() Limits {
	return Limits{
		Burst:       TierLimit{Limit: constants.BurstTierLimit, Window: constants.BurstTierWindow},
		Standard:    TierLimit{Limit: constants.StandardTierLimit, Window: constants.StandardTierWindow},
		Transaction: TierLimit{Limit: constants.TransactionTierLimit, Window: constants.TransactionTierWindow},
	}
}

// RateRequest carries the identifiers a rate-limit decision is keyed on.
type RateRequest struct {
	// IP is the resolved client address
	IP string
	// Source is the optional X-Webhook-Source header value
	Source string
	// TxHash enables the transaction tier; empty skips it
	TxHash string
}

// Decision is the outcome of a rate-limit check. When denied, Tier names the
// tier that refused. When allowed, Tier/Limit/Remaining describe the most
// restrictive tier so response headers reflect the tightest budget.
type Decision struct {
	Allowed    bool
	Tier       string
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type rateTier struct {
	name   string
	limit  TierLimit
	keyFor func(RateRequest) (string, bool)
}

type windowEntry struct {
	count     int
	expiresAt time.Time
}

// RateLimiter applies all three fixed-window tiers atomically: every
// applicable tier is checked before any is charged, so a denied request
// consumes no budget anywhere.
type RateLimiter struct {
	logger *zap.Logger
	clock  clock.Clock
	tiers  []rateTier

	mu      sync.Mutex
	buckets map[string]*windowEntry

	stop chan struct{}
	once sync.Once
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithRateLimiterClock injects a clock for deterministic window tests.
func WithRateLimiterClock(c clock.Clock) RateLimiterOption {
	return func(rl *RateLimiter) { rl.clock = c }
}

// NewRateLimiter creates a limiter and starts its background sweep of
// expired windows.
func NewRateLimiter(limits Limits, logger *zap.Logger, opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		logger:  logger.Named("ratelimit"),
		clock:   clock.New(),
		buckets: make(map[string]*windowEntry),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(rl)
	}

	rl.tiers = []rateTier{
		{
			name:  TierBurst,
			limit: limits.Burst,
			keyFor: func(r RateRequest) (string, bool) {
				return r.IP, true
			},
		},
		{
			name:  TierStandard,
			limit: limits.Standard,
			keyFor: func(r RateRequest) (string, bool) {
				if r.Source != "" {
					return r.IP + "|" + r.Source, true
				}
				return r.IP, true
			},
		},
		{
			name:  TierTransaction,
			limit: limits.Transaction,
			keyFor: func(r RateRequest) (string, bool) {
				if r.TxHash == "" {
					return "", false
				}
				return r.TxHash + "|" + r.IP, true
			},
		},
	}

	go rl.sweepLoop()
	return rl
}

// Check evaluates every applicable tier for the request. Tiers are only
// charged when all of them have headroom.
func (rl *RateLimiter) Check(req RateRequest) Decision {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	type hit struct {
		tier  rateTier
		entry *windowEntry
	}
	var hits []hit

	for _, t := range rl.tiers {
		key, ok := t.keyFor(req)
		if !ok {
			continue
		}
		entry := rl.bucketLocked(t.name+":"+key, t.limit, now)
		if entry.count >= t.limit.Limit {
			rl.logger.Warn("rate limit exceeded",
				zap.String("tier", t.name),
				zap.String("ip", req.IP),
			)
			return Decision{
				Allowed:    false,
				Tier:       t.name,
				Limit:      t.limit.Limit,
				Remaining:  0,
				ResetAt:    entry.expiresAt,
				RetryAfter: entry.expiresAt.Sub(now),
			}
		}
		hits = append(hits, hit{tier: t, entry: entry})
	}

	dec := Decision{Allowed: true}
	tightest := -1
	for _, h := range hits {
		h.entry.count++
		remaining := h.tier.limit.Limit - h.entry.count
		if tightest == -1 || remaining < tightest {
			tightest = remaining
			dec.Tier = h.tier.name
			dec.Limit = h.tier.limit.Limit
			dec.Remaining = remaining
			dec.ResetAt = h.entry.expiresAt
		}
	}
	return dec
}

// bucketLocked returns the live window for key, rolling it over when the
// previous window has expired. Caller holds mu.
func (rl *RateLimiter) bucketLocked(key string, limit TierLimit, now time.Time) *windowEntry {
	entry, ok := rl.buckets[key]
	if !ok || !now.Before(entry.expiresAt) {
		entry = &windowEntry{expiresAt: now.Add(limit.Window)}
		rl.buckets[key] = entry
	}
	return entry
}

// ActiveWindows reports the number of live tracking entries, for monitoring.
func (rl *RateLimiter) ActiveWindows() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// ResetClient drops all windows tracking the given IP, across every tier.
func (rl *RateLimiter) ResetClient(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key := range rl.buckets {
		if keyMatchesIP(key, ip) {
			delete(rl.buckets, key)
		}
	}
}

func keyMatchesIP(key, ip string) bool {
	// keys are "<tier>:<ip>" or "<tier>:<something>|<ip>" or "<tier>:<ip>|<source>"
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			rest := key[i+1:]
			if rest == ip {
				return true
			}
			for j := 0; j < len(rest); j++ {
				if rest[j] == '|' {
					return rest[:j] == ip || rest[j+1:] == ip
				}
			}
			return false
		}
	}
	return false
}

// sweepLoop evicts expired windows so idle clients do not grow the map
// forever.
func (rl *RateLimiter) sweepLoop() {
	ticker := rl.clock.Ticker(constants.RateLimitSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

func (rl *RateLimiter) sweep() {
	now := rl.clock.Now()
	rl.mu.Lock()
	removed := 0
	for key, entry := range rl.buckets {
		if !now.Before(entry.expiresAt) {
			delete(rl.buckets, key)
			removed++
		}
	}
	remaining := len(rl.buckets)
	rl.mu.Unlock()

	if removed > 0 {
		rl.logger.Debug("swept expired rate limit windows",
			zap.Int("removed", removed),
			zap.Int("remaining", remaining),
		)
	}
}

// Close stops the background sweep.
func (rl *RateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}
