package ratelimit

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/smskit/campaign-dispatch/internal/config"
	"github.com/smskit/campaign-dispatch/internal/metrics"
)

const (
	ScopeAccount = "account"
	ScopeTenant  = "tenant"
)

// Store is the shared counter backend. Incr atomically bumps a window
// counter and returns the new value; the key disappears after ttl.
type Store interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed     bool
	DeniedScope string // account|tenant when not allowed
}

// Limiter admits gateway calls against two fixed windows: the gateway
// account budget shared by all tenants, and the calling tenant's own
// budget. Counters are advisory admission control, not billing: when the
// store is unreachable the limiter fails open — sending availability wins
// over strict enforcement.
type Limiter struct {
	store Store
	cfg   config.RateLimitConfig
	log   *zap.Logger
	now   func() time.Time
}

func NewLimiter(store Store, cfg config.RateLimitConfig, log *zap.Logger) *Limiter {
	if cfg.AccountWindow <= 0 {
		cfg.AccountWindow = time.Second
	}
	if cfg.TenantWindow <= 0 {
		cfg.TenantWindow = time.Second
	}
	return &Limiter{store: store, cfg: cfg, log: log, now: time.Now}
}

// Allow checks both scopes and admits only when both have budget left.
// A denial is retryable for the caller; the window rolls over shortly.
//
// Scopes increment in order, so a tenant-scope denial still consumes one
// unit of account budget, and a denied check counts again when the batch
// retries. The windows over-count, never under-count.
func (l *Limiter) Allow(ctx context.Context, tenantID int64) Decision {
	now := l.now()

	if l.cfg.AccountMax > 0 {
		key := accountKey(l.cfg.AccountName, now, l.cfg.AccountWindow)
		cnt, err := l.store.Incr(ctx, key, l.cfg.AccountWindow*2)
		if err != nil {
			l.log.Warn("rate limit store unreachable, failing open", zap.Error(err))
			return Decision{Allowed: true}
		}
		if cnt > int64(l.cfg.AccountMax) {
			metrics.RateLimitRejections.WithLabelValues(ScopeAccount).Inc()
			return Decision{DeniedScope: ScopeAccount}
		}
	}

	if l.cfg.TenantMax > 0 {
		key := tenantKey(tenantID, now, l.cfg.TenantWindow)
		cnt, err := l.store.Incr(ctx, key, l.cfg.TenantWindow*2)
		if err != nil {
			l.log.Warn("rate limit store unreachable, failing open", zap.Error(err))
			return Decision{Allowed: true}
		}
		if cnt > int64(l.cfg.TenantMax) {
			metrics.RateLimitRejections.WithLabelValues(ScopeTenant).Inc()
			return Decision{DeniedScope: ScopeTenant}
		}
	}

	return Decision{Allowed: true}
}

func accountKey(name string, now time.Time, window time.Duration) string {
	return "rl:acct:" + name + ":" + windowStart(now, window)
}

func tenantKey(id int64, now time.Time, window time.Duration) string {
	return "rl:tenant:" + strconv.FormatInt(id, 10) + ":" + windowStart(now, window)
}

func windowStart(now time.Time, window time.Duration) string {
	return strconv.FormatInt(now.Truncate(window).Unix(), 10)
}
