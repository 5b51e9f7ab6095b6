// Package ratelimit implements the four limiter families: token buckets per
// ip and identity, sliding windows per (ip, route) and (actor, action).
package ratelimit

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/mlgclan/edgeguard/internal/clock"
	"github.com/mlgclan/edgeguard/internal/config"
	"github.com/mlgclan/edgeguard/internal/guarderr"
	"github.com/mlgclan/edgeguard/internal/metrics"
	"github.com/mlgclan/edgeguard/internal/models"
	"github.com/mlgclan/edgeguard/internal/stripe"
)

// Result is the outcome of one family check. A family that does not apply
// to the request (anonymous identity, unlimited route) reports Applicable
// false and is always allowed.
type Result struct {
	Family     models.Family
	Applicable bool
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	Reset      time.Duration
}

// Tighter reports whether r should win over o when picking the result whose
// headers are returned to the client.
func (r Result) Tighter(o Result) bool {
	if !o.Applicable {
		return r.Applicable
	}
	if r.Allowed != o.Allowed {
		return !r.Allowed
	}
	return r.Applicable && r.Remaining < o.Remaining
}

type windowEntry struct {
	w    *window
	size time.Duration
}

// Limiter holds the per-key state of every family.
type Limiter struct {
	buckets *stripe.Map[*bucket]
	windows *stripe.Map[*windowEntry]
	clock   clock.Clock
	metrics *metrics.Metrics
	log     *zap.Logger

	// IdleAfter is how long an untouched window survives a sweep.
	IdleAfter time.Duration
}

func New(stripes int, lockBudget time.Duration, clk clock.Clock, m *metrics.Metrics, log *zap.Logger) *Limiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Limiter{
		buckets:   stripe.New[*bucket]("ratelimit.bucket", stripes, lockBudget),
		windows:   stripe.New[*windowEntry]("ratelimit.window", stripes, lockBudget),
		clock:     clk,
		metrics:   m,
		log:       log.With(zap.String("component", "ratelimit")),
		IdleAfter: 10 * time.Minute,
	}
}

// Check runs every family in order and returns the first denial, or the
// tightest allowed result. On error the failing family is reported in the
// returned Result.
func (l *Limiter) Check(ctx context.Context, pol *config.Policy, rc *models.RequestContext, factor float64) (Result, error) {
	var best Result
	for _, fam := range models.Families {
		res, err := l.CheckFamily(ctx, pol, fam, rc, factor)
		if err != nil {
			return res, err
		}
		if !res.Allowed {
			return res, nil
		}
		if res.Tighter(best) {
			best = res
		}
	}
	best.Allowed = true
	return best, nil
}

// CheckFamily consumes one unit from fam for rc. factor scales the limits;
// below one tightens, above one loosens.
func (l *Limiter) CheckFamily(ctx context.Context, pol *config.Policy, fam models.Family, rc *models.RequestContext, factor float64) (Result, error) {
	res := Result{Family: fam, Allowed: true}
	if err := ctx.Err(); err != nil {
		return res, guarderr.Wrap(guarderr.KindCheckTimeout, "ratelimit."+string(fam), err)
	}
	if factor <= 0 {
		factor = 1
	}
	now := l.clock.Now()

	var err error
	switch fam {
	case models.FamilyIP:
		lim := pol.Limits.IP
		res, err = l.checkBucket(fam, models.IPKey(rc.IP), now, lim.RPS*factor, scaleInt(lim.Burst, factor))
	case models.FamilyIdentity:
		if rc.Identity == "" {
			return res, nil
		}
		lim := pol.Limits.Identity
		res, err = l.checkBucket(fam, models.IdentityKey(rc.Identity), now, lim.RPM/60*factor, scaleInt(lim.Burst, factor))
	case models.FamilyRoute:
		lim, ok := pol.Limits.Route[rc.Route]
		if !ok || rc.Route == "" {
			return res, nil
		}
		res, err = l.checkWindow(fam, "route:"+rc.IP.String()+"|"+rc.Route, now, lim.Window, scaleInt(lim.Limit, factor))
	case models.FamilyAction:
		if rc.Action == "" {
			return res, nil
		}
		lim, ok := pol.ActionLimit(rc.Action)
		if !ok {
			return res, nil
		}
		res, err = l.checkWindow(fam, ActionKey(rc.Action, rc), now, lim.Window, scaleInt(lim.Limit, factor))
	default:
		return res, guarderr.Newf(guarderr.KindInvalidRequest, "ratelimit", "unknown family %q", fam)
	}
	if err != nil {
		return Result{Family: fam, Allowed: true}, err
	}
	if !res.Allowed && l.metrics != nil {
		l.metrics.LimiterDenied.WithLabelValues(string(fam)).Inc()
	}
	return res, nil
}

// ActionKey is the window key of an action family check: the identity when
// known, otherwise the IP.
func ActionKey(kind models.ActionKind, rc *models.RequestContext) string {
	actor := models.IPKey(rc.IP)
	if rc.Identity != "" {
		actor = models.IdentityKey(rc.Identity)
	}
	return "action:" + string(kind) + "|" + actor
}

func scaleInt(v int, factor float64) int {
	n := int(math.Floor(float64(v) * factor))
	if n < 1 {
		return 1
	}
	return n
}

func (l *Limiter) checkBucket(fam models.Family, key string, now time.Time, rps float64, burst int) (Result, error) {
	res := Result{Family: fam, Applicable: true, Limit: burst}
	err := l.buckets.With(key, func(items map[string]*bucket) error {
		b, ok := items[key]
		if !ok {
			b = newBucket(now, rps, burst)
			items[key] = b
		} else {
			b.tune(now, rps, burst)
		}
		res.Allowed = b.allow(now)
		res.Remaining = b.remaining(now)
		res.Reset = b.reset(now)
		if !res.Allowed {
			res.RetryAfter = b.retryAfter(now)
		}
		return nil
	})
	return res, err
}

func (l *Limiter) checkWindow(fam models.Family, key string, now time.Time, size time.Duration, limit int) (Result, error) {
	res := Result{Family: fam, Applicable: true, Limit: limit}
	err := l.windows.With(key, func(items map[string]*windowEntry) error {
		e, ok := items[key]
		// A reconfigured window size starts counting afresh.
		if !ok || e.size != size {
			e = &windowEntry{w: newWindow(size, DefaultSubWindows), size: size}
			items[key] = e
		}
		res.Allowed = e.w.allow(now, limit)
		res.Remaining = limit - e.w.total
		if res.Remaining < 0 {
			res.Remaining = 0
		}
		res.Reset = e.w.reset(now)
		if !res.Allowed {
			res.RetryAfter = e.w.retryAfter(now, limit)
		}
		return nil
	})
	return res, err
}

// WindowCount reports the events currently counted under a window key.
func (l *Limiter) WindowCount(key string) (int, error) {
	now := l.clock.Now()
	n := 0
	err := l.windows.With(key, func(items map[string]*windowEntry) error {
		if e, ok := items[key]; ok {
			n = e.w.Count(now)
		}
		return nil
	})
	return n, err
}

// Sweep drops full buckets and empty windows that have been idle for
// IdleAfter. It returns the number of entries removed.
func (l *Limiter) Sweep() int {
	now := l.clock.Now()
	n := l.buckets.Sweep(func(_ string, b *bucket) bool {
		return now.Sub(b.last) < l.IdleAfter || !b.full(now)
	})
	n += l.windows.Sweep(func(_ string, e *windowEntry) bool {
		return e.w.idleSince(now) < l.IdleAfter || e.w.Count(now) > 0
	})
	return n
}

// Depth is the largest stripe queue across both stores.
func (l *Limiter) Depth() int64 {
	d := l.buckets.Depth()
	if w := l.windows.Depth(); w > d {
		d = w
	}
	return d
}

// Run sweeps idle state every interval until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.clock.After(interval):
			if n := l.Sweep(); n > 0 {
				l.log.Debug("swept idle limiter state", zap.Int("removed", n))
			}
		}
	}
}

// Seconds rounds d up to whole seconds for Retry-After and X-RateLimit-Reset.
// Any positive duration yields at least one.
func Seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
