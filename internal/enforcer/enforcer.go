// Package enforcer is the request entry point. It runs the limiter,
// reputation, layer-7, abuse and scoring stages, asks the response policy
// for a verdict and applies it before the request reaches the upstream.
package enforcer

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mlgclan/edgeguard/internal/abuse"
	"github.com/mlgclan/edgeguard/internal/clock"
	"github.com/mlgclan/edgeguard/internal/config"
	"github.com/mlgclan/edgeguard/internal/events"
	"github.com/mlgclan/edgeguard/internal/guarderr"
	"github.com/mlgclan/edgeguard/internal/l7"
	"github.com/mlgclan/edgeguard/internal/metrics"
	"github.com/mlgclan/edgeguard/internal/mode"
	"github.com/mlgclan/edgeguard/internal/models"
	"github.com/mlgclan/edgeguard/internal/policy"
	"github.com/mlgclan/edgeguard/internal/ratelimit"
	"github.com/mlgclan/edgeguard/internal/recorder"
	"github.com/mlgclan/edgeguard/internal/reputation"
	"github.com/mlgclan/edgeguard/internal/scorer"
)

// PolicySource yields the active policy.
type PolicySource interface {
	Current() *config.Policy
}

// Observer is told about every verdict, for automatic mode escalation.
// floored is set when the verdict is hostile only because of the mode floor.
type Observer interface {
	Observe(kind models.VerdictKind, floored bool)
}

// Reputation is the part of the reputation store the enforcer reads and
// penalizes through.
type Reputation interface {
	Lookup(keys ...string) (reputation.Aggregate, error)
	Adjust(key string, delta float64, reason string) (reputation.Record, error)
	Depth() int64
}

type Options struct {
	Limiter    *ratelimit.Limiter
	Reputation Reputation
	L7         *l7.Detector
	Abuse      *abuse.Detector
	Scorer     *scorer.Scorer
	Policy     *policy.Engine
	Mode       *mode.Manager
	Observer   Observer
	Recorder   *recorder.Recorder
	Bus        *events.Bus
	Metrics    *metrics.Metrics
	Log        *zap.Logger
	// IdentityFunc extracts the authenticated user. Defaults to the
	// configured identity header.
	IdentityFunc func(r *http.Request) string
	// Depth reports the deepest stripe queue. Defaults to the maximum over
	// the limiter, reputation and abuse stores.
	Depth func() int64
}

type Enforcer struct {
	policy   PolicySource
	clock    clock.Clock
	limiter  *ratelimit.Limiter
	rep      Reputation
	l7       *l7.Detector
	abuse    *abuse.Detector
	scorer   *scorer.Scorer
	engine   *policy.Engine
	mode     *mode.Manager
	observer Observer
	recorder *recorder.Recorder
	bus      *events.Bus
	metrics  *metrics.Metrics
	log      *zap.Logger
	identity func(r *http.Request) string
	depth    func() int64

	shedding atomic.Bool
}

func New(policy PolicySource, clk clock.Clock, opts Options) *Enforcer {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	e := &Enforcer{
		policy:   policy,
		clock:    clk,
		limiter:  opts.Limiter,
		rep:      opts.Reputation,
		l7:       opts.L7,
		abuse:    opts.Abuse,
		scorer:   opts.Scorer,
		engine:   opts.Policy,
		mode:     opts.Mode,
		observer: opts.Observer,
		recorder: opts.Recorder,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		log:      opts.Log.With(zap.String("component", "enforcer")),
		identity: opts.IdentityFunc,
		depth:    opts.Depth,
	}
	if e.identity == nil {
		e.identity = HeaderIdentity(policy)
	}
	if e.depth == nil {
		e.depth = e.storeDepth
	}
	return e
}

func (e *Enforcer) storeDepth() int64 {
	var d int64
	if e.limiter != nil {
		d = e.limiter.Depth()
	}
	if e.rep != nil {
		d = max(d, e.rep.Depth())
	}
	if e.abuse != nil {
		d = max(d, e.abuse.Depth())
	}
	return d
}

// Outcome is everything the pipeline decided about one request.
type Outcome struct {
	Request  *models.RequestContext
	Quota    ratelimit.Result
	Score    models.ThreatScore
	Decision policy.Decision
	Mode     models.Mode
	Priority bool
}

// Middleware protects next.
func (e *Enforcer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pol := e.policy.Current()
		rc := e.requestContext(r, pol)
		w.Header().Set(HeaderCorrelationID, rc.CorrelationID)

		var conn *l7.Conn
		if e.l7 != nil {
			if c, ok := e.l7.Conn(r.Context()); ok {
				conn = c
				rc.ConnID = c.ID
				e.l7.Begin(c, r.ContentLength)
				defer e.l7.End(c)
				e.l7.WrapBody(c, r)
			}
		}

		out := e.Evaluate(r.Context(), r, rc, conn, pol)
		e.record(out)
		if !e.apply(w, r, out) {
			return
		}

		ctx := withEnforcer(models.WithRequest(r.Context(), rc), e)
		r = r.WithContext(ctx)
		if auto, ok := observable(rc, r); ok {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			e.observeResponse(ctx, rc, auto, sw.status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Evaluate runs every stage for rc and returns the decision without
// touching the response. conn may be nil.
func (e *Enforcer) Evaluate(ctx context.Context, r *http.Request, rc *models.RequestContext, conn *l7.Conn, pol *config.Policy) Outcome {
	out := Outcome{Request: rc, Mode: e.mode.Current()}

	agg, err := e.rep.Lookup(rc.Keys()...)
	repFailed := err != nil
	if repFailed {
		e.checkFailed(string(models.FamilyReputation), err)
		// Without tags a blocklisted caller looks clean, so sensitive
		// routes never fail open here.
		fm := pol.Response.FailModeFor(models.FamilyReputation)
		if rc.Sensitivity == models.SensitivitySensitive {
			fm = config.FailClosed
		}
		if e.metrics != nil {
			e.metrics.FailMode.WithLabelValues(string(models.FamilyReputation), string(fm)).Inc()
		}
		if fm == config.FailClosed {
			out.Decision = policy.Decision{
				Verdict: models.Deny(models.ReasonFailClosed, time.Second),
				Class:   models.Suspicious,
				Rule:    -1,
			}
			return out
		}
	}
	out.Priority = agg.Has(models.TagPriority)

	if e.backpressure(pol) && !out.Priority {
		out.Decision = policy.Decision{
			Verdict: models.Throttle(time.Second, models.ReasonOverloaded),
			Class:   models.Suspicious,
			Rule:    -1,
		}
		return out
	}

	factor := pol.Modes.Factor(out.Mode, out.Priority)
	quota, failOpen, failed := e.checkLimits(ctx, pol, rc, factor)
	out.Quota = quota
	if failed != nil {
		out.Decision = policy.Decision{Verdict: *failed, Class: models.Suspicious, Rule: -1}
		return out
	}

	var l7res l7.Result
	if e.l7 != nil {
		start := e.clock.Now()
		l7res = e.l7.Inspect(r, rc, conn, pol)
		e.timed("l7", start, pol)
	}

	var abuseSig float64
	var abuseSignals []models.Signal
	if e.abuse != nil {
		abuseSig, abuseSignals, err = e.abuse.Signal(rc.Keys()...)
		if err != nil {
			e.checkFailed("abuse", err)
			abuseSig, abuseSignals = 0, nil
		}
	}

	in := scorer.Inputs{
		Rep:     agg.Signal(),
		L7:      l7res.Score,
		Abuse:   abuseSig,
		Signals: append(append([]models.Signal(nil), l7res.Signals...), abuseSignals...),
	}
	if quota.Applicable {
		in.Rate = scorer.RateSignal(quota.Limit, quota.Remaining, quota.Allowed)
	}
	out.Score = e.scorer.Score(in)

	out.Decision = e.engine.Decide(ctx, policy.Input{
		Request:    rc,
		Score:      out.Score,
		Mode:       out.Mode,
		Reputation: agg,
		L7Hint:     l7res.Hint,
		L7Reason:   l7res.Reason,
		Quota:      &out.Quota,
	}, r)
	if (failOpen || repFailed) && out.Decision.Verdict.Kind == models.VerdictAllow {
		out.Decision.Verdict = models.LogOnly(models.ReasonFailOpen)
	}
	return out
}

// checkLimits runs the families in order under the check budgets. It
// returns the first denial or the tightest allowed result, whether any
// family failed open, and a verdict when a family failed closed.
func (e *Enforcer) checkLimits(ctx context.Context, pol *config.Policy, rc *models.RequestContext, factor float64) (ratelimit.Result, bool, *models.Verdict) {
	degraded := e.scorer.Degraded()
	var (
		best     ratelimit.Result
		failOpen bool
	)
	for _, fam := range models.Families {
		cctx, cancel := context.WithTimeout(ctx, pol.Enforcer.CheckHardBudget)
		start := e.clock.Now()
		res, err := e.limiter.CheckFamily(cctx, pol, fam, rc, factor)
		cancel()
		if elapsed := e.timed(string(fam), start, pol); err == nil && elapsed > pol.Enforcer.CheckHardBudget {
			err = guarderr.Newf(guarderr.KindCheckTimeout, "ratelimit."+string(fam), "took %s", elapsed)
		}
		if err != nil {
			e.checkFailed(string(fam), err)
			fm := pol.Response.FailModeFor(fam)
			if degraded && fam == models.FamilyAction {
				fm = config.FailClosed
			}
			if e.metrics != nil {
				e.metrics.FailMode.WithLabelValues(string(fam), string(fm)).Inc()
			}
			if fm == config.FailClosed {
				v := models.Deny(models.ReasonFailClosed, time.Second)
				return res, failOpen, &v
			}
			failOpen = true
			continue
		}
		if !res.Allowed {
			return res, failOpen, nil
		}
		if res.Tighter(best) {
			best = res
		}
	}
	best.Allowed = true
	return best, failOpen, nil
}

// timed meters a check against the budgets and returns its duration.
func (e *Enforcer) timed(check string, start time.Time, pol *config.Policy) time.Duration {
	elapsed := e.clock.Since(start)
	if e.metrics == nil {
		return elapsed
	}
	e.metrics.CheckDuration.WithLabelValues(check).Observe(elapsed.Seconds())
	switch {
	case elapsed > pol.Enforcer.CheckHardBudget:
		e.metrics.BudgetExceeded.WithLabelValues(check, "hard").Inc()
	case elapsed > pol.Enforcer.CheckSoftBudget:
		e.metrics.BudgetExceeded.WithLabelValues(check, "soft").Inc()
	}
	return elapsed
}

func (e *Enforcer) checkFailed(check string, err error) {
	if e.metrics != nil {
		kind := guarderr.KindOf(err)
		if kind == "" {
			kind = "internal"
		}
		e.metrics.CheckErrors.WithLabelValues(check, string(kind)).Inc()
	}
	e.log.Warn("check failed", zap.String("check", check), zap.Error(err))
}

// backpressure updates and reports the shedding state. Shedding starts
// above the high-water mark and stops below the low-water mark.
func (e *Enforcer) backpressure(pol *config.Policy) bool {
	depth := e.depth()
	if e.metrics != nil {
		e.metrics.QueueDepth.Set(float64(depth))
	}
	on := e.shedding.Load()
	switch {
	case !on && depth > pol.Enforcer.HighWater:
		if e.shedding.CompareAndSwap(false, true) {
			e.log.Warn("backpressure on", zap.Int64("depth", depth))
			e.setShedding(1)
		}
		return true
	case on && depth < pol.Enforcer.LowWater:
		if e.shedding.CompareAndSwap(true, false) {
			e.log.Info("backpressure off", zap.Int64("depth", depth))
			e.setShedding(0)
		}
		return false
	}
	return on
}

func (e *Enforcer) setShedding(v float64) {
	if e.metrics != nil {
		e.metrics.Backpressure.Set(v)
	}
}

// Shedding reports whether backpressure is active.
func (e *Enforcer) Shedding() bool { return e.shedding.Load() }

// record emits metrics, history and the verdict event for out.
func (e *Enforcer) record(out Outcome) {
	v := out.Decision.Verdict
	class := out.Decision.Class
	if e.metrics != nil {
		e.metrics.Requests.WithLabelValues(string(v.Kind), class.String()).Inc()
	}
	if e.observer != nil {
		e.observer.Observe(v.Kind, out.Decision.Floored)
	}
	if class < models.Suspicious && v.Kind == models.VerdictAllow {
		return
	}
	rc := out.Request
	if e.recorder != nil {
		e.recorder.Append(models.HistoryEntry{
			At:            rc.At,
			Kind:          models.HistoryVerdict,
			IP:            rc.IP.String(),
			Identity:      rc.Identity,
			Route:         rc.Route,
			Verdict:       v.Kind,
			Class:         class,
			Score:         out.Score.Value,
			Reason:        v.Reason,
			CorrelationID: rc.CorrelationID,
			Mode:          out.Mode.String(),
		})
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{Topic: events.TopicVerdict, At: rc.At, Payload: events.VerdictEvent{
			Request: *rc, Verdict: v, Score: out.Score, Class: class, Mode: out.Mode,
		}})
	}
	if v.Kind != models.VerdictDelay && v.Kind != models.VerdictLogOnly {
		e.log.Info("request stopped",
			zap.String("correlation_id", rc.CorrelationID),
			zap.Stringer("ip", rc.IP),
			zap.String("route", rc.Route),
			zap.Stringer("verdict", v),
			zap.Stringer("classification", class),
			zap.Float64("score", out.Score.Value))
	}
}
