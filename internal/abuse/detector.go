// Package abuse turns the action events reported by route handlers into
// detections: vote manipulation, clan spam, wallet micro-transaction floods,
// login brute force and content spam. Each detection costs the offending
// keys reputation and leaves an active signal the scorer reads.
package abuse

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/mlgclan/edgeguard/internal/clock"
	"github.com/mlgclan/edgeguard/internal/config"
	"github.com/mlgclan/edgeguard/internal/events"
	"github.com/mlgclan/edgeguard/internal/guarderr"
	"github.com/mlgclan/edgeguard/internal/metrics"
	"github.com/mlgclan/edgeguard/internal/models"
	"github.com/mlgclan/edgeguard/internal/reputation"
	"github.com/mlgclan/edgeguard/internal/stripe"
)

// Severity levels.
const (
	SeverityLow      = 0.3
	SeverityMedium   = 0.5
	SeverityHigh     = 0.75
	SeverityCritical = 1.0
)

// Reputation cost per unit of severity.
const detectionPenalty = 10

func severityName(s float64) string {
	switch {
	case s >= SeverityCritical:
		return "critical"
	case s >= SeverityHigh:
		return "high"
	case s >= SeverityMedium:
		return "medium"
	}
	return "low"
}

// PolicySource yields the active policy.
type PolicySource interface {
	Current() *config.Policy
}

// Reputation is the subset of the reputation store the detectors write to.
type Reputation interface {
	Get(key string) (reputation.Record, error)
	Adjust(key string, delta float64, reason string) (reputation.Record, error)
	Floor(key string, target float64, reason string) (reputation.Record, error)
}

// Detection is one finding.
type Detection struct {
	Detector string
	Severity float64
	Kind     models.ActionKind
	Keys     []string
	Reason   string
	// floor, when set, lowers the first key to this score instead of the
	// severity-scaled penalty.
	floor *float64
	// penalty overrides the severity-scaled penalty for the other keys.
	penalty float64
}

type Options struct {
	Stripes    int
	LockBudget time.Duration
	Bus        *events.Bus
	Metrics    *metrics.Metrics
	Log        *zap.Logger
	// Factor returns the threshold multiplier for the event's actor. Nil
	// means 1.
	Factor func(ev *models.ActionEvent) float64
}

type activeSignal struct {
	detector string
	severity float64
	reason   string
	expires  time.Time
}

type Detector struct {
	policy  PolicySource
	clock   clock.Clock
	rep     Reputation
	bus     *events.Bus
	metrics *metrics.Metrics
	log     *zap.Logger
	factor  func(ev *models.ActionEvent) float64

	patterns *stripe.Map[*pattern]
	cohorts  *stripe.Map[*cohort]
	signals  *stripe.Map[map[string]activeSignal]
}

func New(policy PolicySource, clk clock.Clock, rep Reputation, opts Options) *Detector {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Factor == nil {
		opts.Factor = func(*models.ActionEvent) float64 { return 1 }
	}
	return &Detector{
		policy:   policy,
		clock:    clk,
		rep:      rep,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		log:      opts.Log.With(zap.String("component", "abuse")),
		factor:   opts.Factor,
		patterns: stripe.New[*pattern]("abuse.patterns", opts.Stripes, opts.LockBudget),
		cohorts:  stripe.New[*cohort]("abuse.cohorts", opts.Stripes, opts.LockBudget),
		signals:  stripe.New[map[string]activeSignal]("abuse.signals", opts.Stripes, opts.LockBudget),
	}
}

// Publish validates ev and runs every detector for its kind before
// returning, so the outcome is visible to the next request.
func (d *Detector) Publish(ctx context.Context, ev models.ActionEvent) error {
	_, err := d.Observe(ctx, ev)
	return err
}

// Observe is Publish returning the detections raised by the event.
func (d *Detector) Observe(ctx context.Context, ev models.ActionEvent) ([]Detection, error) {
	if err := ev.Validate(); err != nil {
		return nil, guarderr.Wrap(guarderr.KindInvalidEvent, "abuse.publish", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, guarderr.Wrap(guarderr.KindCheckTimeout, "abuse.publish", err)
	}
	if ev.At.IsZero() {
		ev.At = d.clock.Now()
	}
	ev.IP = ev.IP.Unmap()

	pol := d.policy.Current()
	f := d.factor(&ev)
	if f <= 0 {
		f = 1
	}

	var (
		dets []Detection
		err  error
	)
	switch ev.Kind {
	case models.ActionVote, models.ActionVoteBurn:
		dets, err = d.vote(&ev, pol.Abuse.Vote, f)
	case models.ActionClanInvite, models.ActionClanRoleChange, models.ActionClanJoin, models.ActionClanLeave:
		dets, err = d.clan(&ev, pol.Abuse.Clan, f)
	case models.ActionWalletSign:
		dets, err = d.wallet(&ev, pol.Abuse.Wallet, f)
	case models.ActionLoginAttempt:
		dets, err = d.login(&ev, pol.Abuse.Login, f)
	case models.ActionContentSubmit:
		dets, err = d.content(&ev, pol.Abuse.Content, f)
	}
	if err != nil {
		return nil, err
	}
	for i := range dets {
		dets[i].Kind = ev.Kind
		d.raise(&ev, dets[i], pol.Abuse.SignalTTL)
	}
	return dets, nil
}

func scale(v int, factor float64) int {
	n := int(math.Floor(float64(v) * factor))
	if n < 1 {
		return 1
	}
	return n
}

// observe appends ev to the pattern under key and hands it to fn while the
// stripe is held.
func (d *Detector) observe(key string, s sample, window time.Duration, fn func(p *pattern)) error {
	return d.patterns.With(key, func(items map[string]*pattern) error {
		p, ok := items[key]
		if !ok {
			p = &pattern{}
			items[key] = p
		}
		p.add(s, window)
		fn(p)
		return nil
	})
}

func (d *Detector) raise(ev *models.ActionEvent, det Detection, ttl time.Duration) {
	now := d.clock.Now()
	for i, key := range det.Keys {
		var err error
		switch {
		case i == 0 && det.floor != nil:
			_, err = d.rep.Floor(key, *det.floor, det.Detector)
		case det.penalty != 0:
			_, err = d.rep.Adjust(key, -det.penalty, det.Detector)
		default:
			_, err = d.rep.Adjust(key, -det.Severity*detectionPenalty, det.Detector)
		}
		if err != nil {
			d.log.Warn("reputation penalty failed", zap.String("key", key), zap.Error(err))
		}
		sig := activeSignal{detector: det.Detector, severity: det.Severity, reason: det.Reason, expires: now.Add(ttl)}
		err = d.signals.With(key, func(items map[string]map[string]activeSignal) error {
			m, ok := items[key]
			if !ok {
				m = make(map[string]activeSignal)
				items[key] = m
			}
			if have, ok := m[det.Detector]; !ok || have.severity <= sig.severity || !have.expires.After(now) {
				m[det.Detector] = sig
			} else {
				have.expires = sig.expires
				m[det.Detector] = have
			}
			return nil
		})
		if err != nil {
			d.log.Warn("abuse signal dropped", zap.String("key", key), zap.Error(err))
		}
	}

	if d.metrics != nil {
		d.metrics.Detections.WithLabelValues(det.Detector, severityName(det.Severity)).Inc()
	}
	d.log.Warn("abuse detected",
		zap.String("detector", det.Detector),
		zap.String("severity", severityName(det.Severity)),
		zap.String("actor", ev.Actor),
		zap.Stringer("ip", ev.IP),
		zap.String("reason", det.Reason))
	if d.bus != nil {
		ip := ""
		if ev.IP.IsValid() {
			ip = ev.IP.String()
		}
		d.bus.Publish(events.Event{Topic: events.TopicDetection, At: now, Payload: events.DetectionEvent{
			Detector: det.Detector,
			Severity: det.Severity,
			Kind:     det.Kind,
			Keys:     append([]string(nil), det.Keys...),
			Reason:   det.Reason,
			IP:       ip,
			Actor:    ev.Actor,
		}})
	}
}

// Signal returns the strongest live detection severity across keys, with
// the contributing signals.
func (d *Detector) Signal(keys ...string) (float64, []models.Signal, error) {
	now := d.clock.Now()
	var (
		max  float64
		sigs []models.Signal
	)
	for _, key := range keys {
		err := d.signals.With(key, func(items map[string]map[string]activeSignal) error {
			for name, s := range items[key] {
				if !s.expires.After(now) {
					continue
				}
				sigs = append(sigs, models.Signal{Source: "abuse", Name: name, Score: s.severity, Reason: s.reason})
				if s.severity > max {
					max = s.severity
				}
			}
			return nil
		})
		if err != nil {
			return 0, nil, err
		}
	}
	return max, sigs, nil
}

// Sweep drops idle pattern windows, idle cohorts and expired signals.
func (d *Detector) Sweep() int {
	now := d.clock.Now()
	idle := d.policy.Current().Abuse.IdleExpiry
	n := d.patterns.Sweep(func(_ string, p *pattern) bool {
		return now.Sub(p.last) < idle
	})
	n += d.cohorts.Sweep(func(_ string, c *cohort) bool {
		return now.Sub(c.last) < idle
	})
	n += d.signals.Sweep(func(_ string, m map[string]activeSignal) bool {
		for name, s := range m {
			if !s.expires.After(now) {
				delete(m, name)
			}
		}
		return len(m) > 0
	})
	return n
}

// Len returns the number of live pattern windows.
func (d *Detector) Len() int { return d.patterns.Len() }

// Depth is the largest stripe queue across the detector's maps.
func (d *Detector) Depth() int64 {
	depth := d.patterns.Depth()
	for _, v := range []int64{d.cohorts.Depth(), d.signals.Depth()} {
		if v > depth {
			depth = v
		}
	}
	return depth
}

// Run sweeps once per minute until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.clock.After(time.Minute):
			if n := d.Sweep(); n > 0 {
				d.log.Debug("swept abuse state", zap.Int("removed", n))
			}
		}
	}
}
