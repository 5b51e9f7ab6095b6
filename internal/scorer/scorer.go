// Package scorer fuses the per-stage signals of a request into one threat
// score and classification.
package scorer

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/mlgclan/edgeguard/internal/clock"
	"github.com/mlgclan/edgeguard/internal/config"
	"github.com/mlgclan/edgeguard/internal/events"
	"github.com/mlgclan/edgeguard/internal/metrics"
	"github.com/mlgclan/edgeguard/internal/models"
)

// Category names, in worst-case order for the final tie-break.
const (
	CategoryRate  = "rate"
	CategoryRep   = "reputation"
	CategoryL7    = "l7"
	CategoryAbuse = "abuse"
)

var categoryOrder = map[string]int{CategoryRate: 0, CategoryRep: 1, CategoryL7: 2, CategoryAbuse: 3}

// Band lower bounds.
const (
	SuspiciousAt = 0.25
	AbusiveAt    = 0.5
	AttackingAt  = 0.75
	CriticalAt   = 0.9
)

// Classify maps a score to its band. It is monotonic in v.
func Classify(v float64) models.Classification {
	switch {
	case v >= CriticalAt:
		return models.Critical
	case v >= AttackingAt:
		return models.Attacking
	case v >= AbusiveAt:
		return models.Abusive
	case v >= SuspiciousAt:
		return models.Suspicious
	}
	return models.Benign
}

// Inputs are the per-stage signals, each in [0,1].
type Inputs struct {
	Rate    float64
	Rep     float64
	L7      float64
	Abuse   float64
	Signals []models.Signal
}

// PolicySource yields the active policy.
type PolicySource interface {
	Current() *config.Policy
}

type Options struct {
	Bus     *events.Bus
	Metrics *metrics.Metrics
	Log     *zap.Logger
	// Fuse replaces the fusion function. Tests use it to inject failures.
	Fuse func(w config.Weights, in Inputs) (models.ThreatScore, error)
}

type Scorer struct {
	policy   PolicySource
	clock    clock.Clock
	bus      *events.Bus
	metrics  *metrics.Metrics
	log      *zap.Logger
	fuse     func(w config.Weights, in Inputs) (models.ThreatScore, error)
	degraded atomic.Bool

	mu      sync.Mutex
	breaker atomic.Pointer[breaker]
}

// breaker is a circuit breaker built for one set of scorer.breaker_*
// settings. It is replaced when a reload changes them.
type breaker struct {
	settings breakerSettings
	cb       *gobreaker.CircuitBreaker
}

type breakerSettings struct {
	failures uint32
	window   time.Duration
	cooldown time.Duration
}

func settingsOf(cfg config.Scorer) breakerSettings {
	return breakerSettings{failures: cfg.BreakerFailures, window: cfg.BreakerWindow, cooldown: cfg.BreakerCooldown}
}

func New(policy PolicySource, clk clock.Clock, opts Options) *Scorer {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Fuse == nil {
		opts.Fuse = Fuse
	}
	s := &Scorer{
		policy:  policy,
		clock:   clk,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		log:     opts.Log.With(zap.String("component", "scorer")),
		fuse:    opts.Fuse,
	}
	s.breakerFor(policy.Current().Scorer)
	return s
}

// breakerFor returns the breaker for cfg, rebuilding it when the settings
// differ from the current one. A rebuilt breaker starts closed.
func (s *Scorer) breakerFor(cfg config.Scorer) *breaker {
	want := settingsOf(cfg)
	if b := s.breaker.Load(); b != nil && b.settings == want {
		return b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.breaker.Load()
	if old != nil && old.settings == want {
		return old
	}
	b := &breaker{settings: want}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "scorer",
		MaxRequests: 1,
		Interval:    want.window,
		Timeout:     want.cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.TotalFailures >= want.failures
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			// Calls still running on a replaced breaker must not flip
			// the state of its successor.
			if s.breaker.Load() != b {
				return
			}
			s.setDegraded(to == gobreaker.StateOpen, fmt.Sprintf("breaker %s -> %s", from, to))
		},
	})
	s.breaker.Store(b)
	if old != nil {
		s.log.Info("breaker settings changed",
			zap.Uint32("failures", want.failures),
			zap.Duration("window", want.window),
			zap.Duration("cooldown", want.cooldown))
		s.setDegraded(false, "breaker settings changed")
	}
	return b
}

func (s *Scorer) setDegraded(on bool, reason string) {
	if s.degraded.Swap(on) == on {
		return
	}
	if on {
		s.log.Error("scorer degraded", zap.String("reason", reason))
	} else {
		s.log.Info("scorer recovered", zap.String("reason", reason))
	}
	if s.metrics != nil {
		v := 0.0
		if on {
			v = 1
		}
		s.metrics.Degraded.Set(v)
	}
	if s.bus != nil {
		s.bus.Publish(events.Event{Topic: events.TopicHealth, At: s.clock.Now(), Payload: events.HealthEvent{
			Component: "scorer", Degraded: on, Reason: reason,
		}})
	}
}

// Degraded reports whether the breaker is open.
func (s *Scorer) Degraded() bool { return s.degraded.Load() }

// Score fuses in with the configured weights. Failures, including panics,
// yield a benign score and count against the breaker.
func (s *Scorer) Score(in Inputs) models.ThreatScore {
	cfg := s.policy.Current().Scorer
	w := cfg.Weights
	out, err := s.breakerFor(cfg).cb.Execute(func() (res any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("scorer panic: %v", r)
			}
		}()
		return s.fuse(w, in)
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.ScorerFailures.Inc()
		}
		s.log.Warn("scoring failed, treating as benign", zap.Error(err))
		return models.ThreatScore{Class: models.Benign}
	}
	ts := out.(models.ThreatScore)
	if s.metrics != nil {
		s.metrics.ScoreValue.Observe(ts.Value)
	}
	return ts
}

// Fuse computes 1 - prod(1 - w_i*s_i) and the dominant category. When two
// categories contribute equally the one whose own signal classifies worse
// wins.
func Fuse(w config.Weights, in Inputs) (models.ThreatScore, error) {
	parts := []struct {
		name   string
		weight float64
		signal float64
	}{
		{CategoryRate, w.Rate, in.Rate},
		{CategoryRep, w.Rep, in.Rep},
		{CategoryL7, w.L7, in.L7},
		{CategoryAbuse, w.Abuse, in.Abuse},
	}

	keep := 1.0
	best, bestContrib := "", 0.0
	for _, p := range parts {
		if math.IsNaN(p.signal) || p.signal < 0 || p.signal > 1 {
			return models.ThreatScore{}, fmt.Errorf("%s signal %v out of range", p.name, p.signal)
		}
		c := p.weight * p.signal
		keep *= 1 - c
		if c <= 0 {
			continue
		}
		switch {
		case best == "" || c > bestContrib:
			best, bestContrib = p.name, c
		case c == bestContrib && worse(p.name, p.signal, best, signalOf(in, best)):
			best = p.name
		}
	}
	v := 1 - keep
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return models.ThreatScore{Value: v, Class: Classify(v), Category: best, Signals: in.Signals}, nil
}

func worse(a string, sa float64, b string, sb float64) bool {
	ca, cb := Classify(sa), Classify(sb)
	if ca != cb {
		return ca > cb
	}
	return categoryOrder[a] > categoryOrder[b]
}

func signalOf(in Inputs, category string) float64 {
	switch category {
	case CategoryRate:
		return in.Rate
	case CategoryRep:
		return in.Rep
	case CategoryL7:
		return in.L7
	}
	return in.Abuse
}

// RateSignal maps limiter headroom to [0,1]. An allowed request contributes
// nothing until half the quota is used and at most 0.5 at exhaustion; a
// denied one contributes 1.
func RateSignal(limit, remaining int, allowed bool) float64 {
	if !allowed {
		return 1
	}
	if limit <= 0 {
		return 0
	}
	used := 1 - float64(remaining)/float64(limit)
	if used <= 0.5 {
		return 0
	}
	return math.Min(0.5, used-0.5)
}
