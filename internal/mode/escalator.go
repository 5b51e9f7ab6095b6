package mode

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mlgclan/edgeguard/internal/clock"
	"github.com/mlgclan/edgeguard/internal/config"
	"github.com/mlgclan/edgeguard/internal/models"
)

// PolicySource yields the active policy.
type PolicySource interface {
	Current() *config.Policy
}

type tally struct {
	sec     int64
	total   int
	hostile int
}

// Escalator counts verdicts in one-second buckets and raises the emergency
// level when the hostile share over modes.auto.window crosses the raise
// ratio. Levels it set are relaxed one step per cooldown once the share
// falls back under the ratio. Verdicts caused only by the emergency floor
// count as samples but never as hostile, so a raised level cannot hold
// itself up.
type Escalator struct {
	mgr    *Manager
	policy PolicySource
	clock  clock.Clock
	log    *zap.Logger

	mu      sync.Mutex
	buckets []tally
	changed time.Time
}

func NewEscalator(mgr *Manager, policy PolicySource, clk clock.Clock, log *zap.Logger) *Escalator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Escalator{
		mgr:     mgr,
		policy:  policy,
		clock:   clk,
		log:     log.With(zap.String("component", "escalator")),
		buckets: make([]tally, windowSeconds(policy.Current().Modes.Auto.Window)),
	}
}

func windowSeconds(d time.Duration) int {
	n := int(d / time.Second)
	if n < 1 {
		return 1
	}
	return n
}

// Hostile reports whether a verdict counts against the raise ratio.
func Hostile(k models.VerdictKind) bool {
	switch k {
	case models.VerdictThrottle, models.VerdictChallenge, models.VerdictDeny, models.VerdictTerminate:
		return true
	}
	return false
}

// Observe counts one verdict. floored marks a verdict that only the mode
// floor made hostile.
func (e *Escalator) Observe(k models.VerdictKind, floored bool) {
	sec := e.clock.Now().Unix()
	e.mu.Lock()
	defer e.mu.Unlock()
	b := &e.buckets[int(sec%int64(len(e.buckets)))]
	if b.sec != sec {
		*b = tally{sec: sec}
	}
	b.total++
	if Hostile(k) && !floored {
		b.hostile++
	}
}

// Ratio returns the sample count and hostile share over the window.
func (e *Escalator) Ratio() (int, float64) {
	now := e.clock.Now().Unix()
	e.mu.Lock()
	defer e.mu.Unlock()
	n := int64(len(e.buckets))
	total, hostile := 0, 0
	for _, b := range e.buckets {
		if b.sec > now-n && b.sec <= now {
			total += b.total
			hostile += b.hostile
		}
	}
	if total == 0 {
		return 0, 0
	}
	return total, float64(hostile) / float64(total)
}

// Evaluate applies one escalation step and reports whether the mode changed.
// Raises are at least one window apart so a level sees fresh samples before
// the next one.
func (e *Escalator) Evaluate() bool {
	cfg := e.policy.Current().Modes.Auto
	if !cfg.Enabled {
		return false
	}
	now := e.clock.Now()
	n, ratio := e.Ratio()

	switch {
	case n >= cfg.MinSamples && ratio >= cfg.RaiseRatio:
		if !e.changed.IsZero() && now.Sub(e.changed) < cfg.Window {
			return false
		}
		reason := fmt.Sprintf("%.0f%% hostile verdicts over %d requests in %s", ratio*100, n, cfg.Window)
		if !e.mgr.raise(cfg.MaxLevel, reason) {
			return false
		}
	case e.mgr.Auto() && now.Sub(e.changed) >= cfg.Cooldown:
		reason := fmt.Sprintf("hostile share %.0f%% below %.0f%% for %s", ratio*100, cfg.RaiseRatio*100, cfg.Cooldown)
		if !e.mgr.relax(reason) {
			return false
		}
	default:
		return false
	}
	e.changed = now
	return true
}

// Run evaluates once per second until ctx is done.
func (e *Escalator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.clock.After(time.Second):
			if e.Evaluate() {
				e.log.Info("mode adjusted", zap.Stringer("mode", e.mgr.Current()))
			}
		}
	}
}
