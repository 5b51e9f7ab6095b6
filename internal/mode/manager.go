// Package mode owns the global operating mode. Operators change it through
// the admin API; the escalator raises and relaxes emergency levels on its
// own when hostile traffic dominates.
package mode

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mlgclan/edgeguard/internal/audit"
	"github.com/mlgclan/edgeguard/internal/clock"
	"github.com/mlgclan/edgeguard/internal/events"
	"github.com/mlgclan/edgeguard/internal/guarderr"
	"github.com/mlgclan/edgeguard/internal/metrics"
	"github.com/mlgclan/edgeguard/internal/models"
)

// AutoOperator is recorded as the operator of escalator changes.
const AutoOperator = "auto-escalator"

// ActionAuto is the audit action of escalator changes.
const ActionAuto = "mode.auto"

type Options struct {
	Bus     *events.Bus
	Metrics *metrics.Metrics
	// Audit receives escalator changes. Operator changes are audited by
	// the admin API, which reports the audit id back to the caller.
	Audit *audit.Log
	Log   *zap.Logger
}

type Manager struct {
	clock   clock.Clock
	bus     *events.Bus
	metrics *metrics.Metrics
	audit   *audit.Log
	log     *zap.Logger

	mu      sync.RWMutex
	cur     models.Mode
	since   time.Time
	auto    bool
	restore models.Mode
}

func New(clk clock.Clock, opts Options) *Manager {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	m := &Manager{
		clock:   clk,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		audit:   opts.Audit,
		log:     opts.Log.With(zap.String("component", "mode")),
		cur:     models.NormalMode,
		since:   clk.Now(),
	}
	m.gauge(models.NormalMode)
	return m
}

// Current returns the active mode.
func (m *Manager) Current() models.Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Since returns when the active mode was entered.
func (m *Manager) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Auto reports whether the active mode was set by the escalator.
func (m *Manager) Auto() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.auto
}

// Set switches to next on behalf of an operator. Setting the active mode
// again is a no-op that reports false. An operator change always takes the
// mode away from the escalator.
func (m *Manager) Set(next models.Mode, reason, operator string) (bool, error) {
	if reason == "" {
		return false, guarderr.New(guarderr.KindInvalidRequest, "mode.set", "reason is required")
	}
	if err := next.Validate(); err != nil {
		return false, guarderr.Wrap(guarderr.KindAdminConflict, "mode.set", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.auto = false
	if next == m.cur {
		return false, nil
	}
	m.switchLocked(next, reason, operator, false)
	return true, nil
}

func (m *Manager) switchLocked(next models.Mode, reason, operator string, auto bool) {
	old := m.cur
	m.cur = next
	m.since = m.clock.Now()
	m.gauge(next)

	m.log.Warn("mode changed",
		zap.Stringer("old", old),
		zap.Stringer("new", next),
		zap.String("reason", reason),
		zap.String("operator", operator),
		zap.Bool("auto", auto))
	if auto && m.audit != nil {
		_, err := m.audit.Append(audit.Entry{
			Operator: operator,
			Action:   ActionAuto,
			Target:   next.String(),
			Reason:   reason,
			Params:   map[string]any{"old": old.String()},
			Changed:  true,
		})
		if err != nil {
			m.log.Error("audit write failed", zap.String("action", ActionAuto), zap.Error(err))
		}
	}
	if m.bus != nil {
		m.bus.Publish(events.Event{Topic: events.TopicModeChange, At: m.since, Payload: events.ModeEvent{
			Old: old, New: next, Reason: reason, Operator: operator, Auto: auto,
		}})
	}
}

func (m *Manager) gauge(mode models.Mode) {
	if m.metrics == nil {
		return
	}
	m.metrics.Mode.Reset()
	m.metrics.Mode.WithLabelValues(string(mode.Name), string(mode.Level)).Set(1)
}

// raise moves one emergency level up, remembering the mode to restore once
// the escalator relaxes fully. It never touches maintenance or an
// operator-set emergency.
func (m *Manager) raise(max models.EmergencyLevel, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next models.Mode
	switch {
	case m.cur.Name == models.ModeMaintenance:
		return false
	case m.cur.Name == models.ModeEmergency && !m.auto:
		return false
	case m.cur.Name == models.ModeEmergency:
		if m.cur.Level.Rank() >= max.Rank() {
			return false
		}
		next = models.Mode{Name: models.ModeEmergency, Level: m.cur.Level.Raise()}
	default:
		m.restore = m.cur
		next = models.Mode{Name: models.ModeEmergency, Level: models.LevelYellow}
	}
	m.auto = true
	m.switchLocked(next, reason, AutoOperator, true)
	return true
}

// relax lowers an escalator-set level by one, restoring the previous mode
// below yellow.
func (m *Manager) relax(reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.auto || m.cur.Name != models.ModeEmergency {
		return false
	}
	next := models.Mode{Name: models.ModeEmergency, Level: m.cur.Level.Lower()}
	if next.Level == models.LevelNone {
		next = m.restore
		m.auto = false
	}
	m.switchLocked(next, reason, AutoOperator, true)
	return true
}
