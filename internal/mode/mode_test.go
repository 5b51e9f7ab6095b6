package mode

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlgclan/edgeguard/internal/audit"
	"github.com/mlgclan/edgeguard/internal/clock"
	"github.com/mlgclan/edgeguard/internal/config"
	"github.com/mlgclan/edgeguard/internal/events"
	"github.com/mlgclan/edgeguard/internal/guarderr"
	"github.com/mlgclan/edgeguard/internal/metrics"
	"github.com/mlgclan/edgeguard/internal/models"
)

func TestSetPublishesAndIsIdempotent(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	bus := events.NewBus(nil, nil)
	_, ch := bus.Subscribe(8, events.TopicModeChange)
	m := metrics.New()
	mgr := New(clk, Options{Bus: bus, Metrics: m})

	red := models.Mode{Name: models.ModeEmergency, Level: models.LevelRed}
	changed, err := mgr.Set(red, "ddos on vote api", "alice")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, red, mgr.Current())
	assert.Equal(t, 1.0, m.Snapshot()["mode{level=red,mode=emergency}"])
	_, stale := m.Snapshot()["mode{level=,mode=normal}"]
	assert.False(t, stale)

	ev := (<-ch).Payload.(events.ModeEvent)
	assert.Equal(t, models.NormalMode, ev.Old)
	assert.Equal(t, red, ev.New)
	assert.Equal(t, "alice", ev.Operator)
	assert.False(t, ev.Auto)

	changed, err = mgr.Set(red, "again", "bob")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, ch, 0)
}

func TestSetRejectsBadInput(t *testing.T) {
	mgr := New(clock.NewFake(time.Now()), Options{})

	_, err := mgr.Set(models.Mode{Name: models.ModeTournament}, "", "alice")
	assert.ErrorIs(t, err, guarderr.ErrInvalidRequest)

	_, err = mgr.Set(models.Mode{Name: models.ModeEmergency}, "no level", "alice")
	assert.ErrorIs(t, err, guarderr.ErrAdminConflict)
	assert.Equal(t, models.NormalMode, mgr.Current())
}

func autoPolicy(t *testing.T) *config.Store {
	t.Helper()
	p, err := config.Parse([]byte("modes:\n  auto:\n    enabled: true\n    window: 10s\n    min_samples: 10\n    raise_ratio: 0.5\n    cooldown: 1m\n    max_level: orange\n"))
	require.NoError(t, err)
	return config.NewStore(p, nil)
}

func feed(e *Escalator, hostile, benign int) {
	for i := 0; i < hostile; i++ {
		e.Observe(models.VerdictDeny, false)
	}
	for i := 0; i < benign; i++ {
		e.Observe(models.VerdictAllow, false)
	}
}

func TestEscalatorRaisesAndRelaxes(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	mgr := New(clk, Options{})
	_, err := mgr.Set(models.Mode{Name: models.ModeTournament}, "finals", "alice")
	require.NoError(t, err)
	e := NewEscalator(mgr, autoPolicy(t), clk, nil)

	// Below min samples nothing happens.
	feed(e, 5, 0)
	assert.False(t, e.Evaluate())

	feed(e, 5, 4)
	n, ratio := e.Ratio()
	assert.Equal(t, 14, n)
	assert.InDelta(t, 10.0/14, ratio, 1e-9)
	require.True(t, e.Evaluate())
	assert.Equal(t, models.Mode{Name: models.ModeEmergency, Level: models.LevelYellow}, mgr.Current())
	assert.True(t, mgr.Auto())

	// A second raise waits for a fresh window.
	assert.False(t, e.Evaluate())
	clk.Advance(10 * time.Second)
	feed(e, 20, 0)
	require.True(t, e.Evaluate())
	assert.Equal(t, models.LevelOrange, mgr.Current().Level)

	// Capped at max_level.
	clk.Advance(10 * time.Second)
	feed(e, 20, 0)
	assert.False(t, e.Evaluate())
	assert.Equal(t, models.LevelOrange, mgr.Current().Level)

	// Quiet traffic relaxes one level per cooldown, then restores the
	// mode that was active before escalation.
	clk.Advance(time.Minute)
	feed(e, 0, 20)
	require.True(t, e.Evaluate())
	assert.Equal(t, models.LevelYellow, mgr.Current().Level)
	assert.False(t, e.Evaluate())
	clk.Advance(time.Minute)
	require.True(t, e.Evaluate())
	assert.Equal(t, models.Mode{Name: models.ModeTournament}, mgr.Current())
	assert.False(t, mgr.Auto())
}

func TestEscalatorLeavesOperatorModesAlone(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	mgr := New(clk, Options{})
	e := NewEscalator(mgr, autoPolicy(t), clk, nil)

	_, err := mgr.Set(models.Mode{Name: models.ModeMaintenance}, "deploy", "alice")
	require.NoError(t, err)
	feed(e, 50, 0)
	assert.False(t, e.Evaluate())

	_, err = mgr.Set(models.Mode{Name: models.ModeEmergency, Level: models.LevelYellow}, "manual", "alice")
	require.NoError(t, err)
	assert.False(t, e.Evaluate())
	assert.Equal(t, models.LevelYellow, mgr.Current().Level)
}

func TestOldBucketsAgeOut(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	e := NewEscalator(New(clk, Options{}), autoPolicy(t), clk, nil)
	feed(e, 30, 0)
	clk.Advance(10 * time.Second)
	n, _ := e.Ratio()
	assert.Equal(t, 0, n)
}

func TestFloorVerdictsDoNotHoldLevel(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	mgr := New(clk, Options{})
	e := NewEscalator(mgr, autoPolicy(t), clk, nil)

	feed(e, 20, 0)
	require.True(t, e.Evaluate())
	clk.Advance(10 * time.Second)
	feed(e, 20, 0)
	require.True(t, e.Evaluate())
	require.Equal(t, models.LevelOrange, mgr.Current().Level)

	// At orange every clean request is challenged by the floor.
	for i := 0; i < 60; i++ {
		clk.Advance(time.Second)
		for j := 0; j < 3; j++ {
			e.Observe(models.VerdictChallenge, true)
		}
		e.Evaluate()
	}
	n, ratio := e.Ratio()
	assert.Equal(t, 30, n)
	assert.Zero(t, ratio)
	assert.Equal(t, models.LevelYellow, mgr.Current().Level)
}

func TestEscalatorChangesAreAudited(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	var buf bytes.Buffer
	mgr := New(clk, Options{Audit: audit.New(&buf, clk, audit.Options{})})
	e := NewEscalator(mgr, autoPolicy(t), clk, nil)

	_, err := mgr.Set(models.Mode{Name: models.ModeTournament}, "finals", "alice")
	require.NoError(t, err)
	assert.Zero(t, buf.Len(), "operator changes are audited by the admin API")

	feed(e, 20, 0)
	require.True(t, e.Evaluate())
	clk.Advance(time.Minute)
	require.True(t, e.Evaluate())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var raised, relaxed audit.Entry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &raised))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &relaxed))

	assert.Equal(t, AutoOperator, raised.Operator)
	assert.Equal(t, ActionAuto, raised.Action)
	assert.Equal(t, "emergency(yellow)", raised.Target)
	assert.Equal(t, "tournament", raised.Params["old"])
	assert.NotEmpty(t, raised.ID)
	assert.Contains(t, raised.Reason, "hostile verdicts")

	assert.Equal(t, "tournament", relaxed.Target)
	assert.Equal(t, "emergency(yellow)", relaxed.Params["old"])
}
