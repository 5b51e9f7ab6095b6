package ratelimit

import (
	"context"
	"errors"
	"math/rand"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlgclan/edgeguard/internal/clock"
	"github.com/mlgclan/edgeguard/internal/config"
	"github.com/mlgclan/edgeguard/internal/guarderr"
	"github.com/mlgclan/edgeguard/internal/metrics"
	"github.com/mlgclan/edgeguard/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func policy(t *testing.T, doc string) *config.Policy {
	t.Helper()
	p, err := config.Parse([]byte(doc))
	require.NoError(t, err)
	return p
}

func request(ip string) *models.RequestContext {
	return &models.RequestContext{IP: netip.MustParseAddr(ip), Method: "GET", Path: "/"}
}

func TestIPBucketThrottlesThirdRequest(t *testing.T) {
	clk := clock.NewFake(t0)
	l := New(8, 0, clk, nil, nil)
	pol := policy(t, "limits:\n  ip: {rps: 2, burst: 2}\n")
	rc := request("203.0.113.7")
	ctx := context.Background()

	r1, err := l.Check(ctx, pol, rc, 1)
	require.NoError(t, err)
	clk.Advance(50 * time.Millisecond)
	r2, err := l.Check(ctx, pol, rc, 1)
	require.NoError(t, err)
	clk.Advance(50 * time.Millisecond)
	r3, err := l.Check(ctx, pol, rc, 1)
	require.NoError(t, err)

	assert.True(t, r1.Allowed)
	assert.True(t, r2.Allowed)
	assert.False(t, r3.Allowed)
	assert.Equal(t, models.FamilyIP, r3.Family)
	assert.Equal(t, 1, Seconds(r3.RetryAfter))
	assert.Equal(t, 2, r3.Limit)
	assert.Equal(t, 0, r3.Remaining)
}

func TestVoteWindowRecovers(t *testing.T) {
	clk := clock.NewFake(t0)
	m := metrics.New()
	l := New(8, 0, clk, m, nil)
	pol := policy(t, "limits:\n  action:\n    vote: {limit: 5, window: 10s}\n")
	rc := request("192.0.2.10")
	rc.Identity = "U"
	rc.Action = models.ActionVote
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := l.CheckFamily(ctx, pol, models.FamilyAction, rc, 1)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "vote %d", i+1)
		clk.Advance(500 * time.Millisecond)
	}
	// 2.5s now; sixth vote at 3s.
	clk.Set(t0.Add(3 * time.Second))
	res, err := l.CheckFamily(ctx, pol, models.FamilyAction, rc, 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 7*time.Second, res.RetryAfter)
	assert.Equal(t, 1.0, m.Snapshot()["limiter_denied_total{family=action}"])

	clk.Set(t0.Add(12 * time.Second))
	res, err = l.CheckFamily(ctx, pol, models.FamilyAction, rc, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestExactlyAtLimit(t *testing.T) {
	clk := clock.NewFake(t0)
	l := New(8, 0, clk, nil, nil)
	pol := policy(t, "limits:\n  route:\n    /api/leaderboard: {limit: 3, window: 1s}\n")
	rc := request("192.0.2.1")
	rc.Route = "/api/leaderboard"

	for i := 0; i < 3; i++ {
		res, err := l.CheckFamily(context.Background(), pol, models.FamilyRoute, rc, 1)
		require.NoError(t, err)
		require.True(t, res.Allowed)
		assert.Equal(t, 2-i, res.Remaining)
	}
	res, err := l.CheckFamily(context.Background(), pol, models.FamilyRoute, rc, 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestTighteningAndPriority(t *testing.T) {
	clk := clock.NewFake(t0)
	l := New(8, 0, clk, nil, nil)
	pol := policy(t, "limits:\n  action:\n    vote: {limit: 4, window: 10s}\n")
	rc := request("192.0.2.1")
	rc.Identity = "tight"
	rc.Action = models.ActionVote

	allowed := func(factor float64) int {
		n := 0
		for i := 0; i < 20; i++ {
			res, err := l.CheckFamily(context.Background(), pol, models.FamilyAction, rc, factor)
			require.NoError(t, err)
			if res.Allowed {
				n++
			}
		}
		return n
	}
	assert.Equal(t, 2, allowed(0.5))

	rc.Identity = "vip"
	assert.Equal(t, 8, allowed(2))
}

func TestAnonymousSkipsIdentity(t *testing.T) {
	l := New(8, 0, clock.NewFake(t0), nil, nil)
	res, err := l.CheckFamily(context.Background(), policy(t, ""), models.FamilyIdentity, request("192.0.2.1"), 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.False(t, res.Applicable)
}

func TestCancelledContextIsCheckTimeout(t *testing.T) {
	l := New(8, 0, clock.NewFake(t0), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.CheckFamily(ctx, policy(t, ""), models.FamilyIP, request("192.0.2.1"), 1)
	assert.True(t, errors.Is(err, guarderr.ErrCheckTimeout))
}

// Over any interval, a bucket never holds more than min(C, before + r*dt).
func TestBucketNeverOverCredits(t *testing.T) {
	clk := clock.NewFake(t0)
	b := newBucket(clk.Now(), 5, 10)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 2000; i++ {
		before := b.tokens(clk.Now())
		dt := time.Duration(rng.Intn(400)) * time.Millisecond
		clk.Advance(dt)
		if rng.Intn(3) > 0 {
			b.allow(clk.Now())
		}
		after := b.tokens(clk.Now())
		bound := before + 5*dt.Seconds()
		if bound > 10 {
			bound = 10
		}
		require.LessOrEqual(t, after, bound+1e-9, "step %d", i)
	}
}

// The window count equals the events in (now-W, now] when events land on
// sub-window boundaries.
func TestWindowCountMatchesEvents(t *testing.T) {
	const size = 10 * time.Second
	w := newWindow(size, DefaultSubWindows)
	rng := rand.New(rand.NewSource(11))

	var stamps []time.Time
	now := t0
	for i := 0; i < 500; i++ {
		now = now.Add(time.Duration(rng.Intn(3)) * time.Second)
		if rng.Intn(2) == 0 {
			w.add(now, 1)
			w.advance(now)
			stamps = append(stamps, now)
		}
		want := 0
		for _, s := range stamps {
			if s.After(now.Add(-size)) && !s.After(now) {
				want++
			}
		}
		require.Equal(t, want, w.Count(now), "step %d", i)

		sum := 0
		for _, c := range w.count {
			sum += c
		}
		require.Equal(t, w.total, sum)
	}
}

func TestSweepDropsIdleState(t *testing.T) {
	clk := clock.NewFake(t0)
	l := New(8, 0, clk, nil, nil)
	pol := policy(t, "limits:\n  ip: {rps: 10, burst: 10}\n  route:\n    /r: {limit: 5, window: 1s}\n")
	rc := request("192.0.2.1")
	rc.Route = "/r"
	_, err := l.Check(context.Background(), pol, rc, 1)
	require.NoError(t, err)

	assert.Equal(t, 0, l.Sweep())
	clk.Advance(11 * time.Minute)
	assert.Equal(t, 2, l.Sweep())
}
