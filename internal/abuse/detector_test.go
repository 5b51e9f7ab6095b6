package abuse

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlgclan/edgeguard/internal/clock"
	"github.com/mlgclan/edgeguard/internal/config"
	"github.com/mlgclan/edgeguard/internal/events"
	"github.com/mlgclan/edgeguard/internal/guarderr"
	"github.com/mlgclan/edgeguard/internal/metrics"
	"github.com/mlgclan/edgeguard/internal/models"
	"github.com/mlgclan/edgeguard/internal/reputation"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	d   *Detector
	rep *reputation.Store
	clk *clock.Fake
	bus *events.Bus
	m   *metrics.Metrics
}

func newFixture(t *testing.T, doc string, factor func(*models.ActionEvent) float64) *fixture {
	t.Helper()
	p, err := config.Parse([]byte(doc))
	require.NoError(t, err)
	src := config.NewStore(p, nil)
	f := &fixture{clk: clock.NewFake(t0), bus: events.NewBus(nil, nil), m: metrics.New()}
	f.rep = reputation.New(src, f.clk, reputation.Options{Bus: f.bus, Metrics: f.m})
	f.d = New(src, f.clk, f.rep, Options{Bus: f.bus, Metrics: f.m, Factor: factor})
	return f
}

func detectors(dets []Detection) []string {
	out := make([]string, 0, len(dets))
	for _, d := range dets {
		out = append(out, d.Detector)
	}
	return out
}

func TestPublishValidates(t *testing.T) {
	f := newFixture(t, "", nil)
	ctx := context.Background()
	ip := netip.MustParseAddr("192.0.2.1")

	cases := []models.ActionEvent{
		{Kind: "teleport", Actor: "u", IP: ip},
		{Kind: models.ActionVote, Actor: "u", IP: ip, Weight: 1},
		{Kind: models.ActionVote, Actor: "u", IP: ip, Target: "clip-1"},
		{Kind: models.ActionClanInvite, Actor: "u", Target: "v"},
		{Kind: models.ActionContentSubmit},
	}
	for _, ev := range cases {
		err := f.d.Publish(ctx, ev)
		require.Error(t, err, "%+v", ev)
		assert.True(t, errors.Is(err, guarderr.ErrInvalidEvent), "%v", err)
	}

	assert.NoError(t, f.d.Publish(ctx, models.ActionEvent{Kind: models.ActionLoginAttempt, IP: ip}))
}

func TestPublishHonoursCancellation(t *testing.T) {
	f := newFixture(t, "", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.d.Publish(ctx, models.ActionEvent{Kind: models.ActionContentSubmit, Actor: "u"})
	assert.True(t, errors.Is(err, guarderr.ErrCheckTimeout))
}

func TestLoginFailuresDriveReputationDown(t *testing.T) {
	f := newFixture(t, "", nil)
	ip := netip.MustParseAddr("198.51.100.5")
	ctx := context.Background()

	var last []Detection
	for i := 0; i < 10; i++ {
		dets, err := f.d.Observe(ctx, models.ActionEvent{Kind: models.ActionLoginAttempt, IP: ip, Failed: true, At: t0.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
		if i < 4 {
			assert.Empty(t, dets, "attempt %d", i+1)
		}
		last = dets
	}
	require.Len(t, last, 1)
	assert.Equal(t, "login_bruteforce", last[0].Detector)
	assert.Equal(t, SeverityHigh, last[0].Severity)

	rec, err := f.rep.Get(models.IPKey(ip))
	require.NoError(t, err)
	assert.LessOrEqual(t, rec.Score, -60.0)
	assert.InDelta(t, -72.5, rec.Score, 1e-9)

	sev, sigs, err := f.d.Signal(models.IPKey(ip), models.NetworkKey(ip))
	require.NoError(t, err)
	assert.Equal(t, SeverityHigh, sev)
	require.Len(t, sigs, 1)
	assert.Equal(t, "abuse", sigs[0].Source)
	snap := f.m.Snapshot()
	assert.Equal(t, 5.0, snap["abuse_detections_total{detector=login_bruteforce,severity=medium}"])
	assert.Equal(t, 1.0, snap["abuse_detections_total{detector=login_bruteforce,severity=high}"])
}

func TestSuccessfulLoginIsFree(t *testing.T) {
	f := newFixture(t, "", nil)
	ip := netip.MustParseAddr("198.51.100.5")
	for i := 0; i < 20; i++ {
		require.NoError(t, f.d.Publish(context.Background(), models.ActionEvent{Kind: models.ActionLoginAttempt, IP: ip, Actor: "u"}))
	}
	rec, err := f.rep.Get(models.IPKey(ip))
	require.NoError(t, err)
	assert.Equal(t, 0.0, rec.Score)
}

func TestCoordinatedVote(t *testing.T) {
	f := newFixture(t, "", nil)
	_, detEvents := f.bus.Subscribe(128, events.TopicDetection)
	ctx := context.Background()
	netKey := "net:203.0.113.0/24"

	var fired int
	for i := 0; i < 50; i++ {
		ev := models.ActionEvent{
			Kind:       models.ActionVote,
			Actor:      fmt.Sprintf("fresh-%02d", i),
			IP:         netip.AddrFrom4([4]byte{203, 0, 113, byte(i + 1)}),
			Target:     "clip-9",
			Weight:     1,
			AccountAge: time.Hour,
			At:         t0.Add(time.Duration(i) * 150 * time.Millisecond),
		}
		dets, err := f.d.Observe(ctx, ev)
		require.NoError(t, err)
		for _, d := range dets {
			if d.Detector == "vote_coordination" {
				fired++
				assert.Equal(t, SeverityCritical, d.Severity)
				assert.Equal(t, netKey, d.Keys[0])
			}
		}
		if i == 18 {
			assert.Zero(t, fired, "below cohort size")
		}
	}
	assert.Equal(t, 31, fired, "one cohort detection, then every later voter")

	rec, err := f.rep.Get(netKey)
	require.NoError(t, err)
	assert.LessOrEqual(t, rec.Score, -80.0)
	assert.True(t, rec.Has(models.TagBlocklist))

	voter, err := f.rep.Get(models.IdentityKey("fresh-03"))
	require.NoError(t, err)
	assert.Equal(t, -40.0, voter.Score)
	late, err := f.rep.Get(models.IdentityKey("fresh-45"))
	require.NoError(t, err)
	assert.Equal(t, -40.0, late.Score)

	sev, _, err := f.d.Signal(models.IPKey(netip.MustParseAddr("203.0.113.200")), netKey)
	require.NoError(t, err)
	assert.Equal(t, SeverityCritical, sev)

	require.NotEmpty(t, detEvents)
	ev := (<-detEvents).Payload.(events.DetectionEvent)
	assert.Equal(t, "vote_coordination", ev.Detector)
	assert.Len(t, ev.Keys, 21)
}

func TestEstablishedVotersAreNotACohort(t *testing.T) {
	f := newFixture(t, "", nil)
	for i := 0; i < 30; i++ {
		dets, err := f.d.Observe(context.Background(), models.ActionEvent{
			Kind:       models.ActionVote,
			Actor:      fmt.Sprintf("vet-%02d", i),
			IP:         netip.AddrFrom4([4]byte{203, 0, 113, byte(i + 1)}),
			Target:     "clip-9",
			Weight:     1,
			AccountAge: 400 * 24 * time.Hour,
			At:         t0.Add(time.Duration(i) * 100 * time.Millisecond),
		})
		require.NoError(t, err)
		assert.Empty(t, dets)
	}
}

func TestNewTagMarksFreshVoter(t *testing.T) {
	f := newFixture(t, "abuse:\n  vote:\n    cohort_size: 3\n", nil)
	for i := 0; i < 3; i++ {
		_, err := f.rep.Tag(models.IdentityKey(fmt.Sprintf("n%d", i)), models.TagNew, 0, false, "", "")
		require.NoError(t, err)
	}
	var dets []Detection
	for i := 0; i < 3; i++ {
		var err error
		dets, err = f.d.Observe(context.Background(), models.ActionEvent{
			Kind: models.ActionVote, Actor: fmt.Sprintf("n%d", i), IP: netip.MustParseAddr("2001:db8:1:2::7"),
			Target: "clip-1", Weight: 1, At: t0.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"vote_coordination"}, detectors(dets))
	assert.Equal(t, "net:2001:db8:1::/48", dets[0].Keys[0])
}

func TestVoteSpray(t *testing.T) {
	f := newFixture(t, "", nil)
	ip := netip.MustParseAddr("192.0.2.50")
	gaps := []time.Duration{1200 * time.Millisecond, 1200 * time.Millisecond, 600 * time.Millisecond}
	at := t0
	for i := 0; i < 20; i++ {
		at = at.Add(gaps[i%3])
		dets, err := f.d.Observe(context.Background(), models.ActionEvent{
			Kind: models.ActionVote, Actor: "sprayer", IP: ip,
			Target: fmt.Sprintf("clip-%d", i%10), Weight: 1, At: at,
		})
		require.NoError(t, err)
		if i < 19 {
			assert.Empty(t, dets, "vote %d", i+1)
			continue
		}
		assert.Equal(t, []string{"vote_spray"}, detectors(dets))
	}
}

func TestVoteCadence(t *testing.T) {
	f := newFixture(t, "", nil)
	ip := netip.MustParseAddr("192.0.2.51")
	var dets []Detection
	for i := 0; i < 8; i++ {
		var err error
		dets, err = f.d.Observe(context.Background(), models.ActionEvent{
			Kind: models.ActionVoteBurn, Actor: "metronome", IP: ip,
			Target: "clip-1", Weight: 2, At: t0.Add(time.Duration(i) * 500 * time.Millisecond),
		})
		require.NoError(t, err)
		if i < 7 {
			assert.Empty(t, dets)
		}
	}
	assert.Equal(t, []string{"vote_cadence"}, detectors(dets))
	assert.Equal(t, models.ActionVoteBurn, dets[0].Kind)
}

func TestWalletMicroTransactions(t *testing.T) {
	f := newFixture(t, "abuse:\n  wallet: {max_signs: 5, min_value: 1}\n", nil)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		dets, err := f.d.Observe(ctx, models.ActionEvent{Kind: models.ActionWalletSign, Actor: "whale", Weight: 50, At: t0})
		require.NoError(t, err)
		assert.Empty(t, dets, "large signatures are fine")
	}
	var dets []Detection
	for i := 0; i < 5; i++ {
		var err error
		dets, err = f.d.Observe(ctx, models.ActionEvent{Kind: models.ActionWalletSign, Actor: "dust", Weight: 0.01, At: t0})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"wallet_microtx"}, detectors(dets))
}

func TestClanDetectors(t *testing.T) {
	f := newFixture(t, "abuse:\n  clan: {invite_distinct: 3, role_cycles: 4, churn: 4}\n", nil)
	ctx := context.Background()
	publish := func(kind models.ActionKind, target string) []Detection {
		dets, err := f.d.Observe(ctx, models.ActionEvent{Kind: kind, Actor: "officer", Target: target, Weight: 1, At: t0})
		require.NoError(t, err)
		return dets
	}

	publish(models.ActionClanInvite, "a")
	publish(models.ActionClanInvite, "a")
	assert.Empty(t, publish(models.ActionClanInvite, "b"))
	assert.Equal(t, []string{"clan_invite_spam"}, detectors(publish(models.ActionClanInvite, "c")))

	for i := 0; i < 3; i++ {
		assert.Empty(t, publish(models.ActionClanRoleChange, "member-1"))
	}
	assert.Empty(t, publish(models.ActionClanRoleChange, "member-2"))
	assert.Equal(t, []string{"clan_role_cycling"}, detectors(publish(models.ActionClanRoleChange, "member-1")))

	publish(models.ActionClanJoin, "")
	publish(models.ActionClanLeave, "")
	publish(models.ActionClanJoin, "")
	assert.Equal(t, []string{"clan_churn"}, detectors(publish(models.ActionClanLeave, "")))
}

func TestFactorScalesThresholds(t *testing.T) {
	half := func(*models.ActionEvent) float64 { return 0.5 }
	f := newFixture(t, "", half)
	var dets []Detection
	for i := 0; i < 10; i++ {
		var err error
		dets, err = f.d.Observe(context.Background(), models.ActionEvent{Kind: models.ActionContentSubmit, Actor: "poster", At: t0})
		require.NoError(t, err)
		if i < 9 {
			require.Empty(t, dets)
		}
	}
	assert.Equal(t, []string{"content_spam"}, detectors(dets))
}

func TestSignalsExpireAndSweep(t *testing.T) {
	f := newFixture(t, "abuse:\n  signal_ttl: 1m\n  idle_expiry: 5m\n  content: {max_submits: 1}\n", nil)
	_, err := f.d.Observe(context.Background(), models.ActionEvent{Kind: models.ActionContentSubmit, Actor: "poster"})
	require.NoError(t, err)

	sev, _, err := f.d.Signal(models.IdentityKey("poster"))
	require.NoError(t, err)
	assert.Equal(t, SeverityLow, sev)
	assert.Equal(t, 1, f.d.Len())

	f.clk.Advance(time.Minute)
	sev, sigs, err := f.d.Signal(models.IdentityKey("poster"))
	require.NoError(t, err)
	assert.Zero(t, sev)
	assert.Empty(t, sigs)

	assert.Equal(t, 1, f.d.Sweep(), "expired signal goes, window is still warm")
	f.clk.Advance(5 * time.Minute)
	assert.Equal(t, 1, f.d.Sweep())
	assert.Equal(t, 0, f.d.Len())
}

func TestPatternJitter(t *testing.T) {
	var p pattern
	for _, ms := range []int{0, 100, 200, 300} {
		p.add(sample{at: t0.Add(time.Duration(ms) * time.Millisecond)}, time.Minute)
	}
	j, ok := p.jitter(4)
	require.True(t, ok)
	assert.Zero(t, j)

	_, ok = p.jitter(5)
	assert.False(t, ok)

	p.add(sample{at: t0.Add(2 * time.Minute)}, time.Minute)
	assert.Equal(t, 1, p.count(), "older events fall out of the window")
}
