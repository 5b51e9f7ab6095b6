package policy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlgclan/edgeguard/internal/clock"
	"github.com/mlgclan/edgeguard/internal/config"
	"github.com/mlgclan/edgeguard/internal/models"
	"github.com/mlgclan/edgeguard/internal/ratelimit"
	"github.com/mlgclan/edgeguard/internal/reputation"
	"github.com/mlgclan/edgeguard/internal/scorer"
)

func store(t *testing.T) *config.Store {
	t.Helper()
	p, err := config.Parse([]byte("challenge:\n  secret: test-secret\n  difficulty: 1\n  ttl: 1m\n"))
	require.NoError(t, err)
	return config.NewStore(p, nil)
}

func tags(ts ...models.Tag) reputation.Aggregate {
	agg := reputation.Aggregate{Tags: map[models.Tag]reputation.TagState{}}
	for _, t := range ts {
		agg.Tags[t] = reputation.TagState{}
	}
	return agg
}

func score(v float64) models.ThreatScore {
	return models.ThreatScore{Value: v, Class: scorer.Classify(v)}
}

func request(sens models.Sensitivity) *models.RequestContext {
	return &models.RequestContext{IP: netip.MustParseAddr("203.0.113.7"), Route: "/api/vote", Method: "POST", Sensitivity: sens}
}

var red = models.Mode{Name: models.ModeEmergency, Level: models.LevelRed}

func TestEffectiveClassification(t *testing.T) {
	cases := []struct {
		name     string
		class    models.Classification
		sens     models.Sensitivity
		mode     models.Mode
		priority bool
		want     models.Classification
	}{
		{"normal route", models.Suspicious, models.SensitivityNormal, models.NormalMode, false, models.Suspicious},
		{"sensitive escalates", models.Suspicious, models.SensitivitySensitive, models.NormalMode, false, models.Abusive},
		{"benign stays benign on sensitive", models.Benign, models.SensitivitySensitive, models.NormalMode, false, models.Benign},
		{"public deescalates", models.Suspicious, models.SensitivityPublic, models.NormalMode, false, models.Benign},
		{"clamped at critical", models.Critical, models.SensitivitySensitive, models.NormalMode, false, models.Critical},
		{"tournament has no floor", models.Benign, models.SensitivityNormal, models.Mode{Name: models.ModeTournament}, false, models.Benign},
		{"yellow floor", models.Benign, models.SensitivityPublic, models.Mode{Name: models.ModeEmergency, Level: models.LevelYellow}, false, models.Suspicious},
		{"orange floor", models.Benign, models.SensitivityNormal, models.Mode{Name: models.ModeEmergency, Level: models.LevelOrange}, false, models.Abusive},
		{"red floor", models.Suspicious, models.SensitivityNormal, red, false, models.Attacking},
		{"black floor", models.Benign, models.SensitivityNormal, models.Mode{Name: models.ModeEmergency, Level: models.LevelBlack}, false, models.Critical},
		{"floor does not lower", models.Critical, models.SensitivityPublic, models.Mode{Name: models.ModeEmergency, Level: models.LevelYellow}, false, models.Attacking},
		{"priority skips floor", models.Benign, models.SensitivityNormal, models.Mode{Name: models.ModeEmergency, Level: models.LevelBlack}, true, models.Benign},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Effective(tc.class, tc.sens, tc.mode, tc.priority))
		})
	}
}

func TestEmergencyNeverBelowSuspicious(t *testing.T) {
	levels := []models.EmergencyLevel{models.LevelYellow, models.LevelOrange, models.LevelRed, models.LevelBlack}
	sens := []models.Sensitivity{models.SensitivityNormal, models.SensitivityPublic, models.SensitivitySensitive}
	for _, l := range levels {
		for _, s := range sens {
			for c := models.Benign; c <= models.Critical; c++ {
				got := Effective(c, s, models.Mode{Name: models.ModeEmergency, Level: l}, false)
				assert.GreaterOrEqual(t, got, models.Suspicious, "%s %s %s", l, s, c)
			}
		}
	}
}

func TestRules(t *testing.T) {
	denied := &ratelimit.Result{Family: models.FamilyIP, Applicable: true, Allowed: false, RetryAfter: time.Second}
	allowed := &ratelimit.Result{Family: models.FamilyIP, Applicable: true, Allowed: true, Remaining: 3}

	cases := []struct {
		name   string
		in     Input
		rule   int
		kind   models.VerdictKind
		reason string
	}{
		{"forced block beats allowlist", Input{Score: score(0), Reputation: func() reputation.Aggregate {
			a := tags(models.TagAllowlist)
			a.Tags[models.TagBlocklist] = reputation.TagState{Forced: true}
			return a
		}()}, RuleForcedBlock, models.VerdictDeny, models.ReasonBlocked},
		{"allowlist beats blocklist", Input{Score: score(0.95), Reputation: tags(models.TagAllowlist, models.TagBlocklist)}, RuleAllowlist, models.VerdictAllow, ""},
		{"allowlist beats quota", Input{Score: score(0), Reputation: tags(models.TagAllowlist), Quota: denied}, RuleAllowlist, models.VerdictAllow, ""},
		{"blocklist", Input{Score: score(0), Reputation: tags(models.TagBlocklist)}, RuleBlocklist, models.VerdictDeny, models.ReasonBlocked},
		{"maintenance", Input{Score: score(0), Mode: models.Mode{Name: models.ModeMaintenance}}, RuleMaintenance, models.VerdictDeny, models.ReasonMaintenance},
		{"maintenance ignores priority", Input{Score: score(0), Mode: models.Mode{Name: models.ModeMaintenance}, Reputation: tags(models.TagPriority)}, RuleMaintenance, models.VerdictDeny, models.ReasonMaintenance},
		{"priority in tournament", Input{Score: score(0.8), Mode: models.Mode{Name: models.ModeTournament}, Reputation: tags(models.TagPriority)}, RulePriority, models.VerdictAllow, ""},
		{"priority in normal mode is not special", Input{Score: score(0.8), Mode: models.NormalMode, Reputation: tags(models.TagPriority)}, RuleAttacking, models.VerdictDeny, models.ReasonAttacking},
		{"l7 terminate", Input{Score: score(0.1), L7Hint: models.VerdictTerminate, L7Reason: "slow_body"}, RuleL7, models.VerdictTerminate, "slow_body"},
		{"l7 deny", Input{Score: score(0.1), L7Hint: models.VerdictDeny, L7Reason: "path_traversal"}, RuleL7, models.VerdictDeny, "path_traversal"},
		{"critical", Input{Score: score(0.95)}, RuleCritical, models.VerdictTerminate, models.ReasonCritical},
		{"attacking", Input{Score: score(0.8)}, RuleAttacking, models.VerdictDeny, models.ReasonAttacking},
		{"attacking beats quota", Input{Score: score(0.8), Quota: denied}, RuleAttacking, models.VerdictDeny, models.ReasonAttacking},
		{"quota", Input{Score: score(0.3), Quota: denied}, RuleQuota, models.VerdictThrottle, models.ReasonRateLimited},
		{"abusive without request throttles", Input{Score: score(0.6)}, RuleAbusive, models.VerdictThrottle, models.ReasonChallenge},
		{"suspicious", Input{Score: score(0.3), Quota: allowed}, RuleSuspicious, models.VerdictDelay, ""},
		{"benign", Input{Score: score(0.1), Quota: allowed}, RuleBenign, models.VerdictAllow, ""},
	}
	e := New(store(t), nil, nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := e.Decide(context.Background(), tc.in, nil)
			assert.Equal(t, tc.rule, d.Rule)
			assert.Equal(t, tc.kind, d.Verdict.Kind)
			assert.Equal(t, tc.reason, d.Verdict.Reason)
		})
	}
}

func TestVerdictParameters(t *testing.T) {
	e := New(store(t), nil, nil)
	ctx := context.Background()

	d := e.Decide(ctx, Input{Score: score(0.95)}, nil)
	assert.Equal(t, 20.0, d.Verdict.Penalty)

	d = e.Decide(ctx, Input{Score: score(0.8)}, nil)
	assert.Equal(t, 4*time.Minute, d.Verdict.RetryAfter)

	d = e.Decide(ctx, Input{Score: score(0.3)}, nil)
	assert.Equal(t, 600*time.Millisecond, d.Verdict.Delay)

	d = e.Decide(ctx, Input{Score: score(0.49)}, nil)
	assert.LessOrEqual(t, d.Verdict.Delay, 2*time.Second)

	d = e.Decide(ctx, Input{Score: score(0.2), Quota: &ratelimit.Result{Applicable: true, RetryAfter: 3 * time.Second}}, nil)
	assert.Equal(t, 3*time.Second, d.Verdict.RetryAfter)
	assert.Equal(t, 1.0, d.Verdict.Penalty)
}

func TestEmergencyRedDeniesUnlessPriority(t *testing.T) {
	e := New(store(t), nil, nil)
	ctx := context.Background()
	rc := request(models.SensitivitySensitive)
	quota := &ratelimit.Result{Family: models.FamilyAction, Applicable: true, Allowed: true, Remaining: 4}

	d := e.Decide(ctx, Input{Request: rc, Score: score(0), Mode: red, Quota: quota}, nil)
	assert.Equal(t, models.VerdictDeny, d.Verdict.Kind)
	assert.Equal(t, models.Attacking, d.Class)

	d = e.Decide(ctx, Input{Request: rc, Score: score(0), Mode: red, Quota: quota, Reputation: tags(models.TagPriority)}, nil)
	assert.Equal(t, models.VerdictAllow, d.Verdict.Kind)
	assert.Equal(t, RulePriority, d.Rule)
}

func TestFloorOnlyVerdictsAreMarked(t *testing.T) {
	e := New(store(t), nil, nil)
	ctx := context.Background()
	rc := request(models.SensitivityNormal)
	black := models.Mode{Name: models.ModeEmergency, Level: models.LevelBlack}

	d := e.Decide(ctx, Input{Request: rc, Score: score(0), Mode: red}, nil)
	assert.Equal(t, models.VerdictDeny, d.Verdict.Kind)
	assert.True(t, d.Floored)

	d = e.Decide(ctx, Input{Request: rc, Score: score(0.8), Mode: red}, nil)
	assert.Equal(t, models.VerdictDeny, d.Verdict.Kind)
	assert.False(t, d.Floored, "attacking on its own score")

	d = e.Decide(ctx, Input{Request: rc, Score: score(0), Mode: red, Reputation: tags(models.TagBlocklist)}, nil)
	assert.Equal(t, RuleBlocklist, d.Rule)
	assert.False(t, d.Floored)

	d = e.Decide(ctx, Input{Request: rc, Score: score(0), Mode: black}, nil)
	assert.Equal(t, models.VerdictTerminate, d.Verdict.Kind)
	assert.True(t, d.Floored)
	assert.Zero(t, d.Verdict.Penalty, "the floor alone costs no reputation")

	d = e.Decide(ctx, Input{Request: rc, Score: score(0.95), Mode: black}, nil)
	assert.False(t, d.Floored)
	assert.Equal(t, 20.0, d.Verdict.Penalty)
}

func TestSensitiveRouteChallenges(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	st := store(t)
	e := New(st, NewPoW(st, clk, nil), nil)
	rc := request(models.SensitivitySensitive)

	d := e.Decide(context.Background(), Input{Request: rc, Score: score(0.3055)}, httptest.NewRequest("POST", "/auth/login", nil))
	assert.Equal(t, models.Abusive, d.Class)
	assert.Equal(t, models.VerdictChallenge, d.Verdict.Kind)
	require.NotNil(t, d.Challenge)
	assert.Equal(t, 1, d.Challenge.Difficulty)

	r := httptest.NewRequest("POST", "/auth/login", nil)
	r.Header.Set(HeaderChallengeID, d.Challenge.ID)
	r.Header.Set(HeaderChallengeNonce, solve(t, d.Challenge))
	d = e.Decide(context.Background(), Input{Request: rc, Score: score(0.3055)}, r)
	assert.Equal(t, models.VerdictLogOnly, d.Verdict.Kind)
	assert.Equal(t, models.ReasonChallengeDone, d.Verdict.Reason)
}

type failingChallenger struct{}

func (failingChallenger) Issue(context.Context, *models.RequestContext) (Challenge, error) {
	return Challenge{}, context.DeadlineExceeded
}

func (failingChallenger) Verify(context.Context, *models.RequestContext, *http.Request) bool {
	return false
}

func TestChallengeUnavailableThrottles(t *testing.T) {
	e := New(store(t), failingChallenger{}, nil)
	d := e.Decide(context.Background(), Input{Request: request(models.SensitivityNormal), Score: score(0.6)}, nil)
	assert.Equal(t, models.VerdictThrottle, d.Verdict.Kind)
	assert.Nil(t, d.Challenge)
}

func solve(t *testing.T, c *Challenge) string {
	t.Helper()
	for i := 0; i < 1_000_000; i++ {
		n := strconv.Itoa(i)
		if Solves(c.Prefix, n, c.Difficulty) {
			return n
		}
	}
	t.Fatal("no nonce found")
	return ""
}
