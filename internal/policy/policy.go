// Package policy maps a scored request onto a verdict. Rules are evaluated
// in a fixed order and the first match wins.
package policy

import (
	"context"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mlgclan/edgeguard/internal/config"
	"github.com/mlgclan/edgeguard/internal/models"
	"github.com/mlgclan/edgeguard/internal/ratelimit"
	"github.com/mlgclan/edgeguard/internal/reputation"
	"github.com/mlgclan/edgeguard/internal/scorer"
)

// Rule numbers reported in Decision.Rule.
const (
	RuleForcedBlock = iota
	RuleAllowlist
	RuleBlocklist
	RuleMaintenance
	RulePriority
	RuleL7
	RuleCritical
	RuleAttacking
	RuleQuota
	RuleAbusive
	RuleSuspicious
	RuleBenign
)

// PolicySource yields the active policy.
type PolicySource interface {
	Current() *config.Policy
}

// Input is everything the rules look at.
type Input struct {
	Request    *models.RequestContext
	Score      models.ThreatScore
	Mode       models.Mode
	Reputation reputation.Aggregate
	// L7Hint is the strongest hint raised by the layer-7 detector.
	L7Hint   models.VerdictKind
	L7Reason string
	// Quota is the tightest limiter result. A nil or allowed result means
	// no quota was exceeded.
	Quota *ratelimit.Result
}

// Decision is a verdict plus the context that produced it.
type Decision struct {
	Verdict models.Verdict
	Class   models.Classification
	// Floored is set when a classification rule fired only because the
	// mode floor lifted the request above its own band.
	Floored   bool
	Rule      int
	Challenge *Challenge
}

type Engine struct {
	policy     PolicySource
	challenger Challenger
	log        *zap.Logger
}

// New builds an engine. A nil challenger downgrades rule 9 to throttle.
func New(policy PolicySource, ch Challenger, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{policy: policy, challenger: ch, log: log.With(zap.String("component", "policy"))}
}

// Challenger returns the configured challenger, if any.
func (e *Engine) Challenger() Challenger { return e.challenger }

// Floor is the lowest classification the mode allows for non-priority
// traffic.
func Floor(mode models.Mode) models.Classification {
	if mode.Name != models.ModeEmergency {
		return models.Benign
	}
	switch mode.Level {
	case models.LevelYellow:
		return models.Suspicious
	case models.LevelOrange:
		return models.Abusive
	case models.LevelRed:
		return models.Attacking
	case models.LevelBlack:
		return models.Critical
	}
	return models.Benign
}

// Effective applies the route sensitivity shift to the score band and then
// the mode floor. Sensitive routes escalate hostile bands only; benign
// traffic stays benign.
func Effective(class models.Classification, s models.Sensitivity, mode models.Mode, priority bool) models.Classification {
	switch s {
	case models.SensitivitySensitive:
		if class > models.Benign {
			class = class.Shift(1)
		}
	case models.SensitivityPublic:
		class = class.Shift(-1)
	}
	if priority {
		return class
	}
	return models.MaxClass(class, Floor(mode))
}

// Decide evaluates the rules against in. r is the live request, used only to
// verify a challenge solution; it may be nil.
func (e *Engine) Decide(ctx context.Context, in Input, r *http.Request) Decision {
	pol := e.policy.Current()
	rep := in.Reputation
	priority := rep.Has(models.TagPriority) && in.Mode.Elevated()
	var sens models.Sensitivity
	if in.Request != nil {
		sens = in.Request.Sensitivity
	}
	class := Effective(in.Score.Class, sens, in.Mode, priority)
	floored := class > Effective(in.Score.Class, sens, in.Mode, true)
	d := Decision{Class: class}

	decide := func(rule int, v models.Verdict) Decision {
		d.Rule, d.Verdict = rule, v
		return d
	}
	byClass := func(rule int, v models.Verdict) Decision {
		d.Floored = floored
		return decide(rule, v)
	}

	switch {
	case rep.Forced(models.TagBlocklist):
		return decide(RuleForcedBlock, models.Deny(models.ReasonBlocked, pol.Response.DenyRetryAfterMax))
	case rep.Has(models.TagAllowlist):
		return decide(RuleAllowlist, models.Allow())
	case rep.Has(models.TagBlocklist):
		return decide(RuleBlocklist, models.Deny(models.ReasonBlocked, pol.Response.DenyRetryAfterMax))
	case in.Mode.Name == models.ModeMaintenance:
		return decide(RuleMaintenance, models.Deny(models.ReasonMaintenance, 0))
	case priority:
		return decide(RulePriority, models.Allow())
	case in.L7Hint == models.VerdictTerminate:
		return decide(RuleL7, models.Terminate(in.L7Reason))
	case in.L7Hint == models.VerdictDeny:
		return decide(RuleL7, models.Deny(in.L7Reason, 0))
	case class == models.Critical:
		v := models.Terminate(models.ReasonCritical)
		if !floored {
			v.Penalty = pol.Response.CriticalPenalty
		}
		return byClass(RuleCritical, v)
	case class == models.Attacking:
		return byClass(RuleAttacking, models.Deny(models.ReasonAttacking, retryAfter(in.Score.Value, pol.Response.DenyRetryAfterMax)))
	case in.Quota != nil && in.Quota.Applicable && !in.Quota.Allowed:
		v := models.Throttle(in.Quota.RetryAfter, models.ReasonRateLimited)
		v.Penalty = pol.Response.ThrottlePenalty
		return decide(RuleQuota, v)
	case class == models.Abusive:
		d.Floored = floored
		return e.abusive(ctx, d, in, r)
	case class == models.Suspicious:
		return byClass(RuleSuspicious, models.Delay(delayFor(in.Score.Value, pol.Response.MaxDelay())))
	}
	return decide(RuleBenign, models.Allow())
}

func (e *Engine) abusive(ctx context.Context, d Decision, in Input, r *http.Request) Decision {
	d.Rule = RuleAbusive
	if e.challenger == nil || in.Request == nil {
		d.Verdict = models.Throttle(time.Second, models.ReasonChallenge)
		return d
	}
	if r != nil && e.challenger.Verify(ctx, in.Request, r) {
		d.Verdict = models.LogOnly(models.ReasonChallengeDone)
		return d
	}
	ch, err := e.challenger.Issue(ctx, in.Request)
	if err != nil {
		e.log.Warn("challenge unavailable, throttling", zap.Error(err))
		d.Verdict = models.Throttle(time.Second, models.ReasonChallenge)
		return d
	}
	d.Verdict = models.Challenge()
	d.Challenge = &ch
	return d
}

// retryAfter scales the deny duration by score, rounded up to whole seconds.
func retryAfter(score float64, max time.Duration) time.Duration {
	d := time.Duration(score * float64(max))
	secs := math.Ceil(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	if d = time.Duration(secs) * time.Second; d > max {
		return max
	}
	return d
}

// delayFor is proportional to score. Scores under the suspicious band (a
// request lifted by a mode floor) are delayed as if they sat at its bottom.
func delayFor(score float64, max time.Duration) time.Duration {
	score = math.Max(score, scorer.SuspiciousAt)
	d := time.Duration(score * float64(max)).Round(time.Millisecond)
	if d > max {
		return max
	}
	return d
}
