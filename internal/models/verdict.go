package models

import (
	"fmt"
	"time"
)

// VerdictKind is the decision applied to a request.
type VerdictKind string

const (
	VerdictAllow     VerdictKind = "allow"
	VerdictLogOnly   VerdictKind = "log_only"
	VerdictDelay     VerdictKind = "delay"
	VerdictThrottle  VerdictKind = "throttle"
	VerdictChallenge VerdictKind = "challenge"
	VerdictDeny      VerdictKind = "deny"
	VerdictTerminate VerdictKind = "terminate"
)

// Reason codes surfaced to clients and recorded in history.
const (
	ReasonBlocked       = "blocked"
	ReasonMaintenance   = "maintenance"
	ReasonRateLimited   = "rate_limited"
	ReasonAttacking     = "attacking"
	ReasonCritical      = "critical"
	ReasonChallenge     = "challenge_required"
	ReasonFailClosed    = "fail_closed"
	ReasonOverloaded    = "overloaded"
	ReasonSlowHeader    = "slow_header"
	ReasonSlowBody      = "slow_body"
	ReasonFailOpen      = "fail_open"
	ReasonChallengeDone = "challenge_solved"
)

// Verdict is the outcome of the response policy.
type Verdict struct {
	Kind       VerdictKind   `json:"kind"`
	Delay      time.Duration `json:"delay,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Penalty    float64       `json:"penalty,omitempty"`
}

func Allow() Verdict                { return Verdict{Kind: VerdictAllow} }
func LogOnly(reason string) Verdict { return Verdict{Kind: VerdictLogOnly, Reason: reason} }

func Delay(d time.Duration) Verdict {
	return Verdict{Kind: VerdictDelay, Delay: d}
}

func Throttle(retryAfter time.Duration, reason string) Verdict {
	return Verdict{Kind: VerdictThrottle, RetryAfter: retryAfter, Reason: reason}
}

func Challenge() Verdict { return Verdict{Kind: VerdictChallenge, Reason: ReasonChallenge} }

func Deny(reason string, retryAfter time.Duration) Verdict {
	return Verdict{Kind: VerdictDeny, Reason: reason, RetryAfter: retryAfter}
}

func Terminate(reason string) Verdict { return Verdict{Kind: VerdictTerminate, Reason: reason} }

// Passes reports whether the request continues downstream.
func (v Verdict) Passes() bool {
	return v.Kind == VerdictAllow || v.Kind == VerdictLogOnly || v.Kind == VerdictDelay
}

func (v Verdict) String() string {
	switch v.Kind {
	case VerdictDelay:
		return fmt.Sprintf("delay(%s)", v.Delay)
	case VerdictThrottle:
		return fmt.Sprintf("throttle(%s)", v.RetryAfter)
	case VerdictDeny, VerdictTerminate:
		return fmt.Sprintf("%s(%s)", v.Kind, v.Reason)
	default:
		return string(v.Kind)
	}
}
