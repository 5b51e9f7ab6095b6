package models

import (
	"fmt"
	"net/netip"
	"time"
)

// ActionKind names an application action reported by route handlers.
type ActionKind string

const (
	ActionVote           ActionKind = "vote"
	ActionVoteBurn       ActionKind = "vote_burn"
	ActionClanInvite     ActionKind = "clan_invite"
	ActionClanRoleChange ActionKind = "clan_role_change"
	ActionClanJoin       ActionKind = "clan_join"
	ActionClanLeave      ActionKind = "clan_leave"
	ActionWalletSign     ActionKind = "wallet_sign"
	ActionLoginAttempt   ActionKind = "login_attempt"
	ActionContentSubmit  ActionKind = "content_submit"
)

var knownActions = map[ActionKind]bool{
	ActionVote:           true,
	ActionVoteBurn:       true,
	ActionClanInvite:     true,
	ActionClanRoleChange: true,
	ActionClanJoin:       true,
	ActionClanLeave:      true,
	ActionWalletSign:     true,
	ActionLoginAttempt:   true,
	ActionContentSubmit:  true,
}

// Known reports whether k is a recognized action kind.
func (k ActionKind) Known() bool { return knownActions[k] }

// RequiresTarget reports whether events of this kind must carry a target and weight.
func (k ActionKind) RequiresTarget() bool {
	switch k {
	case ActionVote, ActionVoteBurn, ActionClanInvite, ActionClanRoleChange:
		return true
	}
	return false
}

// ActionEvent is emitted by route handlers for abuse detection.
type ActionEvent struct {
	Kind       ActionKind    `json:"kind"`
	Actor      string        `json:"actor,omitempty"`
	IP         netip.Addr    `json:"ip"`
	Target     string        `json:"target,omitempty"`
	Weight     float64       `json:"weight,omitempty"`
	Failed     bool          `json:"failed,omitempty"`
	AccountAge time.Duration `json:"account_age,omitempty"`
	At         time.Time     `json:"at"`
}

// Validate checks the mandatory fields of the event.
func (e *ActionEvent) Validate() error {
	if !e.Kind.Known() {
		return fmt.Errorf("unknown action kind %q", e.Kind)
	}
	if e.Actor == "" && !e.IP.IsValid() {
		return fmt.Errorf("%s event has neither actor nor ip", e.Kind)
	}
	if e.Kind.RequiresTarget() {
		if e.Target == "" {
			return fmt.Errorf("%s event requires a target", e.Kind)
		}
		if e.Weight <= 0 {
			return fmt.Errorf("%s event requires a positive weight", e.Kind)
		}
	}
	return nil
}

// ActorKey is the reputation key of the event's actor, falling back to the IP.
func (e *ActionEvent) ActorKey() string {
	if e.Actor != "" {
		return IdentityKey(e.Actor)
	}
	return IPKey(e.IP)
}
