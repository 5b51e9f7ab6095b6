package events

import (
	"time"

	"github.com/mlgclan/edgeguard/internal/models"
)

// Topic names a stream of events on the bus.
type Topic string

const (
	TopicVerdict     Topic = "verdict"
	TopicDetection   Topic = "detection"
	TopicTagChange   Topic = "tag_change"
	TopicModeChange  Topic = "mode_change"
	TopicTermination Topic = "termination"
	TopicHealth      Topic = "health"
	TopicAdmin       Topic = "admin"
)

// Event is the envelope delivered to subscribers. Payload is one of the
// typed structs below, matching Topic.
type Event struct {
	Topic   Topic     `json:"topic"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

type VerdictEvent struct {
	Request models.RequestContext `json:"request"`
	Verdict models.Verdict        `json:"verdict"`
	Score   models.ThreatScore    `json:"score"`
	// Class is the classification the decision used, after route
	// sensitivity and the mode floor. Score.Class is the scorer's own.
	Class models.Classification `json:"class"`
	Mode  models.Mode           `json:"mode"`
}

type DetectionEvent struct {
	Detector string            `json:"detector"`
	Severity float64           `json:"severity"`
	Kind     models.ActionKind `json:"kind"`
	Keys     []string          `json:"keys"`
	Reason   string            `json:"reason"`
	IP       string            `json:"ip,omitempty"`
	Actor    string            `json:"actor,omitempty"`
}

type TagEvent struct {
	Key      string        `json:"key"`
	Tag      models.Tag    `json:"tag"`
	Added    bool          `json:"added"`
	TTL      time.Duration `json:"ttl,omitempty"`
	Forced   bool          `json:"forced,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Operator string        `json:"operator,omitempty"`
	Auto     bool          `json:"auto,omitempty"`
}

type ModeEvent struct {
	Old      models.Mode `json:"old"`
	New      models.Mode `json:"new"`
	Reason   string      `json:"reason"`
	Operator string      `json:"operator"`
	Auto     bool        `json:"auto,omitempty"`
}

type TerminationEvent struct {
	ConnID uint64 `json:"conn_id"`
	IP     string `json:"ip"`
	Reason string `json:"reason"`
}

type HealthEvent struct {
	Component string `json:"component"`
	Degraded  bool   `json:"degraded"`
	Reason    string `json:"reason"`
}

type AdminEvent struct {
	AuditID  string `json:"audit_id"`
	Operator string `json:"operator"`
	Action   string `json:"action"`
	Target   string `json:"target,omitempty"`
	Changed  bool   `json:"changed"`
}
