package models

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Classification is the coarse band of a threat score.
type Classification int

const (
	Benign Classification = iota
	Suspicious
	Abusive
	Attacking
	Critical
)

var classificationNames = [...]string{"benign", "suspicious", "abusive", "attacking", "critical"}

func (c Classification) String() string {
	if c < Benign || c > Critical {
		return fmt.Sprintf("classification(%d)", int(c))
	}
	return classificationNames[c]
}

func (c Classification) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Classification) UnmarshalText(b []byte) error {
	v, err := ParseClassification(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ParseClassification maps a band name back to its value.
func ParseClassification(s string) (Classification, error) {
	for i, n := range classificationNames {
		if strings.EqualFold(s, n) {
			return Classification(i), nil
		}
	}
	return Benign, fmt.Errorf("unknown classification %q", s)
}

// Shift moves c by n bands, clamped to [Benign, Critical].
func (c Classification) Shift(n int) Classification {
	v := int(c) + n
	if v < int(Benign) {
		return Benign
	}
	if v > int(Critical) {
		return Critical
	}
	return Classification(v)
}

// MaxClass returns the stronger of two classifications.
func MaxClass(a, b Classification) Classification {
	if a > b {
		return a
	}
	return b
}

// Sensitivity of a route. Sensitive routes escalate one band, public ones
// de-escalate one band.
type Sensitivity string

const (
	SensitivityNormal    Sensitivity = "normal"
	SensitivitySensitive Sensitivity = "sensitive"
	SensitivityPublic    Sensitivity = "public"
)

// Tag is a reputation label.
type Tag string

const (
	TagNew       Tag = "new"
	TagProbation Tag = "probation"
	TagTrusted   Tag = "trusted"
	TagPriority  Tag = "priority"
	TagAllowlist Tag = "allowlist"
	TagBlocklist Tag = "blocklist"
)

// Persistent reports whether the tag is part of the allow/block snapshot.
func (t Tag) Persistent() bool {
	return t == TagAllowlist || t == TagBlocklist || t == TagPriority
}

// Family is a rate limiter family.
type Family string

const (
	FamilyIP       Family = "ip"
	FamilyIdentity Family = "identity"
	FamilyRoute    Family = "route"
	FamilyAction   Family = "action"

	// FamilyReputation is not a limiter. It names the reputation lookup in
	// policy.fail_mode.
	FamilyReputation Family = "reputation"
)

// Families lists the limiter families in query order.
var Families = []Family{FamilyIP, FamilyIdentity, FamilyRoute, FamilyAction}

// Key helpers for the shared stores.

func IPKey(ip netip.Addr) string      { return "ip:" + ip.String() }
func IdentityKey(id string) string    { return "id:" + id }
func NetworkKey(ip netip.Addr) string { return "net:" + NetworkOf(ip).String() }

// NetworkOf returns the /24 (IPv4) or /48 (IPv6) block containing ip.
func NetworkOf(ip netip.Addr) netip.Prefix {
	ip = ip.Unmap()
	bits := 48
	if ip.Is4() {
		bits = 24
	}
	p, err := ip.Prefix(bits)
	if err != nil {
		return netip.PrefixFrom(ip, ip.BitLen())
	}
	return p
}

// RequestContext is the immutable per-request snapshot built by the enforcer.
type RequestContext struct {
	IP            netip.Addr  `json:"ip"`
	Identity      string      `json:"identity,omitempty"`
	Route         string      `json:"route"`
	Method        string      `json:"method"`
	Path          string      `json:"path"`
	UserAgent     string      `json:"user_agent,omitempty"`
	ForwardedFor  []string    `json:"forwarded_for,omitempty"`
	ContentLength int64       `json:"content_length"`
	HeaderBytes   int         `json:"header_bytes"`
	At            time.Time   `json:"at"`
	CorrelationID string      `json:"correlation_id"`
	ConnID        uint64      `json:"conn_id"`
	Sensitivity   Sensitivity `json:"sensitivity"`
	Action        ActionKind  `json:"action,omitempty"`
	WebSocket     bool        `json:"websocket,omitempty"`
}

// Keys returns the reputation keys that apply to the request.
func (rc *RequestContext) Keys() []string {
	keys := []string{IPKey(rc.IP), NetworkKey(rc.IP)}
	if rc.Identity != "" {
		keys = append(keys, IdentityKey(rc.Identity))
	}
	return keys
}

type requestKey struct{}

// WithRequest stores rc in ctx.
func WithRequest(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestKey{}, rc)
}

// RequestFrom returns the RequestContext stored in ctx, if any.
func RequestFrom(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestKey{}).(*RequestContext)
	return rc, ok
}

// Signal is one contribution to the threat score.
type Signal struct {
	Source string      `json:"source"`
	Name   string      `json:"name"`
	Score  float64     `json:"score"`
	Hint   VerdictKind `json:"hint,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// ThreatScore is the fused score of a request.
type ThreatScore struct {
	Value    float64        `json:"value"`
	Class    Classification `json:"classification"`
	Category string         `json:"category,omitempty"`
	Signals  []Signal       `json:"signals,omitempty"`
}
