// Package config holds the protection policy. A Policy is immutable once
// published: writers build a new one and swap the pointer held by Store.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mlgclan/edgeguard/internal/models"
)

// FailMode selects what a limiter family does when its check errors.
type FailMode string

const (
	FailOpen   FailMode = "open"
	FailClosed FailMode = "closed"
)

// Policy is the whole hot-reloadable configuration.
type Policy struct {
	Server         Server           `yaml:"server"`
	Limits         Limits           `yaml:"limits"`
	Routes         map[string]Route `yaml:"routes"`
	Reputation     Reputation       `yaml:"reputation"`
	L7             L7               `yaml:"l7"`
	Scorer         Scorer           `yaml:"scorer"`
	Response       Response         `yaml:"policy"`
	Modes          Modes            `yaml:"modes"`
	Abuse          Abuse            `yaml:"abuse"`
	Enforcer       Enforcer         `yaml:"enforcer"`
	TrustedProxies []string         `yaml:"trusted_proxies"`
	Admin          Admin            `yaml:"admin"`
	Log            Log              `yaml:"log"`
	Export         Export           `yaml:"export"`
	Stripes        int              `yaml:"stripes"`
	History        History          `yaml:"history"`
	Challenge      Challenge        `yaml:"challenge"`

	trusted []netip.Prefix
	hosting []netip.Prefix
	routes  []compiledRoute
	digest  [32]byte
}

type Server struct {
	Listen            string        `yaml:"listen"`
	Upstream          string        `yaml:"upstream"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
}

type Limits struct {
	IP       BucketLimit                       `yaml:"ip"`
	Identity IdentityLimit                     `yaml:"identity"`
	Route    map[string]WindowLimit            `yaml:"route"`
	Action   map[models.ActionKind]WindowLimit `yaml:"action"`
}

type BucketLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type IdentityLimit struct {
	RPM   float64 `yaml:"rpm"`
	Burst int     `yaml:"burst"`
}

type WindowLimit struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

type Route struct {
	Action      models.ActionKind  `yaml:"action"`
	Sensitivity models.Sensitivity `yaml:"sensitivity"`
	Methods     []string           `yaml:"methods"`
	WebSocket   bool               `yaml:"websocket"`
}

type Reputation struct {
	HalfLife           time.Duration `yaml:"half_life"`
	TTL                time.Duration `yaml:"ttl"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	BlocklistThreshold float64       `yaml:"blocklist_threshold"`
	AutoBlockTTL       time.Duration `yaml:"auto_block_ttl"`
	Snapshot           Snapshot      `yaml:"snapshot"`
}

type Snapshot struct {
	Backend  string        `yaml:"backend"`
	Path     string        `yaml:"path"`
	RedisURL string        `yaml:"redis_url"`
	Key      string        `yaml:"key"`
	Interval time.Duration `yaml:"interval"`
}

type L7 struct {
	SlowHeaderMS         int           `yaml:"slow_header_ms"`
	SlowBodyBPS          int           `yaml:"slow_body_bps"`
	SlowBodyMinRemaining int64         `yaml:"slow_body_min_remaining"`
	SlowBodyGraceMS      int           `yaml:"slow_body_grace_ms"`
	IdleTimeoutMS        int           `yaml:"idle_timeout_ms"`
	MaxInflightPerConn   int           `yaml:"max_inflight_per_conn"`
	MaxHeaderBytes       int           `yaml:"max_header_bytes"`
	MaxPathLen           int           `yaml:"max_path_len"`
	WatchInterval        time.Duration `yaml:"watch_interval"`
	WS                   WebSocket     `yaml:"ws"`
	// HostingNetworks are cloud and VPS ranges; sensitive actions from
	// them raise a hosting_network signal of HostingScore.
	HostingNetworks      []string      `yaml:"hosting_networks"`
	HostingScore         float64       `yaml:"hosting_score"`
}

func (l L7) SlowHeader() time.Duration { return time.Duration(l.SlowHeaderMS) * time.Millisecond }
func (l L7) SlowBodyGrace() time.Duration {
	return time.Duration(l.SlowBodyGraceMS) * time.Millisecond
}
func (l L7) IdleTimeout() time.Duration { return time.Duration(l.IdleTimeoutMS) * time.Millisecond }

type WebSocket struct {
	MaxMsgsPerSec float64 `yaml:"max_msgs_per_sec"`
	MaxPayload    int     `yaml:"max_payload"`
	TextOnly      bool    `yaml:"text_only"`
}

type Scorer struct {
	Weights         Weights       `yaml:"weights"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerWindow   time.Duration `yaml:"breaker_window"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

type Weights struct {
	Rate  float64 `yaml:"rate"`
	Rep   float64 `yaml:"rep"`
	L7    float64 `yaml:"l7"`
	Abuse float64 `yaml:"abuse"`
}

func (w Weights) Sum() float64 { return w.Rate + w.Rep + w.L7 + w.Abuse }

type Response struct {
	FailMode          map[models.Family]FailMode `yaml:"fail_mode"`
	MaxDelayMS        int                        `yaml:"max_delay_ms"`
	DenyRetryAfterMax time.Duration              `yaml:"deny_retry_after_max"`
	CriticalPenalty   float64                    `yaml:"critical_penalty"`
	ThrottlePenalty   float64                    `yaml:"throttle_penalty"`
}

func (r Response) MaxDelay() time.Duration { return time.Duration(r.MaxDelayMS) * time.Millisecond }

// FailModeFor returns the configured fail mode, defaulting to closed.
func (r Response) FailModeFor(f models.Family) FailMode {
	if m, ok := r.FailMode[f]; ok {
		return m
	}
	return FailClosed
}

type Modes struct {
	Tournament Tightening    `yaml:"tournament"`
	Emergency  EmergencyMode `yaml:"emergency"`
	Auto       AutoEscalator `yaml:"auto"`
}

type Tightening struct {
	Tightening float64 `yaml:"tightening"`
}

type EmergencyMode struct {
	Tightening         float64 `yaml:"tightening"`
	PriorityMultiplier float64 `yaml:"priority_multiplier"`
}

type AutoEscalator struct {
	Enabled    bool                  `yaml:"enabled"`
	Window     time.Duration         `yaml:"window"`
	MinSamples int                   `yaml:"min_samples"`
	RaiseRatio float64               `yaml:"raise_ratio"`
	Cooldown   time.Duration         `yaml:"cooldown"`
	MaxLevel   models.EmergencyLevel `yaml:"max_level"`
}

// Factor returns the threshold multiplier for the mode. Values below one
// tighten; priority callers in elevated modes get the priority multiplier.
func (m Modes) Factor(mode models.Mode, priority bool) float64 {
	if priority && mode.Elevated() {
		return m.Emergency.PriorityMultiplier
	}
	switch mode.Name {
	case models.ModeTournament:
		return m.Tournament.Tightening
	case models.ModeEmergency:
		return m.Emergency.Tightening
	}
	return 1
}

type Abuse struct {
	SignalTTL  time.Duration `yaml:"signal_ttl"`
	IdleExpiry time.Duration `yaml:"idle_expiry"`
	Vote       VoteAbuse     `yaml:"vote"`
	Clan       ClanAbuse     `yaml:"clan"`
	Wallet     WalletAbuse   `yaml:"wallet"`
	Login      LoginAbuse    `yaml:"login"`
	Content    ContentAbuse  `yaml:"content"`
}

type VoteAbuse struct {
	Window           time.Duration `yaml:"window"`
	SprayCount       int           `yaml:"spray_count"`
	SprayEntropy     float64       `yaml:"spray_entropy"`
	CadenceMinEvents int           `yaml:"cadence_min_events"`
	CadenceMaxJitter time.Duration `yaml:"cadence_max_jitter"`
	CohortSize       int           `yaml:"cohort_size"`
	CohortWindow     time.Duration `yaml:"cohort_window"`
	FreshAge         time.Duration `yaml:"fresh_age"`
	CohortPenalty    float64       `yaml:"cohort_penalty"`
}

type ClanAbuse struct {
	Window         time.Duration `yaml:"window"`
	InviteDistinct int           `yaml:"invite_distinct"`
	RoleCycles     int           `yaml:"role_cycles"`
	Churn          int           `yaml:"churn"`
}

type WalletAbuse struct {
	Window   time.Duration `yaml:"window"`
	MaxSigns int           `yaml:"max_signs"`
	MinValue float64       `yaml:"min_value"`
}

type LoginAbuse struct {
	Window         time.Duration `yaml:"window"`
	MaxFailures    int           `yaml:"max_failures"`
	FailurePenalty float64       `yaml:"failure_penalty"`
}

type ContentAbuse struct {
	Window     time.Duration `yaml:"window"`
	MaxSubmits int           `yaml:"max_submits"`
}

type Enforcer struct {
	CheckSoftBudget time.Duration `yaml:"check_soft_budget"`
	CheckHardBudget time.Duration `yaml:"check_hard_budget"`
	HighWater       int64         `yaml:"high_water"`
	LowWater        int64         `yaml:"low_water"`
	IdentityHeader  string        `yaml:"identity_header"`
	LockBudget      time.Duration `yaml:"lock_budget"`
}

type Admin struct {
	Listen       string            `yaml:"listen"`
	AuditLog     AuditLog          `yaml:"audit_log"`
	JWTSecret    string            `yaml:"jwt_secret"`
	Tokens       map[string]string `yaml:"tokens"`
	CORSOrigins  []string          `yaml:"cors_origins"`
	PushInterval time.Duration     `yaml:"push_interval"`
}

type AuditLog struct {
	Path      string `yaml:"path"`
	MaxSizeMB int    `yaml:"max_size_mb"`
}

type Log struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Console    bool   `yaml:"console"`
}

type Export struct {
	RabbitMQ RabbitMQ `yaml:"rabbitmq"`
}

type RabbitMQ struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type History struct {
	Capacity int `yaml:"capacity"`
	Shards   int `yaml:"shards"`
}

type Challenge struct {
	Secret     string        `yaml:"secret"`
	Difficulty int           `yaml:"difficulty"`
	TTL        time.Duration `yaml:"ttl"`
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(data []byte) (*Policy, error) {
	p := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil && !errors.Is(err, io.EOF) {
		return nil, invalid("decode", err.Error())
	}
	if err := p.finalize(); err != nil {
		return nil, err
	}
	p.digest = digestOf(data)
	return p, nil
}

// LoadFile reads and parses a policy file.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Trusted reports whether addr is a configured trusted proxy.
func (p *Policy) Trusted(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, pfx := range p.trusted {
		if pfx.Contains(addr) {
			return true
		}
	}
	return false
}

// Hosting reports whether addr is inside one of l7.hosting_networks.
func (p *Policy) Hosting(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, pfx := range p.hosting {
		if pfx.Contains(addr) {
			return true
		}
	}
	return false
}

// ActionLimit returns the sliding-window quota for an action kind.
func (p *Policy) ActionLimit(kind models.ActionKind) (WindowLimit, bool) {
	l, ok := p.Limits.Action[kind]
	return l, ok
}

// Clone returns a deep enough copy for building a modified policy.
func (p *Policy) Clone() *Policy {
	c := *p
	c.Routes = make(map[string]Route, len(p.Routes))
	for k, v := range p.Routes {
		c.Routes[k] = v
	}
	c.Limits.Route = make(map[string]WindowLimit, len(p.Limits.Route))
	for k, v := range p.Limits.Route {
		c.Limits.Route[k] = v
	}
	c.Limits.Action = make(map[models.ActionKind]WindowLimit, len(p.Limits.Action))
	for k, v := range p.Limits.Action {
		c.Limits.Action[k] = v
	}
	c.Response.FailMode = make(map[models.Family]FailMode, len(p.Response.FailMode))
	for k, v := range p.Response.FailMode {
		c.Response.FailMode[k] = v
	}
	c.TrustedProxies = append([]string(nil), p.TrustedProxies...)
	c.digest = [32]byte{}
	return &c
}
