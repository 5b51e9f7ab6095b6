package config

import (
	"crypto/sha256"
	"fmt"
	"math"
	"net/netip"
	"os"
	"strings"

	"github.com/mlgclan/edgeguard/internal/guarderr"
	"github.com/mlgclan/edgeguard/internal/models"
)

// EnvJWTSecret overrides admin.jwt_secret.
const EnvJWTSecret = "EDGEGUARD_ADMIN_JWT_SECRET"

// EnvChallengeSecret overrides challenge.secret.
const EnvChallengeSecret = "EDGEGUARD_CHALLENGE_SECRET"

func invalid(op, reason string) error {
	return guarderr.New(guarderr.KindConfigInvalid, "config."+op, reason)
}

func invalidf(op, format string, args ...any) error {
	return invalid(op, fmt.Sprintf(format, args...))
}

func digestOf(data []byte) [32]byte { return sha256.Sum256(data) }

// finalize applies environment overrides, validates every section and
// compiles the derived lookup tables.
func (p *Policy) finalize() error {
	if s := os.Getenv(EnvJWTSecret); s != "" {
		p.Admin.JWTSecret = s
	}
	if s := os.Getenv(EnvChallengeSecret); s != "" {
		p.Challenge.Secret = s
	}

	checks := []func() error{
		p.validateLimits,
		p.validateRoutes,
		p.validateReputation,
		p.validateL7,
		p.validateScorer,
		p.validateResponse,
		p.validateModes,
		p.validateEnforcer,
		p.validateMisc,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}

	trusted, err := parseTrusted(p.TrustedProxies)
	if err != nil {
		return err
	}
	p.trusted = trusted

	hosting, err := parsePrefixes("l7.hosting_networks", p.L7.HostingNetworks)
	if err != nil {
		return err
	}
	p.hosting = hosting

	// Every route limit needs a matchable pattern.
	for pattern := range p.Limits.Route {
		if _, ok := p.Routes[pattern]; !ok {
			if p.Routes == nil {
				p.Routes = make(map[string]Route)
			}
			p.Routes[pattern] = Route{}
		}
	}
	routes, err := compileRoutes(p.Routes)
	if err != nil {
		return err
	}
	p.routes = routes
	return nil
}

func (p *Policy) validateLimits() error {
	if p.Limits.IP.RPS <= 0 || p.Limits.IP.Burst < 1 {
		return invalid("limits.ip", "rps must be > 0 and burst >= 1")
	}
	if p.Limits.Identity.RPM <= 0 || p.Limits.Identity.Burst < 1 {
		return invalid("limits.identity", "rpm must be > 0 and burst >= 1")
	}
	for pattern, l := range p.Limits.Route {
		if err := l.validate("limits.route." + pattern); err != nil {
			return err
		}
	}
	for kind, l := range p.Limits.Action {
		if !kind.Known() {
			return invalidf("limits.action", "unknown action kind %q", kind)
		}
		if err := l.validate("limits.action." + string(kind)); err != nil {
			return err
		}
	}
	return nil
}

func (l WindowLimit) validate(op string) error {
	if l.Limit < 1 {
		return invalid(op, "limit must be >= 1")
	}
	if l.Window <= 0 {
		return invalid(op, "window must be positive")
	}
	return nil
}

func (p *Policy) validateRoutes() error {
	for pattern, r := range p.Routes {
		op := "routes." + pattern
		if !strings.HasPrefix(pattern, "/") {
			return invalid(op, "pattern must start with /")
		}
		if r.Action != "" && !r.Action.Known() {
			return invalidf(op, "unknown action kind %q", r.Action)
		}
		switch r.Sensitivity {
		case "":
			r.Sensitivity = models.SensitivityNormal
		case models.SensitivityNormal, models.SensitivitySensitive, models.SensitivityPublic:
		default:
			return invalidf(op, "unknown sensitivity %q", r.Sensitivity)
		}
		methods := make([]string, 0, len(r.Methods))
		for _, m := range r.Methods {
			methods = append(methods, strings.ToUpper(strings.TrimSpace(m)))
		}
		r.Methods = methods
		p.Routes[pattern] = r
	}
	return nil
}

func (p *Policy) validateReputation() error {
	r := p.Reputation
	if r.HalfLife <= 0 || r.TTL <= 0 || r.SweepInterval <= 0 {
		return invalid("reputation", "half_life, ttl and sweep_interval must be positive")
	}
	if r.BlocklistThreshold >= 0 || r.BlocklistThreshold < -100 {
		return invalid("reputation.blocklist_threshold", "must lie in [-100, 0)")
	}
	switch r.Snapshot.Backend {
	case "", "none", "bolt":
		if r.Snapshot.Backend == "bolt" && r.Snapshot.Path == "" {
			return invalid("reputation.snapshot.path", "bolt backend needs a path")
		}
	case "redis":
		if r.Snapshot.RedisURL == "" {
			return invalid("reputation.snapshot.redis_url", "redis backend needs a url")
		}
	default:
		return invalidf("reputation.snapshot.backend", "unknown backend %q", r.Snapshot.Backend)
	}
	return nil
}

func (p *Policy) validateL7() error {
	l := p.L7
	if l.SlowHeaderMS <= 0 || l.IdleTimeoutMS <= 0 || l.SlowBodyBPS < 0 {
		return invalid("l7", "slow_header_ms and idle_timeout_ms must be positive")
	}
	if l.MaxInflightPerConn < 1 || l.MaxHeaderBytes < 1 || l.MaxPathLen < 1 {
		return invalid("l7", "max_inflight_per_conn, max_header_bytes and max_path_len must be >= 1")
	}
	if l.WatchInterval <= 0 {
		return invalid("l7.watch_interval", "must be positive")
	}
	if l.HostingScore < 0 || l.HostingScore > 1 {
		return invalid("l7.hosting_score", "must be within [0,1]")
	}
	if l.WS.MaxMsgsPerSec <= 0 || l.WS.MaxPayload < 1 {
		return invalid("l7.ws", "max_msgs_per_sec and max_payload must be positive")
	}
	return nil
}

func (p *Policy) validateScorer() error {
	w := p.Scorer.Weights
	for name, v := range map[string]float64{"rate": w.Rate, "rep": w.Rep, "l7": w.L7, "abuse": w.Abuse} {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return invalidf("scorer.weights."+name, "weight %v outside [0,1]", v)
		}
	}
	if w.Sum() > 1+1e-9 {
		return invalidf("scorer.weights", "weights sum to %.3f, must be <= 1", w.Sum())
	}
	if p.Scorer.BreakerFailures == 0 {
		return invalid("scorer.breaker_failures", "must be >= 1")
	}
	return nil
}

func (p *Policy) validateResponse() error {
	for fam, mode := range p.Response.FailMode {
		switch fam {
		case models.FamilyIP, models.FamilyIdentity, models.FamilyRoute, models.FamilyAction, models.FamilyReputation:
		default:
			return invalidf("policy.fail_mode", "unknown family %q", fam)
		}
		if mode != FailOpen && mode != FailClosed {
			return invalidf("policy.fail_mode."+string(fam), "mode %q is neither open nor closed", mode)
		}
	}
	if p.Response.MaxDelayMS < 0 || p.Response.DenyRetryAfterMax <= 0 {
		return invalid("policy", "max_delay_ms must be >= 0 and deny_retry_after_max positive")
	}
	if p.Response.CriticalPenalty < 0 || p.Response.ThrottlePenalty < 0 {
		return invalid("policy", "penalties are magnitudes and must be >= 0")
	}
	return nil
}

func (p *Policy) validateModes() error {
	m := p.Modes
	if m.Tournament.Tightening <= 0 || m.Tournament.Tightening > 1 {
		return invalid("modes.tournament.tightening", "must lie in (0,1]")
	}
	if m.Emergency.Tightening <= 0 || m.Emergency.Tightening > 1 {
		return invalid("modes.emergency.tightening", "must lie in (0,1]")
	}
	if m.Emergency.PriorityMultiplier < 1 {
		return invalid("modes.emergency.priority_multiplier", "must be >= 1")
	}
	if m.Auto.Enabled {
		if m.Auto.Window <= 0 || m.Auto.Cooldown <= 0 || m.Auto.MinSamples < 1 {
			return invalid("modes.auto", "window, cooldown and min_samples must be positive")
		}
		if m.Auto.RaiseRatio <= 0 || m.Auto.RaiseRatio > 1 {
			return invalid("modes.auto.raise_ratio", "must lie in (0,1]")
		}
		if m.Auto.MaxLevel.Rank() == 0 {
			return invalidf("modes.auto.max_level", "unknown level %q", m.Auto.MaxLevel)
		}
	}
	return nil
}

func (p *Policy) validateEnforcer() error {
	e := p.Enforcer
	if e.CheckSoftBudget <= 0 || e.CheckHardBudget < e.CheckSoftBudget {
		return invalid("enforcer", "check budgets must satisfy 0 < soft <= hard")
	}
	if e.LowWater < 0 || e.HighWater <= e.LowWater {
		return invalid("enforcer", "high_water must exceed low_water")
	}
	if e.IdentityHeader == "" {
		return invalid("enforcer.identity_header", "must not be empty")
	}
	return nil
}

func (p *Policy) validateMisc() error {
	if p.Stripes < 1 {
		return invalid("stripes", "must be >= 1")
	}
	if p.History.Capacity < 1 || p.History.Shards < 1 {
		return invalid("history", "capacity and shards must be >= 1")
	}
	if p.Challenge.Difficulty < 1 || p.Challenge.Difficulty > 8 {
		return invalid("challenge.difficulty", "must lie in [1,8]")
	}
	if p.Challenge.TTL <= 0 {
		return invalid("challenge.ttl", "must be positive")
	}
	if p.Abuse.SignalTTL <= 0 || p.Abuse.IdleExpiry <= 0 {
		return invalid("abuse", "signal_ttl and idle_expiry must be positive")
	}
	if _, err := ParseLevel(p.Log.Level); err != nil {
		return invalid("log.level", err.Error())
	}
	return nil
}

// ParseLevel accepts the zap level names.
func ParseLevel(s string) (string, error) {
	switch strings.ToLower(s) {
	case "debug", "info", "warn", "error":
		return strings.ToLower(s), nil
	}
	return "", fmt.Errorf("unknown level %q", s)
}

// parseTrusted accepts CIDR prefixes or bare addresses.
func parseTrusted(entries []string) ([]netip.Prefix, error) {
	return parsePrefixes("trusted_proxies", entries)
}

func parsePrefixes(op string, entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if strings.Contains(e, "/") {
			pfx, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, invalidf(op, "bad prefix %q", e)
			}
			out = append(out, pfx.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, invalidf(op, "bad address %q", e)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
