package admin

import (
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mlgclan/edgeguard/internal/audit"
	"github.com/mlgclan/edgeguard/internal/guarderr"
	"github.com/mlgclan/edgeguard/internal/models"
	"github.com/mlgclan/edgeguard/internal/recorder"
)

// Duration accepts Go duration strings ("15m") in JSON bodies.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	if v < 0 {
		return guarderr.New(guarderr.KindInvalidRequest, "admin.duration", "negative duration")
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	components := make(map[string]bool, len(s.health))
	for name, h := range s.health {
		components[name] = h.Degraded()
		if components[name] {
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"degraded": components,
		"mode":     s.mode.Current(),
	})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"at":         s.clock.Now().UTC(),
		"mode":       s.mode.Current(),
		"mode_since": s.mode.Since().UTC(),
		"mode_auto":  s.mode.Auto(),
	}
	if s.metrics != nil {
		out["metrics"] = s.metrics.Snapshot()
	}
	if s.rec != nil {
		out["history_len"] = s.rec.Len()
	}
	degraded := make(map[string]bool, len(s.health))
	for name, h := range s.health {
		degraded[name] = h.Degraded()
	}
	out["degraded"] = degraded
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var query recorder.Query
	if p := q.Get("period"); p != "" {
		d, err := time.ParseDuration(p)
		if err != nil || d <= 0 {
			s.fail(w, guarderr.Newf(guarderr.KindInvalidRequest, "admin.history", "bad period %q", p))
			return
		}
		query.Since = s.clock.Now().Add(-d)
	}
	for name, dst := range map[string]*int{"page": &query.Page, "limit": &query.Limit} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.fail(w, guarderr.Newf(guarderr.KindInvalidRequest, "admin.history", "bad %s %q", name, v))
			return
		}
		*dst = n
	}
	query.Kind = models.HistoryKind(q.Get("kind"))

	page, err := s.rec.Query(query)
	if err != nil {
		s.fail(w, guarderr.Wrap(guarderr.KindInvalidRequest, "admin.history", err))
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type ipRequest struct {
	IP     string   `json:"ip"`
	TTL    Duration `json:"ttl"`
	Reason string   `json:"reason"`
	Force  bool     `json:"force"`
}

type identityRequest struct {
	Identity string   `json:"identity"`
	TTL      Duration `json:"ttl"`
	Reason   string   `json:"reason"`
	Force    bool     `json:"force"`
}

// ipKey accepts an address or a /24 (/64 for IPv6) network.
func ipKey(v string) (string, error) {
	if strings.Contains(v, "/") {
		p, err := netip.ParsePrefix(v)
		if err != nil {
			return "", guarderr.Wrap(guarderr.KindInvalidRequest, "admin.ip", err)
		}
		if p.Masked() != models.NetworkOf(p.Addr()) {
			return "", guarderr.Newf(guarderr.KindInvalidRequest, "admin.ip", "only /24 and /64 networks are tracked, got %s", p)
		}
		return models.NetworkKey(p.Addr()), nil
	}
	a, err := netip.ParseAddr(v)
	if err != nil {
		return "", guarderr.Wrap(guarderr.KindInvalidRequest, "admin.ip", err)
	}
	return models.IPKey(a.Unmap()), nil
}

func (s *Server) handleIP(w http.ResponseWriter, r *http.Request) {
	var req ipRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	key, err := ipKey(req.IP)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.tagAction(w, r, "ip", chi.URLParam(r, "action"), key, req.Reason, time.Duration(req.TTL), req.Force)
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if strings.TrimSpace(req.Identity) == "" {
		s.fail(w, guarderr.New(guarderr.KindInvalidRequest, "admin.identity", "identity is required"))
		return
	}
	s.tagAction(w, r, "identity", chi.URLParam(r, "action"), models.IdentityKey(req.Identity), req.Reason, time.Duration(req.TTL), req.Force)
}

type tagOp struct {
	tag models.Tag
	add bool
}

var tagOps = map[string]map[string]tagOp{
	"ip": {
		"block":       {models.TagBlocklist, true},
		"unblock":     {models.TagBlocklist, false},
		"allowlist":   {models.TagAllowlist, true},
		"unallowlist": {models.TagAllowlist, false},
	},
	"identity": {
		"block":      {models.TagBlocklist, true},
		"unblock":    {models.TagBlocklist, false},
		"priority":   {models.TagPriority, true},
		"unpriority": {models.TagPriority, false},
		"allowlist":  {models.TagAllowlist, true},
	},
}

// tagAction applies one tag write. Repeating an identical write reports
// changed=false.
func (s *Server) tagAction(w http.ResponseWriter, r *http.Request, scope, action, key, reason string, ttl time.Duration, force bool) {
	op, ok := tagOps[scope][action]
	if !ok {
		s.fail(w, guarderr.Newf(guarderr.KindInvalidRequest, "admin."+scope, "unknown action %q", action))
		return
	}
	operator := OperatorFrom(r.Context())

	var (
		changed bool
		err     error
	)
	if op.add {
		if op.tag == models.TagAllowlist {
			rec, gerr := s.rep.Get(key)
			if gerr != nil {
				s.fail(w, gerr)
				return
			}
			if rec.Tags[models.TagBlocklist].Forced {
				s.fail(w, guarderr.Newf(guarderr.KindAdminConflict, "admin."+scope, "%s is force-blocked; unblock it first", key))
				return
			}
		}
		changed, err = s.rep.Tag(key, op.tag, ttl, force && op.tag == models.TagBlocklist, reason, operator)
	} else {
		changed, err = s.rep.Untag(key, op.tag, reason, operator)
	}
	if err != nil {
		s.fail(w, err)
		return
	}

	params := map[string]any{}
	if ttl > 0 {
		params["ttl"] = ttl.String()
	}
	if force {
		params["force"] = true
	}
	res := s.record(r, audit.Entry{
		Action:  scope + "." + action,
		Target:  key,
		Reason:  reason,
		Params:  params,
		Changed: changed,
	}, nil)
	writeJSON(w, http.StatusOK, res)
}

type modeRequest struct {
	Mode   string `json:"mode"`
	Level  string `json:"level"`
	Reason string `json:"reason"`
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	next := models.Mode{Name: models.ModeName(strings.ToLower(req.Mode)), Level: models.EmergencyLevel(strings.ToLower(req.Level))}
	switch next.Name {
	case models.ModeNormal, models.ModeTournament, models.ModeMaintenance, models.ModeEmergency:
	default:
		s.fail(w, guarderr.Newf(guarderr.KindInvalidRequest, "admin.mode", "unknown mode %q", req.Mode))
		return
	}
	s.setMode(w, r, "mode.set", next, req.Reason)
}

type tournamentRequest struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason"`
}

func (s *Server) handleTournament(w http.ResponseWriter, r *http.Request) {
	var req tournamentRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	next := models.NormalMode
	if req.Enabled {
		next = models.Mode{Name: models.ModeTournament}
	} else if s.mode.Current().Name != models.ModeTournament {
		s.fail(w, guarderr.Newf(guarderr.KindAdminConflict, "admin.tournament", "active mode is %s, not tournament", s.mode.Current()))
		return
	}
	s.setMode(w, r, "mode.tournament", next, req.Reason)
}

func (s *Server) setMode(w http.ResponseWriter, r *http.Request, action string, next models.Mode, reason string) {
	old := s.mode.Current()
	changed, err := s.mode.Set(next, reason, OperatorFrom(r.Context()))
	if err != nil {
		s.fail(w, err)
		return
	}
	res := s.record(r, audit.Entry{
		Action:  action,
		Target:  next.String(),
		Reason:  reason,
		Params:  map[string]any{"from": old.String()},
		Changed: changed,
	}, next)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !strings.ContainsRune(key, ':') {
		s.fail(w, guarderr.Newf(guarderr.KindInvalidRequest, "admin.reputation", "key %q needs an ip:, net: or id: prefix", key))
		return
	}
	rec, err := s.rep.Get(key)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	changed, err := s.policy.Reload()
	outcome := "unchanged"
	switch {
	case err != nil:
		outcome = "error"
	case changed:
		outcome = "applied"
	}
	if s.metrics != nil {
		s.metrics.ConfigReloads.WithLabelValues(outcome).Inc()
	}
	if err != nil {
		s.fail(w, guarderr.Wrap(guarderr.KindConfigInvalid, "admin.reload", err))
		return
	}
	res := s.record(r, audit.Entry{Action: "config.reload", Target: s.policy.Path(), Changed: changed}, nil)
	writeJSON(w, http.StatusOK, res)
}

// eventRequest reports an action from a backend service that does not sit
// behind the enforcer.
type eventRequest struct {
	Kind       models.ActionKind `json:"kind"`
	Actor      string            `json:"actor"`
	IP         string            `json:"ip"`
	Target     string            `json:"target"`
	Weight     float64           `json:"weight"`
	Failed     bool              `json:"failed"`
	AccountAge Duration          `json:"account_age"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	ev := models.ActionEvent{
		Kind:       req.Kind,
		Actor:      req.Actor,
		Target:     req.Target,
		Weight:     req.Weight,
		Failed:     req.Failed,
		AccountAge: time.Duration(req.AccountAge),
		At:         s.clock.Now(),
	}
	if req.IP != "" {
		ip, err := netip.ParseAddr(req.IP)
		if err != nil {
			s.fail(w, guarderr.Wrap(guarderr.KindInvalidEvent, "admin.events", err))
			return
		}
		ev.IP = ip
	}
	dets, err := s.abuse.Observe(r.Context(), ev)
	if err != nil {
		s.fail(w, err)
		return
	}
	names := make([]string, 0, len(dets))
	for _, d := range dets {
		names = append(names, d.Detector)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"detections": names})
}
