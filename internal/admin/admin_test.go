package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlgclan/edgeguard/internal/abuse"
	"github.com/mlgclan/edgeguard/internal/audit"
	"github.com/mlgclan/edgeguard/internal/clock"
	"github.com/mlgclan/edgeguard/internal/config"
	"github.com/mlgclan/edgeguard/internal/events"
	"github.com/mlgclan/edgeguard/internal/guarderr"
	"github.com/mlgclan/edgeguard/internal/metrics"
	"github.com/mlgclan/edgeguard/internal/mode"
	"github.com/mlgclan/edgeguard/internal/models"
	"github.com/mlgclan/edgeguard/internal/recorder"
	"github.com/mlgclan/edgeguard/internal/reputation"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	staticToken = "s3cr3t-token"
	jwtSecret   = "jwt-signing-secret-for-tests"
)

const baseConfig = `admin:
  tokens:
    s3cr3t-token: alice
  jwt_secret: jwt-signing-secret-for-tests
  push_interval: 50ms
`

type fixture struct {
	s     *Server
	h     http.Handler
	clk   *clock.Fake
	store *config.Store
	rep   *reputation.Store
	mode  *mode.Manager
	rec   *recorder.Recorder
	bus   *events.Bus
	m     *metrics.Metrics
	audit *bytes.Buffer
	path  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "edgeguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(baseConfig), 0o600))
	store, err := config.OpenStore(path, nil)
	require.NoError(t, err)

	f := &fixture{
		clk:   clock.NewFake(t0),
		store: store,
		bus:   events.NewBus(nil, nil),
		m:     metrics.New(),
		audit: &bytes.Buffer{},
		path:  path,
	}
	f.rep = reputation.New(store, f.clk, reputation.Options{Bus: f.bus, Metrics: f.m})
	f.mode = mode.New(f.clk, mode.Options{Bus: f.bus, Metrics: f.m})
	f.rec = recorder.New(64, 1, f.clk)
	auditLog := audit.New(f.audit, f.clk, audit.Options{Metrics: f.m})
	f.s = New(Deps{
		Policy:     store,
		Reputation: f.rep,
		Mode:       f.mode,
		Recorder:   f.rec,
		Audit:      auditLog,
		Abuse:      abuse.New(store, f.clk, f.rep, abuse.Options{Bus: f.bus, Metrics: f.m}),
		Health:     map[string]Health{"audit": auditLog},
		Bus:        f.bus,
		Metrics:    f.m,
		Clock:      f.clk,
	})
	f.h = f.s.Router()
	return f
}

func (f *fixture) call(method, target, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	r := httptest.NewRequest(method, target, &buf)
	r.Header.Set("Content-Type", "application/json")
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.h.ServeHTTP(w, r)
	return w
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) Result {
	t.Helper()
	var res Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res), w.Body.String())
	return res
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var b errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b), w.Body.String())
	return b
}

func signJWT(t *testing.T, secret, subject string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t)

	w := f.call("GET", "/dashboard", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, guarderr.KindAdminUnauthorized, decodeError(t, w).Error.Kind)

	w = f.call("GET", "/dashboard", "nope", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.call("GET", "/dashboard", staticToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	good := signJWT(t, jwtSecret, "bob", t0.Add(time.Hour))
	w = f.call("POST", "/ip/block", good, ipRequest{IP: "198.51.100.4", Reason: "scanner"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "bob", decodeResult(t, w).Operator)

	forged := signJWT(t, "some-other-secret", "mallory", t0.Add(time.Hour))
	w = f.call("GET", "/dashboard", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expired := signJWT(t, jwtSecret, "bob", t0.Add(-time.Minute))
	w = f.call("GET", "/dashboard", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t)
	w := f.call("GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	w = f.call("GET", "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "edgeguard_")
}

func TestIPBlockIsIdempotentAndAudited(t *testing.T) {
	f := newFixture(t)
	_, ch := f.bus.Subscribe(8, events.TopicAdmin)
	req := ipRequest{IP: "198.51.100.4", TTL: Duration(15 * time.Minute), Reason: "scraper"}

	w := f.call("POST", "/ip/block", staticToken, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := decodeResult(t, w)
	assert.True(t, first.Changed)
	assert.Equal(t, "alice", first.Operator)
	assert.NotEmpty(t, first.AuditID)

	rec, err := f.rep.Get("ip:198.51.100.4")
	require.NoError(t, err)
	require.True(t, rec.Has(models.TagBlocklist))
	assert.Equal(t, t0.Add(15*time.Minute), rec.Tags[models.TagBlocklist].Expires)

	select {
	case ev := <-ch:
		ae := ev.Payload.(events.AdminEvent)
		assert.Equal(t, "ip.block", ae.Action)
		assert.Equal(t, first.AuditID, ae.AuditID)
		assert.Equal(t, "ip:198.51.100.4", ae.Target)
	default:
		t.Fatal("no admin event published")
	}

	w = f.call("POST", "/ip/block", staticToken, req)
	require.Equal(t, http.StatusOK, w.Code)
	second := decodeResult(t, w)
	assert.False(t, second.Changed)
	assert.NotEqual(t, first.AuditID, second.AuditID)

	lines := strings.Split(strings.TrimSpace(f.audit.String()), "\n")
	require.Len(t, lines, 2)
	var entry audit.Entry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "ip.block", entry.Action)
	assert.Equal(t, "scraper", entry.Reason)
	assert.Equal(t, "alice", entry.Operator)

	w = f.call("POST", "/ip/unblock", staticToken, ipRequest{IP: "198.51.100.4", Reason: "false positive"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeResult(t, w).Changed)
	rec, err = f.rep.Get("ip:198.51.100.4")
	require.NoError(t, err)
	assert.False(t, rec.Has(models.TagBlocklist))
}

func TestNetworkBlock(t *testing.T) {
	f := newFixture(t)
	w := f.call("POST", "/ip/block", staticToken, ipRequest{IP: "198.51.100.0/24", Reason: "botnet"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rec, err := f.rep.Get("net:198.51.100.0/24")
	require.NoError(t, err)
	assert.True(t, rec.Has(models.TagBlocklist))

	w = f.call("POST", "/ip/block", staticToken, ipRequest{IP: "198.51.0.0/16", Reason: "too wide"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAllowlistingForcedBlockConflicts(t *testing.T) {
	f := newFixture(t)
	w := f.call("POST", "/ip/block", staticToken, ipRequest{IP: "203.0.113.9", Reason: "abuse", Force: true})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.call("POST", "/ip/allowlist", staticToken, ipRequest{IP: "203.0.113.9", Reason: "partner"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, guarderr.KindAdminConflict, decodeError(t, w).Error.Kind)

	rec, err := f.rep.Get("ip:203.0.113.9")
	require.NoError(t, err)
	assert.False(t, rec.Has(models.TagAllowlist))
}

func TestBadIPRequests(t *testing.T) {
	f := newFixture(t)
	for name, tc := range map[string]struct {
		target string
		body   any
	}{
		"bad address":    {"/ip/block", ipRequest{IP: "not-an-ip", Reason: "x"}},
		"unknown action": {"/ip/explode", ipRequest{IP: "203.0.113.9", Reason: "x"}},
		"unknown field":  {"/ip/block", map[string]any{"ip": "203.0.113.9", "bogus": 1}},
		"bad ttl":        {"/ip/block", map[string]any{"ip": "203.0.113.9", "ttl": "soon"}},
	} {
		t.Run(name, func(t *testing.T) {
			w := f.call("POST", tc.target, staticToken, tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestIdentityPriority(t *testing.T) {
	f := newFixture(t)
	w := f.call("POST", "/identity/priority", staticToken, identityRequest{Identity: "caster-01", Reason: "finals caster"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	rec, err := f.rep.Get("id:caster-01")
	require.NoError(t, err)
	assert.True(t, rec.Has(models.TagPriority))

	w = f.call("POST", "/identity/priority", staticToken, identityRequest{Reason: "no identity"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestModeChanges(t *testing.T) {
	f := newFixture(t)

	w := f.call("POST", "/mode", staticToken, modeRequest{Mode: "emergency", Level: "red"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "reason is mandatory")

	w = f.call("POST", "/mode", staticToken, modeRequest{Mode: "emergency", Reason: "ddos"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.call("POST", "/mode", staticToken, modeRequest{Mode: "panic", Reason: "ddos"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.call("POST", "/mode", staticToken, modeRequest{Mode: "emergency", Level: "red", Reason: "ddos"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decodeResult(t, w).Changed)
	assert.Equal(t, models.Mode{Name: models.ModeEmergency, Level: models.LevelRed}, f.mode.Current())

	w = f.call("POST", "/mode", staticToken, modeRequest{Mode: "emergency", Level: "red", Reason: "still ddos"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decodeResult(t, w).Changed)
}

func TestTournamentToggle(t *testing.T) {
	f := newFixture(t)

	w := f.call("POST", "/tournament-mode", staticToken, tournamentRequest{Enabled: false, Reason: "done"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.call("POST", "/tournament-mode", staticToken, tournamentRequest{Enabled: true, Reason: "grand finals"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.ModeTournament, f.mode.Current().Name)

	w = f.call("POST", "/tournament-mode", staticToken, tournamentRequest{Enabled: false, Reason: "done"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.NormalMode, f.mode.Current())
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	f.rec.Append(models.HistoryEntry{At: t0.Add(-2 * time.Hour), Kind: models.HistoryVerdict, IP: "203.0.113.1"})
	f.rec.Append(models.HistoryEntry{At: t0.Add(-10 * time.Minute), Kind: models.HistoryVerdict, IP: "203.0.113.2"})
	f.rec.Append(models.HistoryEntry{At: t0.Add(-5 * time.Minute), Kind: models.HistoryAdmin})

	w := f.call("GET", "/history?period=1h&kind=verdict", staticToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var page recorder.Page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "203.0.113.2", page.Entries[0].IP)

	w = f.call("GET", "/history?period=yesterday", staticToken, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.call("GET", "/history?page=-1", staticToken, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReputationLookup(t *testing.T) {
	f := newFixture(t)
	_, err := f.rep.Adjust("ip:203.0.113.5", -30, "test")
	require.NoError(t, err)

	w := f.call("GET", "/reputation/ip:203.0.113.5", staticToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rec reputation.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, "ip:203.0.113.5", rec.Key)
	assert.InDelta(t, -30, rec.Score, 0.01)

	w = f.call("GET", "/reputation/203.0.113.5", staticToken, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConfigReload(t *testing.T) {
	f := newFixture(t)

	w := f.call("POST", "/config/reload", staticToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.False(t, decodeResult(t, w).Changed)

	updated := baseConfig + "limits:\n  ip: {rps: 7, burst: 9}\n"
	require.NoError(t, os.WriteFile(f.path, []byte(updated), 0o600))
	w = f.call("POST", "/config/reload", staticToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decodeResult(t, w).Changed)
	assert.Equal(t, 9, f.store.Current().Limits.IP.Burst)

	require.NoError(t, os.WriteFile(f.path, []byte(baseConfig+"limits: [broken\n"), 0o600))
	w = f.call("POST", "/config/reload", staticToken, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, guarderr.KindConfigInvalid, decodeError(t, w).Error.Kind)
	assert.Equal(t, 9, f.store.Current().Limits.IP.Burst, "last known good policy stays active")

	snap := f.m.Snapshot()
	assert.Equal(t, 1.0, snap["config_reloads_total{outcome=unchanged}"])
	assert.Equal(t, 1.0, snap["config_reloads_total{outcome=applied}"])
	assert.Equal(t, 1.0, snap["config_reloads_total{outcome=error}"])
}

func TestEventIngestion(t *testing.T) {
	f := newFixture(t)
	ev := eventRequest{Kind: models.ActionLoginAttempt, Actor: "player-7", IP: "203.0.113.77", Failed: true}

	var last *httptest.ResponseRecorder
	for i := 0; i < 5; i++ {
		last = f.call("POST", "/events", staticToken, ev)
		require.Equal(t, http.StatusAccepted, last.Code, last.Body.String())
	}
	var out struct {
		Detections []string `json:"detections"`
	}
	require.NoError(t, json.Unmarshal(last.Body.Bytes(), &out))
	assert.Contains(t, out.Detections, "login_bruteforce")

	w := f.call("POST", "/events", staticToken, eventRequest{Kind: "teleport", IP: "203.0.113.77"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, guarderr.KindInvalidEvent, decodeError(t, w).Error.Kind)
}

func TestDashboardPush(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.s.Run(ctx) }()
	require.Eventually(t, func() bool { return f.bus.Subscribers() > 0 }, 2*time.Second, 5*time.Millisecond)

	srv := httptest.NewServer(f.h)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + staticToken
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first frame
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, FrameMetrics, first.Type)

	_, err = f.mode.Set(models.Mode{Name: models.ModeTournament}, "finals", "alice")
	require.NoError(t, err)

	for {
		var fr struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		require.NoError(t, conn.ReadJSON(&fr))
		if fr.Type != FrameModeChange {
			continue
		}
		var ev events.ModeEvent
		require.NoError(t, json.Unmarshal(fr.Payload, &ev))
		assert.Equal(t, models.ModeTournament, ev.New.Name)
		assert.Equal(t, "finals", ev.Reason)
		break
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("hub did not stop")
	}
}

func TestWebSocketRequiresToken(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.h)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestFrameForFiltersOnDecisionClass(t *testing.T) {
	verdict := func(scored, decided models.Classification) events.Event {
		return events.Event{Topic: events.TopicVerdict, At: t0, Payload: events.VerdictEvent{
			Verdict: models.Deny(models.ReasonAttacking, time.Minute),
			Score:   models.ThreatScore{Class: scored},
			Class:   decided,
		}}
	}
	cases := []struct {
		name    string
		ev      events.Event
		forward bool
	}{
		{"floored by red mode", verdict(models.Benign, models.Attacking), true},
		{"scored suspicious", verdict(models.Suspicious, models.Suspicious), true},
		{"benign", verdict(models.Benign, models.Benign), false},
		{"mode change", events.Event{Topic: events.TopicModeChange, At: t0, Payload: events.ModeEvent{}}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f, ok := frameFor(c.ev)
			assert.Equal(t, c.forward, ok)
			if ok && c.ev.Topic == events.TopicModeChange {
				assert.Equal(t, FrameModeChange, f.Type)
			}
		})
	}
}
