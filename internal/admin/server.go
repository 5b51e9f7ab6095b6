// Package admin is the operator control plane: live metrics, manual block
// and allow, mode switches, history, config reload and a push feed for the
// dashboard.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/mlgclan/edgeguard/internal/abuse"
	"github.com/mlgclan/edgeguard/internal/audit"
	"github.com/mlgclan/edgeguard/internal/clock"
	"github.com/mlgclan/edgeguard/internal/config"
	"github.com/mlgclan/edgeguard/internal/events"
	"github.com/mlgclan/edgeguard/internal/guarderr"
	"github.com/mlgclan/edgeguard/internal/metrics"
	"github.com/mlgclan/edgeguard/internal/mode"
	"github.com/mlgclan/edgeguard/internal/recorder"
	"github.com/mlgclan/edgeguard/internal/reputation"
)

// Health is implemented by components that can run degraded.
type Health interface {
	Degraded() bool
}

type Deps struct {
	Policy     *config.Store
	Reputation *reputation.Store
	Mode       *mode.Manager
	Recorder   *recorder.Recorder
	Audit      *audit.Log
	Abuse      *abuse.Detector
	// Components reported by /health and /dashboard, by name.
	Health  map[string]Health
	Bus     *events.Bus
	Metrics *metrics.Metrics
	Clock   clock.Clock
	Log     *zap.Logger
}

type Server struct {
	policy  *config.Store
	rep     *reputation.Store
	mode    *mode.Manager
	rec     *recorder.Recorder
	audit   *audit.Log
	abuse   *abuse.Detector
	health  map[string]Health
	bus     *events.Bus
	metrics *metrics.Metrics
	clock   clock.Clock
	log     *zap.Logger
	hub     *hub
}

func New(d Deps) *Server {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	s := &Server{
		policy:  d.Policy,
		rep:     d.Reputation,
		mode:    d.Mode,
		rec:     d.Recorder,
		audit:   d.Audit,
		abuse:   d.Abuse,
		health:  d.Health,
		bus:     d.Bus,
		metrics: d.Metrics,
		clock:   d.Clock,
		log:     d.Log.With(zap.String("component", "admin")),
	}
	s.hub = newHub(s)
	return s
}

// Router returns the admin HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.policy.Current().Admin.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/ws", s.hub.serve)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Get("/dashboard", s.handleDashboard)
			r.Get("/history", s.handleHistory)
			r.Post("/ip/{action}", s.handleIP)
			r.Post("/identity/{action}", s.handleIdentity)
			r.Post("/mode", s.handleMode)
			r.Post("/tournament-mode", s.handleTournament)
			r.Get("/reputation/{key}", s.handleReputation)
			r.Post("/config/reload", s.handleReload)
			r.Post("/events", s.handleEvent)
		})
	})
	return r
}

// Result is the envelope of every successful write.
type Result struct {
	Operator string    `json:"operator"`
	At       time.Time `json:"at"`
	AuditID  string    `json:"audit_id,omitempty"`
	Changed  bool      `json:"changed"`
	Data     any       `json:"data,omitempty"`
}

type errorBody struct {
	Error struct {
		Kind   guarderr.Kind `json:"kind"`
		Reason string        `json:"reason"`
	} `json:"error"`
}

// statusOf maps an error kind to its HTTP status.
func statusOf(kind guarderr.Kind) int {
	switch kind {
	case guarderr.KindAdminUnauthorized:
		return http.StatusUnauthorized
	case guarderr.KindAdminConflict:
		return http.StatusConflict
	case guarderr.KindInvalidRequest, guarderr.KindInvalidEvent, guarderr.KindConfigInvalid:
		return http.StatusBadRequest
	case guarderr.KindStoreUnavailable, guarderr.KindCheckTimeout:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	var body errorBody
	body.Error.Kind = guarderr.KindOf(err)
	body.Error.Reason = guarderr.ReasonOf(err)
	var ge *guarderr.Error
	if errors.As(err, &ge) && ge.Reason == "" && ge.Err != nil {
		body.Error.Reason = ge.Err.Error()
	}
	if body.Error.Kind == "" {
		body.Error.Kind = "internal"
		body.Error.Reason = err.Error()
	}
	writeJSON(w, statusOf(body.Error.Kind), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return guarderr.Wrap(guarderr.KindInvalidRequest, "admin.decode", err)
	}
	return nil
}

// record audits a write, publishes it on the bus and builds the response.
// A failed audit write does not undo the change; the audit log reports
// itself degraded and the response carries no audit id.
func (s *Server) record(r *http.Request, e audit.Entry, data any) Result {
	e.Operator = OperatorFrom(r.Context())
	res := Result{Operator: e.Operator, At: s.clock.Now().UTC(), Changed: e.Changed, Data: data}
	if s.audit != nil {
		stamped, err := s.audit.Append(e)
		if err != nil {
			s.log.Error("audit write failed", zap.String("action", e.Action), zap.Error(err))
		} else {
			res.AuditID = stamped.ID
			res.At = stamped.At
		}
	}
	s.log.Info("admin action",
		zap.String("operator", e.Operator),
		zap.String("action", e.Action),
		zap.String("target", e.Target),
		zap.Bool("changed", e.Changed))
	if s.bus != nil {
		s.bus.Publish(events.Event{Topic: events.TopicAdmin, At: res.At, Payload: events.AdminEvent{
			AuditID: res.AuditID, Operator: e.Operator, Action: e.Action, Target: e.Target, Changed: e.Changed,
		}})
	}
	return res
}
