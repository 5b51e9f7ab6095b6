package enforcer

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/mlgclan/edgeguard/internal/guarderr"
	"github.com/mlgclan/edgeguard/internal/models"
)

// reqState rides on the request context so Publish can find the enforcer
// and the response hook knows which actions the handler reported itself.
type reqState struct {
	e *Enforcer

	mu       sync.Mutex
	reported map[models.ActionKind]bool
}

type stateKey struct{}

func withEnforcer(ctx context.Context, e *Enforcer) context.Context {
	return context.WithValue(ctx, stateKey{}, &reqState{e: e})
}

func stateFrom(ctx context.Context) (*reqState, bool) {
	s, ok := ctx.Value(stateKey{}).(*reqState)
	return s, ok
}

func (s *reqState) mark(k models.ActionKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reported == nil {
		s.reported = make(map[models.ActionKind]bool)
	}
	s.reported[k] = true
}

func (s *reqState) wasReported(k models.ActionKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reported[k]
}

// Publish emits an action event from a protected handler. Missing actor, IP
// and time are taken from the request. It returns once every abuse
// detector has seen the event.
func Publish(ctx context.Context, ev models.ActionEvent) error {
	s, ok := stateFrom(ctx)
	if !ok {
		return guarderr.New(guarderr.KindInvalidEvent, "enforcer.publish", "request did not pass the enforcer")
	}
	return s.e.Publish(ctx, ev)
}

// Publish is the method form of the package-level Publish.
func (e *Enforcer) Publish(ctx context.Context, ev models.ActionEvent) error {
	if rc, ok := models.RequestFrom(ctx); ok {
		if ev.Actor == "" {
			ev.Actor = rc.Identity
		}
		if !ev.IP.IsValid() {
			ev.IP = rc.IP
		}
	}
	if ev.At.IsZero() {
		ev.At = e.clock.Now()
	}
	if s, ok := stateFrom(ctx); ok {
		s.mark(ev.Kind)
	}
	if e.abuse == nil {
		return nil
	}
	return e.abuse.Publish(ctx, ev)
}

// observable reports whether the route's action is derived from the
// upstream response when the handler does not report it.
func observable(rc *models.RequestContext, r *http.Request) (models.ActionKind, bool) {
	switch rc.Action {
	case models.ActionLoginAttempt:
		return rc.Action, r.Method == http.MethodPost
	case models.ActionContentSubmit:
		return rc.Action, r.Method == http.MethodPost || r.Method == http.MethodPut
	}
	return "", false
}

// observeResponse emits the route's action from the upstream status:
// login attempts fail on 401 and 403, content submissions count on 2xx.
func (e *Enforcer) observeResponse(ctx context.Context, rc *models.RequestContext, kind models.ActionKind, status int) {
	if s, ok := stateFrom(ctx); ok && s.wasReported(kind) {
		return
	}
	ev := models.ActionEvent{Kind: kind, Actor: rc.Identity, IP: rc.IP, At: e.clock.Now()}
	switch kind {
	case models.ActionLoginAttempt:
		ev.Failed = status == http.StatusUnauthorized || status == http.StatusForbidden
	case models.ActionContentSubmit:
		if status < 200 || status > 299 {
			return
		}
	}
	if e.abuse == nil {
		return
	}
	// The request context may already be cancelled once the client has the
	// response.
	if err := e.abuse.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.log.Warn("action event dropped", zap.String("kind", string(kind)), zap.Error(err))
	}
}

// statusWriter records the status written by the upstream.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
