package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mlgclan/edgeguard/internal/enforcer"
	"github.com/mlgclan/edgeguard/internal/guarderr"
	"github.com/mlgclan/edgeguard/internal/models"
)

// demoPassword is the only password the demo login accepts.
const demoPassword = "gg-wp"

// demoRouter is a stand-in for the community API: enough routes to drive
// every limiter family and abuse detector from a browser or a load tool.
func demoRouter(log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			User     string `json:"user"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.User == "" {
			demoJSON(w, http.StatusBadRequest, map[string]string{"error": "user and password required"})
			return
		}
		// Failures are reported by the enforcer from the status code.
		if req.Password != demoPassword {
			demoJSON(w, http.StatusUnauthorized, map[string]string{"error": "bad credentials"})
			return
		}
		demoJSON(w, http.StatusOK, map[string]string{"user": req.User, "session": newID()})
	})

	r.Post("/api/vote", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Target     string  `json:"target"`
			Weight     float64 `json:"weight"`
			AccountAge string  `json:"account_age"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			demoJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		ev := models.ActionEvent{Kind: models.ActionVote, Target: req.Target, Weight: req.Weight}
		if req.AccountAge != "" {
			if d, err := time.ParseDuration(req.AccountAge); err == nil {
				ev.AccountAge = d
			}
		}
		if !publish(w, r, ev, log) {
			return
		}
		demoJSON(w, http.StatusAccepted, map[string]string{"target": req.Target, "status": "counted"})
	})

	r.Post("/api/content", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
			demoJSON(w, http.StatusBadRequest, map[string]string{"error": "text required"})
			return
		}
		sum := sha256.Sum256([]byte(req.Text))
		ev := models.ActionEvent{Kind: models.ActionContentSubmit, Target: hex.EncodeToString(sum[:8])}
		if !publish(w, r, ev, log) {
			return
		}
		demoJSON(w, http.StatusCreated, map[string]string{"id": newID()})
	})

	r.Get("/api/content", func(w http.ResponseWriter, r *http.Request) {
		demoJSON(w, http.StatusOK, map[string]any{"items": []string{}})
	})

	r.Get("/api/tournaments/{id}", func(w http.ResponseWriter, r *http.Request) {
		demoJSON(w, http.StatusOK, map[string]string{"id": chi.URLParam(r, "id"), "status": "live"})
	})

	r.Get("/static/*", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("static asset " + chi.URLParam(r, "*") + "\n"))
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		demoJSON(w, http.StatusOK, map[string]string{"service": "mlg.clan demo"})
	})
	return r
}

// publish reports the action and answers the client itself when the event
// is rejected.
func publish(w http.ResponseWriter, r *http.Request, ev models.ActionEvent, log *zap.Logger) bool {
	err := enforcer.Publish(r.Context(), ev)
	if err == nil {
		return true
	}
	status := http.StatusServiceUnavailable
	if errors.Is(err, guarderr.ErrInvalidEvent) {
		status = http.StatusBadRequest
	} else {
		log.Warn("action event not recorded", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
	demoJSON(w, status, map[string]string{"error": guarderr.ReasonOf(err)})
	return false
}

func demoJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newID() string { return uuid.NewString() }

var echoUpgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

// startEcho runs the demo tournament feed on a loopback listener: every
// message is echoed back to its sender.
func startEcho(log *zap.Logger) (net.Listener, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: http.HandlerFunc(echoWS), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("demo websocket server stopped", zap.Error(err))
		}
	}()
	return ln, nil
}

func echoWS(w http.ResponseWriter, r *http.Request) {
	c, err := echoUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer c.Close()
	for {
		mt, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		if err := c.WriteMessage(mt, msg); err != nil {
			return
		}
	}
}
