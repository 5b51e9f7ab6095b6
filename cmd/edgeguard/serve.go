package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mlgclan/edgeguard/internal/abuse"
	"github.com/mlgclan/edgeguard/internal/admin"
	"github.com/mlgclan/edgeguard/internal/audit"
	"github.com/mlgclan/edgeguard/internal/clock"
	"github.com/mlgclan/edgeguard/internal/config"
	"github.com/mlgclan/edgeguard/internal/enforcer"
	"github.com/mlgclan/edgeguard/internal/events"
	"github.com/mlgclan/edgeguard/internal/export"
	"github.com/mlgclan/edgeguard/internal/l7"
	"github.com/mlgclan/edgeguard/internal/logx"
	"github.com/mlgclan/edgeguard/internal/metrics"
	"github.com/mlgclan/edgeguard/internal/mode"
	"github.com/mlgclan/edgeguard/internal/models"
	"github.com/mlgclan/edgeguard/internal/policy"
	"github.com/mlgclan/edgeguard/internal/ratelimit"
	"github.com/mlgclan/edgeguard/internal/recorder"
	"github.com/mlgclan/edgeguard/internal/reputation"
	"github.com/mlgclan/edgeguard/internal/scorer"
)

const shutdownTimeout = 10 * time.Second

var demoMode bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the protection proxy and the admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&demoMode, "demo", false, "serve the built-in demo application instead of proxying to server.upstream")
}

func serve(ctx context.Context) error {
	if err := ensureChallengeSecret(); err != nil {
		return err
	}
	boot, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	log, flush, err := logx.New(boot.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer flush()

	store, err := config.OpenStore(configPath, log)
	if err != nil {
		return err
	}
	store.OnChange(func(old, cur *config.Policy) {
		if old.Server.Listen != cur.Server.Listen || old.Admin.Listen != cur.Admin.Listen || old.Server.Upstream != cur.Server.Upstream {
			log.Warn("listen or upstream changes take effect after a restart")
		}
	})
	pol := store.Current()

	clk := clock.Real{}
	m := metrics.New()
	bus := events.NewBus(log, m)

	snap, err := reputation.OpenSnapshot(ctx, pol.Reputation.Snapshot)
	if err != nil {
		return fmt.Errorf("snapshot backend: %w", err)
	}
	if snap != nil {
		defer snap.Close()
	}
	rep := reputation.New(store, clk, reputation.Options{
		Stripes:    pol.Stripes,
		LockBudget: pol.Enforcer.LockBudget,
		Bus:        bus,
		Metrics:    m,
		Snapshot:   snap,
		Log:        log,
	})
	if n, err := rep.RestoreSnapshot(ctx); err != nil {
		log.Warn("snapshot restore failed, starting with empty lists", zap.Error(err))
	} else if n > 0 {
		log.Info("restored allow/block lists", zap.Int("entries", n))
	}

	auditLog, err := audit.Open(pol.Admin.AuditLog, clk, audit.Options{Bus: bus, Metrics: m, Log: log})
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}
	defer auditLog.Close()

	modes := mode.New(clk, mode.Options{Bus: bus, Metrics: m, Audit: auditLog, Log: log})
	escalator := mode.NewEscalator(modes, store, clk, log)
	abuseDet := abuse.New(store, clk, rep, abuse.Options{
		Stripes:    pol.Stripes,
		LockBudget: pol.Enforcer.LockBudget,
		Bus:        bus,
		Metrics:    m,
		Log:        log,
		Factor: func(ev *models.ActionEvent) float64 {
			priority := false
			if rec, err := rep.Get(ev.ActorKey()); err == nil {
				priority = rec.Has(models.TagPriority)
			}
			return store.Current().Modes.Factor(modes.Current(), priority)
		},
	})
	l7Det := l7.New(store, clk, l7.Options{Bus: bus, Metrics: m, Penalizer: rep, Log: log})
	sc := scorer.New(store, clk, scorer.Options{Bus: bus, Metrics: m, Log: log})
	pow := policy.NewPoW(store, clk, log)
	rec := recorder.New(pol.History.Capacity, pol.History.Shards, clk)
	limiter := ratelimit.New(pol.Stripes, pol.Enforcer.LockBudget, clk, m, log)

	enf := enforcer.New(store, clk, enforcer.Options{
		Limiter:    limiter,
		Reputation: rep,
		L7:         l7Det,
		Abuse:      abuseDet,
		Scorer:     sc,
		Policy:     policy.New(store, pow, log),
		Mode:       modes,
		Observer:   escalator,
		Recorder:   rec,
		Bus:        bus,
		Metrics:    m,
		Log:        log,
	})

	health := map[string]admin.Health{"scorer": sc, "audit": auditLog}
	var exporter *export.Exporter
	if rmq := pol.Export.RabbitMQ; rmq.URL != "" {
		pub, err := export.NewRabbitPublisher(ctx, rmq.URL, rmq.Exchange, log)
		if err != nil {
			return err
		}
		defer pub.Close()
		health["export"] = pub
		exporter = export.New(pub, export.Options{Metrics: m, Log: log})
	}

	adminSrv := admin.New(admin.Deps{
		Policy:     store,
		Reputation: rep,
		Mode:       modes,
		Recorder:   rec,
		Audit:      auditLog,
		Abuse:      abuseDet,
		Health:     health,
		Bus:        bus,
		Metrics:    m,
		Clock:      clk,
		Log:        log,
	})

	app, stopApp, err := upstream(pol, enf, log)
	if err != nil {
		return err
	}
	defer stopApp()

	ln, err := net.Listen("tcp", pol.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", pol.Server.Listen, err)
	}
	front := &http.Server{
		Handler:           enf.Middleware(app),
		ReadHeaderTimeout: pol.Server.ReadHeaderTimeout,
		WriteTimeout:      pol.Server.WriteTimeout,
		IdleTimeout:       pol.Server.IdleTimeout,
		ConnContext:       l7Det.ConnContext,
		ConnState:         l7Det.ConnState,
		ErrorLog:          zap.NewStdLog(log.Named("http")),
	}
	back := &http.Server{
		Addr:              pol.Admin.Listen,
		Handler:           adminSrv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          zap.NewStdLog(log.Named("admin_http")),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return store.Watch(gctx, config.DefaultDebounce) })
	g.Go(func() error { return rep.Run(gctx) })
	g.Go(func() error { return limiter.Run(gctx, pol.Reputation.SweepInterval) })
	g.Go(func() error { return abuseDet.Run(gctx) })
	g.Go(func() error { return l7Det.Run(gctx) })
	g.Go(func() error { return pow.Run(gctx) })
	g.Go(func() error { return escalator.Run(gctx) })
	g.Go(func() error { return rec.Run(gctx, bus) })
	g.Go(func() error { return adminSrv.Run(gctx) })
	if exporter != nil {
		g.Go(func() error { return exporter.Run(gctx, bus) })
	}

	g.Go(func() error {
		log.Info("edgeguard listening",
			zap.String("addr", ln.Addr().String()),
			zap.String("upstream", pol.Server.Upstream),
			zap.Bool("demo", demoMode))
		if err := front.Serve(l7Det.Listener(ln)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("proxy server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("admin listening", zap.String("addr", pol.Admin.Listen))
		if err := back.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(front.Shutdown(sctx), back.Shutdown(sctx))
	})
	return g.Wait()
}

// upstream returns the handler the enforcer protects: a reverse proxy to
// server.upstream, or the demo application. WebSocket routes go through
// the frame-inspecting relay.
func upstream(pol *config.Policy, enf *enforcer.Enforcer, log *zap.Logger) (http.Handler, func(), error) {
	var (
		plain  http.Handler
		target *url.URL
		stop   = func() {}
	)
	if demoMode {
		echo, err := startEcho(log)
		if err != nil {
			return nil, nil, err
		}
		target = &url.URL{Scheme: "http", Host: echo.Addr().String()}
		plain = demoRouter(log)
		stop = func() { echo.Close() }
	} else {
		u, err := url.Parse(pol.Server.Upstream)
		if err != nil || u.Host == "" {
			return nil, nil, fmt.Errorf("server.upstream %q is not an absolute URL", pol.Server.Upstream)
		}
		target = u
		proxy := httputil.NewSingleHostReverseProxy(u)
		proxy.ErrorLog = zap.NewStdLog(log.Named("proxy"))
		plain = proxy
	}
	relay := enf.NewRelay(target)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			if rc, ok := models.RequestFrom(r.Context()); ok && rc.WebSocket {
				relay.ServeHTTP(w, r)
				return
			}
		}
		plain.ServeHTTP(w, r)
	}), stop, nil
}

// ensureChallengeSecret generates a per-process challenge secret when none
// is configured. Passes issued by a previous process stop verifying.
func ensureChallengeSecret() error {
	if os.Getenv(config.EnvChallengeSecret) != "" {
		return nil
	}
	p, err := config.LoadFile(configPath)
	if err != nil || p.Challenge.Secret != "" {
		return err
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Errorf("generate challenge secret: %w", err)
	}
	return os.Setenv(config.EnvChallengeSecret, hex.EncodeToString(b))
}
