// Package l7 watches connections and requests for layer-7 attack patterns:
// slow headers and bodies, method and path abuse, header anomalies,
// per-connection concurrency and WebSocket floods.
package l7

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mlgclan/edgeguard/internal/clock"
	"github.com/mlgclan/edgeguard/internal/config"
	"github.com/mlgclan/edgeguard/internal/events"
	"github.com/mlgclan/edgeguard/internal/metrics"
	"github.com/mlgclan/edgeguard/internal/models"
	"github.com/mlgclan/edgeguard/internal/reputation"
)

// Termination reasons besides the slow-read ones in models.
const (
	ReasonIdle    = "idle"
	ReasonWSAbuse = "ws_abuse"
)

// Reputation cost of a watchdog termination.
const slowPenalty = -10

// PolicySource yields the active policy.
type PolicySource interface {
	Current() *config.Policy
}

// Penalizer receives reputation penalties for terminated peers.
type Penalizer interface {
	Adjust(key string, delta float64, reason string) (reputation.Record, error)
}

type Options struct {
	Bus       *events.Bus
	Metrics   *metrics.Metrics
	Penalizer Penalizer
	Log       *zap.Logger
}

type Detector struct {
	policy  PolicySource
	clock   clock.Clock
	bus     *events.Bus
	metrics *metrics.Metrics
	penal   Penalizer
	log     *zap.Logger

	mu     sync.Mutex
	conns  map[uint64]*Conn
	byNet  map[net.Conn]*Conn
	nextID uint64
}

func New(policy PolicySource, clk clock.Clock, opts Options) *Detector {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Detector{
		policy:  policy,
		clock:   clk,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		penal:   opts.Penalizer,
		log:     opts.Log.With(zap.String("component", "l7")),
		conns:   make(map[uint64]*Conn),
		byNet:   make(map[net.Conn]*Conn),
	}
}

// Result is the layer-7 view of one request.
type Result struct {
	Signals []models.Signal
	Score   float64
	Hint    models.VerdictKind
	Reason  string
}

func signal(name string, score float64, hint models.VerdictKind, reason string) models.Signal {
	return models.Signal{Source: "l7", Name: name, Score: score, Hint: hint, Reason: reason}
}

type connKey struct{}

// Listener wraps ln so reads on accepted connections are observed.
func (d *Detector) Listener(ln net.Listener) net.Listener {
	return &listener{Listener: ln, d: d}
}

type listener struct {
	net.Listener
	d *Detector
}

func (l *listener) Accept() (net.Conn, error) {
	nc, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	tc := &trackedConn{Conn: nc, now: l.d.clock.Now}
	tc.conn = l.d.track(tc)
	return tc, nil
}

func (d *Detector) track(nc net.Conn) *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.byNet[nc]; ok {
		return c
	}
	d.nextID++
	c := newConn(d.nextID, nc, d.clock.Now())
	d.conns[c.ID] = c
	d.byNet[nc] = c
	if d.metrics != nil {
		d.metrics.OpenConnections.Set(float64(len(d.conns)))
	}
	return c
}

func (d *Detector) forget(c *Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.conns, c.ID)
	c.mu.Lock()
	nc := c.nc
	c.mu.Unlock()
	if nc != nil {
		delete(d.byNet, nc)
	}
	if d.metrics != nil {
		d.metrics.OpenConnections.Set(float64(len(d.conns)))
	}
}

// ConnContext is installed as http.Server.ConnContext. It runs before the
// StateNew hook and stores the connection in the base context.
func (d *Detector) ConnContext(ctx context.Context, nc net.Conn) context.Context {
	c := d.track(nc)
	return context.WithValue(ctx, connKey{}, c)
}

// ConnState is installed as http.Server.ConnState.
func (d *Detector) ConnState(nc net.Conn, state http.ConnState) {
	now := d.clock.Now()
	switch state {
	case http.StateNew:
		d.track(nc)
	case http.StateActive:
		c := d.lookup(nc)
		if c == nil {
			return
		}
		c.mu.Lock()
		c.requests++
		c.setPhase(PhaseHandler, now)
		c.mu.Unlock()
	case http.StateIdle:
		c := d.lookup(nc)
		if c == nil {
			return
		}
		c.mu.Lock()
		c.setPhase(PhaseIdle, now)
		c.bodyStart = time.Time{}
		c.bodyRead = 0
		c.bodyRemaining = 0
		c.mu.Unlock()
	case http.StateHijacked:
		c := d.lookup(nc)
		if c == nil {
			return
		}
		c.mu.Lock()
		c.hijacked = true
		c.setPhase(PhaseHandler, now)
		c.mu.Unlock()
	case http.StateClosed:
		c := d.lookup(nc)
		if c == nil {
			return
		}
		c.mu.Lock()
		c.setPhase(PhaseClosed, now)
		c.mu.Unlock()
		d.forget(c)
	}
}

func (d *Detector) lookup(nc net.Conn) *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.byNet[nc]
}

// Conn returns the connection stored by ConnContext.
func (d *Detector) Conn(ctx context.Context) (*Conn, bool) {
	c, ok := ctx.Value(connKey{}).(*Conn)
	return c, ok
}

// ByID returns a tracked connection.
func (d *Detector) ByID(id uint64) (*Conn, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conns[id]
	return c, ok
}

// Len returns the number of tracked connections.
func (d *Detector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Release drops a hijacked connection once its owner is done with it.
func (d *Detector) Release(id uint64) {
	if c, ok := d.ByID(id); ok {
		d.forget(c)
	}
}

// Begin marks the start of a request on the connection and returns the
// number of requests now in flight.
func (d *Detector) Begin(c *Conn, contentLength int64) int {
	now := d.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight++
	if !c.hijacked {
		c.setPhase(PhaseHandler, now)
	}
	c.bodyStart = time.Time{}
	c.bodyRead = 0
	c.bodyRemaining = contentLength
	return c.inflight
}

// End marks the end of a request handler.
func (d *Detector) End(c *Conn) {
	now := d.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight > 0 {
		c.inflight--
	}
	if c.phase == PhaseHandler || c.phase == PhaseReadingBody {
		c.setPhase(PhaseResponding, now)
	}
}

// WrapBody replaces r.Body with a reader that feeds the slow-body watchdog.
func (d *Detector) WrapBody(c *Conn, r *http.Request) {
	if r.Body == nil || r.Body == http.NoBody {
		return
	}
	r.Body = &bodyReader{ReadCloser: r.Body, conn: c, now: d.clock.Now}
}

// Inspect runs the per-request checks. c may be nil when the request did
// not arrive through a tracked connection.
func (d *Detector) Inspect(r *http.Request, rc *models.RequestContext, c *Conn, pol *config.Policy) Result {
	cfg := pol.L7
	var peerTrusted bool
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		peerTrusted = pol.Trusted(ap.Addr())
	}

	sigs := analyzeHeaders(r, rc.HeaderBytes, cfg.MaxHeaderBytes, peerTrusted)

	_, route, matched := pol.MatchRoute(r.URL.Path)
	sigs = append(sigs, analyzePath(r.Method, r.URL.EscapedPath(), r.URL.RawQuery, route, matched, cfg.MaxPathLen)...)
	if rc.Sensitivity == models.SensitivitySensitive && cfg.HostingScore > 0 && pol.Hosting(rc.IP) {
		sigs = append(sigs, signal("hosting_network", cfg.HostingScore, "", "sensitive action from a hosting provider network"))
	}

	if c != nil {
		c.mu.Lock()
		if cfg.MaxInflightPerConn > 0 && c.inflight > cfg.MaxInflightPerConn {
			c.raise(signal("inflight_exceeded", 0.8, "", "too many requests in flight on one connection"))
		}
		sigs = append(sigs, c.signals...)
		c.mu.Unlock()
	}

	res := fuse(sigs)
	if d.metrics != nil {
		for _, s := range res.Signals {
			d.metrics.L7Signals.WithLabelValues(s.Name).Inc()
		}
	}
	return res
}

var hintRank = map[models.VerdictKind]int{
	models.VerdictThrottle:  1,
	models.VerdictDeny:      2,
	models.VerdictTerminate: 3,
}

// fuse combines signal scores by noisy-or and keeps the strongest hint.
func fuse(sigs []models.Signal) Result {
	res := Result{Signals: sigs}
	keep := 1.0
	for _, s := range sigs {
		keep *= 1 - s.Score
		if hintRank[s.Hint] > hintRank[res.Hint] {
			res.Hint = s.Hint
			res.Reason = s.Name
		}
	}
	res.Score = 1 - keep
	return res
}

// Scan runs one watchdog pass and returns the connections it closed.
func (d *Detector) Scan() []*Conn {
	now := d.clock.Now()
	cfg := d.policy.Current().L7

	d.mu.Lock()
	conns := make([]*Conn, 0, len(d.conns))
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	var closed []*Conn
	for _, c := range conns {
		reason := verdictFor(c, now, cfg)
		if reason == "" {
			continue
		}
		if d.Close(c, reason) {
			closed = append(closed, c)
		}
	}
	return closed
}

func verdictFor(c *Conn, now time.Time, cfg config.L7) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.phase {
	case PhaseAccepted, PhaseReadingHeaders:
		if t := cfg.SlowHeader(); t > 0 && now.Sub(c.headerStart) > t {
			return models.ReasonSlowHeader
		}
	case PhaseReadingBody:
		elapsed := now.Sub(c.bodyStart)
		if cfg.SlowBodyBPS <= 0 || elapsed < cfg.SlowBodyGrace() || elapsed <= 0 {
			return ""
		}
		remaining := c.bodyRemaining < 0 || c.bodyRemaining >= cfg.SlowBodyMinRemaining
		if remaining && float64(c.bodyRead)/elapsed.Seconds() < float64(cfg.SlowBodyBPS) {
			return models.ReasonSlowBody
		}
	case PhaseIdle:
		if t := cfg.IdleTimeout(); t > 0 && now.Sub(c.phaseSince) > t {
			return ReasonIdle
		}
	case PhaseHandler:
		if t := cfg.IdleTimeout(); c.hijacked && t > 0 && now.Sub(c.phaseSince) > t {
			return ReasonIdle
		}
	}
	return ""
}

// Close terminates c. Idle closes carry no penalty.
func (d *Detector) Close(c *Conn, reason string) bool {
	if !c.close(reason, d.clock.Now()) {
		return false
	}
	d.forget(c)

	ip := ""
	if ap, err := netip.ParseAddrPort(c.Remote); err == nil {
		ip = ap.Addr().Unmap().String()
		if reason != ReasonIdle && d.penal != nil {
			if _, err := d.penal.Adjust(models.IPKey(ap.Addr()), slowPenalty, "l7 "+reason); err != nil {
				d.log.Warn("penalty failed", zap.String("ip", ip), zap.Error(err))
			}
		}
	}
	if d.metrics != nil {
		d.metrics.Terminations.WithLabelValues(reason).Inc()
		if reason != ReasonIdle {
			d.metrics.L7Signals.WithLabelValues(reason).Inc()
		}
	}
	if reason != ReasonIdle {
		d.log.Info("connection terminated", zap.Uint64("conn", c.ID), zap.String("remote", c.Remote), zap.String("reason", reason))
		if d.bus != nil {
			d.bus.Publish(events.Event{Topic: events.TopicTermination, At: d.clock.Now(), Payload: events.TerminationEvent{ConnID: c.ID, IP: ip, Reason: reason}})
		}
	}
	return true
}

// Run scans every l7.watch_interval until ctx is done.
func (d *Detector) Run(ctx context.Context) error {
	for {
		interval := d.policy.Current().L7.WatchInterval
		if interval <= 0 {
			interval = 250 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return nil
		case <-d.clock.After(interval):
			d.Scan()
		}
	}
}
