package l7

import (
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mlgclan/edgeguard/internal/models"
)

// Phase is where a connection stands in its request cycle.
type Phase int

const (
	PhaseAccepted Phase = iota
	PhaseReadingHeaders
	PhaseReadingBody
	PhaseHandler
	PhaseResponding
	PhaseIdle
	PhaseClosed
)

var phaseNames = [...]string{"accepted", "reading_headers", "reading_body", "handler", "responding", "idle", "closed"}

func (p Phase) String() string {
	if p < PhaseAccepted || p > PhaseClosed {
		return "unknown"
	}
	return phaseNames[p]
}

// Conn is the detector's view of one TCP or WebSocket connection.
type Conn struct {
	ID       uint64
	Remote   string
	Accepted time.Time

	mu sync.Mutex
	nc net.Conn

	phase      Phase
	phaseSince time.Time
	// headerStart is the accept instant for the first request and the
	// instant the connection turned active again for later ones.
	headerStart time.Time
	requests    int

	bodyStart     time.Time
	bodyRead      int64
	bodyRemaining int64

	inflight int

	ws       *rate.Limiter
	hijacked bool

	// signals raised on the connection itself, reported with every
	// later request until the connection goes away.
	signals []models.Signal

	terminated string
}

func newConn(id uint64, nc net.Conn, now time.Time) *Conn {
	c := &Conn{ID: id, nc: nc, Accepted: now, phase: PhaseAccepted, phaseSince: now, headerStart: now}
	if nc != nil && nc.RemoteAddr() != nil {
		c.Remote = nc.RemoteAddr().String()
	}
	return c
}

func (c *Conn) setPhase(p Phase, now time.Time) {
	c.phase = p
	c.phaseSince = now
}

// Phase returns the current phase.
func (c *Conn) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Terminated returns the reason the detector closed the connection, if any.
func (c *Conn) Terminated() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

// Inflight returns the number of requests currently being served.
func (c *Conn) Inflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight
}

// close shuts the underlying connection once and records why.
func (c *Conn) close(reason string, now time.Time) bool {
	c.mu.Lock()
	if c.terminated != "" || c.phase == PhaseClosed {
		c.mu.Unlock()
		return false
	}
	c.terminated = reason
	c.setPhase(PhaseClosed, now)
	nc := c.nc
	c.mu.Unlock()
	if nc != nil {
		_ = nc.Close()
	}
	return true
}

func (c *Conn) raise(s models.Signal) {
	for _, have := range c.signals {
		if have.Name == s.Name {
			return
		}
	}
	c.signals = append(c.signals, s)
}

// sawBytes moves an accepted or idle connection into header reading.
func (c *Conn) sawBytes(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.phase {
	case PhaseAccepted:
		c.setPhase(PhaseReadingHeaders, now)
	case PhaseIdle:
		c.setPhase(PhaseReadingHeaders, now)
		c.headerStart = now
	}
}

// trackedConn reports reads to the detector so header timing starts at the
// first byte of a keep-alive request.
type trackedConn struct {
	net.Conn
	conn *Conn
	now  func() time.Time
}

func (t *trackedConn) Read(p []byte) (int, error) {
	n, err := t.Conn.Read(p)
	if n > 0 {
		t.conn.sawBytes(t.now())
	}
	return n, err
}

// bodyReader counts body bytes for the slow-body watchdog. The phase flips
// to reading-body before a Read blocks so a stalled client is visible.
type bodyReader struct {
	io.ReadCloser
	conn *Conn
	now  func() time.Time
}

func (b *bodyReader) Read(p []byte) (int, error) {
	c := b.conn
	c.mu.Lock()
	if c.phase == PhaseHandler {
		c.setPhase(PhaseReadingBody, b.now())
		if c.bodyStart.IsZero() {
			c.bodyStart = c.phaseSince
		}
	}
	c.mu.Unlock()

	n, err := b.ReadCloser.Read(p)

	c.mu.Lock()
	c.bodyRead += int64(n)
	if c.bodyRemaining > 0 {
		c.bodyRemaining -= int64(n)
		if c.bodyRemaining < 0 {
			c.bodyRemaining = 0
		}
	}
	if err != nil && c.phase == PhaseReadingBody {
		c.setPhase(PhaseHandler, b.now())
	}
	c.mu.Unlock()
	return n, err
}
