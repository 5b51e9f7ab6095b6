package l7

import (
	"math"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/mlgclan/edgeguard/internal/models"
)

// FrameResult is the verdict on one WebSocket message.
type FrameResult struct {
	Signals []models.Signal
	// Hint is throttle for floods and terminate for envelope violations.
	Hint   models.VerdictKind
	Reason string
}

// Allowed reports whether the frame may be relayed.
func (f FrameResult) Allowed() bool { return f.Hint == "" }

// CloseCode maps the hint to a WebSocket close code.
func (f FrameResult) CloseCode() int {
	switch f.Hint {
	case models.VerdictThrottle:
		return websocket.CloseTryAgainLater
	case models.VerdictTerminate:
		return websocket.ClosePolicyViolation
	}
	return websocket.CloseNormalClosure
}

// ObserveFrame checks one client message on a WebSocket connection against
// the frequency, size and framing limits in l7.ws.
func (d *Detector) ObserveFrame(c *Conn, messageType, size int) FrameResult {
	cfg := d.policy.Current().L7.WS
	now := d.clock.Now()

	var res FrameResult
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phaseSince = now

	if cfg.MaxMsgsPerSec > 0 {
		burst := int(math.Ceil(cfg.MaxMsgsPerSec))
		if c.ws == nil {
			c.ws = rate.NewLimiter(rate.Limit(cfg.MaxMsgsPerSec), burst)
		} else if c.ws.Limit() != rate.Limit(cfg.MaxMsgsPerSec) {
			c.ws.SetLimitAt(now, rate.Limit(cfg.MaxMsgsPerSec))
			c.ws.SetBurstAt(now, burst)
		}
		if !c.ws.AllowN(now, 1) {
			res.add(signal("ws_flood", 0.6, models.VerdictThrottle, "message rate above limit"))
		}
	}
	if cfg.MaxPayload > 0 && size > cfg.MaxPayload {
		res.add(signal("ws_oversized", 0.8, models.VerdictTerminate, "message payload above limit"))
	}
	if cfg.TextOnly && messageType == websocket.BinaryMessage {
		res.add(signal("ws_binary", 0.7, models.VerdictTerminate, "binary frame on a text channel"))
	}
	for _, s := range res.Signals {
		c.raise(s)
		if d.metrics != nil {
			d.metrics.L7Signals.WithLabelValues(s.Name).Inc()
		}
	}
	return res
}

func (f *FrameResult) add(s models.Signal) {
	f.Signals = append(f.Signals, s)
	if hintRank[s.Hint] > hintRank[f.Hint] {
		f.Hint = s.Hint
		f.Reason = s.Name
	}
}
