package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mlgclan/edgeguard/internal/events"
	"github.com/mlgclan/edgeguard/internal/models"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMsgSize = 512
	wsSendQueue  = 64
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Access is already gated by the bearer token.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Frame types pushed to dashboard clients.
const (
	FrameMetrics    = "metrics"
	FrameEvent      = "event"
	FrameModeChange = "mode_change"
)

type frame struct {
	Type    string    `json:"type"`
	Topic   string    `json:"topic,omitempty"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// hub fans bus events and periodic metric snapshots out to connected
// dashboards. Slow clients miss frames rather than block the hub.
type hub struct {
	s       *Server
	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func newHub(s *Server) *hub {
	return &hub{s: s, clients: make(map[*wsClient]struct{})}
}

func (h *hub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.s.log.Debug("dashboard upgrade failed", zap.Error(err))
		return
	}
	c := &wsClient{hub: h, conn: conn, send: make(chan []byte, wsSendQueue)}
	c.enqueue(h.encode(h.metricsFrame()))
	h.register(c)
	h.s.log.Info("dashboard connected", zap.String("operator", OperatorFrom(r.Context())), zap.Int("clients", h.len()))

	go c.writePump()
	c.readPump()
}

func (h *hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *hub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) broadcast(msg []byte) {
	if msg == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.enqueue(msg)
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *hub) encode(f frame) []byte {
	b, err := json.Marshal(f)
	if err != nil {
		h.s.log.Error("encode frame", zap.String("type", f.Type), zap.Error(err))
		return nil
	}
	return b
}

func (h *hub) metricsFrame() frame {
	payload := map[string]any{"mode": h.s.mode.Current()}
	if h.s.metrics != nil {
		payload["metrics"] = h.s.metrics.Snapshot()
	}
	return frame{Type: FrameMetrics, At: h.s.clock.Now().UTC(), Payload: payload}
}

// frameFor converts a bus event. Verdicts whose effective class is benign
// are left to the history endpoint.
func frameFor(ev events.Event) (frame, bool) {
	f := frame{Type: FrameEvent, Topic: string(ev.Topic), At: ev.At.UTC(), Payload: ev.Payload}
	switch ev.Topic {
	case events.TopicModeChange:
		f.Type = FrameModeChange
	case events.TopicVerdict:
		v, ok := ev.Payload.(events.VerdictEvent)
		if !ok || v.Class < models.Suspicious {
			return frame{}, false
		}
	}
	return f, true
}

// Run pushes bus events as they arrive and a metrics snapshot every
// admin.push_interval until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	interval := s.policy.Current().Admin.PushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var ch <-chan events.Event
	if s.bus != nil {
		id, sub := s.bus.Subscribe(1024)
		defer s.bus.Unsubscribe(id)
		ch = sub
	}
	defer s.hub.closeAll()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.hub.len() > 0 {
				s.hub.broadcast(s.hub.encode(s.hub.metricsFrame()))
			}
		case ev, ok := <-ch:
			if !ok {
				ch = nil
				continue
			}
			if f, ok := frameFor(ev); ok {
				s.hub.broadcast(s.hub.encode(f))
			}
		}
	}
}

type wsClient struct {
	hub  *hub
	conn *websocket.Conn
	send chan []byte
}

// enqueue must be called with the hub lock held or before the client is
// visible to broadcast.
func (c *wsClient) enqueue(msg []byte) {
	if msg == nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(wsMaxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.s.log.Debug("dashboard closed", zap.Error(err))
			}
			return
		}
	}
}
