package enforcer

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mlgclan/edgeguard/internal/l7"
	"github.com/mlgclan/edgeguard/internal/models"
)

const wsWriteWait = 10 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin is enforced by the upstream application.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// hop-by-hop and handshake headers the dialer sets itself.
var wsSkipHeaders = map[string]bool{
	"Upgrade":                  true,
	"Connection":               true,
	"Sec-Websocket-Key":        true,
	"Sec-Websocket-Version":    true,
	"Sec-Websocket-Extensions": true,
	"Sec-Websocket-Protocol":   true,
}

// Relay proxies WebSocket routes to the upstream. Every client message is
// checked by the layer-7 detector before it is forwarded: floods close the
// socket with 1013 and envelope violations with 1008.
type Relay struct {
	e        *Enforcer
	upstream *url.URL
	dialer   *websocket.Dialer
}

// NewRelay relays to upstream, an http(s) or ws(s) base URL.
func (e *Enforcer) NewRelay(upstream *url.URL) *Relay {
	u := *upstream
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return &Relay{e: e, upstream: &u, dialer: websocket.DefaultDialer}
}

func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := rl.e.log.With(zap.String("path", r.URL.Path))

	target := *rl.upstream
	target.Path = strings.TrimSuffix(rl.upstream.Path, "/") + r.URL.Path
	target.RawQuery = r.URL.RawQuery

	hdr := http.Header{}
	for k, vs := range r.Header {
		if wsSkipHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		hdr[k] = vs
	}
	if rc, ok := models.RequestFrom(r.Context()); ok {
		hdr.Set(HeaderCorrelationID, rc.CorrelationID)
	}
	if p := r.Header.Get("Sec-Websocket-Protocol"); p != "" {
		hdr.Set("Sec-Websocket-Protocol", p)
	}

	up, resp, err := rl.dialer.DialContext(r.Context(), target.String(), hdr)
	if err != nil {
		status := http.StatusBadGateway
		if resp != nil {
			status = resp.StatusCode
		}
		log.Warn("upstream websocket dial failed", zap.Error(err))
		http.Error(w, "upstream unavailable", status)
		return
	}
	defer up.Close()

	respHdr := http.Header{}
	if p := up.Subprotocol(); p != "" {
		respHdr.Set("Sec-Websocket-Protocol", p)
	}
	client, err := wsUpgrader.Upgrade(w, r, respHdr)
	if err != nil {
		log.Debug("client upgrade failed", zap.Error(err))
		return
	}
	defer client.Close()

	var conn *l7.Conn
	if rl.e.l7 != nil {
		conn, _ = rl.e.l7.Conn(r.Context())
	}
	if conn != nil {
		defer rl.e.l7.Release(conn.ID)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			mt, msg, err := up.ReadMessage()
			if err != nil {
				closeWith(client, closeCodeOf(err), "")
				return
			}
			client.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}()

	for {
		limit := rl.e.policy.Current().L7.WS.MaxPayload
		mt, msg, err := readBounded(client, limit)
		if err != nil {
			closeWith(up, closeCodeOf(err), "")
			break
		}
		if conn == nil && limit > 0 && len(msg) > limit {
			closeWith(client, websocket.ClosePolicyViolation, "ws_oversized")
			closeWith(up, websocket.CloseGoingAway, "")
			break
		}
		if conn != nil {
			res := rl.e.l7.ObserveFrame(conn, mt, len(msg))
			if !res.Allowed() {
				log.Info("websocket closed by detector",
					zap.Uint64("conn", conn.ID),
					zap.String("hint", string(res.Hint)),
					zap.String("reason", res.Reason))
				closeWith(client, res.CloseCode(), res.Reason)
				closeWith(up, websocket.CloseGoingAway, "")
				if res.Hint == models.VerdictTerminate {
					rl.e.l7.Close(conn, l7.ReasonWSAbuse)
				}
				break
			}
		}
		up.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := up.WriteMessage(mt, msg); err != nil {
			closeWith(client, websocket.CloseGoingAway, "")
			break
		}
	}
	up.Close()
	<-done
}

// readBounded reads the next message but buffers at most limit+1 bytes of
// it, so an oversized message reaches the detector as a policy violation
// instead of being held in memory. The rest of an oversized message is left
// unread; the connection is closed right after.
func readBounded(c *websocket.Conn, limit int) (int, []byte, error) {
	mt, r, err := c.NextReader()
	if err != nil {
		return 0, nil, err
	}
	if limit > 0 {
		r = io.LimitReader(r, int64(limit)+1)
	}
	msg, err := io.ReadAll(r)
	return mt, msg, err
}

func closeCodeOf(err error) int {
	if ce, ok := err.(*websocket.CloseError); ok {
		switch ce.Code {
		case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		default:
			return ce.Code
		}
	}
	return websocket.CloseGoingAway
}

func closeWith(c *websocket.Conn, code int, reason string) {
	c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
