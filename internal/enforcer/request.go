package enforcer

import (
	"net/http"
	"net/netip"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mlgclan/edgeguard/internal/config"
	"github.com/mlgclan/edgeguard/internal/l7"
	"github.com/mlgclan/edgeguard/internal/models"
)

// HeaderCorrelationID is echoed on every response and accepted from trusted
// proxies.
const HeaderCorrelationID = "X-Correlation-Id"

// ClientIP resolves the client address. The peer address is used unless the
// peer is a trusted proxy, in which case X-Forwarded-For is walked from the
// right and the first untrusted hop wins.
func ClientIP(r *http.Request, pol *config.Policy) netip.Addr {
	peer := peerAddr(r.RemoteAddr)
	if !peer.IsValid() || !pol.Trusted(peer) {
		return peer
	}
	hops, ok := l7.ForwardedChain(r.Header)
	if !ok || len(hops) == 0 {
		return peer
	}
	for i := len(hops) - 1; i >= 0; i-- {
		if !pol.Trusted(hops[i]) {
			return hops[i]
		}
	}
	return hops[0]
}

func peerAddr(remote string) netip.Addr {
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return ap.Addr().Unmap()
	}
	if a, err := netip.ParseAddr(strings.Trim(remote, "[]")); err == nil {
		return a.Unmap()
	}
	return netip.Addr{}
}

// HeaderIdentity returns an IdentityFunc reading the configured identity
// header, normally set by the authenticating gateway in front of us.
func HeaderIdentity(policy PolicySource) func(r *http.Request) string {
	return func(r *http.Request) string {
		return strings.TrimSpace(r.Header.Get(policy.Current().Enforcer.IdentityHeader))
	}
}

func (e *Enforcer) requestContext(r *http.Request, pol *config.Policy) *models.RequestContext {
	ip := ClientIP(r, pol)
	rc := &models.RequestContext{
		IP:            ip,
		Identity:      e.identity(r),
		Method:        r.Method,
		Path:          r.URL.Path,
		UserAgent:     r.UserAgent(),
		ContentLength: r.ContentLength,
		HeaderBytes:   l7.HeaderBytes(r),
		At:            e.clock.Now(),
		Sensitivity:   models.SensitivityNormal,
	}
	if hops, ok := l7.ForwardedChain(r.Header); ok {
		for _, h := range hops {
			rc.ForwardedFor = append(rc.ForwardedFor, h.String())
		}
	}
	if pattern, route, ok := pol.MatchRoute(r.URL.Path); ok {
		rc.Route = pattern
		rc.Action = route.Action
		if route.Sensitivity != "" {
			rc.Sensitivity = route.Sensitivity
		}
		rc.WebSocket = route.WebSocket && websocket.IsWebSocketUpgrade(r)
	}

	rc.CorrelationID = r.Header.Get(HeaderCorrelationID)
	if rc.CorrelationID == "" || !pol.Trusted(peerAddr(r.RemoteAddr)) {
		rc.CorrelationID = uuid.Must(uuid.NewV7()).String()
	}
	return rc
}
