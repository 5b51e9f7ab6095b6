package enforcer

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/mlgclan/edgeguard/internal/models"
	"github.com/mlgclan/edgeguard/internal/policy"
	"github.com/mlgclan/edgeguard/internal/ratelimit"
)

// Body is the JSON body of a short-circuited request.
type Body struct {
	Code          int               `json:"code"`
	Reason        string            `json:"reason"`
	CorrelationID string            `json:"correlation_id"`
	RetryAfter    int               `json:"retry_after,omitempty"`
	Challenge     *policy.Challenge `json:"challenge,omitempty"`
}

// StatusFor maps a stopping verdict to its HTTP status.
func StatusFor(v models.Verdict) int {
	switch v.Kind {
	case models.VerdictThrottle:
		return http.StatusTooManyRequests
	case models.VerdictDeny:
		if v.Reason == models.ReasonMaintenance || v.Reason == models.ReasonFailClosed {
			return http.StatusServiceUnavailable
		}
		return http.StatusForbidden
	case models.VerdictChallenge, models.VerdictTerminate:
		return http.StatusForbidden
	}
	return http.StatusOK
}

// apply writes the verdict. It returns true when the request should reach
// the upstream.
func (e *Enforcer) apply(w http.ResponseWriter, r *http.Request, out Outcome) bool {
	v := out.Decision.Verdict
	rc := out.Request
	e.penalize(rc, v)

	switch v.Kind {
	case models.VerdictAllow, models.VerdictLogOnly:
		rateHeaders(w, out.Quota)
		return true
	case models.VerdictDelay:
		select {
		case <-e.clock.After(v.Delay):
			rateHeaders(w, out.Quota)
			return true
		case <-r.Context().Done():
			e.log.Debug("client left during delay", zap.String("correlation_id", rc.CorrelationID))
			return false
		}
	case models.VerdictThrottle:
		rateHeaders(w, out.Quota)
	case models.VerdictTerminate:
		w.Header().Set("Connection", "close")
		if e.metrics != nil {
			e.metrics.Terminations.WithLabelValues(v.Reason).Inc()
		}
	}

	body := Body{
		Code:          StatusFor(v),
		Reason:        v.Reason,
		CorrelationID: rc.CorrelationID,
		Challenge:     out.Decision.Challenge,
	}
	if v.RetryAfter > 0 {
		body.RetryAfter = ratelimit.Seconds(v.RetryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	writeJSON(w, body.Code, body)
	return false
}

// penalize charges the verdict's reputation penalty to the client IP.
func (e *Enforcer) penalize(rc *models.RequestContext, v models.Verdict) {
	if v.Penalty <= 0 || e.rep == nil || !rc.IP.IsValid() {
		return
	}
	if _, err := e.rep.Adjust(models.IPKey(rc.IP), -v.Penalty, "verdict "+v.Reason); err != nil {
		e.log.Warn("penalty failed", zap.Stringer("ip", rc.IP), zap.Error(err))
	}
}

func rateHeaders(w http.ResponseWriter, q ratelimit.Result) {
	if !q.Applicable {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(q.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(q.Remaining, 0)))
	h.Set("X-RateLimit-Reset", strconv.Itoa(ratelimit.Seconds(q.Reset)))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
