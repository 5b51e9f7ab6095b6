package admin

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/mlgclan/edgeguard/internal/guarderr"
)

type operatorKey struct{}

// OperatorFrom returns the operator authenticated for the request.
func OperatorFrom(ctx context.Context) string {
	op, _ := ctx.Value(operatorKey{}).(string)
	return op
}

// authenticate accepts a bearer token that is either a static token from
// admin.tokens or an HS256 JWT signed with admin.jwt_secret whose subject
// names the operator. WebSocket clients may pass the token as ?token=.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearer(r)
		if token == "" {
			s.fail(w, guarderr.New(guarderr.KindAdminUnauthorized, "admin.auth", "missing bearer token"))
			return
		}
		op, err := s.operatorFor(token)
		if err != nil {
			s.log.Warn("admin auth rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
			s.fail(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), operatorKey{}, op)))
	})
}

func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if r.URL.Path == "/ws" {
		return r.URL.Query().Get("token")
	}
	return ""
}

func (s *Server) operatorFor(token string) (string, error) {
	cfg := s.policy.Current().Admin
	for t, op := range cfg.Tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return op, nil
		}
	}
	if cfg.JWTSecret == "" {
		return "", guarderr.New(guarderr.KindAdminUnauthorized, "admin.auth", "unknown token")
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return []byte(cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.clock.Now))
	if err != nil {
		return "", guarderr.Wrap(guarderr.KindAdminUnauthorized, "admin.auth", err)
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", guarderr.New(guarderr.KindAdminUnauthorized, "admin.auth", "token has no subject")
	}
	return sub, nil
}
