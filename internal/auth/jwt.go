package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

type ctxKey string

const ctxSubject ctxKey = "sub"

// JWTCfg holds push-token verification configuration.
type JWTCfg struct {
	// HS256Secret verifies inbound tokens. Empty disables verification:
	// tokens are passed through unverified and carry no subject.
	HS256Secret string
}

// ParseBearer extracts the token from an Authorization header value.
// An absent header is fine (the token is optional on pushes); a
// present header must use the Bearer scheme.
func ParseBearer(header string) (string, error) {
	if header == "" {
		return "", nil
	}
	if len(header) > 7 && header[:7] == "Bearer " {
		return header[7:], nil
	}
	return "", fmt.Errorf("authorization header must use the Bearer scheme")
}

// VerifySubject validates an HS256 token and returns its sub claim.
func VerifySubject(cfg JWTCfg, token string) (string, error) {
	claims := jwt.MapClaims{}
	t, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(cfg.HS256Secret), nil
	})
	if err != nil {
		return "", err
	}
	if !t.Valid {
		return "", jwt.ErrTokenUnverifiable
	}

	sub, _ := claims["sub"].(string)
	return sub, nil
}

// Middleware authenticates inbound pushes. The token is optional;
// when present it must be a valid Bearer credential. The verified
// subject lands in the request context.
func Middleware(cfg JWTCfg) func(http.Handler) http.Handler {
	verify := cfg.HS256Secret != ""
	if !verify {
		log.Warn().Msg("push token verification disabled; tokens accepted unverified")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok, err := ParseBearer(r.Header.Get("Authorization"))
			if err != nil {
				log.Warn().Err(err).Msg("malformed authorization header")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			sub := ""
			if tok != "" && verify {
				sub, err = VerifySubject(cfg, tok)
				if err != nil {
					log.Warn().Err(err).Msg("jwt validation failed")
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
			}

			ctx := r.Context()
			if sub != "" {
				ctx = context.WithValue(ctx, ctxSubject, sub)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Subject returns the verified token subject, or "" for anonymous
// pushes.
func Subject(ctx context.Context) string {
	if s, ok := ctx.Value(ctxSubject).(string); ok {
		return s
	}
	return ""
}

// TokenFromRequest finds the credential for a sync connection: the
// Authorization header when the client can set one, otherwise the
// auth query parameter (browser WebSocket clients cannot set headers).
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		return ParseBearer(h)
	}
	return strings.TrimSpace(r.URL.Query().Get("auth")), nil
}
