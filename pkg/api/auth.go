package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sentinelsec/aegis/pkg/audit"
)

// OperatorAuth verifies bearer tokens for mutating operator endpoints.
// Tokens are HMAC-SHA256 JWTs whose subject names the operator; the
// subject is bound to the request context for audit attribution.
type OperatorAuth struct {
	secret []byte
}

func NewOperatorAuth(secret string) *OperatorAuth {
	return &OperatorAuth{secret: []byte(secret)}
}

// IssueToken mints a token for an operator, used by the CLI and tests.
func (a *OperatorAuth) IssueToken(operator string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   operator,
		Issuer:    "aegis",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// verify parses and validates a token, returning the operator subject.
func (a *OperatorAuth) verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return a.secret, nil
		},
		jwt.WithIssuer("aegis"),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return claims.Subject, nil
}

// Middleware rejects requests without a valid operator token. With an
// empty secret configured, auth is disabled (dev mode) and the actor
// stays "system".
func (a *OperatorAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.secret) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			WriteUnauthorized(w, "")
			return
		}
		operator, err := a.verify(token)
		if err != nil {
			WriteUnauthorized(w, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(audit.WithActor(r.Context(), operator)))
	})
}
