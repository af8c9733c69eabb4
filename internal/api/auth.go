package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tunnelmesh/refcas/internal/logging/audit"
)

// TokenIssuer is the iss claim of tokens minted by IssueToken.
const TokenIssuer = "refcas"

// ErrUnauthorized is returned for missing or invalid bearer tokens.
var ErrUnauthorized = errors.New("unauthorized")

type subjectKey struct{}

// subject returns the authenticated token subject, or "" when the request
// was not authenticated.
func subject(r *http.Request) string {
	sub, _ := r.Context().Value(subjectKey{}).(string)
	return sub
}

// IssueToken mints an HS256 bearer token for subject that expires ttl after now.
func IssueToken(secret []byte, subject string, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("issue token: empty secret")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("issue token: ttl must be positive")
	}
	claims := jwt.RegisteredClaims{
		Issuer:    TokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies an HS256 token and returns its claims. The token must
// carry an exp claim that is still in the future at now.
func ParseToken(secret []byte, token string, now time.Time) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return claims, nil
}

// bearerToken extracts the token from an "Authorization: Bearer" header.
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// authenticate rejects requests without a valid bearer token. It is a no-op
// when no secret is configured.
func (s *Server) authenticate(next http.Handler) http.Handler {
	if len(s.secret) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			err := fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
			s.audit.LogAuth("", audit.ResultDenied, err.Error(), clientIP(r))
			w.Header().Set("WWW-Authenticate", `Bearer realm="refcas"`)
			s.writeError(w, r, err)
			return
		}
		claims, err := ParseToken(s.secret, token, s.clock.Now())
		if err != nil {
			s.audit.LogAuth("", audit.ResultDenied, err.Error(), clientIP(r))
			w.Header().Set("WWW-Authenticate", `Bearer realm="refcas", error="invalid_token"`)
			s.writeError(w, r, err)
			return
		}
		s.audit.LogAuth(claims.Subject, audit.ResultAllowed, "", clientIP(r))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey{}, claims.Subject)))
	})
}
