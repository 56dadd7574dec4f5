// Package httpauth provides bearer-token authentication for the optional
// HTTP front door, grounded on the teacher's JWTService but trimmed to a
// single shared-secret service credential: the kernel has no notion of
// user accounts, so the claims carry a subject and scopes, nothing more.
package httpauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when no Authorization header is present.
	ErrMissingToken = errors.New("httpauth: missing bearer token")
	// ErrInvalidToken is returned for a malformed or badly-signed token.
	ErrInvalidToken = errors.New("httpauth: invalid token")
	// ErrExpiredToken is returned for an expired token.
	ErrExpiredToken = errors.New("httpauth: token has expired")
)

// Claims identifies the caller presenting a token. Subject is typically a
// service or embedder identifier, not an end-user account.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

// Validator issues and validates HS256 bearer tokens against a shared
// secret (SOE_JWT_SECRET).
type Validator struct {
	secret []byte
	issuer string
}

// NewValidator builds a Validator. issuer is stamped into and checked
// against the "iss" claim.
func NewValidator(secret, issuer string) *Validator {
	if issuer == "" {
		issuer = "soe"
	}
	return &Validator{secret: []byte(secret), issuer: issuer}
}

// IssueToken signs a token for subject with the given scopes and ttl.
func (v *Validator) IssueToken(subject string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scopes: scopes,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("httpauth: sign token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a bearer token.
func (v *Validator) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

type contextKey int

const claimsKey contextKey = iota

// Middleware rejects requests lacking a valid "Authorization: Bearer <token>"
// header and otherwise injects the validated Claims into the request context.
func (v *Validator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			http.Error(w, ErrMissingToken.Error(), http.StatusUnauthorized)
			return
		}
		claims, err := v.Validate(strings.TrimPrefix(header, prefix))
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClaimsFromContext retrieves the Claims injected by Middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok
}
