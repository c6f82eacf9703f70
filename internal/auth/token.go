// Package auth resolves the bearer token attached to API requests and to the
// live comment channel. The core only ever reads the current token; signing
// in and out happens elsewhere.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoIdentity is returned when no authenticated identity is available.
	ErrNoIdentity = errors.New("no authenticated identity")
	// ErrNotJWT is returned by ParseClaims for opaque tokens.
	ErrNotJWT = errors.New("token is not a JWT")
)

// TokenProvider returns the current bearer token, or an error wrapping
// ErrNoIdentity when the caller is anonymous.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenProvider.
type TokenFunc func(ctx context.Context) (string, error)

// Token calls f(ctx).
func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// Static serves a fixed token, typically read from the config file.
// An empty Static is an anonymous identity.
type Static struct {
	token string
	now   func() time.Time
}

// NewStatic creates a provider for a fixed token.
func NewStatic(token string) *Static {
	return &Static{token: strings.TrimSpace(token), now: time.Now}
}

// Anonymous returns a provider that never has an identity.
func Anonymous() *Static {
	return NewStatic("")
}

// Token returns the configured token. JWTs past their expiry are treated as
// no identity so callers stop before the server rejects them.
func (s *Static) Token(_ context.Context) (string, error) {
	if s == nil || s.token == "" {
		return "", ErrNoIdentity
	}
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	claims, err := ParseClaims(s.token)
	if err == nil && claims.Expired(now()) {
		return "", fmt.Errorf("%w: token expired at %s", ErrNoIdentity, claims.ExpiresAt.Format(time.RFC3339))
	}
	return s.token, nil
}

// Claims holds the registered claims read from a bearer token.
type Claims struct {
	Subject   string
	Issuer    string
	ExpiresAt time.Time
	Name      string
	Email     string
}

// Expired reports whether the token has an expiry at or before now.
func (c *Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

type tokenClaims struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// ParseClaims decodes a JWT without verifying its signature. The server is
// the authority on validity; the client only reads expiry and subject.
func ParseClaims(token string) (*Claims, error) {
	if strings.Count(token, ".") != 2 {
		return nil, ErrNotJWT
	}

	var tc tokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &tc); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims := &Claims{
		Subject: tc.Subject,
		Issuer:  tc.Issuer,
		Name:    tc.Name,
		Email:   tc.Email,
	}
	if tc.ExpiresAt != nil {
		claims.ExpiresAt = tc.ExpiresAt.Time
	}
	return claims, nil
}

// HasIdentity reports whether p currently yields a token. Errors other than
// ErrNoIdentity are returned so callers can tell "anonymous" from "broken".
func HasIdentity(ctx context.Context, p TokenProvider) (bool, error) {
	if p == nil {
		return false, nil
	}
	_, err := p.Token(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNoIdentity):
		return false, nil
	default:
		return false, err
	}
}
