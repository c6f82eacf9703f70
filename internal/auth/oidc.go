package auth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/MacJediWizard/minitube/internal/config"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// OIDCConfig holds the identity provider settings for refresh-token sign-in.
type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RefreshToken string
	Scopes       []string
}

// OIDC serves ID tokens minted from a stored refresh token. Tokens are cached
// until they expire and refreshed on demand.
type OIDC struct {
	source oauth2.TokenSource
	logger zerolog.Logger
}

// NewOIDC discovers the provider and prepares a refreshing token source.
// httpClient may be nil to use http.DefaultClient.
func NewOIDC(ctx context.Context, cfg OIDCConfig, httpClient *http.Client, logger zerolog.Logger) (*OIDC, error) {
	if cfg.RefreshToken == "" {
		return nil, fmt.Errorf("create OIDC token source: %w", ErrNoIdentity)
	}
	if httpClient != nil {
		ctx = oidc.ClientContext(ctx, httpClient)
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("create OIDC provider: %w", err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, oidc.ScopeOfflineAccess, "profile", "email"}
	}

	oauth2Config := oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     provider.Endpoint(),
		Scopes:       scopes,
	}

	// The discovery context carries the HTTP client used for every refresh.
	source := oauth2.ReuseTokenSource(nil, oauth2Config.TokenSource(ctx, &oauth2.Token{
		RefreshToken: cfg.RefreshToken,
	}))

	o := &OIDC{
		source: source,
		logger: logger.With().Str("component", "oidc").Logger(),
	}

	o.logger.Info().Str("issuer", cfg.Issuer).Msg("OIDC provider initialized")
	return o, nil
}

// Token returns the current ID token, falling back to the access token when
// the provider does not issue ID tokens on refresh.
func (o *OIDC) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	token, err := o.source.Token()
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}

	if raw, ok := token.Extra("id_token").(string); ok && raw != "" {
		return raw, nil
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("refresh token: %w", ErrNoIdentity)
	}
	return token.AccessToken, nil
}

// FromConfig builds the token provider described by the client config:
// OIDC refresh when configured, else the static token, else anonymous.
func FromConfig(ctx context.Context, cfg *config.ClientConfig, httpClient *http.Client, logger zerolog.Logger) (TokenProvider, error) {
	if cfg.OIDC != nil {
		return NewOIDC(ctx, OIDCConfig{
			Issuer:       cfg.OIDC.Issuer,
			ClientID:     cfg.OIDC.ClientID,
			ClientSecret: cfg.OIDC.ClientSecret,
			RefreshToken: cfg.OIDC.RefreshToken,
			Scopes:       cfg.OIDC.Scopes,
		}, httpClient, logger)
	}
	return NewStatic(cfg.Token), nil
}
