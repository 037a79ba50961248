package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
)

type discoveryClaims struct {
	JWKSURL          string `json:"jwks_uri"`
	UserInfoEndpoint string `json:"userinfo_endpoint"`
}

// DiscoverEndpoints fills provider endpoints left empty in config from the
// issuer's OIDC discovery document. Explicit values always win. Without an
// issuer the config is returned unchanged.
func DiscoverEndpoints(ctx context.Context, p ProviderConfig, client *http.Client, logger *slog.Logger) (ProviderConfig, error) {
	if p.Issuer == "" {
		return p, nil
	}
	if p.AuthorizationURL != "" && p.TokenURL != "" && p.JWKSURL != "" && p.UserInfoURL != "" {
		return p, nil
	}

	if client != nil {
		ctx = oidc.ClientContext(ctx, client)
	}
	op, err := oidc.NewProvider(ctx, p.Issuer)
	if err != nil {
		return p, fmt.Errorf("discover provider %s: %w", p.Issuer, err)
	}

	var extra discoveryClaims
	if err := op.Claims(&extra); err != nil {
		return p, fmt.Errorf("parse discovery document: %w", err)
	}

	endpoint := op.Endpoint()
	if p.AuthorizationURL == "" {
		p.AuthorizationURL = endpoint.AuthURL
	}
	if p.TokenURL == "" {
		p.TokenURL = endpoint.TokenURL
	}
	if p.JWKSURL == "" {
		p.JWKSURL = extra.JWKSURL
	}
	if p.UserInfoURL == "" {
		p.UserInfoURL = extra.UserInfoEndpoint
	}

	if p.AuthorizationURL == "" || p.TokenURL == "" || p.JWKSURL == "" {
		return p, fmt.Errorf("discovery document for %s is missing required endpoints", p.Issuer)
	}
	logger.Info("provider endpoints discovered",
		"issuer", p.Issuer,
		"authorization_url", p.AuthorizationURL,
		"token_url", p.TokenURL,
		"jwks_url", p.JWKSURL,
		"userinfo_url", p.UserInfoURL,
	)
	return p, nil
}
