package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"
)

const maxUserInfoBytes = 1 << 20

// ErrMissingIDToken is returned when the token endpoint answers without an id_token.
var ErrMissingIDToken = errors.New("id_token missing in token response")

// TokenExchanger represents the minimal behaviour required from the upstream IdP.
type TokenExchanger interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (ExchangeResult, error)
}

// UserInfo is the subset of the userinfo response the gateway reads.
type UserInfo struct {
	Subject           string `json:"sub"`
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
}

// OAuth2Exchanger talks to the IdP authorization and token endpoints.
type OAuth2Exchanger struct {
	oauthConfig *oauth2.Config
	userInfoURL string
	client      *http.Client
	logger      *slog.Logger
}

// NewOAuth2Exchanger builds an exchanger from resolved provider endpoints.
func NewOAuth2Exchanger(p ProviderConfig, client *http.Client, logger *slog.Logger) *OAuth2Exchanger {
	if client == nil {
		client = &http.Client{Timeout: p.HTTPTimeout}
	}
	style := oauth2.AuthStyleInParams
	if p.AuthStyle == "header" {
		style = oauth2.AuthStyleInHeader
	}
	scopes := p.Scopes
	if len(scopes) == 0 {
		scopes = DefaultProviderScopes
	}

	return &OAuth2Exchanger{
		oauthConfig: &oauth2.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			RedirectURL:  p.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   p.AuthorizationURL,
				TokenURL:  p.TokenURL,
				AuthStyle: style,
			},
		},
		userInfoURL: p.UserInfoURL,
		client:      client,
		logger:      logger,
	}
}

// AuthCodeURL constructs the authorization request for upstream.
func (e *OAuth2Exchanger) AuthCodeURL(state string) string {
	return e.oauthConfig.AuthCodeURL(state)
}

// Exchange trades an authorization code for tokens. It makes exactly one
// request to the token endpoint and never retries.
func (e *OAuth2Exchanger) Exchange(ctx context.Context, code string) (ExchangeResult, error) {
	ctx, span := otel.Tracer("rpgate/server").Start(ctx, "oauth2.exchange")
	defer span.End()

	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.client)
	tok, err := e.oauthConfig.Exchange(ctx, code)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "code exchange failed")
		return ExchangeResult{}, fmt.Errorf("exchange code: %w", err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		span.SetStatus(codes.Error, "id_token missing")
		return ExchangeResult{}, ErrMissingIDToken
	}

	res := ExchangeResult{
		IDToken:     rawIDToken,
		AccessToken: tok.AccessToken,
		ExpiresIn:   expiresIn(tok),
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		res.Scopes = ParseScopes(scope)
	}
	span.SetAttributes(attribute.Int("oauth2.scopes", len(res.Scopes)))
	return res, nil
}

// expiresIn reads the raw expires_in value. The oauth2 package folds it into
// an absolute Expiry, which loses the zero and missing cases.
func expiresIn(tok *oauth2.Token) time.Duration {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return time.Duration(v) * time.Second
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(n) * time.Second
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return 0
}

// UserInfo fetches the userinfo document with the IdP access token. It returns
// (nil, nil) when no userinfo endpoint is configured.
func (e *OAuth2Exchanger) UserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	if e.userInfoURL == "" || accessToken == "" {
		return nil, nil
	}
	ctx, span := otel.Tracer("rpgate/server").Start(ctx, "oidc.userinfo")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.userInfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("userinfo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo status %s", resp.Status)
	}
	var info UserInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxUserInfoBytes)).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	return &info, nil
}
