package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"time"
)

type userInfoFetcher interface {
	UserInfo(ctx context.Context, accessToken string) (*UserInfo, error)
}

// Authenticator drives login initiation and the OAuth2 callback.
type Authenticator struct {
	exchanger   TokenExchanger
	verifier    *IDTokenVerifier
	sessions    *SessionTokenService
	users       UserDirectory
	stateLength int
	defaultTTL  time.Duration
	logger      *slog.Logger
	metrics     *Metrics
	now         func() time.Time
}

// NewAuthenticator wires the login flow. defaultTTL applies when the IdP
// omits expires_in or reports a non-positive value.
func NewAuthenticator(exchanger TokenExchanger, verifier *IDTokenVerifier, sessions *SessionTokenService, users UserDirectory, defaultTTL time.Duration, logger *slog.Logger, metrics *Metrics) *Authenticator {
	if defaultTTL <= 0 {
		defaultTTL = DefaultSessionTTL
	}
	return &Authenticator{
		exchanger:   exchanger,
		verifier:    verifier,
		sessions:    sessions,
		users:       users,
		stateLength: DefaultStateLength,
		defaultTTL:  defaultTTL,
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
	}
}

// Login generates a fresh state and the IdP authorization URL carrying it.
// Nothing is stored: the caller keeps the state and returns it on callback.
func (a *Authenticator) Login() (LoginResponse, error) {
	state, err := GenerateState(a.stateLength)
	if err != nil {
		return LoginResponse{}, ErrInternal.Wrap(err)
	}
	return LoginResponse{
		AuthorizationURL: a.exchanger.AuthCodeURL(state),
		State:            state,
	}, nil
}

// Callback completes the authorization-code flow and returns a session token.
// Every failure returns before any user record is written or token issued.
func (a *Authenticator) Callback(ctx context.Context, state, code, originalState string) (CallbackResponse, error) {
	if state == "" || subtle.ConstantTimeCompare([]byte(state), []byte(originalState)) != 1 {
		a.metrics.observeCallback("csrf_mismatch")
		a.logger.Warn("callback state mismatch")
		return CallbackResponse{}, ErrCSRFMismatch
	}

	res, err := a.exchanger.Exchange(ctx, code)
	if err != nil {
		a.metrics.observeCallback("upstream_failure")
		a.logger.Error("token exchange failed", "error", err)
		return CallbackResponse{}, ErrUpstreamExchange.Wrap(err)
	}

	identity, outcome := a.verifier.verify(ctx, res.IDToken)
	switch {
	case outcome == outcomeKeySetUnavailable:
		a.metrics.observeCallback("upstream_failure")
		return CallbackResponse{}, ErrUpstreamExchange.Wrap(ErrKeySetUnavailable)
	case identity == nil:
		a.metrics.observeCallback("invalid_id_token")
		return CallbackResponse{}, ErrInvalidIdentityToken.Wrap(fmt.Errorf("id token rejected: %s", outcome))
	}

	rec := UserRecord{
		Subject:  identity.Subject,
		Username: identity.PreferredUsername,
		Email:    identity.Email,
	}
	if rec.Username == "" || rec.Email == "" {
		a.supplementFromUserInfo(ctx, res.AccessToken, &rec)
	}

	created, err := a.users.CreateIfAbsent(ctx, rec)
	if err != nil {
		a.metrics.observeCallback("internal_error")
		a.logger.Error("user upsert failed", "sub", rec.Subject, "error", err)
		return CallbackResponse{}, ErrInternal.Wrap(err)
	}
	if created {
		a.metrics.incUsersCreated()
		a.logger.Info("user created", "sub", rec.Subject)
	}

	ttl := res.ExpiresIn
	if ttl <= 0 {
		ttl = a.defaultTTL
	}
	token, err := a.sessions.Issue(SessionTokenClaims{
		Subject:   rec.Subject,
		Username:  rec.Username,
		Scopes:    res.Scopes,
		ExpiresAt: a.now().Add(ttl),
	})
	if err != nil {
		a.metrics.observeCallback("internal_error")
		return CallbackResponse{}, ErrInternal.Wrap(err)
	}

	a.metrics.observeCallback("ok")
	a.logger.Info("session issued", "sub", rec.Subject, "scopes", res.Scopes, "ttl", ttl.String())
	return CallbackResponse{AccessToken: token}, nil
}

// supplementFromUserInfo fills missing profile fields. It only trusts a
// userinfo document whose sub matches the verified ID token.
func (a *Authenticator) supplementFromUserInfo(ctx context.Context, accessToken string, rec *UserRecord) {
	fetcher, ok := a.exchanger.(userInfoFetcher)
	if !ok {
		return
	}
	info, err := fetcher.UserInfo(ctx, accessToken)
	if err != nil {
		a.logger.Warn("userinfo fetch failed", "sub", rec.Subject, "error", err)
		return
	}
	if info == nil {
		return
	}
	if info.Subject != rec.Subject {
		a.logger.Warn("userinfo subject mismatch", "sub", rec.Subject)
		return
	}
	if rec.Username == "" {
		rec.Username = info.PreferredUsername
	}
	if rec.Email == "" {
		rec.Email = info.Email
	}
}
