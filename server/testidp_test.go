package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testClientID      = "rpgate-test"
	testClientSecret  = "rpgate-test-secret"
	testSigningSecret = "0123456789abcdef0123456789abcdef"
	testGoodCode      = "good-code"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testIdP is an in-process identity provider: discovery, JWKS, token and
// userinfo endpoints, with call counters.
type testIdP struct {
	t      *testing.T
	server *httptest.Server
	key    *rsa.PrivateKey
	kid    string

	mu          sync.Mutex
	subject     string
	username    string
	email       string
	scope       string
	expiresIn   int
	omitIDToken bool
	idTokenTTL  time.Duration
	audience    string
	userInfo    map[string]any
	lastForm    url.Values
	jwksStatus  int

	tokenCalls    atomic.Int32
	jwksCalls     atomic.Int32
	userInfoCalls atomic.Int32
}

func newTestIdP(t *testing.T) *testIdP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	idp := &testIdP{
		t:          t,
		key:        key,
		kid:        "test-key-1",
		subject:    "user-123",
		username:   "alice",
		email:      "alice@example.com",
		scope:      "openid profile email write",
		expiresIn:  3600,
		idTokenTTL: 5 * time.Minute,
		audience:   testClientID,
		jwksStatus: http.StatusOK,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", idp.handleDiscovery)
	mux.HandleFunc("/jwks", idp.handleJWKS)
	mux.HandleFunc("/token", idp.handleToken)
	mux.HandleFunc("/userinfo", idp.handleUserInfo)
	mux.HandleFunc("/authorize", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	idp.server = httptest.NewServer(mux)
	t.Cleanup(idp.server.Close)
	return idp
}

func (p *testIdP) URL() string { return p.server.URL }

func (p *testIdP) networkCalls() int32 {
	return p.tokenCalls.Load() + p.jwksCalls.Load() + p.userInfoCalls.Load()
}

func (p *testIdP) set(fn func(p *testIdP)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

func (p *testIdP) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	base := p.server.URL
	writeTestJSON(w, http.StatusOK, map[string]any{
		"issuer":                                base,
		"authorization_endpoint":                base + "/authorize",
		"token_endpoint":                        base + "/token",
		"jwks_uri":                              base + "/jwks",
		"userinfo_endpoint":                     base + "/userinfo",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (p *testIdP) handleJWKS(w http.ResponseWriter, r *http.Request) {
	p.jwksCalls.Add(1)
	p.mu.Lock()
	status, key, kid := p.jwksStatus, p.key, p.kid
	p.mu.Unlock()
	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	writeTestJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &key.PublicKey,
		KeyID:     kid,
		Algorithm: "RS256",
		Use:       "sig",
	}}})
}

func (p *testIdP) handleToken(w http.ResponseWriter, r *http.Request) {
	p.tokenCalls.Add(1)
	if err := r.ParseForm(); err != nil {
		writeTestJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	p.mu.Lock()
	p.lastForm = r.PostForm
	subject, username, email := p.subject, p.username, p.email
	scope, expiresIn, omit := p.scope, p.expiresIn, p.omitIDToken
	p.mu.Unlock()

	if r.PostForm.Get("grant_type") != "authorization_code" || r.PostForm.Get("code") != testGoodCode {
		writeTestJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}

	resp := map[string]any{
		"access_token": "idp-access-token",
		"token_type":   "Bearer",
		"expires_in":   expiresIn,
		"scope":        scope,
	}
	if !omit {
		claims := jwt.MapClaims{"sub": subject}
		if username != "" {
			claims["preferred_username"] = username
		}
		if email != "" {
			claims["email"] = email
		}
		resp["id_token"] = p.signIDToken(claims)
	}
	writeTestJSON(w, http.StatusOK, resp)
}

func (p *testIdP) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	p.userInfoCalls.Add(1)
	if r.Header.Get("Authorization") != "Bearer idp-access-token" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	p.mu.Lock()
	info := p.userInfo
	p.mu.Unlock()
	if info == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeTestJSON(w, http.StatusOK, info)
}

// signIDToken fills iss, aud, iat and exp when absent and signs with the IdP key.
func (p *testIdP) signIDToken(claims jwt.MapClaims) string {
	p.t.Helper()
	p.mu.Lock()
	audience, ttl, key, kid := p.audience, p.idTokenTTL, p.key, p.kid
	p.mu.Unlock()
	now := time.Now()
	if _, ok := claims["iss"]; !ok {
		claims["iss"] = p.server.URL
	}
	if _, ok := claims["aud"]; !ok {
		claims["aud"] = audience
	}
	if _, ok := claims["iat"]; !ok {
		claims["iat"] = now.Unix()
	}
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = now.Add(ttl).Unix()
	}
	return signRS256(p.t, key, kid, claims)
}

func signRS256(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func writeTestJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// testConfig returns a dev-mode config wired to idp.
func testConfig(idp *testIdP) Config {
	cfg := DefaultConfig()
	cfg.Server.DevMode = true
	cfg.Provider.Issuer = idp.URL()
	cfg.Provider.ClientID = testClientID
	cfg.Provider.ClientSecret = testClientSecret
	cfg.Provider.HTTPTimeout = 5 * time.Second
	cfg.Session.SigningSecret = testSigningSecret
	cfg.Keys.MinRefreshInterval = 0
	return cfg
}

// setupTestApp builds a full App against a fresh test IdP.
func setupTestApp(t *testing.T) (*App, *testIdP) {
	t.Helper()
	idp := newTestIdP(t)
	return setupTestAppWithConfig(t, testConfig(idp)), idp
}

func setupTestAppWithConfig(t *testing.T, cfg Config) *App {
	t.Helper()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	app, err := NewApp(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewApp returned error: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })
	return app
}

// issueTestSession mints a session token directly, bypassing the login flow.
func issueTestSession(t *testing.T, app *App, subject string, scopes ...string) string {
	t.Helper()
	token, err := app.Sessions.Issue(SessionTokenClaims{
		Subject:   subject,
		Username:  subject,
		Scopes:    scopes,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return token
}
