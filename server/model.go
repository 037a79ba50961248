package server

import "time"

// UserRecord is the locally stored user, keyed by IdP subject.
type UserRecord struct {
	Subject  string `json:"sub"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// ExternalIdentityClaims holds the verified claims of an IdP ID token.
type ExternalIdentityClaims struct {
	Subject           string
	PreferredUsername string
	Email             string
	Issuer            string
	Audience          []string
	ExpiresAt         time.Time
	KeyID             string
}

// SessionTokenClaims is the payload of a gateway-issued session token.
type SessionTokenClaims struct {
	Subject   string
	Username  string
	Scopes    []string
	ExpiresAt time.Time
}

// ExchangeResult is what the IdP token endpoint returned for a code.
type ExchangeResult struct {
	IDToken     string
	AccessToken string
	ExpiresIn   time.Duration
	Scopes      []string
}

// LoginResponse is returned from /login. The caller keeps State and echoes it
// back as original_state on /callback.
type LoginResponse struct {
	AuthorizationURL string `json:"authorization_url"`
	State            string `json:"state"`
}

// CallbackResponse is returned from a successful /callback.
type CallbackResponse struct {
	AccessToken string `json:"access_token"`
}

// StatusResponse is returned from successful resource mutations.
type StatusResponse struct {
	Status string `json:"status"`
}
