package server

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// sessionJWTClaims is the wire form of SessionTokenClaims.
type sessionJWTClaims struct {
	Username string   `json:"username"`
	Scopes   []string `json:"scopes"`
	jwt.RegisteredClaims
}

// SessionTokenService issues and verifies HS256 session tokens. The token is
// the session: nothing is stored server-side.
type SessionTokenService struct {
	secret  []byte
	issuer  string
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewSessionTokenService constructs a SessionTokenService. issuer may be empty.
func NewSessionTokenService(secret []byte, issuer string, logger *slog.Logger, metrics *Metrics) (*SessionTokenService, error) {
	if len(secret) == 0 {
		return nil, errors.New("session signing secret required")
	}
	return &SessionTokenService{
		secret:  secret,
		issuer:  issuer,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}, nil
}

// Issue signs claims. ExpiresAt must lie strictly in the future.
func (s *SessionTokenService) Issue(claims SessionTokenClaims) (string, error) {
	now := s.now()
	// exp is encoded at jwt.TimePrecision; check the value that will be signed.
	expiresAt := claims.ExpiresAt.Truncate(jwt.TimePrecision)
	if !expiresAt.After(now) {
		return "", fmt.Errorf("session expiry %s is not in the future", claims.ExpiresAt.UTC().Format(time.RFC3339Nano))
	}
	if claims.Subject == "" {
		return "", errors.New("session subject required")
	}
	scopes := claims.Scopes
	if scopes == nil {
		scopes = []string{}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionJWTClaims{
		Username: claims.Username,
		Scopes:   scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify returns the claims of a valid token and nil for any failure.
func (s *SessionTokenService) Verify(token string) *SessionTokenClaims {
	claims, outcome := s.verify(token)
	s.metrics.observeVerification("session", outcome)
	if outcome != outcomeOK {
		s.logger.Debug("session token rejected", "reason", string(outcome))
		return nil
	}
	return claims
}

func (s *SessionTokenService) verify(token string) (*SessionTokenClaims, verifyOutcome) {
	if token == "" {
		return nil, outcomeMalformed
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &sessionJWTClaims{}, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, classifyJWTError(err)
	}
	wire, ok := parsed.Claims.(*sessionJWTClaims)
	if !ok || !parsed.Valid || wire.Subject == "" {
		return nil, outcomeMalformed
	}

	return &SessionTokenClaims{
		Subject:   wire.Subject,
		Username:  wire.Username,
		Scopes:    wire.Scopes,
		ExpiresAt: wire.ExpiresAt.Time,
	}, outcomeOK
}
