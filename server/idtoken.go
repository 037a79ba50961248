package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// verifyOutcome records why a token was accepted or rejected. Callers of the
// exported Verify methods only ever see nil on failure; the outcome feeds logs
// and metrics.
type verifyOutcome string

const (
	outcomeOK                verifyOutcome = "ok"
	outcomeMalformed         verifyOutcome = "malformed"
	outcomeUnknownKey        verifyOutcome = "unknown_key"
	outcomeBadSignature      verifyOutcome = "bad_signature"
	outcomeExpired           verifyOutcome = "expired"
	outcomeAudience          verifyOutcome = "audience"
	outcomeIssuer            verifyOutcome = "issuer"
	outcomeKeySetUnavailable verifyOutcome = "keyset_unavailable"
)

// asymmetricAlgs are the only algorithms accepted on IdP tokens. HS* is
// excluded so a public key can never be used as an HMAC secret.
var asymmetricAlgs = []string{"RS256", "RS384", "RS512", "PS256", "ES256", "ES384"}

func classifyJWTError(err error) verifyOutcome {
	switch {
	case errors.Is(err, ErrKeySetUnavailable):
		return outcomeKeySetUnavailable
	case errors.Is(err, ErrKeyNotFound):
		return outcomeUnknownKey
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return outcomeExpired
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return outcomeAudience
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return outcomeIssuer
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return outcomeBadSignature
	default:
		return outcomeMalformed
	}
}

type idTokenJWTClaims struct {
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
	jwt.RegisteredClaims
}

// IDTokenVerifier validates ID tokens issued by the upstream IdP.
type IDTokenVerifier struct {
	keys     SigningKeyResolver
	issuer   string
	audience string
	leeway   time.Duration
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time
}

// NewIDTokenVerifier builds a verifier. issuer may be empty to skip the iss
// check; audience is the gateway's client id.
func NewIDTokenVerifier(keys SigningKeyResolver, issuer, audience string, leeway time.Duration, logger *slog.Logger, metrics *Metrics) *IDTokenVerifier {
	return &IDTokenVerifier{
		keys:     keys,
		issuer:   issuer,
		audience: audience,
		leeway:   leeway,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Verify returns the claims of a valid ID token and nil for any failure.
func (v *IDTokenVerifier) Verify(ctx context.Context, raw string) *ExternalIdentityClaims {
	claims, _ := v.verify(ctx, raw)
	return claims
}

func (v *IDTokenVerifier) verify(ctx context.Context, raw string) (*ExternalIdentityClaims, verifyOutcome) {
	claims, outcome := v.parse(ctx, raw)
	v.metrics.observeVerification("id_token", outcome)
	if outcome != outcomeOK {
		v.logger.Info("id token rejected", "reason", string(outcome))
	}
	return claims, outcome
}

func (v *IDTokenVerifier) parse(ctx context.Context, raw string) (*ExternalIdentityClaims, verifyOutcome) {
	if raw == "" {
		return nil, outcomeMalformed
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(asymmetricAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithAudience(v.audience),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var kid string
	parsed, err := jwt.ParseWithClaims(raw, &idTokenJWTClaims{}, func(t *jwt.Token) (any, error) {
		kid, _ = t.Header["kid"].(string)
		key, err := v.keys.Resolve(ctx, kid)
		if err != nil {
			return nil, err
		}
		if key.Algorithm != "" && key.Algorithm != t.Method.Alg() {
			return nil, fmt.Errorf("%w: key %q is for %s", ErrKeyNotFound, key.KeyID, key.Algorithm)
		}
		return key.Key, nil
	}, opts...)
	if err != nil {
		return nil, classifyJWTError(err)
	}
	wire, ok := parsed.Claims.(*idTokenJWTClaims)
	if !ok || !parsed.Valid || wire.Subject == "" {
		return nil, outcomeMalformed
	}

	return &ExternalIdentityClaims{
		Subject:           wire.Subject,
		PreferredUsername: wire.PreferredUsername,
		Email:             wire.Email,
		Issuer:            wire.Issuer,
		Audience:          wire.Audience,
		ExpiresAt:         wire.ExpiresAt.Time,
		KeyID:             kid,
	}, outcomeOK
}
