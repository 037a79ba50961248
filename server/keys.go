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
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

const maxKeySetBytes = 1 << 20

var (
	// ErrKeyNotFound means the key set, even after a refresh, has no usable key for the kid.
	ErrKeyNotFound = errors.New("signing key not found")
	// ErrKeySetUnavailable means the key set could not be fetched.
	ErrKeySetUnavailable = errors.New("key set unavailable")
)

// SigningKeyResolver resolves IdP verification keys by key identifier.
type SigningKeyResolver interface {
	Resolve(ctx context.Context, kid string) (*jose.JSONWebKey, error)
}

// keySnapshot is immutable once published; refreshes replace it whole.
type keySnapshot struct {
	set       jose.JSONWebKeySet
	fetchedAt time.Time
	expires   time.Time
	etag      string
}

// KeyResolver fetches and caches the IdP's JSON Web Key Set.
type KeyResolver struct {
	url                string
	client             *http.Client
	ttl                time.Duration
	minRefreshInterval time.Duration
	logger             *slog.Logger
	metrics            *Metrics
	now                func() time.Time

	mu       sync.RWMutex
	snapshot *keySnapshot
	group    singleflight.Group
}

// NewKeyResolver builds a resolver for the key set at jwksURL.
func NewKeyResolver(jwksURL string, cfg KeyConfig, client *http.Client, logger *slog.Logger, metrics *Metrics) *KeyResolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultKeyCacheTTL
	}
	return &KeyResolver{
		url:                jwksURL,
		client:             client,
		ttl:                ttl,
		minRefreshInterval: cfg.MinRefreshInterval,
		logger:             logger,
		metrics:            metrics,
		now:                time.Now,
	}
}

// Resolve returns the signing key for kid. A stale cache or an unknown kid
// triggers a refetch before giving up, so rotated keys are picked up.
func (r *KeyResolver) Resolve(ctx context.Context, kid string) (*jose.JSONWebKey, error) {
	snap := r.current()
	if snap != nil && r.now().Before(snap.expires) {
		if key := findSigningKey(snap.set, kid); key != nil {
			return key, nil
		}
		// Unknown kid on a fresh set: refetch at most once per interval so
		// garbage kids cannot hammer the IdP.
		if r.now().Sub(snap.fetchedAt) < r.minRefreshInterval {
			return nil, ErrKeyNotFound
		}
	}

	snap, err := r.refresh(ctx)
	if err != nil {
		return nil, err
	}
	if key := findSigningKey(snap.set, kid); key != nil {
		return key, nil
	}
	return nil, ErrKeyNotFound
}

func (r *KeyResolver) current() *keySnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// refresh coalesces concurrent fetches into one request.
func (r *KeyResolver) refresh(ctx context.Context) (*keySnapshot, error) {
	ch := r.group.DoChan("jwks", func() (any, error) {
		return r.fetch(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrKeySetUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*keySnapshot), nil
	}
}

func (r *KeyResolver) fetch(ctx context.Context) (*keySnapshot, error) {
	ctx, span := otel.Tracer("rpgate/server").Start(ctx, "jwks.fetch")
	defer span.End()
	span.SetAttributes(attribute.String("jwks.url", r.url))

	snap, err := r.doFetch(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "jwks fetch failed")
		r.metrics.observeKeySetFetch("error")
		r.logger.Warn("jwks fetch failed", "url", r.url, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrKeySetUnavailable, err)
	}
	r.metrics.observeKeySetFetch("ok")

	r.mu.Lock()
	r.snapshot = snap
	r.mu.Unlock()
	return snap, nil
}

func (r *KeyResolver) doFetch(ctx context.Context) (*keySnapshot, error) {
	prev := r.current()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if prev != nil && prev.etag != "" {
		req.Header.Set("If-None-Match", prev.etag)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	now := r.now()
	switch resp.StatusCode {
	case http.StatusNotModified:
		if prev == nil {
			return nil, errors.New("304 without cached key set")
		}
		return &keySnapshot{
			set:       prev.set,
			fetchedAt: now,
			expires:   now.Add(cacheLifetime(resp.Header.Get("Cache-Control"), r.ttl)),
			etag:      prev.etag,
		}, nil
	case http.StatusOK:
	default:
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetBytes))
	if err != nil {
		return nil, fmt.Errorf("read key set: %w", err)
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("decode key set: %w", err)
	}

	return &keySnapshot{
		set:       set,
		fetchedAt: now,
		expires:   now.Add(cacheLifetime(resp.Header.Get("Cache-Control"), r.ttl)),
		etag:      resp.Header.Get("ETag"),
	}, nil
}

// findSigningKey picks the public signature key for kid. Without a kid, only a
// set holding exactly one eligible key resolves.
func findSigningKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	var candidates []jose.JSONWebKey
	for _, k := range set.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		if !k.IsPublic() {
			continue
		}
		if kid != "" && k.KeyID != kid {
			continue
		}
		candidates = append(candidates, k)
	}
	if len(candidates) == 0 {
		return nil
	}
	if kid == "" && len(candidates) != 1 {
		return nil
	}
	key := candidates[0]
	return &key
}

// cacheLifetime honours Cache-Control max-age and no-store, else fallback.
func cacheLifetime(header string, fallback time.Duration) time.Duration {
	for _, part := range strings.Split(header, ",") {
		directive := strings.ToLower(strings.TrimSpace(part))
		if directive == "no-store" || directive == "no-cache" {
			return 0
		}
		if v, ok := strings.CutPrefix(directive, "max-age="); ok {
			if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return fallback
}
