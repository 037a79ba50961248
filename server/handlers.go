package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config      Config
	Logger      *slog.Logger
	Metrics     *Metrics
	Auth        *Authenticator
	Sessions    *SessionTokenService
	Users       UserDirectory
	Idempotency IdempotencyGuard

	closers []io.Closer
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	metrics := NewMetrics()
	httpClient := &http.Client{Timeout: cfg.Provider.HTTPTimeout}

	provider, err := DiscoverEndpoints(ctx, cfg.Provider, httpClient, logger)
	if err != nil {
		return nil, err
	}

	secret := []byte(cfg.Session.SigningSecret)
	if len(secret) == 0 {
		if !cfg.Server.DevMode {
			return nil, errors.New("session.signing_secret is required outside dev mode")
		}
		generated, err := GenerateState(48)
		if err != nil {
			return nil, fmt.Errorf("generate signing secret: %w", err)
		}
		secret = []byte(generated)
		logger.Warn("session.signing_secret not set; using an ephemeral secret, tokens will not survive restart")
	}
	sessions, err := NewSessionTokenService(secret, cfg.Server.PublicURL, logger, metrics)
	if err != nil {
		return nil, err
	}

	keys := NewKeyResolver(provider.JWKSURL, cfg.Keys, httpClient, logger, metrics)
	verifier := NewIDTokenVerifier(keys, provider.Issuer, provider.ClientID, provider.ClockSkew, logger, metrics)
	exchanger := NewOAuth2Exchanger(provider, httpClient, logger)

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics,
		Sessions: sessions,
	}

	switch cfg.Storage.Driver {
	case DriverSQLite:
		dir, err := OpenSQLiteUserDirectory(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		app.Users = dir
		app.closers = append(app.closers, dir)
	default:
		app.Users = NewMemoryUserDirectory()
	}

	switch cfg.Idempotency.Backend {
	case BackendRedis:
		guard, err := NewRedisIdempotencyGuard(ctx, cfg.Idempotency, logger)
		if err != nil {
			_ = app.Close()
			return nil, err
		}
		app.Idempotency = guard
		app.closers = append(app.closers, guard)
	default:
		app.Idempotency = NewMemoryIdempotencyGuard(cfg.Idempotency.TTL, logger)
	}

	app.Auth = NewAuthenticator(exchanger, verifier, sessions, app.Users, cfg.Session.DefaultTTL, logger, metrics)

	logger.Info("gateway configured",
		"storage", cfg.Storage.Driver,
		"idempotency", cfg.Idempotency.Backend,
		"required_scope", cfg.Session.RequiredScope,
	)
	return app, nil
}

// Start launches background maintenance until stop closes.
func (a *App) Start(stop <-chan struct{}) {
	if guard, ok := a.Idempotency.(*MemoryIdempotencyGuard); ok {
		guard.StartSweeper(a.Config.Idempotency.SweepInterval, stop)
	}
}

// Close releases storage and idempotency backends.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "rpgate: OAuth2 relying-party gateway\n")
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	if pinger, ok := a.Idempotency.(interface{ Ping(context.Context) error }); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pinger.Ping(ctx); err != nil {
			a.Logger.Warn("health check failed", "component", "idempotency", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, StatusResponse{Status: "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	resp, err := a.Auth.Login()
	if err != nil {
		a.Logger.Error("login failed", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resp, err := a.Auth.Callback(r.Context(), q.Get("state"), q.Get("code"), q.Get("original_state"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDeleteResource removes the caller's own user record. The path id is
// not used for identity: the subject always comes from the session token.
func (a *App) handleDeleteResource(w http.ResponseWriter, r *http.Request) {
	claims := SessionFromContext(r.Context())
	if claims == nil {
		writeError(w, ErrInvalidToken)
		return
	}

	if err := a.Users.Delete(r.Context(), claims.Subject); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			a.Metrics.observeMutation(http.MethodDelete, "not_found")
			writeError(w, ErrResourceNotFound)
			return
		}
		a.Metrics.observeMutation(http.MethodDelete, "error")
		a.Logger.Error("delete user failed", "sub", claims.Subject, "error", err)
		writeError(w, ErrInternal.Wrap(err))
		return
	}
	a.Metrics.observeMutation(http.MethodDelete, "ok")
	a.Logger.Info("user deleted", "sub", claims.Subject)
	writeJSON(w, http.StatusOK, StatusResponse{Status: "Resource deleted"})
}

func (a *App) handleUpdateResource(w http.ResponseWriter, r *http.Request) {
	a.Metrics.observeMutation(http.MethodPut, "ok")
	writeJSON(w, http.StatusOK, StatusResponse{Status: "Resource updated"})
}

func (a *App) handlePatchResource(w http.ResponseWriter, r *http.Request) {
	a.Metrics.observeMutation(http.MethodPatch, "ok")
	writeJSON(w, http.StatusOK, StatusResponse{Status: "Resource partially updated"})
}
