package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"rpgate/server"
)

const maxConnectRedirects = 10

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return server.Config{}, fmt.Errorf("no config at %s, create one with -config-cmd=init", path)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

// runConnect follows the authorization redirect chain for a fresh state and
// fails unless it ends on a non-redirect, non-error page.
func runConnect(ctx context.Context, cfg server.Config, logger *slog.Logger, exchanger server.TokenExchanger, httpClient *http.Client) error {
	if exchanger == nil {
		provider, err := server.DiscoverEndpoints(ctx, cfg.Provider, httpClient, logger)
		if err != nil {
			return fmt.Errorf("resolve provider: %w", err)
		}
		if provider.AuthorizationURL == "" {
			return errors.New("provider authorization_url not configured")
		}
		exchanger = server.NewOAuth2Exchanger(provider, httpClient, logger)
	}

	state, err := server.GenerateState(server.DefaultStateLength)
	if err != nil {
		return err
	}
	authURL := exchanger.AuthCodeURL(state)
	logger.Info("connect.start", "auth_url", authURL)

	base := http.DefaultClient
	if httpClient != nil {
		base = httpClient
	}
	hops := 0
	client := &http.Client{
		Transport: base.Transport,
		Jar:       base.Jar,
		Timeout:   30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			hops = len(via)
			logger.Info("connect.redirect", "hop", hops, "url", req.URL.String())
			if hops >= maxConnectRedirects {
				return fmt.Errorf("stopped after %d redirects", hops)
			}
			return nil
		},
	}

	status, final, err := fetch(ctx, client, authURL)
	if err != nil {
		return fmt.Errorf("authorize endpoint: %w", err)
	}
	logger.Info("connect.result", "status", status, "effective_url", final, "redirects", hops)
	if status >= 300 {
		return fmt.Errorf("authorize chain ended with status %d at %s", status, final)
	}
	return nil
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var failed []string
	for _, target := range providerCheckURLs(cfg.Provider) {
		if err := checkURL(ctx, target); err != nil {
			logger.Error("provider URL unreachable", "url", target, "error", err)
			failed = append(failed, target)
			continue
		}
		logger.Info("provider URL reachable", "url", target)
	}
	if len(failed) > 0 {
		return fmt.Errorf("unreachable provider URLs: %s", strings.Join(failed, ", "))
	}
	logger.Info("configuration is valid", "path", path)
	return nil
}

// warnUnreachableProvider only logs; startup continues either way.
func warnUnreachableProvider(ctx context.Context, cfg server.Config, logger *slog.Logger) {
	for _, target := range providerCheckURLs(cfg.Provider) {
		if err := checkURL(ctx, target); err != nil {
			logger.Warn("provider URL unreachable, logins may fail", "url", target, "error", err)
		}
	}
}

// providerCheckURLs lists the provider endpoints that answer a plain GET.
func providerCheckURLs(p server.ProviderConfig) []string {
	var out []string
	if p.Issuer != "" {
		out = append(out, strings.TrimSuffix(p.Issuer, "/")+"/.well-known/openid-configuration")
	}
	if p.JWKSURL != "" {
		out = append(out, p.JWKSURL)
	}
	return out
}

func checkURL(ctx context.Context, target string) error {
	status, _, err := fetch(ctx, &http.Client{Timeout: 5 * time.Second}, target)
	if err != nil {
		return err
	}
	if status >= 400 {
		return fmt.Errorf("status %d", status)
	}
	return nil
}

// fetch issues a GET and reports the final status and URL.
func fetch(ctx context.Context, client *http.Client, target string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	return resp.StatusCode, resp.Request.URL.String(), nil
}
