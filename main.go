package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"rpgate/server"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("RPGATE_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if *configCmd != "" {
		path := firstNonEmpty(*configPath, "./config.yaml")
		if err := runConfigCommand(*configCmd, path, logger); err != nil {
			log.Fatalf("config %s failed: %v", *configCmd, err)
		}
		return
	}

	args := flag.Args()
	connect := len(args) > 0 && args[0] == "connect"
	if connect {
		args = args[1:]
	}
	path := *configPath
	if path == "" && len(args) > 0 {
		path = args[0]
	}
	path = firstNonEmpty(path, "./config.yaml")

	cfg, err := loadConfig(path, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if connect {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runConnect(ctx, cfg, logger, nil, nil); err != nil {
			logger.Error("provider connectivity failed", "client_id", cfg.Provider.ClientID, "error", err)
			os.Exit(1)
		}
		logger.Info("provider connectivity succeeded", "client_id", cfg.Provider.ClientID)
		return
	}

	if err := run(cfg, logger); err != nil {
		log.Fatalf("rpgate: %v", err)
	}
}

// run builds the gateway and serves it until SIGINT or SIGTERM.
func run(cfg server.Config, logger *slog.Logger) error {
	checkCtx, cancelCheck := context.WithTimeout(context.Background(), 10*time.Second)
	warnUnreachableProvider(checkCtx, cfg, logger)
	cancelCheck()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer app.Close()

	stopSweep := make(chan struct{})
	app.Start(stopSweep)
	defer close(stopSweep)

	return serve(ctx, buildServers(cfg, app.Routes()), logger)
}

// listener pairs a server with the call that starts it.
type listener struct {
	name  string
	srv   *http.Server
	start func() error
}

func buildServers(cfg server.Config, handler http.Handler) []listener {
	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:         cfg.Server.DevListenAddr,
			Handler:      handler,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
		return []listener{{name: "dev", srv: srv, start: srv.ListenAndServe}}
	}

	certs := &autocert.Manager{
		Cache:      autocert.DirCache(filepath.Join(cfg.Server.SecretsPath, "tls")),
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
		Email:      cfg.Server.TLS.Email,
	}
	redirect := &http.Server{
		Addr:              cfg.Server.HTTPListenAddr,
		Handler:           certs.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	secure := &http.Server{
		Addr:    cfg.Server.HTTPSListenAddr,
		Handler: handler,
		TLSConfig: &tls.Config{
			GetCertificate: certs.GetCertificate,
			MinVersion:     tlsMinVersion(cfg.Server.TLS.MinVersion),
		},
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return []listener{
		{name: "http-redirect", srv: redirect, start: redirect.ListenAndServe},
		{name: "https", srv: secure, start: func() error { return secure.ListenAndServeTLS("", "") }},
	}
}

// serve runs every listener until ctx ends or one fails, then shuts all down.
func serve(ctx context.Context, listeners []listener, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		l := l
		g.Go(func() error {
			logger.Info("server listening", "listener", l.name, "addr", l.srv.Addr)
			if err := l.start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s listener: %w", l.name, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, l := range listeners {
			if err := l.srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", l.name, err))
			}
		}
		logger.Info("server stopped")
		return errors.Join(errs...)
	})
	return g.Wait()
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.URL.RequestURI(), http.StatusMovedPermanently)
}

func tlsMinVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

func parseLogLevel(value string) (slog.Level, error) {
	var level slog.Level
	switch v := strings.ToLower(strings.TrimSpace(value)); v {
	case "":
		return slog.LevelInfo, nil
	case "err":
		return slog.LevelError, nil
	case "warning":
		return slog.LevelWarn, nil
	default:
		if err := level.UnmarshalText([]byte(v)); err != nil {
			return 0, fmt.Errorf("unknown log level")
		}
		return level, nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
