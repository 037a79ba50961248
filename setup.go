package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"rpgate/server"
)

// prompter reads answers line by line for the interactive config wizard.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out}
}

func (p *prompter) readLine() string {
	line, _ := p.in.ReadString('\n')
	return strings.TrimSpace(line)
}

// text returns the answer, or def on an empty line.
func (p *prompter) text(label, def string) string {
	if def == "" {
		fmt.Fprintf(p.out, "%s: ", label)
	} else {
		fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	}
	if v := p.readLine(); v != "" {
		return v
	}
	return def
}

func (p *prompter) required(label string) (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		fmt.Fprintf(p.out, "%s: ", label)
		if v := p.readLine(); v != "" {
			return v, nil
		}
		fmt.Fprintln(p.out, "a value is required")
	}
	return "", fmt.Errorf("%s: no value given", strings.ToLower(label))
}

func (p *prompter) confirm(label string, def bool) bool {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	fmt.Fprintf(p.out, "%s [%s]: ", label, hint)
	switch strings.ToLower(p.readLine()) {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	default:
		return def
	}
}

func runConfigCommand(cmd, path string, logger *slog.Logger) error {
	switch cmd {
	case "init":
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		_, err := runSetup(path, newPrompter(os.Stdin, os.Stdout), logger)
		return err
	case "validate":
		return runConfigValidate(path, logger)
	default:
		return fmt.Errorf("unknown command %q, expected init or validate", cmd)
	}
}

// runSetup asks for the provider registration and writes a config file that
// LoadConfig accepts.
func runSetup(path string, p *prompter, logger *slog.Logger) (server.Config, error) {
	fmt.Fprintf(p.out, "Creating %s. Press Enter to keep a default.\n", path)
	cfg := server.DefaultConfig()

	cfg.Server.DevMode = p.confirm("Development mode (plain HTTP, no ACME)", true)
	if cfg.Server.DevMode {
		cfg.Server.PublicURL = strings.TrimSuffix(p.text("Public URL", cfg.Server.PublicURL), "/")
		cfg.Server.DevListenAddr = p.text("Listen address", cfg.Server.DevListenAddr)
	} else {
		domain, err := p.required("Public domain")
		if err != nil {
			return server.Config{}, err
		}
		domain = strings.TrimSuffix(domain, "/")
		cfg.Server.PublicURL = "https://" + domain
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.TLS.Email = p.text("ACME contact email", cfg.Server.TLS.Email)
	}

	issuer, err := p.required("Issuer URL")
	if err != nil {
		return server.Config{}, err
	}
	cfg.Provider.Issuer = strings.TrimSuffix(issuer, "/")
	if cfg.Provider.ClientID, err = p.required("Client ID"); err != nil {
		return server.Config{}, err
	}
	cfg.Provider.ClientSecret = p.text("Client secret (empty for public clients)", "")
	cfg.Provider.RedirectURL = p.text("Redirect URL", cfg.Server.PublicURL+"/callback")
	if scopes := splitList(p.text("Scopes", strings.Join(server.DefaultProviderScopes, ","))); len(scopes) > 0 {
		cfg.Provider.Scopes = scopes
	}

	secret, err := server.GenerateState(48)
	if err != nil {
		return server.Config{}, fmt.Errorf("generate signing secret: %w", err)
	}
	cfg.Session.SigningSecret = secret

	if err := saveConfig(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration written", "path", path)
	return server.LoadConfig(path)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func saveConfig(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
