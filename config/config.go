// Package config loads tunequiz client settings from a YAML file, an optional
// .env file and TUNEQUIZ_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "TUNEQUIZ_"

// Store types.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Config is the client configuration.
type Config struct {
	// BackendURL is the quiz backend that brokers the token exchange. It is
	// not needed when Provider.ClientID is set.
	BackendURL      string        `yaml:"backend-url" env:"BACKEND_URL"`
	RedirectURI     string        `yaml:"redirect-uri" env:"REDIRECT_URI"`
	RefreshBuffer   time.Duration `yaml:"refresh-buffer" env:"REFRESH_BUFFER"`
	CallbackTimeout time.Duration `yaml:"callback-timeout" env:"CALLBACK_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"request-timeout" env:"REQUEST_TIMEOUT"`

	Endpoints EndpointsConfig `yaml:"endpoints" envPrefix:"ENDPOINT_"`
	Provider  ProviderConfig  `yaml:"provider" envPrefix:"PROVIDER_"`
	Store     StoreConfig     `yaml:"store" envPrefix:"STORE_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
}

// EndpointsConfig overrides backend paths. Empty fields keep the defaults.
type EndpointsConfig struct {
	Login    string `yaml:"login" env:"LOGIN"`
	Exchange string `yaml:"exchange" env:"EXCHANGE"`
	Refresh  string `yaml:"refresh" env:"REFRESH"`
	Profile  string `yaml:"profile" env:"PROFILE"`
}

// ProviderConfig selects the direct provider mode, where this process talks
// to the authorization server itself. Issuer enables OIDC discovery;
// otherwise AuthURL and TokenURL are required.
type ProviderConfig struct {
	Issuer       string   `yaml:"issuer" env:"ISSUER"`
	ClientID     string   `yaml:"client-id" env:"CLIENT_ID"`
	ClientSecret string   `yaml:"client-secret" env:"CLIENT_SECRET"`
	AuthURL      string   `yaml:"auth-url" env:"AUTH_URL"`
	TokenURL     string   `yaml:"token-url" env:"TOKEN_URL"`
	UserInfoURL  string   `yaml:"userinfo-url" env:"USERINFO_URL"`
	Scopes       []string `yaml:"scopes" env:"SCOPES"`
}

// Enabled reports whether direct provider mode is configured.
func (p ProviderConfig) Enabled() bool {
	return p.ClientID != ""
}

// StoreConfig selects where tokens are persisted.
type StoreConfig struct {
	Type string `yaml:"type" env:"TYPE"`
	Path string `yaml:"path" env:"PATH"`
	// Profile keys the row in a SQLite store.
	Profile string `yaml:"profile" env:"PROFILE"`
	// Key is a base64 sealing key for the file store. When empty a key file
	// next to Path is created on first use.
	Key   string `yaml:"key" env:"KEY"`
	KeyID string `yaml:"key-id" env:"KEY_ID"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level      string `yaml:"level" env:"LEVEL"`
	File       string `yaml:"file" env:"FILE"`
	MaxSizeMB  int    `yaml:"max-size-mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max-backups" env:"MAX_BACKUPS"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	dir := DefaultDir()
	return &Config{
		RedirectURI:     "http://127.0.0.1:8765/callback",
		RefreshBuffer:   5 * time.Minute,
		CallbackTimeout: 5 * time.Minute,
		RequestTimeout:  30 * time.Second,
		Provider: ProviderConfig{
			Scopes: []string{"user-read-private", "user-read-email"},
		},
		Store: StoreConfig{
			Type:    StoreFile,
			Path:    filepath.Join(dir, "tokens.sealed"),
			Profile: "default",
			KeyID:   "k1",
		},
		Log: LogConfig{
			Level:     "info",
			MaxSizeMB: 10,
		},
	}
}

// DefaultDir is the per-user directory for tokens, keys and logs.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tunequiz"
	}
	return filepath.Join(home, ".tunequiz")
}

// Load reads configuration. path may be empty, in which case only defaults,
// .env and the environment are used. envFile is loaded if it exists and
// never overrides variables that are already set.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	cfg.Store.Path = expandHome(cfg.Store.Path)
	cfg.Log.File = expandHome(cfg.Log.File)
	return cfg, nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Validate reports every missing or inconsistent setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Provider.Enabled() {
		if c.Provider.Issuer == "" && (c.Provider.AuthURL == "" || c.Provider.TokenURL == "") {
			errs = append(errs, errors.New("provider: issuer or both auth-url and token-url are required"))
		}
	} else if err := checkAbsURL("backend-url", c.BackendURL); err != nil {
		errs = append(errs, err)
	}

	if err := checkAbsURL("redirect-uri", c.RedirectURI); err != nil {
		errs = append(errs, err)
	} else if u, _ := url.Parse(c.RedirectURI); u.Scheme != "http" {
		errs = append(errs, fmt.Errorf("redirect-uri: loopback redirect must use http, got %q", u.Scheme))
	}

	if c.RefreshBuffer < 0 {
		errs = append(errs, errors.New("refresh-buffer must not be negative"))
	}
	if c.CallbackTimeout <= 0 {
		errs = append(errs, errors.New("callback-timeout must be positive"))
	}

	switch c.Store.Type {
	case StoreMemory:
	case StoreFile, StoreSQLite:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store: path is required for %s store", c.Store.Type))
		}
	default:
		errs = append(errs, fmt.Errorf("store: unknown type %q", c.Store.Type))
	}
	if c.Store.Type == StoreFile && c.Store.KeyID == "" {
		errs = append(errs, errors.New("store: key-id is required for file store"))
	}
	return errors.Join(errs...)
}

func checkAbsURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is not set", name)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s: %q is not an absolute URL", name, raw)
	}
	return nil
}
