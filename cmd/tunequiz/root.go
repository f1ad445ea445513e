package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mnehpets/tunequiz/auth"
	"github.com/mnehpets/tunequiz/browser"
	"github.com/mnehpets/tunequiz/config"
	"github.com/mnehpets/tunequiz/logging"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
)

// Version is set via ldflags at build time.
var Version = "dev"

// app holds what the commands share once the root command has run.
type app struct {
	configPath string
	envFile    string
	logLevel   string

	cfg     *config.Config
	log     *log.Logger
	manager *auth.Manager

	// openURL launches the browser. Tests replace it.
	openURL func(string) error
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "tunequiz",
		Short:         "Sign in to the music quiz and call its API",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
	}
	root.SetVersionTemplate("tunequiz version {{.Version}}\n")
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before the environment")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (overrides config)")

	root.AddCommand(
		newLoginCmd(a),
		newWhoamiCmd(a),
		newStatusCmd(a),
		newRefreshCmd(a),
		newLogoutCmd(a),
		newRequestCmd(a),
	)
	return root
}

func (a *app) setup(ctx context.Context) error {
	cfg, err := config.Load(a.configPath, a.envFile)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}
	if a.log == nil {
		a.log = log.StandardLogger()
	}
	if _, err := logging.Setup(a.log, logging.Options{
		Level:        cfg.Log.Level,
		File:         cfg.Log.File,
		MaxSizeMB:    cfg.Log.MaxSizeMB,
		MaxBackups:   cfg.Log.MaxBackups,
		ReportCaller: cfg.Log.Level == "debug" || cfg.Log.Level == "trace",
	}); err != nil {
		return err
	}
	if a.openURL == nil {
		opener := &browser.Opener{Log: a.log}
		a.openURL = opener.Open
	}

	backend, err := newBackend(ctx, cfg, a.log)
	if err != nil {
		return err
	}
	tokens, err := newTokenStore(cfg.Store, a.log)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.manager = auth.New(backend,
		auth.WithTokenStore(tokens),
		auth.WithRedirectURI(cfg.RedirectURI),
		auth.WithRefreshBuffer(cfg.RefreshBuffer),
		auth.WithLogger(a.log),
	)
	return nil
}

func newBackend(ctx context.Context, cfg *config.Config, l log.FieldLogger) (auth.Backend, error) {
	hc := &http.Client{Timeout: cfg.RequestTimeout}
	p := cfg.Provider
	if !p.Enabled() {
		return auth.NewHTTPBackend(cfg.BackendURL,
			auth.WithEndpoints(auth.Endpoints{
				Login:    cfg.Endpoints.Login,
				Exchange: cfg.Endpoints.Exchange,
				Refresh:  cfg.Endpoints.Refresh,
				Profile:  cfg.Endpoints.Profile,
			}),
			auth.WithHTTPClient(hc),
			auth.WithBackendLogger(l),
		)
	}

	opts := []auth.ProviderOption{auth.WithProviderHTTPClient(hc), auth.WithProviderLogger(l)}
	if p.UserInfoURL != "" {
		opts = append(opts, auth.WithUserInfoURL(p.UserInfoURL))
	}
	if p.Issuer != "" {
		return auth.NewOIDCProviderBackend(ctx, p.Issuer, p.ClientID, p.ClientSecret, p.Scopes, opts)
	}
	return auth.NewProviderBackend(&oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Endpoint:     oauth2.Endpoint{AuthURL: p.AuthURL, TokenURL: p.TokenURL},
		Scopes:       p.Scopes,
	}, opts...)
}
