package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/connectnearby/internal/config"
	"github.com/connectnearby/internal/logging"
)

// ConfigCommand returns the config command
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Create, check or print the server configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a sample connectnearby.toml",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Write the sample to `FILE`",
						Value:   "connectnearby.toml",
					},
				},
				Action: func(c *cli.Context) error {
					path := c.String("output")
					if err := config.InitConfig(path); err != nil {
						return fmt.Errorf("failed to initialize config: %w", err)
					}
					fmt.Fprintf(c.App.Writer, "Wrote sample configuration to %s; set session.jwt_secret before serving\n", path)
					return nil
				},
			},
			{
				Name:  "validate",
				Usage: "Load the configuration with environment overrides and check it",
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "Configuration is valid (backend %s, port %d)\n", cfg.Storage.Backend, cfg.Server.Port)
					return nil
				},
			},
			{
				Name:  "show",
				Usage: "Print the effective configuration with secrets masked",
				Action: func(c *cli.Context) error {
					cfg, err := config.LoadConfig(c.String("config"))
					if err != nil {
						return fmt.Errorf("failed to load config: %w", err)
					}
					writeEffectiveConfig(c.App.Writer, cfg)
					return nil
				},
			},
		},
	}
}

// loadConfig reads the file named by the global --config flag and validates it
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func writeEffectiveConfig(w io.Writer, cfg *config.Config) {
	if w == nil {
		w = os.Stdout
	}
	secret := func(v string) string {
		if v == "" {
			return "(unset)"
		}
		return logging.MaskSecret(v)
	}

	rows := []struct {
		key   string
		value any
	}{
		{"server.port", cfg.Server.Port},
		{"server.cookie_name", cfg.Server.CookieName},
		{"server.cookie_secure", cfg.Server.CookieSecure},
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeout},
		{"session.jwt_secret", secret(cfg.Session.JWTSecret)},
		{"session.issuer", cfg.Session.Issuer},
		{"session.token_ttl", cfg.Session.TokenTTL},
		{"session.settle_timeout", cfg.Session.SettleTimeout},
		{"session.cleanup_interval", cfg.Session.CleanupInterval},
		{"storage.backend", cfg.Storage.Backend},
		{"storage.database_url", secret(cfg.Storage.DatabaseURL)},
		{"send.dispatch_timeout", cfg.Send.DispatchTimeout},
		{"send.reconcile_window", cfg.Send.ReconcileWindow},
		{"send.rate_per_second", cfg.Send.RatePerSecond},
		{"send.burst", cfg.Send.Burst},
		{"retry.max_retries", cfg.Retry.MaxRetries},
		{"retry.base_delay", cfg.Retry.BaseDelay},
		{"retry.max_delay", cfg.Retry.MaxDelay},
		{"log.level", cfg.Log.Level},
		{"log.format", cfg.Log.Format},
		{"jobs.max_workers", cfg.Jobs.MaxWorkers},
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%-26s %v\n", r.key, r.value)
	}
}
