package cmd

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/connectnearby/internal/api"
	"github.com/connectnearby/internal/chat"
	"github.com/connectnearby/internal/config"
	"github.com/connectnearby/internal/database"
	"github.com/connectnearby/internal/identity"
	"github.com/connectnearby/internal/jobqueue"
	"github.com/connectnearby/internal/logging"
	"github.com/connectnearby/internal/retry"
	"github.com/connectnearby/internal/storage"
)

// APICommand returns the CLI command for starting the API server
func APICommand() *cli.Command {
	return &cli.Command{
		Name:  "api",
		Usage: "Start the Connect Nearby API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server (overrides server.port)",
			},
		},
		Action: runAPI,
	}
}

func runAPI(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if port := c.Int("port"); port > 0 {
		cfg.Server.Port = port
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	tokens := identity.NewTokenService(backend.directory, cfg.Session.JWTSecret)
	tokens.Issuer = cfg.Session.Issuer
	tokens.TokenTTL = cfg.Session.TokenTTL
	svc := identity.NewService(backend.directory, tokens)

	if backend.db != nil {
		queueCfg := jobqueue.DefaultQueueConfig()
		queueCfg.MaxWorkers = cfg.Jobs.MaxWorkers
		queueCfg.CleanupInterval = cfg.Session.CleanupInterval

		jq, err := jobqueue.NewJobQueue(ctx, backend.url, queueCfg, tokens)
		if err != nil {
			return err
		}
		if err := jq.Start(ctx); err != nil {
			return fmt.Errorf("failed to start job queue: %w", err)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer stopCancel()
			if err := jq.Stop(stopCtx); err != nil {
				log.Warn().Err(err).Msg("Job queue did not stop cleanly")
			}
		}()
	} else {
		tokens.StartCleanupScheduler(ctx, cfg.Session.CleanupInterval)
	}

	server := api.NewServer(api.Options{
		Port:            cfg.Server.Port,
		CookieName:      cfg.Server.CookieName,
		CookieSecure:    cfg.Server.CookieSecure,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Identity:        svc,
		Store:           backend.store,
		Chat: chat.Config{
			DispatchTimeout: cfg.Send.DispatchTimeout,
			ReconcileWindow: cfg.Send.ReconcileWindow,
			Retry:           retry.LoadRetryConfig(cfg.Retry.MaxRetries, cfg.Retry.BaseDelay, cfg.Retry.MaxDelay),
		},
		SettleTimeout:     cfg.Session.SettleTimeout,
		SweepInterval:     cfg.Session.CleanupInterval,
		IdleTimeout:       cfg.Session.TokenTTL,
		SendRatePerSecond: cfg.Send.RatePerSecond,
		SendBurst:         cfg.Send.Burst,
	})

	log.Info().
		Int("port", cfg.Server.Port).
		Str("backend", cfg.Storage.Backend).
		Msg("Starting Connect Nearby API server")
	return server.Start(ctx)
}

// backend bundles the directory and message store for the configured storage
type backend struct {
	directory identity.Directory
	store     storage.Store
	db        *sql.DB
	url       string
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	if cfg.Storage.Backend != config.BackendPostgres {
		return &backend{
			directory: identity.NewInMemoryDirectory(),
			store:     storage.NewInMemoryStore(),
		}, nil
	}

	url, err := database.ResolveURL(cfg.Storage.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get database URL: %w", err)
	}
	db, err := database.Open(ctx, url)
	if err != nil {
		return nil, err
	}
	return &backend{
		directory: identity.NewPostgresDirectory(db),
		store:     storage.NewPostgresStore(db),
		db:        db,
		url:       url,
	}, nil
}

func (b *backend) Close() {
	if b.db != nil {
		b.db.Close()
	}
}
