package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/connectnearby/internal/config"
	"github.com/connectnearby/internal/database"
	"github.com/connectnearby/internal/identity"
	"github.com/connectnearby/internal/logging"
	"github.com/connectnearby/internal/storage"
)

// MigrateCommand returns the command creating the Postgres schema
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create or update the Postgres schema (River tables are migrated with the river CLI)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "database-url",
				Usage: "Postgres URL (defaults to storage.database_url, then DATABASE_URL)",
			},
		},
		Action: runMigrate,
	}
}

func runMigrate(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	url := c.String("database-url")
	if url == "" {
		url = cfg.Storage.DatabaseURL
	}

	db, err := database.Open(c.Context, url)
	if err != nil {
		return err
	}
	defer db.Close()

	statements := append(append([]string{}, identity.Schema...), storage.Schema...)
	if err := database.Migrate(c.Context, db, statements...); err != nil {
		return err
	}

	fmt.Println("Schema is up to date")
	return nil
}
