package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/urfave/cli/v2"

	"github.com/connectnearby/internal/config"
	"github.com/connectnearby/internal/database"
	"github.com/connectnearby/internal/logging"
)

// ConfigCheckResult is the outcome of CheckRequiredConfig. Present values are masked.
type ConfigCheckResult struct {
	Missing  []string
	Present  map[string]string
	Warnings []string
	Postgres bool
}

// EnvCommand returns the command reporting required environment variables
func EnvCommand() *cli.Command {
	return &cli.Command{
		Name:  "env",
		Usage: "Check the environment variables the server needs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load variables from `FILE` before checking",
			},
		},
		Action: func(c *cli.Context) error {
			if file := c.String("env-file"); file != "" {
				if err := LoadEnvFile(file); err != nil {
					return fmt.Errorf("failed to load env file: %w", err)
				}
			}
			backend := os.Getenv(config.EnvPrefix + "STORAGE__BACKEND")
			result := CheckRequiredConfig(backend == config.BackendPostgres)
			PrintConfigCheck(result)
			if len(result.Missing) > 0 {
				return fmt.Errorf("%d required variable(s) missing", len(result.Missing))
			}
			return nil
		},
	}
}

// CheckRequiredConfig validates that required environment variables are set
func CheckRequiredConfig(postgres bool) *ConfigCheckResult {
	result := &ConfigCheckResult{Present: make(map[string]string), Postgres: postgres}
	secretVar := config.EnvPrefix + "SESSION__JWT_SECRET"
	dbVar := config.EnvPrefix + "STORAGE__DATABASE_URL"

	secret := os.Getenv(secretVar)
	switch {
	case secret == "":
		result.Missing = append(result.Missing, secretVar)
	case len(secret) < 16:
		result.Warnings = append(result.Warnings, "session secret is shorter than 16 characters and will be rejected")
	}

	if postgres && os.Getenv("DATABASE_URL") == "" && os.Getenv(dbVar) == "" {
		result.Missing = append(result.Missing, "DATABASE_URL")
	}

	for _, v := range []string{secretVar, "DATABASE_URL", dbVar, config.EnvPrefix + "SERVER__COOKIE_SECURE"} {
		if val := os.Getenv(v); val != "" {
			result.Present[v] = logging.MaskSecret(val)
		}
	}
	return result
}

// PrintConfigCheck prints the configuration check results
func PrintConfigCheck(result *ConfigCheckResult) {
	backend := config.BackendMemory
	if result.Postgres {
		backend = config.BackendPostgres
	}
	fmt.Printf("storage backend: %s\n", backend)

	for _, v := range result.Missing {
		fmt.Printf("missing  %s\n", v)
	}

	keys := make([]string, 0, len(result.Present))
	for k := range result.Present {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("set      %s = %s\n", k, result.Present[k])
	}

	for _, w := range result.Warnings {
		fmt.Printf("warning  %s\n", w)
	}

	if len(result.Missing) == 0 {
		fmt.Println("ok: all required configuration is present")
	}
}

// LoadEnvFile exports every variable of an env file, overwriting existing values
func LoadEnvFile(filename string) error {
	vars, err := database.ReadEnvFile(filename)
	if err != nil {
		return err
	}
	for key, value := range vars {
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set env var %s: %w", key, err)
		}
	}
	return nil
}
