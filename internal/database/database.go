package database

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Open connects to Postgres. An empty url falls back to DATABASE_URL from the
// environment or the nearest .env file.
func Open(ctx context.Context, url string) (*sql.DB, error) {
	dbURL, err := ResolveURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to get database URL: %w", err)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return db, nil
}

// ResolveURL returns url when set, otherwise DATABASE_URL from env or .env
func ResolveURL(url string) (string, error) {
	if url = strings.TrimSpace(url); url != "" {
		return url, nil
	}
	return loadDatabaseURL()
}

// Migrate applies schema statements in one transaction. Statements must be idempotent.
func Migrate(ctx context.Context, db *sql.DB, statements ...string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	log.Info().Int("statements", len(statements)).Msg("Database schema up to date")
	return nil
}

func loadDatabaseURL() (string, error) {
	if direct := strings.TrimSpace(os.Getenv("DATABASE_URL")); direct != "" {
		return direct, nil
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	envPath, err := findEnvFile(wd)
	if err != nil {
		return "", err
	}
	vars, err := ReadEnvFile(envPath)
	if err != nil {
		return "", err
	}

	value, ok := vars["DATABASE_URL"]
	switch {
	case !ok:
		return "", errors.New("DATABASE_URL not found in environment or .env")
	case value == "":
		return "", errors.New("DATABASE_URL is empty in .env")
	}
	return value, nil
}

// ReadEnvFile parses KEY=VALUE lines. Blank lines, comments and lines without
// "=" are skipped; matching surrounding quotes are stripped.
func ReadEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vars := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		vars[key] = unquote(strings.TrimSpace(value))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return vars, nil
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

// findEnvFile walks up from start to the filesystem root
func findEnvFile(start string) (string, error) {
	for dir := start; ; {
		candidate := filepath.Join(dir, ".env")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf(".env not found starting from %s", start)
		}
		dir = parent
	}
}
