// Package db opens the embedded libsql database and applies its migrations.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	_ "github.com/tursodatabase/go-libsql"
)

//go:embed migrations/*.sql
var migrations embed.FS

// LibSQLEmbeddedConfig holds configuration for embedded libsql connections
type LibSQLEmbeddedConfig struct {
	DatabasePath string // Path to .db file
}

func ConnectToDB(path string, logger zerolog.Logger) (*sql.DB, error) {
	return ConnectToDBWithConfig(&LibSQLEmbeddedConfig{DatabasePath: path}, logger)
}

// ConnectToDBWithConfig opens the database, creating its directory when needed, and runs
// the embedded migrations.
func ConnectToDBWithConfig(config *LibSQLEmbeddedConfig, logger zerolog.Logger) (*sql.DB, error) {
	dir := filepath.Dir(config.DatabasePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create database directory %s: %w", dir, err)
	}

	if _, err := os.Stat(config.DatabasePath); os.IsNotExist(err) {
		logger.Info().Str("path", config.DatabasePath).Msg("database not found, creating a new one")
	}

	dsn := "file:" + config.DatabasePath
	logger.Debug().Str("dsn", dsn).Msg("connecting to embedded libsql")

	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open libsql connection: %w", err)
	}

	ctx := context.Background()
	if err := verify(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := Migrate(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func verify(ctx context.Context, db *sql.DB) error {
	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("basic connectivity test failed: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("basic connectivity test failed: unexpected result %d", result)
	}
	return nil
}

// Migrate brings the schema up to date.
func Migrate(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectTurso, db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to run goose migrations: %w", err)
	}
	for _, r := range results {
		logger.Info().Str("migration", r.Source.Path).Dur("duration", r.Duration).Msg("applied migration")
	}
	return nil
}
