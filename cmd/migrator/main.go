// Command migrator applies the SQL schema to the configured database. The
// embedded migrations are used unless MIGRATIONS_DIR points elsewhere.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/IVVI0927/AIgreement/migrations"
	"github.com/IVVI0927/AIgreement/pkg/config"
	"github.com/IVVI0927/AIgreement/pkg/store"
)

type migratorDBCloser interface {
	store.MigrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf    = log.Fatalf
	loadConfigFn = config.Load
	openDBFn     = func(ctx context.Context, cfg store.PostgresConfig, logger *slog.Logger) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx, cfg, logger)
	}
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	if err := runMigrator(ctx, os.Getenv("CONFIG_FILE"), os.Getenv("MIGRATIONS_DIR"), logger); err != nil {
		logFatalf("migration: %v", err)
	}
}

func runMigrator(ctx context.Context, configPath, dir string, logger *slog.Logger) error {
	cfg, err := loadConfigFn(configPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Database.URL) == "" {
		return errors.New("DATABASE_URL is required")
	}
	fsys, err := migrationSource(dir)
	if err != nil {
		return err
	}
	db, err := openDBFn(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer db.Close()

	applied, err := store.Migrate(ctx, db, fsys, logger)
	if err != nil {
		return err
	}
	logger.Info("migrator finished", "applied", applied)
	return nil
}

func migrationSource(dir string) (fs.FS, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return migrations.FS, nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("migrations dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("migrations dir %q is not a directory", dir)
	}
	return os.DirFS(dir), nil
}
