package storage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
)

// migrator is the backend-specific half of the migration runner.
type migrator interface {
	ensureMigrationsTable(ctx context.Context) error
	appliedMigrations(ctx context.Context) (map[string]bool, error)
	// applyMigration runs content and records name as applied.
	applyMigration(ctx context.Context, name, content string) error
}

// pendingMigrations lists the .sql files in fsys not yet in applied, in
// lexical order. Migrations are forward-only.
func pendingMigrations(fsys fs.FS, applied map[string]bool) ([]string, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("storage: list migrations: %w", err)
	}
	slices.Sort(names)
	return slices.DeleteFunc(names, func(n string) bool { return applied[path.Base(n)] }), nil
}

// runMigrations applies every pending migration once, recording each in
// schema_migrations as it goes.
func runMigrations(ctx context.Context, m migrator, fsys fs.FS, logger *slog.Logger) error {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}
	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}
	pending, err := pendingMigrations(fsys, applied)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		logger.Debug("schema up to date", "applied", len(applied))
		return nil
	}

	for _, name := range pending {
		sql, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", name, err)
		}
		logger.Info("applying migration", "file", name)
		if err := m.applyMigration(ctx, name, string(sql)); err != nil {
			return fmt.Errorf("storage: apply migration %s: %w", name, err)
		}
	}
	return nil
}
