package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// quietLogger avoids internal/testutil, which imports this package.
func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeMigrator struct {
	applied map[string]bool
	ran     []string
	failOn  string
}

func (f *fakeMigrator) ensureMigrationsTable(context.Context) error { return nil }

func (f *fakeMigrator) appliedMigrations(context.Context) (map[string]bool, error) {
	out := map[string]bool{}
	for k, v := range f.applied {
		out[k] = v
	}
	return out, nil
}

func (f *fakeMigrator) applyMigration(_ context.Context, name, _ string) error {
	if name == f.failOn {
		return errors.New("boom")
	}
	f.ran = append(f.ran, name)
	f.applied[name] = true
	return nil
}

func migrationFS() fstest.MapFS {
	return fstest.MapFS{
		"002_indexes.sql": {Data: []byte("CREATE INDEX x;")},
		"001_events.sql":  {Data: []byte("CREATE TABLE events;")},
		"README.md":       {Data: []byte("not a migration")},
	}
}

func TestRunMigrations_AppliesPendingInOrder(t *testing.T) {
	m := &fakeMigrator{applied: map[string]bool{}}
	require.NoError(t, runMigrations(context.Background(), m, migrationFS(), quietLogger()))
	assert.Equal(t, []string{"001_events.sql", "002_indexes.sql"}, m.ran)

	m.ran = nil
	require.NoError(t, runMigrations(context.Background(), m, migrationFS(), quietLogger()))
	assert.Empty(t, m.ran, "second run must be a no-op")
}

func TestRunMigrations_SkipsApplied(t *testing.T) {
	m := &fakeMigrator{applied: map[string]bool{"001_events.sql": true}}
	require.NoError(t, runMigrations(context.Background(), m, migrationFS(), quietLogger()))
	assert.Equal(t, []string{"002_indexes.sql"}, m.ran)
}

func TestRunMigrations_StopsOnFailure(t *testing.T) {
	m := &fakeMigrator{applied: map[string]bool{}, failOn: "001_events.sql"}
	err := runMigrations(context.Background(), m, migrationFS(), quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "001_events.sql")
	assert.Empty(t, m.ran)
}
