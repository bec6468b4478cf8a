package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/dig/internal/model"
	"github.com/ashita-ai/dig/migrations"
)

// appendLockKey is the transaction-scoped advisory lock that serializes
// appends, so identity values commit in the order they are assigned and a
// reader bounded by a sequence never sees a lower one appear later.
const appendLockKey = 0x646967 // "dig"

// PostgresStore wraps a pgxpool.Pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgres creates a connection pool, pings it and runs the embedded
// migrations.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if err := runMigrations(ctx, s, migrations.Postgres, logger); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Pool returns the underlying connection pool.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) Backend() string { return "postgres" }

func (s *PostgresStore) ensureMigrationsTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return err
}

func (s *PostgresStore) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (s *PostgresStore) applyMigration(ctx context.Context, name, content string) error {
	if _, err := s.pool.Exec(ctx, content); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, name)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, ev model.Event) (model.StoredEvent, error) {
	rec, err := prepare(ev)
	if err != nil {
		return model.StoredEvent{}, err
	}
	var changeID *string
	if rec.changeID != "" {
		changeID = &rec.changeID
	}

	var (
		seq      int64
		ingested time.Time
		inserted bool
	)
	err = postgresAppendRetry.do(ctx, func() error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
				return err
			}
			err := tx.QueryRow(ctx, `
				INSERT INTO events (id, type, change_id, created_at, content_hash, raw)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (id) DO NOTHING
				RETURNING seq, ingested_at`,
				ev.ID, string(ev.Type), changeID, rec.createdAt, rec.hash, string(rec.raw),
			).Scan(&seq, &ingested)
			if errors.Is(err, pgx.ErrNoRows) {
				inserted = false
				return nil
			}
			inserted = err == nil
			return err
		})
	})
	if err != nil {
		return model.StoredEvent{}, fmt.Errorf("storage: append %s: %w", ev.ID, err)
	}
	if !inserted {
		return model.StoredEvent{}, s.duplicate(ctx, ev.ID, rec.hash)
	}
	return decodeStored(rec.raw, seq, ingested, rec.hash)
}

func (s *PostgresStore) duplicate(ctx context.Context, id, hash string) error {
	var existing string
	if err := s.pool.QueryRow(ctx, `SELECT content_hash FROM events WHERE id = $1`, id).Scan(&existing); err != nil {
		return fmt.Errorf("storage: load duplicate %s: %w", id, err)
	}
	return &DuplicateIDError{ID: id, SameContent: existing == hash}
}

const pgColumns = `seq, ingested_at, content_hash, raw`

func scanPostgres(row pgx.Row) (model.StoredEvent, error) {
	var (
		seq      int64
		ingested time.Time
		hash     string
		raw      string
	)
	if err := row.Scan(&seq, &ingested, &hash, &raw); err != nil {
		return model.StoredEvent{}, err
	}
	return decodeStored([]byte(raw), seq, ingested, hash)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (model.StoredEvent, error) {
	se, err := scanPostgres(s.pool.QueryRow(ctx, `SELECT `+pgColumns+` FROM events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.StoredEvent{}, ErrNotFound
	}
	if err != nil {
		return model.StoredEvent{}, fmt.Errorf("storage: get %s: %w", id, err)
	}
	return se, nil
}

func (s *PostgresStore) QueryByChange(ctx context.Context, changeID string) ([]model.StoredEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgColumns+` FROM events WHERE change_id = $1 ORDER BY created_at, seq`, changeID)
	if err != nil {
		return nil, fmt.Errorf("storage: query by change %s: %w", changeID, err)
	}
	return collectPostgresRows(rows)
}

func collectPostgresRows(rows pgx.Rows) ([]model.StoredEvent, error) {
	defer rows.Close()
	var out []model.StoredEvent
	for rows.Next() {
		se, err := scanPostgres(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, se)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: scan events: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) QueryByType(ctx context.Context, t model.EventType, f model.EventFilter) iter.Seq2[model.StoredEvent, error] {
	return pagedQuery(ctx, f, func(ctx context.Context, after int64, n int) ([]model.StoredEvent, error) {
		q := `SELECT ` + pgColumns + ` FROM events WHERE seq > $1`
		args := []any{after}
		if t != "" {
			args = append(args, string(t))
			q += fmt.Sprintf(` AND type = $%d`, len(args))
		}
		if f.MaxSequence > 0 {
			args = append(args, f.MaxSequence)
			q += fmt.Sprintf(` AND seq <= $%d`, len(args))
		}
		if f.Since != nil {
			args = append(args, *f.Since)
			q += fmt.Sprintf(` AND created_at >= $%d`, len(args))
		}
		if f.Until != nil {
			args = append(args, *f.Until)
			q += fmt.Sprintf(` AND created_at < $%d`, len(args))
		}
		args = append(args, n)
		q += fmt.Sprintf(` ORDER BY seq LIMIT $%d`, len(args))

		rows, err := s.pool.Query(ctx, q, args...)
		if err != nil {
			return nil, fmt.Errorf("storage: query by type %s: %w", t, err)
		}
		return collectPostgresRows(rows)
	})
}

func (s *PostgresStore) Exists(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = false
	}
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT id FROM events WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: exists: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: exists: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (s *PostgresStore) LatestSequence(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("storage: latest sequence: %w", err)
	}
	return seq, nil
}

// Ping checks connectivity to the database.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
