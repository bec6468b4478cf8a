package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/dig/internal/model"
	"github.com/ashita-ai/dig/migrations"
)

// sqliteTime is a fixed-width UTC layout; lexical order equals time order.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore persists events in a local SQLite file. Writes go through a
// single connection so appends are serialized; reads use a separate pool
// and see a consistent WAL snapshot per statement.
type SQLiteStore struct {
	writer *sql.DB
	reader *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and runs the
// embedded migrations. path may be a plain file path or a file: URI.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if path == "" || strings.Contains(path, ":memory:") {
		return nil, errors.New("storage: sqlite needs a file path; use memory:// for an in-process store")
	}
	dsn := withPragmas(path)

	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	writer.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads while writes are serialized
	if _, err := writer.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("storage: enable WAL mode: %w", err)
	}

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("storage: open sqlite reader: %w", err)
	}

	s := &SQLiteStore{writer: writer, reader: reader, logger: logger, now: time.Now}
	if err := runMigrations(ctx, s, migrations.SQLite, logger); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// withPragmas appends per-connection pragmas understood by modernc.org/sqlite.
func withPragmas(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
}

func (s *SQLiteStore) Backend() string { return "sqlite" }

func (s *SQLiteStore) ensureMigrationsTable(ctx context.Context) error {
	_, err := s.writer.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
	return err
}

func (s *SQLiteStore) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.writer.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
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

func (s *SQLiteStore) applyMigration(ctx context.Context, name, content string) error {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, content); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO schema_migrations (version) VALUES (?)`, name); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Append(ctx context.Context, ev model.Event) (model.StoredEvent, error) {
	rec, err := prepare(ev)
	if err != nil {
		return model.StoredEvent{}, err
	}
	ingested := s.now().UTC()
	var changeID sql.NullString
	if rec.changeID != "" {
		changeID = sql.NullString{String: rec.changeID, Valid: true}
	}

	var seq int64
	err = sqliteAppendRetry.do(ctx, func() error {
		return s.writer.QueryRowContext(ctx, `
			INSERT INTO events (id, type, change_id, created_at, ingested_at, content_hash, raw)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING
			RETURNING seq`,
			ev.ID, string(ev.Type), changeID, rec.createdAt.Format(sqliteTime),
			ingested.Format(sqliteTime), rec.hash, string(rec.raw),
		).Scan(&seq)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return model.StoredEvent{}, s.duplicate(ctx, ev.ID, rec.hash)
	}
	if err != nil {
		return model.StoredEvent{}, fmt.Errorf("storage: append %s: %w", ev.ID, err)
	}
	return decodeStored(rec.raw, seq, ingested, rec.hash)
}

func (s *SQLiteStore) duplicate(ctx context.Context, id, hash string) error {
	var existing string
	if err := s.writer.QueryRowContext(ctx, `SELECT content_hash FROM events WHERE id = ?`, id).Scan(&existing); err != nil {
		return fmt.Errorf("storage: load duplicate %s: %w", id, err)
	}
	return &DuplicateIDError{ID: id, SameContent: existing == hash}
}

const sqliteColumns = `seq, ingested_at, content_hash, raw`

func scanSQLite(row interface{ Scan(...any) error }) (model.StoredEvent, error) {
	var (
		seq      int64
		ingested string
		hash     string
		raw      string
	)
	if err := row.Scan(&seq, &ingested, &hash, &raw); err != nil {
		return model.StoredEvent{}, err
	}
	at, err := time.Parse(sqliteTime, ingested)
	if err != nil {
		return model.StoredEvent{}, fmt.Errorf("storage: parse ingested_at %q: %w", ingested, err)
	}
	return decodeStored([]byte(raw), seq, at, hash)
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (model.StoredEvent, error) {
	se, err := scanSQLite(s.reader.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.StoredEvent{}, ErrNotFound
	}
	if err != nil {
		return model.StoredEvent{}, fmt.Errorf("storage: get %s: %w", id, err)
	}
	return se, nil
}

func (s *SQLiteStore) QueryByChange(ctx context.Context, changeID string) ([]model.StoredEvent, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM events WHERE change_id = ? ORDER BY created_at, seq`, changeID)
	if err != nil {
		return nil, fmt.Errorf("storage: query by change %s: %w", changeID, err)
	}
	return collectSQLiteRows(rows)
}

func collectSQLiteRows(rows *sql.Rows) ([]model.StoredEvent, error) {
	defer func() { _ = rows.Close() }()
	var out []model.StoredEvent
	for rows.Next() {
		se, err := scanSQLite(rows)
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

func (s *SQLiteStore) QueryByType(ctx context.Context, t model.EventType, f model.EventFilter) iter.Seq2[model.StoredEvent, error] {
	return pagedQuery(ctx, f, func(ctx context.Context, after int64, n int) ([]model.StoredEvent, error) {
		q := `SELECT ` + sqliteColumns + ` FROM events WHERE seq > ?`
		args := []any{after}
		if t != "" {
			q += ` AND type = ?`
			args = append(args, string(t))
		}
		if f.MaxSequence > 0 {
			q += ` AND seq <= ?`
			args = append(args, f.MaxSequence)
		}
		if f.Since != nil {
			q += ` AND created_at >= ?`
			args = append(args, f.Since.UTC().Format(sqliteTime))
		}
		if f.Until != nil {
			q += ` AND created_at < ?`
			args = append(args, f.Until.UTC().Format(sqliteTime))
		}
		q += ` ORDER BY seq LIMIT ?`
		args = append(args, n)

		rows, err := s.reader.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fmt.Errorf("storage: query by type %s: %w", t, err)
		}
		return collectSQLiteRows(rows)
	})
}

func (s *SQLiteStore) Exists(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = false
	}
	for chunk := range slices.Chunk(ids, pageSize) {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		if err := s.markExisting(ctx, out, `SELECT id FROM events WHERE id IN (`+placeholders+`)`, args); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStore) markExisting(ctx context.Context, out map[string]bool, q string, args []any) error {
	rows, err := s.reader.QueryContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("storage: exists: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("storage: exists: %w", err)
		}
		out[id] = true
	}
	return rows.Err()
}

func (s *SQLiteStore) LatestSequence(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.reader.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("storage: latest sequence: %w", err)
	}
	return seq, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.reader.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return errors.Join(s.reader.Close(), s.writer.Close())
}
