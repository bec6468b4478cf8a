// Package storage provides the append-only event store.
//
// Three backends implement Store: an in-process memory store, SQLite (via
// modernc.org/sqlite) and PostgreSQL (via pgxpool). All share the same
// contract: events are validated, canonically encoded and hashed before the
// write; the first writer of an id wins; nothing is ever updated or deleted.
package storage

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/ashita-ai/dig/internal/integrity"
	"github.com/ashita-ai/dig/internal/model"
)

// pageSize is how many rows SQL backends fetch per round trip when ranging
// over a type query.
const pageSize = 500

// Store is the append-only event store.
type Store interface {
	// Append validates and writes ev once. It fails with *model.ValidationError
	// or *DuplicateIDError and never overwrites.
	Append(ctx context.Context, ev model.Event) (model.StoredEvent, error)
	// Get returns the stored event or ErrNotFound.
	Get(ctx context.Context, id string) (model.StoredEvent, error)
	// QueryByChange returns the change itself and every event whose change_id
	// names it, ordered by created_at then sequence.
	QueryByChange(ctx context.Context, changeID string) ([]model.StoredEvent, error)
	// QueryByType ranges over events of type t (every type when t is "") in
	// ingestion order. Each range re-runs the query.
	QueryByType(ctx context.Context, t model.EventType, f model.EventFilter) iter.Seq2[model.StoredEvent, error]
	// Exists reports which of ids are stored.
	Exists(ctx context.Context, ids []string) (map[string]bool, error)
	// LatestSequence returns the highest ingestion sequence, 0 when empty.
	LatestSequence(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Backend() string
	Close() error
}

// Open chooses a backend from the DSN scheme:
//
//	memory://
//	sqlite://path/to/dig.db   (or file:path/to/dig.db)
//	postgres://... / postgresql://...
//
// SQL backends run their embedded migrations before returning.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (Store, error) {
	switch {
	case strings.HasPrefix(dsn, "memory:"):
		return NewMemory(), nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return OpenSQLite(ctx, strings.TrimPrefix(dsn, "sqlite://"), logger)
	case strings.HasPrefix(dsn, "file:"):
		return OpenSQLite(ctx, dsn, logger)
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return OpenPostgres(ctx, dsn, logger)
	}
	return nil, fmt.Errorf("storage: unsupported DSN scheme in %q", redactDSN(dsn))
}

func redactDSN(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		return dsn[:i+3] + "..."
	}
	return dsn
}

// record is an event ready to be written.
type record struct {
	event     model.Event
	raw       []byte
	hash      string
	changeID  string
	createdAt time.Time
}

// prepare runs validation, canonical encoding and hashing. Every backend
// calls it before touching storage so a rejected event never reaches a write.
func prepare(ev model.Event) (record, error) {
	if err := model.Validate(ev); err != nil {
		return record{}, err
	}
	raw, err := model.Encode(ev)
	if err != nil {
		return record{}, fmt.Errorf("storage: encode %s: %w", ev.ID, err)
	}
	return record{
		event:     ev,
		raw:       raw,
		hash:      integrity.ContentHash(raw),
		changeID:  ev.ChangeID(),
		createdAt: ev.CreatedAt.UTC(),
	}, nil
}

// decodeStored rebuilds a StoredEvent from persisted columns.
func decodeStored(raw []byte, seq int64, ingestedAt time.Time, hash string) (model.StoredEvent, error) {
	ev, err := model.ParseEvent(raw)
	if err != nil {
		return model.StoredEvent{}, fmt.Errorf("storage: decode stored event seq %d: %w", seq, err)
	}
	return model.StoredEvent{
		Event:       ev,
		Sequence:    seq,
		IngestedAt:  ingestedAt.UTC(),
		ContentHash: hash,
		Raw:         raw,
	}, nil
}

// fetchPage loads up to n events of a type query with sequence above after.
type fetchPage func(ctx context.Context, after int64, n int) ([]model.StoredEvent, error)

// pagedQuery turns a page fetcher into a lazy, restartable sequence. The
// fetcher applies type, sequence and time bounds; tag and field predicates
// and the limit are applied here.
func pagedQuery(ctx context.Context, f model.EventFilter, fetch fetchPage) iter.Seq2[model.StoredEvent, error] {
	return func(yield func(model.StoredEvent, error) bool) {
		after := f.AfterSequence
		emitted := 0
		for {
			if err := ctx.Err(); err != nil {
				yield(model.StoredEvent{}, err)
				return
			}
			page, err := fetch(ctx, after, pageSize)
			if err != nil {
				yield(model.StoredEvent{}, err)
				return
			}
			for _, se := range page {
				after = se.Sequence
				if !f.Matches(se) {
					continue
				}
				if !yield(se, nil) {
					return
				}
				emitted++
				if f.Limit > 0 && emitted >= f.Limit {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}

// Collect drains a query into a slice, stopping at the first error.
func Collect(seq iter.Seq2[model.StoredEvent, error]) ([]model.StoredEvent, error) {
	var out []model.StoredEvent
	for se, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, se)
	}
	return out, nil
}
