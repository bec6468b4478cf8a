package storage

import (
	"bytes"
	"cmp"
	"context"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/ashita-ai/dig/internal/model"
)

// MemoryStore keeps events in process. It is the reference implementation of
// the Store contract and backs unit tests and the memory:// DSN.
//
// Like the SQL backends it holds only the persisted columns and decodes a
// fresh event on every read, so callers can never reach stored state.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]int
	log      []memRow
	byChange map[string][]int
	closed   bool
	now      func() time.Time
}

// memRow is one persisted record. raw is never handed out.
type memRow struct {
	raw        []byte
	typ        model.EventType
	hash       string
	ingestedAt time.Time
}

func (r memRow) decode(seq int) (model.StoredEvent, error) {
	return decodeStored(bytes.Clone(r.raw), int64(seq), r.ingestedAt, r.hash)
}

// NewMemory returns an empty in-process store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		byID:     map[string]int{},
		byChange: map[string][]int{},
		now:      time.Now,
	}
}

func (m *MemoryStore) Backend() string { return "memory" }

func (m *MemoryStore) Append(ctx context.Context, ev model.Event) (model.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return model.StoredEvent{}, err
	}
	rec, err := prepare(ev)
	if err != nil {
		return model.StoredEvent{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return model.StoredEvent{}, ErrClosed
	}
	if i, ok := m.byID[ev.ID]; ok {
		return model.StoredEvent{}, &DuplicateIDError{ID: ev.ID, SameContent: m.log[i].hash == rec.hash}
	}
	row := memRow{raw: bytes.Clone(rec.raw), typ: ev.Type, hash: rec.hash, ingestedAt: m.now()}
	se, err := row.decode(len(m.log) + 1)
	if err != nil {
		return model.StoredEvent{}, err
	}
	m.log = append(m.log, row)
	m.byID[ev.ID] = len(m.log) - 1
	if rec.changeID != "" {
		m.byChange[rec.changeID] = append(m.byChange[rec.changeID], len(m.log)-1)
	}
	return se, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (model.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return model.StoredEvent{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byID[id]
	if !ok {
		return model.StoredEvent{}, ErrNotFound
	}
	return m.log[i].decode(i + 1)
}

func (m *MemoryStore) QueryByChange(ctx context.Context, changeID string) ([]model.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]model.StoredEvent, 0, len(m.byChange[changeID]))
	for _, i := range m.byChange[changeID] {
		se, err := m.log[i].decode(i + 1)
		if err != nil {
			m.mu.RUnlock()
			return nil, err
		}
		out = append(out, se)
	}
	m.mu.RUnlock()
	sortByCreated(out)
	return out, nil
}

func (m *MemoryStore) QueryByType(ctx context.Context, t model.EventType, f model.EventFilter) iter.Seq2[model.StoredEvent, error] {
	return pagedQuery(ctx, f, func(ctx context.Context, after int64, n int) ([]model.StoredEvent, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		var page []model.StoredEvent
		// Sequence i+1 lives at log[i].
		for i := int(max(after, 0)); i < len(m.log) && len(page) < n; i++ {
			if f.MaxSequence > 0 && int64(i+1) > f.MaxSequence {
				break
			}
			if t != "" && m.log[i].typ != t {
				continue
			}
			se, err := m.log[i].decode(i + 1)
			if err != nil {
				return nil, err
			}
			page = append(page, se)
		}
		return page, nil
	})
}

func (m *MemoryStore) Exists(ctx context.Context, ids []string) (map[string]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		_, out[id] = m.byID[id]
	}
	return out, nil
}

func (m *MemoryStore) LatestSequence(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.log)), nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return ctx.Err()
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func sortByCreated(events []model.StoredEvent) {
	slices.SortStableFunc(events, func(a, b model.StoredEvent) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Sequence, b.Sequence)
	})
}
