// Package correlation joins events along their reference graph: a change,
// the sessions and interactions it names, and the rollouts and outcomes
// that name it.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ashita-ai/dig/internal/model"
	"github.com/ashita-ai/dig/internal/storage"
)

// DanglingReference is a stored reference to an id that is not (yet) in the
// store. It is reported as data, never raised as an error.
type DanglingReference struct {
	FromID string `json:"from_id"`
	Field  string `json:"field"`
	ToID   string `json:"to_id"`
}

// Trace is everything the store knows about one change.
type Trace struct {
	ChangeID     string              `json:"change_id"`
	Change       *model.StoredEvent  `json:"change,omitempty"`
	Sessions     []model.StoredEvent `json:"sessions"`
	Interactions []model.StoredEvent `json:"ai_interactions"`
	Rollouts     []model.StoredEvent `json:"rollouts"`
	Outcomes     []model.StoredEvent `json:"outcomes"`
	Other        []model.StoredEvent `json:"other"`
	Dangling     []DanglingReference `json:"dangling_references"`
	Canonical    Canonical           `json:"canonical"`
}

// Service assembles traces.
type Service struct {
	store   storage.Store
	logger  *slog.Logger
	prodEnv string
}

// New creates a correlation service. prodEnv names the deployment
// environment eligible for canonical attempts; empty means "production".
func New(store storage.Store, logger *slog.Logger, prodEnv string) *Service {
	if prodEnv == "" {
		prodEnv = model.DefaultProductionEnvironment
	}
	return &Service{store: store, logger: logger, prodEnv: prodEnv}
}

// ProductionEnvironment returns the environment used for canonical selection.
func (s *Service) ProductionEnvironment() string { return s.prodEnv }

// Trace returns the change's full trace. It fails with storage.ErrNotFound
// only when no event at all is stored for changeID; a change that is missing
// while rollouts or outcomes reference it yields a trace with dangling
// references instead.
func (s *Service) Trace(ctx context.Context, changeID string) (Trace, error) {
	events, err := s.store.QueryByChange(ctx, changeID)
	if err != nil {
		return Trace{}, fmt.Errorf("correlation: query change %s: %w", changeID, err)
	}
	if len(events) == 0 {
		return Trace{}, fmt.Errorf("correlation: change %s: %w", changeID, storage.ErrNotFound)
	}

	tr := Trace{
		ChangeID:     changeID,
		Sessions:     []model.StoredEvent{},
		Interactions: []model.StoredEvent{},
		Rollouts:     []model.StoredEvent{},
		Outcomes:     []model.StoredEvent{},
		Other:        []model.StoredEvent{},
		Dangling:     []DanglingReference{},
	}
	for i := range events {
		switch events[i].Payload.(type) {
		case *model.Change:
			tr.Change = &events[i]
		case *model.Rollout:
			tr.Rollouts = append(tr.Rollouts, events[i])
		case *model.Outcome:
			tr.Outcomes = append(tr.Outcomes, events[i])
		default:
			tr.Other = append(tr.Other, events[i])
		}
	}

	if tr.Change != nil {
		c, _ := tr.Change.AsChange()
		if tr.Interactions, err = s.load(ctx, c.AIInteractionIDs); err != nil {
			return Trace{}, err
		}
		// Sessions named by the change come first, then those reached only
		// through its interactions.
		sessionIDs := slices.Clone(c.SessionIDs)
		for _, ai := range tr.Interactions {
			if p, ok := ai.AsAIInteraction(); ok && p.SessionID != "" && !slices.Contains(sessionIDs, p.SessionID) {
				sessionIDs = append(sessionIDs, p.SessionID)
			}
		}
		if tr.Sessions, err = s.load(ctx, sessionIDs); err != nil {
			return Trace{}, err
		}
	}

	known := map[string]bool{}
	for _, group := range [][]model.StoredEvent{events, tr.Sessions, tr.Interactions} {
		for _, se := range group {
			known[se.ID] = true
		}
	}
	tr.Dangling, err = ResolveDangling(ctx, s.store, slices.Concat(events, tr.Interactions), known)
	if err != nil {
		return Trace{}, err
	}

	tr.Canonical = SelectCanonical(tr.Rollouts, tr.Outcomes, s.prodEnv)
	return tr, nil
}

// load fetches ids in order, skipping the ones that are not stored.
func (s *Service) load(ctx context.Context, ids []string) ([]model.StoredEvent, error) {
	out := make([]model.StoredEvent, 0, len(ids))
	for _, id := range ids {
		se, err := s.store.Get(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("correlation: load %s: %w", id, err)
		}
		out = append(out, se)
	}
	return out, nil
}

// ResolveDangling reports every reference held by events whose target is
// neither in known nor in the store. known is extended with the ids found.
func ResolveDangling(ctx context.Context, store storage.Store, events []model.StoredEvent, known map[string]bool) ([]DanglingReference, error) {
	var unknown []string
	for _, se := range events {
		for _, ref := range se.References() {
			if !known[ref.ID] && !slices.Contains(unknown, ref.ID) {
				unknown = append(unknown, ref.ID)
			}
		}
	}
	if len(unknown) > 0 {
		exists, err := store.Exists(ctx, unknown)
		if err != nil {
			return nil, fmt.Errorf("correlation: resolve references: %w", err)
		}
		for id, ok := range exists {
			if ok {
				known[id] = true
			}
		}
	}
	return Dangling(events, known), nil
}

// Dangling lists the references of events whose targets are not in known.
func Dangling(events []model.StoredEvent, known map[string]bool) []DanglingReference {
	out := []DanglingReference{}
	for _, se := range events {
		for _, ref := range se.References() {
			if !known[ref.ID] {
				out = append(out, DanglingReference{FromID: se.ID, Field: ref.Field, ToID: ref.ID})
			}
		}
	}
	return out
}
