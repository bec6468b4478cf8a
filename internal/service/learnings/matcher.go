// Package learnings matches stored Learning events against changes and
// derives new learnings from survival statistics.
package learnings

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/dig/internal/model"
	"github.com/ashita-ai/dig/internal/storage"
)

// Metadata keys written on derived learnings.
const (
	MetaDerivationKey = "dig.derivation_key"
	MetaFingerprint   = "dig.fingerprint"
	MetaDerivedBy     = "dig.derived_by"
)

// Match is one learning that applies to a change.
type Match struct {
	LearningID     string                `json:"learning_id"`
	Name           string                `json:"name"`
	Confidence     float64               `json:"confidence"`
	CreatedAt      time.Time             `json:"created_at"`
	Conditions     []string              `json:"matched_conditions"`
	Recommendation *model.Recommendation `json:"recommendation,omitempty"`
	Learning       model.StoredEvent     `json:"learning"`
}

// active is one non-superseded learning with decoded conditions.
type active struct {
	event      model.StoredEvent
	learning   *model.Learning
	conditions []model.Condition
}

type learningSet struct {
	seq    int64
	active []active
}

// loadTimeout bounds a shared learning-set load, which runs detached from the
// caller that started it.
const loadTimeout = 30 * time.Second

// Matcher evaluates pattern conditions. The active learning set is cached per
// snapshot sequence; concurrent loads of the same snapshot share one query.
type Matcher struct {
	store  storage.Store
	logger *slog.Logger

	group singleflight.Group
	mu    sync.RWMutex
	cache *learningSet
}

// NewMatcher creates a matcher over store.
func NewMatcher(store storage.Store, logger *slog.Logger) *Matcher {
	return &Matcher{store: store, logger: logger}
}

// MatchChangeID loads a stored change and matches it.
func (m *Matcher) MatchChangeID(ctx context.Context, changeID string) ([]Match, error) {
	se, err := m.store.Get(ctx, changeID)
	if err != nil {
		return nil, fmt.Errorf("learnings: load change %s: %w", changeID, err)
	}
	if se.Type != model.TypeChange {
		return nil, &model.ValidationError{Field: "change_id", Constraint: "type", Message: changeID + " is a " + string(se.Type) + ", not a change"}
	}
	return m.match(ctx, se.Event, se.Raw)
}

// Match returns the learnings whose pattern conditions all hold for change,
// ordered by confidence, then newest first, then id. Recommendation trigger
// conditions are returned as stored and never evaluated.
func (m *Matcher) Match(ctx context.Context, change model.Event) ([]Match, error) {
	if _, ok := change.AsChange(); !ok {
		return nil, &model.ValidationError{Field: "type", Constraint: "oneof", Message: "learnings match changes only"}
	}
	raw, err := model.Encode(change)
	if err != nil {
		return nil, fmt.Errorf("learnings: encode change: %w", err)
	}
	return m.match(ctx, change, raw)
}

func (m *Matcher) match(ctx context.Context, change model.Event, raw json.RawMessage) ([]Match, error) {
	set, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	attrs, err := m.attributes(ctx, change)
	if err != nil {
		return nil, err
	}

	out := []Match{}
	for _, a := range set.active {
		keys, ok := matches(a.conditions, attrs, raw)
		if !ok {
			continue
		}
		out = append(out, Match{
			LearningID:     a.event.ID,
			Name:           a.learning.Pattern.Name,
			Confidence:     a.learning.Pattern.ConfidenceValue(),
			CreatedAt:      a.event.CreatedAt,
			Conditions:     keys,
			Recommendation: a.learning.Recommendation,
			Learning:       a.event,
		})
	}
	return out, nil
}

// attributes resolves the change's matchable dimensions, adding model_id
// from its stored interactions and falling back to authorship.ai_models.
func (m *Matcher) attributes(ctx context.Context, change model.Event) (model.Attributes, error) {
	attrs := model.ChangeAttributes(change)
	c, _ := change.AsChange()
	for _, id := range c.AIInteractionIDs {
		se, err := m.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("learnings: load interaction %s: %w", id, err)
		}
		if ai, ok := se.AsAIInteraction(); ok {
			attrs.Add("model_id", ai.Response.ModelID)
		}
	}
	if len(attrs.Get("model_id")) == 0 {
		attrs.Add("model_id", attrs.Get("ai_models")...)
	}
	return attrs, nil
}

// matches reports whether every condition holds and returns the matched keys
// in sorted order. A scalar condition holds when the attribute equals it or,
// for list-valued attributes, contains it. A list condition holds when every
// element is present.
func matches(conds []model.Condition, attrs model.Attributes, raw json.RawMessage) ([]string, bool) {
	if len(conds) == 0 {
		return nil, false
	}
	keys := make([]string, 0, len(conds))
	for _, c := range conds {
		have := attrs.Get(c.Key)
		if len(have) == 0 {
			have = model.FieldValues(raw, c.Key)
		}
		if len(have) == 0 {
			return nil, false
		}
		for _, want := range c.Values {
			if !slices.Contains(have, want) {
				return nil, false
			}
		}
		keys = append(keys, c.Key)
	}
	slices.Sort(keys)
	return keys, true
}

// Active returns the non-superseded learnings at the latest snapshot, in
// match order.
func (m *Matcher) Active(ctx context.Context) ([]model.StoredEvent, error) {
	set, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.StoredEvent, len(set.active))
	for i, a := range set.active {
		out[i] = a.event
	}
	return out, nil
}

func (m *Matcher) load(ctx context.Context) (*learningSet, error) {
	seq, err := m.store.LatestSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("learnings: snapshot: %w", err)
	}
	m.mu.RLock()
	cached := m.cache
	m.mu.RUnlock()
	if cached != nil && cached.seq == seq {
		return cached, nil
	}

	// The shared load outlives any one caller; each caller waits on its own ctx.
	ch := m.group.DoChan(strconv.FormatInt(seq, 10), func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		set, err := m.loadAt(loadCtx, seq)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		if m.cache == nil || m.cache.seq < set.seq {
			m.cache = set
		}
		m.mu.Unlock()
		return set, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*learningSet), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Matcher) loadAt(ctx context.Context, seq int64) (*learningSet, error) {
	events, err := storage.Collect(m.store.QueryByType(ctx, model.TypeLearning, model.EventFilter{MaxSequence: seq}))
	if err != nil {
		return nil, fmt.Errorf("learnings: load at %d: %w", seq, err)
	}

	superseded := map[string]bool{}
	for _, se := range events {
		for _, id := range supersedes(se.Header) {
			superseded[id] = true
		}
	}

	set := &learningSet{seq: seq}
	for _, se := range events {
		if superseded[se.ID] {
			continue
		}
		l, ok := se.AsLearning()
		if !ok {
			continue
		}
		conds, err := l.Pattern.DecodeConditions()
		if err != nil {
			m.logger.Warn("learnings: skipping learning with undecodable conditions", "id", se.ID, "error", err)
			continue
		}
		set.active = append(set.active, active{event: se, learning: l, conditions: conds})
	}
	slices.SortFunc(set.active, func(a, b active) int {
		if c := cmp.Compare(b.learning.Pattern.ConfidenceValue(), a.learning.Pattern.ConfidenceValue()); c != 0 {
			return c
		}
		if c := b.event.CreatedAt.Compare(a.event.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.event.ID, b.event.ID)
	})
	m.logger.Debug("learnings: loaded active set", "snapshot", seq, "total", len(events), "active", len(set.active))
	return set, nil
}

// supersedes returns the learning ids named by the dig.supersedes metadata
// key, which may hold a string or a list of strings.
func supersedes(h model.Header) []string {
	raw, ok := h.MetadataValue(model.MetaSupersedes)
	if !ok {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		if one == "" {
			return nil
		}
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

// metaString returns a string metadata value, or "".
func metaString(h model.Header, key string) string {
	raw, ok := h.MetadataValue(key)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
