// Package psr computes Production Survival Rate over canonical outcomes.
//
// A computation reads one snapshot of the store: it records the latest
// ingestion sequence first and bounds every load by it, so events appended
// while the computation runs are never half-counted.
package psr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/dig/internal/model"
	"github.com/ashita-ai/dig/internal/service/correlation"
	"github.com/ashita-ai/dig/internal/storage"
	"github.com/ashita-ai/dig/internal/telemetry"
)

// Status describes whether a group's rate is defined.
type Status string

const (
	StatusOK Status = "ok"
	// StatusInsufficientSample is an expected result, not an error: the group
	// has fewer labeled outcomes than the requested minimum.
	StatusInsufficientSample Status = "insufficient_sample"
)

// Unknown is the group value used when a change has no value for a dimension.
const Unknown = "unknown"

// Built-in dimensions resolved through the reference graph rather than from
// the change alone.
const (
	DimModelID     = "model_id"
	DimStrategy    = "strategy"
	DimEnvironment = "environment"
)

// Request selects what to aggregate.
type Request struct {
	// GroupBy lists dimensions; a change falls into one group per combination
	// of its values. Empty yields only the overall figure.
	GroupBy       []string
	MinSampleSize int
	// Since and Until bound the change created_at; Until is exclusive.
	Since   *time.Time
	Until   *time.Time
	Timeout time.Duration
	// IncludeSamples lists the contributing change and outcome ids per group.
	IncludeSamples bool
}

// Group is one partition of canonical outcomes.
type Group struct {
	Key   map[string]string `json:"key"`
	Label string            `json:"label"`
	// Labeled is the sample size: canonical outcomes with survival.survived set.
	Labeled   int      `json:"labeled"`
	Survived  int      `json:"survived"`
	Unlabeled int      `json:"unlabeled"`
	PSR       *float64 `json:"psr"`
	Status    Status   `json:"status"`
	// ChangeIDs and OutcomeIDs are set only when samples were requested and
	// cover labeled outcomes.
	ChangeIDs  []string `json:"change_ids,omitempty"`
	OutcomeIDs []string `json:"outcome_ids,omitempty"`
}

// Report is the result of one computation.
type Report struct {
	SnapshotSequence int64      `json:"snapshot_sequence"`
	GroupBy          []string   `json:"group_by"`
	MinSampleSize    int        `json:"min_sample_size"`
	Since            *time.Time `json:"since,omitempty"`
	Until            *time.Time `json:"until,omitempty"`
	Overall          Group      `json:"overall"`
	Groups           []Group    `json:"groups"`
	Changes          int        `json:"changes"`
	Observed         int        `json:"observed"`
	Undeployed       int        `json:"undeployed"`
	Unobserved       int        `json:"unobserved"`
	// ExcludedOutcomes counts outcomes of non-canonical attempts.
	ExcludedOutcomes int                             `json:"excluded_outcomes"`
	Dangling         []correlation.DanglingReference `json:"dangling_references"`
	ComputedAt       time.Time                       `json:"computed_at"`
}

// Service computes PSR reports.
type Service struct {
	store          storage.Store
	logger         *slog.Logger
	prodEnv        string
	defaultMin     int
	defaultTimeout time.Duration

	duration metric.Float64Histogram
}

// Config holds service defaults applied when a Request leaves them unset.
type Config struct {
	ProductionEnvironment string
	MinSampleSize         int
	Timeout               time.Duration
}

// New creates a PSR service.
func New(store storage.Store, logger *slog.Logger, cfg Config) *Service {
	if cfg.ProductionEnvironment == "" {
		cfg.ProductionEnvironment = model.DefaultProductionEnvironment
	}
	if cfg.MinSampleSize <= 0 {
		cfg.MinSampleSize = 1
	}
	s := &Service{
		store:          store,
		logger:         logger,
		prodEnv:        cfg.ProductionEnvironment,
		defaultMin:     cfg.MinSampleSize,
		defaultTimeout: cfg.Timeout,
	}
	s.duration, _ = telemetry.Meter("dig/psr").Float64Histogram("dig.psr.compute.duration",
		metric.WithDescription("PSR computation latency"), metric.WithUnit("s"))
	return s
}

// snapshot is everything loaded at one sequence bound.
type snapshot struct {
	seq          int64
	changes      []model.StoredEvent
	rollouts     map[string][]model.StoredEvent
	outcomes     map[string][]model.StoredEvent
	interactions map[string]model.StoredEvent
	rolloutIDs   map[string]bool
}

// Compute runs one aggregation. Cancellation or timeout returns the context
// error and no report.
func (s *Service) Compute(ctx context.Context, req Request) (*Report, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()

	snap, err := s.load(ctx, req)
	if err != nil {
		return nil, err
	}

	rep := &Report{
		SnapshotSequence: snap.seq,
		GroupBy:          req.GroupBy,
		MinSampleSize:    req.MinSampleSize,
		Since:            req.Since,
		Until:            req.Until,
		Changes:          len(snap.changes),
		Groups:           []Group{},
	}
	overall := newTally(nil, req.IncludeSamples)
	groups := map[string]*tally{}
	var graph []model.StoredEvent

	for i, ch := range snap.changes {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("psr: compute: %w", err)
			}
		}
		rollouts, outcomes := snap.rollouts[ch.ID], snap.outcomes[ch.ID]
		graph = append(graph, ch)
		graph = append(graph, rollouts...)
		graph = append(graph, outcomes...)

		canon := correlation.SelectCanonical(rollouts, outcomes, s.prodEnv)
		rep.ExcludedOutcomes += canon.Excluded
		switch canon.Status {
		case correlation.StatusUndeployed:
			rep.Undeployed++
			continue
		case correlation.StatusUnobserved:
			rep.Unobserved++
			continue
		}
		rep.Observed++

		o, _ := canon.Outcome.AsOutcome()
		survived, labeled := o.Label()
		overall.add(survived, labeled, ch.ID, canon.Outcome.ID)

		for _, key := range combinations(req.GroupBy, s.dimensionValues(ch, canon, snap, req.GroupBy)) {
			label := keyLabel(req.GroupBy, key)
			t, ok := groups[label]
			if !ok {
				t = newTally(key, req.IncludeSamples)
				groups[label] = t
			}
			t.add(survived, labeled, ch.ID, canon.Outcome.ID)
		}
	}

	known := map[string]bool{}
	for _, ch := range snap.changes {
		known[ch.ID] = true
	}
	for id := range snap.rolloutIDs {
		known[id] = true
	}
	for id := range snap.interactions {
		known[id] = true
	}
	rep.Dangling, err = correlation.ResolveDangling(ctx, s.store, graph, known)
	if err != nil {
		return nil, fmt.Errorf("psr: compute: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("psr: compute: %w", err)
	}

	rep.Overall = overall.group(req.GroupBy, req.MinSampleSize)
	for _, t := range groups {
		rep.Groups = append(rep.Groups, t.group(req.GroupBy, req.MinSampleSize))
	}
	slices.SortFunc(rep.Groups, func(a, b Group) int { return strings.Compare(a.Label, b.Label) })
	rep.ComputedAt = time.Now().UTC()

	s.duration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.Int("group_by", len(req.GroupBy))))
	s.logger.Debug("psr: computed",
		"snapshot", snap.seq,
		"changes", rep.Changes,
		"observed", rep.Observed,
		"groups", len(rep.Groups),
		"duration_ms", time.Since(start).Milliseconds())
	return rep, nil
}

func (s *Service) validate(req *Request) error {
	if req.MinSampleSize <= 0 {
		req.MinSampleSize = s.defaultMin
	}
	if req.GroupBy == nil {
		req.GroupBy = []string{}
	}
	seen := map[string]bool{}
	for i, dim := range req.GroupBy {
		if strings.TrimSpace(dim) == "" {
			return &model.ValidationError{Field: fmt.Sprintf("group_by[%d]", i), Constraint: "required", Message: "dimension name must not be empty"}
		}
		if seen[dim] {
			return &model.ValidationError{Field: fmt.Sprintf("group_by[%d]", i), Constraint: "unique", Message: "dimension " + dim + " listed twice"}
		}
		seen[dim] = true
	}
	if req.Since != nil && req.Until != nil && req.Until.Before(*req.Since) {
		return &model.ValidationError{Field: "until", Constraint: "gtefield", Message: "until must not precede since"}
	}
	return nil
}

// load reads the snapshot. Changes are windowed on created_at; rollouts,
// outcomes and interactions are read whole so attempts recorded after the
// window still count for changes inside it.
func (s *Service) load(ctx context.Context, req Request) (*snapshot, error) {
	seq, err := s.store.LatestSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("psr: snapshot: %w", err)
	}
	snap := &snapshot{
		seq:          seq,
		rollouts:     map[string][]model.StoredEvent{},
		outcomes:     map[string][]model.StoredEvent{},
		interactions: map[string]model.StoredEvent{},
		rolloutIDs:   map[string]bool{},
	}
	if seq == 0 {
		return snap, nil
	}
	bound := model.EventFilter{MaxSequence: seq}
	window := bound
	window.Since, window.Until = req.Since, req.Until

	var rollouts, outcomes, interactions []model.StoredEvent
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snap.changes, err = storage.Collect(s.store.QueryByType(gctx, model.TypeChange, window))
		return err
	})
	g.Go(func() error {
		var err error
		rollouts, err = storage.Collect(s.store.QueryByType(gctx, model.TypeRollout, bound))
		return err
	})
	g.Go(func() error {
		var err error
		outcomes, err = storage.Collect(s.store.QueryByType(gctx, model.TypeOutcome, bound))
		return err
	})
	g.Go(func() error {
		var err error
		interactions, err = storage.Collect(s.store.QueryByType(gctx, model.TypeAIInteraction, bound))
		return err
	})
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = errors.Join(ctxErr, err)
		}
		return nil, fmt.Errorf("psr: load snapshot %d: %w", seq, err)
	}

	for _, r := range rollouts {
		snap.rolloutIDs[r.ID] = true
		cid := r.ChangeID()
		snap.rollouts[cid] = append(snap.rollouts[cid], r)
	}
	for _, o := range outcomes {
		cid := o.ChangeID()
		snap.outcomes[cid] = append(snap.outcomes[cid], o)
	}
	for _, ai := range interactions {
		snap.interactions[ai.ID] = ai
	}
	return snap, nil
}

// dimensionValues resolves each requested dimension for one observed change.
func (s *Service) dimensionValues(ch model.StoredEvent, canon correlation.Canonical, snap *snapshot, dims []string) [][]string {
	attrs := model.ChangeAttributes(ch.Event)
	out := make([][]string, len(dims))
	for i, dim := range dims {
		var vals []string
		switch dim {
		case DimModelID:
			vals = modelIDs(ch, snap.interactions)
			if len(vals) == 0 {
				vals = attrs.Get("ai_models")
			}
		case DimStrategy:
			if r, ok := canon.Rollout.AsRollout(); ok {
				vals = []string{string(r.StrategyType())}
			}
		case DimEnvironment:
			if r, ok := canon.Rollout.AsRollout(); ok {
				vals = []string{r.Deployment.Environment}
			}
		default:
			vals = attrs.Get(dim)
			if len(vals) == 0 {
				vals = ch.Field(dim)
			}
		}
		out[i] = normalize(vals)
	}
	return out
}

func modelIDs(ch model.StoredEvent, interactions map[string]model.StoredEvent) []string {
	c, ok := ch.AsChange()
	if !ok {
		return nil
	}
	var out []string
	for _, id := range c.AIInteractionIDs {
		ai, ok := interactions[id]
		if !ok {
			continue
		}
		if p, ok := ai.AsAIInteraction(); ok {
			out = append(out, p.Response.ModelID)
		}
	}
	return out
}

// normalize sorts and dedupes values, substituting Unknown for none.
func normalize(vals []string) []string {
	vals = slices.DeleteFunc(slices.Clone(vals), func(v string) bool { return v == "" })
	if len(vals) == 0 {
		return []string{Unknown}
	}
	slices.Sort(vals)
	return slices.Compact(vals)
}

// combinations returns the cartesian product of values, one key per
// combination. With no dimensions it returns nothing.
func combinations(dims []string, values [][]string) []map[string]string {
	if len(dims) == 0 {
		return nil
	}
	keys := []map[string]string{{}}
	for i, dim := range dims {
		next := make([]map[string]string, 0, len(keys)*len(values[i]))
		for _, k := range keys {
			for _, v := range values[i] {
				nk := make(map[string]string, len(k)+1)
				for kk, vv := range k {
					nk[kk] = vv
				}
				nk[dim] = v
				next = append(next, nk)
			}
		}
		keys = next
	}
	return keys
}

func keyLabel(dims []string, key map[string]string) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = d + "=" + key[d]
	}
	return strings.Join(parts, ",")
}

type tally struct {
	key                          map[string]string
	labeled, survived, unlabeled int
	samples                      bool
	changeIDs, outcomeIDs        []string
}

func newTally(key map[string]string, samples bool) *tally {
	if key == nil {
		key = map[string]string{}
	}
	return &tally{key: key, samples: samples}
}

func (t *tally) add(survived, labeled bool, changeID, outcomeID string) {
	if !labeled {
		t.unlabeled++
		return
	}
	t.labeled++
	if survived {
		t.survived++
	}
	if t.samples {
		t.changeIDs = append(t.changeIDs, changeID)
		t.outcomeIDs = append(t.outcomeIDs, outcomeID)
	}
}

func (t *tally) group(dims []string, minSample int) Group {
	g := Group{
		Key:        t.key,
		Label:      keyLabel(dims, t.key),
		Labeled:    t.labeled,
		Survived:   t.survived,
		Unlabeled:  t.unlabeled,
		Status:     StatusInsufficientSample,
		ChangeIDs:  t.changeIDs,
		OutcomeIDs: t.outcomeIDs,
	}
	if len(t.key) == 0 {
		g.Label = "overall"
	}
	if t.labeled >= max(minSample, 1) {
		psr := 100 * float64(t.survived) / float64(t.labeled)
		g.PSR = &psr
		g.Status = StatusOK
	}
	return g
}
