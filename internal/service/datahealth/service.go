// Package datahealth reports on the quality of the recorded event graph:
// how much of it links up, how many outcomes carry survival labels, and
// whether stored records still match their content hashes.
package datahealth

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ashita-ai/dig/internal/integrity"
	"github.com/ashita-ai/dig/internal/model"
	"github.com/ashita-ai/dig/internal/service/correlation"
	"github.com/ashita-ai/dig/internal/storage"
)

// Overall statuses.
const (
	StatusHealthy          = "healthy"
	StatusNeedsAttention   = "needs_attention"
	StatusInsufficientData = "insufficient_data"
)

// maxListed caps the ids listed in a report; counts are always exact.
const maxListed = 100

// Report is the data health response.
type Report struct {
	Status           string                          `json:"status"`
	SnapshotSequence int64                           `json:"snapshot_sequence"`
	Total            int                             `json:"total_events"`
	Counts           map[model.EventType]int         `json:"counts"`
	Integrity        IntegrityMetrics                `json:"integrity"`
	Coverage         CoverageMetrics                 `json:"coverage"`
	DanglingCount    int                             `json:"dangling_count"`
	Dangling         []correlation.DanglingReference `json:"dangling_references"`
	Gaps             []string                        `json:"gaps"`
}

// IntegrityMetrics covers content hash verification of the stored log.
type IntegrityMetrics struct {
	// MerkleRoot is built over content hashes in sequence order up to the
	// snapshot, so it changes whenever anything is appended and never otherwise.
	MerkleRoot    string   `json:"merkle_root"`
	Verified      int      `json:"verified"`
	Mismatched    int      `json:"mismatched"`
	MismatchedIDs []string `json:"mismatched_ids,omitempty"`
}

// CoverageMetrics tracks how far changes got through the pipeline.
type CoverageMetrics struct {
	Changes           int     `json:"changes"`
	Observed          int     `json:"observed"`
	Undeployed        int     `json:"undeployed"`
	Unobserved        int     `json:"unobserved"`
	ObservedPct       float64 `json:"observed_pct"`
	Outcomes          int     `json:"outcomes"`
	UnlabeledOutcomes int     `json:"unlabeled_outcomes"`
	LabeledPct        float64 `json:"labeled_pct"`
	ExcludedOutcomes  int     `json:"excluded_outcomes"`
}

// Service computes data health.
type Service struct {
	store   storage.Store
	logger  *slog.Logger
	prodEnv string
}

// New creates a data health service.
func New(store storage.Store, logger *slog.Logger, prodEnv string) *Service {
	if prodEnv == "" {
		prodEnv = model.DefaultProductionEnvironment
	}
	return &Service{store: store, logger: logger, prodEnv: prodEnv}
}

// Compute scans the store up to its current latest sequence.
func (s *Service) Compute(ctx context.Context) (*Report, error) {
	seq, err := s.store.LatestSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("datahealth: snapshot: %w", err)
	}
	r := &Report{
		SnapshotSequence: seq,
		Counts:           map[model.EventType]int{},
		Dangling:         []correlation.DanglingReference{},
		Gaps:             []string{},
	}
	if seq == 0 {
		r.Status = StatusInsufficientData
		r.Gaps = append(r.Gaps, "No events recorded yet.")
		return r, nil
	}

	var (
		all      []model.StoredEvent
		hashes   []string
		changes  []string
		rollouts = map[string][]model.StoredEvent{}
		outcomes = map[string][]model.StoredEvent{}
		known    = map[string]bool{}
	)
	for se, err := range s.store.QueryByType(ctx, "", model.EventFilter{MaxSequence: seq}) {
		if err != nil {
			return nil, fmt.Errorf("datahealth: scan: %w", err)
		}
		all = append(all, se)
		known[se.ID] = true
		r.Counts[se.Type]++
		hashes = append(hashes, se.ContentHash)
		if integrity.VerifyContentHash(se.ContentHash, se.Raw) {
			r.Integrity.Verified++
		} else {
			r.Integrity.Mismatched++
			if len(r.Integrity.MismatchedIDs) < maxListed {
				r.Integrity.MismatchedIDs = append(r.Integrity.MismatchedIDs, se.ID)
			}
		}
		switch p := se.Payload.(type) {
		case *model.Change:
			changes = append(changes, se.ID)
		case *model.Rollout:
			rollouts[p.ChangeID] = append(rollouts[p.ChangeID], se)
		case *model.Outcome:
			outcomes[p.ChangeID] = append(outcomes[p.ChangeID], se)
			r.Coverage.Outcomes++
			if _, labeled := p.Label(); !labeled {
				r.Coverage.UnlabeledOutcomes++
			}
		}
	}
	r.Total = len(all)
	r.Integrity.MerkleRoot = integrity.BuildMerkleRoot(hashes)

	r.Coverage.Changes = len(changes)
	for _, id := range changes {
		canon := correlation.SelectCanonical(rollouts[id], outcomes[id], s.prodEnv)
		r.Coverage.ExcludedOutcomes += canon.Excluded
		switch canon.Status {
		case correlation.StatusObserved:
			r.Coverage.Observed++
		case correlation.StatusUnobserved:
			r.Coverage.Unobserved++
		case correlation.StatusUndeployed:
			r.Coverage.Undeployed++
		}
	}
	r.Coverage.ObservedPct = pct(r.Coverage.Observed, r.Coverage.Changes)
	r.Coverage.LabeledPct = pct(r.Coverage.Outcomes-r.Coverage.UnlabeledOutcomes, r.Coverage.Outcomes)

	dangling := correlation.Dangling(all, known)
	r.DanglingCount = len(dangling)
	r.Dangling = dangling[:min(len(dangling), maxListed)]

	r.Gaps = computeGaps(r)
	r.Status = computeStatus(r)
	s.logger.Debug("datahealth: computed", "snapshot", seq, "events", r.Total, "status", r.Status)
	return r, nil
}

func pct(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d) * 100
}

// computeGaps lists at most 3 problems, most severe first.
func computeGaps(r *Report) []string {
	var gaps []string
	if r.Integrity.Mismatched > 0 {
		gaps = append(gaps, fmt.Sprintf(
			"%d stored records no longer match their content hash.", r.Integrity.Mismatched))
	}
	if r.DanglingCount > 0 {
		gaps = append(gaps, fmt.Sprintf(
			"%d references point at events that are not in the store.", r.DanglingCount))
	}
	if r.Coverage.Outcomes > 0 && r.Coverage.LabeledPct < 50 {
		gaps = append(gaps, fmt.Sprintf(
			"%d of %d outcomes have no survival label and are excluded from PSR.",
			r.Coverage.UnlabeledOutcomes, r.Coverage.Outcomes))
	}
	if r.Coverage.Changes > 0 && r.Coverage.ObservedPct < 50 {
		gaps = append(gaps, fmt.Sprintf(
			"Only %d of %d changes have an observed production outcome (%d undeployed, %d unobserved).",
			r.Coverage.Observed, r.Coverage.Changes, r.Coverage.Undeployed, r.Coverage.Unobserved))
	}
	if r.Counts[model.TypeChange] == 0 {
		gaps = append(gaps, "No changes recorded; PSR cannot be computed.")
	}
	return gaps[:min(len(gaps), 3)]
}

func computeStatus(r *Report) string {
	if r.Integrity.Mismatched > 0 {
		return StatusNeedsAttention
	}
	if r.Coverage.Changes == 0 {
		return StatusInsufficientData
	}
	problems := 0
	if r.DanglingCount > 0 {
		problems++
	}
	if r.Coverage.Outcomes > 0 && r.Coverage.LabeledPct < 50 {
		problems++
	}
	if r.Coverage.ObservedPct < 50 {
		problems++
	}
	if problems >= 2 {
		return StatusNeedsAttention
	}
	return StatusHealthy
}

// TypesPresent returns the event types with at least one record, sorted.
func (r *Report) TypesPresent() []model.EventType {
	out := make([]model.EventType, 0, len(r.Counts))
	for t, n := range r.Counts {
		if n > 0 {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}
