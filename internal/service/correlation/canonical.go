package correlation

import (
	"github.com/ashita-ai/dig/internal/model"
)

// AttemptStatus classifies how a change relates to production.
type AttemptStatus string

const (
	// StatusObserved means a canonical production rollout has an outcome.
	StatusObserved AttemptStatus = "observed"
	// StatusUnobserved means a production rollout exists but no outcome names it.
	StatusUnobserved AttemptStatus = "unobserved"
	// StatusUndeployed means no rollout reached the production environment.
	StatusUndeployed AttemptStatus = "undeployed"
)

// Canonical is the rollout attempt (and its outcome) that speaks for a change
// in survival metrics.
type Canonical struct {
	Status  AttemptStatus      `json:"status"`
	Rollout *model.StoredEvent `json:"rollout,omitempty"`
	Outcome *model.StoredEvent `json:"outcome,omitempty"`
	Reason  string             `json:"reason"`
	// Excluded counts outcomes of this change that are not canonical.
	Excluded int `json:"excluded_outcomes"`
}

// SelectCanonical applies the canonical-attempt policy to one change's
// rollouts and outcomes:
//
//   - candidates are rollouts whose deployment.environment equals prodEnv;
//   - the canonical rollout is the candidate with the latest created_at,
//     ties going to the higher ingestion sequence;
//   - its outcome is the latest-created outcome whose rollout_id names it,
//     ties again going to the higher sequence.
//
// Outcomes of any other attempt remain in the store and are counted in
// Excluded.
func SelectCanonical(rollouts, outcomes []model.StoredEvent, prodEnv string) Canonical {
	if prodEnv == "" {
		prodEnv = model.DefaultProductionEnvironment
	}
	var best *model.StoredEvent
	for i := range rollouts {
		r, ok := rollouts[i].AsRollout()
		if !ok || r.Deployment.Environment != prodEnv {
			continue
		}
		if best == nil || later(rollouts[i], *best) {
			best = &rollouts[i]
		}
	}
	if best == nil {
		return Canonical{
			Status:   StatusUndeployed,
			Reason:   "no rollout to environment " + prodEnv,
			Excluded: len(outcomes),
		}
	}

	var chosen *model.StoredEvent
	for i := range outcomes {
		o, ok := outcomes[i].AsOutcome()
		if !ok || o.RolloutID != best.ID {
			continue
		}
		if chosen == nil || later(outcomes[i], *chosen) {
			chosen = &outcomes[i]
		}
	}
	if chosen == nil {
		return Canonical{
			Status:   StatusUnobserved,
			Rollout:  best,
			Reason:   "latest " + prodEnv + " rollout " + best.ID + " has no outcome",
			Excluded: len(outcomes),
		}
	}
	return Canonical{
		Status:   StatusObserved,
		Rollout:  best,
		Outcome:  chosen,
		Reason:   "latest " + prodEnv + " rollout " + best.ID + " observed by " + chosen.ID,
		Excluded: len(outcomes) - 1,
	}
}

func later(a, b model.StoredEvent) bool {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c > 0
	}
	return a.Sequence > b.Sequence
}
