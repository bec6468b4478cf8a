package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// MetaSupersedes is the metadata key a refined learning uses to name the
// learning it replaces.
const MetaSupersedes = "dig.supersedes"

// Learning is a pattern derived from many outcomes. Only Pattern.Conditions
// is authoritative for matching; Recommendation.TriggerConditions is advisory
// text and is never evaluated.
type Learning struct {
	DerivedFrom    DerivedFrom     `json:"derived_from"`
	Pattern        Pattern         `json:"pattern"`
	Recommendation *Recommendation `json:"recommendation,omitempty"`
	ModelInsights  []ModelInsight  `json:"model_insights,omitempty" validate:"omitempty,dive"`
}

func (*Learning) EventType() EventType { return TypeLearning }
func (*Learning) isPayload()           {}

type DerivedFrom struct {
	OutcomeIDs []string `json:"outcome_ids,omitempty"`
	ChangeIDs  []string `json:"change_ids,omitempty"`
	SampleSize int      `json:"sample_size,omitempty" validate:"min=0"`
	Period     *Period  `json:"period,omitempty"`
}

type Period struct {
	Start time.Time `json:"start" validate:"required"`
	End   time.Time `json:"end" validate:"required"`
}

// Pattern is the machine-matchable predicate. Each condition value is a JSON
// scalar or a list of scalars.
type Pattern struct {
	Name         string                     `json:"name" validate:"required"`
	Description  string                     `json:"description,omitempty"`
	Conditions   map[string]json.RawMessage `json:"conditions" validate:"required,min=1"`
	Confidence   *float64                   `json:"confidence,omitempty" validate:"omitempty,min=0,max=1"`
	Significance *float64                   `json:"significance,omitempty" validate:"omitempty,min=0,max=1"`
}

type Recommendation struct {
	TriggerConditions []string `json:"trigger_conditions,omitempty"`
	Action            string   `json:"action,omitempty"`
	Severity          string   `json:"severity,omitempty" validate:"omitempty,oneof=info warning error block"`
	Message           string   `json:"message,omitempty"`
}

type ModelInsight struct {
	ModelID         string   `json:"model_id" validate:"required"`
	SurvivalRate    *float64 `json:"survival_rate,omitempty" validate:"omitempty,min=0,max=100"`
	SampleSize      int      `json:"sample_size,omitempty" validate:"min=0"`
	DeltaVsBaseline *float64 `json:"delta_vs_baseline,omitempty"`
}

// ConfidenceValue returns the pattern confidence, treating absent as zero.
func (p Pattern) ConfidenceValue() float64 {
	if p.Confidence == nil {
		return 0
	}
	return *p.Confidence
}

// Condition is one decoded pattern condition.
type Condition struct {
	Key    string
	Values []string
	List   bool
}

// DecodeConditions turns the raw conditions map into Conditions with scalar
// values rendered as strings. It fails on nested objects or lists of lists.
func (p Pattern) DecodeConditions() ([]Condition, error) {
	out := make([]Condition, 0, len(p.Conditions))
	for k, raw := range p.Conditions {
		vals, list, err := conditionValues(raw)
		if err != nil {
			return nil, fmt.Errorf("condition %q: %w", k, err)
		}
		out = append(out, Condition{Key: k, Values: vals, List: list})
	}
	return out, nil
}

func conditionValues(raw json.RawMessage) ([]string, bool, error) {
	v, err := decodeAny(raw)
	if err != nil {
		return nil, false, err
	}
	if list, ok := v.([]any); ok {
		if len(list) == 0 {
			return nil, false, fmt.Errorf("empty list")
		}
		vals := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := scalarString(item)
			if !ok {
				return nil, false, fmt.Errorf("list elements must be scalars")
			}
			vals = append(vals, s)
		}
		return vals, true, nil
	}
	s, ok := scalarString(v)
	if !ok {
		return nil, false, fmt.Errorf("must be a scalar or a list of scalars")
	}
	return []string{s}, false, nil
}
