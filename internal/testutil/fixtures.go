package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/dig/internal/model"
	"github.com/ashita-ai/dig/internal/storage"
)

// Epoch is the base timestamp fixtures are laid out from.
var Epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// At returns Epoch plus n minutes.
func At(n int) time.Time { return Epoch.Add(time.Duration(n) * time.Minute) }

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

func Session(id string, at time.Time) model.Event {
	return model.New(id, at, &model.Session{
		Intent: &model.Intent{Description: "fixture", Source: model.IntentManual},
	})
}

func Interaction(id, sessionID, modelID string, at time.Time) model.Event {
	return model.New(id, at, &model.AIInteraction{
		SessionID:   sessionID,
		Response:    model.AIResponse{ModelID: modelID, Provider: "fixture"},
		HumanAction: &model.HumanAction{Action: model.ActionAccept},
	})
}

// Change builds a change; classification and links are optional.
func Change(id string, at time.Time, tags model.Tags, cl *model.Classification, interactionIDs ...string) model.Event {
	return model.New(id, at, &model.Change{
		AIInteractionIDs: interactionIDs,
		SourceControl:    model.SourceControl{Provider: "github", Repository: "acme/api", CommitSHA: "c0ffee" + id},
		Classification:   cl,
	}).WithTags(tags)
}

func Rollout(id, changeID, env string, strategy model.StrategyType, status model.FinalStatus, at time.Time) model.Event {
	r := &model.Rollout{
		ChangeID:    changeID,
		Deployment:  model.Deployment{Environment: env},
		FinalStatus: status,
	}
	if strategy != "" {
		r.Strategy = &model.Strategy{Type: strategy}
	}
	return model.New(id, at, r)
}

// Outcome builds an outcome; a nil survived leaves it unlabeled.
func Outcome(id, changeID, rolloutID string, survived *bool, at time.Time) model.Event {
	o := &model.Outcome{ChangeID: changeID, RolloutID: rolloutID}
	if survived != nil {
		o.Survival = &model.Survival{Survived: survived, RolledBack: Ptr(!*survived)}
	}
	return model.New(id, at, o)
}

// Learning builds a learning whose conditions are JSON-encoded from conds.
func Learning(id string, at time.Time, name string, confidence float64, conds map[string]any, triggers ...string) model.Event {
	raw := make(map[string]json.RawMessage, len(conds))
	for k, v := range conds {
		b, err := json.Marshal(v)
		if err != nil {
			panic(err)
		}
		raw[k] = b
	}
	l := &model.Learning{
		Pattern: model.Pattern{Name: name, Conditions: raw, Confidence: &confidence},
	}
	if len(triggers) > 0 {
		l.Recommendation = &model.Recommendation{TriggerConditions: triggers, Severity: "warning", Message: name}
	}
	return model.New(id, at, l)
}

// MustAppend appends every event and fails the test on the first error.
func MustAppend(t testing.TB, s storage.Store, events ...model.Event) []model.StoredEvent {
	t.Helper()
	out := make([]model.StoredEvent, 0, len(events))
	for _, ev := range events {
		se, err := s.Append(context.Background(), ev)
		require.NoError(t, err, "append %s", ev.ID)
		out = append(out, se)
	}
	return out
}
