package model_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/dig/internal/model"
)

// ptr is a convenience helper for pointer literals in test cases.
func ptr[T any](v T) *T { return &v }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func validChange() model.Event {
	return model.New("change_abc123", t0, &model.Change{
		SourceControl: model.SourceControl{Repository: "acme/api", CommitSHA: "deadbeef"},
		Authorship:    &model.Authorship{HumanPct: ptr(40.0), AIPct: ptr(60.0), AIModels: []string{"claude-x"}},
		Classification: &model.Classification{
			ChangeType: model.ChangeRefactoring,
			RiskLevel:  model.RiskMedium,
		},
	}).WithTags(model.Tags{"domain": model.Tag("ml"), "teams": model.TagList("core", "infra")})
}

func TestValidate_ValidEvents(t *testing.T) {
	events := []model.Event{
		model.New("session_1", t0, &model.Session{Intent: &model.Intent{Source: model.IntentTicket}}),
		model.New("ai_1", t0, &model.AIInteraction{SessionID: "session_1", Response: model.AIResponse{ModelID: "m1"}}),
		validChange(),
		model.New("rollout_1", t0, &model.Rollout{
			ChangeID:    "change_abc123",
			Deployment:  model.Deployment{Environment: "production"},
			Strategy:    &model.Strategy{Type: model.StrategyCanary, Stages: []model.Stage{{Percentage: 5, Duration: "15m"}}},
			FinalStatus: model.FinalSuccess,
		}),
		model.New("outcome_1", t0, &model.Outcome{
			ChangeID: "change_abc123", RolloutID: "rollout_1",
			Survival: &model.Survival{Survived: ptr(true)},
		}),
		model.New("learning_1", t0, &model.Learning{
			Pattern: model.Pattern{Name: "p", Conditions: map[string]json.RawMessage{"domain": json.RawMessage(`"ml"`)}},
		}),
		model.New("scan_1", t0, &model.Custom{Type: "acme.scan", ChangeID: "change_abc123"}),
	}
	for _, ev := range events {
		t.Run(string(ev.Type), func(t *testing.T) {
			assert.NoError(t, model.Validate(ev))
		})
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func() model.Event
		field      string
		constraint string
	}{
		{"wrong prefix", func() model.Event {
			ev := validChange()
			ev.ID = "rollout_abc"
			return ev
		}, "id", "prefix"},
		{"empty suffix", func() model.Event {
			ev := validChange()
			ev.ID = "change_"
			return ev
		}, "id", "suffix"},
		{"missing commit sha", func() model.Event {
			ev := validChange()
			ev.Payload.(*model.Change).SourceControl.CommitSHA = ""
			return ev
		}, "source_control.commit_sha", "required"},
		{"bad enum", func() model.Event {
			ev := validChange()
			ev.Payload.(*model.Change).Classification.RiskLevel = "apocalyptic"
			return ev
		}, "classification.risk_level", "oneof"},
		{"authorship sum", func() model.Event {
			ev := validChange()
			ev.Payload.(*model.Change).Authorship.AIPct = ptr(70.0)
			return ev
		}, "authorship", "sum"},
		{"missing created_at", func() model.Event {
			ev := validChange()
			ev.CreatedAt = time.Time{}
			return ev
		}, "created_at", "required"},
		{"updated before created", func() model.Event {
			ev := validChange()
			ev.UpdatedAt = ptr(t0.Add(-time.Hour))
			return ev
		}, "updated_at", "gtefield"},
		{"metadata not object", func() model.Event {
			ev := validChange()
			ev.Metadata = json.RawMessage(`[1,2]`)
			return ev
		}, "metadata", "object"},
		{"fraction out of range", func() model.Event {
			return model.New("ai_1", t0, &model.AIInteraction{
				SessionID:   "session_1",
				Response:    model.AIResponse{ModelID: "m"},
				HumanAction: &model.HumanAction{Action: model.ActionPartialAccept, AcceptedFraction: ptr(1.5)},
			})
		}, "human_action.accepted_fraction", "max"},
		{"rollout missing environment", func() model.Event {
			return model.New("rollout_1", t0, &model.Rollout{ChangeID: "change_1", FinalStatus: model.FinalFailed})
		}, "deployment.environment", "required"},
		{"bad stage duration", func() model.Event {
			return model.New("rollout_1", t0, &model.Rollout{
				ChangeID: "change_1", Deployment: model.Deployment{Environment: "prod"}, FinalStatus: model.FinalFailed,
				Strategy: &model.Strategy{Type: model.StrategyCanary, Stages: []model.Stage{{Percentage: 10, Duration: "soon"}}},
			})
		}, "strategy.stages[0].duration", "goduration"},
		{"progression out of order", func() model.Event {
			return model.New("rollout_1", t0, &model.Rollout{
				ChangeID: "change_1", Deployment: model.Deployment{Environment: "prod"}, FinalStatus: model.FinalSuccess,
				Progression: []model.ProgressionEntry{
					{Timestamp: t0.Add(time.Hour), Status: "started"},
					{Timestamp: t0, Status: "completed", Percentage: 100},
				},
			})
		}, "progression[1].timestamp", "ordered"},
		{"window end before start", func() model.Event {
			return model.New("outcome_1", t0, &model.Outcome{
				ChangeID: "change_1", RolloutID: "rollout_1",
				Window: &model.Window{Start: t0, End: t0.Add(-time.Minute)},
			})
		}, "window.end", "gtefield"},
		{"change_pct with zero baseline", func() model.Event {
			return model.New("outcome_1", t0, &model.Outcome{
				ChangeID: "change_1", RolloutID: "rollout_1",
				Telemetry: &model.Telemetry{Metrics: []model.MetricChange{{Name: "errors", Baseline: ptr(0.0), Observed: ptr(3.0), ChangePct: ptr(100.0)}}},
			})
		}, "telemetry.metrics[0].change_pct", "null_baseline"},
		{"empty conditions", func() model.Event {
			return model.New("learning_1", t0, &model.Learning{Pattern: model.Pattern{Name: "p", Conditions: map[string]json.RawMessage{}}})
		}, "pattern.conditions", "min"},
		{"nested condition", func() model.Event {
			return model.New("learning_1", t0, &model.Learning{Pattern: model.Pattern{Name: "p", Conditions: map[string]json.RawMessage{"x": json.RawMessage(`{"a":1}`)}}})
		}, "pattern.conditions.x", "shape"},
		{"confidence out of range", func() model.Event {
			return model.New("learning_1", t0, &model.Learning{Pattern: model.Pattern{Name: "p", Confidence: ptr(2.0), Conditions: map[string]json.RawMessage{"x": json.RawMessage(`1`)}}})
		}, "pattern.confidence", "max"},
		{"custom without namespace", func() model.Event {
			return model.New("scan_1", t0, &model.Custom{Type: "scan"})
		}, "type", "namespaced"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := model.Validate(tt.mutate())
			require.Error(t, err)
			var ve *model.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.Equal(t, tt.constraint, ve.Constraint)
		})
	}
}

func TestEncode_FlatAndDeterministic(t *testing.T) {
	ev := validChange()
	a, err := model.Encode(ev)
	require.NoError(t, err)
	b, err := model.Encode(ev)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	var flat map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(a, &flat))
	assert.Contains(t, flat, "id")
	assert.Contains(t, flat, "source_control")
	assert.Contains(t, flat, "tags")
	assert.NotContains(t, flat, "payload")
}

func TestParseEvent_RoundTripsThroughEncode(t *testing.T) {
	raw, err := model.Encode(validChange())
	require.NoError(t, err)
	ev, err := model.ParseEvent(raw)
	require.NoError(t, err)
	again, err := model.Encode(ev)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(again))
	assert.True(t, ev.Tags.Has("teams", "infra"))
	assert.True(t, ev.Tags["teams"].IsList())
}

func TestParseEvent_KeepsUndeclaredFields(t *testing.T) {
	raw := `{"id":"change_1","type":"change","version":"1.1","created_at":"2026-03-01T12:00:00Z",
		"source_control":{"repository":"acme/api","commit_sha":"abc"},
		"deploy_region":"eu-west-1","cost":{"usd":12.5}}`
	ev, err := model.ParseEvent([]byte(raw))
	require.NoError(t, err)
	require.Len(t, ev.Extra, 2)
	assert.JSONEq(t, `"eu-west-1"`, string(ev.Extra["deploy_region"]))
	assert.NotContains(t, ev.Extra, "source_control")

	out, err := model.Encode(ev)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))

	// Known fields edited on the payload still win over nothing in Extra.
	ev.Payload.(*model.Change).SourceControl.CommitSHA = "def"
	out, err = model.Encode(ev)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"commit_sha":"def"`)
	assert.Contains(t, string(out), `"deploy_region":"eu-west-1"`)
}

func TestParseEvent_NoExtraForDeclaredFields(t *testing.T) {
	raw, err := model.Encode(validChange())
	require.NoError(t, err)
	ev, err := model.ParseEvent(raw)
	require.NoError(t, err)
	assert.Nil(t, ev.Extra)
}

func TestEncode_ExtraMayNotShadowHeader(t *testing.T) {
	ev := validChange()
	ev.Extra = map[string]json.RawMessage{"created_at": json.RawMessage(`"never"`)}
	_, err := model.Encode(ev)
	assert.ErrorContains(t, err, "collides with header")
}

func TestParseEvent_MalformedTimestamps(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		field string
	}{
		{"created_at without zone", `{"id":"change_1","type":"change","created_at":"2026-03-01T12:00:00"}`, "created_at"},
		{"updated_at garbage", `{"id":"change_1","type":"change","created_at":"2026-03-01T12:00:00Z","updated_at":"yesterday"}`, "updated_at"},
		{"window start", `{"id":"outcome_1","type":"outcome","created_at":"2026-03-01T12:00:00Z","window":{"start":"noon","end":"2026-03-01T13:00:00Z"}}`, "window.start"},
		{"decision timestamp", `{"id":"outcome_1","type":"outcome","created_at":"2026-03-01T12:00:00Z","decisions":[{"timestamp":"2026-03-01T12:00:00Z"},{"timestamp":"bad"}]}`, "decisions[1].timestamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := model.ParseEvent([]byte(tt.raw))
			var ve *model.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.Equal(t, "timestamp", ve.Constraint)
		})
	}
}

func TestParseEvent_CustomPassThrough(t *testing.T) {
	raw := `{"id":"scan_1","type":"acme.scan","created_at":"2026-03-01T12:00:00Z","version":"1.0","change_id":"change_1","findings":{"high":2}}`
	ev, err := model.ParseEvent([]byte(raw))
	require.NoError(t, err)
	c, ok := ev.Payload.(*model.Custom)
	require.True(t, ok)
	assert.Equal(t, "change_1", c.ChangeID)
	assert.Equal(t, "change_1", ev.ChangeID())
	assert.JSONEq(t, `{"high":2}`, string(c.Fields["findings"]))

	out, err := model.Encode(ev)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}

func TestParseEvent_BadTagShape(t *testing.T) {
	_, err := model.ParseEvent([]byte(`{"id":"change_1","type":"change","created_at":"2026-03-01T12:00:00Z","tags":{"n":3}}`))
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "tags", ve.Field)
}

func TestRelativeChange(t *testing.T) {
	assert.Nil(t, model.RelativeChange(ptr(0.0), ptr(5.0)), "zero baseline")
	assert.Nil(t, model.RelativeChange(nil, ptr(5.0)), "absent baseline")
	assert.Nil(t, model.RelativeChange(ptr(5.0), nil), "absent observed")
	got := model.RelativeChange(ptr(200.0), ptr(250.0))
	require.NotNil(t, got)
	assert.InDelta(t, 25.0, *got, 1e-9)
}

func TestEvent_References(t *testing.T) {
	ev := model.New("outcome_1", t0, &model.Outcome{
		ChangeID: "change_1", RolloutID: "rollout_1",
		Incidents: []model.Incident{{ID: "INC-1", Changes: []model.IncidentRef{
			{ChangeID: "change_1", Role: model.RolePrimary},
			{ChangeID: "change_2", Role: model.RoleContributing},
		}}},
	})
	refs := ev.References()
	assert.Equal(t, []model.Reference{
		{Field: "change_id", ID: "change_1"},
		{Field: "rollout_id", ID: "rollout_1"},
		{Field: "incidents[0].changes[0].change_id", ID: "change_1"},
		{Field: "incidents[0].changes[1].change_id", ID: "change_2"},
	}, refs)
}

func TestEvent_ChangeID(t *testing.T) {
	assert.Equal(t, "change_abc123", validChange().ChangeID())
	assert.Empty(t, model.New("session_1", t0, &model.Session{}).ChangeID())
	assert.Equal(t, "change_9", model.New("rollout_1", t0, &model.Rollout{ChangeID: "change_9"}).ChangeID())
}

func TestFieldValues_FansOutLists(t *testing.T) {
	raw := json.RawMessage(`{"diff":{"files":[{"path":"a.go"},{"path":"b.go"}]},"review":{"approvals":2},"ok":true}`)
	assert.Equal(t, []string{"a.go", "b.go"}, model.FieldValues(raw, "diff.files.path"))
	assert.Equal(t, []string{"2"}, model.FieldValues(raw, "review.approvals"))
	assert.Equal(t, []string{"true"}, model.FieldValues(raw, "ok"))
	assert.Empty(t, model.FieldValues(raw, "diff"))
	assert.Empty(t, model.FieldValues(raw, "missing.path"))
}

func TestChangeAttributes(t *testing.T) {
	a := model.ChangeAttributes(validChange())
	assert.Equal(t, []string{"refactoring"}, a.Get("change_type"))
	assert.Equal(t, []string{"refactoring"}, a.Get("classification.change_type"))
	assert.Equal(t, []string{"ml"}, a.Get("domain"))
	assert.Equal(t, []string{"ml"}, a.Get("tags.domain"))
	assert.ElementsMatch(t, []string{"core", "infra"}, a.Get("teams"))
	assert.Equal(t, []string{"claude-x"}, a.Get("ai_models"))
}

func TestEventFilter_Matches(t *testing.T) {
	ev := validChange()
	raw, err := model.Encode(ev)
	require.NoError(t, err)
	se := model.StoredEvent{Event: ev, Sequence: 7, Raw: raw}

	assert.True(t, model.EventFilter{Tags: map[string]string{"teams": "infra"}}.Matches(se))
	assert.False(t, model.EventFilter{Tags: map[string]string{"domain": "web"}}.Matches(se))
	assert.True(t, model.EventFilter{Fields: map[string]string{"source_control.repository": "acme/api"}}.Matches(se))
	assert.False(t, model.EventFilter{Since: ptr(t0.Add(time.Second))}.Matches(se))
	assert.False(t, model.EventFilter{Until: ptr(t0)}.Matches(se), "until is exclusive")

	assert.False(t, model.EventFilter{MaxSequence: 6}.InSequence(se.Sequence))
	assert.True(t, model.EventFilter{MaxSequence: 7}.InSequence(se.Sequence))
	assert.False(t, model.EventFilter{AfterSequence: 7}.InSequence(se.Sequence))
}

func TestStoredEvent_JSON(t *testing.T) {
	ev := validChange()
	raw, err := model.Encode(ev)
	require.NoError(t, err)
	se := model.StoredEvent{Event: ev, Sequence: 3, IngestedAt: t0, ContentHash: "v1:abc", Raw: raw}

	b, err := json.Marshal(se)
	require.NoError(t, err)
	var back model.StoredEvent
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, int64(3), back.Sequence)
	assert.Equal(t, "v1:abc", back.ContentHash)
	assert.Equal(t, string(raw), string(back.Raw))
	assert.Equal(t, "change_abc123", back.ID)
}

func TestPattern_DecodeConditions(t *testing.T) {
	p := model.Pattern{Conditions: map[string]json.RawMessage{
		"domain":  json.RawMessage(`"ml"`),
		"teams":   json.RawMessage(`["core","infra"]`),
		"flagged": json.RawMessage(`true`),
	}}
	conds, err := p.DecodeConditions()
	require.NoError(t, err)
	byKey := map[string]model.Condition{}
	for _, c := range conds {
		byKey[c.Key] = c
	}
	assert.Equal(t, []string{"ml"}, byKey["domain"].Values)
	assert.True(t, byKey["teams"].List)
	assert.Equal(t, []string{"true"}, byKey["flagged"].Values)
}

func TestRoleAtLeast(t *testing.T) {
	assert.True(t, model.RoleAtLeast(model.RoleAdmin, model.RoleProducer))
	assert.True(t, model.RoleAtLeast(model.RoleProducer, model.RoleReader))
	assert.False(t, model.RoleAtLeast(model.RoleReader, model.RoleProducer))
	assert.False(t, model.RoleAtLeast("", model.RoleReader))
}
