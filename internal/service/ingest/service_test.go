package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/dig/internal/ids"
	"github.com/ashita-ai/dig/internal/model"
	"github.com/ashita-ai/dig/internal/service/ingest"
	"github.com/ashita-ai/dig/internal/storage"
	"github.com/ashita-ai/dig/internal/testutil"
)

func newService(t *testing.T, opts ...ingest.Option) (*ingest.Service, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemory()
	return ingest.New(store, testutil.TestLogger(), opts...), store
}

func TestAppend_FillsDefaults(t *testing.T) {
	fixed := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	svc, _ := newService(t, ingest.WithClock(func() time.Time { return fixed }))

	se, err := svc.Append(context.Background(), model.Event{Payload: &model.Session{}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(se.ID, "session_"))
	assert.Len(t, strings.TrimPrefix(se.ID, "session_"), 16)
	assert.Equal(t, model.DefaultSchemaVersion, se.Version)
	assert.Equal(t, fixed, se.CreatedAt)
	assert.Equal(t, model.TypeSession, se.Type)
}

func TestAppend_NullBaselineYieldsNullChangePct(t *testing.T) {
	svc, _ := newService(t)
	ev := model.New("outcome_tel", testutil.At(0), &model.Outcome{
		ChangeID:  "change_1",
		RolloutID: "rollout_1",
		Telemetry: &model.Telemetry{Metrics: []model.MetricChange{
			{Name: "error_rate", Baseline: testutil.Ptr(0.0), Observed: testutil.Ptr(0.4)},
			{Name: "p99_ms", Baseline: testutil.Ptr(200.0), Observed: testutil.Ptr(250.0)},
			{Name: "new_metric", Observed: testutil.Ptr(3.0)},
		}},
	})
	se, err := svc.Append(context.Background(), ev)
	require.NoError(t, err)

	o, ok := se.AsOutcome()
	require.True(t, ok)
	metrics := o.Telemetry.Metrics
	assert.Nil(t, metrics[0].ChangePct)
	require.NotNil(t, metrics[1].ChangePct)
	assert.InDelta(t, 25.0, *metrics[1].ChangePct, 1e-9)
	assert.Nil(t, metrics[2].ChangePct)

	// Persisted as an explicit null, not omitted and never Inf.
	var rec struct {
		Telemetry struct {
			Metrics []map[string]json.RawMessage `json:"metrics"`
		} `json:"telemetry"`
	}
	require.NoError(t, json.Unmarshal(se.Raw, &rec))
	assert.Equal(t, "null", string(rec.Telemetry.Metrics[0]["change_pct"]))

	// The caller's payload is untouched.
	orig := ev.Payload.(*model.Outcome)
	assert.Nil(t, orig.Telemetry.Metrics[1].ChangePct)
}

func TestAppend_RegeneratesCollidingGeneratedIDs(t *testing.T) {
	calls := 0
	gen := func(t model.EventType) (string, error) {
		calls++
		if calls < 3 {
			return "session_taken", nil
		}
		return "session_fresh", nil
	}
	svc, store := newService(t, ingest.WithIDGenerator(gen))
	testutil.MustAppend(t, store, testutil.Session("session_taken", testutil.At(0)))

	se, err := svc.Append(context.Background(), model.Event{Header: model.Header{CreatedAt: testutil.At(1)}, Payload: &model.Session{}})
	require.NoError(t, err)
	assert.Equal(t, "session_fresh", se.ID)
	assert.Equal(t, 3, calls)
}

func TestAppend_IdentityCollisionAfterMaxAttempts(t *testing.T) {
	gen := func(model.EventType) (string, error) { return "session_taken", nil }
	svc, store := newService(t, ingest.WithIDGenerator(gen))
	testutil.MustAppend(t, store, testutil.Session("session_taken", testutil.At(0)))

	_, err := svc.Append(context.Background(), model.Event{Payload: &model.Session{}})
	require.ErrorIs(t, err, ids.ErrIdentityCollision)
}

func TestAppend_CallerIDDuplicateIsAnError(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	ev := testutil.Session("session_mine", testutil.At(0))
	_, err := svc.Append(ctx, ev)
	require.NoError(t, err)
	_, err = svc.Append(ctx, ev)
	assert.ErrorIs(t, err, storage.ErrDuplicateID)
}

func TestAppendIdempotent_RetryIsSuccess(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	ev := testutil.Change("change_retry", testutil.At(0), model.Tags{"domain": model.Tag("ml")}, nil)

	first, existed, err := svc.AppendIdempotent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, existed)

	// Network-level retry of the very same request.
	second, existed, err := svc.AppendIdempotent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, first.Sequence, second.Sequence)
	assert.Equal(t, string(first.Raw), string(second.Raw))

	latest, err := store.LatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest)
}

func TestAppendIdempotent_ConflictingContentStillFails(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, _, err := svc.AppendIdempotent(ctx, testutil.Change("change_c", testutil.At(0), model.Tags{"domain": model.Tag("ml")}, nil))
	require.NoError(t, err)

	_, _, err = svc.AppendIdempotent(ctx, testutil.Change("change_c", testutil.At(0), model.Tags{"domain": model.Tag("web")}, nil))
	var dup *storage.DuplicateIDError
	require.ErrorAs(t, err, &dup)
	assert.False(t, dup.SameContent)
}

func TestAppendIdempotent_RequiresCallerIDAndTimestamp(t *testing.T) {
	svc, _ := newService(t)
	_, _, err := svc.AppendIdempotent(context.Background(), model.Event{Payload: &model.Session{}})
	assert.True(t, model.IsValidationError(err))

	_, _, err = svc.AppendIdempotent(context.Background(), model.Event{Header: model.Header{ID: "session_x"}, Payload: &model.Session{}})
	assert.True(t, model.IsValidationError(err))
}

func TestAppendBatch_IsolatesFailures(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	events := []model.Event{
		testutil.Session("session_b1", testutil.At(0)),
		testutil.Change("rollout_badprefix", testutil.At(1), nil, nil),
		testutil.Session("session_b1", testutil.At(0)),
		testutil.Session("session_b2", testutil.At(2)),
	}

	results, err := svc.AppendBatch(ctx, events, false)
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, ingest.StatusCreated, results[0].Status)
	assert.Equal(t, ingest.StatusFailed, results[1].Status)
	assert.True(t, model.IsValidationError(results[1].Err))
	assert.Equal(t, ingest.StatusFailed, results[2].Status)
	assert.ErrorIs(t, results[2].Err, storage.ErrDuplicateID)
	assert.Equal(t, ingest.StatusCreated, results[3].Status)

	latest, err := store.LatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)
}

func TestAppendBatch_IdempotentRetryReportsExisting(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	events := []model.Event{testutil.Session("session_i1", testutil.At(0))}
	_, err := svc.AppendBatch(ctx, events, true)
	require.NoError(t, err)

	results, err := svc.AppendBatch(ctx, events, true)
	require.NoError(t, err)
	assert.Equal(t, ingest.StatusExisting, results[0].Status)
	assert.NoError(t, results[0].Err)
}

func TestAppendRawBatch_ParseErrorsStayLocal(t *testing.T) {
	svc, _ := newService(t)
	raws := []json.RawMessage{
		json.RawMessage(`{"id":"session_raw1","type":"session","created_at":"2026-03-01T09:00:00Z"}`),
		json.RawMessage(`{"id":"session_raw2","type":"session","created_at":"not-a-time"}`),
		json.RawMessage(`[]`),
	}
	results, err := svc.AppendRawBatch(context.Background(), raws, false)
	require.NoError(t, err)
	assert.Equal(t, ingest.StatusCreated, results[0].Status)
	var ve *model.ValidationError
	require.ErrorAs(t, results[1].Err, &ve)
	assert.Equal(t, "created_at", ve.Field)
	assert.Equal(t, ingest.StatusFailed, results[2].Status)
}

func TestAppendBatch_TooLarge(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.AppendBatch(context.Background(), make([]model.Event, ingest.MaxBatchSize+1), false)
	assert.True(t, errors.Is(err, ingest.ErrBatchTooLarge))
}

func TestAppendBatch_CancelledContextFailsRemainingItems(t *testing.T) {
	svc, _ := newService(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := svc.AppendBatch(ctx, []model.Event{testutil.Session("session_x1", testutil.At(0))}, false)
	require.NoError(t, err)
	assert.ErrorIs(t, results[0].Err, context.Canceled)
}
