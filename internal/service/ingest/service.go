// Package ingest is the producer-facing write path. It fills defaults,
// generates ids, normalizes telemetry and turns store outcomes into the
// documented retry policy before events reach the store.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/dig/internal/ids"
	"github.com/ashita-ai/dig/internal/model"
	"github.com/ashita-ai/dig/internal/storage"
	"github.com/ashita-ai/dig/internal/telemetry"
)

// MaxBatchSize caps the number of events accepted by one batch call.
const MaxBatchSize = 1000

// ErrBatchTooLarge is returned when a batch exceeds MaxBatchSize.
var ErrBatchTooLarge = fmt.Errorf("ingest: batch exceeds %d events", MaxBatchSize)

// Service appends events on behalf of producers.
type Service struct {
	store  storage.Store
	logger *slog.Logger
	newID  func(model.EventType) (string, error)
	now    func() time.Time

	appended   metric.Int64Counter
	rejected   metric.Int64Counter
	duplicates metric.Int64Counter
}

// Option configures a Service.
type Option func(*Service)

// WithIDGenerator replaces the id generator, mainly to force collisions in tests.
func WithIDGenerator(fn func(model.EventType) (string, error)) Option {
	return func(s *Service) { s.newID = fn }
}

// WithClock replaces the clock used for defaulted created_at values.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates an ingest service over store.
func New(store storage.Store, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: logger,
		newID:  ids.New,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	meter := telemetry.Meter("dig/ingest")
	s.appended, _ = meter.Int64Counter("dig.events.appended",
		metric.WithDescription("Events written to the store"))
	s.rejected, _ = meter.Int64Counter("dig.events.rejected",
		metric.WithDescription("Events rejected before or during the write"))
	s.duplicates, _ = meter.Int64Counter("dig.events.duplicates",
		metric.WithDescription("Appends that hit an existing id"))
	return s
}

// Append fills defaults and writes ev. When ev has no id one is generated and,
// should it already exist, regenerated up to ids.MaxAttempts times before
// failing with ids.ErrIdentityCollision. A caller-supplied id that already
// exists fails with *storage.DuplicateIDError.
func (s *Service) Append(ctx context.Context, ev model.Event) (model.StoredEvent, error) {
	ev = s.withDefaults(ev)
	if ev.ID != "" {
		return s.write(ctx, ev)
	}
	if ev.Payload == nil {
		s.reject(ctx, "validation")
		return model.StoredEvent{}, &model.ValidationError{Field: "type", Constraint: "payload", Message: "event has no payload"}
	}
	for attempt := 1; attempt <= ids.MaxAttempts; attempt++ {
		id, err := s.newID(ev.Type)
		if err != nil {
			return model.StoredEvent{}, fmt.Errorf("ingest: generate id: %w", err)
		}
		ev.ID = id
		se, err := s.write(ctx, ev)
		if !errors.Is(err, storage.ErrDuplicateID) {
			return se, err
		}
		s.logger.Warn("ingest: generated id collided, regenerating", "id", id, "attempt", attempt)
	}
	return model.StoredEvent{}, fmt.Errorf("%w: %d attempts for type %s", ids.ErrIdentityCollision, ids.MaxAttempts, ev.Type)
}

// AppendIdempotent writes ev and treats a duplicate with identical content as
// success, returning the already stored event. This is the documented retry
// policy: producers pre-generate the id (and created_at) so that a retried
// request produces the same record. A duplicate with different content is
// still an error.
func (s *Service) AppendIdempotent(ctx context.Context, ev model.Event) (model.StoredEvent, bool, error) {
	if ev.ID == "" {
		return model.StoredEvent{}, false, &model.ValidationError{Field: "id", Constraint: "required", Message: "idempotent appends need a caller-assigned id"}
	}
	if ev.CreatedAt.IsZero() {
		return model.StoredEvent{}, false, &model.ValidationError{Field: "created_at", Constraint: "required", Message: "idempotent appends need a caller-assigned created_at"}
	}
	se, err := s.write(ctx, s.withDefaults(ev))
	var dup *storage.DuplicateIDError
	if errors.As(err, &dup) && dup.SameContent {
		existing, gerr := s.store.Get(ctx, ev.ID)
		if gerr != nil {
			return model.StoredEvent{}, false, fmt.Errorf("ingest: load existing %s: %w", ev.ID, gerr)
		}
		s.logger.Debug("ingest: idempotent retry matched stored event", "id", ev.ID)
		return existing, true, nil
	}
	return se, false, err
}

// Result status values for batch items.
const (
	StatusCreated  = "created"
	StatusExisting = "existing"
	StatusFailed   = "failed"
)

// Result is the outcome of one batch item.
type Result struct {
	Index  int
	ID     string
	Status string
	Event  *model.StoredEvent
	Err    error
}

// AppendBatch appends each event independently. A failing item never stops
// the rest of the batch; every item gets a Result in input order.
func (s *Service) AppendBatch(ctx context.Context, events []model.Event, idempotent bool) ([]Result, error) {
	if len(events) > MaxBatchSize {
		return nil, ErrBatchTooLarge
	}
	results := make([]Result, len(events))
	for i, ev := range events {
		results[i] = s.appendItem(ctx, i, ev, idempotent)
	}
	return results, nil
}

// AppendRawBatch parses and appends raw records. A record that cannot be
// parsed fails on its own with a *model.ValidationError.
func (s *Service) AppendRawBatch(ctx context.Context, raws []json.RawMessage, idempotent bool) ([]Result, error) {
	if len(raws) > MaxBatchSize {
		return nil, ErrBatchTooLarge
	}
	results := make([]Result, len(raws))
	for i, raw := range raws {
		ev, err := model.ParseEvent(raw)
		if err != nil {
			s.reject(ctx, "parse")
			results[i] = Result{Index: i, Status: StatusFailed, Err: err}
			continue
		}
		results[i] = s.appendItem(ctx, i, ev, idempotent)
	}
	return results, nil
}

func (s *Service) appendItem(ctx context.Context, i int, ev model.Event, idempotent bool) Result {
	if err := ctx.Err(); err != nil {
		return Result{Index: i, ID: ev.ID, Status: StatusFailed, Err: err}
	}
	var (
		se       model.StoredEvent
		existing bool
		err      error
	)
	if idempotent {
		se, existing, err = s.AppendIdempotent(ctx, ev)
	} else {
		se, err = s.Append(ctx, ev)
	}
	if err != nil {
		return Result{Index: i, ID: ev.ID, Status: StatusFailed, Err: err}
	}
	status := StatusCreated
	if existing {
		status = StatusExisting
	}
	return Result{Index: i, ID: se.ID, Status: status, Event: &se}
}

func (s *Service) write(ctx context.Context, ev model.Event) (model.StoredEvent, error) {
	se, err := s.store.Append(ctx, ev)
	switch {
	case err == nil:
		s.appended.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(ev.Type))))
		s.logger.Debug("ingest: event appended", "id", se.ID, "type", se.Type, "sequence", se.Sequence)
		return se, nil
	case errors.Is(err, storage.ErrDuplicateID):
		s.duplicates.Add(ctx, 1)
	case model.IsValidationError(err):
		s.reject(ctx, "validation")
	default:
		s.reject(ctx, "store")
		s.logger.Error("ingest: append failed", "id", ev.ID, "type", ev.Type, "error", err)
	}
	return model.StoredEvent{}, err
}

func (s *Service) reject(ctx context.Context, reason string) {
	s.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// withDefaults returns a copy of ev with version, created_at and derived
// telemetry fields filled in. The caller's payload is never modified.
func (s *Service) withDefaults(ev model.Event) model.Event {
	if ev.Version == "" {
		ev.Version = model.DefaultSchemaVersion
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now().UTC()
	}
	if ev.Type == "" && ev.Payload != nil {
		ev.Type = ev.Payload.EventType()
	}
	if o, ok := ev.AsOutcome(); ok && o.Telemetry != nil && len(o.Telemetry.Metrics) > 0 {
		ev.Payload = normalizeTelemetry(o)
	}
	return ev
}

// normalizeTelemetry derives change_pct from baseline and observed. A zero or
// missing baseline always yields a null change_pct, never an infinity.
func normalizeTelemetry(o *model.Outcome) *model.Outcome {
	cp := *o
	tel := *o.Telemetry
	tel.Metrics = make([]model.MetricChange, len(o.Telemetry.Metrics))
	for i, m := range o.Telemetry.Metrics {
		if m.Baseline == nil || *m.Baseline == 0 {
			m.ChangePct = nil
		} else if m.ChangePct == nil {
			m.ChangePct = model.RelativeChange(m.Baseline, m.Observed)
		}
		tel.Metrics[i] = m
	}
	cp.Telemetry = &tel
	return &cp
}
