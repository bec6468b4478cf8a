package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/dig/internal/auth"
	"github.com/ashita-ai/dig/internal/ids"
	"github.com/ashita-ai/dig/internal/model"
	"github.com/ashita-ai/dig/internal/service/correlation"
	"github.com/ashita-ai/dig/internal/service/datahealth"
	"github.com/ashita-ai/dig/internal/service/ingest"
	"github.com/ashita-ai/dig/internal/service/learnings"
	"github.com/ashita-ai/dig/internal/service/psr"
	"github.com/ashita-ai/dig/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               storage.Store
	ingest              *ingest.Service
	correlation         *correlation.Service
	psr                 *psr.Service
	matcher             *learnings.Matcher
	dataHealth          *datahealth.Service
	keyring             *auth.Keyring
	jwtMgr              *auth.JWTManager
	authEnabled         bool
	logger              *slog.Logger
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
	startedAt           time.Time
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Store               storage.Store
	Ingest              *ingest.Service
	Correlation         *correlation.Service
	PSR                 *psr.Service
	Matcher             *learnings.Matcher
	DataHealth          *datahealth.Service
	Keyring             *auth.Keyring
	JWTMgr              *auth.JWTManager
	AuthEnabled         bool
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.MaxRequestBodyBytes <= 0 {
		d.MaxRequestBodyBytes = 4 * 1024 * 1024
	}
	return &Handlers{
		store:               d.Store,
		ingest:              d.Ingest,
		correlation:         d.Correlation,
		psr:                 d.PSR,
		matcher:             d.Matcher,
		dataHealth:          d.DataHealth,
		keyring:             d.Keyring,
		jwtMgr:              d.JWTMgr,
		authEnabled:         d.AuthEnabled,
		logger:              d.Logger,
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
		startedAt:           time.Now(),
	}
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	if !h.authEnabled {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "authentication is not configured")
		return
	}
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	role, err := h.keyring.Authenticate(req.Name, req.APIKey)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			h.logger.Error("auth: authenticate failed", "error", err, "name", req.Name)
		}
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	token, expiresAt, err := h.jwtMgr.IssueToken(req.Name, role)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleAppendEvent handles POST /v1/events. The body is one event record.
// With ?idempotent=true an identical retry of a stored record succeeds with
// 200 instead of 201.
func (h *Handlers) HandleAppendEvent(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r, h.maxRequestBodyBytes)
	if err != nil {
		handleDecodeError(w, r, err)
		return
	}
	ev, err := model.ParseEvent(raw)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	idempotent, err := queryBool(r, "idempotent")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var (
		se       model.StoredEvent
		existing bool
	)
	if idempotent {
		se, existing, err = h.ingest.AppendIdempotent(r.Context(), ev)
	} else {
		se, err = h.ingest.Append(r.Context(), ev)
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if existing {
		status = http.StatusOK
	}
	writeJSON(w, r, status, se)
}

// HandleAppendBatch handles POST /v1/events/batch. Items succeed or fail
// independently; the response is 200 whenever the batch itself was readable.
func (h *Handlers) HandleAppendBatch(w http.ResponseWriter, r *http.Request) {
	var req model.AppendBatchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if len(req.Events) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "events must not be empty")
		return
	}
	results, err := h.ingest.AppendRawBatch(r.Context(), req.Events, req.Idempotent)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := model.AppendBatchResponse{Results: make([]model.BatchItemResult, len(results))}
	for i, res := range results {
		item := model.BatchItemResult{Index: res.Index, ID: res.ID, Status: res.Status}
		switch res.Status {
		case ingest.StatusCreated:
			resp.Created++
		case ingest.StatusExisting:
			resp.Existing++
		case ingest.StatusFailed:
			resp.Failed++
			_, detail := h.classify(r, res.Err)
			item.Error = &detail
		}
		if res.Event != nil {
			item.Sequence = res.Event.Sequence
		}
		resp.Results[i] = item
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// defaultListLimit applies when GET /v1/events has no limit.
const defaultListLimit = 100

// HandleListEvents handles GET /v1/events. Query parameters:
//
//	type=<event type>   tag.<key>=<value>   field.<dotted.path>=<value>
//	since=, until=      RFC 3339, bounding created_at (until exclusive)
//	limit=, after_sequence=
func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	f, err := parseEventFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	t := model.EventType(r.URL.Query().Get("type"))
	if t != "" && !t.IsCore() && !t.IsCustom() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("unknown event type %q", t))
		return
	}

	limit := queryLimit(r, defaultListLimit)
	f.Limit = limit + 1
	events, err := storage.Collect(h.store.QueryByType(r.Context(), t, f))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	hasMore := len(events) > limit
	var next int64
	if hasMore {
		events = events[:limit]
		next = events[len(events)-1].Sequence
	}
	if events == nil {
		events = []model.StoredEvent{}
	}
	writeListJSON(w, r, events, hasMore, limit, next)
}

// HandleGetEvent handles GET /v1/events/{id}.
func (h *Handlers) HandleGetEvent(w http.ResponseWriter, r *http.Request) {
	se, err := h.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, se)
}

// HandleChangeEvents handles GET /v1/changes/{change_id}/events.
func (h *Handlers) HandleChangeEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.store.QueryByChange(r.Context(), r.PathValue("change_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []model.StoredEvent{}
	}
	writeJSON(w, r, http.StatusOK, events)
}

// HandleTrace handles GET /v1/changes/{change_id}/trace.
func (h *Handlers) HandleTrace(w http.ResponseWriter, r *http.Request) {
	tr, err := h.correlation.Trace(r.Context(), r.PathValue("change_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, tr)
}

// HandlePSR handles POST /v1/psr.
func (h *Handlers) HandlePSR(w http.ResponseWriter, r *http.Request) {
	var req model.PSRRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.TimeoutMS < 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "timeout_ms must not be negative")
		return
	}
	report, err := h.psr.Compute(r.Context(), psr.Request{
		GroupBy:        req.GroupBy,
		MinSampleSize:  req.MinSampleSize,
		Since:          req.Since,
		Until:          req.Until,
		Timeout:        time.Duration(req.TimeoutMS) * time.Millisecond,
		IncludeSamples: req.IncludeSamples,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

// HandleMatchLearnings handles POST /v1/learnings/match.
func (h *Handlers) HandleMatchLearnings(w http.ResponseWriter, r *http.Request) {
	var req model.MatchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	hasChange := len(req.Change) > 0 && string(req.Change) != "null"
	if (req.ChangeID == "") == !hasChange {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"exactly one of change_id or change is required")
		return
	}

	var (
		matches []learnings.Match
		err     error
	)
	if req.ChangeID != "" {
		matches, err = h.matcher.MatchChangeID(r.Context(), req.ChangeID)
	} else {
		var ev model.Event
		if ev, err = model.ParseEvent(req.Change); err == nil {
			matches, err = h.matcher.Match(r.Context(), ev)
		}
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if matches == nil {
		matches = []learnings.Match{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"matches": matches,
		"total":   len(matches),
	})
}

// HandleActiveLearnings handles GET /v1/learnings: every learning not
// superseded by a newer one, in match order.
func (h *Handlers) HandleActiveLearnings(w http.ResponseWriter, r *http.Request) {
	active, err := h.matcher.Active(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if active == nil {
		active = []model.StoredEvent{}
	}
	writeJSON(w, r, http.StatusOK, active)
}

// HandleDataHealth handles GET /v1/health/data.
func (h *Handlers) HandleDataHealth(w http.ResponseWriter, r *http.Request) {
	report, err := h.dataHealth.Compute(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Store:   "connected",
		Backend: h.store.Backend(),
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("health: store ping failed", "error", err)
		resp.Status = "unhealthy"
		resp.Store = "disconnected"
		status = http.StatusServiceUnavailable
	} else if seq, err := h.store.LatestSequence(ctx); err == nil {
		resp.LatestSequence = seq
	}
	writeJSON(w, r, status, resp)
}

// --- Shared helpers ---

// classify maps a service error to an HTTP status and error detail.
func (h *Handlers) classify(r *http.Request, err error) (int, model.ErrorDetail) {
	var (
		ve  *model.ValidationError
		dup *storage.DuplicateIDError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, model.ErrorDetail{Code: model.ErrCodeInvalidInput, Message: ve.Error(), Details: ve}
	case errors.As(err, &dup):
		return http.StatusConflict, model.ErrorDetail{
			Code:    model.ErrCodeConflict,
			Message: fmt.Sprintf("event %s already exists", dup.ID),
			Details: map[string]any{"id": dup.ID, "same_content": dup.SameContent},
		}
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, model.ErrorDetail{Code: model.ErrCodeNotFound, Message: "not found"}
	case errors.Is(err, ingest.ErrBatchTooLarge):
		return http.StatusRequestEntityTooLarge, model.ErrorDetail{Code: model.ErrCodeInvalidInput, Message: err.Error()}
	case errors.Is(err, ids.ErrIdentityCollision):
		return http.StatusServiceUnavailable, model.ErrorDetail{Code: model.ErrCodeUnavailable, Message: "could not allocate a unique id, retry"}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, model.ErrorDetail{Code: model.ErrCodeTimeout, Message: "operation timed out"}
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, model.ErrorDetail{Code: model.ErrCodeUnavailable, Message: "request cancelled"}
	case errors.Is(err, storage.ErrClosed):
		return http.StatusServiceUnavailable, model.ErrorDetail{Code: model.ErrCodeUnavailable, Message: "store unavailable"}
	}
	h.logger.Error("http: internal error", "error", err, "path", r.URL.Path)
	return http.StatusInternalServerError, model.ErrorDetail{Code: model.ErrCodeInternalError, Message: "internal error"}
}

func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, detail := h.classify(r, err)
	writeErrorDetails(w, r, status, detail.Code, detail.Message, detail.Details)
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error("http: "+msg, "error", err, "path", r.URL.Path)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// readBody reads at most limit bytes of the request body.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
}

// decodeJSON decodes a JSON request body into target, rejecting unknown
// fields and bodies over limit.
func decodeJSON(w http.ResponseWriter, r *http.Request, target any, limit int64) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func handleDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput,
			fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		return
	}
	writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	return min(max(queryInt(r, "limit", defaultVal), 1), maxQueryLimit)
}

func queryBool(r *http.Request, key string) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: expected true or false", key)
	}
	return b, nil
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: expected RFC3339 format (e.g. 2024-01-01T00:00:00Z)", key)
	}
	return &t, nil
}

// parseEventFilter reads tag., field., since, until and after_sequence
// query parameters. The caller sets the limit.
func parseEventFilter(r *http.Request) (model.EventFilter, error) {
	var f model.EventFilter
	for key, vals := range r.URL.Query() {
		if len(vals) == 0 {
			continue
		}
		switch {
		case strings.HasPrefix(key, "tag."):
			if f.Tags == nil {
				f.Tags = map[string]string{}
			}
			f.Tags[strings.TrimPrefix(key, "tag.")] = vals[0]
		case strings.HasPrefix(key, "field."):
			if f.Fields == nil {
				f.Fields = map[string]string{}
			}
			f.Fields[strings.TrimPrefix(key, "field.")] = vals[0]
		}
	}
	var err error
	if f.Since, err = queryTime(r, "since"); err != nil {
		return f, err
	}
	if f.Until, err = queryTime(r, "until"); err != nil {
		return f, err
	}
	if v := r.URL.Query().Get("after_sequence"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid after_sequence: expected a non-negative integer")
		}
		f.AfterSequence = n
	}
	return f, nil
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}
