package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/dig/internal/ctxutil"
	"github.com/ashita-ai/dig/internal/model"
	"github.com/ashita-ai/dig/internal/service/learnings"
	"github.com/ashita-ai/dig/internal/service/psr"
)

func (s *Server) registerTools() {
	// dig_match_learnings: what do earlier outcomes say about this change?
	s.mcpServer.AddTool(
		mcplib.NewTool("dig_match_learnings",
			mcplib.WithDescription(`Find the learnings that apply to a code change before you ship it.

WHEN TO USE: BEFORE deploying a change, and ideally before writing it.
Learnings are patterns derived from how earlier changes survived in
production (for example "high-risk infrastructure changes written with
model X roll back 3x more often"). Call this FIRST so their
recommendations can shape the change.

Pass either change_id (a change already recorded) or change (a change
event as JSON, which does not need to be stored).

WHAT YOU GET BACK:
- matches: learnings whose conditions all hold, highest confidence first
- summary: a short digest you can act on
- action_needed: true when any recommendation is a warning or stronger`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("change_id",
				mcplib.Description("ID of a stored change event (change_...)"),
			),
			mcplib.WithString("change",
				mcplib.Description("A change event as JSON. Use instead of change_id for changes not yet recorded."),
			),
		),
		s.handleMatchLearnings,
	)

	// dig_record_event: append one event to the trace store.
	s.mcpServer.AddTool(
		mcplib.NewTool("dig_record_event",
			mcplib.WithDescription(`Record one development event: a session, ai_interaction, change, rollout,
outcome, learning or custom (namespace.name) event.

IMPORTANT: Call dig_match_learnings for a change BEFORE recording its rollout.
Deploying without checking risks repeating a failure the store already knows.

The event must carry id, type, version and created_at. Events are immutable:
re-sending the same id fails unless idempotent=true and the content is
identical.

EXAMPLE: {"id":"rollout_42","type":"rollout","version":"1.0",
"created_at":"2026-01-02T15:04:05Z","change_id":"change_7",
"deployment":{"environment":"production"},"final_status":"success"}`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("event",
				mcplib.Description("The event as JSON"),
				mcplib.Required(),
			),
			mcplib.WithBoolean("idempotent",
				mcplib.Description("Treat an identical re-send of an existing id as success"),
			),
		),
		s.handleRecordEvent,
	)

	// dig_trace_change: everything recorded about one change.
	s.mcpServer.AddTool(
		mcplib.NewTool("dig_trace_change",
			mcplib.WithDescription(`Assemble the full trace of a change: its sessions, AI interactions,
rollouts and outcomes, plus the canonical production attempt that counts
toward survival rates.

WHEN TO USE: When investigating why a change failed, or to see what
happened to a similar earlier change.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("change_id",
				mcplib.Description("ID of the change to trace"),
				mcplib.Required(),
			),
			mcplib.WithBoolean("compact",
				mcplib.Description("Return summarized events instead of full records (default true)"),
				mcplib.DefaultBool(true),
			),
		),
		s.handleTraceChange,
	)

	// dig_get_event: one record by id.
	s.mcpServer.AddTool(
		mcplib.NewTool("dig_get_event",
			mcplib.WithDescription(`Fetch one stored event by id, exactly as recorded.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("id",
				mcplib.Description("Event id"),
				mcplib.Required(),
			),
		),
		s.handleGetEvent,
	)

	// dig_compute_psr: production survival rates.
	s.mcpServer.AddTool(
		mcplib.NewTool("dig_compute_psr",
			mcplib.WithDescription(`Compute the production survival rate (PSR): the share of changes whose
canonical production rollout survived.

WHEN TO USE: To compare how different kinds of change fare, for example
group_by=["model_id"] to compare AI models or ["change_type","risk_level"].

Groups with fewer labeled outcomes than min_sample_size report
status "insufficient_sample" and no rate.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithArray("group_by",
				mcplib.Description("Dimensions: change_type, risk_level, blast_radius, model_id, repository, provider, strategy, environment, or tags.<key> / a field path"),
				mcplib.WithStringItems(),
			),
			mcplib.WithNumber("min_sample_size",
				mcplib.Description("Minimum labeled outcomes for a group to report a rate"),
				mcplib.Min(1),
			),
			mcplib.WithString("since",
				mcplib.Description("Only changes created at or after this RFC 3339 time"),
			),
			mcplib.WithString("until",
				mcplib.Description("Only changes created before this RFC 3339 time"),
			),
			mcplib.WithNumber("timeout_ms",
				mcplib.Description("Abort the computation after this many milliseconds"),
				mcplib.Min(0),
			),
			mcplib.WithBoolean("include_samples",
				mcplib.Description("List the contributing change and outcome ids per group"),
			),
		),
		s.handleComputePSR,
	)

	// dig_data_health: is there enough good data to trust the numbers?
	s.mcpServer.AddTool(
		mcplib.NewTool("dig_data_health",
			mcplib.WithDescription(`Report on the health of the recorded data: integrity of stored events,
how many changes reached an observed production outcome, how many
outcomes carry a survival label, and dangling references.

WHEN TO USE: Before trusting PSR figures or learnings.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleDataHealth,
	)
}

// jsonArg returns the JSON text of a tool argument that may arrive either as
// a string holding JSON or as a structured object.
func jsonArg(request mcplib.CallToolRequest, name string) (json.RawMessage, bool, error) {
	v, ok := request.GetArguments()[name]
	if !ok || v == nil {
		return nil, false, nil
	}
	if s, isString := v.(string); isString {
		if s == "" {
			return nil, false, nil
		}
		if !json.Valid([]byte(s)) {
			return nil, true, fmt.Errorf("%s is not valid JSON", name)
		}
		return json.RawMessage(s), true, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, true, fmt.Errorf("%s: %w", name, err)
	}
	return b, true, nil
}

func (s *Server) handleMatchLearnings(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	changeID := request.GetString("change_id", "")
	raw, hasChange, err := jsonArg(request, "change")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if (changeID == "") == !hasChange {
		return errorResult("exactly one of change_id or change is required"), nil
	}

	var matches []learnings.Match
	if changeID != "" {
		matches, err = s.deps.Matcher.MatchChangeID(ctx, changeID)
	} else {
		var ev model.Event
		if ev, err = model.ParseEvent(raw); err == nil {
			changeID = ev.ID
			matches, err = s.deps.Matcher.Match(ctx, ev)
		}
	}
	if err != nil {
		return s.toolError("dig_match_learnings", err), nil
	}

	if changeID != "" {
		s.checkTracker.Record(ctxutil.Caller(ctx), changeID)
	}

	compact := make([]map[string]any, 0, len(matches))
	for _, m := range matches {
		compact = append(compact, compactMatch(m))
	}
	return jsonResult(map[string]any{
		"matches":       compact,
		"total":         len(matches),
		"summary":       generateMatchSummary(matches),
		"action_needed": actionNeeded(matches),
	}), nil
}

func (s *Server) handleRecordEvent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if !ctxutil.Permits(ctx, model.RoleProducer) {
		return errorResult("recording events requires the producer role"), nil
	}
	raw, ok, err := jsonArg(request, "event")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if !ok {
		return errorResult("event is required"), nil
	}
	ev, err := model.ParseEvent(raw)
	if err != nil {
		return s.toolError("dig_record_event", err), nil
	}

	status := "created"
	var se model.StoredEvent
	if request.GetBool("idempotent", false) {
		var existing bool
		se, existing, err = s.deps.Ingest.AppendIdempotent(ctx, ev)
		if existing {
			status = "existing"
		}
	} else {
		se, err = s.deps.Ingest.Append(ctx, ev)
	}
	if err != nil {
		return s.toolError("dig_record_event", err), nil
	}

	result := map[string]any{
		"id":       se.ID,
		"type":     se.Type,
		"sequence": se.Sequence,
		"status":   status,
	}

	// Advisory only: the rollout is already recorded.
	if ro, isRollout := se.AsRollout(); isRollout && !s.checkTracker.WasChecked(ctxutil.Caller(ctx), ro.ChangeID) {
		return jsonResult(result,
			"NOTE: dig_match_learnings was not called for change "+ro.ChangeID+" before this rollout was recorded. "+
				"Checking learnings first surfaces risks that earlier outcomes already revealed. "+
				"Next time, call dig_match_learnings before deploying."), nil
	}
	return jsonResult(result), nil
}

func (s *Server) handleTraceChange(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	changeID := request.GetString("change_id", "")
	if changeID == "" {
		return errorResult("change_id is required"), nil
	}
	tr, err := s.deps.Correlation.Trace(ctx, changeID)
	if err != nil {
		return s.toolError("dig_trace_change", err), nil
	}
	if request.GetBool("compact", true) {
		return jsonResult(compactTrace(tr)), nil
	}
	return jsonResult(tr), nil
}

func (s *Server) handleGetEvent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := request.GetString("id", "")
	if id == "" {
		return errorResult("id is required"), nil
	}
	se, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		return s.toolError("dig_get_event", err), nil
	}
	return jsonResult(se), nil
}

func (s *Server) handleComputePSR(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	req := psr.Request{
		GroupBy:        request.GetStringSlice("group_by", nil),
		MinSampleSize:  request.GetInt("min_sample_size", 0),
		Timeout:        time.Duration(request.GetInt("timeout_ms", 0)) * time.Millisecond,
		IncludeSamples: request.GetBool("include_samples", false),
	}
	if req.Timeout < 0 {
		return errorResult("timeout_ms must not be negative"), nil
	}
	for _, bound := range []struct {
		name string
		dst  **time.Time
	}{{"since", &req.Since}, {"until", &req.Until}} {
		v := request.GetString(bound.name, "")
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return errorResult(fmt.Sprintf("%s must be an RFC 3339 timestamp", bound.name)), nil
		}
		*bound.dst = &t
	}

	report, err := s.deps.PSR.Compute(ctx, req)
	if err != nil {
		return s.toolError("dig_compute_psr", err), nil
	}
	return jsonResult(report), nil
}

func (s *Server) handleDataHealth(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	report, err := s.deps.DataHealth.Compute(ctx)
	if err != nil {
		return s.toolError("dig_data_health", err), nil
	}
	return jsonResult(report), nil
}
