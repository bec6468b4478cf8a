package mcp

import (
	"fmt"
	"math"
	"strings"

	"github.com/ashita-ai/dig/internal/model"
	"github.com/ashita-ai/dig/internal/service/correlation"
	"github.com/ashita-ai/dig/internal/service/learnings"
)

const maxCompactText = 200

// compactEvent returns a minimal view of a stored event for MCP responses.
// Bookkeeping (content hash, ingested_at, metadata) and bulky payload parts
// (prompts, diffs, telemetry) are dropped; the full record stays available
// through dig_get_event.
func compactEvent(se model.StoredEvent) map[string]any {
	m := map[string]any{
		"id":         se.ID,
		"type":       se.Type,
		"created_at": se.CreatedAt,
		"sequence":   se.Sequence,
	}
	switch p := se.Payload.(type) {
	case *model.Session:
		if p.Intent != nil && p.Intent.Description != "" {
			m["intent"] = truncate(p.Intent.Description, maxCompactText)
		}
	case *model.AIInteraction:
		m["model_id"] = p.Response.ModelID
		if p.HumanAction != nil {
			m["human_action"] = p.HumanAction.Action
		}
	case *model.Change:
		m["repository"] = p.SourceControl.Repository
		m["commit_sha"] = p.SourceControl.CommitSHA
		if pr := p.SourceControl.PullRequest; pr != nil && pr.Title != "" {
			m["title"] = truncate(pr.Title, maxCompactText)
		}
		if c := p.Classification; c != nil {
			if c.ChangeType != "" {
				m["change_type"] = c.ChangeType
			}
			if c.RiskLevel != "" {
				m["risk_level"] = c.RiskLevel
			}
		}
	case *model.Rollout:
		m["change_id"] = p.ChangeID
		m["environment"] = p.Deployment.Environment
		m["final_status"] = p.FinalStatus
		if p.Strategy != nil {
			m["strategy"] = p.Strategy.Type
		}
	case *model.Outcome:
		m["change_id"] = p.ChangeID
		m["rollout_id"] = p.RolloutID
		if survived, labeled := p.Label(); labeled {
			m["survived"] = survived
		}
		if len(p.Incidents) > 0 {
			m["incidents"] = len(p.Incidents)
		}
	case *model.Learning:
		m["name"] = p.Pattern.Name
		m["confidence"] = round3(p.Pattern.ConfidenceValue())
		if p.Recommendation != nil && p.Recommendation.Message != "" {
			m["recommendation"] = truncate(p.Recommendation.Message, maxCompactText)
		}
	}
	return m
}

func compactEvents(events []model.StoredEvent) []map[string]any {
	out := make([]map[string]any, 0, len(events))
	for _, se := range events {
		out = append(out, compactEvent(se))
	}
	return out
}

// compactTrace keeps the trace structure with compact events and a one-line
// summary of the canonical attempt.
func compactTrace(tr correlation.Trace) map[string]any {
	m := map[string]any{
		"change_id":           tr.ChangeID,
		"sessions":            compactEvents(tr.Sessions),
		"ai_interactions":     compactEvents(tr.Interactions),
		"rollouts":            compactEvents(tr.Rollouts),
		"outcomes":            compactEvents(tr.Outcomes),
		"dangling_references": tr.Dangling,
		"canonical":           canonicalSummary(tr.Canonical),
	}
	if tr.Change != nil {
		m["change"] = compactEvent(*tr.Change)
	}
	if len(tr.Other) > 0 {
		m["other"] = compactEvents(tr.Other)
	}
	return m
}

func canonicalSummary(c correlation.Canonical) map[string]any {
	m := map[string]any{"status": c.Status, "reason": c.Reason}
	if c.Rollout != nil {
		m["rollout_id"] = c.Rollout.ID
	}
	if c.Outcome != nil {
		m["outcome_id"] = c.Outcome.ID
		if o, ok := c.Outcome.AsOutcome(); ok {
			if survived, labeled := o.Label(); labeled {
				m["survived"] = survived
			}
		}
	}
	if c.Excluded > 0 {
		m["excluded_outcomes"] = c.Excluded
	}
	return m
}

// compactMatch drops the full learning record from a match.
func compactMatch(mt learnings.Match) map[string]any {
	m := map[string]any{
		"learning_id":        mt.LearningID,
		"name":               mt.Name,
		"confidence":         round3(mt.Confidence),
		"matched_conditions": mt.Conditions,
	}
	if r := mt.Recommendation; r != nil {
		m["recommendation"] = r
	}
	return m
}

// generateMatchSummary produces a one-paragraph digest of matches for agents.
func generateMatchSummary(matches []learnings.Match) string {
	if len(matches) == 0 {
		return "No learnings apply to this change. No prior outcomes flag its attributes."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d learning(s) apply.", len(matches))
	for i, mt := range matches {
		if i == 3 {
			fmt.Fprintf(&b, " %d more omitted.", len(matches)-3)
			break
		}
		fmt.Fprintf(&b, " [%s, %.0f%% confidence]", mt.Name, mt.Confidence*100)
		if r := mt.Recommendation; r != nil && r.Message != "" {
			b.WriteString(" " + truncate(r.Message, maxCompactText))
		}
	}
	return b.String()
}

// actionNeeded reports whether any match carries a warning or stronger
// recommendation.
func actionNeeded(matches []learnings.Match) bool {
	for _, mt := range matches {
		if r := mt.Recommendation; r != nil {
			switch r.Severity {
			case "warning", "error", "block":
				return true
			}
		}
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func round3(f float64) float64 { return math.Round(f*1000) / 1000 }
