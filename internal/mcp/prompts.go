package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// before-change: look up learnings before writing or shipping a change.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("before-change",
			mcplib.WithPromptDescription("Check what earlier outcomes say before making or deploying a change"),
			mcplib.WithArgument("change_id",
				mcplib.ArgumentDescription("ID of the change (change_...) if it is already recorded"),
			),
			mcplib.WithArgument("description",
				mcplib.ArgumentDescription("What the change does, if it is not recorded yet"),
			),
		),
		s.handleBeforeChangePrompt,
	)

	// after-rollout: record the rollout and, later, its outcome.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("after-rollout",
			mcplib.WithPromptDescription("Record a rollout and its production outcome"),
			mcplib.WithArgument("change_id",
				mcplib.ArgumentDescription("The change that was deployed"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("environment",
				mcplib.ArgumentDescription("Deployment environment (defaults to production)"),
			),
		),
		s.handleAfterRolloutPrompt,
	)

	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining the DIG workflow (check learnings before, record events after)"),
		),
		s.handleAgentSetupPrompt,
	)
}

func (s *Server) handleBeforeChangePrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	changeID := request.Params.Arguments["change_id"]
	description := request.Params.Arguments["description"]
	if changeID == "" && description == "" {
		return nil, fmt.Errorf("change_id or description argument is required")
	}

	var lookup, subject string
	if changeID != "" {
		subject = "change " + changeID
		lookup = fmt.Sprintf(`CALL dig_match_learnings with change_id="%s".`, changeID)
	} else {
		subject = "this change (" + description + ")"
		lookup = `BUILD a change event describing it (source_control, classification with
   change_type and risk_level, authorship.ai_models) and CALL
   dig_match_learnings with change set to that JSON. It does not need to be
   recorded first.`
	}

	return &mcplib.GetPromptResult{
		Description: "Check learnings before " + subject,
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Before shipping %s, follow these steps:

1. %s

2. REVIEW the response:
   - If action_needed is true, a learning recommends caution. Read each
     recommendation and adjust the change or the rollout plan (smaller
     blast radius, canary strategy, extra review) before continuing.
   - If there are no matches, no earlier outcome flags this kind of change.
     That is not proof of safety when data health is poor.

3. If you are unsure how much to trust the learnings, CALL dig_data_health
   and look at coverage.labeled_pct and gaps.

4. SHIP the change, then record the rollout with dig_record_event.`, subject, lookup),
				},
			},
		},
	}, nil
}

func (s *Server) handleAfterRolloutPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	changeID := request.Params.Arguments["change_id"]
	if changeID == "" {
		return nil, fmt.Errorf("change_id argument is required")
	}
	env := request.Params.Arguments["environment"]
	if env == "" {
		env = "production"
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Record the %s rollout of %s", env, changeID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Change %[1]s was deployed to %[2]s. Record it:

1. CALL dig_record_event with a rollout event:
   - id: a new id starting with "rollout_"
   - change_id="%[1]s"
   - deployment.environment="%[2]s"
   - strategy.type: all_at_once, progressive, canary, blue_green or feature_flag
   - final_status: success, rolled_back, paused, failed or cancelled

2. Once the observation window has passed, CALL dig_record_event with an
   outcome event naming the same change_id and the rollout's id. Set
   survival.survived=true only if the change is still in production
   without rollback or hotfix. Leave it unset if you do not know yet.

A redeploy after a rollback is a NEW rollout with a new id. Never re-send
an existing id with different content; events are immutable.`, changeID, env),
				},
			},
		},
	}, nil
}

func (s *Server) handleAgentSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "DIG workflow for coding agents",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: agentSetupText,
				},
			},
		},
	}, nil
}

const agentSetupText = `You have access to DIG, a store of development decision traces. It records
how changes were made (sessions, AI interactions), how they were deployed
(rollouts) and whether they survived in production (outcomes), and derives
learnings from those outcomes.

WORKFLOW:

BEFORE a change: call dig_match_learnings. Recommendations with severity
"warning" or stronger mean earlier changes like this one failed more often
than usual. Act on them.

AFTER each step: call dig_record_event.
- session when you start work on an intent
- ai_interaction for each model response you act on
- change when you commit or open a pull request
- rollout when the change is deployed
- outcome when you know whether it survived

INVESTIGATING: dig_trace_change shows everything about one change.
dig_compute_psr compares survival rates across change_type, risk_level,
model_id and other dimensions.

Events are immutable and ids are permanent. Retries are safe with
idempotent=true.`
