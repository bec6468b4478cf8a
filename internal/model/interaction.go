package model

// HumanActionKind is what the developer did with a model response.
type HumanActionKind string

const (
	ActionAccept        HumanActionKind = "accept"
	ActionPartialAccept HumanActionKind = "partial_accept"
	ActionReject        HumanActionKind = "reject"
	ActionIgnore        HumanActionKind = "ignore"
	ActionRegenerate    HumanActionKind = "regenerate"
)

// AIInteraction records one model request/response cycle and the human
// disposition of the result.
type AIInteraction struct {
	SessionID   string       `json:"session_id" validate:"required"`
	Request     *AIRequest   `json:"request,omitempty"`
	Response    AIResponse   `json:"response"`
	HumanAction *HumanAction `json:"human_action,omitempty"`
}

func (*AIInteraction) EventType() EventType { return TypeAIInteraction }
func (*AIInteraction) isPayload()           {}

type AIRequest struct {
	ContentHash  string   `json:"content_hash,omitempty"`
	Summary      string   `json:"summary,omitempty"`
	ContextFiles []string `json:"context_files,omitempty"`
	TokenCount   *int     `json:"token_count,omitempty" validate:"omitempty,min=0"`
}

type AIResponse struct {
	ModelID      string `json:"model_id" validate:"required"`
	Provider     string `json:"provider,omitempty"`
	ContentHash  string `json:"content_hash,omitempty"`
	Summary      string `json:"summary,omitempty"`
	TokenCount   *int   `json:"token_count,omitempty" validate:"omitempty,min=0"`
	LatencyMS    *int64 `json:"latency_ms,omitempty" validate:"omitempty,min=0"`
	FinishReason string `json:"finish_reason,omitempty"`
}

type HumanAction struct {
	Action            HumanActionKind `json:"action" validate:"required,oneof=accept partial_accept reject ignore regenerate"`
	AcceptedFraction  *float64        `json:"accepted_fraction,omitempty" validate:"omitempty,min=0,max=1"`
	Modification      string          `json:"modification,omitempty"`
	DecisionLatencyMS *int64          `json:"decision_latency_ms,omitempty" validate:"omitempty,min=0"`
}
