package model

import (
	"encoding/json"
	"time"
)

// DefaultProductionEnvironment is the deployment environment whose rollouts
// are eligible to be a change's canonical attempt unless configured otherwise.
const DefaultProductionEnvironment = "production"

// StrategyType is how a rollout exposes a change to traffic.
type StrategyType string

const (
	StrategyAllAtOnce   StrategyType = "all_at_once"
	StrategyProgressive StrategyType = "progressive"
	StrategyCanary      StrategyType = "canary"
	StrategyBlueGreen   StrategyType = "blue_green"
	StrategyFeatureFlag StrategyType = "feature_flag"
)

// FinalStatus is the terminal state of a rollout attempt.
type FinalStatus string

const (
	FinalSuccess    FinalStatus = "success"
	FinalRolledBack FinalStatus = "rolled_back"
	FinalPaused     FinalStatus = "paused"
	FinalFailed     FinalStatus = "failed"
	FinalCancelled  FinalStatus = "cancelled"
)

// Rollout is one deployment attempt of a change. A redeploy after a
// rollback is a new Rollout with the same ChangeID.
type Rollout struct {
	ChangeID    string             `json:"change_id" validate:"required"`
	Deployment  Deployment         `json:"deployment"`
	Strategy    *Strategy          `json:"strategy,omitempty"`
	Guardrails  *Guardrails        `json:"guardrails,omitempty"`
	Progression []ProgressionEntry `json:"progression,omitempty" validate:"omitempty,dive"`
	FinalStatus FinalStatus        `json:"final_status" validate:"required,oneof=success rolled_back paused failed cancelled"`
}

func (*Rollout) EventType() EventType { return TypeRollout }
func (*Rollout) isPayload()           {}

type Deployment struct {
	Environment     string `json:"environment" validate:"required"`
	Target          string `json:"target,omitempty"`
	Tool            string `json:"tool,omitempty"`
	DeployID        string `json:"deploy_id,omitempty"`
	ArtifactVersion string `json:"artifact_version,omitempty"`
}

type Strategy struct {
	Type         StrategyType `json:"type" validate:"required,oneof=all_at_once progressive canary blue_green feature_flag"`
	Stages       []Stage      `json:"stages,omitempty" validate:"omitempty,dive"`
	AutoPromote  bool         `json:"auto_promote,omitempty"`
	AutoRollback bool         `json:"auto_rollback,omitempty"`
}

// Stage is one step of a progressive strategy. Duration is a Go duration
// string such as "15m".
type Stage struct {
	Percentage float64 `json:"percentage" validate:"min=0,max=100"`
	Duration   string  `json:"duration,omitempty" validate:"omitempty,goduration"`
}

type Guardrails struct {
	Metrics        []Guardrail `json:"metrics,omitempty" validate:"omitempty,dive"`
	AlertRoutes    []string    `json:"alert_routes,omitempty"`
	ManualApproval bool        `json:"manual_approval,omitempty"`
}

type Guardrail struct {
	Metric     string  `json:"metric" validate:"required"`
	Threshold  float64 `json:"threshold"`
	Comparison string  `json:"comparison" validate:"required,oneof=gt gte lt lte eq"`
}

// ProgressionEntry is one append-only step in a rollout's promotion log.
type ProgressionEntry struct {
	Timestamp  time.Time       `json:"timestamp" validate:"required"`
	Percentage float64         `json:"percentage" validate:"min=0,max=100"`
	Status     string          `json:"status" validate:"required,oneof=started promoted paused rolled_back completed failed"`
	Metrics    json.RawMessage `json:"metrics,omitempty"`
}

// StrategyType returns the rollout strategy, or "" when none was recorded.
func (r *Rollout) StrategyType() StrategyType {
	if r.Strategy == nil {
		return ""
	}
	return r.Strategy.Type
}
