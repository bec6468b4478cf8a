package model

import "time"

// Severity grades an incident, sev1 being the worst.
type Severity string

const (
	Sev1 Severity = "sev1"
	Sev2 Severity = "sev2"
	Sev3 Severity = "sev3"
	Sev4 Severity = "sev4"
	Sev5 Severity = "sev5"
)

// IncidentRole says how a change contributed to an incident.
type IncidentRole string

const (
	RolePrimary      IncidentRole = "primary"
	RoleContributing IncidentRole = "contributing"
)

// Outcome is the post-deployment observation of exactly one rollout attempt.
type Outcome struct {
	ChangeID  string     `json:"change_id" validate:"required"`
	RolloutID string     `json:"rollout_id" validate:"required"`
	Window    *Window    `json:"window,omitempty"`
	Telemetry *Telemetry `json:"telemetry,omitempty"`
	Incidents []Incident `json:"incidents,omitempty" validate:"omitempty,dive"`
	Decisions []Decision `json:"decisions,omitempty" validate:"omitempty,dive"`
	Survival  *Survival  `json:"survival,omitempty"`
}

func (*Outcome) EventType() EventType { return TypeOutcome }
func (*Outcome) isPayload()           {}

type Window struct {
	Start           time.Time `json:"start" validate:"required"`
	End             time.Time `json:"end" validate:"required"`
	DurationMinutes *float64  `json:"duration_minutes,omitempty" validate:"omitempty,min=0"`
}

type Telemetry struct {
	BaselinePeriod string         `json:"baseline_period,omitempty"`
	Metrics        []MetricChange `json:"metrics,omitempty" validate:"omitempty,dive"`
}

// MetricChange compares one metric against its baseline. ChangePct is nil
// whenever Baseline is nil or zero.
type MetricChange struct {
	Name        string   `json:"name" validate:"required"`
	Baseline    *float64 `json:"baseline,omitempty"`
	Observed    *float64 `json:"observed,omitempty"`
	ChangePct   *float64 `json:"change_pct"`
	Significant *bool    `json:"significant,omitempty"`
}

// Incident may be attributed to several changes at once, each with a role.
type Incident struct {
	ID              string        `json:"id,omitempty"`
	Severity        Severity      `json:"severity,omitempty" validate:"omitempty,oneof=sev1 sev2 sev3 sev4 sev5"`
	Title           string        `json:"title,omitempty"`
	DetectedAt      *time.Time    `json:"detected_at,omitempty"`
	ResolvedAt      *time.Time    `json:"resolved_at,omitempty"`
	DurationMinutes *float64      `json:"duration_minutes,omitempty" validate:"omitempty,min=0"`
	Attributed      bool          `json:"attributed,omitempty"`
	RootCause       string        `json:"root_cause,omitempty"`
	Mitigation      string        `json:"mitigation,omitempty"`
	URL             string        `json:"url,omitempty"`
	Changes         []IncidentRef `json:"changes,omitempty" validate:"omitempty,dive"`
}

type IncidentRef struct {
	ChangeID string       `json:"change_id" validate:"required"`
	Role     IncidentRole `json:"role,omitempty" validate:"omitempty,oneof=primary contributing"`
}

type Decision struct {
	Timestamp time.Time `json:"timestamp" validate:"required"`
	Decision  string    `json:"decision" validate:"required,oneof=proceed pause rollback hotfix investigate"`
	Actor     string    `json:"actor,omitempty"`
	Rationale string    `json:"rationale,omitempty"`
}

// Survival carries the PSR label. A nil Survived means the outcome is
// unlabeled and is excluded from survival rates.
type Survival struct {
	Survived              *bool    `json:"survived,omitempty"`
	RolledBack            *bool    `json:"rolled_back,omitempty"`
	TimeToRollbackMinutes *float64 `json:"time_to_rollback_minutes,omitempty" validate:"omitempty,min=0"`
	HotfixRequired        *bool    `json:"hotfix_required,omitempty"`
}

// Label returns the survival label and whether the outcome is labeled.
func (o *Outcome) Label() (survived, labeled bool) {
	if o.Survival == nil || o.Survival.Survived == nil {
		return false, false
	}
	return *o.Survival.Survived, true
}

// RelativeChange returns the percent change from baseline to observed, or
// nil when either is missing or the baseline is zero.
func RelativeChange(baseline, observed *float64) *float64 {
	if baseline == nil || observed == nil || *baseline == 0 {
		return nil
	}
	v := (*observed - *baseline) / *baseline * 100
	return &v
}
