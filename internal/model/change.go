package model

// ChangeType classifies the kind of work a change represents.
type ChangeType string

const (
	ChangeFeature        ChangeType = "feature"
	ChangeBugfix         ChangeType = "bugfix"
	ChangeRefactoring    ChangeType = "refactoring"
	ChangeDependency     ChangeType = "dependency"
	ChangeConfiguration  ChangeType = "configuration"
	ChangeDocumentation  ChangeType = "documentation"
	ChangeTest           ChangeType = "test"
	ChangeInfrastructure ChangeType = "infrastructure"
)

// RiskLevel is the assessed risk of a change.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// AuthorshipTolerance is how far human_pct + ai_pct may drift from 100.
const AuthorshipTolerance = 0.5

// Change is a code modification unit (commit or pull request).
//
// SessionIDs and AIInteractionIDs point backward in time: sessions and
// interactions exist before the change does, so the change carries the list.
type Change struct {
	SessionIDs       []string        `json:"session_ids,omitempty"`
	AIInteractionIDs []string        `json:"ai_interaction_ids,omitempty"`
	SourceControl    SourceControl   `json:"source_control"`
	Diff             *DiffStats      `json:"diff,omitempty"`
	Authorship       *Authorship     `json:"authorship,omitempty"`
	Classification   *Classification `json:"classification,omitempty"`
	Review           *Review         `json:"review,omitempty"`
}

func (*Change) EventType() EventType { return TypeChange }
func (*Change) isPayload()           {}

type SourceControl struct {
	Provider    string       `json:"provider,omitempty"`
	Repository  string       `json:"repository" validate:"required"`
	CommitSHA   string       `json:"commit_sha" validate:"required"`
	PullRequest *PullRequest `json:"pull_request,omitempty"`
	Branch      string       `json:"branch,omitempty"`
	BaseBranch  string       `json:"base_branch,omitempty"`
}

type PullRequest struct {
	Number int    `json:"number,omitempty" validate:"omitempty,min=0"`
	URL    string `json:"url,omitempty"`
	Title  string `json:"title,omitempty"`
}

type DiffStats struct {
	FilesChanged int        `json:"files_changed,omitempty" validate:"min=0"`
	LinesAdded   int        `json:"lines_added,omitempty" validate:"min=0"`
	LinesDeleted int        `json:"lines_deleted,omitempty" validate:"min=0"`
	Files        []FileDiff `json:"files,omitempty" validate:"omitempty,dive"`
}

type FileDiff struct {
	Path         string `json:"path" validate:"required"`
	LinesAdded   int    `json:"lines_added,omitempty" validate:"min=0"`
	LinesDeleted int    `json:"lines_deleted,omitempty" validate:"min=0"`
}

type Authorship struct {
	HumanPct *float64 `json:"human_pct,omitempty" validate:"omitempty,min=0,max=100"`
	AIPct    *float64 `json:"ai_pct,omitempty" validate:"omitempty,min=0,max=100"`
	AIModels []string `json:"ai_models,omitempty"`
}

type Classification struct {
	ChangeType  ChangeType `json:"change_type,omitempty" validate:"omitempty,oneof=feature bugfix refactoring dependency configuration documentation test infrastructure"`
	RiskLevel   RiskLevel  `json:"risk_level,omitempty" validate:"omitempty,oneof=low medium high critical"`
	RiskSignals []string   `json:"risk_signals,omitempty"`
	BlastRadius string     `json:"blast_radius,omitempty" validate:"omitempty,oneof=low medium high"`
}

type Review struct {
	Reviewers          []string `json:"reviewers,omitempty"`
	Approvals          int      `json:"approvals,omitempty" validate:"min=0"`
	Comments           int      `json:"comments,omitempty" validate:"min=0"`
	TimeToMergeMinutes *float64 `json:"time_to_merge_minutes,omitempty" validate:"omitempty,min=0"`
}
