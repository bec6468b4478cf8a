package client

import (
	"encoding/json"
	"time"
)

// StoredEvent is an event record as the server persisted it. Event holds the
// flat record exactly as written.
type StoredEvent struct {
	Event       json.RawMessage `json:"event"`
	Sequence    int64           `json:"sequence"`
	IngestedAt  time.Time       `json:"ingested_at"`
	ContentHash string          `json:"content_hash"`
}

// Header decodes the common header fields of the record.
func (s StoredEvent) Header() (EventHeader, error) {
	var h EventHeader
	err := json.Unmarshal(s.Event, &h)
	return h, err
}

// EventHeader is the subset of header fields every record carries.
type EventHeader struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// ListOptions filters GET /v1/events. Zero values are omitted.
type ListOptions struct {
	Type string
	// Tags and Fields require exact values; Fields keys are dotted json paths.
	Tags          map[string]string
	Fields        map[string]string
	Since         *time.Time
	Until         *time.Time
	Limit         int
	AfterSequence int64
}

// EventPage is one page of an event listing. Pass NextSequence as
// AfterSequence to continue when HasMore is set.
type EventPage struct {
	Events       []StoredEvent `json:"data"`
	HasMore      bool          `json:"has_more"`
	Limit        int           `json:"limit"`
	NextSequence int64         `json:"next_sequence"`
}

// BatchItem reports one record of a batch append.
type BatchItem struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Status   string `json:"status"`
	Sequence int64  `json:"sequence,omitempty"`
	Error    *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// BatchResult is the response to a batch append.
type BatchResult struct {
	Results  []BatchItem `json:"results"`
	Created  int         `json:"created"`
	Existing int         `json:"existing"`
	Failed   int         `json:"failed"`
}

// PSRRequest configures a production survival rate computation.
type PSRRequest struct {
	GroupBy        []string   `json:"group_by"`
	MinSampleSize  int        `json:"min_sample_size,omitempty"`
	Since          *time.Time `json:"since,omitempty"`
	Until          *time.Time `json:"until,omitempty"`
	TimeoutMS      int        `json:"timeout_ms,omitempty"`
	IncludeSamples bool       `json:"include_samples,omitempty"`
}

// PSRGroup is the survival rate for one combination of dimension values.
// PSR is nil when the group has no labeled sample.
type PSRGroup struct {
	Key        map[string]string `json:"key"`
	Label      string            `json:"label"`
	Labeled    int               `json:"labeled"`
	Survived   int               `json:"survived"`
	Unlabeled  int               `json:"unlabeled"`
	PSR        *float64          `json:"psr"`
	Status     string            `json:"status"`
	ChangeIDs  []string          `json:"change_ids,omitempty"`
	OutcomeIDs []string          `json:"outcome_ids,omitempty"`
}

// PSRReport is the result of a PSR computation.
type PSRReport struct {
	SnapshotSequence int64      `json:"snapshot_sequence"`
	GroupBy          []string   `json:"group_by"`
	MinSampleSize    int        `json:"min_sample_size"`
	Overall          PSRGroup   `json:"overall"`
	Groups           []PSRGroup `json:"groups"`
	Changes          int        `json:"changes"`
	Observed         int        `json:"observed"`
	Undeployed       int        `json:"undeployed"`
	Unobserved       int        `json:"unobserved"`
	ExcludedOutcomes int        `json:"excluded_outcomes"`
}

// MatchRequest names a stored change by id or carries an unstored candidate
// change record. Exactly one must be set.
type MatchRequest struct {
	ChangeID string          `json:"change_id,omitempty"`
	Change   json.RawMessage `json:"change,omitempty"`
}

// Recommendation is the advice attached to a learning.
type Recommendation struct {
	Action            string   `json:"action,omitempty"`
	Message           string   `json:"message,omitempty"`
	Severity          string   `json:"severity,omitempty"`
	TriggerConditions []string `json:"trigger_conditions,omitempty"`
}

// Match is one learning whose conditions hold for the change.
type Match struct {
	LearningID        string          `json:"learning_id"`
	Name              string          `json:"name"`
	Confidence        float64         `json:"confidence"`
	CreatedAt         time.Time       `json:"created_at"`
	MatchedConditions []string        `json:"matched_conditions"`
	Recommendation    *Recommendation `json:"recommendation,omitempty"`
}

// MatchResult lists matching learnings in match order.
type MatchResult struct {
	Matches []Match `json:"matches"`
	Total   int     `json:"total"`
}

// Health is the response of GET /health.
type Health struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Store          string `json:"store"`
	Backend        string `json:"backend"`
	LatestSequence int64  `json:"latest_sequence"`
	Uptime         int64  `json:"uptime_seconds"`
}
