package model

import (
	"slices"
	"time"
)

// EventFilter narrows a type query. Every set condition must hold.
type EventFilter struct {
	// Tags require each key to carry the value (membership for list tags).
	Tags map[string]string `json:"tags,omitempty"`
	// Fields require each dotted json path to yield the value.
	Fields map[string]string `json:"fields,omitempty"`
	Since  *time.Time        `json:"since,omitempty"`
	Until  *time.Time        `json:"until,omitempty"`
	// MaxSequence bounds the query to a snapshot; 0 means unbounded.
	MaxSequence int64 `json:"max_sequence,omitempty"`
	// AfterSequence skips events ingested at or before it, for paging.
	AfterSequence int64 `json:"after_sequence,omitempty"`
	Limit         int   `json:"limit,omitempty"`
}

// InSequence reports whether seq falls within the filter's sequence bounds.
func (f EventFilter) InSequence(seq int64) bool {
	if f.MaxSequence > 0 && seq > f.MaxSequence {
		return false
	}
	return seq > f.AfterSequence
}

// Matches applies the tag, field and time conditions. Sequence bounds and
// Limit are applied by the store.
func (f EventFilter) Matches(s StoredEvent) bool {
	if f.Since != nil && s.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !s.CreatedAt.Before(*f.Until) {
		return false
	}
	for k, v := range f.Tags {
		if !s.Tags.Has(k, v) {
			return false
		}
	}
	for path, v := range f.Fields {
		if !slices.Contains(s.Field(path), v) {
			return false
		}
	}
	return true
}
