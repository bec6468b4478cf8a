// Package model defines the DIG event schema.
//
// Every event is a shared Header plus exactly one Payload variant. The six
// core variants (Session, AIInteraction, Change, Rollout, Outcome, Learning)
// form a closed set; any other namespaced type is carried as an opaque
// Custom payload. Events are immutable once written: there are no update
// helpers here, only constructors, accessors and validation.
package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// EventType is the fixed type tag carried by every event.
type EventType string

const (
	TypeSession       EventType = "session"
	TypeAIInteraction EventType = "ai_interaction"
	TypeChange        EventType = "change"
	TypeRollout       EventType = "rollout"
	TypeOutcome       EventType = "outcome"
	TypeLearning      EventType = "learning"
)

// DefaultSchemaVersion is applied by the ingest path when a producer omits version.
const DefaultSchemaVersion = "1.0"

// CoreTypes returns the six core event types in trace order.
func CoreTypes() []EventType {
	return []EventType{TypeSession, TypeAIInteraction, TypeChange, TypeRollout, TypeOutcome, TypeLearning}
}

// IsCore reports whether t is one of the six core event kinds.
func (t EventType) IsCore() bool {
	switch t {
	case TypeSession, TypeAIInteraction, TypeChange, TypeRollout, TypeOutcome, TypeLearning:
		return true
	}
	return false
}

// IsCustom reports whether t is a well-formed namespaced custom type
// such as "acme.security_scan".
func (t EventType) IsCustom() bool {
	if t.IsCore() {
		return false
	}
	ns, name, ok := strings.Cut(string(t), ".")
	return ok && ns != "" && name != "" && !strings.HasSuffix(name, ".")
}

// IDPrefix returns the identifier prefix for t, without the trailing underscore.
// Custom types use their lowercased final name segment.
func (t EventType) IDPrefix() string {
	switch t {
	case TypeSession:
		return "session"
	case TypeAIInteraction:
		return "ai"
	case TypeChange:
		return "change"
	case TypeRollout:
		return "rollout"
	case TypeOutcome:
		return "outcome"
	case TypeLearning:
		return "learning"
	}
	s := string(t)
	if i := strings.LastIndex(s, "."); i >= 0 {
		s = s[i+1:]
	}
	return strings.ToLower(s)
}

// Header holds the fields shared by every event kind.
type Header struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Version   string          `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`
	Tags      Tags            `json:"tags,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// headerKeys are the top-level record keys owned by Header. Payload fields
// must never reuse them.
var headerKeys = map[string]bool{
	"id": true, "type": true, "version": true, "created_at": true,
	"updated_at": true, "tags": true, "metadata": true,
}

// MetadataValue returns the raw value stored under key in the metadata
// object. The core never interprets metadata; this exists for consumers
// that agreed on a namespaced key.
func (h Header) MetadataValue(key string) (json.RawMessage, bool) {
	if len(h.Metadata) == 0 {
		return nil, false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(h.Metadata, &m); err != nil {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}

// Payload is the closed set of event bodies. Only types in this package
// implement it.
type Payload interface {
	EventType() EventType
	isPayload()
}

// Event is one immutable record: header plus typed payload.
type Event struct {
	Header
	Payload Payload
	// Extra holds top-level fields of a core record that this schema version
	// does not declare. They are written back unchanged by Encode, so a
	// producer on a newer minor version loses nothing.
	Extra map[string]json.RawMessage
}

// New builds an event for payload p with the default schema version.
func New(id string, createdAt time.Time, p Payload) Event {
	return Event{
		Header: Header{
			ID:        id,
			Type:      p.EventType(),
			Version:   DefaultSchemaVersion,
			CreatedAt: createdAt,
		},
		Payload: p,
	}
}

// WithTags returns a copy of e carrying tags.
func (e Event) WithTags(tags Tags) Event {
	e.Tags = tags
	return e
}

// ChangeID returns the change this event belongs to for indexing purposes.
// A Change indexes under its own id; sessions, interactions and learnings
// carry no single change_id and return "".
func (e Event) ChangeID() string {
	switch p := e.Payload.(type) {
	case *Change:
		return e.ID
	case *Rollout:
		return p.ChangeID
	case *Outcome:
		return p.ChangeID
	case *Custom:
		return p.ChangeID
	case *Session, *AIInteraction, *Learning:
		return ""
	}
	return ""
}

// Reference is one outbound id reference held by an event.
type Reference struct {
	Field string `json:"field"`
	ID    string `json:"id"`
}

// References lists every id this event points at, with the json path of the
// field holding it. Change is the one kind whose references point backward
// in time (to sessions and interactions that precede it).
func (e Event) References() []Reference {
	var refs []Reference
	add := func(field, id string) {
		if id != "" {
			refs = append(refs, Reference{Field: field, ID: id})
		}
	}
	switch p := e.Payload.(type) {
	case *Session:
	case *AIInteraction:
		add("session_id", p.SessionID)
	case *Change:
		for i, id := range p.SessionIDs {
			add(indexed("session_ids", i), id)
		}
		for i, id := range p.AIInteractionIDs {
			add(indexed("ai_interaction_ids", i), id)
		}
	case *Rollout:
		add("change_id", p.ChangeID)
	case *Outcome:
		add("change_id", p.ChangeID)
		add("rollout_id", p.RolloutID)
		for i, inc := range p.Incidents {
			for j, ref := range inc.Changes {
				add(indexed(indexed("incidents", i)+".changes", j)+".change_id", ref.ChangeID)
			}
		}
	case *Learning:
		for i, id := range p.DerivedFrom.OutcomeIDs {
			add(indexed("derived_from.outcome_ids", i), id)
		}
		for i, id := range p.DerivedFrom.ChangeIDs {
			add(indexed("derived_from.change_ids", i), id)
		}
	case *Custom:
		add("change_id", p.ChangeID)
	}
	return refs
}

// AsSession returns the Session payload when e is a session event.
func (e Event) AsSession() (*Session, bool) {
	p, ok := e.Payload.(*Session)
	return p, ok
}

// AsAIInteraction returns the AIInteraction payload when e is an interaction event.
func (e Event) AsAIInteraction() (*AIInteraction, bool) {
	p, ok := e.Payload.(*AIInteraction)
	return p, ok
}

// AsChange returns the Change payload when e is a change event.
func (e Event) AsChange() (*Change, bool) {
	p, ok := e.Payload.(*Change)
	return p, ok
}

// AsRollout returns the Rollout payload when e is a rollout event.
func (e Event) AsRollout() (*Rollout, bool) {
	p, ok := e.Payload.(*Rollout)
	return p, ok
}

// AsOutcome returns the Outcome payload when e is an outcome event.
func (e Event) AsOutcome() (*Outcome, bool) {
	p, ok := e.Payload.(*Outcome)
	return p, ok
}

// AsLearning returns the Learning payload when e is a learning event.
func (e Event) AsLearning() (*Learning, bool) {
	p, ok := e.Payload.(*Learning)
	return p, ok
}

func indexed(field string, i int) string {
	return field + "[" + strconv.Itoa(i) + "]"
}
