package model

// IntentSource says where a session's intent came from.
type IntentSource string

const (
	IntentManual   IntentSource = "manual"
	IntentTicket   IntentSource = "ticket"
	IntentIncident IntentSource = "incident"
	IntentAgent    IntentSource = "agent"
)

// Session is the root of a trace: the development intent and context that
// precede any code change. It has no outbound references.
type Session struct {
	Developer *Developer      `json:"developer,omitempty"`
	Intent    *Intent         `json:"intent,omitempty"`
	Context   *SessionContext `json:"context,omitempty"`
}

func (*Session) EventType() EventType { return TypeSession }
func (*Session) isPayload()           {}

// Developer identifies who worked in the session. Either id may be omitted
// for privacy.
type Developer struct {
	ID           string `json:"id,omitempty"`
	AnonymizedID string `json:"anonymized_id,omitempty"`
	Team         string `json:"team,omitempty"`
}

type Intent struct {
	Description string       `json:"description,omitempty"`
	Source      IntentSource `json:"source,omitempty" validate:"omitempty,oneof=manual ticket incident agent"`
	TicketRef   string       `json:"ticket_ref,omitempty"`
}

type SessionContext struct {
	Repository  string   `json:"repository,omitempty"`
	Branch      string   `json:"branch,omitempty"`
	OpenFiles   []string `json:"open_files,omitempty"`
	ActiveTools []string `json:"active_tools,omitempty"`
}
