package model

import "encoding/json"

// Custom carries any namespaced event type outside the core six. Its fields
// pass through untouched; only a top-level change_id is understood, and it is
// indexed the same way as on core events.
type Custom struct {
	Type     EventType                  `json:"-"`
	ChangeID string                     `json:"change_id,omitempty"`
	Fields   map[string]json.RawMessage `json:"-"`
}

func (c *Custom) EventType() EventType { return c.Type }
func (*Custom) isPayload()             {}
