package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// StoredEvent is an event as persisted, with the bookkeeping the store
// assigned at append time. Raw is the exact record bytes that were written.
type StoredEvent struct {
	Event
	Sequence    int64
	IngestedAt  time.Time
	ContentHash string
	Raw         json.RawMessage
}

type storedWire struct {
	Event       json.RawMessage `json:"event"`
	Sequence    int64           `json:"sequence"`
	IngestedAt  time.Time       `json:"ingested_at"`
	ContentHash string          `json:"content_hash"`
}

func (s StoredEvent) MarshalJSON() ([]byte, error) {
	raw := s.Raw
	if len(raw) == 0 {
		var err error
		if raw, err = Encode(s.Event); err != nil {
			return nil, err
		}
	}
	return json.Marshal(storedWire{Event: raw, Sequence: s.Sequence, IngestedAt: s.IngestedAt, ContentHash: s.ContentHash})
}

func (s *StoredEvent) UnmarshalJSON(b []byte) error {
	var w storedWire
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("model: decode stored event: %w", err)
	}
	ev, err := ParseEvent(w.Event)
	if err != nil {
		return err
	}
	*s = StoredEvent{Event: ev, Sequence: w.Sequence, IngestedAt: w.IngestedAt, ContentHash: w.ContentHash, Raw: w.Event}
	return nil
}

// Field returns the scalar values at a dotted json path of the stored record.
func (s StoredEvent) Field(path string) []string {
	return FieldValues(s.Raw, path)
}
