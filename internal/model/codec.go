package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// payloadKeys lists the top-level json names each core payload declares.
var payloadKeys = map[EventType]map[string]bool{
	TypeSession:       jsonNames(Session{}),
	TypeAIInteraction: jsonNames(AIInteraction{}),
	TypeChange:        jsonNames(Change{}),
	TypeRollout:       jsonNames(Rollout{}),
	TypeOutcome:       jsonNames(Outcome{}),
	TypeLearning:      jsonNames(Learning{}),
}

func jsonNames(v any) map[string]bool {
	out := map[string]bool{}
	t := reflect.TypeOf(v)
	for i := range t.NumField() {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		switch {
		case name == "-" || !f.IsExported():
		case name != "":
			out[name] = true
		default:
			out[f.Name] = true
		}
	}
	return out
}

// Encode renders e as its persisted record: one flat JSON object holding
// header and payload fields side by side, keys in sorted order. Encoding the
// same event twice yields identical bytes.
func Encode(e Event) ([]byte, error) {
	if e.Payload == nil {
		return nil, errors.New("model: encode: event has no payload")
	}
	rec := map[string]json.RawMessage{}
	for k, v := range e.Extra {
		if headerKeys[k] {
			return nil, fmt.Errorf("model: encode: extra field %q collides with header", k)
		}
		rec[k] = v
	}

	hdr, err := json.Marshal(e.Header)
	if err != nil {
		return nil, fmt.Errorf("model: encode header: %w", err)
	}
	if err := json.Unmarshal(hdr, &rec); err != nil {
		return nil, fmt.Errorf("model: encode header: %w", err)
	}

	var fields map[string]json.RawMessage
	switch p := e.Payload.(type) {
	case *Custom:
		fields = maps.Clone(p.Fields)
		if fields == nil {
			fields = map[string]json.RawMessage{}
		}
		if p.ChangeID != "" {
			fields["change_id"], _ = json.Marshal(p.ChangeID)
		}
	default:
		body, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("model: encode payload: %w", err)
		}
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, fmt.Errorf("model: encode payload: %w", err)
		}
	}
	for k, v := range fields {
		if headerKeys[k] {
			return nil, fmt.Errorf("model: encode: payload field %q collides with header", k)
		}
		rec[k] = v
	}
	out, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("model: encode: %w", err)
	}
	return out, nil
}

// MarshalJSON encodes the event as its flat persisted record.
func (e Event) MarshalJSON() ([]byte, error) { return Encode(e) }

// UnmarshalJSON decodes a flat record. Decoding errors are *ValidationError.
func (e *Event) UnmarshalJSON(b []byte) error {
	ev, err := ParseEvent(b)
	if err != nil {
		return err
	}
	*e = ev
	return nil
}

// wireHeader keeps timestamps as strings so a malformed value can be
// reported against its field instead of as a generic decode failure.
type wireHeader struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Version   string          `json:"version"`
	CreatedAt *string         `json:"created_at"`
	UpdatedAt *string         `json:"updated_at"`
	Metadata  json.RawMessage `json:"metadata"`
}

// timestampFields lists the payload paths holding timestamps per type.
// A trailing [] on a segment means the value is a list whose elements are
// walked.
var timestampFields = map[EventType][]string{
	TypeRollout:  {"progression[].timestamp"},
	TypeOutcome:  {"window.start", "window.end", "incidents[].detected_at", "incidents[].resolved_at", "decisions[].timestamp"},
	TypeLearning: {"derived_from.period.start", "derived_from.period.end"},
}

// ParseEvent decodes a flat JSON record into a typed Event. It does not run
// Validate; it only fails when the record cannot be decoded at all, and then
// with a *ValidationError naming the field.
func ParseEvent(raw []byte) (Event, error) {
	var rec map[string]json.RawMessage
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Event{}, &ValidationError{Constraint: "json", Message: "record must be a JSON object: " + err.Error()}
	}

	var wh wireHeader
	if err := json.Unmarshal(raw, &wh); err != nil {
		return Event{}, decodeError(err)
	}
	h := Header{ID: wh.ID, Type: wh.Type, Version: wh.Version, Metadata: wh.Metadata}
	if wh.CreatedAt != nil {
		t, err := parseTimestamp(*wh.CreatedAt)
		if err != nil {
			return Event{}, &ValidationError{Field: "created_at", Constraint: "timestamp", Message: err.Error()}
		}
		h.CreatedAt = t
	}
	if wh.UpdatedAt != nil {
		t, err := parseTimestamp(*wh.UpdatedAt)
		if err != nil {
			return Event{}, &ValidationError{Field: "updated_at", Constraint: "timestamp", Message: err.Error()}
		}
		h.UpdatedAt = &t
	}
	if tags, ok := rec["tags"]; ok && !isNull(tags) {
		if err := json.Unmarshal(tags, &h.Tags); err != nil {
			return Event{}, &ValidationError{Field: "tags", Constraint: "shape", Message: errTagShape.Error()}
		}
	}

	if h.Type == "" {
		return Event{}, &ValidationError{Field: "type", Constraint: "required", Message: "type is required"}
	}

	for _, path := range timestampFields[h.Type] {
		if err := checkTimestamps(rec, path); err != nil {
			return Event{}, err
		}
	}

	var p Payload
	switch h.Type {
	case TypeSession:
		p = &Session{}
	case TypeAIInteraction:
		p = &AIInteraction{}
	case TypeChange:
		p = &Change{}
	case TypeRollout:
		p = &Rollout{}
	case TypeOutcome:
		p = &Outcome{}
	case TypeLearning:
		p = &Learning{}
	default:
		c := &Custom{Type: h.Type, Fields: map[string]json.RawMessage{}}
		for k, v := range rec {
			if headerKeys[k] {
				continue
			}
			if k == "change_id" {
				if err := json.Unmarshal(v, &c.ChangeID); err != nil {
					return Event{}, &ValidationError{Field: "change_id", Constraint: "string", Message: "change_id must be a string"}
				}
				continue
			}
			c.Fields[k] = v
		}
		return Event{Header: h, Payload: c}, nil
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return Event{}, decodeError(err)
	}
	ev := Event{Header: h, Payload: p}
	known := payloadKeys[h.Type]
	for k, v := range rec {
		if headerKeys[k] || known[k] {
			continue
		}
		if ev.Extra == nil {
			ev.Extra = map[string]json.RawMessage{}
		}
		ev.Extra[k] = v
	}
	return ev, nil
}

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is not an RFC 3339 timestamp with a zone offset", s)
	}
	return t, nil
}

func checkTimestamps(rec map[string]json.RawMessage, path string) error {
	m := map[string]any{}
	for k, v := range rec {
		if headerKeys[k] {
			continue
		}
		dv, err := decodeAny(v)
		if err != nil {
			continue
		}
		m[k] = dv
	}
	return walkTimestamps(m, strings.Split(path, "."), "")
}

func walkTimestamps(v any, segs []string, at string) error {
	if len(segs) == 0 {
		s, ok := v.(string)
		if !ok {
			if v == nil {
				return nil
			}
			return &ValidationError{Field: at, Constraint: "timestamp", Message: "must be a timestamp string"}
		}
		if _, err := parseTimestamp(s); err != nil {
			return &ValidationError{Field: at, Constraint: "timestamp", Message: err.Error()}
		}
		return nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	seg, list := strings.CutSuffix(segs[0], "[]")
	child, ok := obj[seg]
	if !ok || child == nil {
		return nil
	}
	name := joinPath(at, seg)
	if !list {
		return walkTimestamps(child, segs[1:], name)
	}
	items, ok := child.([]any)
	if !ok {
		return nil
	}
	for i, item := range items {
		if err := walkTimestamps(item, segs[1:], name+"["+strconv.Itoa(i)+"]"); err != nil {
			return err
		}
	}
	return nil
}

func decodeError(err error) error {
	var te *json.UnmarshalTypeError
	if errors.As(err, &te) {
		return &ValidationError{Field: te.Field, Constraint: "type", Message: fmt.Sprintf("expected %s, got %s", te.Type, te.Value)}
	}
	return &ValidationError{Constraint: "json", Message: err.Error()}
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// decodeAny decodes raw keeping numbers as json.Number so they render back
// exactly as written.
func decodeAny(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func scalarString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case bool:
		return strconv.FormatBool(x), true
	}
	return "", false
}

// FieldValues returns the scalar values found at a dotted json path inside a
// persisted record. Lists along the path fan out, so "diff.files.path"
// yields every file path. Objects and nulls at the leaf yield nothing.
func FieldValues(raw json.RawMessage, path string) []string {
	v, err := decodeAny(raw)
	if err != nil {
		return nil
	}
	var out []string
	collect(v, strings.Split(path, "."), &out)
	return out
}

func collect(v any, segs []string, out *[]string) {
	if list, ok := v.([]any); ok {
		for _, item := range list {
			collect(item, segs, out)
		}
		return
	}
	if len(segs) == 0 {
		if s, ok := scalarString(v); ok {
			*out = append(*out, s)
		}
		return
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return
	}
	if child, ok := obj[segs[0]]; ok {
		collect(child, segs[1:], out)
	}
}
