package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"slices"
)

// Tags maps a key to a single string or a list of strings.
type Tags map[string]TagValue

// TagValue is one tag entry. It marshals back to the shape it arrived in.
type TagValue struct {
	values []string
	list   bool
}

// Tag builds a single-valued tag.
func Tag(v string) TagValue { return TagValue{values: []string{v}} }

// TagList builds a list-valued tag.
func TagList(vs ...string) TagValue { return TagValue{values: slices.Clone(vs), list: true} }

// Values returns every value carried by the tag.
func (t TagValue) Values() []string { return slices.Clone(t.values) }

// IsList reports whether the tag was written as a list.
func (t TagValue) IsList() bool { return t.list }

// Contains reports whether v equals the tag or is a member of it.
func (t TagValue) Contains(v string) bool { return slices.Contains(t.values, v) }

func (t TagValue) MarshalJSON() ([]byte, error) {
	if t.list {
		if t.values == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(t.values)
	}
	if len(t.values) == 0 {
		return []byte(`""`), nil
	}
	return json.Marshal(t.values[0])
}

var errTagShape = errors.New("tag value must be a string or a list of strings")

func (t *TagValue) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var vs []string
		if err := json.Unmarshal(b, &vs); err != nil {
			return errTagShape
		}
		*t = TagValue{values: vs, list: true}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errTagShape
	}
	*t = TagValue{values: []string{s}}
	return nil
}

// Get returns the tag stored under key.
func (t Tags) Get(key string) (TagValue, bool) {
	v, ok := t[key]
	return v, ok
}

// Has reports whether key is present and carries v.
func (t Tags) Has(key, v string) bool {
	tv, ok := t[key]
	return ok && tv.Contains(v)
}
