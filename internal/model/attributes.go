package model

import "strings"

// Attributes are the matchable dimensions of an event, keyed by name.
// Every key maps to one or more string values.
type Attributes map[string][]string

// Add appends non-empty values under key.
func (a Attributes) Add(key string, values ...string) {
	for _, v := range values {
		if v != "" {
			a[key] = append(a[key], v)
		}
	}
}

// Get returns the values under key.
func (a Attributes) Get(key string) []string { return a[key] }

// ChangeAttributes derives the dimensions a Change can be grouped or matched
// on: its classification (both bare and under "classification."), the
// authoring models, source control coordinates and every tag (both bare and
// under "tags."). Bare tag keys never shadow a built-in dimension.
func ChangeAttributes(e Event) Attributes {
	a := Attributes{}
	c, ok := e.AsChange()
	if !ok {
		return a
	}
	if cl := c.Classification; cl != nil {
		for _, pair := range []struct {
			key  string
			vals []string
		}{
			{"change_type", []string{string(cl.ChangeType)}},
			{"risk_level", []string{string(cl.RiskLevel)}},
			{"blast_radius", []string{cl.BlastRadius}},
			{"risk_signals", cl.RiskSignals},
		} {
			a.Add(pair.key, pair.vals...)
			a.Add("classification."+pair.key, pair.vals...)
		}
	}
	if au := c.Authorship; au != nil {
		a.Add("ai_models", au.AIModels...)
		a.Add("authorship.ai_models", au.AIModels...)
	}
	sc := c.SourceControl
	a.Add("repository", sc.Repository)
	a.Add("source_control.repository", sc.Repository)
	a.Add("provider", sc.Provider)
	a.Add("source_control.provider", sc.Provider)
	a.Add("branch", sc.Branch)
	a.Add("source_control.branch", sc.Branch)

	for k, v := range e.Tags {
		a.Add("tags."+k, v.values...)
	}
	for k, v := range e.Tags {
		if _, builtin := a[k]; builtin || strings.HasPrefix(k, "tags.") {
			continue
		}
		a.Add(k, v.values...)
	}
	return a
}
