package model

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ValidationError reports the first field of an event that fails a
// constraint. Field is the dotted json path, e.g. "source_control.commit_sha".
type ValidationError struct {
	Field      string `json:"field,omitempty"`
	Constraint string `json:"constraint"`
	Message    string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func invalid(field, constraint, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Constraint: constraint, Message: fmt.Sprintf(format, args...)}
}

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = validate.RegisterValidation("goduration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})
}

// Validate checks e in full and returns nil or a *ValidationError. It never
// modifies e.
func Validate(e Event) error {
	if err := validateHeader(e); err != nil {
		return err
	}
	if _, ok := e.Payload.(*Custom); !ok {
		if err := validate.Struct(e.Payload); err != nil {
			return fromValidator(err)
		}
	}
	switch p := e.Payload.(type) {
	case *Session, *AIInteraction:
		return nil
	case *Change:
		return validateChange(p)
	case *Rollout:
		return validateRollout(p)
	case *Outcome:
		return validateOutcome(p)
	case *Learning:
		return validateLearning(p)
	case *Custom:
		return validateCustom(e.Header, p)
	}
	return invalid("type", "known", "unsupported payload %T", e.Payload)
}

func validateHeader(e Event) error {
	h := e.Header
	if h.Type == "" {
		return invalid("type", "required", "is required")
	}
	if !h.Type.IsCore() && !h.Type.IsCustom() {
		return invalid("type", "namespaced", "%q is not a core type and custom types must be written as namespace.name", h.Type)
	}
	if e.Payload == nil {
		return invalid("type", "payload", "event has no payload")
	}
	if e.Payload.EventType() != h.Type {
		return invalid("type", "payload", "payload is %q but header says %q", e.Payload.EventType(), h.Type)
	}
	if h.ID == "" {
		return invalid("id", "required", "is required")
	}
	if err := checkIDPrefix(h.ID, h.Type); err != nil {
		return err
	}
	if h.Version == "" {
		return invalid("version", "required", "is required")
	}
	if h.CreatedAt.IsZero() {
		return invalid("created_at", "required", "is required")
	}
	if h.UpdatedAt != nil && h.UpdatedAt.Before(h.CreatedAt) {
		return invalid("updated_at", "gtefield", "must not precede created_at")
	}
	for k := range h.Tags {
		if k == "" {
			return invalid("tags", "key", "tag keys must be non-empty")
		}
	}
	if len(h.Metadata) > 0 && !isNull(h.Metadata) {
		if b := bytes.TrimSpace(h.Metadata); len(b) == 0 || b[0] != '{' {
			return invalid("metadata", "object", "must be a JSON object")
		}
	}
	return nil
}

// checkIDPrefix requires "<prefix>_<suffix>" with a non-empty URL-safe suffix.
func checkIDPrefix(id string, t EventType) error {
	prefix := t.IDPrefix() + "_"
	suffix, ok := strings.CutPrefix(id, prefix)
	if !ok {
		return invalid("id", "prefix", "%q must start with %q", id, prefix)
	}
	if suffix == "" {
		return invalid("id", "suffix", "%q has an empty suffix", id)
	}
	for _, r := range suffix {
		if !isURLSafe(r) {
			return invalid("id", "suffix", "%q contains %q; suffixes are limited to URL-safe characters", id, r)
		}
	}
	return nil
}

func isURLSafe(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_'
}

func validateChange(c *Change) error {
	if a := c.Authorship; a != nil && a.HumanPct != nil && a.AIPct != nil {
		if sum := *a.HumanPct + *a.AIPct; math.Abs(sum-100) > AuthorshipTolerance {
			return invalid("authorship", "sum", "human_pct + ai_pct is %.2f, must be 100 +/- %.1f", sum, AuthorshipTolerance)
		}
	}
	for i, id := range c.SessionIDs {
		if id == "" {
			return invalid(fmt.Sprintf("session_ids[%d]", i), "required", "must not be empty")
		}
	}
	for i, id := range c.AIInteractionIDs {
		if id == "" {
			return invalid(fmt.Sprintf("ai_interaction_ids[%d]", i), "required", "must not be empty")
		}
	}
	return nil
}

func validateRollout(r *Rollout) error {
	for i := 1; i < len(r.Progression); i++ {
		if r.Progression[i].Timestamp.Before(r.Progression[i-1].Timestamp) {
			return invalid(fmt.Sprintf("progression[%d].timestamp", i), "ordered", "progression must be in time order")
		}
	}
	return nil
}

func validateOutcome(o *Outcome) error {
	if w := o.Window; w != nil && w.End.Before(w.Start) {
		return invalid("window.end", "gtefield", "must not precede window.start")
	}
	if t := o.Telemetry; t != nil {
		for i, m := range t.Metrics {
			field := fmt.Sprintf("telemetry.metrics[%d].change_pct", i)
			if m.ChangePct == nil {
				continue
			}
			if m.Baseline == nil || *m.Baseline == 0 {
				return invalid(field, "null_baseline", "must be null when the baseline is zero or absent")
			}
			if math.IsInf(*m.ChangePct, 0) || math.IsNaN(*m.ChangePct) {
				return invalid(field, "finite", "must be a finite number")
			}
		}
	}
	for i, inc := range o.Incidents {
		if inc.DetectedAt != nil && inc.ResolvedAt != nil && inc.ResolvedAt.Before(*inc.DetectedAt) {
			return invalid(fmt.Sprintf("incidents[%d].resolved_at", i), "gtefield", "must not precede detected_at")
		}
	}
	for i := 1; i < len(o.Decisions); i++ {
		if o.Decisions[i].Timestamp.Before(o.Decisions[i-1].Timestamp) {
			return invalid(fmt.Sprintf("decisions[%d].timestamp", i), "ordered", "decisions must be in time order")
		}
	}
	return nil
}

func validateLearning(l *Learning) error {
	for k, raw := range l.Pattern.Conditions {
		if k == "" {
			return invalid("pattern.conditions", "key", "condition keys must be non-empty")
		}
		if _, _, err := conditionValues(raw); err != nil {
			return invalid("pattern.conditions."+k, "shape", "%v", err)
		}
	}
	if p := l.DerivedFrom.Period; p != nil && p.End.Before(p.Start) {
		return invalid("derived_from.period.end", "gtefield", "must not precede derived_from.period.start")
	}
	return nil
}

func validateCustom(h Header, c *Custom) error {
	if c.Type != h.Type {
		return invalid("type", "payload", "payload is %q but header says %q", c.Type, h.Type)
	}
	for k := range c.Fields {
		if headerKeys[k] || k == "change_id" {
			return invalid(k, "reserved", "field name is reserved")
		}
	}
	return nil
}

// fromValidator converts the first validator failure into a ValidationError
// whose field path uses json names without the payload struct name.
func fromValidator(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Constraint: "invalid", Message: err.Error()}
	}
	fe := verrs[0]
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	var msg string
	switch fe.Tag() {
	case "required":
		msg = "is required"
	case "oneof":
		msg = fmt.Sprintf("%v is not one of [%s]", fe.Value(), fe.Param())
	case "min":
		if fe.Kind() == reflect.Map || fe.Kind() == reflect.Slice {
			msg = fmt.Sprintf("must have at least %s entries", fe.Param())
		} else {
			msg = fmt.Sprintf("must be >= %s", fe.Param())
		}
	case "max":
		msg = fmt.Sprintf("must be <= %s", fe.Param())
	case "goduration":
		msg = fmt.Sprintf("%q is not a duration such as 15m", fe.Value())
	default:
		msg = fmt.Sprintf("failed %s constraint", fe.Tag())
	}
	return &ValidationError{Field: field, Constraint: fe.Tag(), Message: msg}
}
