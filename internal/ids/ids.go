// Package ids generates and inspects type-prefixed event identifiers of the
// form "<prefix>_<suffix>".
package ids

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/ashita-ai/dig/internal/model"
)

// suffixBytes is 12 random bytes, rendered as 16 URL-safe base64 characters.
const suffixBytes = 12

// MaxAttempts is how many generated ids the ingest path tries before giving up.
const MaxAttempts = 3

// ErrIdentityCollision is returned when every generated id for an event
// already exists in the store.
var ErrIdentityCollision = errors.New("ids: identity collision")

// suffixGenerator produces the random part of an id.
// It can be replaced in tests to force collisions.
var suffixGenerator = defaultSuffix

func defaultSuffix() (string, error) {
	b := make([]byte, suffixBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// New returns a fresh id for an event of type t.
func New(t model.EventType) (string, error) {
	suffix, err := suffixGenerator()
	if err != nil {
		return "", err
	}
	return t.IDPrefix() + "_" + suffix, nil
}

// MustNew is New for callers that cannot handle a failing random source.
func MustNew(t model.EventType) string {
	id, err := New(t)
	if err != nil {
		panic(err)
	}
	return id
}

// HasPrefix reports whether id carries the prefix required for type t.
func HasPrefix(t model.EventType, id string) bool {
	suffix, ok := strings.CutPrefix(id, t.IDPrefix()+"_")
	return ok && suffix != ""
}

// TypeOf returns the core event type implied by an id's prefix. Custom
// prefixes are not recognised, since several namespaces may share a name.
func TypeOf(id string) (model.EventType, bool) {
	prefix, _, ok := strings.Cut(id, "_")
	if !ok {
		return "", false
	}
	for _, t := range model.CoreTypes() {
		if t.IDPrefix() == prefix {
			return t, true
		}
	}
	return "", false
}
