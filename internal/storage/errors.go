package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicateID is matched by every *DuplicateIDError.
var ErrDuplicateID = errors.New("storage: duplicate id")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage: store closed")

// DuplicateIDError reports an append whose id is already stored. The stored
// record is left untouched. SameContent is true when the rejected record is
// byte-identical to the stored one, which is what an idempotent retry looks
// like.
type DuplicateIDError struct {
	ID          string
	SameContent bool
}

func (e *DuplicateIDError) Error() string {
	if e.SameContent {
		return fmt.Sprintf("storage: duplicate id %q (identical content)", e.ID)
	}
	return fmt.Sprintf("storage: duplicate id %q", e.ID)
}

func (e *DuplicateIDError) Is(target error) bool { return target == ErrDuplicateID }
