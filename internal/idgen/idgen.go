// Package idgen generates and parses BinaryIds: the 128-bit identifiers the
// Registry assigns to each compiled module, implemented as UUIDs.
package idgen

import (
	"github.com/gofrs/uuid/v5"
)

// ID is a BinaryId: a 128-bit identifier, globally unique at creation and
// stable across reloads of the same source path and across server
// restarts (the metadata file is what makes the latter possible).
type ID uuid.UUID

// Nil is the zero-value ID, never returned by New.
var Nil = ID(uuid.Nil)

// New allocates a fresh, random BinaryId.
func New() (ID, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return Nil, err
	}
	return ID(id), nil
}

// String renders the canonical 8-4-4-4-12 hex form spec.md §6 requires on
// the wire.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// Parse parses the canonical 8-4-4-4-12 hex form back into an ID.
func Parse(s string) (ID, error) {
	id, err := uuid.FromString(s)
	if err != nil {
		return Nil, err
	}
	return ID(id), nil
}

// MarshalJSON renders the id as its canonical string form.
func (id ID) MarshalJSON() ([]byte, error) {
	return uuid.UUID(id).MarshalJSON()
}

// UnmarshalJSON parses the id from its canonical string form.
func (id *ID) UnmarshalJSON(data []byte) error {
	return (*uuid.UUID)(id).UnmarshalJSON(data)
}

// IsNil reports whether id is the zero value.
func (id ID) IsNil() bool {
	return id == Nil
}
