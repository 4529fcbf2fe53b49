// Copyright 2026 The Cape Authors
// SPDX-License-Identifier: Apache-2.0

package label

import "errors"

// ErrNotFound reports that a lookup by unique key (group name, object
// uuid, entity id) matched no row. Callers translate this to their
// own not-found signalling (the HTTP layer maps it to 404).
var ErrNotFound = errors.New("not found")

// ErrUUIDConflict reports that a caller-supplied object uuid is
// already assigned to a live object. Only returned when the caller
// chose the identifier; auto-generated identifiers are regenerated
// internally until they are free.
var ErrUUIDConflict = errors.New("uuid already in use")

// ErrPrecondition reports misuse of the engine: an operation invoked
// on an entity that was never persisted (zero id). This is a
// programming error, not a data condition, and is never retried.
var ErrPrecondition = errors.New("operation on unpersisted entity")

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
