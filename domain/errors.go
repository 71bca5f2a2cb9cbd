package domain

import "errors"

// ErrNotFound is returned when an id, or an id and token pair, does not
// resolve to a live task. A wrong token is deliberately indistinguishable
// from a missing task.
var ErrNotFound = errors.New("task not found")

// ErrDuplicateToken indicates that the store rejected an insert because the
// generated secure token is already taken.
var ErrDuplicateToken = errors.New("duplicate secure token")
