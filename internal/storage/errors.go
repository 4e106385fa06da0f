package storage

import "errors"

// ErrNotFound is returned when a requested document, audit record or action log entry does not exist.
var ErrNotFound = errors.New("storage: not found")
