package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrDuplicate indicates a uniqueness violation, e.g. registering the same
// remote URL twice.
var ErrDuplicate = errors.New("repository: already exists")
