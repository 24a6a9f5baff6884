package dockerx

import "errors"

// ErrNotFound indicates the requested image or container does not exist.
var ErrNotFound = errors.New("dockerx: resource not found")
