package client

import "errors"

// ErrKeyNotFound is returned by lookup helpers when the key or field is
// absent, so callers can tell a miss from a transport failure.
var ErrKeyNotFound = errors.New("key not found")
