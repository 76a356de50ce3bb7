package store

import "errors"

// Store is a small durable key-value backend for server-side state that
// has to outlive a process restart, such as the onion service key. Room
// membership never goes through here; the in-memory hub is the sole
// authority for that.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, data []byte) error
	Exists(key string) (bool, error)
}

// ErrNotFound indicates that the requested key was not found.
var ErrNotFound = errors.New("key not found")
