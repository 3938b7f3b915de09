// Package storage provides the durable key->bytes store backing the token
// budget ledger and the usage audit log. Keys are addressed by (kind, key)
// where kind groups related entries, e.g. daily summaries vs monthly logs.
package storage

import "errors"

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("storage: key not found")

// Store is a durable key->bytes store.
type Store interface {
	// Read returns the full contents stored under (kind, key).
	// Returns ErrNotFound if the key does not exist.
	Read(kind, key string) ([]byte, error)
	// WriteAtomic replaces the contents under (kind, key) atomically:
	// a concurrent Read observes either the old or the new contents,
	// never a partial write.
	WriteAtomic(kind, key string, data []byte) error
	// Append appends data to the contents under (kind, key), creating
	// the entry if it does not exist.
	Append(kind, key string, data []byte) error
	// Exists reports whether (kind, key) is present.
	Exists(kind, key string) (bool, error)
	// List returns all keys under kind, in unspecified order.
	List(kind string) ([]string, error)
	// Delete removes (kind, key). Returns ErrNotFound if absent.
	Delete(kind, key string) error
}
