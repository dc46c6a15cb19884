package db

import "io"

// DB is a key-value store abstraction with transactional access. The rest of
// the node only ever sees this interface; the backend (pebble on disk, or the
// in-memory store used in tests) is selected at startup.
type DB interface {
	io.Closer

	// NewTransaction returns a Transaction. A write transaction holds the
	// single-writer lock until it is committed or discarded.
	NewTransaction(update bool) Transaction
	// View creates a read-only transaction, runs fn against it and discards it.
	View(fn func(txn Transaction) error) error
	// Update creates a read-write transaction, runs fn against it and commits
	// it unless fn errored.
	Update(fn func(txn Transaction) error) error
	// WithListener registers an EventListener
	WithListener(listener EventListener) DB
	// Impl returns the underlying database object
	Impl() any
}

type Transaction interface {
	// Discard discards all changes made through the transaction.
	Discard() error
	// Commit flushes all changes made through the transaction.
	Commit() error
	// Set updates the value for the given key.
	Set(key, val []byte) error
	// Delete removes the key from the store.
	Delete(key []byte) error
	// Get fetches the value for the given key and passes it to cb. The value
	// is only valid for the duration of the callback.
	Get(key []byte, cb func(val []byte) error) error
	// NewIterator returns an iterator over the whole key space in ascending
	// key order.
	NewIterator() (Iterator, error)
}

type Iterator interface {
	io.Closer

	// Valid reports whether the iterator is positioned at a valid key-value pair.
	Valid() bool
	// Key returns the key at the current position. Only valid until Next.
	Key() []byte
	// Value returns the value at the current position.
	Value() ([]byte, error)
	// Next moves the iterator to the next position.
	Next() bool
	// Seek positions the iterator at the first key >= key.
	Seek(key []byte) bool
}
