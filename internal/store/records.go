// Package store provides the row-oriented record store that holds
// persisted session state. Rows are addressed by opaque string ids and
// carry one opaque payload each; everything above this package depends
// only on the Records interface.
package store

import (
	"context"
	"errors"
)

// ErrNotFound reports that no row exists for the requested id. It is a
// distinct outcome from a backend failure: callers must never treat an
// unreachable store as "no session yet".
var ErrNotFound = errors.New("record not found")

// Records is the key-value contract over the remote backend. All
// operations are independent and idempotent under retry; concurrent
// writers to the same row race last-write-wins.
type Records interface {
	// Get returns the payload for rowID, or ErrNotFound.
	Get(ctx context.Context, rowID string) ([]byte, error)
	// Put upserts the payload for rowID.
	Put(ctx context.Context, rowID string, payload []byte) error
	// Delete removes the row. Deleting an absent row is not an error.
	Delete(ctx context.Context, rowID string) error
	// Exists reports whether a row is present.
	Exists(ctx context.Context, rowID string) (bool, error)
}

// PrefixDeleter is implemented by backends that can wipe every row under
// a session prefix in one pass. Used by explicit logout cleanup and by
// per-category key deletion.
type PrefixDeleter interface {
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
}

// PrefixLister is implemented by backends that can enumerate row ids
// under a prefix in lexical order.
type PrefixLister interface {
	ListPrefix(ctx context.Context, prefix string) ([]string, error)
}
