// Package blobstore abstracts the byte stores underneath the
// content-addressed node store: named, immutable blobs that are written
// once and read whole.
package blobstore

import (
	"context"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`. The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// Store is a flat namespace of immutable byte blobs. Node blobs are named
// by content digest, so Put is idempotent for a given name and blobs are
// never rewritten with different contents.
type Store interface {
	// Put writes a blob atomically under the given name.
	Put(ctx context.Context, name string, data []byte) error

	// Get returns the full contents of a blob, or ErrNotFound.
	Get(ctx context.Context, name string) ([]byte, error)

	// Has reports whether a blob exists without reading it.
	Has(ctx context.Context, name string) (bool, error)

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns the names of all blobs with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}
