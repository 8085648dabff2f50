// Package refs implements the mutable root-reference tracker: a small
// key/value store mapping table names to their current root digest, with an
// append-only version history and compare-and-set semantics for advancing a
// root.
//
// The tracker is the only mutable state in the system. Everything a root
// digest reaches is immutable, so advancing a name through successive
// digests is what makes updates visible, atomically per table.
package refs

import (
	"context"
	"errors"
	"time"

	"github.com/hupe1980/merkledb/node"
)

var (
	// ErrConcurrentAdvance is returned when a compare-and-set advance loses
	// to another writer.
	ErrConcurrentAdvance = errors.New("refs: concurrent root advance")

	// ErrUnknownTable is returned by History for a name that was never
	// advanced.
	ErrUnknownTable = errors.New("refs: unknown table")
)

// Version is one entry of a table's append-only root history. A zero root
// digest records an empty tree.
type Version struct {
	Seq  int64       `json:"seq"`
	Root node.Digest `json:"root"`
	Time time.Time   `json:"time"`
}

// Tracker tracks named database roots.
type Tracker interface {
	// Current returns the latest root digest for a name. ok is false when
	// the name was never advanced.
	Current(ctx context.Context, name string) (root node.Digest, ok bool, err error)

	// Advance appends a new root for a name, conditional on the current
	// root still being old (the zero digest for a fresh name, or when the
	// table is currently empty). Fails with ErrConcurrentAdvance otherwise.
	Advance(ctx context.Context, name string, old, new node.Digest) error

	// History returns a name's versions in ascending sequence order.
	History(ctx context.Context, name string) ([]Version, error)
}
