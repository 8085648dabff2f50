// Package tree implements the copy-on-write B+-tree over partitions: the
// bulk-update algorithm that applies a change-set to a root and yields a
// new valid root, and the point, range and full-scan read paths.
//
// The tree root is one of: the zero digest (empty tree), a single partition
// (at most one partition limit of records), or an index node. All nodes are
// immutable; updates write new nodes and return a new root reference while
// the previous root stays fully readable.
package tree

import (
	"errors"
	"fmt"
	"sort"

	"github.com/hupe1980/merkledb/key"
	"github.com/hupe1980/merkledb/node"
	"github.com/hupe1980/merkledb/partition"
	"github.com/hupe1980/merkledb/record"
)

// DefaultBranching is the default maximum child count of an index node.
const DefaultBranching = 256

// MinBranching is the smallest legal branching factor.
const MinBranching = 4

// ErrInvalidParams is returned for out-of-range tree parameters.
var ErrInvalidParams = errors.New("tree: invalid parameters")

// Params configure the tree shape.
type Params struct {
	partition.Params
	// Branching is the maximum child count per index node (b).
	Branching int
}

// Validate checks parameter ranges.
func (p Params) Validate() error {
	if p.Branching < MinBranching {
		return fmt.Errorf("%w: branching factor %d < %d", ErrInvalidParams, p.Branching, MinBranching)
	}
	if p.Limit < 1 {
		return fmt.Errorf("%w: partition limit %d < 1", ErrInvalidParams, p.Limit)
	}
	return nil
}

// minBranch returns the minimum child count of a non-root index node.
func (p Params) minBranch() int { return (p.Branching + 1) / 2 }

// element is a candidate child during reassembly: a stored node plus the
// metadata the parent needs without loading it.
type element struct {
	ref   node.Ref
	first key.Key
	count int64
	// children is the child count for index elements built during this
	// update; -1 marks partitions and passed-through nodes, which are
	// always within bounds.
	children int
	// body caches the node when it was just built or already loaded.
	body node.Node
}

// passthrough wraps an untouched child reference.
func passthrough(ref node.Ref, first key.Key) element {
	return element{ref: ref, first: first, count: ref.Size, children: -1}
}

// underfull reports whether the element needs redistribution.
func (e element) underfull(minBranch int) bool {
	return e.children >= 0 && e.children < minBranch
}

// result is the outcome of updating one subtree.
//
// height -1 carries loose records: the subtree shrank below a full
// partition and its records must merge into a sibling. height 0 carries
// partitions and height h > 0 carries index nodes of that height.
type result struct {
	height int
	elems  []element
	loose  []record.Record
}

// childFor returns the index of the child whose key range contains k:
// the largest i with keys[i-1] <= k, or 0 when k precedes every split key.
func childFor(keys []key.Key, k key.Key) int {
	return sort.Search(len(keys), func(i int) bool {
		return key.After(keys[i], k)
	})
}
