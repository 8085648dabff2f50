package tree

import (
	"context"
	"slices"

	"github.com/hupe1980/merkledb/key"
	"github.com/hupe1980/merkledb/node"
	"github.com/hupe1980/merkledb/partition"
	"github.com/hupe1980/merkledb/patch"
	"github.com/hupe1980/merkledb/record"
)

// Apply runs the bulk-update algorithm: it merges a key-sorted change-set
// into the tree rooted at root and returns the new root reference. The
// returned ok is false when the tree is empty afterwards. The previous root
// is untouched; nodes written for an update that later fails are
// unreferenced garbage.
func Apply(ctx context.Context, store node.Store, params Params, root node.Digest, changes []patch.Entry) (node.Ref, bool, error) {
	if err := params.Validate(); err != nil {
		return node.Ref{}, false, err
	}
	if err := patch.Validate(changes); err != nil {
		return node.Ref{}, false, err
	}
	if len(changes) == 0 {
		return currentRef(ctx, store, root)
	}

	var res result
	if root.IsZero() {
		// Case A: empty tree. The change-set itself, minus tombstones, is
		// the input stream.
		parts, err := partition.PartitionRecords(ctx, store, params.Params,
			patch.RemoveTombstones(patch.FromSlice(changes)))
		if err != nil {
			return node.Ref{}, false, err
		}
		res = partitionsResult(parts)
	} else {
		n, err := store.Get(ctx, root)
		if err != nil {
			return node.Ref{}, false, err
		}
		ref := node.Ref{Digest: root, Size: countOf(n)}
		res, err = updateNode(ctx, store, params, ref, n, nil, changes)
		if err != nil {
			return node.Ref{}, false, err
		}
	}
	return finishRoot(ctx, store, params, res)
}

// currentRef rebuilds the reference for an unchanged root.
func currentRef(ctx context.Context, store node.Store, root node.Digest) (node.Ref, bool, error) {
	if root.IsZero() {
		return node.Ref{}, false, nil
	}
	n, err := store.Get(ctx, root)
	if err != nil {
		return node.Ref{}, false, err
	}
	return node.Ref{Digest: root, Size: countOf(n)}, true, nil
}

func countOf(n node.Node) int64 {
	switch v := n.(type) {
	case *node.PartitionNode:
		return v.Count
	case *node.IndexNode:
		return v.Count
	default:
		return 0
	}
}

func partitionsResult(parts []partition.Part) result {
	res := result{height: 0}
	for _, p := range parts {
		res.elems = append(res.elems, element{
			ref:      p.Ref,
			first:    p.Node.FirstKey,
			count:    p.Node.Count,
			children: -1,
			body:     p.Node,
		})
	}
	return res
}

// updateNode dispatches on the node shape. prepend carries loose records
// from a left sibling; they all sort before this subtree's keys.
func updateNode(ctx context.Context, store node.Store, params Params, ref node.Ref, n node.Node, prepend []record.Record, changes []patch.Entry) (result, error) {
	switch v := n.(type) {
	case *node.PartitionNode:
		return updatePartition(ctx, store, params, v, prepend, changes)
	case *node.IndexNode:
		return updateIndex(ctx, store, params, v, prepend, changes)
	default:
		return result{}, &node.TypeMismatchError{Digest: ref.Digest, Want: node.TypePartition, Got: n.Type()}
	}
}

// updatePartition merges the change-set into the partition's records
// (Case B at the root; the leaf case during descent).
func updatePartition(ctx context.Context, store node.Store, params Params, p *node.PartitionNode, prepend []record.Record, changes []patch.Entry) (result, error) {
	existing, err := materialize(partition.ReadAll(ctx, store, p, nil))
	if err != nil {
		return result{}, err
	}
	merged, err := materialize(patch.RemoveTombstones(
		patch.Seq(changes, patch.FromRecords(recordsStream(append(slices.Clip(prepend), existing...))))))
	if err != nil {
		return result{}, err
	}
	return packRecords(ctx, store, params, merged)
}

// packRecords turns a merged record run into a result: loose when it cannot
// fill half a partition, stored partitions otherwise.
func packRecords(ctx context.Context, store node.Store, params Params, records []record.Record) (result, error) {
	if len(records) < params.MinFill() {
		return result{height: -1, loose: records}, nil
	}
	parts, err := partition.PartitionRecords(ctx, store, params.Params, recordsStream(records))
	if err != nil {
		return result{}, err
	}
	return partitionsResult(parts), nil
}

// updateIndex is Case C: partition the change-set across children by split
// key, update affected children, then reassemble a valid child vector.
func updateIndex(ctx context.Context, store node.Store, params Params, idx *node.IndexNode, prepend []record.Record, changes []patch.Entry) (result, error) {
	perChild := splitChanges(idx.Keys, changes)

	var elems []element
	carry := prepend
	for i, childRef := range idx.Children {
		if len(perChild[i]) == 0 && len(carry) == 0 {
			first, err := childFirstKey(ctx, store, idx, i)
			if err != nil {
				return result{}, err
			}
			elems = append(elems, passthrough(childRef, first))
			continue
		}

		child, err := store.Get(ctx, childRef.Digest)
		if err != nil {
			return result{}, err
		}
		res, err := updateNode(ctx, store, params, childRef, child, carry, perChild[i])
		if err != nil {
			return result{}, err
		}
		if res.height == -1 {
			// Fold loose records forward into the next sibling.
			carry = res.loose
			continue
		}
		elems = append(elems, res.elems...)
		carry = nil
	}

	// The pass ended with loose records: fold them backward into the last
	// element, or hand them upward when nothing is left at this level.
	for len(carry) > 0 {
		if len(elems) == 0 {
			return result{height: -1, loose: carry}, nil
		}
		last := elems[len(elems)-1]
		elems = elems[:len(elems)-1]
		res, err := foldBack(ctx, store, params, last, carry)
		if err != nil {
			return result{}, err
		}
		if res.height == -1 {
			carry = res.loose
			continue
		}
		elems = append(elems, res.elems...)
		carry = nil
	}

	if len(elems) == 0 {
		return result{height: -1}, nil
	}

	elems, err := redistribute(ctx, store, params, idx.Height-1, elems)
	if err != nil {
		return result{}, err
	}
	return buildLevel(ctx, store, params, idx.Height, elems)
}

// splitChanges partitions a change-set across children: a change with key k
// belongs to the child whose range contains k.
func splitChanges(keys []key.Key, changes []patch.Entry) [][]patch.Entry {
	out := make([][]patch.Entry, len(keys)+1)
	start := 0
	for start < len(changes) {
		i := childFor(keys, changes[start].Key)
		end := start + 1
		for end < len(changes) && childFor(keys, changes[end].Key) == i {
			end++
		}
		out[i] = changes[start:end]
		start = end
	}
	return out
}

// childFirstKey returns the first key of child i: split key i-1, or the
// leftmost descendant key for the leftmost child.
func childFirstKey(ctx context.Context, store node.Store, idx *node.IndexNode, i int) (key.Key, error) {
	if i > 0 {
		return idx.Keys[i-1], nil
	}
	return firstKeyOf(ctx, store, idx.Children[0].Digest)
}

// firstKeyOf descends to the leftmost partition under the given node.
func firstKeyOf(ctx context.Context, store node.Store, d node.Digest) (key.Key, error) {
	for {
		n, err := store.Get(ctx, d)
		if err != nil {
			return nil, err
		}
		switch v := n.(type) {
		case *node.PartitionNode:
			return v.FirstKey, nil
		case *node.IndexNode:
			d = v.Children[0].Digest
		default:
			return nil, &node.TypeMismatchError{Digest: d, Want: node.TypePartition, Got: n.Type()}
		}
	}
}

// foldBack merges trailing loose records into the last element of a level.
// The records all sort after the element's keys, so they are applied as
// puts routed to its rightmost region.
func foldBack(ctx context.Context, store node.Store, params Params, e element, loose []record.Record) (result, error) {
	n := e.body
	if n == nil {
		var err error
		if n, err = store.Get(ctx, e.ref.Digest); err != nil {
			return result{}, err
		}
	}
	switch v := n.(type) {
	case *node.PartitionNode:
		existing, err := materialize(partition.ReadAll(ctx, store, v, nil))
		if err != nil {
			return result{}, err
		}
		return packRecords(ctx, store, params, append(existing, loose...))
	case *node.IndexNode:
		puts := make([]patch.Entry, len(loose))
		for i, r := range loose {
			puts[i] = patch.Put(r.Key, r.Fields)
		}
		return updateIndex(ctx, store, params, v, nil, puts)
	default:
		return result{}, &node.TypeMismatchError{Digest: e.ref.Digest, Want: node.TypePartition, Got: n.Type()}
	}
}

// redistribute fixes under-full index elements by merging them with an
// adjacent sibling and re-splitting when the merge overflows. Partitions
// (height 0) are always within bounds by construction, as are
// passed-through nodes.
func redistribute(ctx context.Context, store node.Store, params Params, height int, elems []element) ([]element, error) {
	if height == 0 {
		return elems, nil
	}
	for len(elems) >= 2 {
		j := slices.IndexFunc(elems, func(e element) bool {
			return e.underfull(params.minBranch())
		})
		if j < 0 {
			break
		}
		left, right := j, j+1
		if right >= len(elems) {
			left, right = j-1, j
		}
		merged, err := mergeElements(ctx, store, params, height, elems[left], elems[right])
		if err != nil {
			return nil, err
		}
		elems = slices.Replace(elems, left, right+1, merged...)
	}
	return elems, nil
}

// mergeElements concatenates the children of two adjacent same-height index
// elements, splitting the combined node in two when it exceeds the
// branching factor.
func mergeElements(ctx context.Context, store node.Store, params Params, height int, a, b element) ([]element, error) {
	an, err := indexBody(ctx, store, a)
	if err != nil {
		return nil, err
	}
	bn, err := indexBody(ctx, store, b)
	if err != nil {
		return nil, err
	}

	children := slices.Concat(an.Children, bn.Children)
	keys := slices.Concat(an.Keys, []key.Key{b.first}, bn.Keys)

	if len(children) <= params.Branching {
		e, err := storeIndex(ctx, store, height, a.first, keys, children)
		if err != nil {
			return nil, err
		}
		return []element{e}, nil
	}

	mid := (len(children) + 1) / 2
	leftEl, err := storeIndex(ctx, store, height, a.first, keys[:mid-1], children[:mid])
	if err != nil {
		return nil, err
	}
	rightEl, err := storeIndex(ctx, store, height, keys[mid-1], keys[mid:], children[mid:])
	if err != nil {
		return nil, err
	}
	return []element{leftEl, rightEl}, nil
}

func indexBody(ctx context.Context, store node.Store, e element) (*node.IndexNode, error) {
	if e.body != nil {
		if idx, ok := e.body.(*node.IndexNode); ok {
			return idx, nil
		}
	}
	return node.GetIndex(ctx, store, e.ref.Digest)
}

// storeIndex assembles and stores one index node.
func storeIndex(ctx context.Context, store node.Store, height int, first key.Key, keys []key.Key, children []node.Ref) (element, error) {
	var count int64
	for _, c := range children {
		count += c.Size
	}
	idx := &node.IndexNode{
		Height:   height,
		Keys:     slices.Clone(keys),
		Children: slices.Clone(children),
		Count:    count,
	}
	ref, err := store.Put(ctx, idx)
	if err != nil {
		return element{}, err
	}
	return element{
		ref:      ref,
		first:    first,
		count:    count,
		children: len(children),
		body:     idx,
	}, nil
}

// buildLevel groups same-height elements into index nodes one level up,
// keeping every group within branching bounds. A single over-wide group is
// split evenly; a lone element yields one (possibly under-full) node for
// the parent to redistribute.
func buildLevel(ctx context.Context, store node.Store, params Params, height int, elems []element) (result, error) {
	refs := make([]node.Ref, len(elems))
	for i, e := range elems {
		refs[i] = e.ref
	}

	var out []element
	for _, span := range groupSizes(len(elems), params.Branching) {
		group := elems[span.start : span.start+span.size]
		keys := make([]key.Key, span.size-1)
		for i := 1; i < span.size; i++ {
			keys[i-1] = group[i].first
		}
		e, err := storeIndex(ctx, store, height, group[0].first, keys, refs[span.start:span.start+span.size])
		if err != nil {
			return result{}, err
		}
		out = append(out, e)
	}
	return result{height: height, elems: out}, nil
}

type span struct{ start, size int }

// groupSizes splits n children into consecutive groups of at most max,
// sized as evenly as possible so no group falls below half of max (except
// when n itself is smaller).
func groupSizes(n, max int) []span {
	groups := (n + max - 1) / max
	if groups < 1 {
		groups = 1
	}
	base := n / groups
	extra := n % groups

	var out []span
	start := 0
	for g := 0; g < groups; g++ {
		size := base
		if g < extra {
			size++
		}
		out = append(out, span{start: start, size: size})
		start += size
	}
	return out
}

// finishRoot normalizes an update result into the final root: packing loose
// records, building index levels above multiple nodes, and demoting
// single-child roots.
func finishRoot(ctx context.Context, store node.Store, params Params, res result) (node.Ref, bool, error) {
	if res.height == -1 {
		if len(res.loose) == 0 {
			return node.Ref{}, false, nil
		}
		parts, err := partition.PartitionRecords(ctx, store, params.Params, recordsStream(res.loose))
		if err != nil {
			return node.Ref{}, false, err
		}
		res = partitionsResult(parts)
	}
	if len(res.elems) == 0 {
		return node.Ref{}, false, nil
	}

	// Build index levels until a single node remains.
	height := res.height
	for len(res.elems) > 1 {
		height++
		var err error
		if res, err = buildLevel(ctx, store, params, height, res.elems); err != nil {
			return node.Ref{}, false, err
		}
	}

	// Demote single-child roots until the root is branched or a partition.
	ref := res.elems[0].ref
	for {
		n, err := store.Get(ctx, ref.Digest)
		if err != nil {
			return node.Ref{}, false, err
		}
		idx, ok := n.(*node.IndexNode)
		if !ok || len(idx.Children) > 1 {
			return ref, true, nil
		}
		ref = idx.Children[0]
	}
}

// recordsStream adapts a record slice to a stream.
func recordsStream(records []record.Record) partition.Stream {
	return func(yield func(record.Record, error) bool) {
		for _, r := range records {
			if !yield(r, nil) {
				return
			}
		}
	}
}

// materialize drains a stream into a slice.
func materialize(s partition.Stream) ([]record.Record, error) {
	var out []record.Record
	for r, err := range s {
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
