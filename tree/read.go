package tree

import (
	"context"
	"slices"

	"github.com/hupe1980/merkledb/key"
	"github.com/hupe1980/merkledb/node"
	"github.com/hupe1980/merkledb/partition"
	"github.com/hupe1980/merkledb/record"
)

// Get returns the records for the requested keys as a lazy key-ascending
// stream. Request order is irrelevant; duplicate keys are read once. Each
// candidate partition consults its membership filter before loading
// tablets.
func Get(ctx context.Context, store node.Store, root node.Digest, keys []key.Key, fields []string) partition.Stream {
	sorted := slices.Clone(keys)
	slices.SortFunc(sorted, key.Compare)
	sorted = slices.CompactFunc(sorted, key.Equal)

	return func(yield func(record.Record, error) bool) {
		if root.IsZero() || len(sorted) == 0 {
			return
		}
		readBatch(ctx, store, root, sorted, fields, yield)
	}
}

func readBatch(ctx context.Context, store node.Store, d node.Digest, keys []key.Key, fields []string, yield func(record.Record, error) bool) bool {
	n, err := store.Get(ctx, d)
	if err != nil {
		yield(record.Record{}, err)
		return false
	}
	switch v := n.(type) {
	case *node.PartitionNode:
		for r, err := range partition.ReadBatch(ctx, store, v, keys, fields) {
			if !yield(r, err) || err != nil {
				return false
			}
		}
		return true
	case *node.IndexNode:
		// Group the sorted keys by target child; contiguous runs map to
		// contiguous children.
		start := 0
		for start < len(keys) {
			i := childFor(v.Keys, keys[start])
			end := start + 1
			for end < len(keys) && childFor(v.Keys, keys[end]) == i {
				end++
			}
			if !readBatch(ctx, store, v.Children[i].Digest, keys[start:end], fields, yield) {
				return false
			}
			start = end
		}
		return true
	default:
		yield(record.Record{}, &node.TypeMismatchError{Digest: d, Want: node.TypePartition, Got: n.Type()})
		return false
	}
}

// Range returns the records with min <= key <= max as a lazy key-ascending
// stream. Nil bounds are unbounded.
func Range(ctx context.Context, store node.Store, root node.Digest, min, max key.Key, fields []string) partition.Stream {
	return func(yield func(record.Record, error) bool) {
		if root.IsZero() {
			return
		}
		readRange(ctx, store, root, min, max, fields, yield)
	}
}

// Scan traverses the whole tree left to right.
func Scan(ctx context.Context, store node.Store, root node.Digest, fields []string) partition.Stream {
	return Range(ctx, store, root, nil, nil, fields)
}

func readRange(ctx context.Context, store node.Store, d node.Digest, min, max key.Key, fields []string, yield func(record.Record, error) bool) bool {
	n, err := store.Get(ctx, d)
	if err != nil {
		yield(record.Record{}, err)
		return false
	}
	switch v := n.(type) {
	case *node.PartitionNode:
		for r, err := range partition.ReadRange(ctx, store, v, min, max, fields) {
			if !yield(r, err) || err != nil {
				return false
			}
		}
		return true
	case *node.IndexNode:
		lo, hi := 0, len(v.Children)-1
		if min != nil {
			lo = childFor(v.Keys, min)
		}
		if max != nil {
			hi = childFor(v.Keys, max)
		}
		for i := lo; i <= hi; i++ {
			if !readRange(ctx, store, v.Children[i].Digest, min, max, fields, yield) {
				return false
			}
		}
		return true
	default:
		yield(record.Record{}, &node.TypeMismatchError{Digest: d, Want: node.TypePartition, Got: n.Type()})
		return false
	}
}
