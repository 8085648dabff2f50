// Package tablet builds and reads the sorted single-family chunks stored
// inside partitions.
//
// A tablet is pure data: an ordered vector of (key, partial field map)
// entries with strictly ascending keys. Tombstones are resolved before a
// tablet is built, and only the base family keeps entries with empty field
// maps (as presence markers).
package tablet

import (
	"errors"
	"fmt"
	"iter"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/merkledb/key"
	"github.com/hupe1980/merkledb/node"
	"github.com/hupe1980/merkledb/record"
)

var (
	// ErrUnordered is returned when input entries are not strictly
	// ascending by key.
	ErrUnordered = errors.New("tablet: entries must be strictly ascending by key")

	// ErrInvalidKey is returned when an entry carries an empty key.
	ErrInvalidKey = errors.New("tablet: invalid key")
)

// FromRecords builds a tablet for one family. The caller has already
// projected each entry's field map onto the family's fields.
func FromRecords(family string, entries []node.TabletEntry) (*node.TabletNode, error) {
	for i, e := range entries {
		if !e.Key.Valid() {
			return nil, fmt.Errorf("%w: entry %d", ErrInvalidKey, i)
		}
		if i > 0 && key.Compare(entries[i-1].Key, e.Key) >= 0 {
			return nil, fmt.Errorf("%w: %v then %v", ErrUnordered, entries[i-1].Key, e.Key)
		}
	}
	return &node.TabletNode{Family: family, Entries: entries}, nil
}

// Prune returns t without entries whose field map is empty. Not applied to
// the base family, which preserves empty maps as presence markers.
func Prune(t *node.TabletNode) *node.TabletNode {
	kept := make([]node.TabletEntry, 0, len(t.Entries))
	for _, e := range t.Entries {
		if len(e.Fields) > 0 {
			kept = append(kept, e)
		}
	}
	return &node.TabletNode{Family: t.Family, Entries: kept}
}

// All iterates every entry in key order.
func All(t *node.TabletNode) iter.Seq[node.TabletEntry] {
	return func(yield func(node.TabletEntry) bool) {
		for _, e := range t.Entries {
			if !yield(e) {
				return
			}
		}
	}
}

// ReadBatch iterates the entries matching the requested keys, in ascending
// key order regardless of the order keys were given in. Matching positions
// are collected in a bitmap first so duplicate requested keys cost one
// probe each but emit once.
func ReadBatch(t *node.TabletNode, keys []key.Key) iter.Seq[node.TabletEntry] {
	rows := roaring.New()
	for _, k := range keys {
		if i, ok := search(t, k); ok {
			rows.Add(uint32(i))
		}
	}
	return func(yield func(node.TabletEntry) bool) {
		it := rows.Iterator()
		for it.HasNext() {
			if !yield(t.Entries[it.Next()]) {
				return
			}
		}
	}
}

// ReadRange iterates entries with min <= key <= max. A nil bound is
// unbounded on that side.
func ReadRange(t *node.TabletNode, min, max key.Key) iter.Seq[node.TabletEntry] {
	return func(yield func(node.TabletEntry) bool) {
		start := 0
		if min != nil {
			start, _ = lowerBound(t, min)
		}
		for _, e := range t.Entries[start:] {
			if max != nil && key.After(e.Key, max) {
				return
			}
			if !yield(e) {
				return
			}
		}
	}
}

// lowerBound returns the index of the first entry with entry key >= k.
func lowerBound(t *node.TabletNode, k key.Key) (int, bool) {
	lo, hi := 0, len(t.Entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if key.Before(t.Entries[mid].Key, k) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < len(t.Entries) && key.Equal(t.Entries[lo].Key, k)
}

// search returns the position of k, if present.
func search(t *node.TabletNode, k key.Key) (int, bool) {
	i, ok := lowerBound(t, k)
	if !ok {
		return 0, false
	}
	return i, true
}

// MergeEntries merges per-key partial field maps from multiple tablets by
// field-name union. Families partition the field space, so conflicting
// fields cannot occur. The inputs must each be key-ascending; the output is
// one merged key-ascending sequence of full field maps.
func MergeEntries(tablets []*node.TabletNode) iter.Seq[node.TabletEntry] {
	return func(yield func(node.TabletEntry) bool) {
		pos := make([]int, len(tablets))
		for {
			// Find the smallest key across cursors.
			var least key.Key
			for i, t := range tablets {
				if pos[i] >= len(t.Entries) {
					continue
				}
				k := t.Entries[pos[i]].Key
				if least == nil || key.Before(k, least) {
					least = k
				}
			}
			if least == nil {
				return
			}

			merged := record.FieldMap{}
			for i, t := range tablets {
				if pos[i] < len(t.Entries) && key.Equal(t.Entries[pos[i]].Key, least) {
					for f, v := range t.Entries[pos[i]].Fields {
						merged[f] = v
					}
					pos[i]++
				}
			}
			if !yield(node.TabletEntry{Key: least, Fields: merged}) {
				return
			}
		}
	}
}
