// Package partition implements the leaves of the data tree: size-bounded,
// key-ordered groups of family tablets with a membership filter.
package partition

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/hupe1980/merkledb/bloom"
	"github.com/hupe1980/merkledb/key"
	"github.com/hupe1980/merkledb/node"
	"github.com/hupe1980/merkledb/patch"
	"github.com/hupe1980/merkledb/record"
	"github.com/hupe1980/merkledb/tablet"
)

var (
	// ErrOverflow is returned when a partition is built from more records
	// than the configured limit.
	ErrOverflow = errors.New("partition: record count exceeds partition limit")

	// ErrNoRecords is returned when construction is attempted with zero
	// records after tombstone removal.
	ErrNoRecords = errors.New("partition: no records")

	// ErrUnordered is returned when input keys are not strictly ascending.
	ErrUnordered = errors.New("partition: records must be strictly ascending by key")
)

// DefaultLimit is the default maximum record count per partition.
const DefaultLimit = 1000

// Params bound and shape partition construction.
type Params struct {
	// Limit is the maximum record count per partition (L).
	Limit int
	// Families is the column family configuration records are split with.
	Families record.Families
	// FalsePositiveRate configures the membership filter (0 for default).
	FalsePositiveRate float64
}

// MinFill returns the minimum record count of a non-singleton partition.
func (p Params) MinFill() int { return (p.Limit + 1) / 2 }

// Part pairs a built partition with its stored reference.
type Part struct {
	Node *node.PartitionNode
	Ref  node.Ref
}

// FromRecords builds and stores one partition from a change-ordered entry
// batch. Tombstones are dropped; remaining keys must be strictly ascending
// and the count must not exceed the limit.
func FromRecords(ctx context.Context, store node.Store, params Params, entries []patch.Entry) (Part, error) {
	records := make([]record.Record, 0, len(entries))
	for _, e := range entries {
		if e.Tombstone {
			continue
		}
		records = append(records, e.Record())
	}
	return fromRecords(ctx, store, params, records)
}

func fromRecords(ctx context.Context, store node.Store, params Params, records []record.Record) (Part, error) {
	if len(records) == 0 {
		return Part{}, ErrNoRecords
	}
	if len(records) > params.Limit {
		return Part{}, fmt.Errorf("%w: %d > %d", ErrOverflow, len(records), params.Limit)
	}
	for i, r := range records {
		if !r.Key.Valid() {
			return Part{}, fmt.Errorf("%w: record %d", key.ErrEmptyKey, i)
		}
		if i > 0 && key.Compare(records[i-1].Key, r.Key) >= 0 {
			return Part{}, fmt.Errorf("%w: %v then %v", ErrUnordered, records[i-1].Key, r.Key)
		}
	}

	// Split each record across the configured families and build one tablet
	// per family. Base keeps empty maps as presence markers; other families
	// are pruned and dropped entirely when empty.
	byFamily := make(map[string][]node.TabletEntry)
	for _, r := range records {
		for fam, fields := range params.Families.Split(r.Fields) {
			byFamily[fam] = append(byFamily[fam], node.TabletEntry{Key: r.Key, Fields: fields})
		}
	}

	tablets := make(map[string]node.Ref)
	for fam, entries := range byFamily {
		t, err := tablet.FromRecords(fam, entries)
		if err != nil {
			return Part{}, err
		}
		if fam != record.BaseFamily {
			if t = tablet.Prune(t); len(t.Entries) == 0 {
				continue
			}
		}
		ref, err := store.Put(ctx, t)
		if err != nil {
			return Part{}, err
		}
		tablets[fam] = ref
	}

	membership := bloom.New(len(records), params.FalsePositiveRate)
	for _, r := range records {
		membership.Insert(r.Key)
	}

	p := &node.PartitionNode{
		Tablets:    tablets,
		Membership: membership,
		Count:      int64(len(records)),
		Families:   params.Families.Config(),
		FirstKey:   records[0].Key,
		LastKey:    records[len(records)-1].Key,
	}
	ref, err := store.Put(ctx, p)
	if err != nil {
		return Part{}, err
	}
	return Part{Node: p, Ref: ref}, nil
}

// Stream is a lazy key-ascending record sequence.
type Stream = iter.Seq2[record.Record, error]

// ReadAll merges the partition's tablets covering the requested fields into
// one key-ordered record stream. Nil fields reads every tablet.
func ReadAll(ctx context.Context, store node.Store, p *node.PartitionNode, fields []string) Stream {
	return func(yield func(record.Record, error) bool) {
		tablets, err := loadCovering(ctx, store, p, fields)
		if err != nil {
			yield(record.Record{}, err)
			return
		}
		for e := range tablet.MergeEntries(tablets) {
			if !yield(record.Record{Key: e.Key, Fields: e.Fields.Project(fields)}, nil) {
				return
			}
		}
	}
}

// ReadBatch returns the records for the requested keys, in ascending key
// order regardless of request order. The membership filter is consulted
// first so definitely-absent keys never cost a tablet load.
func ReadBatch(ctx context.Context, store node.Store, p *node.PartitionNode, keys []key.Key, fields []string) Stream {
	return func(yield func(record.Record, error) bool) {
		candidates := make([]key.Key, 0, len(keys))
		for _, k := range keys {
			if p.Membership.Contains(k) {
				candidates = append(candidates, k)
			}
		}
		if len(candidates) == 0 {
			return
		}

		tablets, err := loadCovering(ctx, store, p, fields)
		if err != nil {
			yield(record.Record{}, err)
			return
		}
		matched := make([]*node.TabletNode, len(tablets))
		for i, t := range tablets {
			var entries []node.TabletEntry
			for e := range tablet.ReadBatch(t, candidates) {
				entries = append(entries, e)
			}
			matched[i] = &node.TabletNode{Family: t.Family, Entries: entries}
		}
		for e := range tablet.MergeEntries(matched) {
			if !yield(record.Record{Key: e.Key, Fields: e.Fields.Project(fields)}, nil) {
				return
			}
		}
	}
}

// ReadRange merges tablets restricted to min <= key <= max. Nil bounds are
// unbounded.
func ReadRange(ctx context.Context, store node.Store, p *node.PartitionNode, min, max key.Key, fields []string) Stream {
	return func(yield func(record.Record, error) bool) {
		tablets, err := loadCovering(ctx, store, p, fields)
		if err != nil {
			yield(record.Record{}, err)
			return
		}
		clipped := make([]*node.TabletNode, len(tablets))
		for i, t := range tablets {
			var entries []node.TabletEntry
			for e := range tablet.ReadRange(t, min, max) {
				entries = append(entries, e)
			}
			clipped[i] = &node.TabletNode{Family: t.Family, Entries: entries}
		}
		for e := range tablet.MergeEntries(clipped) {
			if !yield(record.Record{Key: e.Key, Fields: e.Fields.Project(fields)}, nil) {
				return
			}
		}
	}
}

// loadCovering loads the minimum tablet set needed for the requested
// fields: the covering families that actually have a stored tablet.
func loadCovering(ctx context.Context, store node.Store, p *node.PartitionNode, fields []string) ([]*node.TabletNode, error) {
	families, err := record.NewFamilies(p.Families)
	if err != nil {
		return nil, err
	}
	var tablets []*node.TabletNode
	for _, fam := range families.Covering(fields) {
		ref, ok := p.Tablets[fam]
		if !ok {
			continue
		}
		t, err := node.GetTablet(ctx, store, ref.Digest)
		if err != nil {
			return nil, err
		}
		tablets = append(tablets, t)
	}
	return tablets, nil
}
