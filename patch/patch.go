// Package patch implements change-sets: key-sorted batches of puts and
// tombstones, and the lazy merge of a change-set over an existing record
// stream.
package patch

import (
	"errors"
	"fmt"
	"iter"

	"github.com/hupe1980/merkledb/key"
	"github.com/hupe1980/merkledb/record"
)

var (
	// ErrUnordered is returned when change-set keys are not strictly
	// ascending.
	ErrUnordered = errors.New("patch: changes must be strictly ascending by key")

	// ErrInvalidKey is returned when a change carries an empty key.
	ErrInvalidKey = errors.New("patch: invalid key")
)

// Entry is one element of a change-set or merged stream: a put carrying a
// full field map, or a tombstone marking deletion.
type Entry struct {
	Key       key.Key
	Fields    record.FieldMap
	Tombstone bool
}

// Put builds a put entry. A put replaces the record for its key entirely;
// field-level merging is a higher-layer concern.
func Put(k key.Key, fields record.FieldMap) Entry {
	return Entry{Key: k, Fields: fields}
}

// Delete builds a tombstone entry.
func Delete(k key.Key) Entry {
	return Entry{Key: k, Tombstone: true}
}

// Record converts a non-tombstone entry to a record.
func (e Entry) Record() record.Record {
	return record.Record{Key: e.Key, Fields: e.Fields}
}

// Stream is a lazy, forward-only, key-ascending sequence of entries. The
// error value of an element is non-nil at most once, as the final element.
type Stream = iter.Seq2[Entry, error]

// Validate checks that changes are well-keyed, strictly ascending and
// contain at most one op per key.
func Validate(changes []Entry) error {
	for i, c := range changes {
		if !c.Key.Valid() {
			return fmt.Errorf("%w: change %d", ErrInvalidKey, i)
		}
		if i > 0 && key.Compare(changes[i-1].Key, c.Key) >= 0 {
			return fmt.Errorf("%w: %v then %v", ErrUnordered, changes[i-1].Key, c.Key)
		}
	}
	return nil
}

// FromRecords adapts a record stream to an entry stream of puts.
func FromRecords(records iter.Seq2[record.Record, error]) Stream {
	return func(yield func(Entry, error) bool) {
		for r, err := range records {
			if err != nil {
				yield(Entry{}, err)
				return
			}
			if !yield(Put(r.Key, r.Fields), nil) {
				return
			}
		}
	}
}

// FromSlice adapts a change slice to a stream.
func FromSlice(changes []Entry) Stream {
	return func(yield func(Entry, error) bool) {
		for _, c := range changes {
			if !yield(c, nil) {
				return
			}
		}
	}
}

// Seq lazily merges a sorted change-set over a sorted record stream. At
// equal keys the change wins; change keys absent from the input are
// inserted (puts) or passed through as tombstones for downstream removal.
// The result may contain tombstones; see RemoveTombstones.
func Seq(changes []Entry, records Stream) Stream {
	return func(yield func(Entry, error) bool) {
		next, stop := iter.Pull2(records)
		defer stop()

		rec, err, ok := next()
		for _, c := range changes {
			for ok {
				if err != nil {
					yield(Entry{}, err)
					return
				}
				if key.Compare(rec.Key, c.Key) >= 0 {
					break
				}
				if !yield(rec, nil) {
					return
				}
				rec, err, ok = next()
			}
			if ok && err == nil && key.Equal(rec.Key, c.Key) {
				rec, err, ok = next() // change replaces the record
			}
			if !yield(c, nil) {
				return
			}
		}
		for ok {
			if err != nil {
				yield(Entry{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
			rec, err, ok = next()
		}
	}
}

// RemoveTombstones filters tombstone entries out of a stream, leaving a
// pure record stream.
func RemoveTombstones(entries Stream) iter.Seq2[record.Record, error] {
	return func(yield func(record.Record, error) bool) {
		for e, err := range entries {
			if err != nil {
				yield(record.Record{}, err)
				return
			}
			if e.Tombstone {
				continue
			}
			if !yield(e.Record(), nil) {
				return
			}
		}
	}
}

// FilterOptions narrows a change-set by key range and field projection.
// Bounds are nil for unbounded; inclusivity is per bound.
type FilterOptions struct {
	Start          key.Key
	End            key.Key
	StartInclusive bool
	EndInclusive   bool
	Fields         []string
}

// Filter returns the changes within the requested bounds. Put field maps
// are projected onto Fields (when non-nil); tombstones pass through
// unchanged.
func Filter(changes []Entry, opts FilterOptions) []Entry {
	var out []Entry
	for _, c := range changes {
		if opts.Start != nil {
			cmp := key.Compare(c.Key, opts.Start)
			if cmp < 0 || (cmp == 0 && !opts.StartInclusive) {
				continue
			}
		}
		if opts.End != nil {
			cmp := key.Compare(c.Key, opts.End)
			if cmp > 0 || (cmp == 0 && !opts.EndInclusive) {
				continue
			}
		}
		if !c.Tombstone && opts.Fields != nil {
			c.Fields = c.Fields.Project(opts.Fields)
		}
		out = append(out, c)
	}
	return out
}
