package merkledb

import (
	"context"
	"iter"
	"slices"
	"time"

	"github.com/hupe1980/merkledb/key"
	"github.com/hupe1980/merkledb/lexicoder"
	"github.com/hupe1980/merkledb/node"
	"github.com/hupe1980/merkledb/patch"
	"github.com/hupe1980/merkledb/record"
	"github.com/hupe1980/merkledb/refs"
	"github.com/hupe1980/merkledb/tree"
)

// Stream is a lazy, forward-only, key-ascending record sequence. Consume it
// fully or break early; a non-nil error terminates the stream.
type Stream = iter.Seq2[record.Record, error]

// Table is an immutable snapshot of a named table: a data-tree root plus a
// buffer of pending changes not yet flushed into the tree. Methods that
// modify return a new Table; the receiver stays valid, so snapshots can be
// shared freely across readers.
type Table struct {
	name    string
	store   node.Store
	tracker refs.Tracker
	params  tree.Params
	coder   lexicoder.Lexicoder
	logger  *Logger
	metrics MetricsCollector

	base    node.Digest // root the tracker held when this snapshot was taken
	root    node.Digest // current tree root, after any flushes
	pending []patch.Entry
	flushAt int
}

// Open binds a table name to its current root in the reference tracker.
// The returned Table is a consistent snapshot; concurrent commits by other
// writers do not affect it.
func Open(ctx context.Context, store node.Store, tracker refs.Tracker, name string, optFns ...Option) (*Table, error) {
	o := defaultOptions()
	for _, fn := range optFns {
		fn(&o)
	}
	params, err := o.params()
	if err != nil {
		return nil, translateError(err)
	}
	coder, err := lexicoder.FromConfig(o.keyCoder)
	if err != nil {
		return nil, translateError(err)
	}

	root, _, err := tracker.Current(ctx, name)
	if err != nil {
		return nil, translateError(err)
	}

	return &Table{
		name:    name,
		store:   store,
		tracker: tracker,
		params:  params,
		coder:   coder,
		logger:  o.logger.WithTable(name),
		metrics: o.metrics,
		base:    root,
		root:    root,
		flushAt: o.flushThreshold,
	}, nil
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Root returns the current tree root digest (zero for an empty tree). It
// does not include pending buffered changes.
func (t *Table) Root() node.Digest { return t.root }

// Dirty reports whether the snapshot holds uncommitted state: buffered
// changes or a flushed-but-unadvanced root.
func (t *Table) Dirty() bool { return len(t.pending) > 0 || t.root != t.base }

// Key encodes a typed value with the table's key lexicoder.
func (t *Table) Key(v any) (key.Key, error) {
	b, err := t.coder.Encode(v)
	if err != nil {
		return nil, translateError(err)
	}
	k, err := key.New(b)
	if err != nil {
		return nil, translateError(err)
	}
	return k, nil
}

// Update merges a key-sorted change-set into the table's patch buffer and
// returns the resulting snapshot. The buffer flushes into the tree once it
// crosses the flush threshold; Commit always flushes. The receiver is
// unchanged.
func (t *Table) Update(ctx context.Context, changes []patch.Entry) (*Table, error) {
	if err := patch.Validate(changes); err != nil {
		return nil, translateError(err)
	}
	next := t.clone()
	next.pending = mergeChanges(t.pending, changes)
	if len(next.pending) >= next.flushAt {
		return next.Flush(ctx)
	}
	return next, nil
}

// Flush applies the patch buffer to the data tree, returning a snapshot
// with an empty buffer and a new root. No root is advanced in the tracker;
// a failed flush leaves every existing root intact.
func (t *Table) Flush(ctx context.Context) (*Table, error) {
	if len(t.pending) == 0 {
		return t, nil
	}
	start := time.Now()
	ref, ok, err := tree.Apply(ctx, t.store, t.params, t.root, t.pending)
	if err != nil {
		return nil, translateError(err)
	}

	next := t.clone()
	next.pending = nil
	if ok {
		next.root = ref.Digest
	} else {
		next.root = node.Digest{}
	}

	if t.metrics != nil {
		t.metrics.UpdateDone(len(t.pending), time.Since(start))
	}
	t.logger.Debug("flushed patch buffer",
		"changes", len(t.pending),
		"root", next.root.String(),
		"records", ref.Size,
		"took", time.Since(start))
	return next, nil
}

// Commit flushes the patch buffer and advances the table's root in the
// reference tracker, conditional on the tracker still holding the root
// this snapshot was opened from. Returns the committed snapshot.
func (t *Table) Commit(ctx context.Context) (*Table, error) {
	next, err := t.Flush(ctx)
	if err != nil {
		return nil, err
	}
	if next.root == next.base {
		return next, nil
	}
	if err := t.tracker.Advance(ctx, t.name, next.base, next.root); err != nil {
		return nil, translateError(err)
	}
	committed := next.clone()
	committed.base = next.root
	committed.logger.Debug("committed root", "root", committed.root.String())
	return committed, nil
}

// Get returns the records for the requested keys as a key-ascending
// stream, overlaying any pending buffered changes. fields narrows the
// returned field maps; nil returns everything.
func (t *Table) Get(ctx context.Context, keys []key.Key, fields []string) Stream {
	want := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		want[string(k)] = struct{}{}
	}
	var overlay []patch.Entry
	for _, c := range patch.Filter(t.pending, patch.FilterOptions{Fields: fields}) {
		if _, ok := want[string(c.Key)]; ok {
			overlay = append(overlay, c)
		}
	}
	return patch.RemoveTombstones(patch.Seq(overlay,
		patch.FromRecords(tree.Get(ctx, t.store, t.root, keys, fields))))
}

// Scan returns the records with start <= key <= end as a key-ascending
// stream, overlaying any pending buffered changes. Nil bounds are
// unbounded; nil fields returns everything.
func (t *Table) Scan(ctx context.Context, start, end key.Key, fields []string) Stream {
	overlay := patch.Filter(t.pending, patch.FilterOptions{
		Start:          start,
		End:            end,
		StartInclusive: true,
		EndInclusive:   true,
		Fields:         fields,
	})
	return patch.RemoveTombstones(patch.Seq(overlay,
		patch.FromRecords(tree.Range(ctx, t.store, t.root, start, end, fields))))
}

// History returns the committed root versions of this table, oldest first.
func (t *Table) History(ctx context.Context) ([]refs.Version, error) {
	versions, err := t.tracker.History(ctx, t.name)
	if err != nil {
		return nil, translateError(err)
	}
	return versions, nil
}

func (t *Table) clone() *Table {
	next := *t
	next.pending = slices.Clone(t.pending)
	return &next
}

// mergeChanges merges two sorted change-sets; entries of b win at equal
// keys.
func mergeChanges(a, b []patch.Entry) []patch.Entry {
	if len(a) == 0 {
		return slices.Clone(b)
	}
	if len(b) == 0 {
		return slices.Clone(a)
	}
	out := make([]patch.Entry, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch cmp := key.Compare(a[i].Key, b[j].Key); {
		case cmp < 0:
			out = append(out, a[i])
			i++
		case cmp > 0:
			out = append(out, b[j])
			j++
		default:
			out = append(out, b[j])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}
