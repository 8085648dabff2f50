// Package merkledb is a hybrid analytic key-value store whose persistent
// representation is a content-addressed Merkle DAG of immutable nodes.
//
// Records are grouped into size-bounded, key-ordered partitions holding one
// tablet per column family plus a Bloom membership filter; a copy-on-write
// B+-tree of index nodes branches over the partitions. Mutations never
// rewrite a node: a bulk update writes new nodes bottom-up and yields a new
// root digest, and a small mutable reference tracker advances named table
// roots through successive immutable roots with compare-and-set semantics.
//
// Keys are opaque byte sequences compared in unsigned lexicographic order;
// the lexicoder package provides order-preserving codecs from typed values
// (integers, floats, strings, timestamps, tuples) onto that single
// primitive.
//
// A minimal session:
//
//	store := node.NewStore(blobstore.NewMemoryStore())
//	tracker := refs.NewMemoryTracker()
//
//	tbl, err := merkledb.Open(ctx, store, tracker, "events")
//	if err != nil { ... }
//
//	next, err := tbl.Update(ctx, changes)
//	if err != nil { ... }
//	if _, err := next.Commit(ctx); err != nil { ... }
//
//	for rec, err := range next.Scan(ctx, nil, nil, nil) { ... }
//
// Readers obtain a root atomically at Open time and then operate against a
// fully immutable snapshot without locks. Writers are single-writer per
// table: the tracker serializes root advancement, and a lost race surfaces
// as refs.ErrConcurrentAdvance at commit time.
package merkledb
