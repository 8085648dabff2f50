package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/merkledb/blobstore"
)

// Store is the content-addressed node store the tree reads and writes
// through. Put is idempotent: equal node values yield equal digests.
type Store interface {
	// Put stores a node and returns its reference.
	Put(ctx context.Context, n Node) (Ref, error)

	// Get loads a node by digest, failing with ErrMissingNode when absent.
	Get(ctx context.Context, d Digest) (Node, error)
}

// Metrics receives node store observations. The root package's metrics
// collector satisfies this.
type Metrics interface {
	NodeWritten(t Type, bytes int)
	NodeRead(t Type, bytes int)
}

// StoreOptions configure a blob-backed node store.
type StoreOptions struct {
	// Compression applied to stored frames. Digests are unaffected.
	Compression Compression
	// Prefix is prepended to blob names (e.g. "nodes/").
	Prefix string
	// Metrics, when non-nil, observes reads and writes.
	Metrics Metrics
}

// blobStore content-addresses canonical node encodings onto a blobstore.
type blobStore struct {
	blobs blobstore.Store
	opts  StoreOptions
}

// NewStore builds a node store on top of a blob store. Blob names are the
// configured Prefix followed by the hex digest of the stored node.
func NewStore(blobs blobstore.Store, optFns ...func(*StoreOptions)) Store {
	opts := StoreOptions{Compression: CompressionZstd, Prefix: "nodes/"}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &blobStore{blobs: blobs, opts: opts}
}

func (s *blobStore) name(d Digest) string {
	return s.opts.Prefix + d.String()
}

func (s *blobStore) Put(ctx context.Context, n Node) (Ref, error) {
	payload, digest, err := Encode(n)
	if err != nil {
		return Ref{}, err
	}

	// Content addressing makes rewrites redundant; skip the upload when the
	// blob already exists.
	name := s.name(digest)
	if ok, err := s.blobs.Has(ctx, name); err == nil && ok {
		return makeRef(n, digest), nil
	}

	blob, err := frame(payload, s.opts.Compression)
	if err != nil {
		return Ref{}, err
	}
	if err := s.blobs.Put(ctx, name, blob); err != nil {
		return Ref{}, err
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.NodeWritten(n.Type(), len(blob))
	}
	return makeRef(n, digest), nil
}

func (s *blobStore) Get(ctx context.Context, d Digest) (Node, error) {
	blob, err := s.blobs.Get(ctx, s.name(d))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrMissingNode, d)
		}
		return nil, err
	}
	payload, err := unframe(blob, d)
	if err != nil {
		return nil, err
	}
	n, err := Decode(payload, d)
	if err != nil {
		return nil, err
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.NodeRead(n.Type(), len(blob))
	}
	return n, nil
}

// makeRef derives the reference for a stored node, carrying the subtree
// record count as the reference size.
func makeRef(n Node, d Digest) Ref {
	ref := Ref{Digest: d}
	switch v := n.(type) {
	case *TabletNode:
		ref.Name = "tablet:" + v.Family
		ref.Size = int64(len(v.Entries))
	case *PartitionNode:
		ref.Name = "part:" + shortHex(d)
		ref.Size = v.Count
	case *IndexNode:
		ref.Name = fmt.Sprintf("idx%d:%s", v.Height, shortHex(d))
		ref.Size = v.Count
	}
	return ref
}

func shortHex(d Digest) string {
	return d.String()[:8]
}

// GetPartition loads a node expected to be a partition.
func GetPartition(ctx context.Context, s Store, d Digest) (*PartitionNode, error) {
	n, err := s.Get(ctx, d)
	if err != nil {
		return nil, err
	}
	p, ok := n.(*PartitionNode)
	if !ok {
		return nil, &TypeMismatchError{Digest: d, Want: TypePartition, Got: n.Type()}
	}
	return p, nil
}

// GetIndex loads a node expected to be an index node.
func GetIndex(ctx context.Context, s Store, d Digest) (*IndexNode, error) {
	n, err := s.Get(ctx, d)
	if err != nil {
		return nil, err
	}
	idx, ok := n.(*IndexNode)
	if !ok {
		return nil, &TypeMismatchError{Digest: d, Want: TypeIndex, Got: n.Type()}
	}
	return idx, nil
}

// GetTablet loads a node expected to be a tablet.
func GetTablet(ctx context.Context, s Store, d Digest) (*TabletNode, error) {
	n, err := s.Get(ctx, d)
	if err != nil {
		return nil, err
	}
	t, ok := n.(*TabletNode)
	if !ok {
		return nil, &TypeMismatchError{Digest: d, Want: TypeTablet, Got: n.Type()}
	}
	return t, nil
}
