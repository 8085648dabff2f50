// Package node defines the immutable node values of the data tree and the
// content-addressed store façade they are written through.
//
// Three node shapes flow through the read and update paths: tablets
// (sorted single-family chunks), partitions (leaf groups of tablets with a
// membership filter) and index nodes (the branching structure). Every node
// is serialized once through a canonical deterministic encoding; its
// identity is the SHA-256 digest of that encoding. References between nodes
// are digests, so cycles are impossible by construction.
package node

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/hupe1980/merkledb/bloom"
	"github.com/hupe1980/merkledb/key"
	"github.com/hupe1980/merkledb/record"
)

// Type discriminates the node shapes. It is carried in the encoded form as
// the data-type tag.
type Type uint8

const (
	// TypeTablet tags a sorted single-family chunk.
	TypeTablet Type = iota + 1
	// TypePartition tags a leaf partition.
	TypePartition
	// TypeIndex tags an internal index node.
	TypeIndex
)

// String returns the tag name used in errors and logs.
func (t Type) String() string {
	switch t {
	case TypeTablet:
		return "tablet"
	case TypePartition:
		return "partition"
	case TypeIndex:
		return "index"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// DigestSize is the byte length of a node digest.
const DigestSize = sha256.Size

// Digest is the content address of a node: the SHA-256 of its canonical
// encoding. The zero digest refers to no node.
type Digest [DigestSize]byte

// IsZero reports whether d refers to no node.
func (d Digest) IsZero() bool { return d == Digest{} }

// String returns the hex form of the digest.
func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// MarshalText encodes the digest as hex.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText decodes a hex digest.
func (d *Digest) UnmarshalText(b []byte) error {
	parsed, err := ParseDigest(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest parses a hex digest string.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != DigestSize {
		return Digest{}, fmt.Errorf("node: invalid digest %q", s)
	}
	copy(d[:], b)
	return d, nil
}

// Ref is a named reference to a stored node, embedded in parent nodes. Size
// carries the record count of the referenced subtree (entry count for
// tablets) so parents can aggregate counts without loading children.
type Ref struct {
	Name   string
	Digest Digest
	Size   int64
}

// IsZero reports whether the reference points at no node.
func (r Ref) IsZero() bool { return r.Digest.IsZero() }

// Node is one of the three immutable node shapes.
type Node interface {
	// Type returns the shape discriminator.
	Type() Type
}

// TabletEntry is one (key, partial field map) pair of a tablet.
type TabletEntry struct {
	Key    key.Key
	Fields record.FieldMap
}

// TabletNode holds the strictly ascending entries of one column family
// within one partition.
type TabletNode struct {
	Family  string
	Entries []TabletEntry
}

// Type implements Node.
func (*TabletNode) Type() Type { return TypeTablet }

// FirstKey returns the smallest key, or nil for an empty tablet.
func (t *TabletNode) FirstKey() key.Key {
	if len(t.Entries) == 0 {
		return nil
	}
	return t.Entries[0].Key
}

// LastKey returns the largest key, or nil for an empty tablet.
func (t *TabletNode) LastKey() key.Key {
	if len(t.Entries) == 0 {
		return nil
	}
	return t.Entries[len(t.Entries)-1].Key
}

// PartitionNode is the leaf of the data tree: a bounded group of family
// tablets plus a membership filter and key-range metadata.
type PartitionNode struct {
	// Tablets maps family name to the stored tablet, including base.
	Tablets map[string]Ref
	// Membership is a Bloom filter over all partition keys.
	Membership *bloom.Filter
	// Count is the exact record count.
	Count int64
	// Families is the family configuration the partition was split with.
	Families map[string][]string
	// FirstKey and LastKey are the inclusive key bounds.
	FirstKey key.Key
	LastKey  key.Key
}

// Type implements Node.
func (*PartitionNode) Type() Type { return TypePartition }

// IndexNode is an internal node of the data tree.
type IndexNode struct {
	// Height is >= 1; partitions have implicit height 0.
	Height int
	// Keys are the strictly ascending split keys, one fewer than children.
	// Keys[i] is the inclusive lower bound of Children[i+1].
	Keys []key.Key
	// Children reference nodes of height Height-1.
	Children []Ref
	// Count is the sum of descendant record counts.
	Count int64
}

// Type implements Node.
func (*IndexNode) Type() Type { return TypeIndex }

// validate checks the structural invariants of a decoded node.
func validate(n Node) error {
	switch v := n.(type) {
	case *TabletNode:
		for i, e := range v.Entries {
			if !e.Key.Valid() {
				return corrupt(TypeTablet, "entries", fmt.Sprintf("entry %d has an empty key", i))
			}
			if i > 0 && key.Compare(v.Entries[i-1].Key, e.Key) >= 0 {
				return corrupt(TypeTablet, "entries", fmt.Sprintf("keys not strictly ascending at %d", i))
			}
		}
	case *PartitionNode:
		if v.Count < 1 {
			return corrupt(TypePartition, "count", fmt.Sprintf("count %d < 1", v.Count))
		}
		if !v.FirstKey.Valid() || !v.LastKey.Valid() {
			return corrupt(TypePartition, "first-key", "missing key bounds")
		}
		if key.Compare(v.FirstKey, v.LastKey) > 0 {
			return corrupt(TypePartition, "first-key", "first-key after last-key")
		}
		if _, ok := v.Tablets[record.BaseFamily]; !ok {
			return corrupt(TypePartition, "tablets", "missing base tablet")
		}
		if v.Membership == nil {
			return corrupt(TypePartition, "membership", "missing membership filter")
		}
	case *IndexNode:
		if v.Height < 1 {
			return corrupt(TypeIndex, "height", fmt.Sprintf("height %d < 1", v.Height))
		}
		if len(v.Children) != len(v.Keys)+1 {
			return corrupt(TypeIndex, "children",
				fmt.Sprintf("child count %d != %d keys + 1", len(v.Children), len(v.Keys)))
		}
		if len(v.Children) < 1 {
			return corrupt(TypeIndex, "children", "no children")
		}
		for i, k := range v.Keys {
			if !k.Valid() {
				return corrupt(TypeIndex, "keys", fmt.Sprintf("split key %d is empty", i))
			}
			if i > 0 && key.Compare(v.Keys[i-1], k) >= 0 {
				return corrupt(TypeIndex, "keys", fmt.Sprintf("split keys not strictly ascending at %d", i))
			}
		}
		var sum int64
		for _, c := range v.Children {
			sum += c.Size
		}
		if sum != v.Count {
			return corrupt(TypeIndex, "count", fmt.Sprintf("count %d != child sum %d", v.Count, sum))
		}
	default:
		return fmt.Errorf("node: unknown node shape %T", n)
	}
	return nil
}
