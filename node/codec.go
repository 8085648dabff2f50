package node

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"slices"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/merkledb/bloom"
	"github.com/hupe1980/merkledb/key"
	"github.com/hupe1980/merkledb/record"
)

// Nodes are serialized through a canonical deterministic encoding: map keys
// are sorted, integers are varint or fixed big-endian, and no encoder state
// leaks into the output. Equal node values therefore always produce equal
// bytes, and equal digests.
//
// The stored blob wraps the canonical payload in a small frame:
//
//	[compression id: 1][crc32c of compressed payload: 4 BE][compressed payload]
//
// The digest is computed over the uncompressed payload, so the content
// address of a node does not depend on the store's compression choice.

var magic = [4]byte{'M', 'D', 'B', '1'}

// Compression selects the frame compression applied by a store.
type Compression uint8

const (
	// CompressionNone stores payloads verbatim.
	CompressionNone Compression = iota
	// CompressionZstd uses zstandard block compression.
	CompressionZstd
	// CompressionLZ4 uses lz4 block compression.
	CompressionLZ4
	// CompressionSnappy uses snappy block compression.
	CompressionSnappy
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
)

// Encode serializes n into its canonical payload and returns the payload
// with its digest.
func Encode(n Node) ([]byte, Digest, error) {
	var buf bytes.Buffer
	buf.Write(magic[:])
	buf.WriteByte(byte(n.Type()))

	var err error
	switch v := n.(type) {
	case *TabletNode:
		err = encodeTablet(&buf, v)
	case *PartitionNode:
		err = encodePartition(&buf, v)
	case *IndexNode:
		err = encodeIndex(&buf, v)
	default:
		err = fmt.Errorf("node: cannot encode %T", n)
	}
	if err != nil {
		return nil, Digest{}, err
	}

	payload := buf.Bytes()
	return payload, Digest(sha256.Sum256(payload)), nil
}

// Decode parses a canonical payload back into a node value, verifying the
// payload digest and structural invariants. want is the digest the caller
// requested; pass the zero digest to skip the identity check.
func Decode(payload []byte, want Digest) (Node, error) {
	if !want.IsZero() {
		if got := Digest(sha256.Sum256(payload)); got != want {
			return nil, withDigest(corrupt(0, "digest", fmt.Sprintf("payload hashes to %s", got)), want)
		}
	}
	if len(payload) < 5 || !bytes.Equal(payload[:4], magic[:]) {
		return nil, withDigest(corrupt(0, "magic", "bad or truncated header"), want)
	}

	r := &reader{buf: payload[5:]}
	var n Node
	var err error
	switch t := Type(payload[4]); t {
	case TypeTablet:
		n, err = decodeTablet(r)
	case TypePartition:
		n, err = decodePartition(r)
	case TypeIndex:
		n, err = decodeIndex(r)
	default:
		return nil, withDigest(corrupt(t, "data-type", "unknown node type"), want)
	}
	if err != nil {
		return nil, withDigest(err, want)
	}
	if r.len() != 0 {
		return nil, withDigest(corrupt(n.Type(), "body", fmt.Sprintf("%d trailing bytes", r.len())), want)
	}
	if err := validate(n); err != nil {
		return nil, withDigest(err, want)
	}
	return n, nil
}

// frame compresses a payload for storage.
func frame(payload []byte, c Compression) ([]byte, error) {
	var body []byte
	switch c {
	case CompressionNone:
		body = payload
	case CompressionZstd:
		body = zstdEncoder.EncodeAll(payload, nil)
	case CompressionLZ4:
		dst := make([]byte, binary.MaxVarintLen64+lz4.CompressBlockBound(len(payload)))
		hdr := binary.PutUvarint(dst, uint64(len(payload)))
		n, err := lz4.CompressBlock(payload, dst[hdr:], nil)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// Incompressible; fall back to a stored frame.
			return frame(payload, CompressionNone)
		}
		body = dst[:hdr+n]
	case CompressionSnappy:
		body = snappy.Encode(nil, payload)
	default:
		return nil, fmt.Errorf("node: unknown compression %d", c)
	}

	out := make([]byte, 5+len(body))
	out[0] = byte(c)
	binary.BigEndian.PutUint32(out[1:5], crc32.Checksum(body, crcTable))
	copy(out[5:], body)
	return out, nil
}

// unframe verifies the checksum and decompresses a stored blob back to its
// canonical payload.
func unframe(blob []byte, d Digest) ([]byte, error) {
	if len(blob) < 5 {
		return nil, withDigest(corrupt(0, "frame", "truncated frame"), d)
	}
	body := blob[5:]
	if crc32.Checksum(body, crcTable) != binary.BigEndian.Uint32(blob[1:5]) {
		return nil, withDigest(corrupt(0, "frame", "checksum mismatch"), d)
	}

	switch Compression(blob[0]) {
	case CompressionNone:
		return body, nil
	case CompressionZstd:
		return zstdDecoder.DecodeAll(body, nil)
	case CompressionLZ4:
		size, hdr := binary.Uvarint(body)
		if hdr <= 0 {
			return nil, withDigest(corrupt(0, "frame", "bad lz4 length prefix"), d)
		}
		dst := make([]byte, size)
		if _, err := lz4.UncompressBlock(body[hdr:], dst); err != nil {
			return nil, err
		}
		return dst, nil
	case CompressionSnappy:
		return snappy.Decode(nil, body)
	default:
		return nil, withDigest(corrupt(0, "frame", fmt.Sprintf("unknown compression %d", blob[0])), d)
	}
}

func encodeTablet(buf *bytes.Buffer, t *TabletNode) error {
	putString(buf, t.Family)
	putUvarint(buf, uint64(len(t.Entries)))
	for _, e := range t.Entries {
		putBytes(buf, e.Key)
		if err := putFieldMap(buf, e.Fields); err != nil {
			return err
		}
	}
	return nil
}

func decodeTablet(r *reader) (Node, error) {
	family, err := r.string()
	if err != nil {
		return nil, err
	}
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	t := &TabletNode{Family: family, Entries: make([]TabletEntry, 0, n)}
	for i := uint64(0); i < n; i++ {
		k, err := r.bytes()
		if err != nil {
			return nil, err
		}
		fields, err := r.fieldMap()
		if err != nil {
			return nil, err
		}
		t.Entries = append(t.Entries, TabletEntry{Key: key.Key(k), Fields: fields})
	}
	return t, nil
}

func encodePartition(buf *bytes.Buffer, p *PartitionNode) error {
	families := make([]string, 0, len(p.Tablets))
	for fam := range p.Tablets {
		families = append(families, fam)
	}
	slices.Sort(families)
	putUvarint(buf, uint64(len(families)))
	for _, fam := range families {
		putString(buf, fam)
		putRef(buf, p.Tablets[fam])
	}

	if p.Membership == nil {
		return corrupt(TypePartition, "membership", "missing membership filter")
	}
	filter, err := p.Membership.MarshalBinary()
	if err != nil {
		return err
	}
	putBytes(buf, filter)

	putUvarint(buf, uint64(p.Count))
	putFamilyConfig(buf, p.Families)
	putBytes(buf, p.FirstKey)
	putBytes(buf, p.LastKey)
	return nil
}

func decodePartition(r *reader) (Node, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	p := &PartitionNode{Tablets: make(map[string]Ref, n)}
	for i := uint64(0); i < n; i++ {
		fam, err := r.string()
		if err != nil {
			return nil, err
		}
		ref, err := r.ref()
		if err != nil {
			return nil, err
		}
		p.Tablets[fam] = ref
	}

	filterBytes, err := r.bytes()
	if err != nil {
		return nil, err
	}
	p.Membership = &bloom.Filter{}
	if err := p.Membership.UnmarshalBinary(filterBytes); err != nil {
		return nil, corrupt(TypePartition, "membership", err.Error())
	}

	count, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	p.Count = int64(count)

	if p.Families, err = r.familyConfig(); err != nil {
		return nil, err
	}
	first, err := r.bytes()
	if err != nil {
		return nil, err
	}
	last, err := r.bytes()
	if err != nil {
		return nil, err
	}
	p.FirstKey, p.LastKey = key.Key(first), key.Key(last)
	return p, nil
}

func encodeIndex(buf *bytes.Buffer, n *IndexNode) error {
	putUvarint(buf, uint64(n.Height))
	putUvarint(buf, uint64(n.Count))
	putUvarint(buf, uint64(len(n.Keys)))
	for _, k := range n.Keys {
		putBytes(buf, k)
	}
	putUvarint(buf, uint64(len(n.Children)))
	for _, c := range n.Children {
		putRef(buf, c)
	}
	return nil
}

func decodeIndex(r *reader) (Node, error) {
	height, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	count, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	nkeys, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	n := &IndexNode{
		Height: int(height),
		Count:  int64(count),
		Keys:   make([]key.Key, 0, nkeys),
	}
	for i := uint64(0); i < nkeys; i++ {
		k, err := r.bytes()
		if err != nil {
			return nil, err
		}
		n.Keys = append(n.Keys, key.Key(k))
	}
	nchildren, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	n.Children = make([]Ref, 0, nchildren)
	for i := uint64(0); i < nchildren; i++ {
		ref, err := r.ref()
		if err != nil {
			return nil, err
		}
		n.Children = append(n.Children, ref)
	}
	return n, nil
}

// Field values are encoded with a one-byte type tag. The supported value
// universe is nil, bool, int64, float64, string, []byte and time.Time;
// narrower integer types are widened to int64 on encode.
const (
	valNil    = 0
	valFalse  = 1
	valTrue   = 2
	valInt    = 3
	valFloat  = 4
	valString = 5
	valBytes  = 6
	valTime   = 7
)

func putFieldMap(buf *bytes.Buffer, m record.FieldMap) error {
	names := m.SortedFields()
	putUvarint(buf, uint64(len(names)))
	for _, name := range names {
		putString(buf, name)
		if err := putValue(buf, m[name]); err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
	}
	return nil
}

func (r *reader) fieldMap() (record.FieldMap, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	m := make(record.FieldMap, n)
	for i := uint64(0); i < n; i++ {
		name, err := r.string()
		if err != nil {
			return nil, err
		}
		v, err := r.value()
		if err != nil {
			return nil, err
		}
		m[name] = v
	}
	return m, nil
}

func putValue(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteByte(valNil)
	case bool:
		if x {
			buf.WriteByte(valTrue)
		} else {
			buf.WriteByte(valFalse)
		}
	case int64:
		buf.WriteByte(valInt)
		putVarint(buf, x)
	case int:
		buf.WriteByte(valInt)
		putVarint(buf, int64(x))
	case int32:
		buf.WriteByte(valInt)
		putVarint(buf, int64(x))
	case int16:
		buf.WriteByte(valInt)
		putVarint(buf, int64(x))
	case int8:
		buf.WriteByte(valInt)
		putVarint(buf, int64(x))
	case float64:
		buf.WriteByte(valFloat)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(x))
		buf.Write(b[:])
	case string:
		buf.WriteByte(valString)
		putString(buf, x)
	case []byte:
		buf.WriteByte(valBytes)
		putBytes(buf, x)
	case time.Time:
		buf.WriteByte(valTime)
		putVarint(buf, x.UnixMilli())
	default:
		return fmt.Errorf("node: unsupported field value type %T", v)
	}
	return nil
}

func (r *reader) value() (any, error) {
	tag, err := r.byte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case valNil:
		return nil, nil
	case valFalse:
		return false, nil
	case valTrue:
		return true, nil
	case valInt:
		return r.varint()
	case valFloat:
		b, err := r.take(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	case valString:
		return r.string()
	case valBytes:
		return r.bytes()
	case valTime:
		ms, err := r.varint()
		if err != nil {
			return nil, err
		}
		return time.UnixMilli(ms).UTC(), nil
	default:
		return nil, corrupt(0, "field-value", fmt.Sprintf("unknown value tag %d", tag))
	}
}

func putFamilyConfig(buf *bytes.Buffer, config map[string][]string) {
	families := make([]string, 0, len(config))
	for fam := range config {
		families = append(families, fam)
	}
	slices.Sort(families)
	putUvarint(buf, uint64(len(families)))
	for _, fam := range families {
		putString(buf, fam)
		fields := slices.Clone(config[fam])
		slices.Sort(fields)
		putUvarint(buf, uint64(len(fields)))
		for _, f := range fields {
			putString(buf, f)
		}
	}
}

func (r *reader) familyConfig() (map[string][]string, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	config := make(map[string][]string, n)
	for i := uint64(0); i < n; i++ {
		fam, err := r.string()
		if err != nil {
			return nil, err
		}
		nf, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		fields := make([]string, 0, nf)
		for j := uint64(0); j < nf; j++ {
			f, err := r.string()
			if err != nil {
				return nil, err
			}
			fields = append(fields, f)
		}
		config[fam] = fields
	}
	return config, nil
}

func putRef(buf *bytes.Buffer, ref Ref) {
	putString(buf, ref.Name)
	buf.Write(ref.Digest[:])
	putUvarint(buf, uint64(ref.Size))
}

func (r *reader) ref() (Ref, error) {
	name, err := r.string()
	if err != nil {
		return Ref{}, err
	}
	d, err := r.take(DigestSize)
	if err != nil {
		return Ref{}, err
	}
	size, err := r.uvarint()
	if err != nil {
		return Ref{}, err
	}
	ref := Ref{Name: name, Size: int64(size)}
	copy(ref.Digest[:], d)
	return ref, nil
}

func putUvarint(buf *bytes.Buffer, v uint64) {
	var b [binary.MaxVarintLen64]byte
	buf.Write(b[:binary.PutUvarint(b[:], v)])
}

func putVarint(buf *bytes.Buffer, v int64) {
	var b [binary.MaxVarintLen64]byte
	buf.Write(b[:binary.PutVarint(b[:], v)])
}

func putBytes(buf *bytes.Buffer, b []byte) {
	putUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

func putString(buf *bytes.Buffer, s string) {
	putUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

// reader is a cursor over an encoded node body.
type reader struct {
	buf []byte
}

var errTruncated = corrupt(0, "body", "truncated node body")

func (r *reader) len() int { return len(r.buf) }

func (r *reader) byte() (byte, error) {
	if len(r.buf) < 1 {
		return 0, errTruncated
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b, nil
}

func (r *reader) take(n int) ([]byte, error) {
	if len(r.buf) < n {
		return nil, errTruncated
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b, nil
}

func (r *reader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		return 0, errTruncated
	}
	r.buf = r.buf[n:]
	return v, nil
}

func (r *reader) varint() (int64, error) {
	v, n := binary.Varint(r.buf)
	if n <= 0 {
		return 0, errTruncated
	}
	r.buf = r.buf[n:]
	return v, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	return r.take(int(n))
}

func (r *reader) string() (string, error) {
	b, err := r.bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
