// Package bloom implements the probabilistic membership filter attached to
// every partition.
//
// A Bloom filter can say definitively that a key is NOT in a partition, but
// may report false positives for keys that are. Point lookups use it as a
// fast negative check before loading tablets; it is never authoritative.
package bloom

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrCorrupt indicates serialized filter data that fails validation.
	ErrCorrupt = errors.New("bloom: corrupt filter data")

	// ErrShapeMismatch is returned by Merge when the two filters do not
	// share the same bit count and hash count.
	ErrShapeMismatch = errors.New("bloom: filters have different shapes")
)

// Filter is a fixed-size Bloom filter with k hash functions over an m-bit
// array. Both m and k are derived from the expected element count and the
// target false-positive rate at construction time.
type Filter struct {
	bits []uint64
	m    uint64 // total bits
	k    uint32 // hash functions
}

// DefaultFalsePositiveRate is used when the caller passes a rate <= 0.
const DefaultFalsePositiveRate = 0.01

// shape computes the optimal (m, k) for the expected element count and
// false-positive rate: m = -n*ln(p)/ln(2)^2, k = (m/n)*ln(2). Bits are
// rounded up to a whole number of 64-bit words.
func shape(expected int, fpRate float64) (m uint64, k uint32) {
	if expected <= 0 {
		expected = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = DefaultFalsePositiveRate
	}

	bits := float64(-expected) * math.Log(fpRate) / (math.Ln2 * math.Ln2)
	m = ((uint64(bits) + 63) / 64) * 64
	if m < 64 {
		m = 64
	}

	k = uint32(math.Ceil(bits / float64(expected) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 16 {
		k = 16
	}
	return m, k
}

// New creates a filter sized for the expected number of elements at the
// given false-positive rate (pass 0 for the 1% default).
func New(expected int, fpRate float64) *Filter {
	m, k := shape(expected, fpRate)
	return &Filter{
		bits: make([]uint64, m/64),
		m:    m,
		k:    k,
	}
}

// Insert adds x to the filter. After Insert(x), Contains(x) always reports
// true.
func (f *Filter) Insert(x []byte) {
	h1, h2 := hash(x)
	for i := uint32(0); i < f.k; i++ {
		bit := (h1 + uint64(i)*h2) % f.m
		f.bits[bit/64] |= 1 << (bit % 64)
	}
}

// Contains reports whether x might be in the set. False means definitely
// absent; true means probably present.
func (f *Filter) Contains(x []byte) bool {
	h1, h2 := hash(x)
	for i := uint32(0); i < f.k; i++ {
		bit := (h1 + uint64(i)*h2) % f.m
		if f.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// Merge returns the union of f and other as a new filter. Both filters must
// share the same (m, k) shape.
func (f *Filter) Merge(other *Filter) (*Filter, error) {
	if f.m != other.m || f.k != other.k {
		return nil, fmt.Errorf("%w: (%d,%d) vs (%d,%d)", ErrShapeMismatch, f.m, f.k, other.m, other.k)
	}
	out := &Filter{
		bits: make([]uint64, len(f.bits)),
		m:    f.m,
		k:    f.k,
	}
	for i := range f.bits {
		out.bits[i] = f.bits[i] | other.bits[i]
	}
	return out, nil
}

// Bits returns the total bit count m.
func (f *Filter) Bits() uint64 { return f.m }

// Hashes returns the hash function count k.
func (f *Filter) Hashes() uint32 { return f.k }

// MarshalBinary serializes the filter as (m, k, packed words).
func (f *Filter) MarshalBinary() ([]byte, error) {
	out := make([]byte, 12+len(f.bits)*8)
	binary.BigEndian.PutUint64(out[0:8], f.m)
	binary.BigEndian.PutUint32(out[8:12], f.k)
	for i, word := range f.bits {
		binary.BigEndian.PutUint64(out[12+i*8:], word)
	}
	return out, nil
}

// UnmarshalBinary restores a filter serialized by MarshalBinary.
func (f *Filter) UnmarshalBinary(data []byte) error {
	if len(data) < 12 {
		return fmt.Errorf("%w: %d bytes is too short", ErrCorrupt, len(data))
	}
	m := binary.BigEndian.Uint64(data[0:8])
	k := binary.BigEndian.Uint32(data[8:12])
	if m < 64 || m%64 != 0 {
		return fmt.Errorf("%w: bit count %d", ErrCorrupt, m)
	}
	if k < 1 || k > 16 {
		return fmt.Errorf("%w: hash count %d", ErrCorrupt, k)
	}
	words := int(m / 64)
	if len(data) != 12+words*8 {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrCorrupt, 12+words*8, len(data))
	}
	bits := make([]uint64, words)
	for i := range bits {
		bits[i] = binary.BigEndian.Uint64(data[12+i*8:])
	}
	f.bits = bits
	f.m = m
	f.k = k
	return nil
}

// hash computes two independent 64-bit hashes for double hashing,
// h(i) = h1 + i*h2. FNV-1a with a second seeded, reversed pass.
func hash(b []byte) (h1, h2 uint64) {
	const (
		fnvOffset = 14695981039346656037
		fnvPrime  = 1099511628211
	)

	h1 = fnvOffset
	for i := 0; i < len(b); i++ {
		h1 ^= uint64(b[i])
		h1 *= fnvPrime
	}

	h2 = fnvOffset ^ 0x5555555555555555
	for i := len(b) - 1; i >= 0; i-- {
		h2 ^= uint64(b[i])
		h2 *= fnvPrime
	}
	h2 |= 1

	return h1, h2
}
