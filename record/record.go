// Package record defines the logical data model: records pairing a key with
// a map of named fields, and the column families that cluster fields into
// tablets.
package record

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/hupe1980/merkledb/key"
)

// BaseFamily is the implicit family receiving every field not claimed by a
// configured family. The name is reserved.
const BaseFamily = "base"

var (
	// ErrReservedFamily is returned when a configuration names the base
	// family explicitly.
	ErrReservedFamily = errors.New("record: family name \"base\" is reserved")

	// ErrOverlappingFamilies is returned when two families claim the same
	// field.
	ErrOverlappingFamilies = errors.New("record: families must claim disjoint field sets")
)

// FieldMap maps field names to values. The empty map is a legal record
// payload: presence with no fields.
type FieldMap map[string]any

// Clone returns a shallow copy of m.
func (m FieldMap) Clone() FieldMap {
	if m == nil {
		return nil
	}
	return FieldMap(maps.Clone(m))
}

// Project returns the subset of m restricted to the given field names.
// A nil fields slice means no projection: m itself is returned.
func (m FieldMap) Project(fields []string) FieldMap {
	if fields == nil {
		return m
	}
	out := make(FieldMap, len(fields))
	for _, f := range fields {
		if v, ok := m[f]; ok {
			out[f] = v
		}
	}
	return out
}

// SortedFields returns the field names of m in ascending order. This is the
// canonical ordering used wherever field maps are serialized.
func (m FieldMap) SortedFields() []string {
	names := make([]string, 0, len(m))
	for f := range m {
		names = append(names, f)
	}
	slices.Sort(names)
	return names
}

// Record is a key with its full field map.
type Record struct {
	Key    key.Key
	Fields FieldMap
}

// Families assigns field names to named column families. Every field
// belongs to at most one family; unclaimed fields belong to the implicit
// base family.
type Families struct {
	claims map[string][]string // family name -> sorted field names
	owner  map[string]string   // field name -> family name
}

// NewFamilies validates and builds a family configuration. The base family
// must not be named; field sets must be disjoint.
func NewFamilies(config map[string][]string) (Families, error) {
	claims := make(map[string][]string, len(config))
	owner := make(map[string]string)
	for fam, fields := range config {
		if fam == BaseFamily {
			return Families{}, ErrReservedFamily
		}
		sorted := slices.Clone(fields)
		slices.Sort(sorted)
		sorted = slices.Compact(sorted)
		for _, f := range sorted {
			if prev, ok := owner[f]; ok {
				return Families{}, fmt.Errorf("%w: field %q claimed by %q and %q", ErrOverlappingFamilies, f, prev, fam)
			}
			owner[f] = fam
		}
		claims[fam] = sorted
	}
	return Families{claims: claims, owner: owner}, nil
}

// MustFamilies is NewFamilies for static configurations; it panics on
// invalid input.
func MustFamilies(config map[string][]string) Families {
	f, err := NewFamilies(config)
	if err != nil {
		panic(err)
	}
	return f
}

// Names returns all family names including base, sorted, base first.
func (f Families) Names() []string {
	names := make([]string, 0, len(f.claims)+1)
	for fam := range f.claims {
		names = append(names, fam)
	}
	slices.Sort(names)
	return append([]string{BaseFamily}, names...)
}

// Fields returns the sorted fields claimed by the named family, or nil for
// base and unknown families.
func (f Families) Fields(family string) []string {
	return f.claims[family]
}

// Of returns the family owning the given field (base if unclaimed).
func (f Families) Of(field string) string {
	if fam, ok := f.owner[field]; ok {
		return fam
	}
	return BaseFamily
}

// Split projects a field map onto each family. Every family in the
// configuration appears in the result; base receives all unclaimed fields
// and is always present, preserving empty maps as presence markers.
func (f Families) Split(m FieldMap) map[string]FieldMap {
	out := make(map[string]FieldMap, len(f.claims)+1)
	out[BaseFamily] = FieldMap{}
	for fam := range f.claims {
		out[fam] = FieldMap{}
	}
	for field, v := range m {
		out[f.Of(field)][field] = v
	}
	return out
}

// Covering returns the minimal set of families needed to satisfy the
// requested fields. A nil request means every family. Base is included
// whenever any requested field is unclaimed by a configured family.
func (f Families) Covering(fields []string) []string {
	if fields == nil {
		return f.Names()
	}
	seen := make(map[string]struct{})
	var out []string
	for _, field := range fields {
		fam := f.Of(field)
		if _, ok := seen[fam]; !ok {
			seen[fam] = struct{}{}
			out = append(out, fam)
		}
	}
	slices.Sort(out)
	return out
}

// Config returns the family configuration as a plain map with sorted field
// slices, suitable for serialization. Base is omitted.
func (f Families) Config() map[string][]string {
	out := make(map[string][]string, len(f.claims))
	for fam, fields := range f.claims {
		out[fam] = slices.Clone(fields)
	}
	return out
}
