package tree

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/merkledb/blobstore"
	"github.com/hupe1980/merkledb/key"
	"github.com/hupe1980/merkledb/lexicoder"
	"github.com/hupe1980/merkledb/node"
	"github.com/hupe1980/merkledb/partition"
	"github.com/hupe1980/merkledb/patch"
	"github.com/hupe1980/merkledb/record"
)

func testStore() node.Store {
	return node.NewStore(blobstore.NewMemoryStore())
}

func testParams(limit, branching int) Params {
	return Params{
		Params:    partition.Params{Limit: limit},
		Branching: branching,
	}
}

func longKey(t *testing.T, n int64) key.Key {
	t.Helper()
	b, err := lexicoder.Long().Encode(n)
	require.NoError(t, err)
	return key.Key(b)
}

func putLong(t *testing.T, n int64, fields record.FieldMap) patch.Entry {
	return patch.Put(longKey(t, n), fields)
}

func sortChanges(changes []patch.Entry) []patch.Entry {
	sort.Slice(changes, func(i, j int) bool {
		return key.Before(changes[i].Key, changes[j].Key)
	})
	return changes
}

func scanAll(t *testing.T, store node.Store, root node.Digest) []record.Record {
	t.Helper()
	var out []record.Record
	for r, err := range Scan(context.Background(), store, root, nil) {
		require.NoError(t, err)
		out = append(out, r)
	}
	return out
}

// checkInvariants walks the stored tree and asserts every structural
// invariant of a reachable tree: branching bounds, partition fill bounds,
// split keys matching right-subtree first keys, consistent counts, and
// globally ascending non-overlapping partitions.
func checkInvariants(t *testing.T, store node.Store, root node.Digest, params Params) {
	t.Helper()
	if root.IsZero() {
		return
	}
	ctx := context.Background()
	n, err := store.Get(ctx, root)
	require.NoError(t, err)

	var (
		lastKey key.Key
		walk    func(n node.Node, isRoot bool, height int) (key.Key, int64)
	)
	walk = func(n node.Node, isRoot bool, height int) (key.Key, int64) {
		switch v := n.(type) {
		case *node.PartitionNode:
			require.Equal(t, 0, height, "partition at nonzero height")
			assert.LessOrEqual(t, v.Count, int64(params.Limit))
			if !isRoot {
				assert.GreaterOrEqual(t, v.Count, int64(params.MinFill()),
					"non-root partition below half fill")
			}
			assert.LessOrEqual(t, key.Compare(v.FirstKey, v.LastKey), 0)
			if lastKey != nil {
				assert.True(t, key.Before(lastKey, v.FirstKey),
					"partitions must ascend without overlap")
			}
			lastKey = v.LastKey
			return v.FirstKey, v.Count
		case *node.IndexNode:
			if height > 0 {
				require.Equal(t, height, v.Height)
			}
			assert.LessOrEqual(t, len(v.Children), params.Branching)
			if isRoot {
				assert.GreaterOrEqual(t, len(v.Children), 2, "root must have at least 2 children")
			} else {
				assert.GreaterOrEqual(t, len(v.Children), params.minBranch(),
					"non-root index node below minimum branching")
			}

			var first key.Key
			var count int64
			for i, childRef := range v.Children {
				child, err := store.Get(ctx, childRef.Digest)
				require.NoError(t, err)
				childFirst, childCount := walk(child, false, v.Height-1)
				assert.Equal(t, childCount, childRef.Size, "child ref size must carry subtree count")
				count += childCount
				if i == 0 {
					first = childFirst
				} else {
					assert.True(t, key.Equal(v.Keys[i-1], childFirst),
						"split key %d must equal first key of right subtree", i-1)
				}
			}
			assert.Equal(t, count, v.Count)
			return first, count
		default:
			t.Fatalf("unexpected node shape %T", n)
			return nil, 0
		}
	}
	if idx, ok := n.(*node.IndexNode); ok {
		walk(idx, true, idx.Height)
	} else {
		walk(n, true, 0)
	}
}

func TestApply_EmptyToSingleRecord(t *testing.T) {
	ctx := context.Background()
	store := testStore()
	params := testParams(partition.DefaultLimit, DefaultBranching)

	k := longKey(t, 1)
	ref, ok, err := Apply(ctx, store, params, node.Digest{}, []patch.Entry{
		patch.Put(k, record.FieldMap{"a": int64(10)}),
	})
	require.NoError(t, err)
	require.True(t, ok)

	p, err := node.GetPartition(ctx, store, ref.Digest)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Count)
	assert.Equal(t, k, p.FirstKey)
	assert.Equal(t, k, p.LastKey)
	assert.True(t, p.Membership.Contains(k))
}

func TestApply_OverflowIntoIndex(t *testing.T) {
	ctx := context.Background()
	store := testStore()
	params := testParams(4, 4)

	var changes []patch.Entry
	for i := int64(1); i <= 10; i++ {
		changes = append(changes, putLong(t, i, record.FieldMap{"n": i}))
	}
	ref, ok, err := Apply(ctx, store, params, node.Digest{}, changes)
	require.NoError(t, err)
	require.True(t, ok)

	idx, err := node.GetIndex(ctx, store, ref.Digest)
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Height)
	assert.Equal(t, int64(10), idx.Count)
	assert.GreaterOrEqual(t, len(idx.Children), 2)
	checkInvariants(t, store, ref.Digest, params)

	got := scanAll(t, store, ref.Digest)
	require.Len(t, got, 10)
	for i, r := range got {
		assert.Equal(t, longKey(t, int64(i+1)), r.Key)
	}
}

func TestApply_TombstoneCollapse(t *testing.T) {
	ctx := context.Background()
	store := testStore()
	params := testParams(4, 4)

	var changes []patch.Entry
	for i := int64(1); i <= 10; i++ {
		changes = append(changes, putLong(t, i, record.FieldMap{"n": i}))
	}
	ref, _, err := Apply(ctx, store, params, node.Digest{}, changes)
	require.NoError(t, err)

	var deletes []patch.Entry
	for i := int64(3); i <= 10; i++ {
		deletes = append(deletes, patch.Delete(longKey(t, i)))
	}
	ref2, ok, err := Apply(ctx, store, params, ref.Digest, deletes)
	require.NoError(t, err)
	require.True(t, ok)

	p, err := node.GetPartition(ctx, store, ref2.Digest)
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.Count)
	assert.Equal(t, longKey(t, 1), p.FirstKey)
	assert.Equal(t, longKey(t, 2), p.LastKey)
}

func TestApply_DeleteEverything(t *testing.T) {
	ctx := context.Background()
	store := testStore()
	params := testParams(4, 4)

	var changes []patch.Entry
	for i := int64(1); i <= 10; i++ {
		changes = append(changes, putLong(t, i, record.FieldMap{}))
	}
	ref, _, err := Apply(ctx, store, params, node.Digest{}, changes)
	require.NoError(t, err)

	var deletes []patch.Entry
	for i := int64(1); i <= 10; i++ {
		deletes = append(deletes, patch.Delete(longKey(t, i)))
	}
	_, ok, err := Apply(ctx, store, params, ref.Digest, deletes)
	require.NoError(t, err)
	assert.False(t, ok, "tree must become empty")
}

func TestApply_RejectsUnsortedChanges(t *testing.T) {
	params := testParams(4, 4)
	_, _, err := Apply(context.Background(), testStore(), params, node.Digest{}, []patch.Entry{
		putLong(t, 2, nil), putLong(t, 1, nil),
	})
	assert.ErrorIs(t, err, patch.ErrUnordered)
}

func TestApply_Deterministic(t *testing.T) {
	params := testParams(8, 4)
	var changes []patch.Entry
	for i := int64(0); i < 100; i++ {
		changes = append(changes, putLong(t, i, record.FieldMap{"v": i * 3}))
	}

	var digests []node.Digest
	for trial := 0; trial < 3; trial++ {
		ref, _, err := Apply(context.Background(), testStore(), params, node.Digest{}, changes)
		require.NoError(t, err)
		digests = append(digests, ref.Digest)
	}
	assert.Equal(t, digests[0], digests[1])
	assert.Equal(t, digests[1], digests[2])
}

func TestGet_PointReads(t *testing.T) {
	ctx := context.Background()
	store := testStore()
	params := testParams(4, 4)

	var changes []patch.Entry
	for i := int64(0); i < 50; i++ {
		changes = append(changes, putLong(t, i, record.FieldMap{"n": i}))
	}
	ref, _, err := Apply(ctx, store, params, node.Digest{}, changes)
	require.NoError(t, err)

	var got []record.Record
	for r, err := range Get(ctx, store, ref.Digest, []key.Key{
		longKey(t, 42), longKey(t, 7), longKey(t, 7), longKey(t, 999),
	}, nil) {
		require.NoError(t, err)
		got = append(got, r)
	}
	require.Len(t, got, 2)
	assert.Equal(t, longKey(t, 7), got[0].Key)
	assert.Equal(t, record.FieldMap{"n": int64(7)}, got[0].Fields)
	assert.Equal(t, longKey(t, 42), got[1].Key)
}

func TestRange_Bounds(t *testing.T) {
	ctx := context.Background()
	store := testStore()
	params := testParams(4, 4)

	var changes []patch.Entry
	for i := int64(0); i < 30; i++ {
		changes = append(changes, putLong(t, i, record.FieldMap{"n": i}))
	}
	ref, _, err := Apply(ctx, store, params, node.Digest{}, changes)
	require.NoError(t, err)

	var got []int64
	for r, err := range Range(ctx, store, ref.Digest, longKey(t, 10), longKey(t, 20), nil) {
		require.NoError(t, err)
		got = append(got, r.Fields["n"].(int64))
	}
	require.Len(t, got, 11)
	assert.Equal(t, int64(10), got[0])
	assert.Equal(t, int64(20), got[10])
}

// TestApply_PropertyRandomOps drives random put/tombstone batches against a
// model map and checks the scan contents and structural invariants after
// every update.
func TestApply_PropertyRandomOps(t *testing.T) {
	ctx := context.Background()

	for trial := 0; trial < 12; trial++ {
		rng := rand.New(rand.NewSource(int64(trial)))
		limit := 2 + rng.Intn(7)
		branching := 4 + rng.Intn(3)
		params := testParams(limit, branching)
		store := testStore()

		model := map[string]int64{}
		root := node.Digest{}

		rounds := 4 + rng.Intn(5)
		for round := 0; round < rounds; round++ {
			picked := map[string]patch.Entry{}
			ops := 1 + rng.Intn(4*limit)
			for op := 0; op < ops; op++ {
				n := int64(rng.Intn(120))
				k := longKey(t, n)
				if rng.Intn(3) == 0 {
					picked[string(k)] = patch.Delete(k)
				} else {
					picked[string(k)] = patch.Put(k, record.FieldMap{"n": n})
				}
			}
			var changes []patch.Entry
			for _, c := range picked {
				changes = append(changes, c)
			}
			sortChanges(changes)

			ref, ok, err := Apply(ctx, store, params, root, changes)
			require.NoError(t, err, "trial %d round %d (L=%d b=%d)", trial, round, limit, branching)

			for _, c := range changes {
				if c.Tombstone {
					delete(model, string(c.Key))
				} else {
					model[string(c.Key)] = c.Fields["n"].(int64)
				}
			}

			if len(model) == 0 {
				assert.False(t, ok, "trial %d round %d: expected empty tree", trial, round)
				root = node.Digest{}
				continue
			}
			require.True(t, ok)
			root = ref.Digest
			assert.Equal(t, int64(len(model)), ref.Size)

			checkInvariants(t, store, root, params)

			got := scanAll(t, store, root)
			require.Len(t, got, len(model), "trial %d round %d", trial, round)
			for i, r := range got {
				if i > 0 {
					assert.True(t, key.Before(got[i-1].Key, r.Key), "scan must ascend")
				}
				want, okKey := model[string(r.Key)]
				require.True(t, okKey, "unexpected key in scan")
				assert.Equal(t, want, r.Fields["n"])
			}
		}
	}
}

// TestApply_ScanMatchesPatchSeq checks that scanning after an update equals
// patching the prior scan.
func TestApply_ScanMatchesPatchSeq(t *testing.T) {
	ctx := context.Background()
	store := testStore()
	params := testParams(4, 4)

	var initial []patch.Entry
	for i := int64(0); i < 40; i += 2 {
		initial = append(initial, putLong(t, i, record.FieldMap{"n": i}))
	}
	ref, _, err := Apply(ctx, store, params, node.Digest{}, initial)
	require.NoError(t, err)

	changes := sortChanges([]patch.Entry{
		putLong(t, 5, record.FieldMap{"n": int64(5)}),
		patch.Delete(longKey(t, 10)),
		putLong(t, 12, record.FieldMap{"n": int64(-12)}),
		patch.Delete(longKey(t, 38)),
	})

	before := scanAll(t, store, ref.Digest)
	ref2, _, err := Apply(ctx, store, params, ref.Digest, changes)
	require.NoError(t, err)
	after := scanAll(t, store, ref2.Digest)

	var want []record.Record
	for r, err := range patch.RemoveTombstones(patch.Seq(changes, patch.FromRecords(recordsStream(before)))) {
		require.NoError(t, err)
		want = append(want, r)
	}
	assert.Equal(t, want, after)

	// The prior root still reads the old contents: snapshot isolation.
	assert.Equal(t, before, scanAll(t, store, ref.Digest))
}

func TestApply_GrowAndShrinkDeep(t *testing.T) {
	ctx := context.Background()
	store := testStore()
	params := testParams(2, 4)

	// Grow a tree of height >= 2, then delete down to almost nothing.
	var changes []patch.Entry
	for i := int64(0); i < 200; i++ {
		changes = append(changes, putLong(t, i, record.FieldMap{"n": i}))
	}
	ref, _, err := Apply(ctx, store, params, node.Digest{}, changes)
	require.NoError(t, err)

	idx, err := node.GetIndex(ctx, store, ref.Digest)
	require.NoError(t, err)
	require.GreaterOrEqual(t, idx.Height, 2, "test needs a deep tree")
	checkInvariants(t, store, ref.Digest, params)

	var deletes []patch.Entry
	for i := int64(0); i < 197; i++ {
		deletes = append(deletes, patch.Delete(longKey(t, i)))
	}
	ref2, ok, err := Apply(ctx, store, params, ref.Digest, deletes)
	require.NoError(t, err)
	require.True(t, ok)
	checkInvariants(t, store, ref2.Digest, params)

	got := scanAll(t, store, ref2.Digest)
	require.Len(t, got, 3)
	assert.Equal(t, longKey(t, 197), got[0].Key)
	assert.Equal(t, longKey(t, 199), got[2].Key)
}

func TestBuildIndexScanRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := testStore()
	params := testParams(3, 4)

	var records []record.Record
	for i := 0; i < 37; i++ {
		records = append(records, record.Record{
			Key:    key.Key(fmt.Sprintf("key-%03d", i)),
			Fields: record.FieldMap{"i": int64(i)},
		})
	}
	parts, err := partition.PartitionRecords(ctx, store, params.Params, recordsStream(records))
	require.NoError(t, err)

	ref, ok, err := finishRoot(ctx, store, params, partitionsResult(parts))
	require.NoError(t, err)
	require.True(t, ok)
	checkInvariants(t, store, ref.Digest, params)

	got := scanAll(t, store, ref.Digest)
	require.Len(t, got, len(records))
	for i, r := range got {
		assert.Equal(t, records[i].Key, r.Key)
		assert.Equal(t, records[i].Fields, r.Fields)
	}
}
