package partition

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/merkledb/blobstore"
	"github.com/hupe1980/merkledb/key"
	"github.com/hupe1980/merkledb/node"
	"github.com/hupe1980/merkledb/patch"
	"github.com/hupe1980/merkledb/record"
)

func testStore() node.Store {
	return node.NewStore(blobstore.NewMemoryStore())
}

func testParams(limit int) Params {
	return Params{
		Limit: limit,
		Families: record.MustFamilies(map[string][]string{
			"stats": {"count"},
		}),
	}
}

func put(i int) patch.Entry {
	k := key.Key(fmt.Sprintf("k%04d", i))
	return patch.Put(k, record.FieldMap{"name": fmt.Sprintf("n%d", i), "count": int64(i)})
}

func puts(n int) []patch.Entry {
	out := make([]patch.Entry, n)
	for i := range out {
		out[i] = put(i)
	}
	return out
}

func records(entries []patch.Entry) Stream {
	return patch.RemoveTombstones(patch.FromSlice(entries))
}

func collect(t *testing.T, s Stream) []record.Record {
	t.Helper()
	var out []record.Record
	for r, err := range s {
		require.NoError(t, err)
		out = append(out, r)
	}
	return out
}

func TestFromRecords_Basic(t *testing.T) {
	ctx := context.Background()
	store := testStore()

	part, err := FromRecords(ctx, store, testParams(10), puts(5))
	require.NoError(t, err)

	p := part.Node
	assert.Equal(t, int64(5), p.Count)
	assert.Equal(t, key.Key("k0000"), p.FirstKey)
	assert.Equal(t, key.Key("k0004"), p.LastKey)
	assert.Contains(t, p.Tablets, record.BaseFamily)
	assert.Contains(t, p.Tablets, "stats")
	for i := 0; i < 5; i++ {
		assert.True(t, p.Membership.Contains(key.Key(fmt.Sprintf("k%04d", i))))
	}

	got := collect(t, ReadAll(ctx, store, p, nil))
	require.Len(t, got, 5)
	for i, r := range got {
		assert.Equal(t, record.FieldMap{"name": fmt.Sprintf("n%d", i), "count": int64(i)}, r.Fields)
	}
}

func TestFromRecords_DropsTombstones(t *testing.T) {
	ctx := context.Background()
	entries := []patch.Entry{
		put(0),
		patch.Delete(key.Key("k0000x")),
		put(1),
	}
	part, err := FromRecords(ctx, testStore(), testParams(10), entries)
	require.NoError(t, err)
	assert.Equal(t, int64(2), part.Node.Count)
}

func TestFromRecords_Overflow(t *testing.T) {
	_, err := FromRecords(context.Background(), testStore(), testParams(4), puts(5))
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestFromRecords_RejectsUnordered(t *testing.T) {
	entries := []patch.Entry{put(2), put(1)}
	_, err := FromRecords(context.Background(), testStore(), testParams(10), entries)
	assert.ErrorIs(t, err, ErrUnordered)
}

func TestFromRecords_EmptyFieldMapKeepsPresence(t *testing.T) {
	ctx := context.Background()
	store := testStore()
	entries := []patch.Entry{patch.Put(key.Key("only"), record.FieldMap{})}

	part, err := FromRecords(ctx, store, testParams(10), entries)
	require.NoError(t, err)

	got := collect(t, ReadAll(ctx, store, part.Node, nil))
	require.Len(t, got, 1)
	assert.Equal(t, record.FieldMap{}, got[0].Fields)

	// No stats fields anywhere, so the stats tablet is pruned away.
	assert.NotContains(t, part.Node.Tablets, "stats")
}

func TestReadBatch_UsesMembership(t *testing.T) {
	ctx := context.Background()
	store := testStore()
	part, err := FromRecords(ctx, store, testParams(10), puts(5))
	require.NoError(t, err)

	got := collect(t, ReadBatch(ctx, store, part.Node, []key.Key{
		key.Key("k0003"), key.Key("k0001"), key.Key("zz-absent"),
	}, nil))
	require.Len(t, got, 2)
	assert.Equal(t, key.Key("k0001"), got[0].Key)
	assert.Equal(t, key.Key("k0003"), got[1].Key)
}

func TestReadAll_FieldSelection(t *testing.T) {
	ctx := context.Background()
	store := testStore()
	part, err := FromRecords(ctx, store, testParams(10), puts(3))
	require.NoError(t, err)

	// Fields covered entirely by the stats family: base is not needed.
	got := collect(t, ReadAll(ctx, store, part.Node, []string{"count"}))
	require.Len(t, got, 3)
	for i, r := range got {
		assert.Equal(t, record.FieldMap{"count": int64(i)}, r.Fields)
	}
}

func TestReadRange(t *testing.T) {
	ctx := context.Background()
	store := testStore()
	part, err := FromRecords(ctx, store, testParams(10), puts(6))
	require.NoError(t, err)

	got := collect(t, ReadRange(ctx, store, part.Node, key.Key("k0002"), key.Key("k0004"), nil))
	require.Len(t, got, 3)
	assert.Equal(t, key.Key("k0002"), got[0].Key)
	assert.Equal(t, key.Key("k0004"), got[2].Key)
}

func TestPartitionRecords_Bounds(t *testing.T) {
	ctx := context.Background()
	store := testStore()
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 25; trial++ {
		limit := 2 + rng.Intn(63)
		count := rng.Intn(6 * limit)
		params := testParams(limit)

		parts, err := PartitionRecords(ctx, store, params, records(puts(count)))
		require.NoError(t, err)

		if count == 0 {
			assert.Empty(t, parts)
			continue
		}

		total := int64(0)
		for i, part := range parts {
			p := part.Node
			total += p.Count
			assert.LessOrEqual(t, p.Count, int64(limit), "limit=%d count=%d", limit, count)
			assert.LessOrEqual(t, key.Compare(p.FirstKey, p.LastKey), 0)
			if len(parts) > 1 {
				assert.GreaterOrEqual(t, p.Count, int64(params.MinFill()),
					"partition %d of %d (limit=%d count=%d)", i, len(parts), limit, count)
			}
			if i > 0 {
				assert.True(t, key.Before(parts[i-1].Node.LastKey, p.FirstKey),
					"partitions must not overlap and must ascend")
			}
		}
		assert.Equal(t, int64(count), total)
	}
}

func TestPartitionRecords_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := testStore()
	params := testParams(4)

	parts, err := PartitionRecords(ctx, store, params, records(puts(11)))
	require.NoError(t, err)

	var got []record.Record
	for _, part := range parts {
		got = append(got, collect(t, ReadAll(ctx, store, part.Node, nil))...)
	}
	require.Len(t, got, 11)
	for i, r := range got {
		assert.Equal(t, key.Key(fmt.Sprintf("k%04d", i)), r.Key)
		assert.Equal(t, record.FieldMap{"name": fmt.Sprintf("n%d", i), "count": int64(i)}, r.Fields)
	}
}
