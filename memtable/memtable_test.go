package memtable

import (
	"fmt"
	"testing"

	"github.com/INLOpen/regionstore/batch"
	"github.com/INLOpen/regionstore/core"
	"github.com/INLOpen/regionstore/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMetadata(t *testing.T) *metadata.RegionMetadata {
	t.Helper()
	meta, err := metadata.NewBuilder("cpu").
		TimestampColumn("ts").
		PushValueColumn("v0", core.TypeInt64, true).
		Build()
	require.NoError(t, err)
	return meta
}

func put(t *testing.T, m Memtable, seq core.SequenceNumber, ts []int64, v0 []core.Value) {
	t.Helper()
	b := batch.NewBuilder(m.Metadata())
	require.NoError(t, b.Put(map[string]core.Vector{
		"ts": core.TimestampVector(ts...),
		"v0": core.NewVector(core.TypeInt64, v0...),
	}))
	muts := b.Build().Mutations()
	require.Len(t, muts, 1)
	require.NoError(t, m.Write(seq, &muts[0]))
}

func del(t *testing.T, m Memtable, seq core.SequenceNumber, ts ...int64) {
	t.Helper()
	b := batch.NewBuilder(m.Metadata())
	require.NoError(t, b.Delete(map[string]core.Vector{"ts": core.TimestampVector(ts...)}))
	muts := b.Build().Mutations()
	require.NoError(t, m.Write(seq, &muts[0]))
}

type scanned struct {
	ts  int64
	v0  core.Value
	seq core.SequenceNumber
	op  core.OpType
}

func scan(t *testing.T, m Memtable, opts IterOptions) []scanned {
	t.Helper()
	it, err := m.Iter(opts)
	require.NoError(t, err)
	defer it.Close()
	var out []scanned
	for it.Next() {
		r := it.Row()
		ts, _ := r.Values[0].Int64()
		out = append(out, scanned{ts: ts, v0: r.Values[1], seq: r.Sequence, op: r.Op})
	}
	require.NoError(t, it.Err())
	return out
}

func all() IterOptions { return IterOptions{SequenceCeiling: core.MaxSequenceNumber} }

func TestMemtable_PutAndScan(t *testing.T) {
	m := NewSkiplistMemtable(0, testMetadata(t))
	put(t, m, 1, []int64{1, 0}, []core.Value{core.Int64Value(5), core.NullValue()})

	rows := scan(t, m, all())
	require.Len(t, rows, 2)
	assert.Equal(t, int64(0), rows[0].ts)
	assert.True(t, rows[0].v0.IsNull())
	assert.Equal(t, int64(1), rows[1].ts)
	assert.Equal(t, core.Int64Value(5), rows[1].v0)

	assert.Equal(t, int64(2), m.NumRows())
	assert.Equal(t, core.SequenceNumber(1), m.MaxSequence())
	min, max, ok := m.TimeRange()
	require.True(t, ok)
	assert.Equal(t, int64(0), min)
	assert.Equal(t, int64(1), max)
	assert.Positive(t, m.BytesAllocated())
}

func TestMemtable_DeleteHidesOlderPut(t *testing.T) {
	m := NewSkiplistMemtable(0, testMetadata(t))
	put(t, m, 1, []int64{0, 1}, []core.Value{core.NullValue(), core.Int64Value(5)})
	del(t, m, 2, 0)

	rows := scan(t, m, all())
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].ts)

	t.Run("keep tombstones", func(t *testing.T) {
		opts := all()
		opts.KeepTombstones = true
		rows := scan(t, m, opts)
		require.Len(t, rows, 2)
		assert.Equal(t, core.OpDelete, rows[0].op)
		assert.Equal(t, core.SequenceNumber(2), rows[0].seq)
	})
}

func TestMemtable_SequenceCeiling(t *testing.T) {
	m := NewSkiplistMemtable(0, testMetadata(t))
	put(t, m, 3, []int64{7}, []core.Value{core.Int64Value(30)})
	put(t, m, 5, []int64{7}, []core.Value{core.Int64Value(50)})

	testCases := []struct {
		name    string
		ceiling core.SequenceNumber
		want    []int64
	}{
		{"below every version", 2, nil},
		{"exactly the older version", 3, []int64{30}},
		{"between versions", 4, []int64{30}},
		{"exactly the newer version", 5, []int64{50}},
		{"unbounded", core.MaxSequenceNumber, []int64{50}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rows := scan(t, m, IterOptions{SequenceCeiling: tc.ceiling})
			var got []int64
			for _, r := range rows {
				v, _ := r.v0.Int64()
				got = append(got, v)
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMemtable_TimeRangeAndProjection(t *testing.T) {
	m := NewSkiplistMemtable(0, testMetadata(t))
	put(t, m, 1, []int64{1, 2, 3, 4}, []core.Value{core.Int64Value(1), core.Int64Value(2), core.Int64Value(3), core.Int64Value(4)})

	opts := all()
	opts.TimeRange = &core.TimeRange{Start: 2, End: 4}
	rows := scan(t, m, opts)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(2), rows[0].ts)
	assert.Equal(t, int64(3), rows[1].ts)

	it, err := m.Iter(IterOptions{SequenceCeiling: core.MaxSequenceNumber, Columns: []string{"v0", "missing"}})
	require.NoError(t, err)
	defer it.Close()
	require.True(t, it.Next())
	require.Len(t, it.Row().Values, 2)
	assert.Equal(t, core.Int64Value(1), it.Row().Values[0])
	assert.True(t, it.Row().Values[1].IsNull(), "columns the memtable does not know read as null")
}

func TestMemtable_BatchedIterationSeesEveryKeyOnce(t *testing.T) {
	m := NewSkiplistMemtable(0, testMetadata(t))
	const n = 100
	for seq := 1; seq <= 3; seq++ {
		ts := make([]int64, n)
		vs := make([]core.Value, n)
		for i := range ts {
			ts[i] = int64(i)
			vs[i] = core.Int64Value(int64(seq))
		}
		put(t, m, core.SequenceNumber(seq), ts, vs)
	}

	for _, size := range []int{1, 7, n, 1000} {
		t.Run(fmt.Sprintf("batch_%d", size), func(t *testing.T) {
			rows := scan(t, m, IterOptions{SequenceCeiling: core.MaxSequenceNumber, BatchSize: size})
			require.Len(t, rows, n)
			for i, r := range rows {
				assert.Equal(t, int64(i), r.ts)
				assert.Equal(t, core.SequenceNumber(3), r.seq)
			}
		})
	}
}

func TestMemtable_IteratorSurvivesConcurrentWrites(t *testing.T) {
	m := NewSkiplistMemtable(0, testMetadata(t))
	put(t, m, 1, []int64{0, 10, 20}, []core.Value{core.Int64Value(0), core.Int64Value(10), core.Int64Value(20)})

	it, err := m.Iter(IterOptions{SequenceCeiling: 1, BatchSize: 1})
	require.NoError(t, err)
	defer it.Close()
	require.True(t, it.Next())

	// writes landing after the iterator was created stay invisible to it
	put(t, m, 2, []int64{5, 15}, []core.Value{core.Int64Value(5), core.Int64Value(15)})

	var seen []int64
	for it.Next() {
		ts, _ := it.Row().Values[0].Int64()
		seen = append(seen, ts)
	}
	assert.Equal(t, []int64{10, 20}, seen)
}

func TestMemtable_Freeze(t *testing.T) {
	m := DefaultBuilder{}.Build(4, testMetadata(t))
	assert.Equal(t, uint32(4), m.ID())
	put(t, m, 1, []int64{0}, []core.Value{core.Int64Value(1)})
	m.Freeze()
	assert.True(t, m.IsFrozen())

	b := batch.NewBuilder(m.Metadata())
	require.NoError(t, b.Put(map[string]core.Vector{"ts": core.TimestampVector(1)}))
	muts := b.Build().Mutations()
	assert.ErrorIs(t, m.Write(2, &muts[0]), core.ErrMemtableFrozen)

	assert.Len(t, scan(t, m, all()), 1, "frozen memtables stay readable")
}

func TestMemtable_RewritingSameSequenceIsIdempotent(t *testing.T) {
	m := NewSkiplistMemtable(0, testMetadata(t))
	put(t, m, 1, []int64{0, 1}, []core.Value{core.Int64Value(1), core.Int64Value(2)})
	size := m.BytesAllocated()

	// replaying the same WAL entry twice must not duplicate rows
	put(t, m, 1, []int64{0, 1}, []core.Value{core.Int64Value(1), core.Int64Value(2)})
	assert.Equal(t, int64(2), m.NumRows())
	assert.Equal(t, size, m.BytesAllocated())
	assert.Len(t, scan(t, m, all()), 2)
}

func TestMemtable_WriteFromOlderSchema(t *testing.T) {
	old := testMetadata(t)
	altered, err := old.Alter(metadata.AlterRequest{
		AddColumns: []metadata.ColumnSchema{{Name: "v1", Type: core.TypeFloat64, Nullable: true}},
	})
	require.NoError(t, err)

	b := batch.NewBuilder(old)
	require.NoError(t, b.Put(map[string]core.Vector{"ts": core.TimestampVector(9), "v0": core.Int64Vector(3)}))
	muts := b.Build().Mutations()

	m := NewSkiplistMemtable(0, altered)
	require.NoError(t, m.Write(1, &muts[0]))

	it, err := m.Iter(all())
	require.NoError(t, err)
	defer it.Close()
	require.True(t, it.Next())
	values := it.Row().Values
	require.Len(t, values, 3)
	assert.Equal(t, core.Int64Value(3), values[1])
	assert.True(t, values[2].IsNull())
}
