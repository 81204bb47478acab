package sst

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/INLOpen/regionstore/compressors"
	"github.com/INLOpen/regionstore/core"
	"github.com/INLOpen/regionstore/iterator"
	"github.com/INLOpen/regionstore/metadata"
	"github.com/INLOpen/regionstore/objectstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMetadata(t *testing.T) *metadata.RegionMetadata {
	t.Helper()
	meta, err := metadata.NewBuilder("cpu").
		ID(7).
		PushKeyColumn("host", core.TypeString, false).
		TimestampColumn("ts").
		PushValueColumn("usage", core.TypeFloat64, true).
		Build()
	require.NoError(t, err)
	return meta
}

func makeRow(host string, ts int64, seq core.SequenceNumber, op core.OpType, usage core.Value) core.Row {
	hostV := core.StringValue(host)
	tsV := core.TimestampValue(ts)
	return core.Row{
		Key:      core.EncodeKey(nil, hostV, tsV),
		Sequence: seq,
		Op:       op,
		Values:   []core.Value{hostV, tsV, usage},
	}
}

// sortedRows builds n put rows for one host with increasing timestamps.
func sortedRows(n int) []core.Row {
	rows := make([]core.Row, n)
	for i := range rows {
		rows[i] = makeRow("a", int64(i*10), core.SequenceNumber(i+1), core.OpPut, core.Float64Value(float64(i)))
	}
	return rows
}

func newLayer(t *testing.T, store objectstore.ObjectStore) *FsAccessLayer {
	t.Helper()
	return NewFsAccessLayer(Options{
		Store:  store,
		Dir:    "cpu",
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func readAll(t *testing.T, l AccessLayer, name string, opts ReadOptions) []core.Row {
	t.Helper()
	it, err := l.ReadSST(context.Background(), name, opts)
	require.NoError(t, err)
	defer it.Close()
	var out []core.Row
	for it.Next() {
		r := *it.Row()
		r.Values = append([]core.Value(nil), r.Values...)
		out = append(out, r)
	}
	require.NoError(t, it.Err())
	return out
}

func allVisible() ReadOptions {
	return ReadOptions{SequenceCeiling: core.MaxSequenceNumber}
}

func TestAccessLayer_RoundTrip(t *testing.T) {
	meta := testMetadata(t)
	for _, ctype := range []core.CompressionType{core.CompressionNone, core.CompressionSnappy, core.CompressionLZ4, core.CompressionZSTD} {
		t.Run(ctype.String(), func(t *testing.T) {
			stores := map[string]func() objectstore.ObjectStore{
				"memory": func() objectstore.ObjectStore { return objectstore.NewMemoryStore() },
				"local": func() objectstore.ObjectStore {
					s, err := objectstore.NewLocalStore(t.TempDir())
					require.NoError(t, err)
					return s
				},
			}
			for storeName, mk := range stores {
				t.Run(storeName, func(t *testing.T) {
					l := newLayer(t, mk())
					c, err := compressors.ForType(ctype)
					require.NoError(t, err)

					rows := sortedRows(250)
					rows[3].Values[2] = core.NullValue()
					name := NewFileName()
					fm, err := l.WriteSST(context.Background(), name, iterator.NewSliceIterator(rows), WriteOptions{
						Metadata:     meta,
						Compressor:   c,
						RowGroupSize: 64,
					})
					require.NoError(t, err)
					require.NotNil(t, fm)

					assert.Equal(t, name, fm.FileName)
					assert.Equal(t, 0, fm.Level)
					assert.Equal(t, int64(250), fm.NumRows)
					assert.Equal(t, core.SequenceNumber(1), fm.MinSequence)
					assert.Equal(t, core.SequenceNumber(250), fm.MaxSequence)
					assert.Equal(t, int64(0), fm.MinTimestamp)
					assert.Equal(t, int64(2490), fm.MaxTimestamp)
					assert.Greater(t, fm.FileSize, int64(0))

					got := readAll(t, l, name, allVisible())
					require.Len(t, got, 250)
					for i, r := range got {
						assert.Equal(t, rows[i].Key, r.Key)
						assert.Equal(t, rows[i].Sequence, r.Sequence)
						assert.Equal(t, core.OpPut, r.Op)
						for j := range r.Values {
							assert.True(t, rows[i].Values[j].Equal(r.Values[j]), "row %d col %d", i, j)
						}
					}
					assert.True(t, got[3].Values[2].IsNull())
				})
			}
		})
	}
}

func TestAccessLayer_EmptySourceWritesNothing(t *testing.T) {
	store := objectstore.NewMemoryStore()
	l := newLayer(t, store)

	fm, err := l.WriteSST(context.Background(), NewFileName(), iterator.NewSliceIterator(nil), WriteOptions{Metadata: testMetadata(t)})
	require.NoError(t, err)
	assert.Nil(t, fm)

	names, err := l.ListSSTs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestAccessLayer_RejectsUnsortedRows(t *testing.T) {
	l := newLayer(t, objectstore.NewMemoryStore())
	rows := sortedRows(3)
	rows[1], rows[2] = rows[2], rows[1]

	_, err := l.WriteSST(context.Background(), NewFileName(), iterator.NewSliceIterator(rows), WriteOptions{Metadata: testMetadata(t)})
	require.Error(t, err)
	assert.True(t, core.IsInternal(err))
}

func TestAccessLayer_FiltersAndProjection(t *testing.T) {
	meta := testMetadata(t)
	l := newLayer(t, objectstore.NewMemoryStore())
	name := NewFileName()
	_, err := l.WriteSST(context.Background(), name, iterator.NewSliceIterator(sortedRows(100)), WriteOptions{
		Metadata:     meta,
		RowGroupSize: 16,
	})
	require.NoError(t, err)

	t.Run("time range", func(t *testing.T) {
		got := readAll(t, l, name, ReadOptions{
			SequenceCeiling: core.MaxSequenceNumber,
			TimeRange:       &core.TimeRange{Start: 200, End: 300},
		})
		require.Len(t, got, 10)
		ts, _ := got[0].Values[1].Int64()
		assert.Equal(t, int64(200), ts)
		ts, _ = got[9].Values[1].Int64()
		assert.Equal(t, int64(290), ts)
	})

	t.Run("sequence ceiling", func(t *testing.T) {
		got := readAll(t, l, name, ReadOptions{SequenceCeiling: 40})
		require.Len(t, got, 40)
		assert.Equal(t, core.SequenceNumber(40), got[39].Sequence)
	})

	t.Run("projection with a column the file lacks", func(t *testing.T) {
		got := readAll(t, l, name, ReadOptions{
			SequenceCeiling: core.MaxSequenceNumber,
			Columns:         []string{"usage", "added_later", "ts"},
		})
		require.Len(t, got, 100)
		require.Len(t, got[5].Values, 3)
		assert.True(t, core.Float64Value(5).Equal(got[5].Values[0]))
		assert.True(t, got[5].Values[1].IsNull())
		ts, _ := got[5].Values[2].Int64()
		assert.Equal(t, int64(50), ts)
	})
}

func TestAccessLayer_TombstonesAreKept(t *testing.T) {
	l := newLayer(t, objectstore.NewMemoryStore())
	rows := []core.Row{
		makeRow("a", 1, 3, core.OpDelete, core.NullValue()),
		makeRow("b", 1, 2, core.OpPut, core.Float64Value(1.5)),
	}
	name := NewFileName()
	_, err := l.WriteSST(context.Background(), name, iterator.NewSliceIterator(rows), WriteOptions{Metadata: testMetadata(t)})
	require.NoError(t, err)

	got := readAll(t, l, name, allVisible())
	require.Len(t, got, 2)
	assert.Equal(t, core.OpDelete, got[0].Op)
	assert.Equal(t, core.OpPut, got[1].Op)
}

func TestAccessLayer_DetectsCorruption(t *testing.T) {
	ctx := context.Background()
	meta := testMetadata(t)

	write := func(t *testing.T) (*objectstore.MemoryStore, *FsAccessLayer, string, []byte) {
		store := objectstore.NewMemoryStore()
		l := newLayer(t, store)
		name := NewFileName()
		_, err := l.WriteSST(ctx, name, iterator.NewSliceIterator(sortedRows(20)), WriteOptions{Metadata: meta})
		require.NoError(t, err)
		data, err := store.Get(ctx, "cpu/"+name)
		require.NoError(t, err)
		return store, l, name, data
	}

	t.Run("footer magic", func(t *testing.T) {
		store, l, name, data := write(t)
		data[len(data)-1] ^= 0xff
		require.NoError(t, store.Put(ctx, "cpu/"+name, data))

		_, err := l.ReadSST(ctx, name, allVisible())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrCorrupted)
		assert.True(t, core.IsCorruption(err))
	})

	t.Run("truncated", func(t *testing.T) {
		store, l, name, data := write(t)
		require.NoError(t, store.Put(ctx, "cpu/"+name, data[:len(data)/2]))

		_, err := l.ReadSST(ctx, name, allVisible())
		assert.Error(t, err)
	})

	t.Run("index range past footer", func(t *testing.T) {
		store, l, name, data := write(t)
		footerAt := len(data) - FooterSize
		binary.LittleEndian.PutUint64(data[footerAt:], uint64(footerAt-1))
		require.NoError(t, store.Put(ctx, "cpu/"+name, data))

		_, err := l.ReadSST(ctx, name, allVisible())
		assert.ErrorIs(t, err, ErrCorrupted)
	})

	t.Run("data block", func(t *testing.T) {
		store, l, name, data := write(t)
		var header core.FileHeader
		// first byte of the first block payload
		data[header.Size()+blockHeaderSize] ^= 0xff
		require.NoError(t, store.Put(ctx, "cpu/"+name, data))

		it, err := l.ReadSST(ctx, name, allVisible())
		require.NoError(t, err)
		defer it.Close()
		assert.False(t, it.Next())
		assert.ErrorIs(t, it.Err(), ErrCorrupted)
		assert.True(t, core.IsCorruption(it.Err()))
	})
}

func TestAccessLayer_DeleteAndList(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	l := newLayer(t, store)
	meta := testMetadata(t)

	var names []string
	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("%02d%s", i, core.SSTFileSuffix)
		_, err := l.WriteSST(ctx, name, iterator.NewSliceIterator(sortedRows(5)), WriteOptions{Metadata: meta})
		require.NoError(t, err)
		names = append(names, name)
	}
	require.NoError(t, store.Put(ctx, "cpu/manifest/00000000000000000000.json", []byte("{}")))
	require.NoError(t, store.Put(ctx, "cpu2/other.sst", []byte("x")))

	listed, err := l.ListSSTs(ctx)
	require.NoError(t, err)
	assert.Equal(t, names, listed)

	require.NoError(t, l.DeleteSST(ctx, names[1]))
	require.NoError(t, l.DeleteSST(ctx, names[1]), "deleting twice is not an error")
	listed, err = l.ListSSTs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{names[0], names[2]}, listed)

	_, err = l.ReadSST(ctx, names[1], allVisible())
	assert.True(t, objectstore.IsNotFound(err))
}

func TestAccessLayer_PutFailureIsReported(t *testing.T) {
	fault := objectstore.NewFaultStore(objectstore.NewMemoryStore())
	fault.FailPuts("cpu/", io.ErrClosedPipe)
	l := newLayer(t, fault)

	fm, err := l.WriteSST(context.Background(), NewFileName(), iterator.NewSliceIterator(sortedRows(5)), WriteOptions{Metadata: testMetadata(t)})
	assert.Nil(t, fm)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestAccessLayer_WriteRateLimit(t *testing.T) {
	l := NewFsAccessLayer(Options{
		Store:          objectstore.NewMemoryStore(),
		Dir:            "cpu",
		WriteRateLimit: 64,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	// a file of several KiB cannot pass a 64 B/s limiter before the deadline
	_, err := l.WriteSST(ctx, NewFileName(), iterator.NewSliceIterator(sortedRows(200)), WriteOptions{Metadata: testMetadata(t)})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "throttled"))
}

func TestNewFileName(t *testing.T) {
	a, b := NewFileName(), NewFileName()
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasSuffix(a, core.SSTFileSuffix))
}
