package region

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/INLOpen/regionstore/batch"
	"github.com/INLOpen/regionstore/core"
	"github.com/INLOpen/regionstore/flush"
	"github.com/INLOpen/regionstore/hooks"
	"github.com/INLOpen/regionstore/iterator"
	"github.com/INLOpen/regionstore/manifest"
	"github.com/INLOpen/regionstore/memtable"
	"github.com/INLOpen/regionstore/metadata"
	"github.com/INLOpen/regionstore/objectstore"
	"github.com/INLOpen/regionstore/sst"
	"github.com/INLOpen/regionstore/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testEnv keeps the storage of one region across reopens.
type testEnv struct {
	store  *objectstore.FaultStore
	walDir string
	meta   *metadata.RegionMetadata
	// log store handed out by the last config call
	logStore *wal.FileLogStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	meta, err := metadata.NewBuilder("cpu").
		TimestampColumn("ts").
		PushValueColumn("v0", core.TypeInt64, true).
		Build()
	require.NoError(t, err)
	return &testEnv{
		store:  objectstore.NewFaultStore(objectstore.NewMemoryStore()),
		walDir: t.TempDir(),
		meta:   meta,
	}
}

func (e *testEnv) config(t *testing.T) StoreConfig {
	t.Helper()
	logStore, err := wal.Open(wal.Options{Dir: e.walDir, SyncMode: wal.SyncDisabled, Logger: discardLogger()})
	require.NoError(t, err)
	e.logStore = logStore
	m, err := manifest.Open(context.Background(), manifest.Options{Store: e.store, Dir: "cpu/manifest", Logger: discardLogger()})
	require.NoError(t, err)
	return StoreConfig{
		LogStore: logStore,
		SstLayer: sst.NewFsAccessLayer(sst.Options{Store: e.store, Dir: "cpu", Logger: discardLogger()}),
		Manifest: m,
		Strategy: flush.ManualStrategy{},
		Retry:    flush.RetryPolicy{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Logger:   discardLogger(),
	}
}

func (e *testEnv) create(t *testing.T, mutate ...func(*StoreConfig)) *Region {
	t.Helper()
	cfg := e.config(t)
	for _, fn := range mutate {
		fn(&cfg)
	}
	r, err := Create(context.Background(), e.meta, cfg)
	require.NoError(t, err)
	return r
}

func (e *testEnv) open(t *testing.T) *Region {
	t.Helper()
	r, err := Open(context.Background(), "cpu", e.config(t))
	require.NoError(t, err)
	return r
}

func putBatch(t *testing.T, meta *metadata.RegionMetadata, ts []int64, v0 ...core.Value) *batch.WriteBatch {
	t.Helper()
	b := batch.NewBuilder(meta)
	cols := map[string]core.Vector{"ts": core.TimestampVector(ts...)}
	if len(v0) > 0 {
		cols["v0"] = core.NewVector(core.TypeInt64, v0...)
	}
	require.NoError(t, b.Put(cols))
	return b.Build()
}

func deleteBatch(t *testing.T, meta *metadata.RegionMetadata, ts ...int64) *batch.WriteBatch {
	t.Helper()
	b := batch.NewBuilder(meta)
	require.NoError(t, b.Delete(map[string]core.Vector{"ts": core.TimestampVector(ts...)}))
	return b.Build()
}

func write(t *testing.T, r *Region, wb *batch.WriteBatch) WriteResponse {
	t.Helper()
	resp, err := r.Write(context.Background(), wb)
	require.NoError(t, err)
	return resp
}

func scan(t *testing.T, r *Region, req ScanRequest) [][]core.Value {
	t.Helper()
	ctx := context.Background()
	resp, err := r.Snapshot(ctx).Scan(ctx, req)
	require.NoError(t, err)
	defer resp.Reader.Close()
	chunk, err := iterator.ReadAll(ctx, resp.Reader)
	require.NoError(t, err)
	rows := make([][]core.Value, chunk.NumRows())
	for i := range rows {
		rows[i] = chunk.Row(i)
	}
	return rows
}

func assertRows(t *testing.T, want, got [][]core.Value) {
	t.Helper()
	require.Len(t, got, len(want), "got %v", got)
	for i := range want {
		require.Len(t, got[i], len(want[i]))
		for j := range want[i] {
			assert.True(t, want[i][j].Equal(got[i][j]), "row %d column %d: want %v, got %v", i, j, want[i][j], got[i][j])
		}
	}
}

func row(values ...core.Value) []core.Value { return values }

func ts(v int64) core.Value  { return core.TimestampValue(v) }
func i64(v int64) core.Value { return core.Int64Value(v) }

var null = core.NullValue()

func TestRegion_PutThenScan(t *testing.T) {
	env := newTestEnv(t)
	r := env.create(t)
	defer r.Close(context.Background())

	resp := write(t, r, putBatch(t, r.Metadata(), []int64{0, 1}, null, i64(5)))
	assert.Equal(t, 2, resp.RowsAffected)
	assert.Equal(t, core.SequenceRange{First: 1, Last: 1}, resp.Sequences)
	assert.Equal(t, core.SequenceNumber(1), r.CommittedSequence())

	assertRows(t, [][]core.Value{
		row(ts(0), null),
		row(ts(1), i64(5)),
	}, scan(t, r, ScanRequest{}))

	t.Run("delete hides the key", func(t *testing.T) {
		write(t, r, deleteBatch(t, r.Metadata(), 0))
		assertRows(t, [][]core.Value{row(ts(1), i64(5))}, scan(t, r, ScanRequest{}))
	})
}

func TestRegion_CreateAndOpenErrors(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := Open(ctx, "cpu", env.config(t))
	assert.ErrorIs(t, err, core.ErrRegionNotFound)

	r := env.create(t)
	require.NoError(t, r.Close(ctx))
	_, err = Create(ctx, env.meta, env.config(t))
	assert.ErrorIs(t, err, core.ErrRegionExists)

	_, err = Open(ctx, "cpu", StoreConfig{})
	assert.True(t, core.IsValidationError(err))

	_, err = r.Write(ctx, putBatch(t, env.meta, []int64{1}, i64(1)))
	assert.ErrorIs(t, err, core.ErrRegionClosed)
	assert.NoError(t, r.Close(ctx), "closing twice is a no-op")
}

func TestRegion_LastPutPerKeyWins(t *testing.T) {
	env := newTestEnv(t)
	r := env.create(t)
	defer r.Close(context.Background())

	b := batch.NewBuilder(r.Metadata())
	require.NoError(t, b.Put(map[string]core.Vector{"ts": core.TimestampVector(1, 2), "v0": core.Int64Vector(10, 20)}))
	require.NoError(t, b.Put(map[string]core.Vector{"ts": core.TimestampVector(1), "v0": core.Int64Vector(11)}))
	resp := write(t, r, b.Build())
	assert.Equal(t, core.SequenceRange{First: 1, Last: 2}, resp.Sequences, "one sequence per mutation")
	assert.Equal(t, 3, resp.RowsAffected)

	write(t, r, putBatch(t, r.Metadata(), []int64{2}, i64(21)))
	write(t, r, deleteBatch(t, r.Metadata(), 3))

	assertRows(t, [][]core.Value{
		row(ts(1), i64(11)),
		row(ts(2), i64(21)),
	}, scan(t, r, ScanRequest{}))
}

func TestRegion_SequenceBoundary(t *testing.T) {
	env := newTestEnv(t)
	r := env.create(t)
	defer r.Close(context.Background())

	write(t, r, putBatch(t, r.Metadata(), []int64{1}, i64(1)))
	write(t, r, putBatch(t, r.Metadata(), []int64{2}, i64(2)))
	write(t, r, putBatch(t, r.Metadata(), []int64{1}, i64(100)))

	seq := func(s core.SequenceNumber) *core.SequenceNumber { return &s }
	assertRows(t, nil, scan(t, r, ScanRequest{Sequence: seq(0)}))
	assertRows(t, [][]core.Value{row(ts(1), i64(1))}, scan(t, r, ScanRequest{Sequence: seq(1)}))
	assertRows(t, [][]core.Value{row(ts(1), i64(1)), row(ts(2), i64(2))}, scan(t, r, ScanRequest{Sequence: seq(2)}))
	assertRows(t, [][]core.Value{row(ts(1), i64(100)), row(ts(2), i64(2))}, scan(t, r, ScanRequest{Sequence: seq(3)}))

	t.Run("after flush", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, r.Flush(ctx))
		// the flushed file only holds the newest version of ts=1
		_, err := r.Snapshot(ctx).Scan(ctx, ScanRequest{Sequence: seq(2)})
		require.Error(t, err)
		assert.True(t, core.IsValidationError(err))

		assertRows(t, [][]core.Value{row(ts(1), i64(100)), row(ts(2), i64(2))}, scan(t, r, ScanRequest{Sequence: seq(3)}))
		assertRows(t, [][]core.Value{row(ts(1), i64(100)), row(ts(2), i64(2))}, scan(t, r, ScanRequest{}))
	})
}

func TestRegion_SnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	r := env.create(t)
	defer r.Close(ctx)

	write(t, r, putBatch(t, r.Metadata(), []int64{1}, i64(1)))
	snap := r.Snapshot(ctx)
	write(t, r, putBatch(t, r.Metadata(), []int64{2}, i64(2)))
	require.NoError(t, r.Flush(ctx))

	resp, err := snap.Scan(ctx, ScanRequest{})
	require.NoError(t, err)
	chunk, err := iterator.ReadAll(ctx, resp.Reader)
	require.NoError(t, err)
	assert.Equal(t, 1, chunk.NumRows(), "rows written after the snapshot are invisible")
	assert.Equal(t, 0, snap.Version().SSTs().NumFiles())
}

func TestRegion_ScanProjectionAndTimeRange(t *testing.T) {
	env := newTestEnv(t)
	r := env.create(t)
	defer r.Close(context.Background())

	write(t, r, putBatch(t, r.Metadata(), []int64{10, 20, 30}, i64(1), i64(2), i64(3)))
	require.NoError(t, r.Flush(context.Background()))
	write(t, r, putBatch(t, r.Metadata(), []int64{40}, i64(4)))

	rows := scan(t, r, ScanRequest{
		Projection: []string{"v0", "ts"},
		TimeRange:  &core.TimeRange{Start: 20, End: 41},
		BatchSize:  1,
	})
	assertRows(t, [][]core.Value{
		row(ts(20), i64(2)),
		row(ts(30), i64(3)),
		row(ts(40), i64(4)),
	}, rows)

	rows = scan(t, r, ScanRequest{Projection: []string{"v0"}})
	assertRows(t, [][]core.Value{row(i64(1)), row(i64(2)), row(i64(3)), row(i64(4))}, rows)

	ctx := context.Background()
	_, err := r.Snapshot(ctx).Scan(ctx, ScanRequest{Projection: []string{"nope"}})
	assert.True(t, core.IsValidationError(err))
	_, err = r.Snapshot(ctx).Scan(ctx, ScanRequest{TimeRange: &core.TimeRange{Start: 5, End: 1}})
	assert.True(t, core.IsValidationError(err))
}

func TestRegion_FlushOnThreshold(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	r := env.create(t, func(c *StoreConfig) { c.Strategy = flush.NewSizeBasedStrategy(1) })
	defer r.Close(ctx)
	before := r.manifest.LastVersion()

	write(t, r, putBatch(t, r.Metadata(), []int64{1, 2}, i64(1), i64(2)))
	// waits for the flush the write scheduled
	require.NoError(t, r.Flush(ctx))

	v := r.Version()
	assert.Len(t, v.SSTs().Level(0), 1)
	assert.Equal(t, int64(0), v.Memtables().Mutable().NumRows())
	assert.False(t, v.Memtables().HasImmutables())
	assert.Equal(t, core.SequenceNumber(1), v.FlushedSequence())
	assert.Equal(t, before+1, r.manifest.LastVersion(), "one manifest edit")

	names, err := r.cfg.SstLayer.ListSSTs(ctx)
	require.NoError(t, err)
	assert.Len(t, names, 1)

	st := r.Stats()
	assert.Equal(t, int64(1), st.FlushCount)
	assert.Equal(t, []int{1, 0}, st.FilesPerLevel)
	assert.Equal(t, int64(1), r.Metrics().FlushTotal.Value())
	assert.Equal(t, int64(1), r.Metrics().SSTsCreatedTotal.Value())
	assertRows(t, [][]core.Value{row(ts(1), i64(1)), row(ts(2), i64(2))}, scan(t, r, ScanRequest{}))
}

func TestRegion_ReopenAfterFlush(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	r := env.create(t)

	write(t, r, putBatch(t, r.Metadata(), []int64{0, 1, 2, 3, 4}, i64(0), i64(1), i64(2), i64(3), i64(4)))
	require.NoError(t, r.Flush(ctx))
	write(t, r, putBatch(t, r.Metadata(), []int64{1, 5, 6}, i64(10), i64(5), i64(6)))
	write(t, r, deleteBatch(t, r.Metadata(), 2))

	want := scan(t, r, ScanRequest{})
	committed := r.CommittedSequence()
	require.NoError(t, r.Close(ctx))

	reopened := env.open(t)
	defer reopened.Close(ctx)
	assertRows(t, want, scan(t, reopened, ScanRequest{}))
	assert.Equal(t, committed, reopened.CommittedSequence())
	assert.Equal(t, core.SequenceNumber(1), reopened.Version().FlushedSequence())
	assert.Equal(t, 1, reopened.Version().SSTs().NumFiles())
	assert.Equal(t, int64(2), reopened.Metrics().WALRecoveredEntriesTotal.Value(), "flushed entries are not replayed")

	// new writes continue after the recovered sequence
	resp := write(t, reopened, putBatch(t, reopened.Metadata(), []int64{7}, i64(7)))
	assert.Equal(t, committed+1, resp.Sequences.First)
}

func TestRegion_ReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	r := env.create(t)
	write(t, r, putBatch(t, r.Metadata(), []int64{1, 2}, i64(1), i64(2)))
	write(t, r, deleteBatch(t, r.Metadata(), 1))
	write(t, r, putBatch(t, r.Metadata(), []int64{3}, i64(3)))
	want := scan(t, r, ScanRequest{})
	require.NoError(t, r.Close(ctx))

	for i := 0; i < 2; i++ {
		reopened := env.open(t)
		assertRows(t, want, scan(t, reopened, ScanRequest{}))
		assert.Equal(t, core.SequenceNumber(3), reopened.CommittedSequence())
		require.NoError(t, reopened.Close(ctx))
	}
}

func TestRegion_TruncatedWALTailIsIgnored(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	r := env.create(t)
	write(t, r, putBatch(t, r.Metadata(), []int64{1}, i64(1)))
	write(t, r, putBatch(t, r.Metadata(), []int64{2}, i64(2)))
	write(t, r, putBatch(t, r.Metadata(), []int64{3}, i64(3)))
	require.NoError(t, r.Close(ctx))

	entries, err := os.ReadDir(env.walDir)
	require.NoError(t, err)
	var segments []string
	for _, e := range entries {
		if !e.IsDir() {
			segments = append(segments, e.Name())
		}
	}
	sort.Strings(segments)
	require.NotEmpty(t, segments)
	path := filepath.Join(env.walDir, segments[len(segments)-1])
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	reopened := env.open(t)
	defer reopened.Close(ctx)
	assertRows(t, [][]core.Value{row(ts(1), i64(1)), row(ts(2), i64(2))}, scan(t, reopened, ScanRequest{}))
	assert.Equal(t, core.SequenceNumber(2), reopened.CommittedSequence())
}

func TestRegion_StaleSchemaRejected(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	r := env.create(t)
	defer r.Close(ctx)

	stale := putBatch(t, r.Metadata(), []int64{1}, i64(1))
	_, err := r.Alter(ctx, metadata.AlterRequest{
		AddColumns: []metadata.ColumnSchema{{Name: "v1", Type: core.TypeFloat64, Nullable: true, Semantic: metadata.SemanticField}},
	})
	require.NoError(t, err)

	_, err = r.Write(ctx, stale)
	require.Error(t, err)
	assert.True(t, core.IsValidationError(err))
	assert.Equal(t, core.SequenceNumber(0), r.CommittedSequence(), "nothing was appended")
	assert.Equal(t, int64(1), r.Metrics().WriteErrorsTotal.Value())

	_, err = r.Write(ctx, batch.NewBuilder(r.Metadata()).Build())
	assert.True(t, core.IsValidationError(err), "empty batch")
}

func TestRegion_AlterAndReopen(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	r := env.create(t)

	write(t, r, putBatch(t, r.Metadata(), []int64{1}, i64(1)))
	altered, err := r.Alter(ctx, metadata.AlterRequest{
		AddColumns: []metadata.ColumnSchema{{Name: "v1", Type: core.TypeFloat64, Nullable: true, Semantic: metadata.SemanticField}},
	})
	require.NoError(t, err)
	assert.Equal(t, altered.Version(), r.Metadata().Version())
	assert.True(t, r.Version().Memtables().HasImmutables(), "the old memtable is frozen")

	b := batch.NewBuilder(altered)
	require.NoError(t, b.Put(map[string]core.Vector{
		"ts": core.TimestampVector(2),
		"v0": core.Int64Vector(2),
		"v1": core.Float64Vector(2.5),
	}))
	write(t, r, b.Build())

	want := [][]core.Value{
		row(ts(1), i64(1), null),
		row(ts(2), i64(2), core.Float64Value(2.5)),
	}
	assertRows(t, want, scan(t, r, ScanRequest{}))
	require.NoError(t, r.Close(ctx))

	reopened := env.open(t)
	defer reopened.Close(ctx)
	assert.Equal(t, altered.Version(), reopened.Metadata().Version())
	assertRows(t, want, scan(t, reopened, ScanRequest{}))

	t.Run("flush across schemas", func(t *testing.T) {
		require.NoError(t, reopened.Flush(ctx))
		assertRows(t, want, scan(t, reopened, ScanRequest{}))
	})
}

func TestRegion_FailedFlushKeepsVersion(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	r := env.create(t)
	defer r.Close(ctx)

	write(t, r, putBatch(t, r.Metadata(), []int64{1, 2}, i64(1), i64(2)))
	env.store.FailPuts("cpu/", errors.New("store unavailable"))

	err := r.Flush(ctx)
	require.Error(t, err)
	v := r.Version()
	assert.Equal(t, 0, v.SSTs().NumFiles())
	assert.Len(t, v.Memtables().Immutables(), 1, "frozen rows stay readable")
	assert.Equal(t, core.SequenceNumber(0), v.FlushedSequence())
	assertRows(t, [][]core.Value{row(ts(1), i64(1)), row(ts(2), i64(2))}, scan(t, r, ScanRequest{}))
	st := r.Stats()
	assert.Equal(t, int64(1), st.FlushFailures)
	assert.NotEmpty(t, st.LastFlushError)

	env.store.FailPuts("", nil)
	require.NoError(t, r.Flush(ctx))
	v = r.Version()
	assert.Equal(t, 1, v.SSTs().NumFiles())
	assert.False(t, v.Memtables().HasImmutables())
	assert.Equal(t, core.SequenceNumber(1), v.FlushedSequence())
	assert.Empty(t, r.Stats().LastFlushError)
}

type recordingListener struct {
	mu     sync.Mutex
	events []hooks.HookEvent
	veto   error
}

func (l *recordingListener) OnEvent(_ context.Context, e hooks.HookEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return l.veto
}

func (l *recordingListener) Priority() int { return 0 }
func (l *recordingListener) IsAsync() bool { return false }

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func TestRegion_Hooks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	hm := hooks.NewHookManager(discardLogger())
	preWrite := &recordingListener{}
	postFlush := &recordingListener{}
	manifestUpdates := &recordingListener{}
	hm.Register(hooks.EventPreWrite, preWrite)
	hm.Register(hooks.EventPostFlush, postFlush)
	hm.Register(hooks.EventPostManifestUpdate, manifestUpdates)

	r := env.create(t, func(c *StoreConfig) { c.Hooks = hm })
	defer r.Close(ctx)

	write(t, r, putBatch(t, r.Metadata(), []int64{1}, i64(1)))
	require.NoError(t, r.Flush(ctx))
	assert.Equal(t, 1, preWrite.count())
	require.Equal(t, 1, postFlush.count())
	payload := postFlush.events[0].Payload().(hooks.PostFlushPayload)
	assert.NoError(t, payload.Error)
	assert.Len(t, payload.Files, 1)
	assert.Equal(t, 1, payload.Level0Files)
	assert.Equal(t, 1, manifestUpdates.count(), "the flush edit")

	preWrite.veto = errors.New("rejected")
	_, err := r.Write(ctx, putBatch(t, r.Metadata(), []int64{2}, i64(2)))
	require.Error(t, err)
	assert.Equal(t, core.SequenceNumber(1), r.CommittedSequence(), "a vetoed write is not appended")
}

func TestRegion_ManifestCheckpoint(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	r := env.create(t, func(c *StoreConfig) { c.CheckpointMargin = 2 })

	for i := int64(0); i < 3; i++ {
		write(t, r, putBatch(t, r.Metadata(), []int64{i}, i64(i)))
		require.NoError(t, r.Flush(ctx))
	}
	_, ok := r.manifest.CheckpointVersion()
	assert.True(t, ok)
	assert.Positive(t, r.Metrics().CheckpointTotal.Value())
	want := scan(t, r, ScanRequest{})
	require.NoError(t, r.Close(ctx))

	reopened := env.open(t)
	defer reopened.Close(ctx)
	assert.Equal(t, 3, reopened.Version().SSTs().NumFiles())
	assertRows(t, want, scan(t, reopened, ScanRequest{}))
}

// gatedBuilder builds memtables whose write of one sequence blocks until
// release is closed.
type gatedBuilder struct {
	seq     core.SequenceNumber
	entered chan struct{}
	release chan struct{}
}

func (b gatedBuilder) Build(id uint32, meta *metadata.RegionMetadata) memtable.Memtable {
	return &gatedMemtable{Memtable: memtable.DefaultBuilder{}.Build(id, meta), gate: b}
}

type gatedMemtable struct {
	memtable.Memtable
	gate gatedBuilder
}

func (m *gatedMemtable) Write(seq core.SequenceNumber, mut *batch.Mutation) error {
	if seq == m.gate.seq {
		close(m.gate.entered)
		<-m.gate.release
	}
	return m.Memtable.Write(seq, mut)
}

func TestRegion_SnapshotSkipsWriteBeingApplied(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	gate := gatedBuilder{seq: 2, entered: make(chan struct{}), release: make(chan struct{})}
	r := env.create(t, func(c *StoreConfig) { c.MemtableBuilder = gate })
	defer r.Close(ctx)

	write(t, r, putBatch(t, r.Metadata(), []int64{1}, i64(1)))
	second := putBatch(t, r.Metadata(), []int64{2}, i64(2))
	done := make(chan error, 1)
	go func() {
		_, err := r.Write(ctx, second)
		done <- err
	}()
	<-gate.entered

	// sequence 2 is durable but not yet in the memtable
	assert.Equal(t, core.SequenceNumber(2), r.CommittedSequence())
	snap := r.Snapshot(ctx)
	assert.Equal(t, core.SequenceNumber(1), snap.Sequence())
	countRows := func() int {
		resp, err := snap.Scan(ctx, ScanRequest{})
		require.NoError(t, err)
		defer resp.Reader.Close()
		chunk, err := iterator.ReadAll(ctx, resp.Reader)
		require.NoError(t, err)
		return chunk.NumRows()
	}
	assert.Equal(t, 1, countRows())

	close(gate.release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, countRows(), "a reissued scan of the snapshot sees the same rows")
	assert.Len(t, scan(t, r, ScanRequest{}), 2)
	assert.Equal(t, core.SequenceNumber(2), r.Stats().VisibleSequence)
}

func TestRegion_FailedWALSyncIsNotReplayed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	r := env.create(t)
	write(t, r, putBatch(t, r.Metadata(), []int64{1}, i64(1)))

	env.logStore.SetTestingOnlyInjectSyncError(errors.New("fsync failed"))
	_, err := r.Write(ctx, putBatch(t, r.Metadata(), []int64{2}, i64(2)))
	require.Error(t, err)
	assert.True(t, core.IsWALError(err))
	assert.Equal(t, core.SequenceNumber(1), r.CommittedSequence())
	env.logStore.SetTestingOnlyInjectSyncError(nil)

	resp := write(t, r, putBatch(t, r.Metadata(), []int64{3}, i64(3)))
	assert.Equal(t, core.SequenceNumber(2), resp.Sequences.First)
	want := [][]core.Value{row(ts(1), i64(1)), row(ts(3), i64(3))}
	assertRows(t, want, scan(t, r, ScanRequest{}))
	require.NoError(t, r.Close(ctx))

	reopened := env.open(t)
	defer reopened.Close(ctx)
	assertRows(t, want, scan(t, reopened, ScanRequest{}))
	assert.Equal(t, core.SequenceNumber(2), reopened.CommittedSequence())
}

// heldScheduler keeps the first flush job waiting on release. onRetry runs
// before every later job.
type heldScheduler struct {
	pool    *flush.WorkerPool
	release chan struct{}
	onRetry func()
	calls   atomic.Int32
}

func (s *heldScheduler) ScheduleFlush(ctx context.Context, job *flush.Job) (*flush.Handle, error) {
	first := s.calls.Add(1) == 1
	return s.pool.Submit(ctx, func(ctx context.Context) error {
		if first {
			<-s.release
		} else {
			s.onRetry()
		}
		_, err := job.Run(ctx)
		return err
	})
}

func TestRegion_FlushRetriesAfterFailedFlushInFlight(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	pool := flush.NewWorkerPool(1, discardLogger())
	defer pool.Close(ctx)
	sched := &heldScheduler{
		pool:    pool,
		release: make(chan struct{}),
		onRetry: func() { env.store.FailPuts("", nil) },
	}
	r := env.create(t, func(c *StoreConfig) { c.Scheduler = sched })
	defer r.Close(ctx)

	write(t, r, putBatch(t, r.Metadata(), []int64{1}, i64(1)))
	env.store.FailPuts("cpu/", errors.New("store unavailable"))
	r.writeMu.Lock()
	first, running, err := r.scheduleFlushLocked(ctx)
	r.writeMu.Unlock()
	require.NoError(t, err)
	require.False(t, running)

	write(t, r, putBatch(t, r.Metadata(), []int64{2}, i64(2)))
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(sched.release)
	}()
	require.NoError(t, r.Flush(ctx), "the failed flush in flight is retried")
	assert.Error(t, first.Wait(ctx))

	v := r.Version()
	assert.Equal(t, core.SequenceNumber(2), v.FlushedSequence())
	assert.False(t, v.Memtables().HasImmutables())
	assert.Equal(t, 2, v.SSTs().NumFiles(), "one file per frozen memtable")
	st := r.Stats()
	assert.Equal(t, int64(1), st.FlushFailures)
	assert.Equal(t, int64(1), st.FlushCount)
	assertRows(t, [][]core.Value{row(ts(1), i64(1)), row(ts(2), i64(2))}, scan(t, r, ScanRequest{}))
}
