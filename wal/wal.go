package wal

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/INLOpen/regionstore/batch"
	"github.com/INLOpen/regionstore/compressors"
	"github.com/INLOpen/regionstore/core"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Wal is a region's view of its LogStore: it assigns sequence ranges to write
// batches and encodes them as record payloads.
//
// Payload layout: compression type (1 byte) | compressed batch encoding.
type Wal struct {
	region     string
	store      LogStore
	compressor core.Compressor
	logger     *slog.Logger
	tracer     trace.Tracer
}

// WalOptions configures a Wal. Zero values select snappy payloads, the
// default logger and a no-op tracer.
type WalOptions struct {
	Compressor core.Compressor
	Logger     *slog.Logger
	Tracer     trace.Tracer
}

func New(region string, store LogStore, opts WalOptions) *Wal {
	if opts.Compressor == nil {
		opts.Compressor = compressors.NewSnappyCompressor()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("wal")
	}
	return &Wal{
		region:     region,
		store:      store,
		compressor: opts.Compressor,
		logger:     opts.Logger.With("component", "Wal", "region", region),
		tracer:     opts.Tracer,
	}
}

// Write appends wb with sequences starting at first. One sequence number is
// consumed per mutation. Nothing is considered written unless the returned
// error is nil.
func (w *Wal) Write(ctx context.Context, first core.SequenceNumber, wb *batch.WriteBatch) (core.SequenceRange, error) {
	ctx, span := w.tracer.Start(ctx, "Wal.Write")
	defer span.End()

	if wb.IsEmpty() {
		return core.SequenceRange{}, &core.WALError{Op: "append", Err: fmt.Errorf("empty write batch")}
	}
	seqs := core.SequenceRange{First: first, Last: first + uint64(wb.NumMutations()) - 1}
	span.SetAttributes(
		attribute.Int64("wal.sequence.first", int64(seqs.First)),
		attribute.Int("wal.mutations", wb.NumMutations()),
	)

	payload, err := w.encode(wb)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return core.SequenceRange{}, &core.WALError{Op: "encode", Err: err}
	}
	if err := w.store.Append(ctx, Record{Sequences: seqs, Payload: payload}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return core.SequenceRange{}, &core.WALError{Op: "append", Err: err}
	}
	return seqs, nil
}

func (w *Wal) encode(wb *batch.WriteBatch) ([]byte, error) {
	compressed, err := w.compressor.Compress(wb.Encode())
	if err != nil {
		return nil, err
	}
	payload := make([]byte, 0, len(compressed)+1)
	payload = append(payload, byte(w.compressor.Type()))
	return append(payload, compressed...), nil
}

func decodePayload(payload []byte) (*batch.WriteBatch, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty wal payload")
	}
	c, err := compressors.ForType(core.CompressionType(payload[0]))
	if err != nil {
		return nil, err
	}
	raw, err := c.Decompress(payload[1:])
	if err != nil {
		return nil, err
	}
	return batch.Decode(raw)
}

// Entry is one replayed write batch.
type Entry struct {
	Sequences core.SequenceRange
	Batch     *batch.WriteBatch
}

// ReplayIterator lazily decodes records from the LogStore.
type ReplayIterator struct {
	records RecordIterator
	cur     Entry
	err     error
}

// Replay streams every batch whose sequence range reaches from or later.
func (w *Wal) Replay(ctx context.Context, from core.SequenceNumber) (*ReplayIterator, error) {
	records, err := w.store.Replay(ctx, from)
	if err != nil {
		return nil, &core.WALError{Op: "replay", Err: err}
	}
	return &ReplayIterator{records: records}, nil
}

func (it *ReplayIterator) Next() bool {
	if it.err != nil || !it.records.Next() {
		return false
	}
	rec := it.records.Record()
	wb, err := decodePayload(rec.Payload)
	if err != nil {
		it.err = &core.CorruptionError{Source: "wal", Err: fmt.Errorf("record %s: %w", rec.Sequences, err)}
		return false
	}
	it.cur = Entry{Sequences: rec.Sequences, Batch: wb}
	return true
}

func (it *ReplayIterator) Entry() Entry { return it.cur }

func (it *ReplayIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	if err := it.records.Err(); err != nil {
		return &core.WALError{Op: "replay", Err: err}
	}
	return nil
}

func (it *ReplayIterator) Close() error { return it.records.Close() }

// Obsolete releases log space for sequences that are durable in SST files.
func (w *Wal) Obsolete(ctx context.Context, upTo core.SequenceNumber) error {
	if err := w.store.Obsolete(ctx, upTo); err != nil {
		return &core.WALError{Op: "obsolete", Err: err}
	}
	return nil
}

// Close closes the underlying LogStore.
func (w *Wal) Close() error {
	return w.store.Close()
}
