package region

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/INLOpen/regionstore/batch"
	"github.com/INLOpen/regionstore/core"
	"github.com/INLOpen/regionstore/hooks"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// WriteResponse reports an acknowledged write.
type WriteResponse struct {
	RowsAffected int
	Sequences    core.SequenceRange
}

// Write validates wb against the current schema, appends it to the WAL and
// applies it to the mutable memtable. The write is durable once the WAL
// append returns; a WAL failure leaves nothing applied.
func (r *Region) Write(ctx context.Context, wb *batch.WriteBatch) (resp WriteResponse, err error) {
	if r.closed.Load() {
		return resp, core.ErrRegionClosed
	}
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "Region.Write")
	defer func() {
		if err != nil {
			r.cfg.Metrics.WriteErrorsTotal.Add(1)
			span.RecordError(err)
			span.SetStatus(codes.Error, "write_failed")
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("region", r.name))

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if r.closed.Load() {
		return resp, core.ErrRegionClosed
	}

	cur := r.vc.Current()
	meta := cur.Metadata()
	if wb == nil || wb.IsEmpty() {
		return resp, core.NewValidationError("batch", "", "empty write batch")
	}
	if wb.SchemaVersion() != meta.Version() {
		return resp, core.NewValidationError("schema", strconv.FormatUint(uint64(wb.SchemaVersion()), 10),
			"batch was built for schema version %d, region is at %d", wb.SchemaVersion(), meta.Version())
	}
	if err := r.cfg.Hooks.Trigger(ctx, hooks.NewPreWriteEvent(hooks.PreWritePayload{Region: r.name, Metadata: meta, Batch: wb})); err != nil {
		return resp, err
	}

	first := r.vc.CommittedSequence() + 1
	seqs, err := r.wal.Write(ctx, first, wb)
	if err != nil {
		r.logger.Error("WAL append failed, write rejected", "first_sequence", first, "error", err)
		return resp, err
	}
	// The batch is durable from here on; its sequences are never reused.
	r.vc.SetCommittedSequence(seqs.Last)

	mutable := cur.Memtables().Mutable()
	muts := wb.Mutations()
	for i := range muts {
		if err := mutable.Write(seqs.First+uint64(i), &muts[i]); err != nil {
			return resp, core.NewInternalError("durable batch %s could not be applied to memtable %d: %v", seqs, mutable.ID(), err)
		}
	}

	r.vc.PublishVisible(seqs.Last)

	resp = WriteResponse{RowsAffected: wb.NumRows(), Sequences: seqs}
	r.cfg.Metrics.WriteTotal.Add(1)
	r.cfg.Metrics.WriteRowsTotal.Add(int64(resp.RowsAffected))
	observeLatency(r.cfg.Metrics.WriteLatencyHist, time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int("write.rows", resp.RowsAffected),
		attribute.Int64("write.sequence.last", int64(seqs.Last)),
	)
	_ = r.cfg.Hooks.Trigger(ctx, hooks.NewPostWriteEvent(hooks.PostWritePayload{
		Region: r.name, Sequences: seqs, RowsAffected: resp.RowsAffected,
	}))

	mems := r.vc.Current().Memtables()
	if r.cfg.Strategy.ShouldFlush(mems.Mutable().BytesAllocated(), mems.BytesAllocated()) {
		if _, _, err := r.scheduleFlushLocked(ctx); err != nil {
			// the write itself succeeded; the next write or Flush retries
			r.logger.Warn("Failed to schedule flush", "error", err)
		}
	}
	return resp, nil
}

// String renders the response for logs.
func (w WriteResponse) String() string {
	return fmt.Sprintf("rows=%d sequences=%s", w.RowsAffected, w.Sequences)
}
