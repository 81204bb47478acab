package region

import (
	"context"
	"errors"
	"time"

	"github.com/INLOpen/regionstore/core"
	"github.com/INLOpen/regionstore/flush"
	"github.com/INLOpen/regionstore/hooks"
	"github.com/INLOpen/regionstore/version"
)

var _ flush.EditApplier = (*Region)(nil)

// Flush freezes the mutable memtable and waits until every frozen memtable
// has been written to SSTs. A flush already in flight is waited for first.
func (r *Region) Flush(ctx context.Context) error {
	if r.closed.Load() {
		return core.ErrRegionClosed
	}
	for {
		r.writeMu.Lock()
		h, running, err := r.scheduleFlushLocked(ctx)
		r.writeMu.Unlock()
		if err != nil {
			return err
		}
		if h == nil {
			return nil
		}
		if err := h.Wait(ctx); err != nil {
			if running && ctx.Err() == nil {
				// the earlier flush failed; the next one retries its
				// memtables together with the ones frozen since
				continue
			}
			return err
		}
		if !running {
			return nil
		}
		// the earlier flush did not cover rows written since; go again
	}
}

// currentFlush returns the flush in flight, if any.
func (r *Region) currentFlush() *flush.Handle {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	return r.inFlight
}

// scheduleFlushLocked starts a flush of every frozen memtable. When a flush
// is still running it returns that flush's handle with running set instead.
// It returns a nil handle when there is nothing to flush. writeMu must be
// held.
func (r *Region) scheduleFlushLocked(ctx context.Context) (h *flush.Handle, running bool, err error) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	if r.inFlight != nil {
		select {
		case <-r.inFlight.Done():
			r.inFlight = nil
		default:
			return r.inFlight, true, nil
		}
	}

	r.vc.FreezeMutable(r.cfg.MemtableBuilder)
	cur := r.vc.Current()
	mems := cur.Memtables()
	if !mems.HasImmutables() {
		return nil, false, nil
	}
	flushSeq := r.vc.CommittedSequence()
	var memBytes int64
	for _, m := range mems.Immutables() {
		memBytes += m.BytesAllocated()
	}
	if err := r.cfg.Hooks.Trigger(ctx, hooks.NewPreFlushEvent(hooks.PreFlushPayload{
		Region:        r.name,
		Memtables:     len(mems.Immutables()),
		MemtableBytes: memBytes,
		FlushSequence: flushSeq,
	})); err != nil {
		return nil, false, err
	}

	start := time.Now()
	job := &flush.Job{
		RegionName:    r.name,
		Memtables:     mems.Immutables(),
		FlushSequence: flushSeq,
		SchemaVersion: cur.Metadata().Version(),
		SstLayer:      r.cfg.SstLayer,
		Manifest:      manifestWriter{r},
		Applier:       r,
		Compressor:    r.cfg.SstCompressor,
		RowGroupSize:  r.cfg.RowGroupSize,
		Retry:         r.cfg.Retry,
		Logger:        r.cfg.Logger,
		Tracer:        r.tracer,
	}
	job.OnComplete = func(res flush.Result, err error) {
		r.flushCompleted(job, res, memBytes, time.Since(start), err)
	}

	h, err = r.cfg.Scheduler.ScheduleFlush(context.WithoutCancel(ctx), job)
	if err != nil {
		if errors.Is(err, flush.ErrPoolClosed) {
			return nil, false, core.ErrRegionClosed
		}
		return nil, false, err
	}
	r.inFlight = h
	r.logger.Debug("Flush scheduled", "memtables", len(job.Memtables), "flush_sequence", flushSeq, "bytes", memBytes)
	return h, false, nil
}

// ApplyFlush publishes the Version produced by a flush job and drops the WAL
// prefix the flushed files now cover.
func (r *Region) ApplyFlush(ctx context.Context, edit version.Edit) error {
	if err := r.vc.ApplyEdit(edit); err != nil {
		return err
	}
	if edit.FlushedSequence != nil {
		if err := r.wal.Obsolete(ctx, *edit.FlushedSequence); err != nil {
			// the entries stay replayable; replay skips them
			r.logger.Warn("Failed to truncate wal after flush", "flushed_sequence", *edit.FlushedSequence, "error", err)
		}
	}
	r.maybeCheckpoint(ctx, edit.ManifestVersion)
	return nil
}

func (r *Region) flushCompleted(job *flush.Job, res flush.Result, memBytes int64, took time.Duration, err error) {
	m := r.cfg.Metrics
	m.FlushAttemptsTotal.Add(int64(res.Attempts))

	r.statsMu.Lock()
	if err != nil {
		r.flushFailures++
		r.lastFlushErr = err
	} else {
		r.flushCount++
		r.lastFlushErr = nil
		if terr := r.flushLatency.AddWeighted(took.Seconds(), 1); terr != nil {
			r.logger.Debug("Failed to record flush latency", "error", terr)
		}
	}
	r.statsMu.Unlock()

	payload := hooks.PostFlushPayload{
		Region:          r.name,
		Files:           res.Files,
		MemtableBytes:   memBytes,
		FlushedSequence: job.FlushSequence,
		ManifestVersion: res.ManifestVersion,
		Level0Files:     len(r.vc.Current().SSTs().Level(0)),
		Duration:        took,
		Error:           err,
	}
	if err != nil {
		m.FlushErrorsTotal.Add(1)
	} else {
		m.FlushTotal.Add(1)
		m.SSTsCreatedTotal.Add(int64(len(res.Files)))
		m.FlushBytesTotal.Add(payload.BytesWritten())
		var rows int64
		for _, f := range res.Files {
			rows += f.NumRows
		}
		m.FlushRowsTotal.Add(rows)
		observeLatency(m.FlushLatencyHist, took.Seconds())
	}
	_ = r.cfg.Hooks.Trigger(context.Background(), hooks.NewPostFlushEvent(payload))
}
