// Package flush turns frozen memtables into level 0 SST files and records
// them in the region manifest.
package flush

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/INLOpen/regionstore/core"
	"github.com/INLOpen/regionstore/manifest"
	"github.com/INLOpen/regionstore/memtable"
	"github.com/INLOpen/regionstore/sst"
	"github.com/INLOpen/regionstore/version"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ManifestWriter is the part of the manifest a flush needs.
type ManifestWriter interface {
	Update(ctx context.Context, actions manifest.ActionList) (uint64, error)
}

// EditApplier publishes the result of a flush. Regions implement it.
type EditApplier interface {
	ApplyFlush(ctx context.Context, edit version.Edit) error
}

// RetryPolicy controls how often a failing flush is retried.
type RetryPolicy struct {
	MaxRetries   uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialDelay > 0 {
		b.InitialInterval = p.InitialDelay
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	return b
}

// Job flushes a set of frozen memtables.
type Job struct {
	RegionName string
	// Memtables are flushed to one SST each, oldest first.
	Memtables []memtable.Memtable
	// FlushSequence is the committed sequence when the memtables were
	// frozen. Every row they hold has a sequence <= it.
	FlushSequence core.SequenceNumber
	SchemaVersion uint32

	SstLayer     sst.AccessLayer
	Manifest     ManifestWriter
	Applier      EditApplier
	Compressor   core.Compressor
	RowGroupSize int
	Retry        RetryPolicy
	// OnComplete, if set, is called once Run finishes, successfully or not.
	OnComplete func(res Result, err error)

	Logger *slog.Logger
	Tracer trace.Tracer
}

// Result reports what a successful job produced.
type Result struct {
	Files           []sst.FileMeta
	ManifestVersion uint64
	Attempts        int
}

// Run writes the SSTs, commits them to the manifest and publishes the new
// Version. A failed attempt deletes the files it wrote and is retried; on
// final failure the memtables stay in place for the next flush.
func (j *Job) Run(ctx context.Context) (res Result, err error) {
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "FlushJob", "region", j.RegionName)
	tracer := j.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("flush")
	}

	if j.OnComplete != nil {
		defer func() { j.OnComplete(res, err) }()
	}

	ctx, span := tracer.Start(ctx, "FlushJob.Run")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "flush_failed")
		}
		span.End()
	}()
	span.SetAttributes(
		attribute.String("region", j.RegionName),
		attribute.Int("flush.memtables", len(j.Memtables)),
		attribute.Int64("flush.sequence", int64(j.FlushSequence)),
	)

	attempts := 0
	operation := func() (Result, error) {
		attempts++
		r, err := j.attempt(ctx, logger)
		if err != nil && core.IsInternal(err) {
			return r, backoff.Permanent(err)
		}
		return r, err
	}
	res, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(j.Retry.backOff()),
		backoff.WithMaxTries(j.Retry.MaxRetries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("Flush attempt failed, retrying", "error", err, "retry_in", next)
		}),
	)
	res.Attempts = attempts
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Err
		}
		logger.Error("Flush failed", "attempts", attempts, "error", err)
		return res, fmt.Errorf("flush of region %s failed after %d attempts: %w", j.RegionName, attempts, err)
	}

	edit := version.Edit{
		FilesToAdd:      res.Files,
		FlushedSequence: &j.FlushSequence,
		ManifestVersion: res.ManifestVersion,
	}
	for _, m := range j.Memtables {
		edit.FlushedMemtables = append(edit.FlushedMemtables, m.ID())
	}
	if err := j.Applier.ApplyFlush(ctx, edit); err != nil {
		return res, fmt.Errorf("failed to apply flush edit: %w", err)
	}
	span.SetAttributes(attribute.Int("flush.files", len(res.Files)), attribute.Int("flush.attempts", attempts))
	logger.Info("Flush finished", "files", len(res.Files), "flushed_sequence", j.FlushSequence,
		"manifest_version", res.ManifestVersion, "attempts", attempts)
	return res, nil
}

func (j *Job) attempt(ctx context.Context, logger *slog.Logger) (res Result, err error) {
	var written []sst.FileMeta
	defer func() {
		if err == nil {
			return
		}
		for _, f := range written {
			if derr := j.SstLayer.DeleteSST(ctx, f.FileName); derr != nil {
				logger.Warn("Failed to delete orphan sst", "name", f.FileName, "error", derr)
			}
		}
	}()

	for _, m := range j.Memtables {
		it, err := m.Iter(memtable.IterOptions{
			SequenceCeiling: j.FlushSequence,
			KeepTombstones:  true,
		})
		if err != nil {
			return res, core.NewInternalError("memtable %d cannot be iterated: %v", m.ID(), err)
		}
		meta, err := j.SstLayer.WriteSST(ctx, sst.NewFileName(), it, sst.WriteOptions{
			Metadata:     m.Metadata(),
			Compressor:   j.Compressor,
			RowGroupSize: j.RowGroupSize,
			Level:        0,
		})
		_ = it.Close()
		if err != nil {
			return res, err
		}
		if meta != nil {
			written = append(written, *meta)
		}
	}

	actions := manifest.NewActionList(manifest.NewEdit(j.SchemaVersion, &j.FlushSequence, written, nil))
	mv, err := j.Manifest.Update(ctx, actions)
	if err != nil {
		return res, err
	}
	return Result{Files: written, ManifestVersion: mv}, nil
}
