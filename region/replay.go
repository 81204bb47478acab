package region

import (
	"context"
	"time"

	"github.com/INLOpen/regionstore/core"
	"github.com/INLOpen/regionstore/hooks"
)

// replay rebuilds the memtables from the WAL entries past the flushed
// sequence. Pending metadata changes are installed as replay passes their
// committed sequence, so each entry lands in a memtable built for the schema
// it was written under.
func (r *Region) replay(ctx context.Context, recovered RecoveredMetadataMap) error {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "Region.Replay")
	defer span.End()

	flushed := r.vc.Current().FlushedSequence()
	committed := flushed
	pending := recovered.Sorted()
	installUpTo := func(seq core.SequenceNumber) {
		for len(pending) > 0 && pending[0].CommittedSequence < seq {
			r.vc.SetMetadata(pending[0].Metadata, r.cfg.MemtableBuilder)
			if pending[0].CommittedSequence > committed {
				committed = pending[0].CommittedSequence
			}
			pending = pending[1:]
		}
	}

	it, err := r.wal.Replay(ctx, flushed+1)
	if err != nil {
		return err
	}
	defer it.Close()

	var entries, mutations int64
	for it.Next() {
		entry := it.Entry()
		installUpTo(entry.Sequences.First)
		mutable := r.vc.Current().Memtables().Mutable()
		muts := entry.Batch.Mutations()
		for i := range muts {
			seq := entry.Sequences.First + uint64(i)
			if seq <= flushed {
				continue
			}
			if err := mutable.Write(seq, &muts[i]); err != nil {
				return core.NewInternalError("wal entry %s could not be applied to memtable %d: %v", entry.Sequences, mutable.ID(), err)
			}
			mutations++
		}
		if entry.Sequences.Last > committed {
			committed = entry.Sequences.Last
		}
		entries++
	}
	if err := it.Err(); err != nil {
		return err
	}
	installUpTo(core.MaxSequenceNumber)
	r.vc.SetCommittedSequence(committed)
	r.vc.PublishVisible(committed)

	took := time.Since(start)
	r.cfg.Metrics.WALRecoveredEntriesTotal.Add(entries)
	r.cfg.Metrics.WALRecoveryDurationSeconds.Set(took.Seconds())
	r.logger.Info("WAL replay finished", "entries", entries, "mutations", mutations,
		"from_sequence", flushed+1, "committed_sequence", committed, "duration", took)
	_ = r.cfg.Hooks.Trigger(ctx, hooks.NewPostWALReplayEvent(hooks.PostWALReplayPayload{
		Region:                r.name,
		RecoveredEntriesCount: int(entries),
		LastSequence:          committed,
		Duration:              took,
	}))
	return nil
}
