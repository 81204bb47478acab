package region

import (
	"github.com/INLOpen/regionstore/core"
	"github.com/INLOpen/regionstore/version"
)

// Stats is a point-in-time summary of a region for operators.
type Stats struct {
	Name              string              `json:"name"`
	SchemaVersion     uint32              `json:"schema_version"`
	CommittedSequence core.SequenceNumber `json:"committed_sequence"`
	VisibleSequence   core.SequenceNumber `json:"visible_sequence"`
	FlushedSequence   core.SequenceNumber `json:"flushed_sequence"`
	ManifestVersion   uint64              `json:"manifest_version"`

	MemtableBytes      int64 `json:"memtable_bytes"`
	MutableRows        int64 `json:"mutable_rows"`
	ImmutableMemtables int   `json:"immutable_memtables"`
	FilesPerLevel      []int `json:"files_per_level"`

	FlushCount          int64   `json:"flush_count"`
	FlushFailures       int64   `json:"flush_failures"`
	LastFlushError      string  `json:"last_flush_error,omitempty"`
	FlushLatencyP50Secs float64 `json:"flush_latency_p50_seconds"`
	FlushLatencyP99Secs float64 `json:"flush_latency_p99_seconds"`
	FlushInFlight       bool    `json:"flush_in_flight"`
}

func (r *Region) Stats() Stats {
	v := r.vc.Current()
	mems := v.Memtables()
	st := Stats{
		Name:               r.name,
		SchemaVersion:      v.Metadata().Version(),
		CommittedSequence:  r.vc.CommittedSequence(),
		VisibleSequence:    r.vc.VisibleSequence(),
		FlushedSequence:    v.FlushedSequence(),
		ManifestVersion:    v.ManifestVersion(),
		MemtableBytes:      mems.BytesAllocated(),
		MutableRows:        mems.Mutable().NumRows(),
		ImmutableMemtables: len(mems.Immutables()),
		FilesPerLevel:      make([]int, version.MaxLevels),
	}
	for i := range st.FilesPerLevel {
		st.FilesPerLevel[i] = len(v.SSTs().Level(i))
	}

	r.statsMu.Lock()
	st.FlushCount = r.flushCount
	st.FlushFailures = r.flushFailures
	if r.lastFlushErr != nil {
		st.LastFlushError = r.lastFlushErr.Error()
	}
	if r.flushLatency.Count() > 0 {
		st.FlushLatencyP50Secs = r.flushLatency.Quantile(0.5)
		st.FlushLatencyP99Secs = r.flushLatency.Quantile(0.99)
	}
	r.statsMu.Unlock()

	if h := r.currentFlush(); h != nil {
		select {
		case <-h.Done():
		default:
			st.FlushInFlight = true
		}
	}
	return st
}
