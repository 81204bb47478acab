package region

import (
	"expvar"
	"fmt"
)

// latencyBuckets defines the buckets for latency histograms (in seconds).
var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Metrics holds the expvar variables of one region.
type Metrics struct {
	PublishedGlobally bool

	WriteTotal       *expvar.Int
	WriteErrorsTotal *expvar.Int
	WriteRowsTotal   *expvar.Int
	ScanTotal        *expvar.Int

	FlushTotal          *expvar.Int
	FlushErrorsTotal    *expvar.Int
	FlushAttemptsTotal  *expvar.Int
	SSTsCreatedTotal    *expvar.Int
	FlushBytesTotal     *expvar.Int
	FlushRowsTotal      *expvar.Int
	ManifestUpdateTotal *expvar.Int
	CheckpointTotal     *expvar.Int

	WALRecoveryDurationSeconds *expvar.Float
	WALRecoveredEntriesTotal   *expvar.Int

	IndexCacheHits   *expvar.Int
	IndexCacheMisses *expvar.Int

	WriteLatencyHist *expvar.Map
	FlushLatencyHist *expvar.Map
}

// NewMetrics creates the variables. With publishGlobally they are registered
// in the process-wide expvar namespace under prefix, reusing (and resetting)
// variables a previous region of the same name registered.
func NewMetrics(publishGlobally bool, prefix string) *Metrics {
	var newIntFunc func(string) *expvar.Int
	var newFloatFunc func(string) *expvar.Float
	var newMapFunc func(string) *expvar.Map

	if publishGlobally {
		newIntFunc = publishExpvarInt
		newFloatFunc = publishExpvarFloat
		newMapFunc = publishExpvarMap
	} else {
		newIntFunc = func(_ string) *expvar.Int { return new(expvar.Int) }
		newFloatFunc = func(_ string) *expvar.Float { return new(expvar.Float) }
		newMapFunc = func(_ string) *expvar.Map {
			m := new(expvar.Map)
			m.Init()
			return m
		}
	}

	m := &Metrics{
		PublishedGlobally: publishGlobally,
		WriteTotal:        newIntFunc(prefix + "write_total"),
		WriteErrorsTotal:  newIntFunc(prefix + "write_errors_total"),
		WriteRowsTotal:    newIntFunc(prefix + "write_rows_total"),
		ScanTotal:         newIntFunc(prefix + "scan_total"),

		FlushTotal:          newIntFunc(prefix + "flush_total"),
		FlushErrorsTotal:    newIntFunc(prefix + "flush_errors_total"),
		FlushAttemptsTotal:  newIntFunc(prefix + "flush_attempts_total"),
		SSTsCreatedTotal:    newIntFunc(prefix + "ssts_created_total"),
		FlushBytesTotal:     newIntFunc(prefix + "flush_bytes_total"),
		FlushRowsTotal:      newIntFunc(prefix + "flush_rows_total"),
		ManifestUpdateTotal: newIntFunc(prefix + "manifest_update_total"),
		CheckpointTotal:     newIntFunc(prefix + "manifest_checkpoint_total"),

		WALRecoveryDurationSeconds: newFloatFunc(prefix + "wal_recovery_duration_seconds"),
		WALRecoveredEntriesTotal:   newIntFunc(prefix + "wal_recovered_entries_total"),

		IndexCacheHits:   newIntFunc(prefix + "sst_index_cache_hits"),
		IndexCacheMisses: newIntFunc(prefix + "sst_index_cache_misses"),

		WriteLatencyHist: newMapFunc(prefix + "write_latency_seconds"),
		FlushLatencyHist: newMapFunc(prefix + "flush_latency_seconds"),
	}
	for _, h := range []*expvar.Map{m.WriteLatencyHist, m.FlushLatencyHist} {
		h.Set("count", new(expvar.Int))
		h.Set("sum", new(expvar.Float))
		for _, b := range latencyBuckets {
			h.Set(fmt.Sprintf("le_%.3f", b), new(expvar.Int))
		}
		h.Set("le_inf", new(expvar.Int))
	}
	return m
}

// observeLatency records the duration in the provided histogram map.
func observeLatency(histMap *expvar.Map, durationSeconds float64) {
	if histMap == nil {
		return
	}
	if countInt, ok := histMap.Get("count").(*expvar.Int); ok {
		countInt.Add(1)
	}
	if sumFloat, ok := histMap.Get("sum").(*expvar.Float); ok {
		sumFloat.Add(durationSeconds)
	}
	for _, b := range latencyBuckets {
		if durationSeconds <= b {
			if bucketInt, ok := histMap.Get(fmt.Sprintf("le_%.3f", b)).(*expvar.Int); ok {
				bucketInt.Add(1)
			}
		}
	}
	if infInt, ok := histMap.Get("le_inf").(*expvar.Int); ok {
		infInt.Add(1)
	}
}

func publishExpvarInt(name string) *expvar.Int {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewInt(name)
	}
	if iv, ok := v.(*expvar.Int); ok {
		iv.Set(0)
		return iv
	}
	panic(fmt.Sprintf("expvar: trying to publish Int %s but variable already exists with different type %T", name, v))
}

func publishExpvarFloat(name string) *expvar.Float {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewFloat(name)
	}
	if fv, ok := v.(*expvar.Float); ok {
		fv.Set(0.0)
		return fv
	}
	panic(fmt.Sprintf("expvar: trying to publish Float %s but variable already exists with different type %T", name, v))
}

// publishExpvarMap returns the existing map of that name, if any. The caller
// resets its entries.
func publishExpvarMap(name string) *expvar.Map {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewMap(name)
	}
	if mv, ok := v.(*expvar.Map); ok {
		mv.Init()
		return mv
	}
	panic(fmt.Sprintf("expvar: trying to publish Map %s but variable already exists with different type %T", name, v))
}
