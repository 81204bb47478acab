package listeners

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/regionstore/hooks"
)

var (
	// expvars are process global; register them once.
	flushMetricsOnce   sync.Once
	totalMemtableBytes *expvar.Int
	totalFlushedBytes  *expvar.Int
	flushEvents        *expvar.Int
)

func initFlushMetrics() {
	flushMetricsOnce.Do(func() {
		totalMemtableBytes = expvar.NewInt("regionstore_flush_memtable_bytes_total")
		totalFlushedBytes = expvar.NewInt("regionstore_flush_sst_bytes_total")
		flushEvents = expvar.NewInt("regionstore_flush_events_total")
		// ratio of SST bytes written to memtable bytes flushed
		expvar.Publish("regionstore_flush_amplification", expvar.Func(func() interface{} {
			in := totalMemtableBytes.Value()
			if in == 0 {
				return 0.0
			}
			return float64(totalFlushedBytes.Value()) / float64(in)
		}))
	})
}

// FlushAmplificationListener tracks how many SST bytes a flush writes per
// memtable byte it drains.
type FlushAmplificationListener struct {
	logger *slog.Logger

	totalMemtableBytes *expvar.Int
	totalFlushedBytes  *expvar.Int
	flushEvents        *expvar.Int
}

func NewFlushAmplificationListener(logger *slog.Logger) *FlushAmplificationListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initFlushMetrics()
	return &FlushAmplificationListener{
		logger:             logger.With("component", "FlushAmplificationListener"),
		totalMemtableBytes: totalMemtableBytes,
		totalFlushedBytes:  totalFlushedBytes,
		flushEvents:        flushEvents,
	}
}

// OnEvent is called when a PostFlush event is triggered. Failed flushes are
// not counted.
func (l *FlushAmplificationListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	payload, ok := event.Payload().(hooks.PostFlushPayload)
	if !ok || payload.Error != nil {
		return nil
	}

	written := payload.BytesWritten()
	l.totalMemtableBytes.Add(payload.MemtableBytes)
	l.totalFlushedBytes.Add(written)
	l.flushEvents.Add(1)

	l.logger.Debug("Flush event processed",
		"region", payload.Region,
		"files", len(payload.Files),
		"memtable_bytes", payload.MemtableBytes,
		"bytes_written", written,
	)
	return nil
}

func (l *FlushAmplificationListener) Priority() int { return 100 }

func (l *FlushAmplificationListener) IsAsync() bool { return true }
