package listeners

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"testing"

	"github.com/INLOpen/regionstore/hooks"
	"github.com/INLOpen/regionstore/sst"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetFlushMetrics() {
	initFlushMetrics()
	totalMemtableBytes.Set(0)
	totalFlushedBytes.Set(0)
	flushEvents.Set(0)
}

func TestFlushAmplificationListener_OnEvent(t *testing.T) {
	resetFlushMetrics()
	listener := NewFlushAmplificationListener(nil)
	require.NotNil(t, listener)

	event := hooks.NewPostFlushEvent(hooks.PostFlushPayload{
		Region:        "cpu",
		MemtableBytes: 4000,
		Files:         []sst.FileMeta{{FileName: "a.sst", FileSize: 600}, {FileName: "b.sst", FileSize: 400}},
	})
	require.NoError(t, listener.OnEvent(context.Background(), event))

	assert.Equal(t, int64(4000), totalMemtableBytes.Value())
	assert.Equal(t, int64(1000), totalFlushedBytes.Value())
	assert.Equal(t, int64(1), flushEvents.Value())

	ratio := expvar.Get("regionstore_flush_amplification")
	require.NotNil(t, ratio)
	var value float64
	require.NoError(t, json.Unmarshal([]byte(ratio.String()), &value))
	assert.InDelta(t, 0.25, value, 1e-9)

	event = hooks.NewPostFlushEvent(hooks.PostFlushPayload{
		MemtableBytes: 1000,
		Files:         []sst.FileMeta{{FileSize: 1500}},
	})
	require.NoError(t, listener.OnEvent(context.Background(), event))
	require.NoError(t, json.Unmarshal([]byte(ratio.String()), &value))
	assert.InDelta(t, 2500.0/5000.0, value, 1e-9)
	assert.Equal(t, int64(2), flushEvents.Value())
}

func TestFlushAmplificationListener_IgnoresOtherEvents(t *testing.T) {
	resetFlushMetrics()
	listener := NewFlushAmplificationListener(nil)

	require.NoError(t, listener.OnEvent(context.Background(), hooks.NewPreWriteEvent(hooks.PreWritePayload{})))
	failed := hooks.NewPostFlushEvent(hooks.PostFlushPayload{MemtableBytes: 10, Error: errors.New("disk full")})
	require.NoError(t, listener.OnEvent(context.Background(), failed))

	assert.Equal(t, int64(0), totalMemtableBytes.Value())
	assert.Equal(t, int64(0), flushEvents.Value())
}
