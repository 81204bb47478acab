package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/regionstore/hooks"
)

// DefaultLevel0Threshold is the level 0 file count that triggers a warning.
const DefaultLevel0Threshold = 16

// Level0AlerterListener logs a warning when flushes pile up level 0 files.
// Every level 0 file is read by every scan, so a growing count is an early
// sign of slow reads.
type Level0AlerterListener struct {
	logger    *slog.Logger
	threshold int
}

func NewLevel0AlerterListener(logger *slog.Logger, threshold int) *Level0AlerterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if threshold <= 0 {
		threshold = DefaultLevel0Threshold
	}
	return &Level0AlerterListener{
		logger:    logger.With("component", "Level0AlerterListener"),
		threshold: threshold,
	}
}

// OnEvent handles the PostFlush event.
func (l *Level0AlerterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPostFlush {
		return nil
	}

	payload, ok := event.Payload().(hooks.PostFlushPayload)
	if !ok {
		l.logger.Error("Received PostFlush event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}
	if payload.Error != nil {
		l.logger.Warn("Flush failed", "region", payload.Region, "error", payload.Error)
		return nil
	}
	if payload.Level0Files >= l.threshold {
		l.logger.Warn("Level 0 file count above threshold",
			"region", payload.Region,
			"level0_files", payload.Level0Files,
			"threshold", l.threshold,
		)
	}
	return nil
}

func (l *Level0AlerterListener) Priority() int { return 100 }

func (l *Level0AlerterListener) IsAsync() bool { return true }
