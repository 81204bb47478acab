package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/regionstore/core"
	"github.com/INLOpen/regionstore/hooks"
)

// Thresholds defines the min/max acceptable values for a column.
type Thresholds struct {
	Min float64
	Max float64
}

// OutlierRule configures outlier detection for one column of one region.
type OutlierRule struct {
	Region     string
	Column     string
	Thresholds Thresholds
}

// OutlierDetectionListener checks incoming writes for values that fall
// outside configured thresholds. It only reports; writes are never rejected.
type OutlierDetectionListener struct {
	logger *slog.Logger
	rules  map[string]map[string]Thresholds // map[region]map[column]Thresholds
}

func NewOutlierDetectionListener(logger *slog.Logger, rules []OutlierRule) *OutlierDetectionListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ruleMap := make(map[string]map[string]Thresholds)
	for _, rule := range rules {
		if _, ok := ruleMap[rule.Region]; !ok {
			ruleMap[rule.Region] = make(map[string]Thresholds)
		}
		ruleMap[rule.Region][rule.Column] = rule.Thresholds
	}

	return &OutlierDetectionListener{
		logger: logger.With("component", "OutlierDetectionListener"),
		rules:  ruleMap,
	}
}

func numeric(v core.Value) (float64, bool) {
	if f, ok := v.Float64(); ok {
		return f, true
	}
	if i, ok := v.Int64(); ok {
		return float64(i), true
	}
	if u, ok := v.Uint64(); ok {
		return float64(u), true
	}
	return 0, false
}

// OnEvent inspects PreWrite batches.
func (l *OutlierDetectionListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPreWrite {
		return nil
	}

	payload, ok := event.Payload().(hooks.PreWritePayload)
	if !ok {
		l.logger.Error("Received PreWrite event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}
	columnRules, ok := l.rules[payload.Region]
	if !ok || payload.Batch == nil {
		return nil
	}

	for _, mut := range payload.Batch.Mutations() {
		if mut.Op != core.OpPut {
			continue
		}
		for column, thresholds := range columnRules {
			vec, ok := mut.Column(column)
			if !ok {
				continue
			}
			for row, v := range vec.Values {
				value, ok := numeric(v)
				if !ok {
					continue
				}
				if value < thresholds.Min || value > thresholds.Max {
					l.logger.Warn("Outlier detected",
						"region", payload.Region,
						"column", column,
						"row", row,
						"value", value,
						"min_threshold", thresholds.Min,
						"max_threshold", thresholds.Max,
					)
				}
			}
		}
	}
	return nil
}

func (l *OutlierDetectionListener) Priority() int { return 100 }

// IsAsync is ignored for Pre hooks, which always run synchronously.
func (l *OutlierDetectionListener) IsAsync() bool { return false }
