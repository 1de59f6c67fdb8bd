package guard

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// counterGraceMultiple is how many window durations a counter may sit stale
// before the sweeper reclaims it.
const counterGraceMultiple = 2

// sweeper is the periodic background pass that bounds memory: stale counters,
// expired blocks, aged suspicious records, and old history observations.
type sweeper struct {
	interval time.Duration
	counters *counterStore
	blocks   *Blocklist
	records  *suspicionRecords
	history  *historyStore
	monitor  *EventMonitor
	logger   *zap.Logger
}

// run loops until the context is cancelled. It is launched by Engine.Start
// and stopped by Engine.Stop.
func (s *sweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-ctx.Done():
			return
		}
	}
}

// sweep performs one eviction pass. Each store re-checks expiry under its own
// mutation lock; a counter with a live block is never removed.
func (s *sweeper) sweep() {
	counters := s.counters.sweep(counterGraceMultiple)
	blocks := s.blocks.sweep()
	records := s.records.sweep()
	observations := s.history.sweep()

	sweepRemoved.WithLabelValues("counters").Add(float64(counters))
	sweepRemoved.WithLabelValues("blocks").Add(float64(blocks))
	sweepRemoved.WithLabelValues("suspicious_records").Add(float64(records))
	sweepRemoved.WithLabelValues("history").Add(float64(observations))

	activeCounters.Set(float64(s.counters.activeCount()))
	activeBlocks.Set(float64(s.blocks.activeCount()))

	if counters+blocks+records+observations == 0 {
		return
	}

	s.logger.Debug("eviction sweep completed",
		zap.Int("counters_removed", counters),
		zap.Int("blocks_removed", blocks),
		zap.Int("suspicious_records_removed", records),
		zap.Int("history_observations_removed", observations),
	)

	s.monitor.Publish(&Event{
		Type: EventCleanup,
		Details: map[string]interface{}{
			"counters_removed":           counters,
			"blocks_removed":             blocks,
			"suspicious_records_removed": records,
			"history_removed":            observations,
		},
	})
}
