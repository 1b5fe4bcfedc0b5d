package tasks

import (
	"context"
	"time"
)

// newFlushOutboundTask drains replies left queued by updates whose own
// flush found their chat busy.
func newFlushOutboundTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "flush_outbound")

	return func(ctx context.Context) error {
		pending := deps.Dispatcher.Len()
		if pending == 0 {
			return nil
		}
		startTime := time.Now()
		deps.Dispatcher.Flush(ctx)
		log.DebugContext(ctx, "Flushed outbound queue",
			"pending_before", pending,
			"pending_after", deps.Dispatcher.Len(),
			"duration", time.Since(startTime))
		return ctx.Err()
	}
}
