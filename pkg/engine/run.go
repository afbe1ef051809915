package engine

import (
	"context"
	"time"

	"github.com/condor-exchange/condor/pkg/util"
)

// Run drives ProcessOrders on a fixed interval until the context is
// canceled. A failing tick is logged and retried on the next interval:
// pending orders stay in their index, so no work is lost.
func (e *Engine) Run(ctx context.Context, clock util.Clock, interval time.Duration) error {
	e.log.Infow("tick_loop_started", "interval_ms", interval.Milliseconds())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(interval):
			if err := e.ProcessOrders(); err != nil {
				e.log.Errorw("tick_failed", "err", err)
			}
		}
	}
}
