package engine

import (
	"fmt"

	"github.com/condor-exchange/condor/pkg/order"
)

// HandleCompletion consumes the venue's completion callback for a
// dispatched request. The correlation entry resolves the originating
// order, whose status becomes terminal; the entry is then deleted so every
// reply id is consumed exactly once.
func (e *Engine) HandleCompletion(replyID uint64, success bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	info, err := e.store.LoadReplyInfo(replyID)
	if err != nil {
		return err
	}
	if info == nil {
		return fmt.Errorf("%w: reply %d", ErrReplyNotFound, replyID)
	}

	status := order.StatusExecuted
	if !success {
		status = order.StatusFailed
	}

	var final order.Status
	if info.Type.Spot() {
		o, err := e.store.LoadSpotOrder(info.OrderID)
		if err != nil {
			return err
		}
		if o == nil {
			return fmt.Errorf("%w: spot order %d", ErrOrderNotFound, info.OrderID)
		}
		// An order canceled while its request was in flight keeps its
		// terminal status; the completion only consumes the reply entry.
		if o.Status == order.StatusPending {
			o.Status = status
			if err := e.store.SaveSpotOrder(o); err != nil {
				return err
			}
		}
		final = o.Status
		e.publishSpot(completionEvent(final), o)
	} else {
		o, err := e.store.LoadPerpetualOrder(info.OrderID)
		if err != nil {
			return err
		}
		if o == nil {
			return fmt.Errorf("%w: perpetual order %d", ErrOrderNotFound, info.OrderID)
		}
		if o.Status == order.StatusPending {
			o.Status = status
			if err := e.store.SavePerpetualOrder(o); err != nil {
				return err
			}
		}
		final = o.Status
		e.publishPerp(completionEvent(final), o)
	}

	if err := e.store.DeleteReplyInfo(replyID); err != nil {
		return err
	}

	e.log.Infow("completion_handled", "reply_id", replyID, "type", info.Type.String(), "order_id", info.OrderID, "status", final.String())
	return nil
}

// completionEvent names the event for the status a completion left behind.
func completionEvent(s order.Status) string {
	switch s {
	case order.StatusExecuted:
		return "executed"
	case order.StatusFailed:
		return "failed"
	default:
		return "canceled"
	}
}
