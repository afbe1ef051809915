package engine

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/condor-exchange/condor/pkg/order"
	"github.com/condor-exchange/condor/pkg/storage"
	"github.com/condor-exchange/condor/pkg/venue"
)

// tick accumulates the disposition of one ProcessOrders run: storage
// writes go into a single atomic batch, outbound execution requests and
// refunds into single lists, all applied after every pending order has
// been evaluated. A failing query cancels only the order it belongs to.
type tick struct {
	replyID  uint64
	requests []venue.Request
	refunds  []refund
	canceled int
}

type refund struct {
	owner common.Address
	coin  order.Coin
}

// ProcessOrders runs one tick: the spot pass then the perpetual pass, each
// ascending over its pending index. Reply-id assignment follows this
// ordering, so it must stay deterministic.
func (e *Engine) ProcessOrders() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	spotOrders, err := e.store.ListPendingSpotOrders()
	if err != nil {
		return err
	}
	perpOrders, err := e.store.ListPendingPerpetualOrders()
	if err != nil {
		return err
	}
	if len(spotOrders) == 0 && len(perpOrders) == 0 {
		return nil
	}

	maxReplyID, err := e.store.MaxReplyID()
	if err != nil {
		return err
	}
	stableDenom, err := e.registry.Denom(StableAssetProfile)
	if err != nil {
		return fmt.Errorf("%w: asset profile: %v", ErrExternalQuery, err)
	}

	t := &tick{replyID: maxReplyID}
	batch := e.store.NewBatch()
	defer batch.Close()

	var spotEvents, perpEvents []OrderEvent

	for _, o := range spotOrders {
		evt, err := e.tickSpotOrder(t, batch, o)
		if err != nil {
			return err
		}
		spotEvents = append(spotEvents, evt)
	}
	for _, o := range perpOrders {
		evt, err := e.tickPerpetualOrder(t, batch, o, stableDenom)
		if err != nil {
			return err
		}
		perpEvents = append(perpEvents, evt)
	}

	if err := batch.SetMaxReplyID(t.replyID); err != nil {
		return err
	}

	// Dispatch before committing. If the venue rejects the batch nothing
	// has landed: the fired orders are still in the pending index and get
	// re-evaluated next tick instead of hanging on a reply that will
	// never arrive.
	if len(t.requests) > 0 {
		if err := e.dispatcher.Dispatch(t.requests); err != nil {
			return fmt.Errorf("dispatch tick requests: %w", err)
		}
	}
	if err := batch.Commit(); err != nil {
		return err
	}

	e.sendRefunds(t.refunds)

	e.log.Infow("tick_processed",
		"spot_pending", len(spotOrders),
		"perpetual_pending", len(perpOrders),
		"dispatched", len(t.requests),
		"canceled", t.canceled,
	)
	for _, evt := range spotEvents {
		if evt.Type != "" {
			e.publish(ChannelSpotOrders, evt)
		}
	}
	for _, evt := range perpEvents {
		if evt.Type != "" {
			e.publish(ChannelPerpOrders, evt)
		}
	}
	return nil
}

// tickSpotOrder decides one pending spot order: cancel with refund, fire,
// or leave for a later tick. Only reply-id overflow returns an error.
func (e *Engine) tickSpotOrder(t *tick, batch *storage.BatchWrite, o *order.SpotOrder) (OrderEvent, error) {
	cancel := func(reason string) (OrderEvent, error) {
		o.Status = order.StatusCanceled
		if err := batch.SaveSpotOrder(o); err != nil {
			return OrderEvent{}, err
		}
		if err := batch.RemoveSpotPending(o.OrderID); err != nil {
			return OrderEvent{}, err
		}
		t.refunds = append(t.refunds, refund{owner: o.Owner, coin: o.OrderAmount})
		t.canceled++
		e.log.Warnw("spot_order_tick_canceled", "order_id", o.OrderID, "reason", reason)
		return spotEvent("canceled", o), nil
	}

	// A trigger price whose denoms no longer match the trade legs marks a
	// stale order: abort it instead of evaluating against the wrong market.
	if !o.PriceDenomsMatch() {
		return cancel("trigger price denom mismatch")
	}

	discount, err := e.tiers.Discount(o.Owner)
	if err != nil {
		return cancel("discount query failed")
	}
	est, err := e.oracle.SwapEstimation(o.OrderAmount, o.OrderAmount.Denom, o.OrderTargetDenom, discount)
	if err != nil {
		return cancel("swap estimation failed")
	}
	marketRate, err := e.oracle.PriceRate(o.OrderAmount.Denom, o.OrderTargetDenom)
	if err != nil {
		return cancel("price query failed")
	}

	if !order.ShouldExecuteSpot(o, marketRate) {
		return OrderEvent{}, nil
	}

	replyID, err := nextReplyID(t.replyID)
	if err != nil {
		return OrderEvent{}, err
	}
	t.replyID = replyID

	// The order leaves the pending index but stays Pending until the
	// venue's completion arrives: dispatched-but-unconfirmed.
	if err := batch.RemoveSpotPending(o.OrderID); err != nil {
		return OrderEvent{}, err
	}
	if err := batch.SaveReplyInfo(&order.ReplyInfo{ID: replyID, Type: order.ReplySpotOrder, OrderID: o.OrderID}); err != nil {
		return OrderEvent{}, err
	}
	t.requests = append(t.requests, venue.Request{
		ReplyID: replyID,
		Kind:    venue.RequestSwap,
		Swap: &venue.SwapRequest{
			Owner:             o.Owner,
			Amount:            o.OrderAmount,
			Route:             est.Route,
			TokenOutMinAmount: order.TokenOutMinAmount(o),
			Discount:          discount,
		},
	})
	e.log.Infow("spot_order_fired", "order_id", o.OrderID, "reply_id", replyID, "market_rate", marketRate.String())
	return spotEvent("dispatched", o), nil
}

// tickPerpetualOrder decides one pending perpetual order. Collateral is
// refunded only for LimitOpen orders; close orders never escrowed funds
// with the engine.
func (e *Engine) tickPerpetualOrder(t *tick, batch *storage.BatchWrite, o *order.PerpetualOrder, stableDenom string) (OrderEvent, error) {
	cancel := func(reason string) (OrderEvent, error) {
		o.Status = order.StatusCanceled
		if err := batch.SavePerpetualOrder(o); err != nil {
			return OrderEvent{}, err
		}
		if err := batch.RemovePerpetualPending(o.OrderID); err != nil {
			return OrderEvent{}, err
		}
		if o.Refundable() {
			t.refunds = append(t.refunds, refund{owner: o.Owner, coin: o.Collateral})
		}
		t.canceled++
		e.log.Warnw("perpetual_order_tick_canceled", "order_id", o.OrderID, "reason", reason)
		return perpEvent("canceled", o), nil
	}

	if o.TriggerPrice == nil || !o.PriceDenomsMatch(stableDenom) {
		return cancel("trigger price denom mismatch")
	}

	marketRate, err := e.oracle.PriceRate(o.Collateral.Denom, o.TradingAsset)
	if err != nil {
		return cancel("price query failed")
	}

	// Close and stop orders track a live position; if it was closed
	// elsewhere there is nothing left to act on.
	if o.OrderType != order.PerpLimitOpen {
		pos, err := e.ledger.Position(o.Owner, *o.PositionID)
		if err != nil || pos == nil {
			return cancel("margin position gone")
		}
	}

	if !order.ShouldExecutePerpetual(o, marketRate) {
		return OrderEvent{}, nil
	}

	var req venue.Request
	var replyType order.ReplyType
	if o.OrderType == order.PerpLimitOpen {
		replyType = order.ReplyPerpetualOpen
		req = venue.Request{
			Kind: venue.RequestOpenPosition,
			Open: &venue.OpenRequest{
				Owner:           o.Owner,
				Collateral:      o.Collateral,
				TradingAsset:    o.TradingAsset,
				Position:        o.Position,
				Leverage:        o.Leverage,
				TakeProfitPrice: o.TakeProfitPrice,
			},
		}
	} else {
		// Re-read the live position: the close must cover the exact
		// custodied amount at dispatch time, not at creation time.
		pos, err := e.ledger.Position(o.Owner, *o.PositionID)
		if err != nil || pos == nil {
			return cancel("margin position gone")
		}
		replyType = order.ReplyPerpetualClose
		req = venue.Request{
			Kind: venue.RequestClosePosition,
			Close: &venue.CloseRequest{
				Owner:      o.Owner,
				PositionID: *o.PositionID,
				Amount:     pos.Custody,
			},
		}
	}

	replyID, err := nextReplyID(t.replyID)
	if err != nil {
		return OrderEvent{}, err
	}
	t.replyID = replyID
	req.ReplyID = replyID

	if err := batch.RemovePerpetualPending(o.OrderID); err != nil {
		return OrderEvent{}, err
	}
	if err := batch.SaveReplyInfo(&order.ReplyInfo{ID: replyID, Type: replyType, OrderID: o.OrderID}); err != nil {
		return OrderEvent{}, err
	}
	t.requests = append(t.requests, req)
	e.log.Infow("perpetual_order_fired", "order_id", o.OrderID, "reply_id", replyID, "market_rate", marketRate.String())
	return perpEvent("dispatched", o), nil
}

// sendRefunds merges the tick's refunds into one transfer per owner, one
// coin per denomination. Refund failures are logged, not propagated: the
// tick's storage state is already committed.
func (e *Engine) sendRefunds(refunds []refund) {
	if len(refunds) == 0 {
		return
	}
	var owners []common.Address
	byOwner := make(map[common.Address][]order.Coin)
	for _, r := range refunds {
		if _, ok := byOwner[r.owner]; !ok {
			owners = append(owners, r.owner)
		}
		byOwner[r.owner] = append(byOwner[r.owner], r.coin)
	}
	for _, owner := range owners {
		if err := e.bank.Send(owner, mergeCoins(byOwner[owner])); err != nil {
			e.log.Errorw("tick_refund_failed", "owner", owner.Hex(), "err", err)
		}
	}
}

func spotEvent(evtType string, o *order.SpotOrder) OrderEvent {
	return OrderEvent{Type: evtType, Kind: "spot", OrderID: o.OrderID, Owner: o.Owner.Hex(), Status: o.Status.String()}
}

func perpEvent(evtType string, o *order.PerpetualOrder) OrderEvent {
	return OrderEvent{Type: evtType, Kind: "perpetual", OrderID: o.OrderID, Owner: o.Owner.Hex(), Status: o.Status.String()}
}
