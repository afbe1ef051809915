package engine

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/condor-exchange/condor/pkg/order"
)

// CancelSpotOrder cancels a single pending spot order and refunds the
// escrowed order amount to the owner.
func (e *Engine) CancelSpotOrder(caller common.Address, orderID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.store.LoadSpotOrder(orderID)
	if err != nil {
		return err
	}
	if o == nil {
		return fmt.Errorf("%w: spot order %d", ErrOrderNotFound, orderID)
	}
	if o.Owner != caller {
		return fmt.Errorf("%w: caller %s does not own order %d", ErrUnauthorized, caller.Hex(), orderID)
	}
	if o.Status != order.StatusPending {
		return fmt.Errorf("%w: order %d is %s", ErrInvalidState, orderID, o.Status)
	}

	o.Status = order.StatusCanceled
	if err := e.store.SaveSpotOrder(o); err != nil {
		return err
	}
	if err := e.store.RemoveSpotPending(o.OrderID); err != nil {
		return err
	}
	if err := e.bank.Send(o.Owner, []order.Coin{o.OrderAmount}); err != nil {
		return fmt.Errorf("refund spot order %d: %w", orderID, err)
	}

	e.log.Infow("spot_order_canceled", "order_id", orderID, "refund", o.OrderAmount.String())
	e.publishSpot("canceled", o)
	return nil
}

// CancelSpotOrders cancels a batch of pending spot orders. With an
// explicit id list every order must belong to the caller and be pending or
// the whole call fails; with no list, all of the caller's pending orders
// are selected. An optional type filter must not empty the set. Refunds
// are merged into a single transfer per denomination.
func (e *Engine) CancelSpotOrders(caller common.Address, orderIDs []uint64, typeFilter *order.SpotOrderType) ([]uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var orders []*order.SpotOrder
	if orderIDs != nil {
		if len(orderIDs) == 0 {
			return nil, fmt.Errorf("%w: order ids is defined empty", ErrValidation)
		}
		// A repeated id cancels, and refunds, once.
		seen := make(map[uint64]struct{}, len(orderIDs))
		for _, id := range orderIDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			o, err := e.store.LoadSpotOrder(id)
			if err != nil {
				return nil, err
			}
			if o == nil {
				return nil, fmt.Errorf("%w: spot order %d", ErrOrderNotFound, id)
			}
			orders = append(orders, o)
		}
		for _, o := range orders {
			if o.Owner != caller {
				return nil, fmt.Errorf("%w: caller %s does not own order %d", ErrUnauthorized, caller.Hex(), o.OrderID)
			}
		}
		for _, o := range orders {
			if o.Status != order.StatusPending {
				return nil, fmt.Errorf("%w: order %d is %s", ErrInvalidState, o.OrderID, o.Status)
			}
		}
	} else {
		all, err := e.store.ListSpotOrders()
		if err != nil {
			return nil, err
		}
		for _, o := range all {
			if o.Owner == caller && o.Status == order.StatusPending {
				orders = append(orders, o)
			}
		}
		if len(orders) == 0 {
			return nil, fmt.Errorf("%w: no pending spot order for this user", ErrOrderNotFound)
		}
	}

	if typeFilter != nil {
		filtered := orders[:0:0]
		for _, o := range orders {
			if o.OrderType == *typeFilter {
				filtered = append(filtered, o)
			}
		}
		if len(filtered) == 0 {
			return nil, fmt.Errorf("%w: no order with this type", ErrOrderNotFound)
		}
		orders = filtered
	}

	batch := e.store.NewBatch()
	defer batch.Close()

	var refunds []order.Coin
	ids := make([]uint64, 0, len(orders))
	for _, o := range orders {
		o.Status = order.StatusCanceled
		if err := batch.SaveSpotOrder(o); err != nil {
			return nil, err
		}
		if err := batch.RemoveSpotPending(o.OrderID); err != nil {
			return nil, err
		}
		refunds = append(refunds, o.OrderAmount)
		ids = append(ids, o.OrderID)
	}
	if err := batch.Commit(); err != nil {
		return nil, err
	}

	if err := e.bank.Send(caller, mergeCoins(refunds)); err != nil {
		return nil, fmt.Errorf("refund spot orders: %w", err)
	}

	e.log.Infow("spot_orders_canceled", "count", len(ids), "owner", caller.Hex())
	for _, o := range orders {
		e.publishSpot("canceled", o)
	}
	return ids, nil
}

// CancelPerpetualOrder cancels a single pending perpetual order. Only
// LimitOpen orders escrowed collateral at creation, so only they are
// refunded.
func (e *Engine) CancelPerpetualOrder(caller common.Address, orderID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.store.LoadPerpetualOrder(orderID)
	if err != nil {
		return err
	}
	if o == nil {
		return fmt.Errorf("%w: perpetual order %d", ErrOrderNotFound, orderID)
	}
	if o.Owner != caller {
		return fmt.Errorf("%w: caller %s does not own order %d", ErrUnauthorized, caller.Hex(), orderID)
	}
	if o.Status != order.StatusPending {
		return fmt.Errorf("%w: order %d is %s", ErrInvalidState, orderID, o.Status)
	}

	o.Status = order.StatusCanceled
	if err := e.store.SavePerpetualOrder(o); err != nil {
		return err
	}
	if err := e.store.RemovePerpetualPending(o.OrderID); err != nil {
		return err
	}
	if o.Refundable() {
		if err := e.bank.Send(o.Owner, []order.Coin{o.Collateral}); err != nil {
			return fmt.Errorf("refund perpetual order %d: %w", orderID, err)
		}
	}

	e.log.Infow("perpetual_order_canceled", "order_id", orderID, "refunded", o.Refundable())
	e.publishPerp("canceled", o)
	return nil
}

// CancelPerpetualOrders is the batch form of CancelPerpetualOrder, with
// the same selection and filter semantics as CancelSpotOrders. Refunds
// (LimitOpen only) are merged per denomination into one transfer.
func (e *Engine) CancelPerpetualOrders(caller common.Address, orderIDs []uint64, typeFilter *order.PerpetualOrderType) ([]uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var orders []*order.PerpetualOrder
	if orderIDs != nil {
		if len(orderIDs) == 0 {
			return nil, fmt.Errorf("%w: order ids is defined empty", ErrValidation)
		}
		// A repeated id cancels, and refunds, once.
		seen := make(map[uint64]struct{}, len(orderIDs))
		for _, id := range orderIDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			o, err := e.store.LoadPerpetualOrder(id)
			if err != nil {
				return nil, err
			}
			if o == nil {
				return nil, fmt.Errorf("%w: perpetual order %d", ErrOrderNotFound, id)
			}
			orders = append(orders, o)
		}
		for _, o := range orders {
			if o.Owner != caller {
				return nil, fmt.Errorf("%w: caller %s does not own order %d", ErrUnauthorized, caller.Hex(), o.OrderID)
			}
		}
		for _, o := range orders {
			if o.Status != order.StatusPending {
				return nil, fmt.Errorf("%w: order %d is %s", ErrInvalidState, o.OrderID, o.Status)
			}
		}
	} else {
		all, err := e.store.ListPerpetualOrders()
		if err != nil {
			return nil, err
		}
		for _, o := range all {
			if o.Owner == caller && o.Status == order.StatusPending {
				orders = append(orders, o)
			}
		}
		if len(orders) == 0 {
			return nil, fmt.Errorf("%w: no pending perpetual order for this user", ErrOrderNotFound)
		}
	}

	if typeFilter != nil {
		filtered := orders[:0:0]
		for _, o := range orders {
			if o.OrderType == *typeFilter {
				filtered = append(filtered, o)
			}
		}
		if len(filtered) == 0 {
			return nil, fmt.Errorf("%w: no order with this type", ErrOrderNotFound)
		}
		orders = filtered
	}

	batch := e.store.NewBatch()
	defer batch.Close()

	var refunds []order.Coin
	ids := make([]uint64, 0, len(orders))
	for _, o := range orders {
		o.Status = order.StatusCanceled
		if err := batch.SavePerpetualOrder(o); err != nil {
			return nil, err
		}
		if err := batch.RemovePerpetualPending(o.OrderID); err != nil {
			return nil, err
		}
		if o.Refundable() {
			refunds = append(refunds, o.Collateral)
		}
		ids = append(ids, o.OrderID)
	}
	if err := batch.Commit(); err != nil {
		return nil, err
	}

	if len(refunds) > 0 {
		if err := e.bank.Send(caller, mergeCoins(refunds)); err != nil {
			return nil, fmt.Errorf("refund perpetual orders: %w", err)
		}
	}

	e.log.Infow("perpetual_orders_canceled", "count", len(ids), "owner", caller.Hex())
	for _, o := range orders {
		e.publishPerp("canceled", o)
	}
	return ids, nil
}
