package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/condor-exchange/condor/pkg/order"
	"github.com/condor-exchange/condor/pkg/storage"
	"github.com/condor-exchange/condor/pkg/venue"
)

// CreateSpotOrderParams carries the caller-supplied fields of a new spot
// order. The order amount is the escrow attached to the call.
type CreateSpotOrderParams struct {
	Owner            common.Address
	OrderType        order.SpotOrderType
	OrderAmount      order.Coin
	OrderTargetDenom string
	OrderPrice       order.OrderPrice
}

// CreateSpotOrder validates and persists a new spot order. Market buys are
// dispatched to the venue immediately and never enter the pending index;
// all other types wait for the tick to evaluate their trigger.
func (e *Engine) CreateSpotOrder(p CreateSpotOrderParams) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := validateSpotOrder(&p); err != nil {
		return 0, err
	}

	id, err := e.store.NextSpotOrderID()
	if err != nil {
		if errors.Is(err, storage.ErrIDOverflow) {
			return 0, fmt.Errorf("%w: spot order id", ErrOverflow)
		}
		return 0, err
	}

	o := &order.SpotOrder{
		OrderID:          id,
		Owner:            p.Owner,
		OrderType:        p.OrderType,
		OrderAmount:      p.OrderAmount,
		OrderTargetDenom: p.OrderTargetDenom,
		OrderPrice:       p.OrderPrice,
		Status:           order.StatusPending,
		CreatedAt:        time.Now().UTC(),
	}

	if o.OrderType == order.SpotMarketBuy {
		// Estimate before persisting so a failed query leaves no state.
		discount, err := e.tiers.Discount(o.Owner)
		if err != nil {
			return 0, fmt.Errorf("%w: discount: %v", ErrExternalQuery, err)
		}
		est, err := e.oracle.SwapEstimation(o.OrderAmount, o.OrderAmount.Denom, o.OrderTargetDenom, discount)
		if err != nil {
			return 0, fmt.Errorf("%w: swap estimation: %v", ErrExternalQuery, err)
		}

		batch := e.store.NewBatch()
		defer batch.Close()
		if err := batch.SaveSpotOrder(o); err != nil {
			return 0, err
		}
		replyID, err := e.stageReply(batch, order.ReplySpotMarketBuy, o.OrderID)
		if err != nil {
			return 0, err
		}
		req := venue.Request{
			ReplyID: replyID,
			Kind:    venue.RequestSwap,
			Swap: &venue.SwapRequest{
				Owner:             o.Owner,
				Amount:            o.OrderAmount,
				Route:             est.Route,
				TokenOutMinAmount: order.TokenOutMinAmount(o),
				Discount:          discount,
			},
		}
		// Dispatch before committing so a rejected request leaves no
		// order behind waiting on a reply that will never arrive.
		if err := e.dispatcher.Dispatch([]venue.Request{req}); err != nil {
			return 0, fmt.Errorf("dispatch market buy %d: %w", o.OrderID, err)
		}
		if err := batch.Commit(); err != nil {
			return 0, err
		}

		e.log.Infow("spot_market_buy_dispatched", "order_id", o.OrderID, "reply_id", replyID, "owner", o.Owner.Hex())
		e.publishSpot("dispatched", o)
		return o.OrderID, nil
	}

	if err := e.store.SaveSpotOrder(o); err != nil {
		return 0, err
	}
	if err := e.store.SaveSpotPending(o); err != nil {
		return 0, err
	}

	e.log.Infow("spot_order_created", "order_id", o.OrderID, "type", o.OrderType.String(), "owner", o.Owner.Hex())
	e.publishSpot("created", o)
	return o.OrderID, nil
}

func validateSpotOrder(p *CreateSpotOrderParams) error {
	if p.OrderAmount.Denom == "" || !p.OrderAmount.Amount.IsPositive() {
		return fmt.Errorf("%w: order amount must be a positive coin", ErrValidation)
	}
	if p.OrderTargetDenom == "" {
		return fmt.Errorf("%w: missing fields: order target denom", ErrValidation)
	}
	if p.OrderTargetDenom == p.OrderAmount.Denom {
		return fmt.Errorf("%w: target denom equals source denom", ErrValidation)
	}
	if p.OrderType == order.SpotMarketBuy {
		return nil
	}
	if p.OrderPrice.Rate.IsZero() {
		return fmt.Errorf("%w: order price rate cannot be zero", ErrValidation)
	}
	if p.OrderPrice.BaseDenom != p.OrderAmount.Denom {
		return fmt.Errorf("%w: order price base denom should be the order amount denom", ErrValidation)
	}
	if p.OrderPrice.QuoteDenom != p.OrderTargetDenom {
		return fmt.Errorf("%w: order price quote denom should be the target denom", ErrValidation)
	}
	return nil
}
