package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/condor-exchange/condor/pkg/order"
	"github.com/condor-exchange/condor/pkg/storage"
	"github.com/condor-exchange/condor/pkg/venue"
)

// CreatePerpetualOrderParams carries the caller-supplied fields of a new
// perpetual order. Funds are the coins attached to the call: exactly one
// coin (the collateral) for open orders, none for close orders.
type CreatePerpetualOrderParams struct {
	Owner           common.Address
	OrderType       order.PerpetualOrderType
	Position        order.Position
	Leverage        *decimal.Decimal
	TradingAsset    string
	TakeProfitPrice *decimal.Decimal
	TriggerPrice    *order.OrderPrice
	PositionID      *uint64
	Funds           []order.Coin
}

// CreatePerpetualOrder validates and persists a new perpetual order.
// Market types dispatch to the venue immediately; close orders merge into
// an existing pending order for the same (position id, order type) instead
// of creating a duplicate.
func (e *Engine) CreatePerpetualOrder(p CreatePerpetualOrderParams) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := checkPerpetualFields(&p); err != nil {
		return 0, err
	}

	if p.OrderType.IsOpen() {
		return e.createPerpetualOpenOrder(&p)
	}
	return e.createPerpetualCloseOrder(&p)
}

// checkPerpetualFields enforces the required-field matrix per order type.
func checkPerpetualFields(p *CreatePerpetualOrderParams) error {
	var missing []string

	if !p.OrderType.IsMarket() && p.TriggerPrice == nil {
		missing = append(missing, "trigger price")
	}
	if !p.OrderType.IsOpen() && p.PositionID == nil {
		missing = append(missing, "position id")
	}
	if p.OrderType.IsOpen() {
		if p.Position == order.PositionUnspecified {
			missing = append(missing, "position")
		}
		if p.Leverage == nil {
			missing = append(missing, "leverage")
		}
		if p.TradingAsset == "" {
			missing = append(missing, "trading asset")
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: missing fields: %s", ErrValidation, strings.Join(missing, ", "))
	}
	return nil
}

// validateTriggerPrice checks the trigger against the stable denom and the
// asset actually traded.
func validateTriggerPrice(price *order.OrderPrice, stableDenom, tradingAsset string) error {
	if price == nil {
		return nil
	}
	if price.Rate.IsZero() {
		return fmt.Errorf("%w: trigger price rate cannot be zero", ErrValidation)
	}
	if price.BaseDenom != stableDenom {
		return fmt.Errorf("%w: trigger price base denom should be the stable denom", ErrValidation)
	}
	if price.QuoteDenom != tradingAsset {
		return fmt.Errorf("%w: trigger price quote denom should be the trading asset denom", ErrValidation)
	}
	return nil
}

func (e *Engine) createPerpetualOpenOrder(p *CreatePerpetualOrderParams) (uint64, error) {
	if len(p.Funds) != 1 || !p.Funds[0].Amount.IsPositive() {
		return 0, fmt.Errorf("%w: open orders require exactly one attached coin", ErrValidation)
	}
	collateral := p.Funds[0]

	stableDenom, err := e.registry.Denom(StableAssetProfile)
	if err != nil {
		return 0, fmt.Errorf("%w: asset profile: %v", ErrExternalQuery, err)
	}
	if err := validateTriggerPrice(p.TriggerPrice, stableDenom, p.TradingAsset); err != nil {
		return 0, err
	}

	discount, err := e.tiers.Discount(p.Owner)
	if err != nil {
		return 0, fmt.Errorf("%w: discount: %v", ErrExternalQuery, err)
	}
	est, err := e.ledger.OpenEstimation(venue.OpenEstimationRequest{
		Position:        p.Position,
		Leverage:        *p.Leverage,
		TradingAsset:    p.TradingAsset,
		Collateral:      collateral,
		TakeProfitPrice: p.TakeProfitPrice,
		Discount:        discount,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: open estimation: %v", ErrExternalQuery, err)
	}
	if !est.ValidCollateral {
		return 0, fmt.Errorf("%w: not valid collateral", ErrValidation)
	}

	id, err := e.store.NextPerpetualOrderID()
	if err != nil {
		if errors.Is(err, storage.ErrIDOverflow) {
			return 0, fmt.Errorf("%w: perpetual order id", ErrOverflow)
		}
		return 0, err
	}

	o := &order.PerpetualOrder{
		OrderID:         id,
		Owner:           p.Owner,
		OrderType:       p.OrderType,
		Position:        p.Position,
		TriggerPrice:    p.TriggerPrice,
		Collateral:      collateral,
		TradingAsset:    p.TradingAsset,
		Leverage:        *p.Leverage,
		TakeProfitPrice: p.TakeProfitPrice,
		Status:          order.StatusPending,
		CreatedAt:       time.Now().UTC(),
	}

	if o.OrderType != order.PerpMarketOpen {
		if err := e.store.SavePerpetualOrder(o); err != nil {
			return 0, err
		}
		if err := e.store.SavePerpetualPending(o); err != nil {
			return 0, err
		}
		e.log.Infow("perpetual_open_order_created", "order_id", o.OrderID, "type", o.OrderType.String(), "owner", o.Owner.Hex())
		e.publishPerp("created", o)
		return o.OrderID, nil
	}

	batch := e.store.NewBatch()
	defer batch.Close()
	if err := batch.SavePerpetualOrder(o); err != nil {
		return 0, err
	}
	replyID, err := e.stageReply(batch, order.ReplyPerpetualMarketOpen, o.OrderID)
	if err != nil {
		return 0, err
	}
	req := venue.Request{
		ReplyID: replyID,
		Kind:    venue.RequestOpenPosition,
		Open: &venue.OpenRequest{
			Owner:           o.Owner,
			Collateral:      o.Collateral,
			TradingAsset:    o.TradingAsset,
			Position:        o.Position,
			Leverage:        o.Leverage,
			TakeProfitPrice: o.TakeProfitPrice,
		},
	}
	// Dispatch first; a rejected request leaves no order behind.
	if err := e.dispatcher.Dispatch([]venue.Request{req}); err != nil {
		return 0, fmt.Errorf("dispatch market open %d: %w", o.OrderID, err)
	}
	if err := batch.Commit(); err != nil {
		return 0, err
	}

	e.log.Infow("perpetual_market_open_dispatched", "order_id", o.OrderID, "reply_id", replyID, "owner", o.Owner.Hex())
	e.publishPerp("dispatched", o)
	return o.OrderID, nil
}

func (e *Engine) createPerpetualCloseOrder(p *CreatePerpetualOrderParams) (uint64, error) {
	if len(p.Funds) != 0 {
		return 0, fmt.Errorf("%w: close orders take no attached funds", ErrValidation)
	}

	pos, err := e.ledger.Position(p.Owner, *p.PositionID)
	if err != nil {
		return 0, fmt.Errorf("%w: margin position: %v", ErrExternalQuery, err)
	}
	if pos == nil {
		return 0, fmt.Errorf("%w: position %d", ErrPositionNotFound, *p.PositionID)
	}

	stableDenom, err := e.registry.Denom(StableAssetProfile)
	if err != nil {
		return 0, fmt.Errorf("%w: asset profile: %v", ErrExternalQuery, err)
	}
	if err := validateTriggerPrice(p.TriggerPrice, stableDenom, pos.TradingAsset); err != nil {
		return 0, err
	}

	// Update-or-create: a pending close order for the same position and
	// type just gets its trigger price replaced.
	existing, err := e.findPendingCloseOrder(*p.PositionID, p.OrderType)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		existing.TriggerPrice = p.TriggerPrice
		if err := e.store.SavePerpetualOrder(existing); err != nil {
			return 0, err
		}
		if existing.OrderType != order.PerpMarketClose {
			if err := e.store.SavePerpetualPending(existing); err != nil {
				return 0, err
			}
		}
		e.log.Infow("perpetual_close_order_updated", "order_id", existing.OrderID, "position_id", *p.PositionID)
		e.publishPerp("created", existing)
		return existing.OrderID, nil
	}

	id, err := e.store.NextPerpetualOrderID()
	if err != nil {
		if errors.Is(err, storage.ErrIDOverflow) {
			return 0, fmt.Errorf("%w: perpetual order id", ErrOverflow)
		}
		return 0, err
	}

	takeProfit := pos.TakeProfitPrice
	positionID := *p.PositionID
	o := &order.PerpetualOrder{
		OrderID:         id,
		Owner:           p.Owner,
		OrderType:       p.OrderType,
		Position:        pos.Position,
		TriggerPrice:    p.TriggerPrice,
		Collateral:      pos.Collateral,
		TradingAsset:    pos.TradingAsset,
		Leverage:        pos.Leverage,
		TakeProfitPrice: &takeProfit,
		PositionID:      &positionID,
		Status:          order.StatusPending,
		CreatedAt:       time.Now().UTC(),
	}

	if o.OrderType != order.PerpMarketClose {
		if err := e.store.SavePerpetualOrder(o); err != nil {
			return 0, err
		}
		if err := e.store.SavePerpetualPending(o); err != nil {
			return 0, err
		}
		e.log.Infow("perpetual_close_order_created", "order_id", o.OrderID, "type", o.OrderType.String(), "position_id", positionID)
		e.publishPerp("created", o)
		return o.OrderID, nil
	}

	batch := e.store.NewBatch()
	defer batch.Close()
	if err := batch.SavePerpetualOrder(o); err != nil {
		return 0, err
	}
	replyID, err := e.stageReply(batch, order.ReplyPerpetualMarketClose, o.OrderID)
	if err != nil {
		return 0, err
	}
	req := venue.Request{
		ReplyID: replyID,
		Kind:    venue.RequestClosePosition,
		Close: &venue.CloseRequest{
			Owner:      o.Owner,
			PositionID: positionID,
			Amount:     pos.Custody,
		},
	}
	// Dispatch first; a rejected request leaves no order behind.
	if err := e.dispatcher.Dispatch([]venue.Request{req}); err != nil {
		return 0, fmt.Errorf("dispatch market close %d: %w", o.OrderID, err)
	}
	if err := batch.Commit(); err != nil {
		return 0, err
	}

	e.log.Infow("perpetual_market_close_dispatched", "order_id", o.OrderID, "reply_id", replyID, "position_id", positionID)
	e.publishPerp("dispatched", o)
	return o.OrderID, nil
}

// findPendingCloseOrder scans for a pending order that already targets the
// same position with the same order type.
func (e *Engine) findPendingCloseOrder(positionID uint64, orderType order.PerpetualOrderType) (*order.PerpetualOrder, error) {
	orders, err := e.store.ListPerpetualOrders()
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		if o.Status == order.StatusPending && o.OrderType == orderType &&
			o.PositionID != nil && *o.PositionID == positionID {
			return o, nil
		}
	}
	return nil, nil
}
