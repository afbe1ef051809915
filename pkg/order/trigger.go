package order

import "github.com/shopspring/decimal"

// Trigger evaluation is kept as pure functions over (order type, position,
// rates) so the comparison tables can be tested without storage or venue
// queries. Market orders never fire here: they were dispatched at creation.

// ShouldExecuteSpot reports whether a pending spot order fires at the given
// market rate (denominated order_amount.denom -> order_target_denom).
//
// LimitBuy stores its trigger in the inverse direction, so the market rate
// is inverted (1/rate) before the comparison. LimitSell fires at or above
// the trigger, LimitBuy and StopLoss at or below.
func ShouldExecuteSpot(o *SpotOrder, marketRate decimal.Decimal) bool {
	if o.OrderType == SpotMarketBuy {
		return false
	}

	effective := marketRate
	if o.OrderType == SpotLimitBuy {
		if marketRate.IsZero() {
			return false
		}
		effective = decimal.New(1, 0).Div(marketRate)
	}

	switch o.OrderType {
	case SpotLimitBuy:
		return effective.LessThanOrEqual(o.OrderPrice.Rate)
	case SpotLimitSell:
		return effective.GreaterThanOrEqual(o.OrderPrice.Rate)
	case SpotStopLoss:
		return effective.LessThanOrEqual(o.OrderPrice.Rate)
	default:
		return false
	}
}

// ShouldExecutePerpetual reports whether a pending perpetual order fires at
// the given market rate (collateral denom -> trading asset).
//
// The (order type, position) table is asymmetric on purpose: a LimitOpen
// long waits for the market to drop to its entry, a LimitClose long waits
// for the market to rise to its exit, and stop-losses mirror the opens.
func ShouldExecutePerpetual(o *PerpetualOrder, marketRate decimal.Decimal) bool {
	if o.OrderType.IsMarket() || o.TriggerPrice == nil {
		return false
	}

	trigger := o.TriggerPrice.Rate

	switch {
	case o.OrderType == PerpLimitOpen && o.Position == PositionLong:
		return marketRate.LessThanOrEqual(trigger)
	case o.OrderType == PerpLimitOpen && o.Position == PositionShort:
		return marketRate.GreaterThanOrEqual(trigger)
	case o.OrderType == PerpLimitClose && o.Position == PositionLong:
		return marketRate.GreaterThanOrEqual(trigger)
	case o.OrderType == PerpLimitClose && o.Position == PositionShort:
		return marketRate.LessThanOrEqual(trigger)
	case o.OrderType == PerpStopLoss && o.Position == PositionLong:
		return marketRate.LessThanOrEqual(trigger)
	case o.OrderType == PerpStopLoss && o.Position == PositionShort:
		return marketRate.GreaterThanOrEqual(trigger)
	default:
		return false
	}
}

// TokenOutMinAmount is the minimum-output floor attached to a dispatched
// spot swap. Stop-loss orders take whatever the market gives (no floor).
//
// TODO: derive the floor for limit orders from the swap estimation's
// post-slippage amount reduced by 1%; until then the floor is zero.
func TokenOutMinAmount(o *SpotOrder) decimal.Decimal {
	switch o.OrderType {
	case SpotLimitBuy, SpotLimitSell:
		return decimal.Zero
	default:
		return decimal.Zero
	}
}
