// Package order defines the conditional-order data model and the pure
// trigger-evaluation tables used by the tick engine.
package order

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Status tracks an order through its lifecycle.
// Once an order leaves Pending it is terminal and never mutated again.
type Status int8

const (
	StatusPending Status = iota
	StatusExecuted
	StatusCanceled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusExecuted:
		return "Executed"
	case StatusCanceled:
		return "Canceled"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool { return s != StatusPending }

// SpotOrderType distinguishes how a spot order executes
type SpotOrderType int8

const (
	SpotMarketBuy SpotOrderType = iota // executes immediately at market, never enters the pending index
	SpotLimitBuy
	SpotLimitSell
	SpotStopLoss
)

func (t SpotOrderType) String() string {
	switch t {
	case SpotMarketBuy:
		return "MarketBuy"
	case SpotLimitBuy:
		return "LimitBuy"
	case SpotLimitSell:
		return "LimitSell"
	case SpotStopLoss:
		return "StopLoss"
	default:
		return "Unknown"
	}
}

// ParseSpotOrderType parses the API string form of a spot order type.
func ParseSpotOrderType(s string) (SpotOrderType, error) {
	switch s {
	case "MarketBuy":
		return SpotMarketBuy, nil
	case "LimitBuy":
		return SpotLimitBuy, nil
	case "LimitSell":
		return SpotLimitSell, nil
	case "StopLoss":
		return SpotStopLoss, nil
	default:
		return 0, fmt.Errorf("unknown spot order type: %q", s)
	}
}

// PerpetualOrderType distinguishes open vs close and market vs conditional
type PerpetualOrderType int8

const (
	PerpLimitOpen PerpetualOrderType = iota
	PerpLimitClose
	PerpMarketOpen
	PerpMarketClose
	PerpStopLoss
)

func (t PerpetualOrderType) String() string {
	switch t {
	case PerpLimitOpen:
		return "LimitOpen"
	case PerpLimitClose:
		return "LimitClose"
	case PerpMarketOpen:
		return "MarketOpen"
	case PerpMarketClose:
		return "MarketClose"
	case PerpStopLoss:
		return "StopLoss"
	default:
		return "Unknown"
	}
}

// ParsePerpetualOrderType parses the API string form of a perpetual order type.
func ParsePerpetualOrderType(s string) (PerpetualOrderType, error) {
	switch s {
	case "LimitOpen":
		return PerpLimitOpen, nil
	case "LimitClose":
		return PerpLimitClose, nil
	case "MarketOpen":
		return PerpMarketOpen, nil
	case "MarketClose":
		return PerpMarketClose, nil
	case "StopLoss":
		return PerpStopLoss, nil
	default:
		return 0, fmt.Errorf("unknown perpetual order type: %q", s)
	}
}

// IsOpen reports whether the type opens a new margin position.
func (t PerpetualOrderType) IsOpen() bool {
	return t == PerpLimitOpen || t == PerpMarketOpen
}

// IsMarket reports whether the type executes immediately at creation.
func (t PerpetualOrderType) IsMarket() bool {
	return t == PerpMarketOpen || t == PerpMarketClose
}

// Position is the direction of a perpetual position
type Position int8

const (
	PositionUnspecified Position = iota
	PositionLong
	PositionShort
)

func (p Position) String() string {
	switch p {
	case PositionLong:
		return "Long"
	case PositionShort:
		return "Short"
	default:
		return "Unspecified"
	}
}

// ParsePosition parses the API string form of a position direction.
func ParsePosition(s string) (Position, error) {
	switch s {
	case "Long":
		return PositionLong, nil
	case "Short":
		return PositionShort, nil
	case "", "Unspecified":
		return PositionUnspecified, nil
	default:
		return 0, fmt.Errorf("unknown position: %q", s)
	}
}

// Coin is an amount of a single denomination
type Coin struct {
	Denom  string          `json:"denom"`
	Amount decimal.Decimal `json:"amount"`
}

func NewCoin(denom string, amount decimal.Decimal) Coin {
	return Coin{Denom: denom, Amount: amount}
}

func (c Coin) String() string { return fmt.Sprintf("%s%s", c.Amount, c.Denom) }

// OrderPrice is the trigger rate of a conditional order, expressed as
// base/quote denomination pair plus a rate.
type OrderPrice struct {
	BaseDenom  string          `json:"baseDenom"`
	QuoteDenom string          `json:"quoteDenom"`
	Rate       decimal.Decimal `json:"rate"`
}

// SpotOrder sells OrderAmount for OrderTargetDenom when its trigger fires
// (or immediately for MarketBuy).
type SpotOrder struct {
	OrderID          uint64         `json:"orderId"`
	Owner            common.Address `json:"owner"`
	OrderType        SpotOrderType  `json:"orderType"`
	OrderAmount      Coin           `json:"orderAmount"`
	OrderTargetDenom string         `json:"orderTargetDenom"`
	OrderPrice       OrderPrice     `json:"orderPrice"`
	Status           Status         `json:"status"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// PriceDenomsMatch checks that the trigger price still refers to the
// order's actual trade legs. Re-validated every tick: a mismatch marks a
// stale order whose backing market changed.
func (o *SpotOrder) PriceDenomsMatch() bool {
	return o.OrderPrice.BaseDenom == o.OrderAmount.Denom &&
		o.OrderPrice.QuoteDenom == o.OrderTargetDenom
}

// PerpetualOrder opens or closes a leveraged margin position when its
// trigger fires (or immediately for market types).
//
// Collateral is escrowed by the engine only for LimitOpen orders; close
// orders reference an already-open position via PositionID and escrow
// nothing, so they are never refunded.
type PerpetualOrder struct {
	OrderID         uint64             `json:"orderId"`
	Owner           common.Address     `json:"owner"`
	OrderType       PerpetualOrderType `json:"orderType"`
	Position        Position           `json:"position"`
	TriggerPrice    *OrderPrice        `json:"triggerPrice,omitempty"`
	Collateral      Coin               `json:"collateral"`
	TradingAsset    string             `json:"tradingAsset"`
	Leverage        decimal.Decimal    `json:"leverage"`
	TakeProfitPrice *decimal.Decimal   `json:"takeProfitPrice,omitempty"`
	PositionID      *uint64            `json:"positionId,omitempty"`
	Status          Status             `json:"status"`
	CreatedAt       time.Time          `json:"createdAt"`
}

// PriceDenomsMatch checks the trigger price against the stable denom and
// the trading asset. Orders without a trigger price trivially match.
func (o *PerpetualOrder) PriceDenomsMatch(stableDenom string) bool {
	if o.TriggerPrice == nil {
		return true
	}
	return o.TriggerPrice.BaseDenom == stableDenom &&
		o.TriggerPrice.QuoteDenom == o.TradingAsset
}

// Refundable reports whether canceling this order returns escrowed
// collateral to the owner. Only LimitOpen orders escrow funds at creation.
func (o *PerpetualOrder) Refundable() bool {
	return o.OrderType == PerpLimitOpen
}
