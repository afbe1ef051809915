package venue

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/condor-exchange/condor/pkg/order"
)

// SwapEstimation is the oracle's answer to a swap-estimation query.
type SwapEstimation struct {
	Route     []string        `json:"route"`     // denom hops the venue would swap through
	Amount    decimal.Decimal `json:"amount"`    // estimated output in denomOut
	SpotPrice decimal.Decimal `json:"spotPrice"` // effective rate of the estimate
}

// MarginPosition is a live position in the venue's margin ledger.
type MarginPosition struct {
	PositionID      uint64          `json:"positionId"`
	Owner           common.Address  `json:"owner"`
	Position        order.Position  `json:"position"`
	Collateral      order.Coin      `json:"collateral"`
	TradingAsset    string          `json:"tradingAsset"`
	Leverage        decimal.Decimal `json:"leverage"`
	Custody         decimal.Decimal `json:"custody"` // exact custodied amount, closed at face value
	TakeProfitPrice decimal.Decimal `json:"takeProfitPrice"`
}

// OpenEstimationRequest asks the ledger whether an open is feasible.
type OpenEstimationRequest struct {
	Position        order.Position
	Leverage        decimal.Decimal
	TradingAsset    string
	Collateral      order.Coin
	TakeProfitPrice *decimal.Decimal
	Discount        decimal.Decimal
}

// OpenEstimation is the ledger's feasibility answer.
type OpenEstimation struct {
	ValidCollateral bool            `json:"validCollateral"`
	PositionSize    decimal.Decimal `json:"positionSize"`
	OpenPrice       decimal.Decimal `json:"openPrice"`
}

// RequestKind discriminates the execution request payload.
type RequestKind int8

const (
	RequestSwap RequestKind = iota
	RequestOpenPosition
	RequestClosePosition
)

func (k RequestKind) String() string {
	switch k {
	case RequestSwap:
		return "Swap"
	case RequestOpenPosition:
		return "OpenPosition"
	case RequestClosePosition:
		return "ClosePosition"
	default:
		return "Unknown"
	}
}

// Request is one outbound execution request. ReplyID is the correlation
// key the venue echoes back on completion; exactly one of the payload
// fields is set, matching Kind.
type Request struct {
	ReplyID uint64        `json:"replyId"`
	Kind    RequestKind   `json:"kind"`
	Swap    *SwapRequest  `json:"swap,omitempty"`
	Open    *OpenRequest  `json:"open,omitempty"`
	Close   *CloseRequest `json:"close,omitempty"`
}

// SwapRequest executes a spot swap on behalf of the order owner.
type SwapRequest struct {
	Owner             common.Address  `json:"owner"`
	Amount            order.Coin      `json:"amount"`
	Route             []string        `json:"route"`
	TokenOutMinAmount decimal.Decimal `json:"tokenOutMinAmount"`
	Discount          decimal.Decimal `json:"discount"`
}

// OpenRequest opens a leveraged margin position.
type OpenRequest struct {
	Owner           common.Address   `json:"owner"`
	Collateral      order.Coin       `json:"collateral"`
	TradingAsset    string           `json:"tradingAsset"`
	Position        order.Position   `json:"position"`
	Leverage        decimal.Decimal  `json:"leverage"`
	TakeProfitPrice *decimal.Decimal `json:"takeProfitPrice,omitempty"`
}

// CloseRequest closes a margin position for its custodied amount.
type CloseRequest struct {
	Owner      common.Address  `json:"owner"`
	PositionID uint64          `json:"positionId"`
	Amount     decimal.Decimal `json:"amount"`
}
