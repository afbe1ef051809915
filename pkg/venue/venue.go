// Package venue defines the narrow interfaces through which the engine
// talks to its external collaborators: the price oracle, the asset
// registry, the margin-position ledger, the membership-tier service, and
// the trading venue itself. The engine never assumes anything about their
// implementations; queries either return a value or fail immediately.
package venue

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/condor-exchange/condor/pkg/order"
)

// Oracle answers price queries against the AMM.
type Oracle interface {
	// PriceRate returns the current exchange rate denomIn -> denomOut.
	// Fails if no route exists.
	PriceRate(denomIn, denomOut string) (decimal.Decimal, error)

	// SwapEstimation estimates a swap of amount into denomOut, including
	// the route the venue would take. Fails if the market is unroutable.
	SwapEstimation(amount order.Coin, denomIn, denomOut string, discount decimal.Decimal) (*SwapEstimation, error)
}

// AssetRegistry resolves symbolic asset profiles to canonical denoms.
type AssetRegistry interface {
	// Denom resolves a symbolic name (e.g. the stable-asset profile) to
	// its canonical denom string.
	Denom(symbol string) (string, error)
}

// PositionLedger is the venue's margin ledger, queried read-only.
type PositionLedger interface {
	// Position returns the live margin position, or nil if it no longer
	// exists (closed elsewhere).
	Position(owner common.Address, positionID uint64) (*MarginPosition, error)

	// OpenEstimation checks whether the collateral is valid for the
	// requested position before an open order is accepted.
	OpenEstimation(req OpenEstimationRequest) (*OpenEstimation, error)
}

// Tiers scores owners for fee discounts.
type Tiers interface {
	Discount(owner common.Address) (decimal.Decimal, error)
}

// Dispatcher delivers execution requests to the venue. Requests are
// fire-and-forget: the venue later delivers exactly one completion per
// reply id, through the engine's HandleCompletion entry point.
type Dispatcher interface {
	Dispatch(reqs []Request) error
}

// Bank sends funds to an address. Used for cancellation refunds.
type Bank interface {
	Send(to common.Address, coins []order.Coin) error
}
