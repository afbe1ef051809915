package order

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func spotOrder(t SpotOrderType, rate string) *SpotOrder {
	return &SpotOrder{
		OrderType:        t,
		OrderAmount:      Coin{Denom: "ubtc", Amount: dec("10")},
		OrderTargetDenom: "uusdc",
		OrderPrice:       OrderPrice{BaseDenom: "ubtc", QuoteDenom: "uusdc", Rate: dec(rate)},
	}
}

// TestShouldExecuteSpot covers the comparison table for every spot order
// type, including the inverted-rate comparison for limit buys.
func TestShouldExecuteSpot(t *testing.T) {
	tests := []struct {
		name   string
		order  *SpotOrder
		market string
		want   bool
	}{
		{"market buy never fires", spotOrder(SpotMarketBuy, "1"), "1", false},

		// LimitBuy compares 1/market against the trigger.
		// 1/9.29 ~ 0.1077 > 0.1, so the order waits.
		{"limit buy above trigger", spotOrder(SpotLimitBuy, "0.1"), "9.29", false},
		// 1/9.29 ~ 0.1077 <= 0.111111, so it fires.
		{"limit buy at trigger", spotOrder(SpotLimitBuy, "0.111111"), "9.29", true},
		{"limit buy exact", spotOrder(SpotLimitBuy, "0.5"), "2", true},
		{"limit buy zero market", spotOrder(SpotLimitBuy, "0.5"), "0", false},

		{"limit sell below trigger", spotOrder(SpotLimitSell, "10"), "9.29", false},
		{"limit sell at trigger", spotOrder(SpotLimitSell, "9.29"), "9.29", true},
		{"limit sell above trigger", spotOrder(SpotLimitSell, "0.111111"), "9.29", true},

		{"stop loss above trigger", spotOrder(SpotStopLoss, "9"), "9.29", false},
		{"stop loss at trigger", spotOrder(SpotStopLoss, "9.29"), "9.29", true},
		{"stop loss below trigger", spotOrder(SpotStopLoss, "10"), "9.29", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShouldExecuteSpot(tt.order, dec(tt.market))
			if got != tt.want {
				t.Errorf("ShouldExecuteSpot(%s, trigger %s, market %s) = %v, want %v",
					tt.order.OrderType, tt.order.OrderPrice.Rate, tt.market, got, tt.want)
			}
		})
	}
}

func perpOrder(t PerpetualOrderType, pos Position, rate string) *PerpetualOrder {
	return &PerpetualOrder{
		OrderType:    t,
		Position:     pos,
		TradingAsset: "ubtc",
		TriggerPrice: &OrderPrice{BaseDenom: "uusdc", QuoteDenom: "ubtc", Rate: dec(rate)},
	}
}

// TestShouldExecutePerpetual covers the (order type, position) table.
func TestShouldExecutePerpetual(t *testing.T) {
	tests := []struct {
		name   string
		order  *PerpetualOrder
		market string
		want   bool
	}{
		{"market open never fires", perpOrder(PerpMarketOpen, PositionLong, "10"), "5", false},
		{"market close never fires", perpOrder(PerpMarketClose, PositionShort, "10"), "15", false},

		{"limit open long fires at or below", perpOrder(PerpLimitOpen, PositionLong, "10"), "10", true},
		{"limit open long below", perpOrder(PerpLimitOpen, PositionLong, "10"), "9", true},
		{"limit open long above", perpOrder(PerpLimitOpen, PositionLong, "10"), "11", false},

		{"limit open short fires at or above", perpOrder(PerpLimitOpen, PositionShort, "10"), "10", true},
		{"limit open short above", perpOrder(PerpLimitOpen, PositionShort, "10"), "11", true},
		{"limit open short below", perpOrder(PerpLimitOpen, PositionShort, "10"), "9", false},

		{"limit close long fires at or above", perpOrder(PerpLimitClose, PositionLong, "10"), "10", true},
		{"limit close long above", perpOrder(PerpLimitClose, PositionLong, "10"), "12", true},
		{"limit close long below", perpOrder(PerpLimitClose, PositionLong, "10"), "9", false},

		{"limit close short fires at or below", perpOrder(PerpLimitClose, PositionShort, "10"), "10", true},
		{"limit close short below", perpOrder(PerpLimitClose, PositionShort, "10"), "8", true},
		{"limit close short above", perpOrder(PerpLimitClose, PositionShort, "10"), "11", false},

		{"stop loss long fires at or below", perpOrder(PerpStopLoss, PositionLong, "10"), "10", true},
		{"stop loss long below", perpOrder(PerpStopLoss, PositionLong, "10"), "7", true},
		{"stop loss long above", perpOrder(PerpStopLoss, PositionLong, "10"), "11", false},

		{"stop loss short fires at or above", perpOrder(PerpStopLoss, PositionShort, "10"), "10", true},
		{"stop loss short above", perpOrder(PerpStopLoss, PositionShort, "10"), "13", true},
		{"stop loss short below", perpOrder(PerpStopLoss, PositionShort, "10"), "9", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShouldExecutePerpetual(tt.order, dec(tt.market))
			if got != tt.want {
				t.Errorf("ShouldExecutePerpetual(%s/%s, trigger %s, market %s) = %v, want %v",
					tt.order.OrderType, tt.order.Position, tt.order.TriggerPrice.Rate, tt.market, got, tt.want)
			}
		})
	}
}

// TestShouldExecutePerpetualNoTrigger checks that an order missing its
// trigger price never fires.
func TestShouldExecutePerpetualNoTrigger(t *testing.T) {
	o := perpOrder(PerpLimitOpen, PositionLong, "10")
	o.TriggerPrice = nil
	if ShouldExecutePerpetual(o, dec("5")) {
		t.Error("order without trigger price should not fire")
	}
}

// TestPriceDenomsMatch checks the stale-order detection on both kinds.
func TestPriceDenomsMatch(t *testing.T) {
	s := spotOrder(SpotLimitSell, "10")
	if !s.PriceDenomsMatch() {
		t.Error("expected spot denoms to match")
	}
	s.OrderPrice.QuoteDenom = "ueth"
	if s.PriceDenomsMatch() {
		t.Error("expected spot denom mismatch")
	}

	p := perpOrder(PerpLimitOpen, PositionLong, "10")
	if !p.PriceDenomsMatch("uusdc") {
		t.Error("expected perpetual denoms to match")
	}
	if p.PriceDenomsMatch("uatom") {
		t.Error("expected perpetual denom mismatch against other stable denom")
	}
	p.TriggerPrice = nil
	if !p.PriceDenomsMatch("uatom") {
		t.Error("order without trigger price should trivially match")
	}
}
