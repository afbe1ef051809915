package engine

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/condor-exchange/condor/pkg/order"
	"github.com/condor-exchange/condor/pkg/storage"
	"github.com/condor-exchange/condor/pkg/venue"
)

var (
	alice = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	bob   = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// mockOracle answers price queries from a static rate table keyed
// "denomIn/denomOut". Missing pairs fail, which the tick treats as an
// external query failure.
type mockOracle struct {
	rates  map[string]decimal.Decimal
	estErr error
}

func (m *mockOracle) PriceRate(denomIn, denomOut string) (decimal.Decimal, error) {
	r, ok := m.rates[denomIn+"/"+denomOut]
	if !ok {
		return decimal.Zero, fmt.Errorf("no route %s -> %s", denomIn, denomOut)
	}
	return r, nil
}

func (m *mockOracle) SwapEstimation(amount order.Coin, denomIn, denomOut string, discount decimal.Decimal) (*venue.SwapEstimation, error) {
	if m.estErr != nil {
		return nil, m.estErr
	}
	if _, ok := m.rates[denomIn+"/"+denomOut]; !ok {
		return nil, fmt.Errorf("no route %s -> %s", denomIn, denomOut)
	}
	return &venue.SwapEstimation{
		Route:  []string{denomIn, denomOut},
		Amount: amount.Amount.Mul(m.rates[denomIn+"/"+denomOut]),
	}, nil
}

type mockRegistry struct {
	denoms map[string]string
	err    error
}

func (m *mockRegistry) Denom(symbol string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	d, ok := m.denoms[symbol]
	if !ok {
		return "", fmt.Errorf("unknown asset profile %q", symbol)
	}
	return d, nil
}

type mockLedger struct {
	positions     map[uint64]*venue.MarginPosition
	posErr        error
	badCollateral bool
}

func (m *mockLedger) Position(owner common.Address, positionID uint64) (*venue.MarginPosition, error) {
	if m.posErr != nil {
		return nil, m.posErr
	}
	return m.positions[positionID], nil
}

func (m *mockLedger) OpenEstimation(req venue.OpenEstimationRequest) (*venue.OpenEstimation, error) {
	return &venue.OpenEstimation{ValidCollateral: !m.badCollateral}, nil
}

type mockTiers struct {
	discount decimal.Decimal
	err      error
}

func (m *mockTiers) Discount(owner common.Address) (decimal.Decimal, error) {
	return m.discount, m.err
}

// mockDispatcher records every dispatched request batch.
type mockDispatcher struct {
	mu      sync.Mutex
	batches [][]venue.Request
	err     error
}

func (m *mockDispatcher) Dispatch(reqs []venue.Request) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	m.batches = append(m.batches, reqs)
	m.mu.Unlock()
	return nil
}

func (m *mockDispatcher) all() []venue.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []venue.Request
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}

type transfer struct {
	to    common.Address
	coins []order.Coin
}

// mockBank records refund transfers.
type mockBank struct {
	sends []transfer
	err   error
}

func (m *mockBank) Send(to common.Address, coins []order.Coin) error {
	if m.err != nil {
		return m.err
	}
	m.sends = append(m.sends, transfer{to: to, coins: coins})
	return nil
}

type testEnv struct {
	engine     *Engine
	store      *storage.Store
	oracle     *mockOracle
	registry   *mockRegistry
	ledger     *mockLedger
	tiers      *mockTiers
	dispatcher *mockDispatcher
	bank       *mockBank
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := storage.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	env := &testEnv{
		store: s,
		oracle: &mockOracle{rates: map[string]decimal.Decimal{
			"ubtc/uusdc": dec("9.29"),
			"uusdc/ubtc": dec("10"),
		}},
		registry:   &mockRegistry{denoms: map[string]string{StableAssetProfile: "uusdc"}},
		ledger:     &mockLedger{positions: map[uint64]*venue.MarginPosition{}},
		tiers:      &mockTiers{discount: dec("0.1")},
		dispatcher: &mockDispatcher{},
		bank:       &mockBank{},
	}
	eng, err := New(Config{
		Store:      s,
		Oracle:     env.oracle,
		Registry:   env.registry,
		Ledger:     env.ledger,
		Tiers:      env.tiers,
		Dispatcher: env.dispatcher,
		Bank:       env.bank,
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	env.engine = eng
	return env
}

func spotParams(t order.SpotOrderType, rate string) CreateSpotOrderParams {
	p := CreateSpotOrderParams{
		Owner:            alice,
		OrderType:        t,
		OrderAmount:      order.Coin{Denom: "ubtc", Amount: dec("100")},
		OrderTargetDenom: "uusdc",
	}
	if t != order.SpotMarketBuy {
		p.OrderPrice = order.OrderPrice{BaseDenom: "ubtc", QuoteDenom: "uusdc", Rate: dec(rate)}
	}
	return p
}

func limitOpenParams(trigger string) CreatePerpetualOrderParams {
	lev := dec("5")
	return CreatePerpetualOrderParams{
		Owner:        alice,
		OrderType:    order.PerpLimitOpen,
		Position:     order.PositionLong,
		Leverage:     &lev,
		TradingAsset: "ubtc",
		TriggerPrice: &order.OrderPrice{BaseDenom: "uusdc", QuoteDenom: "ubtc", Rate: dec(trigger)},
		Funds:        []order.Coin{{Denom: "uusdc", Amount: dec("500")}},
	}
}

// TestCreateSpotOrderValidation covers the rejection matrix for new spot
// orders.
func TestCreateSpotOrderValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		mutate func(*CreateSpotOrderParams)
	}{
		{"zero amount", func(p *CreateSpotOrderParams) { p.OrderAmount.Amount = decimal.Zero }},
		{"missing target denom", func(p *CreateSpotOrderParams) { p.OrderTargetDenom = "" }},
		{"target equals source", func(p *CreateSpotOrderParams) { p.OrderTargetDenom = "ubtc" }},
		{"zero price rate", func(p *CreateSpotOrderParams) { p.OrderPrice.Rate = decimal.Zero }},
		{"price base mismatch", func(p *CreateSpotOrderParams) { p.OrderPrice.BaseDenom = "ueth" }},
		{"price quote mismatch", func(p *CreateSpotOrderParams) { p.OrderPrice.QuoteDenom = "ueth" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := spotParams(order.SpotLimitSell, "10")
			tt.mutate(&p)
			if _, err := env.engine.CreateSpotOrder(p); !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}

	orders, err := env.store.ListSpotOrders()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orders) != 0 {
		t.Errorf("rejected orders should leave no state, found %d", len(orders))
	}
}

// TestCreateSpotOrderPending checks that a conditional order lands in both
// indexes and is not dispatched.
func TestCreateSpotOrderPending(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.engine.CreateSpotOrder(spotParams(order.SpotLimitSell, "10"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != 0 {
		t.Errorf("first order id = %d, want 0", id)
	}

	pending, err := env.store.ListPendingSpotOrders()
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].OrderID != id {
		t.Fatalf("expected order %d in pending index, got %+v", id, pending)
	}
	if pending[0].Status != order.StatusPending {
		t.Errorf("status = %s, want Pending", pending[0].Status)
	}
	if len(env.dispatcher.all()) != 0 {
		t.Errorf("conditional order should not dispatch at creation")
	}

	id2, err := env.engine.CreateSpotOrder(spotParams(order.SpotStopLoss, "8"))
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if id2 != 1 {
		t.Errorf("second order id = %d, want 1", id2)
	}
}

// TestCreateSpotMarketBuy checks immediate dispatch with a reply entry,
// and that a failing estimation aborts before any state is written.
func TestCreateSpotMarketBuy(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.engine.CreateSpotOrder(spotParams(order.SpotMarketBuy, ""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	pending, _ := env.store.ListPendingSpotOrders()
	if len(pending) != 0 {
		t.Errorf("market buy must not enter the pending index")
	}
	reqs := env.dispatcher.all()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 dispatched request, got %d", len(reqs))
	}
	if reqs[0].Kind != venue.RequestSwap || reqs[0].Swap == nil {
		t.Fatalf("expected swap request, got %+v", reqs[0])
	}
	if reqs[0].ReplyID != 1 {
		t.Errorf("first reply id = %d, want 1", reqs[0].ReplyID)
	}
	info, err := env.store.LoadReplyInfo(reqs[0].ReplyID)
	if err != nil || info == nil {
		t.Fatalf("reply entry missing: %v", err)
	}
	if info.OrderID != id || info.Type != order.ReplySpotMarketBuy {
		t.Errorf("reply info mismatch: %+v", info)
	}

	// Estimation failure: no order, no reply, no dispatch.
	env.oracle.estErr = errors.New("pool drained")
	if _, err := env.engine.CreateSpotOrder(spotParams(order.SpotMarketBuy, "")); !errors.Is(err, ErrExternalQuery) {
		t.Fatalf("expected ErrExternalQuery, got %v", err)
	}
	orders, _ := env.store.ListSpotOrders()
	if len(orders) != 1 {
		t.Errorf("failed market buy should persist nothing, found %d orders", len(orders))
	}
}

// TestCreatePerpetualOrderValidation covers the required-field matrix and
// the trigger price checks.
func TestCreatePerpetualOrderValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		mutate func(*CreatePerpetualOrderParams)
	}{
		{"missing trigger price", func(p *CreatePerpetualOrderParams) { p.TriggerPrice = nil }},
		{"missing position", func(p *CreatePerpetualOrderParams) { p.Position = order.PositionUnspecified }},
		{"missing leverage", func(p *CreatePerpetualOrderParams) { p.Leverage = nil }},
		{"missing trading asset", func(p *CreatePerpetualOrderParams) { p.TradingAsset = "" }},
		{"no funds", func(p *CreatePerpetualOrderParams) { p.Funds = nil }},
		{"two fund coins", func(p *CreatePerpetualOrderParams) {
			p.Funds = append(p.Funds, order.Coin{Denom: "uatom", Amount: dec("1")})
		}},
		{"zero trigger rate", func(p *CreatePerpetualOrderParams) { p.TriggerPrice.Rate = decimal.Zero }},
		{"trigger base not stable", func(p *CreatePerpetualOrderParams) { p.TriggerPrice.BaseDenom = "uatom" }},
		{"trigger quote not trading asset", func(p *CreatePerpetualOrderParams) { p.TriggerPrice.QuoteDenom = "ueth" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := limitOpenParams("10")
			tt.mutate(&p)
			if _, err := env.engine.CreatePerpetualOrder(p); !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}

	env.ledger.badCollateral = true
	if _, err := env.engine.CreatePerpetualOrder(limitOpenParams("10")); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for invalid collateral, got %v", err)
	}
}

// TestCreatePerpetualCloseOrder checks position lookup, the
// update-or-create merge and that close orders never escrow funds.
func TestCreatePerpetualCloseOrder(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.positions[3] = &venue.MarginPosition{
		PositionID:      3,
		Owner:           alice,
		Position:        order.PositionLong,
		Collateral:      order.Coin{Denom: "uusdc", Amount: dec("500")},
		TradingAsset:    "ubtc",
		Leverage:        dec("5"),
		Custody:         dec("250"),
		TakeProfitPrice: dec("20"),
	}

	posID := uint64(3)
	params := CreatePerpetualOrderParams{
		Owner:        alice,
		OrderType:    order.PerpLimitClose,
		PositionID:   &posID,
		TriggerPrice: &order.OrderPrice{BaseDenom: "uusdc", QuoteDenom: "ubtc", Rate: dec("15")},
	}

	id, err := env.engine.CreatePerpetualOrder(params)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	o, err := env.store.LoadPerpetualOrder(id)
	if err != nil || o == nil {
		t.Fatalf("load: %v", err)
	}
	if o.Position != order.PositionLong || o.TradingAsset != "ubtc" || !o.Leverage.Equal(dec("5")) {
		t.Errorf("close order should copy position fields, got %+v", o)
	}
	if o.Refundable() {
		t.Error("close orders escrow nothing and must not be refundable")
	}

	// Same position, same type: trigger replaced, no new order.
	params.TriggerPrice = &order.OrderPrice{BaseDenom: "uusdc", QuoteDenom: "ubtc", Rate: dec("18")}
	id2, err := env.engine.CreatePerpetualOrder(params)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if id2 != id {
		t.Errorf("expected merge into order %d, got new order %d", id, id2)
	}
	all, _ := env.store.ListPerpetualOrders()
	if len(all) != 1 {
		t.Fatalf("expected 1 order after merge, got %d", len(all))
	}
	if !all[0].TriggerPrice.Rate.Equal(dec("18")) {
		t.Errorf("trigger rate = %s, want 18", all[0].TriggerPrice.Rate)
	}

	// A different type on the same position is a distinct order.
	params.OrderType = order.PerpStopLoss
	params.TriggerPrice = &order.OrderPrice{BaseDenom: "uusdc", QuoteDenom: "ubtc", Rate: dec("5")}
	id3, err := env.engine.CreatePerpetualOrder(params)
	if err != nil {
		t.Fatalf("create stop loss: %v", err)
	}
	if id3 == id {
		t.Errorf("stop loss should not merge into the limit close order")
	}

	// Unknown position.
	missing := uint64(99)
	params.PositionID = &missing
	if _, err := env.engine.CreatePerpetualOrder(params); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound, got %v", err)
	}

	// Attached funds are rejected on close orders.
	params.PositionID = &posID
	params.Funds = []order.Coin{{Denom: "uusdc", Amount: dec("1")}}
	if _, err := env.engine.CreatePerpetualOrder(params); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for attached funds, got %v", err)
	}
}

// TestCancelSpotOrder covers the single-order cancel path: refund,
// authorization and state checks.
func TestCancelSpotOrder(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.engine.CreateSpotOrder(spotParams(order.SpotLimitSell, "10"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := env.engine.CancelSpotOrder(bob, id); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for foreign caller, got %v", err)
	}
	if err := env.engine.CancelSpotOrder(alice, 42); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}

	if err := env.engine.CancelSpotOrder(alice, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	o, _ := env.store.LoadSpotOrder(id)
	if o.Status != order.StatusCanceled {
		t.Errorf("status = %s, want Canceled", o.Status)
	}
	pending, _ := env.store.ListPendingSpotOrders()
	if len(pending) != 0 {
		t.Errorf("canceled order left in pending index")
	}
	if len(env.bank.sends) != 1 {
		t.Fatalf("expected 1 refund transfer, got %d", len(env.bank.sends))
	}
	refund := env.bank.sends[0]
	if refund.to != alice || len(refund.coins) != 1 || !refund.coins[0].Amount.Equal(dec("100")) {
		t.Errorf("refund mismatch: %+v", refund)
	}

	// Terminal orders cannot be canceled again.
	if err := env.engine.CancelSpotOrder(alice, id); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

// TestCancelSpotOrdersMergesRefunds checks that a batch cancel refunds one
// merged coin per denomination.
func TestCancelSpotOrdersMergesRefunds(t *testing.T) {
	env := newTestEnv(t)

	id1, _ := env.engine.CreateSpotOrder(spotParams(order.SpotLimitSell, "10"))
	id2, _ := env.engine.CreateSpotOrder(spotParams(order.SpotStopLoss, "8"))

	ids, err := env.engine.CancelSpotOrders(alice, []uint64{id1, id2}, nil)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 canceled ids, got %v", ids)
	}
	if len(env.bank.sends) != 1 {
		t.Fatalf("expected a single merged transfer, got %d", len(env.bank.sends))
	}
	coins := env.bank.sends[0].coins
	if len(coins) != 1 || coins[0].Denom != "ubtc" || !coins[0].Amount.Equal(dec("200")) {
		t.Errorf("merged refund = %+v, want 200ubtc", coins)
	}
}

// TestCancelSpotOrdersSelection covers the implicit all-pending selection,
// the type filter, and whole-batch failure on a foreign order.
func TestCancelSpotOrdersSelection(t *testing.T) {
	env := newTestEnv(t)

	env.engine.CreateSpotOrder(spotParams(order.SpotLimitSell, "10"))
	id2, _ := env.engine.CreateSpotOrder(spotParams(order.SpotStopLoss, "8"))

	if _, err := env.engine.CancelSpotOrders(bob, nil, nil); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound for owner with no orders, got %v", err)
	}
	if _, err := env.engine.CancelSpotOrders(bob, []uint64{id2}, nil); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := env.engine.CancelSpotOrders(alice, []uint64{}, nil); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for empty id list, got %v", err)
	}

	filter := order.SpotLimitBuy
	if _, err := env.engine.CancelSpotOrders(alice, nil, &filter); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound for empty filter result, got %v", err)
	}

	filter = order.SpotStopLoss
	ids, err := env.engine.CancelSpotOrders(alice, nil, &filter)
	if err != nil {
		t.Fatalf("filtered cancel: %v", err)
	}
	if len(ids) != 1 || ids[0] != id2 {
		t.Errorf("filtered cancel ids = %v, want [%d]", ids, id2)
	}

	// The limit sell is untouched.
	pending, _ := env.store.ListPendingSpotOrders()
	if len(pending) != 1 {
		t.Errorf("expected 1 remaining pending order, got %d", len(pending))
	}
}

// TestCancelPerpetualOrders checks that only LimitOpen collateral is
// refunded.
func TestCancelPerpetualOrders(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.positions[1] = &venue.MarginPosition{
		PositionID: 1, Owner: alice, Position: order.PositionLong,
		Collateral:   order.Coin{Denom: "uusdc", Amount: dec("500")},
		TradingAsset: "ubtc", Leverage: dec("5"), Custody: dec("250"), TakeProfitPrice: dec("20"),
	}

	openID, err := env.engine.CreatePerpetualOrder(limitOpenParams("10"))
	if err != nil {
		t.Fatalf("create open: %v", err)
	}
	posID := uint64(1)
	closeID, err := env.engine.CreatePerpetualOrder(CreatePerpetualOrderParams{
		Owner:        alice,
		OrderType:    order.PerpLimitClose,
		PositionID:   &posID,
		TriggerPrice: &order.OrderPrice{BaseDenom: "uusdc", QuoteDenom: "ubtc", Rate: dec("15")},
	})
	if err != nil {
		t.Fatalf("create close: %v", err)
	}

	ids, err := env.engine.CancelPerpetualOrders(alice, []uint64{openID, closeID}, nil)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 canceled ids, got %v", ids)
	}
	if len(env.bank.sends) != 1 {
		t.Fatalf("expected 1 refund transfer, got %d", len(env.bank.sends))
	}
	coins := env.bank.sends[0].coins
	if len(coins) != 1 || coins[0].Denom != "uusdc" || !coins[0].Amount.Equal(dec("500")) {
		t.Errorf("refund = %+v, want only the LimitOpen collateral 500uusdc", coins)
	}
}

// TestProcessOrdersSpot runs a tick over firing and non-firing spot
// orders and checks the dispatched-but-unconfirmed state.
func TestProcessOrdersSpot(t *testing.T) {
	env := newTestEnv(t)

	// Fires: market 9.29 >= trigger 9.
	fireID, _ := env.engine.CreateSpotOrder(spotParams(order.SpotLimitSell, "9"))
	// Waits: market 9.29 < trigger 20.
	waitID, _ := env.engine.CreateSpotOrder(spotParams(order.SpotLimitSell, "20"))

	if err := env.engine.ProcessOrders(); err != nil {
		t.Fatalf("tick: %v", err)
	}

	reqs := env.dispatcher.all()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 dispatched request, got %d", len(reqs))
	}
	if reqs[0].Kind != venue.RequestSwap || reqs[0].ReplyID != 1 {
		t.Errorf("request mismatch: %+v", reqs[0])
	}

	// Fired order: out of pending, still Pending until completion.
	o, _ := env.store.LoadSpotOrder(fireID)
	if o.Status != order.StatusPending {
		t.Errorf("fired order status = %s, want Pending until completion", o.Status)
	}
	pending, _ := env.store.ListPendingSpotOrders()
	if len(pending) != 1 || pending[0].OrderID != waitID {
		t.Errorf("pending index = %+v, want only order %d", pending, waitID)
	}
	info, _ := env.store.LoadReplyInfo(1)
	if info == nil || info.OrderID != fireID || info.Type != order.ReplySpotOrder {
		t.Errorf("reply info mismatch: %+v", info)
	}

	// Second tick: the waiting order is re-evaluated, nothing fires.
	if err := env.engine.ProcessOrders(); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if len(env.dispatcher.all()) != 1 {
		t.Errorf("waiting order should not have fired")
	}
}

// TestProcessOrdersQueryFailureIsolation checks that a failing external
// query cancels only the order it belongs to, with a refund.
func TestProcessOrdersQueryFailureIsolation(t *testing.T) {
	env := newTestEnv(t)

	goodID, _ := env.engine.CreateSpotOrder(spotParams(order.SpotLimitSell, "9"))

	// No oracle route for ueth, so this order's queries fail.
	bad := spotParams(order.SpotLimitSell, "10")
	bad.OrderAmount = order.Coin{Denom: "ueth", Amount: dec("50")}
	bad.OrderPrice.BaseDenom = "ueth"
	badID, err := env.engine.CreateSpotOrder(bad)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := env.engine.ProcessOrders(); err != nil {
		t.Fatalf("tick: %v", err)
	}

	badOrder, _ := env.store.LoadSpotOrder(badID)
	if badOrder.Status != order.StatusCanceled {
		t.Errorf("order with failing query should be Canceled, got %s", badOrder.Status)
	}
	if len(env.bank.sends) != 1 || !env.bank.sends[0].coins[0].Amount.Equal(dec("50")) {
		t.Errorf("expected the canceled order's escrow refunded, got %+v", env.bank.sends)
	}

	// The good order fired in the same tick.
	reqs := env.dispatcher.all()
	if len(reqs) != 1 {
		t.Fatalf("expected the healthy order dispatched, got %d requests", len(reqs))
	}
	goodOrder, _ := env.store.LoadSpotOrder(goodID)
	if goodOrder.Status != order.StatusPending {
		t.Errorf("healthy order status = %s, want Pending", goodOrder.Status)
	}
}

// TestProcessOrdersPerpetual runs a tick over perpetual orders: a firing
// limit open, a close whose position disappeared, and reply-id assignment
// shared with the spot pass.
func TestProcessOrdersPerpetual(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.positions[1] = &venue.MarginPosition{
		PositionID: 1, Owner: alice, Position: order.PositionLong,
		Collateral:   order.Coin{Denom: "uusdc", Amount: dec("500")},
		TradingAsset: "ubtc", Leverage: dec("5"), Custody: dec("250"), TakeProfitPrice: dec("20"),
	}

	// Spot order that fires: takes reply id 1.
	env.engine.CreateSpotOrder(spotParams(order.SpotLimitSell, "9"))

	// Limit open long, trigger 10 >= market 10: fires, takes reply id 2.
	openID, err := env.engine.CreatePerpetualOrder(limitOpenParams("10"))
	if err != nil {
		t.Fatalf("create open: %v", err)
	}

	// Close order against a position that is about to vanish.
	posID := uint64(1)
	goneID, err := env.engine.CreatePerpetualOrder(CreatePerpetualOrderParams{
		Owner:        alice,
		OrderType:    order.PerpStopLoss,
		PositionID:   &posID,
		TriggerPrice: &order.OrderPrice{BaseDenom: "uusdc", QuoteDenom: "ubtc", Rate: dec("5")},
	})
	if err != nil {
		t.Fatalf("create stop loss: %v", err)
	}
	delete(env.ledger.positions, 1)

	if err := env.engine.ProcessOrders(); err != nil {
		t.Fatalf("tick: %v", err)
	}

	reqs := env.dispatcher.all()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 dispatched requests, got %d", len(reqs))
	}
	if reqs[0].ReplyID != 1 || reqs[1].ReplyID != 2 {
		t.Errorf("reply ids = %d, %d; want 1, 2", reqs[0].ReplyID, reqs[1].ReplyID)
	}
	if reqs[1].Kind != venue.RequestOpenPosition || reqs[1].Open == nil {
		t.Fatalf("expected open-position request, got %+v", reqs[1])
	}
	if !reqs[1].Open.Leverage.Equal(dec("5")) || reqs[1].Open.TradingAsset != "ubtc" {
		t.Errorf("open request mismatch: %+v", reqs[1].Open)
	}

	max, _ := env.store.MaxReplyID()
	if max != 2 {
		t.Errorf("reply counter = %d, want 2", max)
	}

	// The orphaned close order was canceled without a refund.
	gone, _ := env.store.LoadPerpetualOrder(goneID)
	if gone.Status != order.StatusCanceled {
		t.Errorf("orphaned close order status = %s, want Canceled", gone.Status)
	}
	for _, s := range env.bank.sends {
		for _, c := range s.coins {
			t.Errorf("close order must not be refunded, sent %s", c)
		}
	}

	info, _ := env.store.LoadReplyInfo(2)
	if info == nil || info.OrderID != openID || info.Type != order.ReplyPerpetualOpen {
		t.Errorf("reply info mismatch: %+v", info)
	}
}

// TestProcessOrdersCloseUsesLiveCustody checks that a firing close order
// dispatches the custody amount read at tick time.
func TestProcessOrdersCloseUsesLiveCustody(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.positions[1] = &venue.MarginPosition{
		PositionID: 1, Owner: alice, Position: order.PositionLong,
		Collateral:   order.Coin{Denom: "uusdc", Amount: dec("500")},
		TradingAsset: "ubtc", Leverage: dec("5"), Custody: dec("250"), TakeProfitPrice: dec("20"),
	}

	posID := uint64(1)
	// Limit close long fires when market 10 >= trigger 9.
	if _, err := env.engine.CreatePerpetualOrder(CreatePerpetualOrderParams{
		Owner:        alice,
		OrderType:    order.PerpLimitClose,
		PositionID:   &posID,
		TriggerPrice: &order.OrderPrice{BaseDenom: "uusdc", QuoteDenom: "ubtc", Rate: dec("9")},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Custody moved between creation and the tick.
	env.ledger.positions[1].Custody = dec("175")

	if err := env.engine.ProcessOrders(); err != nil {
		t.Fatalf("tick: %v", err)
	}

	reqs := env.dispatcher.all()
	if len(reqs) != 1 || reqs[0].Kind != venue.RequestClosePosition {
		t.Fatalf("expected 1 close request, got %+v", reqs)
	}
	if !reqs[0].Close.Amount.Equal(dec("175")) {
		t.Errorf("close amount = %s, want the live custody 175", reqs[0].Close.Amount)
	}
}

// TestProcessOrdersRegistryFailure checks that a failing stable-denom
// lookup aborts the whole tick before any order is touched.
func TestProcessOrdersRegistryFailure(t *testing.T) {
	env := newTestEnv(t)

	id, _ := env.engine.CreateSpotOrder(spotParams(order.SpotLimitSell, "9"))
	env.registry.err = errors.New("registry down")

	if err := env.engine.ProcessOrders(); !errors.Is(err, ErrExternalQuery) {
		t.Fatalf("expected ErrExternalQuery, got %v", err)
	}
	o, _ := env.store.LoadSpotOrder(id)
	if o.Status != order.StatusPending {
		t.Errorf("aborted tick must not touch orders, status = %s", o.Status)
	}
	if len(env.dispatcher.all()) != 0 {
		t.Errorf("aborted tick must not dispatch")
	}
}

// TestHandleCompletion finalizes dispatched orders from completion
// callbacks and consumes each reply id exactly once.
func TestHandleCompletion(t *testing.T) {
	env := newTestEnv(t)

	okID, _ := env.engine.CreateSpotOrder(spotParams(order.SpotLimitSell, "9"))
	failID, _ := env.engine.CreateSpotOrder(spotParams(order.SpotLimitSell, "9.2"))

	if err := env.engine.ProcessOrders(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	reqs := env.dispatcher.all()
	if len(reqs) != 2 {
		t.Fatalf("expected both orders dispatched, got %d", len(reqs))
	}

	if err := env.engine.HandleCompletion(reqs[0].ReplyID, true); err != nil {
		t.Fatalf("completion: %v", err)
	}
	o, _ := env.store.LoadSpotOrder(okID)
	if o.Status != order.StatusExecuted {
		t.Errorf("status = %s, want Executed", o.Status)
	}

	if err := env.engine.HandleCompletion(reqs[1].ReplyID, false); err != nil {
		t.Fatalf("completion: %v", err)
	}
	o, _ = env.store.LoadSpotOrder(failID)
	if o.Status != order.StatusFailed {
		t.Errorf("status = %s, want Failed", o.Status)
	}

	// Consumed and unknown reply ids are equally not found.
	if err := env.engine.HandleCompletion(reqs[0].ReplyID, true); !errors.Is(err, ErrReplyNotFound) {
		t.Errorf("expected ErrReplyNotFound for consumed id, got %v", err)
	}
	if err := env.engine.HandleCompletion(999, true); !errors.Is(err, ErrReplyNotFound) {
		t.Errorf("expected ErrReplyNotFound for unknown id, got %v", err)
	}
}

// TestListOrders covers the query filters and paging.
func TestListOrders(t *testing.T) {
	env := newTestEnv(t)

	env.engine.CreateSpotOrder(spotParams(order.SpotLimitSell, "10"))
	env.engine.CreateSpotOrder(spotParams(order.SpotStopLoss, "8"))
	p := spotParams(order.SpotLimitSell, "11")
	p.Owner = bob
	env.engine.CreateSpotOrder(p)

	all, err := env.engine.ListSpotOrders(SpotOrderFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 orders, got %d", len(all))
	}

	byOwner, _ := env.engine.ListSpotOrders(SpotOrderFilter{Owner: &alice})
	if len(byOwner) != 2 {
		t.Errorf("owner filter: got %d, want 2", len(byOwner))
	}

	typ := order.SpotStopLoss
	byType, _ := env.engine.ListSpotOrders(SpotOrderFilter{Type: &typ})
	if len(byType) != 1 || byType[0].OrderType != order.SpotStopLoss {
		t.Errorf("type filter mismatch: %+v", byType)
	}

	paged, _ := env.engine.ListSpotOrders(SpotOrderFilter{Offset: 1, Limit: 1})
	if len(paged) != 1 || paged[0].OrderID != 1 {
		t.Errorf("paging mismatch: %+v", paged)
	}

	if _, err := env.engine.GetSpotOrder(42); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

// TestCancelSpotOrdersDuplicateIDs checks that a repeated id in the batch
// cancels, and refunds, the order once.
func TestCancelSpotOrdersDuplicateIDs(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.engine.CreateSpotOrder(spotParams(order.SpotLimitSell, "10"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ids, err := env.engine.CancelSpotOrders(alice, []uint64{id, id}, nil)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Errorf("canceled ids = %v, want [%d]", ids, id)
	}
	if len(env.bank.sends) != 1 {
		t.Fatalf("expected 1 refund transfer, got %d", len(env.bank.sends))
	}
	coins := env.bank.sends[0].coins
	if len(coins) != 1 || !coins[0].Amount.Equal(dec("100")) {
		t.Errorf("refund = %+v, want exactly the escrowed 100ubtc", coins)
	}
}

// TestCancelPerpetualOrdersDuplicateIDs is the perpetual twin: the
// collateral of a repeated LimitOpen id is refunded once.
func TestCancelPerpetualOrdersDuplicateIDs(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.engine.CreatePerpetualOrder(limitOpenParams("10"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ids, err := env.engine.CancelPerpetualOrders(alice, []uint64{id, id, id}, nil)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Errorf("canceled ids = %v, want [%d]", ids, id)
	}
	if len(env.bank.sends) != 1 {
		t.Fatalf("expected 1 refund transfer, got %d", len(env.bank.sends))
	}
	coins := env.bank.sends[0].coins
	if len(coins) != 1 || !coins[0].Amount.Equal(dec("500")) {
		t.Errorf("refund = %+v, want exactly the escrowed 500uusdc", coins)
	}
}

// TestProcessOrdersDispatchFailureRetries checks that a failed dispatch
// leaves the tick's batch uncommitted: the fired order stays in the
// pending index and goes out on the next tick.
func TestProcessOrdersDispatchFailureRetries(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.engine.CreateSpotOrder(spotParams(order.SpotLimitSell, "9"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	env.dispatcher.err = errors.New("venue unavailable")
	if err := env.engine.ProcessOrders(); err == nil {
		t.Fatal("expected the tick to fail when dispatch fails")
	}

	o, _ := env.store.LoadSpotOrder(id)
	if o.Status != order.StatusPending {
		t.Errorf("status = %s, want Pending", o.Status)
	}
	pending, _ := env.store.ListPendingSpotOrders()
	if len(pending) != 1 || pending[0].OrderID != id {
		t.Fatalf("order must stay in the pending index, got %+v", pending)
	}
	if info, _ := env.store.LoadReplyInfo(1); info != nil {
		t.Errorf("failed dispatch must not leave a reply entry: %+v", info)
	}
	if max, _ := env.store.MaxReplyID(); max != 0 {
		t.Errorf("reply counter = %d, want 0", max)
	}

	// The venue recovers and the retry goes through.
	env.dispatcher.err = nil
	if err := env.engine.ProcessOrders(); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	reqs := env.dispatcher.all()
	if len(reqs) != 1 || reqs[0].ReplyID != 1 {
		t.Fatalf("expected the order dispatched on retry, got %+v", reqs)
	}
	info, _ := env.store.LoadReplyInfo(1)
	if info == nil || info.OrderID != id {
		t.Errorf("reply entry missing after retry: %+v", info)
	}
	pending, _ = env.store.ListPendingSpotOrders()
	if len(pending) != 0 {
		t.Errorf("dispatched order left in pending index: %+v", pending)
	}
}

// TestCreateMarketOrderDispatchFailure checks that the immediate-dispatch
// creation paths persist nothing when the venue rejects the request.
func TestCreateMarketOrderDispatchFailure(t *testing.T) {
	env := newTestEnv(t)
	env.dispatcher.err = errors.New("venue unavailable")

	if _, err := env.engine.CreateSpotOrder(spotParams(order.SpotMarketBuy, "")); err == nil {
		t.Fatal("expected an error when the market buy dispatch fails")
	}
	orders, _ := env.store.ListSpotOrders()
	if len(orders) != 0 {
		t.Errorf("failed market buy should persist nothing, found %d orders", len(orders))
	}

	p := limitOpenParams("10")
	p.OrderType = order.PerpMarketOpen
	p.TriggerPrice = nil
	if _, err := env.engine.CreatePerpetualOrder(p); err == nil {
		t.Fatal("expected an error when the market open dispatch fails")
	}
	perps, _ := env.store.ListPerpetualOrders()
	if len(perps) != 0 {
		t.Errorf("failed market open should persist nothing, found %d orders", len(perps))
	}

	if max, _ := env.store.MaxReplyID(); max != 0 {
		t.Errorf("reply counter = %d, want 0", max)
	}
	if info, _ := env.store.LoadReplyInfo(1); info != nil {
		t.Errorf("failed dispatch must not leave a reply entry: %+v", info)
	}
}

// mockSink records published lifecycle events.
type mockSink struct {
	events []OrderEvent
}

func (m *mockSink) Publish(channel string, data any) {
	if evt, ok := data.(OrderEvent); ok {
		m.events = append(m.events, evt)
	}
}

// TestHandleCompletionAfterCancel cancels an order while its request is in
// flight: the completion consumes the reply entry but the terminal status,
// and the event announcing it, stay Canceled.
func TestHandleCompletionAfterCancel(t *testing.T) {
	env := newTestEnv(t)
	sink := &mockSink{}
	env.engine.SetEvents(sink)

	id, err := env.engine.CreateSpotOrder(spotParams(order.SpotLimitSell, "9"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.engine.ProcessOrders(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if err := env.engine.CancelSpotOrder(alice, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if err := env.engine.HandleCompletion(1, true); err != nil {
		t.Fatalf("completion: %v", err)
	}
	o, _ := env.store.LoadSpotOrder(id)
	if o.Status != order.StatusCanceled {
		t.Errorf("terminal status must not change, got %s", o.Status)
	}
	if len(sink.events) == 0 {
		t.Fatal("expected a published event")
	}
	last := sink.events[len(sink.events)-1]
	if last.Type != "canceled" || last.Status != "Canceled" {
		t.Errorf("event = %+v, want type canceled", last)
	}

	// The reply entry is consumed either way.
	if err := env.engine.HandleCompletion(1, true); !errors.Is(err, ErrReplyNotFound) {
		t.Errorf("expected ErrReplyNotFound, got %v", err)
	}
}

// TestCreateSpotOrderStorageError plants a key the id allocator cannot
// parse and checks that the failure surfaces as a storage error rather
// than an overflow.
func TestCreateSpotOrderStorageError(t *testing.T) {
	dir := t.TempDir()
	s, err := storage.NewStore(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	if err := db.Set([]byte("spot:zzz"), []byte("{}"), pebble.Sync); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close pebble: %v", err)
	}

	s, err = storage.NewStore(dir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	eng, err := New(Config{
		Store:      s,
		Oracle:     &mockOracle{},
		Registry:   &mockRegistry{},
		Ledger:     &mockLedger{},
		Tiers:      &mockTiers{},
		Dispatcher: &mockDispatcher{},
		Bank:       &mockBank{},
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	_, err = eng.CreateSpotOrder(spotParams(order.SpotLimitSell, "10"))
	if err == nil {
		t.Fatal("expected an error for the malformed key")
	}
	if errors.Is(err, ErrOverflow) {
		t.Errorf("malformed key must not report as overflow: %v", err)
	}
}
