// Package engine implements the conditional-order lifecycle: creation,
// cancellation with refunds, the per-tick trigger evaluation and dispatch
// batch, and finalization from venue completion callbacks.
package engine

import (
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/condor-exchange/condor/pkg/order"
	"github.com/condor-exchange/condor/pkg/storage"
	"github.com/condor-exchange/condor/pkg/venue"
)

// StableAssetProfile is the symbolic registry name resolved to the stable
// denom that every perpetual trigger price is quoted against.
const StableAssetProfile = "uusdc"

// EventSink receives order lifecycle events for broadcast. Implemented by
// the API server's WebSocket hub; a nil sink disables broadcasting.
type EventSink interface {
	Publish(channel string, data any)
}

// Event channels published through the sink.
const (
	ChannelSpotOrders = "spot_orders"
	ChannelPerpOrders = "perpetual_orders"
)

// OrderEvent is the payload broadcast on order lifecycle transitions.
type OrderEvent struct {
	Type    string `json:"type"` // "created", "canceled", "dispatched", "executed", "failed"
	Kind    string `json:"kind"` // "spot" or "perpetual"
	OrderID uint64 `json:"orderId"`
	Owner   string `json:"owner"`
	Status  string `json:"status"`
}

// Engine owns the order store, the pending indexes, the reply correlation
// table and the reply-id counter. External calls (create, cancel, tick,
// completion) are fully serialized: one call runs to completion before the
// next begins.
type Engine struct {
	mu sync.Mutex

	store      *storage.Store
	oracle     venue.Oracle
	registry   venue.AssetRegistry
	ledger     venue.PositionLedger
	tiers      venue.Tiers
	dispatcher venue.Dispatcher
	bank       venue.Bank

	events EventSink
	log    *zap.SugaredLogger
}

// Config bundles the engine's collaborators.
type Config struct {
	Store      *storage.Store
	Oracle     venue.Oracle
	Registry   venue.AssetRegistry
	Ledger     venue.PositionLedger
	Tiers      venue.Tiers
	Dispatcher venue.Dispatcher
	Bank       venue.Bank
	Events     EventSink // optional
	Logger     *zap.SugaredLogger
}

// New creates an engine. All collaborators except Events are required.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Oracle == nil || cfg.Registry == nil ||
		cfg.Ledger == nil || cfg.Tiers == nil || cfg.Dispatcher == nil ||
		cfg.Bank == nil {
		return nil, fmt.Errorf("engine: missing collaborator")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{
		store:      cfg.Store,
		oracle:     cfg.Oracle,
		registry:   cfg.Registry,
		ledger:     cfg.Ledger,
		tiers:      cfg.Tiers,
		dispatcher: cfg.Dispatcher,
		bank:       cfg.Bank,
		events:     cfg.Events,
		log:        log,
	}, nil
}

// SetEvents attaches the event sink after construction. The API server
// needs the engine first, so the sink is wired in a second step.
func (e *Engine) SetEvents(sink EventSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = sink
}

// nextReplyID increments the shared reply-id counter with an overflow
// check. The caller is responsible for persisting the new counter value
// together with the entry that uses it.
func nextReplyID(current uint64) (uint64, error) {
	if current == math.MaxUint64 {
		return 0, fmt.Errorf("%w: reply id", ErrOverflow)
	}
	return current + 1, nil
}

// stageReply bumps the reply-id counter and stages the counter write plus
// the correlation entry into the batch. Nothing lands until the batch
// commits, so a rejected dispatch leaves the counter and the reply table
// untouched. Used by the immediate-dispatch creation paths; the tick
// stages these writes itself.
func (e *Engine) stageReply(batch *storage.BatchWrite, replyType order.ReplyType, orderID uint64) (uint64, error) {
	current, err := e.store.MaxReplyID()
	if err != nil {
		return 0, err
	}
	id, err := nextReplyID(current)
	if err != nil {
		return 0, err
	}
	if err := batch.SetMaxReplyID(id); err != nil {
		return 0, err
	}
	if err := batch.SaveReplyInfo(&order.ReplyInfo{ID: id, Type: replyType, OrderID: orderID}); err != nil {
		return 0, err
	}
	return id, nil
}

func (e *Engine) publish(channel string, evt OrderEvent) {
	if e.events != nil {
		e.events.Publish(channel, evt)
	}
}

func (e *Engine) publishSpot(evtType string, o *order.SpotOrder) {
	e.publish(ChannelSpotOrders, OrderEvent{
		Type:    evtType,
		Kind:    "spot",
		OrderID: o.OrderID,
		Owner:   o.Owner.Hex(),
		Status:  o.Status.String(),
	})
}

func (e *Engine) publishPerp(evtType string, o *order.PerpetualOrder) {
	e.publish(ChannelPerpOrders, OrderEvent{
		Type:    evtType,
		Kind:    "perpetual",
		OrderID: o.OrderID,
		Owner:   o.Owner.Hex(),
		Status:  o.Status.String(),
	})
}

// mergeCoins sums amounts per denomination, collapsing a refund set into
// at most one coin per denom. Output order follows first appearance so the
// resulting transfer is deterministic.
func mergeCoins(coins []order.Coin) []order.Coin {
	idx := make(map[string]int)
	var merged []order.Coin
	for _, c := range coins {
		if i, ok := idx[c.Denom]; ok {
			merged[i].Amount = merged[i].Amount.Add(c.Amount)
			continue
		}
		idx[c.Denom] = len(merged)
		merged = append(merged, c)
	}
	return merged
}
