package engine

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/condor-exchange/condor/pkg/order"
)

// SpotOrderFilter narrows a spot order listing. Nil fields match everything.
type SpotOrderFilter struct {
	Owner  *common.Address
	Type   *order.SpotOrderType
	Status *order.Status
	Limit  int
	Offset int
}

// PerpetualOrderFilter narrows a perpetual order listing.
type PerpetualOrderFilter struct {
	Owner  *common.Address
	Type   *order.PerpetualOrderType
	Status *order.Status
	Limit  int
	Offset int
}

func (e *Engine) GetSpotOrder(id uint64) (*order.SpotOrder, error) {
	o, err := e.store.LoadSpotOrder(id)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, fmt.Errorf("%w: spot order %d", ErrOrderNotFound, id)
	}
	return o, nil
}

func (e *Engine) GetPerpetualOrder(id uint64) (*order.PerpetualOrder, error) {
	o, err := e.store.LoadPerpetualOrder(id)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, fmt.Errorf("%w: perpetual order %d", ErrOrderNotFound, id)
	}
	return o, nil
}

// ListSpotOrders returns orders in ascending id order, filtered then paged.
func (e *Engine) ListSpotOrders(f SpotOrderFilter) ([]*order.SpotOrder, error) {
	all, err := e.store.ListSpotOrders()
	if err != nil {
		return nil, err
	}
	matched := make([]*order.SpotOrder, 0, len(all))
	for _, o := range all {
		if f.Owner != nil && o.Owner != *f.Owner {
			continue
		}
		if f.Type != nil && o.OrderType != *f.Type {
			continue
		}
		if f.Status != nil && o.Status != *f.Status {
			continue
		}
		matched = append(matched, o)
	}
	return pageSlice(matched, f.Offset, f.Limit), nil
}

// ListPerpetualOrders returns orders in ascending id order, filtered then paged.
func (e *Engine) ListPerpetualOrders(f PerpetualOrderFilter) ([]*order.PerpetualOrder, error) {
	all, err := e.store.ListPerpetualOrders()
	if err != nil {
		return nil, err
	}
	matched := make([]*order.PerpetualOrder, 0, len(all))
	for _, o := range all {
		if f.Owner != nil && o.Owner != *f.Owner {
			continue
		}
		if f.Type != nil && o.OrderType != *f.Type {
			continue
		}
		if f.Status != nil && o.Status != *f.Status {
			continue
		}
		matched = append(matched, o)
	}
	return pageSlice(matched, f.Offset, f.Limit), nil
}

func pageSlice[T any](xs []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(xs) {
		return []T{}
	}
	xs = xs[offset:]
	if limit > 0 && limit < len(xs) {
		xs = xs[:limit]
	}
	return xs
}
