package order

// ReplyType tags a correlation entry with the follow-up handler that
// applies when the venue reports completion.
type ReplyType int8

const (
	ReplySpotOrder ReplyType = iota
	ReplySpotMarketBuy
	ReplyPerpetualOpen
	ReplyPerpetualClose
	ReplyPerpetualMarketOpen
	ReplyPerpetualMarketClose
)

func (t ReplyType) String() string {
	switch t {
	case ReplySpotOrder:
		return "SpotOrder"
	case ReplySpotMarketBuy:
		return "SpotMarketBuy"
	case ReplyPerpetualOpen:
		return "PerpetualOpen"
	case ReplyPerpetualClose:
		return "PerpetualClose"
	case ReplyPerpetualMarketOpen:
		return "PerpetualMarketOpen"
	case ReplyPerpetualMarketClose:
		return "PerpetualMarketClose"
	default:
		return "Unknown"
	}
}

// Spot reports whether the reply finalizes a spot order.
func (t ReplyType) Spot() bool {
	return t == ReplySpotOrder || t == ReplySpotMarketBuy
}

// ReplyInfo correlates a dispatched execution request with the order that
// produced it. Created atomically with the dispatch, deleted by the reply
// handler; every in-flight request has exactly one entry.
type ReplyInfo struct {
	ID      uint64    `json:"id"`
	Type    ReplyType `json:"type"`
	OrderID uint64    `json:"orderId"`
}
