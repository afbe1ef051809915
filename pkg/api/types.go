package api

// Request and response types for the REST endpoints and WebSocket messages

// ==============================
// REST Request Types
// ==============================

// CoinPayload is an amount of a single denomination, amount as a decimal string
type CoinPayload struct {
	Denom  string `json:"denom"`
	Amount string `json:"amount"`
}

// PricePayload is a trigger rate with its denomination pair
type PricePayload struct {
	BaseDenom  string `json:"baseDenom"`
	QuoteDenom string `json:"quoteDenom"`
	Rate       string `json:"rate"`
}

// CreateSpotOrderRequest is the payload for POST /api/v1/spot/orders.
// OrderAmount is the escrow attached to the order.
type CreateSpotOrderRequest struct {
	OwnerAddress     string        `json:"ownerAddress"`
	OrderType        string        `json:"orderType"` // "MarketBuy", "LimitBuy", "LimitSell", "StopLoss"
	OrderAmount      CoinPayload   `json:"orderAmount"`
	OrderTargetDenom string        `json:"orderTargetDenom"`
	OrderPrice       *PricePayload `json:"orderPrice,omitempty"` // required for non-market types
}

// CreatePerpetualOrderRequest is the payload for POST /api/v1/perpetual/orders.
// Funds carries the collateral for open orders; close orders attach none.
type CreatePerpetualOrderRequest struct {
	OwnerAddress    string        `json:"ownerAddress"`
	OrderType       string        `json:"orderType"` // "LimitOpen", "LimitClose", "MarketOpen", "MarketClose", "StopLoss"
	Position        string        `json:"position,omitempty"`
	Leverage        string        `json:"leverage,omitempty"`
	TradingAsset    string        `json:"tradingAsset,omitempty"`
	TakeProfitPrice string        `json:"takeProfitPrice,omitempty"`
	TriggerPrice    *PricePayload `json:"triggerPrice,omitempty"`
	PositionID      *uint64       `json:"positionId,omitempty"`
	Funds           []CoinPayload `json:"funds,omitempty"`
}

// CancelOrderRequest is the payload for the single-order cancel endpoints
type CancelOrderRequest struct {
	OwnerAddress string `json:"ownerAddress"`
	OrderID      uint64 `json:"orderId"`
}

// CancelOrdersRequest is the payload for the batch cancel endpoints.
// OrderIDs omitted selects every pending order of the owner; OrderType
// optionally narrows the selection.
type CancelOrdersRequest struct {
	OwnerAddress string    `json:"ownerAddress"`
	OrderIDs     *[]uint64 `json:"orderIds,omitempty"`
	OrderType    string    `json:"orderType,omitempty"`
}

// CompletionRequest is the venue's callback for a dispatched request
type CompletionRequest struct {
	ReplyID uint64 `json:"replyId"`
	Success bool   `json:"success"`
}

// ==============================
// REST Response Types
// ==============================

// CreateOrderResponse is returned from order creation
type CreateOrderResponse struct {
	OrderID uint64 `json:"orderId"`
	Status  string `json:"status"`
}

// CancelOrdersResponse lists the ids actually canceled
type CancelOrdersResponse struct {
	OrderIDs []uint64 `json:"orderIds"`
}

// SpotOrderInfo is the REST shape of a spot order
type SpotOrderInfo struct {
	OrderID          uint64        `json:"orderId"`
	Owner            string        `json:"owner"`
	OrderType        string        `json:"orderType"`
	OrderAmount      CoinPayload   `json:"orderAmount"`
	OrderTargetDenom string        `json:"orderTargetDenom"`
	OrderPrice       *PricePayload `json:"orderPrice,omitempty"`
	Status           string        `json:"status"`
	CreatedAt        int64         `json:"createdAt"` // Unix milliseconds
}

// PerpetualOrderInfo is the REST shape of a perpetual order
type PerpetualOrderInfo struct {
	OrderID         uint64        `json:"orderId"`
	Owner           string        `json:"owner"`
	OrderType       string        `json:"orderType"`
	Position        string        `json:"position"`
	TriggerPrice    *PricePayload `json:"triggerPrice,omitempty"`
	Collateral      CoinPayload   `json:"collateral"`
	TradingAsset    string        `json:"tradingAsset"`
	Leverage        string        `json:"leverage"`
	TakeProfitPrice string        `json:"takeProfitPrice,omitempty"`
	PositionID      *uint64       `json:"positionId,omitempty"`
	Status          string        `json:"status"`
	CreatedAt       int64         `json:"createdAt"`
}

// TickResponse summarizes a manually triggered tick
type TickResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by a client to manage channel subscriptions
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["spot_orders", "perpetual_orders"]
}

// WSMessage wraps a broadcast payload with its channel
type WSMessage struct {
	Channel string `json:"channel"`
	Data    any    `json:"data"`
}
