// Package api exposes the order engine over REST and WebSocket: order
// creation and cancellation, order queries, the venue's completion
// callback, and an admin endpoint that runs one tick on demand.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/condor-exchange/condor/pkg/engine"
	"github.com/condor-exchange/condor/pkg/order"
)

// Server handles REST API and WebSocket connections
type Server struct {
	engine  *engine.Engine
	router  *mux.Router
	hub     *Hub
	log     *zap.SugaredLogger
	origins []string
}

// NewServer creates a new API server. The returned server is also the
// engine's event sink: lifecycle events flow to WebSocket subscribers.
func NewServer(eng *engine.Engine, allowedOrigins []string, log *zap.SugaredLogger) *Server {
	s := &Server{
		engine:  eng,
		router:  mux.NewRouter(),
		hub:     NewHub(log),
		log:     log,
		origins: allowedOrigins,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Spot orders
	api.HandleFunc("/spot/orders", s.handleCreateSpotOrder).Methods("POST")
	api.HandleFunc("/spot/orders", s.handleListSpotOrders).Methods("GET")
	api.HandleFunc("/spot/orders/{id:[0-9]+}", s.handleGetSpotOrder).Methods("GET")
	api.HandleFunc("/spot/orders/cancel", s.handleCancelSpotOrder).Methods("POST")
	api.HandleFunc("/spot/orders/cancel-batch", s.handleCancelSpotOrders).Methods("POST")

	// Perpetual orders
	api.HandleFunc("/perpetual/orders", s.handleCreatePerpetualOrder).Methods("POST")
	api.HandleFunc("/perpetual/orders", s.handleListPerpetualOrders).Methods("GET")
	api.HandleFunc("/perpetual/orders/{id:[0-9]+}", s.handleGetPerpetualOrder).Methods("GET")
	api.HandleFunc("/perpetual/orders/cancel", s.handleCancelPerpetualOrder).Methods("POST")
	api.HandleFunc("/perpetual/orders/cancel-batch", s.handleCancelPerpetualOrders).Methods("POST")

	// Venue completion callback
	api.HandleFunc("/completions", s.handleCompletion).Methods("POST")

	// Manual tick (admin)
	api.HandleFunc("/admin/tick", s.handleTick).Methods("POST")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start starts the API server
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	s.log.Infow("api_server_starting", "addr", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// Publish implements engine.EventSink: order lifecycle events go out to
// every WebSocket client subscribed to the channel.
func (s *Server) Publish(channel string, data any) {
	s.hub.BroadcastToChannel(channel, WSMessage{Channel: channel, Data: data})
}

// ==============================
// Spot handlers
// ==============================

func (s *Server) handleCreateSpotOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateSpotOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	owner, ok := parseAddress(w, req.OwnerAddress)
	if !ok {
		return
	}
	orderType, err := order.ParseSpotOrderType(req.OrderType)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order type", err.Error())
		return
	}
	amount, err := parseCoin(req.OrderAmount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order amount", err.Error())
		return
	}

	params := engine.CreateSpotOrderParams{
		Owner:            owner,
		OrderType:        orderType,
		OrderAmount:      amount,
		OrderTargetDenom: req.OrderTargetDenom,
	}
	if req.OrderPrice != nil {
		price, err := parsePrice(*req.OrderPrice)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid order price", err.Error())
			return
		}
		params.OrderPrice = price
	}

	id, err := s.engine.CreateSpotOrder(params)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, CreateOrderResponse{OrderID: id, Status: "accepted"})
}

func (s *Server) handleGetSpotOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := parseOrderID(w, mux.Vars(r)["id"])
	if !ok {
		return
	}
	o, err := s.engine.GetSpotOrder(id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, spotOrderInfo(o))
}

func (s *Server) handleListSpotOrders(w http.ResponseWriter, r *http.Request) {
	filter := engine.SpotOrderFilter{}
	q := r.URL.Query()

	if v := q.Get("owner"); v != "" {
		owner, ok := parseAddress(w, v)
		if !ok {
			return
		}
		filter.Owner = &owner
	}
	if v := q.Get("orderType"); v != "" {
		t, err := order.ParseSpotOrderType(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid order type", err.Error())
			return
		}
		filter.Type = &t
	}
	if v := q.Get("status"); v != "" {
		st, err := parseStatus(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid status", err.Error())
			return
		}
		filter.Status = &st
	}
	filter.Limit, filter.Offset = parsePaging(q.Get("limit"), q.Get("offset"))

	orders, err := s.engine.ListSpotOrders(filter)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	out := make([]SpotOrderInfo, len(orders))
	for i, o := range orders {
		out[i] = spotOrderInfo(o)
	}
	respondJSON(w, out)
}

func (s *Server) handleCancelSpotOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	owner, ok := parseAddress(w, req.OwnerAddress)
	if !ok {
		return
	}
	if err := s.engine.CancelSpotOrder(owner, req.OrderID); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, CancelOrdersResponse{OrderIDs: []uint64{req.OrderID}})
}

func (s *Server) handleCancelSpotOrders(w http.ResponseWriter, r *http.Request) {
	var req CancelOrdersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	owner, ok := parseAddress(w, req.OwnerAddress)
	if !ok {
		return
	}
	var filter *order.SpotOrderType
	if req.OrderType != "" {
		t, err := order.ParseSpotOrderType(req.OrderType)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid order type", err.Error())
			return
		}
		filter = &t
	}
	var ids []uint64
	if req.OrderIDs != nil {
		ids = *req.OrderIDs
		if ids == nil {
			ids = []uint64{}
		}
	}
	canceled, err := s.engine.CancelSpotOrders(owner, ids, filter)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, CancelOrdersResponse{OrderIDs: canceled})
}

// ==============================
// Perpetual handlers
// ==============================

func (s *Server) handleCreatePerpetualOrder(w http.ResponseWriter, r *http.Request) {
	var req CreatePerpetualOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	owner, ok := parseAddress(w, req.OwnerAddress)
	if !ok {
		return
	}
	orderType, err := order.ParsePerpetualOrderType(req.OrderType)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order type", err.Error())
		return
	}
	position, err := order.ParsePosition(req.Position)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid position", err.Error())
		return
	}

	params := engine.CreatePerpetualOrderParams{
		Owner:        owner,
		OrderType:    orderType,
		Position:     position,
		TradingAsset: req.TradingAsset,
		PositionID:   req.PositionID,
	}
	if req.Leverage != "" {
		lev, err := decimal.NewFromString(req.Leverage)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid leverage", err.Error())
			return
		}
		params.Leverage = &lev
	}
	if req.TakeProfitPrice != "" {
		tp, err := decimal.NewFromString(req.TakeProfitPrice)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid take profit price", err.Error())
			return
		}
		params.TakeProfitPrice = &tp
	}
	if req.TriggerPrice != nil {
		price, err := parsePrice(*req.TriggerPrice)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid trigger price", err.Error())
			return
		}
		params.TriggerPrice = &price
	}
	for _, c := range req.Funds {
		coin, err := parseCoin(c)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid funds", err.Error())
			return
		}
		params.Funds = append(params.Funds, coin)
	}

	id, err := s.engine.CreatePerpetualOrder(params)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, CreateOrderResponse{OrderID: id, Status: "accepted"})
}

func (s *Server) handleGetPerpetualOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := parseOrderID(w, mux.Vars(r)["id"])
	if !ok {
		return
	}
	o, err := s.engine.GetPerpetualOrder(id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, perpetualOrderInfo(o))
}

func (s *Server) handleListPerpetualOrders(w http.ResponseWriter, r *http.Request) {
	filter := engine.PerpetualOrderFilter{}
	q := r.URL.Query()

	if v := q.Get("owner"); v != "" {
		owner, ok := parseAddress(w, v)
		if !ok {
			return
		}
		filter.Owner = &owner
	}
	if v := q.Get("orderType"); v != "" {
		t, err := order.ParsePerpetualOrderType(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid order type", err.Error())
			return
		}
		filter.Type = &t
	}
	if v := q.Get("status"); v != "" {
		st, err := parseStatus(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid status", err.Error())
			return
		}
		filter.Status = &st
	}
	filter.Limit, filter.Offset = parsePaging(q.Get("limit"), q.Get("offset"))

	orders, err := s.engine.ListPerpetualOrders(filter)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	out := make([]PerpetualOrderInfo, len(orders))
	for i, o := range orders {
		out[i] = perpetualOrderInfo(o)
	}
	respondJSON(w, out)
}

func (s *Server) handleCancelPerpetualOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	owner, ok := parseAddress(w, req.OwnerAddress)
	if !ok {
		return
	}
	if err := s.engine.CancelPerpetualOrder(owner, req.OrderID); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, CancelOrdersResponse{OrderIDs: []uint64{req.OrderID}})
}

func (s *Server) handleCancelPerpetualOrders(w http.ResponseWriter, r *http.Request) {
	var req CancelOrdersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	owner, ok := parseAddress(w, req.OwnerAddress)
	if !ok {
		return
	}
	var filter *order.PerpetualOrderType
	if req.OrderType != "" {
		t, err := order.ParsePerpetualOrderType(req.OrderType)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid order type", err.Error())
			return
		}
		filter = &t
	}
	var ids []uint64
	if req.OrderIDs != nil {
		ids = *req.OrderIDs
		if ids == nil {
			ids = []uint64{}
		}
	}
	canceled, err := s.engine.CancelPerpetualOrders(owner, ids, filter)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, CancelOrdersResponse{OrderIDs: canceled})
}

// ==============================
// Completion and tick handlers
// ==============================

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var req CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := s.engine.HandleCompletion(req.ReplyID, req.Success); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ProcessOrders(); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, TickResponse{Status: "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

func parseAddress(w http.ResponseWriter, s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		respondError(w, http.StatusBadRequest, "invalid address", s)
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func parseOrderID(w http.ResponseWriter, s string) (uint64, bool) {
	var id uint64
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
		respondError(w, http.StatusBadRequest, "invalid order id", s)
		return 0, false
	}
	return id, true
}

func parseCoin(p CoinPayload) (order.Coin, error) {
	amount, err := decimal.NewFromString(p.Amount)
	if err != nil {
		return order.Coin{}, fmt.Errorf("amount %q: %w", p.Amount, err)
	}
	return order.Coin{Denom: p.Denom, Amount: amount}, nil
}

func parsePrice(p PricePayload) (order.OrderPrice, error) {
	rate, err := decimal.NewFromString(p.Rate)
	if err != nil {
		return order.OrderPrice{}, fmt.Errorf("rate %q: %w", p.Rate, err)
	}
	return order.OrderPrice{BaseDenom: p.BaseDenom, QuoteDenom: p.QuoteDenom, Rate: rate}, nil
}

func parseStatus(s string) (order.Status, error) {
	switch s {
	case "Pending":
		return order.StatusPending, nil
	case "Executed":
		return order.StatusExecuted, nil
	case "Canceled":
		return order.StatusCanceled, nil
	case "Failed":
		return order.StatusFailed, nil
	default:
		return 0, fmt.Errorf("unknown status: %q", s)
	}
}

func parsePaging(limit, offset string) (int, int) {
	var l, o int
	fmt.Sscanf(limit, "%d", &l)
	fmt.Sscanf(offset, "%d", &o)
	if l < 0 {
		l = 0
	}
	if o < 0 {
		o = 0
	}
	return l, o
}

func coinPayload(c order.Coin) CoinPayload {
	return CoinPayload{Denom: c.Denom, Amount: c.Amount.String()}
}

func pricePayload(p order.OrderPrice) *PricePayload {
	return &PricePayload{BaseDenom: p.BaseDenom, QuoteDenom: p.QuoteDenom, Rate: p.Rate.String()}
}

func spotOrderInfo(o *order.SpotOrder) SpotOrderInfo {
	info := SpotOrderInfo{
		OrderID:          o.OrderID,
		Owner:            o.Owner.Hex(),
		OrderType:        o.OrderType.String(),
		OrderAmount:      coinPayload(o.OrderAmount),
		OrderTargetDenom: o.OrderTargetDenom,
		Status:           o.Status.String(),
		CreatedAt:        o.CreatedAt.UnixMilli(),
	}
	if o.OrderType != order.SpotMarketBuy {
		info.OrderPrice = pricePayload(o.OrderPrice)
	}
	return info
}

func perpetualOrderInfo(o *order.PerpetualOrder) PerpetualOrderInfo {
	info := PerpetualOrderInfo{
		OrderID:      o.OrderID,
		Owner:        o.Owner.Hex(),
		OrderType:    o.OrderType.String(),
		Position:     o.Position.String(),
		Collateral:   coinPayload(o.Collateral),
		TradingAsset: o.TradingAsset,
		Leverage:     o.Leverage.String(),
		PositionID:   o.PositionID,
		Status:       o.Status.String(),
		CreatedAt:    o.CreatedAt.UnixMilli(),
	}
	if o.TriggerPrice != nil {
		info.TriggerPrice = pricePayload(*o.TriggerPrice)
	}
	if o.TakeProfitPrice != nil {
		info.TakeProfitPrice = o.TakeProfitPrice.String()
	}
	return info
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}

// respondEngineError maps the engine's error taxonomy onto HTTP statuses.
func respondEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrOrderNotFound),
		errors.Is(err, engine.ErrReplyNotFound),
		errors.Is(err, engine.ErrPositionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, engine.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrExternalQuery):
		status = http.StatusBadGateway
	case errors.Is(err, engine.ErrOverflow):
		status = http.StatusInternalServerError
	}
	respondError(w, status, http.StatusText(status), err.Error())
}
