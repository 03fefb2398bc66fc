// Package api serves a maker node's order book and trades over HTTP and
// pushes trade updates over a websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/runeswap/pkg/core"
	"github.com/uhyunpark/runeswap/pkg/ledger"
	"github.com/uhyunpark/runeswap/pkg/runestone"
	"github.com/uhyunpark/runeswap/pkg/storage"
	"github.com/uhyunpark/runeswap/pkg/swaperr"
	"github.com/uhyunpark/runeswap/pkg/util"
)

const (
	ChannelTrades = "trades"
	defaultLimit  = 100
)

// Identity is the maker this node places orders for.
type Identity struct {
	ChannelKey string
	Address    string
	PublicKey  string
}

// Server handles REST API and WebSocket connections
type Server struct {
	store   storage.Store
	assets  ledger.Assets // optional, for display amounts
	self    Identity
	origins []string
	clock   util.Clock
	router  *mux.Router
	hub     *Hub
	log     *zap.SugaredLogger
}

func NewServer(store storage.Store, assets ledger.Assets, self Identity, origins []string, clock util.Clock, log *zap.SugaredLogger) *Server {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		store:   store,
		assets:  assets,
		self:    self,
		origins: origins,
		clock:   clock,
		router:  mux.NewRouter(),
		hub:     NewHub(log),
		log:     log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	api.HandleFunc("/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id}/cancel", s.handleCancelOrder).Methods("POST")

	api.HandleFunc("/trades", s.handleGetTrades).Methods("GET")
	api.HandleFunc("/trades/{tradeId}", s.handleGetTrade).Methods("GET")

	api.HandleFunc("/rebalance/{asset}", s.handleGetRebalance).Methods("GET")
	api.HandleFunc("/rebalance/{asset}", s.handlePutRebalance).Methods("PUT")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler is the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(s.router)
}

// Hub exposes the websocket hub; Run it before serving.
func (s *Server) Hub() *Hub { return s.hub }

// Start serves on addr until ctx ends.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Infow("api_listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// ==============================
// Broadcast (called from the reconciler)
// ==============================

func (s *Server) BroadcastTrade(t core.Trade) {
	s.broadcastTrade("trade", t)
}

func (s *Server) BroadcastTradeRemoved(t core.Trade) {
	s.broadcastTrade("trade_removed", t)
}

// broadcastTrade publishes on the all-trades channel and the per-asset one.
func (s *Server) broadcastTrade(kind string, t core.Trade) {
	for _, ch := range []string{ChannelTrades, ChannelTrades + ":" + t.AssetID} {
		s.hub.BroadcastToChannel(ch, TradeUpdate{Type: kind, Trade: t, Channel: ch})
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	open, err := s.store.OpenTrades(r.Context(), s.self.ChannelKey)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, NodeStatus{ChannelKey: s.self.ChannelKey, Address: s.self.Address, OpenTrades: len(open)})
}

// handleGetOrders lists one side of an asset's book, or both when side is
// omitted.
func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	asset := q.Get("asset")
	if _, err := runestone.ParseRuneID(asset); err != nil {
		s.respondErr(w, err)
		return
	}
	status := core.OrderStatus(q.Get("status"))
	if status == "" {
		status = core.OrderOpen
	}
	sides := []core.Side{core.Ask, core.Bid}
	if side := core.Side(q.Get("side")); side != "" {
		if !side.Valid() {
			respondError(w, http.StatusBadRequest, "invalid side", string(side), int(swaperr.Validation))
			return
		}
		sides = []core.Side{side}
	}

	decimals := s.decimals(r.Context(), asset)
	out := []OrderInfo{}
	for _, side := range sides {
		orders, err := s.store.OrdersFor(r.Context(), asset, status, side)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		for _, o := range orders {
			out = append(out, orderInfo(o, decimals))
		}
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.store.GetOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, orderInfo(o, s.decimals(r.Context(), o.AssetID)))
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error(), int(swaperr.Validation))
		return
	}
	if _, err := runestone.ParseRuneID(req.AssetID); err != nil {
		s.respondErr(w, err)
		return
	}
	o := core.Order{
		ID:              uuid.NewString(),
		AssetID:         req.AssetID,
		Quantity:        req.Quantity,
		Price:           req.Price,
		Side:            req.Side,
		Status:          core.OrderOpen,
		MakerChannelKey: s.self.ChannelKey,
		MakerAddress:    s.self.Address,
		MakerPublicKey:  s.self.PublicKey,
		CreatedAt:       s.clock.Now(),
	}
	if err := o.Validate(); err != nil {
		s.respondErr(w, swaperr.Wrap(swaperr.Validation, err, "order"))
		return
	}
	if err := s.store.SaveOrder(r.Context(), o); err != nil {
		s.respondErr(w, err)
		return
	}
	s.log.Infow("order_placed", "order_id", o.ID, "asset", o.AssetID, "side", o.Side, "quantity", o.Quantity, "price", o.Price)
	respondJSON(w, http.StatusCreated, SubmitOrderResponse{Status: "open", OrderID: o.ID})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.store.GetOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if o.MakerChannelKey != s.self.ChannelKey {
		respondError(w, http.StatusForbidden, "order belongs to another maker", "", int(swaperr.Validation))
		return
	}
	if o.Status != core.OrderOpen {
		respondError(w, http.StatusConflict, "order is not open", string(o.Status), int(swaperr.Validation))
		return
	}
	o.Status = core.OrderCanceled
	if err := s.store.SaveOrder(r.Context(), o); err != nil {
		s.respondErr(w, err)
		return
	}
	s.log.Infow("order_canceled", "order_id", o.ID)
	respondJSON(w, http.StatusOK, SubmitOrderResponse{Status: string(o.Status), OrderID: o.ID})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", v, int(swaperr.Validation))
			return
		}
		limit = n
	}
	trades, err := s.store.Trades(r.Context(), s.self.ChannelKey, limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if trades == nil {
		trades = []core.Trade{}
	}
	respondJSON(w, http.StatusOK, trades)
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTrade(r.Context(), mux.Vars(r)["tradeId"], s.self.ChannelKey)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleGetRebalance(w http.ResponseWriter, r *http.Request) {
	asset := mux.Vars(r)["asset"]
	c, err := s.store.RebalanceConfig(r.Context(), asset)
	if errors.Is(err, storage.ErrNotFound) {
		respondJSON(w, http.StatusOK, core.RebalanceConfig{AssetID: asset})
		return
	}
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) handlePutRebalance(w http.ResponseWriter, r *http.Request) {
	asset := mux.Vars(r)["asset"]
	if _, err := runestone.ParseRuneID(asset); err != nil {
		s.respondErr(w, err)
		return
	}
	var c core.RebalanceConfig
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error(), int(swaperr.Validation))
		return
	}
	if c.SpreadPercent < 0 || c.SpreadPercent >= 100 {
		respondError(w, http.StatusBadRequest, "spread_percent must be in [0,100)", "", int(swaperr.Validation))
		return
	}
	c.AssetID = asset
	if err := s.store.SaveRebalanceConfig(r.Context(), c); err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) decimals(ctx context.Context, asset string) int32 {
	if s.assets == nil {
		return 0
	}
	info, err := s.assets.TickerInfo(ctx, asset)
	if err != nil {
		s.log.Debugw("ticker_lookup_failed", "asset", asset, "err", err)
		return 0
	}
	return info.Decimals
}

func orderInfo(o core.Order, decimals int32) OrderInfo {
	return OrderInfo{
		Order:            o,
		Remaining:        o.Remaining(),
		DisplayQuantity:  core.FormatAmount(o.Quantity, decimals),
		DisplayRemaining: core.FormatAmount(o.Remaining(), decimals),
	}
}

// respondErr maps store and domain errors onto HTTP statuses.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found", "", 0)
	case errors.Is(err, swaperr.ErrValidation):
		respondError(w, http.StatusBadRequest, "invalid request", err.Error(), int(swaperr.Validation))
	default:
		s.log.Errorw("api_error", "err", err)
		respondError(w, http.StatusInternalServerError, "internal error", "", int(swaperr.CodeOf(err)))
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg, detail string, code int) {
	respondJSON(w, status, ErrorResponse{Error: msg, Message: detail, Code: code})
}
