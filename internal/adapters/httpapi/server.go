package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"orderflow/internal/events"
	"orderflow/internal/idempotency"
	"orderflow/internal/observability"
	"orderflow/internal/orders"
)

const idempotencyHeader = "Idempotency-Key"

// EventLister exposes the full event stream. Only the in-memory log
// supports it; the /events route is omitted without one.
type EventLister interface {
	All() []events.Event
}

// ServerConfig wires a Server.
type ServerConfig struct {
	Orders  *orders.Service
	Events  EventLister
	Metrics *observability.Metrics
	Stream  http.Handler
	Logger  *slog.Logger
	Version string
}

// Server is the HTTP surface over the order service.
type Server struct {
	orders  *orders.Service
	events  EventLister
	metrics *observability.Metrics
	stream  http.Handler
	logger  *slog.Logger
	version string
	start   time.Time
}

// NewServer constructs a Server.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	return &Server{
		orders:  cfg.Orders,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		stream:  cfg.Stream,
		logger:  logger,
		version: version,
		start:   time.Now(),
	}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/orders", s.handlePlaceOrder)
	r.Get("/orders/{id}", s.handleGetOrder)
	r.Put("/orders/{id}", s.handleUpdateOrder)
	r.Delete("/orders/{id}", s.handleCancelOrder)
	r.Post("/orders/{id}/process", s.handleProcessOrder)
	r.Post("/orders/{id}/fulfill", s.handleFulfillOrder)
	r.Get("/orders/{id}/events", s.handleOrderEvents)
	r.Get("/health", s.handleHealth)

	if s.events != nil {
		r.Get("/events", s.handleEvents)
	}
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	if s.stream != nil {
		r.Handle("/ws/events", s.stream)
	}

	return r
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.IdempotencyKey = r.Header.Get(idempotencyHeader)

	started := time.Now()
	rec, replayed, err := s.orders.PlaceOrder(r.Context(), req)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	// Replays return the cached response of an order already counted.
	if !replayed {
		var result orders.PlacementResult
		if err := json.Unmarshal(rec.Body, &result); err == nil && result.Status != "" {
			s.metrics.ObserveOrder(string(result.Status), time.Since(started))
		}
	}
	writeRecord(w, rec)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := s.orders.GetOrder(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Order not found")
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleUpdateOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ShippingAddress orders.Address `json:"shippingAddress"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	rec, err := s.orders.UpdateOrder(r.Context(), chi.URLParam(r, "id"), req.ShippingAddress, r.Header.Get(idempotencyHeader))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeRecord(w, rec)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	rec, err := s.orders.CancelOrder(r.Context(), chi.URLParam(r, "id"), r.Header.Get(idempotencyHeader))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeRecord(w, rec)
}

func (s *Server) handleProcessOrder(w http.ResponseWriter, r *http.Request) {
	rec, err := s.orders.ProcessOrder(r.Context(), chi.URLParam(r, "id"), r.Header.Get(idempotencyHeader))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeRecord(w, rec)
}

func (s *Server) handleFulfillOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Carrier string `json:"carrier"`
	}
	// The body is optional, fulfilling with the order's carrier.
	_ = json.NewDecoder(r.Body).Decode(&req)

	rec, err := s.orders.FulfillOrder(r.Context(), chi.URLParam(r, "id"), req.Carrier, r.Header.Get(idempotencyHeader))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeRecord(w, rec)
}

func (s *Server) handleOrderEvents(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if _, ok := s.orders.GetOrder(orderID); !ok {
		writeError(w, http.StatusNotFound, "Order not found")
		return
	}
	evs, err := s.orders.OrderEvents(r.Context(), orderID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OrderID string         `json:"orderId"`
		Events  []events.Event `json:"events"`
	}{orderID, evs})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	evs := s.events.All()
	writeJSON(w, http.StatusOK, struct {
		Count  int            `json:"count"`
		Events []events.Event `json:"events"`
	}{len(evs), evs})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status  string `json:"status"`
		Version string `json:"version"`
		Uptime  string `json:"uptime"`
	}{"ok", s.version, time.Since(s.start).Round(time.Second).String()})
}

// writeFailure maps service errors onto HTTP statuses without leaking
// internals.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, idempotency.ErrKeyConflict):
		writeError(w, http.StatusConflict, "idempotency key reused with a different payload")
	case errors.Is(err, orders.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeRecord(w http.ResponseWriter, rec idempotency.Record) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rec.Status)
	w.Write(rec.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{message})
}
