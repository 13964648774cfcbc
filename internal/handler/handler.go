// Package handler serves the order API and the realtime event stream over
// HTTP.
package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/sdk/zctx"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xenking/tableside/internal/api"
	"github.com/xenking/tableside/internal/domain/menu"
	"github.com/xenking/tableside/internal/domain/order"
	"github.com/xenking/tableside/internal/realtime"
	"github.com/xenking/tableside/pkg/httpmiddleware"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// PingInterval is the WebSocket keepalive period. A peer that misses two
	// pings is disconnected.
	PingInterval time.Duration
	// WriteTimeout bounds every WebSocket write.
	WriteTimeout time.Duration
	// CheckOrigin validates the Origin of WebSocket upgrades. Nil accepts
	// any origin, since every request is authenticated by API key.
	CheckOrigin func(r *http.Request) bool
}

func (c *Config) setDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
}

// Handler serves the order API, delegating business logic to the order
// service.
type Handler struct {
	orders   *order.Service
	menu     menu.Lister
	hub      *realtime.Hub
	upgrader websocket.Upgrader

	pingInterval time.Duration
	writeTimeout time.Duration
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(
	cfg Config,
	orders *order.Service,
	menu menu.Lister,
	hub *realtime.Hub,
) *Handler {
	cfg.setDefaults()
	return &Handler{
		orders: orders,
		menu:   menu,
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		pingInterval: cfg.PingInterval,
		writeTimeout: cfg.WriteTimeout,
	}
}

// NewRouter mounts the API under api.PathPrefix behind API key
// authentication.
func NewRouter(h *Handler, security *SecurityHandler) chi.Router {
	r := chi.NewRouter()
	r.Route(api.PathPrefix, func(r chi.Router) {
		r.Use(security.Middleware)

		r.Get("/menu", h.GetMenu)
		r.Get("/orders", h.ListOrders)
		r.Get("/orders/{id}", h.GetOrder)
		r.Get("/realtime", h.Realtime)

		r.Group(func(r chi.Router) {
			r.Use(httpmiddleware.IdempotencyKey())
			r.Post("/orders", h.SubmitOrder)
			r.Patch("/orders/{id}/status", h.UpdateStatus)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to its status code and wire body. Internal errors are
// logged here since their message never reaches the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := api.FromError(err)
	status := api.StatusFor(resp.Code)
	if status >= http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
	}
	writeJSON(w, status, resp)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Code: api.CodeBadRequest, Message: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		badRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
