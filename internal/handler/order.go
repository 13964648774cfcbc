package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/tableside/internal/api"
	"github.com/xenking/tableside/internal/domain/auth"
	"github.com/xenking/tableside/internal/domain/order"
	"github.com/xenking/tableside/pkg/httpmiddleware"
)

// maxListLimit caps GET /orders.
const maxListLimit = 500

// SubmitOrder handles POST /orders. Replays of a known idempotency key answer
// with the original order and replayed=true.
func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())

	var req api.SubmitOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}

	items := make([]order.ItemRequest, len(req.Items))
	for i, it := range req.Items {
		opts := make([]order.OptionRef, len(it.Options))
		for j, o := range it.Options {
			opts[j] = order.OptionRef{Group: o.Group, Name: o.Name}
		}
		items[i] = order.ItemRequest{
			MenuItemID: it.MenuItemID,
			Quantity:   it.Quantity,
			Options:    opts,
		}
	}

	result, err := h.orders.SubmitOrder(r.Context(), order.SubmitRequest{
		TenantID:       p.TenantID,
		TableID:        req.TableID,
		IdempotencyKey: httpmiddleware.IdempotencyKeyFromContext(r.Context()),
		Items:          items,
		ExpectedTotal:  req.ExpectedTotal,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, api.SubmitOrderResponse{
		OrderID:     result.Order.ID,
		Replayed:    result.Replayed,
		Status:      string(result.Order.Status),
		Revision:    result.Order.Revision,
		TotalAmount: result.Order.TotalAmount,
	})
}

// UpdateStatus handles PATCH /orders/{id}/status. Unlike the service, the
// endpoint requires an idempotency key: every network caller may retry.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())

	key := httpmiddleware.IdempotencyKeyFromContext(r.Context())
	if key == "" {
		writeError(w, r, order.ErrMissingIdempotencyKey)
		return
	}

	var req api.UpdateStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}

	o, err := h.orders.UpdateStatus(r.Context(), order.UpdateStatusRequest{
		TenantID:       p.TenantID,
		OrderID:        chi.URLParam(r, "id"),
		Target:         order.Status(req.Status),
		IdempotencyKey: key,
		Actor:          p.Actor(),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromOrder(o))
}

// GetOrder handles GET /orders/{id}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())

	o, err := h.orders.GetOrder(r.Context(), p.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromOrder(o))
}

// ListOrders handles GET /orders?status=a,b&table=T&since=RFC3339&limit=N.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())

	f, msg := parseListFilter(r)
	if msg != "" {
		badRequest(w, msg)
		return
	}
	f.TenantID = p.TenantID

	orders, err := h.orders.ListOrders(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := api.OrderList{Orders: make([]api.Order, len(orders))}
	for i := range orders {
		resp.Orders[i] = api.FromOrder(&orders[i])
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseListFilter(r *http.Request) (order.ListFilter, string) {
	q := r.URL.Query()
	f := order.ListFilter{TableID: q.Get("table")}

	for _, v := range q["status"] {
		for st := range strings.SplitSeq(v, ",") {
			if st = strings.TrimSpace(st); st != "" {
				f.Statuses = append(f.Statuses, order.Status(st))
			}
		}
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return f, "since must be an RFC 3339 timestamp"
		}
		f.Since = since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			return f, "limit must be a positive integer"
		}
		f.Limit = min(limit, maxListLimit)
	}
	return f, ""
}

// GetMenu handles GET /menu.
func (h *Handler) GetMenu(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())

	items, err := h.menu.ListAvailable(r.Context(), p.TenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := api.Menu{Items: make([]api.MenuItem, len(items))}
	for i, it := range items {
		resp.Items[i] = api.FromMenuItem(it)
	}
	writeJSON(w, http.StatusOK, resp)
}
