// Package api defines the HTTP wire contract shared by the server handlers and
// the device client.
package api

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/tableside/internal/domain/menu"
	"github.com/xenking/tableside/internal/domain/order"
)

// PathPrefix is the versioned API root.
const PathPrefix = "/api/v1"

// Request headers.
const (
	HeaderAPIKey         = "X-API-Key"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderDeviceID       = "X-Device-ID"
)

// OptionRef names a chosen option.
type OptionRef struct {
	Group string `json:"group"`
	Name  string `json:"name"`
}

// ItemRequest is one requested order line.
type ItemRequest struct {
	MenuItemID string      `json:"menuItemId"`
	Quantity   int         `json:"quantity"`
	Options    []OptionRef `json:"options,omitempty"`
}

// SubmitOrderRequest is the body of POST /orders. The idempotency key travels
// in the Idempotency-Key header.
type SubmitOrderRequest struct {
	TableID       string           `json:"tableId"`
	Items         []ItemRequest    `json:"items"`
	ExpectedTotal *decimal.Decimal `json:"expectedTotal,omitempty"`
}

// SubmitOrderResponse is the body of a successful POST /orders.
type SubmitOrderResponse struct {
	OrderID     string          `json:"orderId"`
	Replayed    bool            `json:"replayed"`
	Status      string          `json:"status"`
	Revision    int64           `json:"revision"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
}

// UpdateStatusRequest is the body of PATCH /orders/{id}/status.
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

// LineOption is a priced option snapshot on an order line.
type LineOption struct {
	Group      string          `json:"group"`
	Name       string          `json:"name"`
	PriceDelta decimal.Decimal `json:"priceDelta"`
}

// Line is an order line.
type Line struct {
	MenuItemID string          `json:"menuItemId"`
	Name       string          `json:"name"`
	UnitPrice  decimal.Decimal `json:"unitPrice"`
	Quantity   int             `json:"quantity"`
	LineTotal  decimal.Decimal `json:"lineTotal"`
	Options    []LineOption    `json:"options,omitempty"`
}

// Order is the wire form of an order.
type Order struct {
	ID          string          `json:"id"`
	TableID     string          `json:"tableId"`
	Status      string          `json:"status"`
	Revision    int64           `json:"revision"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	Lines       []Line          `json:"items"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	CancelledAt *time.Time      `json:"cancelledAt,omitempty"`
}

// OrderList is the body of GET /orders.
type OrderList struct {
	Orders []Order `json:"orders"`
}

// MenuOption is a selectable option of a menu item.
type MenuOption struct {
	Group      string          `json:"group"`
	Name       string          `json:"name"`
	PriceDelta decimal.Decimal `json:"priceDelta"`
}

// MenuItem is an orderable menu entry.
type MenuItem struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Category string          `json:"category"`
	Options  []MenuOption    `json:"options,omitempty"`
}

// Menu is the body of GET /menu.
type Menu struct {
	Items []MenuItem `json:"items"`
}

// FromOrder converts a domain order.
func FromOrder(o *order.Order) Order {
	lines := make([]Line, len(o.Lines))
	for i, l := range o.Lines {
		var opts []LineOption
		for _, op := range l.Options {
			opts = append(opts, LineOption{Group: op.Group, Name: op.Name, PriceDelta: op.PriceDelta})
		}
		lines[i] = Line{
			MenuItemID: l.MenuItemID,
			Name:       l.Name,
			UnitPrice:  l.UnitPrice,
			Quantity:   l.Quantity,
			LineTotal:  l.LineTotal,
			Options:    opts,
		}
	}
	return Order{
		ID:          o.ID,
		TableID:     o.TableID,
		Status:      string(o.Status),
		Revision:    o.Revision,
		TotalAmount: o.TotalAmount,
		Lines:       lines,
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
		CancelledAt: o.CancelledAt,
	}
}

// Domain converts the wire order back into a domain order of tenantID.
func (o Order) Domain(tenantID string) order.Order {
	lines := make([]order.Line, len(o.Lines))
	for i, l := range o.Lines {
		var opts []order.LineOption
		for _, op := range l.Options {
			opts = append(opts, order.LineOption{Group: op.Group, Name: op.Name, PriceDelta: op.PriceDelta})
		}
		lines[i] = order.Line{
			MenuItemID: l.MenuItemID,
			Name:       l.Name,
			UnitPrice:  l.UnitPrice,
			Quantity:   l.Quantity,
			LineTotal:  l.LineTotal,
			Options:    opts,
		}
	}
	return order.Order{
		ID:          o.ID,
		TenantID:    tenantID,
		TableID:     o.TableID,
		Status:      order.Status(o.Status),
		Lines:       lines,
		TotalAmount: o.TotalAmount,
		Revision:    o.Revision,
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
		CancelledAt: o.CancelledAt,
	}
}

// FromMenuItem converts a domain menu item.
func FromMenuItem(it menu.Item) MenuItem {
	var opts []MenuOption
	for _, o := range it.Options {
		opts = append(opts, MenuOption{Group: o.Group, Name: o.Name, PriceDelta: o.PriceDelta})
	}
	return MenuItem{
		ID:       it.ID,
		Name:     it.Name,
		Price:    it.Price,
		Category: it.Category,
		Options:  opts,
	}
}

// Option looks up an option by group and name.
func (m MenuItem) Option(group, name string) (MenuOption, bool) {
	for _, o := range m.Options {
		if o.Group == group && o.Name == name {
			return o, true
		}
	}
	return MenuOption{}, false
}

// UpdateStatusCommand is the outbox payload of a queued status change. A
// queued submission carries a plain SubmitOrderRequest.
type UpdateStatusCommand struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

// StatusFor returns the HTTP status used for an error code.
func StatusFor(code string) int {
	switch code {
	case CodeValidation:
		return http.StatusUnprocessableEntity
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeOutOfStock, CodeIllegalTransition:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
