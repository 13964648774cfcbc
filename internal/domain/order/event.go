package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// EventType distinguishes order creation from later changes.
type EventType string

const (
	EventInserted EventType = "inserted"
	EventUpdated  EventType = "updated"
)

// Event is a committed order mutation fanned out to display sessions.
type Event struct {
	Type        EventType
	OrderID     string
	TenantID    string
	TableID     string
	Status      Status
	Revision    int64
	TotalAmount decimal.Decimal
	Lines       []Line
	OccurredAt  time.Time
}

// NewEvent snapshots o into an event of type t.
func NewEvent(t EventType, o *Order) Event {
	return Event{
		Type:        t,
		OrderID:     o.ID,
		TenantID:    o.TenantID,
		TableID:     o.TableID,
		Status:      o.Status,
		Revision:    o.Revision,
		TotalAmount: o.TotalAmount,
		Lines:       o.Lines,
		OccurredAt:  o.UpdatedAt,
	}
}

// Order rebuilds the display-relevant part of the order from the event.
func (e Event) Order() Order {
	return Order{
		ID:          e.OrderID,
		TenantID:    e.TenantID,
		TableID:     e.TableID,
		Status:      e.Status,
		Lines:       e.Lines,
		TotalAmount: e.TotalAmount,
		Revision:    e.Revision,
		UpdatedAt:   e.OccurredAt,
	}
}

// Publisher delivers committed events. Publish must not block on slow
// subscribers.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}
