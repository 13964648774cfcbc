package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Order is a submitted customer order. It is immutable except for its status.
type Order struct {
	ID             string
	TenantID       string
	TableID        string
	Status         Status
	Lines          []Line
	TotalAmount    decimal.Decimal
	IdempotencyKey string
	// Revision increments on every status change.
	Revision    int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CancelledAt *time.Time
}

// Line is the snapshot of one ordered menu item, priced by the server.
type Line struct {
	MenuItemID string          `json:"menu_item_id"`
	Name       string          `json:"name"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Quantity   int             `json:"quantity"`
	LineTotal  decimal.Decimal `json:"line_total"`
	Options    []LineOption    `json:"options,omitempty"`
}

// LineOption is the snapshot of a chosen option on a line.
type LineOption struct {
	Group      string          `json:"group"`
	Name       string          `json:"name"`
	PriceDelta decimal.Decimal `json:"price_delta"`
}

// MovementType classifies stock ledger entries.
type MovementType string

const (
	MovementOut        MovementType = "out"
	MovementIn         MovementType = "in"
	MovementAdjustment MovementType = "adjustment"
)

// LedgerEntry is an append-only stock movement record.
type LedgerEntry struct {
	ID               string
	TenantID         string
	InventoryItemID  string
	MovementType     MovementType
	Quantity         int
	PreviousQuantity int
	NewQuantity      int
	OrderID          string
	CreatedAt        time.Time
}

// Reservation asks the store to take Quantity units from an inventory item on
// behalf of order line LineIndex.
type Reservation struct {
	LineIndex       int
	MenuItemID      string
	Name            string
	InventoryItemID string
	Quantity        int
}

// ListFilter narrows ListOrders. Zero fields match everything.
type ListFilter struct {
	TenantID string
	TableID  string
	Statuses []Status
	Since    time.Time
	Limit    int
}

// TransitionRequest describes a status change to apply under the row lock.
type TransitionRequest struct {
	TenantID       string
	OrderID        string
	Target         Status
	IdempotencyKey string
}

// Store persists orders. ReserveAndCreate and Transition are atomic.
type Store interface {
	// FindByIdempotencyKey returns the id of the order created with key, or
	// ErrNotFound.
	FindByIdempotencyKey(ctx context.Context, tenantID, key string) (string, error)

	// ReserveAndCreate decrements stock for every reservation and persists o
	// with one ledger entry per reservation, all or nothing. When an order
	// already exists for o.IdempotencyKey it returns that id with replayed set
	// and changes nothing. A shortfall returns *OutOfStockError.
	ReserveAndCreate(ctx context.Context, o *Order, rs []Reservation) (id string, replayed bool, err error)

	// Transition locks the order row, calls check with the current status and
	// applies req.Target when check returns nil. A request whose key was
	// already applied returns the current order with replayed set; a key
	// applied to a different order returns the StatusKeyReused error.
	Transition(ctx context.Context, req TransitionRequest, check func(from Status) error) (o *Order, replayed bool, err error)

	Get(ctx context.Context, tenantID, orderID string) (*Order, error)
	List(ctx context.Context, f ListFilter) ([]Order, error)
	Ledger(ctx context.Context, tenantID, orderID string) ([]LedgerEntry, error)

	// RecentIdempotencyKeys lists TenantKey-joined keys of orders created
	// after since.
	RecentIdempotencyKeys(ctx context.Context, since time.Time) ([]string, error)
}
