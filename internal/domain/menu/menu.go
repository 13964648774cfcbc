// Package menu describes the read-only menu catalog consumed by the order core.
// Menu CRUD lives elsewhere; this package only defines what ordering needs.
package menu

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested menu item does not exist.
var ErrNotFound = errors.New("menu item not found")

// Item is a sellable menu entry with its current price and option groups.
type Item struct {
	ID       string
	TenantID string
	Name     string
	Price    decimal.Decimal
	Category string
	// Available is false when the item is hidden from ordering.
	Available bool
	// InventoryItemID links the item to a stock counter. Empty means the item
	// is not stock-tracked.
	InventoryItemID string
	Options         []Option
}

// Option is a selectable customization with a price delta.
type Option struct {
	Group      string
	Name       string
	PriceDelta decimal.Decimal
}

// Option looks up an option by group and name.
func (i Item) Option(group, name string) (Option, bool) {
	for _, o := range i.Options {
		if o.Group == group && o.Name == name {
			return o, true
		}
	}
	return Option{}, false
}

// Catalog provides read access to a tenant's menu.
type Catalog interface {
	GetByIDs(ctx context.Context, tenantID string, ids []string) ([]Item, error)
}

// Lister lists a tenant's orderable menu.
type Lister interface {
	ListAvailable(ctx context.Context, tenantID string) ([]Item, error)
}
