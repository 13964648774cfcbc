// Package memory provides in-process implementations of the order store and
// menu catalog. A single mutex is the serialization point for stock.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xenking/tableside/internal/domain/menu"
	"github.com/xenking/tableside/internal/domain/order"
)

var (
	_ order.Store  = (*Store)(nil)
	_ menu.Catalog = (*Store)(nil)
	_ menu.Lister  = (*Store)(nil)
)

type stockItem struct {
	tenantID string
	quantity int
}

// Store keeps orders, stock counters, the ledger and the menu in memory.
type Store struct {
	mu sync.Mutex

	now        func() time.Time
	orders     map[string]*order.Order
	orderKeys  map[string]string
	statusKeys map[string]string
	stock      map[string]*stockItem
	ledger     []order.LedgerEntry
	menuByID   map[string]menu.Item
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		now:        time.Now,
		orders:     make(map[string]*order.Order),
		orderKeys:  make(map[string]string),
		statusKeys: make(map[string]string),
		stock:      make(map[string]*stockItem),
		menuByID:   make(map[string]menu.Item),
	}
}

// AddMenuItem registers a menu item.
func (s *Store) AddMenuItem(item menu.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.menuByID[item.ID] = item
}

// SetStock sets the on-hand quantity of an inventory item.
func (s *Store) SetStock(tenantID, inventoryItemID string, quantity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[inventoryItemID] = &stockItem{tenantID: tenantID, quantity: quantity}
}

// Stock returns the on-hand quantity of an inventory item.
func (s *Store) Stock(inventoryItemID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.stock[inventoryItemID]
	if !ok {
		return 0, false
	}
	return it.quantity, true
}

// GetByIDs implements menu.Catalog.
func (s *Store) GetByIDs(_ context.Context, tenantID string, ids []string) ([]menu.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]menu.Item, 0, len(ids))
	for _, id := range ids {
		it, ok := s.menuByID[id]
		if !ok || it.TenantID != tenantID {
			continue
		}
		items = append(items, it)
	}
	return items, nil
}

// ListAvailable implements menu.Lister.
func (s *Store) ListAvailable(_ context.Context, tenantID string) ([]menu.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []menu.Item
	for _, it := range s.menuByID {
		if it.TenantID == tenantID && it.Available {
			items = append(items, it)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Category != items[j].Category {
			return items[i].Category < items[j].Category
		}
		return items[i].Name < items[j].Name
	})
	return items, nil
}

// FindByIdempotencyKey implements order.Store.
func (s *Store) FindByIdempotencyKey(_ context.Context, tenantID, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.orderKeys[order.TenantKey(tenantID, key)]
	if !ok {
		return "", order.ErrNotFound
	}
	return id, nil
}

// ReserveAndCreate implements order.Store.
func (s *Store) ReserveAndCreate(_ context.Context, o *order.Order, rs []order.Reservation) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tk := order.TenantKey(o.TenantID, o.IdempotencyKey)
	if id, ok := s.orderKeys[tk]; ok {
		return id, true, nil
	}

	sorted := slices.Clone(rs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].InventoryItemID < sorted[j].InventoryItemID
	})

	remaining := make(map[string]int, len(sorted))
	var short []order.Shortfall
	for _, r := range sorted {
		avail, seen := remaining[r.InventoryItemID]
		if !seen {
			if it, ok := s.stock[r.InventoryItemID]; ok && it.tenantID == o.TenantID {
				avail = it.quantity
			}
		}
		if avail < r.Quantity {
			short = append(short, order.Shortfall{
				LineIndex:  r.LineIndex,
				MenuItemID: r.MenuItemID,
				Name:       r.Name,
				Requested:  r.Quantity,
				Available:  avail,
			})
			remaining[r.InventoryItemID] = avail
			continue
		}
		remaining[r.InventoryItemID] = avail - r.Quantity
	}
	if len(short) > 0 {
		sort.Slice(short, func(i, j int) bool { return short[i].LineIndex < short[j].LineIndex })
		return "", false, &order.OutOfStockError{Lines: short}
	}

	now := s.now().UTC()
	for _, r := range sorted {
		it := s.stock[r.InventoryItemID]
		prev := it.quantity
		it.quantity -= r.Quantity
		s.ledger = append(s.ledger, order.LedgerEntry{
			ID:               uuid.New().String(),
			TenantID:         o.TenantID,
			InventoryItemID:  r.InventoryItemID,
			MovementType:     order.MovementOut,
			Quantity:         r.Quantity,
			PreviousQuantity: prev,
			NewQuantity:      it.quantity,
			OrderID:          o.ID,
			CreatedAt:        now,
		})
	}

	s.orders[o.ID] = cloneOrder(o)
	s.orderKeys[tk] = o.ID
	return o.ID, false, nil
}

// Transition implements order.Store.
func (s *Store) Transition(_ context.Context, req order.TransitionRequest, check func(order.Status) error) (*order.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[req.OrderID]
	if !ok || o.TenantID != req.TenantID {
		return nil, false, order.ErrNotFound
	}

	var tk string
	if req.IdempotencyKey != "" {
		tk = order.TenantKey(req.TenantID, req.IdempotencyKey)
		if id, ok := s.statusKeys[tk]; ok {
			if id != req.OrderID {
				return nil, false, order.StatusKeyReused()
			}
			return cloneOrder(o), true, nil
		}
	}

	if err := check(o.Status); err != nil {
		return nil, false, err
	}

	now := s.now().UTC()
	o.Status = req.Target
	o.Revision++
	o.UpdatedAt = now
	if req.Target == order.StatusCancelled {
		o.CancelledAt = &now
	}
	if tk != "" {
		s.statusKeys[tk] = req.OrderID
	}
	return cloneOrder(o), false, nil
}

// Get implements order.Store.
func (s *Store) Get(_ context.Context, tenantID, orderID string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok || o.TenantID != tenantID {
		return nil, order.ErrNotFound
	}
	return cloneOrder(o), nil
}

// List implements order.Store.
func (s *Store) List(_ context.Context, f order.ListFilter) ([]order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []order.Order
	for _, o := range s.orders {
		if o.TenantID != f.TenantID {
			continue
		}
		if f.TableID != "" && o.TableID != f.TableID {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, o.Status) {
			continue
		}
		if !f.Since.IsZero() && o.UpdatedAt.Before(f.Since) {
			continue
		}
		out = append(out, *cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Ledger implements order.Store.
func (s *Store) Ledger(_ context.Context, tenantID, orderID string) ([]order.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []order.LedgerEntry
	for _, e := range s.ledger {
		if e.TenantID == tenantID && e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

// RecentIdempotencyKeys implements order.Store.
func (s *Store) RecentIdempotencyKeys(_ context.Context, since time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for _, o := range s.orders {
		if o.CreatedAt.Before(since) {
			continue
		}
		keys = append(keys, order.TenantKey(o.TenantID, o.IdempotencyKey))
	}
	return keys, nil
}

func cloneOrder(o *order.Order) *order.Order {
	c := *o
	c.Lines = make([]order.Line, len(o.Lines))
	for i, l := range o.Lines {
		l.Options = slices.Clone(l.Options)
		c.Lines[i] = l
	}
	if o.CancelledAt != nil {
		t := *o.CancelledAt
		c.CancelledAt = &t
	}
	return &c
}
