// Package display keeps a device's view of a tenant's orders consistent with
// the server: realtime events give low latency, periodic reconciliation gives
// correctness.
package display

import (
	"context"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/tableside/internal/domain/order"
)

// Filter selects the orders a view shows.
type Filter func(o order.Order) bool

// KitchenFilter shows orders the kitchen still has to work on.
func KitchenFilter(o order.Order) bool {
	return o.Status == order.StatusPending || o.Status == order.StatusPreparing
}

// CashierFilter shows every order that is not finished.
func CashierFilter(o order.Order) bool {
	return o.Status.Active()
}

// TableFilter shows every order of one table, terminal ones included.
func TableFilter(tableID string) Filter {
	return func(o order.Order) bool { return o.TableID == tableID }
}

// Fetcher returns the authoritative order list.
type Fetcher interface {
	ListOrders(ctx context.Context, f order.ListFilter) ([]order.Order, error)
}

// Diff describes what a reconciliation changed.
type Diff struct {
	Added   []string
	Updated []string
	Removed []string
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// ViewOptions configures a View.
type ViewOptions struct {
	Filter Filter
	// Query narrows the reconciliation fetch. TenantID is always set from
	// the view.
	Query order.ListFilter
	Now   func() time.Time
}

// View is the local, eventually consistent set of orders.
type View struct {
	mu       sync.RWMutex
	tenantID string
	filter   Filter
	query    order.ListFilter
	now      func() time.Time
	orders   map[string]order.Order
	// seen is the highest revision observed per order, including orders
	// the filter hides.
	seen map[string]int64
	// retired keeps seen for orders the last reconciliation dropped, so a
	// late event cannot bring back an older revision.
	retired map[string]int64
	// applied records the generation of the last event applied per order.
	applied  map[string]uint64
	gen      uint64
	lastSync time.Time
}

// NewView creates an empty view of tenantID.
func NewView(tenantID string, opts ViewOptions) *View {
	if opts.Filter == nil {
		opts.Filter = func(order.Order) bool { return true }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Query.TenantID = tenantID
	return &View{
		tenantID: tenantID,
		filter:   opts.Filter,
		query:    opts.Query,
		now:      opts.Now,
		orders:   make(map[string]order.Order),
		seen:     make(map[string]int64),
		retired:  make(map[string]int64),
		applied:  make(map[string]uint64),
	}
}

// TenantID returns the viewed tenant.
func (v *View) TenantID() string { return v.tenantID }

// Apply upserts the event's order by id. Events older than the local revision
// are ignored; orders that no longer pass the filter are removed. It reports
// whether the view changed.
func (v *View) Apply(e order.Event) bool {
	if e.TenantID != v.tenantID {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if e.Revision <= v.known(e.OrderID) {
		return false
	}
	v.seen[e.OrderID] = e.Revision
	v.gen++
	v.applied[e.OrderID] = v.gen

	cur, ok := v.orders[e.OrderID]
	o := e.Order()
	if ok {
		o.CreatedAt = cur.CreatedAt
		if len(o.Lines) == 0 {
			o.Lines = cur.Lines
		}
	} else {
		o.CreatedAt = e.OccurredAt
	}
	if !v.filter(o) {
		if ok {
			delete(v.orders, e.OrderID)
			return true
		}
		return false
	}
	v.orders[o.ID] = o
	return true
}

// Reconcile replaces the view with the authoritative list. Events applied
// while the fetch was in flight win over the fetched copy, since the fetch may
// predate them.
func (v *View) Reconcile(ctx context.Context, f Fetcher) (Diff, error) {
	v.mu.RLock()
	startGen := v.gen
	v.mu.RUnlock()

	fetched, err := f.ListOrders(ctx, v.query)
	if err != nil {
		return Diff{}, errors.Wrap(err, "fetch orders")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	var (
		diff    Diff
		next    = make(map[string]order.Order, len(fetched))
		seen    = make(map[string]int64, len(fetched))
		applied = make(map[string]uint64)
	)
	for _, o := range fetched {
		if o.TenantID != v.tenantID {
			continue
		}
		known := v.known(o.ID)
		seen[o.ID] = max(known, o.Revision)
		if known > o.Revision {
			// A newer event already decided visibility.
			if cur, ok := v.orders[o.ID]; ok {
				next[o.ID] = cur
			}
			continue
		}
		if !v.filter(o) {
			continue
		}
		cur, ok := v.orders[o.ID]
		switch {
		case !ok:
			diff.Added = append(diff.Added, o.ID)
		case cur.Revision != o.Revision || cur.Status != o.Status:
			diff.Updated = append(diff.Updated, o.ID)
		}
		next[o.ID] = o
	}
	for id, gen := range v.applied {
		if gen <= startGen {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = v.seen[id]
		applied[id] = gen
		if cur, ok := v.orders[id]; ok {
			next[id] = cur
		}
	}
	for id := range v.orders {
		if _, ok := next[id]; !ok {
			diff.Removed = append(diff.Removed, id)
		}
	}
	retired := make(map[string]int64)
	for id, rev := range v.seen {
		if _, ok := seen[id]; !ok {
			retired[id] = rev
		}
	}
	slices.Sort(diff.Added)
	slices.Sort(diff.Updated)
	slices.Sort(diff.Removed)

	v.orders = next
	v.seen = seen
	v.retired = retired
	v.applied = applied
	v.lastSync = v.now()
	return diff, nil
}

func (v *View) known(id string) int64 {
	return max(v.seen[id], v.retired[id])
}

// Orders returns the visible orders, oldest first.
func (v *View) Orders() []order.Order {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]order.Order, 0, len(v.orders))
	for _, o := range v.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns one visible order.
func (v *View) Get(id string) (order.Order, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	o, ok := v.orders[id]
	return o, ok
}

// LastSync returns the time of the last successful reconciliation.
func (v *View) LastSync() time.Time {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.lastSync
}

// Staleness is the time since the last successful reconciliation. A view that
// never reconciled is infinitely stale.
func (v *View) Staleness() time.Duration {
	last := v.LastSync()
	if last.IsZero() {
		return time.Duration(math.MaxInt64)
	}
	return v.now().Sub(last)
}
