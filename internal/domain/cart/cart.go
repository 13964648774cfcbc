// Package cart holds a customer session's in-progress selection. Every
// mutation is written through to the persistence layer before it becomes
// visible.
package cart

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/tableside/internal/domain/order"
	"github.com/xenking/tableside/internal/persist"
)

// ErrLineNotFound is returned when a line id is not in the cart.
var ErrLineNotFound = errors.New("cart line not found")

// ErrHoldExists is returned when lines are already held under a key.
var ErrHoldExists = errors.New("cart hold exists")

// Option is a selected customization snapshot.
type Option struct {
	Group      string          `json:"group"`
	Name       string          `json:"name"`
	PriceDelta decimal.Decimal `json:"priceDelta"`
}

// Item is what the customer adds: a menu item snapshot with options.
type Item struct {
	MenuItemID string
	Name       string
	UnitPrice  decimal.Decimal
	Quantity   int
	Options    []Option
}

// Line is one cart line. Identical customizations share a LineID.
type Line struct {
	LineID     string          `json:"lineId"`
	MenuItemID string          `json:"menuItemId"`
	Name       string          `json:"name"`
	UnitPrice  decimal.Decimal `json:"unitPrice"`
	Quantity   int             `json:"quantity"`
	Options    []Option        `json:"options,omitempty"`
}

// Total returns (UnitPrice + option deltas) * Quantity.
func (l Line) Total() decimal.Decimal {
	unit := l.UnitPrice
	for _, o := range l.Options {
		unit = unit.Add(o.PriceDelta)
	}
	return unit.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// LineID derives the stable identifier of a menu item with an option set.
// Option order and duplicates do not matter.
func LineID(menuItemID string, opts []Option) string {
	h := sha256.New()
	h.Write([]byte(menuItemID))
	for _, o := range canonical(opts) {
		h.Write([]byte{0})
		h.Write([]byte(o.Group))
		h.Write([]byte{0x1f})
		h.Write([]byte(o.Name))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func canonical(opts []Option) []Option {
	out := slices.Clone(opts)
	slices.SortFunc(out, func(a, b Option) int {
		if c := strings.Compare(a.Group, b.Group); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return slices.CompactFunc(out, func(a, b Option) bool {
		return a.Group == b.Group && a.Name == b.Name
	})
}

// Key returns the persistence key of a session's cart.
func Key(sessionID string) string {
	return "cart/" + sessionID
}

type stateV2 struct {
	Lines []Line `json:"lines"`
	// Held maps a checkout key to the lines it took out of the cart.
	Held map[string][]Line `json:"held,omitempty"`
}

// Version 1 stored lines in a map keyed by line id without ordering.
type stateV1 struct {
	Items map[string]Line `json:"items"`
}

func migrateV1(data json.RawMessage) (json.RawMessage, error) {
	var v1 stateV1
	if err := json.Unmarshal(data, &v1); err != nil {
		return nil, errors.Wrap(err, "decode v1")
	}
	ids := make([]string, 0, len(v1.Items))
	for id := range v1.Items {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var v2 stateV2
	for _, id := range ids {
		l := v1.Items[id]
		l.Options = canonical(l.Options)
		l.LineID = LineID(l.MenuItemID, l.Options)
		v2.Lines = append(v2.Lines, l)
	}
	return json.Marshal(v2)
}

func document(sessionID string) persist.Document {
	return persist.Document{
		Key:        Key(sessionID),
		Version:    2,
		Migrations: map[int]persist.Migration{1: migrateV1},
	}
}

// Cart is owned by a single session. Checkout acknowledgments arrive from
// the sync loop, so methods lock.
type Cart struct {
	sessionID string
	store     persist.Store
	doc       persist.Document

	mu    sync.Mutex
	lines []Line
	held  map[string][]Line
}

// Open restores the session's cart, or returns an empty one.
func Open(ctx context.Context, store persist.Store, sessionID string) (*Cart, error) {
	c := &Cart{
		sessionID: sessionID,
		store:     store,
		doc:       document(sessionID),
	}
	var st stateV2
	if _, err := c.doc.Load(ctx, store, &st); err != nil {
		return nil, errors.Wrap(err, "load cart")
	}
	c.lines = st.Lines
	c.held = st.Held
	return c, nil
}

// SessionID returns the owning session.
func (c *Cart) SessionID() string { return c.sessionID }

// Add merges item into the line with the same customization or appends a new
// line, and returns the line id.
func (c *Cart) Add(ctx context.Context, item Item) (string, error) {
	if item.Quantity < 1 {
		return "", &order.ValidationError{Field: "quantity", Reason: "quantity must be at least 1"}
	}
	if item.MenuItemID == "" {
		return "", &order.ValidationError{Field: "menu_item_id", Reason: "menu item required"}
	}
	opts := canonical(item.Options)
	id := LineID(item.MenuItemID, opts)

	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.clone()
	if i := index(next, id); i >= 0 {
		next[i].Quantity += item.Quantity
	} else {
		next = append(next, Line{
			LineID:     id,
			MenuItemID: item.MenuItemID,
			Name:       item.Name,
			UnitPrice:  item.UnitPrice,
			Quantity:   item.Quantity,
			Options:    opts,
		})
	}
	if err := c.commit(ctx, next, c.held); err != nil {
		return "", err
	}
	return id, nil
}

// Remove deletes a line.
func (c *Cart) Remove(ctx context.Context, lineID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remove(ctx, lineID)
}

func (c *Cart) remove(ctx context.Context, lineID string) error {
	i := index(c.lines, lineID)
	if i < 0 {
		return ErrLineNotFound
	}
	next := c.clone()
	next = slices.Delete(next, i, i+1)
	return c.commit(ctx, next, c.held)
}

// SetQuantity replaces a line's quantity. Zero removes the line.
func (c *Cart) SetQuantity(ctx context.Context, lineID string, qty int) error {
	if qty < 0 {
		return &order.ValidationError{Field: "quantity", Reason: fmt.Sprintf("negative quantity %d", qty)}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if qty == 0 {
		return c.remove(ctx, lineID)
	}
	i := index(c.lines, lineID)
	if i < 0 {
		return ErrLineNotFound
	}
	next := c.clone()
	next[i].Quantity = qty
	return c.commit(ctx, next, c.held)
}

// Clear empties the cart. Held lines are kept; the persisted state is removed
// once nothing is held either.
func (c *Cart) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.held) > 0 {
		return c.commit(ctx, nil, c.held)
	}
	if err := c.doc.Remove(ctx, c.store); err != nil {
		return errors.Wrap(err, "clear cart")
	}
	c.lines = nil
	return nil
}

// Hold moves every line out of the cart and keeps them under key until
// Release or Restore. The cart is empty afterwards.
func (c *Cart) Hold(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.lines) == 0 {
		return order.ErrEmptyOrder
	}
	if _, ok := c.held[key]; ok {
		return ErrHoldExists
	}
	held := maps.Clone(c.held)
	if held == nil {
		held = make(map[string][]Line)
	}
	held[key] = c.clone()
	return c.commit(ctx, nil, held)
}

// Release forgets the lines held under key. Unknown keys are ignored.
func (c *Cart) Release(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.held[key]; !ok {
		return nil
	}
	held := maps.Clone(c.held)
	delete(held, key)
	return c.commit(ctx, c.lines, held)
}

// Restore merges the lines held under key back into the cart and reports
// whether anything was held.
func (c *Cart) Restore(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lines, ok := c.held[key]
	if !ok {
		return false, nil
	}
	next := c.clone()
	for _, l := range lines {
		if i := index(next, l.LineID); i >= 0 {
			next[i].Quantity += l.Quantity
			continue
		}
		next = append(next, cloneLines([]Line{l})...)
	}
	held := maps.Clone(c.held)
	delete(held, key)
	if err := c.commit(ctx, next, held); err != nil {
		return false, err
	}
	return true, nil
}

// Held returns the keys with held lines.
func (c *Cart) Held() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.held))
}

// Total is computed from the lines on every call.
func (c *Cart) Total() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := decimal.Zero
	for _, l := range c.lines {
		total = total.Add(l.Total())
	}
	return total
}

// ItemCount returns the sum of quantities.
func (c *Cart) ItemCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for _, l := range c.lines {
		n += l.Quantity
	}
	return n
}

// Lines returns a copy of the lines in insertion order.
func (c *Cart) Lines() []Line {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneLines(c.lines)
}

// Empty reports whether the cart has no lines. Held lines do not count.
func (c *Cart) Empty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines) == 0
}

// Line returns the line with the given id.
func (c *Cart) Line(lineID string) (Line, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := index(c.lines, lineID)
	if i < 0 {
		return Line{}, false
	}
	return cloneLines(c.lines[i : i+1])[0], true
}

// commit must be called with mu held.
func (c *Cart) commit(ctx context.Context, next []Line, held map[string][]Line) error {
	if err := c.doc.Save(ctx, c.store, stateV2{Lines: next, Held: held}); err != nil {
		return errors.Wrap(err, "save cart")
	}
	c.lines = next
	c.held = held
	return nil
}

func (c *Cart) clone() []Line {
	return cloneLines(c.lines)
}

func cloneLines(lines []Line) []Line {
	out := make([]Line, len(lines))
	for i, l := range lines {
		l.Options = slices.Clone(l.Options)
		out[i] = l
	}
	return out
}

func index(lines []Line, id string) int {
	return slices.IndexFunc(lines, func(l Line) bool { return l.LineID == id })
}
