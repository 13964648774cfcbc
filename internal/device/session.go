// Package device ties a device's cart to its outbox: checkout turns the cart
// into a queued submission and staff actions become queued status changes.
package device

import (
	"context"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/tableside/internal/api"
	"github.com/xenking/tableside/internal/domain/cart"
	"github.com/xenking/tableside/internal/domain/order"
	"github.com/xenking/tableside/internal/domain/outbox"
)

// Kicker requests an immediate outbox replay, e.g. an outbox.Runner.
type Kicker interface {
	Kick()
}

// Config configures a Session.
type Config struct {
	TableID string
	Role    order.Role
	Cart    *cart.Cart
	Queue   *outbox.Queue
	Kicker  Kicker
	Logger  *zap.Logger
}

// Session is the single logical owner of a device's cart and outbox writes.
// Submitted, Returned and Settle may be called from the sync loop while the
// user keeps working; everything else belongs to one goroutine.
type Session struct {
	tableID string
	role    order.Role
	cart    *cart.Cart
	queue   *outbox.Queue
	kicker  Kicker
	lg      *zap.Logger
}

// NewSession creates a Session.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Cart == nil || cfg.Queue == nil {
		return nil, errors.New("cart and queue are required")
	}
	if !cfg.Role.Valid() {
		return nil, errors.Errorf("invalid role %q", cfg.Role)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Session{
		tableID: cfg.TableID,
		role:    cfg.Role,
		cart:    cfg.Cart,
		queue:   cfg.Queue,
		kicker:  cfg.Kicker,
		lg:      cfg.Logger,
	}, nil
}

// Cart returns the session's cart.
func (s *Session) Cart() *cart.Cart { return s.cart }

// Role returns the role the session acts as.
func (s *Session) Role() order.Role { return s.role }

// AddItem snapshots a menu item with the chosen options into the cart. Options
// must exist on the item.
func (s *Session) AddItem(ctx context.Context, item api.MenuItem, qty int, opts []api.OptionRef) (string, error) {
	snap := make([]cart.Option, 0, len(opts))
	for _, ref := range opts {
		o, ok := item.Option(ref.Group, ref.Name)
		if !ok {
			return "", &order.ValidationError{
				Field:  "options",
				Reason: "unknown option " + ref.Group + "/" + ref.Name + " for " + item.Name,
			}
		}
		snap = append(snap, cart.Option{Group: o.Group, Name: o.Name, PriceDelta: o.PriceDelta})
	}
	return s.cart.Add(ctx, cart.Item{
		MenuItemID: item.ID,
		Name:       item.Name,
		UnitPrice:  item.Price,
		Quantity:   qty,
		Options:    snap,
	})
}

// Checkout queues the cart as an order submission and empties the cart. The
// returned entry id is the submission's idempotency key. The outbox owns the
// submission from here on; an offline device still succeeds. The lines stay
// held under the entry id until Submitted or Returned settles it.
func (s *Session) Checkout(ctx context.Context) (string, error) {
	if s.cart.Empty() {
		return "", order.ErrEmptyOrder
	}
	if s.tableID == "" {
		return "", &order.ValidationError{Field: "table_id", Reason: "table required"}
	}

	lines := s.cart.Lines()
	req := api.SubmitOrderRequest{
		TableID: s.tableID,
		Items:   make([]api.ItemRequest, len(lines)),
	}
	for i, l := range lines {
		var refs []api.OptionRef
		for _, o := range l.Options {
			refs = append(refs, api.OptionRef{Group: o.Group, Name: o.Name})
		}
		req.Items[i] = api.ItemRequest{MenuItemID: l.MenuItemID, Quantity: l.Quantity, Options: refs}
	}
	total := s.cart.Total()
	req.ExpectedTotal = &total

	id, err := s.queue.Enqueue(ctx, outbox.KindSubmitOrder, req)
	if err != nil {
		return "", errors.Wrap(err, "enqueue order")
	}
	s.lg.Info("Order queued",
		zap.String("entry_id", id),
		zap.String("table_id", s.tableID),
		zap.Int("items", s.cart.ItemCount()),
		zap.Stringer("total", total),
	)
	s.kick()

	// The submission is durable at this point; a failed hold leaves a cart
	// the user can clear by hand.
	if err := s.cart.Hold(ctx, id); err != nil {
		return id, errors.Wrap(err, "hold cart")
	}
	return id, nil
}

// Submitted drops the lines held for an acknowledged submission.
func (s *Session) Submitted(ctx context.Context, entryID string) error {
	if err := s.cart.Release(ctx, entryID); err != nil {
		return errors.Wrap(err, "release cart")
	}
	return nil
}

// Returned puts the lines of a rejected or discarded submission back into the
// cart so they can be adjusted and checked out again. It reports whether the
// entry held any lines.
func (s *Session) Returned(ctx context.Context, entryID string) (bool, error) {
	ok, err := s.cart.Restore(ctx, entryID)
	if err != nil {
		return false, errors.Wrap(err, "restore cart")
	}
	if ok {
		s.lg.Info("Order returned to cart", zap.String("entry_id", entryID))
	}
	return ok, nil
}

// Settle returns the lines of submissions a replay rejected.
func (s *Session) Settle(ctx context.Context, res outbox.ReplayResult) error {
	for _, r := range res.Rejected {
		if r.Entry.Kind != outbox.KindSubmitOrder {
			continue
		}
		if _, err := s.Returned(ctx, r.Entry.ID); err != nil {
			return err
		}
	}
	return nil
}

// Recover returns the lines of held submissions that are no longer queued.
// An acknowledged submission is released before it leaves the queue, so
// those were rejected or discarded while the device was going down.
func (s *Session) Recover(ctx context.Context) error {
	queued := make(map[string]bool)
	for _, e := range s.queue.Pending() {
		queued[e.ID] = true
	}
	for _, id := range s.cart.Held() {
		if queued[id] {
			continue
		}
		if _, err := s.Returned(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// UpdateStatus queues a status change after checking it against the state
// machine and the session role, so illegal changes are never queued.
func (s *Session) UpdateStatus(ctx context.Context, o order.Order, target order.Status) (string, error) {
	if err := order.Transition(o.Status, target, s.role); err != nil {
		return "", err
	}
	id, err := s.queue.Enqueue(ctx, outbox.KindUpdateStatus, api.UpdateStatusCommand{
		OrderID: o.ID,
		Status:  string(target),
	})
	if err != nil {
		return "", errors.Wrap(err, "enqueue status change")
	}
	s.lg.Info("Status change queued",
		zap.String("entry_id", id),
		zap.String("order_id", o.ID),
		zap.String("from", string(o.Status)),
		zap.String("to", string(target)),
	)
	s.kick()
	return id, nil
}

// Advance queues the move to the next forward status.
func (s *Session) Advance(ctx context.Context, o order.Order) (string, error) {
	next, err := order.Advance(&o, order.Actor{Role: s.role})
	if err != nil {
		return "", err
	}
	return s.UpdateStatus(ctx, o, next)
}

// Cancel queues a cancellation.
func (s *Session) Cancel(ctx context.Context, o order.Order) (string, error) {
	return s.UpdateStatus(ctx, o, order.StatusCancelled)
}

func (s *Session) kick() {
	if s.kicker != nil {
		s.kicker.Kick()
	}
}
