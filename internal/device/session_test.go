package device

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/tableside/internal/api"
	"github.com/xenking/tableside/internal/domain/cart"
	"github.com/xenking/tableside/internal/domain/order"
	"github.com/xenking/tableside/internal/domain/outbox"
	"github.com/xenking/tableside/internal/persist"
)

type kickCounter struct{ n int }

func (k *kickCounter) Kick() { k.n++ }

var padThai = api.MenuItem{
	ID:    "pad-thai",
	Name:  "Pad Thai",
	Price: decimal.RequireFromString("60"),
	Options: []api.MenuOption{
		{Group: "spice", Name: "spicy", PriceDelta: decimal.Zero},
		{Group: "extra", Name: "egg", PriceDelta: decimal.RequireFromString("10")},
	},
}

type env struct {
	store   *persist.Memory
	session *Session
	queue   *outbox.Queue
	kicks   *kickCounter
}

func newEnv(t *testing.T, role order.Role, table string) *env {
	t.Helper()
	ctx := context.Background()
	store := persist.NewMemory()
	c, err := cart.Open(ctx, store, "session-1")
	require.NoError(t, err)
	q, err := outbox.Open(ctx, store, "device-1", outbox.Options{})
	require.NoError(t, err)
	k := &kickCounter{}
	s, err := NewSession(Config{TableID: table, Role: role, Cart: c, Queue: q, Kicker: k})
	require.NoError(t, err)
	return &env{store: store, session: s, queue: q, kicks: k}
}

func TestNewSession_Validates(t *testing.T) {
	_, err := NewSession(Config{Role: order.RoleCustomer})
	require.Error(t, err)

	ctx := context.Background()
	store := persist.NewMemory()
	c, err := cart.Open(ctx, store, "s")
	require.NoError(t, err)
	q, err := outbox.Open(ctx, store, "d", outbox.Options{})
	require.NoError(t, err)
	_, err = NewSession(Config{Role: "chef", Cart: c, Queue: q})
	require.Error(t, err)
}

func TestAddItem(t *testing.T) {
	e := newEnv(t, order.RoleCustomer, "T1")
	ctx := context.Background()

	_, err := e.session.AddItem(ctx, padThai, 2, []api.OptionRef{{Group: "extra", Name: "egg"}})
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("140").Equal(e.session.Cart().Total()))

	_, err = e.session.AddItem(ctx, padThai, 1, []api.OptionRef{{Group: "extra", Name: "cheese"}})
	assert.True(t, order.IsValidation(err))
	assert.Equal(t, 2, e.session.Cart().ItemCount())
}

func TestCheckout(t *testing.T) {
	e := newEnv(t, order.RoleCustomer, "T1")
	ctx := context.Background()

	_, err := e.session.AddItem(ctx, padThai, 2, []api.OptionRef{{Group: "spice", Name: "spicy"}})
	require.NoError(t, err)
	_, err = e.session.AddItem(ctx, padThai, 1, []api.OptionRef{{Group: "extra", Name: "egg"}})
	require.NoError(t, err)

	id, err := e.session.Checkout(ctx)
	require.NoError(t, err)
	assert.True(t, e.session.Cart().Empty())
	assert.Equal(t, 1, e.kicks.n)

	head, ok := e.queue.Peek()
	require.True(t, ok)
	assert.Equal(t, id, head.ID)
	assert.Equal(t, outbox.KindSubmitOrder, head.Kind)

	var req api.SubmitOrderRequest
	require.NoError(t, head.Decode(&req))
	assert.Equal(t, "T1", req.TableID)
	require.Len(t, req.Items, 2)
	assert.Equal(t, api.ItemRequest{
		MenuItemID: "pad-thai",
		Quantity:   2,
		Options:    []api.OptionRef{{Group: "spice", Name: "spicy"}},
	}, req.Items[0])
	require.NotNil(t, req.ExpectedTotal)
	assert.True(t, decimal.RequireFromString("190").Equal(*req.ExpectedTotal))

	// The cleared cart stays cleared across a restart and keeps the lines
	// held until the server answers. The queued entry stays.
	c, err := cart.Open(ctx, e.store, "session-1")
	require.NoError(t, err)
	assert.True(t, c.Empty())
	assert.Equal(t, []string{id}, c.Held())
	q, err := outbox.Open(ctx, e.store, "device-1", outbox.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())
}

func TestCheckout_Acknowledged(t *testing.T) {
	e := newEnv(t, order.RoleCustomer, "T1")
	ctx := context.Background()

	_, err := e.session.AddItem(ctx, padThai, 1, nil)
	require.NoError(t, err)
	id, err := e.session.Checkout(ctx)
	require.NoError(t, err)

	res, err := e.queue.Replay(ctx, outbox.SenderFunc(func(ctx context.Context, entry outbox.Entry) error {
		return e.session.Submitted(ctx, entry.ID)
	}))
	require.NoError(t, err)
	require.Len(t, res.Sent, 1)
	require.NoError(t, e.session.Settle(ctx, res))

	assert.True(t, e.session.Cart().Empty())
	assert.Empty(t, e.session.Cart().Held())
	c, err := cart.Open(ctx, e.store, "session-1")
	require.NoError(t, err)
	assert.Empty(t, c.Held())

	// A late duplicate acknowledgment is harmless.
	require.NoError(t, e.session.Submitted(ctx, id))
}

func TestCheckout_RejectedReturnsLines(t *testing.T) {
	e := newEnv(t, order.RoleCustomer, "T1")
	ctx := context.Background()

	_, err := e.session.AddItem(ctx, padThai, 2, []api.OptionRef{{Group: "spice", Name: "spicy"}})
	require.NoError(t, err)
	_, err = e.session.Checkout(ctx)
	require.NoError(t, err)

	// The guest keeps ordering while the submission waits.
	_, err = e.session.AddItem(ctx, padThai, 1, []api.OptionRef{{Group: "spice", Name: "spicy"}})
	require.NoError(t, err)
	_, err = e.session.AddItem(ctx, padThai, 1, []api.OptionRef{{Group: "extra", Name: "egg"}})
	require.NoError(t, err)

	res, err := e.queue.Replay(ctx, outbox.SenderFunc(func(context.Context, outbox.Entry) error {
		return outbox.Reject(&order.OutOfStockError{
			Lines: []order.Shortfall{{MenuItemID: "pad-thai", Requested: 2, Available: 0}},
		})
	}))
	require.NoError(t, err)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, 0, e.queue.Len())

	require.NoError(t, e.session.Settle(ctx, res))
	lines := e.session.Cart().Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, 3, lines[0].Quantity)
	assert.Equal(t, 1, lines[1].Quantity)
	assert.Empty(t, e.session.Cart().Held())
	assert.True(t, decimal.RequireFromString("250").Equal(e.session.Cart().Total()))

	// The restored lines are durable.
	c, err := cart.Open(ctx, e.store, "session-1")
	require.NoError(t, err)
	assert.Equal(t, 4, c.ItemCount())
}

func TestRecover_ReturnsDiscardedSubmission(t *testing.T) {
	e := newEnv(t, order.RoleCustomer, "T1")
	ctx := context.Background()

	_, err := e.session.AddItem(ctx, padThai, 1, nil)
	require.NoError(t, err)
	discarded, err := e.session.Checkout(ctx)
	require.NoError(t, err)
	_, err = e.session.AddItem(ctx, padThai, 2, []api.OptionRef{{Group: "extra", Name: "egg"}})
	require.NoError(t, err)
	queued, err := e.session.Checkout(ctx)
	require.NoError(t, err)

	// The device went down between dropping the entry and restoring the cart.
	require.NoError(t, e.queue.Discard(ctx, discarded))

	c, err := cart.Open(ctx, e.store, "session-1")
	require.NoError(t, err)
	s, err := NewSession(Config{TableID: "T1", Role: order.RoleCustomer, Cart: c, Queue: e.queue})
	require.NoError(t, err)
	require.NoError(t, s.Recover(ctx))

	assert.Equal(t, 1, c.ItemCount())
	assert.Equal(t, []string{queued}, c.Held())
}

func TestCheckout_Rejected(t *testing.T) {
	ctx := context.Background()

	e := newEnv(t, order.RoleCustomer, "T1")
	_, err := e.session.Checkout(ctx)
	assert.ErrorIs(t, err, order.ErrEmptyOrder)

	e = newEnv(t, order.RoleCustomer, "")
	_, err = e.session.AddItem(ctx, padThai, 1, nil)
	require.NoError(t, err)
	_, err = e.session.Checkout(ctx)
	assert.True(t, order.IsValidation(err))

	assert.Equal(t, 0, e.queue.Len())
	assert.False(t, e.session.Cart().Empty())
	assert.Zero(t, e.kicks.n)
}

func TestUpdateStatus(t *testing.T) {
	ctx := context.Background()
	o := order.Order{ID: "o-1", Status: order.StatusPending}

	t.Run("KitchenAdvances", func(t *testing.T) {
		e := newEnv(t, order.RoleKitchen, "")
		_, err := e.session.Advance(ctx, o)
		require.NoError(t, err)

		head, ok := e.queue.Peek()
		require.True(t, ok)
		assert.Equal(t, outbox.KindUpdateStatus, head.Kind)
		var cmd api.UpdateStatusCommand
		require.NoError(t, head.Decode(&cmd))
		assert.Equal(t, api.UpdateStatusCommand{OrderID: "o-1", Status: "preparing"}, cmd)
		assert.Equal(t, 1, e.kicks.n)
	})
	t.Run("CashierCannotStartPreparing", func(t *testing.T) {
		e := newEnv(t, order.RoleCashier, "")
		_, err := e.session.Advance(ctx, o)
		var itErr *order.IllegalTransitionError
		require.True(t, errors.As(err, &itErr))
		assert.Equal(t, order.RoleCashier, itErr.Role)
		assert.Equal(t, 0, e.queue.Len())
	})
	t.Run("CashierCompletesReady", func(t *testing.T) {
		e := newEnv(t, order.RoleCashier, "")
		_, err := e.session.Advance(ctx, order.Order{ID: "o-2", Status: order.StatusReady})
		require.NoError(t, err)
		assert.Equal(t, 1, e.queue.Len())
	})
	t.Run("TerminalOrder", func(t *testing.T) {
		e := newEnv(t, order.RoleCashier, "")
		_, err := e.session.Cancel(ctx, order.Order{ID: "o-3", Status: order.StatusCompleted})
		var itErr *order.IllegalTransitionError
		require.True(t, errors.As(err, &itErr))
		_, err = e.session.Advance(ctx, order.Order{ID: "o-3", Status: order.StatusCompleted})
		require.True(t, errors.As(err, &itErr))
		assert.Equal(t, 0, e.queue.Len())
	})
	t.Run("CustomerCancelsPending", func(t *testing.T) {
		e := newEnv(t, order.RoleCustomer, "T1")
		_, err := e.session.Cancel(ctx, o)
		require.NoError(t, err)
		_, err = e.session.Cancel(ctx, order.Order{ID: "o-4", Status: order.StatusPreparing})
		require.Error(t, err)
		assert.Equal(t, 1, e.queue.Len())
	})
}
