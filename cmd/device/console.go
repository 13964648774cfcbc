package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/tableside/internal/api"
	"github.com/xenking/tableside/internal/client"
	"github.com/xenking/tableside/internal/device"
	"github.com/xenking/tableside/internal/domain/display"
	"github.com/xenking/tableside/internal/domain/order"
	"github.com/xenking/tableside/internal/domain/outbox"
	"github.com/xenking/tableside/internal/persist"
)

var errQuit = errors.New("quit")

const help = `commands:
  menu                         show the menu
  add <item> [qty] [group=opt] add an item, e.g. "add pad-thai 2 spice=hot"
  qty <line> <n>               change a cart line quantity, 0 removes it
  cart                         show the cart
  clear                        empty the cart
  checkout                     send the cart to the kitchen
  board                        show orders
  advance <order>              move an order to its next status
  cancel <order>               cancel an order
  outbox                       show queued and failed requests
  retry <entry> | discard <entry>
  status                       connectivity and sync state
  quit`

// menuDoc caches the last fetched menu so an offline device can still take
// orders.
func menuDoc(tenantID string) persist.Document {
	return persist.Document{Key: "menu/" + tenantID, Version: 1}
}

type console struct {
	in    io.Reader
	mu    sync.Mutex
	out   io.Writer
	cl    *client.Client
	queue *outbox.Queue
	store persist.Store
	doc   persist.Document

	session *device.Session
	view    *display.View
	online  atomic.Bool
	menu    []api.MenuItem
}

func newConsole(in io.Reader, out io.Writer, cl *client.Client, q *outbox.Queue, store persist.Store, tenantID string) *console {
	return &console{in: in, out: out, cl: cl, queue: q, store: store, doc: menuDoc(tenantID)}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}

// SetOnline implements client.OnlineSetter.
func (c *console) SetOnline(online bool) {
	if was := c.online.Swap(online); was != online {
		if online {
			c.printf("* online\n")
		} else {
			c.printf("* offline, new orders are kept on this device\n")
		}
	}
}

func (c *console) onSubmitted(_ outbox.Entry, resp *api.SubmitOrderResponse) {
	c.printf("* order %s confirmed, total %s\n", short(resp.OrderID), resp.TotalAmount.StringFixed(2))
}

func (c *console) onReplay(res outbox.ReplayResult) {
	for _, r := range res.Rejected {
		c.printf("* request %s rejected: %s\n", short(r.Entry.ID), describe(r.Err))
		if r.Entry.Kind == outbox.KindSubmitOrder {
			c.printf("  the items are back in the cart\n")
		}
	}
	if res.Blocked != nil {
		c.printf("* request %s gave up after %d attempts, use retry or discard\n",
			short(res.Blocked.EntryID), res.Blocked.Attempts)
	}
}

// Run reads commands until ctx is cancelled, input ends, or the user quits.
func (c *console) Run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.loadMenu(ctx)
	c.printf("%s\n> ", help)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			if err := c.exec(ctx, strings.Fields(line)); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				c.printf("error: %s\n", describe(err))
			}
			c.printf("> ")
		}
	}
}

func (c *console) exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return nil
	}
	switch cmd, rest := args[0], args[1:]; cmd {
	case "help":
		c.printf("%s\n", help)
	case "quit", "exit":
		return errQuit
	case "menu":
		c.loadMenu(ctx)
		c.showMenu()
	case "add":
		return c.add(ctx, rest)
	case "qty":
		if len(rest) != 2 {
			return errors.New("usage: qty <line> <n>")
		}
		n, err := strconv.Atoi(rest[1])
		if err != nil {
			return errors.Wrap(err, "quantity")
		}
		if err := c.session.Cart().SetQuantity(ctx, c.lineID(rest[0]), n); err != nil {
			return err
		}
		c.showCart()
	case "cart":
		c.showCart()
	case "clear":
		return c.session.Cart().Clear(ctx)
	case "checkout":
		id, err := c.session.Checkout(ctx)
		if err != nil {
			return err
		}
		if c.online.Load() {
			c.printf("order %s sent\n", short(id))
		} else {
			c.printf("order %s saved, it will be sent when the connection is back\n", short(id))
		}
	case "board":
		c.showBoard()
	case "advance", "cancel":
		if len(rest) != 1 {
			return errors.Errorf("usage: %s <order>", cmd)
		}
		o, err := c.findOrder(rest[0])
		if err != nil {
			return err
		}
		if cmd == "advance" {
			_, err = c.session.Advance(ctx, o)
		} else {
			_, err = c.session.Cancel(ctx, o)
		}
		return err
	case "outbox":
		c.showOutbox()
	case "retry", "discard":
		if len(rest) != 1 {
			return errors.Errorf("usage: %s <entry>", cmd)
		}
		id, err := c.entryID(rest[0])
		if err != nil {
			return err
		}
		if cmd == "retry" {
			return c.queue.Retry(ctx, id)
		}
		if err := c.queue.Discard(ctx, id); err != nil {
			return err
		}
		if ok, err := c.session.Returned(ctx, id); err != nil {
			return err
		} else if ok {
			c.printf("the items of %s are back in the cart\n", short(id))
		}
	case "status":
		c.showStatus()
	default:
		return errors.Errorf("unknown command %q, try help", cmd)
	}
	return nil
}

// loadMenu refreshes the menu from the server, falling back to the cached
// copy.
func (c *console) loadMenu(ctx context.Context) {
	items, err := c.cl.Menu(ctx)
	if err == nil {
		c.menu = items
		_ = c.doc.Save(ctx, c.store, items)
		return
	}
	if c.menu == nil {
		var cached []api.MenuItem
		if ok, lerr := c.doc.Load(ctx, c.store, &cached); lerr == nil && ok {
			c.menu = cached
		}
	}
}

func (c *console) add(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: add <item> [qty] [group=option ...]")
	}
	var item *api.MenuItem
	for i := range c.menu {
		if c.menu[i].ID == args[0] {
			item = &c.menu[i]
		}
	}
	if item == nil {
		return errors.Errorf("no menu item %q", args[0])
	}
	qty := 1
	var opts []api.OptionRef
	for _, a := range args[1:] {
		if group, name, ok := strings.Cut(a, "="); ok {
			opts = append(opts, api.OptionRef{Group: group, Name: name})
			continue
		}
		n, err := strconv.Atoi(a)
		if err != nil {
			return errors.Errorf("bad quantity %q", a)
		}
		qty = n
	}
	if _, err := c.session.AddItem(ctx, *item, qty, opts); err != nil {
		return err
	}
	c.showCart()
	return nil
}

func (c *console) showMenu() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.menu) == 0 {
		_, _ = fmt.Fprintln(c.out, "menu unavailable")
		return
	}
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	for _, it := range c.menu {
		var opts []string
		for _, o := range it.Options {
			opts = append(opts, fmt.Sprintf("%s=%s(+%s)", o.Group, o.Name, o.PriceDelta.StringFixed(2)))
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", it.Category, it.ID, it.Name, it.Price.StringFixed(2), strings.Join(opts, " "))
	}
	_ = w.Flush()
}

func (c *console) showCart() {
	crt := c.session.Cart()
	c.mu.Lock()
	defer c.mu.Unlock()
	if crt.Empty() {
		_, _ = fmt.Fprintln(c.out, "cart is empty")
		return
	}
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	for _, l := range crt.Lines() {
		var opts []string
		for _, o := range l.Options {
			opts = append(opts, o.Group+"="+o.Name)
		}
		_, _ = fmt.Fprintf(w, "%s\t%dx %s\t%s\t%s\n", short(l.LineID), l.Quantity, l.Name, strings.Join(opts, " "), l.Total().StringFixed(2))
	}
	_, _ = fmt.Fprintf(w, "\t%d items\ttotal\t%s\n", crt.ItemCount(), crt.Total().StringFixed(2))
	_ = w.Flush()
}

func (c *console) showBoard() {
	orders := c.view.Orders()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(orders) == 0 {
		_, _ = fmt.Fprintln(c.out, "no orders")
		return
	}
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	for _, o := range orders {
		var items []string
		for _, l := range o.Lines {
			items = append(items, fmt.Sprintf("%dx %s", l.Quantity, l.Name))
		}
		_, _ = fmt.Fprintf(w, "%s\ttable %s\t%s\t%s\t%s\n",
			short(o.ID), o.TableID, o.Status, o.CreatedAt.Local().Format(time.Kitchen), strings.Join(items, ", "))
	}
	_ = w.Flush()
}

func (c *console) showOutbox() {
	pending, failed := c.queue.Pending(), c.queue.Failed()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(pending)+len(failed) == 0 {
		_, _ = fmt.Fprintln(c.out, "nothing queued")
		return
	}
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	for _, e := range append(pending, failed...) {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\tattempts %d\t%s\n", short(e.ID), e.Kind, e.State, e.Attempts, e.LastError)
	}
	_ = w.Flush()
}

func (c *console) showStatus() {
	state := "offline"
	if c.online.Load() {
		state = "online"
	}
	synced := "never synced"
	if last := c.view.LastSync(); !last.IsZero() {
		synced = fmt.Sprintf("synced %s ago", c.view.Staleness().Round(time.Second))
	}
	c.printf("%s, %s, %d queued, %d failed\n", state, synced, len(c.queue.Pending()), len(c.queue.Failed()))
}

func (c *console) findOrder(prefix string) (order.Order, error) {
	var found []order.Order
	for _, o := range c.view.Orders() {
		if strings.HasPrefix(o.ID, prefix) {
			found = append(found, o)
		}
	}
	switch len(found) {
	case 0:
		return order.Order{}, errors.Errorf("no order %q on the board", prefix)
	case 1:
		return found[0], nil
	default:
		return order.Order{}, errors.Errorf("order %q is ambiguous", prefix)
	}
}

func (c *console) entryID(prefix string) (string, error) {
	for _, e := range append(c.queue.Pending(), c.queue.Failed()...) {
		if strings.HasPrefix(e.ID, prefix) {
			return e.ID, nil
		}
	}
	return "", outbox.ErrEntryNotFound
}

func (c *console) lineID(prefix string) string {
	for _, l := range c.session.Cart().Lines() {
		if strings.HasPrefix(l.LineID, prefix) {
			return l.LineID
		}
	}
	return prefix
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// describe renders domain errors for people at the counter.
func describe(err error) string {
	var (
		oos *order.OutOfStockError
		it  *order.IllegalTransitionError
	)
	switch {
	case errors.As(err, &oos):
		parts := make([]string, len(oos.Lines))
		for i, l := range oos.Lines {
			parts[i] = fmt.Sprintf("%s: only %d left", l.Name, l.Available)
		}
		return "sold out, " + strings.Join(parts, "; ")
	case errors.As(err, &it):
		return it.Error()
	case errors.Is(err, order.ErrEmptyOrder):
		return "the cart is empty"
	}
	return err.Error()
}
