package postgres

import (
	"context"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/tableside/internal/domain/order"
)

const (
	orderColumns = `id, tenant_id, table_id, status, total_amount, idempotency_key, revision, created_at, updated_at, cancelled_at`

	insertOrderSQL = `INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL)
		ON CONFLICT (tenant_id, idempotency_key) DO NOTHING
		RETURNING id`

	findByKeySQL = `SELECT id FROM orders WHERE tenant_id = $1 AND idempotency_key = $2`

	reserveSQL = `UPDATE inventory_items SET quantity = quantity - $1, updated_at = now()
		WHERE id = $2 AND tenant_id = $3 AND quantity >= $1
		RETURNING quantity`

	availableSQL = `SELECT quantity FROM inventory_items WHERE id = $1 AND tenant_id = $2`

	insertLineSQL = `INSERT INTO order_lines (order_id, line_no, menu_item_id, name, unit_price, quantity, line_total, options)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	insertLedgerSQL = `INSERT INTO inventory_ledger
		(id, tenant_id, inventory_item_id, movement_type, quantity, previous_quantity, new_quantity, order_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	lockOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 AND tenant_id = $2 FOR UPDATE`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 AND tenant_id = $2`

	statusRequestSQL = `SELECT order_id FROM status_requests WHERE tenant_id = $1 AND idempotency_key = $2`

	recordStatusRequestSQL = `INSERT INTO status_requests (tenant_id, idempotency_key, order_id) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`

	updateStatusSQL = `UPDATE orders
		SET status = $3, revision = revision + 1, updated_at = $4,
			cancelled_at = CASE WHEN $3 = 'cancelled' THEN $4 ELSE cancelled_at END
		WHERE id = $1 AND tenant_id = $2
		RETURNING ` + orderColumns

	linesSQL = `SELECT order_id, menu_item_id, name, unit_price, quantity, line_total, options
		FROM order_lines WHERE order_id = ANY($1) ORDER BY order_id, line_no`

	ledgerSQL = `SELECT id, tenant_id, inventory_item_id, movement_type, quantity, previous_quantity, new_quantity,
		COALESCE(order_id, ''), created_at
		FROM inventory_ledger WHERE tenant_id = $1 AND order_id = $2 ORDER BY created_at, inventory_item_id`

	recentKeysSQL = `SELECT tenant_id, idempotency_key FROM orders WHERE created_at >= $1`
)

var _ order.Store = (*OrderStore)(nil)

// OrderStore implements order.Store backed by PostgreSQL. Stock reservation
// relies on conditional row updates inside a single transaction.
type OrderStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewOrderStore returns an OrderStore that uses the given pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool, now: time.Now}
}

// FindByIdempotencyKey implements order.Store.
func (s *OrderStore) FindByIdempotencyKey(ctx context.Context, tenantID, key string) (string, error) {
	var id string
	if err := s.pool.QueryRow(ctx, findByKeySQL, tenantID, key).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", order.ErrNotFound
		}
		return "", errors.Wrap(err, "find order by key")
	}
	return id, nil
}

// ReserveAndCreate implements order.Store. The order row is inserted first so
// that a concurrent duplicate waits on the unique index and resolves to the
// winner's id.
func (s *OrderStore) ReserveAndCreate(ctx context.Context, o *order.Order, rs []order.Reservation) (_ string, _ bool, rerr error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", false, errors.Wrap(err, "begin")
	}
	defer func() {
		if rerr != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var id string
	err = tx.QueryRow(ctx, insertOrderSQL,
		o.ID, o.TenantID, o.TableID, string(o.Status), o.TotalAmount,
		o.IdempotencyKey, o.Revision, o.CreatedAt, o.UpdatedAt,
	).Scan(&id)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if err := tx.QueryRow(ctx, findByKeySQL, o.TenantID, o.IdempotencyKey).Scan(&id); err != nil {
			return "", false, errors.Wrap(err, "find existing order")
		}
		if err := tx.Commit(ctx); err != nil {
			return "", false, errors.Wrap(err, "commit")
		}
		return id, true, nil
	case err != nil:
		return "", false, errors.Wrap(err, "insert order")
	}

	// Lock rows in a stable order to avoid deadlocks between orders that
	// share inventory items.
	sorted := slices.Clone(rs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].InventoryItemID < sorted[j].InventoryItemID
	})

	newQty := make([]int, len(sorted))
	var short []order.Shortfall
	for i, r := range sorted {
		err := tx.QueryRow(ctx, reserveSQL, r.Quantity, r.InventoryItemID, o.TenantID).Scan(&newQty[i])
		if err == nil {
			continue
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", false, errors.Wrapf(err, "reserve %s", r.InventoryItemID)
		}
		var avail int
		if err := tx.QueryRow(ctx, availableSQL, r.InventoryItemID, o.TenantID).Scan(&avail); err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return "", false, errors.Wrapf(err, "available %s", r.InventoryItemID)
		}
		short = append(short, order.Shortfall{
			LineIndex:  r.LineIndex,
			MenuItemID: r.MenuItemID,
			Name:       r.Name,
			Requested:  r.Quantity,
			Available:  avail,
		})
	}
	if len(short) > 0 {
		sort.Slice(short, func(i, j int) bool { return short[i].LineIndex < short[j].LineIndex })
		return "", false, &order.OutOfStockError{Lines: short}
	}

	batch := &pgx.Batch{}
	for i, l := range o.Lines {
		opts := l.Options
		if opts == nil {
			opts = []order.LineOption{}
		}
		batch.Queue(insertLineSQL, o.ID, i, l.MenuItemID, l.Name, l.UnitPrice, l.Quantity, l.LineTotal, opts)
	}
	for i, r := range sorted {
		batch.Queue(insertLedgerSQL,
			uuid.New().String(), o.TenantID, r.InventoryItemID, string(order.MovementOut),
			r.Quantity, newQty[i]+r.Quantity, newQty[i], o.ID, o.CreatedAt,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return "", false, errors.Wrap(err, "insert lines and ledger")
	}

	if err := tx.Commit(ctx); err != nil {
		return "", false, errors.Wrap(err, "commit")
	}
	return o.ID, false, nil
}

// Transition implements order.Store. The idempotency key is checked after
// the row lock so that concurrent retries of one request serialize.
func (s *OrderStore) Transition(ctx context.Context, req order.TransitionRequest, check func(order.Status) error) (_ *order.Order, _ bool, rerr error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, errors.Wrap(err, "begin")
	}
	defer func() {
		if rerr != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	o, err := scanOrder(tx.QueryRow(ctx, lockOrderSQL, req.OrderID, req.TenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, order.ErrNotFound
		}
		return nil, false, errors.Wrap(err, "lock order")
	}

	replayed := false
	if req.IdempotencyKey != "" {
		var applied string
		err := tx.QueryRow(ctx, statusRequestSQL, req.TenantID, req.IdempotencyKey).Scan(&applied)
		switch {
		case err == nil && applied != req.OrderID:
			return nil, false, order.StatusKeyReused()
		case err == nil:
			replayed = true
		case !errors.Is(err, pgx.ErrNoRows):
			return nil, false, errors.Wrap(err, "find status request")
		}
	}

	if !replayed {
		if err := check(o.Status); err != nil {
			return nil, false, err
		}
		o, err = scanOrder(tx.QueryRow(ctx, updateStatusSQL, req.OrderID, req.TenantID, string(req.Target), s.now().UTC()))
		if err != nil {
			return nil, false, errors.Wrap(err, "update status")
		}
		if req.IdempotencyKey != "" {
			tag, err := tx.Exec(ctx, recordStatusRequestSQL, req.TenantID, req.IdempotencyKey, req.OrderID)
			if err != nil {
				return nil, false, errors.Wrap(err, "record status request")
			}
			// Another order committed the key after the lookup.
			if tag.RowsAffected() == 0 {
				return nil, false, order.StatusKeyReused()
			}
		}
	}

	if err := s.attachLines(ctx, tx, []*order.Order{o}); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, errors.Wrap(err, "commit")
	}
	return o, replayed, nil
}

// Get implements order.Store.
func (s *OrderStore) Get(ctx context.Context, tenantID, orderID string) (*order.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, getOrderSQL, orderID, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get order %q", orderID)
	}
	if err := s.attachLines(ctx, s.pool, []*order.Order{o}); err != nil {
		return nil, err
	}
	return o, nil
}

// List implements order.Store.
func (s *OrderStore) List(ctx context.Context, f order.ListFilter) ([]order.Order, error) {
	var (
		where = []string{"tenant_id = $1"}
		args  = []any{f.TenantID}
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.TableID != "" {
		where = append(where, "table_id = "+arg(f.TableID))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if !f.Since.IsZero() {
		where = append(where, "updated_at >= "+arg(f.Since))
	}
	query := `SELECT ` + orderColumns + ` FROM orders WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	ptrs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*order.Order, error) {
		return scanOrder(row)
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan orders")
	}
	if err := s.attachLines(ctx, s.pool, ptrs); err != nil {
		return nil, err
	}

	out := make([]order.Order, len(ptrs))
	for i, o := range ptrs {
		out[i] = *o
	}
	return out, nil
}

// Ledger implements order.Store.
func (s *OrderStore) Ledger(ctx context.Context, tenantID, orderID string) ([]order.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, ledgerSQL, tenantID, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "query ledger")
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (order.LedgerEntry, error) {
		var (
			e  order.LedgerEntry
			mt string
		)
		err := row.Scan(&e.ID, &e.TenantID, &e.InventoryItemID, &mt, &e.Quantity,
			&e.PreviousQuantity, &e.NewQuantity, &e.OrderID, &e.CreatedAt)
		e.MovementType = order.MovementType(mt)
		return e, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan ledger")
	}
	return entries, nil
}

// RecentIdempotencyKeys implements order.Store.
func (s *OrderStore) RecentIdempotencyKeys(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, recentKeysSQL, since)
	if err != nil {
		return nil, errors.Wrap(err, "query recent keys")
	}
	keys, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
		var tenantID, key string
		err := row.Scan(&tenantID, &key)
		return order.TenantKey(tenantID, key), err
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan recent keys")
	}
	return keys, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *OrderStore) attachLines(ctx context.Context, q querier, orders []*order.Order) error {
	if len(orders) == 0 {
		return nil
	}
	byID := make(map[string]*order.Order, len(orders))
	ids := make([]string, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		byID[o.ID] = o
		o.Lines = nil
	}

	rows, err := q.Query(ctx, linesSQL, ids)
	if err != nil {
		return errors.Wrap(err, "query order lines")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			orderID string
			l       order.Line
		)
		if err := rows.Scan(&orderID, &l.MenuItemID, &l.Name, &l.UnitPrice, &l.Quantity, &l.LineTotal, &l.Options); err != nil {
			return errors.Wrap(err, "scan order line")
		}
		if o, ok := byID[orderID]; ok {
			o.Lines = append(o.Lines, l)
		}
	}
	return errors.Wrap(rows.Err(), "iterate order lines")
}

func scanOrder(row pgx.Row) (*order.Order, error) {
	var (
		o      order.Order
		status string
	)
	if err := row.Scan(&o.ID, &o.TenantID, &o.TableID, &status, &o.TotalAmount,
		&o.IdempotencyKey, &o.Revision, &o.CreatedAt, &o.UpdatedAt, &o.CancelledAt); err != nil {
		return nil, err
	}
	o.Status = order.Status(status)
	return &o, nil
}
