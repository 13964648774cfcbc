package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/tableside/internal/domain/menu"
)

const (
	getMenuItemsSQL = `SELECT id, tenant_id, name, price, category, available, COALESCE(inventory_item_id, '')
		FROM menu_items WHERE tenant_id = $1 AND id = ANY($2)`

	listMenuItemsSQL = `SELECT id, tenant_id, name, price, category, available, COALESCE(inventory_item_id, '')
		FROM menu_items WHERE tenant_id = $1 AND available ORDER BY category, name`

	getMenuOptionsSQL = `SELECT menu_item_id, group_name, name, price_delta
		FROM menu_item_options WHERE menu_item_id = ANY($1) ORDER BY menu_item_id, group_name, name`

	upsertInventorySQL = `INSERT INTO inventory_items (id, tenant_id, name, quantity)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, quantity = EXCLUDED.quantity, updated_at = now()`

	upsertMenuItemSQL = `INSERT INTO menu_items (id, tenant_id, name, price, category, available, inventory_item_id)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, price = EXCLUDED.price, category = EXCLUDED.category,
			available = EXCLUDED.available, inventory_item_id = EXCLUDED.inventory_item_id`

	deleteMenuOptionsSQL = `DELETE FROM menu_item_options WHERE menu_item_id = $1`

	insertMenuOptionSQL = `INSERT INTO menu_item_options (menu_item_id, group_name, name, price_delta) VALUES ($1, $2, $3, $4)`
)

var (
	_ menu.Catalog = (*MenuCatalog)(nil)
	_ menu.Lister  = (*MenuCatalog)(nil)
)

// MenuCatalog implements menu.Catalog backed by PostgreSQL.
type MenuCatalog struct {
	pool *pgxpool.Pool
}

// NewMenuCatalog returns a MenuCatalog that uses the given pool.
func NewMenuCatalog(pool *pgxpool.Pool) *MenuCatalog {
	return &MenuCatalog{pool: pool}
}

// GetByIDs returns the tenant's menu items with the given ids and their
// options. Unknown ids are omitted.
func (c *MenuCatalog) GetByIDs(ctx context.Context, tenantID string, ids []string) ([]menu.Item, error) {
	rows, err := c.pool.Query(ctx, getMenuItemsSQL, tenantID, ids)
	if err != nil {
		return nil, errors.Wrap(err, "query menu items")
	}
	items, err := pgx.CollectRows(rows, scanMenuItem)
	if err != nil {
		return nil, errors.Wrap(err, "scan menu items")
	}
	if err := c.attachOptions(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

// ListAvailable returns the tenant's orderable items grouped by category.
func (c *MenuCatalog) ListAvailable(ctx context.Context, tenantID string) ([]menu.Item, error) {
	rows, err := c.pool.Query(ctx, listMenuItemsSQL, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, "query menu")
	}
	items, err := pgx.CollectRows(rows, scanMenuItem)
	if err != nil {
		return nil, errors.Wrap(err, "scan menu")
	}
	if err := c.attachOptions(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *MenuCatalog) attachOptions(ctx context.Context, items []menu.Item) error {
	if len(items) == 0 {
		return nil
	}
	ids := make([]string, len(items))
	idx := make(map[string]int, len(items))
	for i, it := range items {
		ids[i] = it.ID
		idx[it.ID] = i
	}
	rows, err := c.pool.Query(ctx, getMenuOptionsSQL, ids)
	if err != nil {
		return errors.Wrap(err, "query menu options")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			itemID string
			o      menu.Option
		)
		if err := rows.Scan(&itemID, &o.Group, &o.Name, &o.PriceDelta); err != nil {
			return errors.Wrap(err, "scan menu option")
		}
		if i, ok := idx[itemID]; ok {
			items[i].Options = append(items[i].Options, o)
		}
	}
	return errors.Wrap(rows.Err(), "iterate menu options")
}

func scanMenuItem(row pgx.CollectableRow) (menu.Item, error) {
	var it menu.Item
	err := row.Scan(&it.ID, &it.TenantID, &it.Name, &it.Price, &it.Category, &it.Available, &it.InventoryItemID)
	return it, err
}

// InventoryItem is a stock counter to seed.
type InventoryItem struct {
	ID       string
	TenantID string
	Name     string
	Quantity int
}

// UpsertInventory creates or resets a stock counter.
func (c *MenuCatalog) UpsertInventory(ctx context.Context, it InventoryItem) error {
	if _, err := c.pool.Exec(ctx, upsertInventorySQL, it.ID, it.TenantID, it.Name, it.Quantity); err != nil {
		return errors.Wrapf(err, "upsert inventory %s", it.ID)
	}
	return nil
}

// UpsertMenuItem creates or replaces a menu item and its options.
func (c *MenuCatalog) UpsertMenuItem(ctx context.Context, it menu.Item) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, upsertMenuItemSQL,
		it.ID, it.TenantID, it.Name, it.Price.Round(2), it.Category, it.Available, it.InventoryItemID,
	); err != nil {
		return errors.Wrapf(err, "upsert menu item %s", it.ID)
	}
	if _, err := tx.Exec(ctx, deleteMenuOptionsSQL, it.ID); err != nil {
		return errors.Wrapf(err, "clear options of %s", it.ID)
	}
	for _, o := range it.Options {
		if _, err := tx.Exec(ctx, insertMenuOptionSQL, it.ID, o.Group, o.Name, o.PriceDelta); err != nil {
			return errors.Wrapf(err, "insert option %s/%s", o.Group, o.Name)
		}
	}
	return errors.Wrap(tx.Commit(ctx), "commit")
}
