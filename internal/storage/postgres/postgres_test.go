//go:build integration

package postgres

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/tableside/internal/domain/auth"
	"github.com/xenking/tableside/internal/domain/menu"
	"github.com/xenking/tableside/internal/domain/order"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "tableside",
				"POSTGRES_PASSWORD": "tableside",
				"POSTGRES_DB":       "tableside",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := c.Terminate(context.Background()); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	host, err := c.Host(ctx)
	if err != nil {
		log.Fatalf("host: %v", err)
	}
	port, err := c.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Fatalf("mapped port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://tableside:tableside@%s:%s/tableside?sslmode=disable", host, port.Port())
	testPool, err = NewPool(ctx, dsn)
	if err != nil {
		log.Fatalf("pool: %v", err)
	}
	defer testPool.Close()

	if err := RunMigrations(ctx, testPool); err != nil {
		log.Fatalf("migrations: %v", err)
	}
	return m.Run()
}

// seedTenant creates a fresh tenant with one stock-tracked menu item.
func seedTenant(t *testing.T, stock int) (tenantID string, catalog *MenuCatalog) {
	t.Helper()
	ctx := context.Background()
	tenantID = "t-" + uuid.NewString()[:8]
	catalog = NewMenuCatalog(testPool)

	require.NoError(t, catalog.UpsertInventory(ctx, InventoryItem{
		ID: tenantID + "-inv-corn", TenantID: tenantID, Name: "Corn", Quantity: stock,
	}))
	require.NoError(t, catalog.UpsertMenuItem(ctx, menu.Item{
		ID:              tenantID + "-corn",
		TenantID:        tenantID,
		Name:            "Corn",
		Price:           decimal.RequireFromString("25.00"),
		Category:        "sides",
		Available:       true,
		InventoryItemID: tenantID + "-inv-corn",
		Options: []menu.Option{
			{Group: "butter", Name: "extra", PriceDelta: decimal.RequireFromString("5.00")},
		},
	}))
	return tenantID, catalog
}

func newService(t *testing.T, catalog menu.Catalog, store order.Store) *order.Service {
	t.Helper()
	svc, err := order.NewService(catalog, store, nil, order.ServiceOptions{})
	require.NoError(t, err)
	return svc
}

func cornReq(tenantID, key string, qty int) order.SubmitRequest {
	return order.SubmitRequest{
		TenantID:       tenantID,
		TableID:        "T1",
		IdempotencyKey: key,
		Items: []order.ItemRequest{{
			MenuItemID: tenantID + "-corn",
			Quantity:   qty,
			Options:    []order.OptionRef{{Group: "butter", Name: "extra"}},
		}},
	}
}

func stockOf(t *testing.T, tenantID string) int {
	t.Helper()
	var q int
	require.NoError(t, testPool.QueryRow(context.Background(), availableSQL, tenantID+"-inv-corn", tenantID).Scan(&q))
	return q
}

func TestMenuCatalog_GetByIDs(t *testing.T) {
	tenantID, catalog := seedTenant(t, 5)

	items, err := catalog.GetByIDs(context.Background(), tenantID, []string{tenantID + "-corn", "missing"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Corn", items[0].Name)
	assert.True(t, decimal.RequireFromString("25").Equal(items[0].Price))
	require.Len(t, items[0].Options, 1)
	assert.Equal(t, tenantID+"-inv-corn", items[0].InventoryItemID)

	other, err := catalog.GetByIDs(context.Background(), "other", []string{tenantID + "-corn"})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestOrderStore_SubmitAndReplay(t *testing.T) {
	tenantID, catalog := seedTenant(t, 10)
	store := NewOrderStore(testPool)
	svc := newService(t, catalog, store)
	ctx := context.Background()

	first, err := svc.SubmitOrder(ctx, cornReq(tenantID, "k1", 3))
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.True(t, decimal.RequireFromString("90").Equal(first.Order.TotalAmount))

	second, err := svc.SubmitOrder(ctx, cornReq(tenantID, "k1", 3))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Order.ID, second.Order.ID)

	got, err := store.Get(ctx, tenantID, first.Order.ID)
	require.NoError(t, err)
	require.Len(t, got.Lines, 1)
	require.Len(t, got.Lines[0].Options, 1)
	assert.Equal(t, "extra", got.Lines[0].Options[0].Name)

	ledger, err := store.Ledger(ctx, tenantID, first.Order.ID)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, 10, ledger[0].PreviousQuantity)
	assert.Equal(t, 7, ledger[0].NewQuantity)
	assert.Equal(t, 7, stockOf(t, tenantID))

	keys, err := store.RecentIdempotencyKeys(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Contains(t, keys, order.TenantKey(tenantID, "k1"))
}

func TestOrderStore_ConcurrentSubmissions(t *testing.T) {
	const (
		stock   = 5
		clients = 12
	)
	tenantID, catalog := seedTenant(t, stock)
	svc := newService(t, catalog, NewOrderStore(testPool))
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		conflicts int
	)
	for i := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.SubmitOrder(ctx, cornReq(tenantID, fmt.Sprintf("c-%d", i), 1))
			mu.Lock()
			defer mu.Unlock()
			var oos *order.OutOfStockError
			switch {
			case err == nil:
				created++
			case assert.ErrorAs(t, err, &oos):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, stock, created)
	assert.Equal(t, clients-stock, conflicts)
	assert.Equal(t, 0, stockOf(t, tenantID))
}

func TestOrderStore_ConcurrentSameKey(t *testing.T) {
	tenantID, catalog := seedTenant(t, 10)
	store := NewOrderStore(testPool)
	svc := newService(t, catalog, store)
	ctx := context.Background()

	ids := make([]string, 4)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.SubmitOrder(ctx, cornReq(tenantID, "dup", 2))
			if assert.NoError(t, err) {
				ids[i] = res.Order.ID
			}
		}()
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 8, stockOf(t, tenantID))
}

func TestOrderStore_Transition(t *testing.T) {
	tenantID, catalog := seedTenant(t, 10)
	store := NewOrderStore(testPool)
	svc := newService(t, catalog, store)
	ctx := context.Background()

	res, err := svc.SubmitOrder(ctx, cornReq(tenantID, "k", 1))
	require.NoError(t, err)
	kitchen := order.Actor{ID: "kds", Role: order.RoleKitchen}

	o, err := svc.UpdateStatus(ctx, order.UpdateStatusRequest{
		TenantID: tenantID, OrderID: res.Order.ID, Target: order.StatusPreparing, IdempotencyKey: "s1", Actor: kitchen,
	})
	require.NoError(t, err)
	assert.Equal(t, order.StatusPreparing, o.Status)
	assert.Equal(t, int64(2), o.Revision)
	require.Len(t, o.Lines, 1)

	o, err = svc.UpdateStatus(ctx, order.UpdateStatusRequest{
		TenantID: tenantID, OrderID: res.Order.ID, Target: order.StatusPreparing, IdempotencyKey: "s1", Actor: kitchen,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), o.Revision)

	// A key applied to one order does not move another.
	other, err := svc.SubmitOrder(ctx, cornReq(tenantID, "k-other", 1))
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, order.UpdateStatusRequest{
		TenantID: tenantID, OrderID: other.Order.ID, Target: order.StatusPreparing, IdempotencyKey: "s1", Actor: kitchen,
	})
	var vErr *order.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "idempotency_key", vErr.Field)
	untouched, err := store.Get(ctx, tenantID, other.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, untouched.Status)

	o, err = svc.UpdateStatus(ctx, order.UpdateStatusRequest{
		TenantID: tenantID, OrderID: res.Order.ID, Target: order.StatusCancelled, IdempotencyKey: "s2", Actor: kitchen,
	})
	require.NoError(t, err)
	require.NotNil(t, o.CancelledAt)

	_, err = svc.UpdateStatus(ctx, order.UpdateStatusRequest{
		TenantID: tenantID, OrderID: res.Order.ID, Target: order.StatusPreparing, IdempotencyKey: "s3", Actor: kitchen,
	})
	var itErr *order.IllegalTransitionError
	require.ErrorAs(t, err, &itErr)

	_, err = svc.UpdateStatus(ctx, order.UpdateStatusRequest{
		TenantID: "other", OrderID: res.Order.ID, Target: order.StatusReady, Actor: kitchen,
	})
	require.ErrorIs(t, err, order.ErrNotFound)

	// Cancellation does not restock.
	assert.Equal(t, 8, stockOf(t, tenantID))

	list, err := store.List(ctx, order.ListFilter{TenantID: tenantID, Statuses: []order.Status{order.StatusCancelled}, TableID: "T1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Len(t, list[0].Lines, 1)
}

func TestAPIKeyRepository(t *testing.T) {
	repo := NewAPIKeyRepository(testPool)
	ctx := context.Background()
	id := uuid.NewString()

	require.NoError(t, repo.Upsert(ctx, auth.APIKeyInfo{
		ID: id, TenantID: "t1", KeyHash: "hash-" + id, Name: "kds", Role: order.RoleKitchen,
	}))

	info, err := repo.FindByHash(ctx, "hash-"+id)
	require.NoError(t, err)
	assert.Equal(t, "t1", info.TenantID)
	assert.Equal(t, order.RoleKitchen, info.Role)

	_, err = repo.FindByHash(ctx, "nope")
	require.ErrorIs(t, err, auth.ErrKeyNotFound)
}
