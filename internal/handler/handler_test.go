package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/tableside/internal/api"
	"github.com/xenking/tableside/internal/domain/auth"
	"github.com/xenking/tableside/internal/domain/menu"
	"github.com/xenking/tableside/internal/domain/order"
	"github.com/xenking/tableside/internal/realtime"
	"github.com/xenking/tableside/internal/storage/memory"
)

// --- Mock implementations ---

type mockAPIKeyRepo struct {
	byHash map[string]*auth.APIKeyInfo
	err    error
}

func (m *mockAPIKeyRepo) FindByHash(_ context.Context, hash string) (*auth.APIKeyInfo, error) {
	if m.err != nil {
		return nil, m.err
	}
	info, ok := m.byHash[hash]
	if !ok {
		return nil, auth.ErrKeyNotFound
	}
	return info, nil
}

// --- Helpers ---

var pepper = []byte("test-pepper")

const (
	tenantA = "tenant-a"
	tenantB = "tenant-b"

	customerKey = "customer-secret"
	kitchenKey  = "kitchen-secret"
	cashierKey  = "cashier-secret"
	otherKey    = "other-tenant-secret"
)

type testEnv struct {
	srv   *httptest.Server
	store *memory.Store
	hub   *realtime.Hub
	keys  *mockAPIKeyRepo
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := memory.New()
	store.AddMenuItem(menu.Item{
		ID:              "pad-thai",
		TenantID:        tenantA,
		Name:            "Pad Thai",
		Price:           decimal.RequireFromString("12.50"),
		Category:        "mains",
		Available:       true,
		InventoryItemID: "inv-noodles",
		Options: []menu.Option{
			{Group: "spice", Name: "hot", PriceDelta: decimal.Zero},
			{Group: "extra", Name: "prawns", PriceDelta: decimal.RequireFromString("3.00")},
		},
	})
	store.AddMenuItem(menu.Item{
		ID:        "water",
		TenantID:  tenantA,
		Name:      "Water",
		Price:     decimal.RequireFromString("1.00"),
		Category:  "drinks",
		Available: true,
	})
	store.SetStock(tenantA, "inv-noodles", 3)

	hub, err := realtime.NewHub(realtime.HubOptions{})
	require.NoError(t, err)
	svc, err := order.NewService(store, store, hub, order.ServiceOptions{})
	require.NoError(t, err)

	keys := &mockAPIKeyRepo{byHash: map[string]*auth.APIKeyInfo{}}
	for _, k := range []struct {
		raw, tenant string
		role        order.Role
	}{
		{customerKey, tenantA, order.RoleCustomer},
		{kitchenKey, tenantA, order.RoleKitchen},
		{cashierKey, tenantA, order.RoleCashier},
		{otherKey, tenantB, order.RoleCashier},
	} {
		hash := auth.HashKey(pepper, k.raw)
		keys.byHash[hash] = &auth.APIKeyInfo{
			ID:       "key-" + k.raw,
			TenantID: k.tenant,
			KeyHash:  hash,
			Name:     k.raw,
			Role:     k.role,
		}
	}

	h := NewHandler(Config{PingInterval: time.Second}, svc, store, hub)
	srv := httptest.NewServer(NewRouter(h, NewSecurityHandler(keys, pepper)))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &testEnv{srv: srv, store: store, hub: hub, keys: keys}
}

func (e *testEnv) do(t *testing.T, method, path, apiKey, idemKey string, body any) (*http.Response, []byte) {
	t.Helper()

	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+api.PathPrefix+path, rd)
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set(api.HeaderAPIKey, apiKey)
	}
	if idemKey != "" {
		req.Header.Set(api.HeaderIdempotencyKey, idemKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func padThai(qty int) api.SubmitOrderRequest {
	return api.SubmitOrderRequest{
		TableID: "T4",
		Items: []api.ItemRequest{{
			MenuItemID: "pad-thai",
			Quantity:   qty,
			Options:    []api.OptionRef{{Group: "extra", Name: "prawns"}},
		}},
	}
}

func (e *testEnv) submit(t *testing.T, key string, req api.SubmitOrderRequest) api.SubmitOrderResponse {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/orders", customerKey, key, req)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	return decode[api.SubmitOrderResponse](t, body)
}

// --- Tests ---

func TestAuth(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/orders", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, api.CodeUnauthorized, decode[api.ErrorResponse](t, body).Code)

	resp, _ = env.do(t, http.MethodGet, "/orders", "wrong", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/orders", customerKey, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth_RepositoryDown(t *testing.T) {
	env := newTestEnv(t)
	env.keys.err = context.DeadlineExceeded

	resp, _ := env.do(t, http.MethodGet, "/orders", customerKey, "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSubmitOrder_CreatesAndReplays(t *testing.T) {
	env := newTestEnv(t)

	first := env.submit(t, "key-1", padThai(2))
	assert.False(t, first.Replayed)
	assert.Equal(t, "pending", first.Status)
	assert.Equal(t, int64(1), first.Revision)
	assert.True(t, decimal.RequireFromString("31.00").Equal(first.TotalAmount))

	again := env.submit(t, "key-1", padThai(2))
	assert.True(t, again.Replayed)
	assert.Equal(t, first.OrderID, again.OrderID)

	left, _ := env.store.Stock("inv-noodles")
	assert.Equal(t, 1, left, "stock is reserved once")
}

func TestSubmitOrder_OutOfStock(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/orders", customerKey, "key-1", padThai(4))
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	er := decode[api.ErrorResponse](t, body)
	assert.Equal(t, api.CodeOutOfStock, er.Code)
	require.Len(t, er.Lines, 1)
	assert.Equal(t, api.Shortfall{LineIndex: 0, MenuItemID: "pad-thai", Name: "Pad Thai", Requested: 4, Available: 3}, er.Lines[0])

	left, _ := env.store.Stock("inv-noodles")
	assert.Equal(t, 3, left)
}

func TestSubmitOrder_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		key    string
		body   any
		status int
		field  string
	}{
		{"missing key", "", padThai(1), http.StatusUnprocessableEntity, "idempotency_key"},
		{"no items", "k", api.SubmitOrderRequest{TableID: "T1"}, http.StatusUnprocessableEntity, "items"},
		{"unknown item", "k", api.SubmitOrderRequest{
			TableID: "T1",
			Items:   []api.ItemRequest{{MenuItemID: "sushi", Quantity: 1}},
		}, http.StatusUnprocessableEntity, "items[0].menu_item_id"},
		{"zero quantity", "k", padThai(0), http.StatusUnprocessableEntity, "items[0].quantity"},
		{"bad json", "k", "{", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, "/orders", customerKey, tt.key, tt.body)
			require.Equal(t, tt.status, resp.StatusCode, string(body))
			assert.Equal(t, tt.field, decode[api.ErrorResponse](t, body).Field)
		})
	}
}

func TestSubmitOrder_ExpectedTotalMismatch(t *testing.T) {
	env := newTestEnv(t)

	req := padThai(1)
	stale := decimal.RequireFromString("12.50")
	req.ExpectedTotal = &stale
	resp, body := env.do(t, http.MethodPost, "/orders", customerKey, "key-1", req)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "expected_total", decode[api.ErrorResponse](t, body).Field)
}

func TestUpdateStatus(t *testing.T) {
	env := newTestEnv(t)
	created := env.submit(t, "key-1", padThai(1))
	path := "/orders/" + created.OrderID + "/status"

	resp, body := env.do(t, http.MethodPatch, path, kitchenKey, "s-1", api.UpdateStatusRequest{Status: "preparing"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	o := decode[api.Order](t, body)
	assert.Equal(t, "preparing", o.Status)
	assert.Equal(t, int64(2), o.Revision)

	// Retrying the same request is a no-op.
	resp, body = env.do(t, http.MethodPatch, path, kitchenKey, "s-1", api.UpdateStatusRequest{Status: "preparing"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(2), decode[api.Order](t, body).Revision)

	// Customers may not mark orders ready.
	resp, body = env.do(t, http.MethodPatch, path, customerKey, "s-2", api.UpdateStatusRequest{Status: "ready"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	er := decode[api.ErrorResponse](t, body)
	assert.Equal(t, api.CodeIllegalTransition, er.Code)
	assert.Equal(t, "preparing", er.From)
	assert.Equal(t, "ready", er.To)
	assert.Equal(t, "customer", er.Role)

	// Backwards is illegal for everyone.
	resp, _ = env.do(t, http.MethodPatch, path, kitchenKey, "s-3", api.UpdateStatusRequest{Status: "pending"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPatch, path, kitchenKey, "", api.UpdateStatusRequest{Status: "ready"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPatch, "/orders/missing/status", kitchenKey, "s-4", api.UpdateStatusRequest{Status: "ready"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Other tenants cannot see the order.
	resp, _ = env.do(t, http.MethodPatch, path, otherKey, "s-5", api.UpdateStatusRequest{Status: "cancelled"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListAndGetOrders(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, "key-1", padThai(1))
	water := api.SubmitOrderRequest{TableID: "T9", Items: []api.ItemRequest{{MenuItemID: "water", Quantity: 2}}}
	b := env.submit(t, "key-2", water)
	resp, _ := env.do(t, http.MethodPatch, "/orders/"+b.OrderID+"/status", kitchenKey, "s-1",
		api.UpdateStatusRequest{Status: "preparing"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/orders", cashierKey, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[api.OrderList](t, body).Orders, 2)

	resp, body = env.do(t, http.MethodGet, "/orders?status=preparing,ready", cashierKey, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[api.OrderList](t, body).Orders
	require.Len(t, list, 1)
	assert.Equal(t, b.OrderID, list[0].ID)

	resp, body = env.do(t, http.MethodGet, "/orders?table=T4", cashierKey, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list = decode[api.OrderList](t, body).Orders
	require.Len(t, list, 1)
	assert.Equal(t, a.OrderID, list[0].ID)
	require.Len(t, list[0].Lines, 1)
	assert.Equal(t, "prawns", list[0].Lines[0].Options[0].Name)

	resp, body = env.do(t, http.MethodGet, "/orders", otherKey, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[api.OrderList](t, body).Orders)

	resp, _ = env.do(t, http.MethodGet, "/orders?limit=zero", cashierKey, "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/orders?status=served", cashierKey, "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/orders/"+a.OrderID, customerKey, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "T4", decode[api.Order](t, body).TableID)

	resp, _ = env.do(t, http.MethodGet, "/orders/nope", customerKey, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetMenu(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/menu", customerKey, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	m := decode[api.Menu](t, body)
	require.Len(t, m.Items, 2)
	assert.Equal(t, "drinks", m.Items[0].Category)
	opt, ok := m.Items[1].Option("extra", "prawns")
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("3").Equal(opt.PriceDelta))
}

func dialRealtime(t *testing.T, env *testEnv, key string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + api.PathPrefix + "/realtime"
	header := http.Header{}
	header.Set(api.HeaderAPIKey, key)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestRealtime_StreamsTenantEvents(t *testing.T) {
	env := newTestEnv(t)
	conn := dialRealtime(t, env, kitchenKey)
	require.Eventually(t, func() bool { return env.hub.Subscribers(tenantA) == 1 }, time.Second, 5*time.Millisecond)

	created := env.submit(t, "key-1", padThai(1))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	e, err := realtime.DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, order.EventInserted, e.Type)
	assert.Equal(t, created.OrderID, e.OrderID)
	assert.Equal(t, order.StatusPending, e.Status)
	assert.Equal(t, "T4", e.TableID)
}

func TestRealtime_DroppedSubscriptionCloses(t *testing.T) {
	env := newTestEnv(t)
	conn := dialRealtime(t, env, kitchenKey)
	require.Eventually(t, func() bool { return env.hub.Subscribers(tenantA) == 1 }, time.Second, 5*time.Millisecond)

	env.hub.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, CloseResubscribe), err.Error())
}

func TestRealtime_RequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + api.PathPrefix + "/realtime"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
