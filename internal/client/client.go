// Package client talks to the order API from a device: it delivers queued
// outbox entries, fetches authoritative order lists and streams realtime
// events.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/xenking/tableside/internal/api"
	"github.com/xenking/tableside/internal/domain/order"
)

// StatusError is an unexpected HTTP answer. Its outcome is unknown, so
// callers treat it as transient.
type StatusError struct {
	StatusCode int
	Response   api.ErrorResponse
}

func (e *StatusError) Error() string {
	if e.Response.Message == "" {
		return "unexpected status " + strconv.Itoa(e.StatusCode)
	}
	return "unexpected status " + strconv.Itoa(e.StatusCode) + ": " + e.Response.Message
}

// Options configures a Client.
type Options struct {
	// HTTPClient defaults to an otelhttp-instrumented client.
	HTTPClient *http.Client
	// DeviceID is sent in X-Device-ID for per-device rate limiting.
	DeviceID string
}

// Client is an order API client bound to one API key.
type Client struct {
	base     *url.URL
	apiKey   string
	deviceID string
	http     *http.Client
}

// New creates a Client for the server at baseURL (scheme and host, without
// the API prefix).
func New(baseURL, apiKey string, opts Options) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Client{
		base:     u,
		apiKey:   apiKey,
		deviceID: opts.DeviceID,
		http:     opts.HTTPClient,
	}, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *Client) header() http.Header {
	h := http.Header{}
	h.Set(api.HeaderAPIKey, c.apiKey)
	if c.deviceID != "" {
		h.Set(api.HeaderDeviceID, c.deviceID)
	}
	return h
}

// do sends a request and decodes a 2xx body into out. Error bodies are
// returned as a *StatusError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, idemKey string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(api.PathPrefix+path, query), body)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	req.Header = c.header()
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set(api.HeaderIdempotencyKey, idemKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode}
		// Bodies of proxies and load balancers may not be JSON.
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&se.Response)
		return se
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

// SubmitOrder posts an order under idemKey.
func (c *Client) SubmitOrder(ctx context.Context, idemKey string, req api.SubmitOrderRequest) (*api.SubmitOrderResponse, error) {
	var resp api.SubmitOrderResponse
	if err := c.do(ctx, http.MethodPost, "/orders", nil, idemKey, req, &resp); err != nil {
		return nil, domainError(err)
	}
	return &resp, nil
}

// UpdateStatus requests a status change under idemKey.
func (c *Client) UpdateStatus(ctx context.Context, idemKey, orderID string, target order.Status) (*api.Order, error) {
	var resp api.Order
	path := "/orders/" + url.PathEscape(orderID) + "/status"
	if err := c.do(ctx, http.MethodPatch, path, nil, idemKey, api.UpdateStatusRequest{Status: string(target)}, &resp); err != nil {
		return nil, domainError(err)
	}
	return &resp, nil
}

// GetOrder fetches one order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*api.Order, error) {
	var resp api.Order
	if err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), nil, "", nil, &resp); err != nil {
		return nil, domainError(err)
	}
	return &resp, nil
}

// ListOrders implements display.Fetcher. The tenant comes from the API key;
// f.TenantID only tags the returned orders.
func (c *Client) ListOrders(ctx context.Context, f order.ListFilter) ([]order.Order, error) {
	q := url.Values{}
	if f.TableID != "" {
		q.Set("table", f.TableID)
	}
	if len(f.Statuses) > 0 {
		s := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			s[i] = string(st)
		}
		q.Set("status", strings.Join(s, ","))
	}
	if !f.Since.IsZero() {
		q.Set("since", f.Since.UTC().Format(time.RFC3339Nano))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}

	var resp api.OrderList
	if err := c.do(ctx, http.MethodGet, "/orders", q, "", nil, &resp); err != nil {
		return nil, domainError(err)
	}
	orders := make([]order.Order, len(resp.Orders))
	for i, o := range resp.Orders {
		orders[i] = o.Domain(f.TenantID)
	}
	return orders, nil
}

// Menu fetches the orderable menu.
func (c *Client) Menu(ctx context.Context) ([]api.MenuItem, error) {
	var resp api.Menu
	if err := c.do(ctx, http.MethodGet, "/menu", nil, "", nil, &resp); err != nil {
		return nil, domainError(err)
	}
	return resp.Items, nil
}

// Ping probes the server liveness endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/livez", nil), nil)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "ping")
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// domainError turns API error bodies with a business meaning back into typed
// domain errors. Everything else stays as is.
func domainError(err error) error {
	var se *StatusError
	if !errors.As(err, &se) {
		return err
	}
	switch se.Response.Code {
	case api.CodeValidation, api.CodeOutOfStock, api.CodeIllegalTransition, api.CodeNotFound:
		return se.Response.Err()
	}
	return err
}

// IsBusiness reports whether err is a definitive rejection that retrying
// cannot change.
func IsBusiness(err error) bool {
	var (
		oosErr *order.OutOfStockError
		itErr  *order.IllegalTransitionError
	)
	return order.IsValidation(err) ||
		errors.As(err, &oosErr) ||
		errors.As(err, &itErr) ||
		errors.Is(err, order.ErrNotFound)
}
