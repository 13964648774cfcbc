package client

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gorilla/websocket"

	"github.com/xenking/tableside/internal/api"
	"github.com/xenking/tableside/internal/domain/display"
	"github.com/xenking/tableside/internal/domain/order"
	"github.com/xenking/tableside/internal/realtime"
)

var _ display.Source = (*Source)(nil)

// Source opens realtime event streams over WebSocket.
type Source struct {
	client *Client
	dialer *websocket.Dialer
	// readTimeout closes a stream that saw neither data nor a ping for that
	// long.
	readTimeout time.Duration
}

// NewSource creates a Source. readTimeout should exceed twice the server's
// ping interval.
func NewSource(c *Client, readTimeout time.Duration) *Source {
	if readTimeout <= 0 {
		readTimeout = 75 * time.Second
	}
	return &Source{
		client: c,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		readTimeout: readTimeout,
	}
}

// Subscribe implements display.Source. The stream carries the events of the
// API key's tenant; tenantID only guards against a misconfigured key.
func (s *Source) Subscribe(ctx context.Context, tenantID string) (display.Stream, error) {
	u := *s.client.base
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = strings.TrimSuffix(u.Path, "/") + api.PathPrefix + "/realtime"

	conn, resp, err := s.dialer.DialContext(ctx, u.String(), s.client.header())
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial realtime: status %d", resp.StatusCode)
		}
		return nil, errors.Wrap(err, "dial realtime")
	}

	st := &stream{conn: conn, tenantID: tenantID, readTimeout: s.readTimeout}
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(st.readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return st, nil
}

type stream struct {
	conn        *websocket.Conn
	tenantID    string
	readTimeout time.Duration
	closeOnce   sync.Once
}

// Recv implements display.Stream.
func (s *stream) Recv(ctx context.Context) (order.Event, error) {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return order.Event{}, ctx.Err()
			}
			return order.Event{}, errors.Wrap(err, "read event")
		}
		if typ != websocket.TextMessage {
			continue
		}
		e, err := realtime.DecodeEvent(data)
		if err != nil {
			return order.Event{}, errors.Wrap(err, "decode event")
		}
		if e.TenantID != s.tenantID {
			return order.Event{}, errors.Errorf("event for tenant %q on stream of %q", e.TenantID, s.tenantID)
		}
		return e, nil
	}
}

// Close implements display.Stream.
func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
