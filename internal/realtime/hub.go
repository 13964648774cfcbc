// Package realtime fans committed order events out to display sessions.
package realtime

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/xenking/tableside/internal/domain/order"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("hub closed")

// HubOptions configures a Hub.
type HubOptions struct {
	// Buffer is the per-subscriber channel capacity.
	Buffer        int
	Logger        *zap.Logger
	MeterProvider metric.MeterProvider
}

func (o *HubOptions) setDefaults() {
	if o.Buffer <= 0 {
		o.Buffer = 64
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.MeterProvider == nil {
		o.MeterProvider = metricnoop.NewMeterProvider()
	}
}

// Subscription receives events of one tenant. The channel is closed when the
// subscriber falls behind, when Close is called or when the hub shuts down.
type Subscription struct {
	hub      *Hub
	tenantID string
	id       uint64
	ch       chan order.Event
	once     sync.Once
}

// Events returns the event channel.
func (s *Subscription) Events() <-chan order.Event { return s.ch }

// TenantID returns the subscribed tenant.
func (s *Subscription) TenantID() string { return s.tenantID }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

func (s *Subscription) closeChan() {
	s.once.Do(func() { close(s.ch) })
}

// Hub is an in-process, tenant-scoped event dispatcher. Publish never blocks:
// a subscriber whose buffer is full is dropped and must reconnect and
// reconcile.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[uint64]*Subscription
	nextID uint64
	closed bool

	buffer    int
	lg        *zap.Logger
	published metric.Int64Counter
	dropped   metric.Int64Counter
}

// NewHub creates a Hub.
func NewHub(opts HubOptions) (*Hub, error) {
	opts.setDefaults()
	meter := opts.MeterProvider.Meter("tableside/realtime")

	h := &Hub{
		topics: make(map[string]map[uint64]*Subscription),
		buffer: opts.Buffer,
		lg:     opts.Logger,
	}
	var err error
	if h.published, err = meter.Int64Counter("tableside.realtime.delivered",
		metric.WithDescription("Events delivered to subscribers"),
	); err != nil {
		return nil, errors.Wrap(err, "delivered counter")
	}
	if h.dropped, err = meter.Int64Counter("tableside.realtime.dropped_subscribers",
		metric.WithDescription("Subscribers dropped for falling behind"),
	); err != nil {
		return nil, errors.Wrap(err, "dropped counter")
	}
	return h, nil
}

// Subscribe registers a subscriber for tenantID.
func (h *Hub) Subscribe(tenantID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	s := &Subscription{
		hub:      h,
		tenantID: tenantID,
		id:       h.nextID,
		ch:       make(chan order.Event, h.buffer),
	}
	if h.closed {
		s.closeChan()
		return s
	}
	topic, ok := h.topics[tenantID]
	if !ok {
		topic = make(map[uint64]*Subscription)
		h.topics[tenantID] = topic
	}
	topic[s.id] = s
	return s
}

// Publish delivers e to every subscriber of e.TenantID.
func (h *Hub) Publish(ctx context.Context, e order.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	var delivered, dropped int64
	for id, s := range h.topics[e.TenantID] {
		select {
		case s.ch <- e:
			delivered++
		default:
			delete(h.topics[e.TenantID], id)
			s.closeChan()
			dropped++
			h.lg.Warn("Dropping slow subscriber",
				zap.String("tenant_id", e.TenantID),
				zap.Uint64("subscriber", id),
			)
		}
	}
	if len(h.topics[e.TenantID]) == 0 {
		delete(h.topics, e.TenantID)
	}

	tenant := metric.WithAttributes(attribute.String("tenant.id", e.TenantID))
	if delivered > 0 {
		h.published.Add(ctx, delivered, tenant)
	}
	if dropped > 0 {
		h.dropped.Add(ctx, dropped, tenant)
	}
	return nil
}

// Subscribers returns the number of live subscribers of tenantID.
func (h *Hub) Subscribers(tenantID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[tenantID])
}

// Check reports ErrClosed once the hub shut down. It serves as a readiness
// probe.
func (h *Hub) Check(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	return nil
}

// Close drops every subscriber and rejects further publishes.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for tenantID, topic := range h.topics {
		for _, s := range topic {
			s.closeChan()
		}
		delete(h.topics, tenantID)
	}
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if topic, ok := h.topics[s.tenantID]; ok {
		delete(topic, s.id)
		if len(topic) == 0 {
			delete(h.topics, s.tenantID)
		}
	}
	s.closeChan()
}
