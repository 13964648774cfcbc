package realtime

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/tableside/internal/domain/order"
)

// ChannelPrefix prefixes the per-tenant Redis channels.
const ChannelPrefix = "tableside:orders:"

// Channel returns the Redis channel carrying tenantID's events.
func Channel(tenantID string) string {
	return ChannelPrefix + tenantID
}

var _ order.Publisher = (*RedisBridge)(nil)

// RedisBridge relays events between API replicas. Publish sends to Redis;
// Run delivers every event seen on Redis, including this replica's own, into
// the local hub.
type RedisBridge struct {
	rdb *redis.Client
	hub *Hub
	lg  *zap.Logger
}

// NewRedisBridge creates a bridge on top of hub.
func NewRedisBridge(rdb *redis.Client, hub *Hub, lg *zap.Logger) *RedisBridge {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &RedisBridge{rdb: rdb, hub: hub, lg: lg}
}

// Publish implements order.Publisher. When Redis is unreachable the event is
// still delivered to local subscribers and the error is returned.
func (b *RedisBridge) Publish(ctx context.Context, e order.Event) error {
	if err := b.rdb.Publish(ctx, Channel(e.TenantID), EncodeEvent(e)).Err(); err != nil {
		if lerr := b.hub.Publish(ctx, e); lerr != nil {
			return errors.Wrap(lerr, "local fallback")
		}
		return errors.Wrap(err, "redis publish")
	}
	return nil
}

// Run subscribes to every tenant channel and feeds the hub until ctx is
// cancelled.
func (b *RedisBridge) Run(ctx context.Context) error {
	ps := b.rdb.PSubscribe(ctx, ChannelPrefix+"*")
	defer func() { _ = ps.Close() }()

	if _, err := ps.Receive(ctx); err != nil {
		return errors.Wrap(err, "psubscribe")
	}
	b.lg.Info("Relaying realtime events from redis", zap.String("pattern", ChannelPrefix+"*"))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			e, err := DecodeEvent([]byte(msg.Payload))
			if err != nil {
				b.lg.Warn("Skipping malformed event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if tenantID := strings.TrimPrefix(msg.Channel, ChannelPrefix); tenantID != e.TenantID {
				b.lg.Warn("Event tenant does not match channel",
					zap.String("channel", msg.Channel),
					zap.String("tenant_id", e.TenantID),
				)
				continue
			}
			if err := b.hub.Publish(ctx, e); err != nil {
				return errors.Wrap(err, "hub publish")
			}
		}
	}
}

// Ping checks the Redis connection.
func (b *RedisBridge) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}
