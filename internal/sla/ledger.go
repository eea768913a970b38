package sla

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/impact_relay/internal/delivery"
)

// Ledger remembers which alerts have fired. Mark returns true only for the
// first call with a given delivery and classification.
type Ledger interface {
	Mark(ctx context.Context, deliveryID string, c Classification, at time.Time) (bool, error)
}

// StoreLedger keeps the ledger in the delivery store's sla_alerts table.
type StoreLedger struct {
	store delivery.SLASource
}

func NewStoreLedger(store delivery.SLASource) *StoreLedger {
	return &StoreLedger{store: store}
}

func (l *StoreLedger) Mark(ctx context.Context, deliveryID string, c Classification, at time.Time) (bool, error) {
	return l.store.MarkSLAAlert(ctx, deliveryID, string(c), at)
}

// RedisLedger keeps the ledger as SETNX keys that expire after ttl, so an
// alert may fire again once its key has expired.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisLedger(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLedger {
	if prefix == "" {
		prefix = "impactrelay:sla_alert:"
	}
	return &RedisLedger{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLedger) key(deliveryID string, c Classification) string {
	return l.prefix + deliveryID + ":" + string(c)
}

func (l *RedisLedger) Mark(ctx context.Context, deliveryID string, c Classification, at time.Time) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(deliveryID, c), at.UTC().Format(time.RFC3339Nano), l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
