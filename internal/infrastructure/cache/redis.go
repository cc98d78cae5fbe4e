// Package cache provides the Redis-backed report cache. Report payloads
// are cached per tenant with a short TTL; the ledger's write path drops a
// tenant's report entries after every balance change.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"stockledger/internal/core/id"
	"stockledger/internal/core/tenant"
	"stockledger/internal/domain/reports"
	"stockledger/internal/domain/stock"
	"stockledger/pkg/logger"
)

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// Connect creates and pings a Redis client.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return client, nil
}

var _ reports.Cache = (*ReportCache)(nil)
var _ stock.Invalidator = (*ReportCache)(nil)

// ReportCache stores serialized report payloads in Redis, namespaced by
// tenant. Cache failures degrade to a miss; the cache never fails a read.
type ReportCache struct {
	client *redis.Client
}

// NewReportCache creates a report cache on an established client.
func NewReportCache(client *redis.Client) *ReportCache {
	return &ReportCache{client: client}
}

// Get returns a cached payload, or a miss when absent, unscoped or on any
// Redis error.
func (c *ReportCache) Get(ctx context.Context, key string) ([]byte, bool) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, false
	}

	raw, err := c.client.Get(ctx, tenantKey(tenantID, key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Warn(ctx, "report cache read failed", "key", key, "error", err)
		}
		return nil, false
	}

	return raw, true
}

// Set stores a payload with the given TTL. Errors are logged and swallowed.
func (c *ReportCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return
	}

	if err := c.client.Set(ctx, tenantKey(tenantID, key), value, ttl).Err(); err != nil {
		logger.Warn(ctx, "report cache write failed", "key", key, "error", err)
	}
}

// InvalidateRecord drops the tenant's cached reports after a balance
// change. Report keys hash their filter, so any change to any key the
// filter might cover invalidates the whole tenant namespace.
func (c *ReportCache) InvalidateRecord(ctx context.Context, warehouseID, productID id.ID) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return
	}

	pattern := tenantKey(tenantID, "report:*")
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 100 {
			c.deleteKeys(ctx, keys)
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		logger.Warn(ctx, "report cache scan failed",
			"warehouse_id", warehouseID, "product_id", productID, "error", err)
		return
	}
	c.deleteKeys(ctx, keys)
}

func (c *ReportCache) deleteKeys(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		logger.Warn(ctx, "report cache delete failed", "keys", len(keys), "error", err)
	}
}

func tenantKey(tenantID id.ID, key string) string {
	return "tenant:" + tenantID.String() + ":" + key
}
