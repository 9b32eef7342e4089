// Package redis provides an optional read-through cache of fully
// reconstructed GET results, keyed by content hash, so repeated
// reconstruction of a hot version skips the patch-chain walk entirely.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultTTL = 10 * time.Minute

// ReconstructionCache caches reconstructed content bytes by content
// hash. It is best-effort: callers must treat a miss or an error from
// Get as "not cached" and fall back to walking the patch chain.
type ReconstructionCache struct {
	client *redis.Client
	logger zerolog.Logger
	ttl    time.Duration
}

// NewReconstructionCache dials addr and verifies connectivity.
func NewReconstructionCache(ctx context.Context, addr string, logger zerolog.Logger) (*ReconstructionCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	logger.Info().Str("addr", addr).Msg("reconstruction cache connected")
	return &ReconstructionCache{client: client, logger: logger, ttl: defaultTTL}, nil
}

// Close closes the underlying connection.
func (c *ReconstructionCache) Close() error {
	return c.client.Close()
}

func key(contentHash string) string {
	return "deltavault:recon:" + contentHash
}

// Get returns the cached bytes for contentHash, and whether they were
// found.
func (c *ReconstructionCache) Get(ctx context.Context, contentHash string) ([]byte, bool) {
	val, err := c.client.Get(ctx, key(contentHash)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn().Err(err).Str("content_hash", contentHash).Msg("reconstruction cache get failed")
		}
		return nil, false
	}
	return val, true
}

// Put caches data under contentHash with the default TTL.
func (c *ReconstructionCache) Put(ctx context.Context, contentHash string, data []byte) {
	if err := c.client.Set(ctx, key(contentHash), data, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("content_hash", contentHash).Msg("reconstruction cache put failed")
	}
}
