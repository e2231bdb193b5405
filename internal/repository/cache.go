package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"creditledger/internal/model"

	"github.com/redis/go-redis/v9"
)

//go:embed balance_cache.lua
var balanceCacheLua string

var storeBalanceScript = redis.NewScript(balanceCacheLua)

// tombstoneVersion marks a deleted account. It outranks every entry id, so no balance
// read before the delete can be stored over it.
const tombstoneVersion = math.MaxInt64

// tombstoneTTL bounds a tombstone's life when the cache itself has no TTL.
const tombstoneTTL = time.Hour

// RedisBalanceCache keeps balance:<account> hashes of {b: balance, v: version}. The
// store script refuses to overwrite a newer version, so a slow reader that fetched an
// old balance cannot clobber a write that committed after it.
type RedisBalanceCache struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisBalanceCache(rdb redis.UniversalClient, ttl time.Duration) *RedisBalanceCache {
	return &RedisBalanceCache{rdb: rdb, ttl: ttl}
}

func balanceKey(accountID string) string {
	return fmt.Sprintf("balance:%s", accountID)
}

func (c *RedisBalanceCache) Get(ctx context.Context, accountID string) (model.Credits, bool, error) {
	vals, err := c.rdb.HMGet(ctx, balanceKey(accountID), "b", "v").Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis get balance: %w", err)
	}
	b, okB := vals[0].(string)
	v, okV := vals[1].(string)
	if !okB || !okV || v == strconv.FormatInt(tombstoneVersion, 10) {
		return 0, false, nil
	}
	bal, err := strconv.ParseInt(b, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("redis get balance: %w", err)
	}
	return model.Credits(bal), true, nil
}

func (c *RedisBalanceCache) Store(ctx context.Context, accountID string, balance model.Credits, version int64) error {
	err := storeBalanceScript.Run(ctx, c.rdb,
		[]string{balanceKey(accountID)},
		int64(balance), version, c.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("redis store balance: %w", err)
	}
	return nil
}

// Invalidate replaces the cached balance with a tombstone. Get reports a tombstoned
// account as a miss and Store refuses to overwrite it until it expires.
func (c *RedisBalanceCache) Invalidate(ctx context.Context, accountID string) error {
	ttl := c.ttl
	if ttl <= 0 {
		ttl = tombstoneTTL
	}
	key := balanceKey(accountID)
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "b", 0, "v", strconv.FormatInt(tombstoneVersion, 10))
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis invalidate balance: %w", err)
	}
	return nil
}
