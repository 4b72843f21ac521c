package keycache

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"
)

// DefaultTTL bounds how long a cached peer key is trusted before the
// caller has to re-fetch it from the key store.
const DefaultTTL = 60 * time.Minute

type (
	// KV is the slice of the redis service the cache needs.
	KV interface {
		Set(ctx context.Context, key string, value any, ttl time.Duration) error
		Get(ctx context.Context, key string) (string, bool, error)
		Del(ctx context.Context, key string) error
	}

	// KeyCache is a time-bounded cache of peer public keys. Misses are
	// the caller's problem: fetch from the store, then Put.
	KeyCache struct {
		kv  KV
		ttl time.Duration
	}
)

func NewKeyCache(kv KV, ttl time.Duration) *KeyCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &KeyCache{kv: kv, ttl: ttl}
}

func (c *KeyCache) Get(ctx context.Context, userID string) ([]byte, bool, error) {
	val, ok, err := c.kv.Get(ctx, cacheKey(userID))
	if err != nil || !ok {
		return nil, false, err
	}

	raw, err := base64.StdEncoding.DecodeString(val)
	if err != nil {
		// A corrupt entry is treated as a miss; drop it so the next
		// Put starts clean.
		c.kv.Del(ctx, cacheKey(userID))
		return nil, false, nil
	}
	return raw, true, nil
}

func (c *KeyCache) Put(ctx context.Context, userID string, publicKey []byte) error {
	return c.kv.Set(ctx, cacheKey(userID), base64.StdEncoding.EncodeToString(publicKey), c.ttl)
}

func (c *KeyCache) Invalidate(ctx context.Context, userID string) error {
	return c.kv.Del(ctx, cacheKey(userID))
}

func cacheKey(userID string) string {
	return fmt.Sprintf("pubkey:%s", userID)
}
