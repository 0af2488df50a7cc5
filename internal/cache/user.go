package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/penshort/accounts/internal/model"
)

// Cache key prefixes and TTLs.
const (
	userKeyPrefix     = "user:"
	negCacheKeySuffix = ":neg"
	genKeySuffix      = ":gen"

	// DefaultUserTTL is the TTL for cached profiles.
	DefaultUserTTL = 10 * time.Minute

	// NegativeCacheTTL is the TTL for negative cache entries.
	NegativeCacheTTL = 30 * time.Second

	// generationTTL outlives any in-flight store read by a wide margin.
	generationTTL = time.Hour
)

// Common cache errors.
var (
	ErrCacheMiss = errors.New("cache miss")
	// ErrStale is returned when a write is skipped because the entry was
	// invalidated after the caller read its generation.
	ErrStale = errors.New("cache entry superseded")
)

// setUserScript writes a profile only if the generation is unchanged.
var setUserScript = redis.NewScript(`
	local current = tonumber(redis.call('GET', KEYS[3]) or '0')
	if current ~= tonumber(ARGV[1]) then
		return 0
	end
	redis.call('DEL', KEYS[1])
	redis.call('HSET', KEYS[1], 'username', ARGV[3], 'email', ARGV[4], 'created_at', ARGV[5])
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	redis.call('DEL', KEYS[2])
	return 1
`)

// setNegativeScript marks an id missing only if the generation is unchanged.
var setNegativeScript = redis.NewScript(`
	local current = tonumber(redis.call('GET', KEYS[2]) or '0')
	if current ~= tonumber(ARGV[1]) then
		return 0
	end
	redis.call('SET', KEYS[1], '', 'PX', ARGV[2])
	return 1
`)

func userKey(id int64) string {
	return userKeyPrefix + strconv.FormatInt(id, 10)
}

// GetUser retrieves a cached profile by id. The password hash is never
// cached, so the returned user has an empty PasswordHash.
// Returns ErrCacheMiss if not found.
func (c *Cache) GetUser(ctx context.Context, id int64) (*model.User, error) {
	result, err := c.client.HGetAll(ctx, userKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}

	if len(result) == 0 {
		return nil, ErrCacheMiss
	}

	createdMillis, err := strconv.ParseInt(result["created_at"], 10, 64)
	if err != nil {
		// Corrupted entry - treat as miss
		return nil, ErrCacheMiss
	}

	return &model.User{
		ID:        id,
		Username:  result["username"],
		Email:     result["email"],
		CreatedAt: time.UnixMilli(createdMillis).UTC(),
	}, nil
}

// Generation returns the invalidation counter for id. Read it before
// loading from the store and pass it to SetUser or SetNegativeCache so a
// write racing an update or delete is dropped.
func (c *Cache) Generation(ctx context.Context, id int64) (int64, error) {
	gen, err := c.client.Get(ctx, userKey(id)+genKeySuffix).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cache generation: %w", err)
	}
	return gen, nil
}

// SetUser stores a profile for ttl if id is still at generation gen, and
// clears any negative entry. A non-positive ttl uses DefaultUserTTL.
// Returns ErrStale when the entry was invalidated in the meantime.
func (c *Cache) SetUser(ctx context.Context, user *model.User, ttl time.Duration, gen int64) error {
	if ttl <= 0 {
		ttl = DefaultUserTTL
	}
	key := userKey(user.ID)

	stored, err := setUserScript.Run(ctx, c.client,
		[]string{key, key + negCacheKeySuffix, key + genKeySuffix},
		gen,
		ttl.Milliseconds(),
		user.Username,
		user.Email,
		user.CreatedAt.UTC().UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to cache user: %w", err)
	}
	if stored == 0 {
		return ErrStale
	}
	return nil
}

// DeleteUser removes a profile and any negative entry for id, and bumps its
// generation so that in-flight reads cannot write the old state back.
func (c *Cache) DeleteUser(ctx context.Context, id int64) error {
	key := userKey(id)

	pipe := c.client.TxPipeline()
	pipe.Incr(ctx, key+genKeySuffix)
	pipe.Expire(ctx, key+genKeySuffix, generationTTL)
	pipe.Del(ctx, key)
	pipe.Del(ctx, key+negCacheKeySuffix)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete user from cache: %w", err)
	}

	return nil
}

// IsNegativelyCached checks if id is in negative cache.
func (c *Cache) IsNegativelyCached(ctx context.Context, id int64) (bool, error) {
	exists, err := c.client.Exists(ctx, userKey(id)+negCacheKeySuffix).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check negative cache: %w", err)
	}

	return exists > 0, nil
}

// SetNegativeCache marks id as not found if it is still at generation gen.
// Returns ErrStale otherwise.
func (c *Cache) SetNegativeCache(ctx context.Context, id int64, gen int64) error {
	key := userKey(id)

	stored, err := setNegativeScript.Run(ctx, c.client,
		[]string{key + negCacheKeySuffix, key + genKeySuffix},
		gen,
		NegativeCacheTTL.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to set negative cache: %w", err)
	}
	if stored == 0 {
		return ErrStale
	}
	return nil
}
