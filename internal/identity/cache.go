package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const DefaultCacheTTL = 5 * time.Minute

// Cache keeps profiles in Redis under profile:{id}. Misses are resolved with a
// single call to the wrapped Lookup.
type Cache struct {
	client *redis.Client
	next   Lookup
	ttl    time.Duration
	prefix string
	log    zerolog.Logger
}

func NewCache(client *redis.Client, next Lookup, ttl time.Duration, log zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		client: client,
		next:   next,
		ttl:    ttl,
		prefix: "profile:",
		log:    log.With().Str("component", "identity_cache").Logger(),
	}
}

func (c *Cache) key(id string) string {
	return c.prefix + id
}

func (c *Cache) LookupUsers(ctx context.Context, ids []string) (map[string]Profile, error) {
	ids = dedupe(ids)
	out := make(map[string]Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.key(id)
	}
	cached, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		// Cache outage degrades to a direct lookup.
		c.log.Warn().Err(err).Msg("profile cache read failed")
		cached = make([]any, len(ids))
	}

	var misses []string
	for i, id := range ids {
		raw, ok := cached[i].(string)
		if !ok {
			misses = append(misses, id)
			continue
		}
		var p Profile
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			misses = append(misses, id)
			continue
		}
		out[id] = p
	}
	if len(misses) == 0 {
		return out, nil
	}

	fetched, err := c.next.LookupUsers(ctx, misses)
	if err != nil {
		return out, fmt.Errorf("lookup uncached profiles: %w", err)
	}

	pipe := c.client.Pipeline()
	for id, p := range fetched {
		out[id] = p
		data, err := json.Marshal(p)
		if err != nil {
			continue
		}
		pipe.Set(ctx, c.key(id), data, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn().Err(err).Int("profiles", len(fetched)).Msg("profile cache write failed")
	}
	return out, nil
}
