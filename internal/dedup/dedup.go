// Package dedup implements cross-process duplicate suppression of message
// ids, backed by redis. When several receivers share one spool (or a
// crashed process is restarted and replays its working queue), the first
// processor to claim an id wins and the rest drop their copy.
//
// The cache is optional: a nil *Cache is valid and reports every id as
// first-seen, which degrades to the single-process at-least-once behavior.
package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"blitiri.com.ar/go/log"
)

// keyPrefix namespaces our entries in a possibly-shared redis.
const keyPrefix = "mtad:msgid:"

// Cache is a redis-backed first-seen set of message ids.
type Cache struct {
	client *redis.Client

	// TTL after which an id may be seen again. Ids embed a timestamp and
	// a process counter, so this only needs to cover the maximum queue
	// lifetime of a message, not forever.
	TTL time.Duration
}

// New returns a Cache talking to the redis server at addr.
func New(addr string) *Cache {
	return &Cache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		TTL:    72 * time.Hour,
	}
}

// FirstSeen reports whether id has not been processed before, atomically
// marking it as seen. Errors fail open (report first-seen): losing
// suppression on a redis hiccup only costs a duplicate delivery, which the
// at-least-once contract allows, while failing closed would drop mail.
func (c *Cache) FirstSeen(ctx context.Context, id string) bool {
	if c == nil {
		return true
	}

	ok, err := c.client.SetNX(ctx, keyPrefix+id, 1, c.TTL).Result()
	if err != nil {
		log.Errorf("dedup: redis error for %s (failing open): %v", id, err)
		return true
	}
	return ok
}

// Forget removes the seen-marker for id, so a requeued message (e.g. after
// an operator retry from the dead queue) is processed again.
func (c *Cache) Forget(ctx context.Context, id string) {
	if c == nil {
		return
	}
	if err := c.client.Del(ctx, keyPrefix+id).Err(); err != nil {
		log.Errorf("dedup: error forgetting %s: %v", id, err)
	}
}
