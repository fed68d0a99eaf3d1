// Package kvstore abstracts the networked key-value store the engine shares
// results through. The real backing store is Redis, accessed through
// github.com/redis/go-redis/v9, but every caller in this module talks to
// the narrow Driver/Handle interfaces below so a fake can stand in for
// tests (see kvstoretest).
package kvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/bvboe/ospd-go/scanerr"
	"github.com/redis/go-redis/v9"
)

// KeyIterator yields keys matching a ScanKeys pattern, one at a time.
type KeyIterator interface {
	Next(ctx context.Context) (string, bool, error)
}

// Handle is bound to one numbered database within the store.
type Handle interface {
	Index() int
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, keys ...string) error
	LPush(ctx context.Context, key string, values ...string) error
	RPop(ctx context.Context, key string) (string, bool, error)
	ScanKeys(ctx context.Context, pattern string) (KeyIterator, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Flush deletes every key in this database. Used by registry.Release.
	Flush(ctx context.Context) error
}

// Driver binds handles to numbered databases and reports how many exist.
type Driver interface {
	Select(ctx context.Context, dbIndex int) (Handle, error)
	MaxDBCount(ctx context.Context) (int, error)
	// AcquireEmpty claims the first database with no "in-use" marker set,
	// atomically under a SETNX, and returns it bound.
	AcquireEmpty(ctx context.Context) (int, Handle, error)
}

const inUseKey = "ospd:dbindex:inuse"

// redisDriver is the production Driver, backed by one *redis.Client shared
// across numbered logical databases (SELECT per handle, as the engine's own
// KV protocol expects).
type redisDriver struct {
	client *redis.Client
	maxDBs int
}

// New connects to the given Redis address (host:port) using database 0 as
// the control plane and maxDBs as the number of scan-addressable databases.
func New(addr string, maxDBs int) (Driver, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   0,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to kv store at %s: %w: %v", addr, scanerr.ErrKVUnavailable, err)
	}
	return &redisDriver{client: client, maxDBs: maxDBs}, nil
}

func (d *redisDriver) MaxDBCount(ctx context.Context) (int, error) {
	return d.maxDBs, nil
}

func (d *redisDriver) Select(ctx context.Context, dbIndex int) (Handle, error) {
	if dbIndex < 0 || dbIndex >= d.maxDBs {
		return nil, fmt.Errorf("database index %d out of range: %w", dbIndex, scanerr.ErrInternal)
	}
	opts := d.client.Options()
	cl := redis.NewClient(&redis.Options{
		Addr: opts.Addr,
		DB:   dbIndex,
	})
	return &redisHandle{client: cl, index: dbIndex}, nil
}

func (d *redisDriver) AcquireEmpty(ctx context.Context) (int, Handle, error) {
	for i := 1; i < d.maxDBs; i++ {
		ok, err := d.client.HSetNX(ctx, inUseKey, fmt.Sprintf("%d", i), "1").Result()
		if err != nil {
			return 0, nil, fmt.Errorf("claim db %d: %w: %v", i, scanerr.ErrKVUnavailable, err)
		}
		if ok {
			h, err := d.Select(ctx, i)
			if err != nil {
				return 0, nil, err
			}
			return i, h, nil
		}
	}
	return 0, nil, scanerr.ErrNoFreeDB
}

// ReleaseIndex clears the in-use marker for dbIndex. Exposed at the driver
// level (rather than on Handle) because release happens after the handle's
// own Flush, once the registry no longer needs a bound connection.
func ReleaseIndex(ctx context.Context, d Driver, dbIndex int) error {
	if rd, ok := d.(*redisDriver); ok {
		if err := rd.client.HDel(ctx, inUseKey, fmt.Sprintf("%d", dbIndex)).Err(); err != nil {
			return fmt.Errorf("release db %d: %w: %v", dbIndex, scanerr.ErrKVUnavailable, err)
		}
		return nil
	}
	// Non-Redis drivers (kvstoretest.Fake and similar) own their in-use
	// bookkeeping directly and expose it through this optional interface
	// rather than through the shared inUseKey hash.
	if r, ok := d.(indexReleaser); ok {
		r.ReleaseIndex(dbIndex)
	}
	return nil
}

// indexReleaser is implemented by fake Drivers that track in-use state
// without a shared hash key.
type indexReleaser interface {
	ReleaseIndex(dbIndex int)
}

type redisHandle struct {
	client *redis.Client
	index  int
}

func (h *redisHandle) Index() int { return h.index }

func (h *redisHandle) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := h.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w: %v", key, scanerr.ErrKVUnavailable, err)
	}
	return v, true, nil
}

func (h *redisHandle) Set(ctx context.Context, key, value string) error {
	if err := h.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("set %q: %w: %v", key, scanerr.ErrKVUnavailable, err)
	}
	return nil
}

func (h *redisHandle) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := h.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del: %w: %v", scanerr.ErrKVUnavailable, err)
	}
	return nil
}

func (h *redisHandle) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := h.client.LPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("lpush %q: %w: %v", key, scanerr.ErrKVUnavailable, err)
	}
	return nil
}

func (h *redisHandle) RPop(ctx context.Context, key string) (string, bool, error) {
	v, err := h.client.RPop(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("rpop %q: %w: %v", key, scanerr.ErrKVUnavailable, err)
	}
	return v, true, nil
}

func (h *redisHandle) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := h.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("expire %q: %w: %v", key, scanerr.ErrKVUnavailable, err)
	}
	return nil
}

func (h *redisHandle) Flush(ctx context.Context) error {
	if err := h.client.FlushDB(ctx).Err(); err != nil {
		return fmt.Errorf("flush db %d: %w: %v", h.index, scanerr.ErrKVUnavailable, err)
	}
	return nil
}

func (h *redisHandle) ScanKeys(ctx context.Context, pattern string) (KeyIterator, error) {
	return &redisKeyIterator{client: h.client, pattern: pattern, cursor: 0, first: true}, nil
}

// redisKeyIterator walks SCAN cursors lazily, never loading the full
// keyspace into memory (the teacher's preference for incremental,
// non-blocking primitives over one-shot bulk reads, e.g. buffered channels
// in scanning.JobQueue rather than slurping the whole queue).
type redisKeyIterator struct {
	client  *redis.Client
	pattern string
	cursor  uint64
	buf     []string
	first   bool
}

func (it *redisKeyIterator) Next(ctx context.Context) (string, bool, error) {
	for len(it.buf) == 0 {
		if !it.first && it.cursor == 0 {
			return "", false, nil
		}
		it.first = false
		keys, cursor, err := it.client.Scan(ctx, it.cursor, it.pattern, 100).Result()
		if err != nil {
			return "", false, fmt.Errorf("scan %q: %w: %v", it.pattern, scanerr.ErrKVUnavailable, err)
		}
		it.cursor = cursor
		it.buf = keys
	}
	key := it.buf[0]
	it.buf = it.buf[1:]
	return key, true, nil
}
