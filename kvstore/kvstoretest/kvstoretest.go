// Package kvstoretest provides an in-memory fake of kvstore.Driver/Handle
// for tests that exercise registry, prefs, and supervisor logic without a
// live Redis instance — the same "inject a fake, keep the real dependency
// in a thin adapter" pattern the teacher uses for vulndb.DatabaseLoader's
// SetLoader seam.
package kvstoretest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bvboe/ospd-go/kvstore"
	"github.com/bvboe/ospd-go/scanerr"
)

// Fake is an in-memory Driver backed by maxDBs independent key spaces.
type Fake struct {
	mu     sync.Mutex
	maxDBs int
	dbs    []*fakeDB
	// Unavailable, when set, makes every operation return ErrKVUnavailable,
	// for exercising the "KV and engine errors during a running scan
	// terminate that scan" error path (spec.md §7).
	Unavailable bool
}

type fakeDB struct {
	inUse bool
	data  map[string]string
	lists map[string][]string
}

// New creates a Fake with maxDBs addressable databases, none in use.
func New(maxDBs int) *Fake {
	dbs := make([]*fakeDB, maxDBs)
	for i := range dbs {
		dbs[i] = newFakeDB()
	}
	return &Fake{maxDBs: maxDBs, dbs: dbs}
}

func newFakeDB() *fakeDB {
	return &fakeDB{data: make(map[string]string), lists: make(map[string][]string)}
}

func (f *Fake) unavailableErr(op string) error {
	return fmt.Errorf("%s: %w: fake store marked unavailable", op, scanerr.ErrKVUnavailable)
}

func (f *Fake) MaxDBCount(ctx context.Context) (int, error) {
	return f.maxDBs, nil
}

func (f *Fake) Select(ctx context.Context, dbIndex int) (kvstore.Handle, error) {
	if f.Unavailable {
		return nil, f.unavailableErr("select")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if dbIndex < 0 || dbIndex >= f.maxDBs {
		return nil, fmt.Errorf("database index %d out of range: %w", dbIndex, scanerr.ErrInternal)
	}
	return &fakeHandle{fake: f, index: dbIndex}, nil
}

func (f *Fake) AcquireEmpty(ctx context.Context) (int, kvstore.Handle, error) {
	if f.Unavailable {
		return 0, nil, f.unavailableErr("acquire-empty")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, db := range f.dbs {
		if !db.inUse {
			db.inUse = true
			return i, &fakeHandle{fake: f, index: i}, nil
		}
	}
	return 0, nil, scanerr.ErrNoFreeDB
}

// ReleaseIndex clears the in-use flag for dbIndex, called by
// kvstore.ReleaseIndex for fakes that implement this optional interface.
func (f *Fake) ReleaseIndex(dbIndex int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if dbIndex >= 0 && dbIndex < len(f.dbs) {
		f.dbs[dbIndex] = newFakeDB()
	}
}

// InUseCount reports how many databases are currently marked in-use, for
// assertions in registry tests (invariant 1 in spec.md §8).
func (f *Fake) InUseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, db := range f.dbs {
		if db.inUse {
			n++
		}
	}
	return n
}

type fakeHandle struct {
	fake  *Fake
	index int
}

func (h *fakeHandle) Index() int { return h.index }

func (h *fakeHandle) db() *fakeDB {
	return h.fake.dbs[h.index]
}

func (h *fakeHandle) Get(ctx context.Context, key string) (string, bool, error) {
	if h.fake.Unavailable {
		return "", false, h.fake.unavailableErr("get")
	}
	h.fake.mu.Lock()
	defer h.fake.mu.Unlock()
	v, ok := h.db().data[key]
	return v, ok, nil
}

func (h *fakeHandle) Set(ctx context.Context, key, value string) error {
	if h.fake.Unavailable {
		return h.fake.unavailableErr("set")
	}
	h.fake.mu.Lock()
	defer h.fake.mu.Unlock()
	h.db().data[key] = value
	return nil
}

func (h *fakeHandle) Del(ctx context.Context, keys ...string) error {
	if h.fake.Unavailable {
		return h.fake.unavailableErr("del")
	}
	h.fake.mu.Lock()
	defer h.fake.mu.Unlock()
	for _, k := range keys {
		delete(h.db().data, k)
	}
	return nil
}

// LPush pushes values onto the head of the list, matching redis semantics:
// the last value in a multi-value call ends up closest to the head.
func (h *fakeHandle) LPush(ctx context.Context, key string, values ...string) error {
	if h.fake.Unavailable {
		return h.fake.unavailableErr("lpush")
	}
	h.fake.mu.Lock()
	defer h.fake.mu.Unlock()
	list := h.db().lists[key]
	for _, v := range values {
		list = append([]string{v}, list...)
	}
	h.db().lists[key] = list
	return nil
}

// RPop pops from the tail, giving FIFO ordering relative to LPush — the
// property kvstoretest.Fake is required to hold per SPEC_FULL.md §8.
func (h *fakeHandle) RPop(ctx context.Context, key string) (string, bool, error) {
	if h.fake.Unavailable {
		return "", false, h.fake.unavailableErr("rpop")
	}
	h.fake.mu.Lock()
	defer h.fake.mu.Unlock()
	list := h.db().lists[key]
	if len(list) == 0 {
		return "", false, nil
	}
	last := len(list) - 1
	v := list[last]
	h.db().lists[key] = list[:last]
	return v, true, nil
}

func (h *fakeHandle) ScanKeys(ctx context.Context, pattern string) (kvstore.KeyIterator, error) {
	if h.fake.Unavailable {
		return nil, h.fake.unavailableErr("scan-keys")
	}
	h.fake.mu.Lock()
	keys := make([]string, 0, len(h.db().data))
	for k := range h.db().data {
		if matchPattern(pattern, k) {
			keys = append(keys, k)
		}
	}
	h.fake.mu.Unlock()
	sort.Strings(keys)
	return &fakeKeyIterator{keys: keys}, nil
}

// Expire is a no-op TTL: the fake never actually expires keys (tests don't
// run long enough to need it) and keeps no record of the call.
func (h *fakeHandle) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if h.fake.Unavailable {
		return h.fake.unavailableErr("expire")
	}
	h.fake.mu.Lock()
	defer h.fake.mu.Unlock()
	if _, ok := h.db().data[key]; !ok {
		return nil
	}
	return nil
}

func (h *fakeHandle) Flush(ctx context.Context) error {
	if h.fake.Unavailable {
		return h.fake.unavailableErr("flush")
	}
	h.fake.mu.Lock()
	defer h.fake.mu.Unlock()
	wasInUse := h.db().inUse
	h.fake.dbs[h.index] = newFakeDB()
	h.fake.dbs[h.index].inUse = wasInUse
	return nil
}

type fakeKeyIterator struct {
	keys []string
	pos  int
}

func (it *fakeKeyIterator) Next(ctx context.Context) (string, bool, error) {
	if it.pos >= len(it.keys) {
		return "", false, nil
	}
	k := it.keys[it.pos]
	it.pos++
	return k, true, nil
}

// matchPattern supports the one wildcard shape this module actually uses:
// a trailing "*" (prefix match) or an exact match.
func matchPattern(pattern, key string) bool {
	if len(pattern) > 0 && pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(key) >= len(prefix) && key[:len(prefix)] == prefix
	}
	return pattern == key
}
