// Package registry implements the per-scan database allocation ledger
// (DBRegistry): it claims and releases the numbered databases the shared
// key-value store exposes, and maps each OSP scan id to the main database
// currently bound to that scan. Modeled on containers.Manager's
// mutex-guarded map-plus-interface-seam style, with kvstore.Driver standing
// in for the teacher's DatabaseInterface/ScanQueueInterface seams.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/bvboe/ospd-go/kvstore"
	"github.com/bvboe/ospd-go/scanerr"
)

// allocation tracks one live main-KB assignment.
type allocation struct {
	index  int
	handle kvstore.Handle
}

// Registry is the process-local allocation ledger for main KBs. The
// in-use flag itself lives in the shared KV store (see kvstore.Driver.
// AcquireEmpty), so a daemon restart finds no stale local state to
// reconcile; byScan only remembers which scan owns which handle while this
// process is alive.
//
// Keyed by the OSP-visible scan id, not engine_scan_id: the registry hands
// out a main KB *before* PreferenceBuilder generates engine_scan_id (spec.md
// §4.6 Launch step 1 precedes step... PreferenceBuilder step 1), and
// Supervisor.Stop must locate a scan's main KB from only the id the client
// gave it.
type Registry struct {
	mu     sync.Mutex // serializes NewMainDB the way DBRegistry.new_kb is serialized
	driver kvstore.Driver
	byScan map[string]allocation // scan_id -> allocation
}

// New creates a Registry bound to driver. maxDBs is accepted for parity
// with the spec's DBRegistry but is not cached here: kvstore.Driver already
// knows its own db count (MaxDBCount) and enforces it in AcquireEmpty.
func New(driver kvstore.Driver, maxDBs int) *Registry {
	return &Registry{
		driver: driver,
		byScan: make(map[string]allocation),
	}
}

// NewMainDB claims the first unused database and binds it to scanID.
// Fails with scanerr.ErrNoFreeDB once every database is occupied.
func (r *Registry) NewMainDB(ctx context.Context, scanID string) (kvstore.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byScan[scanID]; exists {
		return nil, fmt.Errorf("scan id %q already has a main kb: %w", scanID, scanerr.ErrInternal)
	}

	index, handle, err := r.driver.AcquireEmpty(ctx)
	if err != nil {
		return nil, err
	}

	r.byScan[scanID] = allocation{index: index, handle: handle}
	return handle, nil
}

// FindByScanID locates the live main KB bound to scanID.
func (r *Registry) FindByScanID(ctx context.Context, scanID string) (kvstore.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	alloc, ok := r.byScan[scanID]
	if !ok {
		return nil, false
	}
	return alloc.handle, true
}

// Release flushes every key in the main KB bound to scanID and clears its
// in-use flag. It is a no-op returning nil when scanID has no tracked main
// KB; sub-DBs are released through ReleaseHandle instead.
func (r *Registry) Release(ctx context.Context, scanID string) error {
	r.mu.Lock()
	alloc, ok := r.byScan[scanID]
	if ok {
		delete(r.byScan, scanID)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}

	if err := alloc.handle.Flush(ctx); err != nil {
		return err
	}
	return kvstore.ReleaseIndex(ctx, r.driver, alloc.index)
}

// ReleaseHandle flushes every key under handle and clears its in-use flag.
// Unlike Release, which looks a scan up in byScan, this takes the handle
// directly — the only way to release a sub-DB returned by EnumerateScanDBs,
// since sub-DBs are never registered in byScan (only main KBs are, via
// NewMainDB).
func (r *Registry) ReleaseHandle(ctx context.Context, handle kvstore.Handle) error {
	if err := handle.Flush(ctx); err != nil {
		return err
	}
	return kvstore.ReleaseIndex(ctx, r.driver, handle.Index())
}

// EnumerateScanDBs returns the currently bound per-host sub-databases the
// engine has spawned beneath main. The engine advertises each sub-DB by
// writing the owning engine_scan_id into a well-known key inside it; the
// caller (supervisor) is responsible for reading that key and filtering out
// sub-DBs that don't belong to it, per spec.md §4.6 step 4.
//
// Walks every database the driver knows about (kvstore.Driver.MaxDBCount)
// rather than trusting a caller-supplied bound, so callers never need to
// track the deployment's own db count just to poll sub-DBs.
func (r *Registry) EnumerateScanDBs(ctx context.Context) ([]kvstore.Handle, error) {
	maxIndex, err := r.driver.MaxDBCount(ctx)
	if err != nil {
		return nil, err
	}
	var handles []kvstore.Handle
	for i := 0; i < maxIndex; i++ {
		h, err := r.driver.Select(ctx, i)
		if err != nil {
			return nil, err
		}
		_, bound, err := h.Get(ctx, subDBOwnerKey)
		if err != nil {
			return nil, err
		}
		if bound {
			handles = append(handles, h)
		}
	}
	return handles, nil
}

// subDBOwnerKey is the well-known key the engine writes into a sub-DB to
// advertise which scan it belongs to.
const subDBOwnerKey = "internal/ospd_scan_id"
