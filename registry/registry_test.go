package registry

import (
	"context"
	"testing"

	"github.com/bvboe/ospd-go/kvstore/kvstoretest"
	"github.com/bvboe/ospd-go/scanerr"
)

func TestNewMainDB_AllocatesAndTracks(t *testing.T) {
	fake := kvstoretest.New(2)
	r := New(fake, 2)
	ctx := context.Background()

	h, err := r.NewMainDB(ctx, "engine-1")
	if err != nil {
		t.Fatalf("NewMainDB: %v", err)
	}
	if h == nil {
		t.Fatal("expected non-nil handle")
	}

	found, ok := r.FindByScanID(ctx, "engine-1")
	if !ok {
		t.Fatal("expected to find scan by scan id")
	}
	if found.Index() != h.Index() {
		t.Errorf("found index %d, want %d", found.Index(), h.Index())
	}

	if fake.InUseCount() != 1 {
		t.Errorf("expected 1 in-use db, got %d", fake.InUseCount())
	}
}

func TestNewMainDB_ExhaustionFails(t *testing.T) {
	fake := kvstoretest.New(1)
	r := New(fake, 1)
	ctx := context.Background()

	if _, err := r.NewMainDB(ctx, "engine-1"); err != nil {
		t.Fatalf("first allocation: %v", err)
	}
	_, err := r.NewMainDB(ctx, "engine-2")
	if err == nil {
		t.Fatal("expected ErrNoFreeDB")
	}
	if !isNoFreeDB(err) {
		t.Errorf("expected ErrNoFreeDB, got %v", err)
	}
}

func isNoFreeDB(err error) bool {
	for err != nil {
		if err == scanerr.ErrNoFreeDB {
			return true
		}
		unwrap, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrap.Unwrap()
	}
	return false
}

func TestRelease_ClearsAllocationAndInUseFlag(t *testing.T) {
	fake := kvstoretest.New(2)
	r := New(fake, 2)
	ctx := context.Background()

	if _, err := r.NewMainDB(ctx, "engine-1"); err != nil {
		t.Fatalf("NewMainDB: %v", err)
	}
	if err := r.Release(ctx, "engine-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if fake.InUseCount() != 0 {
		t.Errorf("expected 0 in-use dbs after release, got %d", fake.InUseCount())
	}
	if _, ok := r.FindByScanID(ctx, "engine-1"); ok {
		t.Error("expected scan to be forgotten after release")
	}

	// The freed database should be allocatable again.
	if _, err := r.NewMainDB(ctx, "engine-2"); err != nil {
		t.Fatalf("NewMainDB after release: %v", err)
	}
}

func TestReleaseHandle_FreesSubDBForReallocation(t *testing.T) {
	fake := kvstoretest.New(2)
	r := New(fake, 2)
	ctx := context.Background()

	// A sub-db never goes through NewMainDB: it's acquired directly, the
	// way the engine claims a per-host db beneath main.
	index, handle, err := fake.AcquireEmpty(ctx)
	if err != nil {
		t.Fatalf("AcquireEmpty: %v", err)
	}
	if err := handle.Set(ctx, subDBOwnerKey, "engine-1"); err != nil {
		t.Fatalf("set owner: %v", err)
	}

	if err := r.ReleaseHandle(ctx, handle); err != nil {
		t.Fatalf("ReleaseHandle: %v", err)
	}

	if fake.InUseCount() != 0 {
		t.Errorf("expected 0 in-use dbs after ReleaseHandle, got %d", fake.InUseCount())
	}
	if _, ok, _ := handle.Get(ctx, subDBOwnerKey); ok {
		t.Error("expected owner key to be flushed by ReleaseHandle")
	}

	// The freed index should be allocatable again.
	reacquired, _, err := fake.AcquireEmpty(ctx)
	if err != nil {
		t.Fatalf("AcquireEmpty after release: %v", err)
	}
	if reacquired != index {
		t.Errorf("expected freed index %d to be reused, got %d", index, reacquired)
	}
}

func TestEnumerateScanDBs_FiltersByOwnerKey(t *testing.T) {
	fake := kvstoretest.New(3)
	r := New(fake, 3)
	ctx := context.Background()

	h0, err := fake.Select(ctx, 0)
	if err != nil {
		t.Fatalf("select 0: %v", err)
	}
	if err := h0.Set(ctx, subDBOwnerKey, "engine-1"); err != nil {
		t.Fatalf("set owner: %v", err)
	}

	handles, err := r.EnumerateScanDBs(ctx)
	if err != nil {
		t.Fatalf("EnumerateScanDBs: %v", err)
	}
	if len(handles) != 1 || handles[0].Index() != 0 {
		t.Errorf("expected exactly sub-db 0 bound, got %+v", handles)
	}
}
