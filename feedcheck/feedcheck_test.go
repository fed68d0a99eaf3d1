package feedcheck

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bvboe/ospd-go/feedlock"
	"github.com/bvboe/ospd-go/kvstore/kvstoretest"
	"github.com/bvboe/ospd-go/vtcatalog"
)

type fakeReady struct {
	published []byte
	calls     int
}

func (r *fakeReady) Publish(hash []byte) {
	r.published = hash
	r.calls++
}

func writeFeedInfo(t *testing.T, dir string, pluginSet string) {
	t.Helper()
	content := "PLUGIN_SET = \"" + pluginSet + "\";\n"
	if err := os.WriteFile(filepath.Join(dir, "plugin_feed_info.inc"), []byte(content), 0644); err != nil {
		t.Fatalf("write feed info: %v", err)
	}
}

func TestRun_RefreshesAndPublishesOnNewVersion(t *testing.T) {
	dir := t.TempDir()
	writeFeedInfo(t, dir, "202407201030")

	fake := kvstoretest.New(1)
	catalog := vtcatalog.New(fake, dir)
	lock := feedlock.New(filepath.Join(t.TempDir(), "feed.lock"))
	ready := &fakeReady{}

	job := NewJob(catalog, lock, dir, ready)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ready.calls != 1 {
		t.Errorf("expected one publish, got %d", ready.calls)
	}
	if _, ok := catalog.FeedVersion(); !ok {
		t.Error("expected catalog to have a feed version after refresh")
	}
}

func TestRun_SkipsWhenVersionUnchanged(t *testing.T) {
	dir := t.TempDir()
	writeFeedInfo(t, dir, "202407201030")

	fake := kvstoretest.New(1)
	catalog := vtcatalog.New(fake, dir)
	lock := feedlock.New(filepath.Join(t.TempDir(), "feed.lock"))
	ready := &fakeReady{}

	job := NewJob(catalog, lock, dir, ready)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if ready.calls != 1 {
		t.Errorf("expected only one publish across two unchanged runs, got %d", ready.calls)
	}
}

func TestRun_MissingFeedFileIsNotAnError(t *testing.T) {
	dir := t.TempDir() // no plugin_feed_info.inc
	fake := kvstoretest.New(1)
	catalog := vtcatalog.New(fake, dir)
	lock := feedlock.New(filepath.Join(t.TempDir(), "feed.lock"))
	ready := &fakeReady{}

	job := NewJob(catalog, lock, dir, ready)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("expected no error for missing feed file, got %v", err)
	}
	if ready.calls != 0 {
		t.Error("expected no publish when feed file is missing")
	}
}

func TestRun_LockHeldElsewhereSkipsWithoutError(t *testing.T) {
	dir := t.TempDir()
	writeFeedInfo(t, dir, "202407201030")
	lockPath := filepath.Join(t.TempDir(), "feed.lock")

	holder := feedlock.New(lockPath)
	ok, err := holder.TryLock(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected to acquire holder lock, ok=%v err=%v", ok, err)
	}
	defer holder.Unlock()

	fake := kvstoretest.New(1)
	catalog := vtcatalog.New(fake, dir)
	lock := feedlock.New(lockPath)
	ready := &fakeReady{}

	job := NewJob(catalog, lock, dir, ready)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("expected no error when lock unavailable, got %v", err)
	}
	if ready.calls != 0 {
		t.Error("expected no publish when lock is held elsewhere")
	}
}
